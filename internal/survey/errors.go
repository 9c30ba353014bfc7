package survey

import (
	"errors"
	"fmt"
)

// TileError reports a failed detection for one tile. Tile failures are
// recorded and skipped; they never abort a run on their own.
type TileError struct {
	TileIndex int
	Err       error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("tile %d: %v", e.TileIndex, e.Err)
}

func (e *TileError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a weight-table metric that no record carries.
// Silently skipping the weight would silently change the anomaly
// definition, so scoring fails instead.
type ConfigurationError struct {
	Metric string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("metric %q is configured but absent from all records", e.Metric)
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// EmptyResultError reports a backend batch call that returned no features
// for a non-empty request. This indicates a malformed batch rather than an
// empty area, so the run fails loudly with the batch identity.
type EmptyResultError struct {
	Op        string
	Requested int
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("%s returned no features for %d geometries", e.Op, e.Requested)
}

// IsEmptyResultError reports whether err wraps an EmptyResultError.
func IsEmptyResultError(err error) bool {
	var ee *EmptyResultError
	return errors.As(err, &ee)
}
