// Package earthengine provides a client for the remote raster-analysis
// backend used by the survey pipeline: masked vectorization and mean
// reductions over geometries, computed server-side from a Sentinel-2 NDVI
// composite and an SRTM elevation model.
package earthengine

import (
	"context"
	"net/http"
	"time"

	"github.com/twpayne/go-geom"
	"golang.org/x/time/rate"

	"github.com/overstory-labs/terrascout/internal/resilience"
)

// Band names returned by the backend for the composite the client requests.
const (
	BandNDVI      = "NDVI"
	BandElevation = "elevation"

	// MeanSuffix is appended to band names by some backend versions when a
	// mean reducer is applied (e.g. "NDVI_mean").
	MeanSuffix = "_mean"
)

// Client is the raster service consumed by the survey pipeline. All three
// operations are blocking remote calls and honor context cancellation.
type Client interface {
	// Vectorize asks the backend to threshold the NDVI/elevation composite
	// over a geometry and vectorize the surviving mask into polygons.
	Vectorize(ctx context.Context, req VectorizeRequest) ([]Feature, error)

	// ReduceRegion computes the mean of the named bands over one geometry.
	// Bands masked over the whole footprint are absent from the result.
	ReduceRegion(ctx context.Context, req ReduceRequest) (map[string]float64, error)

	// ReduceRegions computes per-geometry band means for a whole collection
	// in one request. The response preserves request order, one feature per
	// input geometry.
	ReduceRegions(ctx context.Context, req BulkReduceRequest) ([]Feature, error)
}

// Feature is a polygon plus its scalar properties, the interchange record
// for vectorize and bulk-reduce responses.
type Feature struct {
	Geometry   *geom.Polygon
	Properties map[string]float64
}

// VectorizeRequest describes one masked-vectorization call. The mask keeps
// pixels with NDVI below NDVIThreshold and elevation above ElevThreshold;
// contiguous masked pixels merge with 4-connectivity.
type VectorizeRequest struct {
	Geometry      *geom.Polygon
	NDVIThreshold float64
	ElevThreshold float64
	// Scale is the pixel size in meters for vectorization.
	Scale float64
	// TileScale is the backend aggregation factor. It affects feasibility of
	// large requests, never the result.
	TileScale float64
}

// ReduceRequest describes a single-geometry mean reduction.
type ReduceRequest struct {
	Geometry  *geom.Polygon
	Bands     []string
	Scale     float64
	TileScale float64
}

// BulkReduceRequest describes a mean reduction over many geometries at once.
type BulkReduceRequest struct {
	Geometries []*geom.Polygon
	Bands      []string
	Scale      float64
	TileScale  float64
}

// DatasetConfig names the imagery the backend composes before reducing.
// Every request carries it so the server needs no per-client state.
type DatasetConfig struct {
	// ImageryCollection is filtered to the date window and cloud cap, then
	// flattened with the named composite reducer.
	ImageryCollection string  `json:"imagery_collection"`
	StartDate         string  `json:"start_date"`
	EndDate           string  `json:"end_date"`
	MaxCloudPct       float64 `json:"max_cloud_pct"`
	Composite         string  `json:"composite"`

	// NIRBand and RedBand feed the normalized-difference vegetation index.
	NIRBand string `json:"nir_band"`
	RedBand string `json:"red_band"`

	DEMAsset string `json:"dem_asset"`
	DEMBand  string `json:"dem_band"`
}

// DefaultDataset returns the Sentinel-2 surface-reflectance composite and
// SRTM DEM the pipeline was designed around.
func DefaultDataset() DatasetConfig {
	return DatasetConfig{
		ImageryCollection: "COPERNICUS/S2_SR_HARMONIZED",
		StartDate:         "2024-01-01",
		EndDate:           "2024-12-31",
		MaxCloudPct:       10,
		Composite:         "median",
		NIRBand:           "B8",
		RedBand:           "B4",
		DEMAsset:          "USGS/SRTMGL1_003",
		DEMBand:           "elevation",
	}
}

// Option configures the REST client.
type Option func(*restClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *restClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *restClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit for backend calls.
func WithRateLimit(rps float64) Option {
	return func(c *restClient) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry overrides the retry policy for transient backend failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *restClient) {
		c.retry = cfg
	}
}

// WithDataset overrides the imagery configuration sent with every request.
func WithDataset(ds DatasetConfig) Option {
	return func(c *restClient) {
		c.dataset = ds
	}
}

const defaultBaseURL = "https://earthengine.googleapis.com"

// NewClient creates a REST raster client for the given cloud project,
// authenticating with a bearer token.
func NewClient(project, token string, opts ...Option) Client {
	c := &restClient{
		baseURL: defaultBaseURL,
		project: project,
		token:   token,
		dataset: DefaultDataset(),
		retry:   resilience.DefaultRetryConfig(),
		limiter: rate.NewLimiter(10, 10),
		http: &http.Client{
			// Large reductions can run for minutes server-side; per-tile
			// deadlines are enforced by the caller's context.
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}
