package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"golang.org/x/time/rate"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/internal/resilience"
)

// maxPixels is the backend's per-reduction pixel budget. Kept at the service
// maximum; tileScale is the knob that keeps requests feasible.
const maxPixels = 1e13

type restClient struct {
	baseURL string
	project string
	token   string
	dataset DatasetConfig
	retry   resilience.RetryConfig
	limiter *rate.Limiter
	http    *http.Client
}

type featurePayload struct {
	Geometry   json.RawMessage     `json:"geometry"`
	Properties map[string]*float64 `json:"properties"`
}

type vectorizeBody struct {
	Geometry       json.RawMessage `json:"geometry"`
	Dataset        DatasetConfig   `json:"dataset"`
	NDVIThreshold  float64         `json:"ndvi_threshold"`
	ElevThreshold  float64         `json:"elev_threshold"`
	Scale          float64         `json:"scale"`
	TileScale      float64         `json:"tile_scale"`
	EightConnected bool            `json:"eight_connected"`
	BestEffort     bool            `json:"best_effort"`
	MaxPixels      float64         `json:"max_pixels"`
}

type reduceBody struct {
	Geometry  json.RawMessage `json:"geometry"`
	Dataset   DatasetConfig   `json:"dataset"`
	Bands     []string        `json:"bands"`
	Reducer   string          `json:"reducer"`
	Scale     float64         `json:"scale"`
	TileScale float64         `json:"tile_scale"`
	MaxPixels float64         `json:"max_pixels"`
}

type bulkReduceBody struct {
	Geometries []json.RawMessage `json:"geometries"`
	Dataset    DatasetConfig     `json:"dataset"`
	Bands      []string          `json:"bands"`
	Reducer    string            `json:"reducer"`
	Scale      float64           `json:"scale"`
	TileScale  float64           `json:"tile_scale"`
}

type featuresResponse struct {
	Features []featurePayload `json:"features"`
}

type reduceResponse struct {
	Properties map[string]*float64 `json:"properties"`
}

func (c *restClient) Vectorize(ctx context.Context, req VectorizeRequest) ([]Feature, error) {
	g, err := encodeGeometry(req.Geometry)
	if err != nil {
		return nil, err
	}

	body := vectorizeBody{
		Geometry:       g,
		Dataset:        c.dataset,
		NDVIThreshold:  req.NDVIThreshold,
		ElevThreshold:  req.ElevThreshold,
		Scale:          req.Scale,
		TileScale:      req.TileScale,
		EightConnected: false,
		BestEffort:     true,
		MaxPixels:      maxPixels,
	}

	var resp featuresResponse
	if err := c.post(ctx, "vectorize", body, &resp); err != nil {
		return nil, err
	}
	return decodeFeatures(resp.Features)
}

func (c *restClient) ReduceRegion(ctx context.Context, req ReduceRequest) (map[string]float64, error) {
	g, err := encodeGeometry(req.Geometry)
	if err != nil {
		return nil, err
	}

	body := reduceBody{
		Geometry:  g,
		Dataset:   c.dataset,
		Bands:     req.Bands,
		Reducer:   "mean",
		Scale:     req.Scale,
		TileScale: req.TileScale,
		MaxPixels: maxPixels,
	}

	var resp reduceResponse
	if err := c.post(ctx, "reduce", body, &resp); err != nil {
		return nil, err
	}

	stats := make(map[string]float64, len(resp.Properties))
	for k, v := range resp.Properties {
		if v != nil {
			stats[k] = *v
		}
	}
	return stats, nil
}

func (c *restClient) ReduceRegions(ctx context.Context, req BulkReduceRequest) ([]Feature, error) {
	geoms := make([]json.RawMessage, 0, len(req.Geometries))
	for _, p := range req.Geometries {
		g, err := encodeGeometry(p)
		if err != nil {
			return nil, err
		}
		geoms = append(geoms, g)
	}

	body := bulkReduceBody{
		Geometries: geoms,
		Dataset:    c.dataset,
		Bands:      req.Bands,
		Reducer:    "mean",
		Scale:      req.Scale,
		TileScale:  req.TileScale,
	}

	var resp featuresResponse
	if err := c.post(ctx, "reduceRegions", body, &resp); err != nil {
		return nil, err
	}
	return decodeFeatures(resp.Features)
}

// post sends one JSON request through the rate limiter and retry policy,
// decoding a 200 response into out.
func (c *restClient) post(ctx context.Context, op string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "earthengine: marshal %s request", op)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/%s", c.baseURL, c.project, op)

	retry := c.retry
	retry.OnRetry = resilience.RetryLogger("earthengine", op)

	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrapf(err, "earthengine: %s rate limit", op)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return eris.Wrapf(err, "earthengine: build %s request", op)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return eris.Wrapf(err, "earthengine: send %s request", op)
		}
		defer resp.Body.Close() //nolint:errcheck

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrapf(err, "earthengine: read %s response", op)
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := eris.Errorf("earthengine: %s returned status %d: %s", op, resp.StatusCode, snippet(respBody))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				if wait := retryAfter(resp); wait > 0 {
					return resilience.NewRateLimitedError(statusErr, wait)
				}
				return resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return statusErr
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return eris.Wrapf(err, "earthengine: parse %s response", op)
		}
		return nil
	})
}

func encodeGeometry(p *geom.Polygon) (json.RawMessage, error) {
	s, err := geometry.EncodeGeoJSON(p)
	if err != nil {
		return nil, eris.Wrap(err, "earthengine: encode geometry")
	}
	return json.RawMessage(s), nil
}

func decodeFeatures(payloads []featurePayload) ([]Feature, error) {
	feats := make([]Feature, 0, len(payloads))
	for i, fp := range payloads {
		f := Feature{Properties: make(map[string]float64, len(fp.Properties))}
		for k, v := range fp.Properties {
			if v != nil {
				f.Properties[k] = *v
			}
		}
		if len(fp.Geometry) > 0 && string(fp.Geometry) != "null" {
			p, err := geometry.DecodeGeoJSON(string(fp.Geometry))
			if err != nil {
				return nil, eris.Wrapf(err, "earthengine: decode feature %d geometry", i)
			}
			f.Geometry = p
		}
		feats = append(feats, f)
	}
	return feats, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
