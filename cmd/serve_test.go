package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/overstory-labs/terrascout/internal/store"
	"github.com/overstory-labs/terrascout/internal/survey"
)

func newServeStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func servePoly(minLon, minLat, side float64) *geom.Polygon {
	p := geom.NewPolygon(geom.XY)
	p.SetSRID(4326)
	err := p.Push(geom.NewLinearRingFlat(geom.XY, []float64{
		minLon, minLat,
		minLon + side, minLat,
		minLon + side, minLat + side,
		minLon, minLat + side,
		minLon, minLat,
	}))
	if err != nil {
		panic(err)
	}
	return p
}

func serveGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServeHealthz(t *testing.T) {
	h := newRouter(newServeStore(t))

	w := serveGet(t, h, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServeListRuns_Empty(t *testing.T) {
	h := newRouter(newServeStore(t))

	w := serveGet(t, h, "/api/runs")
	require.Equal(t, http.StatusOK, w.Code)

	var runs []survey.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	assert.Empty(t, runs)
	// An empty store serves an empty array, never null.
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestServeListRuns_StatusFilter(t *testing.T) {
	st := newServeStore(t)
	ctx := context.Background()

	done := survey.NewRun("Upper Xingu")
	done.Status = survey.RunStatusComplete
	require.NoError(t, st.CreateRun(ctx, done))

	active := survey.NewRun("Llanos de Mojos")
	active.Status = survey.RunStatusRunning
	require.NoError(t, st.CreateRun(ctx, active))

	h := newRouter(st)

	w := serveGet(t, h, "/api/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []survey.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	w = serveGet(t, h, "/api/runs?status=complete")
	require.Equal(t, http.StatusOK, w.Code)
	runs = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, done.ID, runs[0].ID)
}

func TestServeGetRun(t *testing.T) {
	st := newServeStore(t)
	run := survey.NewRun("Upper Xingu")
	run.Counts.Sites = 42
	require.NoError(t, st.CreateRun(context.Background(), run))

	h := newRouter(st)

	w := serveGet(t, h, "/api/runs/"+run.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var got survey.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "Upper Xingu", got.AOIName)
	assert.Equal(t, 42, got.Counts.Sites)
}

func TestServeGetRun_NotFound(t *testing.T) {
	h := newRouter(newServeStore(t))

	w := serveGet(t, h, "/api/runs/ffffffff-0000-4000-8000-000000000000")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "run not found")
}

func TestServeShortlist(t *testing.T) {
	st := newServeStore(t)
	ctx := context.Background()

	run := survey.NewRun("Upper Xingu")
	require.NoError(t, st.CreateRun(ctx, run))

	records := []survey.ScoredRecord{
		{
			Geometry: servePoly(-60, -10, 0.001),
			Props:    map[string]float64{survey.PropScore: 3.4, survey.PropMeanNDVI: 0.21},
			Advice:   "Geometric clearing inconsistent with natural regrowth.",
			Rating:   8,
		},
		{
			Geometry: servePoly(-59.9, -10, 0.001),
			Props:    map[string]float64{survey.PropScore: 2.1},
		},
	}
	require.NoError(t, st.SaveShortlist(ctx, run.ID, records))

	h := newRouter(st)

	w := serveGet(t, h, "/api/runs/"+run.ID+"/shortlist")
	require.Equal(t, http.StatusOK, w.Code)

	var entries []shortlistEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)

	assert.Equal(t, 1, entries[0].Position)
	assert.InDelta(t, 3.4, entries[0].Score, 1e-9)
	assert.Equal(t, 8, entries[0].Rating)
	assert.Contains(t, entries[0].Advice, "Geometric clearing")
	assert.Contains(t, string(entries[0].Geometry), "Polygon")

	assert.Equal(t, 2, entries[1].Position)
	assert.InDelta(t, 2.1, entries[1].Score, 1e-9)
	assert.Empty(t, entries[1].Advice)
}

func TestServeShortlist_UnknownRun(t *testing.T) {
	h := newRouter(newServeStore(t))

	w := serveGet(t, h, "/api/runs/ffffffff-0000-4000-8000-000000000000/shortlist")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "run not found")
}

func TestServeCORSHeader(t *testing.T) {
	h := newRouter(newServeStore(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
