package survey

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/overstory-labs/terrascout/pkg/anthropic"
	"github.com/overstory-labs/terrascout/pkg/earthengine"
)

// --- Raster service mocks ---

type mockRaster struct {
	mock.Mock
}

func (m *mockRaster) Vectorize(ctx context.Context, req earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]earthengine.Feature), args.Error(1)
}

func (m *mockRaster) ReduceRegion(ctx context.Context, req earthengine.ReduceRequest) (map[string]float64, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]float64), args.Error(1)
}

func (m *mockRaster) ReduceRegions(ctx context.Context, req earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]earthengine.Feature), args.Error(1)
}

// fakeRaster routes calls to plain functions for tests that need
// stateful per-call behavior.
type fakeRaster struct {
	vectorize     func(ctx context.Context, req earthengine.VectorizeRequest) ([]earthengine.Feature, error)
	reduceRegion  func(ctx context.Context, req earthengine.ReduceRequest) (map[string]float64, error)
	reduceRegions func(ctx context.Context, req earthengine.BulkReduceRequest) ([]earthengine.Feature, error)
}

func (f *fakeRaster) Vectorize(ctx context.Context, req earthengine.VectorizeRequest) ([]earthengine.Feature, error) {
	if f.vectorize == nil {
		return nil, nil
	}
	return f.vectorize(ctx, req)
}

func (f *fakeRaster) ReduceRegion(ctx context.Context, req earthengine.ReduceRequest) (map[string]float64, error) {
	if f.reduceRegion == nil {
		return map[string]float64{}, nil
	}
	return f.reduceRegion(ctx, req)
}

func (f *fakeRaster) ReduceRegions(ctx context.Context, req earthengine.BulkReduceRequest) ([]earthengine.Feature, error) {
	if f.reduceRegions == nil {
		return nil, nil
	}
	return f.reduceRegions(ctx, req)
}

// --- Recorder mock ---

// memRecorder is an in-memory Recorder that captures everything the
// pipeline persists.
type memRecorder struct {
	mu        sync.Mutex
	runs      map[string]Run
	sites     map[string][]CandidateSite
	cells     map[string][]ScoredRecord
	shortlist map[string][]ScoredRecord
	failures  map[string][]int
	createErr error
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		runs:      make(map[string]Run),
		sites:     make(map[string][]CandidateSite),
		cells:     make(map[string][]ScoredRecord),
		shortlist: make(map[string][]ScoredRecord),
		failures:  make(map[string][]int),
	}
}

func (r *memRecorder) CreateRun(_ context.Context, run *Run) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRecorder) UpdateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRecorder) SaveSites(_ context.Context, runID string, sites []CandidateSite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[runID] = sites
	return nil
}

func (r *memRecorder) SaveScoredCells(_ context.Context, runID string, cells []ScoredRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cells[runID] = cells
	return nil
}

func (r *memRecorder) SaveShortlist(_ context.Context, runID string, records []ScoredRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shortlist[runID] = records
	return nil
}

func (r *memRecorder) RecordTileFailure(_ context.Context, runID string, tileIndex int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[runID] = append(r.failures[runID], tileIndex)
	return nil
}

// --- Advisory client mock ---

type mockAdvisory struct {
	mock.Mock
}

func (m *mockAdvisory) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockAdvisory) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAdvisory) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAdvisory) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

// sliceIterator yields canned batch results.
type sliceIterator struct {
	items []anthropic.BatchResultItem
	idx   int
}

func newSliceIterator(items []anthropic.BatchResultItem) *sliceIterator {
	return &sliceIterator{items: items, idx: -1}
}

func (s *sliceIterator) Next() bool {
	if s.idx+1 < len(s.items) {
		s.idx++
		return true
	}
	return false
}

func (s *sliceIterator) Item() anthropic.BatchResultItem { return s.items[s.idx] }
func (s *sliceIterator) Err() error                      { return nil }
func (s *sliceIterator) Close() error                    { return nil }
