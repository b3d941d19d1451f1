package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mnemod/mnemod/core"
	"github.com/mnemod/mnemod/memory"
	"github.com/mnemod/mnemod/memory/embedder/mock"
	chromemindex "github.com/mnemod/mnemod/memory/index/chromem"
	"github.com/mnemod/mnemod/memory/store/sqlite"
)

// testConfig uses a dedup threshold suited to the mock embedder, whose
// token-overlap similarities run lower than a real sentence transformer's.
func testConfig() memory.ServiceConfig {
	cfg := memory.DefaultServiceConfig()
	cfg.DedupThreshold = 0.6
	return cfg
}

func newTestService(t *testing.T, cfg memory.ServiceConfig, embedder memory.Embedder) (*memory.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "learnings.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	index, err := chromemindex.New()
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	if embedder == nil {
		embedder = mock.New()
	}
	return memory.NewService(store, index, embedder, cfg, nil), store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	result, err := svc.Store(ctx, memory.StoreRequest{
		Type:          core.TypeWorkingSolution,
		Content:       "run migrations with make db-up before integration tests",
		Context:       "backend repo",
		Confidence:    0.9,
		SessionSource: "session-42",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !result.Created {
		t.Error("expected created=true for a fresh record")
	}

	rec, err := svc.Get(ctx, result.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Content != "run migrations with make db-up before integration tests" {
		t.Errorf("content mismatch: %q", rec.Content)
	}
	if rec.Type != core.TypeWorkingSolution || rec.Context != "backend repo" ||
		rec.Confidence != 0.9 || rec.SessionSource != "session-42" {
		t.Errorf("fields did not round-trip: %+v", rec)
	}
	if rec.MergeCount != 1 {
		t.Errorf("merge_count = %d, want 1", rec.MergeCount)
	}

	results, err := svc.Query(ctx, memory.QueryRequest{Probe: "migrations before integration tests", K: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != result.ID {
		t.Fatalf("query did not return the stored record: %+v", results)
	}
}

func TestStoreMergesNearDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	first, err := svc.Store(ctx, memory.StoreRequest{
		Type:       core.TypeGotcha,
		Content:    "X causes Y",
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("first store: %v", err)
	}

	second, err := svc.Store(ctx, memory.StoreRequest{
		Type:       core.TypeGotcha,
		Content:    "Doing X always causes Y to happen",
		Confidence: 0.95,
	})
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if second.Created {
		t.Error("expected created=false for a near-duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("merge returned id %s, want existing id %s", second.ID, first.ID)
	}
	if second.Similarity <= 0 {
		t.Errorf("merge should report the winning similarity, got %f", second.Similarity)
	}

	rec, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.MergeCount != 2 {
		t.Errorf("merge_count = %d, want 2", rec.MergeCount)
	}
	if rec.Confidence != 0.95 {
		t.Errorf("confidence = %f, want max of both (0.95)", rec.Confidence)
	}
	// Longer content wins the merge.
	if rec.Content != "Doing X always causes Y to happen" {
		t.Errorf("content = %q, want the longer variant", rec.Content)
	}
	if !rec.UpdatedAt.After(rec.CreatedAt) {
		t.Error("updated_at should advance on merge")
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalLearnings != 1 {
		t.Errorf("total = %d, want exactly one record after merge", stats.TotalLearnings)
	}
}

func TestMergeTieKeepsExistingContent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	if _, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypeGotcha, Content: "X causes Y", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("first store: %v", err)
	}
	result, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypeGotcha, Content: "Y causes X", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if result.Created {
		t.Fatal("expected a merge")
	}
	rec, _ := svc.Get(ctx, result.ID)
	if rec.Content != "X causes Y" {
		t.Errorf("equal-length merge should keep existing content, got %q", rec.Content)
	}
	if rec.Confidence != 0.9 {
		t.Errorf("confidence = %f, want existing max 0.9", rec.Confidence)
	}
}

func TestDistinctContentStoredSeparately(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	a, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypeGotcha, Content: "X causes Y", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypeGotcha, Content: "the staging cluster rejects unsigned images", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	if !a.Created || !b.Created || a.ID == b.ID {
		t.Errorf("dissimilar contents must create two records: %+v %+v", a, b)
	}
}

func TestSameContentDifferentTypeStoredSeparately(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	a, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypeGotcha, Content: "X causes Y", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("store gotcha: %v", err)
	}
	b, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypePattern, Content: "X causes Y", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("store pattern: %v", err)
	}
	if !b.Created || a.ID == b.ID {
		t.Error("dedup must not cross learning types")
	}
}

func TestValidationRejections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	cases := []struct {
		name string
		req  memory.StoreRequest
	}{
		{"empty content", memory.StoreRequest{Type: core.TypeGotcha, Confidence: 0.9}},
		{"unknown type", memory.StoreRequest{Type: "HUNCH", Content: "x", Confidence: 0.9}},
		{"confidence above range", memory.StoreRequest{Type: core.TypeGotcha, Content: "x", Confidence: 1.5}},
		{"confidence below range", memory.StoreRequest{Type: core.TypeGotcha, Content: "x", Confidence: -0.1}},
		{"below admission threshold", memory.StoreRequest{Type: core.TypeGotcha, Content: "x", Confidence: 0.5}},
	}
	for _, tc := range cases {
		_, err := svc.Store(ctx, tc.req)
		if !core.IsValidation(err) {
			t.Errorf("%s: got %v, want ValidationError", tc.name, err)
		}
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalLearnings != 0 {
		t.Errorf("rejected records must never be persisted, found %d", stats.TotalLearnings)
	}
}

func TestQueryBoundsAndFilters(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	contents := []string{
		"alpha bravo charlie",
		"delta echo foxtrot",
		"golf hotel india",
		"juliett kilo lima",
		"mike november oscar",
		"papa quebec romeo",
	}
	for i, content := range contents {
		conf := 0.70 + float64(i)*0.05
		if _, err := svc.Store(ctx, memory.StoreRequest{
			Type: core.TypePattern, Content: content, Confidence: conf,
		}); err != nil {
			t.Fatalf("store %q: %v", content, err)
		}
	}

	results, err := svc.Query(ctx, memory.QueryRequest{Probe: "alpha delta golf juliett", K: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) > 3 {
		t.Errorf("query returned %d results, k=3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results must be sorted by score descending")
		}
	}

	results, err = svc.Query(ctx, memory.QueryRequest{
		Probe: "alpha delta golf", K: 10, MinConfidence: 0.85,
	})
	if err != nil {
		t.Fatalf("filtered query: %v", err)
	}
	for _, r := range results {
		if r.Record.Confidence < 0.85 {
			t.Errorf("result %s below min_confidence: %f", r.Record.ID, r.Record.Confidence)
		}
	}

	results, err = svc.Query(ctx, memory.QueryRequest{
		Probe: "alpha bravo", K: 10, TypeFilter: core.TypeGotcha,
	})
	if err != nil {
		t.Fatalf("type-filtered query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("no GOTCHA records exist, got %d results", len(results))
	}

	if _, err := svc.Query(ctx, memory.QueryRequest{Probe: "x", TypeFilter: "HUNCH"}); !core.IsValidation(err) {
		t.Errorf("unknown type_filter: got %v, want ValidationError", err)
	}
	if _, err := svc.Query(ctx, memory.QueryRequest{}); !core.IsValidation(err) {
		t.Errorf("empty probe: got %v, want ValidationError", err)
	}
}

func TestDeletedRecordsExcludedFromQuery(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	result, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypeDecision, Content: "store sessions in redis not memcached", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	deleted, err := svc.Delete(ctx, result.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}

	results, err := svc.Query(ctx, memory.QueryRequest{Probe: "redis sessions", K: 5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("soft-deleted record returned from query: %+v", results)
	}

	// Idempotent: deleting again is not an error and reports false.
	deleted, err = svc.Delete(ctx, result.ID)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Error("second delete should report false")
	}
	deleted, err = svc.Delete(ctx, "no-such-id")
	if err != nil || deleted {
		t.Errorf("deleting unknown id: deleted=%v err=%v", deleted, err)
	}

	n, err := svc.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if _, err := svc.Get(ctx, result.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("purged record still readable: %v", err)
	}
}

func TestConcurrentDuplicatesConverge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), nil)

	const n = 8
	content := "the deploy script fails when the api token is stale"

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Store(ctx, memory.StoreRequest{
				Type:       core.TypeFailure,
				Content:    content,
				Confidence: 0.75 + float64(i)*0.01,
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	recs, err := svc.List(ctx, core.ListFilter{Type: core.TypeFailure})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("%d concurrent near-duplicates produced %d records, want 1", n, len(recs))
	}
	if recs[0].MergeCount != n {
		t.Errorf("merge_count = %d, want %d", recs[0].MergeCount, n)
	}
	if recs[0].Confidence != 0.75+float64(n-1)*0.01 {
		t.Errorf("confidence = %f, want the max of all candidates", recs[0].Confidence)
	}
}

func TestRebuildIndexPreservesSearchResults(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	svc, store := newTestService(t, cfg, nil)

	contents := []string{
		"use pnpm not npm in the frontend workspace",
		"the linter chokes on generated protobuf files",
		"tag releases from main after the changelog merge",
	}
	for _, c := range contents {
		if _, err := svc.Store(ctx, memory.StoreRequest{
			Type: core.TypePattern, Content: c, Confidence: 0.9,
		}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	probe := memory.QueryRequest{Probe: "frontend workspace package manager", K: 3}
	before, err := svc.Query(ctx, probe)
	if err != nil {
		t.Fatalf("query before rebuild: %v", err)
	}

	// A fresh index fed only from the record store must serve identical
	// results: the index is a cache, never the source of truth.
	freshIndex, err := chromemindex.New()
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	rebuilt := memory.NewService(store, freshIndex, mock.New(), cfg, nil)
	if _, err := rebuilt.RebuildIndex(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	after, err := rebuilt.Query(ctx, probe)
	if err != nil {
		t.Fatalf("query after rebuild: %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("result count changed after rebuild: %d != %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Record.ID != after[i].Record.ID {
			t.Errorf("result %d changed after rebuild: %s != %s", i, before[i].Record.ID, after[i].Record.ID)
		}
		if diff := before[i].Score - after[i].Score; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("result %d score drifted: %f != %f", i, before[i].Score, after[i].Score)
		}
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

func (failingEmbedder) Dimensions() int { return 384 }

type slowEmbedder struct{ delay time.Duration }

func (s slowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-time.After(s.delay):
		return make([]float32, 384), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s slowEmbedder) Dimensions() int { return 384 }

func TestEmbeddingFailuresPropagate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), failingEmbedder{})

	_, err := svc.Store(ctx, memory.StoreRequest{
		Type: core.TypeGotcha, Content: "x", Confidence: 0.9,
	})
	if !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Errorf("store: got %v, want ErrEmbeddingUnavailable", err)
	}

	// An unreachable provider must surface, never read as "no memory".
	_, err = svc.Query(ctx, memory.QueryRequest{Probe: "anything"})
	if !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Errorf("query: got %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbeddingTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.EmbedTimeout = 20 * time.Millisecond
	svc, _ := newTestService(t, cfg, slowEmbedder{delay: time.Second})

	_, err := svc.Query(ctx, memory.QueryRequest{Probe: "anything"})
	if !errors.Is(err, core.ErrEmbeddingTimeout) {
		t.Errorf("got %v, want ErrEmbeddingTimeout", err)
	}
}

func TestHealthyByDefault(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), nil)
	if !svc.Healthy() {
		t.Error("fresh service must report healthy")
	}
}
