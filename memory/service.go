package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnemod/mnemod/core"
)

// ServiceConfig holds the policy knobs for the dedup/merge and query engines.
type ServiceConfig struct {
	// AdmissionThreshold is the minimum confidence to persist a record.
	AdmissionThreshold float64

	// DedupThreshold is the minimum cosine similarity above which a
	// candidate is merged into an existing record of the same type.
	DedupThreshold float64

	// SimilarityWeight and ConfidenceWeight combine similarity and
	// confidence into the final query ranking score.
	SimilarityWeight float64
	ConfidenceWeight float64

	// EmbedTimeout bounds every embedding provider call.
	EmbedTimeout time.Duration

	// MergeLockTimeout bounds how long a store call waits for the write
	// lock before failing with core.ErrConflict.
	MergeLockTimeout time.Duration

	// UnhealthyAfter is the consecutive store I/O failure count after
	// which Healthy reports false.
	UnhealthyAfter int
}

// DefaultServiceConfig returns the daemon defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AdmissionThreshold: 0.70,
		DedupThreshold:     0.92,
		SimilarityWeight:   0.7,
		ConfidenceWeight:   0.3,
		EmbedTimeout:       5 * time.Second,
		MergeLockTimeout:   5 * time.Second,
		UnhealthyAfter:     3,
	}
}

// queryOversample is the multiple of k fetched from the index before
// confidence/type filtering trims the result set.
const queryOversample = 3

// Service orchestrates the record store, the similarity index and the
// embedding provider. It is safe for concurrent use.
type Service struct {
	store    RecordStore
	index    Index
	embedder Embedder
	cfg      ServiceConfig
	log      *logrus.Entry

	// typeLocks serializes the search-then-write section of Store per
	// learning type, so concurrent near-duplicates converge on one record.
	typeLocks map[core.LearningType]chan struct{}

	// ioFailures counts consecutive store I/O failures for health.
	ioFailures atomic.Int32
}

// NewService wires the store, index and embedder together.
func NewService(store RecordStore, index Index, embedder Embedder, cfg ServiceConfig, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	locks := make(map[core.LearningType]chan struct{}, len(core.LearningTypes))
	for _, t := range core.LearningTypes {
		locks[t] = make(chan struct{}, 1)
	}
	return &Service{
		store:     store,
		index:     index,
		embedder:  embedder,
		cfg:       cfg,
		log:       log.WithField("component", "memory"),
		typeLocks: locks,
	}
}

// StoreRequest is a candidate learning record.
type StoreRequest struct {
	Type          core.LearningType `json:"type"`
	Content       string            `json:"content"`
	Context       string            `json:"context"`
	Confidence    float64           `json:"confidence"`
	SessionSource string            `json:"session_source"`
}

// StoreResult reports the outcome of a store call. Created is false when the
// candidate was merged into an existing record, in which case ID is the
// existing record's id and Similarity the score that triggered the merge.
type StoreResult struct {
	ID         string  `json:"id"`
	Created    bool    `json:"created"`
	Similarity float32 `json:"similarity,omitempty"`
}

// Store admits, deduplicates and persists a candidate learning record.
// Near-duplicates of an existing record of the same type are merged instead
// of created; the call is idempotent by meaning, not by identical input.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	rec := &core.LearningRecord{
		Type:          req.Type,
		Content:       req.Content,
		Context:       req.Context,
		Confidence:    req.Confidence,
		SessionSource: req.SessionSource,
		MergeCount:    1,
	}
	if err := rec.Validate(s.cfg.AdmissionThreshold); err != nil {
		return nil, err
	}

	vec, err := s.embed(ctx, rec.Content)
	if err != nil {
		return nil, err
	}
	rec.Embedding = vec

	// The expensive embedding step is done; only the search-then-write
	// section runs under the per-type lock.
	if err := s.lockType(ctx, rec.Type); err != nil {
		return nil, err
	}
	defer s.unlockType(rec.Type)

	hits, err := s.index.Search(ctx, vec, 1, float32(s.cfg.DedupThreshold), rec.Type)
	if err != nil {
		return nil, fmt.Errorf("dedup search: %w", err)
	}
	if len(hits) > 0 {
		return s.merge(ctx, hits[0], rec)
	}

	id, err := s.store.Create(ctx, rec)
	if s.trackIO(err) != nil {
		return nil, err
	}
	if err := s.index.Upsert(ctx, id, vec, rec.Type, rec.CreatedAt); err != nil {
		s.log.WithError(err).WithField("id", id).Warn("index upsert failed; index will be stale until rebuild")
	}

	s.log.WithFields(logrus.Fields{
		"id":         id,
		"type":       rec.Type,
		"confidence": rec.Confidence,
	}).Info("stored learning")
	return &StoreResult{ID: id, Created: true}, nil
}

// merge absorbs the candidate into the existing record. The longer content
// wins (ties keep the existing one), confidence takes the max, merge_count
// advances, session_source keeps first-seen attribution.
func (s *Service) merge(ctx context.Context, hit Hit, candidate *core.LearningRecord) (*StoreResult, error) {
	existing, err := s.store.Get(ctx, hit.ID)
	if s.trackIO(err) != nil {
		return nil, fmt.Errorf("load merge target %s: %w", hit.ID, err)
	}

	patch := RecordPatch{}
	if len(candidate.Content) > len(existing.Content) {
		patch.Content = &candidate.Content
		patch.Embedding = candidate.Embedding
	}
	if candidate.Confidence > existing.Confidence {
		patch.Confidence = &candidate.Confidence
	}
	mergeCount := existing.MergeCount + 1
	patch.MergeCount = &mergeCount

	updated, err := s.store.Update(ctx, existing.ID, patch)
	if s.trackIO(err) != nil {
		return nil, fmt.Errorf("merge into %s: %w", existing.ID, err)
	}
	if patch.Embedding != nil {
		if err := s.index.Upsert(ctx, updated.ID, patch.Embedding, updated.Type, updated.CreatedAt); err != nil {
			s.log.WithError(err).WithField("id", updated.ID).Warn("index upsert failed after merge")
		}
	}

	s.log.WithFields(logrus.Fields{
		"id":          updated.ID,
		"type":        updated.Type,
		"merge_count": updated.MergeCount,
		"similarity":  hit.Score,
	}).Info("merged duplicate learning")
	return &StoreResult{ID: updated.ID, Created: false, Similarity: hit.Score}, nil
}

// QueryRequest is a free-text similarity probe.
type QueryRequest struct {
	Probe         string            `json:"probe_text"`
	K             int               `json:"k"`
	TypeFilter    core.LearningType `json:"type_filter"`
	MinConfidence float64           `json:"min_confidence"`
	MinScore      float32           `json:"min_score"`
}

// QueryResult pairs a record with its final ranking score.
type QueryResult struct {
	Record *core.LearningRecord
	Score  float64
}

// Query embeds the probe and returns at most k records ranked by the
// combined similarity/confidence score. Embedding failures propagate to the
// caller; an empty result always means "no relevant memory", never "the
// provider was down".
func (s *Service) Query(ctx context.Context, req QueryRequest) ([]QueryResult, error) {
	if req.Probe == "" {
		return nil, &core.ValidationError{Field: "probe_text", Reason: "must not be empty"}
	}
	if req.TypeFilter != "" && !req.TypeFilter.Valid() {
		return nil, &core.ValidationError{Field: "type_filter", Reason: fmt.Sprintf("unknown learning type %q", req.TypeFilter)}
	}
	k := req.K
	if k <= 0 {
		k = 5
	}

	vec, err := s.embed(ctx, req.Probe)
	if err != nil {
		return nil, err
	}

	hits, err := s.index.Search(ctx, vec, k*queryOversample, req.MinScore, req.TypeFilter)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	results := make([]QueryResult, 0, len(hits))
	for _, hit := range hits {
		rec, err := s.store.Get(ctx, hit.ID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue // index lag; record deleted after last rebuild
			}
			s.trackIO(err)
			return nil, fmt.Errorf("load %s: %w", hit.ID, err)
		}
		if rec.Deleted() || rec.Confidence < req.MinConfidence {
			continue
		}
		score := float64(hit.Score)*s.cfg.SimilarityWeight + rec.Confidence*s.cfg.ConfidenceWeight
		results = append(results, QueryResult{Record: rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
	})
	if len(results) > k {
		results = results[:k]
	}

	s.log.WithFields(logrus.Fields{
		"probe":   truncate(req.Probe, 50),
		"results": len(results),
	}).Debug("query served")
	return results, nil
}

// Get returns a single record by id.
func (s *Service) Get(ctx context.Context, id string) (*core.LearningRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if s.trackIO(err) != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records matching the filter, newest first.
func (s *Service) List(ctx context.Context, f core.ListFilter) ([]*core.LearningRecord, error) {
	recs, err := s.store.List(ctx, f)
	if s.trackIO(err) != nil {
		return nil, err
	}
	return recs, nil
}

// Delete soft-deletes a record and drops it from the index. Idempotent.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.store.Delete(ctx, id)
	if s.trackIO(err) != nil {
		return false, err
	}
	if deleted {
		if err := s.index.Remove(ctx, id); err != nil {
			s.log.WithError(err).WithField("id", id).Warn("index remove failed; entry filtered at query time")
		}
		s.log.WithField("id", id).Info("deleted learning")
	}
	return deleted, nil
}

// BulkDeleteResult reports the outcome for one id in a bulk delete.
type BulkDeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// BulkDelete deletes each id independently. A failure on one id never
// aborts the rest of the batch.
func (s *Service) BulkDelete(ctx context.Context, ids []string) []BulkDeleteResult {
	results := make([]BulkDeleteResult, 0, len(ids))
	for _, id := range ids {
		deleted, err := s.Delete(ctx, id)
		r := BulkDeleteResult{ID: id, Deleted: deleted}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// Purge hard-deletes all soft-deleted records.
func (s *Service) Purge(ctx context.Context) (int, error) {
	n, err := s.store.Purge(ctx)
	if s.trackIO(err) != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithField("purged", n).Info("purged soft-deleted learnings")
	}
	return n, nil
}

// Stats summarizes the live corpus.
func (s *Service) Stats(ctx context.Context) (*core.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if s.trackIO(err) != nil {
		return nil, err
	}
	return stats, nil
}

// Healthy reports whether the store has been answering. It flips false after
// UnhealthyAfter consecutive I/O failures and recovers on the next success.
func (s *Service) Healthy() bool {
	return int(s.ioFailures.Load()) < s.cfg.UnhealthyAfter
}

// RebuildIndex replays every non-deleted record from the store into the
// index. Called at startup and usable as a maintenance repair.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	recs, err := s.store.List(ctx, core.ListFilter{})
	if s.trackIO(err) != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := s.index.Upsert(ctx, rec.ID, rec.Embedding, rec.Type, rec.CreatedAt); err != nil {
			return 0, fmt.Errorf("index %s: %w", rec.ID, err)
		}
	}
	return len(recs), nil
}

// embed calls the provider under the configured timeout and classifies
// failures into the embedding error taxonomy.
func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", core.ErrEmbeddingTimeout, s.cfg.EmbedTimeout)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrEmbeddingUnavailable, err)
	}
	if len(vec) != s.embedder.Dimensions() {
		return nil, fmt.Errorf("%w: provider returned %d dimensions, expected %d",
			core.ErrEmbeddingUnavailable, len(vec), s.embedder.Dimensions())
	}
	return vec, nil
}

// lockType acquires the write lock for a learning type within the bound.
func (s *Service) lockType(ctx context.Context, t core.LearningType) error {
	timer := time.NewTimer(s.cfg.MergeLockTimeout)
	defer timer.Stop()
	select {
	case s.typeLocks[t] <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: write lock for %s not acquired within %s", core.ErrConflict, t, s.cfg.MergeLockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) unlockType(t core.LearningType) {
	<-s.typeLocks[t]
}

// trackIO feeds the health counter: store I/O failures extend the streak,
// any store success resets it. Returns err unchanged for inline use.
func (s *Service) trackIO(err error) error {
	if err == nil {
		s.ioFailures.Store(0)
		return nil
	}
	if errors.Is(err, core.ErrStoreIO) {
		s.ioFailures.Add(1)
		s.log.WithError(err).Error("store I/O failure")
	}
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
