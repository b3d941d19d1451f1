package memory

import (
	"context"
	"time"

	"github.com/mnemod/mnemod/core"
)

// Embedder converts text to a fixed-length vector.
// Implementations: mock (testing/offline), ollama (local model server),
// openai (hosted OpenAI-compatible endpoint), onnx (in-process, build-tagged).
//
// The Embedder is an implementation detail of the Service; the API gateway
// never interacts with it directly.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// RecordStore is the durable storage backend for learning records. It owns
// the canonical representation; every successful mutation is committed
// before the call returns.
type RecordStore interface {
	// Create assigns the id and timestamps and persists the record
	// atomically, returning the new id.
	Create(ctx context.Context, rec *core.LearningRecord) (string, error)

	// Get returns the record or core.ErrNotFound. Soft-deleted records
	// are still returned; callers check Deleted().
	Get(ctx context.Context, id string) (*core.LearningRecord, error)

	// Update applies a merge patch and returns the updated record.
	Update(ctx context.Context, id string, patch RecordPatch) (*core.LearningRecord, error)

	// List returns records matching the filter, created_at descending.
	List(ctx context.Context, f core.ListFilter) ([]*core.LearningRecord, error)

	// Delete soft-deletes a record. Deleting an unknown or already
	// deleted id is not an error; the bool reports whether a live
	// record was deleted.
	Delete(ctx context.Context, id string) (bool, error)

	// Purge hard-deletes all soft-deleted records and returns the count.
	Purge(ctx context.Context) (int, error)

	// Stats summarizes the live corpus.
	Stats(ctx context.Context) (*core.Stats, error)

	// Close releases the underlying handles.
	Close() error
}

// RecordPatch is the mutation applied by the merge engine. Nil fields are
// left untouched; updated_at always advances.
type RecordPatch struct {
	Content    *string
	Confidence *float64
	MergeCount *int
	Embedding  []float32
}

// Hit is a similarity search result.
type Hit struct {
	ID    string
	Score float32
}

// Index maps embeddings to record ids for nearest-neighbor search. It is a
// rebuildable cache of the RecordStore's embeddings, never a source of truth.
type Index interface {
	// Upsert inserts or replaces the vector for id.
	Upsert(ctx context.Context, id string, vec []float32, typ core.LearningType, createdAt time.Time) error

	// Remove drops id from the index. Removing an unknown id is a no-op.
	Remove(ctx context.Context, id string) error

	// Search returns at most k entries with cosine similarity >= minScore,
	// ordered by score descending (ties broken by more recent createdAt).
	// A non-empty typ restricts results to records of that type.
	Search(ctx context.Context, vec []float32, k int, minScore float32, typ core.LearningType) ([]Hit, error)

	// Count returns the number of indexed vectors.
	Count() int
}
