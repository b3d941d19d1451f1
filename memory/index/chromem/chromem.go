// Package chromem implements the similarity index on chromem-go, an embedded
// pure-Go vector database with cosine similarity. The index is a rebuildable
// cache of the record store's embeddings; it holds no durable state.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemod/mnemod/core"
	"github.com/mnemod/mnemod/memory"
)

const collectionName = "learnings"

// Index is a memory.Index backed by a single chromem collection.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
}

// New creates an empty in-memory index.
func New() (*Index, error) {
	db := chromem.NewDB()
	// No embedding func and no distance func: vectors are provided by the
	// caller and the default cosine similarity is what search scores mean.
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Upsert inserts or replaces the vector for id. The learning type and
// creation time ride along as metadata for filtered search and tie breaks.
func (x *Index) Upsert(ctx context.Context, id string, vec []float32, typ core.LearningType, createdAt time.Time) error {
	// chromem's AddDocument rejects duplicate ids, so replace means
	// delete-then-add. Remove of an unknown id is a no-op.
	if err := x.Remove(ctx, id); err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        id,
		Content:   id, // content is unused; the record store holds the text
		Embedding: vec,
		Metadata: map[string]string{
			"type":       string(typ),
			"created_at": createdAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Remove drops id from the index.
func (x *Index) Remove(ctx context.Context, id string) error {
	if err := x.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Count returns the number of indexed vectors.
func (x *Index) Count() int {
	return x.col.Count()
}

// Search returns at most k hits with similarity >= minScore, ordered by
// score descending, ties broken by more recent created_at.
func (x *Index) Search(ctx context.Context, vec []float32, k int, minScore float32, typ core.LearningType) ([]memory.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	var where map[string]string
	if typ != "" {
		where = map[string]string{"type": string(typ)}
	}

	// chromem requires nResults <= matching document count, which is not
	// knowable up front under a where filter. Retry with smaller limits
	// until the query succeeds.
	n := k
	if total := x.col.Count(); n > total {
		n = total
	}
	var results []chromem.Result
	for ; n >= 1; n-- {
		var err error
		results, err = x.col.QueryEmbedding(ctx, vec, n, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			continue
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	if n < 1 {
		return nil, nil
	}

	type scored struct {
		hit       memory.Hit
		createdAt time.Time
	}
	hits := make([]scored, 0, len(results))
	for _, res := range results {
		if res.Similarity < minScore {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, res.Metadata["created_at"])
		hits = append(hits, scored{
			hit:       memory.Hit{ID: res.ID, Score: res.Similarity},
			createdAt: createdAt,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].hit.Score != hits[j].hit.Score {
			return hits[i].hit.Score > hits[j].hit.Score
		}
		return hits[i].createdAt.After(hits[j].createdAt)
	})

	out := make([]memory.Hit, len(hits))
	for i, h := range hits {
		out[i] = h.hit
	}
	return out, nil
}

// isInsufficientDocsError checks if the error is chromem rejecting an
// nResults larger than the matching document count.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
