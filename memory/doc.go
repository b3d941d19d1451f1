// Package memory implements the semantic memory core: a durable store of
// typed learning records, an embedding-based similarity index, and the
// deduplication, merge and query logic layered on top.
//
// Architecture:
//   - RecordStore: durable keyed storage (SQLite), the source of truth
//   - Index: vector-to-id nearest-neighbor cache (chromem-go), rebuilt
//     from the RecordStore at startup
//   - Embedder: text-to-vector conversion, pluggable per deployment
//   - Service: orchestrates admission, dedup/merge and ranked retrieval
//
// Write path: embed candidate -> best same-type match above the dedup
// threshold -> merge into the existing record, or create fresh. Read path:
// embed probe -> oversampled index search -> filter -> re-rank by combined
// similarity/confidence score.
package memory
