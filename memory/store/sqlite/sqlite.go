// Package sqlite implements the durable learning record store on an embedded
// SQLite database (modernc.org/sqlite, pure Go). Embedding vectors are stored
// inline as little-endian float32 blobs; WAL mode makes every committed write
// durable before the call returns.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mnemod/mnemod/core"
	"github.com/mnemod/mnemod/memory"
)

// Store is a memory.RecordStore backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store file, applying schema and pragmas.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS learnings (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			embedding BLOB NOT NULL,
			session_source TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			merge_count INTEGER NOT NULL DEFAULT 1,
			deleted_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_learnings_type ON learnings(type);`,
		`CREATE INDEX IF NOT EXISTS idx_learnings_created_at ON learnings(created_at);`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new record atomically and returns its assigned id.
// The embedding dimensionality is pinned by the first record ever stored;
// later records with a different dimensionality are rejected.
func (s *Store) Create(ctx context.Context, rec *core.LearningRecord) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", ioErr("begin create", err)
	}
	defer tx.Rollback()

	if err := s.checkDimensions(ctx, tx, len(rec.Embedding)); err != nil {
		return "", err
	}

	rec.ID = uuid.NewString()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO learnings
			(id, type, content, context, confidence, embedding, session_source, created_at, updated_at, merge_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.Content, rec.Context, rec.Confidence,
		encodeVector(rec.Embedding), rec.SessionSource,
		now.UnixNano(), now.UnixNano(), rec.MergeCount,
	)
	if err != nil {
		return "", ioErr("insert learning", err)
	}
	if err := tx.Commit(); err != nil {
		return "", ioErr("commit create", err)
	}
	return rec.ID, nil
}

// Get returns the record for id, including soft-deleted ones.
func (s *Store) Get(ctx context.Context, id string) (*core.LearningRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM learnings WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("learning %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("select learning", err)
	}
	return rec, nil
}

// Update applies a merge patch and returns the updated record.
func (s *Store) Update(ctx context.Context, id string, patch memory.RecordPatch) (*core.LearningRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ioErr("begin update", err)
	}
	defer tx.Rollback()

	set := "updated_at = ?"
	args := []any{time.Now().UTC().UnixNano()}
	if patch.Content != nil {
		set += ", content = ?"
		args = append(args, *patch.Content)
	}
	if patch.Confidence != nil {
		set += ", confidence = ?"
		args = append(args, *patch.Confidence)
	}
	if patch.MergeCount != nil {
		set += ", merge_count = ?"
		args = append(args, *patch.MergeCount)
	}
	if patch.Embedding != nil {
		if err := s.checkDimensions(ctx, tx, len(patch.Embedding)); err != nil {
			return nil, err
		}
		set += ", embedding = ?"
		args = append(args, encodeVector(patch.Embedding))
	}
	args = append(args, id)

	res, err := tx.ExecContext(ctx, `UPDATE learnings SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return nil, ioErr("update learning", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, ioErr("update learning", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("learning %s: %w", id, core.ErrNotFound)
	}

	row := tx.QueryRowContext(ctx, selectColumns+` FROM learnings WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, ioErr("reload learning", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ioErr("commit update", err)
	}
	return rec, nil
}

// List returns matching records ordered by created_at descending.
func (s *Store) List(ctx context.Context, f core.ListFilter) ([]*core.LearningRecord, error) {
	query := selectColumns + ` FROM learnings WHERE 1=1`
	var args []any
	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.SessionSource != "" {
		query += ` AND session_source = ?`
		args = append(args, f.SessionSource)
	}
	if f.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, f.MinConfidence)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("list learnings", err)
	}
	defer rows.Close()

	var recs []*core.LearningRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, ioErr("scan learning", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list learnings", err)
	}
	return recs, nil
}

// Delete soft-deletes the record. Returns false without error if the id is
// unknown or already deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE learnings SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return false, ioErr("delete learning", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ioErr("delete learning", err)
	}
	return n > 0, nil
}

// Purge hard-deletes all soft-deleted records.
func (s *Store) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM learnings WHERE deleted_at IS NOT NULL`)
	if err != nil {
		return 0, ioErr("purge learnings", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ioErr("purge learnings", err)
	}
	return int(n), nil
}

// Stats counts live records, total and per type.
func (s *Store) Stats(ctx context.Context) (*core.Stats, error) {
	stats := &core.Stats{ByType: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM learnings WHERE deleted_at IS NULL GROUP BY type`)
	if err != nil {
		return nil, ioErr("count learnings", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, ioErr("scan count", err)
		}
		stats.ByType[typ] = n
		stats.TotalLearnings += n
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("count learnings", err)
	}
	return stats, nil
}

// checkDimensions pins the store's embedding dimensionality on first write
// and rejects mismatched vectors afterwards.
func (s *Store) checkDimensions(ctx context.Context, tx *sql.Tx, dims int) error {
	if dims == 0 {
		return &core.ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	var stored string
	err := tx.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_dims'`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES ('embedding_dims', ?)`, strconv.Itoa(dims))
		if err != nil {
			return ioErr("pin dimensions", err)
		}
		return nil
	}
	if err != nil {
		return ioErr("read dimensions", err)
	}
	if stored != strconv.Itoa(dims) {
		return &core.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("dimensionality %d does not match store dimensionality %s", dims, stored),
		}
	}
	return nil
}

const selectColumns = `SELECT id, type, content, context, confidence, embedding, session_source, created_at, updated_at, merge_count, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*core.LearningRecord, error) {
	var (
		rec       core.LearningRecord
		typ       string
		blob      []byte
		createdNs int64
		updatedNs int64
		deletedNs sql.NullInt64
	)
	err := row.Scan(&rec.ID, &typ, &rec.Content, &rec.Context, &rec.Confidence,
		&blob, &rec.SessionSource, &createdNs, &updatedNs, &rec.MergeCount, &deletedNs)
	if err != nil {
		return nil, err
	}
	rec.Type = core.LearningType(typ)
	rec.Embedding = decodeVector(blob)
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	rec.UpdatedAt = time.Unix(0, updatedNs).UTC()
	if deletedNs.Valid {
		t := time.Unix(0, deletedNs.Int64).UTC()
		rec.DeletedAt = &t
	}
	return &rec, nil
}

func encodeVector(vec []float32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec)
	return vec
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStoreIO, op, err)
}
