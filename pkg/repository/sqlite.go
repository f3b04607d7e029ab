package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"

	_ "modernc.org/sqlite"
)

const (
	sqliteSchemaVersion = 1
	sqliteBusyTimeout   = 5000

	// sqliteTimeFormat keeps every fraction digit so that text order is
	// chronological order
	sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id            TEXT NOT NULL,
		owner         TEXT NOT NULL,
		content       TEXT NOT NULL,
		embedding     BLOB NOT NULL,
		embedding_ref TEXT NOT NULL DEFAULT '',
		metadata      TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (owner, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner, created_at)`,
}

// SQLite is a single-file VectorStore. Search is a brute-force cosine scan
// over the owner's rows.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at path with WAL enabled
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("dir", dir))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeout),
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, goerr.Wrap(err, "failed to configure sqlite", goerr.V("pragma", pragma))
		}
	}

	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return goerr.Wrap(err, "failed to create schema_version")
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return goerr.Wrap(err, "failed to read schema version")
	}
	if current >= sqliteSchemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin migration")
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqliteSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return goerr.Wrap(err, "failed to apply schema", goerr.V("statement", stmt))
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return goerr.Wrap(err, "failed to record schema version")
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit migration")
	}
	return nil
}

func (r *SQLite) Close() error {
	return r.db.Close()
}

func (r *SQLite) Search(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, "SELECT id, content, embedding FROM memories WHERE owner = ?", string(owner))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memories", goerr.V("owner", owner))
	}
	defer rows.Close()

	var candidates []*model.Candidate
	for rows.Next() {
		var (
			id, content string
			blob        []byte
		)
		if err := rows.Scan(&id, &content, &blob); err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory")
		}

		stored, err := decodeVector(blob)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to decode embedding", goerr.V("id", id))
		}
		distance, err := cosineDistance(vector, stored)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to compare embedding", goerr.V("id", id))
		}

		candidates = append(candidates, &model.Candidate{
			ID:      model.MemoryID(id),
			Owner:   owner,
			Content: content,
			Score:   distance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memories")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// Upsert replaces the row. created_at of an existing row is kept when
// record.CreatedAt is zero.
func (r *SQLite) Upsert(ctx context.Context, record *model.MemoryRecord, vector []float32) error {
	if len(vector) == 0 {
		return goerr.New("empty embedding", goerr.V("id", record.ID))
	}

	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal metadata", goerr.V("id", record.ID))
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = record.UpdatedAt
	}

	const query = `INSERT INTO memories (id, owner, content, embedding, embedding_ref, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			embedding_ref = excluded.embedding_ref,
			metadata = excluded.metadata,
			created_at = CASE WHEN ? THEN memories.created_at ELSE excluded.created_at END,
			updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query,
		string(record.ID),
		string(record.Owner),
		record.Content,
		encodeVector(vector),
		record.EmbeddingRef,
		string(rawMeta),
		createdAt.UTC().Format(sqliteTimeFormat),
		record.UpdatedAt.UTC().Format(sqliteTimeFormat),
		record.CreatedAt.IsZero(),
	); err != nil {
		return goerr.Wrap(err, "failed to upsert memory", goerr.V("id", record.ID), goerr.V("owner", record.Owner))
	}
	return nil
}

func (r *SQLite) Delete(ctx context.Context, owner model.Owner, id model.MemoryID) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM memories WHERE owner = ? AND id = ?", string(owner), string(id)); err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id), goerr.V("owner", owner))
	}
	return nil
}

func (r *SQLite) ListAll(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, content, embedding_ref, metadata, created_at, updated_at
		FROM memories WHERE owner = ? ORDER BY created_at, id`, string(owner))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("owner", owner))
	}
	defer rows.Close()

	var records []*model.MemoryRecord
	for rows.Next() {
		var (
			id, content, ref, rawMeta, createdAt, updatedAt string
		)
		if err := rows.Scan(&id, &content, &ref, &rawMeta, &createdAt, &updatedAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory")
		}

		record := &model.MemoryRecord{
			ID:           model.MemoryID(id),
			Owner:        owner,
			Content:      content,
			EmbeddingRef: ref,
		}
		if err := json.Unmarshal([]byte(rawMeta), &record.Metadata); err != nil {
			return nil, goerr.Wrap(err, "failed to decode metadata", goerr.V("id", id))
		}
		if len(record.Metadata) == 0 {
			record.Metadata = nil
		}
		if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, goerr.Wrap(err, "invalid created_at", goerr.V("id", id))
		}
		if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, goerr.Wrap(err, "invalid updated_at", goerr.V("id", id))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memories")
	}
	return records, nil
}
