package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SQLiteStoreConfig struct {
	Path   string
	Table  string
	Schema Schema
}

// SQLiteStore keeps rows in a single SQLite table and scans them exactly on search.
// Replace runs delete and insert in one transaction.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	schema Schema

	mu      sync.Mutex
	ensured bool
}

func NewSQLiteStore(ctx context.Context, cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if !tableNameRe.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db, table: cfg.Table, schema: cfg.Schema}
	if err := s.EnsureCollection(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vector BLOB NOT NULL,
			source_id TEXT NOT NULL,
			source_path TEXT NOT NULL,
			doc_title TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			hash TEXT NOT NULL,
			logical_collection TEXT NOT NULL,
			text TEXT NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source ON %s (logical_collection, source_id)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", s.table, err)
		}
	}

	s.ensured = true
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) DeleteBySource(ctx context.Context, sourceID, collection string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE source_id = ? AND logical_collection = ?`, s.table),
		sourceID, collection)
	if err != nil {
		return fmt.Errorf("failed to delete source %s: %w", sourceID, err)
	}

	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.insert(ctx, tx, rows)
	})
}

func (s *SQLiteStore) Replace(ctx context.Context, sourceID, collection string, rows []Row) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE source_id = ? AND logical_collection = ?`, s.table),
			sourceID, collection)
		if err != nil {
			return fmt.Errorf("failed to delete source %s: %w", sourceID, err)
		}

		return s.insert(ctx, tx, rows)
	})
}

func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, collection string, filter *Filter) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	if s.schema.Dimension > 0 && len(vector) != s.schema.Dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, expected %d", len(vector), s.schema.Dimension)
	}

	where, args := whereSQL(collection, filter)
	q := fmt.Sprintf(`SELECT id, vector, source_id, source_path, doc_title, mime_type, chunk_index,
		created_at, hash, logical_collection, text FROM %s%s`, s.table, where)

	res, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer res.Close()

	var hits []Hit
	for res.Next() {
		var (
			id   int64
			blob []byte
			r    Row
		)
		err := res.Scan(&id, &blob, &r.SourceID, &r.SourcePath, &r.DocTitle, &r.MimeType,
			&r.ChunkIndex, &r.CreatedAt, &r.Hash, &r.Collection, &r.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		if r.Vector, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("row %d: %w", id, err)
		}
		hits = append(hits, Hit{Row: r, Similarity: dot(r.Vector, vector)})
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	return hits, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to drop table %s: %w", s.table, err)
	}
	s.ensured = false
	s.mu.Unlock()

	return s.EnsureCollection(ctx)
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, rows []Row) error {
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (vector, source_id, source_path, doc_title,
		mime_type, chunk_index, created_at, hash, logical_collection, text) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		if err := s.schema.Validate(r); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		_, err := stmt.ExecContext(ctx, encodeVector(r.Vector), r.SourceID, r.SourcePath, r.DocTitle,
			r.MimeType, r.ChunkIndex, r.CreatedAt, r.Hash, r.Collection, r.Text)
		if err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}

	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func whereSQL(collection string, filter *Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if collection != "" {
		clauses = append(clauses, "logical_collection = ?")
		args = append(args, collection)
	}
	if filter != nil {
		for _, c := range filter.Conditions {
			clauses = append(clauses, fmt.Sprintf("%s %s ?", c.Field, sqlOp(c.Op)))
			if c.IsInt {
				args = append(args, c.Int)
			} else {
				args = append(args, c.Str)
			}
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func sqlOp(op Op) string {
	if op == OpEq {
		return "="
	}

	return string(op)
}
