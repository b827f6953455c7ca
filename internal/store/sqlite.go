package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	qerrors "github.com/astmcp/astmcp/internal/errors"
)

// schemaVersion is the current annotation database schema version.
const schemaVersion = 1

// SQLiteStore implements AnnotationStore backed by a single-file SQLite
// database. WAL mode allows a writer process to coexist with readers.
type SQLiteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	path     string
	readOnly bool
	closed   bool
}

var _ AnnotationStore = (*SQLiteStore)(nil)

// validateIntegrity checks a database file before opening.
// Returns nil for a missing file (it will be created by a writer).
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// OpenSQLiteStore opens (or creates) the annotation store for writing.
// Used by the ingest path only.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	return openSQLite(path, false)
}

// OpenSQLiteStoreReadOnly opens the annotation store read-only.
// This is the only mode the query path uses. Open failure is fatal.
func OpenSQLiteStoreReadOnly(path string) (*SQLiteStore, error) {
	return openSQLite(path, true)
}

func openSQLite(path string, readOnly bool) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, qerrors.Newf(qerrors.ErrCodeStoreOpen, err, "create directory %s", dir)
		}
		if err := validateIntegrity(path); err != nil {
			return nil, qerrors.Newf(qerrors.ErrCodeStoreCorrupt, err, "annotation store %s", path)
		}
	}

	var dsn string
	switch {
	case path == ":memory:":
		dsn = ":memory:"
	case readOnly:
		dsn = "file:" + path + "?mode=ro&_busy_timeout=5000"
	default:
		dsn = "file:" + path + "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, qerrors.Newf(qerrors.ErrCodeStoreOpen, err, "open annotation store %s", path)
	}

	// Single connection keeps SQLite lock contention out of the picture.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, qerrors.Newf(qerrors.ErrCodeStoreOpen, err, "set pragma on %s", path)
		}
	}

	s := &SQLiteStore{db: db, path: path, readOnly: readOnly}

	if !readOnly {
		if err := s.initSchema(); err != nil {
			_ = db.Close()
			return nil, qerrors.Newf(qerrors.ErrCodeStoreOpen, err, "initialize schema in %s", path)
		}
	}

	return s, nil
}

// initSchema creates the annotation tables and secondary indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS annotations (
		node_id          TEXT PRIMARY KEY,
		file_path        TEXT NOT NULL,
		node_type        TEXT NOT NULL,
		signature        TEXT NOT NULL DEFAULT '',
		summary          TEXT NOT NULL DEFAULT '',
		source_snippet   TEXT NOT NULL DEFAULT '',
		start_line       INTEGER NOT NULL,
		end_line         INTEGER NOT NULL,
		parent_id        TEXT,
		language         TEXT NOT NULL DEFAULT '',
		complexity_score REAL NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_annotations_file ON annotations(file_path, start_line);
	CREATE INDEX IF NOT EXISTS idx_annotations_complexity ON annotations(complexity_score);
	CREATE INDEX IF NOT EXISTS idx_annotations_updated ON annotations(updated_at);

	-- Vectors are owned by the HNSW index; this table keeps the bytes and
	-- content hash so the index can be rebuilt without re-embedding.
	CREATE TABLE IF NOT EXISTS embeddings (
		node_id      TEXT PRIMARY KEY REFERENCES annotations(node_id) ON DELETE CASCADE,
		vector       BLOB NOT NULL,
		content_hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

const annotationColumns = `node_id, file_path, node_type, signature, summary,
	source_snippet, start_line, end_line, parent_id, language,
	complexity_score, created_at, updated_at`

// scanAnnotation decodes a single row.
func scanAnnotation(rows interface{ Scan(...any) error }) (*Annotation, error) {
	var a Annotation
	var parent sql.NullString
	var created, updated int64
	var nodeType string
	err := rows.Scan(&a.NodeID, &a.FilePath, &nodeType, &a.Signature, &a.Summary,
		&a.SourceSnippet, &a.StartLine, &a.EndLine, &parent, &a.Language,
		&a.ComplexityScore, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.NodeType = NodeType(nodeType)
	if parent.Valid {
		a.ParentID = parent.String
	}
	a.CreatedAt = time.UnixMicro(created).UTC()
	a.UpdatedAt = time.UnixMicro(updated).UTC()
	return &a, nil
}

// collectAnnotations drains a result set, skipping undecodable rows.
// A single bad row is non-fatal: it is logged and dropped.
func collectAnnotations(rows *sql.Rows) ([]*Annotation, error) {
	defer rows.Close()

	var out []*Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			slog.Warn("skipping undecodable annotation row",
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetByID returns the annotation for a node id, or nil if absent.
func (s *SQLiteStore) GetByID(ctx context.Context, nodeID string) (*Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations WHERE node_id = ?`, nodeID)
	a, err := scanAnnotation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerrors.Newf(qerrors.ErrCodeRowDecode, err, "decode annotation %s", nodeID)
	}
	return a, nil
}

// GetByFile returns a file's annotations in source order.
func (s *SQLiteStore) GetByFile(ctx context.Context, path string) ([]*Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations
		 WHERE file_path = ? ORDER BY start_line ASC, node_id ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("query by file: %w", err)
	}
	return collectAnnotations(rows)
}

// Query returns annotations matching the filter.
// Language, node type and complexity bounds are applied in SQL. FileGlob
// is not applied here; callers match file paths themselves.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var conds []string
	var args []any

	if f.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, f.Language)
	}
	if f.NodeType != "" {
		conds = append(conds, "node_type = ?")
		args = append(args, string(f.NodeType))
	}
	if f.MinComplexity != nil {
		conds = append(conds, "complexity_score >= ?")
		args = append(args, *f.MinComplexity)
	}
	if f.MaxComplexity != nil {
		conds = append(conds, "complexity_score <= ?")
		args = append(args, *f.MaxComplexity)
	}

	query := `SELECT ` + annotationColumns + ` FROM annotations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY file_path ASC, start_line ASC, node_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	return collectAnnotations(rows)
}

// RecentChanges returns annotations updated strictly after since.
func (s *SQLiteStore) RecentChanges(ctx context.Context, since time.Time) ([]*Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations
		 WHERE updated_at > ? ORDER BY updated_at ASC, node_id ASC`,
		since.UTC().UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("query recent changes: %w", err)
	}
	return collectAnnotations(rows)
}

// Count returns the number of annotations.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations`).Scan(&n)
	return n, err
}

// Statistics returns corpus statistics computed with indexed aggregates.
func (s *SQLiteStore) Statistics(ctx context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	stats := &Statistics{NodeTypeHistogram: make(map[NodeType]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT file_path),
		       COALESCE(AVG(complexity_score), 0),
		       COALESCE(MAX(updated_at), 0)
		FROM annotations`).Scan(
		&stats.Nodes, &stats.Files, &stats.AvgComplexity, &statsUpdatedScanner{&stats.LastUpdated})
	if err != nil {
		return nil, fmt.Errorf("aggregate statistics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_type, COUNT(*) FROM annotations GROUP BY node_type`)
	if err != nil {
		return nil, fmt.Errorf("node type histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nt string
		var n int
		if err := rows.Scan(&nt, &n); err != nil {
			slog.Warn("skipping undecodable histogram row", slog.String("error", err.Error()))
			continue
		}
		stats.NodeTypeHistogram[NodeType(nt)] = n
	}
	return stats, rows.Err()
}

// statsUpdatedScanner decodes a unix-micro column into a time.Time.
type statsUpdatedScanner struct{ t *time.Time }

func (s *statsUpdatedScanner) Scan(v any) error {
	switch x := v.(type) {
	case int64:
		*s.t = time.UnixMicro(x).UTC()
	case nil:
		*s.t = time.Time{}
	default:
		return fmt.Errorf("unexpected updated_at type %T", v)
	}
	return nil
}

// SaveAnnotations upserts a batch of annotations in one transaction.
// Ingest-path only; fails on a read-only store.
func (s *SQLiteStore) SaveAnnotations(ctx context.Context, anns []*Annotation) error {
	if len(anns) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if s.readOnly {
		return fmt.Errorf("store is read-only")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO annotations
		(node_id, file_path, node_type, signature, summary, source_snippet,
		 start_line, end_line, parent_id, language, complexity_score,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range anns {
		var parent any
		if a.ParentID != "" {
			parent = a.ParentID
		}
		_, err := stmt.ExecContext(ctx, a.NodeID, a.FilePath, string(a.NodeType),
			a.Signature, a.Summary, a.SourceSnippet, a.StartLine, a.EndLine,
			parent, a.Language, a.ComplexityScore,
			a.CreatedAt.UTC().UnixMicro(), a.UpdatedAt.UTC().UnixMicro())
		if err != nil {
			return fmt.Errorf("insert annotation %s: %w", a.NodeID, err)
		}
	}

	return tx.Commit()
}

// SaveEmbeddings upserts embedding rows for existing annotations.
func (s *SQLiteStore) SaveEmbeddings(ctx context.Context, embs []*Embedding) error {
	if len(embs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if s.readOnly {
		return fmt.Errorf("store is read-only")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO embeddings (node_id, vector, content_hash) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range embs {
		_, err := stmt.ExecContext(ctx, e.NodeID, encodeVector(e.Vector), e.ContentHash)
		if err != nil {
			return fmt.Errorf("insert embedding %s: %w", e.NodeID, err)
		}
	}

	return tx.Commit()
}

// DeleteNodes removes annotations and their embeddings atomically.
func (s *SQLiteStore) DeleteNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if s.readOnly {
		return fmt.Errorf("store is read-only")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(nodeIDs))
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM embeddings WHERE node_id IN (%s)", in), args...); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM annotations WHERE node_id IN (%s)", in), args...); err != nil {
		return fmt.Errorf("delete annotations: %w", err)
	}

	return tx.Commit()
}

// AllEmbeddings streams every embedding row, for index rebuilds.
func (s *SQLiteStore) AllEmbeddings(ctx context.Context) ([]*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, vector, content_hash FROM embeddings ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []*Embedding
	for rows.Next() {
		var e Embedding
		var blob []byte
		if err := rows.Scan(&e.NodeID, &blob, &e.ContentHash); err != nil {
			slog.Warn("skipping undecodable embedding row", slog.String("error", err.Error()))
			continue
		}
		e.Vector = decodeVector(blob)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetMeta reads a metadata value, returning "" if absent.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", fmt.Errorf("store is closed")
	}

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetMeta writes a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if s.readOnly {
		return fmt.Errorf("store is read-only")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Checkpoint forces a WAL checkpoint so readers see the latest state.
func (s *SQLiteStore) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.readOnly {
		return nil
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close closes the store. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		if !s.readOnly {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		}
		return s.db.Close()
	}
	return nil
}
