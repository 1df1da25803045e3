package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS ledger_documents (
	name       TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

const sqliteDocumentName = "stats"

// SQLiteStore keeps the document as a single row. The pool is limited to
// one connection so every transaction is serialised by database/sql.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	logger.Info("sqlite ledger opened", zap.String("path", path))
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteStore) Read(ctx context.Context) (usage.Document, error) {
	data, found, err := s.readRow(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrDocumentNotFound
	}
	return decodeDocument(data)
}

func (s *SQLiteStore) Write(ctx context.Context, doc usage.Document) error {
	return s.writeRow(ctx, s.db, doc)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(usage.Document) error) (usage.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	data, found, err := s.readRow(ctx, tx)
	if err != nil {
		return nil, err
	}
	doc := decodeForUpdate(data, found, s.logger)
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := s.writeRow(ctx, tx, doc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite %s: %w", s.path, err)
	}
	s.logger.Info("sqlite ledger closed", zap.String("path", s.path))
	return nil
}

type sqlRunner interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) readRow(ctx context.Context, q sqlRunner) ([]byte, bool, error) {
	var body string
	err := q.QueryRowContext(ctx, "SELECT body FROM ledger_documents WHERE name = ?", sqliteDocumentName).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select ledger document: %w", err)
	}
	return []byte(body), true, nil
}

func (s *SQLiteStore) writeRow(ctx context.Context, q sqlRunner, doc usage.Document) error {
	data, err := encodeDocument(doc, false)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO ledger_documents (name, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		sqliteDocumentName, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert ledger document: %w", err)
	}
	return nil
}
