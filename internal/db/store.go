package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
)

// Row is one result row keyed by column name.
type Row map[string]interface{}

// Result reports the effect of an update statement.
type Result struct {
	RowsAffected int64 `json:"rowsAffected"`
	LastInsertID int64 `json:"lastInsertId"`
}

// Store is the local relational store every other component builds on.
// Each statement runs on its own and commits on its own; no API here spans
// statements with a transaction.
type Store struct {
	db          *DB
	migrations  fs.FS
	initialized atomic.Bool
	initMu      sync.Mutex

	// Prepared statement cache, keyed by query text
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore wraps an opened database. Init must be called before use.
func NewStore(db *DB) *Store {
	return &Store{db: db, migrations: Migrations()}
}

// NewStoreWithMigrations wraps an opened database using a custom migration set.
func NewStoreWithMigrations(db *DB, migrations fs.FS) *Store {
	return &Store{db: db, migrations: migrations}
}

// Init creates the schema. It is safe to call on every start.
func (s *Store) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m := NewMigrator(s.db.DB, s.migrations)
	if err := m.Initialize(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to initialize schema_migrations", err)
	}
	if err := m.Up(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to apply migrations", err)
	}

	version, _ := m.CurrentVersion()
	if !s.initialized.Swap(true) {
		logging.Info("Local store initialized", map[string]interface{}{
			"schema_version": version,
		})
	}
	return nil
}

// Initialized reports whether Init has completed.
func (s *Store) Initialized() bool {
	return s.initialized.Load()
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

func (s *Store) ready() error {
	if !s.initialized.Load() {
		return apperrors.New(apperrors.ErrStorageNotInitialized, "local store used before Init")
	}
	return nil
}

// prepare gets or creates a prepared statement from cache.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare statement", err)
	}

	// If another goroutine already stored one, close ours
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// ExecuteQuery runs a read statement and returns every row.
func (s *Store) ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read columns", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan row", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate rows", err)
	}
	return out, nil
}

// ExecuteUpdate runs a single write statement atomically.
func (s *Store) ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return Result{}, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to execute update", err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return Result{RowsAffected: affected, LastInsertID: lastID}, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to execute query", err)
	}
	return rows, nil
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryRowContext(ctx, args...), nil
}

// Close closes all cached prepared statements and the database.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	s.initialized.Store(false)
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("failed to close store: %w", firstErr)
	}
	return nil
}
