package anchoring

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore is a ChainStore backed by a single SQLite database.
//
// The (anchor_id, pos) primary key is the version stamp: an insert at a
// position another writer already filled fails with a constraint error, which
// maps to ErrPositionTaken. That holds across processes sharing the file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode (an accepted append is durable)
//   - 5-second busy timeout for lock contention
//   - BEGIN IMMEDIATE transactions, so a writer takes the write lock before
//     it counts and never fails upgrading from a read lock
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("anchoring: empty sqlite path")
	}

	db, err := sql.Open("sqlite3", path+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReadChain returns every record of anchorID ordered by position.
func (s *SQLiteStore) ReadChain(ctx context.Context, anchorID string) ([]string, error) {
	if anchorID == "" {
		return nil, errors.New("missing anchor id")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM anchor_records
		WHERE anchor_id = ?
		ORDER BY pos ASC
	`, anchorID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	records := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain: %w", err)
	}
	return records, nil
}

// AppendAt inserts record at pos if pos is the next free position.
func (s *SQLiteStore) AppendAt(ctx context.Context, anchorID string, pos int, record string) error {
	if anchorID == "" || record == "" || strings.ContainsAny(record, "\r\n") || pos < 0 {
		return errors.New("invalid input")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anchor_records WHERE anchor_id = ?`, anchorID,
	).Scan(&count); err != nil {
		return fmt.Errorf("append: count: %w", err)
	}
	if count != pos {
		return ErrPositionTaken
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO anchor_records (anchor_id, pos, record) VALUES (?, ?, ?)`,
		anchorID, pos, record,
	); err != nil {
		if isSQLiteConstraint(err) {
			return ErrPositionTaken
		}
		return fmt.Errorf("append: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteConstraint(err) {
			return ErrPositionTaken
		}
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

func isSQLiteConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
