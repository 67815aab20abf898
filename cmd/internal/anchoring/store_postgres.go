package anchoring

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists anchor chains in PostgreSQL.
//
// Each append runs in one transaction that holds
// pg_advisory_xact_lock(hashtextextended(anchor_id, 0)) across the count check
// and the insert, so writers in other processes serialize per identity. The
// (anchor_id, pos) primary key backs that up.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// WithSchema sets the DB schema used by the store (default: "anchor").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("anchoring: invalid schema %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. It does not create tables; see Migrate.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "anchor"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("anchoring: nil pool")
	}
	return st, nil
}

// Schema returns the schema the store reads and writes.
func (s *PostgresStore) Schema() string { return s.schema }

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema and the records table if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	records := pgIdent(s.schema, "anchor_records")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  anchor_id  TEXT        NOT NULL,
  pos        INTEGER     NOT NULL,
  record     TEXT        NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (anchor_id, pos),
  CONSTRAINT chk_anchor_records_pos CHECK (pos >= 0),
  CONSTRAINT chk_anchor_records_record CHECK (record <> '' AND position(E'\n' in record) = 0)
);`, pgx.Identifier{s.schema}.Sanitize(), records)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ReadChain returns every record of anchorID ordered by position.
func (s *PostgresStore) ReadChain(ctx context.Context, anchorID string) ([]string, error) {
	if anchorID == "" {
		return nil, errors.New("missing anchor id")
	}

	records := pgIdent(s.schema, "anchor_records")
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM `+records+` WHERE anchor_id = $1 ORDER BY pos ASC`,
		anchorID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}

	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect chain: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// AppendAt inserts record at pos under the identity's advisory lock.
func (s *PostgresStore) AppendAt(ctx context.Context, anchorID string, pos int, record string) error {
	if anchorID == "" || record == "" || strings.ContainsAny(record, "\r\n") || pos < 0 {
		return errors.New("invalid input")
	}

	records := pgIdent(s.schema, "anchor_records")

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, anchorID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM `+records+` WHERE anchor_id = $1`, anchorID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count chain: %w", err)
		}
		if count != pos {
			return ErrPositionTaken
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO `+records+` (anchor_id, pos, record) VALUES ($1, $2, $3)`,
			anchorID, pos, record,
		); err != nil {
			if pgIsUniqueViolation(err) {
				return ErrPositionTaken
			}
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
