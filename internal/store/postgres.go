package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// identifierPattern constrains database and index names interpolated into
// DDL. Parameters cannot be used there, so the names are validated instead.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// pgOpener yields Postgres-backed stores, one table per logical database
type pgOpener struct {
	pool *pgxpool.Pool
}

var _ Opener = (*pgOpener)(nil)

// NewPostgresOpener connects a pgx pool and returns an Opener whose logical
// databases map to individual JSONB tables.
func NewPostgresOpener(ctx context.Context, connString string) (Opener, error) {
	conf, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	conf.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &pgOpener{pool: pool}, nil
}

// Open creates the table for the named database if needed and returns a
// Store over it.
func (o *pgOpener) Open(ctx context.Context, name string) (Store, error) {
	if !identifierPattern.MatchString(name) {
		return nil, fmt.Errorf("invalid database name '%s'", name)
	}
	table := "tagsync_" + name

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id      TEXT PRIMARY KEY,
		rev     TEXT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		doc     JSONB NOT NULL
	)`, table)
	if _, err := o.pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	return &pgStore{pool: o.pool, table: table}, nil
}

// Close releases the connection pool
func (o *pgOpener) Close() {
	o.pool.Close()
}

// pgStore implements Store over one JSONB table
type pgStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ Store = (*pgStore)(nil)

// Get implements Store.Get
func (s *pgStore) Get(ctx context.Context, id string) (*Record, error) {
	rec := &Record{ID: id}
	query := fmt.Sprintf(`SELECT rev, deleted, doc FROM %s WHERE id = $1`, s.table)

	err := s.pool.QueryRow(ctx, query, id).Scan(&rec.Rev, &rec.Deleted, &rec.Doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return rec, nil
}

// Put implements Store.Put. The revision check rides in the statement
// predicate so concurrent writers race on the database, not in process.
func (s *pgStore) Put(ctx context.Context, rec *Record) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("record id is required")
	}
	newRev := nextRev(rec.Rev)

	if rec.Rev == "" {
		query := fmt.Sprintf(
			`INSERT INTO %s (id, rev, deleted, doc) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			s.table)
		tag, err := s.pool.Exec(ctx, query, rec.ID, newRev, rec.Deleted, []byte(rec.Doc))
		if err != nil {
			return "", fmt.Errorf("failed to insert %s: %w", rec.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return "", fmt.Errorf("put %s: document already exists: %w", rec.ID, ErrConflict)
		}
		return newRev, nil
	}

	query := fmt.Sprintf(
		`UPDATE %s SET rev = $1, deleted = $2, doc = $3 WHERE id = $4 AND rev = $5`,
		s.table)
	tag, err := s.pool.Exec(ctx, query, newRev, rec.Deleted, []byte(rec.Doc), rec.ID, rec.Rev)
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("put %s: presented rev %q is stale: %w", rec.ID, rec.Rev, ErrConflict)
	}
	return newRev, nil
}

// Find implements Store.Find
func (s *pgStore) Find(ctx context.Context, sel Selector) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT id, rev, deleted, doc FROM %s`, s.table)
	var args []any
	if len(sel.Exists) > 0 {
		query += ` WHERE doc ?& $1`
		args = append(args, sel.Exists)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	var results []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(&rec.ID, &rec.Rev, &rec.Deleted, &rec.Doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return results, nil
}

// CreateIndex implements Store.CreateIndex with one GIN expression index
// per declared field.
func (s *pgStore) CreateIndex(ctx context.Context, fields ...string) error {
	if len(fields) == 0 {
		return fmt.Errorf("at least one index field is required")
	}

	for _, field := range fields {
		if !identifierPattern.MatchString(field) {
			return fmt.Errorf("invalid index field '%s'", field)
		}
		ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s USING GIN ((doc -> '%s'))`,
			s.table, field, s.table, field)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index on %s.%s: %w", s.table, field, err)
		}
	}
	return nil
}
