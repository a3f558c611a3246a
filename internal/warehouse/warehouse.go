package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Rows is the subset of sql.Rows the extractor consumes, so tests can
// substitute any database/sql driver as the warehouse.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Executor runs one bound catalog query against the warehouse. Extraction
// is read-only; nothing in this package writes to the source.
type Executor interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// DB is the analytical warehouse connection.
type DB struct {
	conn *sql.DB
}

// Open connects to a DuckDB warehouse file. An empty path runs an
// in-memory instance.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("warehouse ping: %w", err)
	}
	return &DB{conn: conn}, nil
}

// NewFromDB wraps an already-open database handle.
func NewFromDB(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}
