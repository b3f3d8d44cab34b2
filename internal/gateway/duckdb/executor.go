// Package duckdb executes gateway tool calls against a local DuckDB file,
// used for analytical profiles that live next to the gateway process.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/kueri/kueri/internal/gateway"
)

type Executor struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Executor, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	return &Executor{db: db}, nil
}

// NewExecutor wraps an existing handle; used by tests with sqlmock.
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

func (e *Executor) Ping(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping duckdb: %w", err)
	}
	return nil
}

func (e *Executor) Close() error {
	return e.db.Close()
}

func (e *Executor) ListTables(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, classifyError("list tables", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}
	return tables, nil
}

func (e *Executor) TableSchema(ctx context.Context, table string) ([]gateway.Column, error) {
	rows, err := e.db.QueryContext(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_name = ?
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, classifyError("get table schema", err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]gateway.Column, 0)
	for rows.Next() {
		var column gateway.Column
		if err := rows.Scan(&column.Name, &column.Type); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	if len(columns) == 0 {
		return nil, gateway.NewToolError(gateway.CodeUnknownTable, "table %q does not exist", table)
	}
	return columns, nil
}

func (e *Executor) Query(ctx context.Context, sqlText string) (gateway.QueryResult, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return gateway.QueryResult{}, classifyError("execute query", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return gateway.QueryResult{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return gateway.QueryResult{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return gateway.QueryResult{}, classifyError("iterate rows", err)
	}

	return gateway.QueryResult{Columns: columns, Rows: resultRows}, nil
}

// DuckDB reports malformed statements and missing relations through plain
// driver errors, so anything other than a deadline counts as a SQL error.
func classifyError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gateway.NewToolError(gateway.CodeTimeout, "%s: timed out", op)
	}
	return gateway.NewToolError(gateway.CodeSQLError, "%s: %v", op, err)
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
