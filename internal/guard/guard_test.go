package guard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kueri/kueri/internal/gateway"
)

type fakeGateway struct {
	calls  int
	result gateway.QueryResult
	err    error
}

func (f *fakeGateway) ListTables(ctx context.Context, dbKey string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) GetTableSchema(ctx context.Context, dbKey, table string) ([]gateway.Column, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) RunQuery(ctx context.Context, dbKey, sql string) (gateway.QueryResult, error) {
	f.calls++
	if f.err != nil {
		return gateway.QueryResult{}, f.err
	}
	return f.result, nil
}

func TestExecuteSuccess(t *testing.T) {
	gw := &fakeGateway{result: gateway.QueryResult{
		Columns: []string{"id", "status"},
		Rows:    [][]any{{int64(1), "pending"}, {int64(2), "pending"}},
	}}
	g := New(gw, 200)

	result, err := g.Execute(context.Background(), "sales_db", "SELECT id, status FROM orders WHERE status = 'pending'")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 2 || result.Truncated {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gw.calls != 1 {
		t.Fatalf("expected exactly one tool call, got %d", gw.calls)
	}
}

func TestExecuteTruncatesRows(t *testing.T) {
	rows := make([][]any, 5)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	gw := &fakeGateway{result: gateway.QueryResult{Columns: []string{"id"}, Rows: rows}}
	g := New(gw, 3)

	result, err := g.Execute(context.Background(), "sales_db", "SELECT id FROM orders")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 3 || !result.Truncated {
		t.Fatalf("expected 3 truncated rows, got %d truncated=%v", len(result.Rows), result.Truncated)
	}
}

func TestExecuteRejectsWithoutToolCall(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"DELETE FROM orders",
		"DROP TABLE orders",
		"INSERT INTO orders VALUES (1)",
		"UPDATE orders SET status = 'done'",
		"TRUNCATE orders",
		"ALTER TABLE orders ADD COLUMN x int",
		"CREATE TABLE x (id int)",
		"GRANT ALL ON orders TO intruder",
		"SELECT 1; DROP TABLE orders",
		"SELECT id FROM orders; DELETE FROM orders",
	}
	for _, sql := range tests {
		gw := &fakeGateway{}
		g := New(gw, 200)

		_, err := g.Execute(context.Background(), "sales_db", sql)
		var rejected *RejectedQueryError
		if !errors.As(err, &rejected) {
			t.Fatalf("expected RejectedQueryError for %q, got %v", sql, err)
		}
		if gw.calls != 0 {
			t.Fatalf("rejected query %q reached the gateway", sql)
		}
	}
}

func TestPreflightAllowsReadOnlyShapes(t *testing.T) {
	tests := []string{
		"SELECT * FROM orders",
		"select id from orders;",
		"WITH pending AS (SELECT id FROM orders WHERE status = 'pending') SELECT count(*) FROM pending",
		"SELECT created_at, updated_at FROM orders",
	}
	for _, sql := range tests {
		if err := Preflight(sql); err != nil {
			t.Fatalf("Preflight(%q): %v", sql, err)
		}
	}
}

func TestExecuteClassifiesGatewayErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{
			name:      "sql error",
			err:       gateway.NewToolError(gateway.CodeSQLError, "column %q does not exist", "stattus"),
			kind:      KindSQLError,
			retryable: true,
		},
		{
			name:      "unknown table",
			err:       gateway.NewToolError(gateway.CodeUnknownTable, "table %q does not exist", "ordes"),
			kind:      KindSQLError,
			retryable: true,
		},
		{
			name:      "timeout",
			err:       gateway.NewToolError(gateway.CodeTimeout, "execute query: timed out"),
			kind:      KindTimeout,
			retryable: true,
		},
		{
			name:      "unavailable",
			err:       fmt.Errorf("%w: connection refused", gateway.ErrUnavailable),
			kind:      KindConnection,
			retryable: false,
		},
		{
			name:      "connection code",
			err:       gateway.NewToolError(gateway.CodeConnection, "pool exhausted"),
			kind:      KindConnection,
			retryable: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{err: tc.err}
			g := New(gw, 200)

			_, err := g.Execute(context.Background(), "sales_db", "SELECT id FROM orders")
			var execErr *ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("expected ExecutionError, got %v", err)
			}
			if execErr.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, execErr.Kind)
			}
			if execErr.Retryable() != tc.retryable {
				t.Fatalf("expected retryable=%v", tc.retryable)
			}
		})
	}
}
