package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kueri/kueri/internal/gateway"
)

type fakeGateway struct {
	mu          sync.Mutex
	listCalls   int32
	schemaCalls int32
	block       chan struct{}

	tables  []string
	columns []gateway.Column
	err     error
}

func (f *fakeGateway) ListTables(ctx context.Context, dbKey string) ([]string, error) {
	atomic.AddInt32(&f.listCalls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.tables, nil
}

func (f *fakeGateway) GetTableSchema(ctx context.Context, dbKey, table string) ([]gateway.Column, error) {
	atomic.AddInt32(&f.schemaCalls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.columns, nil
}

func (f *fakeGateway) RunQuery(ctx context.Context, dbKey, sql string) (gateway.QueryResult, error) {
	return gateway.QueryResult{}, errors.New("not implemented")
}

func TestTablesCachesAfterFirstCall(t *testing.T) {
	gw := &fakeGateway{tables: []string{"orders", "customers"}}
	explorer := NewExplorer(gw)

	for i := 0; i < 3; i++ {
		tables, err := explorer.Tables(context.Background(), "sales_db")
		if err != nil {
			t.Fatalf("Tables: %v", err)
		}
		if len(tables) != 2 {
			t.Fatalf("unexpected tables: %v", tables)
		}
	}
	if calls := atomic.LoadInt32(&gw.listCalls); calls != 1 {
		t.Fatalf("expected one gateway call, got %d", calls)
	}
}

func TestSchemaSingleFlight(t *testing.T) {
	gw := &fakeGateway{
		columns: []gateway.Column{{Name: "id", Type: "bigint"}, {Name: "status", Type: "text"}},
		block:   make(chan struct{}),
	}
	explorer := NewExplorer(gw)

	const concurrent = 8
	var wg sync.WaitGroup
	results := make([][]gateway.Column, concurrent)
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = explorer.Schema(context.Background(), "sales_db", "orders")
		}(i)
	}

	close(gw.block)
	wg.Wait()

	for i := 0; i < concurrent; i++ {
		if errs[i] != nil {
			t.Fatalf("Schema[%d]: %v", i, errs[i])
		}
		if len(results[i]) != 2 {
			t.Fatalf("Schema[%d]: unexpected columns %v", i, results[i])
		}
	}
	if calls := atomic.LoadInt32(&gw.schemaCalls); calls != 1 {
		t.Fatalf("expected one gateway call for concurrent lookups, got %d", calls)
	}
}

func TestSchemaPropagatesUnknownTable(t *testing.T) {
	gw := &fakeGateway{err: gateway.NewToolError(gateway.CodeUnknownTable, "table %q does not exist", "missing")}
	explorer := NewExplorer(gw)

	_, err := explorer.Schema(context.Background(), "sales_db", "missing")
	code, ok := gateway.ToolErrorCode(err)
	if !ok || code != gateway.CodeUnknownTable {
		t.Fatalf("expected UNKNOWN_TABLE, got %v", err)
	}

	// Errors are never cached; a later retry reaches the gateway again.
	_, _ = explorer.Schema(context.Background(), "sales_db", "missing")
	if calls := atomic.LoadInt32(&gw.schemaCalls); calls != 2 {
		t.Fatalf("expected failed lookups to bypass the cache, got %d calls", calls)
	}
}

func TestTablesPropagatesGatewayUnavailable(t *testing.T) {
	gw := &fakeGateway{err: gateway.ErrUnavailable}
	explorer := NewExplorer(gw)

	_, err := explorer.Tables(context.Background(), "sales_db")
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestKnownReturnsDiscoveredSchemas(t *testing.T) {
	gw := &fakeGateway{columns: []gateway.Column{{Name: "id", Type: "bigint"}}}
	explorer := NewExplorer(gw)

	if known := explorer.Known("sales_db"); len(known) != 0 {
		t.Fatalf("expected no known schemas, got %v", known)
	}
	if _, err := explorer.Schema(context.Background(), "sales_db", "orders"); err != nil {
		t.Fatalf("Schema: %v", err)
	}
	known := explorer.Known("sales_db")
	if len(known) != 1 || known[0].Table != "orders" {
		t.Fatalf("unexpected known schemas: %v", known)
	}
	if other := explorer.Known("hr_db"); len(other) != 0 {
		t.Fatalf("expected no schemas for other database, got %v", other)
	}
}
