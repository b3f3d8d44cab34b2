// Package schema discovers table and column metadata for a resolved
// database through the gateway, caching results for the lifetime of a
// session so repeated questions do not re-issue tool calls.
package schema

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/observability"
)

type TableSchema struct {
	Table   string
	Columns []gateway.Column
}

// Explorer is scoped to one session. Concurrent lookups for the same
// (db_key, table) collapse into a single gateway call; followers share
// the leader's result.
type Explorer struct {
	gw    gateway.Gateway
	group singleflight.Group

	mu      sync.Mutex
	tables  map[string][]string
	columns map[string][]gateway.Column
}

func NewExplorer(gw gateway.Gateway) *Explorer {
	return &Explorer{
		gw:      gw,
		tables:  make(map[string][]string),
		columns: make(map[string][]gateway.Column),
	}
}

func (e *Explorer) Tables(ctx context.Context, dbKey string) ([]string, error) {
	e.mu.Lock()
	cached, ok := e.tables[dbKey]
	e.mu.Unlock()
	observability.ObserveSchemaCacheLookup(ok)
	if ok {
		return cached, nil
	}

	result, err, _ := e.group.Do("tables:"+dbKey, func() (any, error) {
		// Re-check under the flight: a caller that missed the cache may
		// join after an earlier flight already populated it.
		e.mu.Lock()
		cached, ok := e.tables[dbKey]
		e.mu.Unlock()
		if ok {
			return cached, nil
		}
		tables, err := e.gw.ListTables(ctx, dbKey)
		if err != nil {
			return nil, fmt.Errorf("list tables for %s: %w", dbKey, err)
		}
		e.mu.Lock()
		e.tables[dbKey] = tables
		e.mu.Unlock()
		return tables, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (e *Explorer) Schema(ctx context.Context, dbKey, table string) ([]gateway.Column, error) {
	cacheKey := dbKey + ":" + table
	e.mu.Lock()
	cached, ok := e.columns[cacheKey]
	e.mu.Unlock()
	observability.ObserveSchemaCacheLookup(ok)
	if ok {
		return cached, nil
	}

	result, err, _ := e.group.Do("schema:"+cacheKey, func() (any, error) {
		e.mu.Lock()
		cached, ok := e.columns[cacheKey]
		e.mu.Unlock()
		if ok {
			return cached, nil
		}
		columns, err := e.gw.GetTableSchema(ctx, dbKey, table)
		if err != nil {
			return nil, fmt.Errorf("get schema for %s.%s: %w", dbKey, table, err)
		}
		e.mu.Lock()
		e.columns[cacheKey] = columns
		e.mu.Unlock()
		return columns, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]gateway.Column), nil
}

// Known returns every schema discovered so far for dbKey, in no
// particular order. The synthesizer uses this as its ground truth.
func (e *Explorer) Known(dbKey string) []TableSchema {
	e.mu.Lock()
	defer e.mu.Unlock()

	prefix := dbKey + ":"
	known := make([]TableSchema, 0, len(e.columns))
	for key, columns := range e.columns {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			known = append(known, TableSchema{Table: key[len(prefix):], Columns: columns})
		}
	}
	return known
}
