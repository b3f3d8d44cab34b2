package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kueri/kueri/internal/profile"
)

// Executor runs tool operations against one physical database.
type Executor interface {
	ListTables(ctx context.Context) ([]string, error)
	TableSchema(ctx context.Context, table string) ([]Column, error)
	Query(ctx context.Context, sql string) (QueryResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// OpenFunc builds an executor for a profile. Injected so the registry can be
// tested without real database drivers.
type OpenFunc func(ctx context.Context, p profile.DatabaseProfile) (Executor, error)

// Registry implements Gateway directly against database connections, one
// executor per db_key, opened on first use and reused afterwards.
type Registry struct {
	store        *profile.Store
	open         OpenFunc
	queryTimeout time.Duration

	mu        sync.Mutex
	executors map[string]Executor
}

func NewRegistry(store *profile.Store, open OpenFunc, queryTimeout time.Duration) *Registry {
	if queryTimeout <= 0 {
		queryTimeout = 15 * time.Second
	}
	return &Registry{
		store:        store,
		open:         open,
		queryTimeout: queryTimeout,
		executors:    map[string]Executor{},
	}
}

func (r *Registry) ListTables(ctx context.Context, dbKey string) ([]string, error) {
	exec, err := r.executor(ctx, dbKey)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return exec.ListTables(ctx)
}

func (r *Registry) GetTableSchema(ctx context.Context, dbKey, table string) ([]Column, error) {
	exec, err := r.executor(ctx, dbKey)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return exec.TableSchema(ctx, table)
}

func (r *Registry) RunQuery(ctx context.Context, dbKey, sql string) (QueryResult, error) {
	// Read-only enforcement repeated here so the gateway stays safe even if
	// a caller skips its own pre-flight checks.
	if !isReadOnlySQL(sql) {
		return QueryResult{}, NewToolError(CodeSQLError, "only read-only SELECT/WITH queries are allowed")
	}
	exec, err := r.executor(ctx, dbKey)
	if err != nil {
		return QueryResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return exec.Query(ctx, sql)
}

// HealthCheck pings every executor opened so far.
func (r *Registry) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	opened := make([]Executor, 0, len(r.executors))
	for _, exec := range r.executors {
		opened = append(opened, exec)
	}
	r.mu.Unlock()

	for _, exec := range opened {
		if err := exec.Ping(ctx); err != nil {
			return fmt.Errorf("executor ping: %w", err)
		}
	}
	return nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, exec := range r.executors {
		if err := exec.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close executor %q: %w", key, err)
		}
		delete(r.executors, key)
	}
	return firstErr
}

func (r *Registry) executor(ctx context.Context, dbKey string) (Executor, error) {
	p, ok := r.store.Profile(dbKey)
	if !ok {
		return nil, NewToolError(CodeUnknownDatabase, "database key %q is not configured", dbKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if exec, opened := r.executors[dbKey]; opened {
		return exec, nil
	}
	exec, err := r.open(ctx, p)
	if err != nil {
		return nil, NewToolError(CodeConnection, "open database %q: %v", dbKey, err)
	}
	r.executors[dbKey] = exec
	return exec, nil
}

func isReadOnlySQL(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}
