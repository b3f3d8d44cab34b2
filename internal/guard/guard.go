// Package guard is the last gate before SQL reaches the gateway. It
// rejects anything that is not a single read-only statement, dispatches
// exactly one run_sql_query tool call per invocation, classifies the
// outcome, and caps the returned row volume.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/observability"
)

// RejectedQueryError reports a statement that failed pre-flight checks.
// No tool call is made for a rejected query.
type RejectedQueryError struct {
	Reason string
}

func (e *RejectedQueryError) Error() string {
	return "query rejected: " + e.Reason
}

type ErrorKind string

const (
	KindSQLError   ErrorKind = "sql_error"
	KindTimeout    ErrorKind = "timeout"
	KindConnection ErrorKind = "connection_error"
)

// ExecutionError classifies a gateway failure. SQL errors and timeouts
// are retryable by resynthesis; connection errors abort the turn.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Retryable() bool {
	return e.Kind == KindSQLError || e.Kind == KindTimeout
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

type Guard struct {
	gw      gateway.Gateway
	maxRows int
}

func New(gw gateway.Gateway, maxRows int) *Guard {
	return &Guard{gw: gw, maxRows: maxRows}
}

// Execute runs one read-only statement against dbKey. It returns
// *RejectedQueryError without touching the gateway when pre-flight
// checks fail, and *ExecutionError for classified gateway failures.
func (g *Guard) Execute(ctx context.Context, dbKey, sql string) (Result, error) {
	if err := Preflight(sql); err != nil {
		return Result{}, err
	}

	queryResult, err := g.gw.RunQuery(ctx, dbKey, sql)
	if err != nil {
		return Result{}, classify(err)
	}

	result := Result{Columns: queryResult.Columns, Rows: queryResult.Rows}
	if g.maxRows > 0 && len(result.Rows) > g.maxRows {
		result.Rows = result.Rows[:g.maxRows]
		result.Truncated = true
		observability.IncrementTruncatedResults()
	}
	return result, nil
}

var writeKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "merge": {}, "upsert": {},
	"drop": {}, "create": {}, "alter": {}, "truncate": {}, "rename": {},
	"grant": {}, "revoke": {}, "copy": {}, "attach": {}, "detach": {},
	"vacuum": {}, "analyze": {}, "set": {}, "call": {}, "execute": {},
}

// Preflight validates a statement without executing it: non-empty, a
// single statement, starting with SELECT or WITH, and free of write/DDL
// keywords at the top level.
func Preflight(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &RejectedQueryError{Reason: "statement is empty"}
	}

	if stripped := strings.TrimSuffix(trimmed, ";"); strings.Contains(stripped, ";") {
		return &RejectedQueryError{Reason: "multiple statements are not allowed"}
	}

	lowered := strings.ToLower(trimmed)
	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return &RejectedQueryError{Reason: "only SELECT statements are allowed"}
	}

	for keyword := range writeKeywords {
		if containsKeyword(lowered, keyword) {
			return &RejectedQueryError{Reason: fmt.Sprintf("statement contains forbidden keyword %q", keyword)}
		}
	}
	return nil
}

// containsKeyword matches whole words only, so column names like
// "created_at" do not trip the "create" check.
func containsKeyword(lowered, keyword string) bool {
	for offset := 0; ; {
		idx := strings.Index(lowered[offset:], keyword)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(keyword)
		beforeOK := start == 0 || !isWordRune(rune(lowered[start-1]))
		afterOK := end == len(lowered) || !isWordRune(rune(lowered[end]))
		if beforeOK && afterOK {
			return true
		}
		offset = start + 1
	}
}

func isWordRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func classify(err error) error {
	if errors.Is(err, gateway.ErrUnavailable) {
		return &ExecutionError{Kind: KindConnection, Message: err.Error()}
	}
	if code, ok := gateway.ToolErrorCode(err); ok {
		switch code {
		case gateway.CodeTimeout:
			return &ExecutionError{Kind: KindTimeout, Message: err.Error()}
		case gateway.CodeSQLError, gateway.CodeUnknownTable:
			return &ExecutionError{Kind: KindSQLError, Message: err.Error()}
		}
	}
	return &ExecutionError{Kind: KindConnection, Message: err.Error()}
}
