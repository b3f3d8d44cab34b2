// Package gateway defines the tool surface the agent uses to reach real
// databases. Each method is one request/response tool call; transport is an
// implementation detail behind the Gateway interface.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

const (
	ToolListTables     = "list_tables"
	ToolGetTableSchema = "get_table_schema"
	ToolRunSQLQuery    = "run_sql_query"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type Gateway interface {
	ListTables(ctx context.Context, dbKey string) ([]string, error)
	GetTableSchema(ctx context.Context, dbKey, table string) ([]Column, error)
	RunQuery(ctx context.Context, dbKey, sql string) (QueryResult, error)
}

// ErrUnavailable marks transport-level failures: the gateway itself could not
// be reached or answered garbage. Not retryable within a turn.
var ErrUnavailable = errors.New("gateway unavailable")

type ErrorCode string

const (
	CodeUnknownDatabase ErrorCode = "UNKNOWN_DATABASE"
	CodeUnknownTable    ErrorCode = "UNKNOWN_TABLE"
	CodeSQLError        ErrorCode = "SQL_ERROR"
	CodeConnection      ErrorCode = "CONNECTION_ERROR"
	CodeTimeout         ErrorCode = "TIMEOUT"
)

// ToolError is a failure reported by the tool itself, as opposed to a failure
// to reach the gateway. The code decides whether the agent may retry.
type ToolError struct {
	Code    ErrorCode
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %s: %s", e.Code, e.Message)
}

func NewToolError(code ErrorCode, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ToolErrorCode extracts the tool error code, if err carries one.
func ToolErrorCode(err error) (ErrorCode, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Code, true
	}
	return "", false
}
