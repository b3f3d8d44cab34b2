package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kueri/kueri/internal/auth"
	"github.com/kueri/kueri/internal/config"
	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/observability"
)

// GatewayDependencies wires the tool server. Tools is usually the
// executor registry; tests substitute fakes.
type GatewayDependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Tools             gateway.Gateway
}

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type toolCallRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// NewGatewayHandler builds the tool surface consumed by the agent
// service: a tool listing and a single dispatch endpoint.
func NewGatewayHandler(cfg config.Config, deps GatewayDependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("GET /v1/tools", func(w http.ResponseWriter, r *http.Request) {
		handleListTools(w, r)
	})
	protected.HandleFunc("POST /v1/tools/call", func(w http.ResponseWriter, r *http.Request) {
		handleToolCall(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("GET /v1/tools", protectedHandler)
	mux.Handle("POST /v1/tools/call", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func handleListTools(w http.ResponseWriter, r *http.Request) {
	if err := requireToolRole(r); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": []toolDescriptor{
		{
			Name:        gateway.ToolListTables,
			Description: "List the base tables of a configured database.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"db_key": map[string]any{"type": "string"}},
				"required":   []string{"db_key"},
			},
		},
		{
			Name:        gateway.ToolGetTableSchema,
			Description: "Describe the columns of one table.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"db_key":     map[string]any{"type": "string"},
					"table_name": map[string]any{"type": "string"},
				},
				"required": []string{"db_key", "table_name"},
			},
		},
		{
			Name:        gateway.ToolRunSQLQuery,
			Description: "Execute a read-only SQL query and return rows.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"db_key": map[string]any{"type": "string"},
					"query":  map[string]any{"type": "string"},
				},
				"required": []string{"db_key", "query"},
			},
		},
	}})
}

func handleToolCall(deps GatewayDependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tools == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TOOLS_NOT_CONFIGURED", "tool registry is not configured", false, nil)
		return
	}
	if err := requireToolRole(r); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request toolCallRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeToolFailure(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid tool call body: %v", err))
		return
	}

	dbKey, _ := request.Args["db_key"].(string)
	if strings.TrimSpace(dbKey) == "" {
		writeToolFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "db_key argument is required")
		return
	}

	var (
		output any
		err    error
	)
	switch request.Name {
	case gateway.ToolListTables:
		var tables []string
		tables, err = deps.Tools.ListTables(r.Context(), dbKey)
		output = map[string]any{"tables": tables}
	case gateway.ToolGetTableSchema:
		table, _ := request.Args["table_name"].(string)
		if strings.TrimSpace(table) == "" {
			writeToolFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "table_name argument is required")
			return
		}
		var columns []gateway.Column
		columns, err = deps.Tools.GetTableSchema(r.Context(), dbKey, table)
		output = map[string]any{"columns": columns}
	case gateway.ToolRunSQLQuery:
		query, _ := request.Args["query"].(string)
		if strings.TrimSpace(query) == "" {
			writeToolFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "query argument is required")
			return
		}
		var result gateway.QueryResult
		result, err = deps.Tools.RunQuery(r.Context(), dbKey, query)
		output = result
	default:
		writeToolFailure(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("unknown tool %q", request.Name))
		return
	}

	if err != nil {
		if deps.Logger != nil {
			deps.Logger.WarnContext(r.Context(), "tool call failed",
				slog.String("tool", request.Name),
				slog.String("db_key", dbKey),
				slog.String("error", err.Error()),
			)
		}
		code := gateway.CodeConnection
		if toolCode, ok := gateway.ToolErrorCode(err); ok {
			code = toolCode
		}
		// Tool-level failures are part of the protocol, not transport
		// errors, so they ride on a 200.
		writeToolFailure(w, http.StatusOK, string(code), userFacingToolError(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "output": output})
}

func writeToolFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "code": code, "error": message})
}

func userFacingToolError(err error) string {
	var toolErr *gateway.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Message
	}
	return err.Error()
}

func requireToolRole(r *http.Request) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole("tool_caller") {
		return nil
	}
	return fmt.Errorf("missing required role %q", "tool_caller")
}
