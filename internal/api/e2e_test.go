package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kueri/kueri/internal/agent"
	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/guard"
	"github.com/kueri/kueri/internal/llm"
	"github.com/kueri/kueri/internal/profile"
	"github.com/kueri/kueri/internal/resolver"
	"github.com/kueri/kueri/internal/synth"
)

// memoryExecutor serves fixed tables and rows for a single database.
type memoryExecutor struct {
	tables  map[string][]gateway.Column
	rows    gateway.QueryResult
	lastSQL string
}

func (e *memoryExecutor) ListTables(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	return names, nil
}

func (e *memoryExecutor) TableSchema(ctx context.Context, table string) ([]gateway.Column, error) {
	columns, ok := e.tables[table]
	if !ok {
		return nil, gateway.NewToolError(gateway.CodeUnknownTable, "table %q does not exist", table)
	}
	return columns, nil
}

func (e *memoryExecutor) Query(ctx context.Context, sql string) (gateway.QueryResult, error) {
	e.lastSQL = sql
	return e.rows, nil
}

func (e *memoryExecutor) Ping(ctx context.Context) error { return nil }
func (e *memoryExecutor) Close() error                   { return nil }

type sequencedLLM struct {
	responses []string
	calls     int
}

func (s *sequencedLLM) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	if s.calls >= len(s.responses) {
		return "", errors.New("no scripted response left")
	}
	response := s.responses[s.calls]
	s.calls++
	return response, nil
}

// TestTurnAcrossGatewayHTTP pushes a question through the full stack:
// agent handler, session manager, HTTP gateway client, tool server,
// executor registry.
func TestTurnAcrossGatewayHTTP(t *testing.T) {
	store, err := profile.Load([]byte(`{
  "databases": [
    {
      "db_key": "sales_db",
      "description": "Customer orders and revenue",
      "keywords": ["orders", "sales"],
      "tables": {"orders": "customer orders with status"},
      "driver": "postgres",
      "secret_ref": "postgres://ignored"
    }
  ]
}`), func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}

	executor := &memoryExecutor{
		tables: map[string][]gateway.Column{
			"orders": {
				{Name: "id", Type: "bigint"},
				{Name: "status", Type: "text"},
			},
		},
		rows: gateway.QueryResult{
			Columns: []string{"id", "status"},
			Rows:    [][]any{{int64(7), "pending"}},
		},
	}
	registry := gateway.NewRegistry(store, func(ctx context.Context, p profile.DatabaseProfile) (gateway.Executor, error) {
		return executor, nil
	}, 5*time.Second)

	gatewayServer := httptest.NewServer(NewGatewayHandler(testConfig(t, nil), GatewayDependencies{Tools: registry}))
	defer gatewayServer.Close()

	client, err := gateway.NewClient(gateway.ClientConfig{BaseURL: gatewayServer.URL, CallTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("gateway client: %v", err)
	}

	synthClient := &sequencedLLM{responses: []string{
		`{"need_table": "orders"}`,
		`{"sql": "SELECT id, status FROM orders WHERE status = 'pending'"}`,
	}}
	manager := agent.NewManager(
		agent.Config{MaxAttempts: 3, MaxSchemaRounds: 4, TurnTimeout: 10 * time.Second, MaxRows: 200},
		agent.Dependencies{
			Profiles:    store,
			Resolver:    resolver.New(store, resolver.Config{MinScore: 2, AmbiguityMargin: 1, StickyBonus: 2}),
			Gateway:     client,
			Synthesizer: synth.New(synthClient),
			Guard:       guard.New(client, 200),
			Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	)

	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: manager, Profiles: store})
	apiServer := httptest.NewServer(h)
	defer apiServer.Close()

	resp, err := http.Post(
		apiServer.URL+"/v1/sessions/e2e-session/turns",
		"application/json",
		strings.NewReader(`{"utterance": "list all pending orders"}`),
	)
	if err != nil {
		t.Fatalf("post turn: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var turn submitTurnResponse
	if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if turn.Status != "success" || turn.DBKeyUsed != "sales_db" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if !strings.Contains(turn.Answer, "1 row") {
		t.Fatalf("answer should cite the row count:\n%s", turn.Answer)
	}
	if executor.lastSQL != "SELECT id, status FROM orders WHERE status = 'pending'" {
		t.Fatalf("executor saw %q", executor.lastSQL)
	}
}
