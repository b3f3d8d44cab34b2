package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kueri/kueri/internal/auth"
	"github.com/kueri/kueri/internal/gateway"
)

type fakeTools struct {
	tables   []string
	columns  []gateway.Column
	result   gateway.QueryResult
	err      error
	lastSQL  string
	lastKey  string
	lastName string
}

func (f *fakeTools) ListTables(ctx context.Context, dbKey string) ([]string, error) {
	f.lastKey = dbKey
	return f.tables, f.err
}

func (f *fakeTools) GetTableSchema(ctx context.Context, dbKey, table string) ([]gateway.Column, error) {
	f.lastKey = dbKey
	f.lastName = table
	return f.columns, f.err
}

func (f *fakeTools) RunQuery(ctx context.Context, dbKey, sql string) (gateway.QueryResult, error) {
	f.lastKey = dbKey
	f.lastSQL = sql
	return f.result, f.err
}

func callTool(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/tools/call", strings.NewReader(body)))
	return rr
}

func TestListToolsDescribesAllThree(t *testing.T) {
	h := NewGatewayHandler(testConfig(t, nil), GatewayDependencies{Tools: &fakeTools{}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var response struct {
		Tools []toolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(response.Tools))
	}
	names := map[string]bool{}
	for _, tool := range response.Tools {
		names[tool.Name] = true
		if tool.InputSchema == nil {
			t.Fatalf("tool %s has no input schema", tool.Name)
		}
	}
	for _, want := range []string{gateway.ToolListTables, gateway.ToolGetTableSchema, gateway.ToolRunSQLQuery} {
		if !names[want] {
			t.Fatalf("missing tool %s", want)
		}
	}
}

func TestToolCallRunQuery(t *testing.T) {
	tools := &fakeTools{result: gateway.QueryResult{
		Columns: []string{"count"},
		Rows:    [][]any{{float64(2)}},
	}}
	h := NewGatewayHandler(testConfig(t, nil), GatewayDependencies{Tools: tools})

	rr := callTool(t, h, `{"name": "run_sql_query", "args": {"db_key": "sales_db", "query": "SELECT count(*) FROM orders"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var response struct {
		Status string              `json:"status"`
		Output gateway.QueryResult `json:"output"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Status != "success" || len(response.Output.Rows) != 1 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if tools.lastKey != "sales_db" || tools.lastSQL != "SELECT count(*) FROM orders" {
		t.Fatalf("tools saw %q / %q", tools.lastKey, tools.lastSQL)
	}
}

func TestToolCallListTablesAndSchema(t *testing.T) {
	tools := &fakeTools{
		tables:  []string{"orders"},
		columns: []gateway.Column{{Name: "id", Type: "bigint"}},
	}
	h := NewGatewayHandler(testConfig(t, nil), GatewayDependencies{Tools: tools})

	rr := callTool(t, h, `{"name": "list_tables", "args": {"db_key": "sales_db"}}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"orders"`) {
		t.Fatalf("list_tables: status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = callTool(t, h, `{"name": "get_table_schema", "args": {"db_key": "sales_db", "table_name": "orders"}}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"bigint"`) {
		t.Fatalf("get_table_schema: status=%d body=%s", rr.Code, rr.Body.String())
	}
	if tools.lastName != "orders" {
		t.Fatalf("table = %q", tools.lastName)
	}
}

func TestToolCallErrorsRideOn200(t *testing.T) {
	tools := &fakeTools{err: gateway.NewToolError(gateway.CodeSQLError, `column "stattus" does not exist`)}
	h := NewGatewayHandler(testConfig(t, nil), GatewayDependencies{Tools: tools})

	rr := callTool(t, h, `{"name": "run_sql_query", "args": {"db_key": "sales_db", "query": "SELECT stattus FROM orders"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var response struct {
		Status string `json:"status"`
		Code   string `json:"code"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Status != "error" || response.Code != "SQL_ERROR" {
		t.Fatalf("unexpected response: %+v", response)
	}
	if !strings.Contains(response.Error, "stattus") {
		t.Fatalf("error message lost: %q", response.Error)
	}
}

func TestToolCallRejectsMalformedRequests(t *testing.T) {
	h := NewGatewayHandler(testConfig(t, nil), GatewayDependencies{Tools: &fakeTools{err: errors.New("should not be called")}})

	tests := []string{
		`not json`,
		`{"name": "run_sql_query", "args": {}}`,
		`{"name": "run_sql_query", "args": {"db_key": "sales_db"}}`,
		`{"name": "get_table_schema", "args": {"db_key": "sales_db"}}`,
		`{"name": "no_such_tool", "args": {"db_key": "sales_db"}}`,
	}
	for _, body := range tests {
		rr := callTool(t, h, body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rr.Code)
		}
	}
}

func TestToolCallRequiresRoleWhenAuthenticated(t *testing.T) {
	cfg := testConfig(t, map[string]string{"KUERI_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("good:kueri-api:tool_caller,weak:other:reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewGatewayHandler(cfg, GatewayDependencies{
		Tools:          &fakeTools{tables: []string{"orders"}},
		AuthMiddleware: auth.Middleware(nil, validator),
	})

	body := `{"name": "list_tables", "args": {"db_key": "sales_db"}}`

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/tools/call", strings.NewReader(body)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/call", strings.NewReader(body))
	req.Header.Set("X-API-Key", "weak")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("wrong role: status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/tools/call", strings.NewReader(body))
	req.Header.Set("X-API-Key", "good")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid caller: status = %d body=%s", rr.Code, rr.Body.String())
	}
}
