package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kueri/kueri/internal/observability"
)

type ClientConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	HTTPClient  *http.Client
}

// Client talks to a kueri-gateway process over its /v1/tools/call endpoint.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		timeout: timeout,
		client:  httpClient,
	}, nil
}

type callRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Status string          `json:"status"`
	Code   string          `json:"code"`
	Error  string          `json:"error"`
	Output json.RawMessage `json:"output"`
}

func (c *Client) ListTables(ctx context.Context, dbKey string) ([]string, error) {
	var output struct {
		Tables []string `json:"tables"`
	}
	if err := c.call(ctx, ToolListTables, map[string]any{"db_key": dbKey}, &output); err != nil {
		return nil, err
	}
	return output.Tables, nil
}

func (c *Client) GetTableSchema(ctx context.Context, dbKey, table string) ([]Column, error) {
	var output struct {
		Columns []Column `json:"columns"`
	}
	args := map[string]any{"db_key": dbKey, "table_name": table}
	if err := c.call(ctx, ToolGetTableSchema, args, &output); err != nil {
		return nil, err
	}
	return output.Columns, nil
}

func (c *Client) RunQuery(ctx context.Context, dbKey, sql string) (QueryResult, error) {
	var output QueryResult
	args := map[string]any{"db_key": dbKey, "query": sql}
	if err := c.call(ctx, ToolRunSQLQuery, args, &output); err != nil {
		return QueryResult{}, err
	}
	return output, nil
}

func (c *Client) call(ctx context.Context, name string, args map[string]any, output any) (err error) {
	defer func() { observability.ObserveToolCall(name, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(callRequest{Name: name, Args: args})
	if err != nil {
		return fmt.Errorf("marshal tool call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tools/call", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build tool call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return &ToolError{Code: CodeTimeout, Message: fmt.Sprintf("tool call %s timed out", name)}
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, truncateBody(rawBody))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status=%d (check gateway API key)", ErrUnavailable, resp.StatusCode)
	}

	var parsed callResponse
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if parsed.Status != "success" {
		code := ErrorCode(parsed.Code)
		switch code {
		case CodeUnknownDatabase, CodeUnknownTable, CodeSQLError, CodeConnection, CodeTimeout:
		default:
			code = CodeConnection
		}
		return &ToolError{Code: code, Message: parsed.Error}
	}
	if output == nil {
		return nil
	}
	if err := json.Unmarshal(parsed.Output, output); err != nil {
		return fmt.Errorf("%w: decode tool output: %v", ErrUnavailable, err)
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
