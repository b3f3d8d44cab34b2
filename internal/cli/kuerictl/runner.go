package kuerictl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("kuerictl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "Kueri API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	sessionID := fs.String("session", defaults.SessionID, "Session ID to converse in (ask creates one when empty)")
	dbKey := fs.String("db", "", "Pin ask to a specific database key instead of resolving one")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	base := strings.TrimRight(*baseURL, "/")
	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "health":
		return runSimple(ctx, client, http.MethodGet, base+"/v1/health", *apiKey, stdout, stderr)
	case "ready":
		return runSimple(ctx, client, http.MethodGet, base+"/v1/ready", *apiKey, stdout, stderr)
	case "databases":
		return runSimple(ctx, client, http.MethodGet, base+"/v1/databases", *apiKey, stdout, stderr)
	case "history":
		if strings.TrimSpace(*sessionID) == "" {
			_, _ = fmt.Fprintln(stderr, "history requires -session")
			return 2
		}
		return runSimple(ctx, client, http.MethodGet, base+"/v1/sessions/"+*sessionID+"/history", *apiKey, stdout, stderr)
	case "end":
		if strings.TrimSpace(*sessionID) == "" {
			_, _ = fmt.Fprintln(stderr, "end requires -session")
			return 2
		}
		return runSimple(ctx, client, http.MethodDelete, base+"/v1/sessions/"+*sessionID, *apiKey, stdout, stderr)
	case "ask":
		question := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			return 2
		}
		return runAsk(ctx, client, base, *apiKey, *sessionID, *dbKey, question, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func runSimple(ctx context.Context, client *http.Client, method, url, apiKey string, stdout, stderr io.Writer) int {
	code, body, err := doRequest(ctx, client, method, url, apiKey, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(stdout, string(body))
	}
	return 0
}

func runAsk(ctx context.Context, client *http.Client, base, apiKey, sessionID, dbKey, question string, stdout, stderr io.Writer) int {
	if strings.TrimSpace(sessionID) == "" {
		code, body, err := doRequest(ctx, client, http.MethodPost, base+"/v1/sessions", apiKey, nil)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
			return 1
		}
		if code >= 400 {
			_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
			return 1
		}
		var created struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(body, &created); err != nil || created.SessionID == "" {
			_, _ = fmt.Fprintf(stderr, "unexpected session response: %s\n", strings.TrimSpace(string(body)))
			return 1
		}
		sessionID = created.SessionID
		_, _ = fmt.Fprintf(stderr, "session: %s\n", sessionID)
	}

	turnBody := map[string]string{"utterance": question}
	if strings.TrimSpace(dbKey) != "" {
		turnBody["db_key"] = strings.TrimSpace(dbKey)
	}
	payload, err := json.Marshal(turnBody)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	code, body, err := doRequest(ctx, client, http.MethodPost, base+"/v1/sessions/"+sessionID+"/turns", apiKey, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}

	var turn struct {
		Answer    string `json:"answer"`
		SQLUsed   string `json:"sql_used"`
		DBKeyUsed string `json:"db_key_used"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &turn); err != nil {
		_, _ = fmt.Fprintln(stdout, string(body))
		return 0
	}
	_, _ = fmt.Fprintln(stdout, turn.Answer)
	if turn.DBKeyUsed != "" {
		_, _ = fmt.Fprintf(stderr, "database: %s\n", turn.DBKeyUsed)
	}
	if turn.SQLUsed != "" {
		_, _ = fmt.Fprintf(stderr, "sql: %s\n", turn.SQLUsed)
	}
	if turn.Status != "" && turn.Status != "success" {
		_, _ = fmt.Fprintf(stderr, "status: %s\n", turn.Status)
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: kuerictl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health             GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready              GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  databases          GET /v1/databases")
	_, _ = fmt.Fprintln(w, "  ask <question>     submit a question (creates a session unless -session is set; -db pins a database)")
	_, _ = fmt.Fprintln(w, "  history            GET /v1/sessions/<id>/history (requires -session)")
	_, _ = fmt.Fprintln(w, "  end                DELETE /v1/sessions/<id> (requires -session)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
