// Package synth turns a user intent plus discovered schema into a single
// read-only SQL statement via the language model, with static checks on
// top so the model's output never escapes the discovered schema or the
// read-only contract.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kueri/kueri/internal/llm"
	"github.com/kueri/kueri/internal/profile"
	"github.com/kueri/kueri/internal/schema"
)

// NeedsSchemaError signals that synthesis cannot proceed until the named
// table's columns have been discovered.
type NeedsSchemaError struct {
	Table string
}

func (e *NeedsSchemaError) Error() string {
	return fmt.Sprintf("schema for table %q is required before synthesis", e.Table)
}

// UnsupportedOperationError reports an intent that requires writes, DDL,
// or anything else outside the read-only contract.
type UnsupportedOperationError struct {
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	return "unsupported operation: " + e.Reason
}

type Attempt struct {
	SQL   string
	Error string
}

// HistoryTurn is one earlier conversation entry carried into the prompt
// so follow-up questions keep their context.
type HistoryTurn struct {
	Role    string
	Content string
	SQL     string
}

type Request struct {
	Intent  string
	Profile profile.DatabaseProfile
	// DiscoveredTables is the live table listing from the gateway; when
	// set it overrides the profile's table metadata in the prompt.
	DiscoveredTables []string
	KnownSchema      []schema.TableSchema
	History          []HistoryTurn
	PriorAttempts    []Attempt
	MaxRows          int
}

type Synthesizer struct {
	client llm.Client
}

func New(client llm.Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize produces one SQL candidate for the request. It returns
// *NeedsSchemaError when the model asks for an undiscovered table and
// *UnsupportedOperationError when the intent is not a read.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (string, error) {
	messages := buildMessages(req)
	content, err := s.client.Complete(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("synthesize query: %w", err)
	}

	decision, err := parseDecision(content)
	if err != nil {
		return "", err
	}

	switch {
	case decision.Unsupported != "":
		return "", &UnsupportedOperationError{Reason: decision.Unsupported}
	case decision.NeedTable != "":
		return "", &NeedsSchemaError{Table: decision.NeedTable}
	}

	sql := strings.TrimSpace(decision.SQL)
	if sql == "" {
		return "", errors.New("model returned an empty statement")
	}
	if !isReadOnlySQL(sql) {
		return "", &UnsupportedOperationError{Reason: "generated statement is not a read-only query"}
	}
	if err := checkTables(sql, req.KnownSchema); err != nil {
		return "", err
	}
	return sql, nil
}

type decision struct {
	SQL         string `json:"sql"`
	NeedTable   string `json:"need_table"`
	Unsupported string `json:"unsupported"`
}

// The model is asked for a JSON object but smaller models sometimes
// answer with bare SQL or a fenced block; accept those too.
func parseDecision(content string) (decision, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = stripMarkdownFence(trimmed)

	if strings.HasPrefix(trimmed, "{") {
		var d decision
		if err := json.Unmarshal([]byte(trimmed), &d); err != nil {
			return decision{}, fmt.Errorf("decode synthesis response: %w", err)
		}
		return d, nil
	}
	return decision{SQL: trimmed}, nil
}

func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```sql")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func isReadOnlySQL(sql string) bool {
	lowered := strings.ToLower(strings.TrimSpace(sql))
	return strings.HasPrefix(lowered, "select") || strings.HasPrefix(lowered, "with")
}

// checkTables verifies every FROM/JOIN target appears in the discovered
// schema. A reference to an unknown table becomes a NeedsSchemaError so
// the loop can discover it instead of shipping a guess to the gateway.
func checkTables(sql string, known []schema.TableSchema) error {
	knownSet := make(map[string]struct{}, len(known))
	for _, ts := range known {
		knownSet[strings.ToLower(ts.Table)] = struct{}{}
	}
	for _, table := range referencedTables(sql) {
		if _, ok := knownSet[table]; !ok {
			return &NeedsSchemaError{Table: table}
		}
	}
	return nil
}

func referencedTables(sql string) []string {
	fields := strings.Fields(strings.ToLower(sql))
	tables := make([]string, 0, 2)
	for i, field := range fields {
		if field != "from" && field != "join" {
			continue
		}
		if i+1 >= len(fields) {
			continue
		}
		next := strings.Trim(fields[i+1], "(),;\"`")
		// Skip subqueries and extraction functions like extract(... from ...).
		if next == "" || next == "select" || isSQLKeyword(next) {
			continue
		}
		if idx := strings.LastIndex(next, "."); idx >= 0 {
			next = next[idx+1:]
		}
		tables = append(tables, next)
	}
	return tables
}

func isSQLKeyword(value string) bool {
	switch value {
	case "select", "where", "group", "order", "limit", "having", "lateral", "unnest":
		return true
	}
	return false
}

func buildMessages(req Request) []llm.Message {
	system := "You translate analytics questions into a single read-only SQL query " +
		"(SELECT or WITH) for the database described below. Respond with a JSON object, nothing else:\n" +
		`{"sql": "<query>"} when you can answer from the known schema,` + "\n" +
		`{"need_table": "<table_name>"} when you need the columns of a listed table you have no schema for,` + "\n" +
		`{"unsupported": "<reason>"} when the request requires writes, DDL, or anything non-SELECT.` + "\n" +
		"Use only tables and columns present in the known schema. Never invent column names."

	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\nDescription: %s\n", req.Profile.Key, req.Profile.Description)

	b.WriteString("\nAvailable tables:\n")
	if len(req.DiscoveredTables) > 0 {
		for _, table := range req.DiscoveredTables {
			if description, ok := req.Profile.Tables[table]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", table, description)
			} else {
				fmt.Fprintf(&b, "- %s\n", table)
			}
		}
	} else {
		for table, description := range req.Profile.Tables {
			fmt.Fprintf(&b, "- %s: %s\n", table, description)
		}
	}

	b.WriteString("\nKnown schema:\n")
	if len(req.KnownSchema) == 0 {
		b.WriteString("(none discovered yet)\n")
	}
	for _, ts := range req.KnownSchema {
		fmt.Fprintf(&b, "- %s:", ts.Table)
		for _, column := range ts.Columns {
			fmt.Fprintf(&b, " %s %s,", column.Name, column.Type)
		}
		b.WriteString("\n")
	}

	if len(req.Profile.ExampleQueries) > 0 {
		b.WriteString("\nExample queries for this database:\n")
		for _, example := range req.Profile.ExampleQueries {
			fmt.Fprintf(&b, "- %s\n", example)
		}
	}

	if req.MaxRows > 0 {
		fmt.Fprintf(&b, "\nAdd LIMIT %d unless the question asks for an aggregate.\n", req.MaxRows)
	}

	if len(req.History) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, turn := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
			if turn.SQL != "" {
				fmt.Fprintf(&b, "  sql: %s\n", turn.SQL)
			}
		}
	}

	for i, attempt := range req.PriorAttempts {
		fmt.Fprintf(&b, "\nPrevious attempt %d failed.\nSQL: %s\nError: %s\nProduce a corrected query; do not repeat the failing statement.\n",
			i+1, attempt.SQL, attempt.Error)
	}

	fmt.Fprintf(&b, "\nQuestion:\n%s\n", strings.TrimSpace(req.Intent))

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
