package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kueri/kueri/internal/guard"
	"github.com/kueri/kueri/internal/llm"
)

// answerSampleRows caps how many rows are shown to the model when
// summarizing; the full row count is always reported.
const answerSampleRows = 50

// renderAnswer turns an execution result into prose. The language model
// writes the summary; if it fails, a plain deterministic rendering is
// returned instead so a successful query never turns into a failed turn.
func (m *Manager) renderAnswer(ctx context.Context, question, sql string, result guard.Result) string {
	if m.deps.Answerer != nil {
		answer, err := m.summarize(ctx, question, sql, result)
		if err == nil {
			return answer
		}
		m.deps.Logger.Warn("answer summarization failed, using fallback", "error", err)
	}
	return fallbackAnswer(sql, result)
}

func (m *Manager) summarize(ctx context.Context, question, sql string, result guard.Result) (string, error) {
	sample := result.Rows
	if len(sample) > answerSampleRows {
		sample = sample[:answerSampleRows]
	}
	rowsJSON, err := json.Marshal(sample)
	if err != nil {
		return "", fmt.Errorf("marshal result sample: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nSQL that was executed:\n%s\n\nColumns: %s\nRow count: %d\n",
		question, sql, strings.Join(result.Columns, ", "), len(result.Rows))
	if len(result.Rows) > answerSampleRows {
		fmt.Fprintf(&b, "Showing the first %d rows:\n", answerSampleRows)
	}
	fmt.Fprintf(&b, "Rows (JSON):\n%s\n", string(rowsJSON))
	if result.Truncated {
		b.WriteString("\nThe result set was truncated at the configured row cap; say so in the answer.\n")
	}

	messages := []llm.Message{
		{
			Role: llm.RoleSystem,
			Content: "You summarize SQL query results for a non-technical reader. " +
				"Answer the question directly from the rows given, mention the row count, " +
				"and do not invent values that are not in the data.",
		},
		{Role: llm.RoleUser, Content: b.String()},
	}

	answer, err := m.deps.Answerer.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("empty summary")
	}
	return answer, nil
}

func fallbackAnswer(sql string, result guard.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The query returned %d rows.", len(result.Rows))
	if result.Truncated {
		b.WriteString(" The result was truncated at the configured row cap, so more rows may exist.")
	}
	if len(result.Rows) > 0 && len(result.Columns) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(result.Columns, " | "))
		b.WriteString("\n")
		preview := result.Rows
		if len(preview) > 10 {
			preview = preview[:10]
		}
		for _, row := range preview {
			cells := make([]string, len(row))
			for i, cell := range row {
				cells[i] = fmt.Sprintf("%v", cell)
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteString("\n")
		}
		if len(result.Rows) > 10 {
			fmt.Fprintf(&b, "... and %d more rows\n", len(result.Rows)-10)
		}
	}
	fmt.Fprintf(&b, "\nSQL used:\n%s", sql)
	return strings.TrimSpace(b.String())
}
