package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/guard"
	"github.com/kueri/kueri/internal/resolver"
	"github.com/kueri/kueri/internal/synth"
)

type state string

const (
	stateStart        state = "start"
	stateResolvingDB  state = "resolving_db"
	stateExploring    state = "exploring_schema"
	stateSynthesizing state = "synthesizing"
	stateExecuting    state = "executing"
	stateAnswering    state = "answering"
)

// runTurn executes the turn state machine. It always returns a terminal
// result; every failure path carries a user-facing explanation. The
// second return value is the number of SQL attempts dispatched.
func (m *Manager) runTurn(ctx context.Context, sess *session, req TurnRequest) (TurnResult, int) {
	utterance := req.Utterance
	// Snapshot before this turn's user entry; retries within the turn
	// travel through priorAttempts, not the conversation record.
	tail := historyTail(sess.history[:len(sess.history)-1])
	var (
		dbKey         string
		sqlCandidate  string
		pendingTable  string
		discovered    []string
		priorAttempts []synth.Attempt
		attempts      int
		rounds        int
		execResult    guard.Result
	)

	current := stateStart
	for {
		if ctx.Err() != nil {
			return m.failTurn(sess, dbKey, attempts,
				"I ran out of time answering that question. Please try again, perhaps with a narrower request."), attempts
		}
		m.deps.Logger.Debug("turn state", "session_id", sess.id, "state", string(current))

		switch current {
		case stateStart:
			current = stateResolvingDB

		case stateResolvingDB:
			if req.DBKey != "" {
				if _, ok := m.deps.Profiles.Profile(req.DBKey); !ok {
					return m.failTurn(sess, "", attempts,
						fmt.Sprintf("Database %q is not configured.", req.DBKey)), attempts
				}
				dbKey = req.DBKey
				current = stateExploring
				continue
			}
			key, err := m.deps.Resolver.Resolve(utterance, sess.lastDBKey)
			if err != nil {
				var ambiguous *resolver.AmbiguousError
				if errors.As(err, &ambiguous) {
					return m.clarifyTurn(sess, m.describeCandidates(ambiguous.Candidates)), attempts
				}
				if errors.Is(err, resolver.ErrNoMatch) {
					return m.clarifyTurn(sess, m.describeNoMatch()), attempts
				}
				return m.failTurn(sess, dbKey, attempts, fmt.Sprintf("I could not pick a database for that question: %v.", err)), attempts
			}
			dbKey = key
			current = stateExploring

		case stateExploring:
			rounds++
			if rounds > m.cfg.MaxSchemaRounds {
				return m.failTurn(sess, dbKey, attempts,
					"I could not settle on the schema needed for that question after several discovery rounds. Try naming the table you have in mind."), attempts
			}
			if pendingTable == "" {
				tables, err := sess.explorer.Tables(ctx, dbKey)
				if err != nil {
					return m.discoveryFailure(sess, dbKey, attempts, err), attempts
				}
				discovered = tables
			} else {
				table := pendingTable
				pendingTable = ""
				if _, err := sess.explorer.Schema(ctx, dbKey, table); err != nil {
					if code, ok := gateway.ToolErrorCode(err); ok && code == gateway.CodeUnknownTable {
						// Tell the model the table does not exist and let it retry.
						priorAttempts = append(priorAttempts, synth.Attempt{
							Error: fmt.Sprintf("table %q does not exist in %s", table, dbKey),
						})
						sess.history = append(sess.history, Turn{Role: RoleTool, Content: err.Error()})
						current = stateSynthesizing
						continue
					}
					return m.discoveryFailure(sess, dbKey, attempts, err), attempts
				}
			}
			current = stateSynthesizing

		case stateSynthesizing:
			prof, ok := m.deps.Profiles.Profile(dbKey)
			if !ok {
				return m.failTurn(sess, dbKey, attempts, fmt.Sprintf("Database %q is not configured.", dbKey)), attempts
			}
			sql, err := m.deps.Synthesizer.Synthesize(ctx, synth.Request{
				Intent:           utterance,
				Profile:          prof,
				DiscoveredTables: discovered,
				KnownSchema:      sess.explorer.Known(dbKey),
				History:          tail,
				PriorAttempts:    priorAttempts,
				MaxRows:          m.cfg.MaxRows,
			})
			if err != nil {
				var needs *synth.NeedsSchemaError
				if errors.As(err, &needs) {
					pendingTable = needs.Table
					current = stateExploring
					continue
				}
				var unsupported *synth.UnsupportedOperationError
				if errors.As(err, &unsupported) {
					return m.failTurn(sess, dbKey, attempts,
						fmt.Sprintf("I can only run read-only queries: %s.", unsupported.Reason)), attempts
				}
				return m.failTurn(sess, dbKey, attempts,
					fmt.Sprintf("I could not generate a query for that question: %v.", err)), attempts
			}
			sqlCandidate = sql
			current = stateExecuting

		case stateExecuting:
			attempts++
			result, err := m.deps.Guard.Execute(ctx, dbKey, sqlCandidate)
			if err != nil {
				var rejected *guard.RejectedQueryError
				if errors.As(err, &rejected) {
					return m.failTurn(sess, dbKey, attempts,
						fmt.Sprintf("The generated query was blocked before execution: %s.", rejected.Reason)), attempts
				}
				var execErr *guard.ExecutionError
				if errors.As(err, &execErr) && execErr.Retryable() {
					sess.history = append(sess.history, Turn{Role: RoleTool, Content: execErr.Message, SQL: sqlCandidate})
					priorAttempts = append(priorAttempts, synth.Attempt{SQL: sqlCandidate, Error: execErr.Message})
					if attempts >= m.cfg.MaxAttempts {
						return m.failTurn(sess, dbKey, attempts,
							fmt.Sprintf("I tried %d queries but none succeeded. Last error: %s.", attempts, execErr.Message)), attempts
					}
					current = stateSynthesizing
					continue
				}
				return m.failTurn(sess, dbKey, attempts,
					fmt.Sprintf("The database gateway is unreachable right now: %v. Please try again later.", err)), attempts
			}
			execResult = result
			sess.history = append(sess.history, Turn{
				Role:    RoleTool,
				Content: fmt.Sprintf("query returned %d rows", len(result.Rows)),
				SQL:     sqlCandidate,
			})
			current = stateAnswering

		case stateAnswering:
			answer := m.renderAnswer(ctx, utterance, sqlCandidate, execResult)
			return TurnResult{
				Answer:    answer,
				SQLUsed:   sqlCandidate,
				DBKeyUsed: dbKey,
				Status:    StatusSuccess,
			}, attempts
		}
	}
}

// historyTailTurns bounds how much of the conversation record travels
// into the synthesis prompt.
const historyTailTurns = 8

func historyTail(history []Turn) []synth.HistoryTurn {
	if len(history) > historyTailTurns {
		history = history[len(history)-historyTailTurns:]
	}
	tail := make([]synth.HistoryTurn, 0, len(history))
	for _, turn := range history {
		tail = append(tail, synth.HistoryTurn{
			Role:    string(turn.Role),
			Content: turn.Content,
			SQL:     turn.SQL,
		})
	}
	return tail
}

func (m *Manager) discoveryFailure(sess *session, dbKey string, attempts int, err error) TurnResult {
	if errors.Is(err, gateway.ErrUnavailable) {
		return m.failTurn(sess, dbKey, attempts,
			fmt.Sprintf("The database gateway is unreachable right now: %v. Please try again later.", err))
	}
	return m.failTurn(sess, dbKey, attempts, fmt.Sprintf("Schema discovery failed: %v.", err))
}

// clarifyTurn ends the turn with a question back to the user. The
// session stays open; resolution failures are not hard errors.
func (m *Manager) clarifyTurn(sess *session, message string) TurnResult {
	return TurnResult{Answer: message, Status: StatusClarify}
}

func (m *Manager) failTurn(sess *session, dbKey string, attempts int, message string) TurnResult {
	return TurnResult{Answer: message, DBKeyUsed: dbKey, Status: StatusFailed}
}

func (m *Manager) describeCandidates(candidates []string) string {
	var b strings.Builder
	b.WriteString("Your question could apply to more than one database. Which one did you mean?\n")
	for _, key := range candidates {
		if prof, ok := m.deps.Profiles.Profile(key); ok {
			fmt.Fprintf(&b, "- %s: %s\n", key, prof.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", key)
		}
	}
	return strings.TrimSpace(b.String())
}

func (m *Manager) describeNoMatch() string {
	var b strings.Builder
	b.WriteString("I could not match your question to any configured database. Available databases:\n")
	for _, key := range m.deps.Profiles.Keys() {
		if prof, ok := m.deps.Profiles.Profile(key); ok {
			fmt.Fprintf(&b, "- %s: %s\n", key, prof.Description)
		}
	}
	return strings.TrimSpace(b.String())
}
