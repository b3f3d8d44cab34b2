// Package agent drives the reasoning loop: resolve a database, discover
// schema, synthesize SQL, execute it through the guard, and render an
// answer. One Manager serves many concurrent sessions; within a session
// turns run strictly one at a time.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/guard"
	"github.com/kueri/kueri/internal/llm"
	"github.com/kueri/kueri/internal/observability"
	"github.com/kueri/kueri/internal/profile"
	"github.com/kueri/kueri/internal/resolver"
	"github.com/kueri/kueri/internal/schema"
	"github.com/kueri/kueri/internal/synth"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a session's conversation record.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	SQL     string `json:"sql,omitempty"`
}

type TurnStatus string

const (
	StatusSuccess TurnStatus = "success"
	StatusClarify TurnStatus = "clarify"
	StatusFailed  TurnStatus = "failed"
)

// TurnRequest carries one user utterance. DBKey, when set, pins the
// turn to that database and skips resolution; the original interface
// let users pre-select a database the same way.
type TurnRequest struct {
	Utterance string
	DBKey     string
}

type TurnResult struct {
	Answer    string     `json:"answer"`
	SQLUsed   string     `json:"sql_used,omitempty"`
	DBKeyUsed string     `json:"db_key_used,omitempty"`
	Status    TurnStatus `json:"status"`
}

type session struct {
	id        string
	mu        sync.Mutex
	history   []Turn
	explorer  *schema.Explorer
	lastDBKey string
	createdAt time.Time
}

type Config struct {
	MaxAttempts     int
	MaxSchemaRounds int
	TurnTimeout     time.Duration
	MaxRows         int
}

type Dependencies struct {
	Profiles    *profile.Store
	Resolver    *resolver.Resolver
	Gateway     gateway.Gateway
	Synthesizer *synth.Synthesizer
	Guard       *guard.Guard
	Answerer    llm.Client
	Logger      *slog.Logger
}

type Manager struct {
	cfg  Config
	deps Dependencies

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(cfg Config, deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*session),
	}
}

// StartSession allocates a fresh session and returns its id.
func (m *Manager) StartSession() string {
	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = m.newSession(id)
	m.mu.Unlock()
	return id
}

// EndSession discards a session's conversation record and schema cache.
func (m *Manager) EndSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// History returns a copy of the session's conversation record.
func (m *Manager) History(sessionID string) ([]Turn, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	history := make([]Turn, len(sess.history))
	copy(history, sess.history)
	return history, true
}

func (m *Manager) newSession(id string) *session {
	return &session{
		id:        id,
		explorer:  schema.NewExplorer(m.deps.Gateway),
		createdAt: time.Now(),
	}
}

// SubmitTurn runs one full reasoning cycle for an utterance. Unknown
// session ids start a new session under that id, so callers may mint
// their own identifiers. Turns within a session are serialized.
func (m *Manager) SubmitTurn(ctx context.Context, sessionID string, req TurnRequest) (TurnResult, error) {
	if sessionID == "" {
		return TurnResult{}, fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = m.newSession(sessionID)
		m.sessions[sessionID] = sess
	}
	m.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if m.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TurnTimeout)
		defer cancel()
	}

	started := time.Now()
	sess.history = append(sess.history, Turn{Role: RoleUser, Content: req.Utterance})

	result, attempts := m.runTurn(ctx, sess, req)

	sess.history = append(sess.history, Turn{
		Role:    RoleAssistant,
		Content: result.Answer,
		SQL:     result.SQLUsed,
	})
	if result.Status == StatusSuccess && result.DBKeyUsed != "" {
		sess.lastDBKey = result.DBKeyUsed
	}

	observability.ObserveTurn(string(result.Status), attempts, time.Since(started))
	m.deps.Logger.Info("turn completed",
		"session_id", sess.id,
		"status", string(result.Status),
		"db_key", result.DBKeyUsed,
		"attempts", attempts,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}
