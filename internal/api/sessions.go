package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kueri/kueri/internal/agent"
)

type submitTurnRequest struct {
	Utterance string `json:"utterance"`
	DBKey     string `json:"db_key,omitempty"`
}

type submitTurnResponse struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
	SQLUsed   string `json:"sql_used,omitempty"`
	DBKeyUsed string `json:"db_key_used,omitempty"`
	Status    string `json:"status"`
}

func handleStartSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}
	sessionID := deps.Sessions.StartSession()
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sessionID})
}

func handleEndSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}
	deps.Sessions.EndSession(r.PathValue("session"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ended"})
}

func handleSubmitTurn(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}

	sessionID := r.PathValue("session")
	if strings.TrimSpace(sessionID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session id is required", false, nil)
		return
	}

	var request submitTurnRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid turn request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Utterance) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "UTTERANCE_REQUIRED", "utterance is required", false, nil)
		return
	}

	result, err := deps.Sessions.SubmitTurn(r.Context(), sessionID, agent.TurnRequest{
		Utterance: request.Utterance,
		DBKey:     strings.TrimSpace(request.DBKey),
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "TURN_FAILED", "turn processing failed", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, submitTurnResponse{
		SessionID: sessionID,
		Answer:    result.Answer,
		SQLUsed:   result.SQLUsed,
		DBKeyUsed: result.DBKeyUsed,
		Status:    string(result.Status),
	})
}

func handleSessionHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}

	sessionID := r.PathValue("session")
	history, ok := deps.Sessions.History(sessionID)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session was not found", false, map[string]any{"session_id": sessionID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "turns": history})
}
