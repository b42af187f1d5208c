package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"sessionhub/internal/hub"
	"sessionhub/internal/registry"
	"sessionhub/internal/session"
)

type createSessionRequest struct {
	ProjectPath    string `json:"projectPath"`
	Model          string `json:"model"`
	Name           string `json:"name"`
	ApprovalPolicy string `json:"approvalPolicy"`
	SandboxMode    string `json:"sandboxMode"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}

	id, err := s.hub.CreateSession(r.Context(), hub.CreateRequest{
		ProjectPath:    req.ProjectPath,
		Model:          req.Model,
		Name:           req.Name,
		ApprovalPolicy: session.ApprovalPolicy(req.ApprovalPolicy),
		SandboxMode:    req.SandboxMode,
	})
	if err != nil {
		if errors.Is(err, hub.ErrMaxSessions) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.hub.Snapshot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.hub.Send(id, session.UserSentMessage{Text: req.Text}); err != nil {
		writeError(w, restStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.hub.Send(id, session.UserEnded{Reason: "ended via api"}); err != nil {
		writeError(w, restStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ending"})
}

func restStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrSessionEnded):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
