package agent

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/internal/session"
	"github.com/gantrylabs/gantry/pkg/api"
)

// CreateSession handles POST /api/sessions. Creating a session whose
// explicit id already exists succeeds and returns the existing id, so the
// control plane can re-ensure its default session after a restart.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	cwd := req.Cwd
	if cwd != "" {
		full, ok := security.ValidatePath(cwd, s.cfg.WorkspaceRoot)
		if !ok {
			s.fail(w, http.StatusBadRequest, api.CodePathValidationFailed,
				fmt.Sprintf("cwd %q escapes the workspace", cwd))
			return
		}
		cwd = full
	}

	sess, err := s.sessions.Create(session.Spec{ID: req.ID, Cwd: cwd, Env: req.Env})
	if errors.Is(err, session.ErrExists) {
		sess, err = s.sessions.Get(req.ID)
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, api.CodeInternalError, err.Error())
		return
	}

	s.respond(w, http.StatusOK, api.CreateSessionResponse{
		Response:  api.OK(),
		SessionID: sess.ID,
	})
}

// ListSessions handles GET /api/sessions.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	live := s.sessions.List()
	infos := make([]api.SessionInfo, 0, len(live))
	for _, sess := range live {
		infos = append(infos, api.SessionInfo{
			ID:        sess.ID,
			Cwd:       sess.Cwd,
			Env:       sess.Env,
			CreatedAt: sess.CreatedAt,
		})
	}
	s.respond(w, http.StatusOK, api.ListSessionsResponse{
		Response: api.OK(),
		Sessions: infos,
	})
}

// DeleteSession handles DELETE /api/sessions/{id}. Background processes
// started under the session keep running.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Delete(id); err != nil {
		s.fail(w, http.StatusNotFound, api.CodeSessionNotFound, fmt.Sprintf("session %q not found", id))
		return
	}
	s.respond(w, http.StatusOK, api.OK())
}
