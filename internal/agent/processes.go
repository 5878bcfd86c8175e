package agent

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/internal/sse"
	"github.com/gantrylabs/gantry/internal/supervisor"
	"github.com/gantrylabs/gantry/pkg/api"
)

// StartProcess handles POST /api/processes/start.
func (s *Server) StartProcess(w http.ResponseWriter, r *http.Request) {
	var req api.StartProcessRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if req.Command == "" {
		s.fail(w, http.StatusBadRequest, "", "command is required")
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}

	info, err := s.procs.Start(supervisor.StartSpec{
		Command:   req.Command,
		SessionID: sess.ID,
		ProcessID: req.ProcessID,
		Cwd:       resolveCwd(sess, req.Cwd),
		Env:       buildEnv(os.Environ(), sess, req.Env),
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyExists) {
			s.fail(w, http.StatusConflict, api.CodeProcessAlreadyExists,
				fmt.Sprintf("process %q already exists", req.ProcessID))
			return
		}
		s.fail(w, http.StatusInternalServerError, api.CodeCommandNotFound, err.Error())
		return
	}

	s.respond(w, http.StatusOK, api.StartProcessResponse{
		Response:  api.OK(),
		ProcessID: info.ID,
		PID:       info.PID,
		Command:   info.Command,
	})
}

// ListProcesses handles GET /api/processes. An optional sessionId query
// parameter narrows the listing.
func (s *Server) ListProcesses(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, api.ListProcessesResponse{
		Response:  api.OK(),
		Processes: s.procs.List(r.URL.Query().Get("sessionId")),
	})
}

// GetProcess handles GET /api/process/{id}.
func (s *Server) GetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.procs.Get(id)
	if err != nil {
		s.failProcessNotFound(w, id)
		return
	}
	s.respond(w, http.StatusOK, api.ProcessResponse{
		Response:    api.OK(),
		ProcessInfo: info,
	})
}

// KillProcess handles DELETE /api/process/{id}. The record stays queryable
// after the process dies.
func (s *Server) KillProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.procs.Kill(r.Context(), id); err != nil {
		s.failProcessNotFound(w, id)
		return
	}
	s.respond(w, http.StatusOK, api.OK())
}

// ProcessLogs handles GET /api/process/{id}/logs, returning the retained
// buffer for each stream.
func (s *Server) ProcessLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stdout, stderr, stdoutTrunc, stderrTrunc, err := s.procs.Logs(id)
	if err != nil {
		s.failProcessNotFound(w, id)
		return
	}
	s.respond(w, http.StatusOK, api.ProcessLogsResponse{
		Response:        api.OK(),
		Stdout:          string(stdout),
		Stderr:          string(stderr),
		StdoutTruncated: stdoutTrunc,
		StderrTruncated: stderrTrunc,
	})
}

// StreamProcessLogs handles GET /api/process/{id}/logs/stream. Buffered
// history is replayed first, then live events until the process exits or the
// client goes away.
func (s *Server) StreamProcessLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.procs.Subscribe(id)
	if err != nil {
		s.failProcessNotFound(w, id)
		return
	}
	defer sub.Close()

	if _, ok := w.(http.Flusher); !ok {
		s.fail(w, http.StatusInternalServerError, api.CodeInternalError, "streaming unsupported by connection")
		return
	}

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	enc := sse.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) failProcessNotFound(w http.ResponseWriter, id string) {
	s.fail(w, http.StatusNotFound, api.CodeProcessNotFound, fmt.Sprintf("process %q not found", id))
}
