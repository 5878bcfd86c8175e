package agent

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gantrylabs/gantry/internal/sse"
	"github.com/gantrylabs/gantry/internal/supervisor"
	"github.com/gantrylabs/gantry/pkg/api"
)

// Execute handles POST /api/execute. The command always answers 200 once it
// has run; Success reflects the exit code, not the transport.
func (s *Server) Execute(w http.ResponseWriter, r *http.Request) {
	var req api.ExecRequest
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

	result, err := s.procs.Run(r.Context(), supervisor.RunSpec{
		Command: req.Command,
		Cwd:     resolveCwd(sess, req.Cwd),
		Env:     buildEnv(os.Environ(), sess, req.Env),
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.fail(w, http.StatusInternalServerError, api.CodeCommandNotFound, err.Error())
		return
	}

	resp := api.ExecResult{
		Response: api.OK(),
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Command:  req.Command,
	}
	if result.TimedOut {
		resp.Success = false
		resp.Error = fmt.Sprintf("command timed out after %dms", req.TimeoutMs)
	} else if result.ExitCode != 0 {
		resp.Success = false
		resp.Error = fmt.Sprintf("command exited with code %d", result.ExitCode)
	}
	s.respond(w, http.StatusOK, resp)
}

// ExecuteStream handles POST /api/execute/stream, emitting the execution's
// event sequence over SSE: start, output chunks, then complete or error.
func (s *Server) ExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req api.ExecRequest
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
	if _, ok := w.(http.Flusher); !ok {
		s.fail(w, http.StatusInternalServerError, api.CodeInternalError, "streaming unsupported by connection")
		return
	}

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	enc := sse.NewEncoder(w)

	err := s.procs.RunStream(r.Context(), supervisor.RunSpec{
		Command: req.Command,
		Cwd:     resolveCwd(sess, req.Cwd),
		Env:     buildEnv(os.Environ(), sess, req.Env),
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	}, func(ev api.ExecEvent) error {
		return enc.Encode(ev)
	})
	if err != nil {
		// Headers are gone; all we can do is log.
		s.log.Warn("execute stream aborted", "error", err, "sessionId", sess.ID)
	}
}
