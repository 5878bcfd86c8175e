package agent

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gantrylabs/gantry/internal/session"
	"github.com/gantrylabs/gantry/pkg/api"
)

// WriteFile handles POST /api/files/write. Parent directories are created
// as needed.
func (s *Server) WriteFile(w http.ResponseWriter, r *http.Request) {
	var req api.WriteFileRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}
	full, ok := s.validPath(w, sess, req.Path)
	if !ok {
		return
	}

	data, err := decodeContent(req.Content, req.Encoding)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		s.failFS(w, req.Path, err)
		return
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		s.failFS(w, req.Path, err)
		return
	}

	s.respond(w, http.StatusOK, api.WriteFileResponse{
		Response:     api.OK(),
		Path:         full,
		BytesWritten: len(data),
	})
}

// ReadFile handles POST /api/files/read.
func (s *Server) ReadFile(w http.ResponseWriter, r *http.Request) {
	var req api.ReadFileRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}
	full, ok := s.validPath(w, sess, req.Path)
	if !ok {
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		s.failFS(w, req.Path, err)
		return
	}
	content, err := encodeContent(data, req.Encoding)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	s.respond(w, http.StatusOK, api.ReadFileResponse{
		Response: api.OK(),
		Path:     full,
		Content:  content,
		Size:     int64(len(data)),
	})
}

// DeleteFile handles POST /api/files/delete. Directories must be empty.
func (s *Server) DeleteFile(w http.ResponseWriter, r *http.Request) {
	var req api.DeleteFileRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}
	full, ok := s.validPath(w, sess, req.Path)
	if !ok {
		return
	}

	if err := os.Remove(full); err != nil {
		s.failFS(w, req.Path, err)
		return
	}
	s.respond(w, http.StatusOK, api.FileActionResponse{Response: api.OK(), Path: full})
}

// Mkdir handles POST /api/files/mkdir.
func (s *Server) Mkdir(w http.ResponseWriter, r *http.Request) {
	var req api.MkdirRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}
	full, ok := s.validPath(w, sess, req.Path)
	if !ok {
		return
	}

	var err error
	if req.Recursive {
		err = os.MkdirAll(full, 0o755)
	} else {
		err = os.Mkdir(full, 0o755)
	}
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.fail(w, http.StatusConflict, "", fmt.Sprintf("%s already exists", req.Path))
			return
		}
		s.failFS(w, req.Path, err)
		return
	}
	s.respond(w, http.StatusOK, api.FileActionResponse{Response: api.OK(), Path: full})
}

// RenameFile handles POST /api/files/rename.
func (s *Server) RenameFile(w http.ResponseWriter, r *http.Request) {
	var req api.RenameFileRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}
	oldFull, ok := s.validPath(w, sess, req.OldPath)
	if !ok {
		return
	}
	newFull, ok := s.validPath(w, sess, req.NewPath)
	if !ok {
		return
	}

	if err := os.Rename(oldFull, newFull); err != nil {
		s.failFS(w, req.OldPath, err)
		return
	}
	s.respond(w, http.StatusOK, api.FileActionResponse{Response: api.OK(), Path: newFull})
}

// MoveFile handles POST /api/files/move. The destination's parent directory
// is created as needed.
func (s *Server) MoveFile(w http.ResponseWriter, r *http.Request) {
	var req api.MoveFileRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}
	srcFull, ok := s.validPath(w, sess, req.SourcePath)
	if !ok {
		return
	}
	dstFull, ok := s.validPath(w, sess, req.DestinationPath)
	if !ok {
		return
	}

	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		s.failFS(w, req.DestinationPath, err)
		return
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		s.failFS(w, req.SourcePath, err)
		return
	}
	s.respond(w, http.StatusOK, api.FileActionResponse{Response: api.OK(), Path: dstFull})
}

// validPath resolves and validates a request path, answering the error
// response itself on failure.
func (s *Server) validPath(w http.ResponseWriter, sess *session.Session, p string) (string, bool) {
	full, ok := s.resolvePath(sess, p)
	if !ok {
		s.fail(w, http.StatusBadRequest, api.CodePathValidationFailed,
			fmt.Sprintf("path %q escapes the workspace", p))
		return "", false
	}
	return full, true
}

func (s *Server) failFS(w http.ResponseWriter, p string, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.fail(w, http.StatusNotFound, api.CodeFileNotFound, fmt.Sprintf("%s: no such file or directory", p))
	case errors.Is(err, fs.ErrPermission):
		s.fail(w, http.StatusForbidden, api.CodePermissionDenied, fmt.Sprintf("%s: permission denied", p))
	default:
		s.fail(w, http.StatusInternalServerError, api.CodeInternalError, err.Error())
	}
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf-8", "utf8":
		return []byte(content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func encodeContent(data []byte, encoding string) (string, error) {
	switch encoding {
	case "", "utf-8", "utf8":
		return string(data), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(data), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", encoding)
	}
}
