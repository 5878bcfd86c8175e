package agent

import (
	"errors"
	"net/http"
	"path"

	"github.com/gantrylabs/gantry/internal/gitops"
	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/pkg/api"
)

// GitCheckout handles POST /api/git/checkout. Clones land under the
// workspace root; the target directory defaults to the repository name.
func (s *Server) GitCheckout(w http.ResponseWriter, r *http.Request) {
	var req api.GitCheckoutRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if req.RepoURL == "" {
		s.fail(w, http.StatusBadRequest, api.CodeInvalidGitURL, "repoUrl is required")
		return
	}
	if err := security.ValidateGitURL(req.RepoURL, s.cfg.GitAllowedHosts); err != nil {
		s.fail(w, http.StatusBadRequest, api.CodeInvalidGitURL, err.Error())
		return
	}
	sess, ok := s.resolveSession(w, req.SessionID)
	if !ok {
		return
	}

	targetDir := req.TargetDir
	if targetDir == "" {
		targetDir = path.Join(s.cfg.WorkspaceRoot, gitops.RepoName(req.RepoURL))
	}
	target, ok := s.validPath(w, sess, targetDir)
	if !ok {
		return
	}

	result, err := s.git.Clone(r.Context(), gitops.CloneSpec{
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		Depth:     req.Depth,
		TargetDir: target,
	})
	if err != nil {
		var gitErr *gitops.Error
		if errors.As(err, &gitErr) {
			msg := gitErr.Error()
			if gitErr.Stderr != "" {
				msg = gitErr.Stderr
			}
			s.fail(w, gitStatus(gitErr.Code), gitErr.Code, msg)
			return
		}
		s.fail(w, http.StatusInternalServerError, api.CodeGitOperationFailed, err.Error())
		return
	}

	s.respond(w, http.StatusOK, api.GitCheckoutResponse{
		Response:  api.OK(),
		Output:    result.Output,
		ExitCode:  result.ExitCode,
		TargetDir: result.TargetDir,
	})
}

// gitStatus picks the HTTP status for a classified git failure.
func gitStatus(code api.ErrorCode) int {
	switch code {
	case api.CodeGitAuthenticationFailed:
		return http.StatusUnauthorized
	case api.CodeGitRepositoryNotFound, api.CodeGitBranchNotFound:
		return http.StatusNotFound
	case api.CodeGitCheckoutFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
