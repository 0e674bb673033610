package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/capability"
)

type execResponse struct {
	Success         bool           `json:"success"`
	Output          string         `json:"output"`
	Error           string         `json:"error,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	ExecutionID     string         `json:"execution_id"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// gateCapabilityCtx implements the §4.9 capability gate: check the
// sandbox's profile statically declares the target capability before ever
// touching the router, to avoid cold-starting a container the profile
// forbids.
func (s *Server) gateCapabilityCtx(r *http.Request, owner, sandboxID, cap string) error {
	return s.gateCapability(r.Context(), owner, sandboxID, cap)
}

func (s *Server) gateCapability(ctx context.Context, owner, sandboxID, cap string) error {
	sb, err := s.sandboxMgr.Get(ctx, sandboxID, owner)
	if err != nil {
		return err
	}
	prof, ok := s.profiles.Get(sb.ProfileID)
	if !ok {
		return bayerr.Internal("sandbox references unknown profile: " + sb.ProfileID)
	}
	if !capability.CapabilityDeclared(prof, cap) {
		return bayerr.CapabilityNotSupported("profile does not declare capability: " + cap)
	}
	return nil
}

func toExecResponse(res *capability.Result) execResponse {
	out := execResponse{ExecutionID: res.ExecutionID, ExecutionTimeMS: res.DurationMS}
	if res.ExecResult != nil {
		out.Success = res.ExecResult.Success
		out.Output = res.ExecResult.Output
		out.Error = res.ExecResult.Error
		out.Data = res.ExecResult.Data
		out.ExitCode = res.ExecResult.ExitCode
	}
	return out
}

type pythonExecRequest struct {
	Code        string   `json:"code"`
	Timeout     int      `json:"timeout"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (s *Server) handlePythonExec(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "python"); err != nil {
		writeError(w, r, err)
		return
	}

	var req pythonExecRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.router.Invoke(r.Context(), id, owner, "python", func(a *capability.Adapter) (*capability.ExecResult, error) {
		return a.ExecPython(r.Context(), req.Code, time.Duration(req.Timeout)*time.Second)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecResponse(res))
}

type shellExecRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout int    `json:"timeout"`
}

func (s *Server) handleShellExec(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "shell"); err != nil {
		writeError(w, r, err)
		return
	}

	var req shellExecRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.router.Invoke(r.Context(), id, owner, "shell", func(a *capability.Adapter) (*capability.ExecResult, error) {
		return a.ExecShell(r.Context(), req.Command, req.Cwd, time.Duration(req.Timeout)*time.Second)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecResponse(res))
}

type browserExecRequest struct {
	Cmd     string `json:"cmd"`
	Timeout int    `json:"timeout"`
}

func (s *Server) handleBrowserExec(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "browser"); err != nil {
		writeError(w, r, err)
		return
	}

	var req browserExecRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.router.Invoke(r.Context(), id, owner, "browser", func(a *capability.Adapter) (*capability.ExecResult, error) {
		return a.ExecBrowser(r.Context(), req.Cmd, time.Duration(req.Timeout)*time.Second)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecResponse(res))
}

type browserExecBatchRequest struct {
	Commands    []string `json:"commands"`
	Timeout     int      `json:"timeout"`
	StopOnError bool     `json:"stop_on_error"`
}

func (s *Server) handleBrowserExecBatch(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "browser"); err != nil {
		writeError(w, r, err)
		return
	}

	var req browserExecBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.router.Invoke(r.Context(), id, owner, "browser", func(a *capability.Adapter) (*capability.ExecResult, error) {
		return a.ExecBrowserBatch(r.Context(), req.Commands, time.Duration(req.Timeout)*time.Second, req.StopOnError)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecResponse(res))
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "filesystem"); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := normalizeWorkspacePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var content string
	res, err := s.router.Invoke(r.Context(), id, owner, "filesystem", func(a *capability.Adapter) (*capability.ExecResult, error) {
		c, err := a.ReadFile(r.Context(), p)
		content = c
		return nil, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content, "execution_id": res.ExecutionID})
}

type writeFileRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "filesystem"); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := normalizeWorkspacePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req writeFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := s.router.Invoke(r.Context(), id, owner, "filesystem", func(a *capability.Adapter) (*capability.ExecResult, error) {
		return nil, a.WriteFile(r.Context(), p, req.Content)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "filesystem"); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := normalizeWorkspacePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := s.router.Invoke(r.Context(), id, owner, "filesystem", func(a *capability.Adapter) (*capability.ExecResult, error) {
		return nil, a.DeleteFile(r.Context(), p)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "filesystem"); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := normalizeWorkspacePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var entries []string
	if _, err := s.router.Invoke(r.Context(), id, owner, "filesystem", func(a *capability.Adapter) (*capability.ExecResult, error) {
		es, err := a.ListDirectory(r.Context(), p)
		entries = es
		return nil, err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "filesystem"); err != nil {
		writeError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, bayerr.Validation("invalid multipart upload").Wrap(err))
		return
	}
	targetPath, err := normalizeWorkspacePath(r.FormValue("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, bayerr.Validation("missing file field").Wrap(err))
		return
	}
	defer file.Close()

	if _, err := s.router.Invoke(r.Context(), id, owner, "filesystem", func(a *capability.Adapter) (*capability.ExecResult, error) {
		return nil, a.Upload(r.Context(), targetPath, header.Filename, file)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.gateCapabilityCtx(r, owner, id, "filesystem"); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := normalizeWorkspacePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body io.ReadCloser
	if _, err := s.router.Invoke(r.Context(), id, owner, "filesystem", func(a *capability.Adapter) (*capability.ExecResult, error) {
		rc, err := a.Download(r.Context(), p)
		body = rc
		return nil, err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+strconv.Quote(p)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
