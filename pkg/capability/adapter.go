// Package capability implements the Adapter (§4.6) — a thin HTTP client
// bound to one runtime container — and the Capability Router (§4.5) that
// selects which container answers a given capability call.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/bay/pkg/bayerr"
)

// transportBuffer is added to a caller's declared timeout to distinguish a
// logical (runtime-reported) timeout from a transport-level one (§4.6, §5).
const transportBuffer = 5 * time.Second
const batchTransportBuffer = 10 * time.Second

// Meta is the decoded /meta response, cached for a container's lifetime.
type Meta struct {
	Runtime struct {
		Name       string `json:"name"`
		Version    string `json:"version"`
		APIVersion string `json:"api_version"`
	} `json:"runtime"`
	Workspace struct {
		MountPath string `json:"mount_path"`
	} `json:"workspace"`
	Capabilities map[string]map[string]any `json:"capabilities"`
}

// Adapter is a typed HTTP client to a single runtime container.
type Adapter struct {
	endpoint string
	client   *http.Client

	metaOnce sync.Once
	meta     *Meta
	metaErr  error
}

// NewAdapter constructs an Adapter bound to a container's base endpoint
// (e.g. "http://10.0.0.4:8000").
func NewAdapter(endpoint string) *Adapter {
	return &Adapter{endpoint: endpoint, client: &http.Client{}}
}

// GetMeta returns the runtime's /meta response, fetching and caching it on
// first call.
func (a *Adapter) GetMeta(ctx context.Context) (*Meta, error) {
	a.metaOnce.Do(func() {
		var m Meta
		a.metaErr = a.doJSON(ctx, http.MethodGet, "/meta", nil, transportBuffer, &m)
		if a.metaErr == nil {
			a.meta = &m
		}
	})
	return a.meta, a.metaErr
}

// Health performs a cheap GET /health, used by the router's recovery path.
func (a *Adapter) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ExecResult is the common response envelope for exec-style capabilities.
type ExecResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
}

// ExecPython calls the code runtime's /ipython/exec endpoint.
func (a *Adapter) ExecPython(ctx context.Context, code string, timeout time.Duration) (*ExecResult, error) {
	var out ExecResult
	body := map[string]any{"code": code}
	if err := a.doJSON(ctx, http.MethodPost, "/ipython/exec", body, timeout+transportBuffer, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecShell calls the code runtime's /shell/exec endpoint.
func (a *Adapter) ExecShell(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	var out ExecResult
	body := map[string]any{"command": command, "cwd": cwd}
	if err := a.doJSON(ctx, http.MethodPost, "/shell/exec", body, timeout+transportBuffer, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecBrowser calls the browser runtime's /exec passthrough endpoint.
func (a *Adapter) ExecBrowser(ctx context.Context, cmd string, timeout time.Duration) (*ExecResult, error) {
	var out ExecResult
	body := map[string]any{"cmd": cmd}
	if err := a.doJSON(ctx, http.MethodPost, "/exec", body, timeout+transportBuffer, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecBrowserBatch calls the browser runtime's /exec_batch endpoint.
func (a *Adapter) ExecBrowserBatch(ctx context.Context, commands []string, timeout time.Duration, stopOnError bool) (*ExecResult, error) {
	var out ExecResult
	body := map[string]any{"commands": commands, "stop_on_error": stopOnError}
	if err := a.doJSON(ctx, http.MethodPost, "/exec_batch", body, timeout+batchTransportBuffer, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadFile reads a text file via GET /fs/files?path=….
func (a *Adapter) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/fs/files?path="+path, nil, transportBuffer, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// WriteFile writes a text file via PUT /fs/files?path=….
func (a *Adapter) WriteFile(ctx context.Context, path, content string) error {
	body := map[string]any{"content": content}
	return a.doJSON(ctx, http.MethodPut, "/fs/files?path="+path, body, transportBuffer, nil)
}

// DeleteFile deletes a file via DELETE /fs/files?path=….
func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	return a.doJSON(ctx, http.MethodDelete, "/fs/files?path="+path, nil, transportBuffer, nil)
}

// ListDirectory lists a directory via GET /fs/directories?path=….
func (a *Adapter) ListDirectory(ctx context.Context, path string) ([]string, error) {
	var out struct {
		Entries []string `json:"entries"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/fs/directories?path="+path, nil, transportBuffer, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Upload streams a file to the runtime's multipart upload endpoint.
func (a *Adapter) Upload(ctx context.Context, targetPath string, filename string, content io.Reader) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("path", targetPath); err != nil {
		return bayerr.Internal("failed to build upload form").Wrap(err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return bayerr.Internal("failed to build upload form").Wrap(err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return bayerr.Internal("failed to stream upload body").Wrap(err)
	}
	if err := w.Close(); err != nil {
		return bayerr.Internal("failed to finalize upload form").Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/upload", &buf)
	if err != nil {
		return bayerr.Internal("failed to build upload request").Wrap(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// Download streams a file from the runtime's download endpoint.
func (a *Adapter) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/download?path="+path, nil)
	if err != nil {
		return nil, bayerr.Internal("failed to build download request").Wrap(err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if err := classifyStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return bayerr.Internal("failed to encode request body").Wrap(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, reader)
	if err != nil {
		return bayerr.Internal("failed to build request").Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return bayerr.ShipError("invalid response body from runtime").Wrap(err)
	}
	return nil
}

func classifyTransportError(err error) error {
	if isDeadlineExceeded(err) {
		return bayerr.Timeout("runtime call exceeded its deadline").Wrap(err)
	}
	return bayerr.ShipError("failed to reach runtime container").Wrap(err)
}

func isDeadlineExceeded(err error) bool {
	return err == context.DeadlineExceeded || (func() bool {
		type deadlineErr interface{ Timeout() bool }
		de, ok := err.(deadlineErr)
		return ok && de.Timeout()
	})()
}

func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return bayerr.FileNotFound("path not found in runtime workspace")
	}

	var upstream struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&upstream)
	msg := upstream.Error
	if msg == "" {
		msg = fmt.Sprintf("runtime returned HTTP %d", resp.StatusCode)
	}
	return bayerr.ShipError("runtime request failed").WithDetail("upstream_message", msg).WithDetail("status_code", resp.StatusCode)
}
