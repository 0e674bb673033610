// Package cliclient implements a thin HTTP JSON client for bayctl,
// re-grounded on the teacher's pkg/client method-per-RPC shape now that the
// transport is a plain JSON REST API rather than gRPC-over-mTLS.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client wraps an HTTP connection to a bayd API server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client pointed at addr (e.g. "http://127.0.0.1:8080").
func New(addr, apiKey string) *Client {
	return &Client{
		baseURL: addr,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors pkg/api's error envelope wire shape.
type apiError struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details,omitempty"`
		RequestID string         `json:"request_id,omitempty"`
	} `json:"error"`
}

func (e *apiError) String() string {
	if e.Error.RequestID != "" {
		return fmt.Sprintf("%s: %s (request_id=%s)", e.Error.Code, e.Error.Message, e.Error.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Error.Code, e.Error.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", full, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s", apiErr.String())
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// Sandbox mirrors pkg/api's sandboxResponse wire shape.
type Sandbox struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Profile       string     `json:"profile"`
	CargoID       string     `json:"cargo_id"`
	Capabilities  []string   `json:"capabilities"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IdleExpiresAt *time.Time `json:"idle_expires_at,omitempty"`
}

// Cargo mirrors pkg/api's cargoResponse wire shape.
type Cargo struct {
	ID             string    `json:"id"`
	Managed        bool      `json:"managed"`
	SizeLimitMB    int       `json:"size_limit_mb"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

func (c *Client) CreateSandbox(ctx context.Context, profile, cargoID string, ttlSeconds int) (*Sandbox, error) {
	req := map[string]any{"profile": profile}
	if cargoID != "" {
		req["cargo_id"] = cargoID
	}
	if ttlSeconds > 0 {
		req["ttl"] = ttlSeconds
	}
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", nil, req, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) ListSandboxes(ctx context.Context, status string, limit int) ([]Sandbox, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Sandboxes []Sandbox `json:"sandboxes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Sandboxes, nil
}

func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil, nil)
}

func (c *Client) StopSandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/stop", nil, nil, nil)
}

func (c *Client) ExtendTTL(ctx context.Context, id string, extendBySeconds int) (*Sandbox, error) {
	var sb Sandbox
	req := map[string]any{"extend_by": extendBySeconds}
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/extend_ttl", nil, req, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) CreateCargo(ctx context.Context, sizeLimitMB int) (*Cargo, error) {
	req := map[string]any{"size_limit_mb": sizeLimitMB}
	var cg Cargo
	if err := c.do(ctx, http.MethodPost, "/v1/cargos", nil, req, &cg); err != nil {
		return nil, err
	}
	return &cg, nil
}

func (c *Client) ListCargos(ctx context.Context, limit int) ([]Cargo, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Cargos []Cargo `json:"cargos"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/cargos", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Cargos, nil
}

func (c *Client) DeleteCargo(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/cargos/"+id, nil, nil, nil)
}

// ExecResult mirrors pkg/api's execResponse wire shape.
type ExecResult struct {
	Success         bool           `json:"success"`
	Output          string         `json:"output"`
	Error           string         `json:"error,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	ExecutionID     string         `json:"execution_id"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

func (c *Client) ExecPython(ctx context.Context, sandboxID, code string, timeoutSeconds int) (*ExecResult, error) {
	req := map[string]any{"code": code, "timeout": timeoutSeconds}
	var res ExecResult
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/python/exec", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ExecShell(ctx context.Context, sandboxID, command, cwd string, timeoutSeconds int) (*ExecResult, error) {
	req := map[string]any{"command": command, "cwd": cwd, "timeout": timeoutSeconds}
	var res ExecResult
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/shell/exec", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	q := url.Values{"path": []string{path}}
	var out struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+sandboxID+"/filesystem/files", q, nil, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *Client) Upload(ctx context.Context, sandboxID, targetPath string, content io.Reader, filename string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("path", targetPath); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sandboxes/"+sandboxID+"/filesystem/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		var apiErr apiError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s", apiErr.String())
		}
		return fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) GCStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/admin/gc/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GCRun(ctx context.Context, tasks []string) (map[string]any, error) {
	req := map[string]any{}
	if len(tasks) > 0 {
		req["tasks"] = tasks
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/v1/admin/gc/run", nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
