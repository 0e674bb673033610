package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/bay/internal/testutil"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/capability"
	"github.com/cuemby/bay/pkg/gc"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/locks"
	"github.com/cuemby/bay/pkg/profile"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/storage"
)

const testAPIKey = "test-api-key"

type testHarness struct {
	server *Server
	store  *storage.BoltStore
	driver *testutil.FakeDriver
}

func newTestHarness(t *testing.T, auth AuthConfig) *testHarness {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	drv := testutil.NewFakeDriver()
	cargoMgr := cargo.New(st, drv)
	sessMgr := session.New(st, drv, "instance-1")
	reg, err := profile.NewRegistry([]profile.RawProfile{{
		ID:          "python-default",
		IdleTimeout: 300,
		Containers: []profile.RawContainer{{
			Name: "main", Image: "python:3.11", RuntimeType: "python",
			RuntimePort: 8000, Capabilities: []string{"python", "filesystem"}, PrimaryFor: []string{"python", "filesystem"},
		}},
	}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	lockTable := locks.NewTable()
	sbMgr := sandbox.New(st, cargoMgr, sessMgr, reg, lockTable, "/workspace")
	router := capability.NewRouter(sbMgr, st)
	idemSvc := idempotency.New(st, time.Hour)
	gcSched := gc.New(gc.Config{}, st, sbMgr, sessMgr, cargoMgr, idemSvc, drv, lockTable)

	if auth.APIKey == "" && !auth.AllowAnonymous {
		auth.APIKey = testAPIKey
	}

	srv := NewServer(sbMgr, cargoMgr, st, router, idemSvc, gcSched, reg, auth)
	return &testHarness{server: srv, store: st, driver: drv}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if !h.server.auth.AllowAnonymous {
		req.Header.Set("Authorization", "Bearer "+h.server.auth.APIKey)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpointAlwaysReachable(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})
	w := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestAuthMiddlewareRejectsMissingAndWrongKey(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	req := httptest.NewRequest(http.MethodGet, "/v1/sandboxes", nil)
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sandboxes", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAnonymousModeTrustsOwnerHeader(t *testing.T) {
	h := newTestHarness(t, AuthConfig{AllowAnonymous: true})

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes", bytes.NewReader([]byte(`{"profile":"python-default"}`)))
	req.Header.Set("X-Bay-Owner", "alice")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateSandboxThenCapabilityExecLazilyProvisions(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile": "python-default"})
	if !assert.Equal(t, http.StatusCreated, w.Code, w.Body.String()) {
		return
	}
	var sb sandboxResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))
	assert.Equal(t, "idle", sb.Status)

	w = h.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/python/exec", map[string]any{"code": "1+1", "timeout": 5})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var exec execResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.True(t, exec.Success)
	assert.NotEmpty(t, exec.ExecutionID)
}

func TestCapabilityNotDeclaredReturnsBadRequest(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile": "python-default"})
	var sb sandboxResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	w = h.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/shell/exec", map[string]any{"command": "ls", "timeout": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var errResp errorEnvelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "capability_not_supported", errResp.Error.Code)
}

func TestPathTraversalRejectedAndNormalSegmentsNormalized(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile": "python-default"})
	var sb sandboxResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	w = h.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/filesystem/files?path=../../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var errResp errorEnvelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_path", errResp.Error.Code)
	assert.Equal(t, "path_traversal", errResp.Error.Details["reason"])

	w = h.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/filesystem/files?path=a/b/../c.txt", nil)
	// The fake runtime has no "a/c.txt" file, so this surfaces as file_not_found,
	// not invalid_path — proving the path was normalized and accepted.
	assert.NotEqual(t, http.StatusBadRequest, w.Code)
}

func TestIdempotencyKeyReplaysIdenticalResponse(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes", bytes.NewReader([]byte(`{"profile":"python-default"}`)))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Idempotency-Key", "create-1")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	first := w.Body.String()

	req = httptest.NewRequest(http.MethodPost, "/v1/sandboxes", bytes.NewReader([]byte(`{"profile":"python-default"}`)))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Idempotency-Key", "create-1")
	w = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, first, w.Body.String())
}

func TestIdempotencyKeyConflictsOnDifferentBody(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes", bytes.NewReader([]byte(`{"profile":"python-default"}`)))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Idempotency-Key", "dup-key")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/sandboxes", bytes.NewReader([]byte(`{"profile":"other-profile"}`)))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Idempotency-Key", "dup-key")
	w = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExternalCargoDeleteBlockedByActiveSandbox(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodPost, "/v1/cargos", map[string]any{"size_limit_mb": 512})
	assert.Equal(t, http.StatusCreated, w.Code)
	var c cargoResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))

	w = h.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile": "python-default", "cargo_id": c.ID})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = h.do(t, http.MethodDelete, "/v1/cargos/"+c.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	var errResp errorEnvelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "conflict", errResp.Error.Code)
	assert.NotEmpty(t, errResp.Error.Details["active_sandbox_ids"])
}

func TestStopPreservesCargoAndReprovisionsOnNextCall(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile": "python-default"})
	var sb sandboxResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	w = h.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/python/exec", map[string]any{"code": "1", "timeout": 5})
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/python/exec", map[string]any{"code": "2", "timeout": 5})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestExtendTTLRejectsInfiniteTTL(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile": "python-default"})
	var sb sandboxResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	w = h.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/extend_ttl", map[string]any{"extend_by": 60})
	assert.Equal(t, http.StatusConflict, w.Code)

	var errResp errorEnvelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "sandbox_ttl_infinite", errResp.Error.Code)
}

func TestGCStatusAndRunEndpoints(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodGet, "/v1/admin/gc/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var status gcStatusResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Running)

	w = h.do(t, http.MethodPost, "/v1/admin/gc/run", map[string]any{"tasks": []string{"idle_session"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestUploadReachesRuntimeOverAdapter proves the upload handler parses the
// multipart form, normalizes the target path, and actually reaches the
// session's container over HTTP — the fake runtime doesn't implement
// /upload, so a well-formed request surfaces as file_not_found rather than
// a validation_error, showing every layer up to the adapter call worked.
func TestUploadReachesRuntimeOverAdapter(t *testing.T) {
	h := newTestHarness(t, AuthConfig{})

	w := h.do(t, http.MethodPost, "/v1/sandboxes", map[string]any{"profile": "python-default"})
	var sb sandboxResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	assert.NoError(t, mw.WriteField("path", "notes.txt"))
	part, err := mw.CreateFormFile("file", "notes.txt")
	assert.NoError(t, err)
	_, _ = part.Write([]byte("hello"))
	assert.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes/"+sb.ID+"/filesystem/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	wr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(wr, req)

	var errResp errorEnvelope
	assert.NoError(t, json.Unmarshal(wr.Body.Bytes(), &errResp))
	assert.Equal(t, "file_not_found", errResp.Error.Code)
}
