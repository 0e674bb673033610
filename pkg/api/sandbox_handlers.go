package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/types"
)

type sandboxResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Profile       string     `json:"profile"`
	CargoID       string     `json:"cargo_id"`
	Capabilities  []string   `json:"capabilities"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IdleExpiresAt *time.Time `json:"idle_expires_at,omitempty"`
}

func (s *Server) toSandboxResponse(sb *types.Sandbox) sandboxResponse {
	var capabilities []string
	sessStatus := types.SessionStatusStopped
	if prof, ok := s.profiles.Get(sb.ProfileID); ok {
		capabilities = prof.Capabilities()
	}
	if sb.CurrentSessionID != "" {
		if sess, err := s.store.GetSession(sb.CurrentSessionID); err == nil {
			sessStatus = sess.Status
		}
	}
	return sandboxResponse{
		ID:            sb.ID,
		Status:        string(sb.Status(time.Now(), sessStatus)),
		Profile:       sb.ProfileID,
		CargoID:       sb.CargoID,
		Capabilities:  capabilities,
		CreatedAt:     sb.CreatedAt,
		ExpiresAt:     sb.ExpiresAt,
		IdleExpiresAt: sb.IdleExpiresAt,
	}
}

type createSandboxRequest struct {
	Profile string `json:"profile"`
	CargoID string `json:"cargo_id"`
	TTL     *int   `json:"ttl"` // seconds
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	withIdempotency(s.idemSvc, w, r, owner, func() (int, any, error) {
		var req createSandboxRequest
		if err := decodeJSON(r, &req); err != nil {
			return 0, nil, err
		}
		if req.Profile == "" {
			return 0, nil, bayerr.Validation("profile is required")
		}

		var ttl *time.Duration
		if req.TTL != nil {
			d := time.Duration(*req.TTL) * time.Second
			ttl = &d
		}

		sb, err := s.sandboxMgr.Create(r.Context(), owner, req.Profile, req.CargoID, ttl)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, s.toSandboxResponse(sb), nil
	})
}

type sandboxListResponse struct {
	Sandboxes  []sandboxResponse `json:"sandboxes"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	q := r.URL.Query()

	var statusFilter *types.SandboxStatus
	if v := q.Get("status"); v != "" {
		st := types.SandboxStatus(v)
		statusFilter = &st
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	sandboxes, next, err := s.sandboxMgr.List(r.Context(), owner, statusFilter, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := sandboxListResponse{NextCursor: next}
	for _, sb := range sandboxes {
		resp.Sandboxes = append(resp.Sandboxes, s.toSandboxResponse(sb))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	sb, err := s.sandboxMgr.Get(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toSandboxResponse(sb))
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if err := s.sandboxMgr.Delete(r.Context(), r.PathValue("id"), owner); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extendTTLRequest struct {
	ExtendBy int `json:"extend_by"` // seconds
}

func (s *Server) handleExtendTTL(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	withIdempotency(s.idemSvc, w, r, owner, func() (int, any, error) {
		var req extendTTLRequest
		if err := decodeJSON(r, &req); err != nil {
			return 0, nil, err
		}
		sb, err := s.sandboxMgr.ExtendTTL(r.Context(), id, owner, time.Duration(req.ExtendBy)*time.Second)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, s.toSandboxResponse(sb), nil
	})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if _, err := s.sandboxMgr.Keepalive(r.Context(), r.PathValue("id"), owner); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if err := s.sandboxMgr.Stop(r.Context(), r.PathValue("id"), owner); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withIdempotency wraps a write handler's core logic with the §4.7 check
// (body hash/path compare) and save-response cycle, when an Idempotency-Key
// header is supplied. Without the header it just runs fn once.
func withIdempotency(svc *idempotency.Service, w http.ResponseWriter, r *http.Request, owner string, fn func() (status int, body any, err error)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		status, body, err := fn()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, status, body)
		return
	}

	rawBody, readErr := readAndRestoreBody(r)
	if readErr != nil {
		writeError(w, r, bayerr.Internal("failed to read request body").Wrap(readErr))
		return
	}

	result, err := svc.Check(owner, key, r.Method, r.URL.Path, rawBody)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch result.Outcome {
	case idempotency.Hit:
		writeJSON(w, result.Status, json.RawMessage(result.Response))
		return
	case idempotency.Conflict:
		writeError(w, r, bayerr.IdempotencyConflict("idempotency key reused with a different request"))
		return
	}

	status, body, err := fn()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := saveIdempotentResponse(svc, owner, key, r.Method, r.URL.Path, rawBody, status, body); err != nil {
		s := bayerr.Internal("failed to save idempotency record").Wrap(err)
		writeError(w, r, s)
		return
	}
	writeJSON(w, status, body)
}
