package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/types"
)

type cargoResponse struct {
	ID             string    `json:"id"`
	Managed        bool      `json:"managed"`
	SizeLimitMB    int       `json:"size_limit_mb"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

func toCargoResponse(c *types.Cargo) cargoResponse {
	return cargoResponse{
		ID:             c.ID,
		Managed:        c.Managed,
		SizeLimitMB:    c.SizeLimitMB,
		CreatedAt:      c.CreatedAt,
		LastAccessedAt: c.LastAccessedAt,
	}
}

type createCargoRequest struct {
	SizeLimitMB int `json:"size_limit_mb"`
}

// handleCreateCargo only ever creates external (unmanaged) cargos; managed
// cargos are an implicit side effect of sandbox creation, never a direct
// API call (§4.2).
func (s *Server) handleCreateCargo(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	withIdempotency(s.idemSvc, w, r, owner, func() (int, any, error) {
		var req createCargoRequest
		if err := decodeJSON(r, &req); err != nil {
			return 0, nil, err
		}
		c, err := s.cargoMgr.Create(r.Context(), owner, false, "", req.SizeLimitMB)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toCargoResponse(c), nil
	})
}

type cargoListResponse struct {
	Cargos     []cargoResponse `json:"cargos"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) handleListCargos(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	q := r.URL.Query()

	var managedFilter *bool
	if v := q.Get("managed"); v != "" {
		b := v == "true"
		managedFilter = &b
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	cargos, next, err := s.cargoMgr.List(r.Context(), owner, managedFilter, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := cargoListResponse{NextCursor: next}
	for _, c := range cargos {
		resp.Cargos = append(resp.Cargos, toCargoResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCargo(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	c, err := s.cargoMgr.Get(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCargoResponse(c))
}

func (s *Server) handleDeleteCargo(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	if err := s.cargoMgr.Delete(r.Context(), id, owner, s.activeSandboxesForCargo); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// activeSandboxesForCargo implements cargo.ActiveSandboxLookup: every
// non-deleted sandbox still referencing this cargo id, across owners (a
// cargo's owner already scopes which sandboxes could reference it).
func (s *Server) activeSandboxesForCargo(ctx context.Context, cargoID string) ([]string, error) {
	all, err := s.store.ListSandboxes("")
	if err != nil {
		return nil, bayerr.Internal("failed to list sandboxes").Wrap(err)
	}
	var blocking []string
	for _, sb := range all {
		if sb.CargoID == cargoID && sb.DeletedAt == nil {
			blocking = append(blocking, sb.ID)
		}
	}
	return blocking, nil
}

var _ cargo.ActiveSandboxLookup = (*Server)(nil).activeSandboxesForCargo
