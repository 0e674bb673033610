package capability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

// adapterCacheKey resolves Open Question 1: the cache is keyed by
// (sandbox_id, runtime_instance_id), not just sandbox_id, so a replaced
// session never serves calls through a stale Adapter.
type adapterCacheKey struct {
	sandboxID  string
	instanceID string
}

// Router implements the Capability Router (§4.5).
type Router struct {
	sandboxMgr *sandbox.Manager
	store      storage.Store

	mu      sync.Mutex
	cache   map[adapterCacheKey]*Adapter
	checked map[adapterCacheKey]bool

	logger zerolog.Logger
}

// NewRouter constructs a Router.
func NewRouter(sandboxMgr *sandbox.Manager, store storage.Store) *Router {
	return &Router{
		sandboxMgr: sandboxMgr,
		store:      store,
		cache:      make(map[adapterCacheKey]*Adapter),
		checked:    make(map[adapterCacheKey]bool),
		logger:     log.WithComponent("capability-router"),
	}
}

// Result is returned by Invoke alongside the raw capability response.
type Result struct {
	ExecutionID   string
	DurationMS    int64
	ExecResult    *ExecResult
}

// Invoke implements the full 7-step flow in §4.5. call performs
// the actual adapter call against the container selected for capability.
func (r *Router) Invoke(ctx context.Context, sandboxID, owner, capability string, call func(a *Adapter) (*ExecResult, error)) (*Result, error) {
	sb, sess, err := r.sandboxMgr.EnsureRunning(ctx, sandboxID, owner)
	if err != nil {
		return nil, err
	}

	container, ok := selectContainer(sess, capability)
	if !ok {
		return nil, bayerr.CapabilityNotSupported("no container in this session provides capability: " + capability)
	}

	key := adapterCacheKey{sandboxID: sb.ID, instanceID: container.ContainerID}
	adapter, reused := r.adapterFor(key, container.Endpoint)

	// A cached Adapter may be serving a container that died silently
	// between invocations; a fresh Adapter just came from a healthy
	// EnsureRunning call and doesn't need this extra round trip.
	if reused && !adapter.Health(ctx) {
		r.invalidate(key)
		r.markSessionFailed(sess.ID)
		return nil, bayerr.SessionNotReady("container failed health check, session will be recreated")
	}

	if err := r.verifyCapabilityOnce(ctx, key, adapter, capability); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	start := time.Now()
	execResult, callErr := call(adapter)
	duration := time.Since(start)
	timer.ObserveDurationVec(metrics.CapabilityLatency, capability)

	if callErr != nil {
		metrics.CapabilityInvocationsTotal.WithLabelValues(capability, "error").Inc()
		if be, ok := bayerr.As(callErr); ok && (be.Code == "ship_error" || be.Code == "timeout") {
			r.invalidate(key)
			r.markSessionFailed(sess.ID)
		}
		return nil, callErr
	}
	metrics.CapabilityInvocationsTotal.WithLabelValues(capability, "success").Inc()

	record := &types.ExecutionRecord{
		ID:         uuid.NewString(),
		SandboxID:  sb.ID,
		SessionID:  sess.ID,
		ExecType:   capability,
		StartedAt:  start,
		DurationMS: duration.Milliseconds(),
		Success:    execResult == nil || execResult.Success,
	}
	if err := r.store.CreateExecutionRecord(record); err != nil {
		r.logger.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("failed to persist execution record")
	}

	return &Result{ExecutionID: record.ID, DurationMS: record.DurationMS, ExecResult: execResult}, nil
}

// adapterFor returns the cached Adapter for key, or creates one. The
// second return value reports whether the Adapter was already cached
// (reused), as opposed to freshly created for this call.
func (r *Router) adapterFor(key adapterCacheKey, endpoint string) (*Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.cache[key]; ok {
		return a, true
	}
	a := NewAdapter(endpoint)
	r.cache[key] = a
	return a, false
}

func (r *Router) invalidate(key adapterCacheKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
	delete(r.checked, key)
}

// markSessionFailed records a session as failed after a connection refusal
// or runtime health failure between invocations (§4.5 health/auto-recovery).
// The next EnsureRunning call for this sandbox destroys and recreates it
// under the per-sandbox lock; the in-flight call that triggered this still
// fails with its own retry-friendly error.
func (r *Router) markSessionFailed(sessionID string) {
	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to fetch session to mark failed")
		return
	}
	sess.Status = types.SessionStatusFailed
	if err := r.store.UpdateSession(sess); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to persist session as failed")
	}
}

// verifyCapabilityOnce checks the runtime's /meta at most once per Adapter
// instance, as a second-line defense after the static profile check.
func (r *Router) verifyCapabilityOnce(ctx context.Context, key adapterCacheKey, adapter *Adapter, capability string) error {
	r.mu.Lock()
	already := r.checked[key]
	r.mu.Unlock()
	if already {
		return nil
	}

	meta, err := adapter.GetMeta(ctx)
	if err != nil {
		return bayerr.SessionNotReady("failed to fetch runtime metadata").Wrap(err)
	}
	if _, ok := meta.Capabilities[capability]; !ok {
		return bayerr.CapabilityNotSupported("runtime does not advertise capability: " + capability)
	}

	r.mu.Lock()
	r.checked[key] = true
	r.mu.Unlock()
	return nil
}

// selectContainer picks the unique session container providing capability,
// preferring a primary_for match; ties break by declaration order.
func selectContainer(sess *types.Session, capability string) (types.SessionContainer, bool) {
	var fallback *types.SessionContainer
	for i := range sess.Containers {
		c := &sess.Containers[i]
		for _, pf := range c.PrimaryFor {
			if pf == capability {
				return *c, true
			}
		}
		if fallback == nil {
			for _, cap := range c.Capabilities {
				if cap == capability {
					fallback = c
					break
				}
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return types.SessionContainer{}, false
}

// CapabilityDeclared reports whether profile statically declares
// capability, used by the API layer's pre-invoke gate (§4.9) to avoid
// cold-starting a container only to discover the profile forbids it.
func CapabilityDeclared(p types.Profile, capability string) bool {
	for _, cap := range p.Capabilities() {
		if cap == capability {
			return true
		}
	}
	return false
}
