// Package gc implements the GC Scheduler (§4.8): five serially-run tasks —
// idle session reclaim, expired sandbox deletion, orphan cargo cleanup,
// (opt-in, strict-mode) orphan container destruction, and stale
// idempotency-record pruning.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/locks"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

// TaskResult is the per-task outcome returned to callers of RunOnce.
type TaskResult struct {
	Cleaned int      `json:"cleaned"`
	Errors  []string `json:"errors,omitempty"`
}

// TaskConfig toggles one of the five tasks.
type TaskConfig struct {
	IdleSession       bool
	ExpiredSandbox    bool
	OrphanCargo       bool
	OrphanContainer   bool
	IdempotencyRecord bool
}

// Config configures the Scheduler.
type Config struct {
	Enabled      bool
	RunOnStartup bool
	Interval     time.Duration
	InstanceID   string
	Tasks        TaskConfig
}

// Scheduler runs the five GC tasks serially on a fixed interval and,
// optionally, once at process startup.
type Scheduler struct {
	cfg        Config
	store      storage.Store
	sandboxMgr *sandbox.Manager
	sessMgr    *session.Manager
	cargoMgr   *cargo.Manager
	idemSvc    *idempotency.Service
	driver     runtime.Driver
	locks      *locks.Table

	mu      sync.Mutex
	running bool
	lastRun time.Time
	stopCh  chan struct{}
	logger  zerolog.Logger
}

// New constructs a Scheduler.
func New(cfg Config, store storage.Store, sandboxMgr *sandbox.Manager, sessMgr *session.Manager, cargoMgr *cargo.Manager, idemSvc *idempotency.Service, driver runtime.Driver, lockTable *locks.Table) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		sandboxMgr: sandboxMgr,
		sessMgr:    sessMgr,
		cargoMgr:   cargoMgr,
		idemSvc:    idemSvc,
		driver:     driver,
		locks:      lockTable,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("gc"),
	}
}

// Start launches the periodic loop as a goroutine; RunOnStartup fires an
// immediate cycle first if configured.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		return
	}
	if s.cfg.RunOnStartup {
		if _, err := s.RunOnce(context.Background(), nil); err != nil {
			s.logger.Warn().Err(err).Msg("startup GC cycle failed to acquire lock")
		}
	}
	go s.loop()
}

// Stop terminates the periodic loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) loop() {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background(), nil); err != nil {
				s.logger.Warn().Err(err).Msg("GC cycle skipped")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Status reports the scheduler's current state for the admin endpoint.
type Status struct {
	Config  Config
	Running bool
	LastRun time.Time
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Config: s.cfg, Running: s.running, LastRun: s.lastRun}
}

// RunOnce runs the requested tasks (all five, in fixed order, if tasks is
// nil) serially. Returns locked if a cycle is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context, tasks []string) (map[string]TaskResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, bayerr.Locked("a GC cycle is already in progress")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRun = time.Now()
		s.mu.Unlock()
	}()

	want := func(name string) bool {
		if tasks == nil {
			return true
		}
		for _, t := range tasks {
			if t == name {
				return true
			}
		}
		return false
	}

	results := make(map[string]TaskResult)

	if want("idle_session") && s.cfg.Tasks.IdleSession {
		results["idle_session"] = s.runTask("idle_session", func() TaskResult { return s.idleSessionGC(ctx) })
	}
	if want("expired_sandbox") && s.cfg.Tasks.ExpiredSandbox {
		results["expired_sandbox"] = s.runTask("expired_sandbox", func() TaskResult { return s.expiredSandboxGC(ctx) })
	}
	if want("orphan_cargo") && s.cfg.Tasks.OrphanCargo {
		results["orphan_cargo"] = s.runTask("orphan_cargo", func() TaskResult { return s.orphanCargoGC(ctx) })
	}
	if want("orphan_container") && s.cfg.Tasks.OrphanContainer {
		results["orphan_container"] = s.runTask("orphan_container", func() TaskResult { return s.orphanContainerGC(ctx) })
	}
	if want("idempotency_record") && s.cfg.Tasks.IdempotencyRecord {
		results["idempotency_record"] = s.runTask("idempotency_record", func() TaskResult { return s.idempotencyRecordGC() })
	}

	s.refreshResourceGauges()

	return results, nil
}

// refreshResourceGauges recomputes the bay_sandboxes_total, bay_sessions_total
// and bay_cargos_total gauges from scratch every cycle: Sandbox/Session
// status is computed, never stored, so there is no single mutation point to
// hook an increment/decrement into.
func (s *Scheduler) refreshResourceGauges() {
	sandboxes, err := s.allSandboxes()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to refresh sandbox/session gauges")
		return
	}

	now := time.Now()
	sandboxCounts := make(map[types.SandboxStatus]int)
	sessionCounts := make(map[types.SessionStatus]int)
	for _, sb := range sandboxes {
		sessStatus := types.SessionStatusStopped
		if sb.CurrentSessionID != "" {
			if sess, err := s.store.GetSession(sb.CurrentSessionID); err == nil {
				sessStatus = sess.Status
				sessionCounts[sessStatus]++
			}
		}
		sandboxCounts[sb.Status(now, sessStatus)]++
	}
	for status, n := range sandboxCounts {
		metrics.SandboxesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	for status, n := range sessionCounts {
		metrics.SessionsTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	cargos, err := s.store.ListCargos("")
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to refresh cargo gauge")
		return
	}
	managed, external := 0, 0
	for _, c := range cargos {
		if c.Managed {
			managed++
		} else {
			external++
		}
	}
	metrics.CargosTotal.WithLabelValues("managed").Set(float64(managed))
	metrics.CargosTotal.WithLabelValues("external").Set(float64(external))
}

func (s *Scheduler) runTask(name string, fn func() TaskResult) TaskResult {
	timer := metrics.NewTimer()
	result := fn()
	timer.ObserveDurationVec(metrics.GCCycleDuration, name)
	metrics.GCCleanedTotal.WithLabelValues(name).Add(float64(result.Cleaned))
	metrics.GCErrorsTotal.WithLabelValues(name).Add(float64(len(result.Errors)))
	if len(result.Errors) > 0 {
		s.logger.Warn().Str("task", name).Int("cleaned", result.Cleaned).Strs("errors", result.Errors).Msg("GC task completed with errors")
	} else {
		s.logger.Info().Str("task", name).Int("cleaned", result.Cleaned).Msg("GC task completed")
	}
	return result
}

// idleSessionGC reclaims sessions whose idle_expires_at has passed.
func (s *Scheduler) idleSessionGC(ctx context.Context) TaskResult {
	var result TaskResult
	sandboxes, err := s.allSandboxes()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	now := time.Now()
	for _, sb := range sandboxes {
		if sb.DeletedAt != nil || sb.IdleExpiresAt == nil || sb.IdleExpiresAt.After(now) {
			continue
		}
		if err := s.reclaimIdleSession(ctx, sb.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sandbox %s: %v", sb.ID, err))
			continue
		}
		result.Cleaned++
	}
	return result
}

func (s *Scheduler) reclaimIdleSession(ctx context.Context, sandboxID string) error {
	unlock := s.locks.Lock(sandboxID)
	defer unlock()

	sb, err := s.store.GetSandbox(sandboxID)
	if err != nil {
		return err
	}
	now := time.Now()
	if sb.DeletedAt != nil || sb.IdleExpiresAt == nil || sb.IdleExpiresAt.After(now) {
		return nil // predicate no longer holds; a racing keepalive won
	}

	if sb.CurrentSessionID != "" {
		if sess, err := s.store.GetSession(sb.CurrentSessionID); err == nil {
			for _, destroyErr := range s.sessMgr.Destroy(ctx, sess) {
				s.logger.Warn().Err(destroyErr).Str("sandbox_id", sandboxID).Msg("error reclaiming idle session")
			}
		}
	}

	sb.CurrentSessionID = ""
	sb.IdleExpiresAt = nil
	return s.store.UpdateSandbox(sb)
}

// expiredSandboxGC deletes sandboxes whose TTL has passed.
func (s *Scheduler) expiredSandboxGC(ctx context.Context) TaskResult {
	var result TaskResult
	sandboxes, err := s.allSandboxes()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	now := time.Now()
	for _, sb := range sandboxes {
		if sb.DeletedAt != nil || sb.ExpiresAt == nil || sb.ExpiresAt.After(now) {
			continue
		}
		if err := s.deleteExpiredSandbox(ctx, sb); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sandbox %s: %v", sb.ID, err))
			continue
		}
		result.Cleaned++
	}
	return result
}

func (s *Scheduler) deleteExpiredSandbox(ctx context.Context, sb *types.Sandbox) error {
	unlock := s.locks.Lock(sb.ID)
	fresh, err := s.store.GetSandbox(sb.ID)
	if err != nil {
		unlock()
		return err
	}
	now := time.Now()
	if fresh.DeletedAt != nil || fresh.ExpiresAt == nil || fresh.ExpiresAt.After(now) {
		unlock()
		return nil // predicate no longer holds; a racing extend_ttl won
	}
	unlock()

	return s.sandboxMgr.Delete(ctx, sb.ID, sb.Owner)
}

// orphanCargoGC deletes managed cargos whose owning sandbox is missing or
// soft-deleted.
func (s *Scheduler) orphanCargoGC(ctx context.Context) TaskResult {
	var result TaskResult
	cargos, err := s.store.ListCargos("") // empty owner lists across all owners
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	for _, c := range cargos {
		if !c.Managed {
			continue
		}
		orphaned, err := s.isOrphaned(c)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cargo %s: %v", c.ID, err))
			continue
		}
		if !orphaned {
			continue
		}
		if err := s.cargoMgr.DeleteInternalByID(ctx, c.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cargo %s: %v", c.ID, err))
			continue
		}
		result.Cleaned++
	}
	return result
}

func (s *Scheduler) isOrphaned(c *types.Cargo) (bool, error) {
	if c.ManagedBySandboxID == "" {
		return true, nil
	}
	sb, err := s.store.GetSandbox(c.ManagedBySandboxID)
	if err == storage.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return sb.DeletedAt != nil, nil
}

// orphanContainerGC enumerates runtime instances owned by this instance_id
// and destroys those whose session_id is unknown to the DB. Strict mode:
// anything missing the required labels or with a differing instance_id is
// never touched (invariant: OrphanContainerGC safety fence).
func (s *Scheduler) orphanContainerGC(ctx context.Context) TaskResult {
	var result TaskResult

	filter := map[string]string{
		runtime.LabelManaged:    "true",
		runtime.LabelInstanceID: s.cfg.InstanceID,
	}
	instances, err := s.driver.ListRuntimeInstances(ctx, filter)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	for _, inst := range instances {
		if !runtime.IsPlatformOwned(inst, s.cfg.InstanceID) {
			continue // missing labels or foreign instance_id: never touch
		}
		sessionID := inst.Labels[runtime.LabelSessionID]
		if _, err := s.store.GetSession(sessionID); err != storage.ErrNotFound {
			continue // session known (or lookup error, treated as "don't touch")
		}
		if err := s.driver.DestroyRuntimeInstance(ctx, inst.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("instance %s: %v", inst.ID, err))
			continue
		}
		result.Cleaned++
	}
	return result
}

// idempotencyRecordGC prunes idempotency records past their TTL.
func (s *Scheduler) idempotencyRecordGC() TaskResult {
	var result TaskResult
	n, err := s.idemSvc.Sweep()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Cleaned = n
	return result
}

// allSandboxes enumerates every Sandbox regardless of owner.
func (s *Scheduler) allSandboxes() ([]*types.Sandbox, error) {
	return s.store.ListSandboxes("")
}
