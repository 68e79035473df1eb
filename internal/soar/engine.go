package soar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boundary-soar/internal/approval"
	"boundary-soar/internal/playbook"

	"github.com/google/uuid"
)

// Config configures the engine.
type Config struct {
	MaxConcurrentExecutions int
	MaxConcurrentActions    int
	FailurePolicy           FailurePolicy
	ApprovalSweepInterval   time.Duration
	// Terminal executions older than PurgeAfter are dropped every
	// PurgeInterval. Either at zero disables purging.
	PurgeAfter    time.Duration
	PurgeInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 1000,
		FailurePolicy:           PolicyRelaxed,
		ApprovalSweepInterval:   30 * time.Second,
	}
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Executions       map[Status]int        `json:"executions"`
	TotalExecutions  int                   `json:"total_executions"`
	ActiveExecutions int                   `json:"active_executions"`
	PendingApprovals int                   `json:"pending_approvals"`
	Playbooks        int                   `json:"playbooks"`
	Capabilities     []playbook.Capability `json:"capabilities,omitempty"`
	FailurePolicy    FailurePolicy         `json:"failure_policy"`
}

// Engine ties the playbook registry, execution store, approval gate and
// scheduler together behind one API.
type Engine struct {
	registry   *playbook.Registry
	store      *Store
	gate       *approval.Gate
	dispatcher Dispatcher
	scheduler  *Scheduler
	metrics    *Metrics
	config     Config
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine. metrics may be nil.
func NewEngine(cfg Config, registry *playbook.Registry, gate *approval.Gate, dispatcher Dispatcher, metrics *Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.FailurePolicy.Valid() {
		cfg.FailurePolicy = PolicyRelaxed
	}
	store := NewStore()
	return &Engine{
		registry:   registry,
		store:      store,
		gate:       gate,
		dispatcher: dispatcher,
		scheduler: NewScheduler(store, dispatcher, gate, SchedulerConfig{
			FailurePolicy:        cfg.FailurePolicy,
			MaxConcurrentActions: cfg.MaxConcurrentActions,
			MaxActiveRuns:        cfg.MaxConcurrentExecutions,
		}, metrics, logger),
		metrics: metrics,
		config:  cfg,
		logger:  logger.With("component", "soar_engine"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the approval expiry sweeper. An engine cannot be
// restarted once stopped.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	if e.stopped {
		e.logger.Warn("engine already stopped, not restarting")
		return
	}
	e.started = true

	if e.config.ApprovalSweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepApprovals(ctx)
	}
	if e.config.PurgeAfter > 0 && e.config.PurgeInterval > 0 {
		e.wg.Add(1)
		go e.purgeLoop(ctx)
	}
	e.logger.Info("engine started",
		"playbooks", e.registry.Len(),
		"failure_policy", e.config.FailurePolicy,
	)
}

// Stop cancels running executions and stops background work.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.stopped {
		close(e.stopCh)
		e.stopped = true
	}
	e.started = false
	e.mu.Unlock()

	e.wg.Wait()
	err := e.scheduler.Shutdown(ctx)
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) sweepApprovals(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.ApprovalSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if expired := e.gate.ExpireStale(); len(expired) > 0 {
				e.logger.Info("expired approval requests", "count", len(expired))
			}
		}
	}
}

func (e *Engine) purgeLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Purge(e.config.PurgeAfter)
		}
	}
}

// Trigger starts a playbook for an event. When playbookID is empty the
// highest-priority matching playbook is used; playbooks that do not
// auto-execute then leave the execution pending. A forced playbook starts
// immediately.
func (e *Engine) Trigger(ctx context.Context, event playbook.Event, playbookID string) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if event.Type() == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}

	var pb *playbook.Playbook
	forced := playbookID != ""
	if forced {
		p, err := e.registry.Get(playbookID)
		if err != nil {
			return nil, err
		}
		pb = p
	} else {
		matches := e.registry.FindMatching(event)
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w for event %s", ErrNoMatchingPlaybook, event.Type())
		}
		pb = matches[0]
	}

	start := forced || pb.AutoExecute
	// Fast path; the scheduler enforces the limit when the run starts.
	if start && e.config.MaxConcurrentExecutions > 0 && e.scheduler.Active() >= e.config.MaxConcurrentExecutions {
		return nil, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, e.config.MaxConcurrentExecutions)
	}

	exec := &Execution{
		ID:           uuid.New().String(),
		PlaybookID:   pb.ID,
		PlaybookName: pb.Name,
		Event:        playbook.Event(cloneMap(event)),
		Status:       StatusPending,
		TotalActions: len(pb.Actions),
		CreatedAt:    time.Now().UTC(),
		Executed:     []ActionRecord{},
	}
	if err := e.store.Create(exec); err != nil {
		return nil, err
	}
	e.logger.Info("playbook triggered",
		"execution_id", exec.ID,
		"playbook_id", pb.ID,
		"event_type", event.Type(),
		"forced", forced,
	)

	if start {
		if err := e.scheduler.Start(exec.ID, pb); err != nil {
			e.abandon(exec.ID, err)
			return nil, err
		}
	}
	return e.store.Get(exec.ID)
}

// abandon fails a freshly created execution the scheduler refused, so it
// does not linger as pending.
func (e *Engine) abandon(id string, cause error) {
	_, err := e.store.Update(id, func(x *Execution) error {
		if x.Status != StatusPending {
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, x.Status)
		}
		x.Status = StatusFailed
		x.Error = "not started: " + cause.Error()
		x.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		e.logger.Error("failed to abandon execution", "execution_id", id, "error", err)
		return
	}
	e.logger.Warn("execution not started", "execution_id", id, "error", cause)
}

// ProcessEvent triggers the best matching playbook for an event.
func (e *Engine) ProcessEvent(ctx context.Context, event playbook.Event) (*Execution, error) {
	return e.Trigger(ctx, event, "")
}

// StartExecution starts a pending execution.
func (e *Engine) StartExecution(id string) (*Execution, error) {
	exec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if exec.Status != StatusPending {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, exec.Status)
	}
	pb, err := e.registry.Get(exec.PlaybookID)
	if err != nil {
		return nil, err
	}
	if err := e.scheduler.Start(id, pb); err != nil {
		return nil, err
	}
	return e.store.Get(id)
}

// Cancel cancels a pending or active execution.
func (e *Engine) Cancel(id string) (*Execution, error) {
	exec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, exec.Status)
	}

	if exec.Status == StatusPending {
		snap, err := e.store.Update(id, func(x *Execution) error {
			if x.Status != StatusPending {
				return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, x.Status)
			}
			x.Status = StatusCancelled
			x.Error = "cancelled before start"
			x.CompletedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.logger.Info("execution cancelled", "execution_id", id)
		return snap, nil
	}

	if err := e.scheduler.Cancel(id, "requested by operator"); err != nil {
		return nil, err
	}
	return e.store.Get(id)
}

// GetExecution returns an execution snapshot.
func (e *Engine) GetExecution(id string) (*Execution, error) {
	return e.store.Get(id)
}

// ListExecutions returns executions newest first.
func (e *Engine) ListExecutions(filter ListFilter) []*Execution {
	return e.store.List(filter)
}

// ResolveApproval records an approver's decision on a pending request.
func (e *Engine) ResolveApproval(requestID, approver string, approved bool, notes string) (approval.Request, error) {
	return e.gate.Resolve(requestID, approver, approved, notes)
}

// GetApproval returns an approval request.
func (e *Engine) GetApproval(requestID string) (approval.Request, error) {
	return e.gate.Get(requestID)
}

// ListApprovals returns approval requests, optionally by status.
func (e *Engine) ListApprovals(status approval.Status) []approval.Request {
	return e.gate.List(status, "")
}

// RegisterPlaybook validates and registers a playbook.
func (e *Engine) RegisterPlaybook(p *playbook.Playbook) (string, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return e.registry.Register(p)
}

// GetPlaybook returns a registered playbook.
func (e *Engine) GetPlaybook(id string) (*playbook.Playbook, error) {
	return e.registry.Get(id)
}

// ListPlaybooks returns registered playbooks, filtered by capability tag
// when tag is set.
func (e *Engine) ListPlaybooks(tag string) []*playbook.Playbook {
	if tag == "" {
		return e.registry.List()
	}
	return e.registry.FindByCapabilityTag(tag)
}

// AddObserver subscribes o to execution changes.
func (e *Engine) AddObserver(o Observer) {
	e.store.AddObserver(o)
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Executions:       e.store.Counts(),
		TotalExecutions:  e.store.Len(),
		ActiveExecutions: e.scheduler.Active(),
		PendingApprovals: e.gate.PendingCount(),
		Playbooks:        e.registry.Len(),
		FailurePolicy:    e.config.FailurePolicy,
	}
	if c, ok := e.dispatcher.(interface{ Capabilities() []playbook.Capability }); ok {
		s.Capabilities = c.Capabilities()
	}
	return s
}

// Purge drops terminal executions completed more than olderThan ago, along
// with their resolved approval requests, and returns how many were removed.
func (e *Engine) Purge(olderThan time.Duration) int {
	ids := e.store.Purge(time.Now().UTC().Add(-olderThan))
	if len(ids) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	requests := e.gate.Purge(set)
	e.logger.Info("purged executions", "executions", len(ids), "approval_requests", requests)
	return len(ids)
}
