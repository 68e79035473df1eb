package soar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"boundary-soar/internal/approval"
	"boundary-soar/internal/integration"
	"boundary-soar/internal/playbook"
)

// FailurePolicy decides the final status of an execution whose actions all
// resolved but some of them failed.
type FailurePolicy string

const (
	// PolicyRelaxed completes the execution when every action resolved,
	// even if some resolved actions failed.
	PolicyRelaxed FailurePolicy = "relaxed"
	// PolicyStrict fails the execution when any action failed.
	PolicyStrict FailurePolicy = "strict"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == PolicyRelaxed || p == PolicyStrict
}

// Dispatcher runs an action's attempt sequence against an integration.
type Dispatcher interface {
	Execute(ctx context.Context, req integration.Request, onAttempt integration.AttemptFunc) integration.Outcome
}

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	FailurePolicy FailurePolicy
	// MaxConcurrentActions caps in-flight actions per execution; 0 is unlimited.
	MaxConcurrentActions int
	// MaxActiveRuns caps executions running at once; 0 is unlimited.
	MaxActiveRuns int
}

type eventKind int

const (
	evActionDone eventKind = iota
	evApproval
	evCancel
)

type runEvent struct {
	kind     eventKind
	actionID string
	outcome  integration.Outcome
	request  approval.Request
	reason   string
}

// run is the scheduling state of one execution. Everything below done is
// owned by the run's loop goroutine.
type run struct {
	id     string
	pb     *playbook.Playbook
	event  playbook.Event
	ctx    context.Context
	cancel context.CancelFunc
	events chan runEvent
	done   chan struct{}

	succeeded map[string]bool
	failed    map[string]bool
	inflight  map[string]bool
	awaiting  map[string]string
	status    Status
}

func (r *run) resolved(id string) bool {
	return r.succeeded[id] || r.failed[id]
}

func (r *run) ready(a *playbook.Action) bool {
	if r.resolved(a.ID) || r.inflight[a.ID] {
		return false
	}
	if _, waiting := r.awaiting[a.ID]; waiting {
		return false
	}
	for _, dep := range a.DependsOn {
		if !r.succeeded[dep] {
			return false
		}
	}
	return true
}

// Scheduler drives executions through their action graphs. Each execution
// runs as its own loop goroutine; actions of one execution are dispatched
// concurrently once their dependencies succeed.
type Scheduler struct {
	store      *Store
	dispatcher Dispatcher
	gate       *approval.Gate
	config     SchedulerConfig
	metrics    *Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	runs    map[string]*run
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler and subscribes it to approval decisions.
func NewScheduler(store *Store, dispatcher Dispatcher, gate *approval.Gate, cfg SchedulerConfig, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.FailurePolicy.Valid() {
		cfg.FailurePolicy = PolicyRelaxed
	}
	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		gate:       gate,
		config:     cfg,
		metrics:    metrics,
		logger:     logger.With("component", "scheduler"),
		runs:       make(map[string]*run),
	}
	gate.OnResolve(s.approvalResolved)
	return s
}

// Start moves a pending execution to running and begins scheduling it.
func (s *Scheduler) Start(executionID string, pb *playbook.Playbook) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrEngineStopped
	}
	if _, ok := s.runs[executionID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: execution %s is already running", ErrInvalidTransition, executionID)
	}
	if limit := s.config.MaxActiveRuns; limit > 0 && len(s.runs) >= limit {
		s.mu.Unlock()
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, limit)
	}

	snap, err := s.store.Update(executionID, func(e *Execution) error {
		if e.Status != StatusPending {
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, e.ID, e.Status)
		}
		e.Status = StatusRunning
		e.StartedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        executionID,
		pb:        pb.Clone(),
		event:     snap.Event,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan runEvent, 64),
		done:      make(chan struct{}),
		succeeded: make(map[string]bool),
		failed:    make(map[string]bool),
		inflight:  make(map[string]bool),
		awaiting:  make(map[string]string),
		status:    StatusRunning,
	}
	s.runs[executionID] = r
	s.metrics.setActive(len(s.runs))
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("execution started", "execution_id", executionID, "playbook_id", pb.ID, "actions", len(pb.Actions))
	go s.loop(r)
	return nil
}

// Active returns the number of executions being scheduled.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Cancel stops dispatching new actions for an execution and cancels its
// in-flight actions. It returns once the execution's loop has exited; an
// execution that finished on its own first yields ErrInvalidTransition.
func (s *Scheduler) Cancel(executionID, reason string) error {
	s.mu.Lock()
	r, ok := s.runs[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: execution %s is not running", ErrInvalidTransition, executionID)
	}

	select {
	case r.events <- runEvent{kind: evCancel, reason: reason}:
	case <-r.done:
	}
	<-r.done

	exec, err := s.store.Get(executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusCancelled {
		return fmt.Errorf("%w: execution %s finished as %s", ErrInvalidTransition, executionID, exec.Status)
	}
	return nil
}

// Shutdown cancels every running execution and waits for in-flight
// dispatches to return, or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Cancel(id, "engine shutdown")
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(r *run) {
	defer s.wg.Done()
	for {
		if s.advance(r) {
			return
		}
		if s.handle(r, <-r.events) {
			return
		}
	}
}

// advance dispatches every ready action and reports whether the execution
// reached a terminal state.
func (s *Scheduler) advance(r *run) bool {
	for i := range r.pb.Actions {
		action := &r.pb.Actions[i]
		if !r.ready(action) {
			continue
		}
		if !action.NeedsApproval() {
			if limit := s.config.MaxConcurrentActions; limit > 0 && len(r.inflight) >= limit {
				continue
			}
			s.dispatch(r, action, "")
			continue
		}
		s.requestApproval(r, action)
	}

	if len(r.inflight) == 0 && len(r.awaiting) == 0 {
		status, err := s.conclude(r)
		s.finish(r, status, err)
		return true
	}

	status := StatusRunning
	if len(r.inflight) == 0 {
		status = StatusPaused
	}
	if status != r.status {
		r.status = status
		s.store.Update(r.id, func(e *Execution) error {
			e.Status = status
			return nil
		})
		s.logger.Info("execution status changed", "execution_id", r.id, "status", status)
	}
	return false
}

// conclude decides the final status once nothing is in flight or awaiting
// approval.
func (s *Scheduler) conclude(r *run) (Status, error) {
	var blocked []string
	for _, a := range r.pb.Actions {
		if !r.resolved(a.ID) {
			blocked = append(blocked, a.ID)
		}
	}
	failed := make([]string, 0, len(r.failed))
	for id := range r.failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)

	if len(blocked) > 0 {
		return StatusFailed, &DeadlockError{ExecutionID: r.id, Blocked: blocked, Failed: failed}
	}
	if len(failed) > 0 && s.config.FailurePolicy == PolicyStrict {
		return StatusFailed, &FailedActionsError{Actions: failed}
	}
	return StatusCompleted, nil
}

func (s *Scheduler) handle(r *run, ev runEvent) bool {
	switch ev.kind {
	case evActionDone:
		delete(r.inflight, ev.actionID)
		if ev.outcome.Success {
			r.succeeded[ev.actionID] = true
		} else {
			r.failed[ev.actionID] = true
		}

	case evApproval:
		req := ev.request
		if r.awaiting[req.ActionID] != req.ID {
			return false
		}
		delete(r.awaiting, req.ActionID)
		s.store.Update(r.id, func(e *Execution) error {
			e.PendingApprovals = removeRequest(e.PendingApprovals, req.ID)
			return nil
		})

		action, ok := r.pb.Action(req.ActionID)
		if !ok {
			return false
		}
		if req.Approved() {
			s.dispatch(r, action, req.ID)
		} else {
			s.recordDenied(r, action, req)
			r.failed[action.ID] = true
		}

	case evCancel:
		reason := "cancelled"
		if ev.reason != "" {
			reason = "cancelled: " + ev.reason
		}
		s.finish(r, StatusCancelled, errors.New(reason))
		return true
	}
	return false
}

func (s *Scheduler) dispatch(r *run, action *playbook.Action, requestID string) {
	r.inflight[action.ID] = true

	snap, err := s.store.Update(r.id, func(e *Execution) error {
		e.Executed = append(e.Executed, ActionRecord{
			ActionID:          action.ID,
			Capability:        action.Capability,
			Outcome:           OutcomeRunning,
			ApprovalRequestID: requestID,
			Timestamp:         time.Now().UTC(),
		})
		return nil
	})
	var vars map[string]interface{}
	if err == nil {
		vars = snap.Variables
	}

	s.logger.Debug("action dispatched", "execution_id", r.id, "action_id", action.ID, "capability", action.Capability)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		req := integration.Request{
			ExecutionID: r.id,
			Action:      action,
			Event:       r.event,
			Variables:   vars,
		}
		out := s.dispatcher.Execute(r.ctx, req, func(attempt int) {
			s.store.Update(r.id, func(e *Execution) error {
				if rec, ok := e.Record(action.ID); ok {
					rec.Attempts = attempt
				}
				return nil
			})
		})
		s.recordOutcome(r, action, out)

		select {
		case r.events <- runEvent{kind: evActionDone, actionID: action.ID, outcome: out}:
		case <-r.done:
		}
	}()
}

func (s *Scheduler) recordOutcome(r *run, action *playbook.Action, out integration.Outcome) {
	outcome := OutcomeFailed
	if out.Success {
		outcome = OutcomeSucceeded
	}
	s.store.Update(r.id, func(e *Execution) error {
		rec, ok := e.Record(action.ID)
		if !ok {
			return nil
		}
		rec.Outcome = outcome
		rec.Attempts = out.Attempts
		rec.Result = out.Payload
		rec.Error = out.Error()
		rec.CompletedAt = time.Now().UTC()
		if out.Success {
			if e.Variables == nil {
				e.Variables = make(map[string]interface{})
			}
			e.Variables[action.ID] = cloneMap(out.Payload)
		}
		return nil
	})
	s.metrics.actionFinished(string(action.Capability), outcome, out.Attempts, out.Duration.Seconds())
}

func (s *Scheduler) requestApproval(r *run, action *playbook.Action) {
	req, created, err := s.gate.Request(r.id, r.pb.ID, action, approvalSummary(action, r.event))
	if err != nil {
		s.logger.Error("approval request failed", "execution_id", r.id, "action_id", action.ID, "error", err)
		now := time.Now().UTC()
		s.store.Update(r.id, func(e *Execution) error {
			e.Executed = append(e.Executed, ActionRecord{
				ActionID:    action.ID,
				Capability:  action.Capability,
				Outcome:     OutcomeFailed,
				Error:       err.Error(),
				Timestamp:   now,
				CompletedAt: now,
			})
			return nil
		})
		r.failed[action.ID] = true
		return
	}

	r.awaiting[action.ID] = req.ID
	s.store.Update(r.id, func(e *Execution) error {
		for _, p := range e.PendingApprovals {
			if p.ID == req.ID {
				return nil
			}
		}
		e.PendingApprovals = append(e.PendingApprovals, req)
		return nil
	})
	s.metrics.setPendingApprovals(s.gate.PendingCount())
	if created {
		s.logger.Info("action awaiting approval",
			"execution_id", r.id,
			"action_id", action.ID,
			"request_id", req.ID,
			"required_level", req.RequiredLevel,
		)
	}
}

func (s *Scheduler) recordDenied(r *run, action *playbook.Action, req approval.Request) {
	denied := &ApprovalDeniedError{
		ActionID:  action.ID,
		RequestID: req.ID,
		Status:    req.Status,
		Approver:  req.Approver,
	}
	now := time.Now().UTC()
	s.store.Update(r.id, func(e *Execution) error {
		e.Executed = append(e.Executed, ActionRecord{
			ActionID:          action.ID,
			Capability:        action.Capability,
			Outcome:           OutcomeFailed,
			Error:             denied.Error(),
			ApprovalRequestID: req.ID,
			Timestamp:         now,
			CompletedAt:       now,
		})
		return nil
	})
	s.metrics.actionFinished(string(action.Capability), OutcomeFailed, 0, 0)
	s.logger.Info("action denied", "execution_id", r.id, "action_id", action.ID, "request_id", req.ID, "status", req.Status)
}

// finish records the terminal status. The run is unregistered first so
// approval callbacks triggered while cleaning up are ignored.
func (s *Scheduler) finish(r *run, status Status, cause error) {
	s.mu.Lock()
	delete(s.runs, r.id)
	s.metrics.setActive(len(s.runs))
	s.mu.Unlock()

	snap, err := s.store.Update(r.id, func(e *Execution) error {
		e.Status = status
		e.CompletedAt = time.Now().UTC()
		if cause != nil {
			e.Error = cause.Error()
		}
		if status == StatusCancelled {
			e.PendingApprovals = nil
		}
		return nil
	})
	if status == StatusCancelled {
		s.gate.CancelExecution(r.id)
		s.metrics.setPendingApprovals(s.gate.PendingCount())
	}

	close(r.done)
	r.cancel()

	if err == nil {
		s.metrics.executionFinished(snap)
	}
	attrs := []any{"execution_id", r.id, "playbook_id", r.pb.ID, "status", status}
	if cause != nil {
		attrs = append(attrs, "error", cause.Error())
		s.logger.Warn("execution finished", attrs...)
		return
	}
	s.logger.Info("execution finished", attrs...)
}

// approvalResolved forwards gate decisions to the owning execution's loop.
func (s *Scheduler) approvalResolved(req approval.Request) {
	s.metrics.approvalFinished(string(req.RequiredLevel), string(req.Status))
	s.metrics.setPendingApprovals(s.gate.PendingCount())

	s.mu.Lock()
	r, ok := s.runs[req.ExecutionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.events <- runEvent{kind: evApproval, request: req}:
	case <-r.done:
	}
}

func removeRequest(reqs []approval.Request, id string) []approval.Request {
	out := reqs[:0]
	for _, r := range reqs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var capabilityRisk = map[playbook.Capability]string{
	playbook.CapabilityContain:    "high",
	playbook.CapabilityEradicate:  "high",
	playbook.CapabilityQuarantine: "high",
	playbook.CapabilityBlock:      "high",
	playbook.CapabilityRecover:    "medium",
}

// approvalSummary describes the risk and impact of an action for approvers.
func approvalSummary(a *playbook.Action, event playbook.Event) string {
	risk, ok := capabilityRisk[a.Capability]
	if !ok {
		risk = "low"
	}
	params := integration.RenderParameters(a.Parameters, event, nil)
	subject := ""
	for _, key := range []string{"target", "indicator", "channel"} {
		if v, ok := params[key]; ok {
			subject = fmt.Sprintf(" %s=%v", key, v)
			break
		}
	}
	summary := fmt.Sprintf("[%s risk] %s%s", risk, a.Capability, subject)
	if a.Description != "" {
		summary += ": " + a.Description
	}
	if t := event.Type(); t != "" {
		summary += fmt.Sprintf(" (event %s)", t)
	}
	return summary
}
