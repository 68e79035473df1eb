// Package approval implements the gate that holds sensitive playbook
// actions until an approver of sufficient level signs them off.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"boundary-soar/internal/logging"
	"boundary-soar/internal/playbook"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Final reports whether the request has been resolved.
func (s Status) Final() bool {
	return s != StatusPending
}

// Gate errors.
var (
	ErrRequestNotFound   = errors.New("approval request not found")
	ErrAlreadyResolved   = errors.New("approval request already resolved")
	ErrUnknownApprover   = errors.New("unknown approver")
	ErrInsufficientLevel = errors.New("approver level insufficient")
	ErrApprovalNotNeeded = errors.New("action does not require approval")
)

// Request is an action waiting for human sign-off.
type Request struct {
	ID            string                 `json:"id"`
	ExecutionID   string                 `json:"execution_id"`
	PlaybookID    string                 `json:"playbook_id"`
	ActionID      string                 `json:"action_id"`
	Capability    playbook.Capability    `json:"capability"`
	RequiredLevel playbook.ApprovalLevel `json:"required_level"`
	Summary       string                 `json:"summary"`
	Status        Status                 `json:"status"`
	RequestedAt   time.Time              `json:"requested_at"`
	ExpiresAt     time.Time              `json:"expires_at,omitempty"`
	ResolvedAt    time.Time              `json:"resolved_at,omitempty"`
	Approver      string                 `json:"approver,omitempty"`
	ApproverLevel playbook.ApprovalLevel `json:"approver_level,omitempty"`
	Notes         string                 `json:"notes,omitempty"`
}

// Approved reports whether the request was approved.
func (r *Request) Approved() bool {
	return r.Status == StatusApproved
}

// Directory resolves approver names to approval levels.
type Directory interface {
	Level(approver string) (playbook.ApprovalLevel, bool)
}

// StaticDirectory is a fixed approver-to-level map.
type StaticDirectory map[string]playbook.ApprovalLevel

// Level returns the approver's level.
func (d StaticDirectory) Level(approver string) (playbook.ApprovalLevel, bool) {
	l, ok := d[approver]
	if !ok || l.Automatic() || !l.Valid() {
		return "", false
	}
	return l, true
}

// ResolveFunc is notified once per finalized request.
type ResolveFunc func(req Request)

// Config configures the gate.
type Config struct {
	// DefaultExpiry applies to actions without an approval timeout. Zero
	// means requests never expire.
	DefaultExpiry time.Duration
}

// Gate holds approval requests.
type Gate struct {
	mu        sync.RWMutex
	requests  map[string]*Request
	byAction  map[string]string
	directory Directory
	config    Config
	listeners []ResolveFunc
	now       func() time.Time
	logger    *slog.Logger
}

// NewGate creates a gate backed by an approver directory.
func NewGate(cfg Config, directory Directory, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if directory == nil {
		directory = StaticDirectory{}
	}
	return &Gate{
		requests:  make(map[string]*Request),
		byAction:  make(map[string]string),
		directory: directory,
		config:    cfg,
		now:       time.Now,
		logger:    logger.With("component", "approval_gate"),
	}
}

// OnResolve registers a listener for finalized requests. Listeners run
// synchronously after the gate's lock is released.
func (g *Gate) OnResolve(fn ResolveFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

func actionKey(executionID, actionID string) string {
	return executionID + "/" + actionID
}

// Request opens an approval request for an action of an execution. While a
// request for the same execution and action is pending, the existing
// request is returned and created is false.
func (g *Gate) Request(executionID, playbookID string, action *playbook.Action, summary string) (req Request, created bool, err error) {
	if !action.NeedsApproval() {
		return Request{}, false, fmt.Errorf("%w: %s", ErrApprovalNotNeeded, action.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := actionKey(executionID, action.ID)
	if id, ok := g.byAction[key]; ok {
		if existing := g.requests[id]; existing != nil && existing.Status == StatusPending {
			return *existing, false, nil
		}
	}

	now := g.now().UTC()
	r := &Request{
		ID:            uuid.New().String(),
		ExecutionID:   executionID,
		PlaybookID:    playbookID,
		ActionID:      action.ID,
		Capability:    action.Capability,
		RequiredLevel: action.ApprovalRequired,
		Summary:       summary,
		Status:        StatusPending,
		RequestedAt:   now,
	}
	expiry := action.ApprovalTimeout
	if expiry <= 0 {
		expiry = g.config.DefaultExpiry
	}
	if expiry > 0 {
		r.ExpiresAt = now.Add(expiry)
	}

	g.requests[r.ID] = r
	g.byAction[key] = r.ID

	g.logger.Info("approval requested",
		"request_id", r.ID,
		"execution_id", executionID,
		"action_id", action.ID,
		"required_level", r.RequiredLevel,
	)
	return *r, true, nil
}

// Resolve records an approver's decision. The approver must hold at least
// the request's required level, for approvals and denials alike.
func (g *Gate) Resolve(requestID, approver string, approved bool, notes string) (Request, error) {
	g.mu.Lock()
	r, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if r.Status.Final() {
		g.mu.Unlock()
		return *r, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, requestID, r.Status)
	}

	level, known := g.directory.Level(approver)
	if !known {
		g.mu.Unlock()
		return *r, fmt.Errorf("%w: %s", ErrUnknownApprover, approver)
	}
	if !level.Satisfies(r.RequiredLevel) {
		g.mu.Unlock()
		g.logger.Warn("approval rejected: insufficient level",
			"request_id", requestID,
			"approver", approver,
			"approver_level", level,
			"required_level", r.RequiredLevel,
		)
		return *r, fmt.Errorf("%w: %s holds %s, %s required", ErrInsufficientLevel, approver, level, r.RequiredLevel)
	}

	r.Status = StatusDenied
	if approved {
		r.Status = StatusApproved
	}
	r.Approver = approver
	r.ApproverLevel = level
	r.Notes = notes
	r.ResolvedAt = g.now().UTC()
	resolved := *r
	listeners := append([]ResolveFunc(nil), g.listeners...)
	g.mu.Unlock()

	g.logger.Info("approval resolved",
		"request_id", requestID,
		"execution_id", resolved.ExecutionID,
		"action_id", resolved.ActionID,
		"status", resolved.Status,
		"approver", approver,
		"notes", logging.MaskSensitivePatterns(notes),
	)
	for _, fn := range listeners {
		fn(resolved)
	}
	return resolved, nil
}

// Get returns a request by id.
func (g *Gate) Get(requestID string) (Request, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.requests[requestID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	return *r, nil
}

// List returns requests, optionally filtered by status and execution,
// oldest first.
func (g *Gate) List(status Status, executionID string) []Request {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Request
	for _, r := range g.requests {
		if status != "" && r.Status != status {
			continue
		}
		if executionID != "" && r.ExecutionID != executionID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount returns the number of pending requests.
func (g *Gate) PendingCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, r := range g.requests {
		if r.Status == StatusPending {
			n++
		}
	}
	return n
}

// CancelExecution finalizes every pending request of an execution as
// cancelled and returns them.
func (g *Gate) CancelExecution(executionID string) []Request {
	return g.finalizeWhere(StatusCancelled, "execution cancelled", func(r *Request) bool {
		return r.ExecutionID == executionID
	})
}

// ExpireStale finalizes pending requests whose expiry has passed.
func (g *Gate) ExpireStale() []Request {
	now := g.now().UTC()
	return g.finalizeWhere(StatusExpired, "expired", func(r *Request) bool {
		return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
	})
}

func (g *Gate) finalizeWhere(status Status, notes string, match func(r *Request) bool) []Request {
	g.mu.Lock()
	now := g.now().UTC()
	var done []Request
	for _, r := range g.requests {
		if r.Status != StatusPending || !match(r) {
			continue
		}
		r.Status = status
		r.Notes = notes
		r.ResolvedAt = now
		done = append(done, *r)
	}
	listeners := append([]ResolveFunc(nil), g.listeners...)
	g.mu.Unlock()

	sort.Slice(done, func(i, j int) bool { return done[i].ID < done[j].ID })
	for _, r := range done {
		g.logger.Info("approval finalized",
			"request_id", r.ID,
			"execution_id", r.ExecutionID,
			"action_id", r.ActionID,
			"status", status,
		)
		for _, fn := range listeners {
			fn(r)
		}
	}
	return done
}

// Purge drops finalized requests belonging to the given executions.
func (g *Gate) Purge(executionIDs map[string]bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, r := range g.requests {
		if r.Status.Final() && executionIDs[r.ExecutionID] {
			delete(g.requests, id)
			key := actionKey(r.ExecutionID, r.ActionID)
			if g.byAction[key] == id {
				delete(g.byAction, key)
			}
			n++
		}
	}
	return n
}
