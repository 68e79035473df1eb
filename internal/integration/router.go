// Package integration routes playbook actions to the external integrations
// that perform them, applying retries, timeouts and success criteria.
package integration

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"boundary-soar/internal/logging"
	"boundary-soar/internal/playbook"
)

// Result is what an integration reports for one call.
type Result struct {
	Success bool                   `json:"success"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Adapter performs actions of one or more capabilities against an
// external tool (EDR, firewall, email gateway, chat).
type Adapter interface {
	Execute(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*Result, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*Result, error)

// Execute calls f.
func (f AdapterFunc) Execute(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*Result, error) {
	return f(ctx, capability, params)
}

// Request is one action dispatch.
type Request struct {
	ExecutionID string
	Action      *playbook.Action
	Event       playbook.Event
	Variables   map[string]interface{}
}

// Outcome is the terminal result of an action's attempt sequence.
type Outcome struct {
	Success  bool
	Attempts int
	Payload  map[string]interface{}
	Err      error
	Duration time.Duration
}

// Error returns the failure message, or "" on success.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// AttemptFunc is called when an attempt starts.
type AttemptFunc func(attempt int)

// RouterConfig configures retry and timeout behavior.
type RouterConfig struct {
	DefaultTimeout time.Duration
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
}

// DefaultRouterConfig returns the default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		DefaultTimeout: 5 * time.Minute,
		RetryBackoff:   time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Router maps capabilities to adapters.
type Router struct {
	mu       sync.RWMutex
	adapters map[playbook.Capability]Adapter
	config   RouterConfig
	logger   *slog.Logger
}

// NewRouter creates a router with no adapters.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRouterConfig().DefaultTimeout
	}
	return &Router{
		adapters: make(map[playbook.Capability]Adapter),
		config:   cfg,
		logger:   logger.With("component", "integration_router"),
	}
}

// Register binds an adapter to a capability, replacing any previous one.
func (r *Router) Register(capability playbook.Capability, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[capability] = adapter
	r.logger.Info("adapter registered", "capability", capability)
}

// Adapter returns the adapter bound to a capability.
func (r *Router) Adapter(capability playbook.Capability) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[capability]
	return a, ok
}

// Capabilities lists the capabilities that have an adapter.
func (r *Router) Capabilities() []playbook.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]playbook.Capability, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute runs the action's attempt sequence: 1 + RetryCount attempts with
// exponential backoff, all bounded by the action timeout.
func (r *Router) Execute(ctx context.Context, req Request, onAttempt AttemptFunc) Outcome {
	action := req.Action
	start := time.Now()
	logger := r.logger.With("execution_id", req.ExecutionID, "action_id", action.ID, "capability", action.Capability)

	adapter, ok := r.Adapter(action.Capability)
	if !ok {
		if onAttempt != nil {
			onAttempt(1)
		}
		err := &NoAdapterError{Capability: action.Capability}
		logger.Warn("action failed", "error", err)
		return Outcome{Attempts: 1, Err: err, Duration: time.Since(start)}
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := RenderParameters(action.Parameters, req.Event, req.Variables)
	maxAttempts := 1 + action.RetryCount

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if onAttempt != nil {
			onAttempt(attempt)
		}
		logger.Debug("dispatching action",
			"attempt", attempt,
			"parameters", logging.RedactParameters(params),
		)

		res, err := r.attempt(ctx, adapter, action, params, timeout, attempt)
		if err == nil {
			logger.Info("action succeeded", "attempts", attempt, "duration", time.Since(start))
			return Outcome{Success: true, Attempts: attempt, Payload: res.Payload, Duration: time.Since(start)}
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			wait := r.backoff(attempt)
			logger.Warn("action attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", wait,
				"error", logging.MaskSensitivePatterns(err.Error()),
			)
			if !sleepCtx(ctx, wait) {
				break
			}
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsTimeout(lastErr) {
		lastErr = &TimeoutError{ActionID: action.ID, Timeout: timeout, Attempt: attempts}
	} else if lastErr == nil {
		lastErr = ctx.Err()
	}

	logger.Warn("action failed",
		"attempts", attempts,
		"error", logging.MaskSensitivePatterns(lastErr.Error()),
	)
	return Outcome{Attempts: attempts, Err: lastErr, Duration: time.Since(start)}
}

type callResult struct {
	res *Result
	err error
}

// attempt performs one adapter call. The call runs in its own goroutine so
// an adapter that ignores its context cannot hold the sequence past the
// timeout; its late result is discarded.
func (r *Router) attempt(ctx context.Context, adapter Adapter, action *playbook.Action, params map[string]interface{}, timeout time.Duration, n int) (*Result, error) {
	done := make(chan callResult, 1)
	go func() {
		res, err := adapter.Execute(ctx, action.Capability, params)
		done <- callResult{res: res, err: err}
	}()

	var cr callResult
	select {
	case cr = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{ActionID: action.ID, Timeout: timeout, Attempt: n}
		}
		return nil, ctx.Err()
	}

	if cr.err != nil {
		if errors.Is(cr.err, context.DeadlineExceeded) {
			return nil, &TimeoutError{ActionID: action.ID, Timeout: timeout, Attempt: n}
		}
		return nil, cr.err
	}
	if cr.res == nil {
		return nil, ErrNoResult
	}
	if !cr.res.Success {
		msg := cr.res.Error
		if msg == "" {
			msg = "integration reported failure"
		}
		return nil, &AdapterError{Capability: action.Capability, Message: msg}
	}
	if err := VerifyCriteria(action.ID, action.SuccessCriteria, cr.res.Payload); err != nil {
		return nil, err
	}
	return cr.res, nil
}

// backoff returns the wait after the given failed attempt: base * 2^(n-1),
// capped at MaxBackoff.
func (r *Router) backoff(attempt int) time.Duration {
	base := r.config.RetryBackoff
	if base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if r.config.MaxBackoff > 0 && wait >= r.config.MaxBackoff {
			return r.config.MaxBackoff
		}
	}
	if r.config.MaxBackoff > 0 && wait > r.config.MaxBackoff {
		return r.config.MaxBackoff
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
