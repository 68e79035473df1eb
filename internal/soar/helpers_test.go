package soar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"boundary-soar/internal/approval"
	"boundary-soar/internal/integration"
	"boundary-soar/internal/playbook"
)

// recorder is a fake integration that logs the start and end of every call
// by the action's "target" parameter.
type recorder struct {
	mu       sync.Mutex
	events   []string
	calls    map[string]int
	failures map[string]int
	block    map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		block:    make(map[string]bool),
	}
}

func (r *recorder) failNext(target string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[target] = n
}

func (r *recorder) blockUntilCancelled(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block[target] = true
}

func (r *recorder) log(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Execute(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*integration.Result, error) {
	target := fmt.Sprint(params["target"])

	r.mu.Lock()
	r.events = append(r.events, "start:"+target)
	r.calls[target]++
	fail := r.failures[target] > 0
	if fail {
		r.failures[target]--
	}
	block := r.block[target]
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		r.log("end:" + target)
		return nil, ctx.Err()
	}

	time.Sleep(2 * time.Millisecond)
	r.log("end:" + target)
	if fail {
		return &integration.Result{Success: false, Error: "simulated failure"}, nil
	}
	return &integration.Result{
		Success: true,
		Payload: map[string]interface{}{"target": target, "ok": true},
	}, nil
}

func (r *recorder) callCount(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[target]
}

func (r *recorder) index(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == ev {
			return i
		}
	}
	return -1
}

// assertAfter checks that later started only after earlier finished.
func (r *recorder) assertAfter(t *testing.T, earlier, later string) {
	t.Helper()
	end := r.index("end:" + earlier)
	start := r.index("start:" + later)
	if end < 0 || start < 0 {
		t.Fatalf("missing events for %s -> %s (end=%d start=%d)", earlier, later, end, start)
	}
	if start < end {
		t.Errorf("%s started (event %d) before %s finished (event %d)", later, start, earlier, end)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDirectory() approval.StaticDirectory {
	return approval.StaticDirectory{
		"alice": playbook.ApprovalAnalyst,
		"bob":   playbook.ApprovalManager,
		"carol": playbook.ApprovalCISO,
	}
}

type engineOptions struct {
	policy        FailurePolicy
	sweepInterval time.Duration
	maxExecutions int
	metrics       *Metrics
}

func newTestEngine(t *testing.T, opts engineOptions) (*Engine, *recorder) {
	t.Helper()
	logger := testLogger()
	rec := newRecorder()

	router := integration.NewRouter(integration.RouterConfig{
		DefaultTimeout: 5 * time.Second,
		RetryBackoff:   time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}, logger)
	for _, c := range playbook.Capabilities {
		router.Register(c, rec)
	}

	cfg := DefaultConfig()
	cfg.FailurePolicy = opts.policy
	cfg.ApprovalSweepInterval = opts.sweepInterval
	if opts.maxExecutions > 0 {
		cfg.MaxConcurrentExecutions = opts.maxExecutions
	}

	gate := approval.NewGate(approval.Config{}, testDirectory(), logger)
	eng := NewEngine(cfg, playbook.NewRegistry(logger), gate, router, opts.metrics, logger)
	eng.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return eng, rec
}

func act(id string, level playbook.ApprovalLevel, deps ...string) playbook.Action {
	return playbook.Action{
		ID:               id,
		Capability:       playbook.CapabilityContain,
		Parameters:       map[string]interface{}{"target": id},
		ApprovalRequired: level,
		DependsOn:        deps,
	}
}

func newPlaybook(id string, actions ...playbook.Action) *playbook.Playbook {
	return &playbook.Playbook{
		ID:          id,
		Name:        "Test " + id,
		Priority:    10,
		AutoExecute: true,
		Conditions:  []playbook.ConditionSet{{"event_type": "malware_detected"}},
		Actions:     actions,
	}
}

// scenarioPlaybook is X (automatic), Y (automatic, after X) and Z
// (analyst approval, after X).
func scenarioPlaybook() *playbook.Playbook {
	return newPlaybook("scenario",
		act("X", playbook.ApprovalAutomatic),
		act("Y", playbook.ApprovalAutomatic, "X"),
		act("Z", playbook.ApprovalAnalyst, "X"),
	)
}

func matchingEvent() playbook.Event {
	return playbook.Event{"event_type": "malware_detected", "severity": "high", "host": "ws-042"}
}

func mustRegister(t *testing.T, eng *Engine, p *playbook.Playbook) {
	t.Helper()
	if _, err := eng.RegisterPlaybook(p); err != nil {
		t.Fatalf("RegisterPlaybook(%s) error = %v", p.ID, err)
	}
}

func mustTrigger(t *testing.T, eng *Engine, event playbook.Event, playbookID string) *Execution {
	t.Helper()
	exec, err := eng.Trigger(context.Background(), event, playbookID)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	return exec
}

func waitForStatus(t *testing.T, eng *Engine, id string, want Status) *Execution {
	t.Helper()
	return waitFor(t, eng, id, "status "+string(want), func(e *Execution) bool {
		return e.Status == want
	})
}

func waitFor(t *testing.T, eng *Engine, id, what string, cond func(*Execution) bool) *Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		exec, err := eng.GetExecution(id)
		if err != nil {
			t.Fatalf("GetExecution(%s) error = %v", id, err)
		}
		if cond(exec) {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; execution status=%s error=%q", what, exec.Status, exec.Error)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// dispatcherFunc is a Dispatcher whose every action succeeds after f runs.
type dispatcherFunc func()

func (f dispatcherFunc) Execute(ctx context.Context, req integration.Request, onAttempt integration.AttemptFunc) integration.Outcome {
	if onAttempt != nil {
		onAttempt(1)
	}
	f()
	return integration.Outcome{Success: true, Attempts: 1, Payload: map[string]interface{}{"action": req.Action.ID}}
}

func newEmptyRouter(logger *slog.Logger) *integration.Router {
	return integration.NewRouter(integration.RouterConfig{DefaultTimeout: time.Second}, logger)
}
