package soar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"boundary-soar/internal/approval"
	"boundary-soar/internal/playbook"
)

func TestScenarioA_ApprovalPausesUntilResolved(t *testing.T) {
	eng, rec := newTestEngine(t, engineOptions{})
	mustRegister(t, eng, scenarioPlaybook())

	exec := mustTrigger(t, eng, matchingEvent(), "")
	if exec.Status != StatusRunning {
		t.Errorf("status after trigger = %s, want running", exec.Status)
	}

	paused := waitForStatus(t, eng, exec.ID, StatusPaused)
	if len(paused.PendingApprovals) != 1 {
		t.Fatalf("approval queue = %d, want 1", len(paused.PendingApprovals))
	}
	req := paused.PendingApprovals[0]
	if req.ActionID != "Z" || req.RequiredLevel != playbook.ApprovalAnalyst {
		t.Errorf("queued request = %s/%s, want Z/analyst", req.ActionID, req.RequiredLevel)
	}
	for _, id := range []string{"X", "Y"} {
		r, ok := paused.Record(id)
		if !ok || r.Outcome != OutcomeSucceeded {
			t.Errorf("action %s record = %+v, want succeeded", id, r)
		}
	}
	if _, ok := paused.Record("Z"); ok {
		t.Error("Z must not be dispatched before approval")
	}
	if n := rec.callCount("Z"); n != 0 {
		t.Errorf("Z dispatched %d times before approval", n)
	}
	if p := paused.Progress(); p.PendingApprovals != 1 || p.CompletedActions != 2 {
		t.Errorf("progress = %+v", p)
	}

	if _, err := eng.ResolveApproval(req.ID, "alice", true, "confirmed infection"); err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}

	done := waitForStatus(t, eng, exec.ID, StatusCompleted)
	z, ok := done.Record("Z")
	if !ok || z.Outcome != OutcomeSucceeded {
		t.Fatalf("Z record = %+v, want succeeded", z)
	}
	if z.ApprovalRequestID != req.ID {
		t.Errorf("Z approval request = %q, want %q", z.ApprovalRequestID, req.ID)
	}
	if z.Attempts != 1 {
		t.Errorf("Z attempts = %d, want 1", z.Attempts)
	}
	if len(done.Executed) != 3 {
		t.Errorf("executed log has %d entries, want 3", len(done.Executed))
	}
	if len(done.PendingApprovals) != 0 {
		t.Errorf("approval queue not drained: %d", len(done.PendingApprovals))
	}
	if done.CompletedAt.IsZero() || done.StartedAt.IsZero() {
		t.Error("timestamps not set")
	}

	rec.assertAfter(t, "X", "Y")
	rec.assertAfter(t, "X", "Z")
}

func TestScenarioB_DeniedLeafAction(t *testing.T) {
	tests := []struct {
		policy     FailurePolicy
		wantStatus Status
		wantError  string
	}{
		{PolicyRelaxed, StatusCompleted, ""},
		{PolicyStrict, StatusFailed, "1 action(s) failed: Z"},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			eng, rec := newTestEngine(t, engineOptions{policy: tt.policy})
			mustRegister(t, eng, scenarioPlaybook())

			exec := mustTrigger(t, eng, matchingEvent(), "")
			paused := waitForStatus(t, eng, exec.ID, StatusPaused)

			req := paused.PendingApprovals[0]
			resolved, err := eng.ResolveApproval(req.ID, "alice", false, "false positive")
			if err != nil {
				t.Fatalf("ResolveApproval() error = %v", err)
			}
			if resolved.Status != approval.StatusDenied {
				t.Errorf("request status = %s, want denied", resolved.Status)
			}

			done := waitForStatus(t, eng, exec.ID, tt.wantStatus)
			if done.Error != tt.wantError {
				t.Errorf("execution error = %q, want %q", done.Error, tt.wantError)
			}
			z, ok := done.Record("Z")
			if !ok {
				t.Fatal("denied action missing from executed log")
			}
			if z.Outcome != OutcomeFailed || z.Error != "denied by alice" {
				t.Errorf("Z record = %s %q, want failed \"denied by alice\"", z.Outcome, z.Error)
			}
			if z.Attempts != 0 {
				t.Errorf("Z attempts = %d, want 0", z.Attempts)
			}
			if p := done.Progress(); p.FailedActions != 1 || p.CompletedActions != 2 {
				t.Errorf("progress = %+v", p)
			}
			if rec.callCount("Z") != 0 {
				t.Error("denied action was dispatched")
			}
		})
	}
}

func TestScenarioC_RetriesUntilSuccess(t *testing.T) {
	eng, rec := newTestEngine(t, engineOptions{})
	x := act("X", playbook.ApprovalAutomatic)
	x.RetryCount = 2
	mustRegister(t, eng, newPlaybook("retry", x))
	rec.failNext("X", 2)

	exec := mustTrigger(t, eng, matchingEvent(), "")
	done := waitForStatus(t, eng, exec.ID, StatusCompleted)

	r, ok := done.Record("X")
	if !ok {
		t.Fatal("X missing from executed log")
	}
	if r.Outcome != OutcomeSucceeded || r.Attempts != 3 {
		t.Errorf("X = %s after %d attempts, want succeeded after 3", r.Outcome, r.Attempts)
	}
	if len(done.Executed) != 1 {
		t.Errorf("retries must update one log entry, got %d entries", len(done.Executed))
	}
	if rec.callCount("X") != 3 {
		t.Errorf("adapter calls = %d, want 3", rec.callCount("X"))
	}
}

func TestScenarioD_CrossPlaybookDependencyRejected(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{})
	mustRegister(t, eng, newPlaybook("first", act("isolate", playbook.ApprovalAutomatic)))

	_, err := eng.RegisterPlaybook(newPlaybook("second",
		act("notify", playbook.ApprovalAutomatic, "isolate"),
	))
	if !playbook.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
	if _, err := eng.GetPlaybook("second"); !errors.Is(err, playbook.ErrPlaybookNotFound) {
		t.Errorf("rejected playbook was registered: %v", err)
	}
}

func TestFailedDependencyDeadlocks(t *testing.T) {
	eng, rec := newTestEngine(t, engineOptions{})
	x := act("X", playbook.ApprovalAutomatic)
	x.RetryCount = 1
	mustRegister(t, eng, newPlaybook("deadlock", x, act("Y", playbook.ApprovalAutomatic, "X")))
	rec.failNext("X", 5)

	exec := mustTrigger(t, eng, matchingEvent(), "")
	done := waitForStatus(t, eng, exec.ID, StatusFailed)

	if !strings.Contains(done.Error, "deadlock") || !strings.Contains(done.Error, "Y") {
		t.Errorf("error = %q, want deadlock naming Y", done.Error)
	}
	r, _ := done.Record("X")
	if r.Outcome != OutcomeFailed || r.Attempts != 2 {
		t.Errorf("X = %s after %d attempts, want failed after 2", r.Outcome, r.Attempts)
	}
	if !strings.Contains(r.Error, "simulated failure") {
		t.Errorf("X error = %q", r.Error)
	}
	if _, ok := done.Record("Y"); ok {
		t.Error("Y must never be dispatched")
	}
}

func TestDeniedApprovalBlockingDependentFails(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{})
	mustRegister(t, eng, newPlaybook("gated-chain",
		act("Z", playbook.ApprovalManager),
		act("W", playbook.ApprovalAutomatic, "Z"),
	))

	exec := mustTrigger(t, eng, matchingEvent(), "")
	paused := waitForStatus(t, eng, exec.ID, StatusPaused)
	if _, err := eng.ResolveApproval(paused.PendingApprovals[0].ID, "carol", false, ""); err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}

	done := waitForStatus(t, eng, exec.ID, StatusFailed)
	if !strings.Contains(done.Error, "deadlock") {
		t.Errorf("error = %q, want deadlock", done.Error)
	}
	if z, _ := done.Record("Z"); z.Error != "denied by carol" {
		t.Errorf("Z error = %q", z.Error)
	}
}

func TestApproverLevelEnforced(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{})
	mustRegister(t, eng, newPlaybook("manager-gate", act("Z", playbook.ApprovalManager)))

	exec := mustTrigger(t, eng, matchingEvent(), "")
	paused := waitForStatus(t, eng, exec.ID, StatusPaused)
	reqID := paused.PendingApprovals[0].ID

	if _, err := eng.ResolveApproval(reqID, "alice", true, ""); !errors.Is(err, approval.ErrInsufficientLevel) {
		t.Fatalf("analyst approval error = %v, want ErrInsufficientLevel", err)
	}
	if _, err := eng.ResolveApproval(reqID, "mallory", true, ""); !errors.Is(err, approval.ErrUnknownApprover) {
		t.Fatalf("unknown approver error = %v, want ErrUnknownApprover", err)
	}
	still, _ := eng.GetExecution(exec.ID)
	if still.Status != StatusPaused {
		t.Errorf("status after rejected approval = %s, want paused", still.Status)
	}

	if _, err := eng.ResolveApproval(reqID, "carol", true, ""); err != nil {
		t.Fatalf("ciso approval error = %v", err)
	}
	waitForStatus(t, eng, exec.ID, StatusCompleted)

	if _, err := eng.ResolveApproval(reqID, "bob", true, ""); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
}

func TestIndependentBranchRunsWhileApprovalPending(t *testing.T) {
	eng, rec := newTestEngine(t, engineOptions{})
	mustRegister(t, eng, newPlaybook("branches",
		act("gate", playbook.ApprovalAnalyst),
		act("A", playbook.ApprovalAutomatic),
		act("B", playbook.ApprovalAutomatic, "A"),
	))

	exec := mustTrigger(t, eng, matchingEvent(), "")
	paused := waitForStatus(t, eng, exec.ID, StatusPaused)
	for _, id := range []string{"A", "B"} {
		if r, ok := paused.Record(id); !ok || r.Outcome != OutcomeSucceeded {
			t.Errorf("independent action %s did not run while approval pending", id)
		}
	}
	if rec.callCount("gate") != 0 {
		t.Error("gated action dispatched before approval")
	}
}

func TestDependencyOrderUnderConcurrency(t *testing.T) {
	eng, rec := newTestEngine(t, engineOptions{})
	target := func(id string) playbook.Action {
		a := act(id, playbook.ApprovalAutomatic)
		a.Parameters["target"] = "{{event.run}}-" + id
		return a
	}
	b := target("B")
	b.DependsOn = []string{"A"}
	c := target("C")
	c.DependsOn = []string{"A"}
	d := target("D")
	d.DependsOn = []string{"B", "C"}
	mustRegister(t, eng, newPlaybook("diamond", target("A"), b, c, d))

	const runs = 12
	ids := make([]string, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := matchingEvent()
			event["run"] = fmt.Sprintf("r%d", i)
			exec, err := eng.Trigger(context.Background(), event, "")
			if err != nil {
				t.Errorf("Trigger() error = %v", err)
				return
			}
			ids[i] = exec.ID
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id == "" {
			continue
		}
		waitForStatus(t, eng, id, StatusCompleted)
		run := fmt.Sprintf("r%d", i)
		rec.assertAfter(t, run+"-A", run+"-B")
		rec.assertAfter(t, run+"-A", run+"-C")
		rec.assertAfter(t, run+"-B", run+"-D")
		rec.assertAfter(t, run+"-C", run+"-D")
	}
}

func TestVariablesFlowBetweenActions(t *testing.T) {
	eng, rec := newTestEngine(t, engineOptions{})
	y := act("Y", playbook.ApprovalAutomatic, "X")
	y.Parameters["target"] = "{{X.target}}-child"
	mustRegister(t, eng, newPlaybook("vars", act("X", playbook.ApprovalAutomatic), y))

	exec := mustTrigger(t, eng, matchingEvent(), "")
	done := waitForStatus(t, eng, exec.ID, StatusCompleted)

	if rec.callCount("X-child") != 1 {
		t.Errorf("Y was not rendered from X's payload; calls=%v", rec.calls)
	}
	payload, ok := done.Variables["X"].(map[string]interface{})
	if !ok || payload["target"] != "X" {
		t.Errorf("variables[X] = %v", done.Variables["X"])
	}
}

func TestCancelRunningExecution(t *testing.T) {
	eng, rec := newTestEngine(t, engineOptions{})
	mustRegister(t, eng, newPlaybook("cancel",
		act("X", playbook.ApprovalAutomatic),
		act("Y", playbook.ApprovalAutomatic, "X"),
	))
	rec.blockUntilCancelled("X")

	exec := mustTrigger(t, eng, matchingEvent(), "")
	waitFor(t, eng, exec.ID, "X dispatched", func(e *Execution) bool {
		_, ok := e.Record("X")
		return ok
	})

	cancelled, err := eng.Cancel(exec.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	// The in-flight result is still recorded, but nothing further runs.
	final := waitFor(t, eng, exec.ID, "X recorded", func(e *Execution) bool {
		r, ok := e.Record("X")
		return ok && r.Terminal()
	})
	if final.Status != StatusCancelled {
		t.Errorf("status changed after cancellation: %s", final.Status)
	}
	if rec.callCount("Y") != 0 {
		t.Error("Y dispatched after cancellation")
	}

	if _, err := eng.Cancel(exec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelPausedExecutionCancelsApprovals(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{})
	mustRegister(t, eng, scenarioPlaybook())

	exec := mustTrigger(t, eng, matchingEvent(), "")
	paused := waitForStatus(t, eng, exec.ID, StatusPaused)
	reqID := paused.PendingApprovals[0].ID

	cancelled, err := eng.Cancel(exec.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if len(cancelled.PendingApprovals) != 0 {
		t.Errorf("approval queue = %d after cancel, want 0", len(cancelled.PendingApprovals))
	}
	req, err := eng.GetApproval(reqID)
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if req.Status != approval.StatusCancelled {
		t.Errorf("request status = %s, want cancelled", req.Status)
	}
	if _, err := eng.ResolveApproval(reqID, "alice", true, ""); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("resolve after cancel error = %v, want ErrAlreadyResolved", err)
	}
}

func TestApprovalExpiryDeniesAction(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{sweepInterval: 5 * time.Millisecond})
	z := act("Z", playbook.ApprovalAnalyst)
	z.ApprovalTimeout = 20 * time.Millisecond
	mustRegister(t, eng, newPlaybook("expiry", act("X", playbook.ApprovalAutomatic), z))

	exec := mustTrigger(t, eng, matchingEvent(), "")
	done := waitForStatus(t, eng, exec.ID, StatusCompleted)

	r, ok := done.Record("Z")
	if !ok || r.Error != "denied: approval expired" {
		t.Errorf("Z record = %+v, want expired denial", r)
	}
}

func TestMatchingPicksHighestPriority(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{})
	low := newPlaybook("low", act("X", playbook.ApprovalAutomatic))
	low.Priority = 10
	high := newPlaybook("high", act("X", playbook.ApprovalAutomatic))
	high.Priority = 90
	high.Conditions = []playbook.ConditionSet{{"event_type": "malware_detected", "severity": "high"}}
	mustRegister(t, eng, low)
	mustRegister(t, eng, high)

	exec := mustTrigger(t, eng, matchingEvent(), "")
	if exec.PlaybookID != "high" {
		t.Errorf("matched %s, want high", exec.PlaybookID)
	}

	event := matchingEvent()
	event["severity"] = "low"
	exec = mustTrigger(t, eng, event, "")
	if exec.PlaybookID != "low" {
		t.Errorf("matched %s, want low", exec.PlaybookID)
	}
}

func TestMaxConcurrentActions(t *testing.T) {
	logger := testLogger()
	store := NewStore()
	gate := approval.NewGate(approval.Config{}, testDirectory(), logger)

	var mu sync.Mutex
	inflight, peak := 0, 0
	dispatcher := dispatcherFunc(func() {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
	})

	s := NewScheduler(store, dispatcher, gate, SchedulerConfig{MaxConcurrentActions: 2}, nil, logger)
	pb := newPlaybook("wide",
		act("a", playbook.ApprovalAutomatic),
		act("b", playbook.ApprovalAutomatic),
		act("c", playbook.ApprovalAutomatic),
		act("d", playbook.ApprovalAutomatic),
		act("e", playbook.ApprovalAutomatic),
	)
	if err := store.Create(&Execution{ID: "exec-1", PlaybookID: pb.ID, Status: StatusPending, TotalActions: 5, Event: matchingEvent()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start("exec-1", pb); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		exec, _ := store.Get("exec-1")
		if exec.Status == StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution did not complete: %s", exec.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak in-flight actions = %d, want <= 2", peak)
	}

	if err := s.Start("exec-1", pb); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("restarting a completed execution: error = %v, want ErrInvalidTransition", err)
	}
}

func TestNoAdapterFailsWithoutRetry(t *testing.T) {
	logger := testLogger()
	eng := NewEngine(DefaultConfig(), playbook.NewRegistry(logger),
		approval.NewGate(approval.Config{}, testDirectory(), logger),
		newEmptyRouter(logger), nil, logger)
	t.Cleanup(func() { eng.Stop(context.Background()) })

	x := act("X", playbook.ApprovalAutomatic)
	x.RetryCount = 3
	mustRegister(t, eng, newPlaybook("no-adapter", x))

	exec := mustTrigger(t, eng, matchingEvent(), "")
	done := waitForStatus(t, eng, exec.ID, StatusCompleted)
	r, _ := done.Record("X")
	if r.Outcome != OutcomeFailed || r.Attempts != 1 {
		t.Errorf("X = %s after %d attempts, want failed after 1", r.Outcome, r.Attempts)
	}
	if !strings.Contains(r.Error, "no adapter") {
		t.Errorf("X error = %q", r.Error)
	}
}

func TestStartEnforcesActiveRunLimit(t *testing.T) {
	logger := testLogger()
	store := NewStore()
	gate := approval.NewGate(approval.Config{}, testDirectory(), logger)
	s := NewScheduler(store, dispatcherFunc(func() {}), gate, SchedulerConfig{MaxActiveRuns: 1}, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	pb := newPlaybook("gated", act("Z", playbook.ApprovalAnalyst))
	for _, id := range []string{"exec-1", "exec-2"} {
		if err := store.Create(&Execution{ID: id, PlaybookID: pb.ID, Status: StatusPending, TotalActions: 1, Event: matchingEvent()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Start("exec-1", pb); err != nil {
		t.Fatalf("Start(exec-1) error = %v", err)
	}
	if err := s.Start("exec-2", pb); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Start(exec-2) error = %v, want ErrCapacityExceeded", err)
	}
	if exec, _ := store.Get("exec-2"); exec.Status != StatusPending {
		t.Errorf("refused execution status = %s, want pending", exec.Status)
	}
	if n := s.Active(); n != 1 {
		t.Errorf("Active() = %d, want 1", n)
	}
}
