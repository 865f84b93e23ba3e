package provision

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rjwalters/loom/internal/backend"
	"github.com/rjwalters/loom/internal/breaker"
	"github.com/rjwalters/loom/internal/errors"
)

// fakeClient is a scriptable backend: each config id maps to a queue of
// errors returned by successive Create calls, then success.
type fakeClient struct {
	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
	created  []backend.CreateRequest
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (c *fakeClient) failNTimes(configID string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.failures[configID] = append(c.failures[configID], err)
	}
}

func (c *fakeClient) callCount(configID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[configID]
}

func (c *fakeClient) Create(ctx context.Context, req backend.CreateRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.ConfigID]++
	if queue := c.failures[req.ConfigID]; len(queue) > 0 {
		err := queue[0]
		c.failures[req.ConfigID] = queue[1:]
		return "", err
	}
	c.created = append(c.created, req)
	return fmt.Sprintf("loom-%s-%d", req.ConfigID, req.InstanceNumber), nil
}

func (c *fakeClient) Destroy(ctx context.Context, sessionID string) error { return nil }

func (c *fakeClient) SendInput(ctx context.Context, sessionID string, input []byte) error {
	return nil
}

func (c *fakeClient) ReadOutput(ctx context.Context, sessionID string, since int) (backend.Output, error) {
	return backend.Output{}, nil
}

func (c *fakeClient) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return nil
}

func (c *fakeClient) Exists(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

func newTestProvisioner(client backend.Client, opts Options) *Provisioner {
	brk := breaker.New(breaker.Options{
		Threshold:  100, // keep the breaker out of the way unless a test wants it
		ShouldTrip: func(err error) bool { return errors.ShouldTripBreaker(errors.Classify(err)) },
	})
	return New(client, brk, nil, opts)
}

func requests(configIDs ...string) []Request {
	reqs := make([]Request, len(configIDs))
	for i, id := range configIDs {
		reqs[i] = Request{ConfigID: id, DisplayName: id, Role: "builder", WorkingDir: "/tmp"}
	}
	return reqs
}

func TestProvisionAll_AllSucceed(t *testing.T) {
	client := newFakeClient()
	p := newTestProvisioner(client, Options{})

	batch := p.ProvisionAll(context.Background(), requests("session-1", "session-2", "session-3"))

	if len(batch.Succeeded) != 3 {
		t.Fatalf("succeeded = %d, want 3", len(batch.Succeeded))
	}
	if len(batch.Failed) != 0 {
		t.Fatalf("failed = %d, want 0", len(batch.Failed))
	}
}

func TestProvisionAll_FailureIsolation(t *testing.T) {
	client := newFakeClient()
	client.failNTimes("session-2", 10, errors.New("duplicate session: loom-session-2-1"))
	p := newTestProvisioner(client, Options{})

	batch := p.ProvisionAll(context.Background(), requests("session-1", "session-2", "session-3"))

	if len(batch.Succeeded) != 2 {
		t.Fatalf("succeeded = %d, want 2", len(batch.Succeeded))
	}
	if len(batch.Failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(batch.Failed))
	}
	if batch.Failed[0].ConfigID != "session-2" {
		t.Errorf("failed config id = %q, want session-2", batch.Failed[0].ConfigID)
	}
	// Siblings of the failed request must still have been dispatched.
	for _, id := range []string{"session-1", "session-3"} {
		if client.callCount(id) != 1 {
			t.Errorf("call count for %s = %d, want 1", id, client.callCount(id))
		}
	}
}

func TestProvisionAll_EveryRequestAccounted(t *testing.T) {
	client := newFakeClient()
	client.failNTimes("session-1", 10, errors.New("can't find session"))
	client.failNTimes("session-3", 10, errors.New("permission denied"))
	p := newTestProvisioner(client, Options{})

	reqs := requests("session-1", "session-2", "session-3", "session-4")
	batch := p.ProvisionAll(context.Background(), reqs)

	if got := len(batch.Succeeded) + len(batch.Failed); got != len(reqs) {
		t.Errorf("accounted = %d, want %d", got, len(reqs))
	}
}

func TestRetryFailedOnly_SucceedsOnSecondAttempt(t *testing.T) {
	client := newFakeClient()
	client.failNTimes("session-1", 1, errors.New("can't find session: loom-session-1-1"))
	p := newTestProvisioner(client, Options{MaxAttempts: 2, BackoffBase: time.Millisecond})

	reqs := requests("session-1")
	first := p.ProvisionAll(context.Background(), reqs)
	if len(first.Failed) != 1 {
		t.Fatalf("first pass failed = %d, want 1", len(first.Failed))
	}

	retried := p.RetryFailedOnly(context.Background(), first.Failed, reqs, 2)

	if len(retried.Succeeded) != 1 {
		t.Fatalf("retried succeeded = %d, want 1", len(retried.Succeeded))
	}
	// One first-pass call plus exactly one retry call.
	if got := client.callCount("session-1"); got != 2 {
		t.Errorf("total backend calls = %d, want 2", got)
	}
}

func TestRetryFailedOnly_OnlyFailuresRetried(t *testing.T) {
	client := newFakeClient()
	client.failNTimes("session-2", 1, errors.New("can't find session"))
	p := newTestProvisioner(client, Options{MaxAttempts: 3, BackoffBase: time.Millisecond})

	reqs := requests("session-1", "session-2")
	first := p.ProvisionAll(context.Background(), reqs)

	_ = p.RetryFailedOnly(context.Background(), first.Failed, reqs, 3)

	if got := client.callCount("session-1"); got != 1 {
		t.Errorf("succeeded item was retried: call count = %d, want 1", got)
	}
}

func TestRetryFailedOnly_StopsOnNonRecoverable(t *testing.T) {
	client := newFakeClient()
	client.failNTimes("session-1", 10, errors.New("mkdir /work: permission denied"))
	p := newTestProvisioner(client, Options{BackoffBase: time.Millisecond})

	reqs := requests("session-1")
	failed := []Failure{{ConfigID: "session-1", Err: errors.New("permission denied")}}

	batch := p.RetryFailedOnly(context.Background(), failed, reqs, 5)

	if len(batch.Failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(batch.Failed))
	}
	// Non-recoverable classification aborts after the first retry attempt.
	if got := client.callCount("session-1"); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestRetryFailedOnly_UnknownConfigID(t *testing.T) {
	client := newFakeClient()
	p := newTestProvisioner(client, Options{BackoffBase: time.Millisecond})

	failed := []Failure{{ConfigID: "session-99", Err: errors.New("can't find session")}}
	batch := p.RetryFailedOnly(context.Background(), failed, requests("session-1"), 3)

	if len(batch.Failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(batch.Failed))
	}
	var serr *errors.StructuredError
	if !errors.As(batch.Failed[0].Err, &serr) {
		t.Fatalf("err = %v, want structured error", batch.Failed[0].Err)
	}
	if serr.Code != "unknown_config_id" {
		t.Errorf("code = %q, want unknown_config_id", serr.Code)
	}
	if got := client.callCount("session-99"); got != 0 {
		t.Errorf("backend calls for unknown config id = %d, want 0", got)
	}
}

func TestRetryFailedOnly_ContextCancelAbortsBackoff(t *testing.T) {
	client := newFakeClient()
	client.failNTimes("session-1", 10, errors.New("can't find session"))
	p := newTestProvisioner(client, Options{BackoffBase: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	reqs := requests("session-1")
	failed := []Failure{{ConfigID: "session-1", Err: errors.New("can't find session")}}

	done := make(chan Batch, 1)
	go func() {
		done <- p.RetryFailedOnly(ctx, failed, reqs, 3)
	}()

	// Let the first attempt fail, then cancel during the backoff wait.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case batch := <-done:
		if len(batch.Failed) != 1 {
			t.Fatalf("failed = %d, want 1", len(batch.Failed))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry pass did not abort on context cancellation")
	}
}

func TestProvisionWithRetry_ExactlyTwoCallsOnSecondAttemptSuccess(t *testing.T) {
	client := newFakeClient()
	client.failNTimes("session-1", 1, errors.New("can't find session: loom-session-1-1"))
	p := newTestProvisioner(client, Options{MaxAttempts: 2, BackoffBase: time.Millisecond})

	counter := NewCounter(1)
	batch := p.ProvisionWithRetry(context.Background(), requests("session-1"), counter)

	if len(batch.Succeeded) != 1 {
		t.Fatalf("succeeded = %d, want 1 (failed: %+v)", len(batch.Succeeded), batch.Failed)
	}
	if got := client.callCount("session-1"); got != 2 {
		t.Errorf("backend calls = %d, want exactly 2", got)
	}
}

func TestProvisionWithRetry_MonotonicInstanceNumbers(t *testing.T) {
	client := newFakeClient()
	p := newTestProvisioner(client, Options{})

	counter := NewCounter(4)
	batch := p.ProvisionWithRetry(context.Background(), requests("session-1", "session-2", "session-3"), counter)

	if len(batch.Succeeded) != 3 {
		t.Fatalf("succeeded = %d, want 3", len(batch.Succeeded))
	}

	// Numbers are assigned in request order before dispatch, so completion
	// order cannot perturb them.
	client.mu.Lock()
	seen := make(map[string]int, len(client.created))
	for _, req := range client.created {
		seen[req.ConfigID] = req.InstanceNumber
	}
	client.mu.Unlock()

	want := map[string]int{"session-1": 4, "session-2": 5, "session-3": 6}
	for id, n := range want {
		if seen[id] != n {
			t.Errorf("instance number for %s = %d, want %d", id, seen[id], n)
		}
	}
	if counter.Peek() != 7 {
		t.Errorf("counter.Peek() = %d, want 7", counter.Peek())
	}
}

func TestProvisionWithRetry_CircuitOpenFailure(t *testing.T) {
	client := newFakeClient()
	brk := breaker.New(breaker.Options{Threshold: 1, Cooldown: time.Hour})
	p := New(client, brk, nil, Options{MaxAttempts: 1, BackoffBase: time.Millisecond})

	// Trip the breaker before provisioning.
	_ = brk.Execute(func() error { return errors.New("no server running on /tmp/tmux-0/loom") })

	batch := p.ProvisionWithRetry(context.Background(), requests("session-1"), NewCounter(1))

	if len(batch.Failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(batch.Failed))
	}
	var serr *errors.StructuredError
	if !errors.As(batch.Failed[0].Err, &serr) {
		t.Fatalf("err = %v, want structured error", batch.Failed[0].Err)
	}
	if serr.Code != "circuit_open" {
		t.Errorf("code = %q, want circuit_open", serr.Code)
	}
	if !errors.Is(batch.Failed[0].Err, breaker.ErrOpen) {
		t.Errorf("circuit_open failure must unwrap to breaker.ErrOpen")
	}
	if got := client.callCount("session-1"); got != 0 {
		t.Errorf("backend calls while open = %d, want 0", got)
	}
}

func TestProvisionWithRetry_ServerDownScenario(t *testing.T) {
	// A dead backend server: every create fails with a daemon-down error.
	client := newFakeClient()
	serverDown := errors.New("no server running on /tmp/tmux-1000/loom")
	client.failNTimes("session-1", 10, serverDown)
	client.failNTimes("session-2", 10, serverDown)
	p := newTestProvisioner(client, Options{MaxAttempts: 1, BackoffBase: time.Millisecond})

	batch := p.ProvisionWithRetry(context.Background(), requests("session-1", "session-2"), NewCounter(1))

	if len(batch.Failed) != 2 {
		t.Fatalf("failed = %d, want 2", len(batch.Failed))
	}
	for _, f := range batch.Failed {
		var serr *errors.StructuredError
		if !errors.As(f.Err, &serr) {
			t.Fatalf("err = %v, want structured error", f.Err)
		}
		if serr.Domain != errors.DomainTransport {
			t.Errorf("%s: domain = %v, want transport", f.ConfigID, serr.Domain)
		}
		if !serr.Recoverable {
			t.Errorf("%s: server-down failure must be recoverable", f.ConfigID)
		}
	}
}
