// Package provision creates backend sessions in parallel with bulkhead
// isolation: every request in a batch is dispatched concurrently, each
// request succeeds or fails on its own, and one failure never cancels or
// blocks its siblings. A bounded-retry pass can then be run over just the
// failures.
//
// All backend calls go through a shared circuit breaker; failures are
// routed through the error classifier so that domain-wide outages trip the
// breaker while single-session faults are retried quietly.
package provision

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rjwalters/loom/internal/backend"
	"github.com/rjwalters/loom/internal/breaker"
	"github.com/rjwalters/loom/internal/errors"
	"github.com/rjwalters/loom/internal/logging"
)

// Request describes one session to provision.
type Request struct {
	ConfigID       string `json:"config_id"`
	DisplayName    string `json:"display_name"`
	Role           string `json:"role"`
	WorkingDir     string `json:"working_dir"`
	InstanceNumber int    `json:"instance_number"`
}

// Result records a successful provision.
type Result struct {
	ConfigID  string `json:"config_id"`
	SessionID string `json:"session_id"`
}

// Failure records a failed provision.
type Failure struct {
	ConfigID string `json:"config_id"`
	Err      error  `json:"-"`
}

// Batch is the outcome of one provisioning pass. Every dispatched request
// appears in exactly one of the two slices.
type Batch struct {
	Succeeded []Result
	Failed    []Failure
}

// Default retry settings.
const (
	DefaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// Options configures a Provisioner.
type Options struct {
	// MaxAttempts bounds per-item attempts in the retry pass run by
	// ProvisionWithRetry. Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// BackoffBase is the fallback backoff base when a failure's domain
	// gives no delay. Defaults to 500ms.
	BackoffBase time.Duration
}

// Provisioner creates sessions against a backend through a circuit
// breaker. It holds no per-batch state and is safe for concurrent use.
type Provisioner struct {
	client      backend.Client
	breaker     *breaker.Breaker
	log         *logging.Logger
	maxAttempts int
	backoffBase time.Duration
}

// New creates a Provisioner.
func New(client backend.Client, brk *breaker.Breaker, log *logging.Logger, opts Options) *Provisioner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Provisioner{
		client:      client,
		breaker:     brk,
		log:         log,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
	}
}

// create performs one backend create call through the breaker and
// classifies any failure.
func (p *Provisioner) create(ctx context.Context, req Request) (string, error) {
	sessionID, err := breaker.Do(p.breaker, func() (string, error) {
		return p.client.Create(ctx, backend.CreateRequest{
			ConfigID:       req.ConfigID,
			Name:           req.DisplayName,
			WorkingDir:     req.WorkingDir,
			Role:           req.Role,
			InstanceNumber: req.InstanceNumber,
		})
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			// Breaker refused; don't re-classify, callers must be able to
			// tell this apart from a backend refusal.
			return "", errors.NewStructured(errors.DomainTransport, "circuit_open",
				"backend calls suspended by circuit breaker").
				WithCause(err).
				WithRecoverable().
				WithHint("wait for the breaker cooldown to elapse")
		}
		return "", errors.Classify(err)
	}
	return sessionID, nil
}

// ProvisionAll dispatches every request concurrently and waits for all of
// them to resolve. Per-request failure is isolated: the batch always
// accounts for every request, either in Succeeded or in Failed, even when
// the context is canceled mid-flight.
func (p *Provisioner) ProvisionAll(ctx context.Context, requests []Request) Batch {
	type outcome struct {
		index     int
		sessionID string
		err       error
	}

	outcomes := make([]outcome, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			sessionID, err := p.create(ctx, req)
			outcomes[i] = outcome{index: i, sessionID: sessionID, err: err}
		}(i, req)
	}
	wg.Wait()

	var batch Batch
	for i, out := range outcomes {
		if out.err != nil {
			p.log.Warn("session provision failed",
				"config_id", requests[i].ConfigID, "error", out.err.Error())
			batch.Failed = append(batch.Failed, Failure{ConfigID: requests[i].ConfigID, Err: out.err})
			continue
		}
		p.log.Info("session provisioned",
			"config_id", requests[i].ConfigID, "session_id", out.sessionID)
		batch.Succeeded = append(batch.Succeeded, Result{ConfigID: requests[i].ConfigID, SessionID: out.sessionID})
	}
	return batch
}

// RetryFailedOnly retries only the previously failed subset, looking each
// failure up by config id in the original request list. A config id with no
// matching request is reported as a permanent failure without any backend
// call. Each item gets up to maxAttempts sequential attempts with
// exponential, domain-aware backoff; independent items retry concurrently.
// Backoff waits abort when ctx is canceled.
func (p *Provisioner) RetryFailedOnly(ctx context.Context, failed []Failure, requests []Request, maxAttempts int) Batch {
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}

	byConfigID := make(map[string]Request, len(requests))
	for _, req := range requests {
		byConfigID[req.ConfigID] = req
	}

	type outcome struct {
		result  *Result
		failure *Failure
	}

	outcomes := make([]outcome, len(failed))
	var wg sync.WaitGroup
	for i, f := range failed {
		req, ok := byConfigID[f.ConfigID]
		if !ok {
			outcomes[i] = outcome{failure: &Failure{
				ConfigID: f.ConfigID,
				Err: errors.NewStructured(errors.DomainInternal, "unknown_config_id",
					"failed item has no matching request").
					WithDetail("config_id", f.ConfigID),
			}}
			continue
		}

		wg.Add(1)
		go func(i int, req Request, lastErr error) {
			defer wg.Done()
			result, err := p.retryOne(ctx, req, lastErr, maxAttempts)
			if err != nil {
				outcomes[i] = outcome{failure: &Failure{ConfigID: req.ConfigID, Err: err}}
				return
			}
			outcomes[i] = outcome{result: result}
		}(i, req, f.Err)
	}
	wg.Wait()

	var batch Batch
	for _, out := range outcomes {
		if out.result != nil {
			batch.Succeeded = append(batch.Succeeded, *out.result)
		} else if out.failure != nil {
			batch.Failed = append(batch.Failed, *out.failure)
		}
	}
	return batch
}

// retryOne runs sequential attempts for a single request.
func (p *Provisioner) retryOne(ctx context.Context, req Request, lastErr error, maxAttempts int) (*Result, error) {
	log := p.log.WithSession(req.ConfigID)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.wait(ctx, p.backoffFor(lastErr, attempt)); err != nil {
			return nil, err
		}

		sessionID, err := p.create(ctx, req)
		if err == nil {
			log.Info("session provisioned on retry", "attempt", attempt, "session_id", sessionID)
			return &Result{ConfigID: req.ConfigID, SessionID: sessionID}, nil
		}

		lastErr = err
		log.Warn("retry attempt failed", "attempt", attempt, "error", err.Error())

		if serr := errors.Classify(err); !serr.Recoverable {
			break
		}
	}
	return nil, lastErr
}

// backoffFor computes the delay before an attempt: no delay before the
// first, then exponential doubling of the failed domain's base delay.
func (p *Provisioner) backoffFor(lastErr error, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := p.backoffBase
	if serr := errors.Classify(lastErr); serr != nil {
		if d := errors.DefaultRetryDelay(serr.Domain); d > 0 {
			base = d
		}
	}
	return base << (attempt - 2)
}

// wait sleeps for d or returns early when ctx is canceled, so a caller
// cancel aborts in-flight backoff waits.
func (p *Provisioner) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Classify(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// ProvisionWithRetry is the composed operation used by the orchestrator:
// it assigns each request a fresh monotonic instance number from counter
// (in request order, before any concurrent dispatch, so numbering is stable
// regardless of completion order), runs ProvisionAll, then one retry pass
// over the failures. The returned batch is the union of first-pass and
// retried successes plus the final failures, ordered by config id.
func (p *Provisioner) ProvisionWithRetry(ctx context.Context, requests []Request, counter *Counter) Batch {
	numbered := make([]Request, len(requests))
	for i, req := range requests {
		req.InstanceNumber = counter.Next()
		numbered[i] = req
	}

	first := p.ProvisionAll(ctx, numbered)
	if len(first.Failed) == 0 {
		return first
	}

	retried := p.RetryFailedOnly(ctx, first.Failed, numbered, p.maxAttempts)

	merged := Batch{
		Succeeded: append(first.Succeeded, retried.Succeeded...),
		Failed:    retried.Failed,
	}
	sort.Slice(merged.Succeeded, func(i, j int) bool {
		return merged.Succeeded[i].ConfigID < merged.Succeeded[j].ConfigID
	})
	sort.Slice(merged.Failed, func(i, j int) bool {
		return merged.Failed[i].ConfigID < merged.Failed[j].ConfigID
	})
	return merged
}
