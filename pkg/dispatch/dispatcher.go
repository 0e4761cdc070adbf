// Package dispatch routes calls to rate-limited, quota-bounded providers
// through pools of rotating credentials.
//
// The Dispatcher is the only owner of credential state. Concurrent callers
// share the pools; every state transition happens under the dispatcher lock.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Caller performs one attempt of a capability call with one credential.
// Failures should be *ProviderError; anything else is treated as transient.
type Caller interface {
	Call(ctx context.Context, kind ProviderKind, payload []byte, cred Credential) ([]byte, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, kind ProviderKind, payload []byte, cred Credential) ([]byte, error)

// Call calls f.
func (f CallerFunc) Call(ctx context.Context, kind ProviderKind, payload []byte, cred Credential) ([]byte, error) {
	return f(ctx, kind, payload, cred)
}

// Observer receives one notification per provider attempt.
type Observer interface {
	AttemptCompleted(ctx context.Context, kind ProviderKind, credentialID string, outcome string, elapsed time.Duration)
}

// Call is one logical request to a provider.
type Call struct {
	Kind ProviderKind
	// Operation labels the call in logs and seeds retry jitter.
	Operation string
	Payload   []byte
}

// Result is the outcome of a successful Dispatch.
type Result struct {
	Body         []byte
	CredentialID string
	Attempts     int
	Rotations    int
}

// Config bounds rotation, retries and waiting.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	// MaxRotations caps credential switches per call; 0 means pool size.
	MaxRotations int
	MaxRetries   int
	Backoff      BackoffPolicy
	CallTimeout  time.Duration
	CallTimeouts map[ProviderKind]time.Duration
	// CredentialWait is the global ceiling on waiting for any credential.
	CredentialWait time.Duration
	// QuotaReset returns exhausted credentials to service; 0 disables it.
	QuotaReset time.Duration
	// RateLimitedFor is used when a rate-limit response carries no hint.
	RateLimitedFor time.Duration
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		Backoff:        DefaultBackoffPolicy(),
		CallTimeout:    120 * time.Second,
		CredentialWait: 2 * time.Minute,
		QuotaReset:     24 * time.Hour,
		RateLimitedFor: time.Minute,
	}
}

// Dispatcher executes calls against provider pools.
type Dispatcher struct {
	mu     sync.Mutex
	pools  map[ProviderKind][]*credentialRecord
	order  []ProviderKind
	caller Caller
	cfg    Config

	limiter  Limiter
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter replaces the per-credential limiter.
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the time source and the sleep function, for tests.
func WithClock(clock func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		d.clock = clock
		d.sleep = sleep
	}
}

// New creates a dispatcher over the given pools.
func New(caller Caller, cfg Config, pools []Pool, opts ...Option) (*Dispatcher, error) {
	if caller == nil {
		return nil, errors.New("dispatch: caller is required")
	}
	d := &Dispatcher{
		pools:   make(map[ProviderKind][]*credentialRecord, len(pools)),
		caller:  caller,
		cfg:     cfg,
		limiter: NewLocalLimiter(5, 1),
		logger:  slog.Default().With("component", "dispatch"),
		clock:   time.Now,
		sleep:   sleepContext,
	}
	for _, p := range pools {
		if _, dup := d.pools[p.Kind]; dup {
			return nil, fmt.Errorf("dispatch: duplicate pool for provider %q", p.Kind)
		}
		records, err := newPool(p)
		if err != nil {
			return nil, err
		}
		d.pools[p.Kind] = records
		d.order = append(d.order, p.Kind)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.RateLimitedFor <= 0 {
		d.cfg.RateLimitedFor = time.Minute
	}
	return d, nil
}

// Dispatch executes call, rotating credentials on quota errors and retrying
// transient failures. A cancelled ctx never interrupts an attempt already in
// flight; it stops the dispatcher before the next wait or attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (Result, error) {
	d.mu.Lock()
	pool, ok := d.pools[call.Kind]
	d.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, call.Kind)
	}

	maxRotations := d.cfg.MaxRotations
	if maxRotations <= 0 {
		maxRotations = len(pool)
	}
	deadline := d.clock().Add(d.cfg.CredentialWait)

	var (
		res       Result
		transient int
		lastErr   error
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rec, err := d.acquire(ctx, call.Kind, deadline)
		if err != nil {
			if lastErr != nil && IsQuota(err) {
				err = fmt.Errorf("%w (last provider error: %v)", err, lastErr)
			}
			return res, err
		}
		if err := d.limiter.Wait(ctx, rec.cred.ID); err != nil {
			return res, fmt.Errorf("dispatch: rate limit wait: %w", err)
		}

		res.Attempts++
		body, err := d.attempt(ctx, call, rec.cred)
		if err == nil {
			res.Body = body
			res.CredentialID = rec.cred.ID
			return res, nil
		}
		lastErr = err

		switch classify(err) {
		case KindQuota:
			res.Rotations++
			d.logger.WarnContext(ctx, "credential quota exhausted, rotating",
				"credential", rec.cred.ID, "suffix", rec.cred.Suffix(), "operation", call.Operation)
			if d.allExhausted(call.Kind) {
				return res, fmt.Errorf("%w: %s: %v", ErrAllCredentialsExhausted, call.Kind, err)
			}
			if res.Rotations > maxRotations {
				return res, fmt.Errorf("%w: rotation ceiling %d reached: %v", ErrAllCredentialsExhausted, maxRotations, err)
			}
		case KindRateLimited:
			res.Rotations++
			d.logger.WarnContext(ctx, "credential rate limited, rotating",
				"credential", rec.cred.ID, "operation", call.Operation)
			if res.Rotations > maxRotations {
				return res, fmt.Errorf("%w: rotation ceiling %d reached: %v", ErrQuotaExhausted, maxRotations, err)
			}
		case KindPermanent:
			return res, fmt.Errorf("%w: %v", ErrProviderPermanent, err)
		default:
			if transient >= d.cfg.MaxRetries {
				return res, fmt.Errorf("%w: %s after %d attempts: %v", ErrProviderUnavailable, call.Kind, res.Attempts, err)
			}
			delay := ComputeBackoff(d.cfg.Backoff, string(call.Kind)+":"+call.Operation, transient)
			transient++
			d.logger.InfoContext(ctx, "transient provider error, backing off",
				"credential", rec.cred.ID, "attempt", transient, "delay", delay, "error", err)
			if err := d.sleep(ctx, delay); err != nil {
				return res, err
			}
		}
	}
}

// attempt runs one provider call. The attempt is detached from ctx
// cancellation and bounded only by the per-call timeout.
func (d *Dispatcher) attempt(ctx context.Context, call Call, cred Credential) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout(call.Kind))
	defer cancel()

	start := d.clock()
	body, err := d.caller.Call(attemptCtx, call.Kind, call.Payload, cred)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && classify(err) == KindTransient {
		err = &ProviderError{Kind: KindTransient, Err: fmt.Errorf("call timed out: %w", err)}
	}
	outcome := d.record(cred, err)

	if d.observer != nil {
		d.observer.AttemptCompleted(ctx, call.Kind, cred.ID, outcome, d.clock().Sub(start))
	}
	return body, err
}

func (d *Dispatcher) callTimeout(kind ProviderKind) time.Duration {
	if t, ok := d.cfg.CallTimeouts[kind]; ok && t > 0 {
		return t
	}
	if d.cfg.CallTimeout > 0 {
		return d.cfg.CallTimeout
	}
	return 120 * time.Second
}

// record updates counters and state for one attempt and returns its outcome.
func (d *Dispatcher) record(cred Credential, err error) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.find(cred)
	if rec == nil {
		return "unknown"
	}
	rec.requests++
	if err == nil {
		rec.successes++
		return "success"
	}
	rec.failures++

	now := d.clock()
	kind := classify(err)
	switch kind {
	case KindQuota:
		rec.quotaErrors++
		rec.state = CredentialExhausted
		rec.exhaustedAt = now
	case KindRateLimited:
		wait := d.cfg.RateLimitedFor
		var pe *ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			wait = pe.RetryAfter
		}
		until := now.Add(wait)
		// A concurrent quota error outranks a rate limit.
		if rec.state != CredentialExhausted && until.After(rec.limitedUntil) {
			rec.state = CredentialRateLimited
			rec.limitedUntil = until
		}
	}
	return string(kind)
}

func (d *Dispatcher) find(cred Credential) *credentialRecord {
	for _, rec := range d.pools[cred.Kind] {
		if rec.cred.ID == cred.ID {
			return rec
		}
	}
	return nil
}

// acquire returns the first active credential, waiting for one to become
// available until deadline.
func (d *Dispatcher) acquire(ctx context.Context, kind ProviderKind, deadline time.Time) (*credentialRecord, error) {
	for {
		d.mu.Lock()
		now := d.clock()
		var (
			next         time.Time
			allExhausted = true
		)
		for _, rec := range d.pools[kind] {
			rec.refresh(now, d.cfg.QuotaReset)
			if rec.state == CredentialActive {
				d.mu.Unlock()
				return rec, nil
			}
			if rec.state != CredentialExhausted {
				allExhausted = false
			}
			at := rec.availableAt(d.cfg.QuotaReset)
			if rec.state == CredentialExhausted && d.cfg.QuotaReset <= 0 {
				continue
			}
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}
		d.mu.Unlock()

		if next.IsZero() || next.After(deadline) {
			if allExhausted {
				return nil, fmt.Errorf("%w: %s", ErrAllCredentialsExhausted, kind)
			}
			return nil, fmt.Errorf("%w: no %s credential available within %s", ErrQuotaExhausted, kind, d.cfg.CredentialWait)
		}

		d.logger.InfoContext(ctx, "waiting for credential", "provider", kind, "until", next)
		if err := d.sleep(ctx, next.Sub(now)); err != nil {
			return nil, err
		}
	}
}

func (d *Dispatcher) allExhausted(kind ProviderKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	for _, rec := range d.pools[kind] {
		rec.refresh(now, d.cfg.QuotaReset)
		if rec.state != CredentialExhausted {
			return false
		}
	}
	return true
}

// Snapshot returns the state of every credential, pools in registration
// order.
func (d *Dispatcher) Snapshot() []CredentialStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	var out []CredentialStatus
	for _, kind := range d.order {
		for _, rec := range d.pools[kind] {
			rec.refresh(now, d.cfg.QuotaReset)
			out = append(out, rec.status())
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
