package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/xggarcia/Curt-IA/pkg/agents"
	"github.com/xggarcia/Curt-IA/pkg/artifacts"
	"github.com/xggarcia/Curt-IA/pkg/checkpoint"
	"github.com/xggarcia/Curt-IA/pkg/config"
	"github.com/xggarcia/Curt-IA/pkg/deadlock"
	"github.com/xggarcia/Curt-IA/pkg/dispatch"
	"github.com/xggarcia/Curt-IA/pkg/llm"
	"github.com/xggarcia/Curt-IA/pkg/observability"
	"github.com/xggarcia/Curt-IA/pkg/orchestrator"
	"github.com/xggarcia/Curt-IA/pkg/tribunal"
)

// loadConfig reads the environment, overlaid on a YAML profile when path is
// set, and installs the logger.
func loadConfig(path string, logOut io.Writer) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	return cfg, nil
}

// app owns every long-lived component of one CLI invocation.
type app struct {
	cfg        *config.Config
	root       string
	store      *checkpoint.Store
	artifacts  artifacts.Store
	telemetry  *observability.Provider
	dispatcher *dispatch.Dispatcher
	closers    []func(context.Context) error
	logger     *slog.Logger
}

// newApp opens the checkpoint store rooted at root. The provider stack is
// built lazily by orchestrator.
func newApp(ctx context.Context, cfg *config.Config, root string) (*app, error) {
	a := &app{cfg: cfg, root: root, logger: slog.Default().With("component", "cli")}

	store, err := checkpoint.Open(ctx, cfg.Checkpoint, root)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return a, nil
}

// orchestrator wires providers, tribunal, breaker, artifact storage and
// telemetry into an orchestrator over the default pipeline.
func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	tel, err := observability.New(ctx, a.cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, tel.Shutdown)

	cas, err := artifacts.NewStore(ctx, a.cfg.Artifacts, a.root)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	a.artifacts = cas
	if c, ok := cas.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	d, err := a.buildDispatcher(ctx, true)
	if err != nil {
		return nil, err
	}
	client := llm.NewDispatchClient(d, llm.ProviderGemini)

	q := a.cfg.Quality
	var topts []tribunal.Option
	if q.AcceptExpr != "" {
		policy, err := tribunal.NewPolicy(q.AcceptExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: accept expression: %w", config.ErrInvalidConfig, err)
		}
		topts = append(topts, tribunal.WithPolicy(policy))
	}
	breaker := deadlock.New(deadlock.Policy{
		NearMissTolerance: q.NearMissTolerance,
		ThresholdStep:     q.ThresholdStep,
		Floor:             q.EmergencyThreshold,
		MaxRelaxations:    q.MaxRelaxations,
		ExtraIterations:   q.ExtraIterations,
	})

	return orchestrator.New(agents.DefaultPipeline(client), a.store,
		orchestrator.WithTribunal(tribunal.New(topts...)),
		orchestrator.WithBreaker(breaker),
		orchestrator.WithArtifactStore(cas),
		orchestrator.WithTelemetry(tel),
	)
}

// buildDispatcher creates the dispatcher over every configured key pool.
// requireKeys rejects a configuration without Gemini keys.
func (a *app) buildDispatcher(ctx context.Context, requireKeys bool) (*dispatch.Dispatcher, error) {
	pools := providerPools(a.cfg)
	if requireKeys && !hasKeys(pools, llm.ProviderGemini) {
		return nil, fmt.Errorf("%w: no Gemini API keys configured (set GEMINI_API_KEY, GEMINI_API_KEY_2, ...)", config.ErrInvalidConfig)
	}

	gemini := a.cfg.Providers[string(llm.ProviderGemini)]
	caller := llm.NewGeminiCaller(llm.GeminiConfig{
		Endpoint: gemini.Endpoint,
		Model:    gemini.Model,
	})

	dc := a.cfg.Dispatch
	dcfg := dispatch.Config{
		MaxRotations: dc.MaxRotations,
		MaxRetries:   dc.MaxRetries,
		Backoff: dispatch.BackoffPolicy{
			Base:      dc.BackoffBase,
			Max:       dc.BackoffMax,
			MaxJitter: dc.MaxJitter,
		},
		CallTimeout:    dc.CallTimeout,
		CallTimeouts:   map[dispatch.ProviderKind]time.Duration{},
		CredentialWait: dc.CredentialWait,
		QuotaReset:     dc.QuotaReset,
	}
	for _, p := range pools {
		dcfg.CallTimeouts[p.Kind] = a.cfg.CallTimeoutFor(string(p.Kind))
	}

	opts := []dispatch.Option{dispatch.WithLimiter(a.limiter(ctx))}
	if a.telemetry != nil {
		opts = append(opts, dispatch.WithObserver(a.telemetry.DispatchObserver()))
	}
	d, err := dispatch.New(caller, dcfg, pools, opts...)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}
	a.dispatcher = d
	return d, nil
}

// limiter shares rate limits through Redis when configured and reachable,
// and falls back to in-process buckets otherwise.
func (a *app) limiter(ctx context.Context) dispatch.Limiter {
	dc := a.cfg.Dispatch
	if dc.RedisAddr == "" {
		return dispatch.NewLocalLimiter(dc.RequestsPerMinute, dc.Burst)
	}

	rl := dispatch.NewRedisLimiter(dc.RedisAddr, dc.RequestsPerMinute, dc.Burst)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rl.Ping(pingCtx); err != nil {
		_ = rl.Close()
		a.logger.WarnContext(ctx, "redis limiter unreachable, using local limiter", "addr", dc.RedisAddr, "error", err)
		return dispatch.NewLocalLimiter(dc.RequestsPerMinute, dc.Burst)
	}
	a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
	return rl
}

func providerPools(cfg *config.Config) []dispatch.Pool {
	kinds := make([]string, 0, len(cfg.Providers))
	for k, p := range cfg.Providers {
		if len(p.Keys) > 0 {
			kinds = append(kinds, k)
		}
	}
	sort.Strings(kinds)

	pools := make([]dispatch.Pool, 0, len(kinds))
	for _, k := range kinds {
		pools = append(pools, dispatch.Pool{Kind: dispatch.ProviderKind(k), Keys: cfg.Providers[k].Keys})
	}
	return pools
}

func hasKeys(pools []dispatch.Pool, kind dispatch.ProviderKind) bool {
	for _, p := range pools {
		if p.Kind == kind && len(p.Keys) > 0 {
			return true
		}
	}
	return false
}

// Close releases components in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
