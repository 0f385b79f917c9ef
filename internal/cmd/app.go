package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/mentor/internal/config"
	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/generation"
	"github.com/dativo-io/mentor/internal/llm"
	"github.com/dativo-io/mentor/internal/orchestrator"
	"github.com/dativo-io/mentor/internal/pii"
	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/risk"
)

// app is the fully wired pipeline shared by serve and ask.
type app struct {
	cfg          *config.Config
	policy       *policy.Policy
	store        *evidence.Store
	recorder     *evidence.Recorder
	sanitizer    *pii.Sanitizer
	scorer       *risk.Scorer
	dispatcher   *risk.Dispatcher
	orchestrator *orchestrator.Orchestrator
	providers    []string
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return cfg, nil
}

func openTraceStore() (*config.Config, *evidence.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := evidence.NewStore(cfg.TraceDBPath(), cfg.SigningKey)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing trace store: %w", err)
	}
	return cfg, store, nil
}

func loadPolicy(ctx context.Context, cfg *config.Config) (*policy.Policy, error) {
	path := cfg.PolicyPath()
	pol, err := policy.LoadPolicy(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	if path == "" {
		log.Debug().Str("policy_file", cfg.PolicyFile).Msg("policy_file_absent_using_default")
	}
	return pol, nil
}

func newRecorder(store *evidence.Store, pol *policy.Policy) *evidence.Recorder {
	return evidence.NewRecorder(store, pol.Traces.DependencyHalfLife,
		time.Duration(pol.Traces.EpisodeIdleMinutes)*time.Minute)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, store, err := openTraceStore()
	if err != nil {
		return nil, err
	}
	cfg.WarnIfDefaultKeys()

	pol, err := loadPolicy(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	sanitizer, err := pii.NewSanitizer(pii.WithPatternFile(cfg.PIIPatternFile))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("pii patterns %s: %w", cfg.PIIPatternFile, err)
	}

	providers := llm.BuildProviders(cfg.ProviderSettings())
	var router generation.ModelRouter
	names := make([]string, 0, len(providers))
	if len(providers) > 0 {
		r := llm.NewRouter(cfg.Routing(), providers)
		router = r
		names = r.Providers()
	} else {
		log.Warn().Msg("no LLM provider configured; responses will use strategy fallback texts")
	}
	adapter := generation.NewAdapter(router,
		generation.WithTimeout(cfg.GenerationTimeout),
		generation.WithCircuitBreaker(generation.NewCircuitBreaker(5, time.Minute)),
	)

	recorder := newRecorder(store, pol)
	scorer := risk.NewScorer(store, pol.RiskAnalysis)
	dispatcher := risk.NewDispatcher(scorer, cfg.RiskWorkers, cfg.RiskQueueSize)

	orch, err := orchestrator.New(orchestrator.Config{
		Sanitizer:  sanitizer,
		Engine:     engine,
		Adapter:    adapter,
		Recorder:   recorder,
		Dispatcher: dispatcher,
	})
	if err != nil {
		_ = dispatcher.Shutdown(ctx)
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:          cfg,
		policy:       pol,
		store:        store,
		recorder:     recorder,
		sanitizer:    sanitizer,
		scorer:       scorer,
		dispatcher:   dispatcher,
		orchestrator: orch,
		providers:    names,
	}, nil
}

// Close drains background analysis, then closes the store.
func (a *app) Close(ctx context.Context) error {
	err := a.dispatcher.Shutdown(ctx)
	return errors.Join(err, a.store.Close())
}
