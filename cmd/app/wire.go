package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"hackthestudy/internal/config"
	"hackthestudy/internal/domain/ports/adapter"
	"hackthestudy/internal/domain/ports/repository"
	aiAdapters "hackthestudy/internal/infra/adapters/ai"
	"hackthestudy/internal/infra/api/apiv1"
	"hackthestudy/internal/infra/db/migrate"
	pg "hackthestudy/internal/infra/db/postgres"
	"hackthestudy/internal/infra/db/usagelog"
	"hackthestudy/internal/infra/extract"
	"hackthestudy/internal/infra/logging"
	"hackthestudy/internal/infra/metrics"
	red "hackthestudy/internal/infra/redis"
	"hackthestudy/internal/infra/sched"
	"hackthestudy/internal/infra/worker"
	"hackthestudy/internal/usecase"
)

// app holds the shared infrastructure every long-running subcommand needs.
type app struct {
	cfg *config.Config
	log *zerolog.Logger

	pool  *pgxpool.Pool
	sqlDB *sql.DB
	redis *red.Client

	sessions repository.SessionRepository
	jobs     repository.JobRepository
	results  repository.ResultRepository
	credits  repository.CreditRepository
	tx       repository.TransactionManager
	leases   *red.LeaseManager
	status   *red.StatusStore
	cache    *red.ResponseCache
	limiter  *red.RateLimiter

	tokenizer adapter.Tokenizer
	estimator *usecase.CostEstimator
	ledger    *usecase.CreditLedger
	creditUC  usecase.CreditUseCase
}

func loadConfig() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.LoadConfig(cfgPath, devMode)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	return cfg, logger, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger}

	if a.pool, err = pg.Connect(ctx, &cfg.Database); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if a.sqlDB, err = migrate.Open(cfg.Database.URL); err != nil {
		a.Close()
		return nil, fmt.Errorf("postgres (database/sql): %w", err)
	}
	if a.redis, err = red.NewClient(ctx, &cfg.Redis); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	go pg.ReportPoolStats(ctx, a.pool, 15*time.Second)

	a.tx = pg.NewTxManager(a.pool)
	a.sessions = pg.NewSessionRepo(a.pool)
	a.jobs = pg.NewJobRepo(a.pool, a.tx)
	a.results = pg.NewResultRepo(a.pool)
	a.credits = pg.NewCreditRepo(a.pool)

	a.leases = red.NewLeaseManager(a.redis)
	a.status = red.NewStatusStore(a.redis, cfg.Session.Retention)
	a.cache = red.NewResponseCache(a.redis, cfg.Cache.CompletionTTL)
	a.limiter = red.NewRateLimiter(a.redis)

	if cfg.AI.Provider == "stub" {
		a.tokenizer = aiAdapters.NewHeuristicTokenizer()
	} else {
		a.tokenizer = aiAdapters.NewTokenizer()
	}
	a.estimator = usecase.NewCostEstimator(pricingRules(cfg.Pricing))
	a.ledger = usecase.NewCreditLedger(a.credits, a.tx, logging.Component(logger, "ledger"))
	a.creditUC = usecase.NewCreditUseCase(a.ledger, usagelog.New(a.sqlDB))
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) jobUseCase() usecase.JobUseCase {
	return usecase.NewJobUseCase(a.sessions, a.jobs, a.results, a.leases, a.status, a.limiter, a.tx,
		usecase.SubmitPolicy{
			MaxFiles:         a.cfg.Session.MaxFiles,
			MaxFileBytes:     a.cfg.Session.MaxFileBytes,
			SubmitsPerMinute: a.cfg.Session.SubmitsPerMinute,
			DefaultModel:     a.cfg.AI.DefaultModel,
		},
		logging.Component(a.log, "jobs"))
}

func (a *app) apiLimits() apiv1.Limits {
	return apiv1.Limits{MaxFiles: a.cfg.Session.MaxFiles, MaxFileBytes: a.cfg.Session.MaxFileBytes}
}

// jobDeps builds the pipeline stages, including the AI provider chain.
func (a *app) jobDeps(ctx context.Context) (*usecase.JobDeps, error) {
	ai, err := a.aiAdapter(ctx)
	if err != nil {
		return nil, err
	}
	limited := aiAdapters.NewLimitedAI(ai, a.cfg.AI.ConcurrentLimit)

	gw := usecase.NewLLMGateway(limited, a.cache, a.ledger, a.estimator, a.tokenizer,
		usecase.GatewayConfig{
			DefaultModel: a.cfg.AI.DefaultModel,
			MaxAttempts:  a.cfg.AI.MaxAttempts,
			BaseDelay:    a.cfg.AI.RetryBaseDelay,
			MaxDelay:     a.cfg.AI.RetryMaxDelay,
			CallTimeout:  a.cfg.AI.CallTimeout,
		},
		logging.Component(a.log, "llm"))
	gw.ProviderFor = ai.ProviderFor

	gen := a.cfg.Generation
	orch := usecase.NewOrchestrator(gw, usecase.GenerationConfig{
		Topics:          gen.Topics,
		Flashcards:      gen.Flashcards,
		Questions:       gen.Questions,
		MinItems:        gen.MinItems,
		OverfetchFactor: gen.OverfetchFactor,
		MinRequest:      gen.MinRequest,
		MaxInputChars:   gen.MaxInputChars,
		Temperature:     a.cfg.AI.Temperature,
		MaxOutputTokens: a.cfg.AI.MaxOutputTokens,
	}, logging.Component(a.log, "generation"))

	router := extract.NewRouter(logging.Component(a.log, "extract"))
	return &usecase.JobDeps{
		Sessions:   a.sessions,
		Results:    a.results,
		Tx:         a.tx,
		Status:     a.status,
		Extraction: usecase.NewExtractionStage(router, a.sessions, logging.Component(a.log, "extraction")),
		Estimator:  a.estimator,
		Ledger:     a.ledger,
		Tokenizer:  a.tokenizer,
		Generator:  orch,
	}, nil
}

// aiAdapter registers every provider that has credentials. "stub" answers
// locally and is meant for development and load tests.
func (a *app) aiAdapter(ctx context.Context) (*aiAdapters.MultiAIAdapter, error) {
	c := a.cfg.AI
	byProvider := map[string]adapter.AIServiceAdapter{}
	if c.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(c.OpenAIKey, c.OpenAIBaseURL, c.DefaultModel, a.tokenizer)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		byProvider["openai"] = oa
	}
	if c.GeminiKey != "" {
		ga, err := aiAdapters.NewGeminiAdapter(ctx, c.GeminiKey, c.GeminiURL, geminiDefault(c))
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		byProvider["gemini"] = ga
	}
	byProvider["stub"] = aiAdapters.NewStubAI(a.tokenizer)

	provider := strings.ToLower(c.Provider)
	if provider == "" {
		switch {
		case c.OpenAIKey != "":
			provider = "openai"
		case c.GeminiKey != "":
			provider = "gemini"
		default:
			provider = "stub"
		}
	}
	if _, ok := byProvider[provider]; !ok {
		return nil, fmt.Errorf("ai.provider %q has no credentials configured", provider)
	}
	if provider == "stub" {
		a.log.Warn().Msg("AI provider is the local stub; results are synthetic")
	} else {
		// real deployments never fall through to the stub
		delete(byProvider, "stub")
	}
	a.log.Info().Str("provider", provider).Str("model", c.DefaultModel).Msg("AI adapter ready")
	return aiAdapters.NewMultiAIAdapter(provider, byProvider, c.ModelProviders), nil
}

func geminiDefault(c config.AIConfig) string {
	if strings.HasPrefix(strings.ToLower(c.DefaultModel), "gemini") {
		return c.DefaultModel
	}
	return ""
}

func pricingRules(p config.PricingConfig) usecase.PricingRules {
	rules := usecase.PricingRules{
		SmallTokenThreshold:  p.SmallTokenThreshold,
		MinCharge:            p.MinCharge,
		MediumTokenThreshold: p.MediumTokenThreshold,
		MediumCharge:         p.MediumCharge,
		CachedMultiplier:     p.CachedMultiplier,
		DefaultRate:          usecase.ModelRate{InputPer1K: p.DefaultRate.InputPer1K, OutputPer1K: p.DefaultRate.OutputPer1K},
		Models:               make(map[string]usecase.ModelRate, len(p.Models)),
	}
	for name, r := range p.Models {
		rules.Models[name] = usecase.ModelRate{InputPer1K: r.InputPer1K, OutputPer1K: r.OutputPer1K}
	}
	return rules
}

func (a *app) supervisor(deps *usecase.JobDeps) *worker.Supervisor {
	w := a.cfg.Worker
	return worker.NewSupervisor(a.jobs, a.leases, deps, worker.SupervisorConfig{
		PollInterval:      w.PollInterval,
		LeaseTTL:          w.LeaseTTL,
		HeartbeatInterval: w.HeartbeatInterval,
		MaxRetries:        w.MaxRetries,
		RetryBaseDelay:    w.RetryBaseDelay,
		SoftLimit:         w.SoftLimit,
		HardLimit:         w.HardLimit,
		DefaultModel:      a.cfg.AI.DefaultModel,
	}, a.log)
}

func (a *app) reaper() *sched.Reaper {
	return sched.NewReaper(a.sessions, a.jobs, a.leases, a.status, sched.ReaperConfig{
		Interval:       a.cfg.Reaper.Interval,
		HeartbeatGrace: a.cfg.Worker.HeartbeatGrace,
		BatchSize:      a.cfg.Reaper.BatchSize,
		Retention:      a.cfg.Session.Retention,
	}, a.log)
}
