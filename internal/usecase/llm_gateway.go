package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/adapter"
	"hackthestudy/internal/domain/ports/repository"
	"hackthestudy/internal/infra/metrics"
)

// CallMeta identifies who pays for a call and why.
type CallMeta struct {
	UserID    string
	SessionID string
	Purpose   string // topics | flashcards | questions
}

type CompletionRequest struct {
	Model    string
	Messages []adapter.Message
	Options  adapter.ChatOptions
}

type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	CacheHit     bool
	Cost         int64
	Attempts     int
}

// Completer is what the generation orchestrator needs from the gateway.
type Completer interface {
	Complete(ctx context.Context, meta CallMeta, req CompletionRequest) (*Completion, error)
}

type GatewayConfig struct {
	DefaultModel string
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	CallTimeout  time.Duration
}

var _ Completer = (*LLMGateway)(nil)

// LLMGateway wraps one completion call with caching, pre-flight credit
// checks, bounded retries and usage recording.
type LLMGateway struct {
	ai        adapter.AIServiceAdapter
	cache     repository.ResponseCache
	ledger    *CreditLedger
	estimator *CostEstimator
	tokenizer adapter.Tokenizer
	cfg       GatewayConfig
	log       *zerolog.Logger

	// ProviderFor labels metrics; nil means "llm".
	ProviderFor func(model string) string
	// Sleep and Jitter are replaceable in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(d time.Duration) time.Duration
	now    func() time.Time
}

func NewLLMGateway(
	ai adapter.AIServiceAdapter,
	cache repository.ResponseCache,
	ledger *CreditLedger,
	estimator *CostEstimator,
	tokenizer adapter.Tokenizer,
	cfg GatewayConfig,
	logger *zerolog.Logger,
) *LLMGateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &LLMGateway{
		ai:        ai,
		cache:     cache,
		ledger:    ledger,
		estimator: estimator,
		tokenizer: tokenizer,
		cfg:       cfg,
		log:       logger,
		Sleep:     sleepCtx,
		Jitter:    defaultJitter,
		now:       time.Now,
	}
}

func (g *LLMGateway) Complete(ctx context.Context, meta CallMeta, req CompletionRequest) (*Completion, error) {
	if req.Model == "" {
		req.Model = g.cfg.DefaultModel
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", domain.ErrInvalidArgument)
	}
	key := RequestKey(req.Model, req.Messages, req.Options)

	if out, err := g.fromCache(ctx, meta, req, key); out != nil || err != nil {
		return out, err
	}

	promptTokens, err := g.ai.CountTokens(ctx, req.Model, req.Messages)
	if err != nil || promptTokens <= 0 {
		promptTokens = g.countLocal(req.Model, req.Messages)
	}
	if err := g.ledger.Require(ctx, meta.UserID, g.estimator.Estimate(promptTokens, 0, req.Model)); err != nil {
		var ice *domain.InsufficientCreditsError
		if errors.As(err, &ice) {
			metrics.PrecheckBlocked(req.Model)
		}
		return nil, err
	}

	text, usage, attempts, err := g.callWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	in, out := usage.PromptTokens, usage.CompletionTokens
	if in <= 0 {
		in = promptTokens
	}
	if out <= 0 && text != "" {
		out = g.countText(req.Model, text)
	}

	cost := g.estimator.Estimate(in, out, req.Model)
	rec := model.NewUsageRecord(meta.UserID, meta.SessionID, req.Model, meta.Purpose, in, out, cost, false)
	if _, err := g.ledger.Record(ctx, rec); err != nil {
		return nil, err
	}

	// only paid completions are cached; a hit is billed at the discount
	if err := g.cache.Set(ctx, key, &model.CachedCompletion{
		Model:        req.Model,
		Text:         text,
		InputTokens:  in,
		OutputTokens: out,
		StoredAt:     g.now(),
	}); err != nil {
		g.log.Warn().Err(err).Str("model", req.Model).Msg("llm cache set failed")
	}
	metrics.ObserveChatUsage(g.provider(req.Model), req.Model, in, out, cost, false)

	return &Completion{
		Text:         text,
		Model:        req.Model,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         cost,
		Attempts:     attempts,
	}, nil
}

// fromCache returns (nil, nil) on a miss. Cache read failures count as misses.
func (g *LLMGateway) fromCache(ctx context.Context, meta CallMeta, req CompletionRequest, key string) (*Completion, error) {
	hit, err := g.cache.Get(ctx, key)
	if err != nil {
		g.log.Warn().Err(err).Str("model", req.Model).Msg("llm cache get failed")
		return nil, nil
	}
	if hit == nil {
		return nil, nil
	}
	cost := g.estimator.Cached(g.estimator.Estimate(hit.InputTokens, hit.OutputTokens, req.Model))
	rec := model.NewUsageRecord(meta.UserID, meta.SessionID, req.Model, meta.Purpose, hit.InputTokens, hit.OutputTokens, cost, true)
	if _, err := g.ledger.Record(ctx, rec); err != nil {
		return nil, err
	}
	metrics.ObserveChatUsage(g.provider(req.Model), req.Model, hit.InputTokens, hit.OutputTokens, cost, true)
	g.log.Debug().Str("session_id", meta.SessionID).Str("purpose", meta.Purpose).Int64("cost", cost).Msg("llm cache hit")
	return &Completion{
		Text:         hit.Text,
		Model:        req.Model,
		InputTokens:  hit.InputTokens,
		OutputTokens: hit.OutputTokens,
		CacheHit:     true,
		Cost:         cost,
	}, nil
}

// callWithRetry retries transient failures with base*2^attempt (+jitter)
// delays. Fatal errors and caller cancellation return immediately.
func (g *LLMGateway) callWithRetry(ctx context.Context, req CompletionRequest) (string, adapter.Usage, int, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		text, usage, err := g.callOnce(ctx, req)
		if err == nil {
			return text, usage, attempt + 1, nil
		}
		if ctx.Err() != nil {
			return "", adapter.Usage{}, attempt + 1, context.Cause(ctx)
		}
		if errors.Is(err, domain.ErrFatalLLM) {
			return "", adapter.Usage{}, attempt + 1, err
		}
		lastErr = err
		if attempt == g.cfg.MaxAttempts-1 {
			break
		}

		delay := g.backoff(attempt)
		metrics.IncLLMRetry(req.Model)
		g.log.Warn().Err(err).Str("model", req.Model).Int("attempt", attempt+1).Dur("delay", delay).Msg("transient llm failure, retrying")
		if err := g.Sleep(ctx, delay); err != nil {
			return "", adapter.Usage{}, attempt + 1, context.Cause(ctx)
		}
	}
	if !errors.Is(lastErr, domain.ErrTransientLLM) {
		lastErr = fmt.Errorf("%w: %v", domain.ErrTransientLLM, lastErr)
	}
	return "", adapter.Usage{}, g.cfg.MaxAttempts, fmt.Errorf("giving up after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}

func (g *LLMGateway) callOnce(ctx context.Context, req CompletionRequest) (string, adapter.Usage, error) {
	callCtx := ctx
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}
	start := g.now()
	text, usage, err := g.ai.ChatWithUsage(callCtx, req.Model, req.Messages, req.Options)
	metrics.ObserveLLMLatency(g.provider(req.Model), req.Model, time.Since(start).Milliseconds(), err == nil)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", usage, fmt.Errorf("%w: call timeout after %s", domain.ErrTransientLLM, g.cfg.CallTimeout)
	}
	return text, usage, err
}

func (g *LLMGateway) backoff(attempt int) time.Duration {
	d := g.cfg.BaseDelay << attempt
	if d <= 0 || d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	if g.Jitter != nil {
		d += g.Jitter(d)
	}
	return d
}

func (g *LLMGateway) countLocal(model string, msgs []adapter.Message) int {
	n := 0
	for _, m := range msgs {
		n += g.countText(model, m.Content)
	}
	return n
}

func (g *LLMGateway) countText(model, text string) int {
	if g.tokenizer != nil {
		return g.tokenizer.Count(model, text)
	}
	return (len([]rune(text)) + 3) / 4
}

func (g *LLMGateway) provider(model string) string {
	if g.ProviderFor != nil {
		return g.ProviderFor(model)
	}
	return "llm"
}

// defaultJitter adds up to 10% of d.
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)/10 + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
