package usecase

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/adapter"
)

type GenerationConfig struct {
	Topics          int
	Flashcards      int
	Questions       int
	MinItems        int     // fallback pads up to this many
	OverfetchFactor float64 // ask the model for factor*count items
	MinRequest      int     // but never fewer than this
	MaxInputChars   int
	Temperature     float64
	MaxOutputTokens int
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Topics:          6,
		Flashcards:      10,
		Questions:       10,
		MinItems:        3,
		OverfetchFactor: 2,
		MinRequest:      10,
		MaxInputChars:   60000,
		Temperature:     0.3,
		MaxOutputTokens: 2048,
	}
}

type GenerationRequest struct {
	SessionID string
	UserID    string
	Text      string
	Model     string
	Options   model.JobOptions
	// Existing is the persisted set; append mode keeps it and de-duplicates against it.
	Existing *model.GenerationResult
}

// Orchestrator runs the three generation sub-tasks concurrently over the
// read-only document and joins them into one result.
type Orchestrator struct {
	llm Completer
	cfg GenerationConfig
	log *zerolog.Logger
}

func NewOrchestrator(llm Completer, cfg GenerationConfig, logger *zerolog.Logger) *Orchestrator {
	def := DefaultGenerationConfig()
	if cfg.MinItems <= 0 {
		cfg.MinItems = def.MinItems
	}
	if cfg.OverfetchFactor < 1 {
		cfg.OverfetchFactor = def.OverfetchFactor
	}
	if cfg.MinRequest <= 0 {
		cfg.MinRequest = def.MinRequest
	}
	if cfg.Topics <= 0 {
		cfg.Topics = def.Topics
	}
	if cfg.Flashcards <= 0 {
		cfg.Flashcards = def.Flashcards
	}
	if cfg.Questions <= 0 {
		cfg.Questions = def.Questions
	}
	return &Orchestrator{llm: llm, cfg: cfg, log: logger}
}

// requestCount is how many items to ask the model for.
func (o *Orchestrator) requestCount(want int) int {
	n := int(math.Ceil(float64(want) * o.cfg.OverfetchFactor))
	if n < o.cfg.MinRequest {
		n = o.cfg.MinRequest
	}
	return n
}

// Generate returns the complete artifact set for the session. onStep is
// called once per finished sub-task.
func (o *Orchestrator) Generate(ctx context.Context, req GenerationRequest, onStep func(done int)) (*model.GenerationResult, error) {
	text := req.Text
	if o.cfg.MaxInputChars > 0 {
		if r := []rune(text); len(r) > o.cfg.MaxInputChars {
			text = string(r[:o.cfg.MaxInputChars])
		}
	}
	existing := req.Existing
	if existing == nil {
		existing = &model.GenerationResult{SessionID: req.SessionID}
	}
	appendMode := req.Options.Mode == model.ModeAppend
	fb := newFallbackSource(text)

	res := &model.GenerationResult{SessionID: req.SessionID}
	var (
		mu   sync.Mutex
		done int
	)
	step := func() {
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		if onStep != nil {
			onStep(n)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)

	if appendMode && len(existing.Topics) > 0 {
		res.Topics, res.Edges = existing.Topics, existing.Edges
		step()
	} else {
		g.Go(func() error {
			topics, edges, err := o.topics(gctx, req, text, fb, countOr(req.Options.Topics, o.cfg.Topics))
			if err != nil {
				return err
			}
			res.Topics, res.Edges = topics, edges
			step()
			return nil
		})
	}

	g.Go(func() error {
		var seen dedupSet
		if appendMode {
			seen = flashcardKeys(existing.Flashcards)
		} else {
			seen = dedupSet{}
		}
		cards, err := o.flashcards(gctx, req, text, fb, seen, existing.Flashcards, appendMode, countOr(req.Options.Flashcards, o.cfg.Flashcards))
		if err != nil {
			return err
		}
		if appendMode {
			cards = append(append([]model.Flashcard{}, existing.Flashcards...), cards...)
		}
		res.Flashcards = cards
		step()
		return nil
	})

	g.Go(func() error {
		var seen dedupSet
		if appendMode {
			seen = questionKeys(existing.Questions)
		} else {
			seen = dedupSet{}
		}
		qs, err := o.questions(gctx, req, text, fb, seen, existing.Questions, appendMode, countOr(req.Options.Questions, o.cfg.Questions))
		if err != nil {
			return err
		}
		if appendMode {
			qs = append(append([]model.Question{}, existing.Questions...), qs...)
		}
		res.Questions = qs
		step()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	assignIDs(res)
	return res, nil
}

// complete asks the model for one artifact kind. A nil Parsed with nil error
// means the call degraded and the caller should use the fallback.
func (o *Orchestrator) complete(ctx context.Context, req GenerationRequest, kind ArtifactKind, text string, count int, avoid []string) (Parsed, error) {
	out, err := o.llm.Complete(ctx, CallMeta{UserID: req.UserID, SessionID: req.SessionID, Purpose: string(kind)}, CompletionRequest{
		Model:    req.Model,
		Messages: buildPrompt(kind, text, count, avoid),
		Options: adapter.ChatOptions{
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxOutputTokens,
			JSONMode:    true,
		},
	})
	if err != nil {
		if mustPropagate(ctx, err) {
			return nil, err
		}
		o.log.Warn().Err(err).Str("session_id", req.SessionID).Str("kind", string(kind)).Msg("llm step degraded, using fallback")
		return ParseFailed{Reason: err.Error()}, nil
	}
	p := ParseOutput(kind, out.Text)
	if f, ok := p.(ParseFailed); ok {
		o.log.Warn().Str("session_id", req.SessionID).Str("kind", string(kind)).Str("reason", f.Reason).Msg("unparseable llm output, using fallback")
	}
	return p, nil
}

func (o *Orchestrator) flashcards(ctx context.Context, req GenerationRequest, text string, fb *fallbackSource, seen dedupSet, existing []model.Flashcard, appendMode bool, want int) ([]model.Flashcard, error) {
	var avoid []string
	if appendMode {
		for _, f := range existing {
			avoid = append(avoid, f.Question)
		}
	}
	p, err := o.complete(ctx, req, KindFlashcards, text, o.requestCount(want), avoid)
	if err != nil {
		return nil, err
	}
	var out []model.Flashcard
	if pf, ok := p.(ParsedFlashcards); ok {
		out = dedupFlashcards(seen, pf.Items, want)
	}
	if len(out) < o.cfg.MinItems {
		out = append(out, fb.flashcards(seen, o.cfg.MinItems-len(out))...)
	}
	return out, nil
}

func (o *Orchestrator) questions(ctx context.Context, req GenerationRequest, text string, fb *fallbackSource, seen dedupSet, existing []model.Question, appendMode bool, want int) ([]model.Question, error) {
	var avoid []string
	if appendMode {
		for _, q := range existing {
			avoid = append(avoid, q.Text)
		}
	}
	p, err := o.complete(ctx, req, KindQuestions, text, o.requestCount(want), avoid)
	if err != nil {
		return nil, err
	}
	var out []model.Question
	if pq, ok := p.(ParsedQuestions); ok {
		out = dedupQuestions(seen, pq.Items, want)
	}
	if len(out) < o.cfg.MinItems {
		out = append(out, fb.questions(seen, o.cfg.MinItems-len(out))...)
	}
	return out, nil
}

// topics builds the two-level hierarchy: one main topic and its subtopics,
// plus relates-to edges between topics of this result only.
func (o *Orchestrator) topics(ctx context.Context, req GenerationRequest, text string, fb *fallbackSource, want int) ([]model.Topic, []model.TopicEdge, error) {
	p, err := o.complete(ctx, req, KindTopics, text, o.requestCount(want), nil)
	if err != nil {
		return nil, nil, err
	}

	seen := dedupSet{}
	var (
		main      TopicDraft
		subs      []TopicDraft
		relations []RelationDraft
	)
	if pt, ok := p.(ParsedTopics); ok {
		main = pt.Main
		seen.add(main.Name)
		subs = dedupTopics(seen, pt.Subtopics, want)
		relations = pt.Relations
	} else {
		main, subs = fb.topics(seen, o.cfg.MinItems)
	}
	if len(subs) < o.cfg.MinItems {
		_, extra := fb.topics(seen, o.cfg.MinItems-len(subs))
		subs = append(subs, extra...)
	}

	mainTopic := model.Topic{ID: uuid.NewString(), SessionID: req.SessionID, Name: main.Name, Description: main.Description, IsMain: true}
	topics := []model.Topic{mainTopic}
	byName := map[string]string{model.NormalizeText(main.Name): mainTopic.ID}
	for _, s := range subs {
		t := model.Topic{ID: uuid.NewString(), SessionID: req.SessionID, Name: s.Name, Description: s.Description, ParentID: mainTopic.ID}
		topics = append(topics, t)
		byName[model.NormalizeText(s.Name)] = t.ID
	}

	resolve := func(name string) string {
		k := model.NormalizeText(name)
		if id, ok := byName[k]; ok {
			return id
		}
		// unknown names become subtopics on the fly
		t := model.Topic{ID: uuid.NewString(), SessionID: req.SessionID, Name: name, ParentID: mainTopic.ID}
		topics = append(topics, t)
		byName[k] = t.ID
		return t.ID
	}

	var edges []model.TopicEdge
	seenEdge := map[[2]string]struct{}{}
	for _, r := range relations {
		from, to := resolve(r.From), resolve(r.To)
		if from == to {
			continue
		}
		k := [2]string{from, to}
		if _, dup := seenEdge[k]; dup {
			continue
		}
		seenEdge[k] = struct{}{}
		edges = append(edges, model.TopicEdge{FromID: from, ToID: to})
	}
	return topics, edges, nil
}

// mustPropagate separates errors the supervisor decides on from LLM
// degradation that the fallback absorbs.
func mustPropagate(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	for _, target := range []error{
		domain.ErrInsufficientCredits,
		domain.ErrFatalLLM,
		domain.ErrLeaseLost,
		domain.ErrJobTimeout,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	// ledger failures carry ErrPersistence and are retried by the supervisor
	return !errors.Is(err, domain.ErrTransientLLM) && !errors.Is(err, domain.ErrInvalidArgument)
}

func assignIDs(res *model.GenerationResult) {
	for i := range res.Flashcards {
		if res.Flashcards[i].ID == "" {
			res.Flashcards[i].ID = uuid.NewString()
		}
	}
	for i := range res.Questions {
		if res.Questions[i].ID == "" {
			res.Questions[i].ID = uuid.NewString()
		}
	}
	for i := range res.Topics {
		res.Topics[i].SessionID = res.SessionID
	}
}

func countOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
