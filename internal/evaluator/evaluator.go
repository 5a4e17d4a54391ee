// Package evaluator fans one request out to several providers concurrently,
// scores each response and picks a winner.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
)

// ScoringFn rates a response. It must be pure and tolerate absent fields.
type ScoringFn func(resp *models.ChatResponse) float64

// Combiner reduces the per-scorer values to one aggregate.
type Combiner func(scores []float64) float64

// Sum is the default combiner.
func Sum(scores []float64) float64 {
	var total float64
	for _, s := range scores {
		total += s
	}
	return total
}

// Mean averages the scores; zero scorers yield 0.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	return Sum(scores) / float64(len(scores))
}

// Weighted multiplies each score by the weight at the same index before summing.
// Missing weights count as 1.
func Weighted(weights ...float64) Combiner {
	return func(scores []float64) float64 {
		var total float64
		for i, s := range scores {
			w := 1.0
			if i < len(weights) {
				w = weights[i]
			}
			total += s * w
		}
		return total
	}
}

// Outcome is one provider's contribution to an evaluation.
type Outcome struct {
	Provider string
	Response *models.ChatResponse
	Scores   []float64
	Score    float64
	Err      error
	Elapsed  time.Duration
}

// Succeeded reports whether the provider returned a response.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Response != nil
}

// Result is built fresh for every evaluation.
type Result struct {
	ID       string
	Winner   string
	Outcomes map[string]Outcome
	order    []string
}

// WinningResponse returns the winner's response.
func (r *Result) WinningResponse() *models.ChatResponse {
	return r.Outcomes[r.Winner].Response
}

// Errors returns the failures keyed by provider id.
func (r *Result) Errors() map[string]error {
	out := make(map[string]error)
	for id, o := range r.Outcomes {
		if o.Err != nil {
			out[id] = o.Err
		}
	}
	return out
}

// Ranked lists successful outcomes by descending score; ties keep listing order.
func (r *Result) Ranked() []Outcome {
	out := make([]Outcome, 0, len(r.order))
	for _, id := range r.order {
		if o := r.Outcomes[id]; o.Succeeded() {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Order returns provider ids in the order they were listed.
func (r *Result) Order() []string {
	return append([]string(nil), r.order...)
}

// Resolver is the dispatch lookup the evaluator depends on.
type Resolver interface {
	ResolveAll(ids []string) ([]*provider.Handle, error)
}

// Option configures an evaluation.
type Option func(*settings)

type settings struct {
	combiner    Combiner
	concurrency int
}

// WithCombiner replaces the default Sum combiner.
func WithCombiner(c Combiner) Option {
	return func(s *settings) {
		if c != nil {
			s.combiner = c
		}
	}
}

// WithConcurrency caps in-flight provider calls; 0 means one per provider.
func WithConcurrency(n int) Option {
	return func(s *settings) {
		s.concurrency = n
	}
}

// Evaluator issues evaluations against a registry.
type Evaluator struct {
	resolver Resolver
	logger   *slog.Logger
}

// New constructs an evaluator.
func New(resolver Resolver, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{resolver: resolver, logger: logger}
}

// Evaluate sends req to every listed provider concurrently. Failed providers
// are recorded with their error and take no part in winner selection. The
// winner has the strictly highest aggregate score; on ties the provider listed
// first wins.
func (e *Evaluator) Evaluate(ctx context.Context, req models.ChatRequest, providers []string, scorers []ScoringFn, opts ...Option) (*Result, error) {
	if e.resolver == nil {
		return nil, errors.New("evaluator requires a resolver")
	}
	if len(providers) == 0 {
		return nil, errors.New("evaluation requires at least one provider")
	}
	if req.IsZero() {
		return nil, models.ErrEmptyMessages
	}
	seen := make(map[string]struct{}, len(providers))
	for _, id := range providers {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("provider %q listed more than once", id)
		}
		seen[id] = struct{}{}
	}

	cfg := settings{combiner: Sum}
	for _, opt := range opts {
		opt(&cfg)
	}

	handles, err := e.resolver.ResolveAll(providers)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}

	outcomes := make([]Outcome, len(handles))
	var g errgroup.Group
	if cfg.concurrency > 0 {
		g.SetLimit(cfg.concurrency)
	}
	for i, h := range handles {
		g.Go(func() error {
			outcomes[i] = e.call(ctx, h, req)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}

	res := &Result{
		ID:       uuid.NewString(),
		Outcomes: make(map[string]Outcome, len(outcomes)),
		order:    append([]string(nil), providers...),
	}

	best := -1
	for i := range outcomes {
		o := &outcomes[i]
		if o.Succeeded() {
			o.Scores = applyScorers(o.Response, scorers)
			o.Score = finite(cfg.combiner(o.Scores))
			if best < 0 || o.Score > outcomes[best].Score {
				best = i
			}
		}
		res.Outcomes[o.Provider] = *o
	}

	if best < 0 {
		return nil, &errs.AllProvidersFailedError{Errors: res.Errors()}
	}
	res.Winner = outcomes[best].Provider

	e.logger.Debug("evaluation complete", "id", res.ID, "winner", res.Winner, "score", outcomes[best].Score, "providers", len(providers), "failed", len(res.Errors()))
	return res, nil
}

func (e *Evaluator) call(ctx context.Context, h *provider.Handle, req models.ChatRequest) Outcome {
	started := time.Now()
	resp, err := h.Chat(ctx, req)
	out := Outcome{Provider: h.ID(), Response: resp, Err: err, Elapsed: time.Since(started)}
	if err != nil {
		out.Response = nil
		e.logger.Debug("evaluation provider failed", "provider", h.ID(), "err", err)
	}
	return out
}

func applyScorers(resp *models.ChatResponse, scorers []ScoringFn) []float64 {
	scores := make([]float64, len(scorers))
	for i, fn := range scorers {
		scores[i] = safeScore(fn, resp)
	}
	return scores
}

// safeScore contains a misbehaving scorer: a panic counts as 0.
func safeScore(fn ScoringFn, resp *models.ChatResponse) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("scoring function panicked", "panic", r)
			score = 0
		}
	}()
	return finite(fn(resp))
}

// finite maps NaN to 0 so that scores stay ordered and encodable.
func finite(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return score
}
