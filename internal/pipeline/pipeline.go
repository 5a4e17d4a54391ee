// Package pipeline loads declarative chain and evaluation definitions and
// runs them against a provider registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"omnillm/internal/chain"
	"omnillm/internal/evaluator"
	"omnillm/internal/models"
	"omnillm/internal/prompt"
	"omnillm/internal/provider"
	"omnillm/internal/validator"
)

// Kinds of pipeline.
const (
	KindChain      = "chain"
	KindEvaluation = "evaluation"
)

// File is a pipeline definition. Exactly one of Steps or Evaluate is set.
type File struct {
	Name     string          `yaml:"name" json:"name,omitempty"`
	Steps    []StepSpec      `yaml:"steps" json:"steps,omitempty"`
	Evaluate *EvaluationSpec `yaml:"evaluate" json:"evaluate,omitempty"`
}

// StepSpec describes one prompt-template chain step.
type StepSpec struct {
	ID          string                 `yaml:"id" json:"id,omitempty"`
	Provider    string                 `yaml:"provider" json:"provider"`
	Model       string                 `yaml:"model" json:"model,omitempty"`
	Prompt      string                 `yaml:"prompt" json:"prompt"`
	System      string                 `yaml:"system" json:"system,omitempty"`
	MaxTokens   *int                   `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature *float64               `yaml:"temperature" json:"temperature,omitempty"`
	TopP        *float64               `yaml:"top_p" json:"top_p,omitempty"`
	TopK        *int                   `yaml:"top_k" json:"top_k,omitempty"`
	Schema      *models.ResponseSchema `yaml:"schema" json:"schema,omitempty"`
	Validate    *ValidateSpec          `yaml:"validate" json:"validate,omitempty"`
}

// ValidateSpec configures the validator around a step. With no checks
// selected, non-blank text is required.
type ValidateSpec struct {
	MaxRetries  int      `yaml:"max_retries" json:"max_retries"`
	NonEmpty    bool     `yaml:"non_empty" json:"non_empty,omitempty"`
	JSON        bool     `yaml:"json" json:"json,omitempty"`
	Fields      []string `yaml:"fields" json:"fields,omitempty"`
	Instruction string   `yaml:"instruction" json:"instruction,omitempty"`
}

// EvaluationSpec describes a parallel evaluation of one prompt.
type EvaluationSpec struct {
	Providers   []string     `yaml:"providers" json:"providers"`
	Model       string       `yaml:"model" json:"model,omitempty"`
	Prompt      string       `yaml:"prompt" json:"prompt"`
	System      string       `yaml:"system" json:"system,omitempty"`
	MaxTokens   *int         `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature *float64     `yaml:"temperature" json:"temperature,omitempty"`
	TopP        *float64     `yaml:"top_p" json:"top_p,omitempty"`
	TopK        *int         `yaml:"top_k" json:"top_k,omitempty"`
	Scorers     []ScorerSpec `yaml:"scorers" json:"scorers"`
	Combiner    string       `yaml:"combiner" json:"combiner,omitempty"`
	Concurrency int          `yaml:"concurrency" json:"concurrency,omitempty"`
}

// ScorerSpec selects a stock scoring function.
type ScorerSpec struct {
	Type   string   `yaml:"type" json:"type"`
	Min    int      `yaml:"min" json:"min,omitempty"`
	Max    int      `yaml:"max" json:"max,omitempty"`
	Value  string   `yaml:"value" json:"value,omitempty"`
	Words  []string `yaml:"words" json:"words,omitempty"`
	Weight *float64 `yaml:"weight" json:"weight,omitempty"`
}

// Load reads and validates a pipeline file.
func Load(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve pipeline path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %q: %w", absPath, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %q: %w", absPath, err)
	}
	return f, nil
}

// Parse decodes and validates pipeline bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Kind reports whether f is a chain or an evaluation.
func (f *File) Kind() string {
	if f.Evaluate != nil {
		return KindEvaluation
	}
	return KindChain
}

// Validate checks that the definition is complete. Provider ids are checked
// at run time.
func (f *File) Validate() error {
	switch {
	case len(f.Steps) > 0 && f.Evaluate != nil:
		return errors.New("pipeline must define either steps or evaluate, not both")
	case len(f.Steps) == 0 && f.Evaluate == nil:
		return errors.New("pipeline must define steps or evaluate")
	case f.Evaluate != nil:
		return f.Evaluate.Validate()
	}
	_, err := BuildChain(f.Steps)
	return err
}

// Validate checks an evaluation definition.
func (s *EvaluationSpec) Validate() error {
	if len(s.Providers) == 0 {
		return errors.New("evaluate.providers must list at least one provider")
	}
	if strings.TrimSpace(s.Prompt) == "" {
		return errors.New("evaluate.prompt must be provided")
	}
	if _, err := prompt.Parse(s.Prompt); err != nil {
		return fmt.Errorf("evaluate.prompt: %w", err)
	}
	if _, _, err := BuildScorers(s.Scorers); err != nil {
		return err
	}
	if _, err := BuildCombiner(s.Combiner, nil); err != nil {
		return err
	}
	return nil
}

// BuildChain turns step specs into a runnable chain.
func BuildChain(specs []StepSpec) (chain.Chain, error) {
	steps := make([]chain.Step, 0, len(specs))
	for i, spec := range specs {
		if strings.TrimSpace(spec.Provider) == "" {
			return chain.Chain{}, fmt.Errorf("steps[%d]: provider must be provided", i)
		}
		if strings.TrimSpace(spec.Prompt) == "" {
			return chain.Chain{}, fmt.Errorf("steps[%d]: prompt must be provided", i)
		}
		step, err := chain.PromptStep(spec.ID, spec.Provider, spec.Model, spec.Prompt, chain.PromptOptions{
			System:      spec.System,
			Temperature: spec.Temperature,
			TopP:        spec.TopP,
			TopK:        spec.TopK,
			MaxTokens:   spec.MaxTokens,
			Schema:      spec.Schema,
		})
		if err != nil {
			return chain.Chain{}, fmt.Errorf("steps[%d]: %w", i, err)
		}
		if spec.Validate != nil {
			policy, err := spec.Validate.policy()
			if err != nil {
				return chain.Chain{}, fmt.Errorf("steps[%d]: %w", i, err)
			}
			step.Validate = policy
		}
		steps = append(steps, step)
	}

	c := chain.New(steps...)
	if err := c.Validate(); err != nil {
		return chain.Chain{}, err
	}
	return c, nil
}

func (v *ValidateSpec) policy() (*chain.ValidationPolicy, error) {
	if v.MaxRetries < 0 {
		return nil, errors.New("validate.max_retries must not be negative")
	}

	var preds []validator.Predicate
	if v.NonEmpty {
		preds = append(preds, validator.NonEmptyText)
	}
	if v.JSON {
		preds = append(preds, validator.ValidJSON)
	}
	if len(v.Fields) > 0 {
		preds = append(preds, validator.RequireFields(v.Fields...))
	}
	if len(preds) == 0 {
		preds = append(preds, validator.NonEmptyText)
	}

	return &chain.ValidationPolicy{
		Accept:     validator.All(preds...),
		MaxRetries: v.MaxRetries,
		Feedback:   validator.CorrectionFeedback(v.Instruction),
	}, nil
}

// BuildScorers maps scorer specs onto scoring functions and their weights.
func BuildScorers(specs []ScorerSpec) ([]evaluator.ScoringFn, []float64, error) {
	fns := make([]evaluator.ScoringFn, 0, len(specs))
	weights := make([]float64, 0, len(specs))
	for i, spec := range specs {
		var fn evaluator.ScoringFn
		switch strings.ToLower(strings.TrimSpace(spec.Type)) {
		case "non_empty":
			fn = evaluator.NonEmpty
		case "length":
			if spec.Min < 0 || (spec.Max > 0 && spec.Max < spec.Min) {
				return nil, nil, fmt.Errorf("scorers[%d]: invalid length bounds %d..%d", i, spec.Min, spec.Max)
			}
			fn = evaluator.LengthWithin(spec.Min, spec.Max)
		case "contains":
			if spec.Value == "" {
				return nil, nil, fmt.Errorf("scorers[%d]: contains requires a value", i)
			}
			fn = evaluator.Contains(spec.Value)
		case "keywords":
			if len(spec.Words) == 0 {
				return nil, nil, fmt.Errorf("scorers[%d]: keywords requires words", i)
			}
			fn = evaluator.Keywords(spec.Words...)
		case "json":
			fn = evaluator.ValidJSON
		case "tool_calls":
			fn = evaluator.HasToolCalls
		default:
			return nil, nil, fmt.Errorf("scorers[%d]: unknown scorer type %q", i, spec.Type)
		}
		w := 1.0
		if spec.Weight != nil {
			w = *spec.Weight
		}
		fns = append(fns, fn)
		weights = append(weights, w)
	}
	return fns, weights, nil
}

// BuildCombiner resolves a combiner name; "" means sum.
func BuildCombiner(name string, weights []float64) (evaluator.Combiner, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sum":
		return evaluator.Sum, nil
	case "mean":
		return evaluator.Mean, nil
	case "weighted":
		return evaluator.Weighted(weights...), nil
	default:
		return nil, fmt.Errorf("unknown combiner %q", name)
	}
}

// BuildEvaluation renders the evaluation prompt against input and returns the
// request with the evaluator options it implies.
func BuildEvaluation(spec *EvaluationSpec, input chain.Input) (models.ChatRequest, []evaluator.ScoringFn, []evaluator.Option, error) {
	if err := spec.Validate(); err != nil {
		return models.ChatRequest{}, nil, nil, err
	}

	text, err := prompt.MustParse(spec.Prompt).Render(chain.StateLookup(chain.State{Input: input}))
	if err != nil {
		return models.ChatRequest{}, nil, nil, fmt.Errorf("render evaluation prompt: %w", err)
	}
	var msgs []models.Message
	if spec.System != "" {
		msgs = append(msgs, models.SystemText(spec.System))
	}
	msgs = append(msgs, models.UserText(text))

	req, err := models.NewChatRequest(msgs, models.RequestOptions{
		Model:       spec.Model,
		Temperature: spec.Temperature,
		TopP:        spec.TopP,
		TopK:        spec.TopK,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		return models.ChatRequest{}, nil, nil, err
	}

	scorers, weights, err := BuildScorers(spec.Scorers)
	if err != nil {
		return models.ChatRequest{}, nil, nil, err
	}
	combiner, err := BuildCombiner(spec.Combiner, weights)
	if err != nil {
		return models.ChatRequest{}, nil, nil, err
	}

	opts := []evaluator.Option{evaluator.WithCombiner(combiner)}
	if spec.Concurrency > 0 {
		opts = append(opts, evaluator.WithConcurrency(spec.Concurrency))
	}
	return req, scorers, opts, nil
}

// Report is the outcome of a pipeline run; exactly one field is set.
type Report struct {
	Chain      *chain.Result
	Evaluation *evaluator.Result
}

// Runner executes pipelines against a registry.
type Runner struct {
	registry *provider.Registry
	logger   *slog.Logger
}

// NewRunner constructs a runner.
func NewRunner(registry *provider.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, logger: logger}
}

// Run executes f with the given input. For chains the partial result is
// returned alongside a step failure.
func (r *Runner) Run(ctx context.Context, f *File, input chain.Input) (*Report, error) {
	if f == nil {
		return nil, errors.New("pipeline must not be nil")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	r.logger.Debug("running pipeline", "name", f.Name, "kind", f.Kind())

	if f.Evaluate != nil {
		req, scorers, opts, err := BuildEvaluation(f.Evaluate, input)
		if err != nil {
			return nil, err
		}
		res, err := evaluator.New(r.registry, r.logger).Evaluate(ctx, req, f.Evaluate.Providers, scorers, opts...)
		if err != nil {
			return nil, err
		}
		return &Report{Evaluation: res}, nil
	}

	c, err := BuildChain(f.Steps)
	if err != nil {
		return nil, err
	}
	res, err := chain.NewExecutor(r.registry, chain.WithLogger(r.logger)).Run(ctx, c, input)
	return &Report{Chain: res}, err
}
