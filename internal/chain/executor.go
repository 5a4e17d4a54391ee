package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
	"omnillm/internal/validator"
)

// Status is the lifecycle state of a chain run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result reports the outcome of a run. On failure Responses holds the
// responses of the steps that completed before the failing one.
type Result struct {
	RunID     string
	Status    Status
	Step      int
	Responses []*models.ChatResponse
	Err       error
}

// Texts returns the response texts in step order.
func (r *Result) Texts() []string {
	out := make([]string, len(r.Responses))
	for i, resp := range r.Responses {
		out[i] = resp.TextOrEmpty()
	}
	return out
}

// Event is emitted on every status transition.
type Event struct {
	RunID  string
	Status Status
	Step   int
	StepID string
	Err    error
}

// Resolver is the dispatch lookup the executor depends on.
type Resolver interface {
	Resolve(id string) (*provider.Handle, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver receives status transitions synchronously.
func WithObserver(fn func(Event)) Option {
	return func(e *Executor) {
		e.observer = fn
	}
}

// WithLogger overrides the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor runs chains against a provider registry.
type Executor struct {
	resolver Resolver
	observer func(Event)
	logger   *slog.Logger
}

// NewExecutor constructs an executor backed by resolver.
func NewExecutor(resolver Resolver, opts ...Option) *Executor {
	e := &Executor{resolver: resolver, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the steps of c strictly in order. Step i+1's request is built
// only after step i's response is available. The first failure halts the run
// and is returned as *errs.ChainStepError alongside the partial Result.
func (e *Executor) Run(ctx context.Context, c Chain, input Input) (*Result, error) {
	if e.resolver == nil {
		return nil, errors.New("chain executor requires a resolver")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:     uuid.NewString(),
		Status:    StatusPending,
		Responses: make([]*models.ChatResponse, 0, len(c.Steps)),
	}
	e.emit(res, "", nil)

	state := State{
		Input:   Input{Text: input.Text, Vars: copyStrings(input.Vars)},
		Outputs: make(map[string]string),
	}

	started := time.Now()
	for i, step := range c.Steps {
		res.Status = StatusRunning
		res.Step = i
		e.emit(res, step.ID, nil)

		resp, err := e.runStep(ctx, step, state)
		if err != nil {
			var runErr error = &errs.ChainStepError{Index: i, StepID: step.ID, Cause: err}
			if errors.Is(err, errs.ErrCancelled) {
				runErr = errs.Wrap(errs.KindCancelled, runErr, "chain cancelled")
			}
			res.Status = StatusFailed
			res.Err = runErr
			e.emit(res, step.ID, runErr)
			e.logger.Debug("chain step failed", "run_id", res.RunID, "step", i, "step_id", step.ID, "provider", step.Provider, "err", err)
			return res, runErr
		}

		res.Responses = append(res.Responses, resp)
		state.Responses = append(state.Responses, resp)
		if step.ID != "" {
			state.Outputs[step.ID] = resp.TextOrEmpty()
		}
		e.logger.Debug("chain step completed", "run_id", res.RunID, "step", i, "step_id", step.ID, "provider", step.Provider)
	}

	res.Status = StatusCompleted
	res.Step = len(c.Steps) - 1
	e.emit(res, "", nil)
	e.logger.Debug("chain completed", "run_id", res.RunID, "steps", len(c.Steps), "elapsed_ms", time.Since(started).Milliseconds())
	return res, nil
}

func (e *Executor) runStep(ctx context.Context, step Step, state State) (*models.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}

	handle, err := e.resolver.Resolve(step.Provider)
	if err != nil {
		return nil, err
	}

	req, err := step.Transform(state.snapshot())
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	if req.IsZero() {
		return nil, fmt.Errorf("transform: %w", models.ErrEmptyMessages)
	}
	if req.Model() == "" && step.Model != "" {
		req = req.WithModel(step.Model)
	}

	if step.Validate == nil {
		return handle.Chat(ctx, req)
	}

	var opts []validator.Option
	if step.Validate.Feedback != nil {
		opts = append(opts, validator.WithFeedback(step.Validate.Feedback))
	}
	opts = append(opts, validator.WithLogger(e.logger))
	return validator.New(opts...).Validate(ctx, handle, req, step.Validate.Accept, step.Validate.MaxRetries)
}

func (e *Executor) emit(res *Result, stepID string, err error) {
	if e.observer == nil {
		return
	}
	e.observer(Event{RunID: res.RunID, Status: res.Status, Step: res.Step, StepID: stepID, Err: err})
}
