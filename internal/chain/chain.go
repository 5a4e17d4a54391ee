// Package chain runs ordered, sequentially dependent provider calls where each
// step builds its request from the outputs of the steps before it.
package chain

import (
	"errors"
	"fmt"
	"strings"

	"omnillm/internal/models"
	"omnillm/internal/validator"
)

// ErrEmptyChain indicates a chain without steps.
var ErrEmptyChain = errors.New("chain requires at least one step")

// Input is the caller-supplied starting context of a run.
type Input struct {
	Text string
	Vars map[string]string
}

// State is the accumulated context handed to a step's Transform. It holds the
// initial input and the outputs of every earlier step, never later ones.
type State struct {
	Input     Input
	Responses []*models.ChatResponse
	// Outputs maps step id to response text for steps that declared an id.
	Outputs map[string]string
}

// Last returns the text of the most recent response, or "" before any step completed.
func (s State) Last() string {
	if len(s.Responses) == 0 {
		return ""
	}
	return s.Responses[len(s.Responses)-1].TextOrEmpty()
}

func (s State) snapshot() State {
	out := State{
		Input:     Input{Text: s.Input.Text, Vars: copyStrings(s.Input.Vars)},
		Responses: append([]*models.ChatResponse(nil), s.Responses...),
		Outputs:   copyStrings(s.Outputs),
	}
	if out.Outputs == nil {
		out.Outputs = map[string]string{}
	}
	return out
}

// Transform builds a step's request from the accumulated state.
type Transform func(state State) (models.ChatRequest, error)

// ValidationPolicy wraps a step's call in the validator.
type ValidationPolicy struct {
	Accept     validator.Predicate
	MaxRetries int
	Feedback   validator.Feedback
}

// Step binds a provider to a transform.
type Step struct {
	ID       string
	Provider string
	// Model, when set, fills in the request model if the transform left it empty.
	Model     string
	Transform Transform
	Validate  *ValidationPolicy
}

// Chain is an ordered list of steps.
type Chain struct {
	Steps []Step
}

// New builds a chain from steps.
func New(steps ...Step) Chain {
	return Chain{Steps: steps}
}

// Validate checks the chain is runnable.
func (c Chain) Validate() error {
	if len(c.Steps) == 0 {
		return ErrEmptyChain
	}
	seen := make(map[string]int, len(c.Steps))
	for i, step := range c.Steps {
		if strings.TrimSpace(step.Provider) == "" {
			return fmt.Errorf("step %d: provider must be set", i)
		}
		if step.Transform == nil {
			return fmt.Errorf("step %d: transform must be set", i)
		}
		if step.Validate != nil && step.Validate.Accept == nil {
			return fmt.Errorf("step %d: validation policy requires a predicate", i)
		}
		if step.ID == "" {
			continue
		}
		if step.ID == inputPlaceholder {
			return fmt.Errorf("step %d: id %q is reserved", i, inputPlaceholder)
		}
		if prev, ok := seen[step.ID]; ok {
			return fmt.Errorf("step %d: id %q already used by step %d", i, step.ID, prev)
		}
		seen[step.ID] = i
	}
	return nil
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
