package chain

import (
	"fmt"

	"omnillm/internal/models"
	"omnillm/internal/prompt"
)

const inputPlaceholder = "input"

// PromptOptions shapes the request a PromptStep builds.
type PromptOptions struct {
	System      string
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
	Schema      *models.ResponseSchema
}

// PromptStep builds a step whose request is a single user message rendered
// from template. Placeholders resolve, in order, to {{input}}, earlier step
// outputs by step id, and input variables.
func PromptStep(id, providerID, model, template string, opts PromptOptions) (Step, error) {
	tpl, err := prompt.Parse(template)
	if err != nil {
		return Step{}, fmt.Errorf("step %q: %w", id, err)
	}

	return Step{
		ID:       id,
		Provider: providerID,
		Model:    model,
		Transform: func(state State) (models.ChatRequest, error) {
			text, err := tpl.Render(StateLookup(state))
			if err != nil {
				return models.ChatRequest{}, err
			}

			var msgs []models.Message
			if opts.System != "" {
				msgs = append(msgs, models.SystemText(opts.System))
			}
			msgs = append(msgs, models.UserText(text))

			return models.NewChatRequest(msgs, models.RequestOptions{
				Model:       model,
				Temperature: opts.Temperature,
				TopP:        opts.TopP,
				TopK:        opts.TopK,
				MaxTokens:   opts.MaxTokens,
				Schema:      opts.Schema,
			})
		},
	}, nil
}

// StateLookup resolves template placeholders against a chain state.
func StateLookup(state State) prompt.Lookup {
	return prompt.Chain(
		func(name string) (string, bool) {
			if name == inputPlaceholder {
				return state.Input.Text, true
			}
			return "", false
		},
		prompt.Map(state.Outputs),
		prompt.Map(state.Input.Vars),
	)
}
