package provider

import (
	"fmt"
	"strings"
)

// Selector names a provider and optionally a model, written "provider:model".
type Selector struct {
	Provider string
	Model    string
}

// ParseSelector splits a "provider:model" string. The model part may itself
// contain colons (e.g. "ollama:llama3:8b"); only the first colon separates.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, fmt.Errorf("provider selector must not be empty")
	}

	providerID, model, _ := strings.Cut(s, ":")
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return Selector{}, fmt.Errorf("provider selector %q is missing the provider", s)
	}
	return Selector{Provider: providerID, Model: strings.TrimSpace(model)}, nil
}

func (s Selector) String() string {
	if s.Model == "" {
		return s.Provider
	}
	return s.Provider + ":" + s.Model
}
