package router

import (
	"context"
	"errors"
	"fmt"

	"omnillm/internal/models"
	"omnillm/internal/provider"
)

// ErrInvalidSelector marks a malformed "provider:model" selector.
var ErrInvalidSelector = errors.New("invalid provider selector")

// Router dispatches unified requests addressed by "provider:model" selectors.
type Router struct {
	registry *provider.Registry
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry) *Router {
	return &Router{
		registry: registry,
	}
}

// Registry exposes the backing registry.
func (r *Router) Registry() *provider.Registry {
	return r.registry
}

// Resolve parses selector and returns the matching handle.
func (r *Router) Resolve(selector string) (*provider.Handle, provider.Selector, error) {
	sel, err := provider.ParseSelector(selector)
	if err != nil {
		return nil, provider.Selector{}, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	h, err := r.registry.Resolve(sel.Provider)
	if err != nil {
		return nil, provider.Selector{}, err
	}
	return h, sel, nil
}

// Chat routes a chat request. The selector's model, when present, replaces
// the request model.
func (r *Router) Chat(ctx context.Context, selector string, req models.ChatRequest) (*models.ChatResponse, provider.Selector, error) {
	h, sel, err := r.Resolve(selector)
	if err != nil {
		return nil, provider.Selector{}, err
	}
	if sel.Model != "" {
		req = req.WithModel(sel.Model)
	}

	resp, err := h.Chat(ctx, req)
	if err != nil {
		return nil, sel, fmt.Errorf("provider %s chat request: %w", h.ID(), err)
	}
	return resp, sel, nil
}

// Complete routes a text completion request.
func (r *Router) Complete(ctx context.Context, selector string, req models.CompletionRequest) (*models.CompletionResponse, provider.Selector, error) {
	h, sel, err := r.Resolve(selector)
	if err != nil {
		return nil, provider.Selector{}, err
	}
	if sel.Model != "" {
		req.Model = sel.Model
	}

	resp, err := h.Complete(ctx, req)
	if err != nil {
		return nil, sel, fmt.Errorf("provider %s completion request: %w", h.ID(), err)
	}
	return resp, sel, nil
}

// Embed routes an embedding request.
func (r *Router) Embed(ctx context.Context, selector string, req models.EmbeddingRequest) (*models.EmbeddingResponse, provider.Selector, error) {
	h, sel, err := r.Resolve(selector)
	if err != nil {
		return nil, provider.Selector{}, err
	}
	if sel.Model != "" {
		req.Model = sel.Model
	}
	req.Input = append([]string(nil), req.Input...)

	resp, err := h.Embed(ctx, req)
	if err != nil {
		return nil, sel, fmt.Errorf("provider %s embedding request: %w", h.ID(), err)
	}
	return resp, sel, nil
}
