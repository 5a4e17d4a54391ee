// Package providertest provides scripted in-memory adapters for tests.
package providertest

import (
	"context"
	"sync"

	"omnillm/internal/models"
	"omnillm/internal/provider"
)

// ReplyFunc produces the response for the n-th call (1-based).
type ReplyFunc func(ctx context.Context, call int, req models.ChatRequest) (*models.ChatResponse, error)

// Stub is a chat adapter driven by a ReplyFunc that records every request.
type Stub struct {
	ID    string
	Caps  provider.CapabilitySet
	Reply ReplyFunc

	mu       sync.Mutex
	requests []models.ChatRequest
}

// New returns a chat-capable stub.
func New(id string, reply ReplyFunc) *Stub {
	return &Stub{
		ID:    id,
		Caps:  provider.NewCapabilitySet(provider.CapabilityChat),
		Reply: reply,
	}
}

func (s *Stub) Name() string { return s.ID }

func (s *Stub) Capabilities() provider.CapabilitySet { return s.Caps }

func (s *Stub) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	call := len(s.requests)
	s.mu.Unlock()

	if s.Reply == nil {
		return Text(""), nil
	}
	return s.Reply(ctx, call, req)
}

// Calls returns how many times Chat was invoked.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the recorded requests in call order.
func (s *Stub) Requests() []models.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatRequest(nil), s.requests...)
}

// Text builds a response carrying text.
func Text(text string) *models.ChatResponse {
	return &models.ChatResponse{Text: models.Ptr(text)}
}

// Sequence replies with texts in order, repeating the last one.
func Sequence(texts ...string) ReplyFunc {
	return func(_ context.Context, call int, _ models.ChatRequest) (*models.ChatResponse, error) {
		if len(texts) == 0 {
			return Text(""), nil
		}
		idx := call - 1
		if idx >= len(texts) {
			idx = len(texts) - 1
		}
		return Text(texts[idx]), nil
	}
}

// Fixed always replies with text.
func Fixed(text string) ReplyFunc {
	return Sequence(text)
}

// Fail always returns err.
func Fail(err error) ReplyFunc {
	return func(context.Context, int, models.ChatRequest) (*models.ChatResponse, error) {
		return nil, err
	}
}

// Echo replies with the text of the last message in the request.
func Echo() ReplyFunc {
	return func(_ context.Context, _ int, req models.ChatRequest) (*models.ChatResponse, error) {
		msgs := req.Messages()
		return Text(msgs[len(msgs)-1].Text), nil
	}
}

// Block waits for ctx to be done and returns its error.
func Block() ReplyFunc {
	return func(ctx context.Context, _ int, _ models.ChatRequest) (*models.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Registry builds an isolated registry holding the given stubs.
func Registry(stubs ...*Stub) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, s := range stubs {
		if err := reg.Register(s.ID, s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
