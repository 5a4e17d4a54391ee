package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"omnillm/internal/models"
)

// Capability names an operation class a provider may support.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
	CapabilityVision     Capability = "vision"
)

// ParseCapability maps a config string onto a Capability.
func ParseCapability(s string) (Capability, bool) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case CapabilityChat, CapabilityCompletion, CapabilityEmbedding, CapabilityVision:
		return c, true
	}
	return "", false
}

// CapabilitySet is the set of operations a provider advertises.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the listed capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Intersect keeps only capabilities present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c := range s {
		if other.Has(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// List returns the capabilities sorted by name.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Restrict narrows supported to the named capabilities. An empty list keeps
// every supported capability; naming one the adapter lacks is an error.
func Restrict(supported CapabilitySet, names []string) (CapabilitySet, error) {
	if len(names) == 0 {
		return supported.Intersect(supported), nil
	}
	out := make(CapabilitySet, len(names))
	for _, name := range names {
		c, ok := ParseCapability(name)
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		if !supported.Has(c) {
			return nil, fmt.Errorf("capability %q is not supported by this adapter (supported: %s)", c, supported)
		}
		out[c] = struct{}{}
	}
	return out, nil
}

func (s CapabilitySet) String() string {
	caps := s.List()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}

// Provider is the contract every vendor adapter satisfies. Operations are
// exposed through the optional ChatProvider, CompletionProvider and
// EmbeddingProvider interfaces and must be advertised in Capabilities.
type Provider interface {
	Name() string
	Capabilities() CapabilitySet
}

// ChatProvider serves unified chat requests.
type ChatProvider interface {
	Provider
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// CompletionProvider serves text completion requests.
type CompletionProvider interface {
	Provider
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
}

// EmbeddingProvider serves embedding requests.
type EmbeddingProvider interface {
	Provider
	Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error)
}
