package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"omnillm/internal/errs"
	"omnillm/internal/models"
)

// Handle is the resolved, capability-checked view of a registered provider.
// The registry hands out the same *Handle for every resolution of an id.
type Handle struct {
	id      string
	adapter Provider
	caps    CapabilitySet
}

func (h *Handle) ID() string { return h.id }

// Adapter exposes the underlying adapter.
func (h *Handle) Adapter() Provider { return h.adapter }

// Capabilities returns a copy of the advertised capability set.
func (h *Handle) Capabilities() CapabilitySet {
	out := make(CapabilitySet, len(h.caps))
	for c := range h.caps {
		out[c] = struct{}{}
	}
	return out
}

func (h *Handle) Supports(c Capability) bool {
	return h.caps.Has(c)
}

// Chat issues a chat request. Requests carrying images or documents also
// require the Vision capability.
func (h *Handle) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if req.IsZero() {
		return nil, models.ErrEmptyMessages
	}
	if err := h.require(CapabilityChat); err != nil {
		return nil, err
	}
	if req.HasMedia() {
		if err := h.require(CapabilityVision); err != nil {
			return nil, err
		}
	}
	chat, ok := h.adapter.(ChatProvider)
	if !ok {
		return nil, h.mismatch(CapabilityChat)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}

	resp, err := chat.Chat(ctx, req)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	if resp == nil {
		return nil, &errs.ProviderError{Provider: h.id, Err: errors.New("empty response")}
	}
	return resp, nil
}

// Complete issues a text completion request.
func (h *Handle) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if err := h.require(CapabilityCompletion); err != nil {
		return nil, err
	}
	completer, ok := h.adapter.(CompletionProvider)
	if !ok {
		return nil, h.mismatch(CapabilityCompletion)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}

	resp, err := completer.Complete(ctx, req)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	if resp == nil {
		return nil, &errs.ProviderError{Provider: h.id, Err: errors.New("empty response")}
	}
	return resp, nil
}

// Embed issues an embedding request.
func (h *Handle) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if err := h.require(CapabilityEmbedding); err != nil {
		return nil, err
	}
	embedder, ok := h.adapter.(EmbeddingProvider)
	if !ok {
		return nil, h.mismatch(CapabilityEmbedding)
	}
	if len(req.Input) == 0 {
		return nil, errors.New("embedding request requires at least one input")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}

	resp, err := embedder.Embed(ctx, req)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	if resp == nil {
		return nil, &errs.ProviderError{Provider: h.id, Err: errors.New("empty response")}
	}
	return resp, nil
}

func (h *Handle) require(c Capability) error {
	if !h.caps.Has(c) {
		return h.mismatch(c)
	}
	return nil
}

func (h *Handle) mismatch(c Capability) error {
	return errs.New(errs.KindCapabilityMismatch, fmt.Sprintf("provider %q does not support %s", h.id, c))
}

// classify maps an adapter failure onto the shared taxonomy. Only the
// caller's context makes a failure Cancelled; transport timeouts inside the
// adapter are provider failures.
func (h *Handle) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errs.Cancelled(err)
	}
	var typed interface{ Kind() errs.Kind }
	if errors.As(err, &typed) {
		return err
	}
	return &errs.ProviderError{Provider: h.id, Err: err}
}

// Registry maps provider ids to handles. It is populated once at startup and
// read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Register binds id to adapter. Registering the same adapter under the same id
// again is a no-op; binding a different adapter fails with DuplicateProvider.
func (r *Registry) Register(id string, adapter Provider) error {
	id = normalizeID(id)
	if id == "" {
		return errors.New("provider id must not be empty")
	}
	if strings.Contains(id, ":") {
		return fmt.Errorf("provider id %q must not contain ':'", id)
	}
	if adapter == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[id]; ok {
		if sameAdapter(existing.adapter, adapter) {
			return nil
		}
		return errs.New(errs.KindDuplicateProvider, fmt.Sprintf("provider %q already registered", id))
	}

	r.handles[id] = &Handle{
		id:      id,
		adapter: adapter,
		caps:    adapter.Capabilities().Intersect(NewCapabilitySet(CapabilityChat, CapabilityCompletion, CapabilityEmbedding, CapabilityVision)),
	}
	slog.Debug("provider registered", "id", id, "adapter", adapter.Name(), "capabilities", adapter.Capabilities().String())
	return nil
}

// Resolve returns the handle registered under id.
func (r *Registry) Resolve(id string) (*Handle, error) {
	id = normalizeID(id)

	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	if !ok {
		return nil, errs.New(errs.KindUnknownProvider, fmt.Sprintf("unknown provider %q", id))
	}
	return h, nil
}

// ResolveAll resolves every id, failing on the first unknown one.
func (r *Registry) ResolveAll(ids []string) ([]*Handle, error) {
	out := make([]*Handle, 0, len(ids))
	for _, id := range ids {
		h, err := r.Resolve(id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// IDs lists registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sameAdapter compares adapter identity. Pointer adapters compare by address;
// value adapters holding slices or maps fall back to deep equality, since ==
// would panic on them.
func sameAdapter(a, b Provider) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if !reflect.ValueOf(a).Comparable() || !reflect.ValueOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
