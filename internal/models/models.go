package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyMessages indicates a chat request was built without any messages.
var ErrEmptyMessages = errors.New("chat request requires at least one message")

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ContentKind tags the payload carried by a Message.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentDocument ContentKind = "document"
	ContentImageURL ContentKind = "image_url"
)

// Message represents a single conversational message in the unified schema.
// Text accompanies every kind; Data and MIMEType are set for images and
// documents, URL for remote images.
type Message struct {
	Role       Role
	Kind       ContentKind
	Text       string
	Data       []byte
	MIMEType   string
	URL        string
	ToolCalls  []ToolCall
	ToolCallID string
}

// SystemText builds a system instruction message.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Kind: ContentText, Text: text}
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Kind: ContentText, Text: text}
}

// AssistantText builds a plain assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Kind: ContentText, Text: text}
}

// UserImage builds a user message carrying raw image bytes and an optional caption.
func UserImage(mimeType string, data []byte, caption string) Message {
	return Message{Role: RoleUser, Kind: ContentImage, Text: caption, Data: data, MIMEType: mimeType}
}

// UserDocument builds a user message carrying a document such as a PDF.
func UserDocument(mimeType string, data []byte, caption string) Message {
	return Message{Role: RoleUser, Kind: ContentDocument, Text: caption, Data: data, MIMEType: mimeType}
}

// UserImageURL builds a user message referencing a remote image.
func UserImageURL(url, caption string) Message {
	return Message{Role: RoleUser, Kind: ContentImageURL, Text: caption, URL: url}
}

// ToolResult builds the reply to an assistant tool call.
func ToolResult(callID, text string) Message {
	return Message{Role: RoleTool, Kind: ContentText, Text: text, ToolCallID: callID}
}

// IsMedia reports whether the message carries non-text content.
func (m Message) IsMedia() bool {
	return m.Kind == ContentImage || m.Kind == ContentDocument || m.Kind == ContentImageURL
}

// Validate checks the message is internally consistent.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}

	switch m.Kind {
	case "", ContentText:
		if strings.TrimSpace(m.Text) == "" && len(m.ToolCalls) == 0 {
			return errors.New("text message must not be empty")
		}
	case ContentImage, ContentDocument:
		if len(m.Data) == 0 {
			return fmt.Errorf("%s message requires data", m.Kind)
		}
		if strings.TrimSpace(m.MIMEType) == "" {
			return fmt.Errorf("%s message requires a mime type", m.Kind)
		}
	case ContentImageURL:
		if strings.TrimSpace(m.URL) == "" {
			return errors.New("image_url message requires a url")
		}
	default:
		return fmt.Errorf("unknown content kind %q", m.Kind)
	}

	if m.Role == RoleTool && strings.TrimSpace(m.ToolCallID) == "" {
		return errors.New("tool message requires a tool call id")
	}
	return nil
}

func (m Message) clone() Message {
	out := m
	if m.Data != nil {
		out.Data = append([]byte(nil), m.Data...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// ToolSpec describes a function the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseSchema requests structured JSON output matching Schema.
type ResponseSchema struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema"`
	Strict      *bool          `json:"strict,omitempty" yaml:"strict"`
}

// ReasoningEffort hints how much thinking a reasoning model should spend.
type ReasoningEffort string

const (
	ReasoningNone   ReasoningEffort = ""
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// RequestOptions collects the recognised request settings. Nil pointers mean
// "use the provider default".
type RequestOptions struct {
	Model           string
	Temperature     *float64
	MaxTokens       *int
	TopP            *float64
	TopK            *int
	Tools           []ToolSpec
	Schema          *ResponseSchema
	ReasoningEffort ReasoningEffort
}

func (o RequestOptions) clone() RequestOptions {
	out := o
	out.Temperature = clonePtr(o.Temperature)
	out.MaxTokens = clonePtr(o.MaxTokens)
	out.TopP = clonePtr(o.TopP)
	out.TopK = clonePtr(o.TopK)
	out.Tools = cloneTools(o.Tools)
	out.Schema = o.Schema.clone()
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTools(tools []ToolSpec) []ToolSpec {
	if tools == nil {
		return nil
	}
	out := make([]ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = t
		out[i].Parameters = cloneMap(t.Parameters)
	}
	return out
}

func (s *ResponseSchema) clone() *ResponseSchema {
	if s == nil {
		return nil
	}
	out := *s
	out.Schema = cloneMap(s.Schema)
	out.Strict = clonePtr(s.Strict)
	return &out
}

// cloneMap deep-copies decoded JSON: nested maps and slices are duplicated,
// scalars are shared.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ChatRequest is the canonical representation of a chat call. It can only be
// built through NewChatRequest and every accessor hands out copies, so a
// request never changes after construction.
type ChatRequest struct {
	messages []Message
	opts     RequestOptions
}

// NewChatRequest validates messages and captures a private copy of them.
func NewChatRequest(messages []Message, opts RequestOptions) (ChatRequest, error) {
	if len(messages) == 0 {
		return ChatRequest{}, ErrEmptyMessages
	}
	for i, msg := range messages {
		if err := msg.Validate(); err != nil {
			return ChatRequest{}, fmt.Errorf("message[%d]: %w", i, err)
		}
	}

	cloned := make([]Message, len(messages))
	for i, msg := range messages {
		cloned[i] = msg.clone()
	}
	return ChatRequest{messages: cloned, opts: opts.clone()}, nil
}

// MustChatRequest is NewChatRequest for statically known inputs.
func MustChatRequest(messages []Message, opts RequestOptions) ChatRequest {
	req, err := NewChatRequest(messages, opts)
	if err != nil {
		panic(err)
	}
	return req
}

// IsZero reports whether the request was never constructed.
func (r ChatRequest) IsZero() bool {
	return len(r.messages) == 0
}

// Messages returns a copy of the conversation in turn order.
func (r ChatRequest) Messages() []Message {
	out := make([]Message, len(r.messages))
	for i, msg := range r.messages {
		out[i] = msg.clone()
	}
	return out
}

// Options returns a copy of the request settings.
func (r ChatRequest) Options() RequestOptions {
	return r.opts.clone()
}

func (r ChatRequest) Model() string {
	return r.opts.Model
}

func (r ChatRequest) Temperature() (float64, bool) {
	if r.opts.Temperature == nil {
		return 0, false
	}
	return *r.opts.Temperature, true
}

func (r ChatRequest) MaxTokens() (int, bool) {
	if r.opts.MaxTokens == nil {
		return 0, false
	}
	return *r.opts.MaxTokens, true
}

// TopP returns the nucleus sampling threshold.
func (r ChatRequest) TopP() (float64, bool) {
	if r.opts.TopP == nil {
		return 0, false
	}
	return *r.opts.TopP, true
}

// TopK returns the top-k sampling limit.
func (r ChatRequest) TopK() (int, bool) {
	if r.opts.TopK == nil {
		return 0, false
	}
	return *r.opts.TopK, true
}

func (r ChatRequest) Tools() []ToolSpec {
	if len(r.opts.Tools) == 0 {
		return nil
	}
	return cloneTools(r.opts.Tools)
}

func (r ChatRequest) Schema() *ResponseSchema {
	return r.opts.Schema.clone()
}

func (r ChatRequest) ReasoningEffort() ReasoningEffort {
	return r.opts.ReasoningEffort
}

// HasMedia reports whether any message carries image or document content.
func (r ChatRequest) HasMedia() bool {
	for _, msg := range r.messages {
		if msg.IsMedia() {
			return true
		}
	}
	return false
}

// Append derives a new request with extra messages after the existing ones.
func (r ChatRequest) Append(messages ...Message) (ChatRequest, error) {
	combined := make([]Message, 0, len(r.messages)+len(messages))
	combined = append(combined, r.messages...)
	combined = append(combined, messages...)
	return NewChatRequest(combined, r.opts)
}

// WithDefaultSystem derives a request that starts with a system prompt of
// text, unless text is empty or the conversation already has one.
func (r ChatRequest) WithDefaultSystem(text string) ChatRequest {
	if text == "" {
		return r
	}
	for _, msg := range r.messages {
		if msg.Role == RoleSystem {
			return r
		}
	}
	msgs := make([]Message, 0, len(r.messages)+1)
	msgs = append(msgs, SystemText(text))
	msgs = append(msgs, r.Messages()...)
	return ChatRequest{messages: msgs, opts: r.opts.clone()}
}

// WithModel derives a new request targeting a different model.
func (r ChatRequest) WithModel(model string) ChatRequest {
	opts := r.opts.clone()
	opts.Model = model
	return ChatRequest{messages: r.Messages(), opts: opts}
}

// ChatResponse captures a provider response in the unified schema. Adapters
// build it once; nothing downstream modifies it.
type ChatResponse struct {
	Text         *string
	ToolCalls    []ToolCall
	Reasoning    *string
	Raw          any
	Provider     string
	Model        string
	FinishReason string
	Usage        Usage
}

// TextOrEmpty returns the response text, or "" when absent.
func (r *ChatResponse) TextOrEmpty() string {
	if r == nil || r.Text == nil {
		return ""
	}
	return *r.Text
}

// ReasoningOrEmpty returns the reasoning text, or "" when absent.
func (r *ChatResponse) ReasoningOrEmpty() string {
	if r == nil || r.Reasoning == nil {
		return ""
	}
	return *r.Reasoning
}

func (r *ChatResponse) String() string {
	return r.TextOrEmpty()
}

// CompletionRequest represents a text completion style request.
type CompletionRequest struct {
	Model       string
	Prompt      string
	MaxTokens   *int
	Temperature *float64
}

// CompletionResponse captures a completion-style response.
type CompletionResponse struct {
	Text         string
	FinishReason string
	Usage        Usage
	Raw          any
}

// EmbeddingRequest asks for one vector per input string. Dimensions and
// EncodingFormat are passed through to vendors that accept them.
type EmbeddingRequest struct {
	Model          string
	Input          []string
	Dimensions     *int
	EncodingFormat string
}

// EmbeddingResponse holds vectors in input order.
type EmbeddingResponse struct {
	Vectors [][]float32
	Usage   Usage
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
