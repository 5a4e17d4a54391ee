package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"omnillm/internal/config"
	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
	"omnillm/internal/provider/providertest"
	"omnillm/internal/router"
	"omnillm/internal/translator"
)

type embedStub struct {
	*providertest.Stub
}

func (e embedStub) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapabilityChat, provider.CapabilityEmbedding)
}

func (e embedStub) Embed(_ context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	vectors := make([][]float32, len(req.Input))
	for i, in := range req.Input {
		vectors[i] = []float32{float32(len(in))}
	}
	return &models.EmbeddingResponse{Vectors: vectors, Usage: models.Usage{PromptTokens: 2, TotalTokens: 2}}, nil
}

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Logging:   config.LoggingConfig{Level: "info"},
		Providers: []config.ProviderConfig{{ID: "local", Type: config.TypeCompat, BaseURL: "http://localhost"}},
	}
}

func newTestServer(t *testing.T, adapters ...provider.Provider) http.Handler {
	t.Helper()
	reg := provider.NewRegistry()
	for _, a := range adapters {
		if err := reg.Register(a.Name(), a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	srv, err := New(testConfig(), router.New(reg))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestHealthAndProviders(t *testing.T) {
	h := newTestServer(t,
		providertest.New("alpha", providertest.Fixed("a")),
		embedStub{providertest.New("beta", providertest.Fixed("b"))},
	)

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/v1/providers/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("providers status = %d", rec.Code)
	}
	var body struct {
		Data []providerInfo `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 2 || body.Data[0].ID != "alpha" || body.Data[1].ID != "beta" {
		t.Fatalf("providers = %+v", body.Data)
	}
	if strings.Join(body.Data[1].Capabilities, ",") != "chat,embedding" {
		t.Fatalf("beta capabilities = %v", body.Data[1].Capabilities)
	}
}

func TestChatCompletions(t *testing.T) {
	stub := providertest.New("local", providertest.Fixed("hello there"))
	h := newTestServer(t, stub)

	rec := do(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"local:llama3","messages":[{"role":"system","content":"be nice"},{"role":"user","content":"hi"}],"temperature":0.3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp translator.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Text() != "hello there" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Model != "local:llama3" || !strings.HasPrefix(resp.ID, "chatcmpl-") || resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("response = %+v", resp)
	}

	got := stub.Requests()[0]
	if got.Model() != "llama3" || len(got.Messages()) != 2 {
		t.Fatalf("forwarded request = %q %+v", got.Model(), got.Messages())
	}
	if temp, ok := got.Temperature(); !ok || temp != 0.3 {
		t.Fatalf("temperature = %v %v", temp, ok)
	}
}

func TestChatCompletionsRejectsBadRequests(t *testing.T) {
	h := newTestServer(t, providertest.New("local", providertest.Fixed("x")))

	cases := map[string]string{
		"empty body":     ``,
		"invalid json":   `{"model":`,
		"two objects":    `{"model":"local","messages":[{"role":"user","content":"a"}]}{}`,
		"no messages":    `{"model":"local","messages":[]}`,
		"stream":         `{"model":"local","stream":true,"messages":[{"role":"user","content":"a"}]}`,
		"bad role":       `{"model":"local","messages":[{"role":"robot","content":"a"}]}`,
		"empty selector": `{"model":" ","messages":[{"role":"user","content":"a"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/chat/completions", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			if detail := decodeError(t, rec); detail.Type != "invalid_request_error" {
				t.Fatalf("error = %+v", detail)
			}
		})
	}
}

func TestChatCompletionsErrorMapping(t *testing.T) {
	h := newTestServer(t,
		providertest.New("local", providertest.Fixed("x")),
		providertest.New("broken", providertest.Fail(errors.New("upstream exploded"))),
	)
	msg := `"messages":[{"role":"user","content":"hi"}]`

	rec := do(t, h, http.MethodPost, "/v1/chat/completions", `{"model":"nope:m",`+msg+`}`)
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != string(errs.KindUnknownProvider) {
		t.Fatalf("unknown provider: status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v1/chat/completions", `{"model":"broken",`+msg+`}`)
	if rec.Code != http.StatusBadGateway || decodeError(t, rec).Type != "upstream_error" {
		t.Fatalf("provider failure: status = %d body=%s", rec.Code, rec.Body.String())
	}

	image := `"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]}]`
	rec = do(t, h, http.MethodPost, "/v1/chat/completions", `{"model":"local",`+image+`}`)
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec).Code != string(errs.KindCapabilityMismatch) {
		t.Fatalf("vision mismatch: status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCompletionsCapabilityMismatch(t *testing.T) {
	h := newTestServer(t, providertest.New("local", providertest.Fixed("x")))

	rec := do(t, h, http.MethodPost, "/v1/completions", `{"model":"local","prompt":"once upon"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestEmbeddings(t *testing.T) {
	h := newTestServer(t, embedStub{providertest.New("vec", nil)})

	rec := do(t, h, http.MethodPost, "/v1/embeddings", `{"model":"vec:e1","input":["ab","abcd"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp translator.EmbeddingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	unified, err := resp.ToUnified()
	if err != nil {
		t.Fatalf("to unified: %v", err)
	}
	if len(unified.Vectors) != 2 || unified.Vectors[1][0] != 4 || resp.Model != "vec:e1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestEmbeddingsBase64(t *testing.T) {
	h := newTestServer(t, embedStub{providertest.New("vec", nil)})

	rec := do(t, h, http.MethodPost, "/v1/embeddings", `{"model":"vec:e1","input":"ab","encoding_format":"base64"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	// 2.0 as a little-endian float32.
	if !strings.Contains(rec.Body.String(), `"embedding":"AAAAQA=="`) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v1/embeddings", `{"model":"vec:e1","input":"ab","dimensions":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestChains(t *testing.T) {
	h := newTestServer(t,
		providertest.New("writer", providertest.Fixed("draft")),
		providertest.New("editor", providertest.Echo()),
	)

	body := `{
		"input": "cats",
		"vars": {"tone": "formal"},
		"steps": [
			{"id": "draft", "provider": "writer", "prompt": "Write about {{input}}"},
			{"provider": "editor", "prompt": "Make {{draft}} {{tone}}"}
		]
	}`
	rec := do(t, h, http.MethodPost, "/v1/chains", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp chainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "completed" || len(resp.Outputs) != 2 || resp.ID == "" {
		t.Fatalf("response = %+v", resp)
	}
	if *resp.Outputs[1].Text != "Make draft formal" {
		t.Fatalf("second output = %q", *resp.Outputs[1].Text)
	}
}

func TestChainsFailureReturnsPartialOutputs(t *testing.T) {
	h := newTestServer(t,
		providertest.New("writer", providertest.Fixed("draft")),
		providertest.New("editor", providertest.Fail(errors.New("rate limited"))),
	)

	body := `{"input":"x","steps":[{"provider":"writer","prompt":"{{input}}"},{"provider":"editor","prompt":"{{input}}"}]}`
	rec := do(t, h, http.MethodPost, "/v1/chains", body)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp chainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "failed" || len(resp.Outputs) != 1 || resp.Error == nil || resp.Error.Code != string(errs.KindChainStepFailed) {
		t.Fatalf("response = %+v", resp)
	}

	rec = do(t, h, http.MethodPost, "/v1/chains", `{"steps":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty chain status = %d", rec.Code)
	}
}

func TestEvaluations(t *testing.T) {
	h := newTestServer(t,
		providertest.New("a", providertest.Fixed("Berlin")),
		providertest.New("b", providertest.Fixed("Paris")),
		providertest.New("c", providertest.Fail(errors.New("timeout"))),
	)

	body := `{"providers":["a","b","c"],"prompt":"Capital of {{input}}?","input":"France","scorers":[{"type":"contains","value":"paris"}]}`
	rec := do(t, h, http.MethodPost, "/v1/evaluations", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp evaluationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Winner != "b" || len(resp.Ranking) != 2 || resp.Ranking[0].Provider != "b" {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].Provider != "c" || !strings.Contains(resp.Failures[0].Error, "timeout") {
		t.Fatalf("failures = %+v", resp.Failures)
	}
}

func TestEvaluationsErrors(t *testing.T) {
	h := newTestServer(t,
		providertest.New("a", providertest.Fail(errors.New("down"))),
		providertest.New("b", providertest.Fail(errors.New("down"))),
	)

	rec := do(t, h, http.MethodPost, "/v1/evaluations", `{"providers":["a","b"],"prompt":"hi"}`)
	if rec.Code != http.StatusBadGateway || decodeError(t, rec).Code != string(errs.KindAllProvidersFailed) {
		t.Fatalf("all failed: status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v1/evaluations", `{"providers":["a","zzz"],"prompt":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/evaluations", `{"providers":["a"],"prompt":"hi","scorers":[{"type":"vibes"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scorer: status = %d", rec.Code)
	}
}

func TestToHTTPError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"cancelled", errs.Cancelled(context.Canceled), statusClientClosedRequest},
		{"validation", &errs.ValidationExhaustedError{Attempts: 3}, http.StatusUnprocessableEntity},
		{"chain", &errs.ChainStepError{Index: 1, Cause: errors.New("x")}, http.StatusBadGateway},
		{"chain cancelled", errs.Wrap(errs.KindCancelled, &errs.ChainStepError{Cause: context.Canceled}, "chain cancelled"), statusClientClosedRequest},
		{"selector", router.ErrInvalidSelector, http.StatusBadRequest},
		{"duplicate", errs.New(errs.KindDuplicateProvider, "dup"), http.StatusConflict},
		{"provider timeout", &errs.ProviderError{Provider: "slow", Err: context.DeadlineExceeded}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var reqErr requestError
			if !errors.As(toHTTPError(tc.err), &reqErr) || reqErr.Status != tc.status {
				t.Fatalf("status = %d, want %d", reqErr.Status, tc.status)
			}
		})
	}
}
