package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"omnillm/internal/chain"
	"omnillm/internal/config"
	"omnillm/internal/errs"
	"omnillm/internal/evaluator"
	"omnillm/internal/models"
	"omnillm/internal/pipeline"
	"omnillm/internal/router"
	"omnillm/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 120 * time.Second
	idleTimeout         = 120 * time.Second

	// statusClientClosedRequest reports a request abandoned by its caller.
	statusClientClosedRequest = 499
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	app     *echo.Echo
	address string
	logger  *slog.Logger
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"request_id", v.RequestID,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
		logger:  slog.Default(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.router.Registry().IDs())
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	v1.GET("/providers", s.handleProviders)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/completions", s.handleCompletions)
	v1.POST("/embeddings", s.handleEmbeddings)
	v1.POST("/chains", s.handleChains)
	v1.POST("/evaluations", s.handleEvaluations)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type providerInfo struct {
	ID           string   `json:"id"`
	Object       string   `json:"object"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleProviders(c echo.Context) error {
	reg := s.router.Registry()
	ids := reg.IDs()
	out := make([]providerInfo, 0, len(ids))
	for _, id := range ids {
		h, err := reg.Resolve(id)
		if err != nil {
			continue
		}
		info := providerInfo{ID: id, Object: "provider", Capabilities: []string{}}
		for _, capability := range h.Capabilities().List() {
			info.Capabilities = append(info.Capabilities, string(capability))
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	unifiedReq, err := req.ToUnified("")
	if err != nil {
		return invalidRequest(err)
	}

	resp, sel, err := s.router.Chat(c.Request().Context(), req.Model, unifiedReq)
	if err != nil {
		return toHTTPError(err)
	}

	modelID := sel.String()
	if resp.Model != "" {
		modelID = sel.Provider + ":" + resp.Model
	}
	openAIResp := translator.FromUnifiedChat("chatcmpl-"+uuid.NewString(), modelID, time.Now().Unix(), resp)
	return c.JSON(http.StatusOK, openAIResp)
}

func (s *Server) handleCompletions(c echo.Context) error {
	var req translator.CompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	unifiedReq, err := req.ToUnified("")
	if err != nil {
		return invalidRequest(err)
	}

	resp, sel, err := s.router.Complete(c.Request().Context(), req.Model, unifiedReq)
	if err != nil {
		return toHTTPError(err)
	}

	openAIResp := translator.FromUnifiedCompletion("cmpl-"+uuid.NewString(), sel.String(), time.Now().Unix(), resp)
	return c.JSON(http.StatusOK, openAIResp)
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	var req translator.EmbeddingRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	unifiedReq, err := req.ToUnified("")
	if err != nil {
		return invalidRequest(err)
	}

	resp, sel, err := s.router.Embed(c.Request().Context(), req.Model, unifiedReq)
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, translator.FromUnifiedEmbedding(sel.String(), req.EncodingFormat, resp))
}

type chainRequest struct {
	Steps []pipeline.StepSpec `json:"steps"`
	Input string              `json:"input"`
	Vars  map[string]string   `json:"vars,omitempty"`
}

type chainStepOutput struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Provider string       `json:"provider"`
	Model    string       `json:"model,omitempty"`
	Text     *string      `json:"text"`
	Usage    models.Usage `json:"usage"`
}

type chainResponse struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Status  string            `json:"status"`
	Outputs []chainStepOutput `json:"outputs"`
	Error   *errorDetail      `json:"error,omitempty"`
}

func (s *Server) handleChains(c echo.Context) error {
	var req chainRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ch, err := pipeline.BuildChain(req.Steps)
	if err != nil {
		return invalidRequest(err)
	}

	exec := chain.NewExecutor(s.router.Registry(), chain.WithLogger(s.logger))
	res, runErr := exec.Run(c.Request().Context(), ch, chain.Input{Text: req.Input, Vars: req.Vars})
	if res == nil {
		return toHTTPError(runErr)
	}

	out := chainResponse{
		ID:      res.RunID,
		Object:  "chain.run",
		Status:  res.Status.String(),
		Outputs: make([]chainStepOutput, 0, len(res.Responses)),
	}
	for i, resp := range res.Responses {
		out.Outputs = append(out.Outputs, chainStepOutput{
			Index:    i,
			ID:       req.Steps[i].ID,
			Provider: req.Steps[i].Provider,
			Model:    resp.Model,
			Text:     resp.Text,
			Usage:    resp.Usage,
		})
	}

	if runErr != nil {
		reqErr := toHTTPError(runErr).(requestError)
		out.Error = &errorDetail{Message: reqErr.Message, Type: reqErr.Type, Code: reqErr.Code}
		return c.JSON(reqErr.Status, out)
	}
	return c.JSON(http.StatusOK, out)
}

type evaluationRequest struct {
	pipeline.EvaluationSpec
	Input string            `json:"input"`
	Vars  map[string]string `json:"vars,omitempty"`
}

type evaluationOutcome struct {
	Provider  string       `json:"provider"`
	Score     *float64     `json:"score,omitempty"`
	Scores    []float64    `json:"scores,omitempty"`
	Text      *string      `json:"text,omitempty"`
	Model     string       `json:"model,omitempty"`
	Usage     models.Usage `json:"usage"`
	Error     string       `json:"error,omitempty"`
	ElapsedMS int64        `json:"elapsed_ms"`
}

type evaluationResponse struct {
	ID       string              `json:"id"`
	Object   string              `json:"object"`
	Winner   string              `json:"winner"`
	Ranking  []evaluationOutcome `json:"ranking"`
	Failures []evaluationOutcome `json:"failures,omitempty"`
}

func (s *Server) handleEvaluations(c echo.Context) error {
	var req evaluationRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	unifiedReq, scorers, opts, err := pipeline.BuildEvaluation(&req.EvaluationSpec, chain.Input{Text: req.Input, Vars: req.Vars})
	if err != nil {
		return invalidRequest(err)
	}

	res, err := evaluator.New(s.router.Registry(), s.logger).Evaluate(c.Request().Context(), unifiedReq, req.Providers, scorers, opts...)
	if err != nil {
		return toHTTPError(err)
	}

	out := evaluationResponse{
		ID:      res.ID,
		Object:  "evaluation",
		Winner:  res.Winner,
		Ranking: []evaluationOutcome{},
	}
	for _, o := range res.Ranked() {
		out.Ranking = append(out.Ranking, evaluationOutcome{
			Provider:  o.Provider,
			Score:     models.Ptr(o.Score),
			Scores:    o.Scores,
			Text:      o.Response.Text,
			Model:     o.Response.Model,
			Usage:     o.Response.Usage,
			ElapsedMS: o.Elapsed.Milliseconds(),
		})
	}
	for _, id := range res.Order() {
		if o := res.Outcomes[id]; o.Err != nil {
			out.Failures = append(out.Failures, evaluationOutcome{
				Provider:  id,
				Error:     o.Err.Error(),
				ElapsedMS: o.Elapsed.Milliseconds(),
			})
		}
	}
	return c.JSON(http.StatusOK, out)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

func invalidRequest(err error) requestError {
	return requestError{
		Status:  http.StatusBadRequest,
		Message: err.Error(),
		Type:    "invalid_request_error",
	}
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	return c.JSON(status, errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps an orchestration failure onto a status and error envelope
// by the kind of the outermost classified error.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, router.ErrInvalidSelector) || errors.Is(err, models.ErrEmptyMessages) {
		return invalidRequest(err)
	}

	kind := errs.KindOf(err)
	switch kind {
	case errs.KindUnknownProvider:
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "invalid_request_error", Code: string(kind)}
	case errs.KindCapabilityMismatch, errs.KindValidationExhausted:
		return requestError{Status: http.StatusUnprocessableEntity, Message: err.Error(), Type: "invalid_request_error", Code: string(kind)}
	case errs.KindCancelled:
		return requestError{Status: statusClientClosedRequest, Message: "request cancelled", Type: "request_cancelled", Code: string(kind)}
	case errs.KindProviderCallFailed, errs.KindAllProvidersFailed, errs.KindChainStepFailed:
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error", Code: string(kind)}
	case errs.KindDuplicateProvider:
		return requestError{Status: http.StatusConflict, Message: err.Error(), Type: "invalid_request_error", Code: string(kind)}
	}

	slog.Warn("unclassified request failure", "err", err)
	return requestError{
		Status:  http.StatusBadRequest,
		Message: err.Error(),
		Type:    "invalid_request_error",
	}
}

func printStartupBanner(port int, providers []string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("omnillm ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Providers: %v\n", providers)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/providers")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/completions")
	fmt.Println("  POST /v1/embeddings")
	fmt.Println("  POST /v1/chains")
	fmt.Println("  POST /v1/evaluations")
	fmt.Println("Address models as provider:model, e.g. \"openai:gpt-4o-mini\".")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"openai:gpt-4o-mini\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
