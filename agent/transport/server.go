package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tanpawarit/persona-router/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	"github.com/tanpawarit/persona-router/agent/persona"
	"github.com/tanpawarit/persona-router/pkg/metrics"
	qstashx "github.com/tanpawarit/persona-router/pkg/qstash"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Addr           string        `envconfig:"ADDR" default:":8080"`
	AdminToken     string        `split_words:"true"`
	RatePerSecond  float64       `split_words:"true" default:"1"`
	RateBurst      int           `split_words:"true" default:"5"`
	RequestTimeout time.Duration `split_words:"true" default:"120s"`
	PublicURL      string        `split_words:"true"`
}

// TurnHandler runs one conversational turn.
type TurnHandler interface {
	HandleMessage(ctx context.Context, req orchestrator.Request) (orchestrator.Reply, error)
}

// MemoryAdmin is the operator surface over identity memory.
type MemoryAdmin interface {
	Export(ctx context.Context, identity string) (contractx.MemorySnapshot, error)
	DeleteIdentity(ctx context.Context, identity string) error
}

type SignatureVerifier interface {
	Verify(signature string, body []byte, deliveryURL string) error
}

type Publisher interface {
	Publish(ctx context.Context, destination string, payload any) (string, error)
}

type Option func(*Server)

func WithMemoryAdmin(m MemoryAdmin) Option {
	return func(s *Server) { s.memory = m }
}

// WithQStash enables the QStash channel. Replies are published to replyURL
// when both publisher and replyURL are set.
func WithQStash(v SignatureVerifier, p Publisher, replyURL string) Option {
	return func(s *Server) {
		s.verifier = v
		s.publisher = p
		s.replyURL = strings.TrimSpace(replyURL)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

type Server struct {
	cfg     Config
	turns   TurnHandler
	limiter *identityLimiter

	memory    MemoryAdmin
	verifier  SignatureVerifier
	publisher Publisher
	replyURL  string
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func New(cfg Config, turns TurnHandler, opts ...Option) (*Server, error) {
	if turns == nil {
		return nil, errors.New("turn handler is required")
	}
	if cfg.RatePerSecond < 0 {
		return nil, errors.New("rate per second must be >= 0")
	}

	s := &Server{
		cfg:     cfg,
		turns:   turns,
		limiter: newIdentityLimiter(cfg.RatePerSecond, cfg.RateBurst, 10*time.Minute),
		logger:  log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/v1/messages", s.handleMessage)
	r.Post("/invocations", s.handleInvocation)
	r.Post("/v1/channels/qstash", s.handleQStash)

	admin := r.With(s.requireAdmin)
	admin.Get("/v1/identities/{identity}/memory", s.handleExportMemory)
	admin.Delete("/v1/identities/{identity}/memory", s.handleDeleteMemory)

	return r
}

// ListenAndServe serves until ctx is done, then drains in-flight turns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

/* ---- turns ---- */

type messageRequest struct {
	TurnID     string            `json:"turn_id,omitempty"`
	Identity   string            `json:"identity"`
	Channel    string            `json:"channel,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text"`
}

func (m messageRequest) toRequest(defaultChannel string) orchestrator.Request {
	channel := strings.TrimSpace(m.Channel)
	if channel == "" {
		channel = defaultChannel
	}
	return orchestrator.Request{
		TurnID: m.TurnID,
		Signal: contractx.IdentitySignal{
			Identity:   m.Identity,
			Channel:    channel,
			Attributes: m.Attributes,
		},
		Text: m.Text,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"memory_admin":   s.memory != nil && s.cfg.AdminToken != "",
		"qstash_channel": s.verifier != nil,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	reply, ok := s.runTurn(w, r, "/v1/messages", req.toRequest("http"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

type invocationRequest struct {
	InputText string `json:"inputText"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

type invocationResponse struct {
	Result    string               `json:"result"`
	SessionID string               `json:"session_id"`
	Status    contractx.TurnStatus `json:"status"`
}

func (s *Server) handleInvocation(w http.ResponseWriter, r *http.Request) {
	var req invocationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	text := strings.TrimSpace(req.InputText)
	if text == "" {
		text = strings.TrimSpace(req.Prompt)
	}
	// anonymous callers get their own session so they never share memory
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	reply, ok := s.runTurn(w, r, "/invocations", orchestrator.Request{
		Signal: contractx.IdentitySignal{Identity: sessionID, Channel: "invocations"},
		Text:   text,
	})
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, invocationResponse{
		Result:    reply.Text,
		SessionID: sessionID,
		Status:    reply.Status,
	})
}

// runTurn applies rate limiting and maps orchestrator errors to HTTP errors.
// It reports false when a response has already been written.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, route string, req orchestrator.Request) (orchestrator.Reply, bool) {
	identity := persona.IdentityKey(req.Signal)
	if identity != "" && !s.limiter.Allow(identity) {
		if s.metrics != nil {
			s.metrics.RateLimitedRequest.WithLabelValues(route).Inc()
		}
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests for this identity")
		return orchestrator.Reply{}, false
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	reply, err := s.turns.HandleMessage(ctx, req)
	switch {
	case err == nil:
		return reply, true
	case errors.Is(err, orchestrator.ErrInvalidIdentity), errors.Is(err, orchestrator.ErrInvalidMessage):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "turn did not finish in time")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.logger.Error().Err(err).Str("route", route).Msg("turn failed")
		respondError(w, http.StatusInternalServerError, "internal", "turn failed")
	}
	return orchestrator.Reply{}, false
}

/* ---- qstash channel ---- */

type qstashReply struct {
	Identity string `json:"identity"`
	orchestrator.Reply
}

func (s *Server) handleQStash(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "qstash channel not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	deliveryURL := ""
	if base := strings.TrimRight(strings.TrimSpace(s.cfg.PublicURL), "/"); base != "" {
		deliveryURL = base + r.URL.Path
	}
	if err := s.verifier.Verify(r.Header.Get(qstashx.SignatureHeader), body, deliveryURL); err != nil {
		s.logger.Warn().Err(err).Msg("rejected qstash delivery")
		respondError(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
		return
	}

	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.TurnID) == "" {
		// redeliveries of one message must commit once
		req.TurnID = strings.TrimSpace(r.Header.Get("Upstash-Message-Id"))
	}

	reply, ok := s.runTurn(w, r, "/v1/channels/qstash", req.toRequest("qstash"))
	if !ok {
		return
	}

	if s.publisher != nil && s.replyURL != "" {
		msgID, err := s.publisher.Publish(r.Context(), s.replyURL, qstashReply{Identity: req.Identity, Reply: reply})
		if err != nil {
			s.logger.Error().Err(err).Str("turn_id", reply.TurnID).Msg("publish reply failed")
			respondError(w, http.StatusBadGateway, "publish_failed", "reply could not be published")
			return
		}
		s.logger.Debug().Str("turn_id", reply.TurnID).Str("message_id", msgID).Msg("reply published")
	}
	respondJSON(w, http.StatusOK, reply)
}

/* ---- admin ---- */

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.memory == nil || s.cfg.AdminToken == "" {
			respondError(w, http.StatusNotFound, "not_found", "memory admin is disabled")
			return
		}
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AdminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleExportMemory(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(chi.URLParam(r, "identity"))
	snap, err := s.memory.Export(r.Context(), identity)
	if err != nil {
		s.respondMemoryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(chi.URLParam(r, "identity"))
	if err := s.memory.DeleteIdentity(r.Context(), identity); err != nil {
		s.respondMemoryError(w, err)
		return
	}
	s.logger.Info().Str("identity", identity).Msg("identity memory deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondMemoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contractx.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, contractx.ErrStorageUnavailable):
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", "memory storage unavailable")
	default:
		s.logger.Error().Err(err).Msg("memory admin failed")
		respondError(w, http.StatusInternalServerError, "internal", "memory admin failed")
	}
}

/* ---- helpers ---- */

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
