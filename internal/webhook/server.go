// Package webhook runs the HTTP ingestion surface for provider callbacks.
// Every request is verified against the raw body before parsing; failed
// verification is a 401 with no side effects.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/voicewire/internal/infra"
	"github.com/haasonsaas/voicewire/internal/observability"
	"github.com/haasonsaas/voicewire/internal/voice"
)

// Server routes provider webhooks to their call managers.
type Server struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	basePath string
	maxBytes int64

	providers map[voice.ProviderName]*registration
	dedupe    *infra.DedupeCache

	mux        *http.ServeMux
	httpServer *http.Server
}

type registration struct {
	provider voice.Provider
	manager  *voice.Manager
}

// ServerConfig holds webhook server configuration.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// BasePath is the webhook route prefix; the provider name is the
	// final path segment.
	BasePath string

	// MaxBodyBytes caps a request body. Default: 1 MiB.
	MaxBodyBytes int64

	// DedupeTTL bounds how long delivered event IDs are remembered.
	DedupeTTL time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewServer creates the webhook server. Providers are attached with
// Register before Start.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/webhooks/voice"
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	s := &Server{
		logger:    logger.With("component", "webhook-server"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		basePath:  strings.TrimRight(basePath, "/"),
		maxBytes:  maxBytes,
		providers: make(map[voice.ProviderName]*registration),
		dedupe:    infra.NewDedupeCache(&infra.DedupeCacheConfig{TTL: ttl, MaxSize: 50000}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.basePath+"/", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.mux = mux

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Register attaches a provider and its manager to the route
// {basePath}/{provider}.
func (s *Server) Register(provider voice.Provider, manager *voice.Manager) {
	s.providers[provider.Name()] = &registration{provider: provider, manager: manager}
}

// Handler exposes the mux for tests and for mounting under another server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Mount attaches an additional handler to the server's listener. The media
// stream WebSocket endpoint rides on the same port as the webhooks.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("webhook server listening", "addr", s.httpServer.Addr, "path", s.basePath)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := voice.ProviderName(strings.TrimPrefix(r.URL.Path, s.basePath+"/"))
	reg, ok := s.providers[name]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	reqCtx := r.Context()
	var span trace.Span
	if s.tracer != nil {
		reqCtx, span = s.tracer.Start(reqCtx, "webhook.handle",
			attribute.String("provider", string(name)))
		defer span.End()
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ctx := s.buildContext(r, body)

	verified, err := reg.provider.VerifyWebhook(ctx)
	if err != nil || !verified {
		if err != nil {
			s.logger.Warn("webhook verification errored", "provider", string(name), "error", err)
		} else {
			s.logger.Warn("webhook signature rejected", "provider", string(name), "path", r.URL.Path)
		}
		if s.metrics != nil {
			s.metrics.WebhookRejected(string(name))
		}
		if span != nil {
			s.tracer.RecordError(span, errors.New("webhook verification failed"))
		}
		http.Error(w, "verification failed", http.StatusUnauthorized)
		return
	}

	result, err := reg.provider.ParseWebhook(ctx)
	if err != nil {
		s.logger.Warn("webhook parse failed", "provider", string(name), "error", err)
		if s.metrics != nil {
			s.metrics.WebhookError(string(name))
		}
		if span != nil {
			s.tracer.RecordError(span, err)
		}
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	// One bad event never blocks the rest of the batch.
	for i := range result.Events {
		event := result.Events[i]
		if event.ID != "" && s.dedupe.IsDuplicate(event.ID, struct{}{}) {
			s.logger.Debug("duplicate webhook event dropped", "provider", string(name), "event_id", event.ID)
			continue
		}
		if err := reg.manager.ProcessEvent(reqCtx, &event); err != nil {
			s.logger.Error("event processing failed",
				"provider", string(name), "event_id", event.ID, "type", string(event.Type), "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.CallEvents.WithLabelValues(string(name), string(event.Type)).Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.WebhookAccepted(string(name))
	}
	s.respond(w, result)
}

func (s *Server) buildContext(r *http.Request, body []byte) *voice.WebhookContext {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	scheme := "https"
	if r.TLS == nil {
		if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
			scheme = forwarded
		} else {
			scheme = "http"
		}
	}
	fullURL := fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())

	return voice.NewWebhookContext(r.Method, fullURL, r.URL.Path, headers, body, query)
}

func (s *Server) respond(w http.ResponseWriter, result *voice.WebhookParseResult) {
	for k, v := range result.ResponseHeaders {
		w.Header().Set(k, v)
	}
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if result.ResponseBody != "" {
		_, _ = w.Write([]byte(result.ResponseBody))
	}
}
