package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v66/github"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metasync/metasync/internal/config"
	"github.com/metasync/metasync/internal/metrics"
	metasync "github.com/metasync/metasync/internal/sync"
)

const (
	eventPing    = "ping"
	eventRelease = "release"
)

// releaseActions are the release event actions that can change what gets
// published
var releaseActions = []string{"published", "released", "edited"}

// Syncer runs one reconciliation pass
type Syncer interface {
	Run(ctx context.Context) (*metasync.Result, error)
}

// Server implements the webhook HTTP server
type Server struct {
	cfg         *config.Config
	syncer      Syncer
	metrics     *metrics.Metrics
	logger      *slog.Logger
	secret      []byte
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
	baseCtx     context.Context
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, syncer Syncer, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	if m == nil {
		m = metrics.New()
	}

	return &Server{
		cfg:      cfg,
		syncer:   syncer,
		metrics:  m,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: 2 * time.Second},
		baseCtx:  context.Background(),
	}, nil
}

// Router returns the HTTP routes of the server
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}

// Start performs an initial sync and then serves webhooks until ctx is
// cancelled
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx)

	listener, err := Listen(s.cfg.Serve.ListenAddr, s.logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	if s.cfg.Serve.WatchRegistry {
		if err := s.watchRegistry(ctx); err != nil {
			s.logger.Warn("registry watch disabled", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "ok")
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := github.WebHookType(r)
	s.logger.Info("received webhook", "event", eventType, "delivery", github.DeliveryID(r))

	if eventType == eventPing {
		_, _ = fmt.Fprintln(w, "pong")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	if eventType == eventRelease {
		payload, err := github.ParseWebHook(eventType, body)
		if err != nil {
			s.logger.Error("failed to parse webhook payload", "error", err)
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
		event, ok := payload.(*github.ReleaseEvent)
		if !ok {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
		if !slices.Contains(releaseActions, event.GetAction()) {
			s.logger.Info("ignoring release action", "action", event.GetAction())
			_, _ = fmt.Fprintf(w, "Release action not configured for sync\n")
			return
		}
		s.logger.Info("webhook accepted",
			"event", eventType,
			"action", event.GetAction(),
			"tag", event.GetRelease().GetTagName(),
			"repo", event.GetRepo().GetFullName())
	} else {
		s.logger.Info("webhook accepted", "event", eventType)
	}

	s.trigger()

	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// trigger schedules a debounced sync
func (s *Server) trigger() {
	s.debounce.trigger(func() {
		s.performSync(s.baseCtx)
	})
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true
	}
	return slices.Contains(s.cfg.Serve.AllowedEventTypes, eventType)
}

// performSync runs the syncer with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		result, err := s.syncer.Run(ctx)
		switch {
		case err != nil:
			s.logger.Error("sync failed", "error", err)
		case result.HadError:
			s.logger.Warn("sync completed with errors", "significant", result.Significant)
		default:
			s.logger.Info("sync completed successfully",
				"significant", result.Significant,
				"location", result.Location)
		}

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
