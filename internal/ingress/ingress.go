// Package ingress is the scanning API webhook endpoint. It answers the
// validator handshake, checks the shared secret on posted reports and forwards
// accepted bodies, unchanged, to the scanning topic.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
)

const (
	maxBodyBytes = 8 << 20

	errWrongSecret  = "Wrong secret"
	errUnsupported  = "Something blew up!"
	errTooManyPosts = "Too many requests"
)

// Forwarder hands an accepted body to the pipeline.
type Forwarder interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ClaimRecorder observes every secret check.
type ClaimRecorder interface {
	RecordClaim(ctx context.Context, accepted bool)
}

// Config holds the webhook settings.
type Config struct {
	SharedSecret   string
	ValidatorToken string
	// Topic receives accepted bodies.
	Topic string
	// RateLimitRPS enables a global limiter when positive.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Handler serves the webhook.
type Handler struct {
	cfg       Config
	forwarder Forwarder
	runner    *effect.Runner
	claims    ClaimRecorder
	logger    *slog.Logger
	limiter   *rate.Limiter
	router    chi.Router

	inflight sync.WaitGroup
}

// New builds the webhook handler. claims may be nil.
func New(cfg Config, forwarder Forwarder, runner *effect.Runner, claims ClaimRecorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		cfg:       cfg,
		forwarder: forwarder,
		runner:    runner,
		claims:    claims,
		logger:    logger,
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	r := chi.NewRouter()
	r.Use(h.rateLimit)
	r.Get("/", h.handleGET)
	r.Post("/", h.handlePOST)
	r.MethodNotAllowed(h.handleOther)
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Drain waits for in-flight forwards to finish or for ctx to end.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errTooManyPosts)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("validator requested", "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, h.cfg.ValidatorToken)
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.reject(w, r, "read body", err)
		return
	}

	var claim struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(body, &claim); err != nil {
		h.reject(w, r, "decode body", err)
		return
	}
	if !h.secretMatches(claim.Secret) {
		h.reject(w, r, "secret mismatch", nil)
		return
	}

	h.recordClaim(r.Context(), true)
	h.logger.Info("scanning post accepted", "remote", r.RemoteAddr, "bytes", len(body))

	h.forward(r.Context(), body)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleOther(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("unsupported webhook method", "method", r.Method, "remote", r.RemoteAddr)
	writeError(w, http.StatusInternalServerError, errUnsupported)
}

func (h *Handler) secretMatches(claimed string) bool {
	if h.cfg.SharedSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(claimed), []byte(h.cfg.SharedSecret)) == 1
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	h.recordClaim(r.Context(), false)
	attrs := []any{"reason", reason, "remote", r.RemoteAddr}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	h.logger.Warn("scanning post rejected", attrs...)
	writeError(w, http.StatusInternalServerError, errWrongSecret)
}

func (h *Handler) recordClaim(ctx context.Context, accepted bool) {
	if h.claims != nil {
		h.claims.RecordClaim(ctx, accepted)
	}
}

func (h *Handler) forward(ctx context.Context, body []byte) {
	h.inflight.Add(1)
	handle := h.runner.Go(ctx, "pubsub.scanning", func(ctx context.Context) error {
		return h.forwarder.Publish(ctx, h.cfg.Topic, body)
	}, "topic", h.cfg.Topic)

	go func() {
		<-handle.Done()
		h.inflight.Done()
	}()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
