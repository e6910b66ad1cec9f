// Package server exposes the inbound HTTP surface: the chat-event webhook
// and the manual trigger endpoints.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dutybot/internal/config"
	"dutybot/internal/domain"
	"dutybot/internal/duty"
	"dutybot/internal/metrics"
)

// Server routes webhook events and manual actions to the duty bot.
type Server struct {
	cfg    config.WebhookConfig
	bot    *duty.Bot
	logger *slog.Logger
	server *http.Server

	metricsEnabled bool
}

func New(cfg config.WebhookConfig, metricsEnabled bool, bot *duty.Bot, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, bot: bot, logger: logger, metricsEnabled: metricsEnabled}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.Path, s.handleWebhook)
	mux.HandleFunc("POST /trigger/oncall", s.handleTriggerOnCall)
	mux.HandleFunc("POST /trigger/{key}", s.handleTriggerContact)
	mux.HandleFunc("POST /ping/{key}", s.handlePingContact)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsEnabled {
		mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "addr", s.server.Addr, "path", s.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// handleWebhook decodes a pushed chat event and hands it to the engine.
// The engine deduplicates against the thread poller, so replays are safe.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if s.cfg.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(w, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, s.cfg.Secret, sig) {
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var event domain.ChatEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	s.logger.Debug("webhook event received", "id", event.ID, "type", event.Type, "from", event.User.Username)
	metrics.WebhookEvents.Inc()
	s.bot.HandleEvent(event)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleTriggerContact(w http.ResponseWriter, r *http.Request) {
	s.writeActionResult(w, s.bot.TriggerContact(r.PathValue("key")))
}

func (s *Server) handlePingContact(w http.ResponseWriter, r *http.Request) {
	s.writeActionResult(w, s.bot.PingContact(r.PathValue("key")))
}

func (s *Server) handleTriggerOnCall(w http.ResponseWriter, r *http.Request) {
	s.writeActionResult(w, s.bot.TriggerOnCallDuty())
}

func (s *Server) writeActionResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
	case errors.Is(err, duty.ErrUnknownContact):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, duty.ErrSessionActive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
