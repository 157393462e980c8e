// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"nugget-notifier/dispatch"
	"nugget-notifier/pkg/nugget"
)

var phoneRegex = regexp.MustCompile(`^\+[0-9]{8,15}$`)

// Commands is the core contract the HTTP surface drives.
type Commands interface {
	Handle(ctx context.Context, id, raw string) (string, error)
	CreateOrReset(ctx context.Context, id string, hours *int) (*nugget.Subscriber, error)
	Status(ctx context.Context, id string) (nugget.Status, error)
}

// Resolver turns a content reference back into its payload.
type Resolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// Welcomer sends the signup text.
type Welcomer interface {
	SendWelcome(ctx context.Context, to string) error
}

// Poller triggers a dispatch tick.
type Poller interface {
	Tick(ctx context.Context) (dispatch.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	commands  Commands
	resolver  Resolver
	welcomer  Welcomer
	poller    Poller
	limiter   *ipLimiter
	logger    *slog.Logger
	baseURL   string
	authToken string
}

// Config holds server configuration.
type Config struct {
	Commands Commands
	Resolver Resolver
	Welcomer Welcomer
	Poller   Poller
	Logger   *slog.Logger
	BaseURL  string
	// TwilioAuthToken, when set, is used to verify inbound webhook signatures.
	TwilioAuthToken string
	// SignupsPerHour caps signup and status requests per client IP. Zero means 5.
	SignupsPerHour int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	perHour := cfg.SignupsPerHour
	if perHour <= 0 {
		perHour = 5
	}
	return &Server{
		commands:  cfg.Commands,
		resolver:  cfg.Resolver,
		welcomer:  cfg.Welcomer,
		poller:    cfg.Poller,
		limiter:   newIPLimiter(perHour),
		logger:    cfg.Logger,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		authToken: cfg.TwilioAuthToken,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/signup", s.handleSignup)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sms", s.handleInbound)
	mux.HandleFunc("/nugget/{ref}", s.handleNugget)
	return s.requestLog(mux)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	res, err := s.poller.Tick(r.Context())
	if err != nil {
		s.logger.Error("Dispatch tick failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "completed",
		"result": res,
	})
}

// normalizePhone trims id and reports whether it is a plausible E.164 number.
func normalizePhone(id string) (string, bool) {
	id = strings.TrimSpace(id)
	return id, phoneRegex.MatchString(id)
}
