package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/metrics"
	"github.com/ntic-sm/istabot/pkg/sse"
	"github.com/ntic-sm/istabot/pkg/telemetry"
	"github.com/ntic-sm/istabot/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant HTTP server",
	Long: `Starts the HTTP server that answers campus questions.

Example:
  istabot serve --port 8080

The server exposes:
  POST /chat/ask            - Answer a question (JSON)
  POST /chat/ask/stream     - Answer a question (SSE stream)
  GET  /chat/status         - Pipeline status
  POST /chat/history/clear  - Forget a user's conversation
  GET  /health              - Health check
  GET  /metrics             - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

// server holds the HTTP transport state.
type server struct {
	app     *app
	metrics *metrics.Metrics
	tracer  *telemetry.Provider
	logger  *zap.Logger
}

// askRequest is the JSON body of both ask endpoints.
type askRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

// clearRequest is the JSON body of the history clear endpoint.
type clearRequest struct {
	UserID string `json:"user_id"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tracer, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:    cfg.Telemetry.Tracing.Enabled,
		Exporter:   cfg.Telemetry.Tracing.Exporter,
		Endpoint:   cfg.Telemetry.Tracing.Endpoint,
		SampleRate: cfg.Telemetry.Tracing.SampleRate,
		Insecure:   cfg.Telemetry.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	m := metrics.New()
	a.instrument(m, tracer)

	srv := &server{app: a, metrics: m, tracer: tracer, logger: a.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/ask", m.Middleware("/chat/ask", srv.handleAsk))
	mux.HandleFunc("/chat/ask/stream", m.Middleware("/chat/ask/stream", srv.handleAskStream))
	mux.HandleFunc("/chat/status", m.Middleware("/chat/status", srv.handleStatus))
	mux.HandleFunc("/chat/history/clear", m.Middleware("/chat/history/clear", srv.handleClearHistory))
	mux.HandleFunc("/health", srv.handleHealth)
	mux.Handle("/metrics", m.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays disabled by default: SSE answers outlive
		// any fixed deadline.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		a.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", zap.Error(err))
		}
		close(done)
	}()

	a.logger.Info("server listening",
		zap.String("addr", addr),
		zap.String("store", cfg.Store.Backend),
		zap.String("embedder", a.embedder.Name()),
		zap.Strings("llm_providers", a.generator.Providers()))

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	a.logger.Info("server stopped")
	return nil
}

// decodeAsk parses and validates an ask request body.
func decodeAsk(r *http.Request) (askRequest, error) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return req, fmt.Errorf("message is required")
	}
	if req.UserID == "" {
		req.UserID = "student"
	}
	return req, nil
}

func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := decodeAsk(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.StartRequest(r.Context(), "/chat/ask")
	defer span.End()

	start := time.Now()
	data, err := s.app.engine.Answer(ctx, req.Message, req.UserID)
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("answer failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	telemetry.RecordAnswer(span, len(data.Reply), len(data.Sources), data.RAGUsed, time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := decodeAsk(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.StartRequest(r.Context(), "/chat/ask/stream")
	defer span.End()

	writer := sse.NewWriter(w)
	if writer == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	tokens := 0
	for event := range s.app.engine.AnswerStream(ctx, req.Message, req.UserID) {
		if event.Type == types.EventContent {
			tokens++
			s.metrics.TokensStreamed.Inc()
		}
		if err := writer.Send(event); err != nil {
			s.logger.Debug("client went away mid-stream", zap.Error(err))
			return
		}
		if event.Type == types.EventEnd && event.Data != nil {
			telemetry.RecordAnswer(span, tokens, len(event.Data.Sources), event.Data.RAGUsed, time.Since(start))
		}
	}
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.app.engine.Status(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = "student"
	}

	if err := s.app.memory.Clear(r.Context(), req.UserID); err != nil {
		s.logger.Error("failed to clear history", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, "failed to clear history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
