// Package server is the HTTP control endpoint: operator commands, the latest
// reading, a websocket feed of readings and the plot output directory.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/CK6170/Spoolscale-go/internal/logging"
	"github.com/CK6170/Spoolscale-go/scale"
)

// Commander accepts operator commands. *scale.Controller implements it.
type Commander interface {
	Tare()
	Clear()
	Calibrate(knownWeight float64) error
}

// ReadingSource provides the latest published reading. *scale.Machine
// implements it.
type ReadingSource interface {
	Last() (scale.Reading, bool)
}

type Options struct {
	Commands Commander
	Readings ReadingSource
	// StaticDir is served at / when set (the plot image lives there).
	StaticDir string
	// RateLimit is the sustained reading requests per second; Burst the bucket size.
	RateLimit float64
	Burst     int
	Logger    *slog.Logger
}

type Server struct {
	router   chi.Router
	commands Commander
	readings ReadingSource
	hub      *WSHub
	limiter  *rate.Limiter
	log      *slog.Logger
}

type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

type APIError struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

type CommandResponse struct {
	OK        bool    `json:"ok"`
	Command   string  `json:"command"`
	Weight    float64 `json:"weight,omitempty"`
	RequestID string  `json:"requestId"`
}

func New(opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		commands: opts.Commands,
		readings: opts.Readings,
		hub:      NewWSHub(),
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		log:      opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/api/health", s.handleHealth)

	// Commands are never refused: the mailbox keeps only the latest one.
	r.Post("/tare", s.handleTare)
	r.Post("/calibrate", s.handleCalibrate)
	r.Post("/clear", s.handleClear)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/api/reading", s.handleReading)
		r.Get("/ws/reading", s.handleWSReading)
	})

	if opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Hub is the websocket fan-out of published readings.
func (s *Server) Hub() *WSHub { return s.hub }

// PublishReading pushes r to every websocket client. It is meant to be
// registered with Machine.Subscribe.
func (s *Server) PublishReading(r scale.Reading) {
	s.hub.Broadcast(WSMessage{Type: "reading", Data: r})
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("control endpoint listening", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, APIError{Error: msg, RequestID: logging.RequestIDFromContext(r.Context())})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "no measurement loop")
		return
	}
	reading, ok := s.readings.Last()
	if !ok {
		s.writeError(w, r, http.StatusServiceUnavailable, "no reading yet")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleTare(w http.ResponseWriter, r *http.Request) {
	s.commands.Tare()
	s.commandAccepted(w, r, "tare", 0)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.commands.Clear()
	s.commandAccepted(w, r, "clear", 0)
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	weight, err := knownWeight(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.commands.Calibrate(weight); err != nil {
		var pe *scale.PersistenceError
		if errors.As(err, &pe) {
			logging.FromContext(r.Context(), s.log).Error("persist known weight", "err", err)
			s.writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.commandAccepted(w, r, "calibrate", weight)
}

func (s *Server) commandAccepted(w http.ResponseWriter, r *http.Request, cmd string, weight float64) {
	id := logging.RequestIDFromContext(r.Context())
	args := []any{"command", cmd}
	if cmd == "calibrate" {
		args = append(args, "known_weight", weight)
	}
	logging.FromContext(r.Context(), s.log).Info("command queued", args...)
	writeJSON(w, http.StatusOK, CommandResponse{OK: true, Command: cmd, Weight: weight, RequestID: id})
}

// knownWeight reads the "weight" field from a JSON body or a form. A request
// without one calibrates against 1.
func knownWeight(r *http.Request) (float64, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Weight *float64 `json:"weight"`
		}
		defer r.Body.Close()
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("invalid JSON body: %w", err)
		}
		if body.Weight == nil {
			return 1, nil
		}
		return *body.Weight, nil
	}
	if err := r.ParseForm(); err != nil {
		return 0, fmt.Errorf("invalid form: %w", err)
	}
	raw := strings.TrimSpace(r.FormValue("weight"))
	if raw == "" {
		return 1, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid weight %q", raw)
	}
	return v, nil
}

// Middleware

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context(), s.log).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
