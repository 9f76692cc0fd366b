package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/pkg/engine"
	"github.com/gregtusar/wallsignal/pkg/models"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 500
)

// Pipeline is the read side of the engine served over HTTP.
type Pipeline interface {
	Health() engine.Health
	LastScore() (models.ScoreSnapshot, bool)
	RecentSignals(limit int) []models.SignalEvent
}

type Server struct {
	pipeline  Pipeline
	metrics   http.Handler
	logger    *logrus.Logger
	port      int
	jwtSecret []byte
}

// NewServer serves pipeline state. When jwtSecret is non-empty every /api
// route except /api/health requires an HS256 bearer token.
func NewServer(pipeline Pipeline, metrics http.Handler, logger *logrus.Logger, port int, jwtSecret string) *Server {
	return &Server{
		pipeline:  pipeline,
		metrics:   metrics,
		logger:    logger,
		port:      port,
		jwtSecret: []byte(jwtSecret),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	r.Handle("/api/score", s.protect(s.handleScore)).Methods(http.MethodGet)
	r.Handle("/api/signals", s.protect(s.handleSignals)).Methods(http.MethodGet)

	return corsMiddleware(r)
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if len(s.jwtSecret) == 0 {
		return h
	}
	return s.authMiddleware(h)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %d", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		_, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			s.logger.WithError(err).Debug("Rejected API token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Health())
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	score, ok := s.pipeline.LastScore()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	limit := defaultSignalLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxSignalLimit)
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.RecentSignals(limit))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
