package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/engine"
)

type Server struct {
	engine    *engine.Engine
	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	log       *zap.Logger
	startTime time.Time
}

func New(eng *engine.Engine, port int, tokenFile string) *Server {
	srv := &Server{
		engine:    eng,
		port:      port,
		token:     generateToken(),
		tokenFile: tokenFile,
		router:    http.NewServeMux(),
		log:       eng.Log,
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/api/select", s.handleSelect)
	s.router.HandleFunc("/api/convert", s.handleConvert)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.engine.Registry, promhttp.HandlerOpts{}))

	// Job triggers for external schedulers (protected)
	s.router.Handle("/jobs/sweep", s.authMiddleware(http.HandlerFunc(s.handleSweep)))
	s.router.Handle("/jobs/cycle", s.authMiddleware(http.HandlerFunc(s.handleCycle)))
}

func (s *Server) Start() error {
	// Write token to file so schedulers can authenticate job triggers
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.log.Warn("failed to write token file", zap.Error(err))
		}
	}

	addr := fmt.Sprintf(":%d", s.port)
	s.log.Info("nudgekit listening",
		zap.String("addr", addr),
		zap.String("token_file", s.tokenFile))

	return http.ListenAndServe(addr, s.router)
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a fixed token if crypto/rand fails
		return "a1b2c3d4e5f60718"
	}
	return hex.EncodeToString(bytes)
}
