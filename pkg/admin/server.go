package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server - HTTP сервер admin API.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer создаёт сервер admin API на addr.
func NewServer(addr string, cfg Config, log zerolog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(cfg, log),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: log.With().Str("component", "admin").Logger(),
	}
}

// Start запускает сервер. Блокирующий вызов - запускать в горутине.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Admin API")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
