// Package server exposes the chat streaming surface over HTTP: prompt
// submission, stream resumption, conversation deletion and a websocket
// observer, backed by the stream broker and the chat store.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatstream-io/chatstream/pkg/assembler"
	"github.com/chatstream-io/chatstream/pkg/chatstore"
	"github.com/chatstream-io/chatstream/pkg/config"
	"github.com/chatstream-io/chatstream/pkg/streams"
)

type Server struct {
	baseCtx  context.Context
	cfg      config.Config
	store    chatstore.Store
	registry *streams.Registry
	asm      *assembler.Assembler

	tokenSource assembler.TokenSource

	// backend is normally built lazily from the Redis config; tests
	// inject an in-memory one.
	backend    streams.Backend
	brokerOnce sync.Once
	broker     *streams.Broker

	upgrader websocket.Upgrader
	logger   zerolog.Logger
	httpSrv  *http.Server
}

type Option func(*Server)

// WithBackend overrides the resumable-stream substrate. The Redis
// config is ignored when set.
func WithBackend(b streams.Backend) Option {
	return func(s *Server) { s.backend = b }
}

// WithTokenSource overrides the upstream token source.
func WithTokenSource(src assembler.TokenSource) Option {
	return func(s *Server) { s.tokenSource = src }
}

func New(baseCtx context.Context, cfg config.Config, store chatstore.Store, opts ...Option) (*Server, error) {
	if baseCtx == nil {
		return nil, errors.New("server: nil base context")
	}
	if store == nil {
		return nil, errors.New("server: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		baseCtx: baseCtx,
		cfg:     cfg,
		store:   store,
		logger:  log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.tokenSource == nil {
		src, err := assembler.NewHTTPTokenSource(cfg.Upstream.URL)
		if err != nil {
			return nil, err
		}
		s.tokenSource = src
	}

	registry, err := streams.NewRegistry(store)
	if err != nil {
		return nil, err
	}
	s.registry = registry

	asm, err := assembler.New(assembler.Config{
		Source:   s.tokenSource,
		Messages: store,
		Model:    cfg.Upstream.Model,
	})
	if err != nil {
		return nil, err
	}
	s.asm = asm

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", s.handlePostChat)
		r.Get("/", s.handleGetChat)
		r.Delete("/", s.handleDeleteChat)
	})
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// hasSubstrate reports whether resumption is available at all; without
// it GET answers 204 before any other check.
func (s *Server) hasSubstrate() bool {
	return s.backend != nil || s.cfg.Redis.Enabled
}

// resumeBroker builds the broker on first use. Construction never
// dials Redis; connectivity problems surface per request inside the
// broker, which degrades them to non-resumable streaming.
func (s *Server) resumeBroker() *streams.Broker {
	s.brokerOnce.Do(func() {
		backend := s.backend
		if backend == nil {
			if !s.cfg.Redis.Enabled {
				return
			}
			rb, err := streams.NewRedisBackend(streams.RedisBackendConfig{
				Addr:         s.cfg.Redis.Addr,
				StreamPrefix: s.cfg.Redis.StreamPrefix,
				KeyPrefix:    s.cfg.Redis.KeyPrefix,
				SessionTTL:   s.cfg.Redis.SessionTTL(),
			})
			if err != nil {
				s.logger.Error().Err(err).Msg("redis backend unavailable, resumption disabled")
				return
			}
			backend = rb
		}
		broker, err := streams.NewBroker(streams.BrokerConfig{
			BaseCtx:           s.baseCtx,
			Backend:           backend,
			GenerationTimeout: s.cfg.Limits.GenerationTimeout(),
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("broker init failed, resumption disabled")
			return
		}
		s.broker = broker
	})
	return s.broker
}

func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			s.logger.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if s.broker != nil {
			if err := s.broker.Close(); err != nil {
				s.logger.Error().Err(err).Msg("broker close error")
			}
		}
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("store close error")
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		defer srvCancel()
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("starting chatstream server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
