package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"ciphernotes/cfg"
	"ciphernotes/svc/db"
	"ciphernotes/svc/lim"
	"ciphernotes/svc/svc"
	"ciphernotes/svc/util"
)

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer builds the router. ipHasher and rdb may be nil.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, sessions *Sessions, ipHasher *util.IPHasher, rdb *db.Redis) *Server {
	s := &Server{
		paste: p,
		lim:   l,
		cfg:   c,
		rdb:   rdb,
	}
	r := chi.NewRouter()
	mw := NewMw(l, sessions, c)
	hdl := &Hdl{paste: p, ipHasher: ipHasher, lim: l, cfg: c}

	r.Use(mw.Recoverer)
	r.Use(mw.RequestID)
	r.NotFound(hdl.NotFound)
	r.MethodNotAllowed(hdl.NotFound)

	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if c.EnableProfiler {
		r.Mount("/debug", mw.BasicAuthMetrics(middleware.Profiler()))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Observe)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.Session)
		r.NotFound(hdl.NotFound)
		r.MethodNotAllowed(hdl.NotFound)

		r.With(mw.RateLimit(lim.EndpointCreate)).Post("/paste", hdl.CreatePaste)
		r.With(mw.RateLimit(lim.EndpointRead)).Get("/paste/{id}", hdl.GetPaste)
		r.With(mw.RateLimit(lim.EndpointWrite)).Put("/paste/{id}", hdl.UpdatePaste)
		r.With(mw.RateLimit(lim.EndpointWrite)).Delete("/paste/{id}", hdl.DeletePaste)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
