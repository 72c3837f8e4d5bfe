package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/arkadas/chaton2api/pkg/config"
	"github.com/arkadas/chaton2api/pkg/imagegen"
	"github.com/arkadas/chaton2api/pkg/imagestore"
	"github.com/arkadas/chaton2api/pkg/logutil"
	"github.com/arkadas/chaton2api/pkg/upstream"
)

// Server is the OpenAI-compatible HTTP front of the proxy.
type Server struct {
	cfg        *config.ServerConfig
	log        *log.Logger
	client     *upstream.Client
	generator  *imagegen.Controller
	images     *imagestore.Store
	metrics    *Metrics
	registry   *prometheus.Registry
	httpServer *http.Server

	activeAPIRequests atomic.Int64
	draining          atomic.Bool
}

func NewServer(cfg *config.ServerConfig, creds upstream.CredentialProvider) *Server {
	logger := logutil.Named("proxy")
	client := upstream.NewClient(cfg.Upstream, creds)
	registry := prometheus.NewRegistry()

	retention := time.Duration(cfg.Images.RetentionSeconds) * time.Second
	s := &Server{
		cfg:       cfg,
		log:       logger,
		client:    client,
		generator: imagegen.NewController(client, cfg.Images, logutil.Named("imagegen")),
		images:    imagestore.New(cfg.Images.Dir, cfg.BaseURL, retention, logger),
		metrics:   NewMetrics(registry),
		registry:  registry,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(s.apiRequestLifecycleMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)
		v1.Get("/chat/completions", s.handleChatWelcome)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Get("/images/generations", s.handleChatWelcome)
		v1.Post("/images/generations", s.handleImageGenerations)
	})

	r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(cfg.Images.Dir))))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go s.images.Run(ctx)

	switch {
	case s.cfg.TLS.Enabled && s.cfg.TLS.Mode == "letsencrypt":
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.log.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.drain(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)

	case s.cfg.TLS.Enabled:
		httpsSrv := &http.Server{
			Addr:              s.httpServer.Addr,
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
		}
		if s.cfg.TLS.ListenAddr != "" {
			httpsSrv.Addr = s.cfg.TLS.ListenAddr
		}
		go func() {
			s.log.Info("https listening", "addr", httpsSrv.Addr)
			if err := httpsSrv.ListenAndServeTLS(s.cfg.TLS.CertPEM, s.cfg.TLS.KeyPEM); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.drain(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		s.log.Info("proxy listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	<-ctx.Done()
	s.drain(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func (s *Server) drain(ctx context.Context) {
	s.draining.Store(true)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeAPIRequests.Load()
		if active <= 0 {
			s.log.Info("shutdown: api idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func (s *Server) apiRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isAPIReq {
			s.activeAPIRequests.Add(1)
			defer s.activeAPIRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflight requests and stamps the permissive CORS
// headers every response carries.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(ch chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
