package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/wadahiro/fedgate/internal/config"
	"github.com/wadahiro/fedgate/internal/lifecycle"
	"github.com/wadahiro/fedgate/internal/metrics"
	"github.com/wadahiro/fedgate/internal/oidc"
	"github.com/wadahiro/fedgate/internal/session"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.LogLevel)

	httpClient := &http.Client{}
	if cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		slog.Warn("TLS certificate verification is disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var limiter *rate.Limiter
	if cfg.OIDC.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OIDC.RateLimit), cfg.OIDC.RateBurst)
	}

	endpoints := oidc.KeycloakEndpoints(cfg.OIDC.Issuer, cfg.OIDC.BaseURL())
	if cfg.OIDC.Discovery {
		endpoints, err = oidc.Discover(ctx, httpClient, cfg.OIDC.Issuer, endpoints, oidc.DiscoveryOptions{
			Limiter:  limiter,
			Observer: m,
		})
		if err != nil {
			return err
		}
	}

	client := oidc.NewClient(oidc.Options{
		Endpoints:    endpoints,
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		RedirectURI:  cfg.OIDC.RedirectURI,
		Scopes:       cfg.OIDC.Scopes,
		HTTPClient:   httpClient,
		Timeout:      cfg.OIDC.RequestTimeout.Duration,
		Limiter:      limiter,
		Observer:     m,
	})
	manager := lifecycle.NewManager(client, lifecycle.ManagerOptions{
		MaxRetries: cfg.OIDC.MaxRefreshRetries,
		Recorder:   m,
	})
	wrapper := lifecycle.NewWrapper(lifecycle.WrapperOptions{
		Manager:               manager,
		Client:                client,
		Cookies:               session.NewCookieCodec(cfg.Cookie),
		RedirectURI:           cfg.OIDC.RedirectURI,
		PostLogoutRedirectURI: cfg.OIDC.PostLogoutRedirectURI,
		ResolveOnRequest:      *cfg.ResolveOnRequest,
	})
	slog.Info("OIDC RP registered", "issuer", cfg.OIDC.Issuer, "client_id", cfg.OIDC.ClientID, "redirect_uri", cfg.OIDC.RedirectURI)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newRouter(client, wrapper, m),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-shutdown:
	}
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

// newRouter mounts the health and metrics endpoints outside the session
// middleware and everything else inside it.
func newRouter(client *oidc.Client, wrapper *lifecycle.Wrapper, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(wrapper.Middleware)
		r.Get("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, client.AuthCodeURL(r.URL.Query().Get("path")), http.StatusFound)
		})
		r.HandleFunc("/*", sessionEcho)
	})
	return r
}

// sessionEcho writes the resolved session record of the request as JSON.
func sessionEcho(w http.ResponseWriter, r *http.Request) {
	x := lifecycle.FromContext(r.Context())
	if x == nil {
		http.Error(w, "no session", http.StatusInternalServerError)
		return
	}
	rec := x.Record(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		x.Logger().Debug("Failed to encode session record", "error", err)
	}
}
