package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mnehpets/tripalbum/auth"
	"github.com/mnehpets/tripalbum/config"
	"github.com/mnehpets/tripalbum/metrics"
	"github.com/mnehpets/tripalbum/middleware"
	"github.com/mnehpets/tripalbum/store/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the server's long-lived dependencies.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	sessions *middleware.SessionStore
	auth     *auth.Handler
	db       *postgres.Connection
	redis    *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	codec, err := middleware.NewSessionCodec(cfg.Session.Secret,
		middleware.WithKDF(middleware.KDF(cfg.Session.KDF)),
		middleware.WithCipher(middleware.Cipher(cfg.Session.Cipher)),
	)
	if err != nil {
		return nil, err
	}
	a.sessions = middleware.NewSessionStore(codec, middleware.WithSecure(cfg.Production()))

	var states auth.StateStore = auth.NewCookieStateStore(cfg.Production())
	if cfg.StateStore == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		states = auth.NewRedisStateStore(a.redis, cfg.Production())
	}

	client, err := auth.NewClient(ctx, auth.Config{
		BaseURL:      cfg.OAuth.BaseURL,
		Issuer:       cfg.OAuth.Issuer,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURI,
		Scopes:       cfg.OAuth.Scopes,
		Timeout:      cfg.OAuth.HTTPTimeout,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	paths := auth.DefaultPaths()
	paths.Login = cfg.Routes.Login
	paths.Landing = cfg.Routes.Landing
	opts := []auth.Option{
		auth.WithLogger(log.Named("auth")),
		auth.WithMetrics(metrics.New(a.registry)),
		auth.WithPaths(paths),
	}

	if cfg.Database.DSN != "" {
		a.db, err = postgres.NewConnection(ctx, cfg.Database.DSN)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, auth.WithUserStore(postgres.NewUserRepository(a.db)))
	} else {
		log.Warn("DATABASE_DSN not set, users will not be recorded")
	}

	a.auth = auth.NewHandler(client, states, a.sessions, opts...)
	return a, nil
}

func (a *app) router() http.Handler {
	guard := middleware.NewGuard(middleware.Routes{
		Protected: a.cfg.Routes.Protected,
		AuthOnly:  a.cfg.Routes.AuthOnly,
		Login:     a.cfg.Routes.Login,
		Landing:   a.cfg.Routes.Landing,
	}, a.sessions.CookieName())

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLogging(a.log.Named("http")).Handler)
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewSecurityHeaders(a.cfg.Production(), a.cfg.PhotoOrigins...).Handler)
	r.Use(guard.Handler)

	r.Get("/healthz", a.healthz)
	r.Mount("/", a.auth)
	return r
}

// metricsRouter serves /metrics on the internal listener.
func (a *app) metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", metrics.Handler(a.registry))
	return r
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		if err := a.db.Ping(r.Context()); err != nil {
			a.log.Warn("health check failed", zap.String("dependency", "postgres"), zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(r.Context()).Err(); err != nil {
			a.log.Warn("health check failed", zap.String("dependency", "redis"), zap.Error(err))
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
