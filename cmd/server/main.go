// Package main is the entry point for the Fenceline control plane server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenceline/control-plane/internal/config"
	"github.com/fenceline/control-plane/internal/database"
	"github.com/fenceline/control-plane/internal/handler"
	"github.com/fenceline/control-plane/internal/middleware"
	"github.com/fenceline/control-plane/internal/pkg/response"
	"github.com/fenceline/control-plane/internal/repository"
	"github.com/fenceline/control-plane/internal/service"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting Fenceline control plane",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Repositories
	orgRepo := repository.NewOrgRepository(db.Pool())
	clusterRepo := repository.NewClusterRepository(db.Pool())
	policyRepo := repository.NewPolicyRepository(db.Pool())
	deployRepo := repository.NewDeploymentRepository(db.Pool())
	tokenRepo := repository.NewTokenRepository(db.Pool())
	auditRepo := repository.NewAuditRepository(db.Pool())

	// Services
	auditSvc := service.NewAuditService(auditRepo, logger)
	tokenSvc := service.NewTokenService(tokenRepo, clusterRepo, auditSvc, cfg.Auth.TokenPepper)
	authSvc := service.NewAuthService(orgRepo, auditSvc)
	clusterSvc := service.NewClusterService(clusterRepo, policyRepo, auditSvc, logger,
		cfg.Agent.HeartbeatInterval, cfg.Agent.DisconnectedAfter)
	policySvc := service.NewPolicyService(policyRepo, clusterRepo, deployRepo, auditSvc)
	deploySvc := service.NewDeploymentService(deployRepo, policyRepo, auditSvc, logger)

	// Session store for the dashboard API
	store := sessions.NewCookieStore([]byte(cfg.Auth.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.Auth.SessionExpiry.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Server.Environment == "prod",
		SameSite: http.SameSiteLaxMode,
	}

	// Handlers
	agentHandler := handler.NewAgentHandler(deploySvc, clusterSvc, redis)
	authHandler := handler.NewAuthHandler(authSvc, store)
	policyHandler := handler.NewPolicyHandler(policySvc, deploySvc)
	deploymentHandler := handler.NewDeploymentHandler(deploySvc)
	clusterHandler := handler.NewClusterHandler(clusterSvc)
	tokenHandler := handler.NewTokenHandler(tokenSvc)
	auditHandler := handler.NewAuditHandler(auditSvc)

	// Background sweep for silent agents
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := clusterSvc.SweepDisconnected(sweepCtx); err != nil {
					logger.Error("disconnect sweep failed", "error", err)
				}
			}
		}
	}()

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "Fenceline Control Plane API",
				"version": "1.0.0",
			})
		})

		sessionAuth := middleware.SessionAuth(store, authSvc)

		r.Mount("/auth", authHandler.Routes(sessionAuth))

		// Agent surface: cluster-scoped bearer tokens only.
		r.Group(func(r chi.Router) {
			r.Use(middleware.AgentAuth(tokenSvc))
			r.Mount("/agent", agentHandler.Routes())
		})

		// Dashboard surface: session cookies.
		r.Group(func(r chi.Router) {
			r.Use(sessionAuth)
			r.Mount("/policies", policyHandler.Routes())
			r.Mount("/deployments", deploymentHandler.Routes())
			r.Mount("/clusters", clusterHandler.Routes())
			r.Mount("/tokens", tokenHandler.Routes())
			r.Mount("/audit", auditHandler.Routes())
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler reports liveness only.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies database and Redis connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}

		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
