package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aitoolbox/aitoolbox/backend/go-services/handlers"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/azuread"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/config"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/database"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/users"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/logger"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/metrics"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/middleware"
)

var startTime = time.Now()

func main() {
	// initialize logging (controlled with LOG_LEVEL env: debug|info|warn|error|fatal)
	logger.Init(os.Getenv("LOG_LEVEL"), os.Getenv("SERVER_ENVIRONMENT"))
	logger.Debugf("startup: LOG_LEVEL=%s", logger.LevelString())

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	production := cfg.Server.Environment == "production"
	logger.Infof("config loaded: env=%s azuread=%v postgres=%v redis=%v",
		cfg.Server.Environment, cfg.AzureAD.TenantID != "", cfg.Database.URL != "", cfg.Redis.Host != "")

	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// CORS: permissive in development, allowlist-driven in production.
	allowedOrigins := strings.Split(cfg.Server.AllowedOrigins, ",")
	r.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if !production {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && originAllowed(origin, allowedOrigins) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, x-id-token")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length, Retry-After")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	})

	// Global middlewares: security headers + logging + recovery
	r.Use(middleware.SecurityHeaders())
	r.Use(gin.Logger(), gin.Recovery())

	// Audit log sink. Auth flow continues on stdout if the file can't be opened.
	auditLog, err := audit.Open(cfg.Audit.FilePath)
	if err != nil {
		logger.Warnf("failed to open audit log at %s, falling back to stdout: %v", cfg.Audit.FilePath, err)
		auditLog = audit.New(os.Stdout)
	}
	defer auditLog.Close()

	// Connect to Redis early so the rate-limiter can use it when configured
	var importedRedis *redis.Client
	if cfg.Redis.Host != "" {
		importedRedis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Host + ":" + cfg.Redis.Port, Password: cfg.Redis.Password})
		if err := importedRedis.Ping(context.Background()).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s:%s): %v", cfg.Redis.Host, cfg.Redis.Port, err)
			importedRedis = nil
		} else {
			logger.Infof("Connected to Redis for rate limiting: %s:%s", cfg.Redis.Host, cfg.Redis.Port)
		}
	}

	// Per-IP rate limiting on the authenticated surface. Redis-backed when
	// configured and reachable, otherwise an in-process fixed window.
	var rateLimit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
		if cfg.RateLimit.UseRedis && importedRedis != nil {
			rateLimit = middleware.RedisRateLimitMiddleware(importedRedis, cfg.RateLimit.MaxRequests, window, auditLog)
		} else {
			limiter := middleware.NewFixedWindowLimiter(cfg.RateLimit.MaxRequests, window)
			rateLimit = middleware.RateLimitMiddleware(limiter, auditLog)
		}
	} else {
		rateLimit = func(c *gin.Context) { c.Next() }
	}

	ctx := context.Background()

	// Connect to Postgres with retry/backoff to tolerate startup races
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		const maxAttempts = 5
		backoff := time.Second
		var errConn error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			pool, errConn = database.Connect(ctx, cfg.Database.URL, cfg.Database.ConnectTimeout)
			if errConn == nil {
				break
			}
			logger.Warnf("attempt %d/%d: failed to connect to Postgres: %v", attempt, maxAttempts, errConn)
			if attempt < maxAttempts {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		if errConn != nil {
			logger.Warnf("could not connect to Postgres after %d attempts: %v", maxAttempts, errConn)
		} else {
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				logger.Fatalf("failed to ensure users schema: %v", err)
			}
			logger.Infof("Connected to Postgres")
		}
	}

	// Token validation pipeline: JWKS resolver + multi-issuer validator
	resolver := azuread.NewKeyResolver(cfg.AzureAD.JWKSURL(), cfg.AzureAD.JWKSTimeout)
	validator := azuread.NewValidator(cfg.AzureAD, resolver, auditLog)
	requireToken := middleware.RequireAzureToken(validator)

	var userSvc *users.Service
	if pool != nil {
		repo := users.NewPostgresUserRepository(pool, cfg.Sync.UpdateIdentityFields)
		userSvc = users.NewService(repo, auditLog)
	}

	var dbProbe handlers.Pinger
	if pool != nil {
		dbProbe = pool
	}
	handlers.NewHealthHandler(dbProbe).Register(r)

	// readiness endpoint: 200 only when critical dependencies are available
	r.GET("/ready", func(c *gin.Context) {
		deps := map[string]bool{
			"database": pool != nil,
			"azuread":  cfg.AzureAD.TenantID != "",
		}
		if cfg.RateLimit.UseRedis {
			deps["redis"] = importedRedis != nil
		}
		for _, ok := range deps {
			if !ok {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "deps": deps, "uptime": time.Since(startTime).String()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "deps": deps, "uptime": time.Since(startTime).String()})
	})

	authGroup := r.Group("/auth", rateLimit, middleware.AuthSecurityHeaders())
	handlers.NewAuthHandler(auditLog).Register(authGroup, requireToken)

	if userSvc != nil {
		usersGroup := r.Group("/users", rateLimit, middleware.AuthSecurityHeaders())
		handlers.NewUsersHandler(userSvc, auditLog).Register(usersGroup, requireToken, !production)
	} else {
		logger.Warnf("user routes not registered because the database is unavailable")
	}

	// Expose Prometheus metrics
	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.Infof("Starting auth service on %s", addr)
	if err := r.Run(addr); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if strings.TrimSpace(a) == origin {
			return true
		}
	}
	return false
}
