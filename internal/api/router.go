// Package api wires together the HTTP surface of the audit service.
//
// Every request passes through the same chain: recovery, request id, metrics, request logging,
// CORS, security headers, the optional session reader, the optional rate limiter and finally the
// audit interceptor, which captures the request after its handler has run. The read-side audit
// API lives under /api/v1/audit and, when auth.require_session is set, needs a valid session
// token. Liveness, readiness and version probes are mounted at the root and are excluded from
// capture by the default rule tables.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/recordkeeper/recordkeeper/internal/alerts"
	"github.com/recordkeeper/recordkeeper/internal/api/admin"
	"github.com/recordkeeper/recordkeeper/internal/audit"
	"github.com/recordkeeper/recordkeeper/internal/config"
	"github.com/recordkeeper/recordkeeper/internal/crypto"
	"github.com/recordkeeper/recordkeeper/internal/db"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/jobs"
	"github.com/recordkeeper/recordkeeper/internal/middleware"
	"github.com/recordkeeper/recordkeeper/internal/services"
	"github.com/recordkeeper/recordkeeper/internal/storage"

	// Import storage backends to register them
	_ "github.com/recordkeeper/recordkeeper/internal/storage/azure"
	_ "github.com/recordkeeper/recordkeeper/internal/storage/gcs"
	_ "github.com/recordkeeper/recordkeeper/internal/storage/local"
	_ "github.com/recordkeeper/recordkeeper/internal/storage/s3"
)

// Version is reported by /version and the version command.
const Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	cancel     context.CancelFunc
	dispatcher *audit.Dispatcher
	shipper    audit.Shipper
	scheduler  *jobs.Scheduler
	limiter    middleware.Limiter
	redis      *redis.Client
	drain      time.Duration
}

// Shutdown stops the scheduler, drains queued audit records and releases the
// remaining resources. It should be called after the HTTP server has been shut
// down so that requests still in flight are captured first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")

	if bg.scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := bg.scheduler.Stop(ctx); err != nil {
			slog.Warn("scheduled jobs still running at shutdown", "error", err)
		}
		cancel()
	}

	if bg.dispatcher != nil {
		drain := bg.drain
		if drain <= 0 {
			drain = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), drain)
		if err := bg.dispatcher.Close(ctx); err != nil {
			slog.Warn("audit queue not fully drained", "error", err, "remaining", bg.dispatcher.Len())
		}
		cancel()
	}

	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	if bg.redis != nil {
		_ = bg.redis.Close()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	slog.Info("all background services stopped")
}

// Deps are the collaborators the engine is assembled from. Nil optional
// fields switch the corresponding feature off.
type Deps struct {
	DB        *sql.DB
	Storage   storage.Storage
	RedisPing func(ctx context.Context) error

	Recorder middleware.AuditRecorder
	Rules    *audit.RuleSet
	Limiter  middleware.Limiter

	Reporting     admin.AuditReporting
	Archiver      admin.DayArchiver
	ArchiveOpener admin.Opener
	ArchivePrefix string
}

// NewRouter creates the audit pipeline and its background services and
// returns the configured gin engine.
func NewRouter(cfg *config.Config, database *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	ctx, cancel := context.WithCancel(context.Background())
	bg := &BackgroundServices{cancel: cancel, drain: cfg.Audit.DrainTimeout}

	fail := func(err error) (*gin.Engine, *BackgroundServices, error) {
		bg.Shutdown()
		return nil, nil, err
	}

	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize storage backend: %w", err))
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	sqlxDB := sqlx.NewDb(database, "postgres")
	alertEngine := alerts.NewEngine(repositories.NewAlertRepository(sqlxDB))
	auditRepo := repositories.NewAuditRepository(sqlxDB, alertEngine)

	rules, err := loadRules(ctx, &cfg.Audit)
	if err != nil {
		return fail(err)
	}

	multi, err := audit.NewMultiShipper(audit.ShipperConfigsFromConfig(cfg.Audit.Shippers))
	if err != nil {
		return fail(fmt.Errorf("failed to initialize audit shippers: %w", err))
	}
	if multi.Len() > 0 {
		bg.shipper = multi
		slog.Info("audit shippers enabled", "count", multi.Len())

		hcCtx, hcCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := multi.Healthcheck(hcCtx); err != nil {
			slog.Warn("audit shipper healthcheck failed; records will still be persisted", "error", err)
		}
		hcCancel()
	}

	bg.dispatcher = audit.NewDispatcher(cfg.Audit.QueueSize, cfg.Audit.Workers)
	bg.dispatcher.Start()
	recorder := audit.NewRecorder(auditRepo, bg.dispatcher, bg.shipper, cfg.Audit.WriteTimeout)

	deps := Deps{
		DB:            database,
		Storage:       storageBackend,
		Rules:         rules,
		Reporting:     services.NewAuditReportingService(auditRepo, alertEngine, 0),
		ArchivePrefix: cfg.Audit.Archive.Prefix,
	}
	if cfg.Audit.Enabled {
		deps.Recorder = recorder
	}

	if cfg.Redis.Enabled() {
		client, err := db.ConnectRedis(ctx, cfg.Redis.URL, cfg.Redis.DialRetries, cfg.Redis.RetryBackoff)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
		bg.redis = client
		deps.RedisPing = db.RedisHealthcheck(client)
		slog.Info("connected to redis")
	}

	if rl := cfg.Security.RateLimiting; rl.Enabled {
		limitCfg := middleware.DefaultRateLimitConfig()
		if rl.RequestsPerMinute > 0 {
			limitCfg.RequestsPerMinute = rl.RequestsPerMinute
		}
		if rl.Burst > 0 {
			limitCfg.BurstSize = rl.Burst
		}
		if rl.Backend == "redis" {
			if bg.redis == nil {
				return fail(errors.New("redis.url is required for the redis rate limiting backend"))
			}
			bg.limiter = middleware.NewRedisRateLimiter(bg.redis, limitCfg)
		} else {
			bg.limiter = middleware.NewMemoryRateLimiter(limitCfg)
		}
		deps.Limiter = bg.limiter
	}

	archiveCipher, err := crypto.ArchiveCipherFromConfig(cfg.Audit.Archive.EncryptionKey, cfg.Audit.Archive.EncryptionSalt)
	if err != nil {
		return fail(err)
	}
	if archiveCipher != nil {
		deps.ArchiveOpener = archiveCipher
	}

	bg.scheduler = jobs.NewScheduler(ctx)
	if cfg.Audit.Archive.Enabled {
		exporter := services.NewAuditReportingService(auditRepo, alertEngine, cfg.Audit.Archive.MaxRecords)
		archiver := jobs.NewExportArchiver(exporter, storageBackend, cfg.Audit.Archive.Prefix)
		if archiveCipher != nil {
			archiver.WithSealer(archiveCipher)
			slog.Info("audit archives will be encrypted")
		}
		if err := bg.scheduler.Add(cfg.Audit.Archive.Schedule, archiver); err != nil {
			return fail(err)
		}
		deps.Archiver = archiver
	}
	if cfg.Notifications.Enabled {
		notifier := jobs.NewCriticalAlertNotifier(alertEngine, nil, &cfg.Notifications)
		if !notifier.Enabled() {
			slog.Warn("critical alert emails need notifications.smtp.host and at least one recipient")
		} else if err := bg.scheduler.Add(cfg.Notifications.CriticalAlerts.Schedule, notifier); err != nil {
			return fail(err)
		}
	}
	bg.scheduler.Start()

	return NewEngine(cfg, deps), bg, nil
}

// loadRules builds the rule snapshot from the configured file, or the
// defaults, and starts the file watcher when asked to.
func loadRules(ctx context.Context, cfg *config.AuditConfig) (*audit.RuleSet, error) {
	if cfg.RulesFile == "" {
		return audit.NewRuleSet(audit.DefaultRules()), nil
	}

	rules, err := audit.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit rules: %w", err)
	}
	set := audit.NewRuleSet(rules)
	if cfg.WatchRules {
		if err := audit.WatchRules(ctx, cfg.RulesFile, set); err != nil {
			return nil, err
		}
		slog.Info("watching audit rules file", "path", cfg.RulesFile)
	}
	return set, nil
}

// NewEngine assembles the middleware chain and routes from deps. Host
// applications may register their own routes on the returned engine; they
// are captured like the built-in ones.
func NewEngine(cfg *config.Config, deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(
		middleware.SecurityHeadersConfigFor(true, cfg.Security.TLS.Enabled)))
	router.Use(middleware.SessionMiddleware())
	if deps.Limiter != nil {
		router.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}
	if deps.Recorder != nil && deps.Rules != nil {
		router.Use(middleware.AuditMiddleware(deps.Recorder, deps.Rules, cfg.Audit.MaxBodyBytes))
	}

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Storage, deps.RedisPing))
	router.GET("/version", versionHandler())

	auditGroup := router.Group("/api/v1/audit")
	if cfg.Auth.RequireSession {
		auditGroup.Use(middleware.RequireSession())
	}
	registerAuditRoutes(auditGroup, deps)

	return router
}

func registerAuditRoutes(g *gin.RouterGroup, deps Deps) {
	h := admin.NewAuditHandler(deps.Reporting)
	g.GET("/logs", h.ListLogs)
	g.GET("/logs/:id", h.GetLog)
	g.GET("/entities/:type/:id/timeline", h.EntityTimeline)
	g.GET("/stats", h.Stats)
	g.GET("/facets", h.Facets)
	g.GET("/alerts/pending", h.PendingAlerts)
	g.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	g.GET("/export", h.Export)

	if deps.Storage != nil {
		archives := admin.NewArchiveHandler(deps.Storage, deps.Archiver, deps.ArchivePrefix)
		if deps.ArchiveOpener != nil {
			archives.WithOpener(deps.ArchiveOpener)
		}
		g.GET("/archives", archives.List)
		g.GET("/archives/download", archives.Download)
		g.POST("/archives/run", archives.Run)
	}
}

// healthCheckHandler returns the liveness status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks redis, when
// configured, and the archive storage backend.
func readinessHandler(db *sql.DB, store storage.Storage, redisPing func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := gin.H{}
		notReady := func(name string, err error) {
			checks[name] = "unhealthy"
			slog.Warn("readiness check failed", "check", name, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  name + " not ready",
			})
		}

		if err := db.PingContext(ctx); err != nil {
			notReady("database", err)
			return
		}
		checks["database"] = "healthy"

		if redisPing != nil {
			if err := redisPing(ctx); err != nil {
				notReady("redis", err)
				return
			}
			checks["redis"] = "healthy"
		}

		if store != nil {
			if err := store.Ping(ctx); err != nil {
				notReady("storage", err)
				return
			}
			checks["storage"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured request logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest emits one slog record per request; the global handler decides
// between JSON and text output (see telemetry.SetupLogger).
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", c.GetString(middleware.RequestIDKey)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, "+middleware.RequestIDHeader)
			c.Header("Access-Control-Expose-Headers", "Content-Disposition, "+middleware.RequestIDHeader)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
