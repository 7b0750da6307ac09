package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/KanopusDev/Kale/internal/bounces"
	"github.com/KanopusDev/Kale/internal/config"
	"github.com/KanopusDev/Kale/internal/deliveries"
	"github.com/KanopusDev/Kale/internal/email"
	emailsvc "github.com/KanopusDev/Kale/internal/email/service"
	"github.com/KanopusDev/Kale/internal/events"
	"github.com/KanopusDev/Kale/internal/logger"
	"github.com/KanopusDev/Kale/internal/metrics"
	"github.com/KanopusDev/Kale/internal/platform/ratelimit"
	"github.com/KanopusDev/Kale/internal/platform/secrets"
	"github.com/KanopusDev/Kale/internal/platform/validation"
	"github.com/KanopusDev/Kale/internal/quota"
	"github.com/KanopusDev/Kale/internal/relay"
	"github.com/KanopusDev/Kale/internal/relay/pool"
	"github.com/KanopusDev/Kale/internal/settings"
	"github.com/KanopusDev/Kale/internal/templates"
	"github.com/KanopusDev/Kale/internal/tenants"
	"github.com/KanopusDev/Kale/internal/version"
)

func main() {
	if handleCLICommand(os.Args[1:]) {
		return
	}
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.AppEnv)
	log.Info().Str("version", version.String()).Stringer("config", cfg).Msg("starting api server")

	pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid DATABASE_URL")
	}
	pgPool, err := pgxpool.NewWithConfig(context.Background(), pgCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create pg pool")
	}
	defer pgPool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	box, err := secrets.NewBox(cfg.SecretsKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid SECRETS_KEY")
	}

	publisher, closeEvents, err := events.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("event publisher")
	}
	defer func() {
		if err := closeEvents(); err != nil {
			log.Error().Err(err).Msg("event publisher close")
		}
	}()

	var counters quota.Store = quota.NewRedisStore(redisClient)
	if cfg.QuotaStore == "memory" {
		log.Warn().Msg("quota counters are in-process; limits are not shared between replicas")
		counters = quota.NewMemoryStore(nil)
	}
	quotaCtl := quota.New(counters,
		quota.WithFailOpen(cfg.QuotaFailOpen),
		quota.WithLogger(log),
	)

	dialer := &pool.SMTPDialer{
		Hostname:           cfg.MailHostname,
		Timeout:            cfg.RelayTimeout,
		InsecureSkipVerify: cfg.RelayTLSInsecure,
	}
	relayPool := pool.New(dialer, pool.Options{
		MaxSize:       cfg.RelayPoolSize,
		IdleTTL:       cfg.RelayIdleTTL,
		MaxUses:       cfg.RelayMaxUses,
		SweepInterval: cfg.RelaySweepInterval,
		SendRate:      cfg.RelaySendRate,
		Logger:        log,
	})
	defer relayPool.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(log))
	e.Use(middleware.Secure())
	e.Use(metrics.HTTPMiddleware())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return matchCORSOrigin(origin, cfg.CORSAllowedOrigins), nil
		},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-API-Key", "Idempotency-Key"},
		ExposeHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
	}))

	e.Validator = validation.New()

	readLimit := ratelimit.Middleware(ratelimit.Policy{
		Name:     "account:read",
		Resource: quota.ResourceAPI,
		Limits:   []quota.Limit{{Window: quota.Minute, Max: int64(cfg.APIRatePerMinute)}},
		Key:      ratelimit.KeyAPIKeyOrIP,
	}, quotaCtl)

	tenantSvc := tenants.Register(e, pgPool, log, readLimit)

	var idem emailsvc.IdempotencyStore
	if cfg.IdempotencyWindow > 0 {
		idem = emailsvc.NewRedisIdempotency(redisClient, cfg.IdempotencyWindow)
	}
	email.Register(e, emailsvc.Deps{
		Tenants:     tenantSvc,
		Templates:   templates.New(pgPool, log),
		Relays:      relay.New(pgPool, box, dialer),
		Deliveries:  deliveries.New(pgPool, publisher, log),
		Bounces:     bounces.New(pgPool, cfg.BounceRefreshInterval, log),
		Settings:    settings.New(pgPool),
		Quota:       quotaCtl,
		Pool:        relayPool,
		Events:      publisher,
		Idempotency: idem,
	}, emailsvc.Options{
		Limits:           emailsvc.LimitsFromConfig(cfg),
		MaxRecipients:    cfg.MaxRecipients,
		RecipientTimeout: cfg.RelayTimeout,
		Hostname:         cfg.MailHostname,
		Logger:           log,
	}, log, readLimit)

	probeLimit := ratelimit.Middleware(ratelimit.Policy{
		Name:     "healthz",
		Resource: quota.ResourceIP,
		Limits:   []quota.Limit{{Window: quota.Minute, Max: int64(cfg.IPRatePerMinute)}},
		Key:      ratelimit.KeyIP,
	}, quotaCtl)

	e.GET("/healthz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 500*time.Millisecond)
		defer cancel()

		dbStatus := "ok"
		start := time.Now()
		if err := pgPool.Ping(ctx); err != nil {
			dbStatus = "down"
		}
		metrics.ObserveDBPing(time.Since(start).Seconds())
		metrics.SetDBUp(dbStatus == "ok")

		cacheStatus := "ok"
		start = time.Now()
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			cacheStatus = "down"
		}
		metrics.ObserveRedisPing(time.Since(start).Seconds())
		metrics.SetRedisUp(cacheStatus == "ok")

		st := relayPool.Stats()
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"version":  version.String(),
			"revision": version.Revision(),
			"time":     time.Now().UTC().Format(time.RFC3339),
			"db":       dbStatus,
			"cache":    cacheStatus,
			"relay_pool": map[string]int{
				"idle":   st.Idle,
				"leased": st.Leased,
			},
		})
	}, probeLimit)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		if err := e.Start(cfg.AppAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", redactQuery(v.URI)).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http:request")
			return nil
		},
	})
}

// redactQuery hides the api_key query parameter from logs.
func redactQuery(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.RawQuery == "" {
		return uri
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// matchCORSOrigin reports whether origin matches one of patterns. A pattern is "*", an exact
// origin, or scheme://*.domain which matches any subdomain but not the bare domain.
func matchCORSOrigin(origin string, patterns []string) bool {
	o, err := url.Parse(origin)
	if err != nil || o.Scheme == "" || o.Host == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "*" {
			return true
		}
		if strings.EqualFold(p, origin) {
			return true
		}
		scheme, rest, ok := strings.Cut(p, "://")
		if !ok || !strings.HasPrefix(rest, "*.") || !strings.EqualFold(scheme, o.Scheme) {
			continue
		}
		suffix := strings.ToLower(rest[1:])
		host := strings.ToLower(o.Host)
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
			return true
		}
	}
	return false
}
