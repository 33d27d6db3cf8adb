package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SafeHerHub/internal/escalation"
	handlers "SafeHerHub/internal/handler"
	"SafeHerHub/internal/models"
	"SafeHerHub/internal/service"
	"SafeHerHub/pkg/backup"
	"SafeHerHub/pkg/cache"
	"SafeHerHub/pkg/config"
	"SafeHerHub/pkg/logger"
	"SafeHerHub/pkg/metrics"
	"SafeHerHub/pkg/middleware"
	"SafeHerHub/pkg/notification"
	"SafeHerHub/pkg/scheduler"
	"SafeHerHub/pkg/sse"
	"SafeHerHub/pkg/storage"
	"SafeHerHub/pkg/util"
	"SafeHerHub/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "safeherhub"

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GlobalConfig
	logger.Init(cfg.Log, serviceName)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	gin.SetMode(cfg.Mode)

	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		return err
	}
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Cache.Type == "redis" || cfg.Cache.Type == "layered" || cfg.RateLimitStore == "redis" {
		if redisClient, err = cache.NewRedisClient(cfg.Cache.Redis); err != nil {
			return err
		}
		defer redisClient.Close()
	}

	appCache, err := cache.NewCache(cfg.Cache)
	if err != nil {
		return err
	}
	defer appCache.Close()

	// 幂等记录需要独立的过期时间
	var idemCache cache.Cache
	if redisClient != nil {
		idemCache = cache.NewRedisCacheFromClient(redisClient, serviceName+":idem:")
	} else {
		idemCache = cache.NewGoCache(cache.LocalConfig{DefaultExpiration: cfg.IdempotencyTTL})
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.NewMetrics()
		if err := db.Use(m.GormPlugin()); err != nil {
			return fmt.Errorf("register db metrics: %w", err)
		}
	}

	wsCfg := websocket.LoadConfigFromEnv()
	if err := websocket.ValidateConfig(wsCfg); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}
	hub := websocket.NewHub(wsCfg)
	defer hub.Close()
	events := sse.NewHub(wsCfg.HeartbeatInterval)
	defer events.Close()

	tokens := middleware.NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpire)

	var engineOpts []escalation.Option
	if m != nil {
		engineOpts = append(engineOpts, escalation.WithObserver(m))
	}
	engine := escalation.NewEngine(engineOpts...)

	alerts := service.NewAlertService(db, service.AlertOptions{
		Cache:                appCache,
		StatsTTL:             cfg.StatsCacheTTL,
		Scheduler:            engine,
		Notifier:             newDispatcher(cfg, db, hub, events),
		Metrics:              m,
		DefaultEscalateAfter: cfg.DefaultEscalateAfter,
		AlertTTL:             cfg.AlertTTL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := alerts.ReconcileDeadlines(ctx); err != nil {
		logger.Warn("initial deadline reconcile failed", zap.Error(err))
	}
	go engine.Run(ctx, alerts.AutoEscalate)

	jobs := scheduler.New(ctx)
	defer jobs.Stop()
	jobs.Every("escalation-reconcile", cfg.EscalationReconcile, scheduler.FuncJob(func(ctx context.Context) {
		if err := alerts.ReconcileDeadlines(ctx); err != nil {
			logger.Warn("deadline reconcile failed", zap.Error(err))
		}
	}))

	crons := scheduler.NewCron(time.UTC)
	if _, err := crons.Add(cfg.ExpirySchedule, scheduler.FuncJob(func(ctx context.Context) {
		n, err := alerts.PurgeExpired(ctx)
		if err != nil {
			logger.Warn("expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("expired alerts purged", zap.Int("count", n))
		}
	})); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", cfg.ExpirySchedule, err)
	}
	if cfg.BackupSchedule != "" {
		opts := backup.Options{Driver: cfg.DBDriver, Dir: cfg.BackupPath, Keep: cfg.BackupKeep}
		if cfg.BackupStore.Enabled() {
			store, err := storage.NewMinioStore(cfg.BackupStore)
			if err != nil {
				return fmt.Errorf("backup store: %w", err)
			}
			opts.Upload = store
		}
		if _, err := crons.Add(cfg.BackupSchedule, scheduler.FuncJob(func(ctx context.Context) {
			if _, err := backup.Run(ctx, db, opts, time.Now()); err != nil {
				logger.Warn("backup failed", zap.Error(err))
			}
		})); err != nil {
			return fmt.Errorf("schedule backup %q: %w", cfg.BackupSchedule, err)
		}
	}
	crons.Start()
	defer crons.Stop()

	limiterStore, err := newLimiterStore(cfg, redisClient)
	if err != nil {
		return err
	}
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Limit:      cfg.RateLimitRequests,
		Period:     cfg.RateLimitPeriod,
		Identifier: "ip",
		AddHeaders: true,
		SkipPaths:  []string{"/metrics", cfg.APIPrefix + "/system/health"},
	}, limiterStore)
	if m != nil {
		rl.WithObserver(m)
	}

	r := gin.New()
	r.Use(middleware.RecoveryMiddleware(), middleware.AccessLogMiddleware())
	if m != nil {
		r.Use(metrics.Middleware(m))
	}
	r.Use(rl.Middleware())

	handlers.NewHandlers(db, handlers.Options{
		APIPrefix:      cfg.APIPrefix,
		Auth:           service.NewAuthService(db, tokens),
		Alerts:         alerts,
		Tokens:         tokens,
		Hub:            hub,
		Events:         events,
		Metrics:        m,
		IdemStore:      middleware.NewCacheIdemStore(idemCache),
		IdempotencyTTL: cfg.IdempotencyTTL,
	}).Register(r)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newDispatcher(cfg *config.Config, db *gorm.DB, hub *websocket.Hub, events *sse.Hub) *notification.Dispatcher {
	opts := []notification.Option{notification.WithRealtime(events)}
	if cfg.PushEnabled() {
		pc := notification.JPushConfig{AppKey: cfg.JPushAppKey, MasterSecret: cfg.JPushMasterSecret}
		opts = append(opts, notification.WithPush(notification.NewJPush(pc, notification.NewJPushHTTPClient(pc, "", nil))))
	}
	if cfg.SMSEnabled() {
		sc := notification.AliyunSMSConfig{
			AccessKeyId:     cfg.SMSAccessKeyID,
			AccessKeySecret: cfg.SMSAccessSecret,
			SignName:        cfg.SMSSignName,
			TemplateCode:    cfg.SMSTemplateCode,
			Endpoint:        cfg.SMSRegion,
		}
		sms := notification.NewAliyunSMS(sc, notification.NewAliyunSMSHTTPClient(sc, "", nil))
		opts = append(opts, notification.WithSMS(sms, service.PhoneResolver(db)))
	}
	return notification.NewDispatcher(hub, opts...)
}

func newLimiterStore(cfg *config.Config, client *redis.Client) (limiter.Store, error) {
	if cfg.RateLimitStore != "redis" {
		return nil, nil
	}
	store, err := middleware.NewRedisLimiterStore(client, serviceName+":ratelimit")
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	return store, nil
}
