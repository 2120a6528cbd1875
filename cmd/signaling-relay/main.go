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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"peercall/internal/database"
	wsHandler "peercall/internal/handler/ws"
	"peercall/internal/middleware"
	redisRepo "peercall/internal/repository/redis"
	"peercall/pkg/config"
	pkgctx "peercall/pkg/context"
	"peercall/pkg/jwt"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

const serviceName = "signaling-relay"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(serviceName)

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	// 2. Redis for cross-instance fan-out, presence and token revocation
	hubCfg := wsHandler.HubConfig{
		InstanceID:     instanceID,
		MaxConnections: cfg.Relay.MaxConnections,
		AllowedOrigins: cfg.Server.CORSOrigins,
		Metrics:        appMetrics,
	}
	var revocationChecker middleware.RevocationChecker
	var rateLimiter *middleware.RateLimiter

	if cfg.Relay.UseRedis {
		redisDB, err := database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		}, appMetrics)
		if err != nil {
			logger.Fatal("Failed to configure Redis", zap.Error(err))
		}
		defer redisDB.Close()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, relaying between local peers only", zap.Error(err))
		} else {
			logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr()))
		}
		redisDB.StartHealthCheck(ctx, 10*time.Second)

		hubCfg.Fanout = redisRepo.NewSignalBus(redisDB, cfg.Relay.ChannelPrefix)
		hubCfg.Presence = redisRepo.NewPresenceRepository(redisDB)
		revocationChecker = middleware.NewRedisRevocationChecker(redisDB.Client)
		// reconnect storms: 30 upgrades per peer per minute
		rateLimiter = middleware.NewRateLimiter(redisDB.Client, 30, time.Minute)
	}

	// 3. Signaling hub
	hub := wsHandler.NewSignalingHub(hubCfg)

	// 4. Setup Gin Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New() // Don't use Default() to have full control

	router.Use(middleware.Recovery(appMetrics))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics, "/v1/signaling/ws").Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"service":     serviceName,
			"instance_id": instanceID,
			"peers":       hub.ConnectedPeers(),
			"time":        time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1/signaling")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	if rateLimiter != nil {
		v1.Use(rateLimiter.Middleware())
	}
	{
		v1.GET("/ws", hub.ServeWS)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Start server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Signaling relay listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("instance_id", instanceID),
			zap.Bool("redis", cfg.Relay.UseRedis))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down signaling relay")

		hub.Stop()

		shutdownCtx, cancel := pkgctx.WithShutdownTimeout()
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Signaling relay stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
