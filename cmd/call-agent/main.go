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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	callHandler "peercall/internal/handler/http/call"
	"peercall/internal/media"
	"peercall/internal/middleware"
	"peercall/internal/peer"
	callService "peercall/internal/service/call"
	"peercall/internal/signaling"
	"peercall/pkg/config"
	pkgctx "peercall/pkg/context"
	"peercall/pkg/jwt"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

const serviceName = "call-agent"

// gateway is what the agent needs from a capture backend
type gateway interface {
	media.Gateway
	media.CodecConfigurer
}

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

	if cfg.Agent.PeerID == "" {
		logger.Fatal("PEER_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	appMetrics := metrics.NewMetrics(serviceName)

	// 3. Relay connection
	token, err := relayToken(cfg)
	if err != nil {
		logger.Fatal("Failed to obtain relay token", zap.Error(err))
	}
	transport := signaling.NewWSClient(signaling.WSClientConfig{
		URL:     cfg.Agent.RelayURL,
		Token:   token,
		PeerID:  cfg.Agent.PeerID,
		Metrics: appMetrics,
	})

	// 4. Media capture and peer connections
	gw, err := newGateway(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize media gateway", zap.Error(err))
	}
	factory := peer.NewPionFactory(peer.FactoryConfig{
		Codecs:              gw,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepaliveInterval:   cfg.ICE.KeepaliveInterval,
		Metrics:             appMetrics,
	})

	// 5. Call lifecycle controller
	calls := callService.NewService(callService.Config{
		RingTimeout:  cfg.Call.RingTimeout,
		RingInterval: cfg.Call.RingInterval,
		ICEServers:   peer.ICEServersFromConfig(cfg.ICE.Servers, cfg.ICE.Username, cfg.ICE.Credential),
	}, callService.Dependencies{
		Transport: transport,
		Gateway:   gw,
		Factory:   factory,
		Metrics:   appMetrics,
	})

	// 6. Setup Gin Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New() // Don't use Default() to have full control

	router.Use(middleware.Recovery(appMetrics))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics, "/v1/calls/events").Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "healthy",
			"service":         serviceName,
			"peer_id":         cfg.Agent.PeerID,
			"relay_connected": transport.Connected(),
			"time":            time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	callHandler.NewHandler(calls).RegisterRoutes(router.Group("/v1"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Run until signalled
	calls.Start(ctx)

	// the relay link outlives the controller so the final call:end gets out
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := transport.Run(relayCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("Call agent listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("peer_id", cfg.Agent.PeerID),
			zap.String("relay", cfg.Agent.RelayURL),
			zap.String("media_source", cfg.Media.Source))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down call agent")

		calls.Stop()
		cancelRelay()

		shutdownCtx, cancel := pkgctx.WithShutdownTimeout()
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Call agent stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

// relayToken returns the configured token, or mints one when a signing
// secret is available outside production
func relayToken(cfg *config.Config) (string, error) {
	if cfg.Agent.Token != "" {
		return cfg.Agent.Token, nil
	}
	if cfg.JWT.Secret == "" {
		return "", fmt.Errorf("RELAY_TOKEN or JWT_SECRET is required")
	}
	if cfg.Server.Environment == "production" {
		return "", fmt.Errorf("RELAY_TOKEN is required in production")
	}

	logger.Warn("Minting relay token locally (development only)")
	return jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry).
		GenerateAccessToken(cfg.Agent.PeerID, cfg.Agent.PeerID)
}

func newGateway(cfg *config.Config) (gateway, error) {
	switch cfg.Media.Source {
	case "synthetic":
		logger.Info("Using synthetic media source")
		return media.NewSyntheticGateway().WithSilenceFeed(), nil
	case "device", "":
		gw, err := media.NewDeviceGateway(media.DeviceConfig{
			MaxWidth:  cfg.Media.VideoWidth,
			MaxHeight: cfg.Media.VideoHeight,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown MEDIA_SOURCE %q", cfg.Media.Source)
	}
}
