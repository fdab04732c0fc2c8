package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	awspkg "github.com/stellardevsa/marketplace/pkg/aws"
	"github.com/stellardevsa/marketplace/services/checkout-service/config"
	"github.com/stellardevsa/marketplace/services/checkout-service/controllers"
	"github.com/stellardevsa/marketplace/services/checkout-service/database"
	"github.com/stellardevsa/marketplace/services/checkout-service/events"
	"github.com/stellardevsa/marketplace/services/checkout-service/providers"
	"github.com/stellardevsa/marketplace/services/checkout-service/repository"
	"github.com/stellardevsa/marketplace/services/checkout-service/routes"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
	"github.com/stellardevsa/marketplace/services/checkout-service/signers"
	"github.com/stellardevsa/marketplace/services/common/auth"
	apperrors "github.com/stellardevsa/marketplace/services/common/errors"
	"github.com/stellardevsa/marketplace/services/common/logger"
	"github.com/stellardevsa/marketplace/services/common/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 1. Configuration & logging ---

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Init(os.Getenv("APP_ENV")).Fatal("Failed to load configuration", zap.Error(err))
	}

	var awsCfg *sdkaws.Config
	if cfg.CloudWatchEnabled || cfg.SNSTopicArn != "" {
		c, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			logger.Init(cfg.Env).Fatal("Failed to load AWS config", zap.Error(err))
		}
		awsCfg = &c
	}

	var sinks []io.Writer
	if awsCfg != nil && cfg.CloudWatchEnabled {
		cwLogs, err := awspkg.NewCloudWatchLogsClient(ctx, *awsCfg, cfg.CloudWatchLogGroup, cfg.ServiceName)
		if err != nil {
			logger.Init(cfg.Env).Warn("CloudWatch Logs unavailable, logging to stdout only", zap.Error(err))
		} else {
			sinks = append(sinks, cwLogs)
		}
	}
	log := logger.Init(cfg.Env, sinks...)
	defer func() { _ = log.Sync() }()

	// --- 2. Storage ---

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	carts := database.NewCartRepository(redisClient, cfg.CartTTL)

	var attempts repository.AttemptRepository
	if cfg.DatabaseEnabled() {
		db, err := database.ConnectPostgres(cfg.DSN())
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		attempts = repository.NewGormAttemptRepository(db)
	} else {
		log.Warn("POSTGRES_HOST not set, checkout attempts will not be persisted")
	}

	// --- 3. Checkout pipeline ---

	horizon := providers.NewHorizonProvider(providers.HorizonConfig{
		URL:             cfg.HorizonURL,
		Timeout:         cfg.HorizonTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, log.Named("horizon"))

	assembler, err := services.NewAssembler(horizon, horizon, nil, services.AssemblerConfig{
		NetworkPassphrase: cfg.NetworkPassphrase,
		Asset:             cfg.Asset(),
		ValidityWindow:    cfg.ValidityWindow,
	})
	if err != nil {
		log.Fatal("Invalid assembler configuration", zap.Error(err))
	}

	signer, callback, err := buildSigner(cfg, log)
	if err != nil {
		log.Fatal("Failed to set up signing agent", zap.Error(err))
	}

	var metricsClient *awspkg.MetricsClient
	if awsCfg != nil && cfg.CloudWatchEnabled {
		metricsClient = awspkg.NewMetricsClient(*awsCfg, cfg.CloudWatchNamespace, true)
	}

	listeners, metrics, closers := buildListeners(cfg, awsCfg, metricsClient, attempts, log)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	orch := services.NewOrchestrator(assembler, signer, horizon, carts, buildLocker(cfg, redisClient),
		services.WithLogger(log.Named("checkout")),
		services.WithListeners(listeners...),
		services.WithLockTTL(cfg.LockTTL),
		services.WithRetention(cfg.AttemptRetention),
	)

	// --- 4. HTTP server & middleware ---

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.SecurityHeaders())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Location", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.Metrics(metricsClient, cfg.ServiceName))

	limiter := middleware.NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst, 10*time.Minute)
	go limiter.Run(ctx)
	r.Use(middleware.RateLimit(limiter))
	r.Use(apperrors.ErrorMiddleware())

	session := middleware.Session(auth.NewTokenValidator(cfg.JWTSecret, "access"))

	cartController := controllers.NewCartController(carts, cfg.Asset(), log)
	cartController.Guard = orch
	checkoutController := controllers.NewCheckoutController(orch, carts, func(cc *controllers.CheckoutController) {
		cc.Callback = callback
		cc.Lookup = horizon
		cc.Attempts = attempts
		cc.IdemTTL = cfg.IdempotencyTTL
		cc.Logger = log
	})

	routes.RegisterHealthRoutes(r, cfg.ServiceName)
	routes.RegisterCartRoutes(r, cartController, session, cfg.RequestTimeout)
	routes.RegisterCheckoutRoutes(r, checkoutController, session, cfg.RequestTimeout)

	// --- 5. Graceful shutdown ---

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Checkout Service starting",
			zap.String("port", cfg.Port),
			zap.String("horizon", cfg.HorizonURL),
			zap.String("signer_mode", cfg.SignerMode),
			zap.String("asset", cfg.Asset().String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down Checkout Service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SignatureTimeout+cfg.HorizonTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	// Attempts already past signing must finish so their outcome is recorded.
	if err := orch.Wait(shutdownCtx); err != nil {
		log.Warn("Checkout attempts still running at shutdown", zap.Error(err))
	}
	if metrics != nil {
		metrics.Flush()
	}
	if err := redisClient.Close(); err != nil {
		log.Error("Failed to close Redis", zap.Error(err))
	}

	log.Info("Checkout Service stopped gracefully")
}

func buildSigner(cfg *config.Config, log *zap.Logger) (services.SigningAgent, *signers.CallbackAgent, error) {
	switch cfg.SignerMode {
	case config.SignerRemote:
		return signers.NewRemoteAgent(cfg.SignerURL, cfg.SignatureTimeout), nil, nil
	case config.SignerKeypair:
		agent, err := signers.NewKeypairAgent(cfg.SignerSecret)
		if err != nil {
			return nil, nil, err
		}
		log.Warn("Signing with a service-held key; do not use on the public network", zap.String("signer", agent.Address()))
		return agent, nil, nil
	default:
		callback := signers.NewCallbackAgent(cfg.SignatureTimeout, log.Named("wallet"))
		return callback, callback, nil
	}
}

func buildLocker(cfg *config.Config, client *redis.Client) services.Locker {
	if cfg.LockBackend == config.LockMemory {
		return database.NewMemoryLocker(nil)
	}
	return database.NewRedisLocker(client)
}

func buildListeners(cfg *config.Config, awsCfg *sdkaws.Config, metricsClient *awspkg.MetricsClient, attempts repository.AttemptRepository, log *zap.Logger) ([]services.Listener, *events.MetricsListener, []io.Closer) {
	var (
		listeners []services.Listener
		metrics   *events.MetricsListener
		closers   []io.Closer
	)

	if attempts != nil {
		listeners = append(listeners, repository.NewRecorder(attempts, log.Named("attempts")))
	}
	if awsCfg != nil && cfg.SNSTopicArn != "" {
		listeners = append(listeners, events.NewSNSListener(awspkg.NewSNSClient(*awsCfg), cfg.SNSTopicArn, log.Named("sns")))
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log.Named("kafka"))
		listeners = append(listeners, producer)
		closers = append(closers, producer)
	}
	if metricsClient.IsEnabled() {
		metrics = events.NewMetricsListener(metricsClient, cfg.ServiceName, log.Named("metrics"))
		listeners = append(listeners, metrics)
	}
	return listeners, metrics, closers
}
