package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/booali/atc-api/internal/config"
	"github.com/booali/atc-api/internal/database"
	"github.com/booali/atc-api/internal/handlers"
	"github.com/booali/atc-api/internal/metrics"
	"github.com/booali/atc-api/internal/services"
	"github.com/booali/atc-api/internal/utils"
	"github.com/booali/atc-api/pkg/appstore"
	"github.com/booali/atc-api/pkg/expo"
	"github.com/booali/atc-api/pkg/revenuecat"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := utils.NewLogger(cfg.Environment)
	logger.Info().Str("env", cfg.Environment).Msg("Starting ATC API")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info().Msg("Connecting to PostgreSQL")
	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer db.Close()

	logger.Info().Msg("Running database migrations")
	if err := database.RunMigrations(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	logger.Info().Msg("Connecting to Redis")
	redisClient, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional integrations stay nil interfaces when not configured
	var media services.MediaStore
	if m, err := services.NewMediaService(cfg.Cloudinary, logger); err != nil {
		logger.Warn().Err(err).Msg("Media uploads disabled")
	} else {
		media = m
	}

	var stripeAPI services.StripeAPI
	if cfg.Stripe.SecretKey != "" {
		stripeAPI = services.NewStripeGateway(cfg.Stripe.SecretKey)
	} else {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, Stripe checkout disabled")
	}

	var appleReceipts services.AppleReceiptVerifier
	if cfg.Apple.SharedSecret != "" {
		appleReceipts = appstore.NewClient(cfg.Apple.SharedSecret)
	}

	var play services.PlayVerifier
	if _, err := os.Stat(cfg.Google.ServiceAccountPath); err == nil {
		gateway, err := services.NewPlayGateway(ctx, cfg.Google.PackageName, cfg.Google.ServiceAccountPath)
		if err != nil {
			logger.Warn().Err(err).Msg("Google Play verification disabled")
		} else {
			play = gateway
		}
	}

	var streamClient services.StreamClient
	if client, err := services.NewStreamClient(cfg.Stream.APIKey, cfg.Stream.APISecret); err != nil {
		logger.Warn().Err(err).Msg("Stream tokens disabled")
	} else if client != nil {
		streamClient = client
	}

	apple, err := services.NewAppleVerifier(ctx, cfg.Apple.ClientID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up Sign in with Apple")
	}

	// Initialize services
	ledger := services.NewLedgerService(db, logger)
	plans := services.NewPlans(cfg.Stripe.PriceIDs)
	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, redisClient)
	notifications := services.NewNotificationService(db, expo.NewClient(cfg.Expo.AccessToken), logger)
	userService := services.NewUserService(db, media, logger)
	authService := services.NewAuthService(db, services.AuthDeps{
		Store:  redisClient,
		Tokens: tokens,
		Mailer: services.NewEmailService(cfg.SMTP, logger),
		Media:  media,
		Apple:  apple,
		Google: services.NewGoogleVerifier(cfg.Google.ClientIDs, logger),
		OTPTTL: cfg.Auth.OTPTTL,
	}, logger)
	friendService := services.NewFriendService(db, ledger, notifications, logger)
	barterService := services.NewBarterService(db, ledger, notifications, logger)
	chatService := services.NewChatService(db, media, redisClient, notifications, logger)
	subscriptionService := services.NewSubscriptionService(db, services.SubscriptionDeps{
		Stripe:        stripeAPI,
		Plans:         plans,
		Ledger:        ledger,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		BackendURL:    cfg.Stripe.BackendURL,
	}, logger)
	revenueCatService := services.NewRevenueCatService(db, plans, ledger,
		revenuecat.NewClient(cfg.RevenueCat.SecretKey, cfg.RevenueCat.ProjectID),
		cfg.RevenueCat.WebhookAuthToken, logger)
	receiptService := services.NewReceiptService(db, plans, ledger, appleReceipts, play, logger)
	streamService := services.NewStreamService(streamClient, cfg.Stream.APIKey, logger)

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(utils.LoggerMiddleware(logger))
	router.Use(metrics.Middleware())

	authn := handlers.NewAuthenticator(tokens, userService)
	limiter := handlers.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	logger.Info().Msg("Registering routes")
	handlers.RegisterPlatformHandlers(router, map[string]handlers.HealthCheck{
		"postgres": db.PingContext,
		"redis":    redisClient.Ping,
	}, cfg.Server.ServiceAccountPath, logger)
	handlers.RegisterAuthHandlers(router, authService, authn, limiter, logger)
	handlers.RegisterUserHandlers(router, userService, authService, ledger, authn, logger)
	handlers.RegisterBarterHandlers(router, friendService, barterService, authn, logger)
	handlers.RegisterChatHandlers(router, chatService, handlers.NewRedisFeed(redisClient), authn, cfg.Server.AllowedOrigins, logger)
	handlers.RegisterSubscriptionHandlers(router, subscriptionService, receiptService, authn, logger)
	handlers.RegisterWebhookHandlers(router, subscriptionService, revenueCatService, logger)
	handlers.RegisterRevenueCatHandlers(router, revenueCatService, authn, logger)
	handlers.RegisterCronHandlers(router, notifications, userService, cfg.Cron.Secret, logger)
	handlers.RegisterStreamHandlers(router, streamService, authn, logger)

	scheduler := startScheduler(ctx, cfg.Cron, notifications, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info().Msgf("Starting server on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.GracefulShutdownSeconds)*time.Second)
	defer cancel()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exiting")
}

// startScheduler runs the daily subscription reminder job in process
func startScheduler(ctx context.Context, cfg config.CronConfig, notifications *services.NotificationService, logger zerolog.Logger) *cron.Cron {
	if !cfg.Enabled {
		return nil
	}

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := scheduler.AddFunc(cfg.ReminderSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		sent, err := notifications.RunSubscriptionReminders(jobCtx)
		if err != nil {
			logger.Error().Err(err).Msg("Subscription reminder job failed")
			return
		}
		logger.Info().Interface("sent", sent).Msg("Subscription reminder job finished")
	})
	if err != nil {
		logger.Error().Err(err).Str("schedule", cfg.ReminderSchedule).Msg("Invalid reminder schedule, scheduler disabled")
		return nil
	}

	scheduler.Start()
	return scheduler
}
