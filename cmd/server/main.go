package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"neighborly/internal/config"
	"neighborly/internal/handlers"
	mongorepo "neighborly/internal/repositories/mongodb"
	"neighborly/internal/services"
	"neighborly/pkg/cache"
	"neighborly/pkg/database"
	"neighborly/pkg/logger"
	"neighborly/pkg/maps"
	"neighborly/pkg/push"
	"neighborly/pkg/sms"
	"neighborly/pkg/websocket"
	"neighborly/routes"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.NewLogger(&logger.Config{
		Level:  logger.LogLevel(cfg.App.LogLevel),
		Format: cfg.App.LogFormat,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger.WithFields(map[string]interface{}{
		"name":        cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	}).Info("Starting server")

	// MongoDB
	mongoDB, err := database.NewMongoDB(&database.DatabaseConfig{
		URI:            cfg.Database.URI,
		Database:       cfg.Database.Database,
		MaxPoolSize:    cfg.Database.MaxPoolSize,
		MinPoolSize:    cfg.Database.MinPoolSize,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		SocketTimeout:  cfg.Database.SocketTimeout,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer mongoDB.Close()

	indexCtx, cancelIndex := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mongorepo.EnsureDispatchIndexes(indexCtx, mongoDB.Database); err != nil {
		cancelIndex()
		appLogger.WithError(err).Fatal("Failed to ensure dispatch indexes")
	}
	cancelIndex()

	// Redis
	redisCache, err := cache.NewRedisCache(&cache.RedisConfig{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisCache.Close()

	// Push providers are optional per environment; dispatch still works
	// without them, helpers just get SMS instead.
	var fcmProvider push.Provider
	if cfg.Push.FCMCredentialsFile != "" {
		provider, err := push.NewFCMProvider(cfg.Push.FCMCredentialsFile)
		if err != nil {
			appLogger.WithError(err).Warn("FCM disabled")
		} else {
			fcmProvider = provider
		}
	}

	var apnsProvider push.Provider
	if cfg.Push.APNSKeyFile != "" {
		provider, err := push.NewAPNSProvider(cfg.Push.APNSKeyFile, cfg.Push.APNSKeyID,
			cfg.Push.APNSTeamID, cfg.Push.APNSTopic, cfg.Push.APNSProduction)
		if err != nil {
			appLogger.WithError(err).Warn("APNs disabled")
		} else {
			apnsProvider = provider
		}
	}

	var smsProvider sms.Provider
	switch cfg.SMS.Provider {
	case "aws_sns":
		provider, err := sms.NewAWSSNSProvider(cfg.SMS.AWSSNS.Region)
		if err != nil {
			appLogger.WithError(err).Warn("SMS disabled")
		} else {
			smsProvider = provider
		}
	default:
		if cfg.SMS.Twilio.AccountSID != "" {
			smsProvider = sms.NewTwilioProvider(cfg.SMS.Twilio.AccountSID,
				cfg.SMS.Twilio.AuthToken, cfg.SMS.Twilio.FromNumber)
		}
	}

	var etaProvider maps.ETAProvider
	if cfg.Maps.GoogleMapsAPIKey != "" {
		provider, err := maps.NewGoogleMapsProvider(cfg.Maps.GoogleMapsAPIKey)
		if err != nil {
			appLogger.WithError(err).Warn("ETA estimates disabled")
		} else {
			etaProvider = provider
		}
	}

	// WebSocket hub for live requester updates
	hub := websocket.NewHub()
	go hub.Run()
	wsHandler := websocket.NewHandler(hub)

	// Repositories
	alertRepo := mongorepo.NewAlertRepository(mongoDB.Database)
	helperRepo := mongorepo.NewHelperRepository(mongoDB.Database)
	dispatchRepo := mongorepo.NewDispatchRepository(mongoDB.Database, appLogger)

	// Services
	rankingService := services.NewRankingService(redisCache, helperRepo, cfg.Dispatch, appLogger)
	notificationService := services.NewNotificationService(fcmProvider, apnsProvider, smsProvider, hub, appLogger)
	dispatchService := services.NewDispatchService(cfg.Dispatch, rankingService,
		dispatchRepo, alertRepo, helperRepo, notificationService, appLogger)
	alertService := services.NewAlertService(alertRepo, dispatchRepo, dispatchService, appLogger)
	responderService := services.NewResponderService(dispatchRepo, helperRepo, alertRepo, etaProvider, appLogger)

	// Handlers
	alertHandler := handlers.NewAlertHandler(alertService, dispatchService, appLogger)
	helperHandler := handlers.NewHelperHandler(responderService, rankingService, helperRepo, appLogger)

	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, alertHandler, helperHandler, wsHandler, cfg.Security)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.WithField("port", cfg.App.Port).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Forced shutdown")
	}
	appLogger.Info("Server stopped")
}
