package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/otpgate/otpgate/internal/clock"
	"github.com/otpgate/otpgate/internal/config"
	"github.com/otpgate/otpgate/internal/handlers"
	"github.com/otpgate/otpgate/internal/middleware"
	"github.com/otpgate/otpgate/internal/notifier"
	"github.com/otpgate/otpgate/internal/repository"
	"github.com/otpgate/otpgate/internal/service"
	"github.com/otpgate/otpgate/internal/validation"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	directory, err := initUserDirectory(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize user directory")
	}

	validator, err := validation.New()
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize validator")
	}

	otpService := service.NewOTPService(directory, initNotifier(cfg, logger), clock.New(), &cfg.OTP, logger)
	userHandlers := handlers.NewUserHandlers(otpService, validator, logger)
	router := setupRouter(userHandlers, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initUserDirectory(cfg *config.Config, logger *logrus.Logger) (service.UserDirectory, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("Redis user directory initialized")
		return repository.NewRedisUserRepository(client, logger), nil

	case config.BackendDynamoDB:
		client, err := initDynamoDB(cfg, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewUserRepository(client, cfg.DynamoDB.TableName, logger), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func initDynamoDB(cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO())
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("DynamoDB client initialized")
	return client, nil
}

func initNotifier(cfg *config.Config, logger *logrus.Logger) service.Notifier {
	if cfg.SMS.AccountSID == "" {
		logger.Warn("No SMS provider configured, OTP delivery runs in dry-run mode")
		return notifier.NewLogNotifier(logger)
	}
	return notifier.NewTwilioNotifier(cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.FromNumber, logger)
}

func setupRouter(userHandlers *handlers.UserHandlers, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	users := router.PathPrefix("/users").Subrouter()
	users.HandleFunc("/sendOTP", userHandlers.SendOTP).Methods("POST", "OPTIONS")
	users.HandleFunc("/verifyOTP", userHandlers.VerifyOTP).Methods("POST", "OPTIONS")

	return router
}
