package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/ClareAI/astra-call-control/internal/adapters/http"
	"github.com/ClareAI/astra-call-control/internal/cache"
	"github.com/ClareAI/astra-call-control/internal/config"
	"github.com/ClareAI/astra-call-control/internal/core/handoff"
	"github.com/ClareAI/astra-call-control/internal/core/session"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/handler"
	"github.com/ClareAI/astra-call-control/internal/repository"
	"github.com/ClareAI/astra-call-control/internal/services/call"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/gcs"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/ClareAI/astra-call-control/pkg/pubsub"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// Server is the call control process: the call service plus its HTTP surface
type Server struct {
	config  *config.ServerConfig
	router  *mux.Router
	service *call.CallService

	redisSvc    *redis.RedisService
	repoManager repository.RepositoryManager
	recordings  *gcs.GCSClient
	alerts      *pubsub.AlertPublisher
}

// NewServer connects the backing stores and builds the call service
func NewServer(ctx context.Context, cfg *config.ServerConfig) (*Server, error) {
	s := &Server{config: cfg, router: mux.NewRouter()}
	clk := clock.NewReal()

	redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	s.redisSvc = redisSvc

	if !repository.IsDatabaseConfigured() {
		s.Close()
		return nil, errors.New("DB_HOST is required: accounts are loaded from the database")
	}
	repoManager, err := repository.NewRepositoryManager(cfg.DBAutoMigrate)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.repoManager = repoManager
	accounts := cache.NewAccountCache(repoManager.Account(), cfg.AccountCacheTTL, clk)

	registry := session.NewManager(redisSvc, cfg.InstanceID, cfg.SipAddress, clk)
	protocol := handoff.NewProtocol(redisSvc, handoff.NewRedisBus(redisSvc), cfg.SipAddress,
		handoff.WithClock(clk),
		handoff.WithTTL(cfg.HandoffTTL),
		handoff.WithCompletionTimeout(cfg.HandoffCompletionTimeout),
		handoff.WithLogger(logger.Base()))

	notifySigner := httpadapter.NewSigner(cfg.NotifySecret, clk)
	deps := call.Dependencies{
		Store:       redisSvc,
		Registry:    registry,
		Handoff:     protocol,
		Notifier:    httpadapter.NewNotifier(notifySigner, cfg.WebhookTimeout, logger.Base()),
		Accounts:    accounts,
		Credentials: accounts,
		Signer:      httpadapter.NewSigner(cfg.WebhookSecret, clk),
		Clock:       clk,
	}

	if cfg.RecordingBucket != "" {
		gcsClient, err := gcs.NewGCSClient(ctx, cfg.RecordingBucket)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.recordings = gcsClient
		deps.Recordings = call.NewRecordingStore(gcsClient, clk)
		logger.Base().Info("Recording destination configured", zap.String("bucket", cfg.RecordingBucket))
	}

	if cfg.PubSubProjectID != "" {
		publisher, err := pubsub.NewAlertPublisher(ctx, &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubAlertTopic,
			Source:    cfg.InstanceID,
		})
		if err != nil {
			logger.Base().Warn("Failed to initialize alert publisher, alerts are only logged", zap.Error(err))
		} else {
			s.alerts = publisher
			deps.Alerts = publisher
		}
	}

	s.service = call.NewCallService(call.Config{
		SipAddress:          cfg.SipAddress,
		BaseURL:             cfg.PublicBaseURL,
		BridgeTimeout:       cfg.BridgeTimeout,
		WaitHookMinInterval: cfg.WaitHookMinInterval,
		WebhookTimeout:      cfg.WebhookTimeout,
		Synthesizer:         speech.Vendor{Name: cfg.DefaultSynthesizerVendor, Language: cfg.DefaultSynthesizerLanguage},
		Recognizer:          speech.Vendor{Name: cfg.DefaultRecognizerVendor, Language: cfg.DefaultRecognizerLanguage},
	}, deps)
	if err := s.service.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	handlerManager := handler.NewHandlerManager(s.service, notifySigner, cfg.InstanceID,
		handler.WithLocator(registry),
		handler.WithHealthCheck("redis", redisSvc),
		handler.WithHealthCheck("database", repoManager))
	handlerManager.SetupAllRoutes(s.router)

	return s, nil
}

// Run serves HTTP until ctx is cancelled, then ends every call and drains the server
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", s.config.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Base().Info("Shutting down", zap.Int("active_calls", s.service.Count()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.service.Shutdown(shutdownCtx); err != nil {
		logger.Base().Warn("Calls did not end before the deadline", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close releases the backing store clients
func (s *Server) Close() {
	if s.alerts != nil {
		_ = s.alerts.Close()
	}
	if s.recordings != nil {
		_ = s.recordings.Close()
	}
	if s.repoManager != nil {
		_ = s.repoManager.Close()
	}
	if s.redisSvc != nil {
		_ = s.redisSvc.Close()
	}
}

func main() {
	// Load .env file for local development if it exists
	// This will not override environment variables set by Helm/Docker
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if _, err := logger.Init(cfg.LogEnv); err != nil {
		log.Printf("Failed to initialize zap logger, falling back to std log: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	defer server.Close()
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("sip_address", cfg.SipAddress))

	if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Base().Error("Server stopped", zap.Error(err))
	}
}
