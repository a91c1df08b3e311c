package paymentd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/internal/events"
	"github.com/MarkoPoloResearchLab/mediapay/internal/gateway"
	"github.com/MarkoPoloResearchLab/mediapay/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/mediapay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/mediapay/internal/lease"
	"github.com/MarkoPoloResearchLab/mediapay/internal/oplog"
	"github.com/MarkoPoloResearchLab/mediapay/internal/vault"
	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Run boots paymentd and blocks until ctx is cancelled or a listener fails.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer db.cleanup()

	clock := func() time.Time { return time.Now().UTC() }
	keyMaterial, err := vault.NewKeyMaterial(cfg.VaultSecret)
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}
	credentialVault, err := vault.New(db.store, keyMaterial, clock)
	if err != nil {
		return fmt.Errorf("vault init: %w", err)
	}

	paymentGateway, err := buildGateway(cfg)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	publisher, closePublisher, err := buildPublisher(cfg, logger, clock)
	if err != nil {
		return fmt.Errorf("events init: %w", err)
	}
	defer closePublisher()

	options := []payments.ServiceOption{
		payments.WithOperationLogger(oplog.New(logger)),
		payments.WithEventPublisher(publisher),
		payments.WithLiveGateway(cfg.Live),
		payments.WithPaymentTTL(cfg.PaymentTTL),
		payments.WithPollInterval(cfg.PollInterval),
		payments.WithWatchGrace(cfg.WatchGrace),
	}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = redisClient.Close() }()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		watchLease, err := lease.NewRedisLease(redisClient, "")
		if err != nil {
			return fmt.Errorf("watch lease: %w", err)
		}
		options = append(options, payments.WithWatchLease(watchLease))
	}

	service, err := payments.NewService(db.store, paymentGateway, credentialVault, publisher, clock, options...)
	if err != nil {
		return fmt.Errorf("payment service init: %w", err)
	}
	defer service.Close()

	resumed, err := service.ResumePending(ctx)
	if err != nil {
		logger.Warn("resume pending transactions", zap.Error(err), zap.Int("resumed", resumed))
	} else {
		logger.Info("pending transactions resumed", zap.Int("resumed", resumed))
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     []byte(cfg.APISigningKey),
		Issuer:         cfg.APIIssuer,
		RequestTimeout: cfg.RequestTimeout,
		CallbackSecret: cfg.CallbackSecret,
	}, httpapi.Dependencies{
		Service: service,
		Catalog: db.store,
		History: db.store,
		Logger:  logger,
		Now:     clock,
	})
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcServer := grpcserver.NewServer(grpcserver.NewHealthServer(db.ping))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("paymentd http listening", zap.String("addr", cfg.ListenAddr), zap.Bool("live", cfg.Live))
		errCh <- httpServer.ListenAndServe()
	}()
	go func() {
		logger.Info("paymentd grpc health listening", zap.String("addr", cfg.GRPCListenAddr))
		errCh <- grpcServer.Serve(grpcListener)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) || errors.Is(serveErr, grpc.ErrServerStopped) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown error", zap.Error(shutdownErr))
	}
	grpcServer.GracefulStop()
	return serveErr
}

// buildGateway selects the gateway client. Without a base URL outside live mode every mint
// fails as unavailable and the service falls back to placeholder codes.
func buildGateway(cfg Config) (payments.Gateway, error) {
	if strings.TrimSpace(cfg.GatewayBaseURL) == "" {
		return unavailableGateway{}, nil
	}
	var location *time.Location
	if cfg.GatewayTimezone != "" {
		loaded, err := time.LoadLocation(cfg.GatewayTimezone)
		if err != nil {
			return nil, err
		}
		location = loaded
	}
	client, err := gateway.New(gateway.Config{
		BaseURL:        cfg.GatewayBaseURL,
		MintEndpoint:   cfg.GatewayEndpoint,
		StatusEndpoint: cfg.GatewayStatusEndpoint,
		Timeout:        cfg.GatewayTimeout,
		Location:       location,
	})
	if err != nil {
		return nil, err
	}
	if !client.SupportsStatus() {
		return client.Minter(), nil
	}
	return client, nil
}

// eventSink publishes events and delivery requests.
type eventSink interface {
	payments.EventPublisher
	payments.DeliveryNotifier
}

func buildPublisher(cfg Config, logger *zap.Logger, clock func() time.Time) (eventSink, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), func() {}, nil
	}
	producer, err := events.NewSyncProducer(cfg.KafkaBrokers, defaultKafkaClientID)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := events.NewKafkaPublisher(producer, cfg.KafkaEventsTopic, cfg.KafkaDeliveryTopic, clock)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	closer := func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("kafka producer close", zap.Error(closeErr))
		}
	}
	return publisher, closer, nil
}

type unavailableGateway struct{}

func (unavailableGateway) MintPaymentCode(context.Context, payments.MintRequest, payments.Credential) (payments.PaymentCode, error) {
	return payments.PaymentCode{}, fmt.Errorf("%w: gateway base url not configured", payments.ErrGatewayUnavailable)
}
