package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/mediapay/internal/paymentd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL           = "database-url"
	flagStoreDriver           = "store-driver"
	flagAutoMigrate           = "auto-migrate"
	flagListenAddr            = "listen-addr"
	flagGRPCListenAddr        = "grpc-listen-addr"
	flagVaultSecret           = "vault-secret"
	flagAPISigningKey         = "api-signing-key"
	flagAPIIssuer             = "api-issuer"
	flagAllowedOrigins        = "allowed-origins"
	flagCallbackSecret        = "callback-secret"
	flagGatewayBaseURL        = "gateway-base-url"
	flagGatewayEndpoint       = "gateway-endpoint"
	flagGatewayStatusEndpoint = "gateway-status-endpoint"
	flagGatewayTimeout        = "gateway-timeout"
	flagGatewayTimezone       = "gateway-timezone"
	flagLive                  = "live"
	flagPaymentTTL            = "payment-ttl"
	flagPollInterval          = "poll-interval"
	flagWatchGrace            = "watch-grace"
	flagRequestTimeout        = "request-timeout"
	flagKafkaBrokers          = "kafka-brokers"
	flagKafkaEventsTopic      = "kafka-events-topic"
	flagKafkaDeliveryTopic    = "kafka-delivery-topic"
	flagRedisAddr             = "redis-addr"
	flagRedisPassword         = "redis-password"
	envPrefix                 = "PAYMENTD"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "paymentd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := paymentd.Config{}
	cmd := &cobra.Command{
		Use:           "paymentd",
		Short:         "Pay-per-media payment service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return paymentd.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, "", "database url (postgres:// or sqlite://)")
	cmd.Flags().String(flagStoreDriver, paymentd.StoreDriverGorm, "store implementation: gorm or pgx")
	cmd.Flags().Bool(flagAutoMigrate, false, "create or migrate the postgres schema on start")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC health listen address")
	cmd.Flags().String(flagVaultSecret, "", "secret that derives the credential vault key (required)")
	cmd.Flags().String(flagAPISigningKey, "", "HS256 key for service bearer tokens (required)")
	cmd.Flags().String(flagAPIIssuer, "", "expected bearer token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagCallbackSecret, "", "shared secret gateway callbacks must send in X-Callback-Token; callbacks are open when empty")
	cmd.Flags().String(flagGatewayBaseURL, "", "payment gateway base URL")
	cmd.Flags().String(flagGatewayEndpoint, "", "payment code mint endpoint path")
	cmd.Flags().String(flagGatewayStatusEndpoint, "", "payment status endpoint path; polling is disabled when empty")
	cmd.Flags().Duration(flagGatewayTimeout, 0, "gateway request timeout (e.g. 15s)")
	cmd.Flags().String(flagGatewayTimezone, "", "IANA zone used for gateway expiration times")
	cmd.Flags().Bool(flagLive, false, "refuse placeholder payment codes")
	cmd.Flags().Duration(flagPaymentTTL, 0, "payment code lifetime (e.g. 10m)")
	cmd.Flags().Duration(flagPollInterval, 0, "gateway status polling interval")
	cmd.Flags().Duration(flagWatchGrace, 0, "how long a watcher outlives payment expiry")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request timeout for the HTTP API")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-separated Kafka brokers; events are logged when empty")
	cmd.Flags().String(flagKafkaEventsTopic, "", "Kafka topic for message-ready events")
	cmd.Flags().String(flagKafkaDeliveryTopic, "", "Kafka topic for delivery requests")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for watcher leases")
	cmd.Flags().String(flagRedisPassword, "", "Redis password")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *paymentd.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flagNames := []string{
		flagDatabaseURL, flagStoreDriver, flagAutoMigrate, flagListenAddr, flagGRPCListenAddr,
		flagVaultSecret, flagAPISigningKey, flagAPIIssuer, flagAllowedOrigins, flagCallbackSecret,
		flagGatewayBaseURL, flagGatewayEndpoint, flagGatewayStatusEndpoint, flagGatewayTimeout, flagGatewayTimezone,
		flagLive, flagPaymentTTL, flagPollInterval, flagWatchGrace, flagRequestTimeout,
		flagKafkaBrokers, flagKafkaEventsTopic, flagKafkaDeliveryTopic, flagRedisAddr, flagRedisPassword,
	}
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.AutoMigrate = v.GetBool(flagAutoMigrate)
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.VaultSecret = v.GetString(flagVaultSecret)
	cfg.APISigningKey = v.GetString(flagAPISigningKey)
	cfg.APIIssuer = strings.TrimSpace(v.GetString(flagAPIIssuer))
	cfg.AllowedOrigins = paymentd.ParseList(v.GetString(flagAllowedOrigins))
	cfg.CallbackSecret = strings.TrimSpace(v.GetString(flagCallbackSecret))
	cfg.GatewayBaseURL = strings.TrimSpace(v.GetString(flagGatewayBaseURL))
	cfg.GatewayEndpoint = strings.TrimSpace(v.GetString(flagGatewayEndpoint))
	cfg.GatewayStatusEndpoint = strings.TrimSpace(v.GetString(flagGatewayStatusEndpoint))
	cfg.GatewayTimeout = v.GetDuration(flagGatewayTimeout)
	cfg.GatewayTimezone = strings.TrimSpace(v.GetString(flagGatewayTimezone))
	cfg.Live = v.GetBool(flagLive)
	cfg.PaymentTTL = v.GetDuration(flagPaymentTTL)
	cfg.PollInterval = v.GetDuration(flagPollInterval)
	cfg.WatchGrace = v.GetDuration(flagWatchGrace)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.KafkaBrokers = paymentd.ParseList(v.GetString(flagKafkaBrokers))
	cfg.KafkaEventsTopic = strings.TrimSpace(v.GetString(flagKafkaEventsTopic))
	cfg.KafkaDeliveryTopic = strings.TrimSpace(v.GetString(flagKafkaDeliveryTopic))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)

	return cfg.Validate()
}
