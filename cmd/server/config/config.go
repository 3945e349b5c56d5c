package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPConfig holds the listen address of the echo server.
type HTTPConfig struct {
	Addr string
}

// GRPCConfig holds the gRPC listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StateTTL           time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GatewayConfig describes the payment gateway account.
type GatewayConfig struct {
	BaseURL         string
	MerchantID      string
	NoticeURL       string
	WebhookSecret   string
	CallbackTimeout time.Duration
	SessionTTL      time.Duration
}

// ServicesConfig locates the reservation and ledger backends. Empty URLs fall
// back to in-process implementations.
type ServicesConfig struct {
	ReservationURL string
	LedgerURL      string
	DatabaseURL    string
	HoldTTL        time.Duration
}

// NotifyConfig selects the outcome notification sinks.
type NotifyConfig struct {
	KafkaBrokers string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
}

// LoadHTTP reads the HTTP listen address from env.
func LoadHTTP() HTTPConfig {
	return HTTPConfig{Addr: stringOr("HTTP_ADDR", ":8080")}
}

// LoadGRPC reads gRPC listen and rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              stringOr("GRPC_ADDR", ":50051"),
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// RedisEnabled reports whether REDIS_URL is set.
func RedisEnabled() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Stream: strings.TrimSpace(os.Getenv("REDIS_STREAM")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.StateTTL, err = requiredDuration("REDIS_STATE_TTL"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = requiredInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGateway reads the payment gateway account from env.
func LoadGateway() (GatewayConfig, error) {
	cfg := GatewayConfig{
		MerchantID:    strings.TrimSpace(os.Getenv("GATEWAY_MERCHANT_ID")),
		NoticeURL:     strings.TrimSpace(os.Getenv("GATEWAY_NOTICE_URL")),
		WebhookSecret: strings.TrimSpace(os.Getenv("GATEWAY_WEBHOOK_SECRET")),
	}
	var err error
	if cfg.BaseURL, err = requiredString("GATEWAY_BASE_URL"); err != nil {
		return cfg, err
	}
	if cfg.CallbackTimeout, err = durationOr("GATEWAY_CALLBACK_TIMEOUT", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.SessionTTL, err = durationOr("GATEWAY_SESSION_TTL", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SessionTTL < cfg.CallbackTimeout {
		return cfg, fmt.Errorf("GATEWAY_SESSION_TTL (%v) is shorter than GATEWAY_CALLBACK_TIMEOUT (%v)", cfg.SessionTTL, cfg.CallbackTimeout)
	}
	return cfg, nil
}

// LoadServices reads backend locations from env.
func LoadServices() (ServicesConfig, error) {
	cfg := ServicesConfig{
		ReservationURL: strings.TrimSpace(os.Getenv("RESERVATION_SERVICE_URL")),
		LedgerURL:      strings.TrimSpace(os.Getenv("LEDGER_SERVICE_URL")),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
	var err error
	if cfg.HoldTTL, err = durationOr("HOLD_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.LedgerURL != "" && cfg.DatabaseURL != "" {
		return cfg, errors.New("LEDGER_SERVICE_URL and DATABASE_URL both select a ledger; set one")
	}
	return cfg, nil
}

// LoadNotify reads notification sinks from env. Each sink is enabled by its
// connection setting.
func LoadNotify() NotifyConfig {
	return NotifyConfig{
		KafkaBrokers: strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   stringOr("KAFKA_TOPIC", "checkout.outcomes"),
		AMQPURL:      strings.TrimSpace(os.Getenv("AMQP_URL")),
		AMQPExchange: stringOr("AMQP_EXCHANGE", "checkout"),
	}
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	val, err := optionalInt(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, fmt.Errorf("%s is required", name)
	}
	return *val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, fmt.Errorf("%s is required", name)
	}
	return *val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
