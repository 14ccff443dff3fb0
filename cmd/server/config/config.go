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

// PostgresConfig holds the durable store connection. An empty URL means
// the service runs on in-memory stores, which is only useful for local
// development.
type PostgresConfig struct {
	URL string
}

// RedisConfig holds Redis connection and behavior settings for the
// idempotency record store.
type RedisConfig struct {
	URL                string
	KeyPrefix          string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// KafkaConfig holds event stream settings. Empty brokers disable the
// Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Source  string
}

// WorkflowConfig holds orchestration tunables.
type WorkflowConfig struct {
	ReservationTTL       time.Duration
	MaxDuration          time.Duration
	StepMaxAttempts      int
	StepBaseDelay        time.Duration
	StepMaxDelay         time.Duration
	IdempotencyRetention time.Duration
	CASAttempts          int
}

// SweeperConfig holds the expiry sweep schedule.
type SweeperConfig struct {
	Schedule  string
	BatchSize int
}

// WebhookConfig holds the terminal-transition webhook target. An empty
// endpoint disables webhooks.
type WebhookConfig struct {
	Endpoint string
	Secret   string
}

// ServerConfig holds the HTTP listener for metrics, health and the
// realtime feed, plus the optional journal path.
type ServerConfig struct {
	Addr        string
	JournalPath string
}

// LoadPostgres reads the Postgres connection from env.
func LoadPostgres() PostgresConfig {
	return PostgresConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
}

// LoadRedis reads Redis config from env. The URL is required because the
// caller only asks for this when Redis is enabled.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		KeyPrefix: stringOr("REDIS_KEY_PREFIX", "idem:"),
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
	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 5*time.Second); err != nil {
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

// LoadKafka reads event stream settings from env.
func LoadKafka() (KafkaConfig, error) {
	raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	cfg := KafkaConfig{
		Source: stringOr("KAFKA_SOURCE", "stockroom"),
	}
	if raw == "" {
		return cfg, nil
	}
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}

	topic, err := requiredString("KAFKA_TOPIC")
	if err != nil {
		return cfg, err
	}
	cfg.Topic = topic
	return cfg, nil
}

// LoadWorkflow reads orchestration tunables from env.
func LoadWorkflow() (WorkflowConfig, error) {
	cfg := WorkflowConfig{}
	var err error
	if cfg.ReservationTTL, err = durationOr("RESERVATION_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.MaxDuration, err = durationOr("WORKFLOW_MAX_DURATION", 30*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.StepMaxAttempts, err = intOr("STEP_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.StepBaseDelay, err = durationOr("STEP_RETRY_BASE_DELAY", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.StepMaxDelay, err = durationOr("STEP_RETRY_MAX_DELAY", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyRetention, err = durationOr("IDEMPOTENCY_RETENTION", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.CASAttempts, err = intOr("LEDGER_CAS_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadSweeper reads the sweep schedule from env. The schedule uses a
// six-field cron spec with seconds.
func LoadSweeper() (SweeperConfig, error) {
	cfg := SweeperConfig{
		Schedule: stringOr("SWEEP_SCHEDULE", "*/10 * * * * *"),
	}
	var err error
	if cfg.BatchSize, err = intOr("SWEEP_BATCH_SIZE", 100); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWebhook reads the webhook target from env. Setting an endpoint
// without a secret is an error; unsigned webhooks are not supported.
func LoadWebhook() (WebhookConfig, error) {
	cfg := WebhookConfig{
		Endpoint: strings.TrimSpace(os.Getenv("WEBHOOK_ENDPOINT")),
	}
	if cfg.Endpoint == "" {
		return cfg, nil
	}
	secret, err := requiredString("WEBHOOK_SECRET")
	if err != nil {
		return cfg, err
	}
	cfg.Secret = secret
	return cfg, nil
}

// LoadServer reads the HTTP listener and journal path from env.
func LoadServer() ServerConfig {
	return ServerConfig{
		Addr:        stringOr("HTTP_ADDR", ":8080"),
		JournalPath: strings.TrimSpace(os.Getenv("SAGA_JOURNAL_PATH")),
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

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func stringOr(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
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

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return def, nil
	}
	return *val, nil
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

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return def, nil
	}
	return *val, nil
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
