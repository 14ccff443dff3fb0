package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadWorkflow_Defaults(t *testing.T) {
	cfg, err := LoadWorkflow()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReservationTTL != 15*time.Minute {
		t.Fatalf("unexpected reservation ttl: %v", cfg.ReservationTTL)
	}
	if cfg.MaxDuration != 30*time.Minute {
		t.Fatalf("unexpected max duration: %v", cfg.MaxDuration)
	}
	if cfg.StepMaxAttempts != 3 || cfg.CASAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.IdempotencyRetention != 24*time.Hour {
		t.Fatalf("unexpected retention: %v", cfg.IdempotencyRetention)
	}
}

func TestLoadWorkflow_Overrides(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "5m")
	t.Setenv("STEP_MAX_ATTEMPTS", "7")
	t.Setenv("STEP_RETRY_BASE_DELAY", "50ms")

	cfg, err := LoadWorkflow()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReservationTTL != 5*time.Minute {
		t.Fatalf("unexpected reservation ttl: %v", cfg.ReservationTTL)
	}
	if cfg.StepMaxAttempts != 7 {
		t.Fatalf("unexpected attempts: %d", cfg.StepMaxAttempts)
	}
	if cfg.StepBaseDelay != 50*time.Millisecond {
		t.Fatalf("unexpected base delay: %v", cfg.StepBaseDelay)
	}
}

func TestLoadWorkflow_InvalidValues(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "soon")
	if _, err := LoadWorkflow(); err == nil {
		t.Fatalf("expected error for malformed duration")
	}

	t.Setenv("RESERVATION_TTL", "15m")
	t.Setenv("WORKFLOW_MAX_DURATION", "-1m")
	if _, err := LoadWorkflow(); err == nil {
		t.Fatalf("expected error for negative duration")
	}
}

func TestLoadKafka_DisabledWithoutBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := LoadKafka()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Brokers) != 0 {
		t.Fatalf("expected no brokers, got %v", cfg.Brokers)
	}
}

func TestLoadKafka_RequiresTopic(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("KAFKA_TOPIC", "")

	if _, err := LoadKafka(); err == nil {
		t.Fatalf("expected error when brokers are set without a topic")
	}
}

func TestLoadKafka_SplitsBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092, localhost:9093")
	t.Setenv("KAFKA_TOPIC", "stockroom.events")

	cfg, err := LoadKafka()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "localhost:9093" {
		t.Fatalf("unexpected brokers: %v", cfg.Brokers)
	}
	if cfg.Topic != "stockroom.events" {
		t.Fatalf("unexpected topic: %s", cfg.Topic)
	}
}

func TestLoadRedis_MissingURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected missing url error")
	}
}

func TestLoadRedis_WithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_READ_TIMEOUT", "4s")
	t.Setenv("REDIS_WRITE_TIMEOUT", "5s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "2")
	t.Setenv("REDIS_MAX_RETRIES", "3")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected url: %s", cfg.URL)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout == nil || *cfg.ReadTimeout != 4*time.Second {
		t.Fatalf("unexpected read timeout: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout == nil || *cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if cfg.MinIdleConns == nil || *cfg.MinIdleConns != 2 {
		t.Fatalf("unexpected min idle: %v", cfg.MinIdleConns)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %v", cfg.MaxRetries)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
	if cfg.KeyPrefix != "idem:" {
		t.Fatalf("unexpected key prefix: %s", cfg.KeyPrefix)
	}
}

func TestLoadRedisTLS_NoSettingsReturnsNil(t *testing.T) {
	if cfg, err := loadRedisTLSFromEnv(); err != nil || cfg != nil {
		t.Fatalf("expected nil tls config, got %#v err %v", cfg, err)
	}
}

func TestLoadRedisTLS_MismatchedKeyPair(t *testing.T) {
	t.Setenv("REDIS_TLS_CERT_FILE", "cert")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected cert/key mismatch error")
	}
}

func TestLoadRedisTLS_InvalidInsecureFlag(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "notabool")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected parse bool error")
	}
}

func TestLoadRedisTLS_InsecureTrue(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "true")
	cfg, err := loadRedisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure tls config, got %#v", cfg)
	}
}

func TestLoadRedisTLS_ReadCAError(t *testing.T) {
	t.Setenv("REDIS_TLS_CA_FILE", "/no/such/file")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected read error for missing CA file")
	}
}

func TestLoadWebhook_RequiresSecretWithEndpoint(t *testing.T) {
	t.Setenv("WEBHOOK_ENDPOINT", "https://hooks.example.com/stockroom")
	t.Setenv("WEBHOOK_SECRET", "")

	if _, err := LoadWebhook(); err == nil {
		t.Fatalf("expected error when endpoint is set without a secret")
	}
}

func TestLoadWebhook_Disabled(t *testing.T) {
	t.Setenv("WEBHOOK_ENDPOINT", "")

	cfg, err := LoadWebhook()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Endpoint != "" {
		t.Fatalf("expected disabled webhook, got %+v", cfg)
	}
}

func TestLoadSweeper_Defaults(t *testing.T) {
	cfg, err := LoadSweeper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Schedule != "*/10 * * * * *" {
		t.Fatalf("unexpected schedule: %s", cfg.Schedule)
	}
	if cfg.BatchSize != 100 {
		t.Fatalf("unexpected batch size: %d", cfg.BatchSize)
	}
}

func TestLoadServer_Defaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("SAGA_JOURNAL_PATH", "")

	cfg := LoadServer()
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.JournalPath != "" {
		t.Fatalf("expected journal disabled, got %s", cfg.JournalPath)
	}
}

func TestOptionalHelpers(t *testing.T) {
	t.Setenv("X_OPT_DUR", "-1ms")
	if _, err := optionalDuration("X_OPT_DUR"); err == nil {
		t.Fatalf("expected negative duration error")
	}
	t.Setenv("X_OPT_INT", "-1")
	if _, err := optionalInt("X_OPT_INT"); err == nil {
		t.Fatalf("expected negative int error")
	}
	t.Setenv("X_OPT_BOOL", "notbool")
	if _, err := optionalBool("X_OPT_BOOL"); err == nil {
		t.Fatalf("expected bool parse error")
	}
}

func TestHelperErrorsNameVariable(t *testing.T) {
	t.Setenv("SWEEP_BATCH_SIZE", "-1")

	_, err := LoadSweeper()
	if err == nil {
		t.Fatalf("expected error for negative batch size")
	}
	if !strings.Contains(err.Error(), "SWEEP_BATCH_SIZE") {
		t.Fatalf("error should name the variable, got %v", err)
	}
}
