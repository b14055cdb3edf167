package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig captures all tunable parameters for the rider agent process.
// Defaults are overlaid by an optional YAML file and then by environment
// variables, so the binary runs locally without excessive setup.
type AgentConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	BackendURL string `yaml:"backend_url"`
	PushURL    string `yaml:"push_url"`
	RiderToken string `yaml:"rider_token"`
	RiderID    string `yaml:"rider_id"`

	PollIntervalSearching time.Duration `yaml:"poll_interval_searching"`
	PollIntervalActive    time.Duration `yaml:"poll_interval_active"`
	PollTimeout           time.Duration `yaml:"poll_timeout"`
	PollFailureThreshold  int           `yaml:"poll_failure_threshold"`
	PushBackoffInitial    time.Duration `yaml:"push_backoff_initial"`
	PushBackoffMax        time.Duration `yaml:"push_backoff_max"`

	BaseFare        float64 `yaml:"base_fare"`
	PerKmRate       float64 `yaml:"per_km_rate"`
	CancellationFee float64 `yaml:"cancellation_fee"`
	Currency        string  `yaml:"currency"`
	OTPMaxAttempts  int     `yaml:"otp_max_attempts"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	PGDSN string `yaml:"pg_dsn"`

	NotifyWebhookURL string `yaml:"notify_webhook_url"`
	NotifyWebhookKey string `yaml:"notify_webhook_key"`

	LogLevel      string `yaml:"log_level"`
	RunMigrations bool   `yaml:"run_migrations"`
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		BackendURL:            "http://localhost:3000",
		PollIntervalSearching: 3 * time.Second,
		PollIntervalActive:    5 * time.Second,
		PollTimeout:           10 * time.Second,
		PollFailureThreshold:  3,
		PushBackoffInitial:    time.Second,
		PushBackoffMax:        30 * time.Second,
		BaseFare:              50,
		PerKmRate:             15,
		CancellationFee:       25,
		Currency:              "INR",
		KafkaTopic:            "ride-lifecycle",
		LogLevel:              "info",
	}
}

// LoadAgentConfig reads RIDE_SYNC_CONFIG (if set) and the environment.
func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("RIDE_SYNC_CONFIG")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.BackendURL, "BACKEND_URL")
	setStringFromEnv(&cfg.PushURL, "PUSH_URL")
	setStringFromEnv(&cfg.RiderToken, "RIDER_TOKEN")
	setStringFromEnv(&cfg.RiderID, "RIDER_ID")

	setDurationFromEnv(&cfg.PollIntervalSearching, "POLL_INTERVAL_SEARCHING", &errs)
	setDurationFromEnv(&cfg.PollIntervalActive, "POLL_INTERVAL_ACTIVE", &errs)
	setDurationFromEnv(&cfg.PollTimeout, "POLL_TIMEOUT", &errs)
	setIntFromEnv(&cfg.PollFailureThreshold, "POLL_FAILURE_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.PushBackoffInitial, "PUSH_BACKOFF_INITIAL", &errs)
	setDurationFromEnv(&cfg.PushBackoffMax, "PUSH_BACKOFF_MAX", &errs)

	setFloatFromEnv(&cfg.BaseFare, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.PerKmRate, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.CancellationFee, "CANCELLATION_FEE", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")
	setIntFromEnv(&cfg.OTPMaxAttempts, "OTP_MAX_ATTEMPTS", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	setStringFromEnv(&cfg.NotifyWebhookKey, "NOTIFY_WEBHOOK_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (cfg AgentConfig) validate() []error {
	var errs []error
	if cfg.PollIntervalSearching <= 0 || cfg.PollIntervalActive <= 0 {
		errs = append(errs, fmt.Errorf("poll intervals must be > 0"))
	}
	if cfg.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("POLL_TIMEOUT must be > 0"))
	}
	if cfg.PollFailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("POLL_FAILURE_THRESHOLD must be > 0"))
	}
	if cfg.PushBackoffInitial <= 0 || cfg.PushBackoffMax < cfg.PushBackoffInitial {
		errs = append(errs, fmt.Errorf("PUSH_BACKOFF_MAX must be >= PUSH_BACKOFF_INITIAL > 0"))
	}
	if cfg.BaseFare < 0 || cfg.PerKmRate < 0 || cfg.CancellationFee < 0 {
		errs = append(errs, fmt.Errorf("fare constants must be >= 0"))
	}
	if cfg.OTPMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("OTP_MAX_ATTEMPTS must be >= 0"))
	}
	if strings.TrimSpace(cfg.BackendURL) == "" {
		errs = append(errs, fmt.Errorf("BACKEND_URL is required"))
	}
	return errs
}

func overlayFile(cfg *AgentConfig, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
