package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	NATS struct {
		URL        string             `mapstructure:"url"`
		Messages   ConsumerNatsConfig `mapstructure:"messages"` // inbound billing messages
		Outcomes   ConsumerNatsConfig `mapstructure:"outcomes"` // asynchronous call outcomes
		DLQStream  string             `mapstructure:"dlqStream"`
		DLQSubject string             `mapstructure:"dlqSubject"`
		DLQMaxAge  time.Duration      `mapstructure:"dlqMaxAge"`
	} `mapstructure:"nats"`
	Database struct {
		Driver              string `mapstructure:"driver"` // postgres | memory
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Company struct {
		ID   string `mapstructure:"id"`
		Name string `mapstructure:"name"` // introduced to the recipient of a verification call
	} `mapstructure:"company"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Classifier HTTPClientConfig `mapstructure:"classifier"`
	Enrichment HTTPClientConfig `mapstructure:"enrichment"`
	Telephony  HTTPClientConfig `mapstructure:"telephony"`
	RateLimit  RateLimitConfig  `mapstructure:"rateLimit"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Phone      struct {
		DefaultRegion string `mapstructure:"defaultRegion"` // ISO 3166 region for national-format numbers
	} `mapstructure:"phone"`
	WorkerPools struct {
		Calls WorkerPoolConfig `mapstructure:"calls"`
	} `mapstructure:"workerPools"`
}

// WorkerPoolConfig sizes an ants pool.
type WorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`
	MaxBlock   int           `mapstructure:"maxBlock"` // max goroutines blocked on Invoke, 0 = unlimited
	ExpiryTime time.Duration `mapstructure:"expiryTime"`
}

// ConsumerNatsConfig holds configuration specific to a NATS consumer
type ConsumerNatsConfig struct {
	MaxAge       time.Duration `mapstructure:"maxAge"`
	Stream       string        `mapstructure:"stream"`
	Consumer     string        `mapstructure:"consumer"` // durable name
	QueueGroup   string        `mapstructure:"group"`
	Subject      string        `mapstructure:"subject"` // base subject, company ID is appended
	MaxDeliver   int           `mapstructure:"maxDeliver"`
	AckWait      time.Duration `mapstructure:"ackWait"`
	NakBaseDelay time.Duration `mapstructure:"nakBaseDelay"`
	NakMaxDelay  time.Duration `mapstructure:"nakMaxDelay"`
}

// RedisConfig configures the shared counter store for the call rate limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PipelineConfig tunes the screening stages.
type PipelineConfig struct {
	// ConfidenceThreshold is the minimum confidence of the last executed stage for a
	// message to be declared legitimate without a verification call.
	ConfidenceThreshold float64  `mapstructure:"confidenceThreshold"`
	Keywords            []string `mapstructure:"keywords"`
	BillingCategories   []string `mapstructure:"billingCategories"`
	FreeMailDomains     []string `mapstructure:"freeMailDomains"`
	// MinSearchConfidence below which a search result is treated as absent.
	MinSearchConfidence float64 `mapstructure:"minSearchConfidence"`
}

// HTTPClientConfig configures an outbound JSON service.
type HTTPClientConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"apiKey"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig caps placed calls per counterparty.
type RateLimitConfig struct {
	Backend  string        `mapstructure:"backend"` // redis | local
	MaxCalls int           `mapstructure:"maxCalls"`
	Window   time.Duration `mapstructure:"window"`
}

// ReconcilerConfig controls the call timeout sweep.
type ReconcilerConfig struct {
	CallTimeout   time.Duration `mapstructure:"callTimeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	SweepBatch    int           `mapstructure:"sweepBatch"`
	SweepWorkers  int           `mapstructure:"sweepWorkers"`
	// RetryAfter is how long an unclaimed call_needed message waits before the sweep
	// schedules its call again.
	RetryAfter    time.Duration `mapstructure:"retryAfter"`
}

// ComplianceConfig is read out verbatim to the call recipient.
type ComplianceConfig struct {
	Disclosure string `mapstructure:"disclosure"`
	AgentName  string `mapstructure:"agentName"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.billing-verify-processor")
	v.AddConfigPath("/etc/billing-verify-processor")

	if err := v.ReadInConfig(); err != nil {
		// missing file is fine, env vars cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	// Critical values also accepted under their conventional names
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		v.Set("logLevel", lvl)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	}
	if company := os.Getenv("COMPANY_ID"); company != "" {
		v.Set("company.id", company)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.messages.stream", "billing_messages")
	v.SetDefault("nats.messages.consumer", "billing_messages_screener")
	v.SetDefault("nats.messages.group", "billing_screeners")
	v.SetDefault("nats.messages.subject", "v1.billing.messages")
	v.SetDefault("nats.messages.maxAge", 72*time.Hour)
	v.SetDefault("nats.messages.maxDeliver", 5)
	v.SetDefault("nats.messages.ackWait", 2*time.Minute)
	v.SetDefault("nats.messages.nakBaseDelay", time.Second)
	v.SetDefault("nats.messages.nakMaxDelay", 30*time.Second)
	v.SetDefault("nats.outcomes.stream", "call_outcomes")
	v.SetDefault("nats.outcomes.consumer", "call_outcomes_reconciler")
	v.SetDefault("nats.outcomes.group", "call_reconcilers")
	v.SetDefault("nats.outcomes.subject", "v1.calls.outcome")
	v.SetDefault("nats.outcomes.maxAge", 72*time.Hour)
	v.SetDefault("nats.outcomes.maxDeliver", 10)
	v.SetDefault("nats.outcomes.ackWait", 30*time.Second)
	v.SetDefault("nats.outcomes.nakBaseDelay", time.Second)
	v.SetDefault("nats.outcomes.nakMaxDelay", time.Minute)
	v.SetDefault("nats.dlqStream", "billing_dlq")
	v.SetDefault("nats.dlqSubject", "v1.dlq")
	v.SetDefault("nats.dlqMaxAge", 14*24*time.Hour)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgresAutoMigrate", true)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("pipeline.confidenceThreshold", 0.8)
	v.SetDefault("pipeline.minSearchConfidence", 0.5)
	v.SetDefault("pipeline.keywords", []string{
		"invoice", "payment", "amount due", "remit", "wire", "bank details",
		"account number", "overdue", "billing", "past due", "iban",
	})
	v.SetDefault("pipeline.billingCategories", []string{"invoice", "payment_request", "bank_change", "billing"})
	v.SetDefault("pipeline.freeMailDomains", []string{
		"gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "aol.com", "proton.me", "mail.com",
	})

	v.SetDefault("classifier.url", "http://localhost:9001")
	v.SetDefault("classifier.timeout", 10*time.Second)
	v.SetDefault("enrichment.url", "http://localhost:9002")
	v.SetDefault("enrichment.timeout", 15*time.Second)
	v.SetDefault("telephony.url", "http://localhost:9003")
	v.SetDefault("telephony.timeout", 20*time.Second)

	v.SetDefault("rateLimit.backend", "redis")
	v.SetDefault("rateLimit.maxCalls", 3)
	v.SetDefault("rateLimit.window", time.Hour)

	v.SetDefault("reconciler.callTimeout", 30*time.Minute)
	v.SetDefault("reconciler.sweepInterval", time.Minute)
	v.SetDefault("reconciler.sweepBatch", 100)
	v.SetDefault("reconciler.sweepWorkers", 4)
	v.SetDefault("reconciler.retryAfter", 5*time.Minute)

	v.SetDefault("compliance.agentName", "Accounts Payable Verification")
	v.SetDefault("compliance.disclosure",
		"This call is recorded and is made on behalf of our accounts payable team to verify an invoice we received.")

	v.SetDefault("phone.defaultRegion", "US")

	v.SetDefault("workerPools.calls.poolSize", 20)
	v.SetDefault("workerPools.calls.maxBlock", 1000)
	v.SetDefault("workerPools.calls.expiryTime", time.Minute)
}

func (c *Config) validate() error {
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.confidenceThreshold must be within [0,1], got %v", c.Pipeline.ConfidenceThreshold)
	}
	if c.RateLimit.MaxCalls <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.maxCalls and rateLimit.window must be positive")
	}
	if c.Reconciler.CallTimeout <= 0 {
		return fmt.Errorf("reconciler.callTimeout must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string(nil), parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
