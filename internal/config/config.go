package config

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const envPrefix = "CHAT_"

type Config struct {
	ServerAddr     string   `env:"ADDR" envDefault:"localhost:8000"`
	DatabaseDriver string   `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseDSN    string   `env:"DB_DSN"`
	SigningSecret  string   `env:"SIGNING_KEY"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	SigningKey     []byte

	// BrokerURL selects RabbitMQ. Empty runs single-node on the in-process
	// broker.
	BrokerURL      string `env:"BROKER_URL"`
	BrokerExchange string `env:"BROKER_EXCHANGE" envDefault:"chat.fanout"`
	ProcessId      string `env:"PROCESS_ID"`

	SendQueueSize     int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	PublishBufferSize int           `env:"PUBLISH_BUFFER_SIZE" envDefault:"1024"`
	PublishTimeout    time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
	ArchiveQueueSize  int           `env:"ARCHIVE_QUEUE_SIZE" envDefault:"1024"`
	DedupWindow       time.Duration `env:"DEDUP_WINDOW" envDefault:"2m"`
	DedupCapacity     int           `env:"DEDUP_CAPACITY" envDefault:"65536"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffCap        time.Duration `env:"BACKOFF_CAP" envDefault:"30s"`
	JitterPercent     int           `env:"JITTER_PERCENT" envDefault:"25"`
}

// Load reads a .env file if present, then CHAT_* environment variables,
// then command-line flags, and validates the result.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()
	return load(args, nil)
}

func load(args []string, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("chat-server", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerAddr, "addr", cfg.ServerAddr, "server address")
	fs.StringVar(&cfg.DatabaseDriver, "db-driver", cfg.DatabaseDriver, "archive database driver: postgres or sqlite")
	fs.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "archive database connection string, empty disables archiving")
	fs.StringVar(&cfg.SigningSecret, "signing-key", cfg.SigningSecret, "base64 encoded signing key")
	fs.Var(&stringSliceFlag{values: &cfg.AllowedOrigins}, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "AMQP broker URL, empty runs single-node")
	fs.StringVar(&cfg.BrokerExchange, "broker-exchange", cfg.BrokerExchange, "AMQP topic exchange")
	fs.StringVar(&cfg.ProcessId, "process-id", cfg.ProcessId, "unique id of this process, random when empty")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "time allowed to drain on shutdown")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks the configuration, decodes the signing key and fills in
// a process id when none was given.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}

	if c.BrokerURL != "" && c.BrokerExchange == "" {
		return fmt.Errorf("broker exchange cannot be empty")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive")
	}
	if c.PublishBufferSize < 0 {
		return fmt.Errorf("publish buffer size cannot be negative")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish timeout must be positive")
	}
	if c.ArchiveQueueSize <= 0 {
		return fmt.Errorf("archive queue size must be positive")
	}
	if c.DedupWindow <= 0 || c.DedupCapacity <= 0 {
		return fmt.Errorf("dedup window and capacity must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff cap must be at least the base delay")
	}
	if c.JitterPercent < 0 || c.JitterPercent > 100 {
		return fmt.Errorf("jitter percent must be between 0 and 100")
	}

	if c.ProcessId == "" {
		c.ProcessId = uuid.NewString()
	}

	return nil
}

// stringSliceFlag replaces the env value on first use and appends after.
type stringSliceFlag struct {
	values *[]string
	set    bool
}

func (s *stringSliceFlag) String() string {
	if s.values == nil {
		return ""
	}
	return strings.Join(*s.values, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	if !s.set {
		*s.values = nil
		s.set = true
	}
	*s.values = append(*s.values, strings.Split(value, ",")...)
	return nil
}
