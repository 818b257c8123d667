package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type AnalyticsConfig struct {
	WindowDays       int           `envconfig:"WINDOW_DAYS" default:"7"`
	TopN             int           `envconfig:"TOP_N" default:"5"`
	EventLimit       int           `envconfig:"EVENT_LIMIT" default:"20000"`
	SideQueryTimeout time.Duration `envconfig:"SIDE_QUERY_TIMEOUT" default:"5s"`
	CacheTTL         time.Duration `envconfig:"CACHE_TTL" default:"60s"`
	BackfillScan     int           `envconfig:"BACKFILL_SCAN_LIMIT" default:"5000"`
}

type ImportConfig struct {
	BatchSize int  `envconfig:"BATCH_SIZE" default:"500"`
	Async     bool `envconfig:"ASYNC" default:"false"`
}

type QueueConfig struct {
	Name        string        `envconfig:"NAME" default:"imports"`
	Concurrency int           `envconfig:"CONCURRENCY" default:"4"`
	MaxRetry    int           `envconfig:"MAX_RETRY" default:"3"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"30m"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"BROKERS"`
	Topic   string   `envconfig:"TOPIC" default:"zpulse.activity"`
	GroupID string   `envconfig:"GROUP_ID" default:"zpulse-ingest"`
}

type RedisConfig struct {
	URL    string `envconfig:"URL"`
	Prefix string `envconfig:"PREFIX" default:"zpulse:"`
}

type TelegramConfig struct {
	BotToken   string        `envconfig:"BOT_TOKEN"`
	APIBase    string        `envconfig:"API_BASE" default:"https://api.telegram.org"`
	RatePerSec float64       `envconfig:"RATE_PER_SEC" default:"20"`
	Timeout    time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

// Denylist lists automated senders excluded from group analytics.
type Denylist struct {
	PlatformIDs []int64  `yaml:"platform_ids"`
	Usernames   []string `yaml:"usernames"`
}

// DefaultDenylist is used when no denylist file is configured.
func DefaultDenylist() Denylist {
	return Denylist{
		PlatformIDs: []int64{1087968824, 777000, 136817688},
		Usernames:   []string{"groupanonymousbot", "channel_bot"},
	}
}

type Config struct {
	AppName  string
	Env      string
	Host     string
	Port     int
	DBDriver string

	DatabaseURL string
	SQLiteDSN   string

	JWTSecret        string
	TokenTTL         time.Duration
	EncryptKey       string
	LegacyEncryptKey []string

	CORSOrigins []string
	Debug       bool
	LogLevel    string
	LogFile     string
	OTelStdout  bool

	Analytics AnalyticsConfig
	Import    ImportConfig
	Queue     QueueConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	Telegram  TelegramConfig
	Denylist  Denylist
}

// Load reads configuration from the environment; a .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "zpulse")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=" + getEnv("POSTGRES_SSLMODE", "disable"),
	}

	cfg := &Config{
		AppName:  getEnv("APP_NAME", "zpulse"),
		Env:      getEnv("APP_ENV", "development"),
		Host:     getEnv("HTTP_HOST", "0.0.0.0"),
		Port:     getEnvAsInt("HTTP_PORT", 8000),
		DBDriver: strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),

		DatabaseURL: getEnv("DATABASE_URL", u.String()),
		SQLiteDSN:   getEnv("SQLITE_DSN", "file:zpulse.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"),

		JWTSecret:        os.Getenv("JWT_SECRET"),
		TokenTTL:         time.Duration(getEnvAsInt("TOKEN_TTL_MINUTES", 60*24)) * time.Minute,
		EncryptKey:       os.Getenv("ENCRYPTION_KEY"),
		LegacyEncryptKey: splitList(os.Getenv("LEGACY_ENCRYPTION_KEYS")),

		Debug:      getEnvAsBool("DEBUG", false),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFile:    os.Getenv("LOG_FILE"),
		OTelStdout: getEnvAsBool("OTEL_STDOUT", false),
	}

	cfg.CORSOrigins = splitList(getEnv("CORS_ORIGINS", ""))
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3000"}
	}

	for prefix, target := range map[string]any{
		"ANALYTICS": &cfg.Analytics,
		"IMPORT":    &cfg.Import,
		"QUEUE":     &cfg.Queue,
		"KAFKA":     &cfg.Kafka,
		"REDIS":     &cfg.Redis,
		"TELEGRAM":  &cfg.Telegram,
	} {
		if err := envconfig.Process(prefix, target); err != nil {
			return nil, fmt.Errorf("%s settings: %w", strings.ToLower(prefix), err)
		}
	}

	deny, err := LoadDenylist(os.Getenv("BOT_DENYLIST_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Denylist = deny

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DBDriver)
	}
	if c.Import.BatchSize <= 0 {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be positive")
	}
	if c.Analytics.WindowDays <= 0 {
		return fmt.Errorf("ANALYTICS_WINDOW_DAYS must be positive")
	}
	return nil
}

// LoadDenylist reads a YAML denylist. An empty path yields the defaults.
func LoadDenylist(path string) (Denylist, error) {
	if path == "" {
		return DefaultDenylist(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Denylist{}, fmt.Errorf("read denylist: %w", err)
	}
	var d Denylist
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Denylist{}, fmt.Errorf("parse denylist %s: %w", path, err)
	}
	return d, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == DriverSQLite {
		return c.SQLiteDSN
	}
	return c.DatabaseURL
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
