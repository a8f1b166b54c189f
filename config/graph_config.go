package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Account is one mail account to ingest. The label is the SyncState key
// ("work", "personal"); the refresh token feeds the provider's token source.
type Account struct {
	Label        string
	RefreshToken string
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	RedisURL    string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string

	// Mail accounts
	Accounts []Account

	// Sync
	SyncPageSize     int
	SyncBudget       time.Duration
	IntervalCatchup  time.Duration
	IntervalIdle     time.Duration
	BatchStartDate   string
	SchedulerEnabled bool

	// Blacklist
	WhitelistDomains []string

	// Worker
	WorkerID        string
	WorkerMin       int
	WorkerMax       int
	WorkerQueueSize int

	// Consumer (Redis Stream)
	ConsumerBlockMS    int
	ConsumerMaxRetries int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		// Sync
		SyncPageSize:     getEnvInt("SYNC_PAGE_SIZE", 25),
		SyncBudget:       time.Duration(getEnvInt("SYNC_BUDGET_SECONDS", 20)) * time.Second,
		IntervalCatchup:  time.Duration(getEnvInt("SYNC_INTERVAL_CATCHUP_SEC", 60)) * time.Second,
		IntervalIdle:     time.Duration(getEnvInt("SYNC_INTERVAL_IDLE_SEC", 900)) * time.Second,
		BatchStartDate:   getEnv("BATCH_START_DATE", "2000-01-01"),
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),

		// Blacklist
		WhitelistDomains: getEnvSlice("BLACKLIST_WHITELIST_DOMAINS", nil),

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMin:       getEnvInt("WORKER_MIN", 2),
		WorkerMax:       getEnvInt("WORKER_MAX", 8),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 256),

		// Consumer
		ConsumerBlockMS:    getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries: getEnvInt("CONSUMER_MAX_RETRIES", 3),
	}

	for _, label := range getEnvSlice("MAIL_ACCOUNTS", nil) {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		cfg.Accounts = append(cfg.Accounts, Account{
			Label:        label,
			RefreshToken: getEnv(tokenEnvKey(label), ""),
		})
	}

	return cfg, nil
}

// tokenEnvKey maps an account label to its refresh token env var,
// e.g. "work" -> GMAIL_REFRESH_TOKEN_WORK.
func tokenEnvKey(label string) string {
	key := strings.ToUpper(label)
	key = strings.NewReplacer("-", "_", ".", "_").Replace(key)
	return "GMAIL_REFRESH_TOKEN_" + key
}

// AccountLabels returns the configured account labels in declaration order.
func (c *Config) AccountLabels() []string {
	labels := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		labels = append(labels, a.Label)
	}
	return labels
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
