// Package config loads router configuration from the environment and an
// optional TOML file. When a file is loaded, the environment variables that
// mergeFileAndEnv checks win over file values; other settings come from the
// file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the message router.
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration (warning store, optional coordination store)
	MongoDB MongoDBConfig

	// Queue configuration (SQS, embedded SQLite, ActiveMQ or NATS)
	Queue QueueConfig

	// ControlPlane configuration (config fetch, webhook credentials)
	ControlPlane ControlPlaneConfig

	// Standby holds warm-standby coordination configuration
	Standby StandbyConfig

	// Secrets provider configuration
	Secrets SecretsConfig

	// Notifications configuration (operator alerting)
	Notifications NotificationsConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	// Type is one of "sqs", "embedded", "activemq", "nats"
	Type string

	NATS     NATSConfig
	SQS      SQSConfig
	SQLite   SQLiteConfig
	ActiveMQ ActiveMQConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// SQLiteConfig holds embedded broker configuration
type SQLiteConfig struct {
	Path              string
	QueueName         string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// ActiveMQConfig holds ActiveMQ STOMP configuration
type ActiveMQConfig struct {
	BrokerAddr  string
	Destination string
	Username    string
	Password    string
}

// ControlPlaneConfig holds control-plane integration configuration
type ControlPlaneConfig struct {
	// URLs is the list of control-plane base URLs polled for config
	URLs []string

	// RefreshInterval is how often to poll for config
	RefreshInterval time.Duration

	// DrainTimeout bounds how long a removed pool drains before being
	// forcibly cancelled
	DrainTimeout time.Duration

	// CredentialsTTL is how long fetched webhook credentials are cached
	CredentialsTTL time.Duration

	// OIDC authenticates outbound calls to the control plane
	OIDC OIDCConfig
}

// OIDCConfig holds OIDC client-credentials configuration for calls to the
// control plane.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
}

// StandbyConfig holds warm-standby coordination configuration
type StandbyConfig struct {
	// Enabled controls whether standby coordination is active
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// LockKey is the coordination-store key for the primary lock
	LockKey string

	// LockTTL is how long the lock is valid before expiring
	LockTTL time.Duration

	// RefreshInterval is how often to refresh or attempt the lock
	RefreshInterval time.Duration

	// Store selects the coordination store: "redis" or "mongo"
	Store string

	// RedisURL is the Redis connection URL when Store is "redis"
	RedisURL string
}

// NotificationsConfig holds operator notification configuration
type NotificationsConfig struct {
	// MinSeverity is the minimum severity that triggers a notification
	MinSeverity string

	// BatchWindow is how long warnings are collected before a summary
	// notification goes out
	BatchWindow time.Duration

	// TeamsWebhookURL enables Teams notifications when set
	TeamsWebhookURL string

	// Email settings; enabled when SMTPHost is set
	EmailSMTPHost string
	EmailSMTPPort int
	EmailUsername string
	EmailPassword string
	EmailFrom     string
	EmailTo       string
}

// SecretsConfig holds secrets provider configuration
type SecretsConfig struct {
	// Provider is one of "encrypted", "aws", "gcp", "vault"
	Provider string

	// EncryptionKey and DataDir configure the encrypted file provider
	EncryptionKey string
	DataDir       string

	// AWS Secrets Manager
	AWSRegion   string
	AWSPrefix   string
	AWSEndpoint string

	// Vault
	VaultAddr      string
	VaultPath      string
	VaultNamespace string

	// GCP Secret Manager
	GCPProject string
	GCPPrefix  string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", ""),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Queue: QueueConfig{
			Type: strings.ToLower(getEnv("QUEUE_TYPE", "EMBEDDED")),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
			SQLite: SQLiteConfig{
				Path:              getEnv("SQLITE_QUEUE_PATH", "./data/queue.db"),
				QueueName:         getEnv("SQLITE_QUEUE_NAME", "dispatch"),
				VisibilityTimeout: getEnvDuration("SQLITE_VISIBILITY_TIMEOUT", 2*time.Minute),
				PollInterval:      getEnvDuration("SQLITE_POLL_INTERVAL", 250*time.Millisecond),
			},
			ActiveMQ: ActiveMQConfig{
				BrokerAddr:  getEnv("ACTIVEMQ_BROKER_ADDR", "localhost:61613"),
				Destination: getEnv("ACTIVEMQ_DESTINATION", "/queue/flowcatalyst.dispatch"),
				Username:    getEnv("ACTIVEMQ_USERNAME", ""),
				Password:    getEnv("ACTIVEMQ_PASSWORD", ""),
			},
		},

		ControlPlane: ControlPlaneConfig{
			URLs:            getEnvSlice("CONFIG_URLS", nil),
			RefreshInterval: getEnvDuration("CONFIG_REFRESH_INTERVAL", 30*time.Second),
			DrainTimeout:    getEnvDuration("POOL_DRAIN_TIMEOUT", 30*time.Second),
			CredentialsTTL:  getEnvDuration("WEBHOOK_CREDENTIALS_TTL", 5*time.Minute),
			OIDC: OIDCConfig{
				IssuerURL:    getEnv("OIDC_ISSUER_URL", ""),
				ClientID:     getEnv("OIDC_CLIENT_ID", ""),
				ClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
			},
		},

		Standby: StandbyConfig{
			Enabled:         getEnvBool("STANDBY_ENABLED", false),
			InstanceID:      getEnv("INSTANCE_ID", getEnv("HOSTNAME", "")),
			LockKey:         getEnv("STANDBY_LOCK_KEY", "flowcatalyst:router:leader"),
			LockTTL:         time.Duration(getEnvInt("STANDBY_LOCK_TTL_SECONDS", 30)) * time.Second,
			RefreshInterval: getEnvDuration("STANDBY_REFRESH_INTERVAL", 10*time.Second),
			Store:           strings.ToLower(getEnv("STANDBY_STORE", "redis")),
			RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		},

		Secrets: SecretsConfig{
			Provider:       getEnv("SECRETS_PROVIDER", "encrypted"),
			EncryptionKey:  getEnv("SECRETS_ENCRYPTION_KEY", ""),
			DataDir:        getEnv("SECRETS_DATA_DIR", "./data/secrets"),
			AWSRegion:      getEnv("SECRETS_AWS_REGION", getEnv("AWS_REGION", "us-east-1")),
			AWSPrefix:      getEnv("SECRETS_AWS_PREFIX", "flowcatalyst/"),
			AWSEndpoint:    getEnv("SECRETS_AWS_ENDPOINT", ""),
			VaultAddr:      getEnv("VAULT_ADDR", ""),
			VaultPath:      getEnv("VAULT_PATH", "secret/flowcatalyst"),
			VaultNamespace: getEnv("VAULT_NAMESPACE", ""),
			GCPProject:     getEnv("SECRETS_GCP_PROJECT", ""),
			GCPPrefix:      getEnv("SECRETS_GCP_PREFIX", "flowcatalyst-"),
		},

		Notifications: NotificationsConfig{
			MinSeverity:     getEnv("NOTIFY_MIN_SEVERITY", "WARNING"),
			BatchWindow:     getEnvDuration("NOTIFY_BATCH_WINDOW", 5*time.Minute),
			TeamsWebhookURL: getEnv("NOTIFY_TEAMS_WEBHOOK_URL", ""),
			EmailSMTPHost:   getEnv("NOTIFY_EMAIL_SMTP_HOST", ""),
			EmailSMTPPort:   getEnvInt("NOTIFY_EMAIL_SMTP_PORT", 587),
			EmailUsername:   getEnv("NOTIFY_EMAIL_USERNAME", ""),
			EmailPassword:   getEnv("NOTIFY_EMAIL_PASSWORD", ""),
			EmailFrom:       getEnv("NOTIFY_EMAIL_FROM", ""),
			EmailTo:         getEnv("NOTIFY_EMAIL_TO", ""),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
