package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP         TOMLHTTPConfig         `toml:"http"`
	MongoDB      TOMLMongoDBConfig      `toml:"mongodb"`
	Queue        TOMLQueueConfig        `toml:"queue"`
	ControlPlane TOMLControlPlaneConfig `toml:"control_plane"`
	Standby      TOMLStandbyConfig      `toml:"standby"`
	Secrets      TOMLSecretsConfig      `toml:"secrets"`
	DataDir      string                 `toml:"data_dir"`
	DevMode      bool                   `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type     string             `toml:"type"`
	NATS     TOMLNATSConfig     `toml:"nats"`
	SQS      TOMLSQSConfig      `toml:"sqs"`
	SQLite   TOMLSQLiteConfig   `toml:"sqlite"`
	ActiveMQ TOMLActiveMQConfig `toml:"activemq"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLSQLiteConfig represents embedded broker configuration in TOML
type TOMLSQLiteConfig struct {
	Path              string `toml:"path"`
	QueueName         string `toml:"queue_name"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	PollInterval      string `toml:"poll_interval"`
}

// TOMLActiveMQConfig represents ActiveMQ configuration in TOML
type TOMLActiveMQConfig struct {
	BrokerAddr  string `toml:"broker_addr"`
	Destination string `toml:"destination"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// TOMLControlPlaneConfig represents control-plane configuration in TOML
type TOMLControlPlaneConfig struct {
	URLs            []string       `toml:"urls"`
	RefreshInterval string         `toml:"refresh_interval"`
	DrainTimeout    string         `toml:"drain_timeout"`
	CredentialsTTL  string         `toml:"credentials_ttl"`
	OIDC            TOMLOIDCConfig `toml:"oidc"`
}

// TOMLOIDCConfig represents OIDC client configuration in TOML
type TOMLOIDCConfig struct {
	IssuerURL    string `toml:"issuer_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// TOMLStandbyConfig represents standby coordination configuration in TOML
type TOMLStandbyConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	LockKey         string `toml:"lock_key"`
	LockTTLSeconds  int    `toml:"lock_ttl_seconds"`
	RefreshInterval string `toml:"refresh_interval"`
	Store           string `toml:"store"`
	RedisURL        string `toml:"redis_url"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeFileAndEnv(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: strings.ToLower(tc.Queue.Type),
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
			SQLite: SQLiteConfig{
				Path:              tc.Queue.SQLite.Path,
				QueueName:         tc.Queue.SQLite.QueueName,
				VisibilityTimeout: parseDurationOr(tc.Queue.SQLite.VisibilityTimeout, 2*time.Minute),
				PollInterval:      parseDurationOr(tc.Queue.SQLite.PollInterval, 250*time.Millisecond),
			},
			ActiveMQ: ActiveMQConfig{
				BrokerAddr:  tc.Queue.ActiveMQ.BrokerAddr,
				Destination: tc.Queue.ActiveMQ.Destination,
				Username:    tc.Queue.ActiveMQ.Username,
				Password:    tc.Queue.ActiveMQ.Password,
			},
		},
		ControlPlane: ControlPlaneConfig{
			URLs:            tc.ControlPlane.URLs,
			RefreshInterval: parseDurationOr(tc.ControlPlane.RefreshInterval, 30*time.Second),
			DrainTimeout:    parseDurationOr(tc.ControlPlane.DrainTimeout, 30*time.Second),
			CredentialsTTL:  parseDurationOr(tc.ControlPlane.CredentialsTTL, 5*time.Minute),
			OIDC: OIDCConfig{
				IssuerURL:    tc.ControlPlane.OIDC.IssuerURL,
				ClientID:     tc.ControlPlane.OIDC.ClientID,
				ClientSecret: tc.ControlPlane.OIDC.ClientSecret,
			},
		},
		Standby: StandbyConfig{
			Enabled:         tc.Standby.Enabled,
			InstanceID:      tc.Standby.InstanceID,
			LockKey:         tc.Standby.LockKey,
			LockTTL:         time.Duration(tc.Standby.LockTTLSeconds) * time.Second,
			RefreshInterval: parseDurationOr(tc.Standby.RefreshInterval, 10*time.Second),
			Store:           strings.ToLower(tc.Standby.Store),
			RedisURL:        tc.Standby.RedisURL,
		},
		Secrets: SecretsConfig{
			Provider:       tc.Secrets.Provider,
			EncryptionKey:  tc.Secrets.EncryptionKey,
			DataDir:        tc.Secrets.DataDir,
			AWSRegion:      tc.Secrets.AWSRegion,
			AWSPrefix:      tc.Secrets.AWSPrefix,
			AWSEndpoint:    tc.Secrets.AWSEndpoint,
			VaultAddr:      tc.Secrets.VaultAddr,
			VaultPath:      tc.Secrets.VaultPath,
			VaultNamespace: tc.Secrets.VaultNamespace,
			GCPProject:     tc.Secrets.GCPProject,
			GCPPrefix:      tc.Secrets.GCPPrefix,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	return cfg, nil
}

// parseDurationOr parses a duration string, falling back to def when the
// value is empty or malformed.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

// mergeFileAndEnv merges file config (base) with env overrides. An env value
// wins only for the variables checked below, and only when the variable was
// explicitly set. The port, queue type, standby lock key/TTL/refresh
// interval/store, credentials TTL and data dir fall back to the env-side
// defaults when the file leaves them empty; other empty file fields stay
// empty. Notifications always come from the environment.
func mergeFileAndEnv(fileCfg, envCfg *Config) *Config {
	merged := *fileCfg

	if isSet("HTTP_PORT") {
		merged.HTTP.Port = envCfg.HTTP.Port
	}
	if isSet("CORS_ORIGINS") {
		merged.HTTP.CORSOrigins = envCfg.HTTP.CORSOrigins
	}
	if isSet("MONGODB_URI") {
		merged.MongoDB.URI = envCfg.MongoDB.URI
	}
	if isSet("MONGODB_DATABASE") {
		merged.MongoDB.Database = envCfg.MongoDB.Database
	}
	if isSet("QUEUE_TYPE") {
		merged.Queue.Type = envCfg.Queue.Type
	}
	if isSet("NATS_URL") {
		merged.Queue.NATS.URL = envCfg.Queue.NATS.URL
	}
	if isSet("SQS_QUEUE_URL") {
		merged.Queue.SQS.QueueURL = envCfg.Queue.SQS.QueueURL
	}
	if isSet("AWS_REGION") {
		merged.Queue.SQS.Region = envCfg.Queue.SQS.Region
	}
	if isSet("SQLITE_QUEUE_PATH") {
		merged.Queue.SQLite.Path = envCfg.Queue.SQLite.Path
	}
	if isSet("ACTIVEMQ_BROKER_ADDR") {
		merged.Queue.ActiveMQ.BrokerAddr = envCfg.Queue.ActiveMQ.BrokerAddr
	}
	if isSet("CONFIG_URLS") {
		merged.ControlPlane.URLs = envCfg.ControlPlane.URLs
	}
	if isSet("CONFIG_REFRESH_INTERVAL") {
		merged.ControlPlane.RefreshInterval = envCfg.ControlPlane.RefreshInterval
	}
	if isSet("OIDC_ISSUER_URL") {
		merged.ControlPlane.OIDC = envCfg.ControlPlane.OIDC
	}
	if isSet("STANDBY_ENABLED") {
		merged.Standby.Enabled = envCfg.Standby.Enabled
	}
	if isSet("STANDBY_LOCK_KEY") {
		merged.Standby.LockKey = envCfg.Standby.LockKey
	}
	if isSet("STANDBY_LOCK_TTL_SECONDS") {
		merged.Standby.LockTTL = envCfg.Standby.LockTTL
	}
	if isSet("STANDBY_STORE") {
		merged.Standby.Store = envCfg.Standby.Store
	}
	if isSet("REDIS_URL") {
		merged.Standby.RedisURL = envCfg.Standby.RedisURL
	}
	if isSet("INSTANCE_ID") || isSet("HOSTNAME") {
		merged.Standby.InstanceID = envCfg.Standby.InstanceID
	}
	if isSet("SECRETS_PROVIDER") {
		merged.Secrets.Provider = envCfg.Secrets.Provider
	}
	if isSet("DATA_DIR") {
		merged.DataDir = envCfg.DataDir
	}
	if isSet("FLOWCATALYST_DEV") {
		merged.DevMode = envCfg.DevMode
	}

	// Fill gaps in the file config with env-side defaults
	if merged.HTTP.Port == 0 {
		merged.HTTP.Port = envCfg.HTTP.Port
	}
	if merged.Queue.Type == "" {
		merged.Queue.Type = envCfg.Queue.Type
	}
	if merged.Standby.LockKey == "" {
		merged.Standby.LockKey = envCfg.Standby.LockKey
	}
	if merged.Standby.LockTTL == 0 {
		merged.Standby.LockTTL = envCfg.Standby.LockTTL
	}
	if merged.Standby.RefreshInterval == 0 {
		merged.Standby.RefreshInterval = envCfg.Standby.RefreshInterval
	}
	if merged.Standby.Store == "" {
		merged.Standby.Store = envCfg.Standby.Store
	}
	if merged.ControlPlane.CredentialsTTL == 0 {
		merged.ControlPlane.CredentialsTTL = envCfg.ControlPlane.CredentialsTTL
	}
	if merged.DataDir == "" {
		merged.DataDir = envCfg.DataDir
	}

	// The file format has no notifications section
	merged.Notifications = envCfg.Notifications

	return &merged
}

func isSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Message Router Configuration
# Environment variables override these settings

data_dir = "./data"
dev_mode = false

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
# Optional; used by the warning store and the mongo coordination store
uri = ""
database = "flowcatalyst"

[queue]
type = "embedded"  # sqs, embedded, activemq, or nats

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[queue.sqlite]
path = "./data/queue.db"
queue_name = "dispatch"
visibility_timeout = "2m"
poll_interval = "250ms"

[queue.activemq]
broker_addr = "localhost:61613"
destination = "/queue/flowcatalyst.dispatch"
username = ""
password = ""

[control_plane]
urls = []
refresh_interval = "30s"
drain_timeout = "30s"
credentials_ttl = "5m"

[control_plane.oidc]
issuer_url = ""
client_id = ""
client_secret = ""

[standby]
enabled = false
instance_id = ""
lock_key = "flowcatalyst:router:leader"
lock_ttl_seconds = 30
refresh_interval = "10s"
store = "redis"  # redis or mongo
redis_url = "redis://localhost:6379"

[secrets]
provider = "encrypted"  # encrypted, aws, gcp, vault

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "flowcatalyst/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/flowcatalyst"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "flowcatalyst-"
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
