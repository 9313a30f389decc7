package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Recipients RecipientsConfig `mapstructure:"recipients"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// GmailConfig holds Gmail API configuration. MailboxAddress is the single
// managed mailbox all conversation threads run through.
type GmailConfig struct {
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	RefreshToken   string `mapstructure:"refresh_token"`
	MailboxAddress string `mapstructure:"mailbox_address"`
}

// PubSubConfig holds Google Cloud Pub/Sub configuration for inbound
// mail notifications.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	Subscription    string `mapstructure:"subscription"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// ListenerConfig selects how inbound notifications are obtained.
type ListenerConfig struct {
	Mode                string `mapstructure:"mode"` // pubsub or poll
	PollIntervalMinutes int    `mapstructure:"poll_interval_minutes"`
}

// LLMConfig holds the Azure OpenAI configuration shared by the reply
// composer and the extraction adapter.
type LLMConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	Deployment     string        `mapstructure:"deployment"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WorkflowConfig holds conversation workflow tuning.
type WorkflowConfig struct {
	ExchangeLimit int    `mapstructure:"exchange_limit"`
	MaxRetries    int    `mapstructure:"max_retries"`
	UnknownThread string `mapstructure:"unknown_thread"` // drop or bootstrap
}

// DedupConfig holds notification deduplication settings.
type DedupConfig struct {
	MemoryOnly           bool `mapstructure:"memory_only"`
	RetentionHours       int  `mapstructure:"retention_hours"`
	PruneIntervalMinutes int  `mapstructure:"prune_interval_minutes"`
}

// RecipientsConfig holds recipient list ingestion settings.
type RecipientsConfig struct {
	CSVPath string `mapstructure:"csv_path"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()

	// Bind environment variables
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("listener.mode", "pubsub")
	viper.SetDefault("listener.poll_interval_minutes", 5)

	viper.SetDefault("llm.request_timeout", "60s")

	viper.SetDefault("workflow.exchange_limit", 3)
	viper.SetDefault("workflow.max_retries", 3)
	viper.SetDefault("workflow.unknown_thread", "drop")

	viper.SetDefault("dedup.memory_only", false)
	viper.SetDefault("dedup.retention_hours", 48)
	viper.SetDefault("dedup.prune_interval_minutes", 60)

	viper.SetDefault("recipients.csv_path", "recipients.csv")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")
	viper.BindEnv("database.sslmode", "DB_SSLMODE")

	// Gmail
	viper.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	viper.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	viper.BindEnv("gmail.refresh_token", "GMAIL_REFRESH_TOKEN")
	viper.BindEnv("gmail.mailbox_address", "GMAIL_MAILBOX_ADDRESS")

	// Pub/Sub
	viper.BindEnv("pubsub.project_id", "PUBSUB_PROJECT_ID")
	viper.BindEnv("pubsub.topic", "PUBSUB_TOPIC")
	viper.BindEnv("pubsub.subscription", "PUBSUB_SUBSCRIPTION")
	viper.BindEnv("pubsub.credentials_file", "PUBSUB_CREDENTIALS_FILE")

	// Listener
	viper.BindEnv("listener.mode", "LISTENER_MODE")
	viper.BindEnv("listener.poll_interval_minutes", "LISTENER_POLL_INTERVAL_MINUTES")

	// LLM
	viper.BindEnv("llm.endpoint", "LLM_ENDPOINT")
	viper.BindEnv("llm.api_key", "LLM_API_KEY")
	viper.BindEnv("llm.deployment", "LLM_DEPLOYMENT")
	viper.BindEnv("llm.request_timeout", "LLM_REQUEST_TIMEOUT")

	// Workflow
	viper.BindEnv("workflow.exchange_limit", "WORKFLOW_EXCHANGE_LIMIT")
	viper.BindEnv("workflow.max_retries", "WORKFLOW_MAX_RETRIES")
	viper.BindEnv("workflow.unknown_thread", "WORKFLOW_UNKNOWN_THREAD")

	// Dedup
	viper.BindEnv("dedup.memory_only", "DEDUP_MEMORY_ONLY")
	viper.BindEnv("dedup.retention_hours", "DEDUP_RETENTION_HOURS")
	viper.BindEnv("dedup.prune_interval_minutes", "DEDUP_PRUNE_INTERVAL_MINUTES")

	// Recipients
	viper.BindEnv("recipients.csv_path", "RECIPIENTS_CSV_PATH")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "" {
		return fmt.Errorf("Gmail OAuth2 credentials are required")
	}
	if c.Gmail.MailboxAddress == "" {
		return fmt.Errorf("Gmail mailbox address is required")
	}

	switch c.Listener.Mode {
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" || c.PubSub.Subscription == "" {
			return fmt.Errorf("pubsub project, topic, and subscription are required in pubsub mode")
		}
	case "poll":
		if c.Listener.PollIntervalMinutes <= 0 {
			return fmt.Errorf("poll interval must be greater than 0")
		}
	default:
		return fmt.Errorf("listener mode must be pubsub or poll, got %q", c.Listener.Mode)
	}

	if c.LLM.Endpoint == "" || c.LLM.APIKey == "" || c.LLM.Deployment == "" {
		return fmt.Errorf("LLM endpoint, api_key, and deployment are required")
	}

	if c.Workflow.ExchangeLimit <= 0 {
		return fmt.Errorf("workflow exchange limit must be greater than 0")
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow max retries must not be negative")
	}
	if c.Workflow.UnknownThread != "drop" && c.Workflow.UnknownThread != "bootstrap" {
		return fmt.Errorf("workflow unknown_thread must be drop or bootstrap, got %q", c.Workflow.UnknownThread)
	}

	if c.Dedup.RetentionHours <= 0 {
		return fmt.Errorf("dedup retention must be greater than 0")
	}

	return nil
}
