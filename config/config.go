package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-level configuration: endpoints, credentials and
// deployment knobs. Behavioural knobs (prompts, chunking, strategies) live in
// the active runtime config blob, not here.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Search    SearchConfig    `mapstructure:"search"`
	Database  DatabaseConfig  `mapstructure:"database"`
	DocIntel  DocIntelConfig  `mapstructure:"docintel"`
	Vision    VisionConfig    `mapstructure:"vision"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Speech    SpeechConfig    `mapstructure:"speech"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address     string        `mapstructure:"address"`
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
}

// AuthType selects between static keys and a token provider for the remote
// Azure-style services.
type AuthType string

const (
	AuthKeys AuthType = "keys"
	AuthRBAC AuthType = "rbac"
)

// LLMConfig points at the chat-completion service.
type LLMConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	AuthType       AuthType      `mapstructure:"auth_type"`
	ChatModel      string        `mapstructure:"chat_model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// SafetyConfig points at the content safety service.
type SafetyConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StorageConfig points at the blob storage account holding documents and the
// active config blob.
type StorageConfig struct {
	AccountEndpoint    string        `mapstructure:"account_endpoint"`
	AccountKey         string        `mapstructure:"account_key"`
	AuthType           AuthType      `mapstructure:"auth_type"`
	ConfigContainer    string        `mapstructure:"config_container"`
	DocumentContainer  string        `mapstructure:"document_container"`
	LoadConfigFromBlob bool          `mapstructure:"load_config_from_blob"`
	SASTTL             time.Duration `mapstructure:"sas_ttl"`
}

// SearchConfig points at the remote vector-capable document index.
type SearchConfig struct {
	Endpoint           string        `mapstructure:"endpoint"`
	APIKey             string        `mapstructure:"api_key"`
	IndexName          string        `mapstructure:"index_name"`
	SemanticConfigName string        `mapstructure:"semantic_config_name"`
	UseSemanticSearch  bool          `mapstructure:"use_semantic_search"`
	TopK               int           `mapstructure:"top_k"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// DatabaseType selects the search handler variant.
type DatabaseType string

const (
	DatabaseVectorIndex DatabaseType = "vector_index"
	DatabaseSQLVector   DatabaseType = "sql_vector"
)

// DatabaseConfig holds the Postgres settings used by the sql-vector handler.
type DatabaseConfig struct {
	Type     DatabaseType `mapstructure:"type"`
	URL      string       `mapstructure:"url"`
	Host     string       `mapstructure:"host"`
	Port     string       `mapstructure:"port"`
	User     string       `mapstructure:"user"`
	Password string       `mapstructure:"password"`
	DBName   string       `mapstructure:"dbname"`
	SSLMode  string       `mapstructure:"sslmode"`
}

// DSN assembles a Postgres connection string from the configured pieces.
func (d DatabaseConfig) DSN() (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}
	if d.Host == "" || d.DBName == "" {
		return "", fmt.Errorf("postgres not configured (database.host/dbname or url)")
	}
	port := d.Port
	if port == "" {
		port = "5432"
	}
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, port, d.DBName, ssl), nil
}

// DocIntelConfig points at the document-intelligence service used by the
// layout and read loading strategies.
type DocIntelConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// VisionConfig points at the image vectorisation service. Its timeout is
// independent of the turn timeout.
type VisionConfig struct {
	Endpoint                   string        `mapstructure:"endpoint"`
	APIKey                     string        `mapstructure:"api_key"`
	Timeout                    time.Duration `mapstructure:"timeout"`
	UseAdvancedImageProcessing bool          `mapstructure:"use_advanced_image_processing"`
}

// QueueConfig holds the Redis stream settings for ingestion events.
type QueueConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	Stream        string `mapstructure:"stream"`
	Group         string `mapstructure:"group"`
	Consumer      string `mapstructure:"consumer"`
}

// IngestionConfig controls the reprocess-all scheduler.
type IngestionConfig struct {
	ReprocessCron string `mapstructure:"reprocess_cron"`
	RenderJS      bool   `mapstructure:"render_js"`
}

// LoggingConfig contains process log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SpeechConfig carries the front-end speech recognizer contract.
type SpeechConfig struct {
	RecognizerLanguages []string `mapstructure:"recognizer_languages"`
}

// LoadConfig reads configuration from a yaml file plus DOCUCHAT_* environment
// overrides, then applies the legacy standalone environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.turn_timeout", 120*time.Second)
	v.SetDefault("llm.auth_type", string(AuthKeys))
	v.SetDefault("llm.chat_model", "gpt-4o")
	v.SetDefault("llm.embedding_model", "text-embedding-ada-002")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("safety.timeout", 10*time.Second)
	v.SetDefault("storage.auth_type", string(AuthKeys))
	v.SetDefault("storage.config_container", "config")
	v.SetDefault("storage.document_container", "documents")
	v.SetDefault("storage.load_config_from_blob", true)
	v.SetDefault("storage.sas_ttl", time.Hour)
	v.SetDefault("search.index_name", "documents-index")
	v.SetDefault("search.semantic_config_name", "default")
	v.SetDefault("search.top_k", 4)
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("database.type", string(DatabaseVectorIndex))
	v.SetDefault("docintel.timeout", 60*time.Second)
	v.SetDefault("vision.timeout", 10*time.Second)
	v.SetDefault("queue.stream", "blob.events")
	v.SetDefault("queue.group", "embedder")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("logging.level", "INFO")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		v.AddConfigPath(filepath.Dir(exe))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DOCUCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// a config file is optional; env-only deployments are fine
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides bridges the standalone environment variables recognised
// by existing deployments onto the structured config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Database.Type = DatabaseType(v)
	}
	if v := os.Getenv("AZURE_AUTH_TYPE"); v != "" {
		cfg.Storage.AuthType = AuthType(v)
		cfg.LLM.AuthType = AuthType(v)
	}
	if v := os.Getenv("USE_ADVANCED_IMAGE_PROCESSING"); v != "" {
		cfg.Vision.UseAdvancedImageProcessing = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOAD_CONFIG_FROM_BLOB_STORAGE"); v != "" {
		cfg.Storage.LoadConfigFromBlob = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.Logging.Level = strings.ToUpper(v)
	}
	if v := os.Getenv("AZURE_SPEECH_RECOGNIZER_LANGUAGES"); v != "" {
		parts := strings.Split(v, ",")
		langs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				langs = append(langs, p)
			}
		}
		cfg.Speech.RecognizerLanguages = langs
	}
	if v := os.Getenv("ORCHESTRATION_STRATEGY"); v != "" {
		// stored for the active-config default; validated there
		os.Setenv("DOCUCHAT_ORCHESTRATION_STRATEGY", v)
	}
}

// Validate rejects configurations the process cannot serve on.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case DatabaseVectorIndex, DatabaseSQLVector:
	default:
		return fmt.Errorf("database.type must be vector_index or sql_vector, got %q", c.Database.Type)
	}
	switch c.Storage.AuthType {
	case AuthKeys, AuthRBAC:
	default:
		return fmt.Errorf("storage.auth_type must be keys or rbac, got %q", c.Storage.AuthType)
	}
	if c.Search.TopK <= 0 {
		return fmt.Errorf("search.top_k must be positive")
	}
	return nil
}
