package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey is returned when UNTHREAD_API_KEY is unset or empty.
var ErrMissingAPIKey = errors.New("UNTHREAD_API_KEY environment variable not set")

// Config represents the extractor configuration
type Config struct {
	APIKey       string        `env:"UNTHREAD_API_KEY"`
	BaseURL      string        `env:"UNTHREAD_API_URL" envDefault:"https://api.unthread.io/api"`
	DBPath       string        `env:"UNTHREAD_DB_PATH" envDefault:"data/unthread_data.db"`
	LogLevel     string        `env:"UNTHREAD_LOG_LEVEL" envDefault:"info"`
	LogFormat    string        `env:"UNTHREAD_LOG_FORMAT" envDefault:"console"`
	HTTPTimeout  time.Duration `env:"UNTHREAD_HTTP_TIMEOUT" envDefault:"60s"`
	MaxRetries   int           `env:"UNTHREAD_MAX_RETRIES" envDefault:"3"`
	PendingLimit int           `env:"UNTHREAD_PENDING_LIMIT" envDefault:"100"`
	ConfigDir    string        `env:"UNTHREAD_CONFIG_DIR"`

	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	OpenAIModel  string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	PromptPath   string `env:"UNTHREAD_PROMPT_PATH" envDefault:"prompts/reclassify.md"`

	BQCredentialsPath string `env:"BQ_CREDENTIALS_PATH"`
	BQProject         string `env:"BQ_PROJECT"`
	BQTable           string `env:"BQ_TABLE" envDefault:"dbt.stg_unthread__conversations"`

	PushgatewayURL string `env:"UNTHREAD_PUSHGATEWAY_URL"`

	Fields FieldIDs `env:"-"`
}

// FieldIDs maps semantic roles to the opaque ticket-type field UUIDs
// configured in Unthread.
type FieldIDs struct {
	Category          string `yaml:"category"`
	SubCategory       string `yaml:"sub_category"`
	Resolution        string `yaml:"resolution"`
	MigrationCategory string `yaml:"migration_category"`
	Cluster           string `yaml:"cluster"`
}

// DefaultFieldIDs returns the field identifiers of the production workspace.
func DefaultFieldIDs() FieldIDs {
	return FieldIDs{
		Category:          "1a6900f6-36d2-4380-ad06-790b0b05c4b3",
		SubCategory:       "05492140-551c-49ea-a8a2-4caeec8cda4d",
		Resolution:        "5ccb3d90-fbaf-4eea-ac88-ef3a82705ab2",
		MigrationCategory: "0598cba1-31d1-466e-bfd1-812548c73c51",
		Cluster:           "59f823e5-921d-4a4d-81bb-052fb2c8593a",
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("UNTHREAD_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "unthread-extractor"), nil
}

// LoadEnvFiles loads .env files from the working directory and its parent.
// Existing process variables are not overridden.
func LoadEnvFiles() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}

// Load parses the environment, applies field overrides from fields.yaml and
// validates that the API key is present.
func Load() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	return cfg, nil
}

// LoadWithoutCredentials is Load for commands that never reach the API
// (jobs, history, version).
func LoadWithoutCredentials() (*Config, error) {
	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 100
	}

	fields, err := LoadFieldIDs(cfg.ConfigDir)
	if err != nil {
		return nil, err
	}
	cfg.Fields = fields
	return cfg, nil
}

// LoadFieldIDs reads fields.yaml from dir (or the default config dir when
// dir is empty). Keys absent from the file keep their default values.
func LoadFieldIDs(dir string) (FieldIDs, error) {
	fields := DefaultFieldIDs()
	if dir == "" {
		d, err := GetConfigDir()
		if err != nil {
			return fields, err
		}
		dir = d
	}

	data, err := os.ReadFile(filepath.Join(dir, "fields.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return fields, nil
		}
		return fields, fmt.Errorf("failed to read fields config: %w", err)
	}

	var override FieldIDs
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fields, fmt.Errorf("failed to parse fields config: %w", err)
	}
	if override.Category != "" {
		fields.Category = override.Category
	}
	if override.SubCategory != "" {
		fields.SubCategory = override.SubCategory
	}
	if override.Resolution != "" {
		fields.Resolution = override.Resolution
	}
	if override.MigrationCategory != "" {
		fields.MigrationCategory = override.MigrationCategory
	}
	if override.Cluster != "" {
		fields.Cluster = override.Cluster
	}
	return fields, nil
}

// SaveFieldIDs writes the field mapping to fields.yaml in dir.
func SaveFieldIDs(dir string, fields FieldIDs) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "fields.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write fields config: %w", err)
	}
	return nil
}
