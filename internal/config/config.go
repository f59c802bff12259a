package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"surveycoder/internal/taxonomy"
)

const defaultExternalHTTPTimeout = 120 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

type Config struct {
	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`

	ListenAddr          string `yaml:"listen_addr"`
	TempDir             string `yaml:"temp_dir"`
	DBPath              string `yaml:"db_path"`
	SessionTimeoutHours int    `yaml:"session_timeout_hours"`

	// Codes-sheet column names for clients whose sheets deviate from the
	// standard layout.
	CodesSheet taxonomy.Columns `yaml:",inline"`

	StartCode                  int  `yaml:"start_code"`
	MaxNewLabels               int  `yaml:"max_new_labels"`
	MaxLabels                  int  `yaml:"max_labels"`
	AutoReview                 bool `yaml:"auto_review"`
	ExternalHTTPTimeoutSeconds int  `yaml:"external_http_timeout_seconds"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.GeminiAPIKey, "GEMINI_API_KEY")
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.TempDir, "TEMP_DIR")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverrideInt(&cfg.SessionTimeoutHours, "SESSION_TIMEOUT_HOURS")
	envOverrideInt(&cfg.StartCode, "START_CODE")
	envOverrideInt(&cfg.MaxNewLabels, "MAX_NEW_LABELS")
	envOverrideInt(&cfg.MaxLabels, "MAX_LABELS")
	envOverrideBool(&cfg.AutoReview, "AUTO_REVIEW")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")

	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "gemini"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./surveycoder.db"
	}
	if cfg.SessionTimeoutHours == 0 {
		cfg.SessionTimeoutHours = 24
	}
	if cfg.StartCode == 0 {
		cfg.StartCode = taxonomy.DefaultResidualFloor
	}
	if cfg.MaxNewLabels == 0 {
		cfg.MaxNewLabels = 8
	}
	if cfg.MaxLabels == 0 {
		cfg.MaxLabels = 6
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}

	defaults := taxonomy.DefaultColumns()
	if cfg.CodesSheet.Question == "" {
		cfg.CodesSheet.Question = defaults.Question
	}
	if cfg.CodesSheet.Label == "" {
		cfg.CodesSheet.Label = defaults.Label
	}
	if cfg.CodesSheet.Code == "" {
		cfg.CodesSheet.Code = defaults.Code
	}
	if cfg.CodesSheet.FieldID == "" {
		cfg.CodesSheet.FieldID = defaults.FieldID
	}
	if cfg.CodesSheet.FormQuestion == "" {
		cfg.CodesSheet.FormQuestion = defaults.FormQuestion
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			log.Fatalf("gemini_api_key is required when llm_provider=gemini")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic', 'openai' or 'gemini', got '%s'", cfg.LLMProvider)
	}

	if cfg.SessionTimeoutHours < 1 {
		log.Fatalf("invalid session_timeout_hours '%d': must be >= 1", cfg.SessionTimeoutHours)
	}
	if cfg.StartCode < 100 {
		log.Fatalf("invalid start_code '%d': must be >= 100 to stay clear of sentinel codes", cfg.StartCode)
	}
	if cfg.MaxNewLabels < 0 {
		log.Fatalf("invalid max_new_labels '%d': must be >= 0", cfg.MaxNewLabels)
	}
	if cfg.MaxLabels < 1 {
		log.Fatalf("invalid max_labels '%d': must be >= 1", cfg.MaxLabels)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannelID == "" {
		log.Fatalf("slack_bot_token is set but slack_channel_id is not")
	}

	return cfg
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutHours) * time.Hour
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}
