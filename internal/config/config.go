// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Agent
	Timezone           string
	Currency           string
	MaxAgentIterations int
	MaxMessageLength   int
	ReasoningTimeout   time.Duration
	WorkerPoolSize     int

	// LLM
	LLMProvider        string
	LLMModel           string
	LLMTemperature     float64
	LLMMaxOutputTokens int
	OpenAIBaseURL      string
	OpenAIAPIKey       string
	GeminiAPIKey       string
	GeminiUseVertex    bool
	GoogleProject      string
	GoogleLocation     string
	ParamPrefix        string

	// Storage
	DBPath            string
	CheckpointBackend string
	GraphStateDB      string
	StateTable        string
	StateTTL          time.Duration

	// AMQP
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	// CLI
	DefaultUserID   string
	DefaultThreadID string

	problems []string
}

// Load reads .env when present, then the environment. Malformed numbers and
// durations are reported by Validate.
func Load() *Config {
	_ = godotenv.Load()

	c := &Config{}
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "text")

	c.Timezone = getEnv("APP_TZ", "Asia/Kolkata")
	c.Currency = strings.ToUpper(getEnv("CURRENCY", "INR"))
	c.MaxAgentIterations = c.getEnvInt("MAX_AGENT_ITERATIONS", 10)
	c.MaxMessageLength = c.getEnvInt("MAX_MESSAGE_LENGTH", 2000)
	c.ReasoningTimeout = c.getEnvDuration("REASONING_TIMEOUT", 60*time.Second)
	c.WorkerPoolSize = c.getEnvInt("WORKER_POOL_SIZE", 4)

	c.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", ProviderGemini))
	c.LLMModel = getEnv("LLM_ID", "")
	c.LLMTemperature = c.getEnvFloat("LLM_TEMPERATURE", 0.3)
	c.LLMMaxOutputTokens = c.getEnvInt("LLM_MAX_OUTPUT_TOKENS", 500)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1")
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", "")
	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", "")
	c.GeminiUseVertex = c.getEnvBool("GEMINI_USE_VERTEX", false)
	c.GoogleProject = getEnv("GOOGLE_CLOUD_PROJECT", "")
	c.GoogleLocation = getEnv("GOOGLE_CLOUD_LOCATION", "us-central1")
	c.ParamPrefix = getEnv("PARAM_PREFIX", "")

	c.DBPath = getEnv("DB_PATH", "./data/expenses.db")
	c.CheckpointBackend = strings.ToLower(getEnv("CHECKPOINT_BACKEND", BackendSQLite))
	c.GraphStateDB = getEnv("GRAPH_STATE_DB", "./data/graph_state.db")
	c.StateTable = getEnv("STATE_TABLE", "")
	c.StateTTL = c.getEnvDuration("STATE_TTL", 0)

	c.AMQPURL = getEnv("AMQP_URL", "")
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", "finance")
	c.AMQPRoutingKey = getEnv("AMQP_ROUTING_KEY", "expense.logged")

	c.DefaultUserID = getEnv("DEFAULT_USER_ID", "default_user")
	c.DefaultThreadID = getEnv("DEFAULT_THREAD_ID", "default_thread")
	return c
}

// Validate returns every configuration problem in a single error.
func (c *Config) Validate() error {
	errs := append([]string(nil), c.problems...)

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil || c.Timezone == "" {
		errs = append(errs, fmt.Sprintf("invalid timezone '%s': must be an IANA name", c.Timezone))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Sprintf("invalid currency '%s': must be a 3-letter code", c.Currency))
	}
	if c.MaxAgentIterations < 1 {
		errs = append(errs, fmt.Sprintf("invalid max agent iterations %d: must be at least 1", c.MaxAgentIterations))
	}
	if c.MaxMessageLength < 1 {
		errs = append(errs, fmt.Sprintf("invalid max message length %d: must be at least 1", c.MaxMessageLength))
	}
	if c.ReasoningTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("invalid reasoning timeout %v: must be at least 1 second", c.ReasoningTimeout))
	}
	if c.WorkerPoolSize < 1 || c.WorkerPoolSize > 64 {
		errs = append(errs, fmt.Sprintf("invalid worker pool size %d: must be between 1 and 64", c.WorkerPoolSize))
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		errs = append(errs, fmt.Sprintf("invalid LLM temperature %v: must be between 0 and 2", c.LLMTemperature))
	}
	if c.LLMMaxOutputTokens < 1 {
		errs = append(errs, fmt.Sprintf("invalid LLM max output tokens %d: must be at least 1", c.LLMMaxOutputTokens))
	}

	switch c.LLMProvider {
	case ProviderGemini:
		switch {
		case c.GeminiUseVertex:
			if c.GoogleProject == "" {
				errs = append(errs, "GOOGLE_CLOUD_PROJECT is required when GEMINI_USE_VERTEX is set")
			}
			if c.GoogleLocation == "" {
				errs = append(errs, "GOOGLE_CLOUD_LOCATION is required when GEMINI_USE_VERTEX is set")
			}
		case c.GeminiAPIKey == "" && c.ParamPrefix == "":
			errs = append(errs, "either GEMINI_API_KEY or PARAM_PREFIX must be provided for the gemini provider")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.ParamPrefix == "" {
			errs = append(errs, "either OPENAI_API_KEY or PARAM_PREFIX must be provided for the openai provider")
		}
		if u, err := url.Parse(c.OpenAIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("invalid OpenAI base URL '%s'", c.OpenAIBaseURL))
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid LLM provider '%s': must be one of [gemini openai]", c.LLMProvider))
	}

	if c.DBPath == "" {
		errs = append(errs, "DB_PATH cannot be empty")
	}
	switch c.CheckpointBackend {
	case BackendSQLite:
		if c.GraphStateDB == "" {
			errs = append(errs, "GRAPH_STATE_DB cannot be empty when using sqlite checkpoints")
		}
	case BackendDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, "STATE_TABLE is required when using dynamodb checkpoints")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid checkpoint backend '%s': must be one of [sqlite dynamodb]", c.CheckpointBackend))
	}
	if c.StateTTL < 0 {
		errs = append(errs, fmt.Sprintf("invalid state TTL %v: must not be negative", c.StateTTL))
	}

	if c.AMQPURL != "" {
		if u, err := url.Parse(c.AMQPURL); err != nil {
			errs = append(errs, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			errs = append(errs, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQPExchange == "" {
			errs = append(errs, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getEnvInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("invalid %s '%s': must be an integer", key, value))
		return defaultValue
	}
	return i
}

func (c *Config) getEnvFloat(key string, defaultValue float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("invalid %s '%s': must be a number", key, value))
		return defaultValue
	}
	return f
}

func (c *Config) getEnvBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("invalid %s '%s': must be a boolean", key, value))
		return defaultValue
	}
	return b
}

func (c *Config) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("invalid %s '%s': must be a duration like 60s", key, value))
		return defaultValue
	}
	return d
}
