package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultSystemPrompt = "你是一個法律AI助理。你有一個工具，可以呼叫 `Search API` 搜尋資訊。" +
	"請在需要時使用 `[SEARCH]` 指令，例如：`[SEARCH]相關關鍵字`。" +
	"完成搜索後，你會收到以 `[SEARCH_RESULT]` 開頭的結果，並應將其整合進回覆中。" +
	"請注意: 用戶來詢問的問題可能是同一個，請你根據上下文判斷你要使用 API 搜尋的問題，" +
	"並且透過問答深入了解用戶真正想解決的問題是什麼。" +
	"輸出會顯示在聊天軟體中，請避免使用無法顯示的格式符號。"

type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Search    SearchConfig    `mapstructure:"search"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	APIEndpoint string `mapstructure:"api_endpoint"`
}

type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SearchConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	URL            string        `mapstructure:"url"`
	InputField     string        `mapstructure:"input_field"`
	OutputField    string        `mapstructure:"output_field"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SessionConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxHistory   int           `mapstructure:"max_history"`
	SystemPrompt string        `mapstructure:"system_prompt"`
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	Window               time.Duration `mapstructure:"window"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type PipelineConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

// ConfigurationError reports a required setting that is missing. It is fatal at startup.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Field)
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", u.Port(), err)
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.request_timeout", 30*time.Second)
	v.SetDefault("search.url", "https://api.dify.ai/v1/workflows/run")
	v.SetDefault("search.input_field", "Question")
	v.SetDefault("search.output_field", "text")
	v.SetDefault("search.request_timeout", 60*time.Second)
	v.SetDefault("session.timeout", 30*time.Minute)
	v.SetDefault("session.max_history", 20)
	v.SetDefault("session.system_prompt", DefaultSystemPrompt)
	v.SetDefault("rate_limit.max_requests_per_minute", 10)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.min_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("pipeline.max_concurrent", 16)
	v.SetDefault("pipeline.shutdown_timeout", 30*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", true)
}

// LoadConfig reads path (optional) and applies environment overrides. A
// missing file is not an error; the result may still fail Validate.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if apiKey := v.GetString("SEARCH_API_KEY"); apiKey != "" {
		config.Search.APIKey = apiKey
	} else if apiKey := v.GetString("DIFY_API_KEY"); apiKey != "" {
		config.Search.APIKey = apiKey
	}

	return &config, nil
}

// Validate checks that every backend credential is present.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, &ConfigurationError{Field: "telegram.token"})
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, &ConfigurationError{Field: "openai.api_key"})
	}
	if c.Search.APIKey == "" {
		errs = append(errs, &ConfigurationError{Field: "search.api_key"})
	}
	if c.Session.MaxHistory < 2 {
		errs = append(errs, fmt.Errorf("session.max_history must be at least 2, got %d", c.Session.MaxHistory))
	}
	return errors.Join(errs...)
}
