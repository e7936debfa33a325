package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"5m"`
		IdleTimeout     time.Duration `yaml:"idle_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		SlowRequest     time.Duration `yaml:"slow_request" default:"45s"`
		BodyLimit       string        `yaml:"body_limit" default:"16M"`
		CORSOrigins     []string      `yaml:"cors_origins" default:"[\"*\"]"`
	} `yaml:"server"`
	Logging struct {
		Level          string `yaml:"level" default:"info"`
		Format         string `yaml:"format" default:"console"`
		Output         string `yaml:"output" default:"stdout"`
		CollectorTopic string `yaml:"collector_topic"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Inference InferenceConfig `yaml:"inference"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Storage   struct {
		// Backend is memory, sqlite or clickhouse.
		Backend string `yaml:"backend" default:"sqlite"`
		Table   string `yaml:"table" default:"analyses"`
		// WriteTimeout bounds each background write.
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	} `yaml:"storage"`
	SQLite struct {
		Path string `yaml:"path" default:"chartsight.db"`
	} `yaml:"sqlite"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Topics       struct {
			Completed string `yaml:"completed" default:"analysis.completed"`
			Requests  string `yaml:"requests" default:"analysis.requests"`
		} `yaml:"topics"`
		IncludeResult bool `yaml:"include_result"`
		Producer      struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			Linger       time.Duration `yaml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id" default:"chartsight"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"500ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"10s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"analysis.requests.dlq"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"chartsight"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Cache struct {
		Enabled       bool          `yaml:"enabled" default:"true"`
		TTL           time.Duration `yaml:"ttl" default:"1h"`
		MemoryMaxSize int           `yaml:"memory_max_size" default:"1000"`
		Prefix        string        `yaml:"prefix" default:"chartsight:cache"`
		// LocalTTL bounds how long a replica serves its in-process copy.
		LocalTTL      time.Duration `yaml:"local_ttl" default:"1m"`
	} `yaml:"cache"`
	Queue struct {
		// Enabled routes persistence writes through the Redis queue.
		Enabled    bool          `yaml:"enabled"`
		Workers    int           `yaml:"workers" default:"2"`
		Size       int           `yaml:"size" default:"10000"`
		RetryDelay time.Duration `yaml:"retry_delay" default:"2s"`
		MaxRetries int           `yaml:"max_retries" default:"3"`
		KeyPrefix  string        `yaml:"key_prefix" default:"chartsight:queue"`
	} `yaml:"queue"`
	Images    ImagesConfig `yaml:"images"`
	RateLimit struct {
		Enabled bool    `yaml:"enabled" default:"true"`
		RPS     float64 `yaml:"rps" default:"1"`
		Burst   int     `yaml:"burst" default:"5"`
	} `yaml:"rate_limit"`
}

// InferenceConfig selects and configures the generative backend.
type InferenceConfig struct {
	// Provider is gemini or http.
	Provider    string        `yaml:"provider" default:"gemini"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model" default:"gemini-2.0-flash"`
	ImageModel  string        `yaml:"image_model" default:"gemini-2.0-flash-preview-image-generation"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout" default:"60s"`
	Temperature float32       `yaml:"temperature" default:"0.2"`
}

// PersonaConfig overrides a debate persona.
type PersonaConfig struct {
	Name        string `yaml:"name"`
	Instruction string `yaml:"instruction"`
}

// PipelineConfig tunes stage execution and merging.
type PipelineConfig struct {
	RequestDeadline        time.Duration `yaml:"request_deadline" default:"2m"`
	MultiTimeframeDeadline time.Duration `yaml:"multi_timeframe_deadline" default:"3m"`
	StageTimeout           time.Duration `yaml:"stage_timeout" default:"60s"`
	Retries                int           `yaml:"retries" default:"1"`
	RetryBackoff           time.Duration `yaml:"retry_backoff" default:"500ms"`
	MaxParallel            int           `yaml:"max_parallel" default:"4"`
	AnnotateTimeout        time.Duration `yaml:"annotate_timeout" default:"45s"`
	Personas               struct {
		Bull PersonaConfig `yaml:"bull"`
		Bear PersonaConfig `yaml:"bear"`
	} `yaml:"personas"`
	IgnoreContrarySignals     bool `yaml:"ignore_contrary_signals" default:"true"`
	CounterTrendPenalty       int  `yaml:"counter_trend_penalty" default:"2"`
	MinCounterTrendConfidence int  `yaml:"min_counter_trend_confidence" default:"5"`
}

// ImagesConfig bounds and locates chart images.
type ImagesConfig struct {
	MaxBytes     int64         `yaml:"max_bytes" default:"10485760"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" default:"15s"`
	AzureAccount string        `yaml:"azure_account"`
	AzureKey     string        `yaml:"azure_key"`
}

// Default returns a configuration populated from default tags only.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// An empty path starts from defaults.
func LoadWithEnv(path string) (*Config, error) {
	c := Default()
	if path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}

	// Override with environment variables
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}
	if v := os.Getenv("INFERENCE_PROVIDER"); v != "" {
		c.Inference.Provider = v
	}
	if v := os.Getenv("INFERENCE_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("AZURE_STORAGE_ACCOUNT"); v != "" {
		c.Images.AzureAccount = v
	}
	if v := os.Getenv("AZURE_STORAGE_KEY"); v != "" {
		c.Images.AzureKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	switch c.Inference.Provider {
	case "gemini", "http":
	default:
		return fmt.Errorf("inference.provider must be 'gemini' or 'http', got '%s'", c.Inference.Provider)
	}
	if c.Inference.Provider == "http" && c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required for the http provider")
	}
	switch c.Storage.Backend {
	case "memory", "sqlite", "clickhouse":
	default:
		return fmt.Errorf("storage.backend must be 'memory', 'sqlite' or 'clickhouse', got '%s'", c.Storage.Backend)
	}
	if c.Pipeline.Retries < 0 || c.Pipeline.Retries > 1 {
		return fmt.Errorf("pipeline.retries must be 0 or 1, got %d", c.Pipeline.Retries)
	}
	if c.Pipeline.CounterTrendPenalty < 0 {
		return fmt.Errorf("pipeline.counter_trend_penalty cannot be negative")
	}
	if c.Pipeline.MinCounterTrendConfidence < 1 || c.Pipeline.MinCounterTrendConfidence > 10 {
		return fmt.Errorf("pipeline.min_counter_trend_confidence must be within 1..10")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Queue.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("queue requires redis to be enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be positive")
	}
	return nil
}
