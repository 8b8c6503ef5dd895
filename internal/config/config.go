package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration. Values come from the config
// file (CONFIG_PATH) with CONDUCTOR_* environment overrides for deployment
// secrets and addresses.
type Config struct {
	Service ServiceConfig `json:"service" yaml:"service"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`

	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Database drives the async run archive; disabled when no DSN is set.
	Database DatabaseConfig `json:"database" yaml:"database"`

	Session SessionConfig `json:"session" yaml:"session"`

	Graph GraphConfig `json:"graph" yaml:"graph"`

	Agents AgentsConfig `json:"agents" yaml:"agents"`

	Sandbox SandboxConfig `json:"sandbox" yaml:"sandbox"`

	Providers ProvidersConfig `json:"providers" yaml:"providers"`

	// Subgraphs lists peer subgraphs enabled for the deployment, in addition
	// to the built-in data_science pipeline.
	Subgraphs []SubgraphConfig `json:"subgraphs" yaml:"subgraphs"`

	Features FeaturesConfig `json:"features" yaml:"features"`

	Files FilesConfig `json:"files" yaml:"files"`

	Indexer IndexerConfig `json:"indexer" yaml:"indexer"`

	Export ExportConfig `json:"export" yaml:"export"`

	Auth AuthConfig `json:"auth" yaml:"auth"`

	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	CircuitBreakers CircuitBreakersConfig `json:"circuit_breakers" yaml:"circuit_breakers"`
}

// ServiceConfig contains basic service configuration.
type ServiceConfig struct {
	Port            int           `json:"port" yaml:"port"`
	AdminPort       int           `json:"admin_port" yaml:"admin_port"`
	AdminEnabled    bool          `json:"admin_enabled" yaml:"admin_enabled"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxHeaderBytes  int           `json:"max_header_bytes" yaml:"max_header_bytes"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, console
}

// RedisConfig locates the durable KV store.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// DatabaseConfig locates the Postgres archive.
type DatabaseConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	User            string        `json:"user" yaml:"user"`
	Password        string        `json:"password" yaml:"password"`
	Database        string        `json:"database" yaml:"database"`
	SSLMode         string        `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	IdleConnections int           `json:"idle_connections" yaml:"idle_connections"`
	MaxLifetime     time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
}

// SessionConfig controls session lifecycle and streaming behavior.
type SessionConfig struct {
	SessionTimeout          time.Duration `json:"session_timeout" yaml:"session_timeout"`
	RunResumeGrace          time.Duration `json:"run_resume_grace" yaml:"run_resume_grace"`
	SweepInterval           time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	EmitBufferSize          int           `json:"emit_buffer_size" yaml:"emit_buffer_size"`
	EmitBackpressureTimeout time.Duration `json:"emit_backpressure_timeout" yaml:"emit_backpressure_timeout"`
	ReplayBufferSize        int           `json:"replay_buffer_size" yaml:"replay_buffer_size"`
	MaxQueuedRequests       int           `json:"max_queued_requests" yaml:"max_queued_requests"`
}

// GraphConfig bounds graph execution.
type GraphConfig struct {
	NodeTimeout         time.Duration `json:"node_timeout" yaml:"node_timeout"`
	MaxProcessSelfLoops int           `json:"max_process_self_loops" yaml:"max_process_self_loops"`
	MaxQARetries        int           `json:"max_qa_retries" yaml:"max_qa_retries"`
}

// AgentsConfig bounds the agent runtime loops.
type AgentsConfig struct {
	MaxAgentIters int `json:"max_agent_iters" yaml:"max_agent_iters"`
	MaxFix        int `json:"max_fix" yaml:"max_fix"`
}

// SandboxConfig locates the sandbox service and shapes its outputs.
type SandboxConfig struct {
	BaseURL            string        `json:"base_url" yaml:"base_url"`
	Snapshot           string        `json:"snapshot" yaml:"snapshot"`
	WorkDir            string        `json:"work_dir" yaml:"work_dir"`
	DefaultCodeTimeout time.Duration `json:"default_code_timeout" yaml:"default_code_timeout"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxResultLength    int           `json:"max_result_length" yaml:"max_result_length"`
}

// ProvidersConfig registers model providers by id.
type ProvidersConfig struct {
	Default string                    `json:"default" yaml:"default"`
	Entries map[string]ProviderConfig `json:"entries" yaml:"entries"`
}

// ProviderConfig describes one model provider endpoint.
type ProviderConfig struct {
	// Kind selects the client family: "openai" (any chat-completions
	// compatible endpoint) or "anthropic".
	Kind      string            `json:"kind" yaml:"kind"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	APIKeyEnv string            `json:"api_key_env" yaml:"api_key_env"`
	Models    map[string]string `json:"models" yaml:"models"` // role -> model id
	RateLimit float64           `json:"rate_limit" yaml:"rate_limit"`
	Burst     int               `json:"burst" yaml:"burst"`
}

// SubgraphConfig enables a peer subgraph in the registry.
type SubgraphConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// FeaturesConfig holds feature flags. Hot-reloadable.
type FeaturesConfig struct {
	// DataScience controls advertisement of the data_science subgraph:
	// "auto" advertises it when a CSV file is referenced, "on" always,
	// "off" never.
	DataScience string `json:"data_science" yaml:"data_science"`
}

// FilesConfig controls the upload surface.
type FilesConfig struct {
	MaxUploadBytes int64    `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	AllowedMIME    []string `json:"allowed_mime" yaml:"allowed_mime"`
}

// IndexerConfig locates the vector store and embedding provider for document
// indexing. Disabled leaves uploads unindexed.
type IndexerConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	QdrantURL      string        `json:"qdrant_url" yaml:"qdrant_url"`
	Collection     string        `json:"collection" yaml:"collection"`
	Provider       string        `json:"provider" yaml:"provider"` // embeddings provider id, empty means default
	EmbeddingModel string        `json:"embedding_model" yaml:"embedding_model"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	TopK           int           `json:"top_k" yaml:"top_k"`
	ScoreThreshold float64       `json:"score_threshold" yaml:"score_threshold"`
}

// ExportConfig controls export bundle retention.
type ExportConfig struct {
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// AuthConfig holds token material for share links, export downloads, and the
// optional admin gate. User authentication itself is external.
type AuthConfig struct {
	TokenSecret     string        `json:"token_secret" yaml:"token_secret"`
	ShareTokenTTL   time.Duration `json:"share_token_ttl" yaml:"share_token_ttl"`
	ExportTokenTTL  time.Duration `json:"export_token_ttl" yaml:"export_token_ttl"`
	AdminAPIKeyHash string        `json:"admin_api_key_hash" yaml:"admin_api_key_hash"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
}

// CircuitBreakersConfig contains breaker settings per guarded dependency.
type CircuitBreakersConfig struct {
	Sandbox  CircuitBreakerConfig `json:"sandbox" yaml:"sandbox"`
	Database CircuitBreakerConfig `json:"database" yaml:"database"`
}

// CircuitBreakerConfig represents one breaker's thresholds.
type CircuitBreakerConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	MaxRequests uint32        `json:"max_requests" yaml:"max_requests"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxFailures uint32        `json:"max_failures" yaml:"max_failures"`
}

// Default returns the baseline configuration. Every field has a working value
// so a config file only needs to override deployment specifics.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:            8080,
			AdminPort:       8081,
			AdminEnabled:    true,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			MaxHeaderBytes:  1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			User:            "conductor",
			Database:        "conductor",
			SSLMode:         "disable",
			MaxConnections:  25,
			IdleConnections: 5,
			MaxLifetime:     5 * time.Minute,
		},
		Session: SessionConfig{
			SessionTimeout:          10 * time.Minute,
			RunResumeGrace:          5 * time.Minute,
			SweepInterval:           time.Minute,
			EmitBufferSize:          64,
			EmitBackpressureTimeout: 30 * time.Second,
			ReplayBufferSize:        256,
			MaxQueuedRequests:       16,
		},
		Graph: GraphConfig{
			NodeTimeout:         180 * time.Second,
			MaxProcessSelfLoops: 3,
			MaxQARetries:        2,
		},
		Agents: AgentsConfig{
			MaxAgentIters: 15,
			MaxFix:        3,
		},
		Sandbox: SandboxConfig{
			BaseURL:            "http://localhost:9800",
			Snapshot:           "data-analysis",
			WorkDir:            "/workspace",
			DefaultCodeTimeout: 60 * time.Second,
			RequestTimeout:     30 * time.Second,
			MaxResultLength:    1000,
		},
		Providers: ProvidersConfig{
			Default: "openai",
			Entries: map[string]ProviderConfig{
				"openai": {
					Kind:      "openai",
					APIKeyEnv: "OPENAI_API_KEY",
					Models: map[string]string{
						"default": "gpt-4o",
						"fast":    "gpt-4o-mini",
					},
					RateLimit: 5,
					Burst:     10,
				},
			},
		},
		Features: FeaturesConfig{
			DataScience: "auto",
		},
		Files: FilesConfig{
			MaxUploadBytes: 25 << 20,
			AllowedMIME:    nil, // nil means the built-in whitelist
		},
		Indexer: IndexerConfig{
			Enabled:        false,
			QdrantURL:      "http://localhost:6333",
			Collection:     "document_chunks",
			EmbeddingModel: "text-embedding-3-small",
			Timeout:        5 * time.Second,
			TopK:           5,
			ScoreThreshold: 0.3,
		},
		Export: ExportConfig{
			TTL: 24 * time.Hour,
		},
		Auth: AuthConfig{
			ShareTokenTTL:  7 * 24 * time.Hour,
			ExportTokenTTL: 15 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "conductor",
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
		CircuitBreakers: CircuitBreakersConfig{
			Sandbox: CircuitBreakerConfig{
				Enabled:     true,
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     10 * time.Second,
				MaxFailures: 5,
			},
			Database: CircuitBreakerConfig{
				Enabled:     true,
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     10 * time.Second,
				MaxFailures: 5,
			},
		},
	}
}

// Load reads the config file (if present) over the defaults and applies
// environment overrides. A missing file is not an error; everything can come
// from defaults and env.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	v := viper.New()
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the handful of deployment envs onto the config.
// These win over file values so container manifests stay simple.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SANDBOX_URL"); v != "" {
		cfg.Sandbox.BaseURL = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Database.Host = v
		cfg.Database.Enabled = true
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		cfg.Indexer.QdrantURL = v
		cfg.Indexer.Enabled = true
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
		cfg.Tracing.Enabled = true
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port out of range: %d", c.Service.Port)
	}
	if c.Service.AdminEnabled && (c.Service.AdminPort <= 0 || c.Service.AdminPort > 65535) {
		return fmt.Errorf("service.admin_port out of range: %d", c.Service.AdminPort)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Session.SessionTimeout <= 0 {
		return fmt.Errorf("session.session_timeout must be positive")
	}
	if c.Session.RunResumeGrace <= 0 {
		return fmt.Errorf("session.run_resume_grace must be positive")
	}
	if c.Session.EmitBufferSize <= 0 {
		return fmt.Errorf("session.emit_buffer_size must be positive")
	}
	if c.Graph.NodeTimeout <= 0 {
		return fmt.Errorf("graph.node_timeout must be positive")
	}
	if c.Graph.MaxQARetries < 0 {
		return fmt.Errorf("graph.max_qa_retries cannot be negative")
	}
	if c.Agents.MaxAgentIters <= 0 {
		return fmt.Errorf("agents.max_agent_iters must be positive")
	}
	if c.Sandbox.MaxResultLength <= 0 {
		return fmt.Errorf("sandbox.max_result_length must be positive")
	}
	switch c.Features.DataScience {
	case "", "auto", "on", "off":
	default:
		return fmt.Errorf("features.data_science must be auto, on, or off (got %q)", c.Features.DataScience)
	}
	if len(c.Providers.Entries) == 0 {
		return fmt.Errorf("providers.entries cannot be empty")
	}
	if c.Providers.Default != "" {
		if _, ok := c.Providers.Entries[c.Providers.Default]; !ok {
			return fmt.Errorf("providers.default %q not present in entries", c.Providers.Default)
		}
	}
	for id, p := range c.Providers.Entries {
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q has unknown kind %q", id, p.Kind)
		}
	}
	return nil
}

// DataScienceAdvertised resolves the feature flag against the per-request CSV
// signal.
func (c *Config) DataScienceAdvertised(hasCSV bool) bool {
	switch c.Features.DataScience {
	case "on":
		return true
	case "off":
		return false
	default:
		return hasCSV
	}
}
