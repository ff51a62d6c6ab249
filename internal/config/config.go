package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	LLM     LLMConfig     `toml:"llm"`
	Agent   AgentConfig   `toml:"agent"`
	Session SessionConfig `toml:"session"`
	Store   StoreConfig   `toml:"store"`
	Tools   ToolsConfig   `toml:"tools"`
	Cache   CacheConfig   `toml:"cache"`
	Tracing TracingConfig `toml:"tracing"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type AgentConfig struct {
	MaxIterations  int `toml:"max_iterations"`
	ContextWindow  int `toml:"context_window"`
	ClarifyBudget  int `toml:"clarify_budget"`
	HTTPTimeoutSec int `toml:"http_timeout_sec"`
	ToolRetries    int `toml:"tool_retries"`
}

type SessionConfig struct {
	IdleMinutes   int  `toml:"idle_minutes"`
	SweepSeconds  int  `toml:"sweep_seconds"`
	EvictPrevious bool `toml:"evict_previous"`
}

type StoreConfig struct {
	// Backend selects the long-term fact store: "sqlite" or "postgres".
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type ToolsConfig struct {
	ExaAPIKey        string `toml:"exa_api_key"`
	MPAPIKey         string `toml:"mp_api_key"`
	SureChEMBLAPIKey string `toml:"surechembl_api_key"`
}

// CacheConfig holds result-cache TTLs in hours per result class.
type CacheConfig struct {
	MaxEntries      int `toml:"max_entries"`
	SearchHours     int `toml:"search_hours"`      // volatile web searches (prices)
	SearchLongHours int `toml:"search_long_hours"` // stable web searches
	MaterialsHours  int `toml:"materials_hours"`   // Materials Project data
	StatsHours      int `toml:"stats_hours"`       // field statistics
	PatentsHours    int `toml:"patents_hours"`     // patent content
	StructuresHours int `toml:"structures_hours"`  // structure search/images
}

type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Service  string `toml:"service"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM:    LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
		Agent: AgentConfig{
			MaxIterations:  10,
			ContextWindow:  20,
			ClarifyBudget:  5,
			HTTPTimeoutSec: 30,
			ToolRetries:    2,
		},
		Session: SessionConfig{IdleMinutes: 30, SweepSeconds: 60},
		Store:   StoreConfig{Backend: "sqlite", SQLitePath: "matdisc.db"},
		Cache: CacheConfig{
			MaxEntries:      2048,
			SearchHours:     24,
			SearchLongHours: 24 * 7,
			MaterialsHours:  24 * 7,
			StatsHours:      24 * 30,
			PatentsHours:    24,
			StructuresHours: 24 * 7,
		},
		Tracing: TracingConfig{Service: "matdiscd"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "matdisc.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MATDISC_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MATDISC_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MATDISC_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MATDISC_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MATDISC_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("MATDISC_SQLITE_PATH"); v != "" {
		cfg.Store.Backend = "sqlite"
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("MATDISC_POSTGRES_URL"); v != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("MATDISC_EXA_API_KEY"); v != "" {
		cfg.Tools.ExaAPIKey = v
	}
	if v := os.Getenv("MATDISC_MP_API_KEY"); v != "" {
		cfg.Tools.MPAPIKey = v
	}
	if v := os.Getenv("MATDISC_SURECHEMBL_API_KEY"); v != "" {
		cfg.Tools.SureChEMBLAPIKey = v
	}
	if v := os.Getenv("MATDISC_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}

	return cfg
}

// HTTPTimeout returns the tool HTTP timeout as a duration.
func (c AgentConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// IdleThreshold returns the session inactivity threshold as a duration.
func (c SessionConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleMinutes) * time.Minute
}

// SweepInterval returns the janitor tick as a duration.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}
