package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	LLM          LLMConfig       `toml:"llm"`
	Embedding    EmbeddingConfig `toml:"embedding"`
	Database     DatabaseConfig  `toml:"database"`
	Orchestrator OrchConfig      `toml:"orchestrator"`
	WebSearch    WebSearchConfig `toml:"websearch"`
	Shell        ShellConfig     `toml:"shell"`
	Observer     ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type DatabaseConfig struct {
	// Backend selects "sqlite" or "postgres".
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type OrchConfig struct {
	RunsBaseDir        string  `toml:"runs_base_dir"`
	TaskDeadlineSecs   int     `toml:"task_deadline_seconds"`
	PlannerMaxAttempts int     `toml:"planner_max_attempts"`
	WorkflowMemory     bool    `toml:"workflow_memory"`
	ReuseThreshold     float64 `toml:"reuse_threshold"`
	ReuseTopK          int     `toml:"reuse_top_k"`
	AgentTimeoutSecs   int     `toml:"agent_timeout_seconds"`
}

type WebSearchConfig struct {
	MinScholarly int `toml:"min_scholarly"`
	MaxResults   int `toml:"max_results"`
}

type ShellConfig struct {
	Root        string `toml:"root"`
	TimeoutSecs int    `toml:"timeout_seconds"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1"},
		Embedding: EmbeddingConfig{Model: "jina-embeddings-v3", Dimensions: 1024},
		Database:  DatabaseConfig{Backend: "sqlite", Path: "strata.db"},
		Orchestrator: OrchConfig{
			RunsBaseDir:        "runs",
			TaskDeadlineSecs:   600,
			PlannerMaxAttempts: 3,
			WorkflowMemory:     false,
			ReuseThreshold:     0.90,
			ReuseTopK:          5,
			AgentTimeoutSecs:   30,
		},
		WebSearch: WebSearchConfig{MinScholarly: 5, MaxResults: 10},
		Shell:     ShellConfig{Root: ".", TimeoutSecs: 5},
	}
}

// Load reads config: defaults -> .env -> TOML file -> env vars (env wins).
func Load(path string) Config {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = "strata.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("STRATA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("STRATA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("STRATA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("STRATA_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("STRATA_POSTGRES_URL"); v != "" {
		cfg.Database.Backend = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("STRATA_RUNS_DIR"); v != "" {
		cfg.Orchestrator.RunsBaseDir = v
	}
	if v := os.Getenv("STRATA_WORKFLOW_MEMORY"); v == "true" || v == "1" {
		cfg.Orchestrator.WorkflowMemory = true
	}
	if v := os.Getenv("STRATA_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("STRATA_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}

	return cfg
}
