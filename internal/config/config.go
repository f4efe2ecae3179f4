// Package config builds the one explicit configuration object handed by
// reference to every component constructor. Sources, in order: defaults,
// an optional drivertriage.yaml, then environment variables (a .env file is
// loaded if present). The API key is environment-only and never read from
// or written to yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config carries every knob the pipeline components accept.
type Config struct {
	APIKey string `yaml:"-"`

	Model         string  `yaml:"model"`
	LLMRPS        float64 `yaml:"llm_rps"`
	LLMBurst      int     `yaml:"llm_burst"`
	BackendExe    string  `yaml:"backend_exe"`
	BackendServer string  `yaml:"backend_server"`
	BackendURL    string  `yaml:"backend_url"`
	CachePath     string  `yaml:"cache_path"`
	OutDir        string  `yaml:"out_dir"`
	EntrySymbol   string  `yaml:"entry_symbol"`
	Workers       int     `yaml:"workers"`

	// CallTimeout bounds every backend and model call. There is no retry
	// policy here; retries belong to an outer layer.
	CallTimeout time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes call_timeout from a duration string ("30s", "2m"),
// which yaml.v3 does not do for time.Duration on its own.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type alias Config
	var aux struct {
		alias       `yaml:",inline"`
		CallTimeout string `yaml:"call_timeout"`
	}
	aux.alias = alias(*c)
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*c = Config(aux.alias)
	if aux.CallTimeout != "" {
		d, err := time.ParseDuration(aux.CallTimeout)
		if err != nil {
			return fmt.Errorf("config: call_timeout: %w", err)
		}
		c.CallTimeout = d
	}
	return nil
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		Model:       "gemini-2.5-flash",
		CachePath:   "external_function_cache.jsonl",
		OutDir:      "out",
		EntrySymbol: "IoCreateDevice",
		Workers:     4,
		CallTimeout: 2 * time.Minute,
	}
}

// Load reads configuration from path (default drivertriage.yaml), falling
// back to defaults when the file does not exist, then overlays environment
// variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = "drivertriage.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// no config file, defaults apply
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("DRIVERTRIAGE_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("DRIVERTRIAGE_BACKEND_EXE"); v != "" {
		c.BackendExe = v
	}
	if v := os.Getenv("DRIVERTRIAGE_BACKEND_SERVER"); v != "" {
		c.BackendServer = v
	}
	if v := os.Getenv("DRIVERTRIAGE_BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := os.Getenv("DRIVERTRIAGE_CACHE"); v != "" {
		c.CachePath = v
	}
	if v := os.Getenv("DRIVERTRIAGE_OUT"); v != "" {
		c.OutDir = v
	}
	if v := os.Getenv("DRIVERTRIAGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("DRIVERTRIAGE_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CallTimeout = d
		}
	}
}
