// Package config loads the orchestrator's configuration the way the
// teacher's internal/config package does: an optional per-environment
// .env overlay, environment variables bound onto a typed struct, and
// an optional file overlay loaded first so the environment always
// wins (spec §6).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full set of environment variables spec §6 recognizes,
// plus defaults for the values it leaves to "configurable".
type Config struct {
	TargetDir     string `env:"TARGET_DIR,default=."`
	RunIDOverride string `env:"RUN_ID_OVERRIDE"`
	TestMode      bool   `env:"TEST_MODE"`

	BrokerHost string `env:"BROKER_HOST,default=localhost"`
	BrokerPort int    `env:"BROKER_PORT,default=6379"`
	BrokerDB   int    `env:"BROKER_DB,default=0"`

	GraphURI      string `env:"GRAPH_URI"`
	GraphUser     string `env:"GRAPH_USER"`
	GraphPassword string `env:"GRAPH_PASSWORD"`
	GraphDatabase string `env:"GRAPH_DATABASE,default=neo4j"`

	LLMEndpoint string `env:"LLM_ENDPOINT"`
	LLMAPIKey   string `env:"LLM_API_KEY"`

	ForceMaxConcurrency int     `env:"FORCE_MAX_CONCURRENCY,default=100"`
	CPUThreshold        float64 `env:"CPU_THRESHOLD,default=80"`
	MemoryThreshold     float64 `env:"MEMORY_THRESHOLD,default=85"`
	HighPerformanceMode bool    `env:"HIGH_PERFORMANCE_MODE"`

	LogDirectory string `env:"LOG_DIRECTORY"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=text"`

	DataDirectory string `env:"DATA_DIRECTORY,default=./data"`

	StatusAddr string `env:"STATUS_ADDR,default=:8090"`

	MaxWorkerConcurrency int `env:"MAX_WORKER_CONCURRENCY,default=100"`
	MinWorkerConcurrency int `env:"MIN_WORKER_CONCURRENCY,default=2"`

	// MemoryBudgetMB is the supervisor's soft process-memory ceiling
	// (spec §5): a 2GB default, logged+GC-hinted at 80% and forcing
	// shutdown at 100%.
	MemoryBudgetMB int `env:"MEMORY_BUDGET_MB,default=2048"`
}

const hardConcurrencyCap = 100

// Load applies, in order of increasing precedence: compiled-in
// defaults, an optional YAML overlay file, a per-environment .env
// file, then the real process environment (SPEC_FULL.md A.3: "defaults
// < file < env").
//
// envdecode.Decode reapplies every field's compiled-in `default=` tag
// whenever the corresponding env var is unset, so it can't simply be
// run again after the overlay is loaded — that would clobber any
// overlay value back to its default. Instead it is decoded once into a
// bare struct to get the defaults, the overlay is applied on top of
// that, and then only env vars actually present in the environment are
// overlaid last.
func Load(overlayPath string) (*Config, error) {
	envFile := fmt.Sprintf("config/%s.env", orDefault(os.Getenv("ORCHESTRATOR_ENV"), "development"))
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: decode defaults: %w", err)
	}

	if overlayPath != "" {
		if err := loadOverlay(overlayPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := decodeSetEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("config: decode env: %w", err)
	}

	if cfg.ForceMaxConcurrency > hardConcurrencyCap {
		cfg.ForceMaxConcurrency = hardConcurrencyCap
	}

	return cfg, nil
}

// decodeSetEnvVars overlays onto cfg only the fields whose `env:` tag
// names a variable actually present in the process environment,
// leaving every other field (default or file overlay) untouched.
func decodeSetEnvVars(cfg *Config) error {
	fresh := &Config{}
	if err := envdecode.Decode(fresh); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return err
	}

	rv := reflect.ValueOf(cfg).Elem()
	fv := reflect.ValueOf(fresh).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("env")
		name := strings.SplitN(tag, ",", 2)[0]
		if name == "" {
			continue
		}
		if _, set := os.LookupEnv(name); !set {
			continue
		}
		rv.Field(i).Set(fv.Field(i))
	}
	return nil
}

func loadOverlay(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
