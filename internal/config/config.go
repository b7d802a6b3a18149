// Package config bundles every process-wide constant the supervisor needs —
// coordination store credentials, container runtime settings, filesystem
// roots, and the autoscaler's thresholds — into a single object constructed
// once at startup and passed down, so tests can exercise edge cases without
// touching global state.
package config

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds coordination-store connection settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DockerConfig holds container-runtime connection settings.
type DockerConfig struct {
	Host         string `json:"host"`          // empty uses the Docker SDK's env-derived default
	NetworkName  string `json:"network_name"`
	RuntimeImage string `json:"runtime_image"` // node-global runtime image seeded into every slot
}

// PathsConfig holds the filesystem roots the supervisor manages or reads.
type PathsConfig struct {
	PoolRoot      string `json:"pool_root"`      // <pool_root>/zion_<i>/{runtime,channel,function}
	WorkersRoot   string `json:"workers_root"`   // <workers_root>/<function>/<slot_name> symlinks
	FunctionsRoot string `json:"functions_root"` // <functions_root>/<scope>/{bin,cache,logs}
	ServiceUser   string `json:"service_user"`   // chown target for slot directories
	Scope         string `json:"scope"`          // artifact-store namespace this node serves
}

// AutoscalerConfig holds the thresholds driving scale decisions.
type AutoscalerConfig struct {
	HighCPU         float64       `json:"high_cpu"`             // scale-up threshold, percent
	LowCPU          float64       `json:"low_cpu"`              // scale-down/rescue threshold, percent
	WorkerTimeout   int           `json:"worker_timeout_ticks"` // cooling TTL, ticks
	TimeoutToGrowUp int           `json:"timeout_to_grow_ticks"` // consecutive high ticks before scale-up
	TickInterval    time.Duration `json:"tick_interval"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	Addr      string `json:"addr"`
}

// LoggingConfig holds operational logging settings.
type LoggingConfig struct {
	Level     string `json:"level"` // debug, info, warn, error
	EventFile string `json:"event_file"` // optional JSON-lines sink for sandbox lifecycle events
}

// Config is the full, constructed-once configuration object for a node's
// supervisor process.
type Config struct {
	Redis      RedisConfig      `json:"redis"`
	Docker     DockerConfig     `json:"docker"`
	Paths      PathsConfig      `json:"paths"`
	Autoscaler AutoscalerConfig `json:"autoscaler"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
	NumCPU     int              `json:"num_cpu"` // defaults to runtime.NumCPU(); pool.Start rejects a value <= 0
}

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Docker: DockerConfig{
			NetworkName:  "zion",
			RuntimeImage: "zion/runtime:latest",
		},
		Paths: PathsConfig{
			PoolRoot:      "/var/lib/zion/pool",
			WorkersRoot:   "/var/lib/zion/workers",
			FunctionsRoot: "/var/lib/zion/functions",
			ServiceUser:   "zion",
			Scope:         "default",
		},
		Autoscaler: AutoscalerConfig{
			HighCPU:         90,
			LowCPU:          0.15,
			WorkerTimeout:   30,
			TimeoutToGrowUp: 5,
			TickInterval:    time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "zion",
			Addr:      ":9477",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		NumCPU: runtime.NumCPU(),
	}
}

// LoadFromFile reads a JSON config file and applies it on top of the
// defaults, so a partial file only overrides the fields it sets.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies ZION_* environment variable overrides to cfg in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ZION_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ZION_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ZION_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("ZION_DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("ZION_DOCKER_NETWORK"); v != "" {
		cfg.Docker.NetworkName = v
	}
	if v := os.Getenv("ZION_RUNTIME_IMAGE"); v != "" {
		cfg.Docker.RuntimeImage = v
	}
	if v := os.Getenv("ZION_POOL_ROOT"); v != "" {
		cfg.Paths.PoolRoot = v
	}
	if v := os.Getenv("ZION_WORKERS_ROOT"); v != "" {
		cfg.Paths.WorkersRoot = v
	}
	if v := os.Getenv("ZION_FUNCTIONS_ROOT"); v != "" {
		cfg.Paths.FunctionsRoot = v
	}
	if v := os.Getenv("ZION_SERVICE_USER"); v != "" {
		cfg.Paths.ServiceUser = v
	}
	if v := os.Getenv("ZION_SCOPE"); v != "" {
		cfg.Paths.Scope = v
	}
	if v := os.Getenv("ZION_HIGH_CPU"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Autoscaler.HighCPU = f
		}
	}
	if v := os.Getenv("ZION_LOW_CPU"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Autoscaler.LowCPU = f
		}
	}
	if v := os.Getenv("ZION_WORKER_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscaler.WorkerTimeout = n
		}
	}
	if v := os.Getenv("ZION_TIMEOUT_TO_GROW_UP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscaler.TimeoutToGrowUp = n
		}
	}
	if v := os.Getenv("ZION_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Autoscaler.TickInterval = d
		}
	}
	if v := os.Getenv("ZION_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("ZION_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("ZION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ZION_NUM_CPU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumCPU = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
