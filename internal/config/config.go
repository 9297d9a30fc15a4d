package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds supervisor configuration. Scaling options follow the pool's
// decision policy; the rest covers the status/metrics surfaces and the demo
// work listener.
type Config struct {
	ConfigFile string `yaml:"-"`

	LogLevel       string   `yaml:"log_level"`
	ListenAddr     string   `yaml:"listen_addr"`
	StatusAddr     string   `yaml:"status_addr"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	RedisAddr      string   `yaml:"redis_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	InitialWorkers       int           `yaml:"initial_workers"`
	MinWorkers           int           `yaml:"min_workers"`
	MaxWorkers           int           `yaml:"max_workers"`
	StepSize             int           `yaml:"step_size"`
	Cooldown             time.Duration `yaml:"cooldown"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxRequestsPerWorker int           `yaml:"max_requests_per_worker"`
	CooperativeRetire    *bool         `yaml:"cooperative_retire"`
}

// SetDefaults initializes c with built-in defaults. MinWorkers defaults to
// the initial pool size.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9090"
	}
	if c.StatusAddr == "" {
		c.StatusAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = c.StatusAddr
	}
	if c.InitialWorkers == 0 {
		c.InitialWorkers = 2
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = c.InitialWorkers
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 8
	}
	if c.StepSize == 0 {
		c.StepSize = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.CooperativeRetire == nil {
		v := true
		c.CooperativeRetire = &v
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("prefork.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *Config) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LISTEN_ADDR", ""); v != "" {
		c.ListenAddr = v
	}
	if v := getEnv("STATUS_ADDR", ""); v != "" {
		c.StatusAddr = v
	}
	if v := getEnv("METRICS_ADDR", ""); v != "" {
		c.MetricsAddr = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if n, ok := intEnv("INITIAL_WORKERS"); ok {
		c.InitialWorkers = n
	}
	if n, ok := intEnv("MIN_WORKERS"); ok {
		c.MinWorkers = n
	}
	if n, ok := intEnv("MAX_WORKERS"); ok {
		c.MaxWorkers = n
	}
	if n, ok := intEnv("STEP_SIZE"); ok {
		c.StepSize = n
	}
	if d, ok := durEnv("COOLDOWN"); ok {
		c.Cooldown = d
	}
	if d, ok := durEnv("POLL_INTERVAL"); ok {
		c.PollInterval = d
	}
	if n, ok := intEnv("MAX_REQUESTS_PER_WORKER"); ok {
		c.MaxRequestsPerWorker = n
	}
	if v := getEnv("COOPERATIVE_RETIRE", ""); v != "" {
		b := strings.EqualFold(v, "true") || v == "1"
		c.CooperativeRetire = &b
	}
}

// LoadFile overlays values from a YAML config file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults.
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "address the worker pool serves connections on")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "status/health HTTP listen address")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; defaults to the status address")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for persisted pool state")
	flag.IntVar(&c.InitialWorkers, "initial-workers", c.InitialWorkers, "workers forked at startup")
	flag.IntVar(&c.MinWorkers, "min-workers", c.MinWorkers, "lower pool bound, also the busy threshold below which the pool shrinks")
	flag.IntVar(&c.MaxWorkers, "max-workers", c.MaxWorkers, "upper pool bound")
	flag.IntVar(&c.StepSize, "step-size", c.StepSize, "workers added or removed per adjustment")
	flag.DurationVar(&c.Cooldown, "cooldown", c.Cooldown, "minimum time between a pool adjustment and the next scale-down")
	flag.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "controller idle sleep between poll iterations")
	flag.IntVar(&c.MaxRequestsPerWorker, "max-requests-per-worker", c.MaxRequestsPerWorker, "requests a worker serves before retiring; 0 means unlimited")
	flag.BoolVar(c.CooperativeRetire, "cooperative-retire", *c.CooperativeRetire, "retire workers cooperatively via the dispatch loop instead of exiting inside the hook")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// Validate rejects configurations the scaling policy cannot run with.
func (c *Config) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("min_workers must be >= 1, got %d", c.MinWorkers)
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("min_workers (%d) exceeds max_workers (%d)", c.MinWorkers, c.MaxWorkers)
	}
	if c.StepSize < 1 {
		return fmt.Errorf("step_size must be >= 1, got %d", c.StepSize)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown)
	}
	if c.MaxRequestsPerWorker < 0 {
		return fmt.Errorf("max_requests_per_worker must not be negative, got %d", c.MaxRequestsPerWorker)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func durEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	// Accept both plain seconds and Go duration syntax.
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
