package main

import (
	"os"
	"strconv"
	"time"

	"github.com/hopper-run/hopper/internal/router"
	"github.com/hopper-run/hopper/internal/similarity"
)

// Config is the host's assembled configuration, built with the same
// three-layer priority as NewConfig below (defaults -> env -> functional
// overrides). internal/* packages never read the environment themselves —
// cmd/hopperd is the one place allowed to.
type Config struct {
	ServiceName string
	Port        int
	Debug       bool
	Development bool

	RedisURL       string
	RedisNamespace string

	RulesFile string

	RouterTimeout time.Duration

	WorkingMemoryMaxEntries int

	ConsolidationMinEpisodes   int
	ConsolidationMinConfidence float64

	SimilarityMaxCorpus  int
	SimilarityMaxAgeDays int
}

// DefaultConfig mirrors core.DefaultConfig's all-fields-set-explicitly
// style.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:                "hopper",
		Port:                       8080,
		Debug:                      false,
		Development:                false,
		RedisURL:                   "",
		RedisNamespace:             "hopper",
		RulesFile:                  "",
		RouterTimeout:              router.DefaultTimeout,
		WorkingMemoryMaxEntries:    1000,
		ConsolidationMinEpisodes:   3,
		ConsolidationMinConfidence: 0.5,
		SimilarityMaxCorpus:        similarity.DefaultMaxCorpus,
		SimilarityMaxAgeDays:       similarity.DefaultMaxAgeDays,
	}
}

// LoadFromEnv overlays HOPPER_* environment variables onto cfg, matching
// core.Config.LoadFromEnv's explicit-field-read style (no reflection).
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("HOPPER_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("HOPPER_PORT"); v != "" {
		if v == "auto" {
			c.Port = 0
		} else if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("HOPPER_DEBUG"); v != "" {
		c.Debug = parseBool(v)
	}
	if v := os.Getenv("HOPPER_DEV"); v != "" {
		c.Development = parseBool(v)
	}
	if v := os.Getenv("HOPPER_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("HOPPER_REDIS_NAMESPACE"); v != "" {
		c.RedisNamespace = v
	}
	if v := os.Getenv("HOPPER_RULES_FILE"); v != "" {
		c.RulesFile = v
	}
	if v := os.Getenv("HOPPER_ROUTER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RouterTimeout = d
		}
	}
	if v := os.Getenv("HOPPER_MEMORY_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkingMemoryMaxEntries = n
		}
	}
	if v := os.Getenv("HOPPER_CONSOLIDATION_MIN_EPISODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ConsolidationMinEpisodes = n
		}
	}
	if v := os.Getenv("HOPPER_CONSOLIDATION_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ConsolidationMinConfidence = f
		}
	}
	if v := os.Getenv("HOPPER_SIMILARITY_MAX_CORPUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SimilarityMaxCorpus = n
		}
	}
	if v := os.Getenv("HOPPER_SIMILARITY_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SimilarityMaxAgeDays = n
		}
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// Option mirrors core.Option: a functional override applied after defaults
// and environment, so a caller embedding hopperd as a library always wins.
type Option func(*Config)

func WithPort(port int) Option             { return func(c *Config) { c.Port = port } }
func WithServiceName(name string) Option   { return func(c *Config) { c.ServiceName = name } }
func WithRedisURL(url string) Option       { return func(c *Config) { c.RedisURL = url } }
func WithRulesFile(path string) Option     { return func(c *Config) { c.RulesFile = path } }
func WithRouterTimeout(d time.Duration) Option {
	return func(c *Config) { c.RouterTimeout = d }
}

// NewConfig assembles Config in priority order: defaults, then environment,
// then functional overrides.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	cfg.LoadFromEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
