package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pipebench/util"
)

// Config holds the settings of one benchmark run. Values start from the
// defaults below, are overlaid by the yaml config file (if one is given),
// and finally by the PG_* environment variables.
type Config struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	TotalQueries int `yaml:"totalQueries"`
	Workers      int `yaml:"workers"`
	// PoolSize is informational only: each worker owns exactly one
	// long-lived connection, there is no real pool.
	PoolSize      int `yaml:"poolSize"`
	BatchSize     int `yaml:"batchSize"`
	WarmupBatches int `yaml:"warmupBatches"`
	// ParamDomain is the size of the cyclic parameter domain: request i of a
	// batch runs with argument (i % ParamDomain) + 1.
	ParamDomain int `yaml:"paramDomain"`

	Statement       string `yaml:"statement"`
	Populate        bool   `yaml:"populate"`
	PopulateRows    int    `yaml:"populateRows"`
	ProgressSeconds int    `yaml:"progressSeconds"`
}

// Returns the built-in configuration
func Default() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            "5432",
		User:            "postgres",
		Database:        "postgres",
		SSLMode:         "disable",
		TotalQueries:    150_000_000,
		Workers:         10,
		PoolSize:        10,
		BatchSize:       100,
		ParamDomain:     10,
		Statement:       "SELECT id, name FROM harbors LIMIT $1",
		Populate:        true,
		PopulateRows:    1000,
		ProgressSeconds: 2,
	}
}

// Load builds the run configuration: defaults, then the yaml file (if path
// is non-empty), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Host = util.EnvOr("PG_HOST", c.Host)
	c.Port = util.EnvOr("PG_PORT", c.Port)
	c.User = util.EnvOr("PG_USER", c.User)
	c.Password = util.EnvOr("PG_PASSWORD", c.Password)
	c.Database = util.EnvOr("PG_DATABASE", c.Database)
}

// Validate rejects configurations the harness cannot run.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.ParamDomain <= 0 {
		return fmt.Errorf("paramDomain must be positive, got %d", c.ParamDomain)
	}
	if c.TotalQueries < 0 {
		return fmt.Errorf("totalQueries must not be negative, got %d", c.TotalQueries)
	}
	if c.WarmupBatches < 0 {
		return fmt.Errorf("warmupBatches must not be negative, got %d", c.WarmupBatches)
	}
	if c.Statement == "" {
		return fmt.Errorf("statement must not be empty")
	}
	return nil
}

// ConnString renders a keyword/value conninfo accepted by both pgconn and
// lib/pq.
func (c *Config) ConnString() string {
	s := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		s += " password=" + c.Password
	}
	return s
}
