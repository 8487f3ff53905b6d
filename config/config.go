// Package config loads process configuration from environment variables,
// an optional .env file, and an optional YAML file of named schedules,
// indicator sets and datasets.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quantcore/internal/indicator"
	"quantcore/internal/session"
	"quantcore/internal/transform"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLDriver     string // sqlite3 or postgres
	SQLDSN        string
	ParquetDir    string
	MetricsAddr   string
	APIAddr       string
	LogLevel      string
	AlertWebhook  string // empty = alerts are only logged

	// Feed
	FeedURL string

	// Analytics
	Tickers    string // comma-separated
	Schedule   string // builtin name, file schedule name, or literal spans
	Convert    string // transform applied to every query by default
	Indicators string // comma-separated indicator list or file set name
	Workers    int

	// File is the parsed CONFIG_FILE, nil when unset.
	File *File
}

// File is the YAML configuration file.
type File struct {
	Schedules     map[string]string   `yaml:"schedules"`
	IndicatorSets map[string][]string `yaml:"indicator_sets"`
	Datasets      []DatasetConfig     `yaml:"datasets"`
}

// DatasetConfig describes one dataset to load.
type DatasetConfig struct {
	Ticker     string `yaml:"ticker"`
	Schedule   string `yaml:"schedule"`
	Convert    string `yaml:"convert"`
	Indicators string `yaml:"indicators"`
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file (ENV_FILE, default ".env") is loaded first when
// present; variables already set in the environment win.
func Load() *Config {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] could not load %s: %v", envFile, err)
	}

	cfg := &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLDriver:     getEnv("SQL_DRIVER", "sqlite3"),
		SQLDSN:        getEnv("SQL_DSN", "data/bars.db"),
		ParquetDir:    getEnv("PARQUET_DIR", "data/parquet"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AlertWebhook:  getEnv("ALERT_WEBHOOK_URL", ""),

		FeedURL: getEnv("FEED_URL", "ws://localhost:9001/ws"),

		Tickers:    getEnv("TICKERS", "IF"),
		Schedule:   getEnv("SCHEDULE", "rl5m"),
		Convert:    getEnv("CONVERT", "ori"),
		Indicators: getEnv("INDICATORS", ""),
		Workers:    getEnvInt("WORKERS", 0),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := LoadFile(path)
		if err != nil {
			log.Fatalf("[config] %v", err)
		}
		cfg.File = f
	}
	return cfg
}

// ParseTickers splits Tickers into a list, skipping blanks.
func (c *Config) ParseTickers() []string {
	var out []string
	for _, t := range strings.Split(c.Tickers, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SessionSchedule resolves Schedule.
func (c *Config) SessionSchedule() (session.Schedule, error) {
	return c.File.ResolveSchedule(c.Schedule)
}

// DefaultConvert parses Convert.
func (c *Config) DefaultConvert() (transform.Convert, error) {
	conv, err := transform.Parse(c.Convert)
	if err != nil {
		return nil, fmt.Errorf("config: CONVERT: %w", err)
	}
	return conv, nil
}

// IndicatorList resolves Indicators. Invalid entries are logged and
// skipped; an empty list yields indicator.DefaultSet.
func (c *Config) IndicatorList() []indicator.Indicator {
	return c.File.ResolveIndicators(c.Indicators)
}

// LoadFile reads a YAML config file, expanding ${VAR} references, then
// applies defaults and validates it.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses YAML config content.
func ParseFile(data []byte) (*File, error) {
	expanded := os.ExpandEnv(string(data))

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	for i := range f.Datasets {
		d := &f.Datasets[i]
		if d.Schedule == "" {
			d.Schedule = "rl5m"
		}
		if d.Convert == "" {
			d.Convert = "ori"
		}
	}
}

// Validate checks that every schedule, transform and indicator named in
// the file parses.
func (f *File) Validate() error {
	for name, text := range f.Schedules {
		if _, err := session.Parse(text); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
	}
	for name, set := range f.IndicatorSets {
		for _, text := range set {
			if _, err := indicator.Parse(text); err != nil {
				return fmt.Errorf("indicator set %q: %w", name, err)
			}
		}
	}
	for i, d := range f.Datasets {
		if d.Ticker == "" {
			return fmt.Errorf("dataset %d: ticker is required", i)
		}
		if _, err := f.ResolveSchedule(d.Schedule); err != nil {
			return fmt.Errorf("dataset %s: %w", d.Ticker, err)
		}
		if _, err := transform.Parse(d.Convert); err != nil {
			return fmt.Errorf("dataset %s: convert: %w", d.Ticker, err)
		}
	}
	return nil
}

// ResolveSchedule looks name up among the builtin schedules, then the
// file's schedules, and otherwise parses it as literal spans. f may be nil.
func (f *File) ResolveSchedule(name string) (session.Schedule, error) {
	if s, ok := session.Builtin[strings.ToLower(name)]; ok {
		return s, nil
	}
	if f != nil {
		if text, ok := f.Schedules[name]; ok {
			return session.Parse(text)
		}
	}
	s, err := session.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("config: schedule %q: %w", name, err)
	}
	return s, nil
}

// ResolveIndicators expands a file indicator set name, or parses spec as
// an indicator list. f may be nil.
func (f *File) ResolveIndicators(spec string) []indicator.Indicator {
	if f != nil {
		if set, ok := f.IndicatorSets[spec]; ok {
			return indicator.ParseList(strings.Join(set, ","))
		}
	}
	return indicator.ParseList(spec)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
