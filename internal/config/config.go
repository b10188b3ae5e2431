// Package config loads service settings from an optional YAML file, an
// optional .env file and the process environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
)

// Config holds every setting of the service and the CLI.
type Config struct {
	HTTPAddr        string         `yaml:"http_addr"`
	LogLevel        string         `yaml:"log_level"`
	Endpoint        EndpointConfig `yaml:"endpoint"`
	MockLatency     time.Duration  `yaml:"mock_latency"`
	Prompt          string         `yaml:"prompt"`
	TTSCommand      string         `yaml:"tts_command"`
	DatabaseDSN     string         `yaml:"database_dsn"`
	RedisAddr       string         `yaml:"redis_addr"`
	JWTSecret       string         `yaml:"jwt_secret"`
	JWTAudience     string         `yaml:"jwt_audience"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
}

// EndpointConfig is the initial endpoint configuration.
type EndpointConfig struct {
	URL       string `yaml:"url"`
	Transport string `yaml:"transport"`
	Mock      bool   `yaml:"mock"`
	Token     string `yaml:"token"`
	// Timeout bounds the live call; zero leaves the transport default.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		Endpoint:        EndpointConfig{Transport: string(endpoint.TransportJSON), Mock: true},
		MockLatency:     500 * time.Millisecond,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load builds the configuration. CONFIG_FILE names an optional YAML file; a
// .env file in the working directory is read when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := endpoint.ParseTransport(c.Endpoint.Transport); err != nil {
		return fmt.Errorf("invalid ANALYSIS_TRANSPORT: %w", err)
	}
	if c.MockLatency < 0 {
		return fmt.Errorf("MOCK_LATENCY must be >= 0 (got %s)", c.MockLatency)
	}
	if c.Endpoint.Timeout < 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be >= 0 (got %s)", c.Endpoint.Timeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0 (got %s)", c.ShutdownTimeout)
	}
	return nil
}

// EndpointSettings converts the initial endpoint settings for an endpoint.Store.
func (c *Config) EndpointSettings() (endpoint.Config, error) {
	transport, err := endpoint.ParseTransport(c.Endpoint.Transport)
	if err != nil {
		return endpoint.Config{}, err
	}
	return endpoint.Config{
		URL:       c.Endpoint.URL,
		Transport: transport,
		Mock:      c.Endpoint.Mock,
		Token:     c.Endpoint.Token,
	}, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Endpoint.URL = getEnv("ANALYSIS_ENDPOINT_URL", c.Endpoint.URL)
	c.Endpoint.Transport = getEnv("ANALYSIS_TRANSPORT", c.Endpoint.Transport)
	c.Endpoint.Token = getEnv("ANALYSIS_TOKEN", c.Endpoint.Token)
	c.Prompt = getEnv("ANALYSIS_PROMPT", c.Prompt)
	c.TTSCommand = getEnv("TTS_COMMAND", c.TTSCommand)
	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTAudience = getEnv("JWT_AUDIENCE", c.JWTAudience)

	var err error
	if c.Endpoint.Mock, err = getBool("ANALYSIS_MOCK", c.Endpoint.Mock); err != nil {
		return err
	}
	if c.Endpoint.Timeout, err = getDuration("ANALYSIS_TIMEOUT", c.Endpoint.Timeout); err != nil {
		return err
	}
	if c.MockLatency, err = getDuration("MOCK_LATENCY", c.MockLatency); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %q", key, value)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %q", key, value)
	}
	return d, nil
}
