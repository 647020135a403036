// Package config handles reading and writing the sceneloop
// config.yaml, with SCENELOOP_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for config.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Blender BlenderConfig `yaml:"blender"`
	Render  RenderConfig  `yaml:"render"`
	Limits  LimitsConfig  `yaml:"limits"`
	LogDir  string        `yaml:"log_dir" env:"SCENELOOP_LOG_DIR"`
	DBPath  string        `yaml:"db_path" env:"SCENELOOP_DB_PATH"`
}

// ServerConfig holds the executor endpoint settings.
type ServerConfig struct {
	URL string `yaml:"url" env:"SCENELOOP_SERVER_URL"`
}

// AgentConfig selects the LLM provider behind script generation.
type AgentConfig struct {
	Provider string `yaml:"provider" env:"SCENELOOP_AGENT_PROVIDER"`
	Model    string `yaml:"model" env:"SCENELOOP_AGENT_MODEL"`
	APIKey   string `yaml:"api_key" env:"SCENELOOP_AGENT_API_KEY"`
}

// BlenderConfig controls the executor-side Blender process.
type BlenderConfig struct {
	HeadlessRendering bool `yaml:"headless_rendering" env:"SCENELOOP_HEADLESS_RENDERING"`
	GPURendering      bool `yaml:"gpu_rendering" env:"SCENELOOP_GPU_RENDERING"`
	HeadlessTimeout   int  `yaml:"headless_timeout" env:"SCENELOOP_HEADLESS_TIMEOUT"` // seconds
}

// RenderConfig holds the user-tunable render settings.
type RenderConfig struct {
	NumImages       int     `yaml:"num_images" env:"SCENELOOP_NUM_IMAGES"`
	ResolutionScale float64 `yaml:"resolution_scale" env:"SCENELOOP_RESOLUTION_SCALE"`
}

// LimitsConfig holds quota and timeout settings.
type LimitsConfig struct {
	DailyRequests     int `yaml:"daily_requests" env:"SCENELOOP_DAILY_REQUESTS"`
	InactivityTimeout int `yaml:"inactivity_timeout" env:"SCENELOOP_INACTIVITY_TIMEOUT"` // seconds
}

const configFile = "config.yaml"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "http://localhost:8000",
		},
		Agent: AgentConfig{
			Provider: "openai",
		},
		Blender: BlenderConfig{
			HeadlessRendering: true,
			HeadlessTimeout:   300,
		},
		Render: RenderConfig{
			NumImages:       5,
			ResolutionScale: 1.0,
		},
		Limits: LimitsConfig{
			DailyRequests:     20,
			InactivityTimeout: 180,
		},
		LogDir: "logs",
		DBPath: "sceneloop.db",
	}
}

// Read loads config.yaml from dir, applies environment overrides, and
// normalizes out-of-range values. A missing file yields the defaults
// (still subject to environment overrides).
func Read(dir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Write writes cfg to config.yaml in dir.
func Write(dir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Normalize replaces out-of-range user values with their defaults.
// User-supplied configuration never aborts startup; strict validation
// applies only to values the session loop is about to dispatch.
func (c *Config) Normalize() {
	def := Default()

	if c.Render.NumImages < 1 || c.Render.NumImages > 10 {
		c.Render.NumImages = def.Render.NumImages
	}
	if c.Render.ResolutionScale < 0.1 || c.Render.ResolutionScale > 1.0 {
		c.Render.ResolutionScale = def.Render.ResolutionScale
	}
	if c.Blender.HeadlessTimeout <= 0 {
		c.Blender.HeadlessTimeout = def.Blender.HeadlessTimeout
	}
	if c.Limits.DailyRequests < 0 {
		c.Limits.DailyRequests = def.Limits.DailyRequests
	}
	if c.Limits.InactivityTimeout <= 0 {
		c.Limits.InactivityTimeout = def.Limits.InactivityTimeout
	}
	if c.Server.URL == "" {
		c.Server.URL = def.Server.URL
	}
}
