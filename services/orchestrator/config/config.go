// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat service configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and ALEUTIAN_CHAT_* environment variables (dots become
// underscores, so llm.api_key is ALEUTIAN_CHAT_LLM_API_KEY).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "ALEUTIAN_CHAT"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	OTel      OTelConfig      `mapstructure:"otel" yaml:"otel"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	GinMode         string        `mapstructure:"gin_mode" yaml:"gin_mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig controls the conversation store.
type StorageConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

// LLMConfig describes the completion provider.
type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	Model          string        `mapstructure:"model" yaml:"model"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	TitleMaxTokens int           `mapstructure:"title_max_tokens" yaml:"title_max_tokens"`
	TitleTimeout   time.Duration `mapstructure:"title_timeout" yaml:"title_timeout"`
	Referer        string        `mapstructure:"referer" yaml:"referer"`
	AppTitle       string        `mapstructure:"app_title" yaml:"app_title"`
}

// SearchConfig describes the web search provider.
type SearchConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	MaxResults int           `mapstructure:"max_results" yaml:"max_results"`
	Workers    int64         `mapstructure:"workers" yaml:"workers"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelineConfig bounds the history window.
type PipelineConfig struct {
	HistoryLimit  int `mapstructure:"history_limit" yaml:"history_limit"`
	MaxInputChars int `mapstructure:"max_input_chars" yaml:"max_input_chars"`
}

// AuthConfig maps bearer tokens to user ids. Empty disables authentication
// and every caller is the local user.
type AuthConfig struct {
	Tokens map[string]string `mapstructure:"tokens" yaml:"tokens"`
}

// RateLimitConfig bounds per-user request rate. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// OTelConfig controls tracing export.
type OTelConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration from path (or the default search locations when
// path is empty), applies environment overrides, and validates the result.
//
// # Inputs
//
//   - path: Explicit config file. Empty searches ./config.yaml and
//     /etc/aleutian-chat/config.yaml; a missing file is not an error.
//
// # Outputs
//
//   - Config: Fully defaulted configuration.
//   - error: Read, decode, or validation failure.
//
// # Examples
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/aleutian-chat")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		slog.Info("No config file found, using defaults and environment")
	} else {
		slog.Info("Loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 12210)
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("storage.path", "./data/chat")
	v.SetDefault("storage.in_memory", false)

	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "meta-llama/llama-3.1-8b-instruct")
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.title_max_tokens", 15)
	v.SetDefault("llm.title_timeout", "10s")
	v.SetDefault("llm.referer", "http://localhost:8000")
	v.SetDefault("llm.app_title", "AleutianChat")

	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.max_results", 3)
	v.SetDefault("search.workers", 4)
	v.SetDefault("search.timeout", "10s")

	v.SetDefault("pipeline.history_limit", 10)
	v.SetDefault("pipeline.max_input_chars", 12000)

	v.SetDefault("ratelimit.rps", 2.0)
	v.SetDefault("ratelimit.burst", 5)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.exporter", "otlp")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("log.dir", "")
}

// =============================================================================
// Validation
// =============================================================================

// Validate reports the first invalid setting wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.LLM.APIKey == "":
		return fmt.Errorf("%w: llm.api_key is required", ErrInvalidConfig)
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	case !c.Storage.InMemory && c.Storage.Path == "":
		return fmt.Errorf("%w: storage.path is required unless storage.in_memory", ErrInvalidConfig)
	case c.Pipeline.HistoryLimit < 0 || c.Pipeline.MaxInputChars < 0:
		return fmt.Errorf("%w: pipeline limits must not be negative", ErrInvalidConfig)
	case c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0:
		return fmt.Errorf("%w: ratelimit.burst must be positive when ratelimit.rps is set", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SearchEnabled reports whether the agent route has a search provider.
func (c Config) SearchEnabled() bool {
	return c.Search.APIKey != ""
}

// Redacted returns a copy with credentials masked, safe to print or log.
// Token keys are replaced by numbered placeholders; user ids are kept.
func (c Config) Redacted() Config {
	out := c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = logging.Redacted
	}
	if out.Search.APIKey != "" {
		out.Search.APIKey = logging.Redacted
	}
	if len(c.Auth.Tokens) > 0 {
		users := make([]string, 0, len(c.Auth.Tokens))
		for _, user := range c.Auth.Tokens {
			users = append(users, user)
		}
		sort.Strings(users)
		out.Auth.Tokens = make(map[string]string, len(users))
		for i, user := range users {
			out.Auth.Tokens[fmt.Sprintf("%s#%d", logging.Redacted, i+1)] = user
		}
	}
	return out
}
