// Package config loads server configuration from an optional YAML file
// with environment overrides for secrets and deployment knobs.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	ASR     ASRConfig     `yaml:"asr"`
	Session SessionConfig `yaml:"session"`
	Gateway GatewayConfig `yaml:"gateway"`
	Chat    ChatConfig    `yaml:"chat"`
	Auth    AuthConfig    `yaml:"auth"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type ASRConfig struct {
	// Provider selects the upstream recognizer: dashscope, google, mock.
	Provider string `yaml:"provider"`
	Language string `yaml:"language"`
	Model    string `yaml:"model"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	FinalTimeout   time.Duration `yaml:"final_timeout"`

	// APIKey is only read from the environment (DASHSCOPE_API_KEY).
	APIKey string `yaml:"-"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type GatewayConfig struct {
	// PartialThrottle is the minimum interval between partial events
	// forwarded to a client. Zero disables throttling.
	PartialThrottle time.Duration `yaml:"partial_throttle"`
}

type ChatConfig struct {
	// Provider selects the transcript consumer: gemini, none.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// APIKey is only read from the environment (GEMINI_API_KEY).
	APIKey string `yaml:"-"`
}

type AuthConfig struct {
	// Secret is only read from the environment (JWT_SECRET). Empty
	// disables authentication.
	Secret string `yaml:"-"`
}

// Load reads the config file at path (ignored when empty or absent) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
		},
		ASR: ASRConfig{
			Provider:       "dashscope",
			Language:       "zh-CN",
			ConnectTimeout: 5 * time.Second,
			FinalTimeout:   10 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:   2 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Chat: ChatConfig{
			Provider: "none",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if provider := os.Getenv("ASR_PROVIDER"); provider != "" {
		cfg.ASR.Provider = provider
	}
	cfg.ASR.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	cfg.Chat.APIKey = os.Getenv("GEMINI_API_KEY")
	cfg.Auth.Secret = os.Getenv("JWT_SECRET")

	return cfg, nil
}
