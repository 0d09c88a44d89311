package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Auth      AuthConfig      `toml:"auth"`
	LLM       LLMConfig       `toml:"llm"`
	Consensus ConsensusConfig `toml:"consensus"`
	Economy   EconomyConfig   `toml:"economy"`
	Alert     AlertConfig     `toml:"alert"`
	Workers   WorkersConfig   `toml:"workers"`
	Instance  InstanceConfig  `toml:"instance"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuthConfig struct {
	JWTSecret      string `toml:"jwt_secret"`
	TokenExpiryMin int    `toml:"token_expiry_min"`
}

type LLMConfig struct {
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenRouterKey   string `toml:"openrouter_api_key"`
	GroqAPIKey      string `toml:"groq_api_key"`
}

type ConsensusConfig struct {
	// DefaultRolloutPct seeds the rollout setting on first boot; the live
	// value is read from the settings table on every routing call.
	DefaultRolloutPct int      `toml:"default_rollout_pct"`
	ReviewWindowHours int      `toml:"review_window_hours"`
	SpotCheckPct      int      `toml:"spot_check_pct"`
	HighRiskDomains   []string `toml:"high_risk_domains"`
}

type EconomyConfig struct {
	HardshipThreshold int     `toml:"hardship_threshold"`
	RatioFloor        float64 `toml:"ratio_floor"`
	RatioCeiling      float64 `toml:"ratio_ceiling"`
	HardshipAlertRate float64 `toml:"hardship_alert_rate"`
	BreakerCeiling    float64 `toml:"breaker_ceiling"`
}

type AlertConfig struct {
	WebhookURL string `toml:"webhook_url"`
}

type WorkersConfig struct {
	AssignConcurrency int `toml:"assign_concurrency"`
	PollIntervalMs    int `toml:"poll_interval_ms"`
	SweepIntervalMin  int `toml:"sweep_interval_min"`
}

type InstanceConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Database: DatabaseConfig{
			Path: "data/tribune.db",
		},
		Auth: AuthConfig{
			JWTSecret:      "change-me-in-production",
			TokenExpiryMin: 1440, // 24h
		},
		Consensus: ConsensusConfig{
			DefaultRolloutPct: 0,
			ReviewWindowHours: 48,
			SpotCheckPct:      5,
			HighRiskDomains:   []string{"security", "finance", "medical"},
		},
		Economy: EconomyConfig{
			HardshipThreshold: 10,
			RatioFloor:        0.70,
			RatioCeiling:      1.30,
			HardshipAlertRate: 0.15,
			BreakerCeiling:    1.50,
		},
		Workers: WorkersConfig{
			AssignConcurrency: 4,
			PollIntervalMs:    500,
			SweepIntervalMin:  5,
		},
		Instance: InstanceConfig{
			ID:   "local",
			Name: "tribune-local",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
