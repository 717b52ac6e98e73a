// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DBURL           string        `mapstructure:"DB_URL"`
	GithubToken     string        `mapstructure:"GITHUB_TOKEN"`
	GithubBaseURL   string        `mapstructure:"GITHUB_BASE_URL"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	RunBudget       time.Duration `mapstructure:"RUN_BUDGET"`
	HarvestInterval time.Duration `mapstructure:"HARVEST_INTERVAL"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("RUN_BUDGET", "50s")
	viper.SetDefault("HARVEST_INTERVAL", "0")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.RunBudget < 10*time.Second {
		return nil, errors.New("RUN_BUDGET must be at least 10s to leave room for the exit safety margin")
	}

	return &cfg, nil
}
