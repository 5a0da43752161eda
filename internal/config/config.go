package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	DB      struct {
		// Driver is decided once at startup: "sqlite" or "postgres".
		Driver string `mapstructure:"driver"`
		// DSN is a file path for sqlite or a postgres connection URL.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Auth struct {
		// Token, when set, is required as a bearer capability on every
		// API call. Empty means pass-through.
		Token string `mapstructure:"token"`
	} `mapstructure:"auth"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("avops")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("data_dir", "data")
	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "avops.db")
	viper.SetDefault("server.addr", ":8080")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
