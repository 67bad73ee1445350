package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API struct {
		BaseURL        string        `mapstructure:"base_url"`
		Token          string        `mapstructure:"token"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		NumClients     int           `mapstructure:"num_clients"`
	} `mapstructure:"api"`

	Sync struct {
		ReplayPerSecond int `mapstructure:"replay_per_second"`
		MaxAttempts     int `mapstructure:"max_attempts"`
	} `mapstructure:"sync"`

	Connectivity struct {
		ProbePath     string        `mapstructure:"probe_path"`
		ProbeInterval time.Duration `mapstructure:"probe_interval"`
	} `mapstructure:"connectivity"`

	Server struct {
		Bind              string        `mapstructure:"bind"`
		QueuedStatus      int           `mapstructure:"queued_status"`
		RequestsPerSecond int           `mapstructure:"requests_per_second"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Metrics struct {
		Bind string `mapstructure:"bind"`
		Path string `mapstructure:"path"`
	} `mapstructure:"metrics"`

	Journal struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"journal"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.request_timeout", 10*time.Second)
	v.SetDefault("api.num_clients", 8)

	v.SetDefault("sync.replay_per_second", 10)
	v.SetDefault("sync.max_attempts", 0)

	v.SetDefault("connectivity.probe_path", "/health")
	v.SetDefault("connectivity.probe_interval", 5*time.Second)

	v.SetDefault("server.bind", ":8080")
	v.SetDefault("server.queued_status", 202)
	v.SetDefault("server.requests_per_second", 50)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("metrics.bind", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
}

// LoadConfig reads config.yaml from the given directory. Every key can be
// overridden from the environment, e.g. API_BASE_URL for api.base_url.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be absolute: %q", c.API.BaseURL)
	}

	if c.API.NumClients < 1 {
		return errors.New("api.num_clients must be >= 1")
	}
	if c.Sync.ReplayPerSecond < 1 {
		return errors.New("sync.replay_per_second must be >= 1")
	}
	if c.Sync.MaxAttempts < 0 {
		return errors.New("sync.max_attempts must be >= 0")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		return errors.New("connectivity.probe_interval must be positive")
	}

	return nil
}
