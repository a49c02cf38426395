package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	Secret           string        `mapstructure:"secret"`
	RelayURL         string        `mapstructure:"relay_url"`
	DirectoryURL     string        `mapstructure:"directory_url"`
	DirectoryTimeout time.Duration `mapstructure:"directory_timeout"`
	AgentToken       string        `mapstructure:"agent_token"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	AnswerTimeout    time.Duration `mapstructure:"answer_timeout"`
	SubscribeLimit   int           `mapstructure:"subscribe_limit"`
	SubscribeWindow  time.Duration `mapstructure:"subscribe_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/relay")
	v.SetDefault("directory_url", "http://localhost:8081")
	v.SetDefault("directory_timeout", "5s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("subscribe_timeout", "8s")
	v.SetDefault("answer_timeout", "30s")
	v.SetDefault("subscribe_limit", 10)
	v.SetDefault("subscribe_window", "1m")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Relay: %s\n", cfg.Mode, cfg.Port, cfg.RelayURL)
	return &cfg, nil
}
