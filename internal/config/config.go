package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret        string `mapstructure:"secret"`
		AccessTTLMin  int    `mapstructure:"accessTtlMinutes"`
		RefreshTTLHrs int    `mapstructure:"refreshTtlHours"`
	} `mapstructure:"auth"`
	Room struct {
		HistoryCap       int `mapstructure:"historyCap"`
		SendQueue        int `mapstructure:"sendQueue"`
		PongWaitSec      int `mapstructure:"pongWaitSeconds"`
		IdleGraceSec     int `mapstructure:"idleGraceSeconds"`
		SweepIntervalSec int `mapstructure:"sweepIntervalSeconds"`
		PresenceTTLSec   int `mapstructure:"presenceTtlSeconds"`
		MaxConcurrency   int `mapstructure:"maxConcurrency"`
	} `mapstructure:"room"`
	Limits struct {
		ConnectPerMinute int64 `mapstructure:"connectPerMinute"`
		JoinPerMinute    int64 `mapstructure:"joinPerMinute"`
	} `mapstructure:"limits"`
}

func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Auth.AccessTTLMin) * time.Minute
}

func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Auth.RefreshTTLHrs) * time.Hour
}

// Load reads collabConfig.yaml. A missing file falls back to the defaults
// so local runs work without one; a malformed file is still an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetDefault("running.port", 3002)
	v.SetDefault("mysql.dsn", "root:root@tcp(127.0.0.1:3306)/collab?parseTime=true")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("auth.accessTtlMinutes", 30)
	v.SetDefault("auth.refreshTtlHours", 168)
	v.SetDefault("room.historyCap", 1024)
	v.SetDefault("room.sendQueue", 64)
	v.SetDefault("room.pongWaitSeconds", 60)
	v.SetDefault("room.idleGraceSeconds", 300)
	v.SetDefault("room.sweepIntervalSeconds", 30)
	v.SetDefault("room.presenceTtlSeconds", 600)
	v.SetDefault("room.maxConcurrency", 100)
	v.SetDefault("limits.connectPerMinute", 30)
	v.SetDefault("limits.joinPerMinute", 60)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
