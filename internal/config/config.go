package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	SignalURL   string        `mapstructure:"signal_url"`
	APIBaseURL  string        `mapstructure:"api_base_url"`
	DisplayName string        `mapstructure:"display_name"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	Reconnect   Reconnect     `mapstructure:"reconnect"`
	Signaling   Signaling     `mapstructure:"signaling"`
	Recording   Recording     `mapstructure:"recording"`
	Audio       Audio         `mapstructure:"audio"`
	LiveFeed    LiveFeed      `mapstructure:"live_feed"`
	AuthMargin  time.Duration `mapstructure:"auth_margin"`
}

type Reconnect struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Signaling struct {
	SendRetries       int           `mapstructure:"send_retries"`
	SendRetryInterval time.Duration `mapstructure:"send_retry_interval"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

type Recording struct {
	BufferDir      string        `mapstructure:"buffer_dir"`
	AutoStartDelay time.Duration `mapstructure:"auto_start_delay"`
	ChunkDuration  time.Duration `mapstructure:"chunk_duration"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
}

type Audio struct {
	DeviceID string  `mapstructure:"device_id"`
	Gain     float64 `mapstructure:"gain"`
}

type LiveFeed struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
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

	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("api_base_url", "http://localhost:8080/api")
	v.SetDefault("display_name", "guest")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("signaling.send_retries", 5)
	v.SetDefault("signaling.send_retry_interval", "100ms")
	v.SetDefault("signaling.send_buffer", 32)
	v.SetDefault("recording.buffer_dir", "./recordings")
	v.SetDefault("recording.auto_start_delay", "2s")
	v.SetDefault("recording.chunk_duration", "5s")
	v.SetDefault("recording.flush_timeout", "10s")
	v.SetDefault("audio.device_id", "default")
	v.SetDefault("audio.gain", 1.0)
	v.SetDefault("live_feed.poll_interval", "3s")
	v.SetDefault("auth_margin", "30s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
