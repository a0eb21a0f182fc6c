package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/race-coordinator/internal/race"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Race struct {
		Capacity    int               `yaml:"capacity"`
		MaxLaps     int               `yaml:"max_laps"`
		SpawnPoints []race.SpawnPoint `yaml:"spawn_points"`
		Characters  []string          `yaml:"characters"`
	} `yaml:"race"`

	WebSocket struct {
		PingPeriod     time.Duration `yaml:"ping_period"`
		PongWait       time.Duration `yaml:"pong_wait"`
		WriteWait      time.Duration `yaml:"write_wait"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		SendBuffer     int           `yaml:"send_buffer"`
		InboundBuffer  int           `yaml:"inbound_buffer"`
		AllowedOrigins []string      `yaml:"allowed_origins"` // 空白表示允許全部
	} `yaml:"websocket"`

	Redis struct {
		Enabled        bool          `yaml:"enabled"`
		Addr           string        `yaml:"addr"`
		Password       string        `yaml:"password"`
		DB             int           `yaml:"db"`
		PoolSize       int           `yaml:"pool_size"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		ResultsKey     string        `yaml:"results_key"`
		LeaderboardKey string        `yaml:"leaderboard_key"`
		MaxResults     int64         `yaml:"max_results"`
	} `yaml:"redis"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Results struct {
		QueueSize      int           `yaml:"queue_size"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
	} `yaml:"results"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
		TimeZone  string `yaml:"time_zone"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 3000
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Race.Capacity = race.DefaultCapacity
	cfg.Race.MaxLaps = race.DefaultMaxLaps

	// 54s ping / 60s pong：在常見代理的 60 秒閒置超時前送出心跳
	cfg.WebSocket.PingPeriod = 54 * time.Second
	cfg.WebSocket.PongWait = 60 * time.Second
	cfg.WebSocket.WriteWait = 10 * time.Second
	cfg.WebSocket.MaxMessageSize = 4096
	cfg.WebSocket.SendBuffer = 256
	cfg.WebSocket.InboundBuffer = 1024

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.ResultsKey = "race:results"
	cfg.Redis.LeaderboardKey = "race:wins"
	cfg.Redis.MaxResults = 100

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Subject = "race.finished"

	cfg.Results.QueueSize = 64
	cfg.Results.PublishTimeout = 5 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// LoadConfig 載入配置檔案
//
// 檔案內容覆蓋在預設值之上；path 為空時只使用預設值。
// 環境變數 PORT 優先於檔案中的 server.port。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數，非使用者輸入
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Race.Capacity <= 0 {
		return fmt.Errorf("race.capacity must be positive, got %d", c.Race.Capacity)
	}
	if c.Race.MaxLaps <= 0 {
		return fmt.Errorf("race.max_laps must be positive, got %d", c.Race.MaxLaps)
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.PongWait <= 0 {
		return fmt.Errorf("websocket ping_period and pong_wait must be positive")
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return fmt.Errorf("websocket.ping_period (%s) must be shorter than pong_wait (%s)",
			c.WebSocket.PingPeriod, c.WebSocket.PongWait)
	}
	if c.WebSocket.SendBuffer <= 0 || c.WebSocket.InboundBuffer <= 0 {
		return fmt.Errorf("websocket buffers must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		return fmt.Errorf("nats.url and nats.subject are required when nats is enabled")
	}
	return nil
}

// RegistryOptions 將配置轉為註冊表選項
func (c *Config) RegistryOptions() []race.Option {
	return []race.Option{
		race.WithCapacity(c.Race.Capacity),
		race.WithMaxLaps(c.Race.MaxLaps),
		race.WithSpawnPoints(c.Race.SpawnPoints),
		race.WithCharacters(c.Race.Characters),
	}
}
