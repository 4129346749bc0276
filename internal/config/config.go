package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/joeshaw/envdecode"
)

type OAuthClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type Config struct {
	Database struct {
		ConnectString      string `json:"connect_string" env:"DB_CONNECT_STRING"`
		Database           string `json:"database" env:"DB_NAME"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
		CacheTTL           string `json:"cache_ttl"`
		CacheSize          int    `json:"cache_size"`
	} `json:"database"`
	PubSub struct {
		Address string `json:"address" env:"PS_ADDRESS"`
		Port    int    `json:"port" env:"PS_PORT"`
	} `json:"pubsub"`
	Gateway struct {
		Port              int    `json:"port" env:"GATEWAY_PORT"`
		HeartbeatInterval string `json:"heartbeat_interval"`
		ResumeWindow      string `json:"resume_window"`
		ReplayCapacity    int    `json:"replay_capacity"`
		PresenceDebounce  string `json:"presence_debounce"`
	} `json:"gateway"`
	RemoteAuth struct {
		Port int `json:"port" env:"REMOTE_AUTH_PORT"`
	} `json:"remote_auth"`
	API struct {
		Port int `json:"port" env:"API_PORT"`
	} `json:"api"`
	Key         string                 `json:"key" env:"KEY"`
	GatewayHost string                 `json:"gateway_host" env:"GATEWAY_HOST"`
	CdnHost     string                 `json:"cdn_host" env:"CDN_HOST"`
	Connections map[string]OAuthClient `json:"connections"`
	DebugMode   bool                   `json:"debug_mode" env:"DEBUG_MODE"`
	AppName     string                 `json:"app_name"`
}

// PubSubURL is the broker endpoint every worker dials.
func (c *Config) PubSubURL() string {
	return fmt.Sprintf("ws://%s:%d/", c.PubSub.Address, c.PubSub.Port)
}

func Default() Config {
	var cfg Config
	cfg.Database.ConnectString = "mongodb://127.0.0.1:27017"
	cfg.Database.Database = "chat"
	cfg.Database.ConnectTimeout = "10s"
	cfg.Database.SocketTimeout = "30s"
	cfg.Database.ConnectIdleTimeout = "5m"
	cfg.Database.OperationTimeout = "5s"
	cfg.Database.Heartbeat = "10s"
	cfg.Database.MinPoolSize = 4
	cfg.Database.MaxPoolSize = 64
	cfg.Database.CacheTTL = "30s"
	cfg.Database.CacheSize = 4096
	cfg.PubSub.Address = "127.0.0.1"
	cfg.PubSub.Port = 5050
	cfg.Gateway.Port = 8080
	cfg.Gateway.HeartbeatInterval = "45s"
	cfg.Gateway.ResumeWindow = "60s"
	cfg.Gateway.ReplayCapacity = 256
	cfg.Gateway.PresenceDebounce = "5s"
	cfg.RemoteAuth.Port = 8081
	cfg.API.Port = 8082
	cfg.GatewayHost = "127.0.0.1:8080"
	cfg.CdnHost = "127.0.0.1:8083"
	cfg.Connections = map[string]OAuthClient{}
	cfg.AppName = "life-stream-chat"
	return cfg
}

var (
	config      Config
	initialized bool
	mu          sync.Mutex
)

func path() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return "config.json"
}

// ReadConfig loads the JSON file and applies environment overrides on top of it.
// A missing file is written out with defaults so it can be edited.
func ReadConfig() (Config, error) {
	mu.Lock()
	defer mu.Unlock()

	cfg := Default()
	bytes, err := os.ReadFile(path())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("unable to read configuration file: %w", err)
		}
		data, _ := json.MarshalIndent(cfg, "", "\t")
		_ = os.WriteFile(path(), data, 0644)
	} else if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, errors.New("the configuration file does not contain valid JSON")
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	config = cfg
	initialized = true
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("invalid environment configuration: %w", err)
	}
	return nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig()
}
