package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Workdir  string `yaml:"workdir" json:"workdir"`
	Location string `yaml:"location" json:"location"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// BrokerConfig describes the backend broker the sync engine talks to.
type BrokerConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	TenantID     string        `yaml:"tenant_id" json:"tenant_id"`
	RealtimeURL  string        `yaml:"realtime_url" json:"realtime_url"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	AuthToken    string        `yaml:"auth_token" json:"auth_token"`
	AuthTokenEnv string        `yaml:"auth_token_env" json:"auth_token_env"`
}

type WebConfig struct {
	Listen    string `yaml:"listen" json:"listen"`
	JwtSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

type SyncConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	AutoQR       bool          `yaml:"auto_qr" json:"auto_qr"`
	Realtime     bool          `yaml:"realtime" json:"realtime"`
}

type AppConfig struct {
	System SysConfig    `yaml:"system" json:"system"`
	Logger LogConfig    `yaml:"logger" json:"logger"`
	Broker BrokerConfig `yaml:"broker" json:"broker"`
	Web    WebConfig    `yaml:"web" json:"web"`
	Sync   SyncConfig   `yaml:"sync" json:"sync"`
}

// DefaultAppConfig returns a runnable development configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Workdir:  "/var/waconsole",
			Location: "Asia/Jakarta",
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "/var/waconsole/waconsole.log",
		},
		Broker: BrokerConfig{
			BaseURL:      "http://127.0.0.1:8088/api/v1/instances",
			Timeout:      15 * time.Second,
			AuthTokenEnv: "WACONSOLE_TOKEN",
		},
		Web: WebConfig{
			Listen: ":1890",
		},
		Sync: SyncConfig{
			PollInterval: 30 * time.Second,
			AutoQR:       true,
			Realtime:     true,
		},
	}
}

// LoadConfig reads a YAML config file, falling back to defaults for any
// section the file omits. Environment variables override the token and
// broker address so secrets stay out of the file.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("WACONSOLE_BROKER_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("WACONSOLE_WEB_LISTEN"); v != "" {
		cfg.Web.Listen = v
	}
	if cfg.Broker.AuthTokenEnv != "" {
		if v := os.Getenv(cfg.Broker.AuthTokenEnv); v != "" {
			cfg.Broker.AuthToken = v
		}
	}
	if cfg.Broker.Timeout <= 0 {
		cfg.Broker.Timeout = 15 * time.Second
	}
	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = 30 * time.Second
	}
	return cfg, nil
}
