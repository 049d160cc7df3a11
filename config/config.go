package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// SystemConfig holds process-level settings.
type SystemConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LoggerConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type DatabaseConfig struct {
	Type    string `yaml:"type" json:"type"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	Name    string `yaml:"name" json:"name"`
	User    string `yaml:"user" json:"user"`
	Passwd  string `yaml:"passwd" json:"passwd"`
	MaxConn int    `yaml:"max_conn" json:"max_conn"`
	Debug   bool   `yaml:"debug" json:"debug"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// MessagingConfig controls the per-session connection lifecycle.
// Durations are expressed in seconds unless noted otherwise.
type MessagingConfig struct {
	PairingTimeout       int `yaml:"pairing_timeout" json:"pairing_timeout"`
	ReconnectTimeout     int `yaml:"reconnect_timeout" json:"reconnect_timeout"`
	ReconnectDelay       int `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	QRExpiry             int `yaml:"qr_expiry" json:"qr_expiry"`
	IdleTimeout          int `yaml:"idle_timeout" json:"idle_timeout"`
	SweepInterval        int `yaml:"sweep_interval" json:"sweep_interval"`
	ReadyPollAttempts    int `yaml:"ready_poll_attempts" json:"ready_poll_attempts"`
	ReadyPollIntervalMs  int `yaml:"ready_poll_interval_ms" json:"ready_poll_interval_ms"`
}

// WorkerConfig describes one named worker queue: how many jobs may run at
// once and how many may start within a rolling window.
type WorkerConfig struct {
	Concurrency     int `yaml:"concurrency" json:"concurrency"`
	RateLimitMax    int `yaml:"rate_limit_max" json:"rate_limit_max"`
	RateLimitWindow int `yaml:"rate_limit_window" json:"rate_limit_window"`
}

type WorkersConfig struct {
	Auth        WorkerConfig `yaml:"auth" json:"auth"`
	Message     WorkerConfig `yaml:"message" json:"message"`
	Maintenance WorkerConfig `yaml:"maintenance" json:"maintenance"`
}

type BulkConfig struct {
	BatchSize    int `yaml:"batch_size" json:"batch_size"`
	BatchDelayMs int `yaml:"batch_delay_ms" json:"batch_delay_ms"`
}

type AppConfig struct {
	System    SystemConfig    `yaml:"system" json:"system"`
	Logger    LoggerConfig    `yaml:"logger" json:"logger"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Messaging MessagingConfig `yaml:"messaging" json:"messaging"`
	Workers   WorkersConfig   `yaml:"workers" json:"workers"`
	Bulk      BulkConfig      `yaml:"bulk" json:"bulk"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		System: SystemConfig{
			Appid:    "wagate",
			Location: "Asia/Jakarta",
			Workdir:  "/var/wagate",
		},
		Logger: LoggerConfig{
			Mode:     "development",
			Filename: "/var/wagate/wagate.log",
		},
		Database: DatabaseConfig{
			Type:    "postgres",
			Host:    "127.0.0.1",
			Port:    5432,
			Name:    "wagate",
			User:    "postgres",
			MaxConn: 100,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Messaging: MessagingConfig{
			PairingTimeout:       300,
			ReconnectTimeout:     60,
			ReconnectDelay:       5,
			MaxReconnectAttempts: 3,
			QRExpiry:             60,
			IdleTimeout:          1800,
			SweepInterval:        300,
			ReadyPollAttempts:    20,
			ReadyPollIntervalMs:  500,
		},
		Workers: WorkersConfig{
			Auth:        WorkerConfig{Concurrency: 2, RateLimitMax: 10, RateLimitWindow: 60},
			Message:     WorkerConfig{Concurrency: 5, RateLimitMax: 60, RateLimitWindow: 60},
			Maintenance: WorkerConfig{Concurrency: 1, RateLimitMax: 6, RateLimitWindow: 60},
		},
		Bulk: BulkConfig{
			BatchSize:    10,
			BatchDelayMs: 1000,
		},
	}
}

// LoadConfig reads a yaml config file, falling back to defaults for any
// section the file omits.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := DefaultConfig()
	if cfile == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(cfile)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
