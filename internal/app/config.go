package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"` // debug, info, warn, error; empty picks by Env
	HTTPAddr string `yaml:"http_addr"`

	// Origins allowed for CORS and the websocket handshake
	AllowedOrigins []string `yaml:"allowed_origins"`

	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`

	MessageRate   int           `yaml:"message_rate"`   // inbound frames per window per connection
	MessageWindow time.Duration `yaml:"message_window"`
	HandshakeRate int           `yaml:"handshake_rate"` // websocket handshakes per minute per IP

	NotifyRejections bool `yaml:"notify_rejections"`
	ShareReceipts    bool `yaml:"share_receipts"`
}

// Defaults returns the configuration used when nothing is set
func Defaults() Config {
	return Config{
		Env:             "dev",
		HTTPAddr:        ":8080",
		AllowedOrigins:  []string{"http://localhost:4200"},
		IdleTimeout:     60 * time.Second,
		SweepInterval:   10 * time.Second,
		SendBuffer:      256,
		WriteTimeout:    5 * time.Second,
		MaxMessageBytes: 4096,
		MessageRate:     20,
		MessageWindow:   time.Second,
		HandshakeRate:   30,
	}
}

// LoadConfig layers defaults, the optional YAML file at $CONFIG_FILE and
// environment variables, in that order
func LoadConfig() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	keepPositive(cfg, Defaults())
	return nil
}

// keepPositive puts back the default for any numeric limit the file set to
// zero or below, matching how the env overrides treat such values
func keepPositive(cfg *Config, def Config) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = def.MessageRate
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = def.MessageWindow
	}
	if cfg.HandshakeRate <= 0 {
		cfg.HandshakeRate = def.HandshakeRate
	}
}

func applyEnv(cfg *Config) {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SendBuffer = getEnvInt("SEND_BUFFER", cfg.SendBuffer)
	cfg.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.MaxMessageBytes = int64(getEnvInt("MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes)))
	cfg.MessageRate = getEnvInt("MESSAGE_RATE", cfg.MessageRate)
	cfg.MessageWindow = getEnvDuration("MESSAGE_WINDOW", cfg.MessageWindow)
	cfg.HandshakeRate = getEnvInt("HANDSHAKE_RATE", cfg.HandshakeRate)
	cfg.NotifyRejections = getEnvBool("NOTIFY_REJECTIONS", cfg.NotifyRejections)
	cfg.ShareReceipts = getEnvBool("SHARE_RECEIPTS", cfg.ShareReceipts)
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getEnvInt parses a positive int env var with a fallback
func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

// getEnvDuration parses values like "60s"; bad or non-positive values keep the fallback
func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getEnvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
