package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  string   `yaml:"readTimeout"`  // 15s
	WriteTimeout string   `yaml:"writeTimeout"` // 30s
	IdleTimeout  string   `yaml:"idleTimeout"`  // 60s
	CORSOrigins  []string `yaml:"corsOrigins"`
}

type GRPC struct {
	Addr string `yaml:"addr"` // empty disables the admin service
}

type WS struct {
	SendBuffer      int     `yaml:"sendBuffer"`
	ReadLimit       int64   `yaml:"readLimit"`
	PingInterval    string  `yaml:"pingInterval"`
	WriteWait       string  `yaml:"writeWait"`
	HandlerTimeout  string  `yaml:"handlerTimeout"`
	EventsPerSecond float64 `yaml:"eventsPerSecond"`
	Burst           int     `yaml:"burst"`
	MaxViolations   int     `yaml:"maxViolations"`
}

type Room struct {
	TypingWindow string `yaml:"typingWindow"` // 1s
	MailboxSize  int    `yaml:"mailboxSize"`
	MaxHistory   int    `yaml:"maxHistory"`
}

type Sandbox struct {
	BaseURL       string            `yaml:"baseURL"` // empty disables code execution
	Timeout       string            `yaml:"timeout"`
	QueueTimeout  string            `yaml:"queueTimeout"`
	MaxConcurrent int64             `yaml:"maxConcurrent"`
	MaxCodeBytes  int               `yaml:"maxCodeBytes"`
	Languages     []string          `yaml:"languages"`
	Versions      map[string]string `yaml:"versions"`
}

type Postgres struct {
	DSN             string `yaml:"dsn"` // empty disables conversation history
	MaxConns        int32  `yaml:"maxConns"`
	MinConns        int32  `yaml:"minConns"`
	MaxConnLifetime string `yaml:"maxConnLifetime"`
	MaxConnIdleTime string `yaml:"maxConnIdleTime"`
	Migrate         bool   `yaml:"migrate"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|prod
	Service   string `yaml:"service"`   // coderoom
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	WS       WS       `yaml:"ws"`
	Room     Room     `yaml:"room"`
	Sandbox  Sandbox  `yaml:"sandbox"`
	Postgres Postgres `yaml:"postgres"`
	Logging  Logging  `yaml:"logging"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	for name, v := range map[string]string{
		"http.readTimeout":         c.HTTP.ReadTimeout,
		"http.writeTimeout":        c.HTTP.WriteTimeout,
		"http.idleTimeout":         c.HTTP.IdleTimeout,
		"ws.pingInterval":          c.WS.PingInterval,
		"ws.writeWait":             c.WS.WriteWait,
		"ws.handlerTimeout":        c.WS.HandlerTimeout,
		"room.typingWindow":        c.Room.TypingWindow,
		"sandbox.timeout":          c.Sandbox.Timeout,
		"sandbox.queueTimeout":     c.Sandbox.QueueTimeout,
		"postgres.maxConnLifetime": c.Postgres.MaxConnLifetime,
		"postgres.maxConnIdleTime": c.Postgres.MaxConnIdleTime,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	if c.Room.MailboxSize < 0 || c.Room.MaxHistory < 0 {
		return errors.New("room.mailboxSize and room.maxHistory must not be negative")
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return errors.New("sandbox.maxConcurrent must not be negative")
	}
	if c.WS.EventsPerSecond < 0 {
		return errors.New("ws.eventsPerSecond must not be negative")
	}
	if c.Sandbox.BaseURL != "" &&
		!strings.HasPrefix(c.Sandbox.BaseURL, "http://") && !strings.HasPrefix(c.Sandbox.BaseURL, "https://") {
		return fmt.Errorf("sandbox.baseURL: %q is not an http(s) url", c.Sandbox.BaseURL)
	}

	// defaults for whatever was left out
	if c.HTTP.ReadTimeout == "" {
		c.HTTP.ReadTimeout = "15s"
	}
	if c.HTTP.WriteTimeout == "" {
		c.HTTP.WriteTimeout = "30s"
	}
	if c.HTTP.IdleTimeout == "" {
		c.HTTP.IdleTimeout = "60s"
	}
	if c.Room.TypingWindow == "" {
		c.Room.TypingWindow = "1s"
	}
	if c.Room.MailboxSize == 0 {
		c.Room.MailboxSize = 256
	}
	if c.Room.MaxHistory == 0 {
		c.Room.MaxHistory = 500
	}
	if c.Sandbox.Timeout == "" {
		c.Sandbox.Timeout = "10s"
	}
	if c.Sandbox.MaxConcurrent == 0 {
		c.Sandbox.MaxConcurrent = 8
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "coderoom"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	return nil
}

// Duration parses one of the validated duration fields.
func Duration(s string, def time.Duration) time.Duration {
	return parseDurationOr(def, s)
}

// parseDurationOr returns def for empty or unparsable values.
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
