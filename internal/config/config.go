package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DevSecret is the signing secret used when none is configured.
const DevSecret = "courier-map-dev-secret"

// Config is the full configuration of both binaries.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CourierAPI CourierAPIConfig `yaml:"courierAPI"`
	Polling    PollingConfig    `yaml:"polling"`
	Map        MapConfig        `yaml:"map"`
	Render     RenderConfig     `yaml:"render"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Mock       MockConfig       `yaml:"mock"`
}

type ServerConfig struct {
	Port              int    `yaml:"port" validate:"min=1,max=65535"`
	StaticDir         string `yaml:"staticDir" validate:"required"`
	ShutdownTimeoutMs int    `yaml:"shutdownTimeoutMs" validate:"min=1"`
}

type CourierAPIConfig struct {
	BaseURL   string `yaml:"baseURL" validate:"required,url"`
	TimeoutMs int    `yaml:"timeoutMs" validate:"min=1"`
}

type PollingConfig struct {
	IntervalMs   int `yaml:"intervalMs" validate:"min=1"`
	RetryDelayMs int `yaml:"retryDelayMs" validate:"min=1"`
}

type MapConfig struct {
	CenterLat   float64 `yaml:"centerLat" validate:"gte=-90,lte=90"`
	CenterLon   float64 `yaml:"centerLon" validate:"gte=-180,lte=180"`
	Zoom        int     `yaml:"zoom" validate:"min=0,max=22"`
	MaxZoom     int     `yaml:"maxZoom" validate:"min=0,max=22,gtefield=Zoom"`
	TileURL     string  `yaml:"tileURL" validate:"required"`
	Attribution string  `yaml:"attribution"`
}

// RenderConfig styles the marker and path drawn for every courier.
type RenderConfig struct {
	IconURL       string  `yaml:"iconURL" validate:"required"`
	IconWidth     int     `yaml:"iconWidth" validate:"min=1"`
	IconHeight    int     `yaml:"iconHeight" validate:"min=1"`
	PathColor     string  `yaml:"pathColor" validate:"required"`
	PathWeight    int     `yaml:"pathWeight" validate:"min=1"`
	PathOpacity   float64 `yaml:"pathOpacity" validate:"gte=0,lte=1"`
	PathDashArray string  `yaml:"pathDashArray"`
}

type AuthConfig struct {
	Username        string `yaml:"username" validate:"required"`
	Password        string `yaml:"password" validate:"required"`
	Secret          string `yaml:"secret" validate:"required,min=8"`
	SessionTTLHours int    `yaml:"sessionTTLHours" validate:"min=1"`
	SecureCookie    bool   `yaml:"secureCookie"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	Exporter    string  `yaml:"exporter" validate:"oneof=stdout otlp"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio" validate:"gte=0,lte=1"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required,startswith=/"`
}

// MockConfig drives the simulated courier service.
type MockConfig struct {
	Port      int     `yaml:"port" validate:"min=1,max=65535"`
	Couriers  int     `yaml:"couriers" validate:"min=1"`
	Speed     float64 `yaml:"speed" validate:"gt=0"`
	StepMs    int     `yaml:"stepMs" validate:"min=1"`
	RedisAddr string  `yaml:"redisAddr"`
	Seed      int64   `yaml:"seed"`
}

func (c CourierAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

func (p PollingConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

func (a AuthConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionTTLHours) * time.Hour
}

func (m MockConfig) Step() time.Duration {
	return time.Duration(m.StepMs) * time.Millisecond
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8000,
			StaticDir:         "static",
			ShutdownTimeoutMs: 5000,
		},
		CourierAPI: CourierAPIConfig{
			BaseURL:   "http://localhost:8001",
			TimeoutMs: 10000,
		},
		Polling: PollingConfig{
			IntervalMs:   500,
			RetryDelayMs: 3000,
		},
		Map: MapConfig{
			CenterLat:   -30.0346,
			CenterLon:   -51.2177,
			Zoom:        13,
			MaxZoom:     19,
			TileURL:     "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Attribution: "&copy; OpenStreetMap contributors",
		},
		Render: RenderConfig{
			IconURL:       "/static/courier.svg",
			IconWidth:     32,
			IconHeight:    32,
			PathColor:     "#3388ff",
			PathWeight:    3,
			PathOpacity:   0.7,
			PathDashArray: "6 8",
		},
		Auth: AuthConfig{
			Username:        "admin",
			Password:        "admin",
			Secret:          DevSecret,
			SessionTTLHours: 24 * 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "courier-map",
			Exporter:    "stdout",
			Endpoint:    "localhost:4317",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mock: MockConfig{
			Port:     8001,
			Couriers: 10,
			Speed:    0.001,
			StepMs:   100,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty), a .env file if present, and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("COURIER_API_URL"); v != "" {
		c.CourierAPI.BaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Mock.RedisAddr = v
	}
	return nil
}

var validate = validator.New()

// Validate checks every section against its struct tags.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
