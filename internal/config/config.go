package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// History drivers.
const (
	HistoryMemory   = "memory"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

type TLSConfig struct {
	Mode     string `json:"mode" yaml:"mode" validate:"omitempty,oneof=self-signed manual"`
	CertFile string `json:"certFile" yaml:"certFile" validate:"required_if=Mode manual"`
	KeyFile  string `json:"keyFile" yaml:"keyFile" validate:"required_if=Mode manual"`
	CacheDir string `json:"cacheDir" yaml:"cacheDir"` // self-signed cert location; defaults to ~/.jobkit/certs
}

type AuthConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// JWTSecret signs access tokens. When empty a secret is generated once
	// and kept in the database.
	JWTSecret       string   `json:"jwtSecret" yaml:"jwtSecret"`
	AccessTokenTTL  Duration `json:"accessTokenTTL" yaml:"accessTokenTTL"`
	RefreshTokenTTL Duration `json:"refreshTokenTTL" yaml:"refreshTokenTTL"`
}

type WebserverConfig struct {
	Enabled bool       `json:"enabled" yaml:"enabled"`
	Port    int        `json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Host    string     `json:"host" yaml:"host"`
	TLS     TLSConfig  `json:"tls" yaml:"tls"`
	Auth    AuthConfig `json:"auth" yaml:"auth"`
}

// Addr returns the listen address.
func (wc WebserverConfig) Addr() string {
	return fmt.Sprintf("%s:%d", wc.Host, wc.Port)
}

type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from" validate:"omitempty,email"`
}

// NotificationsConfig holds the notification transports shared by every job.
type NotificationsConfig struct {
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	Webhook    string     `json:"webhook" yaml:"webhook" validate:"omitempty,url"`
	NtfyURL    string     `json:"ntfy" yaml:"ntfy" validate:"omitempty,url"`
	SlackURL   string     `json:"slack" yaml:"slack" validate:"omitempty,url"`
	SMTP       SMTPConfig `json:"smtp" yaml:"smtp"`
	MaxRetries int        `json:"maxRetries" yaml:"maxRetries" validate:"gte=0"`
	RetryWait  Duration   `json:"retryWait" yaml:"retryWait"`
}

type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subjectPrefix" yaml:"subjectPrefix"`
}

type TracingConfig struct {
	Exporter   string  `json:"exporter" yaml:"exporter" validate:"omitempty,oneof=none stdout"`
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate" validate:"gte=0,lte=1"`
}

type Config struct {
	Title         string              `json:"title" yaml:"title"`
	LogDir        string              `json:"logDir" yaml:"logDir"`
	LogLevel      string              `json:"logLevel" yaml:"logLevel" validate:"omitempty,oneof=debug info warn warning error"`
	LogStderr     bool                `json:"logStderr" yaml:"logStderr"`
	DBPath        string              `json:"dbPath" yaml:"dbPath"`
	History       string              `json:"history" yaml:"history" validate:"oneof=memory sqlite postgres"`
	PostgresDSN   string              `json:"postgresDSN" yaml:"postgresDSN" validate:"required_if=History postgres"`
	Webserver     WebserverConfig     `json:"webserver" yaml:"webserver"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	NATS          NATSConfig          `json:"nats" yaml:"nats"`
	Tracing       TracingConfig       `json:"tracing" yaml:"tracing"`
	Jobs          []JobConfig         `json:"jobs" yaml:"jobs" validate:"unique=Name,dive"`
}

// TitleOrDefault returns the title or a default.
func (c Config) TitleOrDefault() string {
	if c.Title != "" {
		return c.Title
	}
	return "Jobkit"
}

func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".jobkit")
}

func Defaults() Config {
	return Config{
		LogDir:   filepath.Join(Dir(), "logs"),
		LogLevel: "info",
		DBPath:   DBPath(),
		History:  HistorySQLite,
		Webserver: WebserverConfig{
			Enabled: true,
			Port:    8080,
			Host:    "0.0.0.0",
		},
		Notifications: NotificationsConfig{
			MaxRetries: 3,
		},
		NATS: NATSConfig{
			SubjectPrefix: "jobkit",
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			SampleRate: 1,
		},
	}
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

func DBPath() string {
	return filepath.Join(Dir(), "state.db")
}

// Load reads the config file at path on top of Defaults, then applies
// JOBKIT_* environment overrides (a .env file in the working directory is
// read first) and validates the result. A missing file is not an error.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	if err == nil {
		if err := Parse(path, data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes data into cfg, picking the format from the path extension.
func Parse(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// Env holds the settings that may be overridden from the environment.
type Env struct {
	Title       string `envconfig:"TITLE"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogDir      string `envconfig:"LOG_DIR"`
	DBPath      string `envconfig:"DB_PATH"`
	History     string `envconfig:"HISTORY"`
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	Host        string `envconfig:"HOST"`
	Port        int    `envconfig:"PORT"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	NATSURL     string `envconfig:"NATS_URL"`
}

// ApplyEnv overlays non-empty JOBKIT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envconfig.Process("jobkit", &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	setString(&cfg.Title, env.Title)
	setString(&cfg.LogLevel, env.LogLevel)
	setString(&cfg.LogDir, env.LogDir)
	setString(&cfg.DBPath, env.DBPath)
	setString(&cfg.History, env.History)
	setString(&cfg.PostgresDSN, env.PostgresDSN)
	setString(&cfg.Webserver.Host, env.Host)
	setString(&cfg.Webserver.Auth.JWTSecret, env.JWTSecret)
	setString(&cfg.NATS.URL, env.NATSURL)
	if env.Port != 0 {
		cfg.Webserver.Port = env.Port
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

var validate = validator.New()

// Validate checks struct constraints and the parameter input kinds.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, job := range cfg.Jobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// ValidateJob checks a single job config, e.g. one built from command line flags.
func ValidateJob(job JobConfig) error {
	if err := validate.Struct(job); err != nil {
		return err
	}
	return job.Validate()
}
