// Package config loads the offline-shell command configuration.
//
// Precedence, highest first: command line flags (applied by the caller),
// environment variables (OFFLINE_SHELL_*), the YAML file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	responsetransformer "github.com/always-cache/offline-shell/pkg/response-transformer"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "OFFLINE_SHELL_"

type Config struct {
	Origin    Origin                    `yaml:"origin"`
	Server    Server                    `yaml:"server"`
	Cache     Cache                     `yaml:"cache"`
	App       App                       `yaml:"app"`
	Log       Log                       `yaml:"log"`
	Telemetry Telemetry                 `yaml:"telemetry"`
	Rules     responsetransformer.Rules `yaml:"rules"`
}

type Origin struct {
	// URL of the origin, e.g. https://speller.example.
	URL string `yaml:"url" env:"URL" validate:"required,url"`
	// Hostname for requests and TLS when the URL is an address.
	Host string `yaml:"host" env:"HOST"`
}

type Server struct {
	Port        int `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	MetricsPort int `yaml:"metricsPort" env:"METRICS_PORT" validate:"omitempty,min=1,max=65535,nefield=Port"`
}

type Cache struct {
	Provider string `yaml:"provider" env:"PROVIDER" validate:"oneof=sqlite badger memory"`
	// Database file for sqlite, directory for badger.
	Path   string `yaml:"path" env:"PATH"`
	Prefix string `yaml:"prefix" env:"PREFIX" validate:"required"`
}

type App struct {
	Name             string        `yaml:"name" env:"NAME"`
	Version          string        `yaml:"version" env:"VERSION" validate:"required"`
	StaticResources  []string      `yaml:"staticResources" env:"STATIC_RESOURCES" validate:"required,min=1,dive,startswith=/"`
	VersionPath      string        `yaml:"versionPath" env:"VERSION_PATH" validate:"omitempty,startswith=/"`
	UpdateInterval   time.Duration `yaml:"updateInterval" env:"UPDATE_INTERVAL"`
	ManualActivation bool          `yaml:"manualActivation" env:"MANUAL_ACTIVATION"`
}

type Log struct {
	Trace bool   `yaml:"trace" env:"TRACE"`
	File  string `yaml:"file" env:"FILE"`
}

type Telemetry struct {
	// OTLP/HTTP endpoint. Tracing is off when empty.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
}

// Default returns the configuration of the Speller application shell.
func Default() Config {
	return Config{
		Server: Server{Port: 8080},
		Cache: Cache{
			Provider: "sqlite",
			Path:     "cache.db",
			Prefix:   "speller",
		},
		App: App{
			Name:    "Speller",
			Version: "v1",
			StaticResources: []string{
				"/",
				"/index.html",
				"/style.css",
				"/script.js",
				"/data.json",
				"/manifest.json",
			},
			VersionPath:    "/version.json",
			UpdateInterval: time.Minute,
		},
	}
}

// Load reads the YAML file, if a path is given, over the defaults and
// applies environment overrides. The result is not validated, so that
// flags can still fill in missing values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := parseEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"ORIGIN_", &cfg.Origin},
		{"SERVER_", &cfg.Server},
		{"CACHE_", &cfg.Cache},
		{"APP_", &cfg.App},
		{"LOG_", &cfg.Log},
		{"TELEMETRY_", &cfg.Telemetry},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and reports every invalid field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(errs...)
}
