package offlineshell

import (
	"errors"
	"net/url"
	"time"

	"github.com/always-cache/offline-shell/cache"
	responsetransformer "github.com/always-cache/offline-shell/pkg/response-transformer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	// DefaultUpdateInterval is how often the host checks the origin for a new version.
	DefaultUpdateInterval = 60 * time.Second
	// DefaultVersionPath is the origin path of the version document.
	DefaultVersionPath = "/version.json"
	// ControlPrefix is the path prefix of the control endpoints.
	ControlPrefix = "/__offline"
)

type Config struct {
	// Storage for cache partitions.
	Cache cache.CacheProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Network replaces the origin client, e.g. in tests.
	Network Network
	// Name of the application, shown on the offline page.
	AppName string
	// Prefix of the partition names, e.g. "speller".
	CachePrefix string
	// Version tag of the first worker, e.g. "v1".
	Version string
	// Paths pre-cached in the static partition on install.
	StaticResources []string
	// Interval of the background update check.
	// Zero means DefaultUpdateInterval, negative disables the check.
	UpdateInterval time.Duration
	// Origin path of the version document, DefaultVersionPath if empty.
	VersionPath string
	// Keep installed versions waiting until a page asks to skip waiting.
	ManualActivation bool
	// Rules applied to origin responses.
	Rules responsetransformer.Rules
	// Receives update notifications. Logged if nil.
	Notifier Notifier
	// Metrics registerer. Metrics are not exported if nil.
	Registerer prometheus.Registerer
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

func (c Config) validate() error {
	var errs []error
	if c.Cache == nil {
		errs = append(errs, errors.New("cache provider is required"))
	}
	if c.Network == nil && c.OriginURL.Host == "" {
		errs = append(errs, errors.New("origin url is required"))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if c.CachePrefix == "" {
		errs = append(errs, errors.New("cache prefix is required"))
	}
	if len(c.StaticResources) == 0 {
		errs = append(errs, errors.New("at least one static resource is required"))
	}
	return errors.Join(errs...)
}
