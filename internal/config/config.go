// Package config loads the gateway's runtime configuration (SPEC_FULL §6
// "Configuration keys").
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service identifies the running binary (name/version) for the server
// middleware's response header and structured logs.
var Service = ""

// Config is the gateway's top-level configuration.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server     Server      `cfg:"server"`
	Identities []Identity  `cfg:"identities"`
	Routing    Routing     `cfg:"routing"`
	Store      Store       `cfg:"store"`
	Upstream   Upstream    `cfg:"upstream"`
	Telemetry  tell.Config `cfg:"telemetry,noprefix"`
}

// Server configures the listener and its access control.
type Server struct {
	Port string `cfg:"port" default:"8045"`

	// APIKey, if set, is the bearer token clients must present. If empty,
	// the gateway accepts unauthenticated requests on loopback only unless
	// AllowLANAccess is true.
	APIKey string `cfg:"api_key" log:"-"`

	// AllowLANAccess binds the listener to 0.0.0.0 instead of 127.0.0.1.
	// Refused at startup (exit code 2) if true and APIKey is empty.
	AllowLANAccess bool `cfg:"allow_lan_access"`

	// RequestTimeout is loaded from config but no handler applies it; the
	// dispatcher's own 30 s wall-clock budget bounds its retry loop.
	RequestTimeout time.Duration `cfg:"request_timeout" default:"120s"`
}

// Identity is one pooled upstream OAuth account, supplied at startup and
// persisted into the identity store on first load.
type Identity struct {
	Label        string `cfg:"label"`
	ProjectID    string `cfg:"project_id"`
	RefreshToken string `cfg:"refresh_token" log:"-"`
}

// Routing configures model-id translation and identity scheduling.
type Routing struct {
	// SchedulingMode selects how the dispatcher picks an identity for each
	// request: "round-robin", "least-recently-used", "best-quota", or
	// "sticky".
	SchedulingMode string `cfg:"scheduling_mode" default:"round-robin"`

	// ExactModelMap maps a client-requested model id to an upstream model
	// id verbatim.
	ExactModelMap map[string]string `cfg:"exact_model_map"`

	// SeriesModelMap maps a "prefix-*" pattern to an upstream model id,
	// consulted after ExactModelMap misses. A slice, not a map, so
	// declaration order (the tie-break for overlapping prefixes) survives
	// config loading.
	SeriesModelMap []SeriesRule `cfg:"series_model_map"`

	// DefaultModel is used when neither map matches; empty passes the
	// client-requested model id through unchanged.
	DefaultModel string `cfg:"default_model"`
}

// SeriesRule is one ordered "prefix-*" routing entry.
type SeriesRule struct {
	From string `cfg:"from"`
	To   string `cfg:"to"`
}

// Store configures identity persistence.
type Store struct {
	SQLite StoreSQLite `cfg:"sqlite"`

	// EncryptionKey wraps refresh credentials at rest with AES-256-GCM
	// before they reach the database; access credentials are stored as
	// given.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StoreSQLite struct {
	Datasource  string  `cfg:"datasource" default:"file:gatewire.db?_pragma=busy_timeout(5000)"`
	TablePrefix *string `cfg:"table_prefix"`
}

// Upstream configures outbound calls to the Cloud Code API family.
type Upstream struct {
	// Proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL for outbound upstream
	// calls.
	Proxy string `cfg:"proxy"`

	// Timeout bounds a single upstream HTTP attempt.
	Timeout time.Duration `cfg:"timeout" default:"300s"`

	// OAuthClientID and OAuthClientSecret identify this gateway to Google's
	// OAuth token endpoint when exchanging a pooled identity's refresh
	// credential for an access token. Operators register their own OAuth
	// client; the gateway ships with none baked in.
	OAuthClientID     string `cfg:"oauth_client_id"`
	OAuthClientSecret string `cfg:"oauth_client_secret" log:"-"`
}

// Load reads configuration from path (and env overrides under the
// GATEWIRE_ prefix), then applies the log level.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("GATEWIRE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	if cfg.Server.AllowLANAccess && cfg.Server.APIKey == "" {
		return nil, fmt.Errorf("server.allow_lan_access requires server.api_key to be set")
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
