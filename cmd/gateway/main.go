package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/gatewire/internal/config"
	"github.com/rakunlabs/gatewire/internal/dispatcher"
	"github.com/rakunlabs/gatewire/internal/identity"
	"github.com/rakunlabs/gatewire/internal/identitystore"
	"github.com/rakunlabs/gatewire/internal/server"
	"github.com/rakunlabs/gatewire/internal/upstream"

	atcrypto "github.com/rakunlabs/gatewire/internal/crypto"
)

var (
	name    = "gatewire"
	version = "v0.0.0"
)

// exit codes (SPEC_FULL §6).
const (
	exitOK            = 0
	exitConfigError   = 2
	exitPortInUse     = 3
	exitStoreUnreadable = 4
)

func main() {
	config.Service = name + "/" + version

	code := exitOK
	into.Init(func(ctx context.Context) error {
		err := run(ctx)
		code = exitCodeFor(err)
		return err
	},
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)

	if code != exitOK {
		os.Exit(code)
	}
}

type fatalError struct {
	code int
	err  error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return fe.code
	}
	return exitConfigError
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return &fatalError{exitConfigError, fmt.Errorf("load config: %w", err)}
	}

	store, err := openIdentityStore(ctx, cfg.Store)
	if err != nil {
		return &fatalError{exitStoreUnreadable, fmt.Errorf("open identity store: %w", err)}
	}
	defer store.Close()

	refresher := identity.NewOAuthRefresher(cfg.Upstream.OAuthClientID, cfg.Upstream.OAuthClientSecret)

	pool, err := loadIdentityPool(ctx, store, cfg.Identities, refresher)
	if err != nil {
		return &fatalError{exitStoreUnreadable, fmt.Errorf("load identity pool: %w", err)}
	}

	var upstreamOpts []upstream.Option
	if cfg.Upstream.Proxy != "" {
		upstreamOpts = append(upstreamOpts, upstream.WithProxy(cfg.Upstream.Proxy))
	}
	if cfg.Upstream.Timeout > 0 {
		upstreamOpts = append(upstreamOpts, upstream.WithTimeout(cfg.Upstream.Timeout))
	}

	upstreamClient, err := upstream.New(upstreamOpts...)
	if err != nil {
		return &fatalError{exitConfigError, fmt.Errorf("build upstream client: %w", err)}
	}

	seriesRules := make([]dispatcher.Rule, len(cfg.Routing.SeriesModelMap))
	for i, rule := range cfg.Routing.SeriesModelMap {
		seriesRules[i] = dispatcher.Rule{From: rule.From, To: rule.To}
	}
	router := dispatcher.NewModelRouter(cfg.Routing.ExactModelMap, seriesRules, cfg.Routing.DefaultModel)

	schedMode := identity.Mode(cfg.Routing.SchedulingMode)
	disp := dispatcher.New(pool, upstreamClient, schedMode)

	srv := server.New(cfg.Server, pool, disp, router, schedMode)

	slog.Info("gateway listening", "port", cfg.Server.Port, "identities", len(pool.All()), "scheduling_mode", schedMode)

	if err := srv.Start(ctx); err != nil {
		if isAddrInUse(err) {
			return &fatalError{exitPortInUse, fmt.Errorf("listen on port %s: %w", cfg.Server.Port, err)}
		}
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return strings.Contains(err.Error(), "address already in use")
}

// openIdentityStore builds the persistent identity store, deriving the
// at-rest encryption key from config when set (SPEC_FULL §11.1). An empty
// sqlite datasource selects the in-memory store instead.
func openIdentityStore(ctx context.Context, cfg config.Store) (identitystore.Store, error) {
	if cfg.SQLite.Datasource == "" {
		return identitystore.NewMemory(), nil
	}

	var encKey []byte
	if cfg.EncryptionKey != "" {
		key, err := atcrypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		encKey = key
	}

	tablePrefix := identitystore.DefaultTablePrefix
	if cfg.SQLite.TablePrefix != nil {
		tablePrefix = *cfg.SQLite.TablePrefix
	}

	return identitystore.New(ctx, identitystore.Config{
		Datasource:  cfg.SQLite.Datasource,
		TablePrefix: tablePrefix,
		EncKey:      encKey,
	})
}

// loadIdentityPool reconciles persisted identity records with the
// config-declared identity list: config entries missing from the store are
// created on first run, then every persisted, non-disabled record is
// instantiated into the in-memory pool.
func loadIdentityPool(ctx context.Context, store identitystore.Store, configured []config.Identity, refresher identity.Refresher) (*identity.Pool, error) {
	existing, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	byRefresh := make(map[string]bool, len(existing))
	for _, rec := range existing {
		byRefresh[rec.RefreshCredential] = true
	}

	for _, c := range configured {
		if byRefresh[c.RefreshToken] {
			continue
		}
		if err := store.Create(ctx, identitystore.Record{
			Label:             c.Label,
			ProjectID:         c.ProjectID,
			RefreshCredential: c.RefreshToken,
		}); err != nil {
			return nil, fmt.Errorf("persist configured identity %q: %w", c.Label, err)
		}
	}

	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	identities := make([]*identity.Identity, 0, len(records))
	for _, rec := range records {
		if rec.Disabled {
			continue
		}
		identities = append(identities, identity.New(rec.ID, rec.Label, rec.ProjectID, rec.RefreshCredential, refresher))
	}

	return identity.NewPool(identities), nil
}
