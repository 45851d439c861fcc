package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"sshpool/internal/client"
	"sshpool/internal/config"
	"sshpool/internal/events"
	"sshpool/internal/inventory"
	"sshpool/internal/logging"
	"sshpool/internal/session"
	"sshpool/internal/transport"
)

// app bundles what every command needs
type app struct {
	cfg       *config.Config
	inventory *inventory.Inventory
	client    *client.Client
}

func (a *app) Close() {
	if err := a.client.Close(); err != nil {
		logging.Logger().Warn("failed to close session pools", zap.Error(err))
	}
	if err := a.inventory.Close(); err != nil {
		logging.Logger().Warn("failed to close inventory", zap.Error(err))
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newApp loads configuration and builds the inventory and a client that
// resolves every alias through it
func newApp(ctx context.Context) *app {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}

	inv, err := inventory.New(ctx, cfg)
	if err != nil {
		logging.Logger().Fatal("Failed to create inventory", zap.Error(err))
	}

	sink := events.Renamed(events.NewZapSink(logging.Logger(), cfg.EventsEnabled()), cfg.MetricNames())

	opts := transport.DefaultSSHOptions()
	opts.DefaultConnectTimeout = cfg.Defaults.Timeouts.Connect.Std()
	poolCfg, _ := cfg.PoolConfig("")
	pools := session.NewHostPools(transport.NewSSHProvider(opts), poolCfg, sink)

	defaultAlias, _ := cfg.DefaultAlias()
	c := client.NewResolverBacked(inv, pools, client.Options{
		DefaultAlias: defaultAlias,
		RetryFor:     cfg.RetryStrategy,
		Sink:         sink,
		Aliases:      inv.Aliases,
	})

	logging.Logger().Debug("Configuration loaded",
		zap.String("inventory", string(cfg.Inventory.Type)),
		zap.Int("hosts", len(cfg.Hosts)),
		zap.String("default_host", defaultAlias))

	return &app{cfg: cfg, inventory: inv, client: c}
}
