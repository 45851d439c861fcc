// Package inventory resolves host aliases to identities from the configured
// backend: the config file itself, etcd, an HTTP service or a cloud API.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"sshpool/internal/config"
	"sshpool/internal/host"
	"sshpool/internal/logging"
)

// Lister is implemented by resolvers that can enumerate their aliases
type Lister interface {
	Aliases(ctx context.Context) ([]string, error)
}

// Writer is implemented by backends that store host records
type Writer interface {
	Put(ctx context.Context, alias string, record []byte) error
	Delete(ctx context.Context, alias string) error
}

// Inventory is the resolver assembled from configuration. Hosts defined in
// the config file shadow the backend.
type Inventory struct {
	host.Resolver
	listers []Lister
	closers []func() error
	writer  Writer
}

// Writer returns the backend's record store, if it has one
func (inv *Inventory) Writer() (Writer, bool) {
	return inv.writer, inv.writer != nil
}

// Aliases lists every alias the inventory can enumerate. Cloud backends
// cannot, so only config hosts are listed for them.
func (inv *Inventory) Aliases(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for _, l := range inv.listers {
		aliases, err := l.Aliases(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range aliases {
			seen[a] = true
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// Close releases backend connections
func (inv *Inventory) Close() error {
	var errs []error
	for _, c := range inv.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the inventory for cfg (factory pattern over inventory.type)
func New(ctx context.Context, cfg *config.Config) (*Inventory, error) {
	identities, err := cfg.StaticIdentities()
	if err != nil {
		return nil, err
	}
	static := host.NewStaticResolver(identities)
	inv := &Inventory{Resolver: static, listers: []Lister{staticLister{static}}}

	if cfg.Inventory.Type == config.InventoryStatic {
		return inv, nil
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	inv.Resolver = host.Chain{static, backend}
	if l, ok := backend.(Lister); ok {
		inv.listers = append(inv.listers, l)
	}
	if w, ok := backend.(Writer); ok {
		inv.writer = w
	}
	if c, ok := backend.(interface{ Close() error }); ok {
		inv.closers = append(inv.closers, c.Close)
	}

	logging.Logger().Info("Host inventory ready",
		zap.String("type", string(cfg.Inventory.Type)),
		zap.Int("static_hosts", len(identities)))
	return inv, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (host.Resolver, error) {
	template, err := cfg.Template()
	if err != nil {
		return nil, err
	}

	inv := cfg.Inventory
	switch inv.Type {
	case config.InventoryEtcd:
		if inv.Etcd == nil {
			return nil, fmt.Errorf("etcd config is nil")
		}
		return NewEtcdResolver(inv.Etcd.Endpoints, inv.Etcd.Username, inv.Etcd.Password,
			inv.Etcd.DialTimeout.Std(), inv.Etcd.Prefix, template)

	case config.InventoryHTTP:
		if inv.HTTP == nil {
			return nil, fmt.Errorf("http config is nil")
		}
		return NewHTTPResolver(inv.HTTP.BaseURL, inv.HTTP.Token, inv.HTTP.Timeout.Std(), inv.HTTP.RetryMax, template), nil

	case config.InventoryAWS:
		if inv.AWS == nil {
			return nil, fmt.Errorf("aws config is nil")
		}
		return NewEC2Resolver(ctx, inv.AWS.Region, inv.AWS.AccessKeyID, inv.AWS.SecretAccessKey, inv.AWS.UsePrivateIP, template)

	case config.InventoryDigitalOcean:
		if inv.DigitalOcean == nil {
			return nil, fmt.Errorf("digitalocean config is nil")
		}
		return NewDropletResolver(inv.DigitalOcean.Token, inv.DigitalOcean.UsePrivateIP, template), nil

	case config.InventoryGCP:
		if inv.GCP == nil {
			return nil, fmt.Errorf("gcp config is nil")
		}
		return NewGCEResolver(ctx, inv.GCP.ProjectID, inv.GCP.Zone, inv.GCP.CredentialsPath, inv.GCP.UsePrivateIP, template)

	case config.InventoryYandexCloud:
		if inv.YandexCloud == nil {
			return nil, fmt.Errorf("yandex_cloud config is nil")
		}
		return NewYandexResolver(ctx, inv.YandexCloud.IAMToken, inv.YandexCloud.FolderID, inv.YandexCloud.UsePrivateIP, template)

	default:
		return nil, fmt.Errorf("unsupported inventory type: %s", inv.Type)
	}
}

type staticLister struct {
	r *host.StaticResolver
}

func (s staticLister) Aliases(context.Context) ([]string, error) {
	return s.r.Aliases(), nil
}
