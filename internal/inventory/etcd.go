package inventory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"sshpool/internal/host"
	"sshpool/internal/logging"
)

const defaultEtcdPrefix = "/sshpool/hosts"

// EtcdResolver reads host records stored under <prefix>/<alias>.
// The key's ModRevision versions records that carry no version of their own,
// so editing a record in etcd replaces the session pool built from it.
type EtcdResolver struct {
	kv       clientv3.KV
	prefix   string
	template *host.Identity
	client   *clientv3.Client
}

// NewEtcdResolver connects to etcd
func NewEtcdResolver(endpoints []string, username, password string, dialTimeout time.Duration, prefix string, template *host.Identity) (*EtcdResolver, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	r := NewEtcdResolverFromKV(cli, prefix, template)
	r.client = cli
	logging.Logger().Info("Connected to etcd for host inventory",
		zap.Strings("endpoints", endpoints),
		zap.String("prefix", r.prefix))
	return r, nil
}

// NewEtcdResolverFromKV builds a resolver over an existing KV
func NewEtcdResolverFromKV(kv clientv3.KV, prefix string, template *host.Identity) *EtcdResolver {
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	return &EtcdResolver{kv: kv, prefix: strings.TrimSuffix(prefix, "/"), template: template}
}

func (r *EtcdResolver) key(alias string) string {
	return path.Join(r.prefix, alias)
}

func (r *EtcdResolver) Resolve(ctx context.Context, alias string) (*host.Identity, bool, error) {
	resp, err := r.kv.Get(ctx, r.key(alias))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get host %s from etcd: %w", alias, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}

	kv := resp.Kvs[0]
	rec, err := DecodeRecord(kv.Value)
	if err != nil {
		return nil, false, fmt.Errorf("host %s: %w", alias, err)
	}
	id, err := rec.Identity(r.template)
	if err != nil {
		return nil, false, fmt.Errorf("host %s: %w", alias, err)
	}
	if id.Version == nil {
		rev := kv.ModRevision
		id.Version = &rev
	}
	return id, true, nil
}

// Aliases lists every alias stored under the prefix
func (r *EtcdResolver) Aliases(ctx context.Context) ([]string, error) {
	resp, err := r.kv.Get(ctx, r.prefix+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts from etcd: %w", err)
	}
	aliases := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		alias := strings.TrimPrefix(string(kv.Key), r.prefix+"/")
		if alias != "" && !strings.Contains(alias, "/") {
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	return aliases, nil
}

// Put stores rec under alias
func (r *EtcdResolver) Put(ctx context.Context, alias string, data []byte) error {
	if _, err := DecodeRecord(data); err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, r.key(alias), string(data)); err != nil {
		return fmt.Errorf("failed to save host %s to etcd: %w", alias, err)
	}
	return nil
}

// Delete removes alias
func (r *EtcdResolver) Delete(ctx context.Context, alias string) error {
	if _, err := r.kv.Delete(ctx, r.key(alias)); err != nil {
		return fmt.Errorf("failed to delete host %s from etcd: %w", alias, err)
	}
	return nil
}

// Close closes the etcd client, if the resolver owns one
func (r *EtcdResolver) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
