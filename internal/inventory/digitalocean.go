package inventory

import (
	"context"
	"fmt"

	"github.com/digitalocean/godo"

	"sshpool/internal/host"
)

// DropletResolver maps an alias to the active droplet of that name
type DropletResolver struct {
	droplets   godo.DropletsService
	usePrivate bool
	template   *host.Identity
}

// NewDropletResolver creates a resolver authenticated with token
func NewDropletResolver(token string, usePrivate bool, template *host.Identity) *DropletResolver {
	client := godo.NewFromToken(token)
	return &DropletResolver{droplets: client.Droplets, usePrivate: usePrivate, template: template}
}

func (r *DropletResolver) Resolve(ctx context.Context, alias string) (*host.Identity, bool, error) {
	droplets, _, err := r.droplets.ListByName(ctx, alias, &godo.ListOptions{PerPage: 10})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list droplets named %s: %w", alias, err)
	}

	for _, d := range droplets {
		if d.Status != "active" {
			continue
		}
		public, _ := d.PublicIPv4()
		private, _ := d.PrivateIPv4()
		if addr := pickAddress(public, private, r.usePrivate); addr != "" {
			return addressed(r.template, addr), true, nil
		}
	}
	return nil, false, nil
}
