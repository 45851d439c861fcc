package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"sshpool/internal/host"
)

// GCEResolver maps an alias to the running instance of that name in one zone
type GCEResolver struct {
	service    *compute.Service
	projectID  string
	zone       string
	usePrivate bool
	template   *host.Identity
}

// NewGCEResolver creates a resolver. Extra options are passed to the
// compute client.
func NewGCEResolver(ctx context.Context, projectID, zone, credentialsFile string, usePrivate bool, template *host.Identity, extra ...option.ClientOption) (*GCEResolver, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}
	opts = append(opts, extra...)

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	return &GCEResolver{
		service:    service,
		projectID:  projectID,
		zone:       zone,
		usePrivate: usePrivate,
		template:   template,
	}, nil
}

func (r *GCEResolver) Resolve(ctx context.Context, alias string) (*host.Identity, bool, error) {
	instance, err := r.service.Instances.Get(r.projectID, r.zone, alias).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get instance %s: %w", alias, err)
	}
	if instance.Status != "RUNNING" || len(instance.NetworkInterfaces) == 0 {
		return nil, false, nil
	}

	nic := instance.NetworkInterfaces[0]
	public := ""
	if len(nic.AccessConfigs) > 0 {
		public = nic.AccessConfigs[0].NatIP
	}
	addr := pickAddress(public, nic.NetworkIP, r.usePrivate)
	if addr == "" {
		return nil, false, nil
	}
	return addressed(r.template, addr), true, nil
}
