package inventory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"google.golang.org/grpc"

	"sshpool/internal/host"
)

type instanceLister interface {
	List(ctx context.Context, in *compute.ListInstancesRequest, opts ...grpc.CallOption) (*compute.ListInstancesResponse, error)
}

// YandexResolver maps an alias to the running instance of that name in a folder
type YandexResolver struct {
	instances  instanceLister
	folderID   string
	usePrivate bool
	template   *host.Identity
}

// NewYandexResolver creates a resolver authenticated with an IAM token
func NewYandexResolver(ctx context.Context, iamToken, folderID string, usePrivate bool, template *host.Identity) (*YandexResolver, error) {
	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(iamToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}
	return &YandexResolver{
		instances:  sdk.Compute().Instance(),
		folderID:   folderID,
		usePrivate: usePrivate,
		template:   template,
	}, nil
}

func (r *YandexResolver) Resolve(ctx context.Context, alias string) (*host.Identity, bool, error) {
	resp, err := r.instances.List(ctx, &compute.ListInstancesRequest{
		FolderId: r.folderID,
		Filter:   "name = " + strconv.Quote(alias),
		PageSize: 10,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list instances named %s: %w", alias, err)
	}

	for _, inst := range resp.Instances {
		if inst.Name != alias || inst.Status != compute.Instance_RUNNING || len(inst.NetworkInterfaces) == 0 {
			continue
		}
		v4 := inst.NetworkInterfaces[0].PrimaryV4Address
		if v4 == nil {
			continue
		}
		public := ""
		if v4.OneToOneNat != nil {
			public = v4.OneToOneNat.Address
		}
		if addr := pickAddress(public, v4.Address, r.usePrivate); addr != "" {
			return addressed(r.template, addr), true, nil
		}
	}
	return nil, false, nil
}
