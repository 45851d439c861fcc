package inventory

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"sshpool/internal/host"
)

type ec2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2Resolver maps an alias to the running instance whose Name tag matches
type EC2Resolver struct {
	client     ec2API
	usePrivate bool
	template   *host.Identity
}

// NewEC2Resolver creates a resolver for region. Empty keys fall back to the
// default AWS credential chain.
func NewEC2Resolver(ctx context.Context, region, accessKey, secretKey string, usePrivate bool, template *host.Identity) (*EC2Resolver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &EC2Resolver{client: ec2.NewFromConfig(cfg), usePrivate: usePrivate, template: template}, nil
}

func (r *EC2Resolver) Resolve(ctx context.Context, alias string) (*host.Identity, bool, error) {
	out, err := r.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{alias}},
			{Name: aws.String("instance-state-name"), Values: []string{string(types.InstanceStateNameRunning)}},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to describe instance %s: %w", alias, err)
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			addr := pickAddress(aws.ToString(inst.PublicIpAddress), aws.ToString(inst.PrivateIpAddress), r.usePrivate)
			if addr == "" {
				continue
			}
			return addressed(r.template, addr), true, nil
		}
	}
	return nil, false, nil
}
