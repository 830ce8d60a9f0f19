package project

import (
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecr "github.com/aws/aws-sdk-go-v2/service/ecr"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/corral-deploy/corral/pkg/ecr"
	"github.com/corral-deploy/corral/pkg/ecs"
	"github.com/corral-deploy/corral/pkg/iam"
)

const roleSessionName = "corral"

// AWSClientFactory builds registry and fleet clients against real AWS,
// assuming the requested role per client. Clients are memoized per
// account, region and role, so repeated lookups during a deploy reuse
// connections and credentials.
type AWSClientFactory struct {
	base aws.Config

	mu         sync.Mutex
	registries map[string]RegistryClient
	fleets     map[string]FleetClient
}

// NewAWSClientFactory wraps a base (un-assumed) AWS configuration.
func NewAWSClientFactory(base aws.Config) *AWSClientFactory {
	return &AWSClientFactory{
		base:       base,
		registries: map[string]RegistryClient{},
		fleets:     map[string]FleetClient{},
	}
}

func (f *AWSClientFactory) Registry(accountID, region, roleArn string) (RegistryClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := accountID + "|" + region + "|" + roleArn
	if client, ok := f.registries[key]; ok {
		return client, nil
	}

	cfg := iam.AssumeRole(f.base, roleArn, roleSessionName, region)
	client := ecr.New(awsecr.NewFromConfig(cfg), accountID, region)
	f.registries[key] = client
	return client, nil
}

func (f *AWSClientFactory) Fleet(region, roleArn string) (FleetClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := region + "|" + roleArn
	if client, ok := f.fleets[key]; ok {
		return client, nil
	}

	cfg := iam.AssumeRole(f.base, roleArn, roleSessionName, region)
	client := ecs.New(awsecs.NewFromConfig(cfg))
	f.fleets[key] = client
	return client, nil
}
