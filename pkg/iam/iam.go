package iam

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSAPI is the subset of the STS client used by this package.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerIdentity describes who is running the tool. The ARN is recorded
// on releases and deployments as requested_by.
type CallerIdentity struct {
	Arn       string
	UserID    string
	AccountID string
}

// LoadBaseConfig loads the ambient AWS configuration (environment,
// shared config files, instance metadata) for the given region. Every
// other client hangs off either this config or a role assumed from it.
func LoadBaseConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return cfg, nil
}

// AssumeRole derives a config whose credentials come from assuming
// roleArn. The session name shows up in CloudTrail, so each collaborator
// passes its own.
func AssumeRole(base aws.Config, roleArn, sessionName, region string) aws.Config {
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(base), roleArn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
	})

	cfg := base.Copy()
	if region != "" {
		cfg.Region = region
	}
	cfg.Credentials = aws.NewCredentialsCache(provider)
	return cfg
}

// GetCallerIdentity asks STS who the given credentials belong to.
func GetCallerIdentity(ctx context.Context, client STSAPI) (CallerIdentity, error) {
	resp, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return CallerIdentity{}, fmt.Errorf("failed to get caller identity: %w", err)
	}
	return CallerIdentity{
		Arn:       aws.ToString(resp.Arn),
		UserID:    aws.ToString(resp.UserId),
		AccountID: aws.ToString(resp.Account),
	}, nil
}
