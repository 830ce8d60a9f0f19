package ecs

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/rs/zerolog"

	"github.com/corral-deploy/corral/pkg/log"
	"github.com/corral-deploy/corral/pkg/tags"
	"github.com/corral-deploy/corral/pkg/types"
)

// Tag keys Corral expects on deployable ECS resources. Services are
// located by tag matching, never by hard-coded ARNs.
const (
	TagService     = "deployment:service"
	TagEnvironment = "deployment:env"
	TagLabel       = "deployment:label"
)

const (
	// DescribeServices accepts at most 10 services per call.
	describeServicesBatchSize = 10
	// DescribeTasks accepts at most 100 tasks per call.
	describeTasksBatchSize = 100
)

// ECSAPI is the subset of the ECS client used by this package.
type ECSAPI interface {
	ListClusters(ctx context.Context, params *awsecs.ListClustersInput, optFns ...func(*awsecs.Options)) (*awsecs.ListClustersOutput, error)
	ListServices(ctx context.Context, params *awsecs.ListServicesInput, optFns ...func(*awsecs.Options)) (*awsecs.ListServicesOutput, error)
	DescribeServices(ctx context.Context, params *awsecs.DescribeServicesInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *awsecs.UpdateServiceInput, optFns ...func(*awsecs.Options)) (*awsecs.UpdateServiceOutput, error)
	TagResource(ctx context.Context, params *awsecs.TagResourceInput, optFns ...func(*awsecs.Options)) (*awsecs.TagResourceOutput, error)
	ListTasks(ctx context.Context, params *awsecs.ListTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *awsecs.DescribeTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeTasksOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *awsecs.DescribeTaskDefinitionInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeTaskDefinitionOutput, error)
}

// Client inspects and redeploys the ECS fleet visible to one set of
// credentials.
type Client struct {
	api    ECSAPI
	logger zerolog.Logger
}

// New creates a fleet client.
func New(api ECSAPI) *Client {
	return &Client{api: api, logger: log.WithComponent("ecs")}
}

// DescribeAllServices walks every cluster in the account and describes
// every service, tags included. Callers needing fresh state (the
// convergence poller) call this again rather than reusing a snapshot.
func (c *Client) DescribeAllServices(ctx context.Context) ([]ecstypes.Service, error) {
	var services []ecstypes.Service

	clusterPages := awsecs.NewListClustersPaginator(c.api, &awsecs.ListClustersInput{})
	for clusterPages.HasMorePages() {
		clusterPage, err := clusterPages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list clusters: %w", err)
		}

		for _, clusterArn := range clusterPage.ClusterArns {
			var serviceArns []string
			servicePages := awsecs.NewListServicesPaginator(c.api, &awsecs.ListServicesInput{
				Cluster: aws.String(clusterArn),
			})
			for servicePages.HasMorePages() {
				servicePage, err := servicePages.NextPage(ctx)
				if err != nil {
					return nil, fmt.Errorf("failed to list services in %s: %w", clusterArn, err)
				}
				serviceArns = append(serviceArns, servicePage.ServiceArns...)
			}

			for _, batch := range chunk(serviceArns, describeServicesBatchSize) {
				resp, err := c.api.DescribeServices(ctx, &awsecs.DescribeServicesInput{
					Cluster:  aws.String(clusterArn),
					Services: batch,
					Include:  []ecstypes.ServiceField{ecstypes.ServiceFieldTags},
				})
				if err != nil {
					return nil, fmt.Errorf("failed to describe services in %s: %w", clusterArn, err)
				}
				services = append(services, resp.Services...)
			}
		}
	}

	return services, nil
}

// FindMatchingService returns the unique service tagged for the given
// service and environment IDs. A missing service is not an error (ok is
// false): releases routinely reference services that do not exist in
// every environment. An ambiguous match is always an error; deploying to
// the wrong or to multiple services is a correctness hazard.
func FindMatchingService(services []ecstypes.Service, serviceID, environmentID string) (ecstypes.Service, bool, error) {
	match, err := tags.FindUniqueResourceMatchingTags(services, serviceTags, map[string]string{
		TagService:     serviceID,
		TagEnvironment: environmentID,
	})
	if err != nil {
		var noMatch *tags.NoMatchingResourceError
		if errors.As(err, &noMatch) {
			return ecstypes.Service{}, false, nil
		}
		var multiple *tags.MultipleMatchingResourcesError
		if errors.As(err, &multiple) {
			return ecstypes.Service{}, false, fmt.Errorf(
				"multiple matching services found for %s/%s: %w", serviceID, environmentID, err)
		}
		return ecstypes.Service{}, false, err
	}
	return match, true, nil
}

func serviceTags(s ecstypes.Service) []tags.Tag {
	converted := make([]tags.Tag, len(s.Tags))
	for i, t := range s.Tags {
		converted[i] = tags.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)}
	}
	return converted
}

// RedeployService forces a new rolling deployment of one service and
// stamps it with the release it now carries.
func (c *Client) RedeployService(ctx context.Context, clusterArn, serviceArn, releaseID string) (types.ServiceDeployment, error) {
	resp, err := c.api.UpdateService(ctx, &awsecs.UpdateServiceInput{
		Cluster:            aws.String(clusterArn),
		Service:            aws.String(serviceArn),
		ForceNewDeployment: true,
	})
	if err != nil {
		return types.ServiceDeployment{}, fmt.Errorf("failed to redeploy service %s: %w", serviceArn, err)
	}

	_, err = c.api.TagResource(ctx, &awsecs.TagResourceInput{
		ResourceArn: aws.String(serviceArn),
		Tags: []ecstypes.Tag{
			{Key: aws.String(TagLabel), Value: aws.String(releaseID)},
		},
	})
	if err != nil {
		return types.ServiceDeployment{}, fmt.Errorf("failed to tag service %s: %w", serviceArn, err)
	}

	deployment := types.ServiceDeployment{
		ClusterArn: aws.ToString(resp.Service.ClusterArn),
		ServiceArn: aws.ToString(resp.Service.ServiceArn),
	}
	if len(resp.Service.Deployments) > 0 {
		deployment.DeploymentID = aws.ToString(resp.Service.Deployments[0].Id)
	}

	c.logger.Debug().
		Str("service_arn", deployment.ServiceArn).
		Str("deployment_id", deployment.DeploymentID).
		Msg("forced new deployment")
	return deployment, nil
}

// ListServiceTasks returns every task currently running under a service,
// tags included.
func (c *Client) ListServiceTasks(ctx context.Context, clusterArn, serviceName string) ([]ecstypes.Task, error) {
	var taskArns []string
	taskPages := awsecs.NewListTasksPaginator(c.api, &awsecs.ListTasksInput{
		Cluster:     aws.String(clusterArn),
		ServiceName: aws.String(serviceName),
	})
	for taskPages.HasMorePages() {
		page, err := taskPages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks for %s: %w", serviceName, err)
		}
		taskArns = append(taskArns, page.TaskArns...)
	}

	var allTasks []ecstypes.Task
	for _, batch := range chunk(taskArns, describeTasksBatchSize) {
		resp, err := c.api.DescribeTasks(ctx, &awsecs.DescribeTasksInput{
			Cluster: aws.String(clusterArn),
			Tasks:   batch,
			Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe tasks for %s: %w", serviceName, err)
		}
		allTasks = append(allTasks, resp.Tasks...)
	}
	return allTasks, nil
}

// TaskDefinitionImages returns the container images declared by a task
// definition, in container order.
func (c *Client) TaskDefinitionImages(ctx context.Context, taskDefinitionArn string) ([]string, error) {
	resp, err := c.api.DescribeTaskDefinition(ctx, &awsecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(taskDefinitionArn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe task definition %s: %w", taskDefinitionArn, err)
	}

	images := make([]string, len(resp.TaskDefinition.ContainerDefinitions))
	for i, container := range resp.TaskDefinition.ContainerDefinitions {
		images[i] = aws.ToString(container.Image)
	}
	return images, nil
}

// chunk splits items into batches of at most size.
func chunk[T any](items []T, size int) [][]T {
	var batches [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
