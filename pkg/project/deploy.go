package project

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/corral-deploy/corral/pkg/config"
	"github.com/corral-deploy/corral/pkg/ecs"
	"github.com/corral-deploy/corral/pkg/types"
)

// EnvironmentTag is the label a deploy writes into the registry so an
// environment always points at exactly one image per repository.
func EnvironmentTag(environmentID string) string {
	return "env." + environmentID
}

// MatchedService pairs a declared service with the running ECS service
// located for it in one environment.
type MatchedService struct {
	Config  config.Service
	Service ecstypes.Service
}

// ListServicesForRelease locates the running ECS service for every
// service declared against the release's images, keyed by image ID.
// Images with no declared or no running services are omitted; a service
// ID matching more than one running service is an error.
func (p *Project) ListServicesForRelease(ctx context.Context, release *types.Release, environmentID string) (map[string][]MatchedService, error) {
	matched := map[string][]MatchedService{}

	// One fleet snapshot per region/role pair, shared across images.
	fleets := map[FleetClient][]ecstypes.Service{}

	for _, imageID := range sortedImageIDs(release.Images) {
		repo, ok := p.config.ImageRepository(imageID)
		if !ok {
			continue
		}

		for _, svc := range repo.Services {
			fleet, err := p.fleetFor(svc)
			if err != nil {
				return nil, err
			}

			services, ok := fleets[fleet]
			if !ok {
				services, err = fleet.DescribeAllServices(ctx)
				if err != nil {
					return nil, err
				}
				fleets[fleet] = services
			}

			service, found, err := ecs.FindMatchingService(services, svc.ID, environmentID)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			matched[imageID] = append(matched[imageID], MatchedService{Config: svc, Service: service})
		}
	}
	return matched, nil
}

// Deploy rolls a release out to an environment: each image is retagged
// env.<environment_id> in its registry, and every service backed by an
// image whose tag actually moved is forced into a new deployment. A
// service shared between images is redeployed at most once. The
// deployment record is appended to the release before returning.
func (p *Project) Deploy(ctx context.Context, releaseID, environmentID, description string) (*types.Deployment, error) {
	release, err := p.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	// Validate before touching anything.
	if _, err := p.config.Environment(environmentID); err != nil {
		return nil, err
	}

	matchedServices, err := p.ListServicesForRelease(ctx, release, environmentID)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With().
		Str("release_id", release.ReleaseID).
		Str("environment", environmentID).
		Logger()

	details := map[string]types.DeploymentDetail{}
	redeployed := map[string]types.ServiceDeployment{}

	for _, imageID := range sortedImageIDs(release.Images) {
		imageURI := release.Images[imageID]

		tagResult, err := p.tagImageForEnvironment(ctx, imageID, imageURI, environmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to tag %s for %s: %w", imageID, environmentID, err)
		}

		ecsDeployments := []types.ServiceDeployment{}
		if tagResult.Noop() {
			logger.Info().Str("image_id", imageID).Msg("image already deployed, skipping service redeploys")
		} else {
			for _, m := range matchedServices[imageID] {
				serviceArn := aws.ToString(m.Service.ServiceArn)

				deployment, done := redeployed[serviceArn]
				if !done {
					fleet, err := p.fleetFor(m.Config)
					if err != nil {
						return nil, err
					}
					deployment, err = fleet.RedeployService(
						ctx,
						aws.ToString(m.Service.ClusterArn),
						serviceArn,
						release.ReleaseID,
					)
					if err != nil {
						return nil, fmt.Errorf("failed to redeploy %s: %w", serviceArn, err)
					}
					redeployed[serviceArn] = deployment
					logger.Info().Str("service_arn", serviceArn).Msg("requested service redeploy")
				}
				ecsDeployments = append(ecsDeployments, deployment)
			}
		}

		details[imageID] = types.DeploymentDetail{
			TagResult:      tagResult,
			ECSDeployments: ecsDeployments,
		}
	}

	deployment := types.NewDeployment(environmentID, p.caller.Arn, description, details)
	if err := p.store.AddDeployment(ctx, release.ReleaseID, deployment); err != nil {
		return nil, err
	}

	logger.Info().Int("images", len(details)).Msg("recorded deployment")
	return &deployment, nil
}

func (p *Project) tagImageForEnvironment(ctx context.Context, imageID, imageURI, environmentID string) (types.TagResult, error) {
	// The release stores full image URIs; the tag to move from is the
	// ref tag at the end.
	refTag := imageURI[strings.LastIndex(imageURI, ":")+1:]

	repo, _ := p.config.ImageRepository(imageID)
	repo.ID = imageID

	registry, err := p.registryFor(repo)
	if err != nil {
		return types.TagResult{}, err
	}

	return registry.TagImage(ctx, p.config.RepositoryName(repo), refTag, EnvironmentTag(environmentID))
}
