package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/rs/zerolog"

	"github.com/corral-deploy/corral/pkg/config"
	"github.com/corral-deploy/corral/pkg/ecr"
	"github.com/corral-deploy/corral/pkg/iam"
	"github.com/corral-deploy/corral/pkg/log"
	"github.com/corral-deploy/corral/pkg/store"
	"github.com/corral-deploy/corral/pkg/types"
)

// RegistryClient is the view of the image registry the orchestrator needs.
// *ecr.Client satisfies it; tests substitute fakes.
type RegistryClient interface {
	ImageURI(repositoryName, tag string) string
	GetRefTags(ctx context.Context, repositoryName, tag string) ([]string, error)
	ResolveRef(ctx context.Context, repositoryName, tag string) (string, error)
	TagImage(ctx context.Context, repositoryName, tag, newTag string) (types.TagResult, error)
	Login(ctx context.Context) error
	PublishImage(ctx context.Context, repositoryName, imageID string) (ecr.PublishResult, error)
}

// FleetClient is the view of the container fleet the orchestrator needs.
// *ecs.Client satisfies it.
type FleetClient interface {
	DescribeAllServices(ctx context.Context) ([]ecstypes.Service, error)
	RedeployService(ctx context.Context, clusterArn, serviceArn, releaseID string) (types.ServiceDeployment, error)
	ListServiceTasks(ctx context.Context, clusterArn, serviceName string) ([]ecstypes.Task, error)
	TaskDefinitionImages(ctx context.Context, taskDefinitionArn string) ([]string, error)
}

// ImageParameterStore publishes image pointers for external tooling.
type ImageParameterStore interface {
	UpdateImage(ctx context.Context, imageID, label, imageName string) (string, error)
}

// ClientFactory builds AWS-facing clients for a region and role pair.
// Image repositories and services may live in other accounts, so clients
// are requested per resolved override rather than once per project.
// Implementations memoize; callers treat every call as cheap.
type ClientFactory interface {
	Registry(accountID, region, roleArn string) (RegistryClient, error)
	Fleet(region, roleArn string) (FleetClient, error)
}

// NothingToReleaseError indicates a prepare found no images at the label.
type NothingToReleaseError struct {
	ProjectID string
	Label     string
}

func (e *NothingToReleaseError) Error() string {
	return fmt.Sprintf("no images found for %s/%s", e.ProjectID, e.Label)
}

// Project orchestrates releases and deployments for one configured project.
type Project struct {
	config  *config.Project
	store   store.ReleaseStore
	clients ClientFactory
	params  ImageParameterStore
	caller  iam.CallerIdentity
	logger  zerolog.Logger
}

// New assembles a project from its resolved configuration and
// collaborators. The caller identity is recorded against releases and
// deployments as requested_by.
func New(cfg *config.Project, releaseStore store.ReleaseStore, clients ClientFactory, params ImageParameterStore, caller iam.CallerIdentity) *Project {
	return &Project{
		config:  cfg,
		store:   releaseStore,
		clients: clients,
		params:  params,
		caller:  caller,
		logger:  log.WithProject(cfg.ID),
	}
}

// Config returns the project's resolved configuration.
func (p *Project) Config() *config.Project {
	return p.config
}

// Store returns the project's release store.
func (p *Project) Store() store.ReleaseStore {
	return p.store
}

// Environment looks up a configured environment by ID.
func (p *Project) Environment(environmentID string) (config.Environment, error) {
	return p.config.Environment(environmentID)
}

func (p *Project) registryFor(repo config.ImageRepository) (RegistryClient, error) {
	accountID := repo.AccountID
	if accountID == "" {
		accountID = p.config.AccountID
	}
	region := repo.RegionName
	if region == "" {
		region = p.config.RegionName
	}
	roleArn := repo.RoleArn
	if roleArn == "" {
		roleArn = p.config.RoleArn
	}
	return p.clients.Registry(accountID, region, roleArn)
}

func (p *Project) fleetFor(service config.Service) (FleetClient, error) {
	region := service.RegionName
	if region == "" {
		region = p.config.RegionName
	}
	roleArn := service.RoleArn
	if roleArn == "" {
		roleArn = p.config.RoleArn
	}
	return p.clients.Fleet(region, roleArn)
}

// GetImages resolves the ref-tagged image URI for every configured
// repository carrying the label. Repositories where the label does not
// resolve are returned in missing so callers can choose whether that is
// fatal; infrastructure errors are.
func (p *Project) GetImages(ctx context.Context, label string) (images map[string]string, missing []string, err error) {
	images = map[string]string{}

	for _, repo := range p.config.ImageRepositories {
		registry, err := p.registryFor(repo)
		if err != nil {
			return nil, nil, err
		}

		uri, err := registry.ResolveRef(ctx, p.config.RepositoryName(repo), label)
		if err != nil {
			var noImage *ecr.NoSuchImageError
			var noRef *ecr.NoRefTagError
			if errors.As(err, &noImage) || errors.As(err, &noRef) {
				missing = append(missing, repo.ID)
				continue
			}
			return nil, nil, err
		}
		images[repo.ID] = uri
	}
	return images, missing, nil
}

// GetRelease fetches a release by ID, with "latest" meaning the most
// recently created release.
func (p *Project) GetRelease(ctx context.Context, releaseID string) (*types.Release, error) {
	if releaseID == "latest" {
		return p.store.GetMostRecentRelease(ctx)
	}
	return p.store.GetRelease(ctx, releaseID)
}

// GetDeployments lists recent deployments newest first. When releaseID is
// non-empty only that release's deployments are returned; environmentID
// filters when non-empty.
func (p *Project) GetDeployments(ctx context.Context, releaseID, environmentID string, limit int) ([]store.DeploymentRecord, error) {
	if releaseID != "" {
		release, err := p.GetRelease(ctx, releaseID)
		if err != nil {
			return nil, err
		}

		var records []store.DeploymentRecord
		for _, d := range release.Deployments {
			if environmentID != "" && d.Environment != environmentID {
				continue
			}
			records = append(records, store.DeploymentRecord{
				Deployment: d,
				ReleaseID:  release.ReleaseID,
			})
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].DateCreated > records[j].DateCreated
		})
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}
		return records, nil
	}

	return p.store.GetRecentDeployments(ctx, environmentID, limit)
}

func (p *Project) storeNewRelease(ctx context.Context, description string, images map[string]string) (release, previous *types.Release, err error) {
	previous, err = p.store.GetMostRecentRelease(ctx)
	if err != nil {
		var notFound *store.ReleaseNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, err
		}
		previous = nil
	}

	release = types.NewRelease(p.config.ID, p.config.Name, p.caller.Arn, description, images)
	if err := p.store.PutRelease(ctx, release); err != nil {
		return nil, nil, err
	}

	p.logger.Info().
		Str("release_id", release.ReleaseID).
		Int("images", len(images)).
		Msg("created release")

	return release, previous, nil
}

// Prepare creates a release from every image currently carrying the
// label. A configured repository without the label fails the whole
// prepare; no partial releases are cut.
func (p *Project) Prepare(ctx context.Context, fromLabel, description string) (release, previous *types.Release, err error) {
	images, missing, err := p.GetImages(ctx, fromLabel)
	if err != nil {
		return nil, nil, err
	}
	if len(images) == 0 {
		return nil, nil, &NothingToReleaseError{ProjectID: p.config.ID, Label: fromLabel}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, nil, fmt.Errorf(
			"cannot prepare release from %s: no image for: %s",
			fromLabel, strings.Join(missing, ", "),
		)
	}

	return p.storeNewRelease(ctx, description, images)
}

// Update creates a release based on an existing one, replacing the images
// for the named services with whatever currently carries the label.
// Every named service must resolve; repositories outside the requested
// set may be missing the label without failing the update.
func (p *Project) Update(ctx context.Context, releaseID string, serviceIDs []string, fromLabel string) (release, previous *types.Release, err error) {
	base, err := p.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, nil, err
	}

	images, _, err := p.GetImages(ctx, fromLabel)
	if err != nil {
		return nil, nil, err
	}

	merged := map[string]string{}
	for id, uri := range base.Images {
		merged[id] = uri
	}
	for _, serviceID := range serviceIDs {
		uri, ok := images[serviceID]
		if !ok {
			return nil, nil, fmt.Errorf("no image found for %s at label %s", serviceID, fromLabel)
		}
		merged[serviceID] = uri
	}

	description := fmt.Sprintf(
		"Release based on %s, updating %s to %s",
		base.ReleaseID, strings.Join(serviceIDs, ", "), fromLabel,
	)
	return p.storeNewRelease(ctx, description, merged)
}

// PublishSummary reports one publish: the push, the label move, and the
// parameter store path updated.
type PublishSummary struct {
	Push    ecr.PublishResult
	Tag     types.TagResult
	SSMPath string
}

// Publish pushes the locally built image for imageID and points label at
// it, both in the registry and in the parameter store.
func (p *Project) Publish(ctx context.Context, imageID, label string) (PublishSummary, error) {
	// The image need not be declared in the project file; an undeclared
	// image publishes with project-level defaults.
	repo, _ := p.config.ImageRepository(imageID)
	repo.ID = imageID

	registry, err := p.registryFor(repo)
	if err != nil {
		return PublishSummary{}, err
	}
	repositoryName := p.config.RepositoryName(repo)

	if err := registry.Login(ctx); err != nil {
		return PublishSummary{}, err
	}

	push, err := registry.PublishImage(ctx, repositoryName, imageID)
	if err != nil {
		return PublishSummary{}, err
	}

	tagResult, err := registry.TagImage(ctx, repositoryName, push.RemoteTag, label)
	if err != nil {
		return PublishSummary{}, err
	}

	summary := PublishSummary{Push: push, Tag: tagResult}

	if p.params != nil {
		path, err := p.params.UpdateImage(ctx, imageID, label, push.RemoteURI)
		if err != nil {
			return PublishSummary{}, err
		}
		summary.SSMPath = path
	}

	p.logger.Info().
		Str("image_id", imageID).
		Str("label", label).
		Str("remote_uri", push.RemoteURI).
		Msg("published image")

	return summary, nil
}

func sortedImageIDs(images map[string]string) []string {
	ids := make([]string, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
