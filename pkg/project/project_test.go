package project

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-deploy/corral/pkg/config"
	"github.com/corral-deploy/corral/pkg/ecr"
	"github.com/corral-deploy/corral/pkg/ecs"
	"github.com/corral-deploy/corral/pkg/iam"
	"github.com/corral-deploy/corral/pkg/store"
	"github.com/corral-deploy/corral/pkg/types"
)

type fakeRegistry struct {
	resolved   map[string]string
	noopTags   map[string]bool
	tagCalls   []string
	loginCalls int
	publish    ecr.PublishResult
}

func (f *fakeRegistry) ImageURI(repositoryName, tag string) string {
	return fmt.Sprintf("1234.dkr.ecr.eu-west-1.amazonaws.com/%s:%s", repositoryName, tag)
}

func (f *fakeRegistry) GetRefTags(_ context.Context, repositoryName, tag string) ([]string, error) {
	if _, ok := f.resolved[repositoryName+"|"+tag]; ok {
		return []string{tag}, nil
	}
	return nil, &ecr.NoSuchImageError{Repository: repositoryName, Tag: tag}
}

func (f *fakeRegistry) ResolveRef(_ context.Context, repositoryName, tag string) (string, error) {
	uri, ok := f.resolved[repositoryName+"|"+tag]
	if !ok {
		return "", &ecr.NoSuchImageError{Repository: repositoryName, Tag: tag}
	}
	return uri, nil
}

func (f *fakeRegistry) TagImage(_ context.Context, repositoryName, tag, newTag string) (types.TagResult, error) {
	f.tagCalls = append(f.tagCalls, fmt.Sprintf("%s|%s|%s", repositoryName, tag, newTag))

	status := types.TagStatusSuccess
	if f.noopTags[repositoryName+"|"+newTag] {
		status = types.TagStatusNoop
	}
	return types.TagResult{
		Source: f.ImageURI(repositoryName, tag),
		Target: f.ImageURI(repositoryName, newTag),
		Status: status,
	}, nil
}

func (f *fakeRegistry) Login(context.Context) error {
	f.loginCalls++
	return nil
}

func (f *fakeRegistry) PublishImage(_ context.Context, repositoryName, imageID string) (ecr.PublishResult, error) {
	return f.publish, nil
}

type fakeFleet struct {
	services      []ecstypes.Service
	describeCalls int
	redeploys     []string
	taskDefImages map[string][]string
	tasks         map[string][]ecstypes.Task
	listCalls     int
	onListTasks   func(f *fakeFleet)
}

func (f *fakeFleet) DescribeAllServices(context.Context) ([]ecstypes.Service, error) {
	f.describeCalls++
	return f.services, nil
}

func (f *fakeFleet) RedeployService(_ context.Context, clusterArn, serviceArn, releaseID string) (types.ServiceDeployment, error) {
	f.redeploys = append(f.redeploys, serviceArn)
	return types.ServiceDeployment{
		ClusterArn:   clusterArn,
		ServiceArn:   serviceArn,
		DeploymentID: fmt.Sprintf("ecs-svc/%d", len(f.redeploys)),
	}, nil
}

func (f *fakeFleet) ListServiceTasks(_ context.Context, clusterArn, serviceName string) ([]ecstypes.Task, error) {
	f.listCalls++
	tasks := f.tasks[serviceName]
	if f.onListTasks != nil {
		f.onListTasks(f)
	}
	return tasks, nil
}

func (f *fakeFleet) TaskDefinitionImages(_ context.Context, taskDefinitionArn string) ([]string, error) {
	return f.taskDefImages[taskDefinitionArn], nil
}

type fakeFactory struct {
	registry     *fakeRegistry
	fleet        *fakeFleet
	registryKeys []string
	fleetKeys    []string
}

func (f *fakeFactory) Registry(accountID, region, roleArn string) (RegistryClient, error) {
	f.registryKeys = append(f.registryKeys, fmt.Sprintf("%s|%s|%s", accountID, region, roleArn))
	return f.registry, nil
}

func (f *fakeFactory) Fleet(region, roleArn string) (FleetClient, error) {
	f.fleetKeys = append(f.fleetKeys, fmt.Sprintf("%s|%s", region, roleArn))
	return f.fleet, nil
}

type fakeParams struct {
	updates []string
}

func (f *fakeParams) UpdateImage(_ context.Context, imageID, label, imageName string) (string, error) {
	f.updates = append(f.updates, fmt.Sprintf("%s|%s|%s", imageID, label, imageName))
	return fmt.Sprintf("/zebra/images/%s/%s", label, imageID), nil
}

func testConfig() *config.Project {
	return &config.Project{
		ID:         "zebra",
		Name:       "Zebra",
		RoleArn:    "arn:aws:iam::1234:role/zebra-ci",
		RegionName: "eu-west-1",
		AccountID:  "1234",
		Environments: []config.Environment{
			{ID: "staging", Name: "Staging"},
			{ID: "prod", Name: "Production"},
		},
		ImageRepositories: []config.ImageRepository{
			{ID: "api", Services: []config.Service{{ID: "api"}}},
			{ID: "worker", Services: []config.Service{{ID: "worker"}}},
		},
	}
}

func runningService(serviceID, environmentID string) ecstypes.Service {
	return ecstypes.Service{
		ServiceArn:     aws.String(fmt.Sprintf("arn:aws:ecs:eu-west-1:1234:service/cluster-%s/%s", environmentID, serviceID)),
		ServiceName:    aws.String(serviceID),
		ClusterArn:     aws.String(fmt.Sprintf("arn:aws:ecs:eu-west-1:1234:cluster/cluster-%s", environmentID)),
		TaskDefinition: aws.String(fmt.Sprintf("arn:aws:ecs:eu-west-1:1234:task-definition/%s:1", serviceID)),
		DesiredCount:   1,
		Tags: []ecstypes.Tag{
			{Key: aws.String(ecs.TagService), Value: aws.String(serviceID)},
			{Key: aws.String(ecs.TagEnvironment), Value: aws.String(environmentID)},
		},
	}
}

func newTestProject(cfg *config.Project, factory *fakeFactory) (*Project, *store.MemoryStore) {
	releaseStore := store.NewMemoryStore()
	caller := iam.CallerIdentity{Arn: "arn:aws:iam::1234:user/tester"}
	return New(cfg, releaseStore, factory, &fakeParams{}, caller), releaseStore
}

func TestPrepareCreatesRelease(t *testing.T) {
	factory := &fakeFactory{
		registry: &fakeRegistry{resolved: map[string]string{
			"api|latest":    "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
			"worker|latest": "1234.dkr.ecr.eu-west-1.amazonaws.com/worker:ref.bbb2222",
		}},
	}
	project, releaseStore := newTestProject(testConfig(), factory)

	release, previous, err := project.Prepare(context.Background(), "latest", "first release")
	require.NoError(t, err)

	assert.Nil(t, previous)
	assert.Equal(t, "zebra", release.ProjectID)
	assert.Equal(t, "arn:aws:iam::1234:user/tester", release.RequestedBy)
	assert.Equal(t, "first release", release.Description)
	assert.Equal(t, map[string]string{
		"api":    "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
		"worker": "1234.dkr.ecr.eu-west-1.amazonaws.com/worker:ref.bbb2222",
	}, release.Images)

	stored, err := releaseStore.GetRelease(context.Background(), release.ReleaseID)
	require.NoError(t, err)
	assert.Equal(t, release.Images, stored.Images)

	second, previous, err := project.Prepare(context.Background(), "latest", "second release")
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, release.ReleaseID, previous.ReleaseID)
	assert.NotEqual(t, release.ReleaseID, second.ReleaseID)
}

func TestPrepareNothingToRelease(t *testing.T) {
	factory := &fakeFactory{registry: &fakeRegistry{}}
	project, _ := newTestProject(testConfig(), factory)

	_, _, err := project.Prepare(context.Background(), "latest", "doomed")

	var nothing *NothingToReleaseError
	require.ErrorAs(t, err, &nothing)
	assert.Equal(t, "zebra", nothing.ProjectID)
	assert.Equal(t, "latest", nothing.Label)
}

func TestPrepareFailsWhenAnyImageIsMissing(t *testing.T) {
	factory := &fakeFactory{
		registry: &fakeRegistry{resolved: map[string]string{
			"api|latest": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
		}},
	}
	project, releaseStore := newTestProject(testConfig(), factory)

	_, _, err := project.Prepare(context.Background(), "latest", "doomed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker")

	_, err = releaseStore.GetMostRecentRelease(context.Background())
	assert.Error(t, err)
}

func TestUpdateMergesImages(t *testing.T) {
	factory := &fakeFactory{
		registry: &fakeRegistry{resolved: map[string]string{
			"worker|fix-123": "1234.dkr.ecr.eu-west-1.amazonaws.com/worker:ref.ccc3333",
		}},
	}
	project, releaseStore := newTestProject(testConfig(), factory)

	base := types.NewRelease("zebra", "Zebra", "tester", "base", map[string]string{
		"api":    "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
		"worker": "1234.dkr.ecr.eu-west-1.amazonaws.com/worker:ref.bbb2222",
	})
	require.NoError(t, releaseStore.PutRelease(context.Background(), base))

	release, previous, err := project.Update(context.Background(), base.ReleaseID, []string{"worker"}, "fix-123")
	require.NoError(t, err)

	assert.Equal(t, base.ReleaseID, previous.ReleaseID)
	assert.Equal(t, map[string]string{
		"api":    "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
		"worker": "1234.dkr.ecr.eu-west-1.amazonaws.com/worker:ref.ccc3333",
	}, release.Images)
	assert.Equal(t,
		fmt.Sprintf("Release based on %s, updating worker to fix-123", base.ReleaseID),
		release.Description)
}

func TestUpdateFailsForUnresolvableService(t *testing.T) {
	factory := &fakeFactory{registry: &fakeRegistry{}}
	project, releaseStore := newTestProject(testConfig(), factory)

	base := types.NewRelease("zebra", "Zebra", "tester", "base", map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})
	require.NoError(t, releaseStore.PutRelease(context.Background(), base))

	_, _, err := project.Update(context.Background(), base.ReleaseID, []string{"worker"}, "fix-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no image found for worker")
}

func TestGetReleaseLatest(t *testing.T) {
	factory := &fakeFactory{registry: &fakeRegistry{}}
	project, releaseStore := newTestProject(testConfig(), factory)

	older := types.NewRelease("zebra", "Zebra", "tester", "older", nil)
	older.DateCreated = "2021-03-01T09:00:00.000000"
	newer := types.NewRelease("zebra", "Zebra", "tester", "newer", nil)
	newer.DateCreated = "2021-03-02T09:00:00.000000"
	require.NoError(t, releaseStore.PutRelease(context.Background(), older))
	require.NoError(t, releaseStore.PutRelease(context.Background(), newer))

	release, err := project.GetRelease(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, newer.ReleaseID, release.ReleaseID)

	release, err = project.GetRelease(context.Background(), older.ReleaseID)
	require.NoError(t, err)
	assert.Equal(t, "older", release.Description)
}

func seedRelease(t *testing.T, releaseStore *store.MemoryStore, images map[string]string) *types.Release {
	t.Helper()
	release := types.NewRelease("zebra", "Zebra", "tester", "seeded", images)
	require.NoError(t, releaseStore.PutRelease(context.Background(), release))
	return release
}

func TestDeployTagsImagesAndRedeploysServices(t *testing.T) {
	factory := &fakeFactory{
		registry: &fakeRegistry{},
		fleet: &fakeFleet{services: []ecstypes.Service{
			runningService("api", "staging"),
			runningService("worker", "staging"),
			runningService("api", "prod"),
		}},
	}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api":    "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
		"worker": "1234.dkr.ecr.eu-west-1.amazonaws.com/worker:ref.bbb2222",
	})

	deployment, err := project.Deploy(context.Background(), release.ReleaseID, "staging", "ship it")
	require.NoError(t, err)

	assert.Equal(t, "staging", deployment.Environment)
	assert.Equal(t, "ship it", deployment.Description)
	assert.Equal(t, []string{
		"api|ref.aaa1111|env.staging",
		"worker|ref.bbb2222|env.staging",
	}, factory.registry.tagCalls)

	assert.Equal(t, []string{
		"arn:aws:ecs:eu-west-1:1234:service/cluster-staging/api",
		"arn:aws:ecs:eu-west-1:1234:service/cluster-staging/worker",
	}, factory.fleet.redeploys)

	require.Contains(t, deployment.Details, "api")
	require.Len(t, deployment.Details["api"].ECSDeployments, 1)
	assert.Equal(t,
		"arn:aws:ecs:eu-west-1:1234:service/cluster-staging/api",
		deployment.Details["api"].ECSDeployments[0].ServiceArn)

	stored, err := releaseStore.GetRelease(context.Background(), release.ReleaseID)
	require.NoError(t, err)
	require.Len(t, stored.Deployments, 1)
	assert.Equal(t, "staging", stored.Deployments[0].Environment)
}

func TestDeploySkipsRedeployWhenTagIsUnchanged(t *testing.T) {
	factory := &fakeFactory{
		registry: &fakeRegistry{noopTags: map[string]bool{
			"api|env.staging": true,
		}},
		fleet: &fakeFleet{services: []ecstypes.Service{
			runningService("api", "staging"),
			runningService("worker", "staging"),
		}},
	}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api":    "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
		"worker": "1234.dkr.ecr.eu-west-1.amazonaws.com/worker:ref.bbb2222",
	})

	deployment, err := project.Deploy(context.Background(), release.ReleaseID, "staging", "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"arn:aws:ecs:eu-west-1:1234:service/cluster-staging/worker",
	}, factory.fleet.redeploys)

	assert.True(t, deployment.Details["api"].TagResult.Noop())
	assert.Empty(t, deployment.Details["api"].ECSDeployments)
	assert.Len(t, deployment.Details["worker"].ECSDeployments, 1)
}

func TestDeployRedeploysSharedServiceOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ImageRepositories = []config.ImageRepository{
		{ID: "api", Services: []config.Service{{ID: "api"}}},
		{ID: "nginx", Services: []config.Service{{ID: "api"}}},
	}
	factory := &fakeFactory{
		registry: &fakeRegistry{},
		fleet: &fakeFleet{services: []ecstypes.Service{
			runningService("api", "staging"),
		}},
	}
	project, releaseStore := newTestProject(cfg, factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api":   "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
		"nginx": "1234.dkr.ecr.eu-west-1.amazonaws.com/nginx:ref.ddd4444",
	})

	deployment, err := project.Deploy(context.Background(), release.ReleaseID, "staging", "")
	require.NoError(t, err)

	assert.Len(t, factory.fleet.redeploys, 1)
	require.Len(t, deployment.Details["api"].ECSDeployments, 1)
	require.Len(t, deployment.Details["nginx"].ECSDeployments, 1)
	assert.Equal(t,
		deployment.Details["api"].ECSDeployments[0].DeploymentID,
		deployment.Details["nginx"].ECSDeployments[0].DeploymentID)
}

func TestDeployUnknownEnvironment(t *testing.T) {
	factory := &fakeFactory{
		registry: &fakeRegistry{},
		fleet:    &fakeFleet{},
	}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})

	_, err := project.Deploy(context.Background(), release.ReleaseID, "qa", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown environment "qa"`)

	assert.Empty(t, factory.registry.tagCalls)
	assert.Empty(t, factory.fleet.redeploys)

	stored, err := releaseStore.GetRelease(context.Background(), release.ReleaseID)
	require.NoError(t, err)
	assert.Empty(t, stored.Deployments)
}

func TestDeployUsesRepositoryOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.ImageRepositories = []config.ImageRepository{
		{
			ID:         "api",
			AccountID:  "5678",
			RegionName: "us-east-1",
			RoleArn:    "arn:aws:iam::5678:role/other-ci",
			Services:   []config.Service{{ID: "api"}},
		},
	}
	factory := &fakeFactory{
		registry: &fakeRegistry{},
		fleet: &fakeFleet{services: []ecstypes.Service{
			runningService("api", "staging"),
		}},
	}
	project, releaseStore := newTestProject(cfg, factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "5678.dkr.ecr.us-east-1.amazonaws.com/api:ref.aaa1111",
	})

	_, err := project.Deploy(context.Background(), release.ReleaseID, "staging", "")
	require.NoError(t, err)

	assert.Contains(t, factory.registryKeys, "5678|us-east-1|arn:aws:iam::5678:role/other-ci")
	// The service itself carries no overrides, so the fleet client uses
	// project defaults.
	assert.Contains(t, factory.fleetKeys, "eu-west-1|arn:aws:iam::1234:role/zebra-ci")
}

func TestGetDeploymentsForRelease(t *testing.T) {
	factory := &fakeFactory{registry: &fakeRegistry{}}
	project, releaseStore := newTestProject(testConfig(), factory)

	release := seedRelease(t, releaseStore, nil)
	for i, env := range []string{"staging", "prod", "staging"} {
		deployment := types.NewDeployment(env, "tester", fmt.Sprintf("deploy-%d", i), nil)
		deployment.DateCreated = fmt.Sprintf("2021-03-0%dT09:00:00.000000", i+1)
		require.NoError(t, releaseStore.AddDeployment(context.Background(), release.ReleaseID, deployment))
	}

	records, err := project.GetDeployments(context.Background(), release.ReleaseID, "", 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "deploy-2", records[0].Description)
	assert.Equal(t, release.ReleaseID, records[0].ReleaseID)

	records, err = project.GetDeployments(context.Background(), release.ReleaseID, "prod", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "deploy-1", records[0].Description)

	records, err = project.GetDeployments(context.Background(), "", "staging", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "deploy-2", records[0].Description)
}

func TestPublish(t *testing.T) {
	params := &fakeParams{}
	factory := &fakeFactory{
		registry: &fakeRegistry{
			publish: ecr.PublishResult{
				LocalTag:  "aaa1111",
				RemoteTag: "ref.aaa1111",
				RemoteURI: "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
			},
		},
	}
	releaseStore := store.NewMemoryStore()
	caller := iam.CallerIdentity{Arn: "arn:aws:iam::1234:user/tester"}
	project := New(testConfig(), releaseStore, factory, params, caller)

	summary, err := project.Publish(context.Background(), "api", "latest")
	require.NoError(t, err)

	assert.Equal(t, 1, factory.registry.loginCalls)
	assert.Equal(t, []string{"api|ref.aaa1111|latest"}, factory.registry.tagCalls)
	assert.Equal(t, "/zebra/images/latest/api", summary.SSMPath)
	assert.Equal(t, []string{
		"api|latest|1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	}, params.updates)
}
