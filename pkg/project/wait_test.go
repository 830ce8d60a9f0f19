package project

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-deploy/corral/pkg/log"
)

func runningTask(arn, image, status string) ecstypes.Task {
	return ecstypes.Task{
		TaskArn:    aws.String(arn),
		LastStatus: aws.String(status),
		Containers: []ecstypes.Container{
			{Image: aws.String(image)},
		},
	}
}

func TestWaitForDeploymentConverges(t *testing.T) {
	fleet := &fakeFleet{
		services: []ecstypes.Service{runningService("api", "staging")},
		taskDefImages: map[string][]string{
			"arn:aws:ecs:eu-west-1:1234:task-definition/api:1": {"1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging"},
		},
		tasks: map[string][]ecstypes.Task{
			"api": {runningTask("task-1", "1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging", "RUNNING")},
		},
	}
	factory := &fakeFactory{registry: &fakeRegistry{}, fleet: fleet}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})

	converged, err := project.WaitForDeployment(context.Background(), release.ReleaseID, "staging", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Equal(t, 1, fleet.listCalls)
}

func TestWaitForDeploymentTimesOut(t *testing.T) {
	fleet := &fakeFleet{
		services: []ecstypes.Service{runningService("api", "staging")},
		taskDefImages: map[string][]string{
			"arn:aws:ecs:eu-west-1:1234:task-definition/api:1": {"1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging"},
		},
		tasks: map[string][]ecstypes.Task{
			"api": {runningTask("task-1", "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.old9999", "RUNNING")},
		},
	}
	factory := &fakeFactory{registry: &fakeRegistry{}, fleet: fleet}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})

	converged, err := project.WaitForDeployment(context.Background(), release.ReleaseID, "staging", 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, converged)
	assert.Greater(t, fleet.listCalls, 1)
}

func TestWaitForDeploymentConvergesAfterRetry(t *testing.T) {
	fleet := &fakeFleet{
		services: []ecstypes.Service{runningService("api", "staging")},
		taskDefImages: map[string][]string{
			"arn:aws:ecs:eu-west-1:1234:task-definition/api:1": {"1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging"},
		},
		tasks: map[string][]ecstypes.Task{
			"api": {runningTask("task-1", "1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging", "PENDING")},
		},
	}
	fleet.onListTasks = func(f *fakeFleet) {
		// The pending task comes up between polls.
		f.tasks["api"] = []ecstypes.Task{
			runningTask("task-1", "1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging", "RUNNING"),
		}
	}
	factory := &fakeFactory{registry: &fakeRegistry{}, fleet: fleet}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})

	converged, err := project.WaitForDeployment(context.Background(), release.ReleaseID, "staging", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Equal(t, 2, fleet.listCalls)
}

func TestWaitForDeploymentLogsStuckTaskOnce(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})

	fleet := &fakeFleet{
		services: []ecstypes.Service{runningService("api", "staging")},
		taskDefImages: map[string][]string{
			"arn:aws:ecs:eu-west-1:1234:task-definition/api:1": {"1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging"},
		},
		tasks: map[string][]ecstypes.Task{
			"api": {runningTask("task-1", "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.old9999", "RUNNING")},
		},
	}
	factory := &fakeFactory{registry: &fakeRegistry{}, fleet: fleet}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})

	converged, err := project.WaitForDeployment(context.Background(), release.ReleaseID, "staging", 25*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, converged)
	require.Greater(t, fleet.listCalls, 1)

	// The same stuck task is seen on every poll but diagnosed only once.
	assert.Equal(t, 1, strings.Count(buf.String(), "task is running the wrong images"))
}

func TestWaitForDeploymentLogsMissingTasksOnce(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})

	service := runningService("api", "staging")
	service.DesiredCount = 2
	fleet := &fakeFleet{
		services: []ecstypes.Service{service},
		taskDefImages: map[string][]string{
			"arn:aws:ecs:eu-west-1:1234:task-definition/api:1": {"1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging"},
		},
		tasks: map[string][]ecstypes.Task{
			"api": {runningTask("task-1", "1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging", "RUNNING")},
		},
	}
	factory := &fakeFactory{registry: &fakeRegistry{}, fleet: fleet}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})

	converged, err := project.WaitForDeployment(context.Background(), release.ReleaseID, "staging", 25*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, converged)
	require.Greater(t, fleet.listCalls, 1)

	assert.Equal(t, 1, strings.Count(buf.String(), "service is missing tasks"))
}

func TestWaitForDeploymentCountsMissingTasks(t *testing.T) {
	service := runningService("api", "staging")
	service.DesiredCount = 2
	fleet := &fakeFleet{
		services: []ecstypes.Service{service},
		taskDefImages: map[string][]string{
			"arn:aws:ecs:eu-west-1:1234:task-definition/api:1": {"1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging"},
		},
		tasks: map[string][]ecstypes.Task{
			"api": {runningTask("task-1", "1234.dkr.ecr.eu-west-1.amazonaws.com/api:env.staging", "RUNNING")},
		},
	}
	factory := &fakeFactory{registry: &fakeRegistry{}, fleet: fleet}
	project, releaseStore := newTestProject(testConfig(), factory)
	release := seedRelease(t, releaseStore, map[string]string{
		"api": "1234.dkr.ecr.eu-west-1.amazonaws.com/api:ref.aaa1111",
	})

	converged, err := project.WaitForDeployment(context.Background(), release.ReleaseID, "staging", 10*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, converged)
}
