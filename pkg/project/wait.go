package project

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/corral-deploy/corral/pkg/types"
)

// WaitForDeployment polls an environment until every service backed by
// the release is converged: all tasks run the images in the service's
// current task definition, all tasks are RUNNING, and each service has
// at least its desired count of tasks. Returns false once timeout
// elapses without convergence. Each poll takes a fresh fleet snapshot,
// so scale events and new task definitions between polls are seen.
func (p *Project) WaitForDeployment(ctx context.Context, releaseID, environmentID string, timeout, interval time.Duration) (bool, error) {
	release, err := p.GetRelease(ctx, releaseID)
	if err != nil {
		return false, err
	}

	logger := p.logger.With().
		Str("release_id", release.ReleaseID).
		Str("environment", environmentID).
		Logger()

	// Diagnostics already printed for a task are not repeated on later
	// polls.
	reported := map[string]struct{}{}

	deadline := time.Now().Add(timeout)
	for {
		converged, err := p.checkDeployed(ctx, release, environmentID, reported)
		if err != nil {
			return false, err
		}
		if converged {
			logger.Info().Msg("deployment converged")
			return true, nil
		}

		if !time.Now().Add(interval).Before(deadline) {
			logger.Warn().Dur("timeout", timeout).Msg("deployment did not converge in time")
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (p *Project) checkDeployed(ctx context.Context, release *types.Release, environmentID string, reported map[string]struct{}) (bool, error) {
	matchedServices, err := p.ListServicesForRelease(ctx, release, environmentID)
	if err != nil {
		return false, err
	}

	converged := true

	for _, imageID := range sortedMatchedImageIDs(matchedServices) {
		for _, m := range matchedServices[imageID] {
			fleet, err := p.fleetFor(m.Config)
			if err != nil {
				return false, err
			}

			expectedImages, err := fleet.TaskDefinitionImages(ctx, aws.ToString(m.Service.TaskDefinition))
			if err != nil {
				return false, err
			}

			tasks, err := fleet.ListServiceTasks(ctx, aws.ToString(m.Service.ClusterArn), aws.ToString(m.Service.ServiceName))
			if err != nil {
				return false, err
			}

			serviceName := aws.ToString(m.Service.ServiceName)

			for _, task := range tasks {
				taskArn := aws.ToString(task.TaskArn)

				taskImages := make([]string, 0, len(task.Containers))
				for _, container := range task.Containers {
					taskImages = append(taskImages, aws.ToString(container.Image))
				}

				if !sameImageSet(taskImages, expectedImages) {
					converged = false
					if _, seen := reported["images:"+taskArn]; !seen {
						reported["images:"+taskArn] = struct{}{}
						p.logger.Info().
							Str("service", serviceName).
							Str("task_arn", taskArn).
							Strs("wanted", expectedImages).
							Strs("actual", taskImages).
							Msg("task is running the wrong images")
					}
				}

				if status := aws.ToString(task.LastStatus); status != "RUNNING" {
					converged = false
					if _, seen := reported["status:"+taskArn]; !seen {
						reported["status:"+taskArn] = struct{}{}
						p.logger.Info().
							Str("service", serviceName).
							Str("task_arn", taskArn).
							Str("status", status).
							Msg("task is not running")
					}
				}
			}

			if len(tasks) < int(m.Service.DesiredCount) {
				converged = false
				serviceArn := aws.ToString(m.Service.ServiceArn)
				if _, seen := reported["count:"+serviceArn]; !seen {
					reported["count:"+serviceArn] = struct{}{}
					p.logger.Info().
						Str("service", serviceName).
						Int32("wanted", m.Service.DesiredCount).
						Int("actual", len(tasks)).
						Msg("service is missing tasks")
				}
			}
		}
	}
	return converged, nil
}

func sortedMatchedImageIDs(matched map[string][]MatchedService) []string {
	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sameImageSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
