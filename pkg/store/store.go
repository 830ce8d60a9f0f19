package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/corral-deploy/corral/pkg/types"
)

// ReleaseNotFoundError is returned when a release lookup finds nothing.
// An empty ReleaseID means the store holds no releases at all.
type ReleaseNotFoundError struct {
	ReleaseID string
}

func (e *ReleaseNotFoundError) Error() string {
	if e.ReleaseID == "" {
		return "there are no releases yet"
	}
	return fmt.Sprintf("no release found with ID %q", e.ReleaseID)
}

// DeploymentRecord is a deployment annotated with the release it belongs
// to, for flattened cross-release listings.
type DeploymentRecord struct {
	types.Deployment
	ReleaseID string `json:"release_id"`
}

// ReleaseStore is a durable, queryable store of releases and their
// deployment histories. Implementations must treat stored releases as
// immutable apart from the append-only deployments list.
type ReleaseStore interface {
	// DescribeInitialisation says what Initialise would provision, for
	// operator confirmation prompts.
	DescribeInitialisation() string

	// Initialise provisions the underlying storage. It is idempotent: a
	// second call against existing storage is a no-op.
	Initialise(ctx context.Context) error

	// PutRelease stores a brand-new release. Callers never modify an
	// existing release's images through this method.
	PutRelease(ctx context.Context, release *types.Release) error

	// GetRelease returns the release with the given ID, or a
	// ReleaseNotFoundError.
	GetRelease(ctx context.Context, releaseID string) (*types.Release, error)

	// GetRecentReleases returns up to limit releases, newest first by
	// DateCreated.
	GetRecentReleases(ctx context.Context, limit int) ([]*types.Release, error)

	// GetMostRecentRelease returns the newest release, or a
	// ReleaseNotFoundError when the store is empty.
	GetMostRecentRelease(ctx context.Context) (*types.Release, error)

	// GetRecentDeployments flattens deployments across releases, newest
	// first, optionally filtered to one environment (empty string means
	// all), truncated to limit.
	GetRecentDeployments(ctx context.Context, environmentID string, limit int) ([]DeploymentRecord, error)

	// AddDeployment atomically appends a deployment to a release and
	// advances the release's LastDateDeployed sort key.
	AddDeployment(ctx context.Context, releaseID string, deployment types.Deployment) error
}

// cloneRelease deep-copies a release so that callers mutating the result
// can never reach back into stored state.
func cloneRelease(release *types.Release) (*types.Release, error) {
	data, err := json.Marshal(release)
	if err != nil {
		return nil, fmt.Errorf("failed to clone release: %w", err)
	}
	var clone types.Release
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to clone release: %w", err)
	}
	return &clone, nil
}

// cloneDeployment deep-copies a deployment; its Details map must not stay
// aliased to the caller once stored.
func cloneDeployment(deployment types.Deployment) (types.Deployment, error) {
	data, err := json.Marshal(deployment)
	if err != nil {
		return types.Deployment{}, fmt.Errorf("failed to clone deployment: %w", err)
	}
	var clone types.Deployment
	if err := json.Unmarshal(data, &clone); err != nil {
		return types.Deployment{}, fmt.Errorf("failed to clone deployment: %w", err)
	}
	return clone, nil
}

// sortReleasesNewestFirst orders releases by DateCreated descending.
// Timestamps are fixed width, so string comparison is chronological.
func sortReleasesNewestFirst(releases []*types.Release) {
	sort.Slice(releases, func(i, j int) bool {
		return releases[i].DateCreated > releases[j].DateCreated
	})
}

// flattenDeployments collects deployment records from releases, filters to
// one environment when environmentID is non-empty, sorts newest first and
// truncates to limit.
func flattenDeployments(releases []*types.Release, environmentID string, limit int) []DeploymentRecord {
	records := []DeploymentRecord{}
	for _, release := range releases {
		for _, d := range release.Deployments {
			if environmentID != "" && d.Environment != environmentID {
				continue
			}
			records = append(records, DeploymentRecord{Deployment: d, ReleaseID: release.ReleaseID})
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].DateCreated > records[j].DateCreated
	})

	if limit >= 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
