package store

import (
	"context"
	"sync"

	"github.com/corral-deploy/corral/pkg/types"
)

// MemoryStore is an in-memory ReleaseStore. It backs tests and is the
// reference implementation of the store semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	releases map[string]*types.Release
}

// NewMemoryStore creates an empty in-memory release store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{releases: make(map[string]*types.Release)}
}

func (s *MemoryStore) DescribeInitialisation() string {
	return "Create in-memory release store"
}

func (s *MemoryStore) Initialise(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) PutRelease(ctx context.Context, release *types.Release) error {
	clone, err := cloneRelease(release)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[clone.ReleaseID] = clone
	return nil
}

func (s *MemoryStore) GetRelease(ctx context.Context, releaseID string) (*types.Release, error) {
	s.mu.RLock()
	release, ok := s.releases[releaseID]
	s.mu.RUnlock()

	if !ok {
		return nil, &ReleaseNotFoundError{ReleaseID: releaseID}
	}
	return cloneRelease(release)
}

func (s *MemoryStore) GetRecentReleases(ctx context.Context, limit int) ([]*types.Release, error) {
	releases, err := s.allReleases()
	if err != nil {
		return nil, err
	}

	sortReleasesNewestFirst(releases)
	if limit >= 0 && len(releases) > limit {
		releases = releases[:limit]
	}
	return releases, nil
}

func (s *MemoryStore) GetMostRecentRelease(ctx context.Context) (*types.Release, error) {
	releases, err := s.GetRecentReleases(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, &ReleaseNotFoundError{}
	}
	return releases[0], nil
}

func (s *MemoryStore) GetRecentDeployments(ctx context.Context, environmentID string, limit int) ([]DeploymentRecord, error) {
	releases, err := s.allReleases()
	if err != nil {
		return nil, err
	}
	return flattenDeployments(releases, environmentID, limit), nil
}

func (s *MemoryStore) AddDeployment(ctx context.Context, releaseID string, deployment types.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, ok := s.releases[releaseID]
	if !ok {
		return &ReleaseNotFoundError{ReleaseID: releaseID}
	}

	clone, err := cloneDeployment(deployment)
	if err != nil {
		return err
	}

	release.Deployments = append(release.Deployments, clone)
	release.LastDateDeployed = clone.DateCreated
	return nil
}

func (s *MemoryStore) allReleases() ([]*types.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	releases := make([]*types.Release, 0, len(s.releases))
	for _, release := range s.releases {
		clone, err := cloneRelease(release)
		if err != nil {
			return nil, err
		}
		releases = append(releases, clone)
	}
	return releases, nil
}
