package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/corral-deploy/corral/pkg/types"
)

// BoltStore is a file-backed ReleaseStore for working without AWS: local
// development, air-gapped dry runs, integration tests. One bucket per
// project, JSON-encoded releases keyed by release ID. Recency queries scan
// the bucket; release counts are small enough that an index would be
// ceremony.
type BoltStore struct {
	db        *bolt.DB
	projectID string
	path      string
}

// NewBoltStore opens (creating if needed) a release database under dataDir.
func NewBoltStore(dataDir, projectID string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "corral-releases.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open release database: %w", err)
	}

	return &BoltStore{db: db, projectID: projectID, path: dbPath}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) DescribeInitialisation() string {
	return fmt.Sprintf("Create local release store %s (project %s)", s.path, s.projectID)
}

func (s *BoltStore) Initialise(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(s.projectID)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.projectID, err)
		}
		return nil
	})
}

func (s *BoltStore) PutRelease(ctx context.Context, release *types.Release) error {
	data, err := json.Marshal(release)
	if err != nil {
		return fmt.Errorf("failed to marshal release %s: %w", release.ReleaseID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(release.ReleaseID), data)
	})
}

func (s *BoltStore) GetRelease(ctx context.Context, releaseID string) (*types.Release, error) {
	var release types.Release
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data := b.Get([]byte(releaseID))
		if data == nil {
			return &ReleaseNotFoundError{ReleaseID: releaseID}
		}
		return json.Unmarshal(data, &release)
	})
	if err != nil {
		return nil, err
	}
	return &release, nil
}

func (s *BoltStore) GetRecentReleases(ctx context.Context, limit int) ([]*types.Release, error) {
	if limit <= 0 {
		return []*types.Release{}, nil
	}

	releases, err := s.allReleases()
	if err != nil {
		return nil, err
	}

	sortReleasesNewestFirst(releases)
	if len(releases) > limit {
		releases = releases[:limit]
	}
	return releases, nil
}

func (s *BoltStore) GetMostRecentRelease(ctx context.Context) (*types.Release, error) {
	releases, err := s.GetRecentReleases(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, &ReleaseNotFoundError{}
	}
	return releases[0], nil
}

func (s *BoltStore) GetRecentDeployments(ctx context.Context, environmentID string, limit int) ([]DeploymentRecord, error) {
	releases, err := s.allReleases()
	if err != nil {
		return nil, err
	}
	return flattenDeployments(releases, environmentID, limit), nil
}

func (s *BoltStore) AddDeployment(ctx context.Context, releaseID string, deployment types.Deployment) error {
	// Read-modify-write inside one transaction, so concurrent invocations
	// cannot drop each other's deployments.
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}

		data := b.Get([]byte(releaseID))
		if data == nil {
			return &ReleaseNotFoundError{ReleaseID: releaseID}
		}

		var release types.Release
		if err := json.Unmarshal(data, &release); err != nil {
			return fmt.Errorf("failed to unmarshal release %s: %w", releaseID, err)
		}

		release.Deployments = append(release.Deployments, deployment)
		release.LastDateDeployed = deployment.DateCreated

		updated, err := json.Marshal(&release)
		if err != nil {
			return fmt.Errorf("failed to marshal release %s: %w", releaseID, err)
		}
		return b.Put([]byte(releaseID), updated)
	})
}

func (s *BoltStore) allReleases() ([]*types.Release, error) {
	var releases []*types.Release
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var release types.Release
			if err := json.Unmarshal(v, &release); err != nil {
				return err
			}
			releases = append(releases, &release)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return releases, nil
}

func (s *BoltStore) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(s.projectID))
	if b == nil {
		return nil, fmt.Errorf("release store for project %s is not initialised", s.projectID)
	}
	return b, nil
}
