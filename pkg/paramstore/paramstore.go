package paramstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMAPI is the subset of the SSM client used by this package.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Store publishes image pointers to SSM Parameter Store under
// /<project>/images/<label>/<image_id>, where other tooling (Terraform,
// task definition templates) picks them up.
type Store struct {
	api       SSMAPI
	projectID string
}

// New creates a parameter store scoped to one project.
func New(api SSMAPI, projectID string) *Store {
	return &Store{api: api, projectID: projectID}
}

// Key builds the parameter path for a label, optionally narrowed to one
// image ID.
func (s *Store) Key(label, imageID string) string {
	parts := []string{"", s.projectID, "images"}
	if label != "" {
		parts = append(parts, label)
	}
	if imageID != "" {
		parts = append(parts, imageID)
	}
	return strings.Join(parts, "/")
}

// GetImages returns every image pointer published under a label, keyed by
// image ID.
func (s *Store) GetImages(ctx context.Context, label string) (map[string]string, error) {
	images := map[string]string{}

	paginator := ssm.NewGetParametersByPathPaginator(s.api, &ssm.GetParametersByPathInput{
		Path:      aws.String(s.Key(label, "")),
		Recursive: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list image parameters for %s: %w", label, err)
		}
		for _, param := range page.Parameters {
			name := aws.ToString(param.Name)
			imageID := name[strings.LastIndex(name, "/")+1:]
			images[imageID] = aws.ToString(param.Value)
		}
	}
	return images, nil
}

// GetImage returns the image pointer for one image ID under a label.
func (s *Store) GetImage(ctx context.Context, label, imageID string) (string, error) {
	resp, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(s.Key(label, imageID)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get image parameter for %s/%s: %w", label, imageID, err)
	}
	return aws.ToString(resp.Parameter.Value), nil
}

// UpdateImage points the label parameter for imageID at imageName,
// creating or overwriting as needed. Returns the parameter path written.
func (s *Store) UpdateImage(ctx context.Context, imageID, label, imageName string) (string, error) {
	path := s.Key(label, imageID)

	_, err := s.api.PutParameter(ctx, &ssm.PutParameterInput{
		Name:        aws.String(path),
		Value:       aws.String(imageName),
		Type:        ssmtypes.ParameterTypeString,
		Overwrite:   aws.Bool(true),
		Description: aws.String("Docker image URI; managed by corral"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to update image parameter %s: %w", path, err)
	}
	return path, nil
}
