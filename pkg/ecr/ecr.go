package ecr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecr "github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/rs/zerolog"

	"github.com/corral-deploy/corral/pkg/log"
	"github.com/corral-deploy/corral/pkg/types"
)

// RefTagPrefix marks the immutable content-derived tags this tool pushes
// alongside mutable labels. An image without a ref tag was not published
// through the tracked pipeline and is refused for release.
const RefTagPrefix = "ref."

// ECRAPI is the subset of the ECR client used by this package.
type ECRAPI interface {
	DescribeImages(ctx context.Context, params *awsecr.DescribeImagesInput, optFns ...func(*awsecr.Options)) (*awsecr.DescribeImagesOutput, error)
	BatchGetImage(ctx context.Context, params *awsecr.BatchGetImageInput, optFns ...func(*awsecr.Options)) (*awsecr.BatchGetImageOutput, error)
	PutImage(ctx context.Context, params *awsecr.PutImageInput, optFns ...func(*awsecr.Options)) (*awsecr.PutImageOutput, error)
	GetAuthorizationToken(ctx context.Context, params *awsecr.GetAuthorizationTokenInput, optFns ...func(*awsecr.Options)) (*awsecr.GetAuthorizationTokenOutput, error)
}

// NoSuchImageError is returned when a repository/tag pair resolves to no
// image at all.
type NoSuchImageError struct {
	Repository string
	Tag        string
}

func (e *NoSuchImageError) Error() string {
	return fmt.Sprintf("cannot find an image in %s with tag %s", e.Repository, e.Tag)
}

// NoRefTagError is returned when an image exists but carries no ref tag.
type NoRefTagError struct {
	Repository string
	Tag        string
}

func (e *NoRefTagError) Error() string {
	return fmt.Sprintf("no matching ref tags found for %s:%s", e.Repository, e.Tag)
}

// Runner executes local commands (docker, git). Tests substitute a stub.
type Runner interface {
	Run(name string, args ...string) (string, error)
	RunWithStdin(stdin string, name string, args ...string) (string, error)
}

// Client wraps the ECR API for one registry (account + region pair).
type Client struct {
	api       ECRAPI
	accountID string
	region    string
	logger    zerolog.Logger

	// Runner handles docker/git invocations for Login and PublishImage.
	Runner Runner
}

// New creates a client for the registry in the given account and region.
func New(api ECRAPI, accountID, region string) *Client {
	return &Client{
		api:       api,
		accountID: accountID,
		region:    region,
		logger:    log.WithComponent("ecr"),
		Runner:    execRunner{},
	}
}

// BaseURI is the registry host for this account/region.
func (c *Client) BaseURI() string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", c.accountID, c.region)
}

// ImageURI is the full URI of repositoryName:tag in this registry.
func (c *Client) ImageURI(repositoryName, tag string) string {
	return fmt.Sprintf("%s/%s:%s", c.BaseURI(), repositoryName, tag)
}

// GetRefTags returns every ref tag on the image currently labelled tag,
// sorted. Several ref tags on one image means identical content was
// pushed at different source revisions; the content is byte-identical, so
// callers may use any of them and must not depend on which.
func (c *Client) GetRefTags(ctx context.Context, repositoryName, tag string) ([]string, error) {
	resp, err := c.api.DescribeImages(ctx, &awsecr.DescribeImagesInput{
		RegistryId:     aws.String(c.accountID),
		RepositoryName: aws.String(repositoryName),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		var notFound *ecrtypes.ImageNotFoundException
		if errors.As(err, &notFound) {
			return nil, &NoSuchImageError{Repository: repositoryName, Tag: tag}
		}
		return nil, fmt.Errorf("failed to describe %s:%s: %w", repositoryName, tag, err)
	}
	if len(resp.ImageDetails) != 1 {
		return nil, fmt.Errorf("expected exactly one image for %s:%s, got %d", repositoryName, tag, len(resp.ImageDetails))
	}

	var refTags []string
	for _, t := range resp.ImageDetails[0].ImageTags {
		if strings.HasPrefix(t, RefTagPrefix) {
			refTags = append(refTags, t)
		}
	}
	if len(refTags) == 0 {
		return nil, &NoRefTagError{Repository: repositoryName, Tag: tag}
	}

	sort.Strings(refTags)
	return refTags, nil
}

// ResolveRef resolves a mutable label to one immutable image URI.
func (c *Client) ResolveRef(ctx context.Context, repositoryName, tag string) (string, error) {
	refTags, err := c.GetRefTags(ctx, repositoryName, tag)
	if err != nil {
		return "", err
	}
	return c.ImageURI(repositoryName, refTags[0]), nil
}

// TagImage points newTag at whatever content tag currently resolves to.
// Idempotent: if newTag already points at the same manifest, ECR reports
// ImageAlreadyExists and the result status is "noop". The deploy path
// relies on noop to skip redeploying services whose images did not change.
func (c *Client) TagImage(ctx context.Context, repositoryName, tag, newTag string) (types.TagResult, error) {
	result := types.TagResult{
		Source: fmt.Sprintf("%s:%s", repositoryName, tag),
		Target: fmt.Sprintf("%s:%s", repositoryName, newTag),
	}

	resp, err := c.api.BatchGetImage(ctx, &awsecr.BatchGetImageInput{
		RegistryId:     aws.String(c.accountID),
		RepositoryName: aws.String(repositoryName),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		return result, fmt.Errorf("failed to get image %s:%s: %w", repositoryName, tag, err)
	}
	if len(resp.Images) == 0 {
		return result, fmt.Errorf("no matching images found for %s:%s", repositoryName, tag)
	}
	if len(resp.Images) > 1 {
		return result, fmt.Errorf("multiple matching images found for %s:%s", repositoryName, tag)
	}

	_, err = c.api.PutImage(ctx, &awsecr.PutImageInput{
		RegistryId:     aws.String(c.accountID),
		RepositoryName: aws.String(repositoryName),
		ImageTag:       aws.String(newTag),
		ImageManifest:  resp.Images[0].ImageManifest,
	})
	if err != nil {
		var alreadyExists *ecrtypes.ImageAlreadyExistsException
		if errors.As(err, &alreadyExists) {
			c.logger.Debug().
				Str("repository", repositoryName).
				Str("tag", newTag).
				Msg("tag already points at this image")
			result.Status = types.TagStatusNoop
			return result, nil
		}
		return result, fmt.Errorf("failed to tag %s:%s: %w", repositoryName, newTag, err)
	}

	result.Status = types.TagStatusSuccess
	return result, nil
}

// Login authenticates the local Docker client with this registry.
func (c *Client) Login(ctx context.Context) error {
	resp, err := c.api.GetAuthorizationToken(ctx, &awsecr.GetAuthorizationTokenInput{})
	if err != nil {
		return fmt.Errorf("failed to get authorization token: %w", err)
	}
	if len(resp.AuthorizationData) != 1 {
		return fmt.Errorf("expected exactly one authorization token, got %d", len(resp.AuthorizationData))
	}
	auth := resp.AuthorizationData[0]

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(auth.AuthorizationToken))
	if err != nil {
		return fmt.Errorf("failed to decode authorization token: %w", err)
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return errors.New("malformed authorization token")
	}

	_, err = c.Runner.RunWithStdin(password,
		"docker", "login", "--username", username, "--password-stdin",
		aws.ToString(auth.ProxyEndpoint),
	)
	if err != nil {
		return fmt.Errorf("docker login failed: %w", err)
	}
	return nil
}

// PublishResult describes one image push.
type PublishResult struct {
	LocalTag  string
	RemoteTag string
	RemoteURI string
}

// PublishImage pushes the locally built image for imageID to this
// registry under its ref tag. The build pipeline records the local tag in
// .releases/<imageID> at the git repository root.
func (c *Client) PublishImage(ctx context.Context, repositoryName, imageID string) (PublishResult, error) {
	localTag, err := c.releaseImageTag(imageID)
	if err != nil {
		return PublishResult{}, err
	}

	localName := fmt.Sprintf("%s:%s", imageID, localTag)
	remoteTag := RefTagPrefix + localTag
	remoteName := c.ImageURI(repositoryName, remoteTag)

	defer func() {
		// Local retag is scratch state regardless of push outcome.
		_, _ = c.Runner.Run("docker", "rmi", remoteName)
	}()

	if _, err := c.Runner.Run("docker", "tag", localName, remoteName); err != nil {
		return PublishResult{}, fmt.Errorf("docker tag failed: %w", err)
	}
	if _, err := c.Runner.Run("docker", "push", remoteName); err != nil {
		return PublishResult{}, fmt.Errorf("docker push failed: %w", err)
	}

	c.logger.Info().Str("image", remoteName).Msg("pushed image")

	return PublishResult{
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		RemoteURI: remoteName,
	}, nil
}

func (c *Client) releaseImageTag(imageID string) (string, error) {
	repoRoot, err := c.Runner.Run("git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("failed to locate git repository root: %w", err)
	}

	releaseFile := filepath.Join(strings.TrimSpace(repoRoot), ".releases", imageID)
	data, err := os.ReadFile(releaseFile)
	if err != nil {
		return "", fmt.Errorf("failed to read release tag for %s: %w", imageID, err)
	}
	return strings.TrimSpace(string(data)), nil
}
