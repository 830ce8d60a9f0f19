package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/corral-deploy/corral/pkg/log"
	"github.com/corral-deploy/corral/pkg/types"
)

const (
	// indexRecentReleases orders a project's releases by creation time.
	indexRecentReleases = "project_gsi"

	// indexRecentDeployments orders a project's releases by the time of
	// their newest deployment. The index key reflects only the newest
	// deployment on each release, which is why GetRecentDeployments keeps
	// paging until enough candidates are in hand.
	indexRecentDeployments = "deployment_gsi"

	tableWaitTimeout = 2 * time.Minute
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore is the production ReleaseStore, one DynamoDB table per
// project with secondary indexes for the recency queries.
type DynamoStore struct {
	client    DynamoDBAPI
	projectID string
	tableName string
	logger    zerolog.Logger
}

// NewDynamoStore creates a release store backed by the table
// corral-releases-<projectID>.
func NewDynamoStore(client DynamoDBAPI, projectID string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		projectID: projectID,
		tableName: "corral-releases-" + projectID,
		logger:    log.WithComponent("store"),
	}
}

func (s *DynamoStore) DescribeInitialisation() string {
	return fmt.Sprintf("Create DynamoDB table %s", s.tableName)
}

func (s *DynamoStore) Initialise(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}
	var notFound *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table %s: %w", s.tableName, err)
	}

	s.logger.Info().Str("table", s.tableName).Msg("creating release table")

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.tableName),
		BillingMode: ddbtypes.BillingModePayPerRequest,
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("release_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("project_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("date_created"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("last_date_deployed"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("release_id"), KeyType: ddbtypes.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []ddbtypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexRecentReleases),
				KeySchema: []ddbtypes.KeySchemaElement{
					{AttributeName: aws.String("project_id"), KeyType: ddbtypes.KeyTypeHash},
					{AttributeName: aws.String("date_created"), KeyType: ddbtypes.KeyTypeRange},
				},
				Projection: &ddbtypes.Projection{ProjectionType: ddbtypes.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(indexRecentDeployments),
				KeySchema: []ddbtypes.KeySchemaElement{
					{AttributeName: aws.String("project_id"), KeyType: ddbtypes.KeyTypeHash},
					{AttributeName: aws.String("last_date_deployed"), KeyType: ddbtypes.KeyTypeRange},
				},
				Projection: &ddbtypes.Projection{ProjectionType: ddbtypes.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.tableName, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, tableWaitTimeout); err != nil {
		return fmt.Errorf("timed out waiting for table %s: %w", s.tableName, err)
	}
	return nil
}

func (s *DynamoStore) PutRelease(ctx context.Context, release *types.Release) error {
	item, err := attributevalue.MarshalMap(release)
	if err != nil {
		return fmt.Errorf("failed to marshal release %s: %w", release.ReleaseID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store release %s: %w", release.ReleaseID, err)
	}
	return nil
}

func (s *DynamoStore) GetRelease(ctx context.Context, releaseID string) (*types.Release, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"release_id": &ddbtypes.AttributeValueMemberS{Value: releaseID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get release %s: %w", releaseID, err)
	}
	if resp.Item == nil {
		return nil, &ReleaseNotFoundError{ReleaseID: releaseID}
	}

	var release types.Release
	if err := attributevalue.UnmarshalMap(resp.Item, &release); err != nil {
		return nil, fmt.Errorf("failed to unmarshal release %s: %w", releaseID, err)
	}
	return &release, nil
}

func (s *DynamoStore) GetRecentReleases(ctx context.Context, limit int) ([]*types.Release, error) {
	if limit <= 0 {
		return []*types.Release{}, nil
	}

	paginator := dynamodb.NewQueryPaginator(s.client, s.projectQuery(indexRecentReleases, int32(limit)))

	releases := []*types.Release{}
	for paginator.HasMorePages() && len(releases) < limit {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query releases: %w", err)
		}
		for _, item := range page.Items {
			var release types.Release
			if err := attributevalue.UnmarshalMap(item, &release); err != nil {
				return nil, fmt.Errorf("failed to unmarshal release: %w", err)
			}
			releases = append(releases, &release)
			if len(releases) == limit {
				break
			}
		}
	}
	return releases, nil
}

func (s *DynamoStore) GetMostRecentRelease(ctx context.Context) (*types.Release, error) {
	releases, err := s.GetRecentReleases(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, &ReleaseNotFoundError{}
	}
	return releases[0], nil
}

// GetRecentDeployments pages the deployment index until it has seen at
// least limit deployments that survive the environment filter, or the
// index is exhausted. The index is keyed on each release's newest
// deployment only, so stopping at the first page could miss older
// deployments interleaved between newer ones on other releases.
func (s *DynamoStore) GetRecentDeployments(ctx context.Context, environmentID string, limit int) ([]DeploymentRecord, error) {
	if limit <= 0 {
		return []DeploymentRecord{}, nil
	}

	paginator := dynamodb.NewQueryPaginator(s.client, s.projectQuery(indexRecentDeployments, int32(limit)))

	var releases []*types.Release
	candidates := 0
	for paginator.HasMorePages() && candidates < limit {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query deployments: %w", err)
		}
		for _, item := range page.Items {
			var release types.Release
			if err := attributevalue.UnmarshalMap(item, &release); err != nil {
				return nil, fmt.Errorf("failed to unmarshal release: %w", err)
			}
			releases = append(releases, &release)
			for _, d := range release.Deployments {
				if environmentID == "" || d.Environment == environmentID {
					candidates++
				}
			}
		}
	}

	return flattenDeployments(releases, environmentID, limit), nil
}

func (s *DynamoStore) AddDeployment(ctx context.Context, releaseID string, deployment types.Deployment) error {
	item, err := attributevalue.MarshalMap(deployment)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	// One write updates both the list and the sort key, so a deployment
	// can never be appended without moving the release in the index.
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"release_id": &ddbtypes.AttributeValueMemberS{Value: releaseID},
		},
		UpdateExpression:    aws.String("SET deployments = list_append(deployments, :deployment), last_date_deployed = :date_created"),
		ConditionExpression: aws.String("attribute_exists(release_id)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":deployment": &ddbtypes.AttributeValueMemberL{
				Value: []ddbtypes.AttributeValue{&ddbtypes.AttributeValueMemberM{Value: item}},
			},
			":date_created": &ddbtypes.AttributeValueMemberS{Value: deployment.DateCreated},
		},
	})
	if err != nil {
		var conditionFailed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return &ReleaseNotFoundError{ReleaseID: releaseID}
		}
		return fmt.Errorf("failed to record deployment on release %s: %w", releaseID, err)
	}
	return nil
}

func (s *DynamoStore) projectQuery(indexName string, pageSize int32) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexName),
		KeyConditionExpression: aws.String("project_id = :project_id"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":project_id": &ddbtypes.AttributeValueMemberS{Value: s.projectID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(pageSize),
	}
}
