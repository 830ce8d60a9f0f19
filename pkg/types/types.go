package types

import (
	"time"

	"github.com/google/uuid"
)

// TimestampFormat is the fixed-width UTC layout used for every stored
// timestamp. Fixed width matters: release and deployment recency queries
// sort these values lexicographically, so the fractional part must never
// lose trailing zeros.
const TimestampFormat = "2006-01-02T15:04:05.000000"

// Timestamp renders t in the stored timestamp format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Now returns the current time in the stored timestamp format.
func Now() string {
	return Timestamp(time.Now())
}

// Release is an immutable record of a set of images that can be deployed
// together. Once a release has been stored its Images mapping is never
// modified; corrections are made by creating a new release.
type Release struct {
	ReleaseID   string            `json:"release_id" dynamodbav:"release_id"`
	ProjectID   string            `json:"project_id" dynamodbav:"project_id"`
	ProjectName string            `json:"project_name" dynamodbav:"project_name"`
	DateCreated string            `json:"date_created" dynamodbav:"date_created"`
	RequestedBy string            `json:"requested_by" dynamodbav:"requested_by"`
	Description string            `json:"description" dynamodbav:"description"`
	Images      map[string]string `json:"images" dynamodbav:"images"`

	// Deployments is append-only, oldest first.
	Deployments []Deployment `json:"deployments" dynamodbav:"deployments"`

	// LastDateDeployed mirrors the DateCreated of the newest deployment.
	// It exists only as a sort key for deployment recency queries and is
	// empty until the release has been deployed at least once.
	LastDateDeployed string `json:"last_date_deployed,omitempty" dynamodbav:"last_date_deployed,omitempty"`
}

// Deployment records one attempt to roll a release out to one environment.
type Deployment struct {
	Environment string                      `json:"environment" dynamodbav:"environment"`
	DateCreated string                      `json:"date_created" dynamodbav:"date_created"`
	RequestedBy string                      `json:"requested_by" dynamodbav:"requested_by"`
	Description string                      `json:"description" dynamodbav:"description"`
	Details     map[string]DeploymentDetail `json:"details" dynamodbav:"details"`
}

// DeploymentDetail holds the per-image outcome of a deploy: the result of
// retagging the environment label, and the ECS service deployments that
// were triggered because of it.
type DeploymentDetail struct {
	TagResult      TagResult           `json:"tag_result" dynamodbav:"tag_result"`
	ECSDeployments []ServiceDeployment `json:"ecs_deployments" dynamodbav:"ecs_deployments"`
}

// Tag operation statuses.
const (
	TagStatusSuccess = "success"
	TagStatusNoop    = "noop"
)

// TagResult describes a single retag operation in the image registry.
type TagResult struct {
	Source string `json:"source" dynamodbav:"source"`
	Target string `json:"target" dynamodbav:"target"`
	Status string `json:"status" dynamodbav:"status"`
}

// Noop reports whether the retag changed anything. A noop retag means the
// environment label already pointed at this content, so no service needs
// to be redeployed.
func (r TagResult) Noop() bool {
	return r.Status == TagStatusNoop
}

// ServiceDeployment identifies one forced ECS service deployment.
type ServiceDeployment struct {
	ClusterArn   string `json:"cluster_arn" dynamodbav:"cluster_arn"`
	ServiceArn   string `json:"service_arn" dynamodbav:"service_arn"`
	DeploymentID string `json:"deployment_id" dynamodbav:"deployment_id"`
}

// NewRelease creates a release with a fresh ID and creation timestamp.
func NewRelease(projectID, projectName, requestedBy, description string, images map[string]string) *Release {
	return &Release{
		ReleaseID:   uuid.New().String(),
		ProjectID:   projectID,
		ProjectName: projectName,
		DateCreated: Now(),
		RequestedBy: requestedBy,
		Description: description,
		Images:      images,
		Deployments: []Deployment{},
	}
}

// NewDeployment creates a deployment record timestamped now.
func NewDeployment(environment, requestedBy, description string, details map[string]DeploymentDetail) Deployment {
	return Deployment{
		Environment: environment,
		DateCreated: Now(),
		RequestedBy: requestedBy,
		Description: description,
		Details:     details,
	}
}
