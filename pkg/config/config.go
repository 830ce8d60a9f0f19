package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/corral-deploy/corral/pkg/log"
)

const (
	// DefaultRegion is used when neither the project file nor the CLI
	// supplies a region.
	DefaultRegion = "us-east-1"
)

// ConfigError reports an invalid or incomplete project definition.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// Environment is a deploy target declared by a project.
type Environment struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Service maps an image to one ECS service. The service is located at
// deploy time by tag matching, never by a static ARN; RegionName and
// RoleArn override the project defaults for fleets in other accounts.
type Service struct {
	ID         string `yaml:"id"`
	RegionName string `yaml:"region_name,omitempty"`
	RoleArn    string `yaml:"role_arn,omitempty"`
}

// ImageRepository declares one published image and the services it backs.
type ImageRepository struct {
	ID         string    `yaml:"id"`
	Services   []Service `yaml:"services,omitempty"`
	AccountID  string    `yaml:"account_id,omitempty"`
	Namespace  string    `yaml:"namespace,omitempty"`
	RegionName string    `yaml:"region_name,omitempty"`
	RoleArn    string    `yaml:"role_arn,omitempty"`
}

// Project is one project definition from the projects file, with defaults
// and CLI overrides already resolved. It is read-only after Load.
type Project struct {
	ID                string            `yaml:"-"`
	Name              string            `yaml:"name"`
	RoleArn           string            `yaml:"role_arn"`
	RegionName        string            `yaml:"region_name"`
	AccountID         string            `yaml:"account_id,omitempty"`
	Namespace         string            `yaml:"namespace,omitempty"`
	Environments      []Environment     `yaml:"environments"`
	ImageRepositories []ImageRepository `yaml:"image_repositories"`
}

// Overrides carries values from CLI flags that take precedence over the
// project file. Empty fields mean "no override".
type Overrides struct {
	Namespace  string
	RoleArn    string
	RegionName string
	AccountID  string
}

// Projects is the parsed projects file, keyed by project ID.
type Projects struct {
	projects map[string]Project
}

// LoadProjects reads and parses a projects file.
func LoadProjects(path string) (*Projects, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	return ParseProjects(data)
}

// ParseProjects parses projects file contents.
func ParseProjects(data []byte) (*Projects, error) {
	var projects map[string]Project
	if err := yaml.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("failed to parse project file: %w", err)
	}
	return &Projects{projects: projects}, nil
}

// List returns the declared project IDs, sorted.
func (p *Projects) List() []string {
	ids := make([]string, 0, len(p.projects))
	for id := range p.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load resolves one project: applies overrides and defaults, then
// validates. The returned Project is complete; nothing later in a run
// consults ambient configuration.
func (p *Projects) Load(projectID string, overrides Overrides) (*Project, error) {
	project, ok := p.projects[projectID]
	if !ok {
		return nil, &ConfigError{Message: fmt.Sprintf(
			"no matching project %q, expected one of: %s",
			projectID, strings.Join(p.List(), ", "),
		)}
	}

	project.ID = projectID
	applyOverrides(&project, overrides)

	if project.RegionName == "" {
		project.RegionName = DefaultRegion
	}
	if project.RoleArn == "" {
		return nil, &ConfigError{Message: fmt.Sprintf("role_arn is not set for project %q", projectID)}
	}

	if err := project.Validate(); err != nil {
		return nil, err
	}

	return &project, nil
}

func applyOverrides(project *Project, overrides Overrides) {
	warn := func(field, override, configured string) {
		log.Logger.Warn().
			Str("field", field).
			Str("override", override).
			Str("configured", configured).
			Msg("preferring override to value in project file")
	}

	if overrides.Namespace != "" {
		if project.Namespace != "" && project.Namespace != overrides.Namespace {
			warn("namespace", overrides.Namespace, project.Namespace)
		}
		project.Namespace = overrides.Namespace
	}
	if overrides.RoleArn != "" {
		if project.RoleArn != "" && project.RoleArn != overrides.RoleArn {
			warn("role_arn", overrides.RoleArn, project.RoleArn)
		}
		project.RoleArn = overrides.RoleArn
	}
	if overrides.RegionName != "" {
		if project.RegionName != "" && project.RegionName != overrides.RegionName {
			warn("region_name", overrides.RegionName, project.RegionName)
		}
		project.RegionName = overrides.RegionName
	}
	if overrides.AccountID != "" {
		project.AccountID = overrides.AccountID
	}
}

// Validate checks the project for duplicate identifiers. IDs must be
// unique so that tag matching can never be ambiguous by construction.
func (p *Project) Validate() error {
	if dupes := duplicateIDs(len(p.Environments), func(i int) string { return p.Environments[i].ID }); len(dupes) > 0 {
		return &ConfigError{Message: "duplicate environment IDs: " + strings.Join(dupes, ", ")}
	}
	if dupes := duplicateIDs(len(p.ImageRepositories), func(i int) string { return p.ImageRepositories[i].ID }); len(dupes) > 0 {
		return &ConfigError{Message: "duplicate image repository IDs: " + strings.Join(dupes, ", ")}
	}
	for _, repo := range p.ImageRepositories {
		if dupes := duplicateIDs(len(repo.Services), func(i int) string { return repo.Services[i].ID }); len(dupes) > 0 {
			return &ConfigError{Message: fmt.Sprintf(
				"duplicate service IDs in image repository %q: %s",
				repo.ID, strings.Join(dupes, ", "),
			)}
		}
	}
	return nil
}

func duplicateIDs(n int, idAt func(int) string) []string {
	counts := make(map[string]int, n)
	for i := 0; i < n; i++ {
		counts[idAt(i)]++
	}
	var dupes []string
	for id, count := range counts {
		if count > 1 {
			dupes = append(dupes, id)
		}
	}
	sort.Strings(dupes)
	return dupes
}

// EnvironmentIDs returns the declared environment IDs, sorted.
func (p *Project) EnvironmentIDs() []string {
	ids := make([]string, 0, len(p.Environments))
	for _, e := range p.Environments {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids
}

// Environment returns the environment with the given ID. The error for an
// unknown environment names every valid choice so an operator can correct
// a typo without opening the project file.
func (p *Project) Environment(environmentID string) (Environment, error) {
	for _, e := range p.Environments {
		if e.ID == environmentID {
			return e, nil
		}
	}
	return Environment{}, &ConfigError{Message: fmt.Sprintf(
		"unknown environment %q, expected one of: {%s}",
		environmentID, strings.Join(p.EnvironmentIDs(), ", "),
	)}
}

// ImageRepository returns the repository declaration for an image ID, or
// false if the project does not declare it.
func (p *Project) ImageRepository(imageID string) (ImageRepository, bool) {
	for _, repo := range p.ImageRepositories {
		if repo.ID == imageID {
			return repo, true
		}
	}
	return ImageRepository{}, false
}

// RepositoryName is the ECR repository name for an image: the repository's
// namespace override (or the project namespace) joined with the image ID,
// or the bare image ID when no namespace is set.
func (p *Project) RepositoryName(repo ImageRepository) string {
	namespace := repo.Namespace
	if namespace == "" {
		namespace = p.Namespace
	}
	if namespace == "" {
		return repo.ID
	}
	return namespace + "/" + repo.ID
}
