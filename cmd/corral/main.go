package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/corral-deploy/corral/pkg/config"
	"github.com/corral-deploy/corral/pkg/iam"
	"github.com/corral-deploy/corral/pkg/log"
	"github.com/corral-deploy/corral/pkg/paramstore"
	"github.com/corral-deploy/corral/pkg/project"
	"github.com/corral-deploy/corral/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral - Release and deployment tracking for ECS services",
	Long: `Corral tracks what is deployed where. It cuts immutable releases
from the images your CI pipeline publishes, rolls them out to
environments by retagging and restarting ECS services, and keeps an
auditable history of every deployment in DynamoDB.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := log.InfoLevel
		if verbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("project-file", "f", ".corral.yml", "Path to the projects file")
	rootCmd.PersistentFlags().StringP("project-id", "i", "", "Project ID (optional when the file has one project)")
	rootCmd.PersistentFlags().String("region", "", "Override the project's AWS region")
	rootCmd.PersistentFlags().String("role-arn", "", "Override the project's IAM role")
	rootCmd.PersistentFlags().String("account-id", "", "Override the project's AWS account ID")
	rootCmd.PersistentFlags().String("namespace", "", "Override the project's ECR namespace")
	rootCmd.PersistentFlags().String("store", "dynamo", "Release store backend: dynamo or bolt")
	rootCmd.PersistentFlags().String("data-dir", ".corral", "Data directory for the bolt store")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initialiseCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(showReleaseCmd)
	rootCmd.AddCommand(showImagesCmd)
	rootCmd.AddCommand(showDeploymentsCmd)
}

// newProject assembles the project named by the CLI flags, with real AWS
// clients behind it.
func newProject(cmd *cobra.Command) (*project.Project, error) {
	ctx := cmd.Context()
	flags := cmd.Flags()

	projectFile, _ := flags.GetString("project-file")
	projectID, _ := flags.GetString("project-id")
	region, _ := flags.GetString("region")
	roleArn, _ := flags.GetString("role-arn")
	accountID, _ := flags.GetString("account-id")
	namespace, _ := flags.GetString("namespace")
	storeKind, _ := flags.GetString("store")
	dataDir, _ := flags.GetString("data-dir")

	projects, err := config.LoadProjects(projectFile)
	if err != nil {
		return nil, err
	}

	if projectID == "" {
		ids := projects.List()
		if len(ids) != 1 {
			return nil, fmt.Errorf("--project-id is required, the file defines: %s", strings.Join(ids, ", "))
		}
		projectID = ids[0]
	}

	cfg, err := projects.Load(projectID, config.Overrides{
		RegionName: region,
		RoleArn:    roleArn,
		AccountID:  accountID,
		Namespace:  namespace,
	})
	if err != nil {
		return nil, err
	}

	base, err := iam.LoadBaseConfig(ctx, cfg.RegionName)
	if err != nil {
		return nil, err
	}

	// Releases record who ran the command, not the role they assumed.
	caller, err := iam.GetCallerIdentity(ctx, sts.NewFromConfig(base))
	if err != nil {
		return nil, err
	}

	assumed := iam.AssumeRole(base, cfg.RoleArn, "corral", cfg.RegionName)
	if cfg.AccountID == "" {
		identity, err := iam.GetCallerIdentity(ctx, sts.NewFromConfig(assumed))
		if err != nil {
			return nil, err
		}
		cfg.AccountID = identity.AccountID
	}

	var releaseStore store.ReleaseStore
	switch storeKind {
	case "dynamo":
		releaseStore = store.NewDynamoStore(dynamodb.NewFromConfig(assumed), cfg.ID)
	case "bolt":
		releaseStore, err = store.NewBoltStore(dataDir, cfg.ID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q, expected dynamo or bolt", storeKind)
	}

	params := paramstore.New(ssm.NewFromConfig(assumed), cfg.ID)
	factory := project.NewAWSClientFactory(base)

	return project.New(cfg, releaseStore, factory, params, caller), nil
}
