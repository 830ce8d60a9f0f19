package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/corral-deploy/corral/pkg/pretty"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Roll a release out to an environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		releaseID, _ := cmd.Flags().GetString("release-id")
		environmentID, _ := cmd.Flags().GetString("environment-id")
		description, _ := cmd.Flags().GetString("description")
		confirm, _ := cmd.Flags().GetBool("confirm")
		waitFor, _ := cmd.Flags().GetDuration("confirmation-wait-for")
		interval, _ := cmd.Flags().GetDuration("confirmation-interval")

		if environmentID == "" {
			return fmt.Errorf("--environment-id is required")
		}

		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		release, err := proj.GetRelease(cmd.Context(), releaseID)
		if err != nil {
			return err
		}

		deployment, err := proj.Deploy(cmd.Context(), release.ReleaseID, environmentID, description)
		if err != nil {
			return err
		}

		fmt.Printf("Deployed %s to %s\n", pretty.ShortID(release.ReleaseID), environmentID)

		imageIDs := make([]string, 0, len(deployment.Details))
		for id := range deployment.Details {
			imageIDs = append(imageIDs, id)
		}
		sort.Strings(imageIDs)
		for _, id := range imageIDs {
			detail := deployment.Details[id]
			if detail.TagResult.Noop() {
				fmt.Printf("  %-20s unchanged\n", id)
			} else {
				fmt.Printf("  %-20s %d service(s) restarted\n", id, len(detail.ECSDeployments))
			}
		}

		if !confirm {
			return nil
		}

		fmt.Printf("Waiting up to %s for %s to converge...\n", waitFor, environmentID)
		converged, err := proj.WaitForDeployment(cmd.Context(), release.ReleaseID, environmentID, waitFor, interval)
		if err != nil {
			return err
		}
		if !converged {
			return fmt.Errorf("deployment of %s to %s did not converge within %s",
				pretty.ShortID(release.ReleaseID), environmentID, waitFor)
		}

		fmt.Println("Deployment converged.")
		return nil
	},
}

var showDeploymentsCmd = &cobra.Command{
	Use:   "show-deployments",
	Short: "Show recent deployments, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		releaseID, _ := cmd.Flags().GetString("release-id")
		environmentID, _ := cmd.Flags().GetString("environment-id")
		limit, _ := cmd.Flags().GetInt("limit")

		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		records, err := proj.GetDeployments(cmd.Context(), releaseID, environmentID, limit)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No deployments found.")
			return nil
		}

		for _, record := range records {
			fmt.Printf("%s  %-12s %-28s %s\n",
				pretty.ShortID(record.ReleaseID),
				record.Environment,
				formatDate(record.DateCreated),
				record.Description,
			)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().String("release-id", "latest", "Release to deploy")
	deployCmd.Flags().String("environment-id", "", "Environment to deploy to")
	deployCmd.Flags().String("description", "", "Human-readable description of the deployment")
	deployCmd.Flags().Bool("confirm", false, "Wait for the environment to converge after deploying")
	deployCmd.Flags().Duration("confirmation-wait-for", 10*time.Minute, "How long to wait for convergence")
	deployCmd.Flags().Duration("confirmation-interval", 15*time.Second, "How often to poll while waiting")

	showDeploymentsCmd.Flags().String("release-id", "", "Only deployments of this release")
	showDeploymentsCmd.Flags().String("environment-id", "", "Only deployments to this environment")
	showDeploymentsCmd.Flags().Int("limit", 10, "Maximum number of deployments to show")
}
