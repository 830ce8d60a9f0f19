package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/corral-deploy/corral/pkg/pretty"
	"github.com/corral-deploy/corral/pkg/types"
)

var initialiseCmd = &cobra.Command{
	Use:     "initialise",
	Aliases: []string{"init"},
	Short:   "Create the release store for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		fmt.Printf("Initialising %s\n", proj.Store().DescribeInitialisation())
		if err := proj.Store().Initialise(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialise release store: %w", err)
		}

		fmt.Println("Release store is ready.")
		return nil
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Create a release from the images at a label",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromLabel, _ := cmd.Flags().GetString("from-label")
		description, _ := cmd.Flags().GetString("description")

		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		release, previous, err := proj.Prepare(cmd.Context(), fromLabel, description)
		if err != nil {
			return err
		}

		printRelease(release)
		if previous != nil {
			fmt.Println()
			printImageDiff(previous, release)
		}
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Create a release based on an existing one, updating some services",
	RunE: func(cmd *cobra.Command, args []string) error {
		releaseID, _ := cmd.Flags().GetString("release-id")
		serviceIDs, _ := cmd.Flags().GetStringSlice("service-id")
		fromLabel, _ := cmd.Flags().GetString("from-label")

		if len(serviceIDs) == 0 {
			return fmt.Errorf("--service-id is required")
		}

		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		release, previous, err := proj.Update(cmd.Context(), releaseID, serviceIDs, fromLabel)
		if err != nil {
			return err
		}

		printRelease(release)
		if previous != nil {
			fmt.Println()
			printImageDiff(previous, release)
		}
		return nil
	},
}

var showReleaseCmd = &cobra.Command{
	Use:   "show-release",
	Short: "Show a release and its deployment history",
	RunE: func(cmd *cobra.Command, args []string) error {
		releaseID, _ := cmd.Flags().GetString("release-id")

		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		release, err := proj.GetRelease(cmd.Context(), releaseID)
		if err != nil {
			return err
		}

		printRelease(release)

		if len(release.Deployments) > 0 {
			fmt.Println()
			fmt.Println("Deployments:")
			for _, d := range release.Deployments {
				fmt.Printf("  %-12s %-28s %s\n", d.Environment, formatDate(d.DateCreated), d.Description)
			}
		}
		return nil
	},
}

var showImagesCmd = &cobra.Command{
	Use:   "show-images",
	Short: "Show the images currently carrying a label",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")

		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		images, missing, err := proj.GetImages(cmd.Context(), label)
		if err != nil {
			return err
		}

		fmt.Printf("Images at %s:\n", label)
		ids := make([]string, 0, len(images))
		for id := range images {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %-20s %s\n", id, images[id])
		}
		for _, id := range missing {
			fmt.Printf("  %-20s (no image)\n", id)
		}
		return nil
	},
}

func init() {
	prepareCmd.Flags().String("from-label", "latest", "Label to cut the release from")
	prepareCmd.Flags().String("description", "", "Human-readable description of the release")

	updateCmd.Flags().String("release-id", "latest", "Release to base the new release on")
	updateCmd.Flags().StringSlice("service-id", nil, "Services to update (repeatable)")
	updateCmd.Flags().String("from-label", "latest", "Label to take the updated images from")

	showReleaseCmd.Flags().String("release-id", "latest", "Release to show")

	showImagesCmd.Flags().String("label", "latest", "Label to inspect")
}

func printRelease(release *types.Release) {
	fmt.Printf("Release:      %s\n", release.ReleaseID)
	fmt.Printf("Project:      %s\n", release.ProjectName)
	fmt.Printf("Created:      %s\n", formatDate(release.DateCreated))
	fmt.Printf("Requested by: %s\n", release.RequestedBy)
	if release.Description != "" {
		fmt.Printf("Description:  %s\n", release.Description)
	}

	fmt.Println("Images:")
	ids := make([]string, 0, len(release.Images))
	for id := range release.Images {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %-20s %s\n", id, release.Images[id])
	}
}

func printImageDiff(previous, release *types.Release) {
	var changed []string
	for id, uri := range release.Images {
		if previous.Images[id] != uri {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)

	if len(changed) == 0 {
		fmt.Printf("No images changed since %s.\n", pretty.ShortID(previous.ReleaseID))
		return
	}
	fmt.Printf("Changed since %s: ", pretty.ShortID(previous.ReleaseID))
	for i, id := range changed {
		if i > 0 {
			fmt.Print(", ")
		}
		fmt.Print(id)
	}
	fmt.Println()
}

func formatDate(timestamp string) string {
	parsed, err := time.Parse(types.TimestampFormat, timestamp)
	if err != nil {
		return timestamp
	}
	return pretty.Date(parsed, time.Now().UTC())
}
