package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Push a locally built image and label it",
	RunE: func(cmd *cobra.Command, args []string) error {
		imageID, _ := cmd.Flags().GetString("image-id")
		label, _ := cmd.Flags().GetString("label")

		if imageID == "" {
			return fmt.Errorf("--image-id is required")
		}

		proj, err := newProject(cmd)
		if err != nil {
			return err
		}

		summary, err := proj.Publish(cmd.Context(), imageID, label)
		if err != nil {
			return err
		}

		fmt.Printf("Published %s\n", imageID)
		fmt.Printf("  Local tag:  %s\n", summary.Push.LocalTag)
		fmt.Printf("  Remote URI: %s\n", summary.Push.RemoteURI)
		fmt.Printf("  Label:      %s -> %s\n", label, summary.Tag.Target)
		if summary.SSMPath != "" {
			fmt.Printf("  Parameter:  %s\n", summary.SSMPath)
		}
		return nil
	},
}

func init() {
	publishCmd.Flags().String("image-id", "", "Image to publish")
	publishCmd.Flags().String("label", "latest", "Label to apply to the pushed image")
}
