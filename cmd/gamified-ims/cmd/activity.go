package cmd

import "github.com/spf13/cobra"

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Activity log tools",
	Long:  `Commands for inspecting exported activity logs.`,
}

func init() {
	rootCmd.AddCommand(activityCmd)
}
