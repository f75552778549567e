package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dashboard-service",
	Short: "Dashboard event-delivery and read-model caching service",
	Long: `The dashboard service carries domain state changes as versioned events
from the transactional outbox to consumers, and maintains the in-memory
dashboard projection those consumers fold events into.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
