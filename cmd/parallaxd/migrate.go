package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// migrateCmd is a documented no-op: this pass of the control plane keeps
// schedules, triggers, and agent state in the in-memory stores described in
// DESIGN.md (internal/schedule, internal/trigger). A SQL-backed Store is a
// named extension point, not implemented here, so there is no schema to
// migrate yet.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run schema migrations (no-op: the current build uses in-memory stores)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("no migrations to run: schedule/trigger stores are in-memory in this build")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
