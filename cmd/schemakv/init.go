package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Mount the schema manager root and run startup reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer mgr.Shutdown()
		fmt.Fprintln(cmd.OutOrStdout(), "schema manager initialized")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
