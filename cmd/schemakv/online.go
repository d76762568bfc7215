package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Inspect in-flight online DDL sessions",
}

var onlineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active online session ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		ids, err := mgr.ListOnlineSessions(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ids)
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no active online sessions")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var onlineStatusCmd = &cobra.Command{
	Use:   "status <online-id>",
	Short: "Report progress for one online session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid online id %q: %w", args[0], err)
		}

		progress, err := mgr.OnlineProgress(ctx, id)
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(progress)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "online_id: %d\nschemas: %v\ntables_touched: %v\ndml_rows_logged: %d\n",
			progress.OnlineID, progress.Schemas, progress.TablesTouched, progress.DMLRowsLogged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(onlineCmd)
	onlineCmd.AddCommand(onlineListCmd)
	onlineCmd.AddCommand(onlineStatusCmd)
}
