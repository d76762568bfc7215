package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/session"
)

var listStoragePathsCmd = &cobra.Command{
	Use:   "list_storage_paths",
	Short: "List every storage directory referenced by the current schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		sess := session.New(1)
		var paths [][]string
		err = store.Transact(ctx, func(txn kv.Txn) error {
			sess.BeginTxn(txn)
			defer sess.EndTxn()
			paths, err = mgr.ListStoragePaths(ctx, sess)
			return err
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(paths)
		}
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(p, "/"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listStoragePathsCmd)
}
