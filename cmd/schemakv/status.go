package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/schemamgr"
	"github.com/bowlofstew/sql-layer/internal/session"
)

type schemaStatus struct {
	Generation  int64    `json:"generation"`
	DataVersion int64    `json:"data_version"`
	MetaVersion int64    `json:"meta_version"`
	Schemas     []string `json:"schemas"`
	TableCount  int      `json:"table_count"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the current committed generation and schema set",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		sess := session.New(1)
		var a *ais.AIS
		err = store.Transact(ctx, func(txn kv.Txn) error {
			sess.BeginTxn(txn)
			defer sess.EndTxn()
			a, err = mgr.GetAIS(ctx, sess)
			return err
		})
		if err != nil {
			return err
		}

		st := schemaStatus{
			Generation:  a.Generation,
			DataVersion: schemamgr.CurrentDataVersion,
			MetaVersion: schemamgr.CurrentMetaVersion,
		}
		for name, s := range a.Schemas {
			st.Schemas = append(st.Schemas, name)
			st.TableCount += len(s.Tables)
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "generation: %d\ndata_version: %d\nmeta_version: %d\nschemas: %d\ntables: %d\n",
			st.Generation, st.DataVersion, st.MetaVersion, len(st.Schemas), st.TableCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
