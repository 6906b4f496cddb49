package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query {layout|namespace}",
	Short: "Report a checker's persisted status (§6.4 query)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ckpt, err := openCheckpoints()
		if err != nil {
			return err
		}
		defer ckpt.Close()

		rec, err := ckpt.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "status=%s position=%s checked=%d repaired=%d failed=%d success_count=%d\n",
			rec.Status, rec.Position, rec.ItemsChecked, rec.ItemsRepaired, rec.ItemsFailed, rec.SuccessCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
}
