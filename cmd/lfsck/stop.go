package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdsc/lfsck/internal/lfsck/checkpoint"
)

var stopCmd = &cobra.Command{
	Use:   "stop {layout|namespace}",
	Short: "Force a checker's persisted status to stopped",
	Long: `stop marks a checker's checkpoint record as stopped without a live
engine to signal: a foreground "lfsck start" run is stopped by sending
it SIGINT/SIGTERM, which stops its engine (a sweep still in phase 1
ends without running phase 2) and saves status=stopped itself. This
subcommand exists for the case §4.9
describes where a prior run crashed and left status=scanning on disk
with nothing left to drain; the next "lfsck start" otherwise resumes
from that position as if the run were still live.`,
	Args: cobra.ExactArgs(1),
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
		rec.Status = checkpoint.StatusStopped
		if err := ckpt.Save(args[0], rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: status=%s\n", args[0], rec.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
