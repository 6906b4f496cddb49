package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var speedCmd = &cobra.Command{
	Use:   "speed [limit]",
	Short: "Get or set the persisted default speed limit (§6.4 get_speed/set_speed)",
	Long: `With no argument, speed prints the bookmark's persisted speed_limit,
the value the next "lfsck start" uses when --speed is not given. With
a limit argument, it rewrites that persisted value. This subcommand
does not reach a running engine; an embedder that holds the live
Controller adjusts its throttle with Controller.GetSpeed/SetSpeed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ckpt, err := openCheckpoints()
		if err != nil {
			return err
		}
		defer ckpt.Close()

		bk, err := ckpt.LoadBookmark()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), bk.SpeedLimit)
			return nil
		}

		var limit int
		if _, err := fmt.Sscanf(args[0], "%d", &limit); err != nil {
			return fmt.Errorf("invalid speed limit %q: %w", args[0], err)
		}
		bk.SpeedLimit = limit
		if err := ckpt.SaveBookmark(bk); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "speed_limit=%d\n", bk.SpeedLimit)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(speedCmd)
}
