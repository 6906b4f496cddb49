package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sdsc/lfsck/internal/lfsck/checker"
	"github.com/sdsc/lfsck/internal/lfsck/controller"
)

var (
	flagLayout    bool
	flagNamespace bool
	flagFailout   bool
	flagDryRun    bool
	flagReset     bool
	flagSpeed     int
)

func init() {
	startCmd.Flags().BoolVar(&flagLayout, "layout", true, "run the layout checker")
	startCmd.Flags().BoolVar(&flagNamespace, "namespace", true, "run the namespace checker")
	startCmd.Flags().BoolVar(&flagFailout, "failout", false, "abort the whole run on the first unrepairable inconsistency")
	startCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "detect inconsistencies without repairing them")
	startCmd.Flags().BoolVar(&flagReset, "reset", false, "discard any prior checkpoint and rescan from the start")
	startCmd.Flags().IntVar(&flagSpeed, "speed", 0, "items/sec throttle, 0 for unlimited")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a scan and block until interrupted (SIGINT/SIGTERM), then stop it",
	RunE: func(cmd *cobra.Command, args []string) error {
		var components controller.Component
		if flagLayout {
			components |= controller.ComponentLayout
		}
		if flagNamespace {
			components |= controller.ComponentNamespace
		}
		if components == 0 {
			return fmt.Errorf("at least one of --layout or --namespace is required")
		}

		collab, err := openCollaborators()
		if err != nil {
			return err
		}
		defer collab.Close()

		speed := flagSpeed
		if !cmd.Flags().Changed("speed") {
			bk, err := collab.ckpt.LoadBookmark()
			if err != nil {
				return err
			}
			speed = bk.SpeedLimit
		}

		ctl := controller.New(controller.Config{
			Store:          collab.st,
			Registry:       collab.reg,
			LockMgr:        collab.lm,
			Checkpoints:    collab.ckpt,
			LayoutTrace:    collab.layoutTrace,
			NamespaceTrace: collab.nsTrace,
			Metrics:        collab.metrics,
		})

		ctx := cmd.Context()
		err = ctl.Start(ctx, controller.StartParams{
			Components: components,
			Policy: checker.Policy{
				Failout: flagFailout,
				DryRun:  flagDryRun,
				Reset:   flagReset,
			},
			SpeedLimit: speed,
		})
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		fmt.Fprintln(cmd.OutOrStdout(), "lfsck: scan running, press Ctrl-C to stop")
		<-sigCh

		fmt.Fprintln(cmd.OutOrStdout(), "lfsck: stopping")
		return ctl.Stop(context.Background(), 1)
	},
}
