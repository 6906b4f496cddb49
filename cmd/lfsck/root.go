// Package main provides the lfsck command-line control surface: a
// small cobra CLI over the control contract (§6.4) exposed by
// internal/lfsck/controller, grounded on the teacher's cmd/ + cobra /
// pflag convention (every rclone subcommand is a cobra.Command
// registered from an init(), e.g. backend/torrent/cmd/backend.go).
//
// start runs the scan engine against a fresh in-memory Store
// (internal/lfsck/store.MemStore); stop rewrites a persisted checkpoint
// status; query and dump read the persisted
// checkpoint/bookmark records directly off disk, independent of
// whether a scan is currently running, the same way lctl's
// get_param/show reads LFSCK's on-disk state rather than talking to
// the running thread. A production embedder supplies its own Store
// wired to a real MDT/OST object device (§1 "it consumes one" on-disk
// format) in place of the demonstration MemStore used here.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sdsc/lfsck/internal/lfsck/checkpoint"
	"github.com/sdsc/lfsck/internal/lfsck/fid"
	"github.com/sdsc/lfsck/internal/lfsck/lockmgr"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/registry"
	"github.com/sdsc/lfsck/internal/lfsck/store"
	"github.com/sdsc/lfsck/internal/lfsck/tracingfile"
)

var dbDir string

var rootCmd = &cobra.Command{
	Use:   "lfsck",
	Short: "Drive the LFSCK control contract (start/stop/query/dump/speed)",
	Long: `lfsck is the administrative client for the LFSCK layout and
namespace checkers: it issues the same start/stop/query/dump/
get_speed/set_speed operations an in-kernel LFSCK exposes through
lctl, against this module's Go reimplementation.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbDir, "db-dir", "./lfsck-data", "directory holding checkpoint/trace databases")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lfsck:", err)
		os.Exit(1)
	}
}

// openCheckpoints opens (creating if necessary) the checkpoint store
// under dbDir, for subcommands that only need persisted status
// (stop, query, dump, speed).
func openCheckpoints() (*checkpoint.Store, error) {
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}
	return checkpoint.Open(filepath.Join(dbDir, "checkpoint.db"))
}

// collaborators bundles the full set of stores a start run needs,
// wired the way controller.Config expects (§2).
type collaborators struct {
	st          *store.MemStore
	reg         *registry.Registry
	lm          *lockmgr.Local
	ckpt        *checkpoint.Store
	layoutTrace *tracingfile.File
	nsTrace     *tracingfile.File
	metrics     *metrics.Metrics
}

func (c *collaborators) Close() {
	_ = c.ckpt.Close()
	_ = c.layoutTrace.Close()
	_ = c.nsTrace.Close()
}

func openCollaborators() (*collaborators, error) {
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}
	ckpt, err := checkpoint.Open(filepath.Join(dbDir, "checkpoint.db"))
	if err != nil {
		return nil, err
	}
	layoutTrace, err := tracingfile.Open(filepath.Join(dbDir, "layout-trace.db"))
	if err != nil {
		_ = ckpt.Close()
		return nil, err
	}
	nsTrace, err := tracingfile.Open(filepath.Join(dbDir, "ns-trace.db"))
	if err != nil {
		_ = ckpt.Close()
		_ = layoutTrace.Close()
		return nil, err
	}
	return &collaborators{
		st:          store.NewMemStore(fid.SeqNormalMin),
		reg:         registry.New(),
		lm:          lockmgr.NewLocal(0),
		ckpt:        ckpt,
		layoutTrace: layoutTrace,
		nsTrace:     nsTrace,
		metrics:     metrics.New(prometheus.DefaultRegisterer),
	}, nil
}
