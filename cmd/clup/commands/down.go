package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/clusterup/clusterup/pkg/stores"
)

func newDownCommand() *cobra.Command {
	var (
		grace time.Duration
		keep  bool
	)

	cmd := &cobra.Command{
		Use:   "down <work-root>",
		Short: "Tear down a detached cluster",
		Long: `Tear down a cluster previously left running by "clup up --detach".

Reads the run manifest from the working root, terminates the recorded
process groups in reverse start order (SIGTERM, bounded grace wait,
SIGKILL fallback), and removes the working directories unless --keep
is given.`,
		Example: `  # Stop the cluster under /tmp/sasl
  clup down /tmp/sasl

  # Stop but keep logs and data directories for inspection
  clup down /tmp/sasl --keep`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workRoot := args[0]

			m, err := readManifest(workRoot)
			if err != nil {
				return err
			}

			log.Info().
				Str("cluster", m.Cluster).
				Str("run_id", m.RunID).
				Int("instances", len(m.Instances)).
				Msg("Tearing down cluster")

			// Dependents were started last; stop them first.
			var failed int
			for _, inst := range m.teardownOrder() {
				if inst.Pid == 0 {
					continue
				}
				if err := stopProcessGroup(inst.Pid, grace); err != nil {
					failed++
					log.Warn().Err(err).Str("instance", inst.Name).Msg("Stop failed")
					continue
				}
				log.Info().Str("instance", inst.Name).Int("pid", inst.Pid).Msg("Stopped")
			}

			if !keep {
				for _, inst := range m.Instances {
					if inst.WorkDir == "" {
						continue
					}
					if err := os.RemoveAll(inst.WorkDir); err != nil {
						log.Warn().Err(err).Str("instance", inst.Name).Msg("Cleanup failed")
					}
				}
			}
			if err := removeManifest(workRoot); err != nil {
				return fmt.Errorf("failed to remove run manifest: %w", err)
			}

			if dbPath != "" {
				if err := markRunDown(ctx, m.RunID); err != nil {
					log.Warn().Err(err).Msg("Updating run journal failed")
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d instance(s) could not be stopped", failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "wait after SIGTERM before force-killing")
	cmd.Flags().BoolVar(&keep, "keep", false, "preserve working directories")

	return cmd
}

// stopProcessGroup terminates a whole process group: SIGTERM, bounded
// wait for exit, then SIGKILL. A group that is already gone is a no-op.
func stopProcessGroup(pid int, grace time.Duration) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return err
	}

	expire := time.After(grace)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := unix.Kill(-pid, 0); err == unix.ESRCH {
				return nil
			}
		case <-expire:
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
				return err
			}
			return nil
		}
	}
}

// markRunDown records the tear-down in the run journal.
func markRunDown(ctx context.Context, runID string) error {
	store, err := openStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.UpdateRunStatus(ctx, runID, stores.RunStatusDown)
}
