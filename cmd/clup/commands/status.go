package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func newStatusCommand() *cobra.Command {
	var (
		runID   string
		history int
	)

	cmd := &cobra.Command{
		Use:   "status [work-root]",
		Short: "Show the status of a detached cluster or past runs",
		Long: `Show cluster status.

With a working root argument, reads the run manifest written by
"clup up --detach" and reports which instances are still alive.

With --db, lists recorded runs from the run journal instead; --run
additionally shows every instance state transition of one run.`,
		Example: `  # Live status of a detached cluster
  clup status /tmp/sasl

  # Recent runs from the journal
  clup status --db runs.db

  # Full transition history of one run
  clup status --db runs.db --run 4cf3f5a2-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return liveStatus(args[0])
			}
			if dbPath == "" {
				return fmt.Errorf("need a work-root argument or --db")
			}
			return journalStatus(cmd, runID, history)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show transitions of this run ID")
	cmd.Flags().IntVar(&history, "limit", 10, "number of runs to list")

	return cmd
}

// liveStatus reports on a detached cluster via its run manifest.
func liveStatus(workRoot string) error {
	m, err := readManifest(workRoot)
	if err != nil {
		return err
	}

	type instanceStatus struct {
		Name  string `json:"name"`
		Kind  string `json:"kind"`
		Pid   int    `json:"pid,omitempty"`
		Alive bool   `json:"alive"`
	}
	statuses := make([]instanceStatus, 0, len(m.Instances))
	for _, inst := range m.Instances {
		alive := inst.Pid != 0 && unix.Kill(inst.Pid, 0) == nil
		statuses = append(statuses, instanceStatus{
			Name:  inst.Name,
			Kind:  inst.Kind,
			Pid:   inst.Pid,
			Alive: alive,
		})
	}

	if jsonOutput {
		out := struct {
			RunID     string           `json:"run_id"`
			Cluster   string           `json:"cluster"`
			StartedAt time.Time        `json:"started_at"`
			Instances []instanceStatus `json:"instances"`
		}{m.RunID, m.Cluster, m.StartedAt, statuses}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("cluster %s (run %s, started %s)\n",
		m.Cluster, m.RunID, m.StartedAt.Format(time.RFC3339))
	for _, st := range statuses {
		state := "dead"
		if st.Alive {
			state = "alive"
		}
		fmt.Printf("  %-24s %-16s %-6s pid %d\n", st.Name, st.Kind, state, st.Pid)
	}
	return nil
}

// journalStatus lists runs, or the transitions of one run, from the
// SQLite run journal.
func journalStatus(cmd *cobra.Command, runID string, limit int) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID != "" {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		transitions, err := store.ListTransitions(ctx, runID)
		if err != nil {
			return err
		}

		if jsonOutput {
			out := struct {
				Run         interface{} `json:"run"`
				Transitions interface{} `json:"transitions"`
			}{run, transitions}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("run %s: cluster %s, %s, started %s\n",
			run.ID, run.Cluster, run.Status, run.StartedAt.Format(time.RFC3339))
		for _, tr := range transitions {
			detail := ""
			if tr.Detail != "" {
				detail = " (" + tr.Detail + ")"
			}
			fmt.Printf("  %s  %-24s %s -> %s%s\n",
				tr.OccurredAt.Format("15:04:05.000"), tr.Instance, tr.FromState, tr.ToState, detail)
		}
		return nil
	}

	runs, err := store.ListRuns(ctx, limit, 0)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	for _, run := range runs {
		elapsed := ""
		if run.ElapsedMS != nil {
			elapsed = (time.Duration(*run.ElapsedMS) * time.Millisecond).String()
		}
		fmt.Printf("%s  %-20s %-10s %d instances  %s\n",
			run.StartedAt.Format(time.RFC3339), run.Cluster, run.Status, len(run.Instances), elapsed)
	}
	return nil
}
