package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clusterup/clusterup/pkg/cluster"
)

// manifestFile is written into the working root after a detached bring-up
// so later invocations can find and stop the processes.
const manifestFile = "clup-run.json"

type runManifest struct {
	RunID     string    `json:"run_id"`
	Cluster   string    `json:"cluster"`
	WorkRoot  string    `json:"work_root"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`

	// Order is the topological start order computed at bring-up. Tear-down
	// walks it in reverse so dependents stop before their dependencies.
	Order     []string           `json:"order,omitempty"`
	Instances []manifestInstance `json:"instances"`
}

type manifestInstance struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Pid     int    `json:"pid,omitempty"`
	WorkDir string `json:"work_dir,omitempty"`
}

func manifestFromReport(report cluster.BringUpReport, workRoot string) *runManifest {
	m := &runManifest{
		RunID:     report.RunID,
		Cluster:   report.Cluster,
		WorkRoot:  workRoot,
		State:     string(report.State),
		StartedAt: time.Now().UTC(),
		Order:     report.Order,
	}
	for _, st := range report.Instances {
		m.Instances = append(m.Instances, manifestInstance{
			Name:    st.Name,
			Kind:    st.Kind,
			Pid:     st.Pid,
			WorkDir: st.WorkDir,
		})
	}
	return m
}

// teardownOrder returns the instances in stop order: the reverse of the
// recorded start order, dependents first. Instances missing from the
// recorded order (older manifests) are appended in reverse declaration
// order.
func (m *runManifest) teardownOrder() []manifestInstance {
	byName := make(map[string]manifestInstance, len(m.Instances))
	for _, inst := range m.Instances {
		byName[inst.Name] = inst
	}

	out := make([]manifestInstance, 0, len(m.Instances))
	seen := make(map[string]bool, len(m.Instances))
	for i := len(m.Order) - 1; i >= 0; i-- {
		inst, ok := byName[m.Order[i]]
		if !ok {
			continue
		}
		out = append(out, inst)
		seen[inst.Name] = true
	}
	for i := len(m.Instances) - 1; i >= 0; i-- {
		if !seen[m.Instances[i].Name] {
			out = append(out, m.Instances[i])
		}
	}
	return out
}

func (m *runManifest) write() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run manifest: %w", err)
	}
	path := filepath.Join(m.WorkRoot, manifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run manifest: %w", err)
	}
	return nil
}

func readManifest(workRoot string) (*runManifest, error) {
	data, err := os.ReadFile(filepath.Join(workRoot, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("no run manifest under %s: %w", workRoot, err)
	}
	m := &runManifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse run manifest: %w", err)
	}
	return m, nil
}

func removeManifest(workRoot string) error {
	err := os.Remove(filepath.Join(workRoot, manifestFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
