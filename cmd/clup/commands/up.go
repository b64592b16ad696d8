package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/deploy"
	"github.com/clusterup/clusterup/pkg/policy"
	"github.com/clusterup/clusterup/pkg/services"
	"github.com/clusterup/clusterup/pkg/stores"
	"github.com/clusterup/clusterup/pkg/telemetry"
	"github.com/clusterup/clusterup/pkg/topology"
)

func newUpCommand() *cobra.Command {
	var (
		deadline       time.Duration
		workRoot       string
		portBase       int
		keepDirs       bool
		parallelDeploy bool
		detach         bool
		envFile        string
		installRoot    string
		archiveURL     string
		policyPaths    []string
		skipPolicy     bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "up <topology>",
		Short: "Bring up a cluster from a topology file",
		Long: `Bring up the cluster described by a topology file.

The topology may be YAML (.yaml/.yml), CUE (.cue), or a Starlark
script (.star). Instances are deployed, configured, and started in
dependency order; readiness is then polled collectively against one
shared deadline.

By default the command stays in the foreground and tears the cluster
down on interrupt. With --detach it writes a run manifest into the
working root and exits, leaving the cluster running for "clup down".`,
		Example: `  # Bring up a cluster and hold it until interrupted
  clup up kafka-cluster.yaml

  # Programmatic topology, persistent working root, leave it running
  clup up sasl-cluster.star --work-root /tmp/sasl --detach

  # Pre-installed services, custom readiness deadline, run journal
  clup up cluster.yaml --install-root /opt/kafka --deadline 3m --db runs.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if detach && workRoot == "" {
				return fmt.Errorf("--detach requires --work-root, an ephemeral root would be unreachable")
			}

			topo, err := topology.NewLoader().Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load topology: %w", err)
			}
			log.Info().
				Str("topology", args[0]).
				Str("cluster", topo.Name).
				Int("instances", len(topo.Instances)).
				Msg("Topology loaded")

			if !skipPolicy {
				if err := runPolicyGate(ctx, topo, policyPaths); err != nil {
					return err
				}
			}

			tel, err := newTelemetry(metricsAddr)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
			if metricsAddr != "" {
				if err := tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
			}

			var recorder cluster.RunRecorder
			if dbPath != "" {
				store, err := openStore(ctx, dbPath)
				if err != nil {
					return err
				}
				defer store.Close()
				recorder = store
			}

			specs, err := services.FromTopology(topo, services.BuildOptions{
				Deployer: newDeployer(installRoot, archiveURL),
			})
			if err != nil {
				return fmt.Errorf("failed to build instance specs: %w", err)
			}

			c, err := cluster.New(cluster.Options{
				Name:           topo.Name,
				WorkRoot:       workRoot,
				PortBase:       portBase,
				KeepDirs:       keepDirs,
				ParallelDeploy: parallelDeploy,
				Recorder:       recorder,
			}, tel)
			if err != nil {
				return err
			}

			for _, spec := range specs {
				if _, err := c.Register(spec); err != nil {
					return fmt.Errorf("failed to register %s: %w", spec.Name, err)
				}
			}

			proj, err := c.BringUp(ctx, deadline)
			if err != nil {
				if c.State() != cluster.ClusterDegraded {
					return err
				}
				// The readiness deadline elapsed; the cluster is left
				// live for inspection.
				log.Warn().Err(err).Msg("Cluster is degraded")
				proj = c.Projection()
			}

			if err := printReport(c.Report(), proj, envFile); err != nil {
				return err
			}

			if detach {
				m := manifestFromReport(c.Report(), c.WorkRoot())
				if err := m.write(); err != nil {
					return err
				}
				log.Info().
					Str("run_id", c.RunID()).
					Str("work_root", c.WorkRoot()).
					Msg("Cluster left running, stop it with: clup down " + c.WorkRoot())
				return nil
			}

			log.Info().Msg("Cluster is up, press Ctrl-C to tear down")
			<-ctx.Done()

			// The command context is canceled; tear down with a fresh one.
			downCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			return c.TearDown(downCtx)
		},
	}

	cmd.Flags().DurationVar(&deadline, "deadline", 2*time.Minute, "shared readiness deadline")
	cmd.Flags().StringVar(&workRoot, "work-root", "", "working root directory (empty means ephemeral)")
	cmd.Flags().IntVar(&portBase, "port-base", 0, "first port handed out by the allocator")
	cmd.Flags().BoolVar(&keepDirs, "keep", false, "preserve working directories at cleanup")
	cmd.Flags().BoolVar(&parallelDeploy, "parallel-deploy", false, "deploy dependency-independent instances concurrently")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "leave the cluster running and exit")
	cmd.Flags().StringVar(&envFile, "env-file", "", "write the environment projection to this file")
	cmd.Flags().StringVar(&installRoot, "install-root", "", "directory with pre-installed services (local deployer)")
	cmd.Flags().StringVar(&archiveURL, "archive-url", "", "tarball URL template with ${kind} and ${version} (archive deployer)")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional .rego policy files or directories")
	cmd.Flags().BoolVar(&skipPolicy, "no-policy", false, "skip policy evaluation")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// newTelemetry builds the engine telemetry from the global CLI flags.
func newTelemetry(metricsAddr string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}
	return telemetry.NewTelemetry(cfg)
}

// newDeployer picks the deploy collaborator from the CLI flags. Kinds
// without real binaries (ssl, oidc) always work with the noop fallback.
func newDeployer(installRoot, archiveURL string) cluster.Deployer {
	switch {
	case archiveURL != "":
		return &deploy.Archive{URLTemplate: archiveURL}
	case installRoot != "":
		return &deploy.Local{Path: installRoot}
	default:
		return deploy.Noop{}
	}
}

// openStore opens and migrates the SQLite run journal.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open run journal: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate run journal: %w", err)
	}
	return store, nil
}

// runPolicyGate evaluates builtin and user-supplied policies over the
// topology. Error-severity violations block the bring-up.
func runPolicyGate(ctx context.Context, topo *topology.Topology, paths []string) error {
	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(paths) > 0 {
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}

	result, err := engine.Evaluate(ctx, topo)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, v := range result.Violations {
		evt := log.Warn()
		if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
			evt = log.Error()
		}
		evt.
			Str("policy", v.Policy).
			Str("instance", v.Instance).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}

	if !result.Allowed {
		return fmt.Errorf("topology blocked by %d policy violation(s)", len(result.Violations))
	}
	return nil
}

// printReport writes the bring-up report and environment projection to
// stdout, and optionally the projection to an env file.
func printReport(report cluster.BringUpReport, proj cluster.Projection, envFile string) error {
	if jsonOutput {
		out := struct {
			cluster.BringUpReport
			Env map[string]string `json:"env"`
		}{report, proj}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("cluster %s: %s (run %s)\n", report.Cluster, report.State, report.RunID)
		for _, st := range report.Instances {
			line := fmt.Sprintf("  %-24s %-16s %s", st.Name, st.Kind, st.State)
			if st.Pid != 0 {
				line += fmt.Sprintf(" (pid %d)", st.Pid)
			}
			fmt.Println(line)
		}
	}

	if envFile != "" {
		env := proj.Environ()
		sort.Strings(env)
		content := strings.Join(env, "\n") + "\n"
		if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write env file: %w", err)
		}
		log.Info().Str("path", envFile).Msg("Environment projection written")
	}
	return nil
}
