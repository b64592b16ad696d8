package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clusterup/clusterup/pkg/policy"
	"github.com/clusterup/clusterup/pkg/topology"
)

func newValidateCommand() *cobra.Command {
	var (
		policyPaths []string
		skipPolicy  bool
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "validate <topology>",
		Short: "Validate a topology file without bringing anything up",
		Long: `Validate a topology file.

This command checks:
  - Syntax (YAML, CUE, or Starlark)
  - Structural constraints (names, kinds, dependency references)
  - Per-kind configuration schemas (CUE)
  - Policy compliance (builtin + user-supplied rego)`,
		Example: `  # Validate a YAML topology
  clup validate kafka-cluster.yaml

  # Validate a Starlark topology with extra policies
  clup validate sasl-cluster.star --policy ./policies

  # Keep re-validating as the policy files change
  clup validate sasl-cluster.star --policy ./policies --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			topo, err := topology.NewLoader().Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("topology invalid: %w", err)
			}

			var (
				engine *policy.Engine
				result *policy.Result
			)
			if !skipPolicy {
				engine, err = policy.NewEngine(log.Logger)
				if err != nil {
					return fmt.Errorf("failed to create policy engine: %w", err)
				}
				if len(policyPaths) > 0 {
					if err := engine.LoadPolicies(ctx, policyPaths); err != nil {
						return fmt.Errorf("failed to load policies: %w", err)
					}
				}
				result, err = engine.Evaluate(ctx, topo)
				if err != nil {
					return fmt.Errorf("policy evaluation failed: %w", err)
				}
			}

			if jsonOutput {
				out := struct {
					Topology *topology.Topology `json:"topology"`
					Policy   *policy.Result     `json:"policy,omitempty"`
				}{topo, result}
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				fmt.Printf("topology %s: %d instances\n", topo.Name, len(topo.Instances))
				for _, inst := range topo.Instances {
					line := fmt.Sprintf("  %-24s %s", inst.Name, inst.Kind)
					if len(inst.DependsOn) > 0 {
						line += fmt.Sprintf(" (depends on %v)", inst.DependsOn)
					}
					fmt.Println(line)
				}
				if result != nil {
					for _, v := range result.Violations {
						fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
					}
				}
			}

			if watch {
				if skipPolicy || len(policyPaths) == 0 {
					return fmt.Errorf("--watch requires --policy paths to watch")
				}
				return watchPolicies(ctx, engine, topo, policyPaths)
			}

			if result != nil && !result.Allowed {
				return fmt.Errorf("topology blocked by %d policy violation(s)", len(result.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional .rego policy files or directories")
	cmd.Flags().BoolVar(&skipPolicy, "no-policy", false, "skip policy evaluation")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and re-validate when policy files change")

	return cmd
}

// watchPolicies re-validates the topology whenever a watched policy file
// changes, until the context is canceled.
func watchPolicies(ctx context.Context, engine *policy.Engine, topo *topology.Topology, paths []string) error {
	loader := policy.NewLoader(log.Logger)
	reload := func([]policy.Policy) error {
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return err
		}
		result, err := engine.Evaluate(ctx, topo)
		if err != nil {
			return err
		}
		ev := log.Info()
		if !result.Allowed {
			ev = log.Warn()
		}
		ev.Bool("allowed", result.Allowed).
			Int("violations", len(result.Violations)).
			Msg("Topology re-validated")
		return nil
	}

	if err := loader.Watch(ctx, paths, reload); err != nil {
		return fmt.Errorf("failed to watch policy paths: %w", err)
	}
	log.Info().Strs("paths", paths).Msg("Watching policy files, Ctrl-C to stop")
	<-ctx.Done()
	return nil
}
