package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/state"
)

func newPlanCommand() *cobra.Command {
	var (
		dotFile     string
		showDiff    bool
		backendKind string
		netns       string
		vars        []string
	)

	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Show the operations an apply would run",
		Long: `Plan a desired-state document against the current state without applying it.

The plan:
  - Resolves capture expressions against a fresh snapshot
  - Builds the interface dependency graph
  - Orders removals, creates, modifies and global sections
  - Omits interfaces that already match`,
		Example: `  # Show the plan
  netfroyo plan net.yaml

  # Show per-interface YAML diffs
  netfroyo plan net.yaml --diff

  # Write the dependency graph in DOT format
  netfroyo plan net.yaml --dot graph.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx = s.tel.WithContext(ctx)

			log.Info().
				Str("file", args[0]).
				Str("dot", dotFile).
				Bool("diff", showDiff).
				Msg("Generating plan")

			doc, err := loadDocument(ctx, args[0], vars)
			if err != nil {
				return err
			}
			if err := s.openBackend(backendOverrides{kind: backendKind, netns: netns}); err != nil {
				return err
			}
			rec, err := s.reconciler()
			if err != nil {
				return err
			}

			plan, graph, err := rec.Plan(ctx, doc, s.cfg.Engine.Strict)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := writeDOT(cmd.OutOrStdout(), dotFile, graph); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, plan)
			}
			if dotFile == "-" {
				return nil
			}
			for _, warning := range plan.Warnings {
				fmt.Fprintf(out, "Warning: %s\n", warning)
			}
			printPlan(out, plan)
			if showDiff {
				return printPlanDiff(out, plan)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format (- for stdout)")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "show a unified YAML diff per operation")
	cmd.Flags().StringVar(&backendKind, "backend", "", "backend to snapshot (memory or kernel)")
	cmd.Flags().StringVar(&netns, "netns", "", "named network namespace for the kernel backend")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "KEY=VALUE predeclared in Starlark documents (repeatable)")

	return cmd
}

func writeDOT(stdout io.Writer, path string, g *engine.Graph) error {
	if path == "-" {
		_, err := io.WriteString(stdout, g.ToDOT())
		return err
	}
	if err := os.WriteFile(path, []byte(g.ToDOT()), 0o644); err != nil {
		return fmt.Errorf("failed to write DOT graph: %w", err)
	}
	return nil
}

// printPlan writes one line per operation followed by the summary.
func printPlan(w io.Writer, plan *engine.Plan) {
	if plan.IsEmpty() {
		fmt.Fprintln(w, "No changes. The current state matches the document.")
		return
	}

	for i := range plan.Operations {
		op := &plan.Operations[i]
		line := fmt.Sprintf("%3d. %s", i+1, op)
		if op.Cascaded {
			line += " (cascaded)"
		}
		fmt.Fprintln(w, line)
		for _, c := range op.Changes {
			fmt.Fprintf(w, "       %s\n", c)
		}
	}

	sum := plan.Summary
	fmt.Fprintf(w, "Plan: %d to create, %d to modify, %d to remove, %d to recreate, %d section(s), %d unchanged.\n",
		sum.ToCreate, sum.ToModify, sum.ToRemove, sum.ToRecreate, sum.Sections, sum.Unchanged)
}

// printPlanDiff writes a unified diff of the YAML before and after each
// operation.
func printPlanDiff(w io.Writer, plan *engine.Plan) error {
	for i := range plan.Operations {
		op := &plan.Operations[i]

		before, err := yamlText(op.Current)
		if err != nil {
			return err
		}
		after := ""
		if op.Action != engine.ActionRemove {
			if after, err = yamlText(op.Target); err != nil {
				return err
			}
		}

		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(before),
			B:        difflib.SplitLines(after),
			FromFile: "current/" + op.Subject(),
			ToFile:   "desired/" + op.Subject(),
			Context:  3,
		})
		if err != nil {
			return err
		}
		fmt.Fprint(w, text)
	}
	return nil
}

func yamlText(m *state.Map) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := state.EncodeYAML(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
