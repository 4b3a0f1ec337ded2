package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect plan guard policies",
		Long: `Inspect the Rego policies that guard every plan before it is applied.

Built-in policies ship with netfroyo. Additional policies are loaded from
the policy.paths directories of the config.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.openGuard(ctx, false); err != nil {
				return err
			}
			if s.guard == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "The plan guard is disabled.")
				return nil
			}

			policies := s.guard.ListPolicies()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := "file"
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		backendKind string
		netns       string
		vars        []string
	)

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Evaluate the policies against the plan for a document",
		Long: `Plan a document against the current state and evaluate every enabled
policy against the plan, reporting warnings as well as blocking violations.`,
		Example: `  netfroyo policy check net.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			doc, err := loadDocument(ctx, args[0], vars)
			if err != nil {
				return err
			}
			if err := s.openGuard(ctx, false); err != nil {
				return err
			}
			if s.guard == nil {
				return fmt.Errorf("the plan guard is disabled: set policy.enabled in the config")
			}
			if err := s.openBackend(backendOverrides{kind: backendKind, netns: netns}); err != nil {
				return err
			}

			current, err := s.backend.Snapshot(ctx)
			if err != nil {
				return errdefs.NewBackendError("failed to snapshot current state", err)
			}
			rec, err := s.reconciler()
			if err != nil {
				return err
			}
			plan, _, err := rec.Plan(ctx, doc, s.cfg.Engine.Strict)
			if err != nil {
				return err
			}

			result, err := s.guard.EvaluatePlan(ctx, plan, current)
			if err != nil {
				return err
			}
			log.Debug().
				Int("operations", plan.Summary.Total).
				Strs("policies", result.EvaluatedPolicies).
				Msg("Evaluated plan")

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				printPolicyResult(out, result)
			}
			if !result.Allowed {
				return errdefs.NewPolicyDeniedError(result.Messages())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backendKind, "backend", "", "backend to snapshot (memory or kernel)")
	cmd.Flags().StringVar(&netns, "netns", "", "named network namespace for the kernel backend")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "KEY=VALUE predeclared in Starlark documents (repeatable)")

	return cmd
}

func printPolicyResult(w io.Writer, r *policy.Result) {
	for _, v := range r.Violations {
		fmt.Fprintf(w, "DENY  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, v := range r.Warnings {
		fmt.Fprintf(w, "WARN  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "ERROR %s\n", e)
	}
	if r.Allowed {
		fmt.Fprintf(w, "Plan allowed (%d policies evaluated).\n", len(r.EvaluatedPolicies))
	}
}
