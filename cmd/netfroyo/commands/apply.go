package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		noVerify     bool
		noRollback   bool
		dryRun       bool
		noWait       bool
		timeout      time.Duration
		pollInterval time.Duration
		backendKind  string
		netns        string
		vars         []string
	)

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Reconcile the host with a desired-state document",
		Long: `Apply a desired-state document to the host network stack.

The apply:
  - Resolves capture expressions and templates against the current state
  - Plans the minimal ordered set of interface operations
  - Checks the plan against the policy guard
  - Applies the plan inside a checkpoint
  - Polls until the live state matches, then commits
  - Reverts the checkpoint if applying or verifying fails

Use - to read the document from standard input.`,
		Example: `  # Apply a document
  netfroyo apply net.yaml

  # Apply without verification, with a longer timeout for slow NICs
  netfroyo apply net.yaml --no-verify
  netfroyo apply net.yaml --timeout 2m --poll-interval 2s

  # Apply a Starlark generator inside a network namespace
  netfroyo apply vlans.star --var count=4 --netns blue

  # Rehearse against the in-memory backend
  netfroyo apply net.yaml --backend memory`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			kind, _ := backendOverrides{kind: backendKind}.resolve(s.cfg)
			ctx, span := s.tel.Tracer.StartCommandSpan(ctx, "apply",
				telemetry.AttrDocument.String(args[0]),
				telemetry.AttrBackend.String(kind))
			defer span.End()
			ctx = s.tel.WithContext(ctx)

			opts, err := s.cfg.ReconcileOptions()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("no-verify") {
				opts.Verify = !noVerify
			}
			if flags.Changed("no-rollback") {
				opts.RollbackOnFailure = !noRollback
			}
			if flags.Changed("no-wait") {
				opts.Wait = !noWait
			}
			if flags.Changed("timeout") {
				opts.Timeout = timeout
			}
			if flags.Changed("poll-interval") {
				opts.PollInterval = pollInterval
			}
			opts.DryRun = dryRun

			log.Info().
				Str("file", args[0]).
				Bool("verify", opts.Verify).
				Bool("rollback", opts.RollbackOnFailure).
				Bool("dry_run", opts.DryRun).
				Dur("timeout", opts.Timeout).
				Msg("Applying desired state")

			doc, err := loadDocument(ctx, args[0], vars)
			if err != nil {
				telemetry.RecordError(span, err)
				return err
			}

			if err := s.openBackend(backendOverrides{kind: backendKind, netns: netns}); err != nil {
				return err
			}
			if err := s.openStore(ctx, false); err != nil {
				return err
			}
			if err := s.openGuard(ctx, true); err != nil {
				return err
			}
			s.tel.StartMetricsServer(ctx)

			rec, err := s.reconciler()
			if err != nil {
				return err
			}

			result, err := rec.Reconcile(ctx, doc, opts)
			runLog := telemetry.FromContext(ctx).
				WithRunID(result.RunID).
				WithField("trace_id", telemetry.TraceID(ctx))
			if err != nil {
				telemetry.RecordError(span, err)
				runLog.WithError(err).Debug("Reconcile failed")
			} else {
				telemetry.RecordSuccess(span)
				runLog.WithField("outcome", string(result.Outcome)).Debug("Reconcile finished")
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if werr := writeJSON(out, result); werr != nil {
					return werr
				}
				return err
			}
			printResult(out, result)
			return err
		},
	}

	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "commit without polling for convergence")
	cmd.Flags().BoolVar(&noRollback, "no-rollback", false, "keep partial changes when applying or verifying fails")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and check policies without applying")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "fail instead of waiting when another apply holds the checkpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", engine.DefaultTimeout, "verification and rollback timeout")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", engine.DefaultPollInterval, "pause between verification snapshots")
	cmd.Flags().StringVar(&backendKind, "backend", "", "backend to apply to (memory or kernel)")
	cmd.Flags().StringVar(&netns, "netns", "", "named network namespace for the kernel backend")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "KEY=VALUE predeclared in Starlark documents (repeatable)")

	return cmd
}

// printResult writes a human-readable summary of a reconciliation.
func printResult(w io.Writer, r *engine.Result) {
	fmt.Fprintf(w, "Run:      %s\n", r.RunID)
	fmt.Fprintf(w, "Outcome:  %s\n", r.Outcome)
	if r.Checkpoint != "" {
		fmt.Fprintf(w, "Checkpoint: %s\n", r.Checkpoint)
	}

	if r.Plan != nil {
		for _, warning := range r.Plan.Warnings {
			fmt.Fprintf(w, "Warning:  %s\n", warning)
		}
		if r.Outcome == engine.OutcomePlanned {
			printPlan(w, r.Plan)
		}
	}

	for _, op := range r.Operations {
		line := fmt.Sprintf("  %-9s %-8s %s", op.Status, op.Action, op.Subject)
		if op.Error != "" {
			line += ": " + op.Error
		}
		fmt.Fprintln(w, line)
	}

	if r.Polls > 0 {
		fmt.Fprintf(w, "Verified after %d poll(s)\n", r.Polls)
	}
	if len(r.LastDiff) > 0 {
		fmt.Fprintln(w, "Last observed difference:")
		for _, c := range r.LastDiff {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
	if r.RevertAttempts > 0 {
		fmt.Fprintf(w, "Revert attempts: %d\n", r.RevertAttempts)
	}
}
