package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit   int
		outcome string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded reconciliations",
		Long: `List reconciliations recorded in the run history, newest first.

The run history is kept in SQLite when store.enabled is set in the config.
Runs older than store.retention are pruned whenever the store is opened.`,
		Example: `  # List the last 20 runs
  netfroyo history

  # List reverted runs
  netfroyo history --outcome reverted

  # Show one run with its operations
  netfroyo history show 3f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.openStore(ctx, true); err != nil {
				return err
			}

			runs, err := s.store.ListRuns(ctx, stores.RunFilter{
				Outcome: engine.Outcome(outcome),
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tOUTCOME\tSTATUS\tDURATION\tERROR")
			for _, run := range runs {
				errText := ""
				if run.Error != nil {
					errText = *run.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID,
					run.StartedAt.Local().Format(time.RFC3339),
					run.Outcome,
					run.Status,
					run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
					errText)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only list runs with this outcome")

	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.openStore(ctx, true); err != nil {
				return err
			}

			run, err := s.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			ops, err := s.store.ListOperationsByRun(ctx, run.ID)
			if err != nil {
				return err
			}
			var cp *stores.Checkpoint
			if run.Checkpoint != nil {
				if cp, err = s.store.GetCheckpoint(ctx, *run.Checkpoint); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, struct {
					Run        *stores.Run         `json:"run"`
					Operations []*stores.Operation `json:"operations"`
					Checkpoint *stores.Checkpoint  `json:"checkpoint,omitempty"`
				}{run, ops, cp})
			}

			fmt.Fprintf(out, "Run:      %s\n", run.ID)
			fmt.Fprintf(out, "Outcome:  %s (%s)\n", run.Outcome, run.Status)
			fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "Finished: %s\n", run.FinishedAt.Local().Format(time.RFC3339))
			if run.DryRun {
				fmt.Fprintln(out, "Dry run:  yes")
			}
			if cp != nil {
				fmt.Fprintf(out, "Checkpoint: %s (%s, %d revert attempt(s))\n", cp.ID, cp.Status, cp.RevertAttempts)
			}
			if run.Error != nil {
				kind := ""
				if run.ErrorKind != nil {
					kind = *run.ErrorKind + ": "
				}
				fmt.Fprintf(out, "Error:    %s%s\n", kind, *run.Error)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tACTION\tSUBJECT\tSTATUS\tDURATION")
			for _, op := range ops {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%dms\n", op.Seq, op.Action, op.Subject, op.Status, op.DurationMS)
			}
			return tw.Flush()
		},
	}
}
