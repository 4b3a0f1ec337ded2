package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netfroyo/pkg/capture"
	"github.com/openfroyo/netfroyo/pkg/state"
)

func newValidateCommand() *cobra.Command {
	var (
		againstHost bool
		backendKind string
		netns       string
		vars        []string
	)

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a desired-state document",
		Long: `Validate a desired-state document without changing the host.

Validation checks:
  - The document parses (YAML, JSON, CUE or Starlark)
  - Plain documents match the document schema
  - Capture expressions of policy documents parse
  - Ethtool sections canonicalize

With --against-host the document is also planned against a snapshot of the
backend, which resolves templates and checks interface references, the
dependency graph and every property.`,
		Example: `  # Validate a document
  netfroyo validate net.yaml

  # Validate a generator with its variables
  netfroyo validate vlans.star --var count=4

  # Validate against the live state
  netfroyo validate net.yaml --against-host`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			log.Info().
				Str("file", args[0]).
				Bool("against_host", againstHost).
				Msg("Validating document")

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			doc, err := loadDocument(ctx, args[0], vars)
			if err != nil {
				return err
			}

			kind := "document"
			if capture.IsPolicy(doc) {
				kind = "policy document"
			} else {
				warnings, err := state.Canonicalize(doc.Clone(), cfg.Engine.Strict)
				if err != nil {
					return err
				}
				for _, warning := range warnings {
					fmt.Fprintf(out, "Warning: %s\n", warning)
				}
			}

			if !againstHost {
				fmt.Fprintf(out, "%s: valid %s\n", args[0], kind)
				return nil
			}

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.openBackend(backendOverrides{kind: backendKind, netns: netns}); err != nil {
				return err
			}
			rec, err := s.reconciler()
			if err != nil {
				return err
			}
			plan, _, err := rec.Plan(ctx, doc, cfg.Engine.Strict)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s: valid %s, %d operation(s) against the current state\n",
				args[0], kind, plan.Summary.Total)
			return nil
		},
	}

	cmd.Flags().BoolVar(&againstHost, "against-host", false, "also plan against the backend's current state")
	cmd.Flags().StringVar(&backendKind, "backend", "", "backend to snapshot (memory or kernel)")
	cmd.Flags().StringVar(&netns, "netns", "", "named network namespace for the kernel backend")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "KEY=VALUE predeclared in Starlark documents (repeatable)")

	return cmd
}
