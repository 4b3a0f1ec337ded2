package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netfroyo/pkg/capture"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

func newShowCommand() *cobra.Command {
	var (
		captureExpr string
		backendKind string
		netns       string
	)

	cmd := &cobra.Command{
		Use:   "show [name...]",
		Short: "Show the current network state",
		Long: `Show the current state as the backend reports it.

With interface names, only those interfaces are shown, without the global
sections. A capture expression selects the matching entries the same way a
capture section of a policy document does.`,
		Example: `  # Show everything
  netfroyo show

  # Show two interfaces as JSON
  netfroyo show eth0 bond0 --json

  # Show every bond
  netfroyo show --capture 'interfaces.type == "bond"'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.openBackend(backendOverrides{kind: backendKind, netns: netns}); err != nil {
				return err
			}

			current, err := s.backend.Snapshot(ctx)
			if err != nil {
				return errdefs.NewBackendError("failed to snapshot current state", err)
			}

			log.Debug().
				Strs("interfaces", args).
				Str("capture", captureExpr).
				Msg("Showing current state")

			out := current
			if captureExpr != "" {
				if out, err = capture.EvaluateString(captureExpr, out); err != nil {
					return err
				}
			}
			if len(args) > 0 {
				if out, err = selectInterfaces(out, args); err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&captureExpr, "capture", "", "capture expression selecting entries")
	cmd.Flags().StringVar(&backendKind, "backend", "", "backend to snapshot (memory or kernel)")
	cmd.Flags().StringVar(&netns, "netns", "", "named network namespace for the kernel backend")

	return cmd
}

// selectInterfaces returns the interfaces named in names, in snapshot
// order. Unknown names are an error.
func selectInterfaces(doc *state.Map, names []string) (*state.Map, error) {
	entries, err := state.InterfaceEntries(doc)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	selected := make([]state.Value, 0, len(names))
	for _, entry := range entries {
		name := entry.String("name")
		if wanted[name] {
			selected = append(selected, entry)
			delete(wanted, name)
		}
	}
	for _, name := range names {
		if wanted[name] {
			return nil, errdefs.NewValueError("interface "+name+" not found", nil).
				WithInterfaces(name)
		}
	}
	return state.MapOf(state.KeyInterfaces, selected), nil
}
