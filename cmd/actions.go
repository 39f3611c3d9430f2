package cmd

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/actions"
)

// newActionsCmd creates the `actions` command: print the catalogue the
// agent picks from.
func newActionsCmd() *cobra.Command {
	var asJSON bool

	actionsCmd := &cobra.Command{
		Use:   "actions",
		Short: "List every registered action with its risk tier and parameters",
		Long: `Actions prints the closed catalogue of semantic actions. With --json the
output is the same machine-readable shape LIST_ACTIONS returns at runtime,
suitable for priming an intent classifier.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := actions.BuildRegistry()
			if err != nil {
				return fmt.Errorf("failed to build the action catalogue: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				raw, merr := json.MarshalIndent(registry.Describe(), "", "  ")
				if merr != nil {
					return fmt.Errorf("failed to render the catalogue: %w", merr)
				}
				fmt.Fprintln(out, string(raw))
				return nil
			}

			for _, def := range registry.All() {
				header := fmt.Sprintf("%s [%s]", def.ID, def.Risk)
				if def.RequiresConfirmation {
					header += " (requires confirmation)"
				}
				fmt.Fprintln(out, header)
				if def.Description != "" {
					fmt.Fprintf(out, "    %s\n", def.Description)
				}
				for _, name := range sortedParams(def.Params) {
					fmt.Fprintf(out, "    %s\n", formatParam(name, def.Params[name]))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	actionsCmd.Flags().BoolVar(&asJSON, "json", false, "print the catalogue as JSON")
	return actionsCmd
}

func sortedParams(params map[string]schemas.ParamSpec) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// formatParam renders one parameter line: name, shape, then description.
func formatParam(name string, spec schemas.ParamSpec) string {
	attrs := []string{string(spec.Type)}
	if spec.Required {
		attrs = append(attrs, "required")
	}
	if len(spec.Enum) > 0 {
		attrs = append(attrs, "one of "+strings.Join(spec.Enum, "|"))
	}
	line := fmt.Sprintf("%s (%s)", name, strings.Join(attrs, ", "))
	if spec.Description != "" {
		line += ": " + spec.Description
	}
	return line
}
