package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tMODEL\tCAPABILITIES")
			for _, id := range a.registry.IDs() {
				h, err := a.registry.Resolve(id)
				if err != nil {
					return err
				}
				pc, _ := a.cfg.Provider(id)
				model := pc.Model
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, pc.Type, model, h.Capabilities())
			}
			return w.Flush()
		},
	}
}
