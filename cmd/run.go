package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"omnillm/internal/chain"
	"omnillm/internal/evaluator"
	"omnillm/internal/pipeline"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		vars      map[string]string
		input     string
		inputFile string
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a chain or evaluation pipeline file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}

			if inputFile != "" {
				if input != "" {
					return fmt.Errorf("--input and --input-file are mutually exclusive")
				}
				var data []byte
				if inputFile == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(inputFile)
				}
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				input = strings.TrimSpace(string(data))
			}

			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := pipeline.NewRunner(a.registry, nil).Run(cmd.Context(), f, chain.Input{Text: input, Vars: vars})
			if report != nil {
				if report.Chain != nil {
					printChainResult(cmd.OutOrStdout(), f, report.Chain)
				}
				if report.Evaluation != nil {
					printEvaluation(cmd.OutOrStdout(), report.Evaluation)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "template variable as key=value (repeatable)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "text bound to {{input}}")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read {{input}} from a file, or - for stdin")

	return cmd
}

func printChainResult(out io.Writer, f *pipeline.File, res *chain.Result) {
	for i, resp := range res.Responses {
		label := fmt.Sprintf("step %d", i)
		if id := f.Steps[i].ID; id != "" {
			label += " (" + id + ")"
		}
		fmt.Fprintf(out, "== %s: %s\n%s\n\n", label, f.Steps[i].Provider, resp.TextOrEmpty())
	}
	fmt.Fprintf(out, "run %s %s\n", res.RunID, res.Status)
}

func printEvaluation(out io.Writer, res *evaluator.Result) {
	fmt.Fprintf(out, "winner: %s\n\n%s\n\n", res.Winner, res.WinningResponse().TextOrEmpty())

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSCORE\tELAPSED\tERROR")
	for _, o := range res.Ranked() {
		fmt.Fprintf(w, "%s\t%.3f\t%s\t\n", o.Provider, o.Score, o.Elapsed.Round(time.Millisecond))
	}
	for _, id := range res.Order() {
		if o := res.Outcomes[id]; o.Err != nil {
			fmt.Fprintf(w, "%s\t-\t%s\t%v\n", id, o.Elapsed.Round(time.Millisecond), o.Err)
		}
	}
	_ = w.Flush()
}
