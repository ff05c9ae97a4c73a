package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/memnon/internal/eval"
	"github.com/Aman-CERP/memnon/internal/output"
)

func newEvalCmd(g *globalOptions) *cobra.Command {
	var (
		depth      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "eval <set.yaml>",
		Short: "Score retrieval against a judged query set",
		Long: `Run every query of an evaluation set through the engine and report
P@5, P@10, MRR and bpref. The run, its ranked results and per-query
metrics are stored with the active configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := eval.LoadSet(args[0])
			if err != nil {
				return err
			}
			s, closeFn, err := g.openSession(cmd.Context(), false)
			defer closeFn()
			if err != nil {
				return err
			}

			queries, err := set.Import(cmd.Context(), s.app.Store)
			if err != nil {
				return err
			}
			runner := eval.NewRunner(s.app, s.app.Store, eval.WithDepth(depth))
			sum, err := runner.Run(cmd.Context(), s.cfg, queries)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), sum)
			}
			out := output.New(cmd.OutOrStdout())
			out.Successf("Run %s: %d queries, %d failed, %s", sum.RunID, sum.Queries, sum.Failed, sum.Duration)
			out.Code(fmt.Sprintf("P@5   %.4f\nP@10  %.4f\nMRR   %.4f\nbpref %.4f",
				sum.MeanPAt5, sum.MeanPAt10, sum.MRR, sum.MeanBPref))
			for _, o := range sum.Outcomes {
				if o.Error != "" {
					out.Warningf("%q: %s", o.Query.Text, o.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&depth, "depth", eval.DefaultDepth, "Results requested per query")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the run summary as JSON")
	return cmd
}
