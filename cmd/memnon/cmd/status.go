package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/memnon/internal/output"
)

func newStatusCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus, model and index status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeFn, err := g.openSession(cmd.Context(), false)
			defer closeFn()
			if err != nil {
				return err
			}
			st, err := s.app.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			output.New(cmd.OutOrStdout()).CoreStatus(st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}
