package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/memnon/internal/output"
	"github.com/Aman-CERP/memnon/internal/search"
)

type searchOptions struct {
	anchor      int64
	k           int
	queryType   string
	entity      string
	minPosition int64
	themes      []string
	jsonOutput  bool
	verbose     bool
}

func newSearchCmd(g *globalOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve memories as of a narrative position",
		Long: `Retrieve the chunks most relevant to a query, as seen from the anchor
position. Nothing after the anchor is ever returned.`,
		Example: `  memnon search "where did Alice first meet Bob" --anchor 120
  memnon search "the storm" --anchor 80 --type event -k 5
  memnon search "lighthouse" --anchor 40 --entity alice --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := g.openSession(cmd.Context(), false)
			defer closeFn()
			if err != nil {
				return err
			}

			req := search.Request{
				Query:     strings.Join(args, " "),
				Anchor:    opts.anchor,
				QueryType: opts.queryType,
				K:         opts.k,
				Filters:   search.Filters{Entity: opts.entity, Themes: opts.themes},
			}
			if cmd.Flags().Changed("min-position") {
				req.Filters.MinPosition = &opts.minPosition
			}

			slog.Info("search_started", slog.String("query", req.Query), slog.Int64("anchor", req.Anchor))
			resp, err := s.app.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			output.New(cmd.OutOrStdout()).SearchResults(req.Query, resp, opts.verbose)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&opts.anchor, "anchor", "a", 0, "Narrative position treated as now")
	cmd.Flags().IntVarP(&opts.k, "limit", "k", 0, "Number of results (0 uses search.k)")
	cmd.Flags().StringVarP(&opts.queryType, "type", "t", "", "Override the query category (character, location, event, theme, relationship, generic)")
	cmd.Flags().StringVar(&opts.entity, "entity", "", "Only chunks referencing this entity id")
	cmd.Flags().Int64Var(&opts.minPosition, "min-position", 0, "Drop chunks before this position")
	cmd.Flags().StringSliceVar(&opts.themes, "theme", nil, "Only chunks tagged with one of these themes (repeatable)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the full response as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show per-stage scores and strategies")
	_ = cmd.MarkFlagRequired("anchor")

	return cmd
}
