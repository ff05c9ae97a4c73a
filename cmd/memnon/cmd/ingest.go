package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/ingest"
	"github.com/Aman-CERP/memnon/internal/output"
	"github.com/Aman-CERP/memnon/internal/store"
)

func newIngestCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl|->",
		Short: "Append chunks and entities from a JSONL file",
		Long: `Append records from a JSONL file (or stdin with "-"). Each line is a
chunk record ({"position":N,"text":"...","metadata":{...},"relations":[...]})
or an entity record ({"type":"entity","entity":{...}}). Positions must be
strictly increasing and greater than any committed position.

Only one ingest runs at a time per data directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := g.openSession(cmd.Context(), false)
			defer closeFn()
			if err != nil {
				return err
			}
			in, closeIn, err := stdinOr(args[0])
			if err != nil {
				return err
			}
			defer closeIn()

			lock := store.NewWriterLock(s.cfg.Store.DataDir)
			stats, err := s.app.Committer.Import(cmd.Context(), in, ingest.WithLock(lock))
			if jsonOutput {
				if jerr := writeJSON(cmd.OutOrStdout(), stats); jerr != nil {
					return jerr
				}
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if err != nil {
				out.Errorf("stopped after %d chunks and %d entities", stats.Chunks, stats.Entities)
				return err
			}
			out.Successf("Committed %d chunks and %d entities", stats.Chunks, stats.Entities)
			if stats.Partial > 0 {
				out.Warningf("%d chunks lack a vector for some model; run 'memnon ingest backfill <model>'", stats.Partial)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output import statistics as JSON")

	cmd.AddCommand(newIngestCheckCmd(g))
	cmd.AddCommand(newIngestBackfillCmd(g))
	return cmd
}

func newIngestCheckCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare the store with the lexical and vector indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeFn, err := g.openSession(cmd.Context(), false)
			defer closeFn()
			if err != nil {
				return err
			}
			report, err := s.app.Committer.Check(cmd.Context())
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			out.Statusf("", "chunks: %d, lexical: %d", report.Chunks, report.Lexical)
			for _, id := range s.app.Router.IDs() {
				if n, ok := report.Missing[id]; ok {
					out.Statusf("", "%s: %d missing vectors", id, n)
				}
			}
			if !report.Consistent() {
				out.Warning("Indexes are behind the store")
				return merrors.New(merrors.ErrCodeStoreWrite, "indexes are inconsistent with the store", nil).
					WithSuggestion("Run 'memnon ingest backfill <model>' for each model with missing vectors")
			}
			out.Success("Indexes match the store")
			return nil
		},
	}
}

func newIngestBackfillCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill <model-id>",
		Short: "Embed chunks that have no vector for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := g.openSession(cmd.Context(), false)
			defer closeFn()
			if err != nil {
				return err
			}
			lock := store.NewWriterLock(s.cfg.Store.DataDir)
			if err := lock.TryLock(); err != nil {
				return err
			}
			defer func() { _ = lock.Unlock() }()

			n, err := s.app.Committer.Backfill(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("backfill %s after %d chunks: %w", args[0], n, err)
			}
			output.New(cmd.OutOrStdout()).Successf("Embedded %d chunks with %s", n, args[0])
			return nil
		},
	}
}
