package ingest

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/memnon/internal/embed"
	"github.com/Aman-CERP/memnon/internal/store"
)

// Report compares the store with the indexes derived from it.
type Report struct {
	Chunks  int
	Lexical int

	// Missing counts chunks without a vector, per loaded model.
	Missing map[string]int
}

// Consistent reports whether every index covers every chunk.
func (r Report) Consistent() bool {
	if r.Lexical != r.Chunks {
		return false
	}
	for _, n := range r.Missing {
		if n > 0 {
			return false
		}
	}
	return true
}

// Check counts chunks that are missing from the lexical index or lack a
// vector for a loaded model.
func (c *Committer) Check(ctx context.Context) (Report, error) {
	rep := Report{Lexical: c.deps.Lexical.Count(), Missing: map[string]int{}}
	var all []store.Chunk
	if err := c.deps.Store.ListChunks(ctx, func(ch store.Chunk) error {
		all = append(all, ch)
		return nil
	}); err != nil {
		return Report{}, err
	}
	rep.Chunks = len(all)

	for _, id := range c.deps.Models.Available() {
		missing, err := c.missing(ctx, id, all)
		if err != nil {
			return Report{}, err
		}
		rep.Missing[id] = len(missing)
	}
	if !rep.Consistent() {
		slog.Warn("index_inconsistent",
			slog.Int("chunks", rep.Chunks),
			slog.Int("lexical", rep.Lexical),
			slog.Any("missing", rep.Missing))
	}
	return rep, nil
}

// Backfill embeds every chunk that has no vector for modelID, in batches.
// It returns the number of chunks embedded.
func (c *Committer) Backfill(ctx context.Context, modelID string) (int, error) {
	spec, err := c.deps.Models.Spec(modelID)
	if err != nil {
		return 0, err
	}

	var all []store.Chunk
	if err := c.deps.Store.ListChunks(ctx, func(ch store.Chunk) error {
		all = append(all, ch)
		return nil
	}); err != nil {
		return 0, err
	}
	todo, err := c.missing(ctx, modelID, all)
	if err != nil {
		return 0, err
	}

	batch := spec.Embed.BatchSize
	if batch <= 0 {
		batch = embed.DefaultBatchSize
	}
	done := 0
	for start := 0; start < len(todo); start += batch {
		end := min(start+batch, len(todo))
		if err := c.embed(ctx, modelID, todo[start:end]); err != nil {
			return done, err
		}
		done = end
	}
	if done > 0 {
		slog.Info("backfill_completed", slog.String("model_id", modelID), slog.Int("chunks", done))
	}
	return done, nil
}

func (c *Committer) missing(ctx context.Context, modelID string, all []store.Chunk) ([]store.Chunk, error) {
	spec, err := c.deps.Models.Spec(modelID)
	if err != nil {
		return nil, err
	}
	if err := c.deps.Store.EnsurePartition(ctx, spec.Partition, spec.Dimensions); err != nil {
		return nil, err
	}
	have := make(map[int64]struct{})
	if err := c.deps.Store.ListEmbeddings(ctx, spec.Partition, modelID, func(e store.ChunkEmbedding) error {
		have[e.Position] = struct{}{}
		return nil
	}); err != nil {
		return nil, err
	}
	var out []store.Chunk
	for _, ch := range all {
		if _, ok := have[ch.Position]; !ok {
			out = append(out, ch)
		}
	}
	return out, nil
}
