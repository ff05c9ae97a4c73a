// Package ingest appends chunks to the corpus and keeps every index in step
// with the store: vector partitions, the lexical index and cross-references.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/router"
	"github.com/Aman-CERP/memnon/internal/store"
)

// MentionRole is the role recorded for entities listed in chunk metadata.
const MentionRole = "mention"

// Store is the part of the backing store ingestion needs.
type Store interface {
	store.ChunkWriter
	Range(ctx context.Context) (store.PositionRange, error)
	ListChunks(ctx context.Context, fn func(store.Chunk) error) error
	ListEmbeddings(ctx context.Context, partition, modelID string, fn func(store.ChunkEmbedding) error) error
	EnsurePartition(ctx context.Context, partition string, dims int) error
}

// Models embeds text with the configured models.
type Models interface {
	Available() []string
	Spec(modelID string) (router.ModelSpec, error)
	EncodeBatch(ctx context.Context, texts []string, modelID string) ([][]float32, error)
}

// Vectors receives embeddings for search.
type Vectors interface {
	Ensure(partition string, dims int) (*store.HNSWStore, error)
	Add(ctx context.Context, partition, modelID string, position int64, vec []float32) error
}

// Links records cross-references.
type Links interface {
	Record(ctx context.Context, entityID string, position int64, role string) error
	RecordRelation(ctx context.Context, from, to, role string, position int64) error
}

// Entities receives registry updates so the classifier sees new names.
type Entities interface {
	Put(e store.Entity)
}

// Dependencies are the collaborators of a Committer.
type Dependencies struct {
	Store    Store
	Models   Models
	Vectors  Vectors
	Lexical  store.LexicalIndex
	Links    Links
	Entities Entities
}

// Relation is an entity-to-entity link recorded with a chunk.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Role string `json:"role,omitempty"`
}

// CommitResult reports what a commit reached.
type CommitResult struct {
	Position int64
	Embedded []string

	// Failed maps model ids to the reason the chunk has no vector for
	// them. Backfill repairs these once the model is back.
	Failed map[string]string
}

// Committer appends chunks. Commits are serialized; positions must be
// strictly increasing.
type Committer struct {
	deps Dependencies

	mu      sync.Mutex
	lastPos int64
	primed  bool
}

// NewCommitter validates deps and returns a Committer.
func NewCommitter(deps Dependencies) (*Committer, error) {
	if deps.Store == nil {
		return nil, merrors.InternalError("ingest store is required", nil)
	}
	if deps.Models == nil {
		return nil, merrors.InternalError("ingest models are required", nil)
	}
	if deps.Vectors == nil {
		return nil, merrors.InternalError("ingest vector partitions are required", nil)
	}
	if deps.Lexical == nil {
		return nil, merrors.InternalError("ingest lexical index is required", nil)
	}
	if deps.Links == nil {
		return nil, merrors.InternalError("ingest cross-reference index is required", nil)
	}
	return &Committer{deps: deps}, nil
}

// lastPosition returns the highest committed position, or -1.
func (c *Committer) lastPosition(ctx context.Context) (int64, error) {
	if c.primed {
		return c.lastPos, nil
	}
	rng, err := c.deps.Store.Range(ctx)
	if err != nil {
		return 0, err
	}
	c.lastPos = -1
	if rng.Count > 0 {
		c.lastPos = rng.Max
	}
	c.primed = true
	return c.lastPos, nil
}

// Commit writes the chunk and its metadata, embeds it with every loaded
// model, indexes it lexically and records metadata entities as mentions.
// The chunk row is the commit point: a model that fails afterwards is
// reported in the result, not as an error.
func (c *Committer) Commit(ctx context.Context, chunk store.Chunk, meta *store.ChunkMetadata, relations ...Relation) (CommitResult, error) {
	if chunk.Position < 0 {
		return CommitResult{}, merrors.IntegrityError(merrors.ErrCodeMalformedPosition,
			fmt.Sprintf("negative chunk position %d", chunk.Position))
	}
	if strings.TrimSpace(chunk.Text) == "" {
		return CommitResult{}, merrors.ValidationError(fmt.Sprintf("chunk %d has no text", chunk.Position), nil)
	}
	if meta != nil {
		meta.Position = chunk.Position
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.lastPosition(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	if chunk.Position <= last {
		return CommitResult{}, merrors.New(merrors.ErrCodePositionOrder,
			fmt.Sprintf("chunk position %d must exceed the last committed position %d", chunk.Position, last), nil)
	}

	if err := c.deps.Store.PutChunk(ctx, chunk, meta); err != nil {
		return CommitResult{}, err
	}
	c.lastPos = chunk.Position

	res := CommitResult{Position: chunk.Position, Embedded: []string{}, Failed: map[string]string{}}
	for _, id := range c.deps.Models.Available() {
		if err := c.embed(ctx, id, []store.Chunk{chunk}); err != nil {
			slog.Warn("ingest_embed_failed",
				slog.Int64("position", chunk.Position),
				slog.String("model_id", id),
				slog.String("error", err.Error()))
			res.Failed[id] = err.Error()
			continue
		}
		res.Embedded = append(res.Embedded, id)
	}

	if err := c.deps.Lexical.Index(ctx, []store.LexicalDocument{{Position: chunk.Position, Content: chunk.Text}}); err != nil {
		return res, merrors.Wrap(merrors.ErrCodeStoreWrite, err)
	}

	if meta != nil {
		entities := append([]string(nil), meta.Entities...)
		sort.Strings(entities)
		for _, e := range entities {
			if err := c.deps.Links.Record(ctx, e, chunk.Position, MentionRole); err != nil {
				return res, err
			}
		}
	}
	for _, r := range relations {
		if err := c.deps.Links.RecordRelation(ctx, r.From, r.To, r.Role, chunk.Position); err != nil {
			return res, err
		}
	}

	slog.Debug("chunk_committed",
		slog.Int64("position", chunk.Position),
		slog.Int("models", len(res.Embedded)),
		slog.Int("failed_models", len(res.Failed)))
	return res, nil
}

// PutEntity stores an entity and publishes it to the registry.
func (c *Committer) PutEntity(ctx context.Context, e store.Entity) error {
	if e.ID == "" || e.Name == "" {
		return merrors.ValidationError("entity id and name are required", nil)
	}
	if err := c.deps.Store.PutEntity(ctx, e); err != nil {
		return err
	}
	if c.deps.Entities != nil {
		c.deps.Entities.Put(e)
	}
	return nil
}

// embed encodes chunks with one model and writes the vectors to the store
// and the model's partition.
func (c *Committer) embed(ctx context.Context, modelID string, chunks []store.Chunk) error {
	spec, err := c.deps.Models.Spec(modelID)
	if err != nil {
		return err
	}
	if err := c.deps.Store.EnsurePartition(ctx, spec.Partition, spec.Dimensions); err != nil {
		return err
	}
	if _, err := c.deps.Vectors.Ensure(spec.Partition, spec.Dimensions); err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := c.deps.Models.EncodeBatch(ctx, texts, modelID)
	if err != nil {
		return err
	}

	for i, ch := range chunks {
		emb := store.ChunkEmbedding{
			Position:   ch.Position,
			ModelID:    modelID,
			Dimensions: spec.Dimensions,
			Vector:     vecs[i],
		}
		if err := c.deps.Store.PutEmbedding(ctx, spec.Partition, emb); err != nil {
			return err
		}
		if err := c.deps.Vectors.Add(ctx, spec.Partition, modelID, ch.Position, vecs[i]); err != nil {
			return err
		}
	}
	return nil
}
