// Package crossref keeps the entity-to-chunk and entity-to-entity links
// used by structured lookup and result enrichment.
package crossref

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/store"
)

// Relation is an entity-to-entity link, recorded at a chunk position.
type Relation struct {
	EntityID string `json:"entity_id"`
	TargetID string `json:"target_id"`
	Role     string `json:"role,omitempty"`
	Position int64  `json:"position"`
}

// Sink persists links as they are recorded.
type Sink interface {
	PutCrossReference(ctx context.Context, ref store.CrossReference) error
}

// Source lists persisted links.
type Source interface {
	ListCrossReferences(ctx context.Context) ([]store.CrossReference, error)
}

type linkKey struct {
	entity   string
	position int64
	target   string
	role     string
}

// Index is an append-only, in-memory cross-reference index. Each append is
// atomic; readers get copies and never observe a half-written link.
// Missing links are normal: a chunk with no entities is valid.
type Index struct {
	mu         sync.RWMutex
	byEntity   map[string][]int64
	byPosition map[int64][]string
	relations  map[string][]Relation
	seen       map[linkKey]struct{}
	links      int

	sink Sink
}

// Option configures an Index.
type Option func(*Index)

// WithSink persists every recorded link through s before it becomes visible.
func WithSink(s Sink) Option {
	return func(x *Index) { x.sink = s }
}

// New creates an empty index.
func New(opts ...Option) *Index {
	x := &Index{
		byEntity:   make(map[string][]int64),
		byPosition: make(map[int64][]string),
		relations:  make(map[string][]Relation),
		seen:       make(map[linkKey]struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Load appends every link from src. Links already present are skipped, so
// Load can be repeated. Malformed rows are skipped and counted.
func (x *Index) Load(ctx context.Context, src Source) (skipped int, err error) {
	refs, err := src.ListCrossReferences(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range refs {
		if validate(r.EntityID, r.ChunkPosition) != nil {
			skipped++
			continue
		}
		if r.IsRelation() {
			x.appendRelation(Relation{EntityID: r.EntityID, TargetID: r.TargetEntityID, Role: r.Role, Position: r.ChunkPosition})
		} else {
			x.appendLink(r.EntityID, r.ChunkPosition, r.Role)
		}
	}
	return skipped, nil
}

func validate(entityID string, position int64) error {
	if entityID == "" {
		return merrors.ValidationError("entity id is required", nil)
	}
	if position < 0 {
		return merrors.IntegrityError(merrors.ErrCodeMalformedPosition,
			fmt.Sprintf("negative chunk position %d for entity %s", position, entityID))
	}
	return nil
}

// Record links an entity to a chunk.
func (x *Index) Record(ctx context.Context, entityID string, position int64, role string) error {
	if err := validate(entityID, position); err != nil {
		return err
	}
	if x.has(linkKey{entity: entityID, position: position, role: role}) {
		return nil
	}
	if x.sink != nil {
		err := x.sink.PutCrossReference(ctx, store.CrossReference{
			EntityID: entityID, ChunkPosition: position, Role: role, CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
	}
	x.appendLink(entityID, position, role)
	return nil
}

// RecordRelation links two entities; position is the chunk where the
// relationship became known.
func (x *Index) RecordRelation(ctx context.Context, from, to, role string, position int64) error {
	if err := validate(from, position); err != nil {
		return err
	}
	if to == "" || to == from {
		return merrors.ValidationError(fmt.Sprintf("invalid relation target %q for %s", to, from), nil)
	}
	if x.has(linkKey{entity: from, position: position, target: to, role: role}) {
		return nil
	}
	if x.sink != nil {
		err := x.sink.PutCrossReference(ctx, store.CrossReference{
			EntityID: from, ChunkPosition: position, TargetEntityID: to, Role: role, CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
	}
	x.appendRelation(Relation{EntityID: from, TargetID: to, Role: role, Position: position})
	return nil
}

func (x *Index) has(k linkKey) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.seen[k]
	return ok
}

func (x *Index) appendLink(entityID string, position int64, role string) {
	k := linkKey{entity: entityID, position: position, role: role}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.seen[k]; ok {
		return
	}
	x.seen[k] = struct{}{}
	x.links++
	if !slices.Contains(x.byEntity[entityID], position) {
		x.byEntity[entityID] = append(x.byEntity[entityID], position)
	}
	if !slices.Contains(x.byPosition[position], entityID) {
		x.byPosition[position] = append(x.byPosition[position], entityID)
	}
}

func (x *Index) appendRelation(r Relation) {
	k := linkKey{entity: r.EntityID, position: r.Position, target: r.TargetID, role: r.Role}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.seen[k]; ok {
		return
	}
	x.seen[k] = struct{}{}
	x.links++
	x.relations[r.EntityID] = append(x.relations[r.EntityID], r)
	if r.TargetID != r.EntityID {
		x.relations[r.TargetID] = append(x.relations[r.TargetID], r)
	}
}

// LinksFor returns the distinct chunk positions linked to an entity,
// ascending.
func (x *Index) LinksFor(entityID string) []int64 {
	x.mu.RLock()
	out := slices.Clone(x.byEntity[entityID])
	x.mu.RUnlock()
	slices.Sort(out)
	return slices.Compact(out)
}

// EntitiesIn returns the distinct entity ids linked to a chunk, sorted.
func (x *Index) EntitiesIn(position int64) []string {
	x.mu.RLock()
	out := slices.Clone(x.byPosition[position])
	x.mu.RUnlock()
	slices.Sort(out)
	return slices.Compact(out)
}

// RelatedEntities returns the relations touching entityID that were
// recorded at or before anchor, ordered by position then target.
func (x *Index) RelatedEntities(entityID string, anchor int64) []Relation {
	x.mu.RLock()
	all := x.relations[entityID]
	out := make([]Relation, 0, len(all))
	for _, r := range all {
		if r.Position <= anchor {
			out = append(out, r)
		}
	}
	x.mu.RUnlock()

	slices.SortFunc(out, func(a, b Relation) int {
		return cmp.Or(
			cmp.Compare(a.Position, b.Position),
			cmp.Compare(a.EntityID, b.EntityID),
			cmp.Compare(a.TargetID, b.TargetID),
			cmp.Compare(a.Role, b.Role),
		)
	})
	return out
}

// Stats reports index sizes.
type Stats struct {
	Entities int `json:"entities"`
	Chunks   int `json:"chunks"`
	Links    int `json:"links"`
}

// Stats returns the current index sizes.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{Entities: len(x.byEntity), Chunks: len(x.byPosition), Links: x.links}
}
