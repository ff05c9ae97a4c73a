package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// VectorPartitions holds one HNSWStore per dimension partition.
type VectorPartitions struct {
	mu    sync.RWMutex
	parts map[string]*HNSWStore
	base  HNSWConfig
}

// NewVectorPartitions creates an empty set. base supplies graph parameters
// for partitions created by Ensure.
func NewVectorPartitions(base HNSWConfig) *VectorPartitions {
	return &VectorPartitions{parts: make(map[string]*HNSWStore), base: base}
}

// Ensure returns the partition, creating it with dims when absent. An
// existing partition with a different dimensionality is a config error.
func (p *VectorPartitions) Ensure(partition string, dims int) (*HNSWStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.parts[partition]; ok {
		if s.Dimensions() != dims {
			return nil, merrors.ConfigError(
				fmt.Sprintf("partition %s has %d dimensions, model declares %d", partition, s.Dimensions(), dims), nil)
		}
		return s, nil
	}
	cfg := p.base
	cfg.Partition = partition
	cfg.Dimensions = dims
	s, err := NewHNSWStore(cfg)
	if err != nil {
		return nil, merrors.ConfigError("failed to create vector partition", err)
	}
	p.parts[partition] = s
	return s, nil
}

// Get returns a partition.
func (p *VectorPartitions) Get(partition string) (*HNSWStore, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.parts[partition]
	return s, ok
}

// Add inserts a vector into an existing partition.
func (p *VectorPartitions) Add(ctx context.Context, partition, modelID string, position int64, vector []float32) error {
	s, ok := p.Get(partition)
	if !ok {
		return merrors.ConfigError(fmt.Sprintf("unknown vector partition %s", partition), nil)
	}
	return s.Add(ctx, modelID, position, vector)
}

// Search queries one model inside a partition for chunks at or before
// maxPosition. A partition that does not exist yet has no vectors and
// yields no hits.
func (p *VectorPartitions) Search(ctx context.Context, partition, modelID string, query []float32, k int, maxPosition int64) ([]VectorHit, error) {
	s, ok := p.Get(partition)
	if !ok {
		return []VectorHit{}, nil
	}
	return s.Search(ctx, modelID, query, k, maxPosition)
}

// Load fills a partition from the backing store.
func (p *VectorPartitions) Load(ctx context.Context, src ChunkReader, partition, modelID string, dims int) (int, error) {
	s, err := p.Ensure(partition, dims)
	if err != nil {
		return 0, err
	}
	n := 0
	err = src.ListEmbeddings(ctx, partition, modelID, func(e ChunkEmbedding) error {
		if err := s.Add(ctx, modelID, e.Position, e.Vector); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// Names returns the partition names, sorted.
func (p *VectorPartitions) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.parts))
	for n := range p.parts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every partition.
func (p *VectorPartitions) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.parts {
		_ = s.Close()
	}
	p.parts = make(map[string]*HNSWStore)
	return nil
}
