package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/memnon/internal/embed"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

type fakeEmbedder struct {
	*embed.StaticEmbedder
	available bool
	failEmbed error
}

func (f *fakeEmbedder) Available(ctx context.Context) bool {
	return f.available && f.StaticEmbedder.Available(ctx)
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failEmbed != nil {
		return nil, f.failEmbed
	}
	return f.StaticEmbedder.EmbedBatch(ctx, texts)
}

// countingFactory builds static embedders and counts constructions.
type countingFactory struct {
	calls       atomic.Int32
	unavailable map[string]bool
	gate        chan struct{}
}

func (c *countingFactory) build(spec embed.Spec) (embed.Embedder, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return &fakeEmbedder{
		StaticEmbedder: embed.NewStaticEmbedder(spec.Model, spec.Dimensions),
		available:      !c.unavailable[spec.Model],
	}, nil
}

func twoModels() []ModelSpec {
	return []ModelSpec{
		{ID: "minilm", Weight: 0.4, Dimensions: 16},
		{ID: "bge", Weight: 0.6, Dimensions: 32, Partition: "wide"},
	}
}

func TestNew_RegistersInOrder(t *testing.T) {
	r, err := New(twoModels())
	require.NoError(t, err)

	assert.Equal(t, []string{"minilm", "bge"}, r.IDs())
	p, err := r.Partition("minilm")
	require.NoError(t, err)
	assert.Equal(t, "d16", p)
	p, err = r.Partition("bge")
	require.NoError(t, err)
	assert.Equal(t, "wide", p)
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs []ModelSpec
		code  string
	}{
		{"duplicate id", []ModelSpec{{ID: "a", Weight: 0.5, Dimensions: 4}, {ID: "a", Weight: 0.5, Dimensions: 4}}, merrors.ErrCodeConfigInvalid},
		{"zero weight", []ModelSpec{{ID: "a", Weight: 0, Dimensions: 4}}, merrors.ErrCodeMalformedWeights},
		{"weight above one", []ModelSpec{{ID: "a", Weight: 1.5, Dimensions: 4}}, merrors.ErrCodeMalformedWeights},
		{"weights not summing to one", []ModelSpec{{ID: "a", Weight: 0.5, Dimensions: 4}, {ID: "b", Weight: 0.2, Dimensions: 4}}, merrors.ErrCodeMalformedWeights},
		{"missing id", []ModelSpec{{Weight: 1, Dimensions: 4}}, merrors.ErrCodeConfigInvalid},
		{"bad partition", []ModelSpec{{ID: "a", Weight: 1, Dimensions: 4, Partition: "Bad-Name"}}, merrors.ErrCodeConfigInvalid},
		{"partition dims clash", []ModelSpec{{ID: "a", Weight: 0.5, Dimensions: 4, Partition: "p"}, {ID: "b", Weight: 0.5, Dimensions: 8, Partition: "p"}}, merrors.ErrCodeConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.specs)
			require.Error(t, err)
			assert.Equal(t, tt.code, merrors.GetCode(err))
			assert.Equal(t, merrors.CategoryConfig, merrors.GetCategory(err))
		})
	}
}

func TestLoad_IsMemoizedAndShared(t *testing.T) {
	// Given: a factory that blocks until released
	f := &countingFactory{gate: make(chan struct{})}
	r, err := New(twoModels(), WithFactory(f.build))
	require.NoError(t, err)

	// When: many goroutines load the same model at once
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Load(context.Background(), "minilm")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(errs)

	// Then: one construction, every caller succeeds, later loads are free
	for err := range errs {
		assert.NoError(t, err)
	}
	require.NoError(t, r.Load(context.Background(), "minilm"))
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, []string{"minilm"}, r.Available())
}

func TestLoad_UnavailableBackend(t *testing.T) {
	f := &countingFactory{unavailable: map[string]bool{"bge": true}}
	r, err := New(twoModels(), WithFactory(f.build))
	require.NoError(t, err)

	failed := r.LoadAll(context.Background())

	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed["bge"], merrors.ErrModelUnavailable)
	assert.Equal(t, []string{"minilm"}, r.Available())

	status := r.Status()
	assert.Equal(t, StateLoaded, status[0].State)
	assert.Equal(t, StateFailed, status[1].State)
	assert.NotEmpty(t, status[1].Error)
}

func TestLoad_UnknownModel(t *testing.T) {
	r, err := New(twoModels())
	require.NoError(t, err)

	err = r.Load(context.Background(), "nope")
	assert.Equal(t, merrors.ErrCodeUnknownModel, merrors.GetCode(err))
}

func TestEncode_NotLoadedIsModelUnavailable(t *testing.T) {
	r, err := New(twoModels())
	require.NoError(t, err)

	_, err = r.Encode(context.Background(), "who is Alex", "minilm")

	require.Error(t, err)
	assert.ErrorIs(t, err, merrors.ErrModelUnavailable)
	assert.True(t, merrors.IsRetryable(err))
}

func TestEncode_LoadedModel(t *testing.T) {
	f := &countingFactory{}
	r, err := New(twoModels(), WithFactory(f.build))
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background(), "bge"))

	v, err := r.Encode(context.Background(), "the harbour at dusk", "bge")
	require.NoError(t, err)
	assert.Len(t, v, 32)

	vs, err := r.EncodeBatch(context.Background(), []string{"a b", "c d"}, "bge")
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestEncode_BackendErrorIsModelUnavailable(t *testing.T) {
	r, err := New([]ModelSpec{{ID: "m", Weight: 1, Dimensions: 8}}, WithFactory(func(spec embed.Spec) (embed.Embedder, error) {
		return &fakeEmbedder{
			StaticEmbedder: embed.NewStaticEmbedder(spec.Model, spec.Dimensions),
			available:      true,
			failEmbed:      errors.New("connection reset"),
		}, nil
	}))
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background(), "m"))

	_, err = r.Encode(context.Background(), "x", "m")
	assert.ErrorIs(t, err, merrors.ErrModelUnavailable)
}

func TestUnloadAndReload(t *testing.T) {
	f := &countingFactory{}
	r, err := New(twoModels(), WithFactory(f.build))
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background(), "minilm"))

	require.NoError(t, r.Unload("minilm"))
	require.NoError(t, r.Unload("minilm"))
	assert.Empty(t, r.Available())
	_, err = r.Encode(context.Background(), "x", "minilm")
	assert.ErrorIs(t, err, merrors.ErrModelUnavailable)

	require.NoError(t, r.Reload(context.Background(), "minilm"))
	assert.Equal(t, []string{"minilm"}, r.Available())
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestReload_DoesNotBlockOtherModels(t *testing.T) {
	// Given: both models loaded, then a reload of one that hangs
	f := &countingFactory{}
	r, err := New(twoModels(), WithFactory(f.build))
	require.NoError(t, err)
	require.Empty(t, r.LoadAll(context.Background()))

	f.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Reload(context.Background(), "bge") }()
	time.Sleep(20 * time.Millisecond)

	// When: encoding with the other model
	v, err := r.Encode(context.Background(), "still works", "minilm")

	// Then: it completes while the reload is pending
	require.NoError(t, err)
	assert.Len(t, v, 16)

	close(f.gate)
	require.NoError(t, <-done)
}

func TestReload_EncodeWaitsForSameModel(t *testing.T) {
	// Given: a reload of bge held inside the factory
	f := &countingFactory{}
	r, err := New(twoModels(), WithFactory(f.build))
	require.NoError(t, err)
	require.Empty(t, r.LoadAll(context.Background()))

	f.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Reload(context.Background(), "bge") }()
	time.Sleep(20 * time.Millisecond)

	// When: encoding with the model being reloaded
	type encoded struct {
		v   []float32
		err error
	}
	got := make(chan encoded, 1)
	go func() {
		v, err := r.Encode(context.Background(), "waits", "bge")
		got <- encoded{v, err}
	}()

	// Then: the call blocks until the reload completes, then succeeds
	select {
	case e := <-got:
		t.Fatalf("encode returned during reload: %v", e.err)
	case <-time.After(50 * time.Millisecond):
	}
	close(f.gate)
	require.NoError(t, <-done)

	e := <-got
	require.NoError(t, e.err)
	assert.Len(t, e.v, 32)
	assert.Equal(t, []string{"minilm", "bge"}, r.Available())
}

func TestReplace_KeepsPartition(t *testing.T) {
	f := &countingFactory{}
	r, err := New(twoModels(), WithFactory(f.build))
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background(), "minilm"))

	err = r.Replace(context.Background(), ModelSpec{ID: "minilm", Weight: 0.3, Dimensions: 16})
	require.NoError(t, err)
	spec, err := r.Spec("minilm")
	require.NoError(t, err)
	assert.Equal(t, 0.3, spec.Weight)

	err = r.Replace(context.Background(), ModelSpec{ID: "minilm", Weight: 0.3, Dimensions: 64})
	assert.ErrorIs(t, err, merrors.ErrConfigInvalid)
}

func TestSimilarity(t *testing.T) {
	r, err := New(twoModels())
	require.NoError(t, err)

	q := make([]float32, 16)
	q[0] = 1
	same := make([]float32, 16)
	same[0] = 2
	opposite := make([]float32, 16)
	opposite[0] = -1
	orth := make([]float32, 16)
	orth[1] = 1

	scores, err := r.Similarity(q, [][]float32{same, opposite, orth}, "minilm")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, scores[0], 1e-9)
	assert.InDelta(t, -1.0, scores[1], 1e-9)
	assert.InDelta(t, 0.0, scores[2], 1e-9)

	_, err = r.Similarity(q, [][]float32{make([]float32, 8)}, "minilm")
	assert.ErrorIs(t, err, merrors.ErrDimensionMismatch)
}

func TestActiveWeights_RedistributesProportionally(t *testing.T) {
	r, err := New([]ModelSpec{
		{ID: "a", Weight: 0.5, Dimensions: 4},
		{ID: "b", Weight: 0.3, Dimensions: 4},
		{ID: "c", Weight: 0.2, Dimensions: 4},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		available []string
		want      map[string]float64
		skipped   []string
	}{
		{"all", []string{"a", "b", "c"}, map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2}, nil},
		{"one missing", []string{"a", "c"}, map[string]float64{"a": 0.5 / 0.7, "c": 0.2 / 0.7}, []string{"b"}},
		{"single", []string{"b"}, map[string]float64{"b": 1}, []string{"a", "c"}},
		{"none", nil, map[string]float64{}, []string{"a", "b", "c"}},
		{"unknown ignored", []string{"c", "zzz"}, map[string]float64{"c": 1}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, skipped := r.ActiveWeights(tt.available)
			assert.Equal(t, tt.skipped, skipped)
			require.Len(t, got, len(tt.want))
			var sum float64
			for id, w := range tt.want {
				assert.InDelta(t, w, got[id], 1e-9, id)
				sum += got[id]
			}
			if len(got) > 0 {
				assert.InDelta(t, 1.0, sum, 1e-9)
			}
		})
	}
}
