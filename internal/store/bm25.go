package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
)

const (
	// ProseTokenizerName is the bleve name of the narrative tokenizer.
	ProseTokenizerName = "memnon_prose_tokenizer"

	// ProseStopFilterName is the bleve name of the prose stop filter.
	ProseStopFilterName = "memnon_prose_stop"

	// ProseAnalyzerName is the bleve name of the combined analyzer.
	ProseAnalyzerName = "memnon_prose"
)

func init() {
	_ = registry.RegisterTokenizer(ProseTokenizerName, proseTokenizerConstructor)
	_ = registry.RegisterTokenFilter(ProseStopFilterName, proseStopFilterConstructor)
}

// BleveIndex is a BM25 lexical backend on bleve v2. Documents are keyed by
// the decimal chunk position.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// bleveMinPage is the smallest page fetched while skipping hits past the
// position ceiling.
const bleveMinPage = 64

type bleveDocument struct {
	Content string `json:"content"`
}

// NewBleveIndex opens or creates a bleve index at path. An empty path
// creates an in-memory index. A corrupt on-disk index is cleared and
// recreated; the caller must re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	indexMapping, err := proseIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if verr := checkBleveMeta(path); verr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", verr.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot be removed: %w", path, rerr)
			}
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open lexical index: %w", err)
	}

	return &BleveIndex{index: idx, path: path}, nil
}

// checkBleveMeta reports a missing or unparseable index_meta.json in an
// existing index directory.
func checkBleveMeta(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("index_meta.json unreadable: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func proseIndexMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(ProseAnalyzerName, map[string]any{
		"type":          custom.Name,
		"tokenizer":     ProseTokenizerName,
		"token_filters": []string{ProseStopFilterName},
	})
	if err != nil {
		return nil, err
	}
	m.DefaultAnalyzer = ProseAnalyzerName
	return m, nil
}

// Index adds or replaces documents in one batch.
func (b *BleveIndex) Index(ctx context.Context, docs []LexicalDocument) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrIndexClosed
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		id := strconv.FormatInt(doc.Position, 10)
		if err := batch.Index(id, bleveDocument{Content: doc.Content}); err != nil {
			return fmt.Errorf("failed to index chunk %d: %w", doc.Position, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search runs a BM25 match query and keeps hits at or before maxPosition,
// paging past later chunks until limit hits are found or the matches run
// out. Scores are scaled so the top kept hit is 1.0.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, maxPosition int64) ([]LexicalHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrIndexClosed
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []LexicalHit{}, nil
	}

	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")

	page := max(limit, bleveMinPage)
	hits := make([]LexicalHit, 0, limit)
	for from := 0; len(hits) < limit; from += page {
		req := bleve.NewSearchRequestOptions(mq, page, from, false)
		req.IncludeLocations = true

		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("lexical search failed: %w", err)
		}
		for _, h := range res.Hits {
			pos, perr := strconv.ParseInt(h.ID, 10, 64)
			if perr != nil {
				slog.Warn("lexical_hit_bad_id", slog.String("id", h.ID))
				continue
			}
			if pos > maxPosition {
				continue
			}
			hits = append(hits, LexicalHit{
				Position:     pos,
				Score:        h.Score,
				MatchedTerms: matchedTerms(h),
			})
			if len(hits) == limit {
				break
			}
		}
		if len(res.Hits) < page || uint64(from+page) >= res.Total {
			break
		}
	}
	scaleHits(hits)
	sortHits(hits)
	return hits, nil
}

// Count returns the number of indexed documents.
func (b *BleveIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	n, _ := b.index.DocCount()
	return int(n)
}

// Close closes the index. Safe to call twice.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func matchedTerms(hit *search.DocumentMatch) []string {
	var terms []string
	for term := range hit.Locations["content"] {
		terms = append(terms, term)
	}
	return terms
}

var _ LexicalIndex = (*BleveIndex)(nil)

func proseTokenizerConstructor(_ map[string]any, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveProseTokenizer{minLen: DefaultLexicalConfig().MinTokenLength}, nil
}

// bleveProseTokenizer adapts Tokenize to bleve's analysis pipeline so both
// lexical backends agree on what a term is.
type bleveProseTokenizer struct {
	minLen int
}

func (t *bleveProseTokenizer) Tokenize(input []byte) analysis.TokenStream {
	tokens := Tokenize(string(input), t.minLen)
	stream := make(analysis.TokenStream, 0, len(tokens))
	for i, tok := range tokens {
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok),
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return stream
}

func proseStopFilterConstructor(_ map[string]any, _ *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveStopFilter{stopWords: BuildStopWordMap(DefaultProseStopWords)}, nil
}

type bleveStopFilter struct {
	stopWords map[string]struct{}
}

func (f *bleveStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		if _, stop := f.stopWords[string(tok.Term)]; !stop {
			out = append(out, tok)
		}
	}
	return out
}
