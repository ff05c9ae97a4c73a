package eval

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/store"
)

// QuerySpec is one query in an evaluation set file.
type QuerySpec struct {
	Text     string `yaml:"text"`
	Category string `yaml:"category,omitempty"`
	Anchor   int64  `yaml:"anchor"`

	// Judgments maps chunk positions to grades 0-3.
	Judgments map[int64]int `yaml:"judgments"`
}

// Set is an evaluation set file.
type Set struct {
	Queries []QuerySpec `yaml:"queries"`
}

// LoadSet reads an evaluation set from a YAML file.
func LoadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.ValidationError(fmt.Sprintf("failed to read eval set %s", path), err)
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, merrors.ValidationError(fmt.Sprintf("failed to parse eval set %s", path), err)
	}
	for i, q := range s.Queries {
		if q.Text == "" {
			return nil, merrors.ValidationError(fmt.Sprintf("eval set query %d has no text", i), nil)
		}
		if q.Anchor < 0 {
			return nil, merrors.ValidationError(fmt.Sprintf("eval set query %d has a negative anchor", i), nil)
		}
		for pos, g := range q.Judgments {
			if g < 0 || g > 3 {
				return nil, merrors.ValidationError(
					fmt.Sprintf("eval set query %d: grade %d for position %d outside 0-3", i, g, pos), nil)
			}
		}
	}
	return &s, nil
}

// Import stores the set's queries and judgments and returns the stored
// queries with their ids.
func (s *Set) Import(ctx context.Context, es store.EvalStore) ([]store.EvalQuery, error) {
	out := make([]store.EvalQuery, 0, len(s.Queries))
	for _, q := range s.Queries {
		eq := store.EvalQuery{Text: q.Text, Category: q.Category, Anchor: q.Anchor}
		id, err := es.PutEvalQuery(ctx, eq)
		if err != nil {
			return nil, err
		}
		eq.ID = id
		for pos, g := range q.Judgments {
			if err := es.PutJudgment(ctx, store.Judgment{QueryID: id, Position: pos, Relevance: g}); err != nil {
				return nil, err
			}
		}
		out = append(out, eq)
	}
	return out, nil
}
