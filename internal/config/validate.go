package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/search"
)

// weightTolerance is the allowed drift of the model weights from 1.0.
const weightTolerance = 1e-6

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks field constraints and the cross-field rules the pipeline
// relies on: unique model ids, model weights summing to 1.0, one
// dimensionality per partition, known query categories and fusion shares
// summing to 1.0 per category. Failures are ERR_102 config errors.
func (c *Config) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return merrors.ConfigError(describeValidation(verrs), err)
		}
		return merrors.ConfigError("invalid configuration", err)
	}

	var sum float64
	partitions := make(map[string]int)
	for _, m := range c.Models {
		sum += m.Weight
		p := m.PartitionName()
		if dims, ok := partitions[p]; ok && dims != m.Dimensions {
			return merrors.ConfigError(fmt.Sprintf(
				"partition %s mixes %d and %d dimensions (model %s)", p, dims, m.Dimensions, m.ID), nil)
		}
		partitions[p] = m.Dimensions
		if m.Provider == "openai" && m.APIKey == "" {
			return merrors.ConfigError(fmt.Sprintf("model %s uses openai but has no api key", m.ID), nil).
				WithSuggestion("Set api_key or MEMNON_OPENAI_API_KEY")
		}
	}
	if math.Abs(sum-1) > weightTolerance {
		return merrors.New(merrors.ErrCodeMalformedWeights,
			fmt.Sprintf("model weights sum to %.4f, want 1.0", sum), nil)
	}

	names := make([]string, 0, len(c.Search.Shares))
	for name := range c.Search.Shares {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := search.ParseCategory(name); err != nil || name == "" {
			return merrors.ConfigError(fmt.Sprintf("search.shares: unknown query category %q", name), nil)
		}
	}

	return c.Params().Validate()
}

// describeValidation renders validator failures using yaml field paths,
// e.g. "search.boost_factor must be lte 1".
func describeValidation(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += " " + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s must be %s", path, rule))
	}
	return strings.Join(msgs, "; ")
}
