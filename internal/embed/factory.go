package embed

import (
	"fmt"
	"time"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// ProviderType names an embedding backend.
type ProviderType string

const (
	// ProviderStatic uses hash-based embeddings (no network).
	ProviderStatic ProviderType = "static"

	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses the OpenAI embeddings API.
	ProviderOpenAI ProviderType = "openai"
)

// Spec describes one configured model's backend.
type Spec struct {
	Provider   ProviderType
	Model      string // backend model name; defaults to the model id
	Dimensions int
	Endpoint   string
	APIKey     string
	BatchSize  int
	Timeout    time.Duration
	CacheSize  int // 0 uses the default, negative disables caching
}

// New builds the embedder for spec, wrapped in a cache unless disabled.
// Construction does not contact the backend.
func New(spec Spec) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch spec.Provider {
	case ProviderStatic, "":
		e = NewStaticEmbedder(spec.Model, spec.Dimensions)
	case ProviderOllama:
		e, err = NewOllamaEmbedder(OllamaConfig{
			Host:       spec.Endpoint,
			Model:      spec.Model,
			Dimensions: spec.Dimensions,
			BatchSize:  spec.BatchSize,
			Timeout:    spec.Timeout,
		})
	case ProviderOpenAI:
		e, err = NewOpenAIEmbedder(OpenAIConfig{
			Model:      spec.Model,
			Dimensions: spec.Dimensions,
			APIKey:     spec.APIKey,
			BaseURL:    spec.Endpoint,
			BatchSize:  spec.BatchSize,
			Timeout:    spec.Timeout,
		})
	default:
		return nil, merrors.ConfigError(fmt.Sprintf("unknown embedding provider %q (valid: static, ollama, openai)", spec.Provider), nil)
	}
	if err != nil {
		return nil, err
	}

	if spec.CacheSize < 0 {
		return e, nil
	}
	return NewCachedEmbedder(e, spec.CacheSize), nil
}
