// Package config loads, layers and validates MEMNON configuration and turns
// it into the immutable values the retrieval pipeline is built from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/memnon/internal/embed"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/logging"
	"github.com/Aman-CERP/memnon/internal/router"
	"github.com/Aman-CERP/memnon/internal/search"
)

const (
	// ProjectConfigName is the project-level config file.
	ProjectConfigName = ".memnon.yaml"

	// projectConfigAlt is accepted when ProjectConfigName is absent.
	projectConfigAlt = ".memnon.yml"

	// DotEnvName is read from the project directory for MEMNON_* values.
	DotEnvName = ".env"

	envPrefix = "MEMNON_"
)

// Config is the complete MEMNON configuration.
type Config struct {
	Version int           `yaml:"version" json:"version" validate:"gte=1"`
	Models  []ModelConfig `yaml:"models" json:"models" validate:"required,min=1,unique=ID,dive"`
	Search  SearchConfig  `yaml:"search" json:"search"`
	Rerank  RerankConfig  `yaml:"rerank" json:"rerank"`
	Planner PlannerConfig `yaml:"planner" json:"planner"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ModelConfig configures one embedding model.
type ModelConfig struct {
	ID         string  `yaml:"id" json:"id" validate:"required,max=64"`
	Weight     float64 `yaml:"weight" json:"weight" validate:"gt=0,lte=1"`
	Dimensions int     `yaml:"dimensions" json:"dimensions" validate:"gt=0,lte=8192"`

	// Partition defaults to "d<dimensions>".
	Partition string `yaml:"partition,omitempty" json:"partition,omitempty" validate:"omitempty,max=48"`

	// Provider is static, ollama or openai. Empty means static.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" validate:"omitempty,oneof=static ollama openai"`

	// Model is the backend model name; defaults to ID.
	Model     string        `yaml:"model,omitempty" json:"model,omitempty"`
	Endpoint  string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"omitempty,url"`
	APIKey    string        `yaml:"api_key,omitempty" json:"-"`
	BatchSize int           `yaml:"batch_size,omitempty" json:"batch_size,omitempty" validate:"gte=0,lte=256"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`

	// CacheSize is the query-vector cache size; negative disables it.
	CacheSize int `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
}

// SearchConfig configures fusion, boosting and candidate generation.
type SearchConfig struct {
	// Shares maps a query category to its fusion shares. Categories not
	// listed use the generic entry.
	Shares map[string]search.Shares `yaml:"shares" json:"shares" validate:"required"`

	BoostFactor     float64       `yaml:"boost_factor" json:"boost_factor" validate:"gte=0,lte=1"`
	Normalization   string        `yaml:"normalization" json:"normalization" validate:"oneof=minmax none"`
	CandidatePool   int           `yaml:"candidate_pool" json:"candidate_pool" validate:"gt=0,lte=10000"`
	K               int           `yaml:"k" json:"k" validate:"gt=0,lte=1000"`
	StrategyTimeout time.Duration `yaml:"strategy_timeout" json:"strategy_timeout" validate:"gt=0"`
	LexicalBackend  string        `yaml:"lexical_backend" json:"lexical_backend" validate:"oneof=idf bleve sqlite"`
	ClassifierCache int           `yaml:"classifier_cache" json:"classifier_cache" validate:"gte=0"`
}

// RerankConfig configures the cross-encoder stage.
type RerankConfig struct {
	// Endpoint is the cross-encoder service. Empty disables reranking.
	Endpoint string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"omitempty,url"`
	Model    string        `yaml:"model,omitempty" json:"model,omitempty"`
	Window   int           `yaml:"window" json:"window" validate:"gte=0,lte=1000"`
	Batch    int           `yaml:"batch" json:"batch" validate:"gte=0"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// RateLimit caps batches per second; 0 is unlimited.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// PlannerConfig selects the query planner.
type PlannerConfig struct {
	// Kind is local (deterministic only), http or nats.
	Kind     string        `yaml:"kind" json:"kind" validate:"oneof=local http nats"`
	Endpoint string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"required_if=Kind http,omitempty,url"`
	NATSURL  string        `yaml:"nats_url,omitempty" json:"nats_url,omitempty" validate:"required_if=Kind nats"`
	Subject  string        `yaml:"subject,omitempty" json:"subject,omitempty" validate:"required_if=Kind nats"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	Driver  string `yaml:"driver" json:"driver" validate:"oneof=sqlite postgres"`
	DSN     string `yaml:"dsn,omitempty" json:"-" validate:"required_if=Driver postgres"`
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport" validate:"oneof=stdio http"`
	Addr      string `yaml:"addr" json:"addr" validate:"required_if=Transport http"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=0"`
	MaxFiles  int    `yaml:"max_files" json:"max_files" validate:"gte=0"`
	Stderr    bool   `yaml:"stderr" json:"stderr"`
}

// NewConfig returns the built-in defaults: one static model and the default
// pipeline parameters.
func NewConfig() *Config {
	p := search.DefaultParams()
	shares := make(map[string]search.Shares, len(p.Shares))
	for c, s := range p.Shares {
		shares[string(c)] = s
	}

	return &Config{
		Version: 1,
		Models: []ModelConfig{{
			ID:         "static-256",
			Weight:     1.0,
			Dimensions: embed.DefaultStaticDimensions,
			Provider:   string(embed.ProviderStatic),
		}},
		Search: SearchConfig{
			Shares:          shares,
			BoostFactor:     p.BoostFactor,
			Normalization:   string(p.Normalization),
			CandidatePool:   p.CandidatePool,
			K:               p.K,
			StrategyTimeout: p.StrategyTimeout,
			LexicalBackend:  "idf",
			ClassifierCache: 512,
		},
		Rerank: RerankConfig{
			Window:  p.RerankWindow,
			Batch:   p.RerankBatch,
			Timeout: p.RerankTimeout,
		},
		Planner: PlannerConfig{
			Kind:    "local",
			Timeout: p.PlannerTimeout,
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Transport: "stdio",
			Addr:      "127.0.0.1:8765",
		},
		Logging: LoggingConfig{
			Level:     "info",
			FilePath:  logging.DefaultLogPath(),
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".memnon", "data")
	}
	return filepath.Join(home, ".memnon", "data")
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/memnon/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/memnon/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "memnon", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "memnon", "config.yaml")
	}
	return filepath.Join(home, ".config", "memnon", "config.yaml")
}

// ProjectConfigPath returns the project config file in dir, preferring
// .memnon.yaml over .memnon.yml. The .yaml path is returned when neither
// exists.
func ProjectConfigPath(dir string) string {
	primary := filepath.Join(dir, ProjectConfigName)
	if fileExists(primary) {
		return primary
	}
	if alt := filepath.Join(dir, projectConfigAlt); fileExists(alt) {
		return alt
	}
	return primary
}

// Load loads configuration for the project in dir. Layers, in increasing
// precedence:
//  1. Built-in defaults
//  2. User config (~/.config/memnon/config.yaml)
//  3. Project config (.memnon.yaml in dir)
//  4. .env in dir (MEMNON_* keys only)
//  5. Process environment (MEMNON_*)
//
// The result is validated; any failure is an ERR_102 config error.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	if path := ProjectConfigPath(dir); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	dotenv, err := readDotEnv(filepath.Join(dir, DotEnvName))
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(envLookup(dotenv)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults overlaid with a single explicit file, then
// environment overrides, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(envLookup(nil)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML decodes path over c. Keys absent from the file keep their
// current value; lists such as models replace the current list; share
// maps merge per category.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return merrors.New(merrors.ErrCodeConfigNotFound, fmt.Sprintf("config file %s not found", path), err)
		}
		return merrors.ConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return merrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err).
			WithSuggestion("Check YAML syntax and durations (e.g. \"3s\")")
	}
	return nil
}

// readDotEnv reads dotenv key/value pairs without touching the process
// environment. A missing file yields an empty map.
func readDotEnv(path string) (map[string]string, error) {
	if !fileExists(path) {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, merrors.ConfigError(fmt.Sprintf("failed to parse %s", path), err)
	}
	return values, nil
}

// envLookup resolves a key from the process environment first, then from
// the dotenv values.
func envLookup(dotenv map[string]string) func(string) string {
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}
}

// applyEnvOverrides applies MEMNON_* overrides. Malformed numeric values are
// config errors rather than being silently ignored.
func (c *Config) applyEnvOverrides(getenv func(string) string) error {
	get := func(name string) string { return strings.TrimSpace(getenv(envPrefix + name)) }

	var errs []error
	setFloat := func(name string, dst *float64) {
		if v := get(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	setInt := func(name string, dst *int) {
		if v := get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if v := get(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	setString := func(name string, dst *string) {
		if v := get(name); v != "" {
			*dst = v
		}
	}

	setFloat("BOOST_FACTOR", &c.Search.BoostFactor)
	setString("NORMALIZATION", &c.Search.Normalization)
	setInt("CANDIDATE_POOL", &c.Search.CandidatePool)
	setInt("K", &c.Search.K)
	setDuration("STRATEGY_TIMEOUT", &c.Search.StrategyTimeout)
	setString("LEXICAL_BACKEND", &c.Search.LexicalBackend)

	setString("RERANK_ENDPOINT", &c.Rerank.Endpoint)
	setInt("RERANK_WINDOW", &c.Rerank.Window)
	setDuration("RERANK_TIMEOUT", &c.Rerank.Timeout)

	setString("PLANNER_KIND", &c.Planner.Kind)
	setString("PLANNER_ENDPOINT", &c.Planner.Endpoint)
	setString("NATS_URL", &c.Planner.NATSURL)
	setDuration("PLANNER_TIMEOUT", &c.Planner.Timeout)

	setString("STORE_DRIVER", &c.Store.Driver)
	setString("STORE_DSN", &c.Store.DSN)
	setString("DATA_DIR", &c.Store.DataDir)

	setString("TRANSPORT", &c.Server.Transport)
	setString("HTTP_ADDR", &c.Server.Addr)
	setString("LOG_LEVEL", &c.Logging.Level)

	// Credentials and hosts fill models that leave them unset.
	apiKey, ollamaHost := get("OPENAI_API_KEY"), get("OLLAMA_HOST")
	for i := range c.Models {
		m := &c.Models[i]
		switch embed.ProviderType(m.Provider) {
		case embed.ProviderOpenAI:
			if m.APIKey == "" {
				m.APIKey = apiKey
			}
		case embed.ProviderOllama:
			if m.Endpoint == "" && ollamaHost != "" {
				m.Endpoint = ollamaHost
			}
		}
	}

	if len(errs) > 0 {
		return merrors.ConfigError("invalid environment override", errors.Join(errs...))
	}
	return nil
}

// Params builds the immutable pipeline parameters.
func (c *Config) Params() search.Params {
	shares := make(map[search.Category]search.Shares, len(c.Search.Shares))
	for name, s := range c.Search.Shares {
		shares[search.Category(name)] = s
	}
	return search.Params{
		Shares:          shares,
		BoostFactor:     c.Search.BoostFactor,
		Normalization:   search.Normalization(c.Search.Normalization),
		CandidatePool:   c.Search.CandidatePool,
		K:               c.Search.K,
		RerankWindow:    c.Rerank.Window,
		RerankBatch:     c.Rerank.Batch,
		RerankTimeout:   c.Rerank.Timeout,
		PlannerTimeout:  c.Planner.Timeout,
		StrategyTimeout: c.Search.StrategyTimeout,
	}
}

// ModelSpecs converts the configured models into router specs, in config
// order.
func (c *Config) ModelSpecs() []router.ModelSpec {
	specs := make([]router.ModelSpec, 0, len(c.Models))
	for _, m := range c.Models {
		specs = append(specs, m.Spec())
	}
	return specs
}

// Spec converts one model entry.
func (m ModelConfig) Spec() router.ModelSpec {
	name := m.Model
	if name == "" {
		name = m.ID
	}
	return router.ModelSpec{
		ID:         m.ID,
		Weight:     m.Weight,
		Dimensions: m.Dimensions,
		Partition:  m.PartitionName(),
		Embed: embed.Spec{
			Provider:   embed.ProviderType(m.Provider),
			Model:      name,
			Dimensions: m.Dimensions,
			Endpoint:   m.Endpoint,
			APIKey:     m.APIKey,
			BatchSize:  m.BatchSize,
			Timeout:    m.Timeout,
			CacheSize:  m.CacheSize,
		},
	}
}

// PartitionName returns the configured partition or "d<dimensions>".
func (m ModelConfig) PartitionName() string {
	if m.Partition != "" {
		return m.Partition
	}
	return fmt.Sprintf("d%d", m.Dimensions)
}

// LoggingSetup converts the logging section for logging.Setup.
func (c *Config) LoggingSetup() logging.Config {
	return logging.Config{
		Level:         c.Logging.Level,
		FilePath:      c.Logging.FilePath,
		MaxSizeMB:     c.Logging.MaxSizeMB,
		MaxFiles:      c.Logging.MaxFiles,
		WriteToStderr: c.Logging.Stderr,
	}
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return merrors.InternalError("failed to marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return merrors.ConfigError(fmt.Sprintf("failed to write config file %s", path), err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
