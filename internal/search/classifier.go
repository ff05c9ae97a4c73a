package search

import (
	"context"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/memnon/internal/store"
)

// DefaultClassifierCacheSize is the default number of cached classifications.
const DefaultClassifierCacheSize = 10000

// EntityRegistry supplies the known entities. Version must change whenever
// the entity set does.
type EntityRegistry interface {
	Entities() []store.Entity
	Version() uint64
}

// Keyword vocabularies. Multi-word entries match as phrases.
var (
	categoryKeywords = map[Category][]string{
		CategoryRelationship: {
			"relationship", "relationships", "relation", "between", "feel about", "feels about",
			"friend", "friends", "friendship", "enemy", "enemies", "rival", "rivals", "ally", "allies",
			"love", "loves", "trust", "trusts", "betray", "betrayed", "married", "romance",
			"sibling", "siblings", "brother", "sister", "father", "mother",
		},
		CategoryCharacter: {
			"who", "whom", "character", "characters", "personality", "appearance", "motive", "motives",
			"motivation", "backstory", "trait", "traits", "background", "look like", "looks like",
		},
		CategoryLocation: {
			"where", "place", "places", "location", "locations", "city", "town", "village", "room",
			"building", "district", "street", "map", "located", "headquarters", "hideout",
		},
		CategoryEvent: {
			"what happened", "happen", "happened", "happens", "event", "events", "battle", "fight",
			"fought", "meeting", "attack", "attacked", "incident", "occur", "occurred", "escape",
			"escaped", "death", "died", "killed", "heist", "mission",
		},
		CategoryTheme: {
			"theme", "themes", "motif", "motifs", "symbol", "symbolism", "meaning", "tone", "mood",
			"moral", "allegory", "represents", "metaphor",
		},
	}

	// categoryPriority breaks ties between categories with equal hits.
	categoryPriority = []Category{
		CategoryRelationship, CategoryCharacter, CategoryLocation, CategoryEvent, CategoryTheme,
	}

	earlyKeywords = []string{
		"first", "beginning", "initial", "initially", "start", "started", "origin", "origins",
		"earliest", "originally", "began", "begin",
	}
	recentKeywords = []string{
		"latest", "now", "current", "currently", "recently", "recent", "last", "lately", "most recent",
	}
)

type aliasEntry struct {
	tokens   []string
	entityID string
}

// Classifier derives category, temporal intent and entity mentions from
// query text with fixed vocabularies. It never fails and is safe for
// concurrent use.
type Classifier struct {
	registry EntityRegistry
	cache    *lru.Cache[string, Classification]

	mu       sync.RWMutex
	aliases  []aliasEntry
	kinds    map[string]store.EntityKind
	version  uint64
	hasBuilt bool
}

// NewClassifier creates a classifier. registry may be nil.
func NewClassifier(registry EntityRegistry, cacheSize int) *Classifier {
	if cacheSize <= 0 {
		cacheSize = DefaultClassifierCacheSize
	}
	cache, _ := lru.New[string, Classification](cacheSize)
	return &Classifier{registry: registry, cache: cache}
}

// Classify returns the classification of query. Unmatched input is
// generic and non-temporal.
func (c *Classifier) Classify(_ context.Context, query string) Classification {
	c.refreshAliases()

	key := normalizeQuery(query)
	if cached, ok := c.cache.Get(key); ok {
		return cloneClassification(cached)
	}

	words := store.Tokenize(query, 1)
	mentions := c.extractMentions(words)
	result := Classification{
		Category:       c.classifyCategory(words, mentions),
		TemporalIntent: classifyTemporal(words),
		EntityMentions: mentions,
	}
	c.cache.Add(key, result)
	return cloneClassification(result)
}

func cloneClassification(c Classification) Classification {
	c.EntityMentions = slices.Clone(c.EntityMentions)
	if c.EntityMentions == nil {
		c.EntityMentions = []string{}
	}
	return c
}

// normalizeQuery normalizes a query for the cache key.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// refreshAliases rebuilds the alias table when the registry changes and
// drops cached classifications built from the old one.
func (c *Classifier) refreshAliases() {
	if c.registry == nil {
		return
	}
	v := c.registry.Version()

	c.mu.RLock()
	fresh := c.hasBuilt && c.version == v
	c.mu.RUnlock()
	if fresh {
		return
	}

	entities := c.registry.Entities()
	var aliases []aliasEntry
	kinds := make(map[string]store.EntityKind, len(entities))
	for _, e := range entities {
		kinds[e.ID] = e.Kind
		for _, name := range append([]string{e.Name}, e.Aliases...) {
			toks := store.Tokenize(name, 1)
			if len(toks) > 0 {
				aliases = append(aliases, aliasEntry{tokens: toks, entityID: e.ID})
			}
		}
	}
	// Longest alias first so "Captain Alex Ward" beats "Alex".
	slices.SortStableFunc(aliases, func(a, b aliasEntry) int {
		if len(a.tokens) != len(b.tokens) {
			return len(b.tokens) - len(a.tokens)
		}
		la, lb := len(strings.Join(a.tokens, " ")), len(strings.Join(b.tokens, " "))
		if la != lb {
			return lb - la
		}
		return strings.Compare(a.entityID, b.entityID)
	})

	c.mu.Lock()
	c.aliases, c.kinds, c.version, c.hasBuilt = aliases, kinds, v, true
	c.mu.Unlock()
	c.cache.Purge()
}

// extractMentions matches aliases as whole-word sequences. Matched words
// are consumed so a shorter alias cannot re-match inside a longer one.
// Entity ids are returned deduplicated in order of first occurrence.
func (c *Classifier) extractMentions(words []string) []string {
	c.mu.RLock()
	aliases := c.aliases
	c.mu.RUnlock()

	mentions := []string{}
	if len(aliases) == 0 {
		return mentions
	}
	seen := make(map[string]struct{})
	for i := 0; i < len(words); {
		matched := 0
		for _, a := range aliases {
			n := len(a.tokens)
			if i+n <= len(words) && slices.Equal(words[i:i+n], a.tokens) {
				if _, dup := seen[a.entityID]; !dup {
					seen[a.entityID] = struct{}{}
					mentions = append(mentions, a.entityID)
				}
				matched = n
				break
			}
		}
		if matched == 0 {
			matched = 1
		}
		i += matched
	}
	return mentions
}

func (c *Classifier) classifyCategory(words []string, mentions []string) Category {
	text := " " + strings.Join(words, " ") + " "

	best, bestHits := CategoryGeneric, 0
	for _, cat := range categoryPriority {
		hits := 0
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(text, " "+kw+" ") {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = cat, hits
		}
	}
	if bestHits > 0 {
		return best
	}
	return c.categoryFromMentions(mentions)
}

// categoryFromMentions infers a category from the kinds of the mentioned
// entities when no keyword fired.
func (c *Classifier) categoryFromMentions(mentions []string) Category {
	if len(mentions) == 0 {
		return CategoryGeneric
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var characters, places int
	for _, id := range mentions {
		switch c.kinds[id] {
		case store.EntityCharacter:
			characters++
		case store.EntityPlace:
			places++
		}
	}
	switch {
	case characters >= 2:
		return CategoryRelationship
	case characters == 1:
		return CategoryCharacter
	case places > 0:
		return CategoryLocation
	}
	return CategoryGeneric
}

// classifyTemporal finds the first early and recent cue. When both occur,
// recent wins only if its cue comes later in the text.
func classifyTemporal(words []string) TemporalIntent {
	early := firstOccurrence(words, earlyKeywords)
	recent := firstOccurrence(words, recentKeywords)
	switch {
	case early < 0 && recent < 0:
		return IntentNonTemporal
	case recent < 0:
		return IntentEarly
	case early < 0:
		return IntentRecent
	case recent > early:
		return IntentRecent
	default:
		return IntentEarly
	}
}

// firstOccurrence returns the word index of the earliest keyword match, or -1.
func firstOccurrence(words []string, keywords []string) int {
	first := -1
	for _, kw := range keywords {
		kwTokens := strings.Fields(kw)
		for i := 0; i+len(kwTokens) <= len(words); i++ {
			if first >= 0 && i >= first {
				break
			}
			if slices.Equal(words[i:i+len(kwTokens)], kwTokens) {
				first = i
				break
			}
		}
	}
	return first
}
