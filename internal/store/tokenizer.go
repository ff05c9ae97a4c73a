package store

import (
	"strings"
	"unicode"
)

// Tokenize splits narrative text into lowercase terms.
// Words break on anything that is not a letter or digit; a trailing
// possessive ('s) is dropped so "Alex's" and "Alex" match. Tokens shorter
// than minLen are discarded.
func Tokenize(text string, minLen int) []string {
	if minLen < 1 {
		minLen = 1
	}

	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		tok := stripPossessive(current.String())
		current.Reset()
		if len([]rune(tok)) >= minLen {
			tokens = append(tokens, tok)
		}
	}

	runes := []rune(text)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(unicode.ToLower(r))
		case isApostrophe(r) && current.Len() > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i+1]):
			// Keep in-word apostrophes so possessives can be recognised.
			current.WriteRune('\'')
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// TokenizeFiltered tokenizes and removes stop words.
func TokenizeFiltered(text string, cfg LexicalConfig, stopWords map[string]struct{}) []string {
	return FilterStopWords(Tokenize(text, cfg.MinTokenLength), stopWords)
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’'
}

func stripPossessive(tok string) string {
	if strings.HasSuffix(tok, "'s") {
		tok = strings.TrimSuffix(tok, "'s")
	}
	return strings.ReplaceAll(tok, "'", "")
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// UniqueTerms returns tokens with duplicates removed, in first-seen order.
func UniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
