// Package intent normalizes query text and extracts the lightweight signal
// used for TTL policy: entities, facet tags and temporal references.
package intent

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/objones25/mnemosyne/internal/storage"
)

// Extractor turns raw query text into its canonical form and intent signal.
// The extraction must be a pure function of the input text: the engine reuses
// the stored intent across refreshes and assumes it is stable.
type Extractor interface {
	Extract(text string) (normalized string, intent storage.Intent)
}

// timeboxPattern matches explicit temporal references that mark a query as
// time-sensitive.
var timeboxPattern = regexp.MustCompile(`\b(today|tonight|yesterday|tomorrow|now|latest|current|recent|this (?:week|month|year)|last (?:week|month|year)|20\d{2})\b`)

// facetKeywords maps query tokens to the facet tag they indicate.
var facetKeywords = map[string]string{
	"price":        "pricing",
	"prices":       "pricing",
	"pricing":      "pricing",
	"cost":         "pricing",
	"costs":        "pricing",
	"cheap":        "pricing",
	"expensive":    "pricing",
	"deal":         "pricing",
	"deals":        "pricing",
	"review":       "reviews",
	"reviews":      "reviews",
	"rating":       "reviews",
	"ratings":      "reviews",
	"opinion":      "reviews",
	"new":          "recency",
	"newest":       "recency",
	"latest":       "recency",
	"recent":       "recency",
	"update":       "recency",
	"updated":      "recency",
	"news":         "news",
	"headline":     "news",
	"headlines":    "news",
	"stock":        "availability",
	"availability": "availability",
	"available":    "availability",
	"shipping":     "availability",
	"compare":      "comparison",
	"versus":       "comparison",
	"vs":           "comparison",
	"best":         "ranking",
	"top":          "ranking",
	"worst":        "ranking",
	"how":          "howto",
	"why":          "explanation",
	"spec":         "specs",
	"specs":        "specs",
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "with": {},
	"and": {}, "or": {}, "what": {}, "which": {}, "who": {}, "when": {},
	"where": {}, "do": {}, "does": {}, "did": {}, "can": {}, "could": {},
	"should": {}, "would": {}, "me": {}, "my": {}, "i": {}, "you": {},
	"it": {}, "its": {}, "about": {}, "tell": {},
}

// RuleExtractor is the default Extractor: token rules and a timebox regexp.
// It is deliberately heuristic; callers with a real NLU pipeline can supply
// their own Extractor.
type RuleExtractor struct{}

func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{}
}

// Extract implements Extractor.
func (e *RuleExtractor) Extract(text string) (string, storage.Intent) {
	normalized := Normalize(text)

	var it storage.Intent
	if m := timeboxPattern.FindString(normalized); m != "" {
		it.Timebox = m
	}

	seenFacets := make(map[string]struct{})
	seenEntities := make(map[string]struct{})

	for _, tok := range strings.Fields(normalized) {
		if facet, ok := facetKeywords[tok]; ok {
			if _, dup := seenFacets[facet]; !dup {
				seenFacets[facet] = struct{}{}
				it.Facets = append(it.Facets, facet)
			}
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if len(tok) < 2 {
			continue
		}
		if _, dup := seenEntities[tok]; !dup {
			seenEntities[tok] = struct{}{}
			it.Entities = append(it.Entities, tok)
		}
	}

	return normalized, it
}

// Normalize produces the canonical form of query text: lowercase, punctuation
// stripped, whitespace collapsed. Two queries with the same normalized form
// embed to the same vector.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// Punctuation becomes a separator so "iphone-15" and
			// "iphone 15" normalize identically.
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
