// Package resolver maps a user utterance to a single database profile.
//
// Scoring is lexical: utterance tokens are matched against each profile's
// keywords, description, and table metadata. A sticky bonus keeps a
// conversation on the database it already established unless another
// profile clearly beats it.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/kueri/kueri/internal/profile"
)

var ErrNoMatch = errors.New("no database profile matches the request")

// AmbiguousError reports that two or more profiles scored within the
// configured margin of each other. Candidates are ordered best-first.
type AmbiguousError struct {
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("request matches multiple databases: %s", strings.Join(e.Candidates, ", "))
}

const (
	keywordWeight     = 2
	descriptionWeight = 1
	tableWeight       = 1
)

type Config struct {
	// MinScore is the minimum lexical score a profile must reach to be
	// considered a match at all.
	MinScore int
	// AmbiguityMargin is the maximum score gap within which runners-up
	// are treated as equally plausible candidates.
	AmbiguityMargin int
	// StickyBonus is added to the database the session last used, so a
	// follow-up utterance with no strong signal stays on it.
	StickyBonus int
}

type Resolver struct {
	store *profile.Store
	cfg   Config
}

func New(store *profile.Store, cfg Config) *Resolver {
	return &Resolver{store: store, cfg: cfg}
}

type candidate struct {
	key   string
	score int
	order int
}

// Resolve picks the database key for an utterance. lastUsed is the db_key
// the session most recently queried, or empty for a fresh session.
func (r *Resolver) Resolve(utterance string, lastUsed string) (string, error) {
	if r.store.Len() == 0 {
		return "", ErrNoMatch
	}

	tokens := tokenize(utterance)
	if len(tokens) == 0 {
		return r.stickOrNoMatch(lastUsed)
	}

	candidates := make([]candidate, 0, r.store.Len())
	for order, key := range r.store.Keys() {
		prof, ok := r.store.Profile(key)
		if !ok {
			continue
		}
		score := scoreProfile(tokens, prof)
		if key == lastUsed && score > 0 {
			score += r.cfg.StickyBonus
		}
		candidates = append(candidates, candidate{key: key, score: score, order: order})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if (candidates[i].key == lastUsed) != (candidates[j].key == lastUsed) {
			return candidates[i].key == lastUsed
		}
		return candidates[i].order < candidates[j].order
	})

	top := candidates[0]
	if top.score < r.cfg.MinScore {
		// A follow-up with no strong signal for anything stays on the
		// database the conversation already established.
		return r.stickOrNoMatch(lastUsed)
	}

	// The sticky database wins ties outright; ambiguity only applies
	// between profiles the session has no established preference for.
	ambiguous := make([]string, 0, 2)
	for _, c := range candidates {
		if top.score-c.score <= r.cfg.AmbiguityMargin && c.score >= r.cfg.MinScore {
			ambiguous = append(ambiguous, c.key)
		}
	}
	if len(ambiguous) > 1 && top.key != lastUsed {
		return "", &AmbiguousError{Candidates: ambiguous}
	}

	return top.key, nil
}

func (r *Resolver) stickOrNoMatch(lastUsed string) (string, error) {
	if lastUsed != "" {
		if _, ok := r.store.Profile(lastUsed); ok {
			return lastUsed, nil
		}
	}
	return "", ErrNoMatch
}

func scoreProfile(tokens map[string]struct{}, prof profile.DatabaseProfile) int {
	score := 0
	for _, keyword := range prof.Keywords {
		if _, ok := tokens[keyword]; ok {
			score += keywordWeight
		}
	}
	for token := range tokenize(prof.Description) {
		if _, ok := tokens[token]; ok {
			score += descriptionWeight
		}
	}
	for tableName, tableDescription := range prof.Tables {
		for token := range tokenize(tableName) {
			if _, ok := tokens[token]; ok {
				score += tableWeight
			}
		}
		for token := range tokenize(tableDescription) {
			if _, ok := tokens[token]; ok {
				score += tableWeight
			}
		}
	}
	return score
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "all": {}, "and": {}, "are": {}, "by": {}, "for": {},
	"from": {}, "how": {}, "in": {}, "is": {}, "list": {}, "many": {},
	"me": {}, "of": {}, "on": {}, "show": {}, "the": {}, "to": {},
	"what": {}, "which": {}, "with": {},
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		if _, skip := stopWords[field]; skip {
			continue
		}
		tokens[field] = struct{}{}
		// "orders" should also hit the keyword "order" and vice versa.
		if trimmed := strings.TrimSuffix(field, "s"); trimmed != field && trimmed != "" {
			tokens[trimmed] = struct{}{}
		}
	}
	return tokens
}
