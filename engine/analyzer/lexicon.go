package analyzer

import (
	"sort"
	"strings"
)

// diacriticReplacer folds the accented vowels and ñ so lexicon terms can be
// written unaccented and still match "estrés", "energía", "año", etc.
var diacriticReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ü", "u", "Ñ", "n",
)

// normalize lowercases and folds diacritics. Matching happens on normalized
// text against normalized terms, substring style.
func normalize(text string) string {
	return diacriticReplacer.Replace(strings.ToLower(text))
}

// lexicon is a set of normalized indicator terms for one label.
type lexicon []string

// match returns the terms of the lexicon found in the normalized text.
func (l lexicon) match(normalized string) []string {
	var hits []string
	for _, term := range l {
		if strings.Contains(normalized, term) {
			hits = append(hits, term)
		}
	}
	return hits
}

// count returns how many lexicon terms occur in the normalized text.
func (l lexicon) count(normalized string) int {
	n := 0
	for _, term := range l {
		if strings.Contains(normalized, term) {
			n++
		}
	}
	return n
}

// scoreHits converts a hit count into a confidence: base + step per hit,
// capped at ceiling. Zero hits keep the base.
func scoreHits(base, step float64, hits int, ceiling float64) float64 {
	score := base + step*float64(hits)
	if score > ceiling {
		return ceiling
	}
	return score
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rankedKeys returns the map keys sorted by score descending, ties broken
// alphabetically so results are deterministic.
func rankedKeys(scores map[string]float64) []string {
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scores[keys[i]] != scores[keys[j]] {
			return scores[keys[i]] > scores[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
