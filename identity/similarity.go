// Package identity implements the identity resolution engine: fuzzy
// pairwise matching over current entity state, human-reviewed merge
// candidates, and the alias table that maps external identifiers to
// internal logical IDs.
package identity

import (
	"fmt"
	"math"
	"strings"

	"github.com/ontoplane/ontos/ontology"
)

// Field-class weights for the weighted-average similarity. Identifying
// fields dominate; coordinates matter more than free-form attributes.
const (
	weightIdentifying = 3.0
	weightGeo         = 1.5
	weightDefault     = 1.0
)

// geoTolerance is the relative window inside which two coordinates count
// as the same place (~0.1%)
const geoTolerance = 0.001

var identifyingFields = map[string]bool{
	"name":         true,
	"title":        true,
	"callsign":     true,
	"icao":         true,
	"registration": true,
	"identifier":   true,
	"id":           true,
}

var geoFields = map[string]bool{
	"lat": true,
	"lon": true,
	"x":   true,
	"y":   true,
}

// Similarity is the explainable result of comparing two entity records
type Similarity struct {
	// Overall is the weighted average of per-field scores, in [0, 1]
	Overall float64 `json:"overall"`

	// Breakdown maps each compared field to its individual score
	Breakdown map[string]float64 `json:"breakdown"`

	// Reasons are the audit tags for a human reviewer: exact_<field> for
	// per-field scores >= 0.95, fuzzy_<field> for >= 0.80
	Reasons []string `json:"reasons"`
}

// Score compares two entity records field by field. Every field present
// in either record participates; a field absent from one side scores 0
// but still carries its weight, so sparse records cannot fake a match.
func Score(dataA, dataB ontology.Attrs) Similarity {
	fields := make(map[string]bool)
	for name := range dataA {
		fields[name] = true
	}
	for name := range dataB {
		fields[name] = true
	}

	sim := Similarity{Breakdown: make(map[string]float64, len(fields))}
	if len(fields) == 0 {
		return sim
	}

	var weightedSum, totalWeight float64
	for name := range fields {
		score := fieldScore(name, dataA[name], dataB[name])
		sim.Breakdown[name] = score

		weight := weightDefault
		switch {
		case identifyingFields[name]:
			weight = weightIdentifying
		case geoFields[name]:
			weight = weightGeo
		}
		weightedSum += score * weight
		totalWeight += weight

		switch {
		case score >= 0.95:
			sim.Reasons = append(sim.Reasons, fmt.Sprintf("exact_%s", name))
		case score >= 0.80:
			sim.Reasons = append(sim.Reasons, fmt.Sprintf("fuzzy_%s", name))
		}
	}

	sim.Overall = weightedSum / totalWeight
	return sim
}

func fieldScore(name string, a, b any) float64 {
	if a == nil || b == nil {
		return 0
	}

	if geoFields[name] {
		na, okA := numeric(a)
		nb, okB := numeric(b)
		if okA && okB {
			return geoScore(na, nb)
		}
	}

	sa := stringify(a)
	sb := stringify(b)
	if sa == "" && sb == "" {
		return 0
	}
	return math.Max(levenshteinSimilarity(sa, sb), jaccardSimilarity(sa, sb))
}

// geoScore compares two coordinates within a tight relative tolerance
// window: identical is 1.0, the score decays linearly to 0 at the window
// edge
func geoScore(a, b float64) float64 {
	diff := math.Abs(a - b)
	if diff == 0 {
		return 1.0
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return 0
	}
	window := scale * geoTolerance
	if diff >= window {
		return 0
	}
	return 1.0 - diff/window
}

// levenshteinSimilarity is edit distance normalized to [0, 1] over the
// longer string
func levenshteinSimilarity(s1, s2 string) float64 {
	longest := len(s1)
	if len(s2) > longest {
		longest = len(s2)
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(s1, s2))/float64(longest)
}

// levenshtein calculates edit distance between two strings
func levenshtein(s1, s2 string) int {
	s1 = strings.ToLower(s1)
	s2 = strings.ToLower(s2)

	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}
	if s1 == s2 {
		return 0
	}

	matrix := make([][]int, len(s1)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(s2)+1)
	}
	for i := 0; i <= len(s1); i++ {
		matrix[i][0] = i
	}
	for j := 0; j <= len(s2); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			cost := 0
			if s1[i-1] != s2[j-1] {
				cost = 1
			}
			matrix[i][j] = minOf(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}
	return matrix[len(s1)][len(s2)]
}

func minOf(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}

// jaccardSimilarity is token-set overlap: it catches reordered
// multi-word names ("Alpha Base One" vs "One Alpha Base") that edit
// distance punishes
func jaccardSimilarity(s1, s2 string) float64 {
	tokens1 := tokenSet(s1)
	tokens2 := tokenSet(s2)
	if len(tokens1) == 0 || len(tokens2) == 0 {
		return 0
	}

	intersection := 0
	for token := range tokens1 {
		if tokens2[token] {
			intersection++
		}
	}
	union := len(tokens1) + len(tokens2) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range strings.Fields(strings.ToLower(s)) {
		set[token] = true
	}
	return set
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
