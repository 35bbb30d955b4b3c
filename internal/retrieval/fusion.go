// Package retrieval provides hybrid retrieval (lexical + semantic) with
// rank fusion over evidence units.
package retrieval

import (
	"sort"

	"github.com/hyperjump/shoko/internal/fulltext"
	"github.com/hyperjump/shoko/internal/unitid"
	"github.com/hyperjump/shoko/internal/vector"
)

// FusedResult holds a unit ID and fused lexical/semantic scores.
type FusedResult struct {
	ID       unitid.UnitID
	Score    float64
	LexScore float64
	SemScore float64
}

// NormalizeLexical min-max normalizes lexical scores to [0,1].
// A list whose scores are all equal normalizes to 1.0 for every entry.
func NormalizeLexical(hits []*fulltext.Hit) map[unitid.UnitID]float64 {
	raw := make(map[unitid.UnitID]float64, len(hits))
	for _, h := range hits {
		raw[h.ID] = h.Score
	}
	return normalize(raw)
}

// NormalizeSemantic min-max normalizes similarities to [0,1]. Cosine
// similarity spans [-1,1], so per-list normalization is what makes lexical
// and semantic scores combinable at all.
func NormalizeSemantic(hits []*vector.Hit) map[unitid.UnitID]float64 {
	raw := make(map[unitid.UnitID]float64, len(hits))
	for _, h := range hits {
		raw[h.ID] = h.Similarity
	}
	return normalize(raw)
}

func normalize(raw map[unitid.UnitID]float64) map[unitid.UnitID]float64 {
	if len(raw) == 0 {
		return raw
	}
	first := true
	var min, max float64
	for _, s := range raw {
		if first {
			min, max = s, s
			first = false
			continue
		}
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	out := make(map[unitid.UnitID]float64, len(raw))
	for id, s := range raw {
		if max > min {
			out[id] = (s - min) / (max - min)
		} else {
			out[id] = 1.0
		}
	}
	return out
}

// Fuse merges lexical and semantic score maps with weights and returns
// results sorted by fused score descending, ties broken by lower page then
// lower unit index for determinism. A unit appearing in both lists is
// deduplicated with both score contributions combined.
func Fuse(lexScores, semScores map[unitid.UnitID]float64, lexWeight, semWeight float64) []*FusedResult {
	merged := make(map[unitid.UnitID]*FusedResult, len(lexScores)+len(semScores))
	for id, score := range lexScores {
		merged[id] = &FusedResult{ID: id, LexScore: score}
	}
	for id, score := range semScores {
		if r, exists := merged[id]; exists {
			r.SemScore = score
		} else {
			merged[id] = &FusedResult{ID: id, SemScore: score}
		}
	}
	results := make([]*FusedResult, 0, len(merged))
	for _, r := range merged {
		r.Score = lexWeight*r.LexScore + semWeight*r.SemScore
		results = append(results, r)
	}
	sortFused(results)
	return results
}

func sortFused(results []*FusedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ID.Page != results[j].ID.Page {
			return results[i].ID.Page < results[j].ID.Page
		}
		return results[i].ID.Index < results[j].ID.Index
	})
}
