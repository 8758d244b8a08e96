// Package ranker turns a trained model plus a user's interaction history
// into a top-K recommendation list.
package ranker

import (
	"sort"

	"github.com/recomart/recomart/internal/model"
)

// DefaultCoocBoost scales how strongly co-occurrence neighbor weights
// boost an item over its base popularity.
const DefaultCoocBoost = 0.2

// maxNeighbors caps how many neighbors of each history item contribute
// to the boost accumulator.
const maxNeighbors = 50

// Recommend returns up to k item IDs ranked for a user with the given
// history. It is a pure function of its arguments: no side effects, no
// model mutation.
//
// Items start at their popularity score; items absent from the ranking
// are never recommended. Each history item's top neighbors by weight add
// their weight to a per-candidate boost, scaled by DefaultCoocBoost.
// Items already in the history are excluded from the output.
func Recommend(m *model.Model, history []string, k int) []string {
	if m == nil || k < 1 {
		return nil
	}

	boost := make(map[string]float64)
	for _, it := range history {
		neighbors := m.Neighbors[it]
		if len(neighbors) > maxNeighbors {
			neighbors = neighbors[:maxNeighbors]
		}
		for _, n := range neighbors {
			boost[n.ItemID] += n.Weight
		}
	}

	exclude := make(map[string]bool, len(history))
	for _, it := range history {
		exclude[it] = true
	}

	type candidate struct {
		itemID string
		score  float64
	}
	candidates := make([]candidate, 0, len(m.Popularity))
	for _, p := range m.Popularity {
		if exclude[p.ItemID] {
			continue
		}
		candidates = append(candidates, candidate{
			itemID: p.ItemID,
			score:  p.Score + DefaultCoocBoost*boost[p.ItemID],
		})
	}

	// Stable sort keeps the popularity order for equal final scores.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	recs := make([]string, len(candidates))
	for i, c := range candidates {
		recs[i] = c.itemID
	}
	return recs
}
