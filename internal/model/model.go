// Package model builds and persists the popularity-plus-co-occurrence
// recommendation model.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/recomart/recomart/internal/warehouse"
)

// ErrNoModel is returned when no trained model artifact is available.
var ErrNoModel = errors.New("no model artifact found, run training first")

// ScoredItem is one entry of the popularity ranking.
type ScoredItem struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
}

// Neighbor is one entry of an item's co-occurrence neighbor list.
type Neighbor struct {
	ItemID string  `json:"item_id"`
	Weight float64 `json:"weight"`
}

// Weights are the per-event-type popularity weights a model was built with.
type Weights struct {
	View     int `json:"view"`
	Cart     int `json:"cart"`
	Purchase int `json:"purchase"`
}

// DefaultWeights returns the standard view/cart/purchase weighting.
func DefaultWeights() Weights {
	return Weights{View: 1, Cart: 3, Purchase: 5}
}

// Model is an immutable training artifact: a popularity ranking, a
// symmetric neighbor graph, and a frozen item metadata snapshot. It is
// read-only shared state once loaded for serving or evaluation.
type Model struct {
	CreatedAt  time.Time                 `json:"created_at"`
	Popularity []ScoredItem              `json:"popularity"`
	Neighbors  map[string][]Neighbor     `json:"neighbors"`
	ItemMeta   map[string]warehouse.Item `json:"item_meta"`
	Weights    Weights                   `json:"weights"`
}

// Train builds a model from the warehouse tables.
//
// Popularity prefers the precomputed popularity_score_7d; rows where that
// value is NULL fall back to the weighted raw counts. The sort is stable,
// so tie order follows input order.
//
// Each co-occurrence pair is stored once in canonical orientation; the
// neighbor graph symmetrizes it explicitly, adding both directions with
// the same weight.
func Train(items []warehouse.Item, itemFeatures []warehouse.ItemFeature, pairs []warehouse.CoocPair, now time.Time) *Model {
	weights := DefaultWeights()

	popularity := make([]ScoredItem, 0, len(itemFeatures))
	for _, f := range itemFeatures {
		score := f.PopularityScore7d
		if !f.HasPopularityScore {
			score = float64(f.Views7d*weights.View + f.Carts7d*weights.Cart + f.Purchases7d*weights.Purchase)
		}
		popularity = append(popularity, ScoredItem{ItemID: f.ItemID, Score: score})
	}
	sort.SliceStable(popularity, func(i, j int) bool { return popularity[i].Score > popularity[j].Score })

	neighbors := make(map[string][]Neighbor)
	for _, p := range pairs {
		w := float64(p.Count)
		neighbors[p.ItemA] = append(neighbors[p.ItemA], Neighbor{ItemID: p.ItemB, Weight: w})
		neighbors[p.ItemB] = append(neighbors[p.ItemB], Neighbor{ItemID: p.ItemA, Weight: w})
	}
	for id := range neighbors {
		list := neighbors[id]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Weight > list[j].Weight })
	}

	meta := make(map[string]warehouse.Item, len(items))
	for _, it := range items {
		meta[it.ItemID] = it
	}

	return &Model{
		CreatedAt:  now.UTC().Truncate(time.Second),
		Popularity: popularity,
		Neighbors:  neighbors,
		ItemMeta:   meta,
		Weights:    weights,
	}
}

// --- Artifact persistence ---

const artifactPrefix = "recomart_model_"

// Save writes the model as a JSON artifact under dir and returns its path.
// The filename embeds the build timestamp so the latest artifact sorts last.
func (m *Model) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating models directory: %w", err)
	}

	name := fmt.Sprintf("%s%s.json", artifactPrefix, m.CreatedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing model artifact: %w", err)
	}
	return path, nil
}

// Load reads a model artifact from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model artifact: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding model artifact: %w", err)
	}
	return &m, nil
}

// LatestArtifact returns the path of the most recent model artifact in
// dir, determined by filename ordering. Returns ErrNoModel when the
// directory holds no artifacts.
func LatestArtifact(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, artifactPrefix+"*.json"))
	if err != nil {
		return "", fmt.Errorf("globbing model artifacts: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNoModel
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// LoadLatest loads the most recent model artifact from dir.
func LoadLatest(dir string) (*Model, string, error) {
	path, err := LatestArtifact(dir)
	if err != nil {
		return nil, "", err
	}
	m, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return m, path, nil
}
