// Package features materializes windowed behavioral features from the
// prepared interaction and item snapshots into the warehouse.
package features

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/recomart/recomart/internal/warehouse"
)

// Aggregation windows, trailing from the run's reference time.
const (
	UserItemWindow = 7 * 24 * time.Hour
	CoocWindow     = 30 * 24 * time.Hour
)

// Popularity weights per event type.
const (
	WeightView     = 1
	WeightCart     = 3
	WeightPurchase = 5
)

// DuplicateColumnError reports repeated column names in a table about to
// be persisted. It indicates a join/rename bug and aborts the run.
type DuplicateColumnError struct {
	Table      string
	Duplicates []string
}

func (e *DuplicateColumnError) Error() string {
	return fmt.Sprintf("table %s has duplicate columns: %v", e.Table, e.Duplicates)
}

// Declared column sets per persisted table, checked for duplicate names
// before every write. A duplicate means a join or rename went wrong
// upstream and the run must not persist the table.
var tableColumns = map[string][]string{
	warehouse.TableDimItems:         {"item_id", "title", "category", "price", "source_snapshot"},
	warehouse.TableFactInteractions: {"user_id", "item_id", "event_type", "event_ts", "price"},
	warehouse.TableFeaturesUser:     {"user_id", "events_7d", "purchases_7d", "avg_price_7d", "last_event_ts"},
	warehouse.TableFeaturesItem:     {"item_id", "views_7d", "carts_7d", "purchases_7d", "popularity_score_7d", "last_event_ts"},
	warehouse.TableCooccurrence:     {"item_a", "item_b", "cooc_count_30d"},
}

func checkColumns(table string) error {
	seen := make(map[string]bool)
	var dupes []string
	for _, c := range tableColumns[table] {
		if seen[c] {
			dupes = append(dupes, c)
		}
		seen[c] = true
	}
	if len(dupes) > 0 {
		return &DuplicateColumnError{Table: table, Duplicates: dupes}
	}
	return nil
}

// Builder materializes dimension, fact, feature and co-occurrence tables.
// The reference time is fixed at construction so every window in one run
// is anchored to the same instant.
type Builder struct {
	wh          *warehouse.Warehouse
	now         time.Time
	featuresDir string
	logger      *slog.Logger
}

// NewBuilder creates a Builder anchored to now. featuresDir receives the
// advisory training-frame export; pass "" to skip it.
func NewBuilder(wh *warehouse.Warehouse, now time.Time, featuresDir string) *Builder {
	return &Builder{
		wh:          wh,
		now:         now.UTC(),
		featuresDir: featuresDir,
		logger:      slog.Default(),
	}
}

// Result summarizes one materialization run.
type Result struct {
	Items             int
	Interactions      int
	UserFeatures      int
	ItemFeatures      int
	CoocPairs         int
	TrainingFramePath string
}

// Materialize computes and persists all warehouse tables from the given
// prepared snapshots. Each table is fully replaced; re-running with the
// same inputs and reference time produces identical tables.
func (b *Builder) Materialize(interactions []warehouse.Interaction, items []warehouse.Item, sourceSnapshot string) (*Result, error) {
	for _, table := range []string{
		warehouse.TableDimItems,
		warehouse.TableFactInteractions,
		warehouse.TableFeaturesUser,
		warehouse.TableFeaturesItem,
		warehouse.TableCooccurrence,
	} {
		if err := checkColumns(table); err != nil {
			return nil, err
		}
	}

	if err := b.wh.ReplaceDimItems(items, sourceSnapshot); err != nil {
		return nil, err
	}
	b.logger.Info("loaded dim_items", "rows", len(items))

	if err := b.wh.ReplaceFactInteractions(interactions); err != nil {
		return nil, err
	}
	b.logger.Info("loaded fact_interactions", "rows", len(interactions))

	userFeatures := b.buildUserFeatures(interactions)
	if err := b.wh.ReplaceUserFeatures(userFeatures); err != nil {
		return nil, err
	}
	b.logger.Info("wrote features_user", "rows", len(userFeatures))

	itemFeatures := b.buildItemFeatures(interactions)
	if err := b.wh.ReplaceItemFeatures(itemFeatures); err != nil {
		return nil, err
	}
	b.logger.Info("wrote features_item", "rows", len(itemFeatures))

	pairs := b.buildCooccurrence(interactions)
	if err := b.wh.ReplaceCooccurrence(pairs); err != nil {
		return nil, err
	}
	b.logger.Info("wrote item_item_cooccurrence", "rows", len(pairs))

	res := &Result{
		Items:        len(items),
		Interactions: len(interactions),
		UserFeatures: len(userFeatures),
		ItemFeatures: len(itemFeatures),
		CoocPairs:    len(pairs),
	}

	if b.featuresDir != "" {
		path, err := b.writeTrainingFrame(interactions, userFeatures, itemFeatures)
		if err != nil {
			return nil, err
		}
		res.TrainingFramePath = path
		b.logger.Info("wrote training frame", "path", path)
	}

	return res, nil
}

// inWindow reports whether ts falls inside the trailing window ending at
// the reference time: now - d <= ts <= now.
func (b *Builder) inWindow(ts time.Time, d time.Duration) bool {
	start := b.now.Add(-d)
	return !ts.Before(start) && !ts.After(b.now)
}

func (b *Builder) buildUserFeatures(interactions []warehouse.Interaction) []warehouse.UserFeature {
	type agg struct {
		events    int
		purchases int
		priceSum  float64
		lastTS    time.Time
	}
	byUser := make(map[string]*agg)
	for _, ix := range interactions {
		if !b.inWindow(ix.EventTS, UserItemWindow) {
			continue
		}
		a := byUser[ix.UserID]
		if a == nil {
			a = &agg{}
			byUser[ix.UserID] = a
		}
		a.events++
		if ix.EventType == warehouse.EventPurchase {
			a.purchases++
		}
		a.priceSum += ix.Price
		if ix.EventTS.After(a.lastTS) {
			a.lastTS = ix.EventTS
		}
	}

	features := make([]warehouse.UserFeature, 0, len(byUser))
	for userID, a := range byUser {
		features = append(features, warehouse.UserFeature{
			UserID:      userID,
			Events7d:    a.events,
			Purchases7d: a.purchases,
			AvgPrice7d:  a.priceSum / float64(a.events),
			LastEventTS: a.lastTS,
		})
	}
	// Deterministic row order keeps re-runs byte-identical.
	sort.Slice(features, func(i, j int) bool { return features[i].UserID < features[j].UserID })
	return features
}

func (b *Builder) buildItemFeatures(interactions []warehouse.Interaction) []warehouse.ItemFeature {
	type agg struct {
		views     int
		carts     int
		purchases int
		lastTS    time.Time
	}
	byItem := make(map[string]*agg)
	for _, ix := range interactions {
		if !b.inWindow(ix.EventTS, UserItemWindow) {
			continue
		}
		a := byItem[ix.ItemID]
		if a == nil {
			a = &agg{}
			byItem[ix.ItemID] = a
		}
		switch ix.EventType {
		case warehouse.EventView:
			a.views++
		case warehouse.EventCart:
			a.carts++
		case warehouse.EventPurchase:
			a.purchases++
		}
		if ix.EventTS.After(a.lastTS) {
			a.lastTS = ix.EventTS
		}
	}

	features := make([]warehouse.ItemFeature, 0, len(byItem))
	for itemID, a := range byItem {
		features = append(features, warehouse.ItemFeature{
			ItemID:             itemID,
			Views7d:            a.views,
			Carts7d:            a.carts,
			Purchases7d:        a.purchases,
			PopularityScore7d:  float64(a.views*WeightView + a.carts*WeightCart + a.purchases*WeightPurchase),
			HasPopularityScore: true,
			LastEventTS:        a.lastTS,
		})
	}
	sort.Slice(features, func(i, j int) bool { return features[i].ItemID < features[j].ItemID })
	return features
}

// buildCooccurrence counts, per unordered item pair, the number of
// distinct users who interacted with both items in the 30-day window.
// A user contributes at most 1 to each pair regardless of how often they
// touched either item.
func (b *Builder) buildCooccurrence(interactions []warehouse.Interaction) []warehouse.CoocPair {
	itemsByUser := make(map[string]map[string]bool)
	for _, ix := range interactions {
		if !b.inWindow(ix.EventTS, CoocWindow) {
			continue
		}
		set := itemsByUser[ix.UserID]
		if set == nil {
			set = make(map[string]bool)
			itemsByUser[ix.UserID] = set
		}
		set[ix.ItemID] = true
	}

	type key struct{ a, b string }
	counts := make(map[key]int)
	for _, set := range itemsByUser {
		items := make([]string, 0, len(set))
		for id := range set {
			items = append(items, id)
		}
		// Canonical orientation: item_a < item_b, each unordered pair once.
		sort.Strings(items)
		for i := 0; i < len(items); i++ {
			for j := i + 1; j < len(items); j++ {
				counts[key{items[i], items[j]}]++
			}
		}
	}

	pairs := make([]warehouse.CoocPair, 0, len(counts))
	for k, c := range counts {
		pairs = append(pairs, warehouse.CoocPair{ItemA: k.a, ItemB: k.b, Count: c})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ItemA != pairs[j].ItemA {
			return pairs[i].ItemA < pairs[j].ItemA
		}
		return pairs[i].ItemB < pairs[j].ItemB
	})
	return pairs
}

// trainingRow is one denormalized row of the advisory training frame:
// an interaction left-joined with its item and user features. Pointer
// fields are null when the item or user has no feature record.
type trainingRow struct {
	UserID      string   `json:"user_id"`
	ItemID      string   `json:"item_id"`
	EventType   string   `json:"event_type"`
	EventTS     string   `json:"event_ts"`
	Price       float64  `json:"price"`
	Views7d     *int     `json:"views_7d"`
	Carts7d     *int     `json:"carts_7d"`
	ItemPurch7d *int     `json:"item_purchases_7d"`
	Popularity  *float64 `json:"popularity_score_7d"`
	Events7d    *int     `json:"events_7d"`
	UserPurch7d *int     `json:"user_purchases_7d"`
	AvgPrice7d  *float64 `json:"avg_price_7d"`
}

// writeTrainingFrame exports the denormalized training frame as JSONL.
// This is advisory output for downstream model experiments, not a
// warehouse table.
func (b *Builder) writeTrainingFrame(interactions []warehouse.Interaction, users []warehouse.UserFeature, items []warehouse.ItemFeature) (string, error) {
	if err := os.MkdirAll(b.featuresDir, 0o755); err != nil {
		return "", fmt.Errorf("creating features directory: %w", err)
	}

	userIdx := make(map[string]warehouse.UserFeature, len(users))
	for _, u := range users {
		userIdx[u.UserID] = u
	}
	itemIdx := make(map[string]warehouse.ItemFeature, len(items))
	for _, it := range items {
		itemIdx[it.ItemID] = it
	}

	path := filepath.Join(b.featuresDir, fmt.Sprintf("training_frame_%s.jsonl", b.now.Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating training frame: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ix := range interactions {
		row := trainingRow{
			UserID:    ix.UserID,
			ItemID:    ix.ItemID,
			EventType: ix.EventType,
			EventTS:   ix.EventTS.UTC().Format(time.RFC3339),
			Price:     ix.Price,
		}
		if it, ok := itemIdx[ix.ItemID]; ok {
			row.Views7d = &it.Views7d
			row.Carts7d = &it.Carts7d
			row.ItemPurch7d = &it.Purchases7d
			row.Popularity = &it.PopularityScore7d
		}
		if u, ok := userIdx[ix.UserID]; ok {
			row.Events7d = &u.Events7d
			row.UserPurch7d = &u.Purchases7d
			row.AvgPrice7d = &u.AvgPrice7d
		}
		if err := enc.Encode(row); err != nil {
			return "", fmt.Errorf("encoding training frame row: %w", err)
		}
	}
	return path, nil
}
