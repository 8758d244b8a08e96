package warehouse

import (
	"time"
)

// Event types recorded in fact_interactions.
const (
	EventView     = "view"
	EventCart     = "cart"
	EventPurchase = "purchase"
)

// Warehouse table names.
const (
	TableDimItems         = "dim_items"
	TableFactInteractions = "fact_interactions"
	TableFeaturesUser     = "features_user"
	TableFeaturesItem     = "features_item"
	TableCooccurrence     = "item_item_cooccurrence"
)

// Interaction is one user-item event from the prepared snapshot.
// Immutable once materialized into fact_interactions.
type Interaction struct {
	UserID    string
	ItemID    string
	EventType string // "view", "cart", "purchase"
	EventTS   time.Time
	Price     float64
}

// Item is one product row, the source of truth for item metadata.
type Item struct {
	ItemID   string
	Title    string
	Category string
	Price    float64
}

// UserFeature aggregates a user's activity over the trailing 7-day window.
// Fully recomputed each run; one row per user seen in the window.
type UserFeature struct {
	UserID      string
	Events7d    int
	Purchases7d int
	AvgPrice7d  float64
	LastEventTS time.Time
}

// ItemFeature aggregates an item's activity over the trailing 7-day window.
type ItemFeature struct {
	ItemID             string
	Views7d            int
	Carts7d            int
	Purchases7d        int
	PopularityScore7d  float64
	HasPopularityScore bool // false when the stored column is NULL
	LastEventTS        time.Time
}

// CoocPair is an unordered item pair in canonical orientation
// (ItemA < ItemB lexicographically). Count is the number of distinct
// users who interacted with both items inside the 30-day window.
type CoocPair struct {
	ItemA string
	ItemB string
	Count int
}
