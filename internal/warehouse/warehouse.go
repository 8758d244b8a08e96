package warehouse

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Warehouse wraps the SQLite database that holds the dimension, fact and
// feature tables. All table writers use full-replace semantics: each call
// rewrites the whole table inside one transaction, so readers either see
// the previous generation or the new one, never a torn write.
type Warehouse struct {
	db *sql.DB
}

// Open opens (or creates) the warehouse database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory
// database (used by tests).
func Open(dataDir string) (*Warehouse, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating warehouse directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "recomart.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	w := &Warehouse{db: db}
	if err := w.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return w, nil
}

// Close closes the underlying database connection.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (w *Warehouse) migrate() error {
	if _, err := w.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := w.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := w.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Full-replace writers ---

// replaceTable deletes all rows of table and re-inserts via fn inside a
// single transaction.
func (w *Warehouse) replaceTable(table string, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace of %s: %w", table, err)
	}
	if _, err := tx.Exec("DELETE FROM " + table); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("writing %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", table, err)
	}
	return nil
}

// ReplaceDimItems rewrites dim_items. sourceSnapshot records which prepared
// snapshot file the rows came from.
func (w *Warehouse) ReplaceDimItems(items []Item, sourceSnapshot string) error {
	return w.replaceTable(TableDimItems, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO dim_items (item_id, title, category, price, source_snapshot) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range items {
			if _, err := stmt.Exec(it.ItemID, it.Title, it.Category, it.Price, sourceSnapshot); err != nil {
				return fmt.Errorf("inserting item %s: %w", it.ItemID, err)
			}
		}
		return nil
	})
}

// ReplaceFactInteractions rewrites fact_interactions. Timestamps are stored
// as ISO-8601 UTC with second precision.
func (w *Warehouse) ReplaceFactInteractions(interactions []Interaction) error {
	return w.replaceTable(TableFactInteractions, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO fact_interactions (user_id, item_id, event_type, event_ts, price) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, ix := range interactions {
			if _, err := stmt.Exec(ix.UserID, ix.ItemID, ix.EventType, formatTS(ix.EventTS), ix.Price); err != nil {
				return fmt.Errorf("inserting interaction for %s: %w", ix.UserID, err)
			}
		}
		return nil
	})
}

// ReplaceUserFeatures rewrites features_user.
func (w *Warehouse) ReplaceUserFeatures(features []UserFeature) error {
	return w.replaceTable(TableFeaturesUser, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO features_user (user_id, events_7d, purchases_7d, avg_price_7d, last_event_ts) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range features {
			if _, err := stmt.Exec(f.UserID, f.Events7d, f.Purchases7d, f.AvgPrice7d, nullableTS(f.LastEventTS)); err != nil {
				return fmt.Errorf("inserting user features for %s: %w", f.UserID, err)
			}
		}
		return nil
	})
}

// ReplaceItemFeatures rewrites features_item.
func (w *Warehouse) ReplaceItemFeatures(features []ItemFeature) error {
	return w.replaceTable(TableFeaturesItem, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO features_item (item_id, views_7d, carts_7d, purchases_7d, popularity_score_7d, last_event_ts) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range features {
			var score any
			if f.HasPopularityScore {
				score = f.PopularityScore7d
			}
			if _, err := stmt.Exec(f.ItemID, f.Views7d, f.Carts7d, f.Purchases7d, score, nullableTS(f.LastEventTS)); err != nil {
				return fmt.Errorf("inserting item features for %s: %w", f.ItemID, err)
			}
		}
		return nil
	})
}

// ReplaceCooccurrence rewrites item_item_cooccurrence.
func (w *Warehouse) ReplaceCooccurrence(pairs []CoocPair) error {
	return w.replaceTable(TableCooccurrence, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO item_item_cooccurrence (item_a, item_b, cooc_count_30d) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range pairs {
			if _, err := stmt.Exec(p.ItemA, p.ItemB, p.Count); err != nil {
				return fmt.Errorf("inserting pair (%s, %s): %w", p.ItemA, p.ItemB, err)
			}
		}
		return nil
	})
}

// --- Readers ---

// DimItems returns all rows of dim_items.
func (w *Warehouse) DimItems() ([]Item, error) {
	rows, err := w.db.Query(`SELECT item_id, title, category, price FROM dim_items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ItemID, &it.Title, &it.Category, &it.Price); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ItemFeatures returns all rows of features_item. A NULL
// popularity_score_7d is reported via HasPopularityScore=false so the
// model builder can fall back to raw counts.
func (w *Warehouse) ItemFeatures() ([]ItemFeature, error) {
	rows, err := w.db.Query(`SELECT item_id, views_7d, carts_7d, purchases_7d, popularity_score_7d, last_event_ts FROM features_item`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var features []ItemFeature
	for rows.Next() {
		var f ItemFeature
		var score sql.NullFloat64
		var lastTS sql.NullString
		if err := rows.Scan(&f.ItemID, &f.Views7d, &f.Carts7d, &f.Purchases7d, &score, &lastTS); err != nil {
			return nil, err
		}
		if score.Valid {
			f.PopularityScore7d = score.Float64
			f.HasPopularityScore = true
		}
		if lastTS.Valid {
			t, err := time.Parse(time.RFC3339, lastTS.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last_event_ts for %s: %w", f.ItemID, err)
			}
			f.LastEventTS = t
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// CooccurrencePairs returns all rows of item_item_cooccurrence.
func (w *Warehouse) CooccurrencePairs() ([]CoocPair, error) {
	rows, err := w.db.Query(`SELECT item_a, item_b, cooc_count_30d FROM item_item_cooccurrence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []CoocPair
	for rows.Next() {
		var p CoocPair
		if err := rows.Scan(&p.ItemA, &p.ItemB, &p.Count); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// Interactions returns all rows of fact_interactions.
func (w *Warehouse) Interactions() ([]Interaction, error) {
	rows, err := w.db.Query(`SELECT user_id, item_id, event_type, event_ts, price FROM fact_interactions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interactions []Interaction
	for rows.Next() {
		var ix Interaction
		var ts string
		if err := rows.Scan(&ix.UserID, &ix.ItemID, &ix.EventType, &ts, &ix.Price); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing event_ts: %w", err)
		}
		ix.EventTS = t
		interactions = append(interactions, ix)
	}
	return interactions, rows.Err()
}

// UserHistory returns the item IDs a user interacted with, ordered by
// event_ts ascending. Used by the serving layer to build ranker input.
func (w *Warehouse) UserHistory(userID string) ([]string, error) {
	rows, err := w.db.Query(`SELECT item_id FROM fact_interactions WHERE user_id = ? ORDER BY event_ts ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

// SelectFeatureRows runs a read-only projection over a feature table and
// returns one map per row. Column names are trusted input: they come from
// the feature registry, never from user-supplied strings.
func (w *Warehouse) SelectFeatureRows(table, pkColumn string, columns []string, entityIDs []string) ([]map[string]any, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(entityIDs)-1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (?%s)",
		strings.Join(columns, ", "), table, pkColumn, placeholders)

	args := make([]any, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// CountRows returns the row count of one of the warehouse tables.
func (w *Warehouse) CountRows(table string) (int, error) {
	if _, ok := tableNames[table]; !ok {
		return 0, fmt.Errorf("unknown table: %s", table)
	}
	var n int
	if err := w.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

var tableNames = map[string]bool{
	TableDimItems:         true,
	TableFactInteractions: true,
	TableFeaturesUser:     true,
	TableFeaturesItem:     true,
	TableCooccurrence:     true,
}

// formatTS serializes a timestamp as ISO-8601 UTC with second precision.
func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullableTS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTS(t)
}
