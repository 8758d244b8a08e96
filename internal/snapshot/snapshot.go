// Package snapshot selects and decodes the prepared interaction and item
// snapshots produced by the upstream validation stage. Snapshots follow a
// monotonic naming convention (interactions_prepared_<ts>.csv), so the
// lexicographically greatest filename is always the latest.
package snapshot

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/recomart/recomart/internal/warehouse"
)

// Filename patterns for prepared snapshots.
const (
	InteractionsPattern = "interactions_prepared_*.csv"
	ItemsPattern        = "items_prepared_*.csv"
)

// SchemaError reports required columns missing from a snapshot header.
// It is fatal: the run aborts with no partial output.
type SchemaError struct {
	Input   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s snapshot missing required columns: %v", e.Input, e.Missing)
}

// Latest returns the lexicographically greatest file matching pattern in
// dir. Snapshot names embed a sortable timestamp, so this is also the
// chronologically latest one.
func Latest(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("globbing %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no snapshot matching %s in %s", pattern, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// header maps column names to their index in a CSV record.
type header map[string]int

func readHeader(r *csv.Reader) (header, error) {
	cols, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	h := make(header, len(cols))
	for i, c := range cols {
		h[c] = i
	}
	return h, nil
}

// missing returns the required columns absent from the header.
func (h header) missing(required []string) []string {
	var absent []string
	for _, c := range required {
		if _, ok := h[c]; !ok {
			absent = append(absent, c)
		}
	}
	return absent
}

// ReadInteractions decodes a prepared interactions CSV. The prepared
// schema names the timestamp column either "timestamp" (upstream raw
// name) or "event_ts"; both are accepted.
func ReadInteractions(path string) ([]warehouse.Interaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening interactions snapshot: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	tsCol := "event_ts"
	if _, ok := h[tsCol]; !ok {
		tsCol = "timestamp"
	}
	if absent := h.missing([]string{"user_id", "item_id", "event_type", tsCol, "price"}); len(absent) > 0 {
		return nil, &SchemaError{Input: "interactions", Missing: absent}
	}

	var interactions []warehouse.Interaction
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading interactions row %d: %w", line, err)
		}

		ix := warehouse.Interaction{
			UserID:    rec[h["user_id"]],
			ItemID:    rec[h["item_id"]],
			EventType: rec[h["event_type"]],
		}
		switch ix.EventType {
		case warehouse.EventView, warehouse.EventCart, warehouse.EventPurchase:
		default:
			return nil, fmt.Errorf("interactions row %d: unknown event_type %q", line, ix.EventType)
		}

		ts, err := time.Parse(time.RFC3339, rec[h[tsCol]])
		if err != nil {
			return nil, fmt.Errorf("interactions row %d: parsing %s: %w", line, tsCol, err)
		}
		ix.EventTS = ts.UTC()

		price, err := strconv.ParseFloat(rec[h["price"]], 64)
		if err != nil {
			return nil, fmt.Errorf("interactions row %d: parsing price: %w", line, err)
		}
		if price < 0 {
			return nil, fmt.Errorf("interactions row %d: negative price %v", line, price)
		}
		ix.Price = price

		interactions = append(interactions, ix)
	}
	return interactions, nil
}

// ReadItems decodes a prepared items CSV. The upstream product feed names
// its key column "id"; it is normalized to "item_id" here, matching the
// warehouse schema.
func ReadItems(path string) ([]warehouse.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening items snapshot: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	idCol := "item_id"
	if _, ok := h[idCol]; !ok {
		idCol = "id"
	}
	if absent := h.missing([]string{idCol, "title", "category", "price"}); len(absent) > 0 {
		return nil, &SchemaError{Input: "items", Missing: absent}
	}

	var items []warehouse.Item
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading items row %d: %w", line, err)
		}

		price, err := strconv.ParseFloat(rec[h["price"]], 64)
		if err != nil {
			return nil, fmt.Errorf("items row %d: parsing price: %w", line, err)
		}
		if price < 0 {
			return nil, fmt.Errorf("items row %d: negative price %v", line, price)
		}

		items = append(items, warehouse.Item{
			ItemID:   rec[h[idCol]],
			Title:    rec[h["title"]],
			Category: rec[h["category"]],
			Price:    price,
		})
	}
	return items, nil
}
