// Package featurestore provides a registry-driven, read-only projection
// over the warehouse's feature tables.
package featurestore

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/recomart/recomart/internal/warehouse"
)

// ViewNotFoundError reports an unknown view name. Fatal to the calling
// request, not the process.
type ViewNotFoundError struct {
	View string
}

func (e *ViewNotFoundError) Error() string {
	return fmt.Sprintf("feature view not found: %s", e.View)
}

// UnknownFeatureError reports a requested feature that is not declared
// for the view.
type UnknownFeatureError struct {
	View    string
	Feature string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("feature %q not in registry for %s", e.Feature, e.View)
}

// Result is a feature lookup result: one row per requested entity, keyed
// by column name. Row order carries no relation to the input order of
// entity IDs; callers must join back on the primary-key column.
type Result struct {
	PrimaryKey string
	Columns    []string
	Rows       []map[string]any
}

// Store reads features from the warehouse according to the registry.
type Store struct {
	registry *Registry
	wh       *warehouse.Warehouse
	logger   *slog.Logger
}

// New creates a Store over the given warehouse and registry.
func New(wh *warehouse.Warehouse, registry *Registry) *Store {
	return &Store{
		registry: registry,
		wh:       wh,
		logger:   slog.Default(),
	}
}

// ListFeatureViews returns the names of all registered views.
func (s *Store) ListFeatureViews() []string {
	return s.registry.ViewNames()
}

// GetFeatures retrieves feature values for the given entities from a
// named view. A nil features slice selects every feature the view
// declares; the entity's primary-key column is always included.
//
// Every requested entity ID yields exactly one row: entities absent from
// the underlying table (or excluded by the asOf filter) come back with
// the primary key set and all other columns nil, and are logged rather
// than treated as an error.
//
// A non-zero asOf additionally drops rows whose last_event_ts is after
// asOf, when that column is requested. This filters current rows only;
// it does not reconstruct historical feature values.
func (s *Store) GetFeatures(viewName string, entityIDs []string, features []string, asOf time.Time) (*Result, error) {
	fv, ok := s.registry.view(viewName)
	if !ok {
		return nil, &ViewNotFoundError{View: viewName}
	}
	pk := s.registry.Entities[fv.Entity].PrimaryKey

	declared := make(map[string]bool, len(fv.Features))
	for _, f := range fv.Features {
		declared[f] = true
	}

	cols := fv.Features
	if features != nil {
		for _, f := range features {
			if f != pk && !declared[f] {
				return nil, &UnknownFeatureError{View: viewName, Feature: f}
			}
		}
		cols = features
	}

	// Primary key always leads the result columns.
	columns := make([]string, 0, len(cols)+1)
	columns = append(columns, pk)
	for _, c := range cols {
		if c != pk {
			columns = append(columns, c)
		}
	}

	rows, err := s.wh.SelectFeatureRows(fv.Table, pk, columns, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", fv.Table, err)
	}

	if !asOf.IsZero() {
		rows = filterAsOf(rows, columns, asOf)
	}

	// Left-join behavior: entities without a surviving row get a
	// null-valued row so the result always has one row per requested ID.
	present := make(map[string]bool, len(rows))
	for _, row := range rows {
		if id, ok := row[pk].(string); ok {
			present[id] = true
		}
	}
	var missing []string
	for _, id := range entityIDs {
		if present[id] {
			continue
		}
		missing = append(missing, id)
		row := make(map[string]any, len(columns))
		for _, c := range columns {
			row[c] = nil
		}
		row[pk] = id
		rows = append(rows, row)
	}
	if len(missing) > 0 {
		s.logger.Warn("entities missing from feature view", "view", viewName, "missing", missing)
	}

	return &Result{PrimaryKey: pk, Columns: columns, Rows: rows}, nil
}

// filterAsOf applies the best-effort point-in-time filter: rows whose
// last_event_ts exceeds asOf are dropped. ISO-8601 UTC strings compare
// correctly as plain strings.
func filterAsOf(rows []map[string]any, columns []string, asOf time.Time) []map[string]any {
	requested := false
	for _, c := range columns {
		if c == "last_event_ts" {
			requested = true
			break
		}
	}
	if !requested {
		return rows
	}

	cutoff := asOf.UTC().Format(time.RFC3339)
	kept := rows[:0]
	for _, row := range rows {
		ts, ok := row["last_event_ts"].(string)
		if ok && ts > cutoff {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}
