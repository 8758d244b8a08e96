// Package api exposes the trained model and the feature store over HTTP
// and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/recomart/recomart/internal/featurestore"
	"github.com/recomart/recomart/internal/model"
	"github.com/recomart/recomart/internal/ranker"
	"github.com/recomart/recomart/internal/warehouse"
)

// Deps holds the serving dependencies. Model is read-only shared state;
// it is never mutated after load.
type Deps struct {
	Model     *model.Model
	ModelName string
	Warehouse *warehouse.Warehouse
	Features  *featurestore.Store
	DefaultK  int
}

// NewHandler builds the HTTP router for the serving API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/model", handleModelInfo(deps))
	r.Get("/recommendations/{user_id}", handleRecommendations(deps))
	r.Get("/similar/{item_id}", handleSimilar(deps))
	r.Get("/features/{view}", handleFeatures(deps))

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RecommendedItem is one ranked recommendation with its metadata from the
// model's frozen item snapshot.
type RecommendedItem struct {
	ItemID   string `json:"item_id"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
}

func handleRecommendations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "user_id")
		k := queryInt(r, "k", deps.DefaultK)
		if k < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be >= 1")
			return
		}

		history, err := deps.Warehouse.UserHistory(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "loading user history: %v", err)
			return
		}

		recs := ranker.Recommend(deps.Model, history, k)
		items := make([]RecommendedItem, len(recs))
		for i, id := range recs {
			items[i] = RecommendedItem{ItemID: id}
			if meta, ok := deps.Model.ItemMeta[id]; ok {
				items[i].Title = meta.Title
				items[i].Category = meta.Category
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"k":       k,
			"items":   items,
		})
	}
}

func handleSimilar(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := chi.URLParam(r, "item_id")
		k := queryInt(r, "k", deps.DefaultK)
		if k < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be >= 1")
			return
		}

		neighbors := deps.Model.Neighbors[itemID]
		if len(neighbors) > k {
			neighbors = neighbors[:k]
		}

		type similarItem struct {
			ItemID string  `json:"item_id"`
			Weight float64 `json:"weight"`
		}
		items := make([]similarItem, len(neighbors))
		for i, n := range neighbors {
			items[i] = similarItem{ItemID: n.ItemID, Weight: n.Weight}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"item_id": itemID,
			"items":   items,
		})
	}
}

func handleFeatures(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := chi.URLParam(r, "view")

		idsParam := r.URL.Query().Get("ids")
		if idsParam == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids query parameter is required")
			return
		}
		ids := splitCSV(idsParam)

		var features []string
		if f := r.URL.Query().Get("features"); f != "" {
			features = splitCSV(f)
		}

		var asOf time.Time
		if raw := r.URL.Query().Get("as_of"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid as_of: %v", err)
				return
			}
			asOf = t
		}

		result, err := deps.Features.GetFeatures(view, ids, features, asOf)
		if err != nil {
			var notFound *featurestore.ViewNotFoundError
			var unknown *featurestore.UnknownFeatureError
			switch {
			case errors.As(err, &notFound):
				httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
			case errors.As(err, &unknown):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			default:
				httpError(w, http.StatusInternalServerError, "internal_error", "%v", err)
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"view":        view,
			"primary_key": result.PrimaryKey,
			"columns":     result.Columns,
			"rows":        result.Rows,
		})
	}
}

func handleModelInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"model":      deps.ModelName,
			"created_at": deps.Model.CreatedAt.Format(time.RFC3339),
			"items":      len(deps.Model.Popularity),
			"neighbors":  len(deps.Model.Neighbors),
			"weights":    deps.Model.Weights,
		})
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
