package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recomart/recomart/internal/featurestore"
	"github.com/recomart/recomart/internal/model"
	"github.com/recomart/recomart/internal/warehouse"
)

// --- helpers ---

func newTestDeps(t *testing.T) Deps {
	t.Helper()

	w, err := warehouse.Open(":memory:")
	if err != nil {
		t.Fatalf("opening warehouse: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err = w.ReplaceFactInteractions([]warehouse.Interaction{
		{UserID: "U1", ItemID: "I1", EventType: warehouse.EventView, EventTS: now.Add(-2 * time.Hour), Price: 10},
	})
	if err != nil {
		t.Fatalf("seeding interactions: %v", err)
	}
	err = w.ReplaceUserFeatures([]warehouse.UserFeature{
		{UserID: "U1", Events7d: 1, Purchases7d: 0, AvgPrice7d: 10, LastEventTS: now.Add(-2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("seeding features_user: %v", err)
	}

	reg, err := featurestore.LoadRegistry("")
	if err != nil {
		t.Fatalf("loading registry: %v", err)
	}

	m := &model.Model{
		CreatedAt: now,
		Popularity: []model.ScoredItem{
			{ItemID: "I1", Score: 10},
			{ItemID: "I2", Score: 8},
			{ItemID: "I3", Score: 5},
		},
		Neighbors: map[string][]model.Neighbor{
			"I1": {{ItemID: "I2", Weight: 4}, {ItemID: "I3", Weight: 1}},
			"I2": {{ItemID: "I1", Weight: 4}},
		},
		ItemMeta: map[string]warehouse.Item{
			"I2": {ItemID: "I2", Title: "Mug", Category: "kitchen"},
		},
		Weights: model.DefaultWeights(),
	}

	return Deps{
		Model:     m,
		ModelName: "recomart_model_20250301_120000.json",
		Warehouse: w,
		Features:  featurestore.New(w, reg),
		DefaultK:  5,
	}
}

func doGet(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response for %s: %v\n%s", path, err, rec.Body.String())
	}
	return rec, body
}

// --- tests ---

func TestHealth(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestModelInfo(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/model")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["model"] != "recomart_model_20250301_120000.json" {
		t.Errorf("model = %v, want artifact name", body["model"])
	}
	if body["items"] != float64(3) {
		t.Errorf("items = %v, want 3", body["items"])
	}
}

func TestRecommendations(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/recommendations/U1?k=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	items, ok := body["items"].([]any)
	if !ok {
		t.Fatalf("items = %v, want a list", body["items"])
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	// U1's history is [I1]; I2 leads on popularity plus boost and I1 is excluded.
	first := items[0].(map[string]any)
	if first["item_id"] != "I2" {
		t.Errorf("items[0] = %v, want I2", first["item_id"])
	}
	if first["title"] != "Mug" {
		t.Errorf("items[0].title = %v, want Mug from the model's item snapshot", first["title"])
	}
	for _, raw := range items {
		if raw.(map[string]any)["item_id"] == "I1" {
			t.Error("history item I1 present in recommendations")
		}
	}
}

func TestRecommendations_UnknownUserColdStart(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/recommendations/nobody?k=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].(map[string]any)["item_id"] != "I1" {
		t.Errorf("items[0] = %v, want the most popular item I1", items[0])
	}
}

func TestRecommendations_InvalidK(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/recommendations/U1?k=0")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	errObj := body["error"].(map[string]any)
	if errObj["type"] != "invalid_request_error" {
		t.Errorf("error.type = %v, want invalid_request_error", errObj["type"])
	}
}

func TestSimilar(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/similar/I1?k=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (truncated to k)", len(items))
	}
	first := items[0].(map[string]any)
	if first["item_id"] != "I2" || first["weight"] != float64(4) {
		t.Errorf("items[0] = %v, want I2 with weight 4", first)
	}
}

func TestSimilar_UnknownItem(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/similar/nope")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if items := body["items"].([]any); len(items) != 0 {
		t.Errorf("got %d items for unknown item, want 0", len(items))
	}
}

func TestFeatures(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/features/user_features_v1?ids=U1,U9&features=events_7d")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["primary_key"] != "user_id" {
		t.Errorf("primary_key = %v, want user_id", body["primary_key"])
	}
	rows := body["rows"].([]any)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	byID := make(map[string]map[string]any)
	for _, raw := range rows {
		row := raw.(map[string]any)
		byID[row["user_id"].(string)] = row
	}
	if byID["U1"]["events_7d"] != float64(1) {
		t.Errorf("U1.events_7d = %v, want 1", byID["U1"]["events_7d"])
	}
	if byID["U9"]["events_7d"] != nil {
		t.Errorf("U9.events_7d = %v, want null", byID["U9"]["events_7d"])
	}
}

func TestFeatures_MissingIDs(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, _ := doGet(t, h, "/features/user_features_v1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without ids", rec.Code)
	}
}

func TestFeatures_UnknownView(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, body := doGet(t, h, "/features/nope_v1?ids=U1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	errObj := body["error"].(map[string]any)
	if errObj["type"] != "not_found_error" {
		t.Errorf("error.type = %v, want not_found_error", errObj["type"])
	}
}

func TestFeatures_UnknownFeature(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, _ := doGet(t, h, "/features/user_features_v1?ids=U1&features=shoe_size")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for undeclared feature", rec.Code)
	}
}

func TestFeatures_InvalidAsOf(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	rec, _ := doGet(t, h, "/features/user_features_v1?ids=U1&as_of=yesterday")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unparseable as_of", rec.Code)
	}
}
