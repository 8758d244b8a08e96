package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/recomart/recomart/internal/config"
	"github.com/recomart/recomart/internal/model"
	"github.com/recomart/recomart/internal/warehouse"
)

// --- helpers ---

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{}
	cfg.Server.Port = 4600
	cfg.Storage.DataDir = t.TempDir()
	cfg.Eval.K = 5
	cfg.Log.Level = "error"
	return cfg
}

func writePreparedSnapshots(t *testing.T, cfg config.Config) {
	t.Helper()
	dir := cfg.Storage.PreparedDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating prepared dir: %v", err)
	}

	interactions := "user_id,item_id,event_type,event_ts,price\n" +
		"U1,I1,view,2025-02-28T10:00:00Z,10\n" +
		"U1,I2,purchase,2025-02-28T11:00:00Z,20\n" +
		"U2,I1,view,2025-02-27T09:00:00Z,10\n" +
		"U2,I3,cart,2025-02-27T10:00:00Z,5\n"
	items := "item_id,title,category,price\n" +
		"I1,Kettle,kitchen,10\n" +
		"I2,Mug,kitchen,20\n" +
		"I3,Plate,kitchen,5\n"

	if err := os.WriteFile(filepath.Join(dir, "interactions_prepared_20250301_000000.csv"), []byte(interactions), 0o644); err != nil {
		t.Fatalf("writing interactions snapshot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "items_prepared_20250301_000000.csv"), []byte(items), 0o644); err != nil {
		t.Fatalf("writing items snapshot: %v", err)
	}
}

// --- tests ---

func TestRunMaterialize(t *testing.T) {
	cfg := testConfig(t)
	writePreparedSnapshots(t, cfg)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := runMaterialize(cfg, now); err != nil {
		t.Fatalf("runMaterialize: %v", err)
	}

	wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
	if err != nil {
		t.Fatalf("opening warehouse: %v", err)
	}
	defer wh.Close()

	n, err := wh.CountRows(warehouse.TableFactInteractions)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 4 {
		t.Errorf("fact_interactions has %d rows, want 4", n)
	}
	n, err = wh.CountRows(warehouse.TableCooccurrence)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 2 {
		t.Errorf("item_item_cooccurrence has %d rows, want 2", n)
	}

	// Training frame export lands in the features dir.
	frames, err := filepath.Glob(filepath.Join(cfg.Storage.FeaturesDir(), "training_frame_*.jsonl"))
	if err != nil {
		t.Fatalf("globbing training frames: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("got %d training frames, want 1", len(frames))
	}
}

func TestRunMaterialize_NoSnapshots(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Storage.PreparedDir(), 0o755); err != nil {
		t.Fatalf("creating prepared dir: %v", err)
	}

	err := runMaterialize(cfg, time.Now().UTC())
	if err == nil {
		t.Fatal("runMaterialize succeeded with no prepared snapshots")
	}
}

func TestPipeline_MaterializeTrainEvaluate(t *testing.T) {
	cfg := testConfig(t)
	writePreparedSnapshots(t, cfg)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := runMaterialize(cfg, now); err != nil {
		t.Fatalf("runMaterialize: %v", err)
	}
	if err := runTrain(cfg); err != nil {
		t.Fatalf("runTrain: %v", err)
	}

	m, path, err := model.LoadLatest(cfg.Storage.ModelsDir())
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(m.Popularity) != 3 {
		t.Errorf("model ranks %d items, want 3", len(m.Popularity))
	}
	if !strings.HasPrefix(filepath.Base(path), "recomart_model_") {
		t.Errorf("artifact name = %s, want recomart_model_ prefix", filepath.Base(path))
	}

	if err := runEvaluate(cfg, cfg.Eval.K); err != nil {
		t.Fatalf("runEvaluate: %v", err)
	}

	reports, err := filepath.Glob(filepath.Join(cfg.Storage.ModelsDir(), "model_eval_*.txt"))
	if err != nil {
		t.Fatalf("globbing reports: %v", err)
	}
	if len(reports) != 1 {
		t.Errorf("got %d evaluation reports, want 1", len(reports))
	}

	// One run record each for train and evaluate.
	runs, err := filepath.Glob(filepath.Join(cfg.Storage.RunsDir(), "run_*.json"))
	if err != nil {
		t.Fatalf("globbing runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d run records, want 2", len(runs))
	}
}

func TestRunTrain_EmptyWarehouse(t *testing.T) {
	cfg := testConfig(t)

	// Training over an empty warehouse still produces a (useless but
	// valid) artifact; nothing to rank is not an error.
	if err := runTrain(cfg); err != nil {
		t.Fatalf("runTrain: %v", err)
	}
	if _, err := model.LatestArtifact(cfg.Storage.ModelsDir()); err != nil {
		t.Errorf("LatestArtifact: %v", err)
	}
}

func TestRunEvaluate_NoModel(t *testing.T) {
	cfg := testConfig(t)

	err := runEvaluate(cfg, 5)
	if err == nil {
		t.Fatal("runEvaluate succeeded without a trained model")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
