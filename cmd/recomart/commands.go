package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/recomart/recomart/internal/config"
	"github.com/recomart/recomart/internal/evaluate"
	"github.com/recomart/recomart/internal/features"
	"github.com/recomart/recomart/internal/featurestore"
	"github.com/recomart/recomart/internal/model"
	"github.com/recomart/recomart/internal/ranker"
	"github.com/recomart/recomart/internal/snapshot"
	"github.com/recomart/recomart/internal/track"
	"github.com/recomart/recomart/internal/warehouse"
)

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	initLogging(cfg.Log.Level)
	return cfg, nil
}

// --- materialize ---

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Build warehouse tables from the latest prepared snapshots",
	Long: `Build dimension, fact, feature and co-occurrence tables from the most
recent prepared interaction and item snapshots. Each table is fully
replaced; re-running with the same snapshots and reference time
produces identical tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if raw, _ := cmd.Flags().GetString("now"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("invalid --now: %w", err)
			}
			now = t.UTC()
		}

		return runMaterialize(cfg, now)
	},
}

func init() {
	materializeCmd.Flags().String("now", "", "reference time (RFC 3339) for window anchoring; defaults to the current time")
}

func runMaterialize(cfg config.Config, now time.Time) error {
	interactionsPath, err := snapshot.Latest(cfg.Storage.PreparedDir(), snapshot.InteractionsPattern)
	if err != nil {
		return err
	}
	itemsPath, err := snapshot.Latest(cfg.Storage.PreparedDir(), snapshot.ItemsPattern)
	if err != nil {
		return err
	}
	printStep("Using prepared interactions: %s", filepath.Base(interactionsPath))
	printStep("Using prepared items: %s", filepath.Base(itemsPath))

	// The two snapshots are independent; decode them concurrently.
	var (
		interactions []warehouse.Interaction
		items        []warehouse.Item
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		interactions, err = snapshot.ReadInteractions(interactionsPath)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = snapshot.ReadItems(itemsPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	defer wh.Close()

	builder := features.NewBuilder(wh, now, cfg.Storage.FeaturesDir())
	res, err := builder.Materialize(interactions, items, filepath.Base(itemsPath))
	if err != nil {
		return err
	}

	printSuccess("Materialized %d interactions, %d items, %d user features, %d item features, %d co-occurrence pairs",
		res.Interactions, res.Items, res.UserFeatures, res.ItemFeatures, res.CoocPairs)
	return nil
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model from the warehouse tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runTrain(cfg)
	},
}

func runTrain(cfg config.Config) error {
	wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	defer wh.Close()

	items, err := wh.DimItems()
	if err != nil {
		return fmt.Errorf("reading dim_items: %w", err)
	}
	itemFeatures, err := wh.ItemFeatures()
	if err != nil {
		return fmt.Errorf("reading features_item: %w", err)
	}
	pairs, err := wh.CooccurrencePairs()
	if err != nil {
		return fmt.Errorf("reading item_item_cooccurrence: %w", err)
	}

	m := model.Train(items, itemFeatures, pairs, time.Now())
	path, err := m.Save(cfg.Storage.ModelsDir())
	if err != nil {
		return err
	}

	tracker := track.New(cfg.Storage.RunsDir())
	run := tracker.NewRun("train")
	run.Params["model_type"] = "popularity_plus_cooccurrence"
	run.Params["w_view"] = m.Weights.View
	run.Params["w_cart"] = m.Weights.Cart
	run.Params["w_purchase"] = m.Weights.Purchase
	run.Artifacts = append(run.Artifacts, path)
	if _, err := tracker.Log(run); err != nil {
		return err
	}

	printSuccess("Saved model to %s (%d items, %d items with neighbors)", path, len(m.Popularity), len(m.Neighbors))
	return nil
}

// --- evaluate ---

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the latest model with a leave-last-out protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k, _ := cmd.Flags().GetInt("k")
		if k == 0 {
			k = cfg.Eval.K
		}
		return runEvaluate(cfg, k)
	},
}

func init() {
	evaluateCmd.Flags().Int("k", 0, "rank cutoff for precision/recall/NDCG (default from config)")
}

func runEvaluate(cfg config.Config, k int) error {
	m, modelPath, err := model.LoadLatest(cfg.Storage.ModelsDir())
	if err != nil {
		return err
	}
	modelName := filepath.Base(modelPath)
	printStep("Loaded model: %s", modelName)

	wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	defer wh.Close()

	interactions, err := wh.Interactions()
	if err != nil {
		return fmt.Errorf("reading fact_interactions: %w", err)
	}

	metrics, err := evaluate.Evaluate(m, interactions, k)
	if err != nil {
		return err
	}

	reportPath, err := evaluate.WriteReport(cfg.Storage.ModelsDir(), modelName, metrics, time.Now())
	if err != nil {
		return err
	}

	tracker := track.New(cfg.Storage.RunsDir())
	run := tracker.NewRun("evaluate")
	run.Params["model"] = modelName
	run.Params["k"] = metrics.K
	run.Params["cooc_boost"] = metrics.CoocBoost
	run.Metrics["precision_at_k"] = metrics.Precision
	run.Metrics["recall_at_k"] = metrics.Recall
	run.Metrics["ndcg_at_k"] = metrics.NDCG
	run.Metrics["evaluated_users"] = float64(metrics.EvaluatedUsers)
	run.Artifacts = append(run.Artifacts, reportPath)
	if _, err := tracker.Log(run); err != nil {
		return err
	}

	printSuccess("precision@%d=%.4f, recall@%d=%.4f, ndcg@%d=%.4f (%d users)",
		metrics.K, metrics.Precision, metrics.K, metrics.Recall, metrics.K, metrics.NDCG, metrics.EvaluatedUsers)
	printStatus("Report", "%s", reportPath)
	return nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run materialize, train and evaluate in sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		printStep("Materializing features...")
		if err := runMaterialize(cfg, time.Now().UTC()); err != nil {
			return err
		}
		printStep("Training model...")
		if err := runTrain(cfg); err != nil {
			return err
		}
		printStep("Evaluating model...")
		return runEvaluate(cfg, cfg.Eval.K)
	},
}

// --- recommend ---

var recommendCmd = &cobra.Command{
	Use:   "recommend <user_id>",
	Short: "Recommend items for a user using the latest model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		userID := args[0]
		k, _ := cmd.Flags().GetInt("k")
		if k == 0 {
			k = cfg.Eval.K
		}

		m, modelPath, err := model.LoadLatest(cfg.Storage.ModelsDir())
		if err != nil {
			return err
		}

		wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
		if err != nil {
			return fmt.Errorf("opening warehouse: %w", err)
		}
		defer wh.Close()

		history, err := wh.UserHistory(userID)
		if err != nil {
			return fmt.Errorf("loading user history: %w", err)
		}

		recs := ranker.Recommend(m, history, k)
		if len(recs) == 0 {
			fmt.Println("No recommendations available.")
			return nil
		}

		printStatus("Model", "%s", filepath.Base(modelPath))
		printStatus("History", "%d interactions", len(history))
		for i, id := range recs {
			line := id
			if meta, ok := m.ItemMeta[id]; ok {
				line = fmt.Sprintf("%s  %s (%s)", id, meta.Title, meta.Category)
			}
			fmt.Printf("%2d. %s\n", i+1, line)
		}
		return nil
	},
}

func init() {
	recommendCmd.Flags().Int("k", 0, "number of recommendations (default from config)")
}

// --- features ---

var featuresCmd = &cobra.Command{
	Use:   "features <view> <entity_id>...",
	Short: "Look up feature values from a registered feature view",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		view := args[0]
		ids := args[1:]

		var featureList []string
		if f, _ := cmd.Flags().GetString("features"); f != "" {
			for _, part := range strings.Split(f, ",") {
				if part = strings.TrimSpace(part); part != "" {
					featureList = append(featureList, part)
				}
			}
		}

		var asOf time.Time
		if raw, _ := cmd.Flags().GetString("as-of"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("invalid --as-of: %w", err)
			}
			asOf = t
		}

		registry, err := featurestore.LoadRegistry(cfg.Storage.RegistryPath)
		if err != nil {
			return err
		}

		wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
		if err != nil {
			return fmt.Errorf("opening warehouse: %w", err)
		}
		defer wh.Close()

		store := featurestore.New(wh, registry)
		result, err := store.GetFeatures(view, ids, featureList, asOf)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Rows)
	},
}

func init() {
	featuresCmd.Flags().String("features", "", "comma-separated feature subset (default: all declared)")
	featuresCmd.Flags().String("as-of", "", "point-in-time filter (RFC 3339) applied to last_event_ts")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, kv := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, kv.Key), kv.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
