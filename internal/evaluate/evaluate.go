// Package evaluate measures ranking quality of a trained model with a
// leave-last-out protocol over the fact_interactions table.
package evaluate

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/recomart/recomart/internal/model"
	"github.com/recomart/recomart/internal/ranker"
	"github.com/recomart/recomart/internal/warehouse"
)

// DefaultK is the rank cutoff for precision/recall/NDCG.
const DefaultK = 5

// ErrNoUsersEvaluated is returned when no user has enough history to
// form a history/target split.
var ErrNoUsersEvaluated = errors.New("not enough user history to evaluate (need at least 2 events per user)")

// Metrics are the aggregate ranking-quality results of one evaluation.
type Metrics struct {
	K              int
	CoocBoost      float64
	Precision      float64
	Recall         float64
	NDCG           float64
	EvaluatedUsers int
}

// Evaluate runs the leave-last-out protocol: per user, the
// chronologically last interaction is the single relevant item and all
// prior interactions form the history handed to the ranker. The last
// event counts as relevant regardless of its event type. Users with
// fewer than 2 interactions are skipped. Metrics are arithmetic means
// over all evaluated users.
func Evaluate(m *model.Model, interactions []warehouse.Interaction, k int) (*Metrics, error) {
	if k < 1 {
		k = DefaultK
	}
	if len(interactions) == 0 {
		return nil, ErrNoUsersEvaluated
	}

	byUser := make(map[string][]warehouse.Interaction)
	var userOrder []string
	for _, ix := range interactions {
		if _, ok := byUser[ix.UserID]; !ok {
			userOrder = append(userOrder, ix.UserID)
		}
		byUser[ix.UserID] = append(byUser[ix.UserID], ix)
	}

	var sumP, sumR, sumN float64
	evaluated := 0
	for _, userID := range userOrder {
		events := byUser[userID]
		if len(events) < 2 {
			continue
		}
		sort.SliceStable(events, func(i, j int) bool { return events[i].EventTS.Before(events[j].EventTS) })

		history := make([]string, len(events)-1)
		for i := 0; i < len(events)-1; i++ {
			history[i] = events[i].ItemID
		}
		relevant := map[string]bool{events[len(events)-1].ItemID: true}

		recs := ranker.Recommend(m, history, k)
		p, r, n := metricsAtK(recs, relevant, k)
		sumP += p
		sumR += r
		sumN += n
		evaluated++
	}

	if evaluated == 0 {
		return nil, ErrNoUsersEvaluated
	}

	return &Metrics{
		K:              k,
		CoocBoost:      ranker.DefaultCoocBoost,
		Precision:      sumP / float64(evaluated),
		Recall:         sumR / float64(evaluated),
		NDCG:           sumN / float64(evaluated),
		EvaluatedUsers: evaluated,
	}, nil
}

// metricsAtK computes precision@K, recall@K and NDCG@K for one user.
// Ranks are 1-indexed; NDCG is 0 when the ideal DCG is 0.
func metricsAtK(recs []string, relevant map[string]bool, k int) (precision, recall, ndcg float64) {
	if k == 0 {
		return 0, 0, 0
	}
	if len(recs) > k {
		recs = recs[:k]
	}

	hits := 0
	dcg := 0.0
	for i, r := range recs {
		if relevant[r] {
			hits++
			dcg += 1.0 / math.Log2(float64(i)+2)
		}
	}

	precision = float64(hits) / float64(k)
	if len(relevant) > 0 {
		recall = float64(hits) / float64(len(relevant))
	}

	idealHits := len(relevant)
	if idealHits > k {
		idealHits = k
	}
	idcg := 0.0
	for i := 0; i < idealHits; i++ {
		idcg += 1.0 / math.Log2(float64(i)+2)
	}
	if idcg > 0 {
		ndcg = dcg / idcg
	}
	return precision, recall, ndcg
}

// WriteReport persists a short human-readable evaluation report next to
// the model artifacts and returns its path.
func WriteReport(dir, modelName string, m *Metrics, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating reports directory: %w", err)
	}

	report := fmt.Sprintf(
		"Model: %s\nK=%d, COOC_BOOST=%g\nprecision@%d: %.4f\nrecall@%d: %.4f\nndcg@%d: %.4f\nevaluated_users: %d\n",
		modelName, m.K, m.CoocBoost,
		m.K, m.Precision,
		m.K, m.Recall,
		m.K, m.NDCG,
		m.EvaluatedUsers,
	)

	path := filepath.Join(dir, fmt.Sprintf("model_eval_%s.txt", now.UTC().Format("20060102_150405")))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", fmt.Errorf("writing evaluation report: %w", err)
	}
	return path, nil
}
