// Package track records training and evaluation runs as JSON documents.
// It stands in for an external experiment-tracking backend: the pipeline
// only emits named parameters and metrics.
package track

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Run is one recorded pipeline run: parameters in, metrics and artifact
// paths out.
type Run struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	StartedAt time.Time          `json:"started_at"`
	Params    map[string]any     `json:"params,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
}

// Tracker appends run records under a directory.
type Tracker struct {
	dir string
}

// New creates a Tracker writing to dir.
func New(dir string) *Tracker {
	return &Tracker{dir: dir}
}

// NewRun starts a run record with a fresh ID.
func (t *Tracker) NewRun(name string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now().UTC(),
		Params:    make(map[string]any),
		Metrics:   make(map[string]float64),
	}
}

// Log persists the run record and returns its path.
func (t *Tracker) Log(run *Run) (string, error) {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating runs directory: %w", err)
	}

	name := fmt.Sprintf("run_%s_%s.json", run.StartedAt.Format("20060102_150405"), run.ID[:8])
	path := filepath.Join(t.dir, name)

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding run record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing run record: %w", err)
	}
	return path, nil
}
