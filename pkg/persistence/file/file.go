// Package file provides file-based persistence for graphs, runs,
// checkpoints and delta logs. It is the development and test backend.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duetflow/duetflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
// One JSON file per entity; a process-wide mutex serializes writers, which
// is enough for the single-run transactional guarantee the engine needs.
type Persistence struct {
	root        string
	mu          sync.RWMutex
	graphs      *GraphRepository
	runs        *RunRepository
	checkpoints *CheckpointRepository
	deltas      *DeltaLogRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// Accepts a plain path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.graphs = &GraphRepository{p: p}
	p.runs = &RunRepository{p: p}
	p.checkpoints = &CheckpointRepository{p: p}
	p.deltas = &DeltaLogRepository{p: p}

	return p
}

func (fp *Persistence) Graphs() persistence.GraphRepository {
	return fp.graphs
}

func (fp *Persistence) Runs() persistence.RunRepository {
	return fp.runs
}

func (fp *Persistence) Checkpoints() persistence.CheckpointRepository {
	return fp.checkpoints
}

func (fp *Persistence) Deltas() persistence.DeltaLogRepository {
	return fp.deltas
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. Nothing to release for files.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

func (fp *Persistence) writeJSON(dir, name string, v any) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	full := filepath.Join(fp.root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", full, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp := filepath.Join(full, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	return os.Rename(tmp, filepath.Join(full, name+".json"))
}

func (fp *Persistence) readJSON(dir, name string, v any) error {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(fp.root, dir, name+".json"))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (fp *Persistence) listJSON(dir string) ([]string, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(fp.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var names []string

	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, strings.TrimSuffix(e.Name(), ".json"))
		}
	}

	return names, nil
}

func (fp *Persistence) remove(dir, name string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return os.Remove(filepath.Join(fp.root, dir, name+".json"))
}
