package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/condoware/porteiro/internal/directory"
)

// SnapshotFile is the conventional snapshot filename under the data
// directory.
const SnapshotFile = "ramais_config.json"

// writeSnapshot atomically persists the extension set as JSON.
func writeSnapshot(path string, specs []directory.Extension) error {
	if specs == nil {
		specs = []directory.Extension{}
	}
	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return fmt.Errorf("extension: encode snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("extension: snapshot dir: %w", err)
		}
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("extension: write snapshot: %w", err)
	}
	return nil
}

// readSnapshot loads a previously persisted extension set.
func readSnapshot(path string) ([]directory.Extension, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extension: read snapshot: %w", err)
	}
	var specs []directory.Extension
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("extension: decode snapshot %s: %w", path, err)
	}
	return specs, nil
}
