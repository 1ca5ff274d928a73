package sync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/lutraconsulting/mergin-go/internal/utils"
)

// ReadBaseline loads the last-applied server manifest persisted in the
// project directory. Returns (nil, nil) when the project has no baseline,
// which marks a first-time clone.
func ReadBaseline(projectDir string) (*merginsdk.ProjectInfo, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, MetadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read baseline: %w", err)
	}

	var manifest merginsdk.ProjectInfo
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse baseline %s: %w", MetadataFile, err)
	}

	return &manifest, nil
}

// WriteBaseline persists the manifest atomically (sibling temp file, then
// rename) so a crash never leaves a torn baseline.
func WriteBaseline(projectDir string, manifest *merginsdk.ProjectInfo) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}

	path := filepath.Join(projectDir, MetadataFile)
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	return nil
}
