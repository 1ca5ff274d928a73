package sync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lutraconsulting/mergin-go/internal/utils"
)

// FindProjectDir locates the local directory holding `ns/name` by reading
// the baseline metadata of each subdirectory of dataDir. Returns "" when
// the project has never been cloned.
func FindProjectDir(dataDir, ns, name string) (string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("list projects dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(dataDir, entry.Name())
		baseline, err := ReadBaseline(dir)
		if err != nil || baseline == nil {
			continue
		}
		if baseline.Namespace == ns && baseline.Name == name {
			return dir, nil
		}
	}
	return "", nil
}

// CreateUniqueProjectDir creates a fresh directory for an initial clone,
// named after the project: `<name>`, `<name> (2)`, … when taken.
func CreateUniqueProjectDir(dataDir, name string) (string, error) {
	if err := utils.EnsureDir(dataDir); err != nil {
		return "", err
	}

	dir := filepath.Join(dataDir, name)
	for k := 2; utils.DirExists(dir) || utils.FileExists(dir); k++ {
		dir = filepath.Join(dataDir, fmt.Sprintf("%s (%d)", name, k))
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}
