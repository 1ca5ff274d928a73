package sync

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/lutraconsulting/mergin-go/internal/utils"
)

// Scan walks projectDir and returns one FileInfo per regular file that is
// not ignored, with forward-slash relative paths and streamed SHA-1
// checksums. The result is sorted by path; callers treat it as a set keyed
// by path.
func Scan(projectDir string) ([]merginsdk.FileInfo, error) {
	var files []merginsdk.FileInfo

	err := filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}

		relPath, err := filepath.Rel(projectDir, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		relPath = utils.NormPath(relPath)

		if d.IsDir() {
			if relPath == TempFolder || strings.HasPrefix(relPath, TempFolder+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if IsIgnored(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("scan: stat failed", "path", path, "error", err)
			return nil
		}

		checksum, err := utils.FileChecksum(path, ChunkSize)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", relPath, err)
		}

		files = append(files, merginsdk.FileInfo{
			Path:     relPath,
			Checksum: checksum,
			Size:     info.Size(),
			Mtime:    info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", projectDir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
