package sync

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/lutraconsulting/mergin-go/internal/utils"
)

// pull drives one update to the current server version:
// FetchingInfo -> Downloading -> Finalizing. It is also the first phase of
// every push. A failed pull restarts from FetchingInfo on the next call;
// the temp subtree is recreated each time.
func (m *Manager) pull(tx *Transaction) error {
	ctx := tx.ctx

	// FetchingInfo. The baseline is read fresh at the start of every
	// transaction to avoid stale in-memory state after external edits.
	dir, err := FindProjectDir(m.dataDir, tx.Namespace, tx.ProjectName)
	if err != nil {
		return err
	}

	var baseline *merginsdk.ProjectInfo
	if dir != "" {
		baseline, err = ReadBaseline(dir)
		if err != nil {
			return err
		}
	}

	since := merginsdk.NoVersion
	if baseline != nil {
		since = baseline.Version
	}

	remote, err := m.sdk.GetProjectInfo(ctx, tx.Namespace, tx.ProjectName, since)
	if err != nil {
		if merginsdk.IsNotFound(err) && baseline != nil {
			return fmt.Errorf("%w: %s", ErrRemoteGone, tx.FullName)
		}
		return err
	}

	if baseline == nil {
		// first-time clone into a unique directory
		dir, err = CreateUniqueProjectDir(m.dataDir, tx.ProjectName)
		if err != nil {
			return err
		}
		tx.FirstTime = true
		baseline = &merginsdk.ProjectInfo{
			Name:      tx.ProjectName,
			Namespace: tx.Namespace,
			Version:   merginsdk.NoVersion,
		}
		slog.Info("first download", "project", tx.FullName, "dir", dir)
	}

	tx.ProjectDir = dir
	tx.TempDir = filepath.Join(dir, TempFolder)
	if err := m.lockProjectDir(tx); err != nil {
		return err
	}

	if err := os.RemoveAll(tx.TempDir); err != nil {
		return fmt.Errorf("reset temp dir: %w", err)
	}
	if err := utils.EnsureDir(tx.TempDir); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	local, err := Scan(dir)
	if err != nil {
		return err
	}

	diff := Diff(baseline.Files, remote.Files, local)
	tx.Diff = diff
	if diff.HasRemoteChanges() {
		slog.Debug("pull diff", "project", tx.FullName, "diff", diff.String())
	}

	// Files requiring download, in manifest order.
	var toDownload []merginsdk.FileInfo
	for _, f := range remote.Files {
		if diff.RemoteAdded.Contains(f.Path) ||
			diff.RemoteUpdated.Contains(f.Path) ||
			diff.ConflictRemoteUpdatedLocalUpdated.Contains(f.Path) ||
			diff.ConflictRemoteAddedLocalAdded.Contains(f.Path) ||
			diff.ConflictRemoteUpdatedLocalDeleted.Contains(f.Path) {
			toDownload = append(toDownload, f)
		}
	}
	tx.Files = toDownload

	m.mu.Lock()
	for _, f := range toDownload {
		tx.TotalBytes += f.Size
	}
	m.mu.Unlock()
	m.notifier.SyncProjectStatusChanged(tx.FullName, tx.progress())

	// Downloading
	if len(toDownload) > 0 {
		m.notifier.PullFilesStarted()
	}
	for _, f := range toDownload {
		if err := m.downloadFile(tx, remote.Version, f); err != nil {
			return err
		}
	}

	// Finalizing
	if err := m.finalizePull(tx, remote, toDownload); err != nil {
		return err
	}

	tx.Version = remote.Version
	return nil
}

// downloadFile fetches all chunks of one file into the temp working
// directory, verifying the assembled content hash against the manifest.
func (m *Manager) downloadFile(tx *Transaction, version int, f merginsdk.FileInfo) error {
	dest := filepath.Join(tx.TempDir, filepath.FromSlash(f.Path))
	if err := utils.EnsureParent(dest); err != nil {
		return fmt.Errorf("download %s: %w", f.Path, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Path, err)
	}
	defer out.Close()

	hasher := sha1.New()
	writer := io.MultiWriter(out, hasher)

	for chunk := 0; chunk < ChunkCount(f); chunk++ {
		n, err := m.downloadChunkWithRetry(tx, version, f.Path, chunk, writer)
		if err != nil {
			return fmt.Errorf("download %s chunk %d: %w", f.Path, chunk, err)
		}
		m.addTransferred(tx, n)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("download %s: %w", f.Path, err)
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != f.Checksum {
		return fmt.Errorf("%w: %s: got %s, want %s", ErrChecksumMismatch, f.Path, sum, f.Checksum)
	}
	return nil
}

// downloadChunkWithRetry retries transient chunk failures in place with
// linear backoff. A partial chunk write poisons the file hash, so retries
// only apply when nothing was written.
func (m *Manager) downloadChunkWithRetry(tx *Transaction, version int, path string, chunk int, w io.Writer) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= chunkRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-tx.ctx.Done():
				return 0, tx.ctx.Err()
			case <-time.After(time.Duration(attempt) * chunkRetryBackoff):
			}
		}

		n, err := m.sdk.DownloadChunk(tx.ctx, tx.Namespace, tx.ProjectName, path, version, chunk, w)
		if err == nil {
			return n, nil
		}
		if n > 0 || !merginsdk.Retryable(err) {
			return n, err
		}
		lastErr = err
		slog.Warn("chunk download retry", "project", tx.FullName, "file", path, "chunk", chunk, "attempt", attempt+1, "error", err)
	}
	return 0, lastErr
}

// finalizePull applies the downloaded state to the project directory:
// removes remotely deleted files, preserves local bytes of conflicting
// files as conflict copies, overlays the downloaded files and writes the
// new baseline.
func (m *Manager) finalizePull(tx *Transaction, remote *merginsdk.ProjectInfo, downloaded []merginsdk.FileInfo) error {
	diff := tx.Diff

	for _, path := range sorted(diff.RemoteDeleted) {
		abs := filepath.Join(tx.ProjectDir, filepath.FromSlash(path))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		tx.downloaded++
	}

	// Server removed these files but the local edit survives: keep a copy,
	// the original is gone from the manifest.
	for _, path := range sorted(diff.ConflictRemoteDeletedLocalUpdated) {
		abs := filepath.Join(tx.ProjectDir, filepath.FromSlash(path))
		if err := utils.MoveFile(abs, ConflictCopyPath(abs)); err != nil {
			return fmt.Errorf("conflict copy %s: %w", path, err)
		}
		tx.downloaded++
	}

	// Both sides changed these files: move the local version aside before
	// the server version lands.
	conflictOverlay := diff.ConflictRemoteUpdatedLocalUpdated.Union(diff.ConflictRemoteAddedLocalAdded)
	for _, path := range sorted(conflictOverlay) {
		abs := filepath.Join(tx.ProjectDir, filepath.FromSlash(path))
		if !utils.FileExists(abs) {
			continue
		}
		if err := utils.MoveFile(abs, ConflictCopyPath(abs)); err != nil {
			return fmt.Errorf("conflict copy %s: %w", path, err)
		}
	}

	for _, f := range downloaded {
		src := filepath.Join(tx.TempDir, filepath.FromSlash(f.Path))
		dst := filepath.Join(tx.ProjectDir, filepath.FromSlash(f.Path))
		if err := utils.MoveFile(src, dst); err != nil {
			return fmt.Errorf("apply %s: %w", f.Path, err)
		}
		tx.downloaded++
	}

	if err := WriteBaseline(tx.ProjectDir, remote); err != nil {
		return err
	}

	return os.RemoveAll(tx.TempDir)
}

func sorted(s interface{ ToSlice() []string }) []string {
	paths := s.ToSlice()
	sort.Strings(paths)
	return paths
}
