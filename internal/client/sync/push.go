package sync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/lutraconsulting/mergin-go/internal/utils"
)

// push drives one upload: an internal pull to converge on the server head,
// then PrefetchInfo -> Starting -> Uploading -> Finishing. A version race
// at Starting loops back through one more pull before giving up.
func (m *Manager) push(tx *Transaction) error {
	if err := m.pull(tx); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		delta, baseline, err := m.prepareChanges(tx)
		if err != nil {
			return err
		}

		if len(delta.Added)+len(delta.Updated)+len(delta.Removed) == 0 {
			m.notifier.Notify(fmt.Sprintf("Project %s is already up-to-date", tx.FullName))
			return nil
		}

		// Starting
		start, err := m.sdk.PushStart(tx.ctx, tx.Namespace, tx.ProjectName, &merginsdk.PushStartRequest{
			Version: baseline.Version,
			Changes: *delta,
		})
		if err != nil {
			if merginsdk.IsVersionMismatch(err) && attempt == 0 {
				slog.Info("push raced a concurrent push, re-pulling", "project", tx.FullName)
				if perr := m.pull(tx); perr != nil {
					return perr
				}
				continue
			}
			return err
		}
		tx.Token = start.Transaction

		// Uploading
		if err := m.uploadChanges(tx, delta); err != nil {
			return err
		}

		// Finishing
		fin, err := m.sdk.PushFinish(tx.ctx, tx.Token)
		if err != nil {
			return err
		}
		tx.Token = ""
		tx.Version = fin.Version

		newBaseline := applyChanges(baseline, delta, fin.Version)
		if err := WriteBaseline(tx.ProjectDir, newBaseline); err != nil {
			return err
		}

		slog.Info("push finished", "project", tx.FullName, "version", fin.Version,
			"added", len(delta.Added), "updated", len(delta.Updated), "removed", len(delta.Removed))
		return nil
	}
}

// prepareChanges re-reads the baseline and re-scans the directory, then
// builds the structured delta of local changes. Conflict copies written by
// the preceding pull show up as added files here. Renames are represented
// as remove + add.
func (m *Manager) prepareChanges(tx *Transaction) (*merginsdk.ChangesPayload, *merginsdk.ProjectInfo, error) {
	baseline, err := ReadBaseline(tx.ProjectDir)
	if err != nil {
		return nil, nil, err
	}
	if baseline == nil {
		return nil, nil, fmt.Errorf("push %s: missing baseline after pull", tx.FullName)
	}

	local, err := Scan(tx.ProjectDir)
	if err != nil {
		return nil, nil, err
	}

	// The pull above made remote == baseline, so diffing against the
	// baseline on both server sides isolates the local changes.
	diff := Diff(baseline.Files, baseline.Files, local)
	tx.Diff = diff

	localByPath := byPath(local)
	delta := &merginsdk.ChangesPayload{
		Added:   []merginsdk.FileInfo{},
		Updated: []merginsdk.FileInfo{},
		Removed: []merginsdk.FileInfo{},
		Renamed: []merginsdk.FileInfo{},
	}

	for _, path := range sorted(diff.LocalAdded) {
		f := localByPath[path]
		f.Chunks = GenerateChunkIDs(f.Size)
		delta.Added = append(delta.Added, f)
	}
	for _, path := range sorted(diff.LocalUpdated) {
		f := localByPath[path]
		f.Chunks = GenerateChunkIDs(f.Size)
		delta.Updated = append(delta.Updated, f)
	}
	baseByPath := baseline.FilesByPath()
	for _, path := range sorted(diff.LocalDeleted) {
		delta.Removed = append(delta.Removed, baseByPath[path])
	}

	return delta, baseline, nil
}

// uploadChanges sends every chunk of every added and updated file, in
// order, verifying the server-computed checksum of each chunk.
func (m *Manager) uploadChanges(tx *Transaction, delta *merginsdk.ChangesPayload) error {
	files := make([]merginsdk.FileInfo, 0, len(delta.Added)+len(delta.Updated))
	files = append(files, delta.Added...)
	files = append(files, delta.Updated...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	tx.Files = files

	// the upload phase reports its own progress window, after the internal
	// pull has completed its own
	m.mu.Lock()
	tx.TotalBytes = 0
	tx.TransferredBytes = 0
	for _, f := range files {
		tx.TotalBytes += f.Size
	}
	m.mu.Unlock()

	m.notifier.PushFilesStarted()
	m.notifier.SyncProjectStatusChanged(tx.FullName, tx.progress())

	for _, f := range files {
		abs := filepath.Join(tx.ProjectDir, filepath.FromSlash(f.Path))
		for idx, chunkID := range f.Chunks {
			data, err := readChunk(abs, idx)
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.Path, err)
			}

			if err := m.uploadChunkWithRetry(tx, chunkID, f.Path, data); err != nil {
				return fmt.Errorf("upload %s chunk %d: %w", f.Path, idx, err)
			}
			m.addTransferred(tx, int64(len(data)))
		}
	}

	return nil
}

// uploadChunkWithRetry retries transient failures in place with linear
// backoff, then verifies the server's checksum of the received bytes.
func (m *Manager) uploadChunkWithRetry(tx *Transaction, chunkID, path string, data []byte) error {
	sum := utils.Checksum(data)

	var lastErr error
	for attempt := 0; attempt <= chunkRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-tx.ctx.Done():
				return tx.ctx.Err()
			case <-time.After(time.Duration(attempt) * chunkRetryBackoff):
			}
		}

		resp, err := m.sdk.PushChunk(tx.ctx, tx.Token, chunkID, data)
		if err != nil {
			if !merginsdk.Retryable(err) {
				return err
			}
			lastErr = err
			slog.Warn("chunk upload retry", "project", tx.FullName, "file", path, "attempt", attempt+1, "error", err)
			continue
		}

		if resp.Checksum != sum || resp.Size != int64(len(data)) {
			return fmt.Errorf("%w: chunk of %s: server got %s (%d B), sent %s (%d B)",
				ErrChecksumMismatch, path, resp.Checksum, resp.Size, sum, len(data))
		}
		return nil
	}
	return lastErr
}

// applyChanges derives the new baseline: the pre-push server manifest plus
// the uploaded delta at the server-assigned version.
func applyChanges(base *merginsdk.ProjectInfo, delta *merginsdk.ChangesPayload, version int) *merginsdk.ProjectInfo {
	files := base.FilesByPath()
	for _, f := range delta.Removed {
		delete(files, f.Path)
	}
	for _, f := range delta.Added {
		files[f.Path] = f
	}
	for _, f := range delta.Updated {
		files[f.Path] = f
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := *base
	out.Version = version
	out.Files = make([]merginsdk.FileInfo, 0, len(paths))
	for _, path := range paths {
		out.Files = append(out.Files, files[path])
	}
	return &out
}
