package sync

import (
	"sort"

	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
)

// Diff compares project files from three sources: the "old" server state
// (what was last applied locally, read from the baseline), the "new" server
// state (freshly fetched manifest) and the local directory content. Every
// path appearing in any source is assigned to at most one category; paths
// identical in all three sources appear in none.
//
// The function is pure and deterministic. Equality is by content checksum.
func Diff(old, new, local []merginsdk.FileInfo) ProjectDiff {
	diff := NewProjectDiff()

	oldFiles := byPath(old)
	newFiles := byPath(new)
	localFiles := byPath(local)

	for _, path := range unionPaths(oldFiles, newFiles, localFiles) {
		oldFile, inOld := oldFiles[path]
		newFile, inNew := newFiles[path]
		localFile, inLocal := localFiles[path]

		switch {
		case !inOld && inNew && !inLocal:
			diff.RemoteAdded.Add(path)

		case !inOld && !inNew && inLocal:
			diff.LocalAdded.Add(path)

		case !inOld && inNew && inLocal:
			if newFile.Checksum != localFile.Checksum {
				diff.ConflictRemoteAddedLocalAdded.Add(path)
			}
			// same new path with identical content: nothing to do

		case inOld && !inNew && !inLocal:
			// removed on both sides: nothing to do

		case inOld && inNew && !inLocal:
			if newFile.Checksum == oldFile.Checksum {
				diff.LocalDeleted.Add(path)
			} else {
				diff.ConflictRemoteUpdatedLocalDeleted.Add(path)
			}

		case inOld && !inNew && inLocal:
			if localFile.Checksum == oldFile.Checksum {
				diff.RemoteDeleted.Add(path)
			} else {
				diff.ConflictRemoteDeletedLocalUpdated.Add(path)
			}

		case inOld && inNew && inLocal:
			localChanged := localFile.Checksum != oldFile.Checksum
			remoteChanged := newFile.Checksum != oldFile.Checksum

			switch {
			case !localChanged && !remoteChanged:
				// unchanged everywhere
			case localChanged && !remoteChanged:
				diff.LocalUpdated.Add(path)
			case !localChanged && remoteChanged:
				diff.RemoteUpdated.Add(path)
			case newFile.Checksum == localFile.Checksum:
				// same edit applied locally and on the server
			default:
				diff.ConflictRemoteUpdatedLocalUpdated.Add(path)
			}
		}
	}

	return diff
}

func byPath(files []merginsdk.FileInfo) map[string]merginsdk.FileInfo {
	m := make(map[string]merginsdk.FileInfo, len(files))
	for _, f := range files {
		m[f.Path] = f
	}
	return m
}

func unionPaths(sources ...map[string]merginsdk.FileInfo) []string {
	seen := make(map[string]struct{})
	for _, src := range sources {
		for path := range src {
			seen[path] = struct{}{}
		}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
