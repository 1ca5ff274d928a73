package sync

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lutraconsulting/mergin-go/internal/utils"
)

const conflictCopySuffix = "_conflict_copy"

// ConflictCopyPath returns a non-existing sibling path that preserves the
// user's local bytes when the server version overrides them:
// `a.txt` -> `a_conflict_copy.txt`, then `a_conflict_copy (2).txt`, … when
// earlier copies are still around.
func ConflictCopyPath(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)

	candidate := stem + conflictCopySuffix + ext
	for k := 2; utils.FileExists(candidate); k++ {
		candidate = fmt.Sprintf("%s%s (%d)%s", stem, conflictCopySuffix, k, ext)
	}
	return candidate
}
