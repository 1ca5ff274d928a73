package sync

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreExtensions are filename extensions never synchronized: on-disk
// lock/journal files of the geodata formats and editor backups.
var IgnoreExtensions = []string{
	"gpkg-shm",
	"gpkg-wal",
	"qgs~",
	"qgz~",
	"pyc",
	"swap",
}

// IgnoreFiles are exact filenames never synchronized, including the
// baseline metadata file itself.
var IgnoreFiles = []string{
	MetadataFile,
	".DS_Store",
	".directory",
}

var ignoreMatcher = gitignore.CompileIgnoreLines(ignoreLines()...)

func ignoreLines() []string {
	lines := make([]string, 0, len(IgnoreExtensions)+len(IgnoreFiles)+1)
	for _, ext := range IgnoreExtensions {
		lines = append(lines, "*."+ext)
	}
	lines = append(lines, IgnoreFiles...)
	lines = append(lines, TempFolder+"/")
	return lines
}

// IsIgnored reports whether a forward-slash relative path is excluded from
// scanning and from every FileEntry set on the local side.
func IsIgnored(relPath string) bool {
	return ignoreMatcher.MatchesPath(relPath)
}
