package sync

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
)

// GenerateChunkIDs assigns one opaque identifier per UploadChunkSize slice
// of a file about to be uploaded. A zero-size file has no chunks.
func GenerateChunkIDs(size int64) []string {
	count := int((size + UploadChunkSize - 1) / UploadChunkSize)
	ids := make([]string, count)
	for i := range ids {
		ids[i] = uuid.New().String()
	}
	return ids
}

// ChunkCount returns how many chunk transfers a file needs. Server entries
// carry their chunk list; entries without one fall back to the size.
func ChunkCount(f merginsdk.FileInfo) int {
	if len(f.Chunks) > 0 {
		return len(f.Chunks)
	}
	return int((f.Size + UploadChunkSize - 1) / UploadChunkSize)
}

// readChunk reads the idx-th UploadChunkSize slice of the file at path.
// The last chunk may be shorter.
func readChunk(path string, idx int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, UploadChunkSize)
	n, err := f.ReadAt(buf, int64(idx)*UploadChunkSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d of %s: %w", idx, path, err)
	}
	return buf[:n], nil
}
