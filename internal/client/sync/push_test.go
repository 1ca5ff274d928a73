package sync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/lutraconsulting/mergin-go/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanPush(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgr, notifier := newTestManager(t, srv)
	dir, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x05}, 5*1024*1024) // single chunk
	writeFile(t, dir, "c.bin", payload)

	before := srv.currentVersion()
	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	assert.Equal(t, before+1, srv.currentVersion())
	assert.Equal(t, payload, srv.currentFiles()["c.bin"])
	assert.Equal(t, 1, notifier.pushesStarted)

	baseline, err := ReadBaseline(dir)
	require.NoError(t, err)
	assert.Equal(t, before+1, baseline.Version)

	var uploaded bool
	for _, f := range baseline.Files {
		if f.Path == "c.bin" {
			uploaded = true
			assert.Equal(t, utils.Checksum(payload), f.Checksum)
			assert.Len(t, f.Chunks, 1)
		}
	}
	assert.True(t, uploaded, "baseline must include the pushed file")
}

func TestPushUpdateAndDelete(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{
		"a.txt": []byte("base"),
		"b.txt": []byte("doomed"),
	})

	mgr, _ := newTestManager(t, srv)
	dir, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	writeFile(t, dir, "a.txt", []byte("edited"))
	require.NoError(t, os.Remove(filepath.Join(dir, "b.txt")))

	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	remote := srv.currentFiles()
	assert.Equal(t, []byte("edited"), remote["a.txt"])
	_, exists := remote["b.txt"]
	assert.False(t, exists)
}

func TestPushNoChanges(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgr, notifier := newTestManager(t, srv)
	_, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	before := srv.currentVersion()
	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	assert.Equal(t, before, srv.currentVersion())
	assert.Equal(t, 0, srv.pushStarts)
	require.NotEmpty(t, notifier.notifies)
	assert.Contains(t, notifier.notifies[0], "up-to-date")
}

// TestPushVersionRace covers the chained update: the client is behind the
// server head when it uploads, so the push internally pulls first and lands
// one version above the head.
func TestPushVersionRace(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgr, _ := newTestManager(t, srv)
	dir, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	// server moves ahead while the client works offline
	srv.setFiles(map[string][]byte{
		"a.txt":      []byte("base"),
		"remote.txt": []byte("from elsewhere"),
	})
	head := srv.currentVersion()

	writeFile(t, dir, "c.txt", []byte("local work"))

	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	assert.Equal(t, head+1, srv.currentVersion())
	assert.Equal(t, []byte("from elsewhere"), readProjectFile(t, dir, "remote.txt"))
	assert.Equal(t, []byte("local work"), srv.currentFiles()["c.txt"])

	baseline, err := ReadBaseline(dir)
	require.NoError(t, err)
	assert.Equal(t, head+1, baseline.Version)
}

// TestPushStartVersionMismatch covers a push racing a concurrent push
// between the internal pull and the start request: one re-pull, then retry.
func TestPushStartVersionMismatch(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgr, _ := newTestManager(t, srv)
	dir, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	var raced bool
	srv.beforePushStart = func() {
		if !raced {
			raced = true
			srv.setFiles(map[string][]byte{
				"a.txt":      []byte("base"),
				"racer.txt":  []byte("concurrent push"),
			})
		}
	}

	writeFile(t, dir, "c.txt", []byte("local work"))

	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	assert.Equal(t, 2, srv.pushStarts, "first start hits 409, second succeeds")
	assert.Equal(t, []byte("local work"), srv.currentFiles()["c.txt"])
	assert.Equal(t, []byte("concurrent push"), readProjectFile(t, dir, "racer.txt"))
}

func TestPushChunkRetry(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgr, _ := newTestManager(t, srv)
	dir, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	srv.failChunks = 2
	writeFile(t, dir, "c.txt", []byte("eventually lands"))

	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)
	assert.Equal(t, []byte("eventually lands"), srv.currentFiles()["c.txt"])
}

func TestPushCancelMidChunk(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgr, notifier := newTestManager(t, srv)
	dir, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	writeFile(t, dir, "big.bin", bytes.Repeat([]byte{0x77}, 12*1024*1024)) // two chunks

	var once stdsync.Once
	srv.onChunkStored = func(string) {
		once.Do(func() {
			mgr.UploadCancel("ns/demo")
		})
	}

	before := srv.currentVersion()
	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Equal(t, before, srv.currentVersion(), "cancelled push must not land")
	assert.GreaterOrEqual(t, srv.cancelCalls, 1, "server transaction released")
	assert.NoDirExists(t, filepath.Join(dir, TempFolder))
	assert.Equal(t, -1.0, mgr.Progress("ns/demo"))

	success, ok := notifier.lastFinished()
	require.True(t, ok)
	assert.False(t, success)

	// a fresh upload succeeds from scratch
	srv.onChunkStored = nil
	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)
	assert.Equal(t, before+1, srv.currentVersion())
}

// TestPushUploadsConflictCopies: copies produced by the internal pull are
// new local files and get uploaded by the same push.
func TestPushUploadsConflictCopies(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgr, _ := newTestManager(t, srv)
	dir, err := mgr.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	writeFile(t, dir, "a.txt", []byte("local edit"))
	srv.setFiles(map[string][]byte{"a.txt": []byte("server edit")})

	_, err = mgr.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	remote := srv.currentFiles()
	assert.Equal(t, []byte("server edit"), remote["a.txt"])
	assert.Equal(t, []byte("local edit"), remote["a_conflict_copy.txt"])
}

// TestRoundTrip pushes from one client and pulls on another: bytes and
// manifests must agree on both sides.
func TestRoundTrip(t *testing.T) {
	srv := newTestServer(t, "ns", "demo")
	srv.setFiles(map[string][]byte{"a.txt": []byte("base")})

	mgrA, _ := newTestManager(t, srv)
	dirA, err := mgrA.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	writeFile(t, dirA, "data/new.gpkg", []byte("payload from A"))
	_, err = mgrA.UploadProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	mgrB, _ := newTestManager(t, srv)
	dirB, err := mgrB.UpdateProject(context.Background(), "ns", "demo")
	require.NoError(t, err)

	assert.Equal(t, readProjectFile(t, dirA, "data/new.gpkg"), readProjectFile(t, dirB, "data/new.gpkg"))
	assert.Equal(t, readProjectFile(t, dirA, "a.txt"), readProjectFile(t, dirB, "a.txt"))

	baseA, err := ReadBaseline(dirA)
	require.NoError(t, err)
	baseB, err := ReadBaseline(dirB)
	require.NoError(t, err)

	assert.Equal(t, baseA.Version, baseB.Version)
	require.Len(t, baseB.Files, len(baseA.Files))
	filesB := baseB.FilesByPath()
	for _, f := range baseA.Files {
		assert.Equal(t, f.Checksum, filesB[f.Path].Checksum, f.Path)
		assert.Equal(t, f.Size, filesB[f.Path].Size, f.Path)
	}
}
