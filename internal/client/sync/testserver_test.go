package sync

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	stdsync "sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/lutraconsulting/mergin-go/internal/utils"
)

// testServer is an in-memory Mergin server good enough to drive the pull
// and push pipelines end to end.
type testServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        stdsync.Mutex
	ns        string
	name      string
	version   int
	snapshots map[int]map[string][]byte // version -> path -> content
	deleted   bool

	txSeq int
	txs   map[string]*serverTx

	cancelCalls int
	pushStarts  int

	// test hooks, all optional
	beforePushStart  func()
	onChunkStored    func(chunkID string)
	failChunks       int  // answer 503 to this many chunk uploads first
	corruptDownloads bool // serve flipped bytes so file hashes never match
}

type serverTx struct {
	changes merginsdk.ChangesPayload
	chunks  map[string][]byte
}

func newTestServer(t *testing.T, ns, name string) *testServer {
	s := &testServer{
		t:         t,
		ns:        ns,
		name:      name,
		version:   0,
		snapshots: map[int]map[string][]byte{0: {}},
		txs:       make(map[string]*serverTx),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /v1/project/raw/{ns}/{name}", s.handleDownloadChunk)
	mux.HandleFunc("GET /v1/project/{ns}/{name}", s.handleProjectInfo)
	mux.HandleFunc("POST /v1/project/push/{ns}/{name}", s.handlePushStart)
	mux.HandleFunc("POST /v1/project/push/chunk/{tx}/{chunk}", s.handlePushChunk)
	mux.HandleFunc("POST /v1/project/push/finish/{tx}", s.handlePushFinish)
	mux.HandleFunc("POST /v1/project/push/cancel/{tx}", s.handlePushCancel)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *testServer) URL() string { return s.srv.URL }

func (s *testServer) client() *merginsdk.Client {
	return merginsdk.New(s.srv.URL, merginsdk.WithToken("test-token"))
}

// setFiles replaces the server content, bumping the version.
func (s *testServer) setFiles(files map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	snapshot := make(map[string][]byte, len(files))
	for path, content := range files {
		snapshot[path] = append([]byte(nil), content...)
	}
	s.snapshots[s.version] = snapshot
}

func (s *testServer) currentFiles() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for path, content := range s.snapshots[s.version] {
		out[path] = append([]byte(nil), content...)
	}
	return out
}

func (s *testServer) currentVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *testServer) manifestLocked() *merginsdk.ProjectInfo {
	snapshot := s.snapshots[s.version]

	paths := make([]string, 0, len(snapshot))
	for path := range snapshot {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	info := &merginsdk.ProjectInfo{
		Name:      s.name,
		Namespace: s.ns,
		Version:   s.version,
		Updated:   "2026-08-01T00:00:00Z",
		Creator:   1,
		Writers:   []int{1},
	}
	for _, path := range paths {
		content := snapshot[path]
		info.Files = append(info.Files, merginsdk.FileInfo{
			Path:     path,
			Checksum: utils.Checksum(content),
			Size:     int64(len(content)),
		})
	}
	return info
}

func (s *testServer) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, merginsdk.PingResponse{Version: "2019.4"})
}

func (s *testServer) handleProjectInfo(w http.ResponseWriter, r *http.Request) {
	if !s.checkProject(w, r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "project not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.manifestLocked())
}

func (s *testServer) handleDownloadChunk(w http.ResponseWriter, r *http.Request) {
	if !s.checkProject(w, r) {
		return
	}

	file := r.URL.Query().Get("file")
	versionStr := strings.TrimPrefix(r.URL.Query().Get("version"), "v")
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad version"})
		return
	}
	chunk, err := strconv.Atoi(r.URL.Query().Get("chunk"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad chunk"})
		return
	}

	s.mu.Lock()
	snapshot, ok := s.snapshots[version]
	content, fileOK := snapshot[file]
	s.mu.Unlock()

	if !ok || !fileOK {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "file not found"})
		return
	}

	start := chunk * UploadChunkSize
	if start > len(content) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "chunk out of range"})
		return
	}
	end := start + UploadChunkSize
	if end > len(content) {
		end = len(content)
	}

	body := content[start:end]
	if s.corruptDownloads {
		corrupted := make([]byte, len(body))
		for i, b := range body {
			corrupted[i] = b ^ 0xFF
		}
		body = corrupted
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(body)
}

func (s *testServer) handlePushStart(w http.ResponseWriter, r *http.Request) {
	if !s.checkProject(w, r) {
		return
	}

	if s.beforePushStart != nil {
		s.beforePushStart()
	}

	var start merginsdk.PushStartRequest
	if err := json.NewDecoder(r.Body).Decode(&start); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad payload"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushStarts++
	if start.Version != s.version {
		writeJSON(w, http.StatusConflict, map[string]string{
			"detail": fmt.Sprintf("version mismatch: client %d, server %d", start.Version, s.version),
		})
		return
	}

	s.txSeq++
	txID := fmt.Sprintf("tx-%d", s.txSeq)
	s.txs[txID] = &serverTx{changes: start.Changes, chunks: make(map[string][]byte)}

	writeJSON(w, http.StatusOK, merginsdk.PushStartResponse{Transaction: txID})
}

func (s *testServer) handlePushChunk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "read body"})
		return
	}

	s.mu.Lock()
	if s.failChunks > 0 {
		s.failChunks--
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "try later"})
		return
	}

	tx, ok := s.txs[r.PathValue("tx")]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown transaction"})
		return
	}

	chunkID := r.PathValue("chunk")
	tx.chunks[chunkID] = body
	s.mu.Unlock()

	if s.onChunkStored != nil {
		s.onChunkStored(chunkID)
	}

	writeJSON(w, http.StatusOK, merginsdk.PushChunkResponse{
		Size:     int64(len(body)),
		Checksum: utils.Checksum(body),
	})
}

func (s *testServer) handlePushFinish(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID := r.PathValue("tx")
	tx, ok := s.txs[txID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown transaction"})
		return
	}

	next := make(map[string][]byte)
	for path, content := range s.snapshots[s.version] {
		next[path] = content
	}
	for _, f := range tx.changes.Removed {
		delete(next, f.Path)
	}
	for _, f := range append(tx.changes.Added, tx.changes.Updated...) {
		var content []byte
		for _, chunkID := range f.Chunks {
			chunk, ok := tx.chunks[chunkID]
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing chunk " + chunkID})
				return
			}
			content = append(content, chunk...)
		}
		if utils.Checksum(content) != f.Checksum {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "checksum mismatch on " + f.Path})
			return
		}
		next[f.Path] = content
	}

	s.version++
	s.snapshots[s.version] = next
	delete(s.txs, txID)

	writeJSON(w, http.StatusOK, merginsdk.PushFinishResponse{Version: s.version})
}

func (s *testServer) handlePushCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelCalls++
	delete(s.txs, r.PathValue("tx"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *testServer) checkProject(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("ns") != s.ns || r.PathValue("name") != s.name {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "project not found"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
