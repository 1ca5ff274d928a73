package sync

import (
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	// ChunkSize is the buffer size for streaming reads and hashing.
	ChunkSize = 65536

	// UploadChunkSize is the size of one uploaded chunk. Must match the
	// server-side constant.
	UploadChunkSize = 10 * 1024 * 1024

	// MetadataFile is the baseline manifest persisted in every
	// synchronized project directory.
	MetadataFile = "mergin.json"

	// TempFolder holds in-flight transaction data under the project dir.
	TempFolder = ".temp"

	// chunkRetryCount and chunkRetryBackoff govern in-place retries of
	// failed chunk transfers (linear backoff).
	chunkRetryCount   = 3
	chunkRetryBackoff = time.Second
)

var (
	// ErrBusy is returned when a transaction is already active for the
	// project, or its directory is locked by another client process.
	ErrBusy = errors.New("sync: another transaction is already in progress")

	// ErrChecksumMismatch is fatal for the transaction: a transferred file
	// or chunk did not hash to the expected digest.
	ErrChecksumMismatch = errors.New("sync: checksum mismatch")

	// ErrRemoteGone is returned when a previously synchronized project no
	// longer exists on the server.
	ErrRemoteGone = errors.New("sync: project no longer exists on the server")
)

// ProjectDiff classifies every changed path of a project into exactly one
// category, comparing the stored baseline ("old" server state), the fresh
// server manifest ("new") and the local directory content.
type ProjectDiff struct {
	// changes that should be pushed
	LocalAdded   mapset.Set[string]
	LocalUpdated mapset.Set[string]
	LocalDeleted mapset.Set[string]

	// changes that should be pulled
	RemoteAdded   mapset.Set[string]
	RemoteUpdated mapset.Set[string]
	RemoteDeleted mapset.Set[string]

	// conflicts resolved by making a copy of the local file
	ConflictRemoteUpdatedLocalUpdated mapset.Set[string]
	ConflictRemoteAddedLocalAdded     mapset.Set[string]

	// conflicts resolved by keeping the surviving version
	ConflictRemoteDeletedLocalUpdated mapset.Set[string]
	ConflictRemoteUpdatedLocalDeleted mapset.Set[string]
}

func NewProjectDiff() ProjectDiff {
	return ProjectDiff{
		LocalAdded:                        mapset.NewThreadUnsafeSet[string](),
		LocalUpdated:                      mapset.NewThreadUnsafeSet[string](),
		LocalDeleted:                      mapset.NewThreadUnsafeSet[string](),
		RemoteAdded:                       mapset.NewThreadUnsafeSet[string](),
		RemoteUpdated:                     mapset.NewThreadUnsafeSet[string](),
		RemoteDeleted:                     mapset.NewThreadUnsafeSet[string](),
		ConflictRemoteUpdatedLocalUpdated: mapset.NewThreadUnsafeSet[string](),
		ConflictRemoteAddedLocalAdded:     mapset.NewThreadUnsafeSet[string](),
		ConflictRemoteDeletedLocalUpdated: mapset.NewThreadUnsafeSet[string](),
		ConflictRemoteUpdatedLocalDeleted: mapset.NewThreadUnsafeSet[string](),
	}
}

// HasLocalChanges reports whether anything needs to be pushed.
func (d ProjectDiff) HasLocalChanges() bool {
	return d.LocalAdded.Cardinality() > 0 ||
		d.LocalUpdated.Cardinality() > 0 ||
		d.LocalDeleted.Cardinality() > 0
}

// HasRemoteChanges reports whether anything needs to be pulled.
func (d ProjectDiff) HasRemoteChanges() bool {
	return d.RemoteAdded.Cardinality() > 0 ||
		d.RemoteUpdated.Cardinality() > 0 ||
		d.RemoteDeleted.Cardinality() > 0 ||
		d.HasConflicts()
}

func (d ProjectDiff) HasConflicts() bool {
	return d.ConflictRemoteUpdatedLocalUpdated.Cardinality() > 0 ||
		d.ConflictRemoteAddedLocalAdded.Cardinality() > 0 ||
		d.ConflictRemoteDeletedLocalUpdated.Cardinality() > 0 ||
		d.ConflictRemoteUpdatedLocalDeleted.Cardinality() > 0
}

func (d ProjectDiff) String() string {
	return fmt.Sprintf(
		"local: %d added, %d updated, %d deleted; remote: %d added, %d updated, %d deleted; conflicts: %d RU-LU, %d RA-LA, %d RD-LU, %d RU-LD",
		d.LocalAdded.Cardinality(), d.LocalUpdated.Cardinality(), d.LocalDeleted.Cardinality(),
		d.RemoteAdded.Cardinality(), d.RemoteUpdated.Cardinality(), d.RemoteDeleted.Cardinality(),
		d.ConflictRemoteUpdatedLocalUpdated.Cardinality(), d.ConflictRemoteAddedLocalAdded.Cardinality(),
		d.ConflictRemoteDeletedLocalUpdated.Cardinality(), d.ConflictRemoteUpdatedLocalDeleted.Cardinality(),
	)
}

// FullProjectName returns the orchestrator key `namespace/name`.
func FullProjectName(ns, name string) string {
	return ns + "/" + name
}
