package sync

import (
	"context"

	"github.com/gofrs/flock"
	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
)

// Kind distinguishes the two transaction pipelines.
type Kind int

const (
	Pull Kind = iota + 1
	Push
)

func (k Kind) String() string {
	switch k {
	case Pull:
		return "pull"
	case Push:
		return "push"
	default:
		return "unknown"
	}
}

// Transaction is the record of one in-flight pull or push for one project.
// It is created by the orchestrator at begin, mutated only by the pipeline
// goroutine, and destroyed on success, cancel or failure.
type Transaction struct {
	Kind        Kind
	FullName    string
	Namespace   string
	ProjectName string

	ProjectDir string
	TempDir    string

	// FirstTime marks an initial clone; on failure the whole created
	// project directory is removed.
	FirstTime bool

	// Version is the version being pulled to / the version produced by a
	// finished push.
	Version int

	// Token is the server-issued upload transaction id. Empty until the
	// server confirms the push start, cleared again on finish/cancel.
	Token string

	// Files enqueued for transfer, in manifest order.
	Files []merginsdk.FileInfo

	Diff ProjectDiff

	TotalBytes       int64
	TransferredBytes int64

	// downloaded counts files the pull phase changed on disk: downloaded
	// files placed, remotely deleted files removed, conflict copies made.
	downloaded int

	ctx    context.Context
	cancel context.CancelFunc
	lock   *flock.Flock
}

// TransactionInfo is a read-only snapshot exposed by Transactions().
type TransactionInfo struct {
	Kind             Kind
	TotalBytes       int64
	TransferredBytes int64
	Version          int
	FirstTime        bool
}

// progress returns the bounded transfer ratio for this transaction.
func (tx *Transaction) progress() float64 {
	if tx.TotalBytes <= 0 {
		return 0
	}
	p := float64(tx.TransferredBytes) / float64(tx.TotalBytes)
	if p > 1 {
		p = 1
	}
	return p
}
