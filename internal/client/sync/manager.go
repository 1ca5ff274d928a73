package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	syncpkg "sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/lutraconsulting/mergin-go/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Manager is the sync orchestrator: it owns the per-project transaction map
// and composes the pull and push pipelines. At most one transaction runs
// per project at any time.
type Manager struct {
	sdk      *merginsdk.Client
	dataDir  string
	notifier Notifier

	mu     syncpkg.Mutex
	active map[string]*Transaction
}

type ManagerOption func(*Manager)

// WithNotifier routes lifecycle events to n instead of discarding them.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// NewManager creates an orchestrator for projects stored under dataDir.
func NewManager(sdk *merginsdk.Client, dataDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		sdk:      sdk,
		dataDir:  dataDir,
		notifier: NopNotifier{},
		active:   make(map[string]*Transaction),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DataDir returns the root folder containing all local projects.
func (m *Manager) DataDir() string { return m.dataDir }

// UpdateProject pulls the project to the current server version, cloning it
// into a fresh directory when it does not exist locally yet. Returns the
// project directory.
func (m *Manager) UpdateProject(ctx context.Context, ns, name string) (string, error) {
	tx, err := m.begin(ctx, Pull, ns, name)
	if err != nil {
		return "", err
	}

	err = m.pull(tx)
	return tx.ProjectDir, m.finish(tx, err)
}

// UploadProject pushes local changes. It first runs an internal pull so the
// baseline matches the server head; conflict copies produced by that pull
// are new local files and get uploaded too.
func (m *Manager) UploadProject(ctx context.Context, ns, name string) (string, error) {
	tx, err := m.begin(ctx, Push, ns, name)
	if err != nil {
		return "", err
	}

	err = m.push(tx)
	return tx.ProjectDir, m.finish(tx, err)
}

// UpdateCancel aborts a pending pull for the project. Idempotent; a
// cancelled transaction never resumes.
func (m *Manager) UpdateCancel(projectFullName string) {
	m.cancelTransaction(projectFullName)
}

// UploadCancel aborts a pending push. If a server transaction token was
// already issued, a best-effort cancel request is sent during cleanup.
func (m *Manager) UploadCancel(projectFullName string) {
	m.cancelTransaction(projectFullName)
}

func (m *Manager) cancelTransaction(projectFullName string) {
	m.mu.Lock()
	tx := m.active[projectFullName]
	m.mu.Unlock()

	if tx == nil {
		return
	}
	slog.Info("sync cancel", "project", projectFullName, "kind", tx.Kind)
	tx.cancel()
}

// Progress returns the transfer ratio in [0, 1] for an active transaction,
// or -1 when no transaction is pending for the project.
func (m *Manager) Progress(projectFullName string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.active[projectFullName]
	if tx == nil {
		return -1
	}
	return tx.progress()
}

// Transactions returns a snapshot of all active transactions keyed by full
// project name. Useful for tests and status displays.
func (m *Manager) Transactions() map[string]TransactionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TransactionInfo, len(m.active))
	for name, tx := range m.active {
		out[name] = TransactionInfo{
			Kind:             tx.Kind,
			TotalBytes:       tx.TotalBytes,
			TransferredBytes: tx.TransferredBytes,
			Version:          tx.Version,
			FirstTime:        tx.FirstTime,
		}
	}
	return out
}

// SyncAll updates several projects concurrently with bounded parallelism.
// Transactions between projects are independent and may interleave.
func (m *Manager) SyncAll(ctx context.Context, projectFullNames []string, workers int) error {
	if workers <= 0 {
		workers = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, fullName := range projectFullNames {
		g.Go(func() error {
			ns, name, err := SplitFullName(fullName)
			if err != nil {
				return err
			}
			if _, err := m.UpdateProject(ctx, ns, name); err != nil {
				return fmt.Errorf("%s: %w", fullName, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// SplitFullName splits `namespace/name` into its parts.
func SplitFullName(fullName string) (ns, name string, err error) {
	idx := strings.LastIndex(fullName, "/")
	if idx <= 0 || idx == len(fullName)-1 {
		return "", "", fmt.Errorf("sync: invalid project name %q, expected namespace/name", fullName)
	}
	return fullName[:idx], fullName[idx+1:], nil
}

// begin installs a transaction for the project, enforcing the
// one-transaction-per-project rule.
func (m *Manager) begin(ctx context.Context, kind Kind, ns, name string) (*Transaction, error) {
	fullName := FullProjectName(ns, name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[fullName]; exists {
		return nil, fmt.Errorf("%s: %w", fullName, ErrBusy)
	}

	txCtx, cancel := context.WithCancel(ctx)
	tx := &Transaction{
		Kind:        kind,
		FullName:    fullName,
		Namespace:   ns,
		ProjectName: name,
		Version:     merginsdk.NoVersion,
		ctx:         txCtx,
		cancel:      cancel,
	}
	m.active[fullName] = tx

	slog.Info("sync begin", "project", fullName, "kind", kind)
	return tx, nil
}

// finish tears the transaction down: releases the server token, removes the
// temp subtree, drops a half-created clone on failure and emits the
// terminal events. Returns err unchanged for the caller.
func (m *Manager) finish(tx *Transaction, err error) error {
	// release the server-side transaction if it is still held
	if tx.Token != "" {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if cerr := m.sdk.PushCancel(cancelCtx, tx.Token); cerr != nil {
			slog.Warn("push cancel failed", "project", tx.FullName, "error", cerr)
		}
		cancel()
		tx.Token = ""
	}

	if tx.TempDir != "" {
		if rerr := os.RemoveAll(tx.TempDir); rerr != nil {
			slog.Warn("temp cleanup failed", "project", tx.FullName, "error", rerr)
		}
	}

	if tx.lock != nil {
		tx.lock.Unlock()
	}

	if err != nil && tx.FirstTime && tx.ProjectDir != "" {
		if rerr := os.RemoveAll(tx.ProjectDir); rerr != nil {
			slog.Warn("clone cleanup failed", "project", tx.FullName, "error", rerr)
		}
	}

	m.mu.Lock()
	delete(m.active, tx.FullName)
	m.mu.Unlock()

	tx.cancel()

	success := err == nil
	if success {
		m.notifier.SyncProjectStatusChanged(tx.FullName, 1)
		if tx.downloaded > 0 {
			m.notifier.ReloadProject(tx.ProjectDir)
		}
		slog.Info("sync done", "project", tx.FullName, "kind", tx.Kind, "version", tx.Version)
	} else {
		m.emitError(tx, err)
		slog.Error("sync failed", "project", tx.FullName, "kind", tx.Kind, "error", err)
	}
	m.notifier.SyncProjectFinished(tx.ProjectDir, tx.FullName, success)

	return err
}

func (m *Manager) emitError(tx *Transaction, err error) {
	if errors.Is(err, context.Canceled) {
		// user-initiated, not an error to report
		return
	}

	msg := fmt.Sprintf("Sync of %s failed", tx.FullName)
	detail := err.Error()
	dialog := false

	var ce *merginsdk.ClientError
	if errors.As(err, &ce) && ce.Detail != "" {
		detail = ce.Detail
	}
	if errors.Is(err, ErrRemoteGone) {
		msg = fmt.Sprintf("Project %s no longer exists on the server", tx.FullName)
		dialog = true
	}

	m.notifier.NetworkErrorOccurred(msg, detail, dialog)
}

// addTransferred bumps progress and emits a status event. Progress is
// monotonic within the current transfer window (the pull, or a push's
// upload phase, which restarts at 0).
func (m *Manager) addTransferred(tx *Transaction, n int64) {
	m.mu.Lock()
	tx.TransferredBytes += n
	p := tx.progress()
	m.mu.Unlock()

	m.notifier.SyncProjectStatusChanged(tx.FullName, p)
}

// lockProjectDir takes the cross-process lock for the project. The lock
// lives under the data dir so temp cleanup never disturbs it.
func (m *Manager) lockProjectDir(tx *Transaction) error {
	if tx.lock != nil {
		return nil
	}

	lockDir := filepath.Join(m.dataDir, ".locks")
	if err := utils.EnsureDir(lockDir); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}

	lockName := strings.ReplaceAll(tx.FullName, "/", "_") + ".lock"
	lock := flock.New(filepath.Join(lockDir, lockName))

	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock project: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s locked by another process: %w", tx.FullName, ErrBusy)
	}

	tx.lock = lock
	return nil
}
