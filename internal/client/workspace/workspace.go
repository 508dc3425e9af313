package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/treesync/internal/utils"
)

const (
	metadataDir = ".treesync"
	logsDir     = "logs"
	lockFile    = "treesync.lock"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
	ErrNotDirectory    = errors.New("workspace root is not a directory")
)

// Workspace is a synced directory owned by at most one treesync process.
type Workspace struct {
	Root        string
	MetadataDir string
	LogsDir     string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, metadataDir)

	return &Workspace{
		Root:        root,
		MetadataDir: meta,
		LogsDir:     filepath.Join(meta, logsDir),
		flock:       flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

func (w *Workspace) Lock() error {
	// .treesync/treesync.lock keeps a second instance off the same directory
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup creates the directory layout and takes the workspace lock.
func (w *Workspace) Setup() error {
	if info, err := os.Stat(w.Root); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, w.Root)
	}

	for _, dir := range []string{w.Root, w.MetadataDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)
	return nil
}
