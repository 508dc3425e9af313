package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/syncmsg"
)

// ConflictDecision is the answer to diverged local and remote state.
type ConflictDecision uint8

const (
	DecisionCancel ConflictDecision = iota
	DecisionMerge
	DecisionReset
)

func (d ConflictDecision) String() string {
	switch d {
	case DecisionCancel:
		return "cancel"
	case DecisionMerge:
		return "merge"
	case DecisionReset:
		return "reset"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// ParseConflictDecision accepts cancel, merge or reset.
func ParseConflictDecision(s string) (ConflictDecision, error) {
	switch s {
	case "cancel":
		return DecisionCancel, nil
	case "merge":
		return DecisionMerge, nil
	case "reset":
		return DecisionReset, nil
	default:
		return DecisionCancel, fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// ConflictPrompt describes the divergence shown to the user.
type ConflictPrompt struct {
	Dir              string
	LocalChanges     []string
	HasRemoteChanges bool
	LocalVersion     syncmsg.Version
	RemoteVersion    syncmsg.Version
}

// Prompter asks the user how to resolve local changes found at startup.
type Prompter interface {
	ResolveConflict(ctx context.Context, prompt *ConflictPrompt) (ConflictDecision, error)
}

// StaticPrompter always answers with the same decision.
type StaticPrompter ConflictDecision

func (p StaticPrompter) ResolveConflict(context.Context, *ConflictPrompt) (ConflictDecision, error) {
	return ConflictDecision(p), nil
}

// localFile is a file found by the reconciliation walk.
type localFile struct {
	rel     string
	modTime time.Time
}

// Reconciler detects divergence once at startup and applies the chosen decision.
type Reconciler struct {
	session *SyncSession
}

func newReconciler(session *SyncSession) *Reconciler {
	return &Reconciler{session: session}
}

func (r *Reconciler) Run(ctx context.Context) error {
	s := r.session

	remoteVersion, err := s.remote.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("sync: query remote version: %w", err)
	}

	localVersion := s.metadata.Version()
	hasRemoteChanges := remoteVersion.Greater(localVersion)

	changed, err := r.scan()
	if err != nil {
		return err
	}

	slog.Info("sync", "op", "reconcile", "local", localVersion, "remote", remoteVersion,
		"remoteChanges", hasRemoteChanges, "localChanges", len(changed))

	if len(changed) == 0 {
		return nil
	}

	if s.opts.Prompter == nil {
		return ErrNoPrompter
	}

	prompt := &ConflictPrompt{
		Dir:              s.root,
		LocalChanges:     relPaths(changed),
		HasRemoteChanges: hasRemoteChanges,
		LocalVersion:     localVersion,
		RemoteVersion:    remoteVersion,
	}
	decision, err := s.opts.Prompter.ResolveConflict(ctx, prompt)
	if err != nil {
		return fmt.Errorf("sync: conflict prompt: %w", err)
	}

	slog.Info("sync", "op", "reconcile", "decision", decision)

	switch decision {
	case DecisionCancel:
		return ErrSyncCanceled
	case DecisionMerge:
		return r.merge(ctx, remoteVersion)
	case DecisionReset:
		return r.reset(changed)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDecision, decision)
	}
}

// scan walks the tree and returns the files modified after the mtime watermark.
func (r *Reconciler) scan() ([]localFile, error) {
	s := r.session
	limit := s.opts.MaxScanFiles
	seen := 0

	var changed []localFile
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == s.root {
			return nil
		}

		rel, ok := s.relPath(path)
		if !ok {
			return nil
		}
		if s.ignore.ShouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		seen++
		if seen > limit {
			return fmt.Errorf("%w: more than %d files under %s, add rules to %s to exclude build output and dependencies",
				ErrTooManyFiles, limit, s.root, IgnoreFileName)
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			return err
		}
		if s.metadata.ModifiedAfterWatermark(info.ModTime()) {
			changed = append(changed, localFile{rel: rel, modTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// merge publishes the current local changes on top of remoteVersion.
// The local version stays behind; the subscriber brings it forward.
func (r *Reconciler) merge(ctx context.Context, remoteVersion syncmsg.Version) error {
	s := r.session

	// files may have changed while the prompt was open
	changed, err := r.scan()
	if err != nil {
		return err
	}

	cs := syncmsg.NewChangeSet()
	var newest time.Time
	var size int64
	for _, f := range changed {
		data, info, err := s.readFile(f.rel)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("sync: merge read %s: %w", f.rel, err)
		}
		cs.Put(&syncmsg.FileRecord{Path: f.rel, Mode: info.Mode().Perm(), Content: data})
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		size += int64(len(data))
	}

	if cs.Len() == 0 {
		return nil
	}

	batch := cs.Batch()
	batch.ExpectedVersion = remoteVersion

	version, err := s.remote.Publish(ctx, batch)
	if err != nil {
		return fmt.Errorf("sync: merge publish: %w", err)
	}

	s.metadata.AdvanceMTime(newest)
	slog.Info("sync", "op", "merge", "files", cs.Len(), "size", humanize.Bytes(uint64(size)),
		"expected", remoteVersion, "version", version, "local", s.metadata.Version())
	return s.metadata.Save()
}

// reset drops the local changes and replays the remote history from zero.
func (r *Reconciler) reset(changed []localFile) error {
	s := r.session

	for _, f := range changed {
		abs, err := s.absPath(f.rel)
		if err != nil {
			continue
		}
		if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("sync: reset remove %s: %w", f.rel, err)
		}
	}

	s.metadata.ResetVersion()
	slog.Info("sync", "op", "reset", "removed", len(changed))
	return s.metadata.Save()
}

func relPaths(files []localFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.rel
	}
	return out
}
