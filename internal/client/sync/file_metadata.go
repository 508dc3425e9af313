package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/openmined/treesync/internal/utils"
)

const metadataFileName = "metadata.json"

var ErrMetadataUnreadable = errors.New("sync: metadata unreadable")

// lastWritten is the persisted high-water mark.
// MTime is in unix milliseconds.
type lastWritten struct {
	Version syncmsg.Version `json:"version"`
	MTime   int64           `json:"mtime"`
}

type metadataFile struct {
	LastWritten lastWritten `json:"lastWritten"`
}

// MetadataStore keeps the version and mtime watermarks of a synced directory.
// The version never moves backwards except through an explicit reset.
type MetadataStore struct {
	path  string
	mu    sync.RWMutex
	state lastWritten
	dirty bool

	// holds maps paths with unconfirmed local edits to their mtime in unix ms
	holds map[string]int64
}

func NewMetadataStore(rootDir string) *MetadataStore {
	return &MetadataStore{
		path:  filepath.Join(rootDir, MetadataDirName, metadataFileName),
		state: lastWritten{Version: syncmsg.ZeroVersion},
		holds: make(map[string]int64),
	}
}

func (m *MetadataStore) Path() string {
	return m.path
}

// Load reads the metadata file. A missing or corrupt file yields the zero state.
// Any other read failure is returned wrapped in ErrMetadataUnreadable.
func (m *MetadataStore) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = lastWritten{Version: syncmsg.ZeroVersion}
	m.dirty = false
	clear(m.holds)

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("sync metadata missing, starting from zero", "path", m.path)
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: %w", ErrMetadataUnreadable, err)
	}

	var file metadataFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("sync metadata corrupt, starting from zero", "path", m.path, "error", err)
		return nil
	}

	version, err := syncmsg.ParseVersion(string(file.LastWritten.Version))
	if err != nil {
		slog.Warn("sync metadata version invalid, starting from zero", "path", m.path, "error", err)
		return nil
	}

	m.state = lastWritten{Version: version, MTime: max(file.LastWritten.MTime, 0)}
	return nil
}

// Save writes the metadata atomically. The saved mtime watermark stays below
// every held edit so the next start reports those files as changed.
func (m *MetadataStore) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(metadataFile{LastWritten: m.persistedLocked()}, "", "  ")
	if err != nil {
		return err
	}

	if err := utils.WriteFileAtomic(m.path, data, 0o644); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	m.dirty = false
	return nil
}

func (m *MetadataStore) Version() syncmsg.Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Version
}

// MTime returns the mtime watermark in unix milliseconds.
func (m *MetadataStore) MTime() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.MTime
}

// Dirty reports unsaved changes.
func (m *MetadataStore) Dirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// AdvanceVersion adopts v only if it is greater than the current version.
func (m *MetadataStore) AdvanceVersion(v syncmsg.Version) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !v.Greater(m.state.Version) {
		return false
	}
	m.state.Version = syncmsg.Version(v.String())
	m.dirty = true
	return true
}

// ResetVersion moves the version back to zero. Only the reconciler's Reset does this.
func (m *MetadataStore) ResetVersion() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Version = syncmsg.ZeroVersion
	m.dirty = true
}

// AdvanceMTime raises the watermark to t if t is newer.
func (m *MetadataStore) AdvanceMTime(t time.Time) bool {
	ms := t.UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	if ms <= m.state.MTime {
		return false
	}
	m.state.MTime = ms
	m.dirty = true
	return true
}

// Hold marks a local edit of path at t as not yet confirmed by the server.
func (m *MetadataStore) Hold(path string, t time.Time) {
	ms := t.UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	if ms > m.holds[path] {
		m.holds[path] = ms
	}
}

// Release confirms the edit of path at t. A newer hold on the same path is kept.
func (m *MetadataStore) Release(path string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.holds[path]; ok && held <= t.UnixMilli() {
		delete(m.holds, path)
	}
}

// Held is the number of paths with unconfirmed edits.
func (m *MetadataStore) Held() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.holds)
}

func (m *MetadataStore) persistedLocked() lastWritten {
	state := m.state
	for _, ms := range m.holds {
		if ms-1 < state.MTime {
			state.MTime = max(ms-1, 0)
		}
	}
	return state
}

// ModifiedAfterWatermark reports whether t is newer than the mtime watermark.
func (m *MetadataStore) ModifiedAfterWatermark(t time.Time) bool {
	return t.UnixMilli() > m.MTime()
}
