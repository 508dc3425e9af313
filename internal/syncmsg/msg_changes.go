package syncmsg

import (
	"io/fs"
	"path"
	"strings"
)

// ChangedFile is a created or modified file on the wire.
type ChangedFile struct {
	Path    string `json:"path"`
	Mode    uint32 `json:"mode"`
	Content []byte `json:"content"`
}

// DeletedFile is a removed file on the wire.
type DeletedFile struct {
	Path string `json:"path"`
}

// ChangeBatch is the unit exchanged with the server.
// Outbound batches carry ExpectedVersion, inbound batches carry Version.
type ChangeBatch struct {
	Version         Version       `json:"version,omitempty"`
	ExpectedVersion Version       `json:"expectedVersion,omitempty"`
	Changed         []ChangedFile `json:"changed"`
	Deleted         []DeletedFile `json:"deleted"`
}

// IsEmpty reports a batch without any entries. The server uses those as keep-alives.
func (b *ChangeBatch) IsEmpty() bool {
	return b == nil || (len(b.Changed) == 0 && len(b.Deleted) == 0)
}

func (b *ChangeBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Changed) + len(b.Deleted)
}

func NewChangesMessage(batch *ChangeBatch) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgChanges,
		Data: batch,
	}
}

// FileRecord is one entry of a ChangeSet: either content or a deletion marker.
type FileRecord struct {
	Path    string
	Mode    fs.FileMode
	Content []byte
	Deleted bool
}

// ChangeSet is an ordered, path keyed collection of records.
// A later Put for the same path replaces the earlier record but keeps its position.
type ChangeSet struct {
	order   []string
	records map[string]*FileRecord
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{records: make(map[string]*FileRecord)}
}

// ChangeSetFromBatch normalizes a received batch. Changed entries come first, then deletions.
func ChangeSetFromBatch(batch *ChangeBatch) *ChangeSet {
	cs := NewChangeSet()
	if batch == nil {
		return cs
	}
	for _, f := range batch.Changed {
		cs.Put(&FileRecord{Path: f.Path, Mode: fs.FileMode(f.Mode), Content: f.Content})
	}
	for _, f := range batch.Deleted {
		cs.Put(&FileRecord{Path: f.Path, Deleted: true})
	}
	return cs
}

func (cs *ChangeSet) Put(rec *FileRecord) {
	rec.Path = NormPath(rec.Path)
	if _, ok := cs.records[rec.Path]; !ok {
		cs.order = append(cs.order, rec.Path)
	}
	cs.records[rec.Path] = rec
}

func (cs *ChangeSet) Get(p string) (*FileRecord, bool) {
	rec, ok := cs.records[NormPath(p)]
	return rec, ok
}

func (cs *ChangeSet) Len() int {
	return len(cs.order)
}

// Records returns the records in insertion order.
func (cs *ChangeSet) Records() []*FileRecord {
	out := make([]*FileRecord, 0, len(cs.order))
	for _, p := range cs.order {
		out = append(out, cs.records[p])
	}
	return out
}

// Batch converts the set into its wire form.
func (cs *ChangeSet) Batch() *ChangeBatch {
	batch := &ChangeBatch{
		Changed: make([]ChangedFile, 0),
		Deleted: make([]DeletedFile, 0),
	}
	for _, rec := range cs.Records() {
		if rec.Deleted {
			batch.Deleted = append(batch.Deleted, DeletedFile{Path: rec.Path})
			continue
		}
		batch.Changed = append(batch.Changed, ChangedFile{
			Path:    rec.Path,
			Mode:    uint32(rec.Mode.Perm()),
			Content: rec.Content,
		})
	}
	return batch
}

// NormPath turns a relative path into its forward slash, cleaned form.
func NormPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}
