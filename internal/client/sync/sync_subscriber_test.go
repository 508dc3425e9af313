package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/syncapi"
	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			if d.Name() == MetadataDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tree
}

func TestRemoteSubscriber_ApplyIsIdempotent(t *testing.T) {
	s := newTestSession(t, newFakeRemote("0"), nil)

	batch := &syncmsg.ChangeBatch{
		Version: "3",
		Changed: []syncmsg.ChangedFile{
			{Path: "src/main.go", Mode: 0o600, Content: []byte("package main")},
			{Path: "README.md", Mode: 0o644, Content: []byte("# hi")},
		},
		Deleted: []syncmsg.DeletedFile{{Path: "gone.txt"}},
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "gone.txt"), []byte("x"), 0o644))

	require.NoError(t, s.subscriber.apply(batch))
	first := readTree(t, s.Root())
	assert.Equal(t, syncmsg.Version("3"), s.metadata.Version())

	require.NoError(t, s.subscriber.apply(batch))
	assert.Equal(t, first, readTree(t, s.Root()))
	assert.Equal(t, syncmsg.Version("3"), s.metadata.Version())

	assert.Equal(t, map[string]string{"src/main.go": "package main", "README.md": "# hi"}, first)
	info, err := os.Stat(filepath.Join(s.Root(), "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Greater(t, s.metadata.MTime(), int64(0), "applied writes advance the mtime watermark")
}

func TestRemoteSubscriber_ApplyNeverRegressesVersion(t *testing.T) {
	s := newTestSession(t, newFakeRemote("0"), nil)
	s.metadata.AdvanceVersion("10")

	stale := &syncmsg.ChangeBatch{Version: "7", Changed: []syncmsg.ChangedFile{{Path: "a.txt", Content: []byte("old")}}}
	require.NoError(t, s.subscriber.apply(stale))

	assert.Equal(t, syncmsg.Version("10"), s.metadata.Version())
	assert.NoFileExists(t, filepath.Join(s.Root(), "a.txt"))
}

func TestRemoteSubscriber_FailedWritesDoNotMaskLocalEdits(t *testing.T) {
	s := newTestSession(t, newFakeRemote("0"), nil)
	missing := filepath.Join(s.Root(), "never-existed.txt")
	blocked := filepath.Join(s.Root(), "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "child"), 0o755))

	batch := &syncmsg.ChangeBatch{
		Version: "2",
		Changed: []syncmsg.ChangedFile{{Path: "blocked", Content: []byte("x")}},
		Deleted: []syncmsg.DeletedFile{{Path: "never-existed.txt"}},
	}
	assert.Error(t, s.subscriber.apply(batch))

	assert.Equal(t, 0, s.recent.Len())
	// a user creating the file right after is a real edit, not an echo
	require.NoError(t, os.WriteFile(missing, []byte("mine"), 0o644))
	assert.False(t, s.recent.Consume(missing))
	assert.False(t, s.recent.Consume(blocked))
}

func TestRemoteSubscriber_RejectsEscapingPaths(t *testing.T) {
	s := newTestSession(t, newFakeRemote("0"), nil)
	outside := filepath.Join(filepath.Dir(s.Root()), "escaped.txt")

	batch := &syncmsg.ChangeBatch{
		Version: "1",
		Changed: []syncmsg.ChangedFile{
			{Path: "../escaped.txt", Content: []byte("x")},
			{Path: ".treesync/metadata.json", Content: []byte("{}")},
			{Path: "ok.txt", Content: []byte("ok")},
		},
	}
	require.NoError(t, s.subscriber.apply(batch))

	assert.NoFileExists(t, outside)
	assert.NoFileExists(t, s.metadata.Path())
	assert.FileExists(t, filepath.Join(s.Root(), "ok.txt"))
	assert.Equal(t, syncmsg.Version("1"), s.metadata.Version())
}

func TestRemoteSubscriber_ReloadsIgnoreRulesWhenWritten(t *testing.T) {
	s := newTestSession(t, newFakeRemote("0"), nil)
	s.ignore.Load()
	assert.False(t, s.ignore.ShouldIgnore("dist/app.js"))

	batch := &syncmsg.ChangeBatch{
		Version: "1",
		Changed: []syncmsg.ChangedFile{{Path: IgnoreFileName, Mode: 0o644, Content: []byte("dist/\n")}},
	}
	require.NoError(t, s.subscriber.apply(batch))

	assert.True(t, s.ignore.ShouldIgnore("dist/app.js"))
}

func TestRemoteSubscriber_ResubscribesWithFreshVersion(t *testing.T) {
	remote := newFakeRemote("0")
	s := newTestSession(t, remote, nil)
	startTestSession(t, s)

	sub := remote.nextSub(t)
	sub.push(&syncmsg.ChangeBatch{}) // keep-alive
	sub.push(&syncmsg.ChangeBatch{Version: "3", Changed: []syncmsg.ChangedFile{{Path: "a.txt", Content: []byte("a")}}})
	require.Eventually(t, func() bool { return s.metadata.Version() == "3" }, 3*time.Second, 10*time.Millisecond)

	sub.end(fmt.Errorf("%w: connection reset", syncapi.ErrDisconnected))

	remote.nextSub(t)
	assert.Equal(t, []syncmsg.Version{"0", "3"}, remote.Since())
	assert.True(t, s.Phase().Running())
}

func TestRemoteSubscriber_RetriesFailedSubscribe(t *testing.T) {
	remote := newFakeRemote("0")
	remote.subscribeErrs = []error{
		fmt.Errorf("%w: refused", syncapi.ErrDisconnected),
		fmt.Errorf("%w: refused", syncapi.ErrDisconnected),
	}
	s := newTestSession(t, remote, nil)
	startTestSession(t, s)

	remote.nextSub(t)
	assert.Len(t, remote.Since(), 3)
}

func TestRemoteSubscriber_StreamCompletionIsFatal(t *testing.T) {
	remote := newFakeRemote("0")
	s := newTestSession(t, remote, nil)
	require.NoError(t, s.Start(t.Context()))

	remote.nextSub(t).end(nil)

	assert.ErrorIs(t, s.Wait(), ErrStreamCompleted)
	assert.Equal(t, PhaseStopped, s.Phase())
	assert.True(t, remote.isClosed())
}

func TestRemoteSubscriber_UnauthorizedIsFatal(t *testing.T) {
	remote := newFakeRemote("0")
	remote.subscribeErrs = []error{fmt.Errorf("%w: http 401", syncapi.ErrUnauthorized)}
	s := newTestSession(t, remote, nil)
	require.NoError(t, s.Start(t.Context()))

	err := s.Wait()
	assert.ErrorIs(t, err, syncapi.ErrUnauthorized)
	assert.True(t, IsAuthError(err))
}
