package replication_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/openmined/syftmirror/internal/fsys"
	"github.com/openmined/syftmirror/internal/ignore"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/wsproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const srcRoot = "/base"

// recordingTransport forwards to next and remembers every request in order.
type recordingTransport struct {
	next *transport.Loopback

	mu   sync.Mutex
	sent []string
}

func (r *recordingTransport) Send(ctx context.Context, req *replication.Request) (*replication.Response, error) {
	r.mu.Lock()
	r.sent = append(r.sent, req.Type.String()+" "+string(req.Path))
	r.mu.Unlock()
	return r.next.Send(ctx, req)
}

func (r *recordingTransport) Reconcile(ctx context.Context, m *replication.Manifest) (*replication.Response, error) {
	return r.next.Reconcile(ctx, m)
}

func (r *recordingTransport) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *recordingTransport) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type failingTransport struct{}

func (failingTransport) Send(context.Context, *replication.Request) (*replication.Response, error) {
	return nil, errors.New("link down")
}

// buildSourceTree creates
//
//	/base
//	|-- sub_1/
//	|   |-- sub_1_1/
//	|   |-- sub_1_2/
//	|   |   `-- file_1_2_1
//	|   |-- file_1_1
//	|   |-- file_1_2
//	|   `-- file_1_3
//	|-- sub_2/
//	|-- file_1
//	`-- file_2
func buildSourceTree(t *testing.T, m *fsys.MemFS) {
	t.Helper()
	require.NoError(t, m.MakeDir("/base/sub_1/sub_1_1"))
	require.NoError(t, m.MakeDir("/base/sub_1/sub_1_2"))
	require.NoError(t, m.WriteFile("/base/sub_1/sub_1_2/file_1_2_1", []byte("content_1_2_1")))
	require.NoError(t, m.WriteFile("/base/sub_1/file_1_1", []byte("content_1_1")))
	require.NoError(t, m.WriteFile("/base/sub_1/file_1_2", []byte("content_1_2")))
	require.NoError(t, m.WriteFile("/base/sub_1/file_1_3", []byte("content_1_3")))
	require.NoError(t, m.MakeDir("/base/sub_2"))
	require.NoError(t, m.WriteFile("/base/file_1", []byte("content_1")))
	require.NoError(t, m.WriteFile("/base/file_2", []byte("content_2")))
}

// populateTarget fills the target with a mix of matching, conflicting and
// extra entries.
func populateTarget(t *testing.T, m *fsys.MemFS) {
	t.Helper()
	require.NoError(t, m.MakeDir("/other/dir/sub_1/sub_1_1"))
	require.NoError(t, m.WriteFile("/other/dir/sub_1/sub_1_1/file_1_1_1", []byte("content_1_1_1")))
	require.NoError(t, m.MakeDir("/other/dir/sub_1/file_1_1"))
	require.NoError(t, m.WriteFile("/other/dir/sub_1/sub_1_2", []byte("content_1_2")))
	require.NoError(t, m.WriteFile("/other/dir/sub_1/file_1_2", []byte("content_1_2")))
	require.NoError(t, m.WriteFile("/other/dir/sub_1/file_1_3", []byte("content_not_1_3")))
	require.NoError(t, m.WriteFile("/other/dir/sub_1/file_1_4", []byte("content_1_4")))
	require.NoError(t, m.MakeDir("/other/dir/sub_3/sub_3_1"))
	require.NoError(t, m.WriteFile("/other/dir/sub_3/sub_3_1/file_3_1_1", []byte("content_3_1_1")))
	require.NoError(t, m.WriteFile("/other/dir/sub_3/file_3_2", []byte("content_3_2")))
	require.NoError(t, m.WriteFile("/other/dir/file_1", []byte("content_not_1")))
	require.NoError(t, m.WriteFile("/other/dir/file_2", []byte("content_2")))
	require.NoError(t, m.WriteFile("/other/dir/file_3", []byte("content_3")))
}

type mirror struct {
	src, dst  *fsys.MemFS
	source    *replication.Source
	target    *replication.Target
	transport *recordingTransport
}

func newMirror(t *testing.T, nonEmptyTarget bool, opts ...replication.SourceOption) *mirror {
	t.Helper()

	src := fsys.NewMemFS()
	buildSourceTree(t, src)

	dst := fsys.NewMemFS()
	require.NoError(t, dst.MakeDir(dstRoot))
	if nonEmptyTarget {
		populateTarget(t, dst)
	}

	target := replication.NewTarget(dst, dstRoot)
	rt := &recordingTransport{next: transport.NewLoopback(target, wsproto.EncodingMsgPack)}
	source, err := replication.NewSource(src, srcRoot, rt, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { source.Close() })

	return &mirror{src: src, dst: dst, source: source, target: target, transport: rt}
}

func (m *mirror) requireInSync(t *testing.T) {
	t.Helper()
	require.Equal(t, m.src.Snapshot(srcRoot), m.dst.Snapshot(dstRoot),
		"source:\n%s\ntarget:\n%s", m.src.DebugString(srcRoot), m.dst.DebugString(dstRoot))
}

func (m *mirror) emit(typ replication.EventType, p string) {
	m.src.HandleEvent(replication.Event{Type: typ, Path: p})
}

func TestSource_InitialSyncEmptyTarget(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))

	m.requireInSync(t)
	assert.Equal(t, 5, m.src.NumWatched())
	assert.Equal(t, []string{
		"/base", "/base/sub_1", "/base/sub_1/sub_1_1", "/base/sub_1/sub_1_2", "/base/sub_2",
	}, m.source.WatchedDirs())
	assert.Equal(t, "ADDED ", m.transport.log()[0])
}

func TestSource_FullScenario(t *testing.T) {
	m := newMirror(t, true)

	// unrelated trees on both sides
	require.NoError(t, m.src.MakeDir("/other/sub_1"))
	require.NoError(t, m.src.WriteFile("/other/sub_1/file_1_1", []byte("content_1_1")))
	require.NoError(t, m.src.MakeDir("/other/sub_2"))
	require.NoError(t, m.src.WriteFile("/other/file_1", []byte("content_1")))
	require.NoError(t, m.dst.MakeDir("/another/sub_3"))
	require.NoError(t, m.dst.MakeDir("/another/sub_4"))
	require.NoError(t, m.dst.WriteFile("/another/sub_4/file_4_1", []byte("content_4_1")))
	require.NoError(t, m.dst.WriteFile("/another/file_2", []byte("content_2")))
	unrelatedSrc := m.src.Snapshot("/other")
	unrelatedDst := m.dst.Snapshot("/another")

	initialWrites := m.dst.OpCount(fsys.OpWriteFile)
	check := func(step string, watched, writes int) {
		t.Helper()
		m.requireInSync(t)
		assert.Equal(t, unrelatedSrc, m.src.Snapshot("/other"), step)
		assert.Equal(t, unrelatedDst, m.dst.Snapshot("/another"), step)
		assert.Equal(t, watched, m.src.NumWatched(), step)
		assert.Equal(t, writes, m.dst.OpCount(fsys.OpWriteFile)-initialWrites, step)
	}

	require.NoError(t, m.source.Initialize(context.Background()))
	check("initial sync", 5, 4)

	require.NoError(t, m.src.RemoveFile("/base/file_2"))
	m.emit(replication.EventRemoved, "/base/file_2")
	check("remove file", 5, 4)

	require.NoError(t, m.src.WriteFile("/base/sub_1/file_1_2", []byte("content_1_2_v2")))
	m.emit(replication.EventModified, "/base/sub_1/file_1_2")
	check("modify file", 5, 5)

	require.NoError(t, m.src.RemoveFile("/base/sub_1/file_1_2"))
	m.emit(replication.EventRemoved, "/base/sub_1/file_1_2")
	check("remove nested file", 5, 5)

	require.NoError(t, m.src.RemoveDir("/base/sub_1/sub_1_1"))
	m.emit(replication.EventRemoved, "/base/sub_1/sub_1_1")
	check("remove empty dir", 4, 5)

	require.NoError(t, m.src.RemoveDir("/base/sub_1/sub_1_2"))
	m.emit(replication.EventRemoved, "/base/sub_1/sub_1_2")
	check("remove non-empty dir", 3, 5)

	require.NoError(t, m.src.WriteFile("/base/file_3", []byte("content_3")))
	m.emit(replication.EventAdded, "/base/file_3")
	check("add file", 3, 6)

	require.NoError(t, m.src.MakeDir("/base/sub_1/sub_1_3"))
	m.emit(replication.EventAdded, "/base/sub_1/sub_1_3")
	check("add empty dir", 4, 6)

	require.NoError(t, m.src.WriteFile("/base/sub_1/sub_1_3/file_1_3_1", []byte("content_1_3_1")))
	m.emit(replication.EventAdded, "/base/sub_1/sub_1_3/file_1_3_1")
	check("add file in new dir", 4, 7)

	require.NoError(t, m.src.MakeDir("/base/sub_3/sub_3_1"))
	require.NoError(t, m.src.MakeDir("/base/sub_3/sub_3_2"))
	require.NoError(t, m.src.WriteFile("/base/sub_3/file_3_1", []byte("content_3_1")))
	require.NoError(t, m.src.WriteFile("/base/sub_3/sub_3_2/file_3_2_1", []byte("content_3_2_1")))
	m.emit(replication.EventAdded, "/base/sub_3")
	check("add populated dir", 7, 9)

	require.NoError(t, m.src.WriteFile("/base/sub_3/sub_3_1/file_3_1_1", []byte("content_3_1_1")))
	m.emit(replication.EventAdded, "/base/sub_3/sub_3_1")
	check("re-add dir with new file", 7, 10)

	require.NoError(t, m.src.WriteFile("/base/sub_3/sub_3_1/file_3_1_1", []byte("content_3_1_1_v2")))
	m.emit(replication.EventModified, "/base/sub_3/sub_3_1/file_3_1_1")
	check("modify deep file", 7, 11)

	require.NoError(t, m.src.RemoveDir("/base/sub_3/sub_3_2"))
	m.emit(replication.EventRemoved, "/base/sub_3/sub_3_2")
	check("remove deep dir", 6, 11)

	require.NoError(t, m.src.RemoveDir("/base/sub_1"))
	m.emit(replication.EventRemoved, "/base/sub_1")
	check("remove dir with subdirs", 4, 11)

	stats := m.source.Stats()
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Dropped)
}

func TestSource_SmallTree(t *testing.T) {
	src := fsys.NewMemFS()
	require.NoError(t, src.MakeDir("/S/sub"))
	require.NoError(t, src.WriteFile("/S/a.txt", []byte("hello")))
	require.NoError(t, src.WriteFile("/S/sub/b.txt", []byte("")))

	dst := fsys.NewMemFS()
	target := replication.NewTarget(dst, "/T")
	source, err := replication.NewSource(src, "/S", transport.NewLoopback(target, wsproto.EncodingJSON))
	require.NoError(t, err)
	defer source.Close()

	require.NoError(t, source.Initialize(context.Background()))
	assert.Equal(t, map[string]fsys.Entry{
		"a.txt":     {Content: "hello"},
		"sub":       {Dir: true},
		"sub/b.txt": {},
	}, dst.Snapshot("/T"))
	assert.Equal(t, []string{"/S", "/S/sub"}, source.WatchedDirs())

	require.NoError(t, src.WriteFile("/S/a.txt", []byte("world")))
	src.HandleEvent(replication.Event{Type: replication.EventModified, Path: "/S/a.txt"})
	data, err := dst.ReadFile("/T/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	require.NoError(t, src.RemoveDir("/S/sub"))
	src.HandleEvent(replication.Event{Type: replication.EventRemoved, Path: "/S/sub"})
	assert.False(t, dst.Exists("/T/sub"))
	assert.Equal(t, []string{"/S"}, source.WatchedDirs())
}

func TestSource_DirectoryAddedBeforeContents(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))

	log := m.transport.log()
	index := make(map[string]int, len(log))
	for i, line := range log {
		index[line] = i
	}
	for _, pair := range [][2]string{
		{"ADDED sub_1", "ADDED sub_1/file_1_1"},
		{"ADDED sub_1", "ADDED sub_1/sub_1_2"},
		{"ADDED sub_1/sub_1_2", "ADDED sub_1/sub_1_2/file_1_2_1"},
	} {
		require.Contains(t, index, pair[0])
		require.Contains(t, index, pair[1])
		assert.Less(t, index[pair[0]], index[pair[1]], "%s before %s", pair[0], pair[1])
	}
}

func TestSource_RemoveThenReAdd(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))
	m.transport.reset()

	require.NoError(t, m.src.RemoveDir("/base/sub_1"))
	m.emit(replication.EventRemoved, "/base/sub_1")
	require.NoError(t, m.src.MakeDir("/base/sub_1"))
	require.NoError(t, m.src.WriteFile("/base/sub_1/fresh", []byte("new")))
	m.emit(replication.EventAdded, "/base/sub_1")

	assert.Equal(t, []string{"REMOVED sub_1", "ADDED sub_1", "ADDED sub_1/fresh"}, m.transport.log())
	m.requireInSync(t)
	assert.Equal(t, []string{"/base", "/base/sub_1", "/base/sub_2"}, m.source.WatchedDirs())
}

func TestSource_RepeatedEventsAreIdempotent(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))

	for i := 0; i < 3; i++ {
		m.emit(replication.EventAdded, "/base/sub_1")
		m.emit(replication.EventModified, "/base/file_1")
	}
	m.requireInSync(t)
	assert.Equal(t, 5, m.src.NumWatched())
}

func TestSource_DropsVanishedEntries(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))
	m.transport.reset()

	m.emit(replication.EventAdded, "/base/ghost")
	m.emit(replication.EventModified, "/base/ghost")
	assert.Empty(t, m.transport.log())
	assert.EqualValues(t, 2, m.source.Stats().Dropped)

	// a directory modification carries nothing to replicate
	m.emit(replication.EventModified, "/base/sub_1")
	assert.Empty(t, m.transport.log())
}

func TestSource_IgnoredEntries(t *testing.T) {
	list := ignore.New("")
	list.Add("*.log", "cache/")

	m := newMirror(t, false, replication.WithIgnore(list))
	require.NoError(t, m.src.WriteFile("/base/debug.log", []byte("noise")))
	require.NoError(t, m.src.MakeDir("/base/cache/deep"))
	require.NoError(t, m.src.WriteFile("/base/cache/deep/blob", []byte("x")))
	require.NoError(t, m.dst.WriteFile(dstRoot+"/server.log", []byte("target-side")))

	require.NoError(t, m.source.Initialize(context.Background()))

	snap := m.dst.Snapshot(dstRoot)
	assert.NotContains(t, snap, "debug.log")
	assert.NotContains(t, snap, "cache")
	assert.NotContains(t, snap, "server.log")
	assert.Equal(t, 5, m.src.NumWatched())

	m.emit(replication.EventAdded, "/base/debug.log")
	m.emit(replication.EventModified, "/base/debug.log")
	assert.NotContains(t, m.dst.Snapshot(dstRoot), "debug.log")
}

func TestSource_IgnoredTargetEntriesSurvivePrune(t *testing.T) {
	src := fsys.NewMemFS()
	require.NoError(t, src.MakeDir("/S"))
	require.NoError(t, src.WriteFile("/S/keep.txt", []byte("k")))

	dst := fsys.NewMemFS()
	require.NoError(t, dst.MakeDir("/T/.git"))
	require.NoError(t, dst.WriteFile("/T/.git/HEAD", []byte("ref")))
	require.NoError(t, dst.WriteFile("/T/stale.txt", []byte("s")))

	target := replication.NewTarget(dst, "/T", replication.WithTargetIgnore(ignore.New("")))
	source, err := replication.NewSource(src, "/S", transport.NewLoopback(target, wsproto.EncodingJSON))
	require.NoError(t, err)
	defer source.Close()

	require.NoError(t, source.Initialize(context.Background()))
	assert.Equal(t, map[string]fsys.Entry{
		".git":      {Dir: true},
		".git/HEAD": {Content: "ref"},
		"keep.txt":  {Content: "k"},
	}, dst.Snapshot("/T"))
}

func TestSource_WithoutPrune(t *testing.T) {
	m := newMirror(t, true, replication.WithPrune(false))
	require.NoError(t, m.source.Initialize(context.Background()))

	assert.Contains(t, m.dst.Snapshot(dstRoot), "file_3")
	assert.Contains(t, m.dst.Snapshot(dstRoot), "sub_3/sub_3_1/file_3_1_1")
}

func TestSource_EventsOutsideRootIgnored(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))
	m.transport.reset()

	require.NoError(t, m.source.HandleEvent(context.Background(), replication.Event{Type: replication.EventAdded, Path: "/elsewhere/f"}))
	require.NoError(t, m.source.HandleEvent(context.Background(), replication.Event{Type: replication.EventRemoved, Path: srcRoot}))
	assert.Empty(t, m.transport.log())

	err := m.source.HandleEvent(context.Background(), replication.Event{Type: 0, Path: "/base/file_1"})
	assert.ErrorIs(t, err, replication.ErrUnknownEvent)
}

func TestSource_InitializeErrors(t *testing.T) {
	mem := fsys.NewMemFS()
	require.NoError(t, mem.WriteFile("/file", []byte("x")))
	loop := transport.NewLoopback(replication.NewTarget(fsys.NewMemFS(), "/T"), wsproto.EncodingJSON)

	missing, err := replication.NewSource(mem, "/missing", loop)
	require.NoError(t, err)
	assert.ErrorIs(t, missing.Initialize(context.Background()), replication.ErrRootNotFound)

	notDir, err := replication.NewSource(mem, "/file", loop)
	require.NoError(t, err)
	assert.ErrorIs(t, notDir.Initialize(context.Background()), replication.ErrRootNotFound)

	_, err = replication.NewSource(mem, "", loop)
	assert.ErrorIs(t, err, replication.ErrRootNotFound)
	_, err = replication.NewSource(nil, "/S", loop)
	assert.Error(t, err)
	_, err = replication.NewSource(mem, "/S", nil)
	assert.Error(t, err)

	require.NoError(t, mem.MakeDir("/S"))
	down, err := replication.NewSource(mem, "/S", failingTransport{})
	require.NoError(t, err)
	assert.Error(t, down.Initialize(context.Background()))
}

func TestSource_Close(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))
	require.NoError(t, m.source.Close())

	assert.Zero(t, m.src.NumWatched())
	assert.Empty(t, m.source.WatchedDirs())
	assert.ErrorIs(t, m.source.HandleEvent(context.Background(), replication.Event{Type: replication.EventAdded, Path: "/base/file_1"}), replication.ErrSourceClosed)
	assert.ErrorIs(t, m.source.Initialize(context.Background()), replication.ErrSourceClosed)
}

func TestSource_RejectsRepeatedInitialize(t *testing.T) {
	m := newMirror(t, false)
	require.NoError(t, m.source.Initialize(context.Background()))
	assert.Error(t, m.source.Initialize(context.Background()))
}

func TestSource_CanceledContext(t *testing.T) {
	m := newMirror(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.source.Initialize(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// sizeLimitTransport refuses requests whose content exceeds limit, the way a
// frame-bounded transport does.
type sizeLimitTransport struct {
	next  *transport.Loopback
	limit int
}

func (s sizeLimitTransport) Send(ctx context.Context, req *replication.Request) (*replication.Response, error) {
	if len(req.Content) > s.limit {
		return nil, fmt.Errorf("%w: %d bytes", replication.ErrRequestTooLarge, len(req.Content))
	}
	return s.next.Send(ctx, req)
}

func (s sizeLimitTransport) Reconcile(ctx context.Context, m *replication.Manifest) (*replication.Response, error) {
	return s.next.Reconcile(ctx, m)
}

func TestSource_OversizedEntryDoesNotStopSync(t *testing.T) {
	mem := fsys.NewMemFS()
	require.NoError(t, mem.MakeDir("/S/sub"))
	require.NoError(t, mem.WriteFile("/S/a_small.txt", []byte("a")))
	require.NoError(t, mem.WriteFile("/S/big.bin", bytes.Repeat([]byte("x"), 64)))
	require.NoError(t, mem.WriteFile("/S/z_after.txt", []byte("z")))
	require.NoError(t, mem.WriteFile("/S/sub/inner.txt", []byte("i")))

	target := replication.NewTarget(mem, "/T")
	src, err := replication.NewSource(mem, "/S", sizeLimitTransport{
		next:  transport.NewLoopback(target, wsproto.EncodingJSON),
		limit: 16,
	})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Initialize(context.Background()))
	assert.Equal(t, map[string]fsys.Entry{
		"a_small.txt":   {Content: "a"},
		"sub":           {Dir: true},
		"sub/inner.txt": {Content: "i"},
		"z_after.txt":   {Content: "z"},
	}, mem.Snapshot("/T"))
	assert.Equal(t, uint64(1), src.Stats().Failed)

	// a later modification that grows past the limit is refused the same way
	require.NoError(t, mem.WriteFile("/S/z_after.txt", bytes.Repeat([]byte("z"), 32)))
	require.NoError(t, src.HandleEvent(context.Background(), replication.Event{Type: replication.EventModified, Path: "/S/z_after.txt"}))
	assert.Equal(t, uint64(2), src.Stats().Failed)
	assert.Equal(t, fsys.Entry{Content: "z"}, mem.Snapshot("/T")["z_after.txt"])
}
