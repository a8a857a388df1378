package replication_test

import (
	"context"
	"sync"
	"testing"

	"github.com/openmined/syftmirror/internal/fsys"
	"github.com/openmined/syftmirror/internal/ignore"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dstRoot = "/other/dir"

type memRecorder struct {
	mu  sync.Mutex
	ops []replication.AppliedOp
}

func (r *memRecorder) Record(_ context.Context, op replication.AppliedOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func newTarget(t *testing.T, opts ...replication.TargetOption) (*replication.Target, *fsys.MemFS) {
	t.Helper()
	mem := fsys.NewMemFS()
	require.NoError(t, mem.MakeDir(dstRoot))
	return replication.NewTarget(mem, dstRoot, opts...), mem
}

func applyOK(t *testing.T, target *replication.Target, req *replication.Request) {
	t.Helper()
	resp := target.Apply(context.Background(), req)
	require.True(t, resp.OK(), "%s: %s", req, resp.Error)
}

func TestTarget_AddAndModify(t *testing.T) {
	target, mem := newTarget(t)

	applyOK(t, target, replication.NewAddedDir("a"))
	applyOK(t, target, replication.NewAddedFile("a/f.txt", []byte("one")))
	applyOK(t, target, replication.NewModified("a/f.txt", []byte("two")))
	applyOK(t, target, replication.NewAddedFile("empty", nil))

	assert.Equal(t, map[string]fsys.Entry{
		"a":       {Dir: true},
		"a/f.txt": {Content: "two"},
		"empty":   {},
	}, mem.Snapshot(dstRoot))
}

func TestTarget_Idempotent(t *testing.T) {
	target, mem := newTarget(t)

	reqs := []*replication.Request{
		replication.NewAddedDir("a"),
		replication.NewAddedFile("a/f", []byte("x")),
		replication.NewModified("a/f", []byte("y")),
		replication.NewRemoved("gone"),
	}
	for _, r := range reqs {
		applyOK(t, target, r)
	}
	want := mem.Snapshot(dstRoot)
	writes := mem.OpCount(fsys.OpWriteFile)

	for _, r := range reqs[:3] {
		applyOK(t, target, r)
	}
	applyOK(t, target, reqs[3])
	assert.Equal(t, want, mem.Snapshot(dstRoot))

	// the replayed ADDED rewinds the content, the replayed MODIFIED restores it
	assert.Equal(t, writes+2, mem.OpCount(fsys.OpWriteFile))

	applyOK(t, target, reqs[2])
	assert.Equal(t, writes+2, mem.OpCount(fsys.OpWriteFile))
}

func TestTarget_SkipsIdenticalContent(t *testing.T) {
	target, mem := newTarget(t)
	require.NoError(t, mem.WriteFile(dstRoot+"/f", []byte("same")))
	before := mem.OpCount(fsys.OpWriteFile)

	applyOK(t, target, replication.NewAddedFile("f", []byte("same")))
	applyOK(t, target, replication.NewModified("f", []byte("same")))
	assert.Equal(t, before, mem.OpCount(fsys.OpWriteFile))
	assert.EqualValues(t, 2, target.Stats().SkippedWrites)

	applyOK(t, target, replication.NewModified("f", []byte("different")))
	assert.Equal(t, before+1, mem.OpCount(fsys.OpWriteFile))
}

func TestTarget_ReplacesKindMismatch(t *testing.T) {
	target, mem := newTarget(t)
	require.NoError(t, mem.MakeDir(dstRoot+"/was_dir/deep"))
	require.NoError(t, mem.WriteFile(dstRoot+"/was_dir/deep/x", []byte("x")))
	require.NoError(t, mem.WriteFile(dstRoot+"/was_file", []byte("y")))

	applyOK(t, target, replication.NewAddedFile("was_dir", []byte("now a file")))
	applyOK(t, target, replication.NewAddedDir("was_file"))

	assert.Equal(t, map[string]fsys.Entry{
		"was_dir":  {Content: "now a file"},
		"was_file": {Dir: true},
	}, mem.Snapshot(dstRoot))
}

func TestTarget_ModifiedOnDirectoryFails(t *testing.T) {
	target, mem := newTarget(t)
	require.NoError(t, mem.MakeDir(dstRoot+"/d"))

	resp := target.Apply(context.Background(), replication.NewModified("d", []byte("x")))
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, replication.ErrStructuralConflict.Error())

	isDir, err := mem.IsDir(dstRoot + "/d")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestTarget_ModifiedCreatesMissingFile(t *testing.T) {
	target, mem := newTarget(t)

	applyOK(t, target, replication.NewModified("late/f", []byte("v2")))
	assert.Equal(t, map[string]fsys.Entry{
		"late":   {Dir: true},
		"late/f": {Content: "v2"},
	}, mem.Snapshot(dstRoot))
}

func TestTarget_RemovedIsRecursiveAndTolerant(t *testing.T) {
	target, mem := newTarget(t)
	require.NoError(t, mem.MakeDir(dstRoot+"/a/b/c"))
	require.NoError(t, mem.WriteFile(dstRoot+"/a/b/c/f", []byte("x")))
	require.NoError(t, mem.WriteFile(dstRoot+"/keep", []byte("k")))

	applyOK(t, target, replication.NewRemoved("a"))
	applyOK(t, target, replication.NewRemoved("a"))
	applyOK(t, target, replication.NewRemoved("never/existed"))

	assert.Equal(t, map[string]fsys.Entry{"keep": {Content: "k"}}, mem.Snapshot(dstRoot))
}

func TestTarget_RejectsInvalidRequests(t *testing.T) {
	target, mem := newTarget(t)
	require.NoError(t, mem.MakeDir("/other/sibling"))
	require.NoError(t, mem.WriteFile("/other/sibling/f", []byte("s")))

	for _, req := range []*replication.Request{
		nil,
		replication.NewRemoved("../sibling"),
		replication.NewAddedFile("../sibling/f", []byte("overwrite")),
		replication.NewAddedFile("/abs", []byte("x")),
		replication.NewRemoved(""),
		replication.NewModified("", []byte("x")),
		{Type: 7, Path: "f"},
	} {
		resp := target.Apply(context.Background(), req)
		assert.False(t, resp.OK())
		assert.NotEmpty(t, resp.Error)
	}

	data, err := mem.ReadFile("/other/sibling/f")
	require.NoError(t, err)
	assert.Equal(t, "s", string(data))
	assert.Empty(t, mem.Snapshot(dstRoot))
	assert.EqualValues(t, 7, target.Stats().Failed)
}

func TestTarget_CreatesRoot(t *testing.T) {
	mem := fsys.NewMemFS()
	target := replication.NewTarget(mem, "/fresh/root")

	applyOK(t, target, replication.NewAddedDir(""))
	isDir, err := mem.IsDir("/fresh/root")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestTarget_Reconcile(t *testing.T) {
	rec := &memRecorder{}
	keep := ignore.New("")
	keep.Add("local-only/")
	target, mem := newTarget(t, replication.WithRecorder(rec), replication.WithTargetIgnore(keep))

	require.NoError(t, mem.MakeDir(dstRoot+"/a/stale"))
	require.NoError(t, mem.WriteFile(dstRoot+"/a/stale/x", []byte("x")))
	require.NoError(t, mem.WriteFile(dstRoot+"/a/kept", []byte("k")))
	require.NoError(t, mem.WriteFile(dstRoot+"/extra", []byte("e")))
	require.NoError(t, mem.MakeDir(dstRoot+"/local-only"))
	require.NoError(t, mem.WriteFile(dstRoot+"/local-only/notes", []byte("n")))
	require.NoError(t, mem.WriteFile(dstRoot+"/x.swp", []byte("swap")))

	resp := target.Reconcile(context.Background(), &replication.Manifest{
		Paths: []replication.RelPath{"a", "a/kept"},
	})
	require.True(t, resp.OK(), resp.Error)

	assert.Equal(t, map[string]fsys.Entry{
		"a":                {Dir: true},
		"a/kept":           {Content: "k"},
		"local-only":       {Dir: true},
		"local-only/notes": {Content: "n"},
		"x.swp":            {Content: "swap"},
	}, mem.Snapshot(dstRoot))
	assert.EqualValues(t, 2, target.Stats().Pruned)

	var pruned []replication.RelPath
	for _, op := range rec.ops {
		assert.Equal(t, replication.EventRemoved, op.Request.Type)
		pruned = append(pruned, op.Request.Path)
	}
	assert.ElementsMatch(t, []replication.RelPath{"a/stale", "extra"}, pruned)
}

func TestTarget_ReconcileRejectsBadManifest(t *testing.T) {
	target, mem := newTarget(t)
	require.NoError(t, mem.WriteFile(dstRoot+"/f", []byte("x")))

	assert.False(t, target.Reconcile(context.Background(), nil).OK())
	assert.False(t, target.Reconcile(context.Background(), &replication.Manifest{
		Paths: []replication.RelPath{"../escape"},
	}).OK())

	// nothing removed on a rejected manifest
	assert.Contains(t, mem.Snapshot(dstRoot), "f")
}

func TestTarget_RecordsEveryApply(t *testing.T) {
	rec := &memRecorder{}
	target, mem := newTarget(t, replication.WithRecorder(rec))
	require.NoError(t, mem.WriteFile(dstRoot+"/f", []byte("same")))

	target.Apply(context.Background(), replication.NewAddedFile("f", []byte("same")))
	target.Apply(context.Background(), replication.NewRemoved("../x"))

	require.Len(t, rec.ops, 2)
	assert.True(t, rec.ops[0].Skipped)
	assert.True(t, rec.ops[0].Response.OK())
	assert.False(t, rec.ops[1].Response.OK())
	assert.False(t, rec.ops[1].AppliedAt.IsZero())
}
