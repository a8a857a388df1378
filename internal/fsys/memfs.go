package fsys

import (
	"errors"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/openmined/syftmirror/internal/replication"
)

var (
	ErrIsDir  = errors.New("is a directory")
	ErrNotDir = errors.New("not a directory")
)

// Op names a counted MemFS operation.
type Op string

const (
	OpExists       Op = "exists"
	OpIsDir        Op = "isdir"
	OpIsFile       Op = "isfile"
	OpListChildren Op = "listchildren"
	OpMakeDir      Op = "makedir"
	OpRemoveDir    Op = "removedir"
	OpRemoveFile   Op = "removefile"
	OpReadFile     Op = "readfile"
	OpWriteFile    Op = "writefile"
)

type memNode struct {
	dir      bool
	content  []byte
	children map[string]struct{}
}

func newDirNode() *memNode {
	return &memNode{dir: true, children: make(map[string]struct{})}
}

// Entry is the observable state of one MemFS node.
type Entry struct {
	Dir     bool
	Content string
}

// MemFS is an in-memory FileSystem. Mutations never fire watch callbacks on
// their own; HandleEvent delivers an event to the watch of its parent.
type MemFS struct {
	mu      sync.Mutex
	nodes   map[string]*memNode
	watches map[string]replication.WatchFunc
	ops     map[Op]int
}

var _ replication.FileSystem = (*MemFS)(nil)

func NewMemFS() *MemFS {
	return &MemFS{
		nodes:   map[string]*memNode{"/": newDirNode()},
		watches: make(map[string]replication.WatchFunc),
		ops:     make(map[Op]int),
	}
}

func memClean(p string) string {
	return path.Clean("/" + p)
}

func (m *MemFS) count(op Op) {
	m.ops[op]++
}

func (m *MemFS) Exists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpExists)
	_, ok := m.nodes[memClean(p)]
	return ok
}

func (m *MemFS) IsDir(p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpIsDir)
	p = memClean(p)
	n, ok := m.nodes[p]
	if !ok {
		return false, &fs.PathError{Op: "isdir", Path: p, Err: fs.ErrNotExist}
	}
	return n.dir, nil
}

func (m *MemFS) IsFile(p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpIsFile)
	p = memClean(p)
	n, ok := m.nodes[p]
	if !ok {
		return false, &fs.PathError{Op: "isfile", Path: p, Err: fs.ErrNotExist}
	}
	return !n.dir, nil
}

func (m *MemFS) ListChildren(p string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpListChildren)
	p = memClean(p)
	n, ok := m.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "list", Path: p, Err: fs.ErrNotExist}
	}
	if !n.dir {
		return nil, &fs.PathError{Op: "list", Path: p, Err: ErrNotDir}
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemFS) MakeDir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpMakeDir)

	p = memClean(p)
	cur := "/"
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if seg == "" {
			continue
		}
		next := path.Join(cur, seg)
		n, ok := m.nodes[next]
		switch {
		case !ok:
			m.nodes[next] = newDirNode()
			m.nodes[cur].children[seg] = struct{}{}
		case !n.dir:
			return &fs.PathError{Op: "mkdir", Path: next, Err: ErrNotDir}
		}
		cur = next
	}
	return nil
}

func (m *MemFS) RemoveDir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpRemoveDir)

	p = memClean(p)
	n, ok := m.nodes[p]
	if !ok {
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrNotExist}
	}
	if !n.dir {
		return &fs.PathError{Op: "rmdir", Path: p, Err: ErrNotDir}
	}
	if p == "/" {
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrPermission}
	}

	prefix := p + "/"
	for np := range m.nodes {
		if strings.HasPrefix(np, prefix) {
			delete(m.nodes, np)
		}
	}
	delete(m.nodes, p)
	delete(m.nodes[path.Dir(p)].children, path.Base(p))
	return nil
}

func (m *MemFS) RemoveFile(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpRemoveFile)

	p = memClean(p)
	n, ok := m.nodes[p]
	if !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	if n.dir {
		return &fs.PathError{Op: "remove", Path: p, Err: ErrIsDir}
	}
	delete(m.nodes, p)
	delete(m.nodes[path.Dir(p)].children, path.Base(p))
	return nil
}

func (m *MemFS) ReadFile(p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpReadFile)

	p = memClean(p)
	n, ok := m.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	}
	if n.dir {
		return nil, &fs.PathError{Op: "read", Path: p, Err: ErrIsDir}
	}
	return slices.Clone(n.content), nil
}

func (m *MemFS) WriteFile(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(OpWriteFile)

	p = memClean(p)
	parent := path.Dir(p)
	pn, ok := m.nodes[parent]
	if !ok {
		return &fs.PathError{Op: "write", Path: parent, Err: fs.ErrNotExist}
	}
	if !pn.dir {
		return &fs.PathError{Op: "write", Path: parent, Err: ErrNotDir}
	}
	if n, ok := m.nodes[p]; ok && n.dir {
		return &fs.PathError{Op: "write", Path: p, Err: ErrIsDir}
	}
	content := slices.Clone(data)
	if content == nil {
		content = []byte{}
	}
	m.nodes[p] = &memNode{content: content}
	pn.children[path.Base(p)] = struct{}{}
	return nil
}

func (m *MemFS) Watch(p string, fn replication.WatchFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = memClean(p)
	n, ok := m.nodes[p]
	if !ok {
		return &fs.PathError{Op: "watch", Path: p, Err: fs.ErrNotExist}
	}
	if !n.dir {
		return &fs.PathError{Op: "watch", Path: p, Err: ErrNotDir}
	}
	m.watches[p] = fn
	return nil
}

func (m *MemFS) Unwatch(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = memClean(p)
	if _, ok := m.watches[p]; !ok {
		return &fs.PathError{Op: "unwatch", Path: p, Err: fs.ErrNotExist}
	}
	delete(m.watches, p)
	return nil
}

// HandleEvent invokes the watch registered on the parent of ev.Path, if any.
func (m *MemFS) HandleEvent(ev replication.Event) {
	m.mu.Lock()
	fn, ok := m.watches[path.Dir(memClean(ev.Path))]
	m.mu.Unlock()

	if ok {
		fn(ev)
	}
}

func (m *MemFS) NumWatched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

func (m *MemFS) OpCount(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[op]
}

// Snapshot maps every entry under root, by path relative to root, to its state.
func (m *MemFS) Snapshot(root string) map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	root = memClean(root)
	prefix := root + "/"
	if root == "/" {
		prefix = "/"
	}
	out := make(map[string]Entry)
	for p, n := range m.nodes {
		if p == root || !strings.HasPrefix(p, prefix) {
			continue
		}
		out[strings.TrimPrefix(p, prefix)] = Entry{Dir: n.dir, Content: string(n.content)}
	}
	return out
}

// DebugString renders the tree under root, one entry per line.
func (m *MemFS) DebugString(root string) string {
	snap := m.Snapshot(root)
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(memClean(root))
	b.WriteByte('\n')
	for _, k := range keys {
		depth := strings.Count(k, "/")
		b.WriteString(strings.Repeat("  ", depth+1))
		e := snap[k]
		if e.Dir {
			b.WriteString(path.Base(k) + "/\n")
		} else {
			b.WriteString(path.Base(k) + ": " + e.Content + "\n")
		}
	}
	return b.String()
}
