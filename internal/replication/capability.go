package replication

import (
	"context"
	"time"
)

// WatchFunc receives mutations for the immediate children of a watched directory.
type WatchFunc func(Event)

// FileSystem is the storage a replication engine runs on.
// Every path is absolute and slash-separated.
type FileSystem interface {
	Exists(p string) bool
	IsDir(p string) (bool, error)
	IsFile(p string) (bool, error)
	// ListChildren returns base names.
	ListChildren(p string) ([]string, error)
	// MakeDir creates p and any missing parents. An existing directory is not an error.
	MakeDir(p string) error
	// RemoveDir removes p and everything beneath it.
	RemoveDir(p string) error
	RemoveFile(p string) error
	ReadFile(p string) ([]byte, error)
	// WriteFile creates or overwrites p. The parent must exist.
	WriteFile(p string, data []byte) error
	// Watch registers fn for mutations of the immediate children of directory p,
	// replacing any previous registration for p.
	Watch(p string, fn WatchFunc) error
	Unwatch(p string) error
}

// Transport delivers a request to a target and returns its response.
// Implementations preserve FIFO order and block until the response arrives.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Reconciler is implemented by transports that can deliver a Manifest.
type Reconciler interface {
	Reconcile(ctx context.Context, m *Manifest) (*Response, error)
}

// IgnoreMatcher decides which source entries are never replicated.
type IgnoreMatcher interface {
	ShouldIgnore(rel string, isDir bool) bool
}

// AppliedOp is the outcome of one request applied by a Target.
type AppliedOp struct {
	Request   *Request
	Response  *Response
	Skipped   bool
	AppliedAt time.Time
}

// Recorder keeps a history of applied requests.
type Recorder interface {
	Record(ctx context.Context, op AppliedOp) error
}
