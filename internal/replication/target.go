package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

type TargetOption func(*Target)

// WithRecorder records the outcome of every applied request.
func WithRecorder(r Recorder) TargetOption {
	return func(t *Target) {
		t.recorder = r
	}
}

// WithTargetIgnore keeps matching target entries out of reconciliation.
func WithTargetIgnore(m IgnoreMatcher) TargetOption {
	return func(t *Target) {
		t.ignore = m
	}
}

type TargetStats struct {
	Applied       uint64
	Failed        uint64
	SkippedWrites uint64
	Pruned        uint64
}

// Target applies replication requests to a local root, one at a time.
type Target struct {
	fs       FileSystem
	root     string
	recorder Recorder
	ignore   IgnoreMatcher

	mu sync.Mutex

	applied atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
	pruned  atomic.Uint64
}

func NewTarget(fsys FileSystem, root string, opts ...TargetOption) *Target {
	t := &Target{
		fs:   fsys,
		root: path.Clean(root),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Target) Root() string {
	return t.root
}

func (t *Target) Stats() TargetStats {
	return TargetStats{
		Applied:       t.applied.Load(),
		Failed:        t.failed.Load(),
		SkippedWrites: t.skipped.Load(),
		Pruned:        t.pruned.Load(),
	}
}

// Apply performs the mutation described by req. Errors never escape: they
// are reported in the response.
func (t *Target) Apply(ctx context.Context, req *Request) *Response {
	if req == nil {
		t.failed.Add(1)
		return Failure(fmt.Errorf("%w: nil request", ErrInvalidRequest))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	skipped, err := t.apply(req)

	var resp *Response
	if err != nil {
		t.failed.Add(1)
		resp = Failure(err)
		slog.Warn("target apply failed", "request", req.String(), "error", err)
	} else {
		t.applied.Add(1)
		resp = Success()
		slog.Debug("target applied", "request", req.String(), "skipped", skipped)
	}
	if skipped {
		t.skipped.Add(1)
	}
	t.record(ctx, req, resp, skipped)
	return resp
}

func (t *Target) apply(req *Request) (skipped bool, err error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	target, err := req.Path.Resolve(t.root)
	if err != nil {
		return false, err
	}

	switch req.Type {
	case EventAdded:
		if req.Dir() {
			return false, t.ensureDir(target)
		}
		return t.writeFile(target, req.Content, true)
	case EventRemoved:
		return false, t.remove(target)
	case EventModified:
		return t.writeFile(target, req.Content, false)
	default:
		return false, fmt.Errorf("%w: %d", ErrUnknownEvent, uint8(req.Type))
	}
}

func (t *Target) ensureDir(p string) error {
	if t.fs.Exists(p) {
		isDir, err := t.fs.IsDir(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if isDir {
			return nil
		}
		if err := t.fs.RemoveFile(p); err != nil {
			return fmt.Errorf("replace file with directory %s: %w", p, err)
		}
	}
	if err := t.fs.MakeDir(p); err != nil {
		return fmt.Errorf("make dir %s: %w", p, err)
	}
	return nil
}

// writeFile writes content to p unless p already holds the same bytes.
// An existing directory at p is replaced only when replaceDir is set.
func (t *Target) writeFile(p string, content []byte, replaceDir bool) (bool, error) {
	if t.fs.Exists(p) {
		isDir, err := t.fs.IsDir(p)
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", p, err)
		}
		if isDir {
			if !replaceDir {
				return false, fmt.Errorf("%w: %s is a directory", ErrStructuralConflict, p)
			}
			if err := t.fs.RemoveDir(p); err != nil {
				return false, fmt.Errorf("replace directory with file %s: %w", p, err)
			}
		} else if existing, err := t.fs.ReadFile(p); err == nil && bytes.Equal(existing, content) {
			return true, nil
		}
	}

	if parent := path.Dir(p); !t.fs.Exists(parent) {
		if err := t.fs.MakeDir(parent); err != nil {
			return false, fmt.Errorf("make parent %s: %w", parent, err)
		}
	}
	if err := t.fs.WriteFile(p, content); err != nil {
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	return false, nil
}

func (t *Target) remove(p string) error {
	if !t.fs.Exists(p) {
		return nil
	}
	isDir, err := t.fs.IsDir(p)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}
	if isDir {
		err = t.fs.RemoveDir(p)
	} else {
		err = t.fs.RemoveFile(p)
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// Reconcile removes every entry under the root that the manifest does not list.
func (t *Target) Reconcile(ctx context.Context, m *Manifest) *Response {
	t.mu.Lock()
	defer t.mu.Unlock()

	pruned, err := t.reconcile(ctx, m)
	if err != nil {
		slog.Warn("target reconcile failed", "error", err)
		return Failure(err)
	}
	slog.Info("target reconciled", "root", t.root, "listed", len(m.Paths), "pruned", pruned)
	return Success()
}

func (t *Target) reconcile(ctx context.Context, m *Manifest) (int, error) {
	if m == nil {
		return 0, fmt.Errorf("%w: nil manifest", ErrInvalidRequest)
	}
	keep := mapset.NewThreadUnsafeSetWithSize[RelPath](len(m.Paths))
	for _, p := range m.Paths {
		if err := p.Validate(); err != nil {
			return 0, err
		}
		keep.Add(p)
	}

	pruned := 0
	stack := []string{t.root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := t.fs.ListChildren(current)
		if err != nil {
			return pruned, fmt.Errorf("list %s: %w", current, err)
		}
		slices.Sort(children)

		for _, name := range children {
			if err := ctx.Err(); err != nil {
				return pruned, err
			}
			child := path.Join(current, name)
			rel, err := RelPathOf(t.root, child)
			if err != nil {
				return pruned, err
			}
			isDir, err := t.fs.IsDir(child)
			if err != nil {
				return pruned, fmt.Errorf("stat %s: %w", child, err)
			}

			if keep.Contains(rel) {
				if isDir {
					stack = append(stack, child)
				}
				continue
			}
			if t.ignore != nil && t.ignore.ShouldIgnore(string(rel), isDir) {
				continue
			}

			if err := t.remove(child); err != nil {
				return pruned, err
			}
			pruned++
			t.pruned.Add(1)
			t.record(ctx, NewRemoved(rel), Success(), false)
		}
	}
	return pruned, nil
}

func (t *Target) record(ctx context.Context, req *Request, resp *Response, skipped bool) {
	if t.recorder == nil || req == nil {
		return
	}
	op := AppliedOp{
		Request:   req,
		Response:  resp,
		Skipped:   skipped,
		AppliedAt: time.Now(),
	}
	if err := t.recorder.Record(ctx, op); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("target record", "path", req.Path, "error", err)
	}
}
