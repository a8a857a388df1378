package replication

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

var ErrSourceClosed = errors.New("source closed")

type SourceOption func(*Source)

// WithIgnore excludes matching entries from replication.
func WithIgnore(m IgnoreMatcher) SourceOption {
	return func(s *Source) {
		s.ignore = m
	}
}

// WithPrune controls whether the target is asked to remove entries missing on
// the source once the initial pass completes. Enabled by default.
func WithPrune(enabled bool) SourceOption {
	return func(s *Source) {
		s.prune = enabled
	}
}

type SourceStats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// Source replicates a local directory tree through a Transport.
type Source struct {
	fs        FileSystem
	root      string
	transport Transport
	ignore    IgnoreMatcher
	prune     bool

	// mu serializes the initial pass and every mutation handled afterwards.
	mu          sync.Mutex
	ctx         context.Context
	sub         *subscription
	initialized bool
	closed      bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewSource(fsys FileSystem, root string, t Transport, opts ...SourceOption) (*Source, error) {
	if fsys == nil {
		return nil, errors.New("source: nil filesystem")
	}
	if t == nil {
		return nil, errors.New("source: nil transport")
	}
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrRootNotFound)
	}

	s := &Source{
		fs:        fsys,
		root:      path.Clean(root),
		transport: t,
		prune:     true,
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sub = newSubscription(fsys, s.onMutation)
	return s, nil
}

func (s *Source) Root() string {
	return s.root
}

// Initialize copies the whole tree to the target and watches every directory.
// Mutations reported while it runs are handled once it returns.
func (s *Source) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSourceClosed
	}
	if s.initialized {
		return errors.New("source already initialized")
	}

	isDir, err := s.fs.IsDir(s.root)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRootNotFound, s.root, err)
	}
	if !isDir {
		return fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, s.root)
	}

	s.ctx = ctx
	start := time.Now()

	if _, err := s.send(ctx, NewAddedDir("")); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	w, err := s.replicateTree(ctx, s.root)
	if err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	s.initialized = true

	slog.Info("source initial sync",
		"root", s.root,
		"dirs", w.dirs,
		"files", w.files,
		"size", humanize.Bytes(w.bytes),
		"watching", s.sub.dirs.Cardinality(),
		"took", time.Since(start),
	)

	if s.prune {
		if err := s.reconcile(ctx, w.paths); err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
	}
	return nil
}

// HandleEvent turns one mutation into one request and sends it.
// Only transport errors are returned; unreadable entries are dropped.
func (s *Source) HandleEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleLocked(ctx, ev)
}

// Close drops every watch registration held by the source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.sub.close()
	return nil
}

// WatchedDirs returns the directories currently registered for watching.
func (s *Source) WatchedDirs() []string {
	return s.sub.list()
}

func (s *Source) Stats() SourceStats {
	return SourceStats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

// onMutation is the callback bound to every watch registration.
func (s *Source) onMutation(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.handleLocked(s.ctx, ev); err != nil {
		slog.Error("source handle event", "event", ev.String(), "error", err)
	}
}

func (s *Source) handleLocked(ctx context.Context, ev Event) error {
	if s.closed {
		return ErrSourceClosed
	}

	rel, err := RelPathOf(s.root, ev.Path)
	if err != nil || rel.IsRoot() {
		slog.Debug("source skipped event outside root", "event", ev.String())
		return nil
	}

	switch ev.Type {
	case EventRemoved:
		if n := s.sub.dropTree(ev.Path); n > 0 {
			slog.Debug("source unwatched", "path", ev.Path, "dirs", n)
		}
		if s.ignored(rel, false) || s.ignored(rel, true) {
			return nil
		}
		_, err := s.send(ctx, NewRemoved(rel))
		return err

	case EventAdded:
		isDir, err := s.fs.IsDir(ev.Path)
		if err != nil {
			s.drop(ev, err)
			return nil
		}
		if s.ignored(rel, isDir) {
			return nil
		}
		if isDir {
			if _, err := s.send(ctx, NewAddedDir(rel)); err != nil {
				return err
			}
			_, err := s.replicateTree(ctx, ev.Path)
			return err
		}
		content, err := s.fs.ReadFile(ev.Path)
		if err != nil {
			s.drop(ev, err)
			return nil
		}
		_, err = s.send(ctx, NewAddedFile(rel, content))
		return err

	case EventModified:
		isDir, err := s.fs.IsDir(ev.Path)
		if err != nil {
			s.drop(ev, err)
			return nil
		}
		if isDir {
			slog.Debug("source skipped directory modification", "path", ev.Path)
			return nil
		}
		if s.ignored(rel, false) {
			return nil
		}
		content, err := s.fs.ReadFile(ev.Path)
		if err != nil {
			s.drop(ev, err)
			return nil
		}
		_, err = s.send(ctx, NewModified(rel, content))
		return err

	default:
		return fmt.Errorf("%w: %d", ErrUnknownEvent, uint8(ev.Type))
	}
}

type walkResult struct {
	dirs  int
	files int
	bytes uint64
	paths []RelPath
}

// replicateTree watches dir and every directory below it, sending an ADDED
// request for each entry found. The directory itself is not sent.
func (s *Source) replicateTree(ctx context.Context, dir string) (*walkResult, error) {
	w := &walkResult{}
	stack := []string{dir}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := s.sub.add(current); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			slog.Warn("source watch", "path", current, "error", err)
		}
		w.dirs++

		children, err := s.fs.ListChildren(current)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("source list", "path", current, "error", err)
			}
			continue
		}
		slices.Sort(children)

		for _, name := range children {
			if err := ctx.Err(); err != nil {
				return w, err
			}

			child := path.Join(current, name)
			rel, err := RelPathOf(s.root, child)
			if err != nil {
				return w, err
			}

			isDir, err := s.fs.IsDir(child)
			if err != nil {
				s.drop(Event{Type: EventAdded, Path: child}, err)
				continue
			}
			if s.ignored(rel, isDir) {
				continue
			}

			if isDir {
				if _, err := s.send(ctx, NewAddedDir(rel)); err != nil {
					return w, err
				}
				w.paths = append(w.paths, rel)
				stack = append(stack, child)
				continue
			}

			content, err := s.fs.ReadFile(child)
			if err != nil {
				s.drop(Event{Type: EventAdded, Path: child}, err)
				continue
			}
			if _, err := s.send(ctx, NewAddedFile(rel, content)); err != nil {
				return w, err
			}
			w.paths = append(w.paths, rel)
			w.files++
			w.bytes += uint64(len(content))
		}
	}
	return w, nil
}

func (s *Source) reconcile(ctx context.Context, paths []RelPath) error {
	r, ok := s.transport.(Reconciler)
	if !ok {
		slog.Debug("source transport cannot reconcile, skipping prune")
		return nil
	}
	resp, err := r.Reconcile(ctx, &Manifest{Paths: paths})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if !resp.OK() {
		slog.Error("source reconcile failed", "error", resp.Error)
	}
	return nil
}

// send delivers req. A request the transport refuses to carry is counted as
// failed and answered with a failure response instead of an error.
func (s *Source) send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := s.transport.Send(ctx, req)
	if errors.Is(err, ErrRequestTooLarge) {
		s.failed.Add(1)
		slog.Error("source request rejected by transport", "request", req.String(), "error", err)
		return Failure(err), nil
	}
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req, err)
	}
	s.sent.Add(1)
	if !resp.OK() {
		s.failed.Add(1)
		slog.Error("source request failed", "request", req.String(), "error", resp.Error)
		return resp, nil
	}
	slog.Debug("source sent", "request", req.String())
	return resp, nil
}

func (s *Source) drop(ev Event, err error) {
	s.dropped.Add(1)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("source dropped vanished entry", "event", ev.String())
		return
	}
	slog.Warn("source dropped event", "event", ev.String(), "error", err)
}

func (s *Source) ignored(rel RelPath, isDir bool) bool {
	return s.ignore != nil && s.ignore.ShouldIgnore(string(rel), isDir)
}
