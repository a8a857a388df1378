package replication

import (
	"log/slog"
	"path"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// subscription owns the watch registrations of a single Source.
type subscription struct {
	fs   FileSystem
	fn   WatchFunc
	dirs mapset.Set[string]
}

func newSubscription(fs FileSystem, fn WatchFunc) *subscription {
	return &subscription{
		fs:   fs,
		fn:   fn,
		dirs: mapset.NewSet[string](),
	}
}

// add registers dir once. Registering an already watched dir is a no-op.
func (s *subscription) add(dir string) error {
	dir = path.Clean(dir)
	if s.dirs.Contains(dir) {
		return nil
	}
	if err := s.fs.Watch(dir, s.fn); err != nil {
		return err
	}
	s.dirs.Add(dir)
	return nil
}

// dropTree unregisters dir and every registered directory beneath it.
func (s *subscription) dropTree(dir string) int {
	dir = path.Clean(dir)
	prefix := dir + "/"
	dropped := 0
	for _, d := range s.dirs.ToSlice() {
		if d != dir && !strings.HasPrefix(d, prefix) {
			continue
		}
		if err := s.fs.Unwatch(d); err != nil {
			slog.Warn("source unwatch", "path", d, "error", err)
		}
		s.dirs.Remove(d)
		dropped++
	}
	return dropped
}

func (s *subscription) close() {
	for _, d := range s.dirs.ToSlice() {
		if err := s.fs.Unwatch(d); err != nil {
			slog.Warn("source unwatch", "path", d, "error", err)
		}
	}
	s.dirs.Clear()
}

func (s *subscription) list() []string {
	dirs := s.dirs.ToSlice()
	slices.Sort(dirs)
	return dirs
}
