package replication

import (
	"fmt"
	"path"
	"strings"
)

// RelPath is a forward-slash path relative to a replication root.
// It never starts with a separator; the empty RelPath is the root itself.
type RelPath string

// RelPathOf translates an absolute slash-separated path under root into a RelPath.
func RelPathOf(root, p string) (RelPath, error) {
	root = path.Clean(root)
	p = path.Clean(p)
	if p == root {
		return "", nil
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(p, prefix) {
		return "", fmt.Errorf("%w: %q is not under %q", ErrPathEscapesRoot, p, root)
	}
	return RelPath(strings.TrimPrefix(p, prefix)), nil
}

func (r RelPath) String() string {
	return string(r)
}

func (r RelPath) IsRoot() bool {
	return r == ""
}

// Validate rejects paths that are absolute, not in canonical form, or that
// would resolve outside of the root.
func (r RelPath) Validate() error {
	if r == "" {
		return nil
	}
	s := string(r)
	if strings.HasPrefix(s, "/") || strings.Contains(s, "\\") {
		return fmt.Errorf("%w: %q", ErrPathEscapesRoot, s)
	}
	if path.Clean(s) != s {
		return fmt.Errorf("%w: %q is not clean", ErrInvalidRequest, s)
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q", ErrPathEscapesRoot, s)
		}
	}
	return nil
}

// Resolve joins the path onto root after validating it.
func (r RelPath) Resolve(root string) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if r == "" {
		return path.Clean(root), nil
	}
	return path.Join(root, string(r)), nil
}

// Contains reports whether other is r itself or lies beneath it.
func (r RelPath) Contains(other RelPath) bool {
	if r == "" || r == other {
		return true
	}
	return strings.HasPrefix(string(other), string(r)+"/")
}
