// Package ignore decides which entries of a mirrored tree are never replicated.
package ignore

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/syftmirror/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the per-root rules file, read from the root of the tree.
const FileName = ".mirrorignore"

var defaultIgnoreLines = []string{
	FileName,
	// staged writes
	"*.syftmirror.tmp.*",
	// VCS
	".git",
	".hg",
	".svn",
	// editors
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	// general
	"*.tmp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

// List is a compiled set of gitignore-style rules.
type List struct {
	root   string
	lines  []string
	ignore *gitignore.GitIgnore
}

// New returns a List holding the built-in rules only.
func New(root string) *List {
	l := &List{root: root, lines: append([]string(nil), defaultIgnoreLines...)}
	l.compile()
	return l
}

// Load adds the rules of the root's rules file, when present, and of every
// extra file given. A missing extra file is an error.
func (l *List) Load(extra ...string) error {
	if l.root != "" {
		if p := filepath.Join(l.root, FileName); utils.FileExists(p) {
			if err := l.readFile(p); err != nil {
				return err
			}
		}
	}
	for _, p := range extra {
		if p == "" {
			continue
		}
		if err := l.readFile(p); err != nil {
			return err
		}
	}
	l.compile()
	return nil
}

// Add appends rules programmatically.
func (l *List) Add(lines ...string) {
	l.lines = append(l.lines, lines...)
	l.compile()
}

func (l *List) readFile(p string) error {
	file, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open ignore file: %w", err)
	}
	defer file.Close()

	rules := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		l.lines = append(l.lines, line)
		rules++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ignore file: %w", err)
	}

	slog.Info("loaded ignore file", "path", p, "rules", rules)
	return nil
}

func (l *List) compile() {
	l.ignore = gitignore.CompileIgnoreLines(l.lines...)
}

// ShouldIgnore matches a slash-separated path relative to the root.
func (l *List) ShouldIgnore(rel string, isDir bool) bool {
	if rel == "" {
		return false
	}
	if isDir && !strings.HasSuffix(rel, "/") {
		rel += "/"
	}
	return l.ignore.MatchesPath(rel)
}

// Rules returns the number of active rules.
func (l *List) Rules() int {
	return len(l.lines)
}
