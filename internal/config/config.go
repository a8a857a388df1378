// Package config holds the validated settings of the source and target
// commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/ignore"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/wsproto"
)

const (
	TransportWS   = "ws"
	TransportHTTP = "http"

	DefaultAddr      = "127.0.0.1:7938"
	DefaultServerURL = "http://127.0.0.1:7938"
)

var (
	ErrNoRoot      = errors.New("config: root missing")
	ErrNoServerURL = errors.New("config: server url missing")
)

// StateDir holds per-root state such as journals and lock files. It lives
// outside every replicated root.
var StateDir = defaultStateDir()

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "syftmirror")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".syftmirror")
}

type SourceConfig struct {
	Root       string `json:"root" mapstructure:"root"`
	ServerURL  string `json:"server_url" mapstructure:"server_url"`
	Transport  string `json:"transport" mapstructure:"transport"`
	Encoding   string `json:"encoding" mapstructure:"encoding"`
	IgnoreFile string `json:"ignore_file" mapstructure:"ignore_file"`
	Prune      bool   `json:"prune" mapstructure:"prune"`
}

func (c *SourceConfig) Validate() error {
	if c.Root == "" {
		return ErrNoRoot
	}
	root, err := utils.ResolvePath(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	if !utils.DirExists(root) {
		return fmt.Errorf("config: root %s is not a directory", root)
	}
	c.Root = root

	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("config: server url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: server url %q must be http or https", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: server url %q has no host", c.ServerURL)
	}

	switch c.Transport {
	case "":
		c.Transport = TransportWS
	case TransportWS, TransportHTTP:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}

	if _, err := wsproto.ParseEncoding(c.Encoding); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Encoding == "" {
		c.Encoding = wsproto.EncodingJSON.String()
	}

	if c.IgnoreFile != "" {
		p, err := utils.ResolvePath(c.IgnoreFile)
		if err != nil {
			return fmt.Errorf("config: ignore file: %w", err)
		}
		if !utils.FileExists(p) {
			return fmt.Errorf("config: ignore file %s not found", p)
		}
		c.IgnoreFile = p
	}
	return nil
}

// IgnoreList loads the root's ignore file plus the configured one.
func (c *SourceConfig) IgnoreList() (*ignore.List, error) {
	list := ignore.New(c.Root)
	var extra []string
	if c.IgnoreFile != "" {
		extra = append(extra, c.IgnoreFile)
	}
	if err := list.Load(extra...); err != nil {
		return nil, err
	}
	return list, nil
}

type TargetConfig struct {
	Root        string `json:"root" mapstructure:"root"`
	Addr        string `json:"addr" mapstructure:"addr"`
	JournalPath string `json:"journal" mapstructure:"journal"`
	LockPath    string `json:"lock" mapstructure:"lock"`
	CertFile    string `json:"cert_file" mapstructure:"cert_file"`
	KeyFile     string `json:"key_file" mapstructure:"key_file"`
}

func (c *TargetConfig) Validate() error {
	if c.Root == "" {
		return ErrNoRoot
	}
	root, err := utils.ResolvePath(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	if utils.FileExists(root) {
		return fmt.Errorf("config: root %s is a file", root)
	}
	c.Root = root

	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("config: addr %q: %w", c.Addr, err)
	}

	if c.JournalPath == "" {
		c.JournalPath = StatePath(root, "journal.db")
	} else if c.JournalPath, err = c.outsideRoot(c.JournalPath); err != nil {
		return fmt.Errorf("config: journal: %w", err)
	}

	if c.LockPath == "" {
		c.LockPath = StatePath(root, "target.lock")
	} else if c.LockPath, err = c.outsideRoot(c.LockPath); err != nil {
		return fmt.Errorf("config: lock: %w", err)
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("config: cert file and key file must be set together")
	}
	return nil
}

// outsideRoot resolves p and rejects it when it lies inside the target root,
// where reconciliation would delete it.
func (c *TargetConfig) outsideRoot(p string) (string, error) {
	resolved, err := utils.ResolvePath(p)
	if err != nil {
		return "", err
	}
	if utils.IsWithin(c.Root, resolved) {
		return "", fmt.Errorf("%s is inside root %s", resolved, c.Root)
	}
	return resolved, nil
}

// StatePath places a state file for root under StateDir, keyed by the root's
// path so that two roots never share state.
func StatePath(root, name string) string {
	return filepath.Join(StateDir, utils.ContentETag([]byte(root))[:16], name)
}
