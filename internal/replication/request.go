package replication

import (
	"errors"
	"fmt"
)

// Request is a self-contained description of one change to replicate.
//
// IsDir is set only for EventAdded. Content is carried only for an added file
// and for EventModified; a nil Content on those is an empty file.
type Request struct {
	Type    EventType `json:"event_type" msgpack:"event_type"`
	Path    RelPath   `json:"relative_path" msgpack:"relative_path"`
	IsDir   *bool     `json:"is_dir,omitempty" msgpack:"is_dir,omitempty"`
	Content []byte    `json:"file_content,omitempty" msgpack:"file_content,omitempty"`
}

func NewAddedDir(p RelPath) *Request {
	isDir := true
	return &Request{Type: EventAdded, Path: p, IsDir: &isDir}
}

func NewAddedFile(p RelPath, content []byte) *Request {
	isDir := false
	return &Request{Type: EventAdded, Path: p, IsDir: &isDir, Content: content}
}

func NewModified(p RelPath, content []byte) *Request {
	return &Request{Type: EventModified, Path: p, Content: content}
}

func NewRemoved(p RelPath) *Request {
	return &Request{Type: EventRemoved, Path: p}
}

// Dir reports whether the request adds a directory.
func (r *Request) Dir() bool {
	return r.IsDir != nil && *r.IsDir
}

// Validate checks the shape of the request against its event type.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := r.Path.Validate(); err != nil {
		return err
	}

	switch r.Type {
	case EventAdded:
		if r.IsDir == nil {
			return fmt.Errorf("%w: ADDED requires is_dir", ErrInvalidRequest)
		}
		if *r.IsDir && len(r.Content) > 0 {
			return fmt.Errorf("%w: directory ADDED carries content", ErrInvalidRequest)
		}
		if !*r.IsDir && r.Path.IsRoot() {
			return fmt.Errorf("%w: file ADDED at root", ErrInvalidRequest)
		}
	case EventRemoved:
		if r.IsDir != nil || len(r.Content) > 0 {
			return fmt.Errorf("%w: REMOVED carries no is_dir or content", ErrInvalidRequest)
		}
		if r.Path.IsRoot() {
			return fmt.Errorf("%w: REMOVED of root", ErrInvalidRequest)
		}
	case EventModified:
		if r.IsDir != nil {
			return fmt.Errorf("%w: MODIFIED carries no is_dir", ErrInvalidRequest)
		}
		if r.Path.IsRoot() {
			return fmt.Errorf("%w: MODIFIED of root", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownEvent, uint8(r.Type))
	}
	return nil
}

func (r *Request) String() string {
	switch r.Type {
	case EventAdded:
		if r.Dir() {
			return fmt.Sprintf("%s dir %q", r.Type, r.Path)
		}
		return fmt.Sprintf("%s file %q (%d bytes)", r.Type, r.Path, len(r.Content))
	case EventModified:
		return fmt.Sprintf("%s %q (%d bytes)", r.Type, r.Path, len(r.Content))
	default:
		return fmt.Sprintf("%s %q", r.Type, r.Path)
	}
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Response is the outcome of applying a Request or a Manifest.
type Response struct {
	Status Status `json:"status" msgpack:"status"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`
}

func Success() *Response {
	return &Response{Status: StatusSuccess}
}

func Failure(err error) *Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Response{Status: StatusFailure, Error: msg}
}

func (r *Response) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Err converts a failure response back into an error.
func (r *Response) Err() error {
	if r == nil {
		return errors.New("empty response")
	}
	if r.Status == StatusSuccess {
		return nil
	}
	return errors.New(r.Error)
}

// Manifest lists every entry present under the source root after an initial
// pass. A target prunes whatever it holds that is not listed.
type Manifest struct {
	Paths []RelPath `json:"paths" msgpack:"paths"`
}
