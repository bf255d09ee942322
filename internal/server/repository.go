// Package server provides the Konak embeddable HTTP/HTTPS/WebSocket
// server engine.
package server

import (
	"net/textproto"
	"sync"
	"time"
)

// Content is the result of a successful repository resolution.
type Content struct {
	// Body is the response body.
	Body []byte
	// MimeType is the content type; empty means "derive from the path".
	MimeType string
	// LastModified is the freshness timestamp; zero means unknown.
	LastModified time.Time
	// Compressible indicates the body may be gzip-compressed when the
	// client negotiates it.
	Compressible bool
}

// Repository resolves request paths to content. The engine holds an
// ordered list of repositories and queries them in order until one
// reports found. Implementations must be safe for concurrent use: every
// worker may call Resolve simultaneously.
type Repository interface {
	// Resolve looks up the given request path. The request headers are
	// passed so a repository can vary content on them; most ignore them.
	// found is false when the repository has no content for the path; a
	// non-nil error signals an internal failure and maps to an
	// internal-error response.
	Resolve(path string, header textproto.MIMEHeader) (content Content, found bool, err error)
}

// MemoryRepository is a Repository backed by an in-memory path map.
// It is the collaborator implementation used by examples and tests;
// heavier repositories (filesystem, precompiled assets) plug in through
// the same interface.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]Content
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]Content)}
}

// Add registers content under the given path. The path should include the
// leading slash ("/index.html").
func (r *MemoryRepository) Add(path string, body []byte, mimeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[path] = Content{
		Body:         body,
		MimeType:     mimeType,
		LastModified: time.Now(),
		Compressible: true,
	}
}

// AddContent registers a fully specified Content value under path.
func (r *MemoryRepository) AddContent(path string, c Content) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[path] = c
}

// Remove deletes the content registered under path, if any.
func (r *MemoryRepository) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, path)
}

// Resolve implements Repository.
func (r *MemoryRepository) Resolve(path string, _ textproto.MIMEHeader) (Content, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[path]
	return c, ok, nil
}
