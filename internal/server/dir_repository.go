package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotDirectory is returned when a DirRepository root is not a
// directory.
var ErrNotDirectory = errors.New("server: docroot is not a directory")

// DirRepository serves files from a directory tree. Request paths are
// resolved under the root; "/" maps to index.html. Paths escaping the
// root resolve to not-found, never to content outside it.
type DirRepository struct {
	root string
}

// NewDirRepository creates a repository rooted at dir.
func NewDirRepository(dir string) (*DirRepository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("server: docroot: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	return &DirRepository{root: abs}, nil
}

// Resolve implements Repository.
func (r *DirRepository) Resolve(reqPath string, _ textproto.MIMEHeader) (Content, bool, error) {
	clean := path.Clean("/" + reqPath)
	if clean == "/" {
		clean = "/index.html"
	}
	full := filepath.Join(r.root, filepath.FromSlash(clean))
	if !strings.HasPrefix(full, r.root+string(filepath.Separator)) {
		return Content{}, false, nil
	}

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Content{}, false, nil
		}
		return Content{}, false, err
	}
	if info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Content{}, false, nil
			}
			return Content{}, false, err
		}
	}

	body, err := os.ReadFile(full)
	if err != nil {
		return Content{}, false, err
	}

	mimeType := mimeTypeByPath(full)
	return Content{
		Body:         body,
		MimeType:     mimeType,
		LastModified: info.ModTime(),
		Compressible: isCompressibleMime(mimeType),
	}, true, nil
}

// isCompressibleMime reports whether content of the given type benefits
// from gzip. Already-compressed formats do not.
func isCompressibleMime(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/javascript", "application/json", "application/xml",
		"image/svg+xml", "application/wasm", "application/octet-stream":
		return true
	}
	return false
}
