package server

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FormPart is one decoded part of a multipart/form-data body. Small
// parts stay in memory; parts over the collection threshold are spooled
// to a file under the server's multipart temp dir.
type FormPart struct {
	// Name is the part's form field name.
	Name string
	// FileName is the client-supplied file name, empty for plain fields.
	FileName string
	// Data holds the payload for in-memory parts, nil when spooled.
	Data []byte
	// TempFile is the path of the spooled payload, empty when in memory.
	TempFile string
}

// InMemory reports whether the part's payload is held in Data rather
// than spooled to TempFile.
func (p *FormPart) InMemory() bool {
	return p.TempFile == ""
}

// Remove deletes the part's spooled file, if any. In-memory parts are
// a no-op.
func (p *FormPart) Remove() error {
	if p.TempFile == "" {
		return nil
	}
	return os.Remove(p.TempFile)
}

// CollectMultipart decodes a multipart/form-data request into its
// parts. Parts whose payload exceeds maxMemory bytes are spooled to
// files under the configured multipart temp dir; the caller removes
// spooled files when done with them. Parts collected before a failure
// are returned alongside the error so their files can be cleaned up.
func (ws *WebServer) CollectMultipart(req *Request, maxMemory int64) ([]FormPart, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, err
	}
	dir := ws.MultipartTempDir()

	var parts []FormPart
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return parts, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}

		buf, err := io.ReadAll(io.LimitReader(p, maxMemory+1))
		if err != nil {
			return parts, fmt.Errorf("server: reading multipart part: %w", err)
		}

		fp := FormPart{Name: p.FormName(), FileName: p.FileName()}
		if int64(len(buf)) > maxMemory {
			path, err := spoolPart(dir, buf, p)
			if err != nil {
				return parts, err
			}
			fp.TempFile = path
		} else {
			fp.Data = buf
		}
		parts = append(parts, fp)
	}
}

// spoolPart writes the already-read head and the part's remaining bytes
// to a fresh file under dir, removing the file on failure.
func spoolPart(dir string, head []byte, rest io.Reader) (string, error) {
	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("server: creating upload spool file: %w", err)
	}
	_, werr := f.Write(head)
	if werr == nil {
		_, werr = io.Copy(f, rest)
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("server: spooling multipart part: %w", werr)
	}
	return f.Name(), nil
}
