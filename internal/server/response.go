package server

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"
	"time"
)

// Response status classes rendered by the engine.
const (
	statusOK                  = 200
	statusSwitchingProtocols  = 101
	statusNoContent           = 204
	statusUnauthorized        = 401
	statusBadRequest          = 400
	statusNotFound            = 404
	statusInternalServerError = 500
	statusNotImplemented      = 501
)

// statusText maps status codes to their reason phrases.
func statusText(code int) string {
	switch code {
	case statusSwitchingProtocols:
		return "Switching Protocols"
	case statusOK:
		return "OK"
	case statusNoContent:
		return "No Content"
	case statusBadRequest:
		return "Bad Request"
	case statusUnauthorized:
		return "Unauthorized"
	case statusNotFound:
		return "Not Found"
	case statusInternalServerError:
		return "Internal Server Error"
	case statusNotImplemented:
		return "Not Implemented"
	default:
		return "OK"
	}
}

// Canned error bodies, kept deliberately small and self-contained.
const (
	bodyBadRequest = "<HTML><HEAD><TITLE>Bad Request</TITLE></HEAD>" +
		"<BODY><H1>Bad Request</H1>The server did not understand the request.</BODY></HTML>\n"
	bodyUnauthorized = "<HTML><HEAD><TITLE>Unauthorized</TITLE></HEAD>" +
		"<BODY><H1>Unauthorized</H1>Authentication is required to access this resource.</BODY></HTML>\n"
	bodyNotFound = "<HTML><HEAD><TITLE>Not Found</TITLE></HEAD>" +
		"<BODY><H1>Not Found</H1>The requested resource was not found on this server.</BODY></HTML>\n"
	bodyInternalError = "<HTML><HEAD><TITLE>Internal Server Error</TITLE></HEAD>" +
		"<BODY><H1>Internal Server Error</H1>The server failed to process the request.</BODY></HTML>\n"
	bodyNotImplemented = "<HTML><HEAD><TITLE>Not Implemented</TITLE></HEAD>" +
		"<BODY><H1>Not Implemented</H1>The request method is not supported.</BODY></HTML>\n"
)

// response describes one rendered HTTP response. It has no identity
// beyond the exchange it is built for.
type response struct {
	status       int
	mimeType     string
	body         []byte
	keepAlive    bool
	gzipped      bool
	// headOnly suppresses the body bytes while keeping the header
	// block, Content-Length included, identical to the GET form.
	headOnly     bool
	lastModified time.Time
	// extraHeaders are appended verbatim, one "Key: value" per entry.
	extraHeaders []string
}

// render writes the full header block and body into a buffer. Every
// response is either written completely or not at all; partial header
// blocks never reach the wire.
func (r *response) render(serverName string) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.status, statusText(r.status))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(timeFormat))
	fmt.Fprintf(&b, "Server: %s\r\n", serverName)

	if !r.lastModified.IsZero() {
		fmt.Fprintf(&b, "Last-Modified: %s\r\n", r.lastModified.UTC().Format(timeFormat))
	}
	if r.mimeType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", r.mimeType)
	}
	if r.gzipped {
		b.WriteString("Content-Encoding: gzip\r\n")
	}
	for _, h := range r.extraHeaders {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	if r.status != statusNoContent && r.status != statusSwitchingProtocols {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.body))
	}
	switch {
	case r.status == statusSwitchingProtocols:
		b.WriteString("Connection: Upgrade\r\n")
	case r.keepAlive:
		b.WriteString("Connection: keep-alive\r\n")
	default:
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	if !r.headOnly {
		b.Write(r.body)
	}

	return b.Bytes()
}

// timeFormat is the RFC 1123 date layout with a fixed GMT zone, as HTTP
// requires.
const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// errorResponse builds a canned error response for the given status.
func errorResponse(status int, keepAlive bool) *response {
	var body string
	switch status {
	case statusBadRequest:
		body = bodyBadRequest
	case statusUnauthorized:
		body = bodyUnauthorized
	case statusNotFound:
		body = bodyNotFound
	case statusNotImplemented:
		body = bodyNotImplemented
	default:
		body = bodyInternalError
	}
	return &response{
		status:    status,
		mimeType:  "text/html",
		body:      []byte(body),
		keepAlive: keepAlive,
	}
}

// challengeResponse builds the Basic-auth challenge.
func challengeResponse(realm string, keepAlive bool) *response {
	r := errorResponse(statusUnauthorized, keepAlive)
	r.extraHeaders = append(r.extraHeaders,
		fmt.Sprintf("WWW-Authenticate: Basic realm=%q", realm))
	return r
}

// contentResponse builds a success response from resolved content,
// compressing the body when the client negotiated gzip and the
// repository marked the content compressible.
func contentResponse(req *Request, c Content, clientGzip bool) *response {
	mimeType := c.MimeType
	if mimeType == "" {
		mimeType = mimeTypeByPath(req.Path)
	}

	body := c.Body
	gzipped := false
	if clientGzip && c.Compressible && len(body) >= minGzipLength {
		if zipped, err := gzipBytes(body); err == nil && len(zipped) < len(body) {
			body = zipped
			gzipped = true
		}
	}

	status := statusOK
	if len(c.Body) == 0 {
		status = statusNoContent
		body = nil
	}
	return &response{
		status:       status,
		mimeType:     mimeType,
		body:         body,
		keepAlive:    req.KeepAlive,
		gzipped:      gzipped,
		headOnly:     req.Method == "HEAD",
		lastModified: c.LastModified,
	}
}

// minGzipLength is the smallest body worth compressing; below this the
// gzip framing outweighs any savings.
const minGzipLength = 64

// gzipBytes compresses b at the default level.
func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mimeTypeByPath derives a content type from the path's extension.
func mimeTypeByPath(path string) string {
	ext := ""
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		ext = strings.ToLower(path[i:])
	}
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	return "application/octet-stream"
}

// mimeTypes is the extension table consulted for repository content that
// carries no explicit type.
var mimeTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".txt":  "text/plain",
	".xml":  "application/xml",
	".csv":  "text/csv",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".bmp":  "image/bmp",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".wav":  "audio/wav",
	".woff": "font/woff",
	".wasm": "application/wasm",
}
