package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
)

// Parser limits. Lines are bounded so a malicious client cannot grow
// server memory with an endless header; the limits match the original
// engine's 8 KB line buffer.
const (
	maxLineLength  = 8192
	maxHeaderCount = 100
)

// Request parsing errors.
var (
	// ErrLineTooLong is returned when a request or header line exceeds
	// the line buffer.
	ErrLineTooLong = errors.New("server: request line too long")
	// ErrMalformedRequest is returned when the request line or a header
	// cannot be parsed.
	ErrMalformedRequest = errors.New("server: malformed request")
	// ErrUnsupportedMethod is returned for methods the engine does not
	// implement.
	ErrUnsupportedMethod = errors.New("server: unsupported method")
	// ErrBodyTooLarge is returned when the declared body exceeds the
	// configured maximum.
	ErrBodyTooLarge = errors.New("server: request body too large")
	// ErrNotMultipart is returned by MultipartReader on requests that do
	// not carry multipart/form-data content.
	ErrNotMultipart = errors.New("server: not a multipart request")
)

// Request is one parsed HTTP request.
type Request struct {
	// Method is the request method (GET, POST, HEAD).
	Method string
	// URI is the raw request URI.
	URI string
	// Path is the URI without the query string.
	Path string
	// Query is the raw query string, without the leading '?'.
	Query string
	// Proto is the protocol version, "HTTP/1.0" or "HTTP/1.1".
	Proto string
	// Header holds the request headers with canonical keys.
	Header textproto.MIMEHeader
	// Body is the request body; nil for bodyless requests.
	Body []byte
	// KeepAlive reports the negotiated connection persistence.
	KeepAlive bool
}

// lineReader reads CRLF-terminated lines from r with a hard length bound.
type lineReader struct {
	r io.ByteReader
}

// readLine returns the next line without its terminator. Lone LF is
// accepted; the CR before it is stripped.
func (lr *lineReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if sb.Len() > maxLineLength {
			return "", ErrLineTooLong
		}
	}
	return sb.String(), nil
}

// readRequest parses one request from the connection's buffered reader.
// maxBody bounds the accepted Content-Length.
func readRequest(br io.ByteReader, maxBody int64) (*Request, error) {
	lr := &lineReader{r: br}

	line, err := lr.readLine()
	if err != nil {
		return nil, err
	}
	// Tolerate a stray empty line before the request line, as clients
	// occasionally send one after a previous request's body.
	if line == "" {
		line, err = lr.readLine()
		if err != nil {
			return nil, err
		}
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	req.Header, err = readHeaders(lr)
	if err != nil {
		return nil, err
	}

	req.KeepAlive = negotiateKeepAlive(req.Proto, req.Header.Get("Connection"))

	switch req.Method {
	case "GET", "HEAD":
		// No body.
	case "POST":
		if err := readBody(br, req, maxBody); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}

	return req, nil
}

// parseRequestLine parses "METHOD SP URI SP HTTP/x.y".
func parseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	method, uri, proto := parts[0], parts[1], parts[2]

	if method == "" || uri == "" || uri[0] != '/' {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return nil, fmt.Errorf("%w: protocol %q", ErrMalformedRequest, proto)
	}

	req := &Request{
		Method: method,
		URI:    uri,
		Proto:  proto,
	}
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		req.Path, req.Query = uri[:i], uri[i+1:]
	} else {
		req.Path = uri
	}
	return req, nil
}

// readHeaders reads the header block up to the empty line.
func readHeaders(lr *lineReader) (textproto.MIMEHeader, error) {
	h := make(textproto.MIMEHeader)
	count := 0
	for {
		line, err := lr.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		count++
		if count > maxHeaderCount {
			return nil, fmt.Errorf("%w: too many headers", ErrMalformedRequest)
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: header %q", ErrMalformedRequest, line)
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		h.Add(key, value)
	}
}

// readBody reads a Content-Length delimited body.
func readBody(br io.ByteReader, req *Request, maxBody int64) error {
	cl := req.Header.Get("Content-Length")
	if cl == "" {
		return nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: content-length %q", ErrMalformedRequest, cl)
	}
	if n == 0 {
		return nil
	}
	if maxBody > 0 && n > maxBody {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n)
	}

	body := make([]byte, n)
	for i := int64(0); i < n; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		body[i] = b
	}
	req.Body = body
	return nil
}

// negotiateKeepAlive applies HTTP/1.x connection persistence defaults.
func negotiateKeepAlive(proto, connection string) bool {
	c := strings.ToLower(connection)
	if proto == "HTTP/1.1" {
		return !strings.Contains(c, "close")
	}
	return strings.Contains(c, "keep-alive")
}

// acceptsGzip reports whether the client offered gzip content encoding.
// A q-value of zero marks the coding as refused, not offered.
func acceptsGzip(h textproto.MIMEHeader) bool {
	for _, v := range h.Values("Accept-Encoding") {
		for _, enc := range strings.Split(v, ",") {
			coding, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
			if strings.TrimSpace(coding) != "gzip" {
				continue
			}
			if qValue(params) > 0 {
				return true
			}
		}
	}
	return false
}

// qValue parses the quality parameter out of an Accept-Encoding entry's
// parameter list. Absent or unparsable quality counts as 1.
func qValue(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		p = strings.TrimSpace(p)
		if rest, ok := strings.CutPrefix(p, "q="); ok {
			if q, err := strconv.ParseFloat(rest, 64); err == nil {
				return q
			}
		}
	}
	return 1
}

// MultipartReader returns a reader over a multipart/form-data body. The
// caller configures collection limits through the server's multipart
// settings; field-level handling is up to the application.
func (r *Request) MultipartReader() (*multipart.Reader, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return nil, ErrNotMultipart
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, ErrNotMultipart
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, fmt.Errorf("%w: missing boundary", ErrMalformedRequest)
	}
	return multipart.NewReader(strings.NewReader(string(r.Body)), boundary), nil
}
