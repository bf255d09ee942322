package server

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/konakweb/konak/internal/ipnet"
	"github.com/konakweb/konak/internal/logging"
)

// startTestServer starts a server on an ephemeral IPv4 port, applying
// configure before Start, and returns the bound address. The server is
// stopped when the test finishes.
func startTestServer(t *testing.T, configure func(*WebServer)) (*WebServer, string) {
	t.Helper()

	ws := New()
	ws.SetLogger(logging.NewNop())
	ws.ListenTo(0)
	ws.ListenIPv4Only()
	// Idle keep-alive connections must not pin workers past shutdown.
	ws.SetReadTimeout(500 * time.Millisecond)
	if configure != nil {
		configure(ws)
	}

	if err := ws.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if ws.IsRunning() {
			if err := ws.StopBlocking(5 * time.Second); err != nil {
				t.Errorf("StopBlocking failed: %v", err)
			}
		}
	})

	addrs := ws.ListenerAddrs()
	if len(addrs) == 0 {
		t.Fatal("no bound listeners")
	}
	return ws, addrs[0].String()
}

// rawResponse is one response read off a hand-driven connection.
type rawResponse struct {
	statusLine string
	status     int
	header     textproto.MIMEHeader
	body       []byte
}

// readRawResponse reads one complete response from br.
func readRawResponse(t *testing.T, br *bufio.Reader) (*rawResponse, error) {
	t.Helper()

	tp := textproto.NewReader(br)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("bad status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad status code in %q", statusLine)
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	var body []byte
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, err
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
	}
	return &rawResponse{statusLine: statusLine, status: status, header: header, body: body}, nil
}

// TestLifecycle tests Start, IsRunning, Stop, and Wait transitions.
func TestLifecycle(t *testing.T) {
	ws := New()
	ws.SetLogger(logging.NewNop())
	ws.ListenTo(0)
	ws.ListenIPv4Only()

	if ws.IsRunning() {
		t.Error("new server reports running")
	}
	if err := ws.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop on stopped server = %v, want ErrNotRunning", err)
	}

	if err := ws.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !ws.IsRunning() {
		t.Error("started server reports not running")
	}
	if err := ws.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("double Start = %v, want ErrAlreadyRunning", err)
	}

	if err := ws.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	ws.Wait()
	if ws.IsRunning() {
		t.Error("stopped server still reports running")
	}
}

// TestStartValidation tests configuration rejection.
func TestStartValidation(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*WebServer)
		wantErr   error
	}{
		{"negative port", func(ws *WebServer) { ws.ListenTo(-1) }, ErrInvalidPort},
		{"port too high", func(ws *WebServer) { ws.ListenTo(70000) }, ErrInvalidPort},
		{"zero pool", func(ws *WebServer) { ws.SetThreadsPoolSize(0) }, ErrInvalidPoolSize},
		{"no family", func(ws *WebServer) { ws.ListenIPv4Only(); ws.ListenIPv6Only() }, ErrNoIPFamily},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := New()
			ws.SetLogger(logging.NewNop())
			tt.configure(ws)
			if err := ws.Start(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Start = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestServeContent tests the plain HTTP request path end to end.
func TestServeContent(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Add("/index.html", []byte("<html><body>hello</body></html>"), "text/html")

	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(repo)
	})

	client := &http.Client{Timeout: 2 * time.Second}
	defer client.CloseIdleConnections()

	resp, err := client.Get("http://" + addr + "/index.html")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Server"); got != DefaultServerName {
		t.Errorf("server header = %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "hello") {
		t.Errorf("body = %q", body)
	}

	notFound, err := client.Get("http://" + addr + "/missing")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Errorf("missing path status = %d", notFound.StatusCode)
	}
}

// TestKeepAlive tests that one connection serves multiple requests.
func TestKeepAlive(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Add("/a.txt", []byte("first"), "text/plain")
	repo.Add("/b.txt", []byte("second"), "text/plain")

	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(repo)
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	for i, path := range []string{"/a.txt", "/b.txt"} {
		if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: test\r\n\r\n", path); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		resp, err := readRawResponse(t, br)
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		if resp.status != 200 {
			t.Errorf("request %d status = %d", i, resp.status)
		}
		if resp.header.Get("Connection") != "keep-alive" {
			t.Errorf("request %d connection = %q", i, resp.header.Get("Connection"))
		}
	}

	// An explicit close request ends the loop.
	fmt.Fprintf(conn, "GET /a.txt HTTP/1.1\r\nConnection: close\r\n\r\n")
	resp, err := readRawResponse(t, br)
	if err != nil {
		t.Fatalf("read final response: %v", err)
	}
	if resp.header.Get("Connection") != "close" {
		t.Errorf("final connection = %q", resp.header.Get("Connection"))
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("connection still open after close response: %v", err)
	}
}

// TestGzipNegotiation tests compression over the wire.
func TestGzipNegotiation(t *testing.T) {
	repo := NewMemoryRepository()
	big := strings.Repeat("compressible content ", 100)
	repo.Add("/big.txt", []byte(big), "text/plain")

	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(repo)
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET /big.txt HTTP/1.1\r\nAccept-Encoding: gzip\r\nConnection: close\r\n\r\n")
	resp, err := readRawResponse(t, br)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.header.Get("Content-Encoding") != "gzip" {
		t.Errorf("content-encoding = %q", resp.header.Get("Content-Encoding"))
	}
	if len(resp.body) >= len(big) {
		t.Errorf("compressed body (%d bytes) not smaller than original (%d)", len(resp.body), len(big))
	}
}

// TestBasicAuth tests the authentication gate and the login history.
func TestBasicAuth(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Add("/secret.txt", []byte("classified"), "text/plain")

	ws, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(repo)
		ws.AddLoginPass("alice", "s3cret")
		ws.SetAuthRealm("TestRealm")
	})

	client := &http.Client{Timeout: 2 * time.Second}
	defer client.CloseIdleConnections()

	// No credentials: challenged.
	resp, err := client.Get("http://" + addr + "/secret.txt")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != `Basic realm="TestRealm"` {
		t.Errorf("www-authenticate = %q", got)
	}

	// Valid credentials: served and recorded.
	req, err := http.NewRequest("GET", "http://"+addr+"/secret.txt", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.SetBasicAuth("alice", "s3cret")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("authenticated GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}
	if string(body) != "classified" {
		t.Errorf("body = %q", body)
	}

	if _, ok := ws.LoginHistory()["alice"]; !ok {
		t.Error("successful login not recorded in history")
	}
}

// TestBasicAuthRepeatedFailure tests that the first failed attempt keeps
// the connection open and the second closes it.
func TestBasicAuthRepeatedFailure(t *testing.T) {
	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(NewMemoryRepository())
		ws.AddLoginPass("alice", "s3cret")
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	resp, err := readRawResponse(t, br)
	if err != nil {
		t.Fatalf("read first challenge: %v", err)
	}
	if resp.status != 401 {
		t.Errorf("first status = %d", resp.status)
	}
	if resp.header.Get("Connection") != "keep-alive" {
		t.Errorf("first challenge connection = %q, want keep-alive", resp.header.Get("Connection"))
	}

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	resp, err = readRawResponse(t, br)
	if err != nil {
		t.Fatalf("read second challenge: %v", err)
	}
	if resp.status != 401 {
		t.Errorf("second status = %d", resp.status)
	}
	if resp.header.Get("Connection") != "close" {
		t.Errorf("second challenge connection = %q, want close", resp.header.Get("Connection"))
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("connection still open after repeated failure: %v", err)
	}
}

// TestHostDenied tests the hard close for peers outside the allow-list.
func TestHostDenied(t *testing.T) {
	n, err := ipnet.ParseNetwork("203.0.113.0/24")
	if err != nil {
		t.Fatalf("ParseNetwork: %v", err)
	}
	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(NewMemoryRepository())
		ws.AddHostsAllowed(n)
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A denied host gets no response bytes, only a close.
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Errorf("expected EOF from denied host, got %v", err)
	}
}

// TestPeerIPHistory tests that connecting peers are recorded.
func TestPeerIPHistory(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Add("/x", []byte("x"), "text/plain")
	ws, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(repo)
	})

	client := &http.Client{Timeout: 2 * time.Second}
	defer client.CloseIdleConnections()
	resp, err := client.Get("http://" + addr + "/x")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	loopback, err := ipnet.ParseAddr("127.0.0.1")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	if _, ok := ws.PeerIPHistory()[loopback]; !ok {
		t.Errorf("loopback peer not recorded; history = %v", ws.PeerIPHistory())
	}
}

// TestNotImplementedMethod tests the 501 mapping over the wire.
func TestNotImplementedMethod(t *testing.T) {
	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(NewMemoryRepository())
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "DELETE /x HTTP/1.1\r\nHost: test\r\n\r\n")
	resp, err := readRawResponse(t, br)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.status != 501 {
		t.Errorf("status = %d, want 501", resp.status)
	}
}

// wsEndpoint is a test WebSocket handler that signals the upgrade and
// holds the connection until released.
type wsEndpoint struct {
	upgraded chan struct{}
	release  chan struct{}
	once     sync.Once
}

func newWSEndpoint() *wsEndpoint {
	return &wsEndpoint{upgraded: make(chan struct{}), release: make(chan struct{})}
}

func (e *wsEndpoint) OnUpgrade(c *ClientConn) {
	e.once.Do(func() { close(e.upgraded) })
	<-e.release
}

func (e *wsEndpoint) AllowCompression() bool { return false }

// TestWebSocketUpgrade tests the handshake against a real client.
func TestWebSocketUpgrade(t *testing.T) {
	endpoint := newWSEndpoint()
	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddWebSocket("/chat", endpoint)
	})
	defer close(endpoint.release)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/chat", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-endpoint.upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the upgraded connection")
	}
}

// TestWebSocketUnregisteredPath tests the 404 for unknown endpoints.
func TestWebSocketUnregisteredPath(t *testing.T) {
	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddWebSocket("/chat", newWSEndpoint())
	})

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/nowhere", nil)
	if err == nil {
		t.Fatal("dial to unregistered endpoint succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 response, got %+v", resp)
	}
}

// TestWebSocketUpgradeRequiresAuth tests that an upgrade request passes
// through Basic-auth admission before any handshake happens.
func TestWebSocketUpgradeRequiresAuth(t *testing.T) {
	endpoint := newWSEndpoint()
	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddWebSocket("/chat", endpoint)
		ws.AddLoginPass("alice", "s3cret")
	})
	defer close(endpoint.release)

	// No credentials: challenged, never upgraded.
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/chat", nil)
	if err == nil {
		t.Fatal("unauthenticated upgrade succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %+v", resp)
	}
	if resp != nil && resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("401 response carries no WWW-Authenticate challenge")
	}
	select {
	case <-endpoint.upgraded:
		t.Fatal("handler received an unauthenticated connection")
	default:
	}

	// Valid credentials: handshake completes.
	hdr := http.Header{"Authorization": []string{basicHeader("alice", "s3cret")}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/chat", hdr)
	if err != nil {
		t.Fatalf("authenticated dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-endpoint.upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the upgraded connection")
	}
}

// slowRepository blocks each resolution long enough to observe pool
// concurrency, tracking the high-water mark.
type slowRepository struct {
	current atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (r *slowRepository) Resolve(path string, _ textproto.MIMEHeader) (Content, bool, error) {
	n := r.current.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(r.delay)
	r.current.Add(-1)
	return Content{Body: []byte("slow"), MimeType: "text/plain"}, true, nil
}

// TestWorkerPoolBound tests that concurrency never exceeds the pool size
// while queued connections are all eventually served.
func TestWorkerPoolBound(t *testing.T) {
	const poolSize = 3
	const clients = 5

	repo := &slowRepository{delay: 150 * time.Millisecond}
	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.SetThreadsPoolSize(poolSize)
		ws.AddRepository(repo)
	})

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			fmt.Fprintf(conn, "GET /slow HTTP/1.1\r\nConnection: close\r\n\r\n")
			resp, err := readRawResponse(t, bufio.NewReader(conn))
			if err != nil {
				errs <- err
				return
			}
			if resp.status != 200 {
				errs <- fmt.Errorf("status %d", resp.status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("client error: %v", err)
	}

	if peak := repo.peak.Load(); peak > poolSize {
		t.Errorf("observed %d concurrent resolutions with a pool of %d", peak, poolSize)
	}
}

// TestTLSServe tests HTTPS end to end with a self-signed certificate.
func TestTLSServe(t *testing.T) {
	certPEM, keyPEM, err := generateTestCertificate()
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	certFile := writeCombinedPEM(t, t.TempDir(), certPEM, keyPEM)

	repo := NewMemoryRepository()
	repo.Add("/tls.txt", []byte("over tls"), "text/plain")

	_, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(repo)
		ws.SetUseSSL(true, certFile, "")
	})

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET /tls.txt HTTP/1.1\r\nConnection: close\r\n\r\n")
	resp, err := readRawResponse(t, br)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.status != 200 {
		t.Errorf("status = %d", resp.status)
	}
	if string(resp.body) != "over tls" {
		t.Errorf("body = %q", resp.body)
	}
}

// issueClientKeyPair creates a CA-signed client identity usable for TLS
// dialing, returning the certificate and its subject DN.
func issueClientKeyPair(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string) (tls.Certificate, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Clients"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("sign client certificate: %v", err)
	}
	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("parse client certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key}, parsed.Subject.String()
}

// TestTLSPeerAuth tests X.509 peer authentication with a DN allow-list.
func TestTLSPeerAuth(t *testing.T) {
	certPEM, keyPEM, err := generateTestCertificate()
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	ca, caKey, caPEM, err := generateTestCA()
	if err != nil {
		t.Fatalf("generate CA: %v", err)
	}

	dir := t.TempDir()
	certFile := writeCombinedPEM(t, dir, certPEM, keyPEM)
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, caPEM, 0600); err != nil {
		t.Fatalf("write CA file: %v", err)
	}

	aliceCert, aliceDN := issueClientKeyPair(t, ca, caKey, "alice")
	malloryCert, _ := issueClientKeyPair(t, ca, caKey, "mallory")

	repo := NewMemoryRepository()
	repo.Add("/peer.txt", []byte("peer ok"), "text/plain")

	ws, addr := startTestServer(t, func(ws *WebServer) {
		ws.AddRepository(repo)
		ws.SetUseSSL(true, certFile, "")
		ws.SetAuthPeerSSL(true, caFile)
		ws.AddAuthPeerDN(aliceDN)
	})

	exchange := func(cert tls.Certificate) (*rawResponse, error) {
		conn, err := tls.Dial("tcp", addr, &tls.Config{
			InsecureSkipVerify: true,
			Certificates:       []tls.Certificate{cert},
		})
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		if _, err := fmt.Fprintf(conn, "GET /peer.txt HTTP/1.1\r\nConnection: close\r\n\r\n"); err != nil {
			return nil, err
		}
		return readRawResponse(t, bufio.NewReader(conn))
	}

	resp, err := exchange(aliceCert)
	if err != nil {
		t.Fatalf("allowed peer exchange failed: %v", err)
	}
	if resp.status != 200 {
		t.Errorf("allowed peer status = %d", resp.status)
	}
	if _, ok := ws.PeerDNHistory()[aliceDN]; !ok {
		t.Error("accepted peer DN not recorded in history")
	}

	// A peer outside the allow-list fails during or right after the
	// handshake; the denial surfaces as a connection error client-side.
	if _, err := exchange(malloryCert); err == nil {
		t.Error("peer outside the DN allow-list was served")
	}
	if len(ws.PeerDNHistory()) != 1 {
		t.Errorf("denied peer leaked into history: %v", ws.PeerDNHistory())
	}
}

// TestStopUnblocksIdleWorkers tests that shutdown releases workers
// blocked on an empty queue.
func TestStopUnblocksIdleWorkers(t *testing.T) {
	ws := New()
	ws.SetLogger(logging.NewNop())
	ws.ListenTo(0)
	ws.ListenIPv4Only()
	ws.SetThreadsPoolSize(4)

	if err := ws.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ws.StopBlocking(2 * time.Second); err != nil {
		t.Fatalf("StopBlocking failed: %v", err)
	}
	if ws.IsRunning() {
		t.Error("server still reports running after StopBlocking")
	}
}
