package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/konakweb/konak/internal/history"
	"github.com/konakweb/konak/internal/ipnet"
	"github.com/konakweb/konak/internal/logging"
)

// Lifecycle errors.
var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("server: already running")
	// ErrNotRunning is returned when Stop is called on a stopped server.
	ErrNotRunning = errors.New("server: not running")
	// ErrInvalidPort is returned when the configured port is out of range.
	ErrInvalidPort = errors.New("server: invalid port")
	// ErrInvalidPoolSize is returned when the worker pool size is not
	// positive.
	ErrInvalidPoolSize = errors.New("server: thread pool size must be at least 1")
	// ErrNoIPFamily is returned when both IP families are disabled.
	ErrNoIPFamily = errors.New("server: both IPv4 and IPv6 are disabled")
	// ErrShutdownTimeout is returned by StopBlocking when workers do not
	// exit within the given timeout.
	ErrShutdownTimeout = errors.New("server: shutdown timed out")
)

// Defaults matching the engine's historical behavior.
const (
	// DefaultPort is the default TCP listen port.
	DefaultPort = 8080
	// DefaultPoolSize is the default number of worker threads.
	DefaultPoolSize = 5
	// DefaultServerName is the Server header value.
	DefaultServerName = "Konak/1.0"
	// DefaultMultipartMaxLength bounds buffered multipart data.
	DefaultMultipartMaxLength = 20 * 1024 * 1024
	// DefaultAuthRealm is the Basic-auth challenge realm.
	DefaultAuthRealm = "Konak"
)

// WebServer is the embeddable HTTP/HTTPS server engine. Configure it
// with the setter methods, register repositories and WebSocket
// endpoints, then call Start. The configuration is snapshotted at Start
// and immutable while the server runs.
type WebServer struct {
	mu sync.Mutex

	logger     logging.Logger
	serverName string
	port       int
	device     string

	disableIPv4 bool
	disableIPv6 bool
	poolSize    int

	readTimeout  time.Duration
	writeTimeout time.Duration

	sslEnabled   bool
	certFile     string
	certPassword string
	caFile       string
	authPeerSSL  bool
	allowedDNs   []string
	verifyDepth  int
	peerPolicy   PeerPolicy

	logins          map[string]string
	allowedNetworks []ipnet.Network
	authRealm       string

	multipartTempDir   string
	multipartMaxLength int64

	repositories []Repository
	endpoints    map[string]WebSocketHandler

	hist *history.Store

	// Runtime state, valid between Start and the completion of Wait.
	tlsConfig  *tls.Config
	adm        *admission
	queue      *connQueue
	listeners  []net.Listener
	exiting    atomic.Bool
	running    atomic.Bool
	listenerWG sync.WaitGroup
	workerWG   sync.WaitGroup
}

// New creates a WebServer with default settings: port 8080, five
// workers, both IP families, no TLS, no authentication.
func New() *WebServer {
	return &WebServer{
		logger:             logging.NewDefault(),
		serverName:         DefaultServerName,
		port:               DefaultPort,
		poolSize:           DefaultPoolSize,
		verifyDepth:        DefaultVerifyDepth,
		logins:             make(map[string]string),
		endpoints:          make(map[string]WebSocketHandler),
		authRealm:          DefaultAuthRealm,
		multipartTempDir:   os.TempDir(),
		multipartMaxLength: DefaultMultipartMaxLength,
		hist:               history.NewStore(),
	}
}

// SetLogger sets the server's logger.
func (ws *WebServer) SetLogger(log logging.Logger) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if log != nil {
		ws.logger = log
	}
}

// SetServerName sets the name reported in the Server response header.
func (ws *WebServer) SetServerName(name string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.serverName = name
}

// SetThreadsPoolSize sets the number of worker threads.
func (ws *WebServer) SetThreadsPoolSize(n int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.poolSize = n
}

// ListenTo sets the TCP port to listen on. Port 0 asks the kernel for
// an ephemeral port; ListenerAddrs reports the bound addresses.
func (ws *WebServer) ListenTo(port int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.port = port
}

// SetDevice binds the listening sockets to a network device (Linux only).
func (ws *WebServer) SetDevice(device string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.device = device
}

// ListenIPv4Only disables the IPv6 listener.
func (ws *WebServer) ListenIPv4Only() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.disableIPv6 = true
}

// ListenIPv6Only disables the IPv4 listener.
func (ws *WebServer) ListenIPv6Only() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.disableIPv4 = true
}

// SetUseSSL enables HTTPS. certFile is a PEM file holding the
// certificate chain and private key; certPassword decrypts an encrypted
// key block and may be empty.
func (ws *WebServer) SetUseSSL(enabled bool, certFile, certPassword string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.sslEnabled = enabled
	ws.certFile = certFile
	ws.certPassword = certPassword
}

// SetAuthPeerSSL enables X.509 peer authentication against the CA
// chain in caFile.
func (ws *WebServer) SetAuthPeerSSL(enabled bool, caFile string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.authPeerSSL = enabled
	ws.caFile = caFile
}

// AddAuthPeerDN restricts peer authentication to the given subject DN.
// Adding at least one DN turns the allow-list on.
func (ws *WebServer) AddAuthPeerDN(dn string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.allowedDNs = append(ws.allowedDNs, dn)
}

// SetVerifyDepth sets the maximum accepted certificate chain depth.
func (ws *WebServer) SetVerifyDepth(depth int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.verifyDepth = depth
}

// SetPeerPolicy injects a custom peer-authentication policy, replacing
// the built-in DN allow-list policy.
func (ws *WebServer) SetPeerPolicy(p PeerPolicy) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.peerPolicy = p
}

// AddLoginPass enables HTTP Basic auth for the given login. The
// password may be cleartext or a {SCHEME}-prefixed hash.
func (ws *WebServer) AddLoginPass(login, password string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.logins[login] = password
}

// SetAuthRealm sets the realm sent in Basic-auth challenges.
func (ws *WebServer) SetAuthRealm(realm string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.authRealm = realm
}

// AddHostsAllowed adds a network to the allow-list. Once any network is
// added, peers outside every listed network are refused.
func (ws *WebServer) AddHostsAllowed(n ipnet.Network) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.allowedNetworks = append(ws.allowedNetworks, n)
}

// AddRepository appends a content repository. Repositories are queried
// in registration order; the first that reports found wins.
func (ws *WebServer) AddRepository(r Repository) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if r != nil {
		ws.repositories = append(ws.repositories, r)
	}
}

// AddWebSocket registers a WebSocket endpoint at the given path.
func (ws *WebServer) AddWebSocket(endpoint string, h WebSocketHandler) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if h != nil {
		ws.endpoints[endpoint] = h
	}
}

// SetMultipartTempDir sets the directory CollectMultipart spools
// oversized upload parts to. Defaults to the system temp dir.
func (ws *WebServer) SetMultipartTempDir(dir string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.multipartTempDir = dir
}

// SetMultipartMaxCollectedLength bounds the data buffered while parsing
// multipart content; it also bounds accepted request bodies.
func (ws *WebServer) SetMultipartMaxCollectedLength(max int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.multipartMaxLength = max
}

// MultipartTempDir returns the configured upload spool directory.
func (ws *WebServer) MultipartTempDir() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.multipartTempDir
}

// SetReadTimeout bounds each request read; zero disables the bound.
func (ws *WebServer) SetReadTimeout(d time.Duration) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.readTimeout = d
}

// SetWriteTimeout bounds each response write; zero disables the bound.
func (ws *WebServer) SetWriteTimeout(d time.Duration) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.writeTimeout = d
}

// LoginHistory returns a snapshot of successful Basic-auth logins and
// their last-seen times.
func (ws *WebServer) LoginHistory() map[string]time.Time {
	return ws.hist.Logins()
}

// PeerIPHistory returns a snapshot of peer addresses and their last
// connection times.
func (ws *WebServer) PeerIPHistory() map[ipnet.Addr]time.Time {
	return ws.hist.PeerIPs()
}

// PeerDNHistory returns a snapshot of authenticated peer DNs and their
// last handshake times.
func (ws *WebServer) PeerDNHistory() map[string]time.Time {
	return ws.hist.PeerDNs()
}

// Port returns the configured listen port.
func (ws *WebServer) Port() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.port
}

// ListenerAddrs returns the addresses of the bound listening sockets.
// Empty unless the server is running.
func (ws *WebServer) ListenerAddrs() []net.Addr {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	addrs := make([]net.Addr, 0, len(ws.listeners))
	for _, ln := range ws.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Start validates the configuration, binds the listening sockets, and
// spawns the listener goroutines and the worker pool. It is
// non-blocking: use Wait to join a running server. Bind, listen, and
// TLS-context failures are fatal and reported here.
func (ws *WebServer) Start() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.running.Load() {
		return ErrAlreadyRunning
	}
	if ws.port < 0 || ws.port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, ws.port)
	}
	if ws.poolSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPoolSize, ws.poolSize)
	}
	if ws.disableIPv4 && ws.disableIPv6 {
		return ErrNoIPFamily
	}

	ws.adm = &admission{
		allowedNetworks: ws.allowedNetworks,
		logins:          ws.logins,
	}

	ws.tlsConfig = nil
	if ws.sslEnabled {
		policy := ws.peerPolicy
		if policy == nil {
			policy = &dnPolicy{
				allowedDNs:  ws.allowedDNs,
				verifyDepth: ws.verifyDepth,
				password:    ws.certPassword,
				history:     ws.hist,
			}
		}
		cfg, err := buildTLSConfig(tlsMaterial{certFile: ws.certFile, caFile: ws.caFile}, ws.authPeerSSL, policy)
		if err != nil {
			return err
		}
		ws.tlsConfig = cfg
	}

	listeners, err := ws.bindListeners()
	if err != nil {
		return err
	}

	ws.listeners = listeners
	ws.queue = newConnQueue()
	ws.exiting.Store(false)

	for _, ln := range ws.listeners {
		ws.listenerWG.Add(1)
		go ws.acceptLoop(ln)
	}
	for i := 0; i < ws.poolSize; i++ {
		ws.workerWG.Add(1)
		go ws.workerLoop()
	}

	ws.running.Store(true)
	ws.logger.Info("service started",
		"port", ws.port,
		"workers", ws.poolSize,
		"tls", ws.sslEnabled,
		"listeners", len(ws.listeners))
	return nil
}

// bindListeners creates one passive socket per enabled IP family.
func (ws *WebServer) bindListeners() ([]net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl(ws.device)}

	type spec struct {
		network string
		address string
	}
	var specs []spec
	if !ws.disableIPv4 {
		specs = append(specs, spec{"tcp4", fmt.Sprintf(":%d", ws.port)})
	}
	if !ws.disableIPv6 {
		specs = append(specs, spec{"tcp6", fmt.Sprintf("[::]:%d", ws.port)})
	}

	var listeners []net.Listener
	for _, s := range specs {
		ln, err := lc.Listen(context.Background(), s.network, s.address)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("server: bind %s %s: %w", s.network, s.address, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// Stop signals shutdown: the exiting flag is set, the queue stops
// accepting work, and the listening sockets are closed. It does not
// block; use Wait or StopBlocking to join.
func (ws *WebServer) Stop() error {
	if !ws.running.Load() {
		return ErrNotRunning
	}

	ws.logger.Info("service stopping")
	ws.exiting.Store(true)
	ws.queue.shutdown()
	for _, ln := range ws.listeners {
		ln.Close()
	}
	return nil
}

// Wait blocks until every listener goroutine and worker has exited.
// Connections being processed run to their natural exit point; nothing
// mid-flight is forcibly killed.
func (ws *WebServer) Wait() {
	ws.listenerWG.Wait()
	ws.workerWG.Wait()
	ws.running.Store(false)
	ws.logger.Info("service stopped")
}

// StopBlocking signals shutdown and waits up to timeout for the server
// to finish. A zero timeout waits forever.
func (ws *WebServer) StopBlocking(timeout time.Duration) error {
	if err := ws.Stop(); err != nil {
		return err
	}
	if timeout <= 0 {
		ws.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		ws.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the server has been started and not yet
// fully stopped.
func (ws *WebServer) IsRunning() bool {
	return ws.running.Load()
}

// acceptLoop accepts connections on one listening socket and enqueues
// them for the worker pool.
func (ws *WebServer) acceptLoop(ln net.Listener) {
	defer ws.listenerWG.Done()

	log := ws.logger.WithFields("listener", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ws.exiting.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if isTransientAcceptError(err) {
				log.Warn("transient accept error", "error", err.Error())
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.Error("fatal accept error", "error", err.Error())
			return
		}

		c := newClientConn(conn, ws.logger)
		ws.hist.TouchPeerIP(c.PeerAddr())

		if !ws.queue.push(c) {
			// Shutdown raced the accept; the connection is ours to close.
			c.Close()
			return
		}
	}
}

// isTransientAcceptError reports whether an accept failure is worth
// retrying. Interrupted calls and aborted connections are transient;
// anything else tears the accept loop down.
func isTransientAcceptError(err error) bool {
	if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// workerLoop is the body of one pool worker: dequeue, run the pipeline,
// repeat until the queue reports shutdown.
func (ws *WebServer) workerLoop() {
	defer ws.workerWG.Done()

	for {
		c, ok := ws.queue.popBlocking()
		if !ok {
			return
		}
		ws.handleConnection(c)
	}
}

// handleConnection runs the full per-connection pipeline: TLS
// handshake, admission, and the request/response loop. Any failure
// closes the connection and returns the worker to the queue; no failure
// here may take the worker down.
func (ws *WebServer) handleConnection(c *ClientConn) {
	log := c.Logger()
	log.Debug("connection accepted", "client", c.RemoteAddr().String())

	defer func() {
		c.Close()
		log.Debug("connection closed",
			"client", c.PeerAddr().String(),
			"duration_ms", time.Since(c.acceptedAt).Milliseconds())
	}()

	if ws.tlsConfig != nil {
		if !ws.tlsHandshake(c) {
			return
		}
	}

	if !ws.adm.hostAllowed(c.PeerAddr()) {
		// Security denial: hard close, no response.
		log.Warn("connection refused: host not in allowed networks",
			"client", c.PeerAddr().String())
		return
	}

	ws.serveRequests(c)
}

// tlsHandshake performs the TLS handshake on the raw connection and
// captures the peer DN. Returns false when the connection must close.
func (ws *WebServer) tlsHandshake(c *ClientConn) bool {
	log := c.Logger()

	tc := tls.Server(c.conn, ws.tlsConfig)
	if ws.readTimeout > 0 {
		c.setReadDeadline(time.Now().Add(ws.readTimeout))
	}
	if err := tc.Handshake(); err != nil {
		if isPolicyDenial(err) {
			log.Warn("peer certificate denied by policy",
				"client", c.RemoteAddr().String(),
				"error", err.Error())
		} else {
			log.Warn("TLS handshake failed",
				"client", c.RemoteAddr().String(),
				"error", err.Error())
		}
		// The deferred close in handleConnection releases the socket.
		return false
	}
	c.setReadDeadline(time.Time{})
	c.startTLS(tc)

	state := tc.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		c.peerDN = state.PeerCertificates[0].Subject.String()
	}
	log.Debug("TLS handshake completed",
		"client", c.RemoteAddr().String(),
		"peer_dn", c.peerDN)
	return true
}

// serveRequests runs the keep-alive request/response loop.
func (ws *WebServer) serveRequests(c *ClientConn) {
	log := c.Logger()

	for {
		if ws.exiting.Load() {
			return
		}

		if ws.readTimeout > 0 {
			c.setReadDeadline(time.Now().Add(ws.readTimeout))
		}
		req, err := readRequest(c.br, ws.multipartMaxLength)
		if err != nil {
			ws.handleParseError(c, err)
			return
		}
		c.setReadDeadline(time.Time{})

		// Admission precedes everything, the WebSocket handshake
		// included: an upgrade request is challenged like any other.
		if ws.adm.basicAuthEnabled() {
			login, err := ws.adm.checkBasicAuth(req.Header.Get("Authorization"))
			if err != nil {
				c.failedAuth++
				// First failure keeps the connection open so the client
				// can retry with credentials; repeated failure closes.
				keep := req.KeepAlive && c.failedAuth < 2
				log.Warn("authentication failed",
					"client", c.PeerAddr().String(),
					"attempt", c.failedAuth)
				if werr := ws.writeResponse(c, challengeResponse(ws.authRealm, keep)); werr != nil || !keep {
					return
				}
				continue
			}
			c.failedAuth = 0
			if login != "" {
				ws.hist.TouchLogin(login)
				log.Debug("authenticated", "login", login)
			}
		}

		if isWebSocketUpgrade(req) {
			ws.handleWebSocket(c, req)
			return
		}

		resp := ws.resolve(req, log)
		if err := ws.writeResponse(c, resp); err != nil {
			log.Warn("write error", "error", err.Error())
			return
		}
		log.Debug("request served",
			"method", req.Method,
			"path", req.Path,
			"status", resp.status)

		if !resp.keepAlive {
			return
		}
	}
}

// handleParseError maps a request-read failure to its response (or
// silent close) before the connection is torn down.
func (ws *WebServer) handleParseError(c *ClientConn, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		// Peer went away between requests, or a stuck read timed out.
		return
	}

	log := c.Logger()
	switch {
	case errors.Is(err, ErrUnsupportedMethod):
		log.Debug("unsupported method", "error", err.Error())
		_ = ws.writeResponse(c, errorResponse(statusNotImplemented, false))
	case errors.Is(err, ErrLineTooLong),
		errors.Is(err, ErrMalformedRequest),
		errors.Is(err, ErrBodyTooLarge):
		log.Debug("malformed request", "error", err.Error())
		_ = ws.writeResponse(c, errorResponse(statusBadRequest, false))
	default:
		log.Warn("read error", "error", err.Error())
	}
}

// resolve walks the repository list and builds the response for an
// ordinary HTTP request.
func (ws *WebServer) resolve(req *Request, log logging.Logger) *response {
	for _, repo := range ws.repositories {
		content, found, err := repo.Resolve(req.Path, req.Header)
		if err != nil {
			log.Error("repository error", "path", req.Path, "error", err.Error())
			return errorResponse(statusInternalServerError, req.KeepAlive)
		}
		if found {
			return contentResponse(req, content, acceptsGzip(req.Header))
		}
	}
	return errorResponse(statusNotFound, req.KeepAlive)
}

// handleWebSocket validates an upgrade request, performs the handshake,
// and hands the connection to the registered endpoint. The engine's
// involvement ends at the successful handshake; the connection is
// closed when the endpoint returns.
func (ws *WebServer) handleWebSocket(c *ClientConn, req *Request) {
	log := c.Logger()

	handler, ok := ws.endpoints[req.Path]
	if !ok {
		log.Debug("upgrade request for unregistered endpoint", "path", req.Path)
		_ = ws.writeResponse(c, errorResponse(statusNotFound, false))
		return
	}

	clientKey := req.Header.Get("Sec-Websocket-Key")
	version := req.Header.Get("Sec-Websocket-Version")
	if clientKey == "" || version != "13" {
		log.Debug("invalid websocket handshake",
			"path", req.Path,
			"version", version)
		resp := errorResponse(statusBadRequest, false)
		resp.extraHeaders = append(resp.extraHeaders, "Sec-WebSocket-Version: 13")
		_ = ws.writeResponse(c, resp)
		return
	}

	deflate := clientOffersDeflate(req) && handler.AllowCompression()
	if err := ws.writeResponse(c, webSocketUpgradeResponse(clientKey, deflate)); err != nil {
		log.Warn("websocket handshake write failed", "error", err.Error())
		return
	}

	log.Info("websocket upgraded",
		"path", req.Path,
		"client", c.PeerAddr().String(),
		"deflate", deflate)

	// The endpoint owns the stream until it returns; deadlines from the
	// handshake must not fire mid-session.
	c.setReadDeadline(time.Time{})
	c.setWriteDeadline(time.Time{})
	handler.OnUpgrade(c)
}

// writeResponse renders and writes a complete response.
func (ws *WebServer) writeResponse(c *ClientConn, r *response) error {
	if ws.writeTimeout > 0 {
		c.setWriteDeadline(time.Now().Add(ws.writeTimeout))
		defer c.setWriteDeadline(time.Time{})
	}
	_, err := c.Write(r.render(ws.serverName))
	return err
}
