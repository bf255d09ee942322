package server

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/konakweb/konak/internal/ipnet"
	"github.com/konakweb/konak/internal/logging"
)

// ClientConn represents one accepted client connection. It is created by
// the listener on accept, exclusively owned by the worker that dequeues
// it, and closed exactly once on every exit path of the processing
// pipeline. When a WebSocket handshake succeeds the connection is handed
// to the registered endpoint, which then drives all reads and writes;
// the worker still performs the final close when the endpoint returns.
type ClientConn struct {
	// conn is the active connection: the raw TCP connection, or the TLS
	// connection once the handshake has completed.
	conn net.Conn
	// peerAddr is the peer's IP address, captured at accept time.
	peerAddr ipnet.Addr
	// peerDN is the subject distinguished name extracted from the peer
	// certificate, empty when no client certificate was presented.
	peerDN string
	// br buffers reads from conn; parsed request bytes beyond the header
	// block stay available here for bodies and upgraded streams.
	br *bufio.Reader
	// id is the connection ID used for log correlation.
	id string
	// logger is the per-connection logger.
	logger logging.Logger
	// acceptedAt is when the connection was accepted.
	acceptedAt time.Time
	// failedAuth counts consecutive Basic-auth failures on this connection.
	failedAuth int
	// closeOnce guarantees the single-close invariant.
	closeOnce sync.Once
}

// newClientConn wraps an accepted network connection.
func newClientConn(conn net.Conn, log logging.Logger) *ClientConn {
	id := logging.GenerateConnID()

	addr, err := ipnet.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		// Leave the address invalid; admission treats it as unknown.
		addr = ipnet.Addr{}
	}

	return &ClientConn{
		conn:       conn,
		peerAddr:   addr,
		br:         bufio.NewReaderSize(conn, maxLineLength),
		id:         id,
		logger:     log.WithConnID(id),
		acceptedAt: time.Now(),
	}
}

// startTLS replaces the transport with the completed TLS connection.
// The buffered reader is rebuilt: no plaintext bytes may survive the
// handshake boundary.
func (c *ClientConn) startTLS(tc *tls.Conn) {
	c.conn = tc
	c.br = bufio.NewReaderSize(tc, maxLineLength)
}

// Read reads from the connection through the parse buffer, so bytes the
// parser buffered ahead are not lost. WebSocket endpoints use this for
// frame reads after the upgrade.
func (c *ClientConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// Write writes to the connection.
func (c *ClientConn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// Close closes the connection. Safe to call multiple times; only the
// first call reaches the socket.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// PeerAddr returns the peer's IP address.
func (c *ClientConn) PeerAddr() ipnet.Addr {
	return c.peerAddr
}

// PeerDN returns the peer certificate subject DN, or "" when the client
// did not authenticate with a certificate.
func (c *ClientConn) PeerDN() string {
	return c.peerDN
}

// RemoteAddr returns the peer's full network address.
func (c *ClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsTLS reports whether the connection went through a TLS handshake.
func (c *ClientConn) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// TLSState returns the TLS connection state, or nil for plain connections.
func (c *ClientConn) TLSState() *tls.ConnectionState {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tc.ConnectionState()
	return &state
}

// ID returns the connection ID used in logs.
func (c *ClientConn) ID() string {
	return c.id
}

// Logger returns the per-connection logger.
func (c *ClientConn) Logger() logging.Logger {
	return c.logger
}

// setReadDeadline applies a read deadline; zero clears it.
func (c *ClientConn) setReadDeadline(t time.Time) {
	_ = c.conn.SetReadDeadline(t)
}

// setWriteDeadline applies a write deadline; zero clears it.
func (c *ClientConn) setWriteDeadline(t time.Time) {
	_ = c.conn.SetWriteDeadline(t)
}
