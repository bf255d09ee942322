package server

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// webSocketMagic is the GUID from RFC 6455 section 1.3; the accept key
// is derived by digesting the client key concatenated with it.
const webSocketMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WebSocketHandler handles an upgraded bidirectional message stream.
// The engine performs the handshake and then calls OnUpgrade from the
// worker serving the connection; the call owns the connection until it
// returns, after which the engine closes it. Frame and message
// semantics beyond the handshake are entirely the handler's concern.
type WebSocketHandler interface {
	// OnUpgrade receives the connection after a successful handshake.
	OnUpgrade(c *ClientConn)
	// AllowCompression reports whether the permessage-deflate extension
	// may be negotiated for this endpoint.
	AllowCompression() bool
}

// isWebSocketUpgrade reports whether a parsed request asks for a
// WebSocket upgrade.
func isWebSocketUpgrade(req *Request) bool {
	if req.Method != "GET" {
		return false
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return false
	}
	connection := strings.ToLower(req.Header.Get("Connection"))
	return strings.Contains(connection, "upgrade")
}

// webSocketAcceptKey derives the server accept key from the client's
// opaque handshake key: base64(SHA-1(key + magic)).
func webSocketAcceptKey(clientKey string) string {
	h := sha1.Sum([]byte(clientKey + webSocketMagic))
	return base64.StdEncoding.EncodeToString(h[:])
}

// clientOffersDeflate reports whether the client offered the
// permessage-deflate extension.
func clientOffersDeflate(req *Request) bool {
	for _, v := range req.Header.Values("Sec-Websocket-Extensions") {
		for _, ext := range strings.Split(v, ",") {
			name := strings.TrimSpace(strings.Split(ext, ";")[0])
			if strings.EqualFold(name, "permessage-deflate") {
				return true
			}
		}
	}
	return false
}

// webSocketUpgradeResponse renders the 101 Switching Protocols header
// block for a validated upgrade request.
func webSocketUpgradeResponse(clientKey string, deflate bool) *response {
	r := &response{
		status:    statusSwitchingProtocols,
		keepAlive: false,
	}
	r.extraHeaders = append(r.extraHeaders,
		"Upgrade: websocket",
		"Sec-WebSocket-Accept: "+webSocketAcceptKey(clientKey),
	)
	if deflate {
		r.extraHeaders = append(r.extraHeaders, "Sec-WebSocket-Extensions: permessage-deflate")
	}
	return r
}
