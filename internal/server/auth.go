package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/konakweb/konak/internal/ipnet"
)

// Admission errors.
var (
	// ErrHostDenied is returned when the peer address is not in the
	// allowed-network list.
	ErrHostDenied = errors.New("server: host not authorized")
	// ErrAuthRequired is returned when Basic auth is configured and the
	// request carries no usable Authorization header.
	ErrAuthRequired = errors.New("server: authentication required")
	// ErrAuthFailed is returned when the presented credentials do not
	// match the login table.
	ErrAuthFailed = errors.New("server: authentication failed")
	// ErrInvalidPasswordFormat is returned when a stored password hash
	// cannot be decoded.
	ErrInvalidPasswordFormat = errors.New("server: invalid stored password format")
	// ErrUnsupportedScheme is returned when a stored password uses an
	// unknown hash scheme.
	ErrUnsupportedScheme = errors.New("server: unsupported password scheme")
)

// Password scheme prefixes accepted in the login table. Entries without
// a scheme prefix are compared as cleartext.
const (
	SchemeSHA256    = "{SHA256}"
	SchemeSSHA256   = "{SSHA256}"
	SchemeSHA512    = "{SHA512}"
	SchemeSSHA512   = "{SSHA512}"
	SchemeCleartext = "{CLEARTEXT}"
)

// admission evaluates IP allow-lists and Basic-auth credentials before a
// request is serviced. Peer-DN enforcement happens earlier, during the
// TLS handshake, and is not repeated here.
type admission struct {
	// allowedNetworks is the network allow-list; empty permits all hosts.
	allowedNetworks []ipnet.Network
	// logins maps login names to stored passwords (cleartext or
	// {SCHEME}-prefixed hashes). nil disables Basic auth.
	logins map[string]string
}

// hostAllowed reports whether addr may connect. An empty allow-list
// means all hosts are permitted; an invalid (unknown) address is only
// admitted when no list is configured.
func (a *admission) hostAllowed(addr ipnet.Addr) bool {
	if len(a.allowedNetworks) == 0 {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	for _, n := range a.allowedNetworks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// basicAuthEnabled reports whether a login table is configured.
func (a *admission) basicAuthEnabled() bool {
	return len(a.logins) > 0
}

// checkBasicAuth validates an Authorization header value against the
// login table. On success it returns the authenticated login name.
// Malformed base64 and malformed credential strings are defined
// failures, reported as ErrAuthRequired so the client is re-challenged.
func (a *admission) checkBasicAuth(authorization string) (string, error) {
	if !a.basicAuthEnabled() {
		return "", nil
	}
	if authorization == "" {
		return "", ErrAuthRequired
	}

	const prefix = "Basic "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", ErrAuthRequired
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authorization[len(prefix):]))
	if err != nil {
		return "", ErrAuthRequired
	}

	cred := string(decoded)
	i := strings.IndexByte(cred, ':')
	if i <= 0 {
		return "", ErrAuthRequired
	}
	login, password := cred[:i], cred[i+1:]

	stored, ok := a.logins[login]
	if !ok {
		// Burn comparable time for unknown logins.
		_ = verifyPassword(password, "{SHA256}AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		return "", ErrAuthFailed
	}
	if err := verifyPassword(password, stored); err != nil {
		return "", ErrAuthFailed
	}
	return login, nil
}

// verifyPassword verifies a plaintext password against a stored value.
// The stored value is either cleartext or "{SCHEME}base64-hash"; salted
// schemes append the salt to the hash before encoding. Comparison is
// constant-time on the hash bytes.
func verifyPassword(plaintext, stored string) error {
	if stored == "" {
		return ErrInvalidPasswordFormat
	}

	schemeEnd := strings.IndexByte(stored, '}')
	if !strings.HasPrefix(stored, "{") || schemeEnd == -1 {
		if subtle.ConstantTimeCompare([]byte(plaintext), []byte(stored)) == 1 {
			return nil
		}
		return ErrAuthFailed
	}

	scheme := strings.ToUpper(stored[:schemeEnd+1])
	encoded := stored[schemeEnd+1:]

	switch scheme {
	case SchemeCleartext:
		if subtle.ConstantTimeCompare([]byte(plaintext), []byte(encoded)) == 1 {
			return nil
		}
		return ErrAuthFailed
	case SchemeSHA256:
		return verifyDigest(plaintext, encoded, sha256.Size, false)
	case SchemeSSHA256:
		return verifyDigest(plaintext, encoded, sha256.Size, true)
	case SchemeSHA512:
		return verifyDigest(plaintext, encoded, sha512.Size, false)
	case SchemeSSHA512:
		return verifyDigest(plaintext, encoded, sha512.Size, true)
	default:
		return ErrUnsupportedScheme
	}
}

// verifyDigest compares plaintext against a base64-encoded digest of the
// given size, optionally salted (digest || salt).
func verifyDigest(plaintext, encoded string, size int, salted bool) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrInvalidPasswordFormat
	}
	if len(raw) < size {
		return ErrInvalidPasswordFormat
	}

	var salt []byte
	stored := raw[:size]
	if salted {
		salt = raw[size:]
	} else if len(raw) != size {
		return ErrInvalidPasswordFormat
	}

	computed := digest(plaintext, salt, size)
	if subtle.ConstantTimeCompare(stored, computed) == 1 {
		return nil
	}
	return ErrAuthFailed
}

// digest hashes plaintext||salt with the algorithm matching size.
func digest(plaintext string, salt []byte, size int) []byte {
	data := append([]byte(plaintext), salt...)
	if size == sha512.Size {
		sum := sha512.Sum512(data)
		return sum[:]
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashPassword creates a stored-password value for the login table using
// the given scheme. Salted schemes get a random 8-byte salt.
func HashPassword(plaintext, scheme string) (string, error) {
	scheme = strings.ToUpper(scheme)
	switch scheme {
	case SchemeCleartext:
		return SchemeCleartext + plaintext, nil
	case SchemeSHA256, SchemeSHA512:
		size := sha256.Size
		if scheme == SchemeSHA512 {
			size = sha512.Size
		}
		return scheme + base64.StdEncoding.EncodeToString(digest(plaintext, nil, size)), nil
	case SchemeSSHA256, SchemeSSHA512:
		size := sha256.Size
		if scheme == SchemeSSHA512 {
			size = sha512.Size
		}
		salt := make([]byte, 8)
		if _, err := rand.Read(salt); err != nil {
			return "", err
		}
		sum := digest(plaintext, salt, size)
		return scheme + base64.StdEncoding.EncodeToString(append(sum, salt...)), nil
	default:
		return "", ErrUnsupportedScheme
	}
}
