// Package history provides the audit history kept by the Konak web server:
// last-seen timestamps for successful Basic-auth logins, peer IP
// connections, and peer certificate DN authentications.
package history

import (
	"sync"
	"time"

	"github.com/konakweb/konak/internal/ipnet"
)

// Store records last-seen timestamps for the three identity kinds the
// server audits. Each map is guarded by its own mutex; no operation takes
// more than one lock. Entries are upserted on every successful event and
// never expired: the store is a monotonically growing audit log.
type Store struct {
	loginMu sync.Mutex
	logins  map[string]time.Time

	peerIPMu sync.Mutex
	peerIPs  map[ipnet.Addr]time.Time

	peerDNMu sync.Mutex
	peerDNs  map[string]time.Time

	// now is the clock; replaced in tests.
	now func() time.Time
}

// NewStore creates an empty history store.
func NewStore() *Store {
	return &Store{
		logins:  make(map[string]time.Time),
		peerIPs: make(map[ipnet.Addr]time.Time),
		peerDNs: make(map[string]time.Time),
		now:     time.Now,
	}
}

// TouchLogin records a successful Basic-auth login for the given user.
func (s *Store) TouchLogin(login string) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	s.logins[login] = s.now()
}

// TouchPeerIP records a connection from the given peer address.
func (s *Store) TouchPeerIP(addr ipnet.Addr) {
	if !addr.IsValid() {
		return
	}
	s.peerIPMu.Lock()
	defer s.peerIPMu.Unlock()
	s.peerIPs[addr] = s.now()
}

// TouchPeerDN records a successful certificate authentication for the
// given subject distinguished name.
func (s *Store) TouchPeerDN(dn string) {
	s.peerDNMu.Lock()
	defer s.peerDNMu.Unlock()
	s.peerDNs[dn] = s.now()
}

// Logins returns a copied snapshot of the login history.
func (s *Store) Logins() map[string]time.Time {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	out := make(map[string]time.Time, len(s.logins))
	for k, v := range s.logins {
		out[k] = v
	}
	return out
}

// PeerIPs returns a copied snapshot of the peer IP history.
func (s *Store) PeerIPs() map[ipnet.Addr]time.Time {
	s.peerIPMu.Lock()
	defer s.peerIPMu.Unlock()
	out := make(map[ipnet.Addr]time.Time, len(s.peerIPs))
	for k, v := range s.peerIPs {
		out[k] = v
	}
	return out
}

// PeerDNs returns a copied snapshot of the peer DN history.
func (s *Store) PeerDNs() map[string]time.Time {
	s.peerDNMu.Lock()
	defer s.peerDNMu.Unlock()
	out := make(map[string]time.Time, len(s.peerDNs))
	for k, v := range s.peerDNs {
		out[k] = v
	}
	return out
}

// SetClock replaces the store's clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}
