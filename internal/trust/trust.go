// Package trust implements TOFU (trust-on-first-use) identity pinning for
// both the server connection and per-peer identity keys.
// It owns the single-slot pending-trust state machine and the short
// authentication string (SAS) used for out-of-band verification, mirroring
// server/room.go's Room type in shape: one mutex-guarded struct holding small
// in-memory state backed by a durable store, exposing narrow verbs rather
// than field access.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/model"
	"mi-e2ee/core/internal/store"
)

// sasMagic is prepended to the fingerprint bytes before hashing; a
// different concatenation or block size would change every SAS value.
const sasMagic = "MI_KT_ROOT_SAS_V1"

// Engine is the TOFU trust engine. One Engine per account, shared by
// SessionManager (server pins) and SendPipeline/EventPoller (peer pins).
type Engine struct {
	mu   sync.Mutex
	st   *store.Store
	pend *model.PendingTrust // at most one outstanding prompt, either kind

	// pendingPeerPub holds the raw identity key offered alongside the
	// fingerprint in pend, when pend.Kind is PendingTrustPeer. Kept
	// separate from model.PendingTrust since the server-kind prompt has no
	// equivalent field.
	pendingPeerPub [32]byte
}

// New constructs an Engine backed by st.
func New(st *store.Store) *Engine {
	return &Engine{st: st}
}

// DeriveSAS computes the short authentication string for fingerprint:
// first 20 hex chars of SHA-256(magic || fingerprint), grouped into
// hyphenated 4-character blocks (24 chars total: 20 hex + 4 hyphens).
func DeriveSAS(fingerprint [32]byte) string {
	h := sha256.Sum256(append([]byte(sasMagic), fingerprint[:]...))
	hexDigest := hex.EncodeToString(h[:])[:20]

	var b strings.Builder
	for i := 0; i < len(hexDigest); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(hexDigest[i : i+4])
	}
	return b.String()
}

// normalizeSAS strips hyphens and lowercases input for case/hyphen-
// insensitive comparison.
func normalizeSAS(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", ""))
}

// HasPendingServer reports whether a server trust prompt is outstanding.
func (e *Engine) HasPendingServer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pend != nil && e.pend.Kind == model.PendingTrustServer
}

// PendingServer returns the outstanding server prompt, if any.
func (e *Engine) PendingServer() (model.PendingTrust, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pend == nil || e.pend.Kind != model.PendingTrustServer {
		return model.PendingTrust{}, false
	}
	return *e.pend, true
}

// HasPendingPeer reports whether a peer trust prompt is outstanding.
func (e *Engine) HasPendingPeer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pend != nil && e.pend.Kind == model.PendingTrustPeer
}

// PendingPeer returns the outstanding peer prompt, if any.
func (e *Engine) PendingPeer() (model.PendingTrust, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pend == nil || e.pend.Kind != model.PendingTrustPeer {
		return model.PendingTrust{}, false
	}
	return *e.pend, true
}

// ClearPending discards any outstanding prompt without writing a pin. It
// never deletes an existing pin.
func (e *Engine) ClearPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pend = nil
}

// EvaluateServer checks endpoint's presented fingerprint against the stored
// pin. A first-ever connection or a changed fingerprint raises a pending
// server trust prompt and returns coreerr.TrustRequired(false); a match
// against the existing pin returns nil.
func (e *Engine) EvaluateServer(endpoint string, fingerprint [32]byte) error {
	pin, ok, err := e.st.ServerPin(endpoint)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "read server pin", err)
	}
	if ok && pin.Fingerprint == fingerprint {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pend != nil && e.pend.Kind == model.PendingTrustServer {
		// Same prompt re-raised by a retried handshake: idempotent, not a
		// conflict, as long as the fingerprint hasn't changed again.
		if e.pend.Fingerprint == fingerprint && e.pend.Host+fmt.Sprintf(":%d", e.pend.Port) == endpoint {
			return coreerr.TrustRequired(false)
		}
	}
	if e.pend != nil {
		return coreerr.New(coreerr.KindBusy, "a trust prompt is already pending; resolve or clear it first")
	}

	host, port := splitEndpoint(endpoint)
	e.pend = &model.PendingTrust{
		Kind:        model.PendingTrustServer,
		Host:        host,
		Port:        port,
		Fingerprint: fingerprint,
		PinSas:      DeriveSAS(fingerprint),
		Mismatch:    ok, // a pin already existed under a different fingerprint
	}
	return coreerr.TrustRequired(false)
}

// TrustPendingServer resolves the outstanding server prompt if sasInput
// matches (case/hyphen-insensitive). On match it writes the pin and clears
// the prompt; a second call with the same correct input is a no-op success
// — trusting the same prompt twice is idempotent, not an error.
func (e *Engine) TrustPendingServer(sasInput string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pend == nil || e.pend.Kind != model.PendingTrustServer {
		return nil // nothing pending: idempotent replay of a prior success
	}
	if normalizeSAS(sasInput) != normalizeSAS(e.pend.PinSas) {
		return coreerr.ErrSasMismatch
	}

	pin := model.ServerPin{
		Endpoint:    fmt.Sprintf("%s:%d", e.pend.Host, e.pend.Port),
		Fingerprint: e.pend.Fingerprint,
		TrustedAt:   nowUnix(),
	}
	if err := e.st.SaveServerPin(pin); err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "save server pin", err)
	}
	e.pend = nil
	return nil
}

// EvaluatePeer checks username's presented identity fingerprint against the
// stored pin, analogous to EvaluateServer.
func (e *Engine) EvaluatePeer(username string, identityPub, fingerprint [32]byte) error {
	pin, ok, err := e.st.PeerIdentity(username)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "read peer identity", err)
	}
	if ok && pin.Fingerprint == fingerprint {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pend != nil && e.pend.Kind == model.PendingTrustPeer {
		if e.pend.Username == username && e.pend.Fingerprint == fingerprint {
			return coreerr.TrustRequired(true)
		}
	}
	if e.pend != nil {
		return coreerr.New(coreerr.KindBusy, "a trust prompt is already pending; resolve or clear it first")
	}

	e.pend = &model.PendingTrust{
		Kind:        model.PendingTrustPeer,
		Username:    username,
		Fingerprint: fingerprint,
		PinSas:      DeriveSAS(fingerprint),
		Mismatch:    ok,
	}
	_ = identityPub // stored alongside the fingerprint once the prompt resolves
	e.pendingPeerPub = identityPub
	return coreerr.TrustRequired(true)
}

// TrustPendingPeer resolves the outstanding peer prompt, mirroring
// TrustPendingServer.
func (e *Engine) TrustPendingPeer(sasInput string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pend == nil || e.pend.Kind != model.PendingTrustPeer {
		return nil
	}
	if normalizeSAS(sasInput) != normalizeSAS(e.pend.PinSas) {
		return coreerr.ErrSasMismatch
	}

	id := model.PeerIdentity{
		Username:    e.pend.Username,
		IdentityPub: e.pendingPeerPub,
		Fingerprint: e.pend.Fingerprint,
		TrustedAt:   nowUnix(),
	}
	if err := e.st.SavePeerIdentity(id); err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "save peer identity", err)
	}
	e.pend = nil
	return nil
}

func nowUnix() int64 { return time.Now().Unix() }

func splitEndpoint(endpoint string) (host string, port int) {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return endpoint, 0
	}
	host = endpoint[:idx]
	fmt.Sscanf(endpoint[idx+1:], "%d", &port)
	return host, port
}
