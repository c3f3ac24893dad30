// Package pairing implements device pairing: a primary
// device mints an out-of-band pairing code and approves incoming requests;
// a linked device submits the code and polls for completion. Grounded on
// internal/trust's single-slot pending-state shape, generalized from "one
// pending trust prompt" to "one pending pairing session per role."
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"mi-e2ee/core/internal/coreerr"
)

// codeAlphabet excludes visually ambiguous characters (0/O, 1/I/L) for a
// pairing code a human reads aloud or types in from another screen.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const codeLength = 8

// Request is a pending pairing request as seen from the primary device.
type Request struct {
	DeviceID     string
	RequestIDHex string
}

// primaryState holds the in-flight pairing session from the primary's side.
type primaryState struct {
	code     string
	requests map[string]Request // keyed by RequestIDHex
}

// linkedState holds the in-flight pairing session from the linked device's
// side.
type linkedState struct {
	code      string
	completed bool
}

// Sender abstracts the transport round-trip pairing needs, so tests can
// substitute a stub without a full session.Manager/transport.Transport.
type Sender interface {
	SendPairingRequest(code string, deviceID string) (requestIDHex string, err error)
	ApprovePairingRequest(deviceID, requestIDHex string, sealedIdentity []byte) error
	PollPairingRequests(code string) ([]Request, error)
	PollLinkedCompletion(code string) (completed bool, sealedIdentity []byte, err error)
}

// IdentitySealer produces the sealed identity material sent to an approved
// linked device, and installs received sealed identity material locally.
type IdentitySealer interface {
	SealIdentityForPairing(deviceID string) ([]byte, error)
	InstallPairedIdentity(sealed []byte) error
}

// Manager is DevicePairing. One Manager per account; at most one pairing
// session may be in flight per role at a time.
type Manager struct {
	mu      sync.Mutex
	sender  Sender
	sealer  IdentitySealer
	primary *primaryState
	linked  *linkedState
}

func New(sender Sender, sealer IdentitySealer) *Manager {
	return &Manager{sender: sender, sealer: sealer}
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// BeginPairingPrimary mints a fresh out-of-band pairing code. Only one
// primary pairing session may be active at a time; a prior in-flight
// session is replaced.
func (m *Manager) BeginPairingPrimary() (code string, err error) {
	code, err = generateCode()
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindCrypto, "generate pairing code", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = &primaryState{code: code, requests: make(map[string]Request)}
	return code, nil
}

// PollPairingRequests returns the requests a linked device has submitted
// against the active primary pairing code.
func (m *Manager) PollPairingRequests() ([]Request, error) {
	m.mu.Lock()
	p := m.primary
	m.mu.Unlock()
	if p == nil {
		return nil, coreerr.New(coreerr.KindInvalidArgument, "no pairing session in progress")
	}

	incoming, err := m.sender.PollPairingRequests(p.code)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary == nil || m.primary.code != p.code {
		return nil, coreerr.New(coreerr.KindInvalidArgument, "pairing session was cancelled")
	}
	for _, r := range incoming {
		m.primary.requests[r.RequestIDHex] = r
	}
	out := make([]Request, 0, len(m.primary.requests))
	for _, r := range m.primary.requests {
		out = append(out, r)
	}
	return out, nil
}

// ApprovePairingRequest seals identity material for deviceID and sends it,
// completing the pairing for that device.
func (m *Manager) ApprovePairingRequest(deviceID, requestIDHex string) error {
	m.mu.Lock()
	p := m.primary
	m.mu.Unlock()
	if p == nil {
		return coreerr.New(coreerr.KindInvalidArgument, "no pairing session in progress")
	}
	if _, ok := p.requests[requestIDHex]; !ok {
		return coreerr.New(coreerr.KindInvalidArgument, "unknown pairing request_id")
	}

	sealed, err := m.sealer.SealIdentityForPairing(deviceID)
	if err != nil {
		return err
	}
	if err := m.sender.ApprovePairingRequest(deviceID, requestIDHex, sealed); err != nil {
		return err
	}

	m.mu.Lock()
	delete(p.requests, requestIDHex)
	m.mu.Unlock()
	return nil
}

// BeginPairingLinked submits code from a linked device wanting to join an
// existing identity.
func (m *Manager) BeginPairingLinked(code string) (requestIDHex string, err error) {
	requestIDHex, err = m.sender.SendPairingRequest(code, "")
	if err != nil {
		return "", err
	}
	if requestIDHex == "" {
		requestIDHex = newRequestIDHex()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = &linkedState{code: code}
	return requestIDHex, nil
}

// PollPairingLinked reports whether the primary has approved the pairing
// and, if so, installs the delivered identity material locally before
// reporting completion.
func (m *Manager) PollPairingLinked() (completed bool, err error) {
	m.mu.Lock()
	l := m.linked
	m.mu.Unlock()
	if l == nil {
		return false, coreerr.New(coreerr.KindInvalidArgument, "no pairing session in progress")
	}
	if l.completed {
		return true, nil
	}

	done, sealed, err := m.sender.PollLinkedCompletion(l.code)
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	if err := m.sealer.InstallPairedIdentity(sealed); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linked != nil && m.linked.code == l.code {
		m.linked.completed = true
	}
	return true, nil
}

// CancelPairing revokes any in-flight state on either side.
func (m *Manager) CancelPairing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = nil
	m.linked = nil
}

func newRequestIDHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
