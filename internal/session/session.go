// Package session implements SessionManager: registration, OPAQUE-style
// login, logout, heartbeat, and remote-mode liveness tracking.
// It is the first component above TrustEngine in the
// dependency order — it owns the Transport handle and routes every
// handshake through the Engine before issuing any authenticated request.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/text/secure/precis"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/crypto"
	"mi-e2ee/core/internal/store"
	"mi-e2ee/core/internal/transport"
	"mi-e2ee/core/internal/trust"
)

// State is SessionManager's state machine position:
// Uninitialized -> Anonymous -> {PendingServerTrust -> Anonymous} ->
// Authenticated -> Logout, with Authenticated able to fall back to
// Anonymous on token expiry.
type State int

const (
	StateUninitialized State = iota
	StateAnonymous
	StatePendingServerTrust
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "Anonymous"
	case StatePendingServerTrust:
		return "PendingServerTrust"
	case StateAuthenticated:
		return "Authenticated"
	default:
		return "Uninitialized"
	}
}

// Session is the authenticated handle returned by Login.
type Session struct {
	Token            string
	DeviceID         string
	ServerIdentity   [32]byte
}

// Manager coordinates the Transport, TrustEngine, and Crypto collaborators
// to authenticate and keep a session alive. One Manager per account, shared
// by SendPipeline, EventPoller, GroupCallKeyAgent through the endpoint they
// dial (the caller constructs each of those with a reference to Manager's
// current Transport via Manager.Transport()).
type Manager struct {
	mu sync.Mutex

	addr  string
	tr    transport.Transport
	trust *trust.Engine
	cry   crypto.Crypto
	st    *store.Store

	state      State
	token      string
	deviceID   string
	remoteMode bool
	remoteErr  error
}

// New constructs a Manager bound to addr (host:port) over tr, which the
// caller (the Facade) constructs once at startup; tr is dialed on each
// Register and Login.
func New(addr string, tr transport.Transport, te *trust.Engine, cry crypto.Crypto, st *store.Store) *Manager {
	return &Manager{addr: addr, tr: tr, trust: te, cry: cry, st: st, state: StateAnonymous}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

func (m *Manager) IsRemoteMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteMode
}

func (m *Manager) RemoteError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteErr
}

// RemoteOk reports whether the session is authenticated and not currently in
// remote-mode degradation — the condition EventPoller checks before treating
// a poll cycle's inbound events as trustworthy.
func (m *Manager) RemoteOk() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAuthenticated && !m.remoteMode
}

// handshakeAndEvaluate dials (if not already connected) and runs the
// presented server identity through TrustEngine, returning TrustRequired
// without sending anything further if the fingerprint is new or changed.
func (m *Manager) handshakeAndEvaluate(ctx context.Context) error {
	info, err := m.tr.Dial(ctx, m.addr)
	if err != nil {
		return coreerr.Transport(err)
	}
	if err := m.trust.EvaluateServer(m.addr, info.Fingerprint); err != nil {
		m.mu.Lock()
		m.state = StatePendingServerTrust
		m.mu.Unlock()
		return err
	}
	return nil
}

// registerFrame and loginFrame are the wire requests sent to the server.
// Kept unexported and JSON-encoded — the exact wire schema is a Transport/
// protocol concern owned by the server side of the connection, but a
// concrete shape is needed for the frame to exist.
type registerFrame struct {
	Op       string `json:"op"`
	Username string `json:"username"`
	Verifier []byte `json:"verifier"`
	Salt     []byte `json:"salt"`
}

type loginFrame struct {
	Op       string `json:"op"`
	Username string `json:"username"`
	Verifier []byte `json:"verifier"`
}

type loginResponse struct {
	Token          string   `json:"token"`
	DeviceID       string   `json:"device_id"`
	ServerIdentity [32]byte `json:"server_identity"`
	Err            string   `json:"err,omitempty"`
}

// normalizeUsername runs username through PRECIS UsernameCaseMapped, the
// canonical normalization profile for usernames handed to an auth protocol.
// client/app.go registers display names as opaque UTF-8 strings with no
// such normalization; this adds the case-folding an OPAQUE-style flow
// requires so two visually-identical usernames can't register as distinct
// identities.
func normalizeUsername(username string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(username)
	if err != nil {
		return "", coreerr.InvalidArgument("username", "not a valid username")
	}
	return norm, nil
}

// Register performs the OPAQUE-style augmented PAKE registration: derive a
// verifier via the Crypto trait's Argon2id-backed DeriveVerifier and submit
// it, never the raw password, to the server.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return coreerr.InvalidArgument("username", "username and password must not be empty")
	}
	norm, err := normalizeUsername(username)
	if err != nil {
		return err
	}

	if err := m.handshakeAndEvaluate(ctx); err != nil {
		return err
	}

	salt, err := m.cry.RandomBytes(16)
	if err != nil {
		return coreerr.Wrap(coreerr.KindCrypto, "generate salt", err)
	}
	verifier := m.cry.DeriveVerifier([]byte(password), salt)

	frame, err := json.Marshal(registerFrame{Op: "register", Username: norm, Verifier: verifier, Salt: salt})
	if err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "encode register frame", err)
	}

	resp, err := m.tr.SendRequest(ctx, frame)
	if err != nil {
		return coreerr.Transport(err)
	}
	var out struct{ Err string `json:"err,omitempty"` }
	if err := json.Unmarshal(resp, &out); err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "decode register response", err)
	}
	if out.Err != "" {
		return coreerr.Protocol(out.Err)
	}
	return nil
}

// Login performs the PAKE exchange and, on success, stores the issued
// token and device id. If the server's fingerprint is unpinned, Login
// returns TrustRequired and leaves the state machine in
// StatePendingServerTrust without attempting the PAKE frame.
func (m *Manager) Login(ctx context.Context, username, password string) (Session, error) {
	if username == "" || password == "" {
		return Session{}, coreerr.InvalidArgument("username", "username and password must not be empty")
	}
	norm, err := normalizeUsername(username)
	if err != nil {
		return Session{}, err
	}

	if err := m.handshakeAndEvaluate(ctx); err != nil {
		return Session{}, err
	}

	verifier := m.cry.DeriveVerifier([]byte(password), []byte(norm))
	frame, err := json.Marshal(loginFrame{Op: "login", Username: norm, Verifier: verifier})
	if err != nil {
		return Session{}, coreerr.Wrap(coreerr.KindProtocol, "encode login frame", err)
	}

	resp, err := m.tr.SendRequest(ctx, frame)
	if err != nil {
		return Session{}, coreerr.Transport(err)
	}
	var lr loginResponse
	if err := json.Unmarshal(resp, &lr); err != nil {
		return Session{}, coreerr.Wrap(coreerr.KindProtocol, "decode login response", err)
	}
	if lr.Err != "" {
		return Session{}, coreerr.Protocol(lr.Err)
	}

	m.mu.Lock()
	m.state = StateAuthenticated
	m.token = lr.Token
	m.deviceID = lr.DeviceID
	m.mu.Unlock()

	return Session{Token: lr.Token, DeviceID: lr.DeviceID, ServerIdentity: lr.ServerIdentity}, nil
}

// Logout is best-effort: it attempts a server-side revoke but always clears
// local state regardless of transport outcome.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token != "" {
		frame, _ := json.Marshal(map[string]string{"op": "logout", "token": token})
		_, _ = m.tr.SendRequest(ctx, frame) // best-effort; errors are swallowed
	}

	m.mu.Lock()
	m.state = StateAnonymous
	m.token = ""
	m.deviceID = ""
	m.remoteMode = false
	m.remoteErr = nil
	m.mu.Unlock()
	return nil
}

// Heartbeat is invoked by EventPoller on its cadence to confirm liveness and
// transparently refresh the token. On a 401-equivalent protocol error it
// demotes the state machine back to Anonymous, matching "Authenticated may
// transition back to Anonymous on token expiry."
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return coreerr.ErrNotLoggedIn
	}
	token := m.token
	m.mu.Unlock()

	frame, err := json.Marshal(map[string]string{"op": "heartbeat", "token": token})
	if err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "encode heartbeat frame", err)
	}
	resp, err := m.tr.SendRequest(ctx, frame)
	if err != nil {
		m.mu.Lock()
		m.remoteMode = true
		m.remoteErr = err
		m.mu.Unlock()
		return coreerr.Transport(err)
	}

	var hb struct {
		Token string `json:"token"`
		Err   string `json:"err,omitempty"`
	}
	if err := json.Unmarshal(resp, &hb); err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "decode heartbeat response", err)
	}
	if hb.Err != "" {
		m.mu.Lock()
		m.state = StateAnonymous
		m.token = ""
		m.mu.Unlock()
		return coreerr.Protocol(hb.Err)
	}

	m.mu.Lock()
	if hb.Token != "" {
		m.token = hb.Token
	}
	m.remoteMode = false
	m.remoteErr = nil
	m.mu.Unlock()
	return nil
}

// Relogin is triggered by EventPoller when polling observes an empty token
// while remote_mode is set; it re-runs Login with cached credentials
// supplied by the caller (the core never persists the raw password, so the
// Facade must re-prompt or hold it only transiently in memory).
func (m *Manager) Relogin(ctx context.Context, username, password string) (Session, error) {
	if !m.IsRemoteMode() {
		return Session{}, fmt.Errorf("session: relogin called outside remote mode")
	}
	return m.Login(ctx, username, password)
}

// Transport exposes the underlying Transport so sibling components
// (SendPipeline, EventPoller, GroupCallKeyAgent) can issue requests without
// each redialing or duplicating connection state.
func (m *Manager) Transport() transport.Transport { return m.tr }
