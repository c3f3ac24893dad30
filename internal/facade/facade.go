// Package facade implements the Host API surface: the one
// entry point a host application (desktop shell, mobile bridge, FFI caller)
// talks to. It wires together SessionManager, TrustEngine, SendPipeline,
// EventPoller, GroupCallKeyAgent, MediaRelay, LocalStore, the
// PendingOutgoing scheduler, DevicePairing, the friend/device roster, and
// group membership behind a single serialization domain.
// Grounded on client/app.go's App type: a thin struct bridging
// a UI boundary to Transport/Audio, exposing narrow public methods and
// guarding shared state with one mutex.
package facade

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"mi-e2ee/core/internal/config"
	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/crypto"
	"mi-e2ee/core/internal/groupcall"
	"mi-e2ee/core/internal/groups"
	"mi-e2ee/core/internal/media"
	"mi-e2ee/core/internal/model"
	"mi-e2ee/core/internal/pairing"
	"mi-e2ee/core/internal/pending"
	"mi-e2ee/core/internal/poller"
	"mi-e2ee/core/internal/previewserver"
	"mi-e2ee/core/internal/roster"
	"mi-e2ee/core/internal/sendpipeline"
	"mi-e2ee/core/internal/session"
	"mi-e2ee/core/internal/store"
	"mi-e2ee/core/internal/transport"
	"mi-e2ee/core/internal/trust"
)

// Capability bits returned by Capabilities().
const (
	CapChat uint32 = 1 << iota
	CapGroup
	CapMedia
	CapGroupCall
	CapOffline
	CapDeviceSync
	CapKcp
	CapOpaque
)

// Version is the {major, minor, patch, abi} tuple. abi
// increments on any breaking change to the wire or on-disk envelope
// formats.
type Version struct {
	Major, Minor, Patch, Abi uint32
}

var coreVersion = Version{Major: 1, Minor: 0, Patch: 0, Abi: 1}

// Facade is the single object a host application holds. Every operation
// that mutates transport-level state is serialized by sessionMu; the
// file-transfer slot and media queues use their own
// independent locks owned by sendpipeline.Pipeline and media.Relay.
type Facade struct {
	sessionMu sync.Mutex

	initialized bool
	cfg         config.Config
	username    string

	cry    crypto.Crypto
	st     *store.Store
	trust  *trust.Engine
	sess   *session.Manager
	send   *sendpipeline.Pipeline
	poll   *poller.Poller
	calls  *groupcall.Agent
	mediaR *media.Relay
	pend   *pending.Scheduler
	pair   *pairing.Manager
	ros    *roster.Manager
	grp    *groups.Manager

	shuttingDown bool
}

// New constructs an uninitialized Facade. Call Init before any other
// operation.
func New() *Facade {
	return &Facade{}
}

// identitySealer satisfies pairing.IdentitySealer by delegating to the
// store/crypto layers, so pairing never needs to import them directly.
type identitySealer struct {
	cry  crypto.Crypto
	st   *store.Store
	sess *session.Manager
}

func (s *identitySealer) SealIdentityForPairing(deviceID string) ([]byte, error) {
	_, envelope, ok, err := s.st.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coreerr.New(coreerr.KindStorage, "no local identity to pair")
	}
	return envelope, nil
}

func (s *identitySealer) InstallPairedIdentity(sealed []byte) error {
	deviceID, err := randomDeviceID(s.cry)
	if err != nil {
		return err
	}
	return s.st.SaveIdentity(deviceID, sealed)
}

func randomDeviceID(cry crypto.Crypto) (string, error) {
	b, err := cry.RandomBytes(16)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindCrypto, "generate device id", err)
	}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, c := range b {
		out[2*i] = hexDigits[c>>4]
		out[2*i+1] = hexDigits[c&0x0f]
	}
	return string(out), nil
}

// transportSender adapts session.Manager's transport into the wire calls
// pairing.Sender needs, over the same plain JSON request/response shape
// sendpipeline uses for sealed frames (pairing material travels sealed
// end-to-end already, so the outer envelope carries no additional
// encryption).
type transportSender struct {
	sess *session.Manager
}

type pairingFrame struct {
	Op             string `json:"op"`
	Code           string `json:"code,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	RequestIDHex   string `json:"request_id_hex,omitempty"`
	SealedIdentity []byte `json:"sealed_identity,omitempty"`
}

type pairingResponse struct {
	Err            string            `json:"err,omitempty"`
	RequestIDHex   string            `json:"request_id_hex,omitempty"`
	Requests       []pairing.Request `json:"requests,omitempty"`
	Completed      bool              `json:"completed,omitempty"`
	SealedIdentity []byte            `json:"sealed_identity,omitempty"`
}

func (t *transportSender) roundTrip(frame pairingFrame) (pairingResponse, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return pairingResponse{}, coreerr.Wrap(coreerr.KindProtocol, "encode pairing frame", err)
	}
	resp, err := t.sess.Transport().SendRequest(context.Background(), raw)
	if err != nil {
		return pairingResponse{}, coreerr.Transport(err)
	}
	var pr pairingResponse
	if err := json.Unmarshal(resp, &pr); err != nil {
		return pairingResponse{}, coreerr.Wrap(coreerr.KindProtocol, "decode pairing response", err)
	}
	if pr.Err != "" {
		return pairingResponse{}, coreerr.Protocol(pr.Err)
	}
	return pr, nil
}

func (t *transportSender) SendPairingRequest(code, deviceID string) (string, error) {
	pr, err := t.roundTrip(pairingFrame{Op: "pairing_request", Code: code, DeviceID: deviceID})
	if err != nil {
		return "", err
	}
	return pr.RequestIDHex, nil
}

func (t *transportSender) ApprovePairingRequest(deviceID, requestIDHex string, sealed []byte) error {
	_, err := t.roundTrip(pairingFrame{Op: "pairing_approve", DeviceID: deviceID, RequestIDHex: requestIDHex, SealedIdentity: sealed})
	return err
}

func (t *transportSender) PollPairingRequests(code string) ([]pairing.Request, error) {
	pr, err := t.roundTrip(pairingFrame{Op: "pairing_poll", Code: code})
	if err != nil {
		return nil, err
	}
	return pr.Requests, nil
}

func (t *transportSender) PollLinkedCompletion(code string) (bool, []byte, error) {
	pr, err := t.roundTrip(pairingFrame{Op: "pairing_poll_linked", Code: code})
	if err != nil {
		return false, nil, err
	}
	return pr.Completed, pr.SealedIdentity, nil
}

// Init loads configuration from configPath and wires every component
// together. Every API used before Init returns NotInitialized.
func (f *Facade) Init(configPath string) error {
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()

	cfg, err := config.Load(configPath)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "load config", err)
	}
	f.cfg = cfg

	dataDir := config.DataDir(".")
	st, err := store.Open(dataDir)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "open store", err)
	}

	f.cry = crypto.New()
	f.st = st
	f.trust = trust.New(st)

	addr := net.JoinHostPort(cfg.Client.ServerIP, strconv.Itoa(cfg.Client.ServerPort))
	var tr transport.Transport
	if cfg.Client.UseTLS {
		tr = transport.NewQuic(nil)
	} else {
		tr = transport.NewWebsocket(nil)
	}

	f.sess = session.New(addr, tr, f.trust, f.cry, st)
	f.send = sendpipeline.New(f.sess, f.cry, st)
	f.pend = pending.New(st, f.send)
	f.poll = poller.New(f.sess, st, f.pend)
	f.calls = groupcall.New(f.cry)
	f.poll.SetGroupCallAgent(f.calls)
	f.mediaR = media.New(f.cry)
	f.ros = roster.New(st)
	f.grp = groups.New(st)
	f.pair = pairing.New(&transportSender{sess: f.sess}, &identitySealer{cry: f.cry, st: st, sess: f.sess})

	f.initialized = true
	return nil
}

func (f *Facade) requireInit() error {
	if !f.initialized {
		return coreerr.ErrNotInitialized
	}
	if f.shuttingDown {
		return coreerr.ErrShutdown
	}
	return nil
}

// Version returns the core's version tuple.
func (f *Facade) Version() Version { return coreVersion }

// Capabilities returns the capability bitfield.
func (f *Facade) Capabilities() uint32 {
	caps := CapChat | CapGroup | CapMedia | CapGroupCall | CapOffline | CapOpaque
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	if f.initialized && f.cfg.DeviceSync.Enabled {
		caps |= CapDeviceSync
	}
	return caps
}

// --- Session ---

func (f *Facade) Register(ctx context.Context, username, password string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.sess.Register(ctx, username, password)
}

func (f *Facade) Login(ctx context.Context, username, password string) (session.Session, error) {
	if err := f.requireInit(); err != nil {
		return session.Session{}, err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	sess, err := f.sess.Login(ctx, username, password)
	if err != nil {
		return session.Session{}, err
	}
	f.username = username
	// EventPoller re-runs Login with these same credentials if polling ever
	// observes an empty token while remote_mode is set; the core never
	// persists them, only holds them in this closure until Logout clears it.
	f.poll.SetRelogin(func(reloginCtx context.Context) error {
		_, err := f.sess.Relogin(reloginCtx, username, password)
		return err
	})
	return sess, nil
}

func (f *Facade) Logout(ctx context.Context) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	err := f.sess.Logout(ctx)
	f.username = ""
	f.poll.SetRelogin(nil)
	return err
}

func (f *Facade) Heartbeat(ctx context.Context) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.sess.Heartbeat(ctx)
}

func (f *Facade) Token() string {
	if !f.initialized {
		return ""
	}
	return f.sess.Token()
}

func (f *Facade) DeviceID() string {
	if !f.initialized {
		return ""
	}
	return f.sess.DeviceID()
}

// --- Trust ---

func (f *Facade) HasPendingServerTrust() bool { return f.initialized && f.trust.HasPendingServer() }
func (f *Facade) HasPendingPeerTrust() bool   { return f.initialized && f.trust.HasPendingPeer() }

func (f *Facade) PendingServerTrust() (model.PendingTrust, bool, error) {
	if err := f.requireInit(); err != nil {
		return model.PendingTrust{}, false, err
	}
	p, ok := f.trust.PendingServer()
	return p, ok, nil
}

func (f *Facade) PendingPeerTrust() (model.PendingTrust, bool, error) {
	if err := f.requireInit(); err != nil {
		return model.PendingTrust{}, false, err
	}
	p, ok := f.trust.PendingPeer()
	return p, ok, nil
}

func (f *Facade) TrustPendingServer(sasInput string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.trust.TrustPendingServer(sasInput)
}

func (f *Facade) TrustPendingPeer(sasInput string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.trust.TrustPendingPeer(sasInput)
}

// --- Messaging ---

func (f *Facade) SendText(ctx context.Context, conversationID string, isGroup bool, text string) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	if !isGroup {
		if blocked, err := f.ros.IsBlocked(conversationID); err == nil && blocked {
			return "", coreerr.Protocol("not friends")
		}
	} else {
		if member, err := f.grp.IsMember(conversationID, f.username); err == nil && !member {
			return "", coreerr.Protocol("not in group")
		}
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.SendText(ctx, conversationID, isGroup, text, "")
}

func (f *Facade) SendTextWithReply(ctx context.Context, conversationID string, isGroup bool, text, replyTo string) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.SendText(ctx, conversationID, isGroup, text, replyTo)
}

func (f *Facade) SendFile(ctx context.Context, conversationID string, isGroup bool, path, fileName string, fileSize int64, preview []byte) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.SendFile(ctx, conversationID, isGroup, path, fileName, fileSize, preview)
}

func (f *Facade) SendSticker(ctx context.Context, conversationID string, isGroup bool, stickerID string) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.SendSticker(ctx, conversationID, isGroup, stickerID)
}

func (f *Facade) SendLocation(ctx context.Context, conversationID string, isGroup bool, lat, lon float64, label string) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.SendLocation(ctx, conversationID, isGroup, lat, lon, label)
}

func (f *Facade) SendContact(ctx context.Context, conversationID string, isGroup bool, username, displayName string) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.SendContact(ctx, conversationID, isGroup, username, displayName)
}

// SendGroupInvite implements invite: always a group send, routed through
// groups.Manager's membership check rather than roster's friend/block
// check since an invite's gate is "am I in this group", not "are we friends".
func (f *Facade) SendGroupInvite(ctx context.Context, groupID, invitedUsername string) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	if member, err := f.grp.IsMember(groupID, f.username); err == nil && !member {
		return "", coreerr.Protocol("not in group")
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.SendInvite(ctx, groupID, invitedUsername)
}

func (f *Facade) ResendText(ctx context.Context, messageID string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.ResendText(ctx, messageID)
}

func (f *Facade) ResendFile(ctx context.Context, messageID string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.ResendFile(ctx, messageID)
}

func (f *Facade) ResendSticker(ctx context.Context, messageID string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.ResendSticker(ctx, messageID)
}

func (f *Facade) ResendLocation(ctx context.Context, messageID string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.ResendLocation(ctx, messageID)
}

func (f *Facade) ResendContact(ctx context.Context, messageID string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.send.ResendContact(ctx, messageID)
}

// --- Friendship / roster ---

func (f *Facade) AddFriend(username string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.ros.AddFriend(username)
}

func (f *Facade) SetFriendRemark(username, remark string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.ros.SetFriendRemark(username, remark)
}

func (f *Facade) DeleteFriend(username string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.ros.DeleteFriend(username)
}

func (f *Facade) SetUserBlocked(username string, blocked bool) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.ros.SetUserBlocked(username, blocked)
}

func (f *Facade) ListFriends() ([]store.Friend, error) {
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	return f.ros.ListFriends()
}

func (f *Facade) SyncFriends(ctx context.Context) (poller.SyncResult, error) {
	if err := f.requireInit(); err != nil {
		return poller.SyncResult{}, err
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.poll.SyncFriends(ctx, nowMs())
}

// --- Devices ---

func (f *Facade) ListDevices() ([]store.Device, error) {
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	return f.ros.ListDevices()
}

func (f *Facade) KickDevice(deviceID string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.ros.KickDevice(deviceID)
}

// --- Groups ---

func (f *Facade) CreateGroup(groupID, owner string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.grp.CreateGroup(groupID, owner)
}

func (f *Facade) JoinGroup(groupID, username string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.grp.JoinGroup(groupID, username)
}

func (f *Facade) LeaveGroup(groupID, username string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.grp.LeaveGroup(groupID, username)
}

func (f *Facade) ListGroupMembersInfo(groupID string) ([]store.GroupMember, error) {
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	return f.grp.ListGroupMembersInfo(groupID)
}

func (f *Facade) SetGroupMemberRole(groupID, target string, role store.GroupRole) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.grp.SetGroupMemberRole(groupID, target, role)
}

func (f *Facade) KickGroupMember(groupID, target string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.grp.KickGroupMember(groupID, target)
}

// --- Group calls ---

func (f *Facade) StartGroupCall(groupID string) (callID [16]byte, keyID uint32, err error) {
	if err := f.requireInit(); err != nil {
		return callID, 0, err
	}
	members, err := f.grp.Members(groupID)
	if err != nil {
		return callID, 0, err
	}
	return f.calls.StartCall(groupID, members)
}

func (f *Facade) RotateGroupCallKey(groupID string, callID [16]byte, newKeyID uint32, actingUser string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	ok, err := f.grp.IsOwnerOrAdmin(groupID, actingUser)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.InvalidArgument("actingUser", "only the call owner or an admin may rotate the key")
	}
	members, err := f.grp.Members(groupID)
	if err != nil {
		return err
	}
	newKeyBytes, err := f.cry.RandomBytes(32)
	if err != nil {
		return coreerr.Wrap(coreerr.KindCrypto, "generate rotated call key", err)
	}
	var newKey [32]byte
	copy(newKey[:], newKeyBytes)
	return f.calls.RotateKey(callID, newKeyID, newKey, members)
}

func (f *Facade) GetGroupCallKey(callID [16]byte, keyID uint32) ([32]byte, bool) {
	if !f.initialized {
		return [32]byte{}, false
	}
	return f.calls.GetKey(callID, keyID)
}

func (f *Facade) LeaveGroupCall(callID [16]byte) {
	if f.initialized {
		f.calls.LeaveCall(callID)
	}
}

// groupCallSignalFrame is send_signal's outbound wire shape, mirrored by
// poller's inbound groupCallSignalPayload so the two sides agree on field
// names without either package importing the other's frame type.
type groupCallSignalFrame struct {
	Op        string `json:"op"`
	CallIDHex string `json:"call_id_hex"`
	GroupID   string `json:"group_id"`
	SignalOp  int    `json:"signal_op"`
	Seq       uint64 `json:"seq"`
	TsMs      int64  `json:"ts_ms"`
	KeyID     uint32 `json:"key_id,omitempty"`
	Key       []byte `json:"key,omitempty"`
}

type requestKeyFrame struct {
	Op        string `json:"op"`
	CallIDHex string `json:"call_id_hex"`
}

type groupCallResponse struct {
	Err string `json:"err,omitempty"`
}

func (f *Facade) roundTripGroupCall(ctx context.Context, raw []byte) error {
	resp, err := f.sess.Transport().SendRequest(ctx, raw)
	if err != nil {
		return coreerr.Transport(err)
	}
	var gr groupCallResponse
	if err := json.Unmarshal(resp, &gr); err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "decode group call response", err)
	}
	if gr.Err != "" {
		return coreerr.Protocol(gr.Err)
	}
	return nil
}

// SendGroupCallSignal implements send_signal. The signal rides the plain
// JSON request/response path, not sendpipeline's sealed envelope, since
// group-call key material is never part of history.
func (f *Facade) SendGroupCallSignal(ctx context.Context, callID [16]byte, groupID string, op groupcall.SignalOp, seq uint64, keyID uint32, key []byte) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	frame, err := json.Marshal(groupCallSignalFrame{
		Op:        "send_signal",
		CallIDHex: hex.EncodeToString(callID[:]),
		GroupID:   groupID,
		SignalOp:  int(op),
		Seq:       seq,
		TsMs:      nowMs(),
		KeyID:     keyID,
		Key:       key,
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "encode group call signal", err)
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.roundTripGroupCall(ctx, frame)
}

// RequestGroupCallKey implements request_key: the joining member's
// explicit fallback once checkKeyAwaits' backoff schedule is exhausted
// without a KeyDeliver signal arriving.
func (f *Facade) RequestGroupCallKey(ctx context.Context, callID [16]byte) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	frame, err := json.Marshal(requestKeyFrame{Op: "request_key", CallIDHex: hex.EncodeToString(callID[:])})
	if err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "encode request_key frame", err)
	}
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	return f.roundTripGroupCall(ctx, frame)
}

// JoinGroupCall implements join_call: enters PendingKey locally via
// GroupCallKeyAgent.JoinCall and, if the advertised key isn't already
// held, starts EventPoller's key-await backoff schedule for it.
func (f *Facade) JoinGroupCall(groupID string, callID [16]byte, advertisedKeyID uint32) {
	if !f.initialized {
		return
	}
	f.calls.JoinCall(groupID, callID, advertisedKeyID)
	if _, haveKey := f.calls.GetKey(callID, advertisedKeyID); !haveKey {
		f.poll.AwaitCallKey(callID)
	}
}

// IsGroupCallStale reports whether this account has been marked stale for
// callID after repeated KeyDeliver failures.
func (f *Facade) IsGroupCallStale(callID [16]byte) bool {
	if !f.initialized {
		return false
	}
	return f.calls.IsStale(callID, "self")
}

// --- History ---

func (f *Facade) LoadChatHistory(conversationID string, isGroup bool, limit int, beforeTimestampSec int64) ([]model.Message, error) {
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	return f.st.LoadChatHistory(conversationID, isGroup, limit, beforeTimestampSec)
}

func (f *Facade) DeleteChatHistory(conversationID string, isGroup, secureWipe bool) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.st.DeleteChatHistory(conversationID, isGroup, secureWipe)
}

func (f *Facade) SetHistoryEnabled(enabled bool) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.st.SetHistoryEnabled(enabled)
}

func (f *Facade) ClearAllHistory(secureWipe bool) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.st.ClearAllHistory(secureWipe)
}

// --- Media ---

func (f *Facade) PushAudio(callID [16]byte, sender string, payload []byte) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.mediaR.PushAudio(callID, sender, payload)
}

func (f *Facade) PushVideo(callID [16]byte, sender string, payload []byte) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.mediaR.PushVideo(callID, sender, payload)
}

func (f *Facade) PullMedia(ctx context.Context, callID [16]byte, maxPackets, waitMs int) ([]media.Packet, error) {
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	return f.mediaR.Pull(ctx, callID, maxPackets, waitMs), nil
}

func (f *Facade) AddMediaSubscription(callID [16]byte, isGroup bool, groupID string) {
	if f.initialized {
		f.mediaR.AddSubscription(callID, isGroup, groupID)
	}
}

// --- Pairing ---

func (f *Facade) BeginPairingPrimary() (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	return f.pair.BeginPairingPrimary()
}

func (f *Facade) PollPairingRequests() ([]pairing.Request, error) {
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	return f.pair.PollPairingRequests()
}

func (f *Facade) ApprovePairingRequest(deviceID, requestIDHex string) error {
	if err := f.requireInit(); err != nil {
		return err
	}
	return f.pair.ApprovePairingRequest(deviceID, requestIDHex)
}

func (f *Facade) BeginPairingLinked(code string) (string, error) {
	if err := f.requireInit(); err != nil {
		return "", err
	}
	return f.pair.BeginPairingLinked(code)
}

func (f *Facade) PollPairingLinked() (bool, error) {
	if err := f.requireInit(); err != nil {
		return false, err
	}
	return f.pair.PollPairingLinked()
}

func (f *Facade) CancelPairing() {
	if f.initialized {
		f.pair.CancelPairing()
	}
}

// --- Events ---

// PollEvents polls for up to maxEvents events, blocking at most waitMs.
// maxEvents == 0 returns immediately with an empty slice.
func (f *Facade) PollEvents(ctx context.Context, maxEvents int, waitMs int) ([]poller.Event, error) {
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	if maxEvents == 0 {
		return nil, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(waitMs)*time.Millisecond)
	defer cancel()

	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	events, err := f.poll.Poll(waitCtx)
	if err != nil {
		return nil, err
	}
	if len(events) > maxEvents {
		events = events[:maxEvents]
	}
	return events, nil
}

// PreviewServer builds a loopback attachment-preview HTTP server bound to
// this Facade's LocalStore. The host process runs it alongside the Facade;
// the Facade itself never listens on a socket.
func (f *Facade) PreviewServer() (*previewserver.Server, error) {
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	if err := f.requireInit(); err != nil {
		return nil, err
	}
	return previewserver.New(f.st), nil
}

// Shutdown stops accepting new calls (they fail with KindShutdown), clears
// media subscriptions and queues, and closes the store. Group-call keys held
// by the call agent are not cleared by Shutdown.
func (f *Facade) Shutdown() {
	f.sessionMu.Lock()
	defer f.sessionMu.Unlock()
	if !f.initialized || f.shuttingDown {
		return
	}
	f.shuttingDown = true
	if f.mediaR != nil {
		f.mediaR.ClearSubscriptions()
	}
	if f.st != nil {
		_ = f.st.Close()
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
