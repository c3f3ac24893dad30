package facade

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mi-e2ee/core/internal/config"
	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/model"
	"mi-e2ee/core/internal/pending"
	"mi-e2ee/core/internal/poller"
	"mi-e2ee/core/internal/sendpipeline"
	"mi-e2ee/core/internal/session"
	"mi-e2ee/core/internal/transport"
)

// stubTransport mirrors sendpipeline_test.go's stub: a single respond
// callback driving every SendRequest. Its fingerprint defaults to all zeros,
// which is not pinned, so a test that needs handshakeAndEvaluate to pass
// pins it first.
type stubTransport struct {
	fingerprint [32]byte
	respond     func(frame []byte) ([]byte, error)
	dgrams      chan []byte
}

func newStubTransport() *stubTransport {
	return &stubTransport{dgrams: make(chan []byte)}
}

func (s *stubTransport) Dial(ctx context.Context, addr string) (transport.HandshakeInfo, error) {
	return transport.HandshakeInfo{Endpoint: addr, Fingerprint: s.fingerprint}, nil
}
func (s *stubTransport) Close() error { return nil }
func (s *stubTransport) SendRequest(ctx context.Context, frame []byte) ([]byte, error) {
	return s.respond(frame)
}
func (s *stubTransport) RequestStream(ctx context.Context, frame []byte) (transport.Stream, error) {
	return nil, nil
}
func (s *stubTransport) SendDatagram(data []byte) error { return nil }
func (s *stubTransport) Datagrams() <-chan []byte       { return s.dgrams }

// newTestFacade builds an initialized Facade with a stub transport, bypassing
// Init's own transport construction (a real QUIC/WS transport, dialed on
// Register/Login) by wiring the internals directly the way Init does.
func newTestFacade(t *testing.T, tr *stubTransport) *Facade {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.ini")
	cfg := config.Default()
	cfg.Client.ServerIP = "chat.example"
	cfg.Client.ServerPort = 443
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatalf("cfg.Save: %v", err)
	}

	f := New()
	if err := f.Init(cfgPath); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Init builds a real Quic/WsTransport; rebuild the session-dependent
	// subsystems around the stub transport instead, the same way
	// sendpipeline_test.go builds a fresh session.Manager per test.
	addr := "chat.example:443"
	f.sess = session.New(addr, tr, f.trust, f.cry, f.st)
	f.send = sendpipeline.New(f.sess, f.cry, f.st)
	f.pend = pending.New(f.st, f.send)
	f.poll = poller.New(f.sess, f.st, f.pend)
	f.poll.SetGroupCallAgent(f.calls)
	return f
}

// TestS1RegisterLoginSend covers the register/login/send happy path:
// register, log in, send a text message, observe it recorded as Sent.
func TestS1RegisterLoginSend(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) {
		var probe struct {
			Op string `json:"op"`
		}
		_ = json.Unmarshal(frame, &probe)
		switch probe.Op {
		case "register":
			return json.Marshal(map[string]string{})
		case "login":
			return json.Marshal(map[string]any{"token": "tok-1", "device_id": "dev-1"})
		default:
			return json.Marshal(map[string]string{})
		}
	}
	f := newTestFacade(t, tr)
	// Pin the stub's fingerprint so Register/Login pass the server trust check.
	if err := f.st.SaveServerPin(model.ServerPin{Endpoint: "chat.example:443", Fingerprint: tr.fingerprint}); err != nil {
		t.Fatalf("SaveServerPin: %v", err)
	}

	if err := f.Register(context.Background(), "alice", "hunter2"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.Login(context.Background(), "alice", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if f.Token() != "tok-1" {
		t.Errorf("Token: got %q", f.Token())
	}

	id, err := f.SendText(context.Background(), "bob", false, "hello there")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(id) != 32 {
		t.Errorf("message_id: expected 32 hex chars, got %d", len(id))
	}
	msg, ok, err := f.st.Message(id)
	if err != nil || !ok {
		t.Fatalf("Message lookup: ok=%v err=%v", ok, err)
	}
	if msg.Status != model.StatusSent {
		t.Errorf("expected Sent, got %v", msg.Status)
	}
}

// TestS2TofuFlow covers the trust-on-first-use flow: a first connection
// raises a pending server trust prompt whose fingerprint/pin_sas line up
// with the transport's presented key, and a correct trust_pending_server
// call clears it.
func TestS2TofuFlow(t *testing.T) {
	tr := newStubTransport()
	tr.fingerprint = [32]byte{1, 2, 3, 4}
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	if err := f.Register(context.Background(), "alice", "hunter2"); err == nil {
		t.Fatal("expected TrustRequiredServer on first connection")
	} else if coreerr.KindOf(err) != coreerr.KindTrustRequiredServer {
		t.Fatalf("expected TrustRequiredServer, got %v", err)
	}

	if !f.HasPendingServerTrust() {
		t.Fatal("expected a pending server trust prompt")
	}
	pend, ok, err := f.PendingServerTrust()
	if err != nil || !ok {
		t.Fatalf("PendingServerTrust: ok=%v err=%v", ok, err)
	}
	if pend.Fingerprint != tr.fingerprint {
		t.Errorf("fingerprint mismatch: got %v want %v", pend.Fingerprint, tr.fingerprint)
	}
	if len(pend.PinSas) != 24 {
		t.Errorf("pin_sas: expected 24-char hyphenated hex, got %q (%d)", pend.PinSas, len(pend.PinSas))
	}

	if err := f.TrustPendingServer(pend.PinSas); err != nil {
		t.Fatalf("TrustPendingServer: %v", err)
	}
	if f.HasPendingServerTrust() {
		t.Fatal("expected prompt cleared after trusting")
	}

	if err := f.Register(context.Background(), "alice", "hunter2"); err != nil {
		t.Fatalf("Register after trust: %v", err)
	}
}

// TestS3RetryThenSucceed covers a retryable transport failure: it enqueues
// PendingOutgoing, and a later successful resend (driven through the
// scheduler, as PollEvents would) marks the message Sent.
func TestS3RetryThenSucceed(t *testing.T) {
	failing := true
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) {
		if failing {
			return nil, context.DeadlineExceeded
		}
		return json.Marshal(map[string]string{})
	}
	f := newTestFacade(t, tr)

	id, err := f.SendText(context.Background(), "bob", false, "will retry")
	if err == nil {
		t.Fatal("expected transport failure on first attempt")
	}
	msg, ok, err := f.st.Message(id)
	if err != nil || !ok {
		t.Fatalf("Message: ok=%v err=%v", ok, err)
	}
	if msg.Status != model.StatusPending {
		t.Errorf("expected Pending after retryable failure, got %v", msg.Status)
	}

	failing = false
	// Move the last attempt into the past so the entry's backoff has elapsed.
	if err := f.st.RecordAttempt(id, 0, 0); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := f.pend.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	msg, _, _ = f.st.Message(id)
	if msg.Status != model.StatusSent {
		t.Errorf("expected Sent after retry succeeds, got %v", msg.Status)
	}
}

// TestS4NonRetryableFailsImmediately covers a non-retryable failure: a
// "not friends" classification fails the send immediately without ever
// enqueuing PendingOutgoing.
func TestS4NonRetryableFailsImmediately(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	if err := f.ros.SetUserBlocked("carol", true); err != nil {
		t.Fatalf("SetUserBlocked: %v", err)
	}

	_, err := f.SendText(context.Background(), "carol", false, "hi")
	if err == nil {
		t.Fatal("expected immediate failure for a blocked recipient")
	}
	if coreerr.KindOf(err) != coreerr.KindProtocol {
		t.Errorf("expected Protocol classification, got %v", err)
	}
}

// TestS5GroupCallKeyRotationRequiresOwner covers the ownership gate on key
// rotation: only the call owner or an admin may rotate the group call key.
func TestS5GroupCallKeyRotationRequiresOwner(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	if err := f.CreateGroup("g1", "alice"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := f.JoinGroup("g1", "bob"); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	callID, keyID, err := f.StartGroupCall("g1")
	if err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}

	if err := f.RotateGroupCallKey("g1", callID, keyID+1, "bob"); err == nil {
		t.Fatal("expected rotation by a plain member to be rejected")
	}
	if err := f.RotateGroupCallKey("g1", callID, keyID+1, "alice"); err != nil {
		t.Fatalf("expected rotation by the owner to succeed: %v", err)
	}
	if _, ok := f.GetGroupCallKey(callID, keyID+1); !ok {
		t.Fatal("expected rotated key to be retrievable")
	}
}

// TestS6MediaBufferBound covers the media queue's bound: pushing past the
// cap drops the oldest packet rather than blocking or growing unbounded.
func TestS6MediaBufferBound(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	var callID [16]byte
	copy(callID[:], "call-6")
	f.mediaR.SetFrameLimits(2, 2)
	f.mediaR.AddSubscription(callID, false, "")

	for i := 0; i < 5; i++ {
		if err := f.PushAudio(callID, "alice", []byte{byte(i)}); err != nil {
			t.Fatalf("PushAudio %d: %v", i, err)
		}
	}
	packets, err := f.PullMedia(context.Background(), callID, 10, 10)
	if err != nil {
		t.Fatalf("PullMedia: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected frame cap of 2 packets, got %d", len(packets))
	}
	if packets[0].Payload[0] != 3 || packets[1].Payload[0] != 4 {
		t.Errorf("expected the two most recent packets to survive, got %v", packets)
	}
}

func TestPollEventsZeroMaxReturnsEmptyImmediately(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	start := time.Now()
	events, err := f.PollEvents(context.Background(), 0, 5000)
	if err != nil {
		t.Fatalf("PollEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty events, got %v", events)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("expected immediate return for max_events=0")
	}
}

func TestOperationsBeforeInitReturnNotInitialized(t *testing.T) {
	f := New()
	_, err := f.Login(context.Background(), "alice", "hunter2")
	if coreerr.KindOf(err) != coreerr.KindNotInitialized {
		t.Fatalf("expected NotInitialized, got %v", err)
	}
}

// TestS7SendVariantsRecordExpectedKind covers the sticker/location/contact/
// group-invite send variants end to end, each landing in history with its
// own MessageKind and payload.
func TestS7SendVariantsRecordExpectedKind(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	stickerID, err := f.SendSticker(context.Background(), "bob", false, "party-parrot")
	if err != nil {
		t.Fatalf("SendSticker: %v", err)
	}
	if msg, _, _ := f.st.Message(stickerID); msg.Kind != model.KindSticker {
		t.Errorf("expected KindSticker, got %v", msg.Kind)
	}

	locID, err := f.SendLocation(context.Background(), "bob", false, 37.7749, -122.4194, "office")
	if err != nil {
		t.Fatalf("SendLocation: %v", err)
	}
	if msg, _, _ := f.st.Message(locID); msg.Kind != model.KindLocation || msg.Location == nil || msg.Location.Label != "office" {
		t.Errorf("expected KindLocation with label office, got %+v", msg)
	}

	contactID, err := f.SendContact(context.Background(), "bob", false, "carol", "Carol")
	if err != nil {
		t.Fatalf("SendContact: %v", err)
	}
	if msg, _, _ := f.st.Message(contactID); msg.Kind != model.KindContact || msg.Contact == nil || msg.Contact.Username != "carol" {
		t.Errorf("expected KindContact for carol, got %+v", msg)
	}

	if err := f.CreateGroup("g7", "alice"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	// SendGroupInvite checks the logged-in user's membership; stand in for a
	// login as the group's owner.
	f.username = "alice"
	inviteID, err := f.SendGroupInvite(context.Background(), "g7", "dave")
	if err != nil {
		t.Fatalf("SendGroupInvite: %v", err)
	}
	if msg, _, _ := f.st.Message(inviteID); msg.Kind != model.KindInvite || msg.Invite == nil || msg.Invite.InvitedUsername != "dave" {
		t.Errorf("expected KindInvite for dave, got %+v", msg)
	}
}

// TestS8ResendAfterSuccessIsNoOpAcrossVariants covers the no-op-on-success
// property for every Resend* variant, not just text.
func TestS8ResendAfterSuccessIsNoOpAcrossVariants(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	fileID, err := f.SendFile(context.Background(), "bob", false, mustTempFile(t), "a.bin", 3, nil)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if err := f.ResendFile(context.Background(), fileID); err != nil {
		t.Errorf("ResendFile after success must be a no-op, got: %v", err)
	}

	stickerID, err := f.SendSticker(context.Background(), "bob", false, "wave")
	if err != nil {
		t.Fatalf("SendSticker: %v", err)
	}
	if err := f.ResendSticker(context.Background(), stickerID); err != nil {
		t.Errorf("ResendSticker after success must be a no-op, got: %v", err)
	}
}

func mustTempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

// TestS9JoinGroupCallAwaitsKeyWhenUnknown covers join_call entering
// PendingKey and scheduling a key-await when the advertised key isn't
// already held locally.
func TestS9JoinGroupCallAwaitsKeyWhenUnknown(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)

	var callID [16]byte
	copy(callID[:], "call-9")
	f.JoinGroupCall("g9", callID, 1)

	if _, ok := f.GetGroupCallKey(callID, 1); ok {
		t.Fatal("expected no key known yet for a freshly-joined call")
	}
	if f.IsGroupCallStale(callID) {
		t.Fatal("a freshly-joined call must not be stale yet")
	}
}

func TestShutdownRejectsFurtherSends(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	f := newTestFacade(t, tr)
	f.Shutdown()

	_, err := f.SendText(context.Background(), "bob", false, "too late")
	if coreerr.KindOf(err) != coreerr.KindShutdown {
		t.Fatalf("expected Shutdown error, got %v", err)
	}
}
