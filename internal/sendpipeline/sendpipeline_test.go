package sendpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/crypto"
	"mi-e2ee/core/internal/model"
	"mi-e2ee/core/internal/session"
	"mi-e2ee/core/internal/store"
	"mi-e2ee/core/internal/transport"
	"mi-e2ee/core/internal/trust"
)

type stubTransport struct {
	respond func(frame []byte) ([]byte, error)
	dgrams  chan []byte
}

func newStubTransport() *stubTransport { return &stubTransport{dgrams: make(chan []byte)} }

func (s *stubTransport) Dial(ctx context.Context, addr string) (transport.HandshakeInfo, error) {
	return transport.HandshakeInfo{Endpoint: addr}, nil
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

func newTestPipeline(t *testing.T, tr *stubTransport) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	te := trust.New(st)
	mgr := session.New("chat.example:443", tr, te, crypto.New(), st)
	return New(mgr, crypto.New(), st), st
}

func TestSendTextSuccessRecordsSent(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	p, st := newTestPipeline(t, tr)

	id, err := p.SendText(context.Background(), "bob", false, "hello there", "")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msg, ok, err := st.Message(id)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if !ok {
		t.Fatal("expected message recorded")
	}
	if msg.Status != model.StatusSent {
		t.Errorf("expected Sent status, got %v", msg.Status)
	}
}

func TestSendTextNonRetryableMarksFailedWithoutEnqueue(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) {
		return json.Marshal(map[string]string{"err": "not friends"})
	}
	p, st := newTestPipeline(t, tr)

	id, err := p.SendText(context.Background(), "carol", false, "hi", "")
	if err == nil {
		t.Fatal("expected error")
	}
	msg, _, _ := st.Message(id)
	if msg.Status != model.StatusFailed {
		t.Errorf("expected Failed, got %v", msg.Status)
	}
	if _, ok, _ := st.Pending(id); ok {
		t.Error("non-retryable failure must not enqueue a pending entry")
	}
}

func TestSendTextRetryableEnqueues(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return nil, errors.New("connection reset") }
	p, st := newTestPipeline(t, tr)

	id, err := p.SendText(context.Background(), "dave", false, "hi", "")
	if err == nil {
		t.Fatal("expected error")
	}
	msg, _, _ := st.Message(id)
	if msg.Status != model.StatusPending {
		t.Errorf("expected Pending, got %v", msg.Status)
	}
	if _, ok, _ := st.Pending(id); !ok {
		t.Error("retryable failure must enqueue a pending entry")
	}
}

func TestSendTextOversizeRejected(t *testing.T) {
	tr := newStubTransport()
	p, _ := newTestPipeline(t, tr)
	big := make([]byte, maxTextBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	if _, err := p.SendText(context.Background(), "eve", false, string(big), ""); err == nil {
		t.Fatal("expected InvalidArgument for oversized text")
	}
}

func TestFileTransferSlotSerializes(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	p, _ := newTestPipeline(t, tr)

	if p.FileTransferActive() {
		t.Fatal("slot should start free")
	}

	// Hold the slot manually to simulate an in-flight transfer.
	<-p.fileSlot
	if !p.FileTransferActive() {
		t.Fatal("expected slot held")
	}
	if _, err := p.SendFile(context.Background(), "frank", false, "a.bin", "a.bin", 10, nil); err == nil {
		t.Fatal("expected Busy while slot is held")
	}
	p.fileSlot <- struct{}{}
}

func TestSendFileMissingPathRejected(t *testing.T) {
	tr := newStubTransport()
	p, _ := newTestPipeline(t, tr)

	if _, err := p.SendFile(context.Background(), "frank", false, "/no/such/path-xyz", "a.bin", 10, nil); err == nil {
		t.Fatal("expected InvalidArgument for a path that doesn't exist")
	}
	if p.FileTransferActive() {
		t.Fatal("slot must be released after a failed existence check")
	}
}

func TestSendFileDirectoryPathRejected(t *testing.T) {
	tr := newStubTransport()
	p, _ := newTestPipeline(t, tr)

	if _, err := p.SendFile(context.Background(), "frank", false, t.TempDir(), "a.bin", 10, nil); err == nil {
		t.Fatal("expected InvalidArgument for a directory path")
	}
}

func TestResendTextAfterSuccessIsNoOp(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }
	p, _ := newTestPipeline(t, tr)

	id, err := p.SendText(context.Background(), "grace", false, "already sent", "")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := p.ResendText(context.Background(), id); err != nil {
		t.Fatalf("ResendText after a successful send must be a no-op, got: %v", err)
	}
}

func TestResendTextUnknownIDRejected(t *testing.T) {
	tr := newStubTransport()
	p, _ := newTestPipeline(t, tr)

	if err := p.ResendText(context.Background(), "not-a-real-message-id"); err == nil {
		t.Fatal("expected InvalidArgument for an unknown message id")
	}
}

func TestClassifyTrustGateTakesPriority(t *testing.T) {
	// A TrustRequired-kinded error must classify as ClassTrustGate even if
	// its message happens to contain a non-retryable phrase substring.
	err := coreerr.TrustRequired(true)
	if Classify(err) != ClassTrustGate {
		t.Fatalf("expected ClassTrustGate, got %v", Classify(err))
	}
}
