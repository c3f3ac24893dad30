package pending

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mi-e2ee/core/internal/crypto"
	"mi-e2ee/core/internal/model"
	"mi-e2ee/core/internal/sendpipeline"
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

func newHarness(t *testing.T, tr *stubTransport) (*sendpipeline.Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	te := trust.New(st)
	mgr := session.New("chat.example:443", tr, te, crypto.New(), st)
	return sendpipeline.New(mgr, crypto.New(), st), st
}

// countingResender wraps a Pipeline and records how many times ResendText
// was invoked, so tests can assert the per-tick fairness cap without
// depending on sendpipeline's internals.
type countingResender struct {
	pipe  *sendpipeline.Pipeline
	calls []string
}

func (c *countingResender) ResendText(ctx context.Context, messageID string) error {
	c.calls = append(c.calls, messageID)
	return c.pipe.ResendText(ctx, messageID)
}

func TestBackoffMsSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     int64
	}{
		{0, 1000},
		{1, 2000},
		{2, 4000},
		{3, 8000},
		{4, 16000},
		{5, 30000}, // 1000*2^5=32000, capped at 30000
		{6, 30000}, // exponent clamped at 5
	}
	for _, c := range cases {
		if got := backoffMs(c.attempts); got != c.want {
			t.Errorf("backoffMs(%d) = %d, want %d", c.attempts, got, c.want)
		}
	}
}

func TestTickSkipsEntriesStillWithinBackoffWindow(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return nil, errors.New("connection reset") }
	pipe, st := newHarness(t, tr)

	id, err := pipe.SendText(context.Background(), "alice", false, "hi", "")
	if err == nil {
		t.Fatal("expected retryable failure enqueuing a pending entry")
	}
	if _, ok, _ := st.Pending(id); !ok {
		t.Fatal("expected pending entry present")
	}

	resender := &countingResender{pipe: pipe}
	sched := New(st, resender)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(resender.calls) != 0 {
		t.Errorf("expected no resend attempts before backoff window elapses, got %d", len(resender.calls))
	}
}

func TestTickResendsAfterBackoffElapsesAndRemovesOnSuccess(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return nil, errors.New("connection reset") }
	pipe, st := newHarness(t, tr)

	id, err := pipe.SendText(context.Background(), "bob", false, "hi", "")
	if err == nil {
		t.Fatal("expected retryable failure enqueuing a pending entry")
	}

	// Force the entry's last-attempt timestamp far enough in the past that
	// its backoff window has elapsed.
	p, ok, err := st.Pending(id)
	if err != nil || !ok {
		t.Fatalf("Pending: ok=%v err=%v", ok, err)
	}
	if err := st.RecordAttempt(id, p.Attempts, 0); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	tr.respond = func(frame []byte) ([]byte, error) { return json.Marshal(map[string]string{}) }

	resender := &countingResender{pipe: pipe}
	sched := New(st, resender)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(resender.calls) != 1 {
		t.Fatalf("expected exactly one resend attempt, got %d", len(resender.calls))
	}
	if _, ok, _ := st.Pending(id); ok {
		t.Error("expected pending entry removed after successful resend")
	}
	msg, _, _ := st.Message(id)
	if msg.Status != model.StatusSent {
		t.Errorf("expected Sent after successful resend, got %v", msg.Status)
	}
}

func TestTickCapsAttemptsPerTickAtThree(t *testing.T) {
	tr := newStubTransport()
	tr.respond = func(frame []byte) ([]byte, error) { return nil, errors.New("connection reset") }
	pipe, st := newHarness(t, tr)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := pipe.SendText(context.Background(), "carol", false, "hi", "")
		if err == nil {
			t.Fatal("expected retryable failure")
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		p, ok, err := st.Pending(id)
		if err != nil || !ok {
			t.Fatalf("Pending: ok=%v err=%v", ok, err)
		}
		if err := st.RecordAttempt(id, p.Attempts, 0); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	resender := &countingResender{pipe: pipe}
	sched := New(st, resender)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(resender.calls) != maxAttemptsPerTick {
		t.Fatalf("expected exactly %d attempts this tick, got %d", maxAttemptsPerTick, len(resender.calls))
	}
}
