package groupcall

import (
	"testing"

	"mi-e2ee/core/internal/crypto"
)

func TestStartCallProducesActiveState(t *testing.T) {
	a := New(crypto.New())
	callID, keyID, err := a.StartCall("group1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if keyID != 1 {
		t.Errorf("expected initial key_id 1, got %d", keyID)
	}
	if a.State(callID) != StateActive {
		t.Errorf("expected Active, got %v", a.State(callID))
	}
	key, ok := a.GetKey(callID, 1)
	if !ok {
		t.Fatal("expected key 1 to be present")
	}
	var zero [32]byte
	if key == zero {
		t.Error("expected non-zero key material")
	}
}

func TestRotateKeyRejectsNonIncreasing(t *testing.T) {
	a := New(crypto.New())
	callID, _, _ := a.StartCall("group1", nil)

	var newKey [32]byte
	newKey[0] = 1
	if err := a.RotateKey(callID, 1, newKey, nil); err == nil {
		t.Fatal("expected error rotating to a non-increasing key_id")
	}
	if err := a.RotateKey(callID, 2, newKey, []string{"alice"}); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	k, ok := a.GetKey(callID, 2)
	if !ok || k != newKey {
		t.Error("expected key 2 installed")
	}
}

func TestLeaveCallZeroizesAndRemoves(t *testing.T) {
	a := New(crypto.New())
	callID, _, _ := a.StartCall("group1", nil)
	a.LeaveCall(callID)
	if a.State(callID) != StateEnded {
		t.Errorf("expected Ended after leave, got %v", a.State(callID))
	}
	if _, ok := a.GetKey(callID, 1); ok {
		t.Error("expected key gone after leave")
	}
}

func TestAcceptSignalReplayDefense(t *testing.T) {
	a := New(crypto.New())
	callID, _, _ := a.StartCall("group1", nil)

	if !a.AcceptSignal(callID, "alice", 1, 1000, 1000) {
		t.Fatal("expected first seq to be accepted")
	}
	if a.AcceptSignal(callID, "alice", 1, 1000, 1000) {
		t.Error("expected replayed seq to be rejected")
	}
	if a.AcceptSignal(callID, "alice", 0, 1000, 1000) {
		t.Error("expected lower seq to be rejected")
	}
	if !a.AcceptSignal(callID, "alice", 2, 1000, 1000) {
		t.Error("expected higher seq to be accepted")
	}
}

func TestAcceptSignalClockSkewTolerance(t *testing.T) {
	a := New(crypto.New())
	callID, _, _ := a.StartCall("group1", nil)

	if !a.AcceptSignal(callID, "bob", 1, 1_000_000, 1_000_000+29_000) {
		t.Error("expected signal within 30s skew to be accepted")
	}
	if a.AcceptSignal(callID, "bob", 2, 1_000_000, 1_000_000+31_000) {
		t.Error("expected signal outside 30s skew to be rejected")
	}
}

func TestKeyDeliverBackoffSchedule(t *testing.T) {
	wants := []int64{500, 1500, 4500}
	for i, want := range wants {
		d, ok := KeyDeliverBackoff(i + 1)
		if !ok {
			t.Fatalf("attempt %d: expected ok", i+1)
		}
		if d.Milliseconds() != want {
			t.Errorf("attempt %d: expected %dms, got %dms", i+1, want, d.Milliseconds())
		}
	}
	if _, ok := KeyDeliverBackoff(4); ok {
		t.Error("expected attempt 4 to be exhausted")
	}
}

func TestJoinCallEntersPendingKeyWithoutKnownKey(t *testing.T) {
	a := New(crypto.New())
	var callID [16]byte
	callID[0] = 0xAA
	a.JoinCall("group2", callID, 3)
	if a.State(callID) != StatePendingKey {
		t.Errorf("expected PendingKey, got %v", a.State(callID))
	}
	if !a.ObserveHigherKeyID(callID, 4) {
		t.Error("expected ObserveHigherKeyID true for a higher key_id")
	}
}
