package media

import (
	"context"
	"testing"

	"mi-e2ee/core/internal/crypto"
)

func TestPushPullRoundTrip(t *testing.T) {
	r := New(crypto.New())
	var callID [16]byte
	callID[0] = 1
	r.AddSubscription(callID, false, "")

	if err := r.PushAudio(callID, "alice", []byte("frame1")); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	packets := r.Pull(context.Background(), callID, 10, 0)
	if len(packets) != 1 || string(packets[0].Payload) != "frame1" {
		t.Fatalf("expected 1 packet with frame1, got %v", packets)
	}
}

func TestPushWithoutSubscriptionIsDropped(t *testing.T) {
	r := New(crypto.New())
	var callID [16]byte
	callID[0] = 2
	if err := r.PushAudio(callID, "bob", []byte("x")); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	packets := r.Pull(context.Background(), callID, 10, 0)
	if len(packets) != 0 {
		t.Errorf("expected no packets for unsubscribed call, got %v", packets)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	r := New(crypto.New())
	r.SetFrameLimits(2, 2)
	var callID [16]byte
	callID[0] = 3
	r.AddSubscription(callID, false, "")

	r.PushAudio(callID, "a", []byte("1"))
	r.PushAudio(callID, "a", []byte("2"))
	r.PushAudio(callID, "a", []byte("3")) // should drop "1"

	packets := r.Pull(context.Background(), callID, 10, 0)
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets after overflow, got %d", len(packets))
	}
	if string(packets[0].Payload) != "2" || string(packets[1].Payload) != "3" {
		t.Errorf("expected [2,3] after dropping oldest, got %v", packets)
	}
}

func TestPullMaxPacketsCap(t *testing.T) {
	r := New(crypto.New())
	var callID [16]byte
	callID[0] = 4
	r.AddSubscription(callID, false, "")

	for i := 0; i < 5; i++ {
		r.PushAudio(callID, "a", []byte{byte(i)})
	}
	packets := r.Pull(context.Background(), callID, 3, 0)
	if len(packets) != 3 {
		t.Fatalf("expected drain capped at 3, got %d", len(packets))
	}
}

func TestClearSubscriptionsRemovesCallState(t *testing.T) {
	r := New(crypto.New())
	var callID [16]byte
	callID[0] = 5
	r.AddSubscription(callID, false, "")
	r.PushAudio(callID, "a", []byte("x"))
	r.ClearSubscriptions()

	if err := r.PushAudio(callID, "a", []byte("y")); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	packets := r.Pull(context.Background(), callID, 10, 0)
	if len(packets) != 0 {
		t.Errorf("expected no packets after clearing subscriptions, got %v", packets)
	}
}

func TestDeriveMediaRootDeterministic(t *testing.T) {
	r := New(crypto.New())
	var sessionKey [32]byte
	sessionKey[0] = 0xAB
	var callID [16]byte
	callID[0] = 0xCD

	root1, err := r.DeriveMediaRoot(sessionKey, callID)
	if err != nil {
		t.Fatalf("DeriveMediaRoot: %v", err)
	}
	root2, err := r.DeriveMediaRoot(sessionKey, callID)
	if err != nil {
		t.Fatalf("DeriveMediaRoot: %v", err)
	}
	if root1 != root2 {
		t.Error("expected deterministic output for identical inputs")
	}
}
