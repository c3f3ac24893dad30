// Package groupcall implements GroupCallKeyAgent: per-call key material,
// member tracking, and key-rotation signaling. Grounded on
// server/room.go's Room type for the "mutex-guarded map of
// live session state keyed by an id, narrow verb methods" shape, generalized
// from a single voice room's client roster to per-(group_id, call_id) key
// state with its own rotate/request/deliver signaling layered on top.
package groupcall

import (
	"sync"
	"time"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/crypto"
)

// CallState is a call's position in its state machine.
type CallState int

const (
	StateIdle CallState = iota
	StatePendingKey
	StateActive
	StateEnded
)

// SignalOp enumerates send_signal's op values.
type SignalOp int

const (
	OpInvite SignalOp = iota
	OpAccept
	OpDecline
	OpLeave
	OpKeyAdvertise
	OpKeyDeliver
	OpHangup
)

const (
	keyDeliverMaxAttempts = 3
	clockSkewToleranceMs  = 30_000
)

// keyDeliverBackoffMs are the 500/1500/4500ms retry spacings for key delivery.
var keyDeliverBackoffMs = []int64{500, 1500, 4500}

// call holds the in-RAM state for one (group_id, call_id) pair. Key
// material never touches LocalStore and is zeroized on Ended.
type call struct {
	state   CallState
	groupID string
	keyID   uint32
	keys    map[uint32][32]byte
	members map[string]struct{}
	stale   map[string]struct{}

	lastSeenSeq map[string]uint64 // per-sender replay defense

	keyDeliverAttempts int
}

// Agent is GroupCallKeyAgent. One Agent per account, shared across every
// concurrent call the account participates in.
type Agent struct {
	mu    sync.Mutex
	cry   crypto.Crypto
	calls map[[16]byte]*call // keyed by call_id
}

func New(cry crypto.Crypto) *Agent {
	return &Agent{cry: cry, calls: make(map[[16]byte]*call)}
}

// StartCall mints a fresh call_id and key_id=1 for groupID with the given
// member snapshot.
func (a *Agent) StartCall(groupID string, members []string) (callID [16]byte, keyID uint32, err error) {
	idBytes, err := a.cry.RandomBytes(16)
	if err != nil {
		return callID, 0, coreerr.Wrap(coreerr.KindCrypto, "generate call id", err)
	}
	copy(callID[:], idBytes)

	keyBytes, err := a.cry.RandomBytes(32)
	if err != nil {
		return callID, 0, coreerr.Wrap(coreerr.KindCrypto, "generate call key", err)
	}
	var key [32]byte
	copy(key[:], keyBytes)

	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[callID] = &call{
		state:       StateActive,
		groupID:     groupID,
		keyID:       1,
		keys:        map[uint32][32]byte{1: key},
		members:     memberSet,
		stale:       make(map[string]struct{}),
		lastSeenSeq: make(map[string]uint64),
	}
	return callID, 1, nil
}

// JoinCall enters PendingKey if no key is known yet for advertisedKeyID on
// callID, recording advertisedKeyID as the key_id the caller must then await
// a KeyDeliver signal for. It returns nothing; callers check GetKey.
func (a *Agent) JoinCall(groupID string, callID [16]byte, advertisedKeyID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		c = &call{
			groupID:     groupID,
			members:     make(map[string]struct{}),
			stale:       make(map[string]struct{}),
			lastSeenSeq: make(map[string]uint64),
			keys:        make(map[uint32][32]byte),
		}
		a.calls[callID] = c
	}
	if _, haveKey := c.keys[advertisedKeyID]; !haveKey {
		c.state = StatePendingKey
		c.keyID = advertisedKeyID
	}
}

// LeaveCall clears and zeroizes all key material for callID.
func (a *Agent) LeaveCall(callID [16]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return
	}
	for id := range c.keys {
		zero := c.keys[id]
		for i := range zero {
			zero[i] = 0
		}
		c.keys[id] = zero
	}
	c.state = StateEnded
	delete(a.calls, callID)
}

// GetKey returns the key for (callID, keyID), if held.
func (a *Agent) GetKey(callID [16]byte, keyID uint32) ([32]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return [32]byte{}, false
	}
	k, ok := c.keys[keyID]
	return k, ok
}

// RotateKey installs newKeyID as the call's current key. Only the
// current call owner may rotate — the caller is expected to have
// already verified ownership via groups.Manager.IsOwnerOrAdmin; Agent
// enforces only the monotonic key_id invariant.
func (a *Agent) RotateKey(callID [16]byte, newKeyID uint32, newKey [32]byte, members []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return coreerr.New(coreerr.KindInvalidArgument, "unknown call id")
	}
	if newKeyID <= c.keyID {
		return coreerr.New(coreerr.KindInvalidArgument, "key_id must be monotonically increasing")
	}
	c.keys[newKeyID] = newKey
	c.keyID = newKeyID
	c.state = StateActive
	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}
	c.members = memberSet
	return nil
}

// ObserveHigherKeyID is called when a signal advertises a key_id greater
// than this agent's current key_id for the call; per the GroupCall
// invariant, this must trigger a RequestKey from the caller.
func (a *Agent) ObserveHigherKeyID(callID [16]byte, observedKeyID uint32) (needsRequestKey bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return false
	}
	return observedKeyID > c.keyID
}

// AcceptSignal validates seq/ts_ms ordering for a signal from sender within
// callID and, if accepted, updates the per-sender replay-defense counter.
// Returns false when the signal must be dropped (non-increasing seq or
// clock skew beyond tolerance).
func (a *Agent) AcceptSignal(callID [16]byte, sender string, seq uint64, tsMs, nowMs int64) bool {
	if tsMs-nowMs > clockSkewToleranceMs || nowMs-tsMs > clockSkewToleranceMs {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return false
	}
	last, seen := c.lastSeenSeq[sender]
	if seen && seq <= last {
		return false
	}
	c.lastSeenSeq[sender] = seq
	return true
}

// MarkStale flags member as stale for this call after repeated
// KeyDeliver failures.
func (a *Agent) MarkStale(callID [16]byte, member string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return
	}
	c.stale[member] = struct{}{}
}

// IsStale reports whether member has been marked stale for callID.
func (a *Agent) IsStale(callID [16]byte, member string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return false
	}
	_, stale := c.stale[member]
	return stale
}

// KeyDeliverBackoff returns the wait duration before KeyDeliver attempt N
// (1-indexed), or (0, false) once attempts are exhausted and the caller
// should issue a RequestKey instead.
func KeyDeliverBackoff(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > keyDeliverMaxAttempts {
		return 0, false
	}
	return time.Duration(keyDeliverBackoffMs[attempt-1]) * time.Millisecond, true
}

// State returns callID's current state, or StateEnded if unknown.
func (a *Agent) State(callID [16]byte) CallState {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return StateEnded
	}
	return c.state
}

// Members returns a snapshot of callID's member set.
func (a *Agent) Members(callID [16]byte) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.members))
	for m := range c.members {
		out = append(out, m)
	}
	return out
}
