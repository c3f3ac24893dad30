// Package poller implements EventPoller: the single-threaded cooperative
// poll loop that fetches inbound events and reconciles the friend list on
// its own cadence. Grounded on the room
// broadcast loop shape (one goroutine, a ticker, and a done channel) but
// replacing room broadcast with request/response polling plus the
// pending-outgoing retry scheduler drive layered on top.
package poller

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/groupcall"
	"mi-e2ee/core/internal/session"
	"mi-e2ee/core/internal/store"
)

const (
	defaultBaseIntervalMs    = 2000
	pendingTrustFloorMs      = 5000
	maxBackoffMs             = 30000
	maxBackoffExp            = 5
	friendSyncIntervalMs     = 10000
	groupPendingDeliveriesCap = 4096
)

// EventKind discriminates the typed events EventPoller produces.
type EventKind int

const (
	EventIncomingText EventKind = iota
	EventIncomingFile
	EventIncomingSticker
	EventGroupText
	EventGroupFile
	EventGroupInvite
	EventGroupNotice
	EventDelivery
	EventReadReceipt
	EventTyping
	EventPresence
	EventFriendRequest
	EventOutgoingSync
	EventGroupCallSignal
	EventOfflinePayload
)

// Event is one typed poll result, carrying its originating conversation id
// so the Facade can route it without an extra lookup.
type Event struct {
	Kind           EventKind
	ConversationID string
	FromUsername   string
	Payload        json.RawMessage
}

// Retrier is the subset of PendingOutgoing's scheduler EventPoller drives
// on its own tick: the retry drive loop runs inside the poller's tick.
// Implemented by pending.Scheduler; declared here to
// avoid an import cycle (pending depends on sendpipeline, which this
// package must not depend on).
type Retrier interface {
	Tick(ctx context.Context) error
}

// Poller is EventPoller. One Poller per account.
type Poller struct {
	mgr *session.Manager
	st  *store.Store

	baseIntervalMs int64

	mu          sync.Mutex
	backoffExp  int
	friendsSeen map[string]struct{} // requester usernames already announced
	groupPending *lruGroupMap

	syncForced atomic.Bool
	lastSyncMs int64

	inFlight atomic.Bool // collapses overlapping poll() calls

	retrier Retrier
	limiter *rate.Limiter

	calls     *groupcall.Agent
	keyAwaits map[[16]byte]*keyAwaitState
	relogin   func(ctx context.Context) error
}

// keyAwaitState tracks one call's wait for an inbound KeyDeliver signal,
// driven by checkKeyAwaits against groupcall.KeyDeliverBackoff's
// 500/1500/4500ms schedule.
type keyAwaitState struct {
	attempt int
	dueMs   int64
}

// New constructs a Poller. retrier may be nil if PendingOutgoing retries are
// driven separately.
func New(mgr *session.Manager, st *store.Store, retrier Retrier) *Poller {
	return &Poller{
		mgr:            mgr,
		st:             st,
		baseIntervalMs: defaultBaseIntervalMs,
		friendsSeen:    make(map[string]struct{}),
		groupPending:   newLRUGroupMap(groupPendingDeliveriesCap),
		retrier:        retrier,
		limiter:        rate.NewLimiter(rate.Every(time.Duration(defaultBaseIntervalMs)*time.Millisecond), 1),
	}
}

// SetBaseIntervalMs overrides the default 2000ms base cadence.
func (p *Poller) SetBaseIntervalMs(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseIntervalMs = ms
}

// SetGroupCallAgent wires the GroupCallKeyAgent this poller drives
// inbound group_call_signal events and the key-await backoff against.
func (p *Poller) SetGroupCallAgent(a *groupcall.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = a
}

// SetRelogin installs the closure Poll invokes when it observes an empty
// token while the session is in remote mode. Passing nil disables
// poller-triggered relogin (Facade.Logout does this).
func (p *Poller) SetRelogin(fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.relogin = fn
}

// AwaitCallKey registers callID as waiting on a KeyDeliver signal; the
// next tick's checkKeyAwaits starts driving groupcall.KeyDeliverBackoff's
// schedule for it.
func (p *Poller) AwaitCallKey(callID [16]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keyAwaits == nil {
		p.keyAwaits = make(map[[16]byte]*keyAwaitState)
	}
	p.keyAwaits[callID] = &keyAwaitState{attempt: 1, dueMs: time.Now().UnixMilli()}
}

// ForceFriendSync sets the friend_sync_forced flag; any friend mutation
// should call this so the next tick syncs regardless of cadence.
func (p *Poller) ForceFriendSync() { p.syncForced.Store(true) }

// NoteGroupPendingDelivery records an outbound group message's correlation
// so a later Delivery event lacking a resolvable 1:1 conversation can be
// attributed to groupID.
func (p *Poller) NoteGroupPendingDelivery(messageID, groupID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groupPending.Put(messageID, groupID)
}

// ResolveGroupPendingDelivery looks up a prior NoteGroupPendingDelivery
// entry, used to attribute a later Delivery event back to its group.
func (p *Poller) ResolveGroupPendingDelivery(messageID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groupPending.Get(messageID)
}

// nextIntervalMs computes the cadence for the poll loop's next tick,
// implementing three cadence rules: base on success,
// exponential backoff on transport failure in remote mode with an empty
// token, and a 5000ms floor with no backoff growth while a server trust
// prompt is pending.
func (p *Poller) nextIntervalMs(pollErr error, pendingServerTrust bool) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pendingServerTrust {
		return pendingTrustFloorMs
	}
	if pollErr == nil {
		p.backoffExp = 0
		return p.baseIntervalMs
	}
	if p.mgr.IsRemoteMode() && p.mgr.Token() == "" {
		if p.backoffExp < maxBackoffExp {
			p.backoffExp++
		}
		ms := p.baseIntervalMs
		for i := 0; i < p.backoffExp; i++ {
			ms *= 2
		}
		if ms > maxBackoffMs {
			ms = maxBackoffMs
		}
		return ms
	}
	return p.baseIntervalMs
}

type pollFrame struct {
	Op    string `json:"op"`
	Token string `json:"token"`
}

type pollResponse struct {
	Events  []rawEvent `json:"events"`
	Err     string     `json:"err,omitempty"`
}

type rawEvent struct {
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	FromUsername   string          `json:"from_username"`
	Payload        json.RawMessage `json:"payload"`
}

// groupCallSignalPayload is group_call_signal's inbound wire shape, mirrored
// by facade's outbound send_signal frame so the two sides agree on field
// names without either package importing the other's frame type.
type groupCallSignalPayload struct {
	CallIDHex string `json:"call_id_hex"`
	SignalOp  int    `json:"signal_op"`
	Seq       uint64 `json:"seq"`
	TsMs      int64  `json:"ts_ms"`
	KeyID     uint32 `json:"key_id,omitempty"`
}

// requestKeyFrame is the direct wire request checkKeyAwaits issues once a
// call's KeyDeliver backoff schedule is exhausted.
type requestKeyFrame struct {
	Op        string `json:"op"`
	CallIDHex string `json:"call_id_hex"`
}

func decodeCallID(hexStr string) ([16]byte, bool) {
	var id [16]byte
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != len(id) {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// handleGroupCallSignal runs an inbound group_call_signal event through
// AcceptSignal's replay/clock-skew gate and, for a KeyAdvertise that
// names a higher key_id than this agent holds, starts (or restarts) the
// wait for a KeyDeliver via AwaitCallKey. A KeyDeliver clears any pending
// wait for its call.
func (p *Poller) handleGroupCallSignal(fromUsername string, payload json.RawMessage) {
	p.mu.Lock()
	calls := p.calls
	p.mu.Unlock()
	if calls == nil {
		return
	}

	var sig groupCallSignalPayload
	if err := json.Unmarshal(payload, &sig); err != nil {
		return
	}
	callID, ok := decodeCallID(sig.CallIDHex)
	if !ok {
		return
	}
	if !calls.AcceptSignal(callID, fromUsername, sig.Seq, sig.TsMs, time.Now().UnixMilli()) {
		return // replay or clock skew beyond tolerance: drop
	}

	switch groupcall.SignalOp(sig.SignalOp) {
	case groupcall.OpKeyAdvertise:
		if calls.ObserveHigherKeyID(callID, sig.KeyID) {
			p.AwaitCallKey(callID)
		}
	case groupcall.OpKeyDeliver:
		p.mu.Lock()
		delete(p.keyAwaits, callID)
		p.mu.Unlock()
	}
}

// checkKeyAwaits drives every in-flight key-await's backoff schedule one
// tick. An await whose schedule is exhausted is marked stale and issues a
// best-effort request_key frame directly, bypassing sendpipeline since a
// call key request is control signaling, not a retried message.
func (p *Poller) checkKeyAwaits(ctx context.Context) {
	p.mu.Lock()
	calls := p.calls
	now := time.Now().UnixMilli()
	var due [][16]byte
	for id, st := range p.keyAwaits {
		if now >= st.dueMs {
			due = append(due, id)
		}
	}
	p.mu.Unlock()
	if calls == nil {
		return
	}

	for _, callID := range due {
		p.mu.Lock()
		st, ok := p.keyAwaits[callID]
		p.mu.Unlock()
		if !ok {
			continue
		}

		wait, ok := groupcall.KeyDeliverBackoff(st.attempt)
		if !ok {
			calls.MarkStale(callID, "self")
			frame, err := json.Marshal(requestKeyFrame{Op: "request_key", CallIDHex: hex.EncodeToString(callID[:])})
			if err == nil {
				_, _ = p.mgr.Transport().SendRequest(ctx, frame) // best-effort
			}
			p.mu.Lock()
			delete(p.keyAwaits, callID)
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		st.attempt++
		st.dueMs = now + wait.Milliseconds()
		p.mu.Unlock()
	}
}

var kindByName = map[string]EventKind{
	"incoming_text":    EventIncomingText,
	"incoming_file":    EventIncomingFile,
	"incoming_sticker": EventIncomingSticker,
	"group_text":       EventGroupText,
	"group_file":       EventGroupFile,
	"group_invite":     EventGroupInvite,
	"group_notice":     EventGroupNotice,
	"delivery":         EventDelivery,
	"read_receipt":     EventReadReceipt,
	"typing":           EventTyping,
	"presence":         EventPresence,
	"friend_request":   EventFriendRequest,
	"outgoing_sync":    EventOutgoingSync,
	"group_call_signal": EventGroupCallSignal,
	"offline_payload":  EventOfflinePayload,
}

// Poll performs exactly one poll cycle: fetch events, diff friend requests,
// drive the pending-outgoing retry scheduler, and return the decoded
// events. Overlapping calls are collapsed — a call made while one is
// already in flight returns immediately with a nil, nil result.
func (p *Poller) Poll(ctx context.Context) ([]Event, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, nil // collapsed: a poll is already in flight
	}
	defer p.inFlight.Store(false)

	if p.mgr.State() == session.StatePendingServerTrust {
		return nil, coreerr.TrustRequired(false)
	}

	if p.mgr.Token() == "" && p.mgr.IsRemoteMode() {
		p.mu.Lock()
		relogin := p.relogin
		p.mu.Unlock()
		if relogin != nil {
			_ = relogin(ctx) // best-effort; a failure just falls through to the poll attempt below
		}
	}

	frame, err := json.Marshal(pollFrame{Op: "poll", Token: p.mgr.Token()})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindProtocol, "encode poll frame", err)
	}

	resp, pollErr := p.mgr.Transport().SendRequest(ctx, frame)
	interval := p.nextIntervalMs(pollErr, p.mgr.State() == session.StatePendingServerTrust)
	p.mu.Lock()
	p.limiter = rate.NewLimiter(rate.Every(time.Duration(interval)*time.Millisecond), 1)
	p.mu.Unlock()

	if pollErr != nil {
		return nil, coreerr.Transport(pollErr)
	}

	var pr pollResponse
	if err := json.Unmarshal(resp, &pr); err != nil {
		return nil, coreerr.Wrap(coreerr.KindProtocol, "decode poll response", err)
	}
	if pr.Err != "" {
		return nil, coreerr.Protocol(pr.Err)
	}

	events := make([]Event, 0, len(pr.Events))
	seenRequesters := make(map[string]struct{})
	for _, re := range pr.Events {
		kind, ok := kindByName[re.Kind]
		if !ok {
			continue
		}
		if kind == EventFriendRequest {
			seenRequesters[re.FromUsername] = struct{}{}
			p.mu.Lock()
			_, announced := p.friendsSeen[re.FromUsername]
			p.mu.Unlock()
			if announced {
				continue
			}
		}
		if kind == EventGroupCallSignal {
			p.handleGroupCallSignal(re.FromUsername, re.Payload)
		}
		events = append(events, Event{Kind: kind, ConversationID: re.ConversationID, FromUsername: re.FromUsername, Payload: re.Payload})
	}
	p.diffFriendRequests(seenRequesters)
	p.checkKeyAwaits(ctx)

	if p.retrier != nil {
		if err := p.retrier.Tick(ctx); err != nil {
			// The retry scheduler's own failures never abort a poll cycle;
			// it will reattempt on the next tick.
			_ = err
		}
	}

	return events, nil
}

// diffFriendRequests implements the "exactly once per unseen requester"
// rule: usernames newly present relative to the last announced set have
// already been emitted as events above; this only updates the seen set so
// a requester who withdraws and re-requests is announced again.
func (p *Poller) diffFriendRequests(seen map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.friendsSeen = seen
}

// ShouldSyncFriends reports whether the next tick should run a friend-list
// reconciliation: the forced flag is set, or at least 10000ms have elapsed
// since the last sync.
func (p *Poller) ShouldSyncFriends(nowMs int64) bool {
	if p.syncForced.Load() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return nowMs-p.lastSyncMs >= friendSyncIntervalMs
}

// SyncResult is the (changed, friends) tuple returned by SyncFriends; friends is
// only authoritative when Changed is true.
type SyncResult struct {
	Changed bool
	Friends []string
}

type friendSyncFrame struct {
	Op    string `json:"op"`
	Token string `json:"token"`
}

type friendSyncResponse struct {
	Changed bool     `json:"changed"`
	Friends []string `json:"friends"`
	Err     string   `json:"err,omitempty"`
}

// SyncFriends performs one friend-list reconciliation request and resets
// the forced flag and cadence clock on success.
func (p *Poller) SyncFriends(ctx context.Context, nowMs int64) (SyncResult, error) {
	frame, err := json.Marshal(friendSyncFrame{Op: "friend_sync", Token: p.mgr.Token()})
	if err != nil {
		return SyncResult{}, coreerr.Wrap(coreerr.KindProtocol, "encode friend sync frame", err)
	}
	resp, err := p.mgr.Transport().SendRequest(ctx, frame)
	if err != nil {
		return SyncResult{}, coreerr.Transport(err)
	}
	var fr friendSyncResponse
	if err := json.Unmarshal(resp, &fr); err != nil {
		return SyncResult{}, coreerr.Wrap(coreerr.KindProtocol, "decode friend sync response", err)
	}
	if fr.Err != "" {
		return SyncResult{}, coreerr.Protocol(fr.Err)
	}

	p.mu.Lock()
	p.lastSyncMs = nowMs
	p.mu.Unlock()
	p.syncForced.Store(false)

	return SyncResult{Changed: fr.Changed, Friends: fr.Friends}, nil
}

// Run drives Poll on its own cadence until ctx is cancelled, honoring the
// a shutdown signal causes the next poll boundary to exit cleanly; an
// in-flight request is never aborted mid-frame.
// The cadence itself is paced by p.limiter, which Poll reconfigures after
// every cycle per nextIntervalMs's backoff/floor rules — x/time/rate's
// token bucket (burst 1) gives the same "wait at least this long" shape a
// hand-rolled timer would, while centralizing the pacing logic in one spot
// SyncFriends' own timer-free cadence can share.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.mu.Lock()
		limiter := p.limiter
		p.mu.Unlock()

		if err := limiter.Wait(ctx); err != nil {
			return // ctx cancelled: exit cleanly at the poll boundary
		}

		if _, err := p.Poll(ctx); err != nil {
			// Errors surface to the Facade via its own event channel in a
			// full wiring; Run's loop itself never stops on a poll error,
			// matching the cooperative-retry cadence.
			_ = err
		}
	}
}
