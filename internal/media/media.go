// Package media implements MediaRelay: bounded per-call jitter-like frame
// queues, subscriptions, and push/pull with timeouts.
// Directly grounded on the client/internal/jitter package — the
// per-sender ring buffer with priming and stale-sender pruning becomes a
// per-call, per-(audio|video) bounded FIFO with drop-oldest overflow,
// generalized from single-peer voice jitter buffering to multi-sender
// group-call relaying.
package media

import (
	"context"
	"sync"
	"time"

	"mi-e2ee/core/internal/crypto"
)

const (
	defaultAudioMaxFrames = 200
	defaultVideoMaxFrames = 64

	mediaRootDomainTag = "MI_E2EE_MEDIA_ROOT_V1"
)

// Packet is one relayed media frame.
type Packet struct {
	Sender  string
	Payload []byte
}

// subscription records that the Facade has declared interest in a call's
// packets; packets for a call without one are dropped at ingress.
type subscription struct {
	isGroup bool
	groupID string
}

// callQueues holds the two bounded FIFOs for one call_id, mirroring the
// jitter.Buffer ring-slice shape but as a plain slice-backed FIFO
// since MediaRelay's ordering contract only requires FIFO
// drain, not the jitter buffer's per-sender priming/interleaving logic.
type callQueues struct {
	mu    sync.Mutex
	audio []Packet
	video []Packet

	audioMax int
	videoMax int

	notify chan struct{} // closed-and-replaced signal for blocking pulls
}

func newCallQueues(audioMax, videoMax int) *callQueues {
	return &callQueues{audioMax: audioMax, videoMax: videoMax, notify: make(chan struct{})}
}

func (q *callQueues) pushAudio(p Packet) {
	q.mu.Lock()
	q.audio = appendBounded(q.audio, p, q.audioMax)
	q.wake()
	q.mu.Unlock()
}

func (q *callQueues) pushVideo(p Packet) {
	q.mu.Lock()
	q.video = appendBounded(q.video, p, q.videoMax)
	q.wake()
	q.mu.Unlock()
}

// wake must be called with q.mu held; it signals any blocked pull.
func (q *callQueues) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func appendBounded(queue []Packet, p Packet, max int) []Packet {
	queue = append(queue, p)
	if len(queue) > max {
		// Drop oldest.
		queue = queue[len(queue)-max:]
	}
	return queue
}

// drain removes up to maxPackets total packets, audio first then video,
// matching no particular fairness contract beyond capping the
// drain per call — callers that need audio/video fairness issue separate
// pulls since Pull's signature is call-scoped, not stream-scoped.
func (q *callQueues) drain(maxPackets int) []Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Packet
	for len(out) < maxPackets && len(q.audio) > 0 {
		out = append(out, q.audio[0])
		q.audio = q.audio[1:]
	}
	for len(out) < maxPackets && len(q.video) > 0 {
		out = append(out, q.video[0])
		q.video = q.video[1:]
	}
	return out
}

func (q *callQueues) hasPackets() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.audio) > 0 || len(q.video) > 0
}

func (q *callQueues) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

// Relay is MediaRelay. One Relay per account; calls are independent of one
// another and may be pushed to/pulled from concurrently.
type Relay struct {
	cry crypto.Crypto

	mu    sync.Mutex
	calls map[[16]byte]*callQueues
	subs  map[[16]byte]subscription

	audioMaxFrames int
	videoMaxFrames int
}

// New constructs a Relay with the default 200/64 audio/video bounds;
// override via SetFrameLimits before any call starts if a
// deployment needs different bounds.
func New(cry crypto.Crypto) *Relay {
	return &Relay{
		cry:            cry,
		calls:          make(map[[16]byte]*callQueues),
		subs:           make(map[[16]byte]subscription),
		audioMaxFrames: defaultAudioMaxFrames,
		videoMaxFrames: defaultVideoMaxFrames,
	}
}

// SetFrameLimits overrides the audio/video bounded-queue capacities.
func (r *Relay) SetFrameLimits(audioMax, videoMax int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioMaxFrames, r.videoMaxFrames = audioMax, videoMax
}

// DeriveMediaRoot computes a deterministic 32-byte root from the active
// session key, call_id, and a domain tag.
func (r *Relay) DeriveMediaRoot(sessionKey [32]byte, callID [16]byte) ([32]byte, error) {
	var root [32]byte
	out, err := r.cry.DeriveKey(sessionKey[:], callID[:], []byte(mediaRootDomainTag), 32)
	if err != nil {
		return root, err
	}
	copy(root[:], out)
	return root, nil
}

// AddSubscription declares interest in callID's packets. Packets arriving
// for a call without a subscription are dropped at ingress by Push.
func (r *Relay) AddSubscription(callID [16]byte, isGroup bool, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[callID] = subscription{isGroup: isGroup, groupID: groupID}
	if _, ok := r.calls[callID]; !ok {
		r.calls[callID] = newCallQueues(r.audioMaxFrames, r.videoMaxFrames)
	}
}

// ClearSubscriptions removes every subscription and, with it, every call's
// queue state.
func (r *Relay) ClearSubscriptions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[[16]byte]subscription)
	r.calls = make(map[[16]byte]*callQueues)
}

// queuesFor returns callID's queues, or false when callID has no
// subscription (or no queues), in which case pushes and pulls are no-ops.
func (r *Relay) queuesFor(callID [16]byte) (*callQueues, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, subscribed := r.subs[callID]
	if !subscribed {
		return nil, false
	}
	q, ok := r.calls[callID]
	return q, ok
}

// PushAudio enqueues an audio packet for callID. Returns nil even on
// drop-oldest overflow — the caller cannot distinguish, matching UDP-like
// semantics. A push for an unsubscribed call is a no-op.
func (r *Relay) PushAudio(callID [16]byte, sender string, payload []byte) error {
	q, ok := r.queuesFor(callID)
	if !ok {
		return nil
	}
	q.pushAudio(Packet{Sender: sender, Payload: payload})
	return nil
}

// PushVideo is PushAudio's video-queue counterpart.
func (r *Relay) PushVideo(callID [16]byte, sender string, payload []byte) error {
	q, ok := r.queuesFor(callID)
	if !ok {
		return nil
	}
	q.pushVideo(Packet{Sender: sender, Payload: payload})
	return nil
}

// Pull blocks up to waitMs for at least one packet to arrive on callID,
// then drains up to maxPackets. waitMs == 0 never blocks. Honors ctx
// cancellation as an additional bound on the wait.
func (r *Relay) Pull(ctx context.Context, callID [16]byte, maxPackets int, waitMs int) []Packet {
	q, ok := r.queuesFor(callID)
	if !ok {
		return nil
	}

	if q.hasPackets() || waitMs == 0 {
		return q.drain(maxPackets)
	}

	timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-q.waitChan():
	case <-timer.C:
	case <-ctx.Done():
	}
	return q.drain(maxPackets)
}
