// Package transport defines the narrow Transport collaborator
// ("Wire transports (TCP/TLS/KCP) are consumed through a Transport
// trait that exposes send_request(frame) -> Result<frame> and
// request_stream(frame) -> Result<stream>") and ships two concrete,
// swappable implementations: a WebTransport/QUIC transport and a
// WebSocket-over-TLS transport. Every other component in this module depends
// only on the Transport interface, never on quic-go or gorilla/websocket
// directly.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("transport: closed")

// Stream is a half-duplex response stream returned by RequestStream, used
// for long-poll-style event fetches and bulk attachment downloads.
type Stream interface {
	io.ReadCloser
}

// HandshakeInfo carries what TrustEngine needs to evaluate TOFU on connect:
// the raw public key the peer/server presented and its SHA-256 fingerprint.
type HandshakeInfo struct {
	Endpoint    string // host:port this transport connected to
	RawPubKey   []byte
	Fingerprint [32]byte
}

// Transport is the trait every higher-level component (SessionManager,
// SendPipeline, EventPoller, GroupCallKeyAgent, MediaRelay) depends on.
// Implementations own connection lifecycle, framing, and retransmission up
// to the socket boundary; backpressure across the network socket itself is
// the Transport's concern, not the caller's.
type Transport interface {
	// Dial establishes the underlying connection and performs the
	// cryptographic handshake, returning the presented identity so the
	// caller can run it through TrustEngine before sending anything else.
	Dial(ctx context.Context, addr string) (HandshakeInfo, error)

	// Close tears down the connection. Idempotent.
	Close() error

	// SendRequest sends a single reliable request frame and waits for the
	// matching response frame. Used by SessionManager (login/heartbeat),
	// SendPipeline (message delivery), GroupCallKeyAgent (signaling).
	SendRequest(ctx context.Context, frame []byte) ([]byte, error)

	// RequestStream sends a request frame and returns a stream of the
	// response body, used for chat-history backfill and attachment
	// downloads that may exceed a single frame.
	RequestStream(ctx context.Context, frame []byte) (Stream, error)

	// SendDatagram is a best-effort, unordered, size-bounded send used for
	// voice/video media and low-priority presence pings. Never blocks on
	// backpressure; excess datagrams are the Transport's own concern to
	// drop or coalesce.
	SendDatagram(data []byte) error

	// Datagrams returns the channel of inbound unordered datagrams. Closed
	// when the transport is closed.
	Datagrams() <-chan []byte
}

// Dialer constructs a fresh, not-yet-dialed Transport. Nothing in this
// module implements it; session.Manager is handed one Transport at
// construction and dials that same Transport on each Register/Login.
type Dialer interface {
	New() Transport
}
