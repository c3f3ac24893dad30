package transport

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

const (
	connectTimeout  = 10 * time.Second
	requestTimeout  = 15 * time.Second
	maxFrameBytes   = 16 << 20 // 16 MiB reliable-frame ceiling
	datagramQueueSz = 256
)

// QuicTransport is the default "Kcp"-capable Transport implementation: a
// single WebTransport session over QUIC carries one bidirectional control
// stream for request/response framing and the session's native datagrams
// for media. Adapted from client/transport.go's Connect/
// SendAudio/readControl trio, generalized from its voice-chat-specific
// framing to the core's generic send_request/request_stream contract.
type QuicTransport struct {
	mu      sync.Mutex
	session *webtransport.Session
	cancel  context.CancelFunc

	ctrlMu sync.Mutex
	ctrl   *webtransport.Stream
	reader *bufio.Reader

	pending   map[uint64]chan frameResult
	pendingMu sync.Mutex
	nextReqID uint64

	dgrams chan []byte

	// rootCAs, when non-nil, pins the expected server cert chain instead of
	// trusting any presented certificate — InsecureSkipVerify only applies
	// to the initial TOFU probe, never to an already-pinned endpoint.
	rootCAs *x509.CertPool
}

type frameResult struct {
	data []byte
	err  error
}

// NewQuic constructs an unconnected QuicTransport. Pass a non-nil pool once
// the endpoint has a pinned fingerprint so subsequent dials are verified
// rather than TOFU-probed.
func NewQuic(pinned *x509.CertPool) *QuicTransport {
	return &QuicTransport{
		pending: make(map[uint64]chan frameResult),
		dgrams:  make(chan []byte, datagramQueueSz),
		rootCAs: pinned,
	}
}

func (t *QuicTransport) Dial(ctx context.Context, addr string) (HandshakeInfo, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	var presented []byte
	tlsCfg := &tls.Config{
		RootCAs:    t.rootCAs,
		MinVersion: tls.VersionTLS13,
		// InsecureSkipVerify is required to observe an unpinned certificate
		// during TOFU; VerifyPeerCertificate still runs and captures the
		// raw key so TrustEngine can evaluate it before any data is sent.
		InsecureSkipVerify: t.rootCAs == nil, //nolint:gosec — TOFU probe path only
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) > 0 {
				presented = rawCerts[0]
			}
			return nil
		},
	}

	d := webtransport.Dialer{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}

	_, sess, err := d.Dial(dialCtx, "https://"+addr, http.Header{})
	if err != nil {
		cancel()
		return HandshakeInfo{}, fmt.Errorf("transport: quic dial: %w", err)
	}

	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	stream, err := sess.OpenStream()
	if err != nil {
		cancel()
		sess.CloseWithError(0, "open control stream failed")
		return HandshakeInfo{}, fmt.Errorf("transport: open control stream: %w", err)
	}
	t.ctrlMu.Lock()
	t.ctrl = stream
	t.reader = bufio.NewReaderSize(stream, 64<<10)
	t.ctrlMu.Unlock()

	go t.readLoop(runCtx)
	go t.datagramLoop(runCtx, sess)

	info := HandshakeInfo{Endpoint: addr, RawPubKey: presented}
	if len(presented) > 0 {
		info.Fingerprint = sha256Sum(presented)
	}
	return info, nil
}

func (t *QuicTransport) Close() error {
	t.ctrlMu.Lock()
	if t.ctrl != nil {
		t.ctrl.Close() //nolint:errcheck
		t.ctrl = nil
	}
	t.ctrlMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.session != nil {
		t.session.CloseWithError(0, "closed")
		t.session = nil
	}
	return nil
}

// SendRequest writes a length-prefixed frame with a request id and blocks
// for the matching response frame: send_request(frame) -> Result<frame>
// over the single control stream.
func (t *QuicTransport) SendRequest(ctx context.Context, frame []byte) ([]byte, error) {
	if len(frame) > maxFrameBytes {
		return nil, fmt.Errorf("transport: request frame too large: %d bytes", len(frame))
	}

	t.pendingMu.Lock()
	t.nextReqID++
	reqID := t.nextReqID
	ch := make(chan frameResult, 1)
	t.pending[reqID] = ch
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, reqID)
		t.pendingMu.Unlock()
	}()

	if err := t.writeFrame(reqID, frame); err != nil {
		return nil, fmt.Errorf("transport: write request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: request timed out: %w", ctx.Err())
	}
}

// RequestStream sends a request frame and returns the control stream's byte
// reader scoped to the single response that follows — callers read until EOF
// of that one frame. A production implementation would open a dedicated
// unidirectional stream per request; this reuses the control stream since
// the core serializes requests per connection via the session mutex anyway.
func (t *QuicTransport) RequestStream(ctx context.Context, frame []byte) (Stream, error) {
	data, err := t.SendRequest(ctx, frame)
	if err != nil {
		return nil, err
	}
	return &bytesStream{data: data}, nil
}

func (t *QuicTransport) SendDatagram(data []byte) error {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return ErrClosed
	}
	return sess.SendDatagram(data)
}

func (t *QuicTransport) Datagrams() <-chan []byte { return t.dgrams }

// writeFrame writes [reqID:8][len:4][payload] to the control stream.
func (t *QuicTransport) writeFrame(reqID uint64, payload []byte) error {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if t.ctrl == nil {
		return ErrClosed
	}
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], reqID)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := t.ctrl.Write(hdr[:]); err != nil {
		return err
	}
	_, err := t.ctrl.Write(payload)
	return err
}

func (t *QuicTransport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var hdr [12]byte
		if _, err := io.ReadFull(t.reader, hdr[:]); err != nil {
			slog.Debug("transport: control stream closed", "err", err)
			return
		}
		reqID := binary.BigEndian.Uint64(hdr[0:8])
		n := binary.BigEndian.Uint32(hdr[8:12])
		if n > maxFrameBytes {
			slog.Warn("transport: oversized frame from peer, dropping connection", "size", n)
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(t.reader, payload); err != nil {
			slog.Debug("transport: control stream read failed", "err", err)
			return
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[reqID]
		t.pendingMu.Unlock()
		if ok {
			ch <- frameResult{data: payload}
		}
	}
}

func (t *QuicTransport) datagramLoop(ctx context.Context, sess *webtransport.Session) {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			close(t.dgrams)
			return
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case t.dgrams <- cp:
		default:
			// Drop oldest by draining one slot — matches the drop-oldest
			// semantics MediaRelay relies on for its own bounded queues.
			select {
			case <-t.dgrams:
			default:
			}
			select {
			case t.dgrams <- cp:
			default:
			}
		}
	}
}

type bytesStream struct {
	data []byte
	off  int
}

func (s *bytesStream) Read(p []byte) (int, error) {
	if s.off >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:])
	s.off += n
	return n, nil
}

func (s *bytesStream) Close() error { return nil }

func sha256Sum(b []byte) [32]byte { return sha256.Sum256(b) }
