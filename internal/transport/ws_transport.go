package transport

import (
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

	"github.com/gorilla/websocket"
)

// WsTransport is the TLS-mode Transport implementation for networks that
// block QUIC/UDP (the "use_tls" config path). It multiplexes
// send_request/request_stream frames and best-effort datagrams over a
// single WebSocket connection using gorilla/websocket's binary message
// framing, grounded on server/internal/ws/handler.go, which
// upgrades and serves this same library's Conn type (there: one
// protocol.Message per text frame; here: one length-prefixed frame per
// binary message, plus a type byte distinguishing request/response/datagram).
type WsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan frameResult
	nextReqID uint64

	dgrams chan []byte
	rootCAs *x509.CertPool

	cancel context.CancelFunc
}

const (
	frameKindRequest  byte = 1
	frameKindResponse byte = 2
	frameKindDatagram byte = 3
)

func NewWebsocket(pinned *x509.CertPool) *WsTransport {
	return &WsTransport{
		pending: make(map[uint64]chan frameResult),
		dgrams:  make(chan []byte, datagramQueueSz),
		rootCAs: pinned,
	}
}

func (t *WsTransport) Dial(ctx context.Context, addr string) (HandshakeInfo, error) {
	var presented []byte
	tlsCfg := &tls.Config{
		RootCAs:            t.rootCAs,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: t.rootCAs == nil, //nolint:gosec — TOFU probe path only
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) > 0 {
				presented = rawCerts[0]
			}
			return nil
		},
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: connectTimeout,
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	defer cancelDial()

	conn, _, err := dialer.DialContext(dialCtx, "wss://"+addr+"/ws", http.Header{})
	if err != nil {
		return HandshakeInfo{}, fmt.Errorf("transport: websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(runCtx)

	info := HandshakeInfo{Endpoint: addr, RawPubKey: presented}
	if len(presented) > 0 {
		info.Fingerprint = sha256.Sum256(presented)
	}
	return info, nil
}

func (t *WsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *WsTransport) SendRequest(ctx context.Context, frame []byte) ([]byte, error) {
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

	if err := t.writeFrame(frameKindRequest, reqID, frame); err != nil {
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

func (t *WsTransport) RequestStream(ctx context.Context, frame []byte) (Stream, error) {
	data, err := t.SendRequest(ctx, frame)
	if err != nil {
		return nil, err
	}
	return &bytesStream{data: data}, nil
}

func (t *WsTransport) SendDatagram(data []byte) error {
	t.pendingMu.Lock()
	t.nextReqID++
	id := t.nextReqID
	t.pendingMu.Unlock()
	return t.writeFrame(frameKindDatagram, id, data)
}

func (t *WsTransport) Datagrams() <-chan []byte { return t.dgrams }

func (t *WsTransport) writeFrame(kind byte, reqID uint64, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	buf := make([]byte, 9+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint64(buf[1:9], reqID)
	copy(buf[9:], payload)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (t *WsTransport) readLoop(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("transport: websocket closed", "err", err)
			close(t.dgrams)
			return
		}
		if len(data) < 9 {
			continue
		}
		kind := data[0]
		reqID := binary.BigEndian.Uint64(data[1:9])
		payload := data[9:]

		switch kind {
		case frameKindResponse:
			t.pendingMu.Lock()
			ch, ok := t.pending[reqID]
			t.pendingMu.Unlock()
			if ok {
				cp := append([]byte(nil), payload...)
				ch <- frameResult{data: cp}
			}
		case frameKindDatagram:
			cp := append([]byte(nil), payload...)
			select {
			case t.dgrams <- cp:
			default:
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
}

var _ io.Closer = (*WsTransport)(nil)
