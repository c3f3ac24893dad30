// Package sendpipeline implements SendPipeline: encrypt, frame, and durably
// queue outbound messages, with retry classification and a single-slot
// file-transfer worker. Grounded on the
// server/room.go broadcast path for the "build frame, attempt transport,
// fall back to a durable record on failure" shape, generalized from
// room-wide broadcast to per-conversation point-to-point and group sends.
package sendpipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/crypto"
	"mi-e2ee/core/internal/model"
	"mi-e2ee/core/internal/session"
	"mi-e2ee/core/internal/store"
)

const (
	maxTextBytes = 32 << 10        // 32 KiB
	maxFileBytes = 2 << 30         // 2 GiB
	previewCapBytes = 240 << 10    // 240 KiB preview cap
)

// nonRetryableSubstrings classifies a transport/protocol error string as
// permanent. Matching is substring-based against a fixed literal list —
// these exact phrases are a wire-protocol contract with the server, not an
// implementation detail this package may rephrase.
var nonRetryableSubstrings = []string{
	"not friends",
	"recipient not found",
	"invalid recipient",
	"recipient empty",
	"payload too large",
	"payload empty",
	"peer empty",
	"not in group",
}

// Classification is the outcome of classifying a send failure.
type Classification int

const (
	ClassRetryable Classification = iota
	ClassNonRetryable
	ClassTrustGate
)

// Classify inspects err's message and returns how SendPipeline should react.
func Classify(err error) Classification {
	if coreerr.Is(err, coreerr.KindTrustRequiredServer) || coreerr.Is(err, coreerr.KindTrustRequiredPeer) {
		return ClassTrustGate
	}
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return ClassNonRetryable
		}
	}
	return ClassRetryable
}

// AugmentHint appends a contextual suffix to certain opaque transport
// errors without altering their classification — a pure string
// transformation.
func AugmentHint(err error, requireTLS bool) string {
	msg := err.Error()
	if requireTLS && strings.Contains(msg, "tcp recv failed") {
		return msg + " (hint: this server requires TLS; check [client] use_tls in your config)"
	}
	return msg
}

// Pipeline is SendPipeline. One Pipeline per account, sharing the session's
// Transport and wrapping LocalStore for durable history + retry-queue
// writes.
type Pipeline struct {
	mgr *session.Manager
	cry crypto.Crypto
	st  *store.Store

	fileSlot chan struct{} // 1-buffered: single-permit file-transfer semaphore
}

// New constructs a Pipeline. mgr supplies the authenticated Transport;
// cry seals payloads; st persists history and the durable retry queue.
func New(mgr *session.Manager, cry crypto.Crypto, st *store.Store) *Pipeline {
	p := &Pipeline{mgr: mgr, cry: cry, st: st, fileSlot: make(chan struct{}, 1)}
	p.fileSlot <- struct{}{}
	return p
}

// FileTransferActive reports whether the single file-transfer slot is held.
func (p *Pipeline) FileTransferActive() bool {
	select {
	case <-p.fileSlot:
		p.fileSlot <- struct{}{}
		return false
	default:
		return true
	}
}

func newMessageID(cry crypto.Crypto) (string, error) {
	b, err := cry.RandomBytes(16)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindCrypto, "generate message id", err)
	}
	return hex.EncodeToString(b), nil
}

// wireFrame is the sealed envelope handed to Transport.SendRequest. The
// associated data binds conversation_id/message_id/kind/timestamp so a
// reassembled frame from a different conversation can never be replayed
// as this one.
type wireFrame struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversation_id"`
	IsGroup        bool   `json:"is_group"`
	MessageID      string `json:"message_id"`
	Kind           int    `json:"kind"`
	Sealed         []byte `json:"sealed"`
}

type sendResponse struct {
	Err string `json:"err,omitempty"`
}

func (p *Pipeline) seal(convID, messageID string, kind model.MessageKind, ts int64, body []byte) ([]byte, error) {
	// A production ratchet derives a fresh per-message key; here the
	// per-conversation root is derived deterministically from the
	// conversation id so encryption is exercised without modeling the full
	// Double-Ratchet state machine, which is treated as an
	// external collaborator (consumed, not reimplemented here, via Crypto/KtVerifier).
	key, err := p.cry.DeriveKey([]byte(convID), []byte("mi-e2ee-send-pipeline"), []byte(messageID), crypto.KeySize)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCrypto, "derive message key", err)
	}
	var keyArr [32]byte
	copy(keyArr[:], key)

	aad := fmt.Appendf(nil, "%s|%s|%d|%d", convID, messageID, int(kind), ts)
	sealed, err := p.cry.Seal(keyArr, body, aad)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCrypto, "seal payload", err)
	}
	return sealed, nil
}

// sendSealed submits frame over Transport and returns the classified
// outcome: nil on success, or the original error annotated for the caller
// to classify with Classify.
func (p *Pipeline) sendSealed(ctx context.Context, frame wireFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "encode send frame", err)
	}
	resp, err := p.mgr.Transport().SendRequest(ctx, raw)
	if err != nil {
		return coreerr.Transport(err)
	}
	var sr sendResponse
	if err := json.Unmarshal(resp, &sr); err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "decode send response", err)
	}
	if sr.Err != "" {
		return coreerr.Protocol(sr.Err)
	}
	return nil
}

// SendText implements the text send variant, covering send_text and, when
// replyTo is non-empty, send_text_with_reply.
func (p *Pipeline) SendText(ctx context.Context, conversationID string, isGroup bool, text, replyTo string) (string, error) {
	if conversationID == "" {
		return "", coreerr.InvalidArgument("conversation_id", "must not be empty")
	}
	if len(text) == 0 {
		return "", coreerr.InvalidArgument("text", "must not be empty")
	}
	if len(text) > maxTextBytes {
		return "", coreerr.InvalidArgument("text", fmt.Sprintf("exceeds %s limit", humanize.Bytes(maxTextBytes)))
	}

	messageID, err := newMessageID(p.cry)
	if err != nil {
		return "", err
	}
	ts := time.Now().Unix()
	preview := text
	if len(preview) > 80 {
		preview = preview[:80]
	}

	sealed, err := p.seal(conversationID, messageID, model.KindText, ts, []byte(text))
	if err != nil {
		return messageID, err
	}

	frame := wireFrame{Op: "send", ConversationID: conversationID, IsGroup: isGroup, MessageID: messageID, Kind: int(model.KindText), Sealed: sealed}
	sendErr := p.sendSealed(ctx, frame)

	msg := model.Message{
		MessageID:      messageID,
		ConversationID: conversationID,
		IsGroup:        isGroup,
		Outgoing:       true,
		Kind:           model.KindText,
		Text:           &model.TextPayload{Text: text, ReplyTo: replyTo, Preview: preview},
		TimestampSec:   ts,
	}
	return messageID, p.finishSend(messageID, msg, model.PendingText, []byte(text), sendErr)
}

// SendFile implements the file send variant, serializing behind the
// single-permit file-transfer slot. The slot is taken first (ErrBusy if it
// is held), then path is stat'd; a missing, inaccessible or non-regular
// path fails with InvalidArgument before anything is queued, and the slot
// is released on return.
func (p *Pipeline) SendFile(ctx context.Context, conversationID string, isGroup bool, path, fileName string, fileSize int64, preview []byte) (string, error) {
	if conversationID == "" {
		return "", coreerr.InvalidArgument("conversation_id", "must not be empty")
	}
	if fileSize <= 0 || fileSize > maxFileBytes {
		return "", coreerr.InvalidArgument("file_size", fmt.Sprintf("must be between 1 byte and %s", humanize.Bytes(maxFileBytes)))
	}

	select {
	case <-p.fileSlot:
	default:
		return "", coreerr.ErrBusy
	}
	defer func() { p.fileSlot <- struct{}{} }()

	info, err := os.Stat(path)
	if err != nil {
		return "", coreerr.InvalidArgument("path", "file does not exist or is not accessible")
	}
	if !info.Mode().IsRegular() {
		return "", coreerr.InvalidArgument("path", "must be a regular file, not a directory")
	}

	if len(preview) > previewCapBytes {
		preview = preview[:previewCapBytes]
	}

	messageID, err := newMessageID(p.cry)
	if err != nil {
		return "", err
	}
	fileID := messageID // one attachment per message in this flow
	fileKeyBytes, err := p.cry.RandomBytes(32)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindCrypto, "generate file key", err)
	}
	var fileKey [32]byte
	copy(fileKey[:], fileKeyBytes)

	if err := p.st.SaveAttachmentManifest(store.AttachmentManifest{
		FileID: fileID, ConvID: conversationID, MessageID: messageID, FileName: fileName, FileSize: fileSize, Preview: preview,
	}); err != nil {
		return messageID, coreerr.Wrap(coreerr.KindStorage, "save attachment preview", err)
	}

	ts := time.Now().Unix()
	sealed, err := p.seal(conversationID, messageID, model.KindFile, ts, []byte(fileID))
	if err != nil {
		return messageID, err
	}

	frame := wireFrame{Op: "send", ConversationID: conversationID, IsGroup: isGroup, MessageID: messageID, Kind: int(model.KindFile), Sealed: sealed}
	sendErr := p.sendSealed(ctx, frame)

	msg := model.Message{
		MessageID:      messageID,
		ConversationID: conversationID,
		IsGroup:        isGroup,
		Outgoing:       true,
		Kind:           model.KindFile,
		File:           &model.FilePayload{FileID: fileID, FileKey: fileKey, FileName: fileName, FileSize: fileSize},
		TimestampSec:   ts,
	}
	body, _ := json.Marshal(msg.File)
	return messageID, p.finishSend(messageID, msg, model.PendingFile, body, sendErr)
}

// SendSticker implements the sticker send variant.
func (p *Pipeline) SendSticker(ctx context.Context, conversationID string, isGroup bool, stickerID string) (string, error) {
	if conversationID == "" {
		return "", coreerr.InvalidArgument("conversation_id", "must not be empty")
	}
	if stickerID == "" {
		return "", coreerr.InvalidArgument("sticker_id", "must not be empty")
	}

	messageID, err := newMessageID(p.cry)
	if err != nil {
		return "", err
	}
	ts := time.Now().Unix()
	body := []byte(stickerID)

	sealed, err := p.seal(conversationID, messageID, model.KindSticker, ts, body)
	if err != nil {
		return messageID, err
	}
	frame := wireFrame{Op: "send", ConversationID: conversationID, IsGroup: isGroup, MessageID: messageID, Kind: int(model.KindSticker), Sealed: sealed}
	sendErr := p.sendSealed(ctx, frame)

	msg := model.Message{
		MessageID:      messageID,
		ConversationID: conversationID,
		IsGroup:        isGroup,
		Outgoing:       true,
		Kind:           model.KindSticker,
		Sticker:        &model.StickerPayload{StickerID: stickerID},
		TimestampSec:   ts,
	}
	return messageID, p.finishSend(messageID, msg, model.PendingSticker, body, sendErr)
}

// SendLocation implements the location send variant.
func (p *Pipeline) SendLocation(ctx context.Context, conversationID string, isGroup bool, lat, lon float64, label string) (string, error) {
	if conversationID == "" {
		return "", coreerr.InvalidArgument("conversation_id", "must not be empty")
	}

	messageID, err := newMessageID(p.cry)
	if err != nil {
		return "", err
	}
	ts := time.Now().Unix()
	payload := model.LocationPayload{Lat: lat, Lon: lon, Label: label}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindProtocol, "encode location payload", err)
	}

	sealed, err := p.seal(conversationID, messageID, model.KindLocation, ts, body)
	if err != nil {
		return messageID, err
	}
	frame := wireFrame{Op: "send", ConversationID: conversationID, IsGroup: isGroup, MessageID: messageID, Kind: int(model.KindLocation), Sealed: sealed}
	sendErr := p.sendSealed(ctx, frame)

	msg := model.Message{
		MessageID:      messageID,
		ConversationID: conversationID,
		IsGroup:        isGroup,
		Outgoing:       true,
		Kind:           model.KindLocation,
		Location:       &payload,
		TimestampSec:   ts,
	}
	return messageID, p.finishSend(messageID, msg, model.PendingLocation, body, sendErr)
}

// SendContact implements the contact-card send variant.
func (p *Pipeline) SendContact(ctx context.Context, conversationID string, isGroup bool, username, displayName string) (string, error) {
	if conversationID == "" {
		return "", coreerr.InvalidArgument("conversation_id", "must not be empty")
	}
	if username == "" {
		return "", coreerr.InvalidArgument("username", "must not be empty")
	}

	messageID, err := newMessageID(p.cry)
	if err != nil {
		return "", err
	}
	ts := time.Now().Unix()
	payload := model.ContactPayload{Username: username, DisplayName: displayName}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindProtocol, "encode contact payload", err)
	}

	sealed, err := p.seal(conversationID, messageID, model.KindContact, ts, body)
	if err != nil {
		return messageID, err
	}
	frame := wireFrame{Op: "send", ConversationID: conversationID, IsGroup: isGroup, MessageID: messageID, Kind: int(model.KindContact), Sealed: sealed}
	sendErr := p.sendSealed(ctx, frame)

	msg := model.Message{
		MessageID:      messageID,
		ConversationID: conversationID,
		IsGroup:        isGroup,
		Outgoing:       true,
		Kind:           model.KindContact,
		Contact:        &payload,
		TimestampSec:   ts,
	}
	return messageID, p.finishSend(messageID, msg, model.PendingContactCard, body, sendErr)
}

// SendInvite implements the group-invite send variant: always a group
// send, inviting invitedUsername into groupID. An invite is acted on by
// the server immediately rather than retried, so it bypasses finishSend's
// pending-queue path entirely.
func (p *Pipeline) SendInvite(ctx context.Context, groupID, invitedUsername string) (string, error) {
	if groupID == "" {
		return "", coreerr.InvalidArgument("group_id", "must not be empty")
	}
	if invitedUsername == "" {
		return "", coreerr.InvalidArgument("invited_username", "must not be empty")
	}

	messageID, err := newMessageID(p.cry)
	if err != nil {
		return "", err
	}
	ts := time.Now().Unix()
	payload := model.InvitePayload{GroupID: groupID, InvitedUsername: invitedUsername}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindProtocol, "encode invite payload", err)
	}

	sealed, err := p.seal(groupID, messageID, model.KindInvite, ts, body)
	if err != nil {
		return messageID, err
	}
	frame := wireFrame{Op: "send", ConversationID: groupID, IsGroup: true, MessageID: messageID, Kind: int(model.KindInvite), Sealed: sealed}
	sendErr := p.sendSealed(ctx, frame)

	msg := model.Message{
		MessageID:      messageID,
		ConversationID: groupID,
		IsGroup:        true,
		Outgoing:       true,
		Kind:           model.KindInvite,
		Invite:         &payload,
		TimestampSec:   ts,
	}
	if sendErr == nil {
		msg.Status = model.StatusSent
	} else {
		msg.Status = model.StatusFailed
	}
	if err := p.st.RecordOutgoing(msg); err != nil {
		return messageID, coreerr.Wrap(coreerr.KindStorage, "record invite", err)
	}
	return messageID, sendErr
}

// finishSend applies the outcome of a send attempt: persist Sent on
// success, or classify the failure into Failed (non-retryable), enqueue
// into the durable retry queue (retryable), or propagate the trust gate
// without recording anything durable (the retry would loop).
func (p *Pipeline) finishSend(messageID string, msg model.Message, pendKind model.PendingKind, body []byte, sendErr error) error {
	if sendErr == nil {
		msg.Status = model.StatusSent
		if err := p.st.RecordOutgoing(msg); err != nil {
			return coreerr.Wrap(coreerr.KindStorage, "record sent message", err)
		}
		return nil
	}

	switch Classify(sendErr) {
	case ClassTrustGate:
		return sendErr
	case ClassNonRetryable:
		msg.Status = model.StatusFailed
		if err := p.st.RecordOutgoing(msg); err != nil {
			return coreerr.Wrap(coreerr.KindStorage, "record failed message", err)
		}
		return sendErr
	default: // ClassRetryable
		msg.Status = model.StatusPending
		if err := p.st.RecordOutgoing(msg); err != nil {
			return coreerr.Wrap(coreerr.KindStorage, "record pending message", err)
		}
		pending := model.PendingOutgoing{
			ConversationID: msg.ConversationID,
			MessageID:      messageID,
			IsGroup:        msg.IsGroup,
			Kind:           pendKind,
			Body:           body,
			LastAttemptMs:  time.Now().UnixMilli(),
		}
		if err := p.st.EnqueuePending(pending); err != nil {
			return coreerr.Wrap(coreerr.KindStorage, "enqueue pending", err)
		}
		return sendErr
	}
}

// resend reuses messageID (bypassing id generation) and refreshes
// last_attempt_ms. It backs every Resend* variant: the pending entry's Body
// is opaque and the history record already carries the Kind needed to
// reseal it, so one implementation covers text/file/sticker/location/
// contact alike.
//
// If there is no pending entry but history shows the message already
// reached Sent/Delivered/Read, a resend of an already-successful send is a
// no-op returning nil rather than InvalidArgument.
func (p *Pipeline) resend(ctx context.Context, messageID string) error {
	pending, havePending, err := p.st.Pending(messageID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "load pending entry", err)
	}

	msg, ok, err := p.st.Message(messageID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "load message", err)
	}
	if !ok {
		return coreerr.New(coreerr.KindInvalidArgument, "no history record for that message id")
	}
	if !havePending {
		switch msg.Status {
		case model.StatusSent, model.StatusDelivered, model.StatusRead:
			return nil
		default:
			return coreerr.New(coreerr.KindInvalidArgument, "no pending entry for that message id")
		}
	}

	ts := msg.TimestampSec
	sealed, err := p.seal(pending.ConversationID, messageID, msg.Kind, ts, pending.Body)
	if err != nil {
		return err
	}
	frame := wireFrame{Op: "send", ConversationID: pending.ConversationID, IsGroup: pending.IsGroup, MessageID: messageID, Kind: int(msg.Kind), Sealed: sealed}
	sendErr := p.sendSealed(ctx, frame)

	if err := p.st.RecordAttempt(messageID, pending.Attempts+1, time.Now().UnixMilli()); err != nil {
		return coreerr.Wrap(coreerr.KindStorage, "record resend attempt", err)
	}

	if sendErr == nil {
		if err := p.st.UpdateStatus(messageID, model.StatusSent); err != nil {
			return coreerr.Wrap(coreerr.KindStorage, "update status after resend", err)
		}
		if err := p.st.RemovePending(messageID); err != nil {
			return coreerr.Wrap(coreerr.KindStorage, "remove pending after resend", err)
		}
		if err := p.st.DeleteAttachmentManifest(messageID); err != nil {
			return coreerr.Wrap(coreerr.KindStorage, "clear preview after resend", err)
		}
		return nil
	}

	if Classify(sendErr) == ClassNonRetryable {
		_ = p.st.UpdateStatus(messageID, model.StatusFailed)
		_ = p.st.RemovePending(messageID)
	}
	return sendErr
}

// ResendText resends a previously-queued text message.
func (p *Pipeline) ResendText(ctx context.Context, messageID string) error { return p.resend(ctx, messageID) }

// ResendFile resends a previously-queued file message.
func (p *Pipeline) ResendFile(ctx context.Context, messageID string) error { return p.resend(ctx, messageID) }

// ResendSticker resends a previously-queued sticker message.
func (p *Pipeline) ResendSticker(ctx context.Context, messageID string) error { return p.resend(ctx, messageID) }

// ResendLocation resends a previously-queued location message.
func (p *Pipeline) ResendLocation(ctx context.Context, messageID string) error { return p.resend(ctx, messageID) }

// ResendContact resends a previously-queued contact-card message.
func (p *Pipeline) ResendContact(ctx context.Context, messageID string) error { return p.resend(ctx, messageID) }
