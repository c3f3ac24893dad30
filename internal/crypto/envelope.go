package crypto

import (
	"encoding/binary"
	"fmt"
)

// The two on-disk envelope magics, reproduced verbatim —
// readers detect by magic prefix and parse accordingly.
const (
	MagicOsWrap  = "MI_E2EE_SECURE_STORE_V1"
	MagicTpmWrap = "MI_E2EE_SECURE_STORE_TPM1"
)

// Envelope is the tagged sum from the DESIGN NOTES: "Expose as a tagged sum
// Envelope::{OsWrap, TpmWrap{wrapped_key}} at parse time." WrappedKey is
// meaningful only when Kind is KindTpmWrap.
type Envelope struct {
	Kind       EnvelopeKind
	WrappedKey []byte // only set for KindTpmWrap
	Nonce      [24]byte
	Tag        [16]byte
	Ciphertext []byte
}

type EnvelopeKind int

const (
	KindOsWrap EnvelopeKind = iota
	KindTpmWrap
)

// WrapOs seals plain under the OS-managed secure-store key (consumed via the
// platform secure-store abstraction, out of scope here) using entropy as
// the per-blob AAD diversifier, and serializes the OsWrap envelope.
//
// wrapFn is the platform secure-store's seal operation: it receives the
// plaintext and AAD and returns the nonce, tag and ciphertext separately,
// sealed with the OS-wrapped key.
// The core never sees that key; it only ever calls through wrapFn.
func WrapOs(plain, entropy []byte, wrapFn func(plain, aad []byte) (nonce [24]byte, tag [16]byte, ciphertext []byte, err error)) ([]byte, error) {
	nonce, tag, ct, err := wrapFn(plain, entropy)
	if err != nil {
		return nil, fmt.Errorf("crypto: envelope wrap: %w", err)
	}
	out := make([]byte, 0, len(MagicOsWrap)+24+16+len(ct))
	out = append(out, MagicOsWrap...)
	out = append(out, nonce[:]...)
	out = append(out, tag[:]...)
	out = append(out, ct...)
	return out, nil
}

// WrapTpm is WrapOs's TPM-bound sibling: it prepends a u32-LE wrapped-key
// length and the wrapped key itself ahead of the nonce.
func WrapTpm(plain, entropy, wrappedKey []byte, wrapFn func(plain, aad []byte) (nonce [24]byte, tag [16]byte, ciphertext []byte, err error)) ([]byte, error) {
	nonce, tag, ct, err := wrapFn(plain, entropy)
	if err != nil {
		return nil, fmt.Errorf("crypto: envelope wrap (tpm): %w", err)
	}
	out := make([]byte, 0, len(MagicTpmWrap)+4+len(wrappedKey)+24+16+len(ct))
	out = append(out, MagicTpmWrap...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(wrappedKey)))
	out = append(out, lenBuf[:]...)
	out = append(out, wrappedKey...)
	out = append(out, nonce[:]...)
	out = append(out, tag[:]...)
	out = append(out, ct...)
	return out, nil
}

// ParseEnvelope detects the magic prefix and splits the blob into its
// structured fields without decrypting — decryption requires the
// platform-specific unwrap key, which this package never holds.
func ParseEnvelope(blob []byte) (*Envelope, error) {
	switch {
	case hasPrefix(blob, MagicTpmWrap):
		rest := blob[len(MagicTpmWrap):]
		if len(rest) < 4 {
			return nil, fmt.Errorf("crypto: envelope: truncated wrapped-key length")
		}
		wkLen := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < wkLen+24+16 {
			return nil, fmt.Errorf("crypto: envelope: truncated tpm envelope")
		}
		wk := append([]byte(nil), rest[:wkLen]...)
		rest = rest[wkLen:]
		e := &Envelope{Kind: KindTpmWrap, WrappedKey: wk}
		copy(e.Nonce[:], rest[:24])
		copy(e.Tag[:], rest[24:40])
		e.Ciphertext = append([]byte(nil), rest[40:]...)
		return e, nil
	case hasPrefix(blob, MagicOsWrap):
		rest := blob[len(MagicOsWrap):]
		if len(rest) < 24+16 {
			return nil, fmt.Errorf("crypto: envelope: truncated os envelope")
		}
		e := &Envelope{Kind: KindOsWrap}
		copy(e.Nonce[:], rest[:24])
		copy(e.Tag[:], rest[24:40])
		e.Ciphertext = append([]byte(nil), rest[40:]...)
		return e, nil
	default:
		return nil, fmt.Errorf("crypto: envelope: unrecognized magic prefix")
	}
}

func hasPrefix(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == prefix
}
