// Package crypto defines the narrow Crypto collaborator consumed by the rest
// of the core (raw primitives are consumed via a narrow Crypto interface,
// never used inline) and ships one concrete implementation backed by golang.org/x/crypto.
//
// Nothing outside this package touches a raw AEAD/X25519/Argon2id call —
// every other component depends on the Crypto interface so it can be swapped
// for a platform-accelerated or FIPS-validated implementation without
// touching session, trust, or send-pipeline logic.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = chacha20poly1305.NonceSizeX // 24 bytes, matches the on-disk envelope contract
	TagSize   = 16
)

// Crypto is the trait every component uses for key agreement, sealing, and
// password hardening. The default implementation (New) is safe for
// concurrent use since every method is stateless over its inputs.
type Crypto interface {
	// RandomBytes fills a freshly allocated slice of n cryptographically
	// random bytes (device IDs, message IDs, call IDs, nonces).
	RandomBytes(n int) ([]byte, error)

	// GenerateX25519 returns a fresh identity or ephemeral X25519 key pair.
	GenerateX25519() (priv, pub [32]byte, err error)

	// X25519 performs scalar multiplication for key agreement.
	X25519(priv, peerPub [32]byte) ([32]byte, error)

	// Fingerprint computes the SHA-256 digest of a raw public key, per the
	// GLOSSARY definition used throughout TrustEngine.
	Fingerprint(pubKey []byte) [32]byte

	// DeriveKey runs HKDF-SHA256 over secret with the given salt/info,
	// producing outLen bytes. Used for ratchet chain-key derivation and
	// media-root derivation.
	DeriveKey(secret, salt, info []byte, outLen int) ([]byte, error)

	// Seal AEAD-encrypts plaintext under key, binding associatedData. The
	// returned ciphertext is nonce || ciphertext || tag.
	Seal(key [32]byte, plaintext, associatedData []byte) ([]byte, error)

	// Open reverses Seal. Returns a Crypto-kind failure on tag mismatch.
	Open(key [32]byte, sealed, associatedData []byte) ([]byte, error)

	// DeriveVerifier runs Argon2id over password with the given salt,
	// producing the OPAQUE-style envelope key material used by
	// SessionManager's registration/login exchange.
	DeriveVerifier(password, salt []byte) []byte
}

type defaultCrypto struct{}

// New returns the default Crypto implementation: X25519 for key agreement,
// XChaCha20-Poly1305 for AEAD, HKDF-SHA256 for derivation, and Argon2id for
// password hardening — the same primitive family golang.org/x/crypto already
// supplies transitively through the QUIC transport's TLS 1.3 stack.
func New() Crypto { return defaultCrypto{} }

func (defaultCrypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

func (defaultCrypto) GenerateX25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("crypto: generate key: %w", err)
	}
	// Clamp per RFC 7748.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("crypto: derive public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

func (defaultCrypto) X25519(priv, peerPub [32]byte) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return shared, fmt.Errorf("crypto: x25519: %w", err)
	}
	copy(shared[:], out)
	return shared, nil
}

func (defaultCrypto) Fingerprint(pubKey []byte) [32]byte {
	return sha256.Sum256(pubKey)
}

func (defaultCrypto) DeriveKey(secret, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return out, nil
}

func (defaultCrypto) Seal(key [32]byte, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	return append(nonce, sealed...), nil
}

func (defaultCrypto) Open(key [32]byte, sealed, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: sealed payload too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, associatedData)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plain, nil
}

// Argon2id parameters tuned for an interactive login path (~50ms on
// commodity hardware): time=1, memory=64MiB, parallelism=4.
const (
	argonTime      = 1
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4
	argonKeyLen    = 32
)

func (defaultCrypto) DeriveVerifier(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
}
