// Package crypto implements the pure cryptographic primitives the rest of the
// engine builds on: Curve25519 ECDH, Ed25519 signatures, HKDF-SHA256,
// HMAC-SHA256, AES-256-GCM, and a CSPRNG. Nothing here holds state, performs
// I/O, or logs key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

// KeySize is the width in bytes of every X25519 key and symmetric secret used
// by this engine.
const KeySize = 32

// X25519KeyPair is a Curve25519 Diffie-Hellman keypair.
type X25519KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateX25519KeyPair produces a fresh, correctly clamped X25519 keypair.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "generate x25519 private key")
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "derive x25519 public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519 performs scalar multiplication, producing the shared secret between
// a private key and a peer's public key.
func X25519(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "x25519 scalar multiplication")
	}
	copy(out[:], shared)
	return out, nil
}

// Ed25519KeyPair is a signing keypair used for identity authentication
// (X3DH's signed prekey signature) and Megolm session authenticity.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519KeyPair produces a fresh Ed25519 signing keypair.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "generate ed25519 keypair")
	}
	return Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// HKDF derives outputLength bytes of key material from ikm using HKDF-SHA256.
func HKDF(ikm, salt, info []byte, outputLength int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outputLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "hkdf derive")
	}
	return out, nil
}

// HMACSHA256 computes an HMAC-SHA256 tag over msg under key.
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// ConstantTimeEqual reports whether two byte slices are equal without leaking
// timing information about where they differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SealAESGCM encrypts plaintext under a 32-byte key with a random 12-byte
// nonce, authenticating aad. The nonce is prepended to the returned blob.
func SealAESGCM(key [KeySize]byte, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.AeadAuth, err, "aes cipher init")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.AeadAuth, err, "gcm init")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "generate nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenAESGCM decrypts a blob produced by SealAESGCM, authenticating aad.
// Tag mismatch is reported as AeadAuth, never panics.
func OpenAESGCM(key [KeySize]byte, aad, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.AeadAuth, err, "aes cipher init")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.AeadAuth, err, "gcm init")
	}
	if len(blob) < gcm.NonceSize() {
		return nil, e2eerrors.New(e2eerrors.AeadAuth, "ciphertext shorter than nonce")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.AeadAuth, err, "gcm authentication failed")
	}
	return pt, nil
}

// FillRandom fills buf with CSPRNG output.
func FillRandom(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "fill random")
	}
	return nil
}

// Zeroize overwrites buf with zeros. Call it on key material the caller is
// done with, before it goes out of scope.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// ZeroizeArray overwrites a fixed-size key array with zeros.
func ZeroizeArray(buf *[KeySize]byte) {
	for i := range buf {
		buf[i] = 0
	}
}
