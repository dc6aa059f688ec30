// Package ratchet implements the pairwise session protocol: X3DH initial key
// agreement followed by a Double Ratchet, per spec sections PWS (§4.3).
package ratchet

import (
	"crypto/ed25519"

	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

const x3dhInfo = "efsec-x3dh"

// PeerBundle is the public material an initiator fetches from the server to
// start an X3DH session with a peer (spec §3 PreKeyBundle).
type PeerBundle struct {
	IdentityEdPub    ed25519.PublicKey
	IdentityX25519   [crypto.KeySize]byte
	SignedPreKeyID   uint32
	SignedPreKeyPub  [crypto.KeySize]byte
	SignedPreKeySig  []byte
	OneTimePreKeyID  *uint32
	OneTimePreKeyPub *[crypto.KeySize]byte
	DeviceID         string
}

// LocalIdentity is the initiator's or responder's own identity material,
// as held in the client keystore.
type LocalIdentity struct {
	IdentityEdPub    ed25519.PublicKey
	IdentityEdPriv   ed25519.PrivateKey
	IdentityX25519   crypto.X25519KeyPair
}

// OutboundInit is the result of running X3DH as the initiator ("Alice").
type OutboundInit struct {
	SharedSecret    [crypto.KeySize]byte
	EphemeralPub    [crypto.KeySize]byte
	SignedPreKeyID  uint32
	OneTimePreKeyID *uint32
}

// InitiateX3DH runs the X3DH protocol as the initiator against a peer's
// bundle. It verifies the signed prekey's signature before deriving any
// shared secret, per spec step 1 — an invalid signature is a potential MITM
// and must fail closed.
func InitiateX3DH(local LocalIdentity, peer PeerBundle) (OutboundInit, crypto.X25519KeyPair, error) {
	if !crypto.Verify(peer.IdentityEdPub, peer.SignedPreKeyPub[:], peer.SignedPreKeySig) {
		return OutboundInit{}, crypto.X25519KeyPair{}, e2eerrors.New(e2eerrors.BadSignature, "signed prekey signature invalid")
	}

	ephemeral, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return OutboundInit{}, crypto.X25519KeyPair{}, err
	}

	dh1, err := crypto.X25519(local.IdentityX25519.Private, peer.SignedPreKeyPub)
	if err != nil {
		return OutboundInit{}, crypto.X25519KeyPair{}, err
	}
	dh2, err := crypto.X25519(ephemeral.Private, peer.IdentityX25519)
	if err != nil {
		return OutboundInit{}, crypto.X25519KeyPair{}, err
	}
	dh3, err := crypto.X25519(ephemeral.Private, peer.SignedPreKeyPub)
	if err != nil {
		return OutboundInit{}, crypto.X25519KeyPair{}, err
	}

	ikm := concatX3DHInput(dh1, dh2, dh3, peer.OneTimePreKeyPub, ephemeral, &peer)

	sk, err := deriveX3DHSecret(ikm)
	if err != nil {
		return OutboundInit{}, crypto.X25519KeyPair{}, err
	}

	crypto.ZeroizeArray(&dh1)
	crypto.ZeroizeArray(&dh2)
	crypto.ZeroizeArray(&dh3)

	return OutboundInit{
		SharedSecret:    sk,
		EphemeralPub:    ephemeral.Public,
		SignedPreKeyID:  peer.SignedPreKeyID,
		OneTimePreKeyID: peer.OneTimePreKeyID,
	}, ephemeral, nil
}

// InboundMaterial is what the responder needs locally to reconstruct the X3DH
// secret symmetrically: its own identity and signed prekey privates, plus the
// one-time prekey private if the initiator referenced one.
type InboundMaterial struct {
	IdentityX25519Priv   [crypto.KeySize]byte
	SignedPreKeyPriv     [crypto.KeySize]byte
	OneTimePreKeyPriv    *[crypto.KeySize]byte
}

// InboundHeader is the PreKey-prefixed header carried by the first envelope
// of a new session (spec §6).
type InboundHeader struct {
	InitiatorIdentityEdPub  ed25519.PublicKey
	InitiatorIdentityX25519 [crypto.KeySize]byte
	InitiatorEphemeralPub   [crypto.KeySize]byte
	SignedPreKeyID          uint32
	OneTimePreKeyID         *uint32
}

// RespondX3DH derives the same shared secret as InitiateX3DH, from the
// responder's side. If the header names a one-time prekey the caller must
// have already resolved (and consumed) its private via the identity
// keystore's ConsumeOneTimePrivate — failure to resolve is the caller's
// responsibility to turn into UnknownPreKey before calling this.
func RespondX3DH(local InboundMaterial, header InboundHeader) ([crypto.KeySize]byte, error) {
	dh1, err := crypto.X25519(local.SignedPreKeyPriv, header.InitiatorIdentityX25519)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	dh2, err := crypto.X25519(local.IdentityX25519Priv, header.InitiatorEphemeralPub)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	dh3, err := crypto.X25519(local.SignedPreKeyPriv, header.InitiatorEphemeralPub)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}

	var dh4 *[crypto.KeySize]byte
	if header.OneTimePreKeyID != nil {
		if local.OneTimePreKeyPriv == nil {
			return [crypto.KeySize]byte{}, e2eerrors.New(e2eerrors.UnknownPreKey, "referenced one-time prekey not held locally")
		}
		out, err := crypto.X25519(*local.OneTimePreKeyPriv, header.InitiatorEphemeralPub)
		if err != nil {
			return [crypto.KeySize]byte{}, err
		}
		dh4 = &out
	}

	ikm := make([]byte, 0, 32+32+32+32+64)
	prefix := make([]byte, 32)
	for i := range prefix {
		prefix[i] = 0xFF
	}
	ikm = append(ikm, prefix...)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	if dh4 != nil {
		ikm = append(ikm, dh4[:]...)
	}

	sk, err := deriveX3DHSecret(ikm)
	crypto.ZeroizeArray(&dh1)
	crypto.ZeroizeArray(&dh2)
	crypto.ZeroizeArray(&dh3)
	if dh4 != nil {
		crypto.ZeroizeArray(dh4)
	}
	return sk, err
}

func concatX3DHInput(dh1, dh2, dh3 [crypto.KeySize]byte, opk *[crypto.KeySize]byte, ephemeral crypto.X25519KeyPair, peer *PeerBundle) []byte {
	prefix := make([]byte, 32)
	for i := range prefix {
		prefix[i] = 0xFF
	}
	ikm := make([]byte, 0, 32+32*4)
	ikm = append(ikm, prefix...)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	if opk != nil {
		dh4, err := crypto.X25519(ephemeral.Private, *opk)
		if err == nil {
			ikm = append(ikm, dh4[:]...)
			crypto.ZeroizeArray(&dh4)
		}
	}
	return ikm
}

func deriveX3DHSecret(ikm []byte) ([crypto.KeySize]byte, error) {
	var salt [32]byte
	out, err := crypto.HKDF(ikm, salt[:], []byte(x3dhInfo), crypto.KeySize)
	var sk [crypto.KeySize]byte
	if err != nil {
		return sk, err
	}
	copy(sk[:], out)
	return sk, nil
}
