// Package megolm implements the group ratchet (spec §4.4 GRP): a forward-only
// symmetric sender chain authenticated with an Ed25519 session-signing
// keypair, distributed to room members over pairwise channels.
package megolm

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

// MaxInboundCacheSize bounds the number of out-of-order message keys cached
// per inbound session; the oldest is evicted on overflow.
const MaxInboundCacheSize = 100

const chainStepInfo = "efsec-megolm-mk"

// SessionID identifies one sender's group session within a room.
type SessionID [16]byte

func deriveSessionID(chainKey0 [crypto.KeySize]byte, sigPub ed25519.PublicKey) SessionID {
	h := sha256.New()
	h.Write(chainKey0[:])
	h.Write(sigPub)
	sum := h.Sum(nil)
	var id SessionID
	copy(id[:], sum[:16])
	return id
}

// stepChain advances a chain key one position and derives the message key for
// the position being left, mirroring the Double Ratchet's symmetric step:
// MK = HMAC(CK, 0x01), CK' = HMAC(CK, 0x02).
func stepChain(chainKey [crypto.KeySize]byte) (mk, next [crypto.KeySize]byte) {
	copy(mk[:], crypto.HMACSHA256(chainKey[:], []byte{0x01}))
	copy(next[:], crypto.HMACSHA256(chainKey[:], []byte{0x02}))
	return mk, next
}

func aeadKeyFromChainMK(mk [crypto.KeySize]byte) ([crypto.KeySize]byte, error) {
	out, err := crypto.HKDF(mk[:], nil, []byte(chainStepInfo), crypto.KeySize)
	var key [crypto.KeySize]byte
	if err != nil {
		return key, err
	}
	copy(key[:], out)
	return key, nil
}

// OutboundSession is the sender's side of a room's group ratchet.
type OutboundSession struct {
	sessionID  SessionID
	chainKey   [crypto.KeySize]byte
	chainIndex uint32
	signing    crypto.Ed25519KeyPair
}

// NewOutboundSession creates a fresh group session with a random initial
// chain key and a new Ed25519 session-signing keypair.
func NewOutboundSession() (*OutboundSession, error) {
	var chainKey0 [crypto.KeySize]byte
	if err := crypto.FillRandom(chainKey0[:]); err != nil {
		return nil, err
	}
	signing, err := crypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &OutboundSession{
		sessionID:  deriveSessionID(chainKey0, signing.Public),
		chainKey:   chainKey0,
		chainIndex: 0,
		signing:    signing,
	}, nil
}

// SessionID returns the session identifier new members need to recognize
// messages from this outbound session.
func (s *OutboundSession) SessionID() SessionID { return s.sessionID }

// Encrypt seals plaintext under the current chain position and advances the
// chain, and signs the envelope so a recipient can authenticate the sender
// device without re-running X3DH.
func (s *OutboundSession) Encrypt(aad, plaintext []byte) (index uint32, ciphertext, signature []byte, err error) {
	mk, next := stepChain(s.chainKey)
	aeadKey, err := aeadKeyFromChainMK(mk)
	crypto.ZeroizeArray(&mk)
	if err != nil {
		return 0, nil, nil, err
	}
	ct, err := crypto.SealAESGCM(aeadKey, aad, plaintext)
	crypto.ZeroizeArray(&aeadKey)
	if err != nil {
		return 0, nil, nil, err
	}
	index = s.chainIndex
	sig := crypto.Sign(s.signing.Private, signedPayload(s.sessionID, index, ct))

	crypto.ZeroizeArray(&s.chainKey)
	s.chainKey = next
	s.chainIndex++
	return index, ct, sig, nil
}

// Distribute produces the key-distribution payload sent to a room member over
// a pairwise session: the *current* chain position, never chain_key_0, so a
// newly admitted member cannot decrypt history (spec §4.4 forward secrecy).
func (s *OutboundSession) Distribute() KeyDistribution {
	return KeyDistribution{
		SessionID:  s.sessionID,
		ChainKey:   s.chainKey,
		ChainIndex: s.chainIndex,
		SigningPub: append(ed25519.PublicKey(nil), s.signing.Public...),
	}
}

func signedPayload(sid SessionID, index uint32, ciphertext []byte) []byte {
	buf := make([]byte, 0, 16+4+len(ciphertext))
	buf = append(buf, sid[:]...)
	buf = append(buf, byte(index>>24), byte(index>>16), byte(index>>8), byte(index))
	buf = append(buf, ciphertext...)
	return buf
}

// KeyDistribution is the inner payload carried over a pairwise session to
// grant a member the ability to decrypt a room's group messages going
// forward (spec §6 key-distribution payload).
type KeyDistribution struct {
	RoomID     string
	SessionID  SessionID
	ChainKey   [crypto.KeySize]byte
	ChainIndex uint32
	SigningPub ed25519.PublicKey
}

type skippedKey struct {
	index uint32
	key   [crypto.KeySize]byte
}

// InboundSession is a recipient's view of one sender's group ratchet, seeded
// from a KeyDistribution.
type InboundSession struct {
	sessionID       SessionID
	firstKnownIndex uint32
	chainKey        [crypto.KeySize]byte
	chainIndex      uint32
	signingPub      ed25519.PublicKey
	skipped         []skippedKey
}

// NewInboundSession seeds an inbound session from a received key
// distribution. kd.ChainIndex becomes the session's first_known_index: no
// message before it is ever derivable, by construction (spec §4.4).
func NewInboundSession(kd KeyDistribution) *InboundSession {
	return &InboundSession{
		sessionID:       kd.SessionID,
		firstKnownIndex: kd.ChainIndex,
		chainKey:        kd.ChainKey,
		chainIndex:      kd.ChainIndex,
		signingPub:      append(ed25519.PublicKey(nil), kd.SigningPub...),
	}
}

// Decrypt verifies the envelope signature and opens the ciphertext at the
// given chain index, advancing the forward-only chain as needed and caching
// any keys skipped along the way for later out-of-order delivery.
func (s *InboundSession) Decrypt(aad []byte, index uint32, ciphertext, signature []byte) ([]byte, error) {
	if !crypto.Verify(s.signingPub, signedPayload(s.sessionID, index, ciphertext), signature) {
		return nil, e2eerrors.New(e2eerrors.BadSignature, "group message signature invalid")
	}

	if index < s.firstKnownIndex {
		return nil, e2eerrors.New(e2eerrors.UnknownMessageIndex, "index precedes first known chain position")
	}

	if index < s.chainIndex {
		mk, ok := s.peekSkipped(index)
		if !ok {
			return nil, e2eerrors.New(e2eerrors.UnrecoverableKey, "message key for index no longer cached")
		}
		// Unlike the pairwise ratchet, a group message key is kept after use,
		// not deleted: at-least-once relay delivery means the same envelope
		// can legitimately arrive twice, and it must decrypt idempotently
		// both times (spec's group-ratchet replay policy). AES-GCM's
		// authentication tag already rejects any ciphertext that doesn't
		// match what the key originally sealed, so reuse can't be abused to
		// decrypt a different message under the same index.
		return s.open(mk, aad, ciphertext)
	}

	for s.chainIndex < index {
		mk, next := stepChain(s.chainKey)
		s.storeSkipped(s.chainIndex, mk)
		s.chainKey = next
		s.chainIndex++
	}

	mk, next := stepChain(s.chainKey)
	s.chainKey = next
	s.chainIndex++
	return s.open(mk, aad, ciphertext)
}

func (s *InboundSession) open(mk [crypto.KeySize]byte, aad, ciphertext []byte) ([]byte, error) {
	aeadKey, err := aeadKeyFromChainMK(mk)
	crypto.ZeroizeArray(&mk)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.OpenAESGCM(aeadKey, aad, ciphertext)
	crypto.ZeroizeArray(&aeadKey)
	return pt, err
}

func (s *InboundSession) storeSkipped(index uint32, key [crypto.KeySize]byte) {
	s.skipped = append(s.skipped, skippedKey{index: index, key: key})
	for len(s.skipped) > MaxInboundCacheSize {
		s.skipped = s.skipped[1:]
	}
}

// peekSkipped looks up a cached skipped-over message key without consuming
// it: the group ratchet's replay policy is use-and-keep, not use-and-delete.
func (s *InboundSession) peekSkipped(index uint32) ([crypto.KeySize]byte, bool) {
	for _, e := range s.skipped {
		if e.index == index {
			return e.key, true
		}
	}
	return [crypto.KeySize]byte{}, false
}

// SessionID returns the identifier of the sender session this tracks.
func (s *InboundSession) SessionID() SessionID { return s.sessionID }
