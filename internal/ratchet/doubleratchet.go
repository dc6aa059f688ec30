package ratchet

import (
	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

// MaxSkip bounds how many message keys a single chain step may skip before
// the ratchet refuses to advance further (spec §4.3 Caps).
const MaxSkip = 1000

// MaxSkippedCacheSize bounds the total number of cached skipped message keys
// per session; the oldest is evicted on overflow (spec §4.3 Caps). Eviction
// is permissible data loss, not a crypto failure.
const MaxSkippedCacheSize = 2000

const (
	rootKDFInfo    = "efsec-rk"
	chainMKByte    = 0x01
	chainCKByte    = 0x02
	messageKeyInfo = "efsec-mk"
	messageKeyLen  = 80
)

// Header is the per-message ratchet header transmitted alongside ciphertext.
type Header struct {
	DHRatchetPub [crypto.KeySize]byte
	PN           uint32
	N            uint32
}

type skippedEntry struct {
	dhPub [crypto.KeySize]byte
	index uint32
	key   [crypto.KeySize]byte
}

// Session holds one side of a Double Ratchet conversation (spec §3
// PairwiseSession). All mutation happens in memory first; callers persist the
// result to the keystore before surfacing plaintext (spec §4.3 ordering
// guarantee).
type Session struct {
	RootKey [crypto.KeySize]byte

	SendChainKey [crypto.KeySize]byte
	SendIndex    uint32

	RecvChainKey  [crypto.KeySize]byte
	RecvIndex     uint32
	HaveRecvChain bool

	DHRatchet       crypto.X25519KeyPair
	PeerRatchetPub  [crypto.KeySize]byte
	HavePeerRatchet bool

	PreviousSendCount uint32 // PN: length of the prior sending chain

	AssociatedData []byte // fixed per session: IK_initiator_pub || IK_responder_pub

	skipped []skippedEntry // insertion-ordered for FIFO eviction
}

// NewOutboundSession initializes the Double Ratchet state for the X3DH
// initiator immediately after deriving SK (spec §4.3 step 4): the initiator
// performs an immediate DH step using a freshly generated ratchet keypair
// against the responder's signed prekey.
func NewOutboundSession(sk [crypto.KeySize]byte, responderSignedPreKeyPub [crypto.KeySize]byte, associatedData []byte) (*Session, error) {
	dhr, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	s := &Session{
		RootKey:         sk,
		DHRatchet:       dhr,
		PeerRatchetPub:  responderSignedPreKeyPub,
		HavePeerRatchet: true,
		AssociatedData:  associatedData,
	}
	dhOut, err := crypto.X25519(dhr.Private, responderSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	newRoot, newChain, err := kdfRootStep(s.RootKey, dhOut)
	if err != nil {
		return nil, err
	}
	s.RootKey = newRoot
	s.SendChainKey = newChain
	crypto.ZeroizeArray(&dhOut)
	return s, nil
}

// NewInboundSession initializes the Double Ratchet state for the X3DH
// responder: its current DH ratchet private is the signed prekey used in the
// X3DH handshake, so the initiator's first DH step lines up symmetrically.
func NewInboundSession(sk [crypto.KeySize]byte, responderSignedPreKey crypto.X25519KeyPair, associatedData []byte) *Session {
	return &Session{
		RootKey:        sk,
		DHRatchet:      responderSignedPreKey,
		AssociatedData: associatedData,
	}
}

func kdfRootStep(rootKey, dhOutput [crypto.KeySize]byte) ([crypto.KeySize]byte, [crypto.KeySize]byte, error) {
	out, err := crypto.HKDF(dhOutput[:], rootKey[:], []byte(rootKDFInfo), 64)
	var newRoot, newChain [crypto.KeySize]byte
	if err != nil {
		return newRoot, newChain, err
	}
	copy(newRoot[:], out[:32])
	copy(newChain[:], out[32:])
	return newRoot, newChain, nil
}

// deriveMessageKey advances a chain key one step, returning the message key
// material for the current index and the next chain key. Implements the
// symmetric-key ratchet: MK = HMAC(CK, 0x01), CK' = HMAC(CK, 0x02).
func deriveMessageKey(chainKey [crypto.KeySize]byte) (mk, nextChain [crypto.KeySize]byte) {
	copy(mk[:], crypto.HMACSHA256(chainKey[:], []byte{chainMKByte}))
	copy(nextChain[:], crypto.HMACSHA256(chainKey[:], []byte{chainCKByte}))
	return mk, nextChain
}

// aeadKeyFromMessageKey expands a 32-byte message key into the wider key
// material the spec calls for (HKDF(MK, "", "efsec-mk", 80)); this
// implementation only needs a 32-byte AES-256 key, so the remainder is
// reserved headroom for a future cipher suite and is discarded.
func aeadKeyFromMessageKey(mk [crypto.KeySize]byte) ([crypto.KeySize]byte, error) {
	out, err := crypto.HKDF(mk[:], nil, []byte(messageKeyInfo), messageKeyLen)
	var key [crypto.KeySize]byte
	if err != nil {
		return key, err
	}
	copy(key[:], out[:32])
	return key, nil
}

// Encrypt steps the sending chain, builds the header, and AEAD-encrypts
// plaintext. The caller must persist the returned session state to the
// keystore before transmitting the ciphertext (spec §4.3 ordering).
func (s *Session) Encrypt(plaintext []byte) (Header, []byte, error) {
	mk, nextChain := deriveMessageKey(s.SendChainKey)
	header := Header{
		DHRatchetPub: s.DHRatchet.Public,
		PN:           s.PreviousSendCount,
		N:            s.SendIndex,
	}

	aeadKey, err := aeadKeyFromMessageKey(mk)
	if err != nil {
		return Header{}, nil, err
	}
	aad := headerAAD(header, s.AssociatedData)
	ct, err := crypto.SealAESGCM(aeadKey, aad, plaintext)
	if err != nil {
		return Header{}, nil, err
	}

	crypto.ZeroizeArray(&mk)
	crypto.ZeroizeArray(&aeadKey)
	crypto.ZeroizeArray(&s.SendChainKey)
	s.SendChainKey = nextChain
	s.SendIndex++

	return header, ct, nil
}

// Decrypt processes an inbound envelope, performing a DH ratchet step if the
// header's ratchet public key differs from the currently known peer key, then
// advancing (or replaying from cache) the receiving chain to the header's
// index.
func (s *Session) Decrypt(header Header, ciphertext []byte) ([]byte, error) {
	if s.HavePeerRatchet && header.DHRatchetPub == s.PeerRatchetPub {
		return s.decryptWithCurrentChain(header, ciphertext)
	}

	if mk, ok := s.takeSkipped(header.DHRatchetPub, header.N); ok {
		return s.openWithMessageKey(mk, header, ciphertext)
	}

	if s.HavePeerRatchet {
		if err := s.skipReceiveChain(header.PN); err != nil {
			return nil, err
		}
	}

	if err := s.dhRatchetStep(header.DHRatchetPub); err != nil {
		return nil, err
	}

	return s.decryptWithCurrentChain(header, ciphertext)
}

func (s *Session) decryptWithCurrentChain(header Header, ciphertext []byte) ([]byte, error) {
	if header.N < s.RecvIndex {
		if mk, ok := s.takeSkipped(header.DHRatchetPub, header.N); ok {
			return s.openWithMessageKey(mk, header, ciphertext)
		}
		return nil, e2eerrors.New(e2eerrors.DuplicateOrTooOld, "message index already consumed")
	}

	if err := s.skipReceiveChain(header.N); err != nil {
		return nil, err
	}

	mk, nextChain := deriveMessageKey(s.RecvChainKey)
	s.RecvChainKey = nextChain
	s.RecvIndex++

	return s.openWithMessageKey(mk, header, ciphertext)
}

// skipReceiveChain advances the receiving chain from its current index up to
// (but not including) upTo, caching each skipped message key.
func (s *Session) skipReceiveChain(upTo uint32) error {
	if !s.HaveRecvChain {
		return nil
	}
	if upTo < s.RecvIndex {
		return nil
	}
	if upTo-s.RecvIndex > MaxSkip {
		return e2eerrors.New(e2eerrors.SkipOverflow, "too many skipped messages in one chain step")
	}
	for s.RecvIndex < upTo {
		mk, nextChain := deriveMessageKey(s.RecvChainKey)
		s.storeSkipped(s.PeerRatchetPub, s.RecvIndex, mk)
		s.RecvChainKey = nextChain
		s.RecvIndex++
	}
	return nil
}

// dhRatchetStep performs a full DH ratchet turn on receiving a new peer
// ratchet key: derive the new receiving chain from the incoming key, then
// generate a fresh local ratchet keypair and derive the new sending chain.
func (s *Session) dhRatchetStep(newPeerRatchetPub [crypto.KeySize]byte) error {
	dhRecv, err := crypto.X25519(s.DHRatchet.Private, newPeerRatchetPub)
	if err != nil {
		return err
	}
	newRoot, newRecvChain, err := kdfRootStep(s.RootKey, dhRecv)
	if err != nil {
		return err
	}
	crypto.ZeroizeArray(&dhRecv)

	s.PreviousSendCount = s.SendIndex
	s.PeerRatchetPub = newPeerRatchetPub
	s.HavePeerRatchet = true
	s.RootKey = newRoot
	s.RecvChainKey = newRecvChain
	s.HaveRecvChain = true
	s.RecvIndex = 0

	newDHR, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	dhSend, err := crypto.X25519(newDHR.Private, newPeerRatchetPub)
	if err != nil {
		return err
	}
	newRoot2, newSendChain, err := kdfRootStep(s.RootKey, dhSend)
	if err != nil {
		return err
	}
	crypto.ZeroizeArray(&dhSend)

	s.DHRatchet = newDHR
	s.RootKey = newRoot2
	s.SendChainKey = newSendChain
	s.SendIndex = 0

	return nil
}

func (s *Session) openWithMessageKey(mk [crypto.KeySize]byte, header Header, ciphertext []byte) ([]byte, error) {
	aeadKey, err := aeadKeyFromMessageKey(mk)
	crypto.ZeroizeArray(&mk)
	if err != nil {
		return nil, err
	}
	aad := headerAAD(header, s.AssociatedData)
	pt, err := crypto.OpenAESGCM(aeadKey, aad, ciphertext)
	crypto.ZeroizeArray(&aeadKey)
	return pt, err
}

func (s *Session) storeSkipped(dhPub [crypto.KeySize]byte, index uint32, key [crypto.KeySize]byte) {
	s.skipped = append(s.skipped, skippedEntry{dhPub: dhPub, index: index, key: key})
	for len(s.skipped) > MaxSkippedCacheSize {
		s.skipped = s.skipped[1:]
	}
}

func (s *Session) takeSkipped(dhPub [crypto.KeySize]byte, index uint32) ([crypto.KeySize]byte, bool) {
	for i, e := range s.skipped {
		if e.dhPub == dhPub && e.index == index {
			key := e.key
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			return key, true
		}
	}
	return [crypto.KeySize]byte{}, false
}

// SkippedKeyCount reports how many message keys are currently cached for
// out-of-order delivery, for keystore persistence bookkeeping.
func (s *Session) SkippedKeyCount() int {
	return len(s.skipped)
}

// SkippedEntry is the exported, persistence-friendly mirror of a skipped
// message key cache row.
type SkippedEntry struct {
	DHPub [crypto.KeySize]byte
	Index uint32
	Key   [crypto.KeySize]byte
}

// State is the exported, persistence-friendly mirror of Session, used by
// internal/keystore to serialize and restore pairwise sessions.
type State struct {
	RootKey           [crypto.KeySize]byte
	SendChainKey      [crypto.KeySize]byte
	SendIndex         uint32
	RecvChainKey      [crypto.KeySize]byte
	RecvIndex         uint32
	HaveRecvChain     bool
	DHRatchetPriv     [crypto.KeySize]byte
	DHRatchetPub      [crypto.KeySize]byte
	PeerRatchetPub    [crypto.KeySize]byte
	HavePeerRatchet   bool
	PreviousSendCount uint32
	AssociatedData    []byte
	Skipped           []SkippedEntry
}

// Export produces a serializable snapshot of the session.
func (s *Session) Export() State {
	skipped := make([]SkippedEntry, len(s.skipped))
	for i, e := range s.skipped {
		skipped[i] = SkippedEntry{DHPub: e.dhPub, Index: e.index, Key: e.key}
	}
	return State{
		RootKey:           s.RootKey,
		SendChainKey:      s.SendChainKey,
		SendIndex:         s.SendIndex,
		RecvChainKey:      s.RecvChainKey,
		RecvIndex:         s.RecvIndex,
		HaveRecvChain:     s.HaveRecvChain,
		DHRatchetPriv:     s.DHRatchet.Private,
		DHRatchetPub:      s.DHRatchet.Public,
		PeerRatchetPub:    s.PeerRatchetPub,
		HavePeerRatchet:   s.HavePeerRatchet,
		PreviousSendCount: s.PreviousSendCount,
		AssociatedData:    s.AssociatedData,
		Skipped:           skipped,
	}
}

// Restore rebuilds a Session from a snapshot produced by Export.
func Restore(st State) *Session {
	skipped := make([]skippedEntry, len(st.Skipped))
	for i, e := range st.Skipped {
		skipped[i] = skippedEntry{dhPub: e.DHPub, index: e.Index, key: e.Key}
	}
	return &Session{
		RootKey:      st.RootKey,
		SendChainKey: st.SendChainKey,
		SendIndex:    st.SendIndex,
		RecvChainKey: st.RecvChainKey,
		RecvIndex:    st.RecvIndex,
		HaveRecvChain: st.HaveRecvChain,
		DHRatchet: crypto.X25519KeyPair{
			Private: st.DHRatchetPriv,
			Public:  st.DHRatchetPub,
		},
		PeerRatchetPub:    st.PeerRatchetPub,
		HavePeerRatchet:   st.HavePeerRatchet,
		PreviousSendCount: st.PreviousSendCount,
		AssociatedData:    st.AssociatedData,
		skipped:           skipped,
	}
}

func headerAAD(h Header, associatedData []byte) []byte {
	aad := make([]byte, 0, len(associatedData)+crypto.KeySize+8)
	aad = append(aad, associatedData...)
	aad = append(aad, h.DHRatchetPub[:]...)
	aad = appendUint32(aad, h.PN)
	aad = appendUint32(aad, h.N)
	return aad
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
