package megolm

import "github.com/efsecnet/efsec/internal/crypto"

// OutboundState is the exported, persistence-friendly mirror of
// OutboundSession, used by internal/keystore.
type OutboundState struct {
	SessionID   [16]byte
	ChainKey    [crypto.KeySize]byte
	ChainIndex  uint32
	SigningPriv []byte
	SigningPub  []byte
}

// Export produces a serializable snapshot of the outbound session.
func (s *OutboundSession) Export() OutboundState {
	return OutboundState{
		SessionID:   [16]byte(s.sessionID),
		ChainKey:    s.chainKey,
		ChainIndex:  s.chainIndex,
		SigningPriv: append([]byte(nil), s.signing.Private...),
		SigningPub:  append([]byte(nil), s.signing.Public...),
	}
}

// RestoreOutbound rebuilds an OutboundSession from a snapshot produced by
// Export.
func RestoreOutbound(st OutboundState) *OutboundSession {
	return &OutboundSession{
		sessionID:  SessionID(st.SessionID),
		chainKey:   st.ChainKey,
		chainIndex: st.ChainIndex,
		signing: crypto.Ed25519KeyPair{
			Private: append([]byte(nil), st.SigningPriv...),
			Public:  append([]byte(nil), st.SigningPub...),
		},
	}
}

// SkippedKeyState is the exported mirror of a cached skipped group message
// key.
type SkippedKeyState struct {
	Index uint32
	Key   [crypto.KeySize]byte
}

// InboundState is the exported, persistence-friendly mirror of
// InboundSession, used by internal/keystore.
type InboundState struct {
	SessionID       [16]byte
	FirstKnownIndex uint32
	ChainKey        [crypto.KeySize]byte
	ChainIndex      uint32
	SigningPub      []byte
	Skipped         []SkippedKeyState
}

// Export produces a serializable snapshot of the inbound session.
func (s *InboundSession) Export() InboundState {
	skipped := make([]SkippedKeyState, len(s.skipped))
	for i, e := range s.skipped {
		skipped[i] = SkippedKeyState{Index: e.index, Key: e.key}
	}
	return InboundState{
		SessionID:       [16]byte(s.sessionID),
		FirstKnownIndex: s.firstKnownIndex,
		ChainKey:        s.chainKey,
		ChainIndex:      s.chainIndex,
		SigningPub:      append([]byte(nil), s.signingPub...),
		Skipped:         skipped,
	}
}

// RestoreInbound rebuilds an InboundSession from a snapshot produced by
// Export.
func RestoreInbound(st InboundState) *InboundSession {
	skipped := make([]skippedKey, len(st.Skipped))
	for i, e := range st.Skipped {
		skipped[i] = skippedKey{index: e.Index, key: e.Key}
	}
	return &InboundSession{
		sessionID:       SessionID(st.SessionID),
		firstKnownIndex: st.FirstKnownIndex,
		chainKey:        st.ChainKey,
		chainIndex:      st.ChainIndex,
		signingPub:      append([]byte(nil), st.SigningPub...),
		skipped:         skipped,
	}
}
