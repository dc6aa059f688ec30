// Package wire encodes and decodes the binary envelope formats exchanged
// with the server and between clients (spec §6).
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

const (
	// WireVersion is the only envelope version this build understands.
	WireVersion uint8 = 1

	// KindDM marks a pairwise-session envelope.
	KindDM uint8 = 1
	// KindGroup marks a Megolm group envelope.
	KindGroup uint8 = 2

	flagHasPreKeyHeader uint8 = 1 << 0
)

// PreKeyHeader carries the material a responder needs to reconstruct the
// X3DH shared secret; present only on the first envelope of a new session.
type PreKeyHeader struct {
	IdentityPub     [32]byte
	EphemeralPub    [32]byte
	SignedPreKeyID  uint32
	OneTimePreKeyID uint32 // 0 means none
}

// RatchetHeader is the Double Ratchet per-message header.
type RatchetHeader struct {
	DHRPub [32]byte
	PN     uint32
	N      uint32
}

// DMEnvelope is a pairwise-session message on the wire.
type DMEnvelope struct {
	SessionHint  [16]byte
	PreKey       *PreKeyHeader
	Ratchet      RatchetHeader
	CiphertextWithTag []byte // AES-GCM output: ciphertext||tag, tag is the trailing 16 bytes
}

// EncodeDM serializes a DM envelope per spec §6.
func EncodeDM(e DMEnvelope) []byte {
	flags := uint8(0)
	if e.PreKey != nil {
		flags |= flagHasPreKeyHeader
	}

	buf := make([]byte, 0, 2+16+1+32+32+4+4+4+4+32+len(e.CiphertextWithTag))
	buf = append(buf, WireVersion, KindDM)
	buf = append(buf, e.SessionHint[:]...)
	buf = append(buf, flags)
	if e.PreKey != nil {
		buf = append(buf, e.PreKey.IdentityPub[:]...)
		buf = append(buf, e.PreKey.EphemeralPub[:]...)
		buf = appendU32(buf, e.PreKey.SignedPreKeyID)
		buf = appendU32(buf, e.PreKey.OneTimePreKeyID)
	}
	buf = append(buf, e.Ratchet.DHRPub[:]...)
	buf = appendU32(buf, e.Ratchet.PN)
	buf = appendU32(buf, e.Ratchet.N)
	buf = append(buf, e.CiphertextWithTag...)
	return buf
}

// DecodeDM parses a DM envelope, rejecting malformed input and unsupported
// versions without panicking.
func DecodeDM(b []byte) (DMEnvelope, error) {
	var e DMEnvelope
	if len(b) < 2+16+1 {
		return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "dm envelope too short")
	}
	if b[0] != WireVersion {
		return e, e2eerrors.New(e2eerrors.UnknownVersion, "unsupported envelope version")
	}
	if b[1] != KindDM {
		return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "envelope kind mismatch: expected dm")
	}
	off := 2
	copy(e.SessionHint[:], b[off:off+16])
	off += 16
	flags := b[off]
	off++

	if flags&flagHasPreKeyHeader != 0 {
		need := 32 + 32 + 4 + 4
		if len(b)-off < need {
			return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "dm envelope prekey header truncated")
		}
		var pk PreKeyHeader
		copy(pk.IdentityPub[:], b[off:off+32])
		off += 32
		copy(pk.EphemeralPub[:], b[off:off+32])
		off += 32
		pk.SignedPreKeyID = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		pk.OneTimePreKeyID = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		e.PreKey = &pk
	}

	if len(b)-off < 32+4+4 {
		return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "dm envelope ratchet header truncated")
	}
	copy(e.Ratchet.DHRPub[:], b[off:off+32])
	off += 32
	e.Ratchet.PN = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	e.Ratchet.N = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	if len(b)-off < 16 {
		return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "dm envelope ciphertext shorter than auth tag")
	}
	e.CiphertextWithTag = append([]byte(nil), b[off:]...)
	return e, nil
}

// GroupEnvelope is a Megolm group message on the wire.
type GroupEnvelope struct {
	SessionID         [16]byte
	MessageIndex      uint32
	CiphertextWithTag []byte
	Signature         [64]byte
}

// EncodeGroup serializes a group envelope per spec §6.
func EncodeGroup(e GroupEnvelope) []byte {
	buf := make([]byte, 0, 2+16+4+len(e.CiphertextWithTag)+64)
	buf = append(buf, WireVersion, KindGroup)
	buf = append(buf, e.SessionID[:]...)
	buf = appendU32(buf, e.MessageIndex)
	buf = append(buf, e.CiphertextWithTag...)
	buf = append(buf, e.Signature[:]...)
	return buf
}

// DecodeGroup parses a group envelope.
func DecodeGroup(b []byte) (GroupEnvelope, error) {
	var e GroupEnvelope
	if len(b) < 2+16+4+16+64 {
		return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "group envelope too short")
	}
	if b[0] != WireVersion {
		return e, e2eerrors.New(e2eerrors.UnknownVersion, "unsupported envelope version")
	}
	if b[1] != KindGroup {
		return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "envelope kind mismatch: expected group")
	}
	off := 2
	copy(e.SessionID[:], b[off:off+16])
	off += 16
	e.MessageIndex = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	sigStart := len(b) - 64
	if sigStart < off {
		return e, e2eerrors.New(e2eerrors.MalformedEnvelope, "group envelope missing signature")
	}
	e.CiphertextWithTag = append([]byte(nil), b[off:sigStart]...)
	copy(e.Signature[:], b[sigStart:])
	return e, nil
}

// KeyDistributionInner is the JSON payload carried inside a PWS-decrypted
// envelope to grant a group member the ability to decrypt a Megolm session
// going forward (spec §6).
type KeyDistributionInner struct {
	Kind            string `json:"kind"`
	GroupID         string `json:"group_id"`
	SessionID       string `json:"session_id"`
	ChainKey        string `json:"chain_key"`
	SigPub          string `json:"sig_pub"`
	FirstKnownIndex uint32 `json:"first_known_index"`
}

// KeyRequest is the control message a receiver missing an inbound group
// session sends the original sender over PWS (spec §4.6 key-request flow).
type KeyRequest struct {
	Kind      string `json:"kind"`
	GroupID   string `json:"group_id"`
	SessionID string `json:"session_id"`
}

// EncodeKeyDistribution serializes a key-distribution inner payload.
func EncodeKeyDistribution(groupID string, sessionID [16]byte, chainKey [32]byte, sigPub []byte, firstKnownIndex uint32) ([]byte, error) {
	return json.Marshal(KeyDistributionInner{
		Kind:            "key_distribution",
		GroupID:         groupID,
		SessionID:       base64.StdEncoding.EncodeToString(sessionID[:]),
		ChainKey:        base64.StdEncoding.EncodeToString(chainKey[:]),
		SigPub:          base64.StdEncoding.EncodeToString(sigPub),
		FirstKnownIndex: firstKnownIndex,
	})
}

// DecodeKeyDistribution parses a key-distribution inner payload.
func DecodeKeyDistribution(b []byte) (KeyDistributionInner, error) {
	var kd KeyDistributionInner
	if err := json.Unmarshal(b, &kd); err != nil {
		return kd, e2eerrors.Wrap(e2eerrors.MalformedEnvelope, err, "decode key distribution payload")
	}
	if kd.Kind != "key_distribution" {
		return kd, e2eerrors.New(e2eerrors.MalformedEnvelope, "unexpected inner payload kind")
	}
	return kd, nil
}

// ChainKeyBytes decodes the base64 chain key field into a fixed-size array.
func (kd KeyDistributionInner) ChainKeyBytes() ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(kd.ChainKey)
	if err != nil || len(raw) != 32 {
		return out, e2eerrors.New(e2eerrors.MalformedEnvelope, "invalid chain key encoding")
	}
	copy(out[:], raw)
	return out, nil
}

// SigPubBytes decodes the base64 signing public key field.
func (kd KeyDistributionInner) SigPubBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(kd.SigPub)
	if err != nil {
		return nil, e2eerrors.New(e2eerrors.MalformedEnvelope, "invalid signing key encoding")
	}
	return raw, nil
}

// SessionIDBytes decodes the base64 session id field into a fixed-size array.
func (kd KeyDistributionInner) SessionIDBytes() ([16]byte, error) {
	var out [16]byte
	raw, err := base64.StdEncoding.DecodeString(kd.SessionID)
	if err != nil || len(raw) != 16 {
		return out, e2eerrors.New(e2eerrors.MalformedEnvelope, "invalid session id encoding")
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeKeyRequest serializes a key-request control message.
func EncodeKeyRequest(groupID, sessionID string) ([]byte, error) {
	return json.Marshal(KeyRequest{Kind: "key_request", GroupID: groupID, SessionID: sessionID})
}

// DecodeKeyRequest parses a key-request control message.
func DecodeKeyRequest(b []byte) (KeyRequest, error) {
	var kr KeyRequest
	if err := json.Unmarshal(b, &kr); err != nil {
		return kr, e2eerrors.Wrap(e2eerrors.MalformedEnvelope, err, "decode key request payload")
	}
	if kr.Kind != "key_request" {
		return kr, e2eerrors.New(e2eerrors.MalformedEnvelope, "unexpected inner payload kind")
	}
	return kr, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
