package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

func TestDMEnvelopeRoundTripWithPreKeyHeader(t *testing.T) {
	env := DMEnvelope{
		SessionHint: [16]byte{1, 2, 3},
		PreKey: &PreKeyHeader{
			IdentityPub:     [32]byte{4, 5, 6},
			EphemeralPub:    [32]byte{7, 8, 9},
			SignedPreKeyID:  42,
			OneTimePreKeyID: 7,
		},
		Ratchet: RatchetHeader{
			DHRPub: [32]byte{10, 11},
			PN:     3,
			N:      5,
		},
		CiphertextWithTag: []byte("sixteen-byte-tag-plus-ciphertext"),
	}

	encoded := EncodeDM(env)
	decoded, err := DecodeDM(encoded)
	require.NoError(t, err)

	assert.Equal(t, env.SessionHint, decoded.SessionHint)
	require.NotNil(t, decoded.PreKey)
	assert.Equal(t, *env.PreKey, *decoded.PreKey)
	assert.Equal(t, env.Ratchet, decoded.Ratchet)
	assert.Equal(t, env.CiphertextWithTag, decoded.CiphertextWithTag)
}

func TestDMEnvelopeRoundTripWithoutPreKeyHeader(t *testing.T) {
	env := DMEnvelope{
		SessionHint:       [16]byte{9},
		Ratchet:           RatchetHeader{DHRPub: [32]byte{1}, PN: 0, N: 1},
		CiphertextWithTag: []byte("0123456789abcdef"),
	}

	encoded := EncodeDM(env)
	decoded, err := DecodeDM(encoded)
	require.NoError(t, err)
	assert.Nil(t, decoded.PreKey)
	assert.Equal(t, env.Ratchet, decoded.Ratchet)
}

func TestDecodeDMRejectsTruncated(t *testing.T) {
	_, err := DecodeDM([]byte{WireVersion, KindDM, 1, 2})
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.MalformedEnvelope))
}

func TestDecodeDMRejectsUnknownVersion(t *testing.T) {
	env := DMEnvelope{Ratchet: RatchetHeader{}, CiphertextWithTag: make([]byte, 16)}
	encoded := EncodeDM(env)
	encoded[0] = 99
	_, err := DecodeDM(encoded)
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.UnknownVersion))
}

func TestGroupEnvelopeRoundTrip(t *testing.T) {
	env := GroupEnvelope{
		SessionID:         [16]byte{1, 2, 3},
		MessageIndex:      12,
		CiphertextWithTag: []byte("group-ciphertext-plus-tag-bytes"),
		Signature:         [64]byte{9, 9, 9},
	}

	encoded := EncodeGroup(env)
	decoded, err := DecodeGroup(encoded)
	require.NoError(t, err)

	assert.Equal(t, env.SessionID, decoded.SessionID)
	assert.Equal(t, env.MessageIndex, decoded.MessageIndex)
	assert.Equal(t, env.CiphertextWithTag, decoded.CiphertextWithTag)
	assert.Equal(t, env.Signature, decoded.Signature)
}

func TestDecodeGroupRejectsTooShort(t *testing.T) {
	_, err := DecodeGroup([]byte{WireVersion, KindGroup})
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.MalformedEnvelope))
}

func TestKeyDistributionRoundTrip(t *testing.T) {
	sessionID := [16]byte{1, 2, 3}
	chainKey := [32]byte{4, 5, 6}
	sigPub := []byte("signing-public-key-bytes")

	payload, err := EncodeKeyDistribution("room-1", sessionID, chainKey, sigPub, 5)
	require.NoError(t, err)

	kd, err := DecodeKeyDistribution(payload)
	require.NoError(t, err)
	assert.Equal(t, "room-1", kd.GroupID)
	assert.Equal(t, uint32(5), kd.FirstKnownIndex)

	gotSession, err := kd.SessionIDBytes()
	require.NoError(t, err)
	assert.Equal(t, sessionID, gotSession)

	gotChain, err := kd.ChainKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, chainKey, gotChain)

	gotSig, err := kd.SigPubBytes()
	require.NoError(t, err)
	assert.Equal(t, sigPub, gotSig)
}

func TestDecodeKeyDistributionRejectsWrongKind(t *testing.T) {
	payload, err := EncodeKeyRequest("room-1", "session-1")
	require.NoError(t, err)

	_, err = DecodeKeyDistribution(payload)
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.MalformedEnvelope))
}

func TestKeyRequestRoundTrip(t *testing.T) {
	payload, err := EncodeKeyRequest("room-1", "session-1")
	require.NoError(t, err)

	kr, err := DecodeKeyRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "room-1", kr.GroupID)
	assert.Equal(t, "session-1", kr.SessionID)
}
