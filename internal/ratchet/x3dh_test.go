package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

func newTestIdentity(t *testing.T) (LocalIdentity, crypto.X25519KeyPair) {
	t.Helper()
	ed, err := crypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	x, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	return LocalIdentity{
		IdentityEdPub:  ed.Public,
		IdentityEdPriv: ed.Private,
		IdentityX25519: x,
	}, x
}

func TestX3DHInitiatorResponderAgree(t *testing.T) {
	alice, _ := newTestIdentity(t)
	bob, bobX := newTestIdentity(t)

	spk, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	spkSig := crypto.Sign(bob.IdentityEdPriv, spk.Public[:])

	otk, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	otkID := uint32(7)

	peerBundle := PeerBundle{
		IdentityEdPub:    bob.IdentityEdPub,
		IdentityX25519:   bobX.Public,
		SignedPreKeyID:   1,
		SignedPreKeyPub:  spk.Public,
		SignedPreKeySig:  spkSig,
		OneTimePreKeyID:  &otkID,
		OneTimePreKeyPub: &otk.Public,
	}

	out, _, err := InitiateX3DH(alice, peerBundle)
	require.NoError(t, err)

	inbound := InboundMaterial{
		IdentityX25519Priv: bobX.Private,
		SignedPreKeyPriv:   spk.Private,
		OneTimePreKeyPriv:  &otk.Private,
	}
	header := InboundHeader{
		InitiatorIdentityEdPub:  alice.IdentityEdPub,
		InitiatorIdentityX25519: alice.IdentityX25519.Public,
		InitiatorEphemeralPub:   out.EphemeralPub,
		SignedPreKeyID:          1,
		OneTimePreKeyID:         &otkID,
	}

	respSecret, err := RespondX3DH(inbound, header)
	require.NoError(t, err)
	assert.Equal(t, out.SharedSecret, respSecret)
}

func TestX3DHWithoutOneTimeKeyAgrees(t *testing.T) {
	alice, _ := newTestIdentity(t)
	bob, bobX := newTestIdentity(t)

	spk, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	spkSig := crypto.Sign(bob.IdentityEdPriv, spk.Public[:])

	peerBundle := PeerBundle{
		IdentityEdPub:   bob.IdentityEdPub,
		IdentityX25519:  bobX.Public,
		SignedPreKeyID:  1,
		SignedPreKeyPub: spk.Public,
		SignedPreKeySig: spkSig,
	}

	out, _, err := InitiateX3DH(alice, peerBundle)
	require.NoError(t, err)

	inbound := InboundMaterial{
		IdentityX25519Priv: bobX.Private,
		SignedPreKeyPriv:   spk.Private,
	}
	header := InboundHeader{
		InitiatorIdentityEdPub:  alice.IdentityEdPub,
		InitiatorIdentityX25519: alice.IdentityX25519.Public,
		InitiatorEphemeralPub:   out.EphemeralPub,
		SignedPreKeyID:          1,
	}

	respSecret, err := RespondX3DH(inbound, header)
	require.NoError(t, err)
	assert.Equal(t, out.SharedSecret, respSecret)
}

func TestX3DHRejectsInvalidSignedPreKeySignature(t *testing.T) {
	alice, _ := newTestIdentity(t)
	bob, bobX := newTestIdentity(t)

	spk, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	forged, err := crypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	badSig := crypto.Sign(forged.Private, spk.Public[:])

	peerBundle := PeerBundle{
		IdentityEdPub:   bob.IdentityEdPub,
		IdentityX25519:  bobX.Public,
		SignedPreKeyID:  1,
		SignedPreKeyPub: spk.Public,
		SignedPreKeySig: badSig,
	}

	_, _, err = InitiateX3DH(alice, peerBundle)
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.BadSignature))
}

func TestX3DHRespondMissingOneTimePrivateIsUnknownPreKey(t *testing.T) {
	alice, _ := newTestIdentity(t)
	_, bobX := newTestIdentity(t)

	spk, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	otkID := uint32(3)
	inbound := InboundMaterial{
		IdentityX25519Priv: bobX.Private,
		SignedPreKeyPriv:   spk.Private,
	}
	header := InboundHeader{
		InitiatorIdentityEdPub:  alice.IdentityEdPub,
		InitiatorIdentityX25519: alice.IdentityX25519.Public,
		InitiatorEphemeralPub:   alice.IdentityX25519.Public,
		SignedPreKeyID:          1,
		OneTimePreKeyID:         &otkID,
	}

	_, err = RespondX3DH(inbound, header)
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.UnknownPreKey))
}
