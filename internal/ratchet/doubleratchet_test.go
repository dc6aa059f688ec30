package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

func newSessionPair(t *testing.T) (outbound, inbound *Session) {
	t.Helper()
	var sk [crypto.KeySize]byte
	require.NoError(t, crypto.FillRandom(sk[:]))

	responderSPK, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	ad := []byte("alice-ik||bob-ik")
	out, err := NewOutboundSession(sk, responderSPK.Public, ad)
	require.NoError(t, err)
	in := NewInboundSession(sk, responderSPK, ad)
	return out, in
}

func TestDoubleRatchetRoundTrip(t *testing.T) {
	alice, bob := newSessionPair(t)

	header, ct, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)

	pt, err := bob.Decrypt(header, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(pt))
}

func TestDoubleRatchetBidirectional(t *testing.T) {
	alice, bob := newSessionPair(t)

	h1, ct1, err := alice.Encrypt([]byte("first"))
	require.NoError(t, err)
	pt1, err := bob.Decrypt(h1, ct1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(pt1))

	h2, ct2, err := bob.Encrypt([]byte("reply"))
	require.NoError(t, err)
	pt2, err := alice.Decrypt(h2, ct2)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(pt2))

	h3, ct3, err := alice.Encrypt([]byte("second"))
	require.NoError(t, err)
	pt3, err := bob.Decrypt(h3, ct3)
	require.NoError(t, err)
	assert.Equal(t, "second", string(pt3))
}

func TestDoubleRatchetOutOfOrderDelivery(t *testing.T) {
	alice, bob := newSessionPair(t)

	h1, ct1, err := alice.Encrypt([]byte("msg-1"))
	require.NoError(t, err)
	h2, ct2, err := alice.Encrypt([]byte("msg-2"))
	require.NoError(t, err)
	h3, ct3, err := alice.Encrypt([]byte("msg-3"))
	require.NoError(t, err)

	// msg-3 arrives first, skipping 1 and 2 into the cache.
	pt3, err := bob.Decrypt(h3, ct3)
	require.NoError(t, err)
	assert.Equal(t, "msg-3", string(pt3))

	pt1, err := bob.Decrypt(h1, ct1)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", string(pt1))

	pt2, err := bob.Decrypt(h2, ct2)
	require.NoError(t, err)
	assert.Equal(t, "msg-2", string(pt2))
}

func TestDoubleRatchetRejectsReplay(t *testing.T) {
	alice, bob := newSessionPair(t)

	h1, ct1, err := alice.Encrypt([]byte("once only"))
	require.NoError(t, err)

	_, err = bob.Decrypt(h1, ct1)
	require.NoError(t, err)

	_, err = bob.Decrypt(h1, ct1)
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.DuplicateOrTooOld))
}

func TestDoubleRatchetSkipOverflow(t *testing.T) {
	alice, bob := newSessionPair(t)

	// Prime bob's receive chain with one message so skipReceiveChain has a
	// chain to advance (skip tracking is a no-op before HaveRecvChain).
	h0, ct0, err := alice.Encrypt([]byte("prime"))
	require.NoError(t, err)
	_, err = bob.Decrypt(h0, ct0)
	require.NoError(t, err)

	var last Header
	var lastCT []byte
	for i := 0; i < MaxSkip+2; i++ {
		last, lastCT, err = alice.Encrypt([]byte("filler"))
		require.NoError(t, err)
	}

	_, err = bob.Decrypt(last, lastCT)
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.SkipOverflow))
}

func TestDoubleRatchetExportRestoreRoundTrip(t *testing.T) {
	alice, bob := newSessionPair(t)

	h1, ct1, err := alice.Encrypt([]byte("before restore"))
	require.NoError(t, err)
	_, err = bob.Decrypt(h1, ct1)
	require.NoError(t, err)

	restored := Restore(bob.Export())

	h2, ct2, err := alice.Encrypt([]byte("after restore"))
	require.NoError(t, err)
	pt2, err := restored.Decrypt(h2, ct2)
	require.NoError(t, err)
	assert.Equal(t, "after restore", string(pt2))
}
