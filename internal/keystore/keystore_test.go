package keystore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
	"github.com/efsecnet/efsec/internal/megolm"
	"github.com/efsecnet/efsec/internal/ratchet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	// In-memory database keeps tests isolated without touching disk; the
	// store's single connection means no other handle can see this instance.
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAccountSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	rec := AccountRecord{
		UserID:            "alice",
		IdentityEdPub:     []byte("ed-pub"),
		IdentityEdPriv:    []byte("ed-priv"),
		SignedPreKeyID:    1,
		SignedPreKeySig:   []byte("sig"),
		SignedPreKeySince: time.Now().Truncate(time.Second),
	}
	rec.IdentityX25519Pub[0] = 1
	rec.IdentityX25519Priv[0] = 2
	rec.SignedPreKeyPub[0] = 3

	require.NoError(t, store.SaveAccount(rec))

	got, err := store.LoadAccount()
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, rec.SignedPreKeyID, got.SignedPreKeyID)
	assert.Equal(t, rec.IdentityX25519Pub, got.IdentityX25519Pub)
}

func TestLoadAccountWithNoneProvisionedIsUnknownSession(t *testing.T) {
	store := openTestStore(t)

	_, err := store.LoadAccount()
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.UnknownSession))
}

func TestOneTimePrivateConsumedOnce(t *testing.T) {
	store := openTestStore(t)

	var priv, pub [32]byte
	priv[0], pub[0] = 1, 2
	require.NoError(t, store.PutOneTimePrivate(42, priv, pub))

	got, err := store.ConsumeOneTimePrivate(42)
	require.NoError(t, err)
	assert.Equal(t, priv, got)

	_, err = store.ConsumeOneTimePrivate(42)
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.UnknownPreKey))
}

func TestUnconsumedOneTimeCount(t *testing.T) {
	store := openTestStore(t)

	for i := uint32(1); i <= 3; i++ {
		var priv, pub [32]byte
		priv[0] = byte(i)
		require.NoError(t, store.PutOneTimePrivate(i, priv, pub))
	}
	n, err := store.UnconsumedOneTimeCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = store.ConsumeOneTimePrivate(1)
	require.NoError(t, err)

	n, err = store.UnconsumedOneTimeCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSignedPreKeyPrivateSurvivesRetirement(t *testing.T) {
	store := openTestStore(t)

	var priv, pub [32]byte
	priv[0] = 9
	require.NoError(t, store.PutSignedPreKeyPrivate(1, priv, pub, time.Now()))
	require.NoError(t, store.RetireSignedPreKeyPrivate(1, time.Now().Add(time.Hour)))

	got, err := store.GetSignedPreKeyPrivate(1)
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestPairwiseSessionSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	var sk [32]byte
	sk[0] = 1
	spk, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	sess, err := ratchet.NewOutboundSession(sk, spk.Public, []byte("ad"))
	require.NoError(t, err)

	require.NoError(t, store.SaveSession("bob", "primary", sess))

	restored, err := store.LoadSession("bob", "primary")
	require.NoError(t, err)
	assert.Equal(t, sess.Export(), restored.Export())
}

func TestLoadSessionMissingIsUnknownSession(t *testing.T) {
	store := openTestStore(t)

	_, err := store.LoadSession("nobody", "primary")
	require.Error(t, err)
	assert.True(t, e2eerrors.Is(err, e2eerrors.UnknownSession))
}

func TestOutboundMegolmSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	sess, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	_, _, _, err = sess.Encrypt([]byte("room"), []byte("advance the chain"))
	require.NoError(t, err)

	require.NoError(t, store.SaveOutboundMegolm("room-1", sess))

	restored, err := store.LoadOutboundMegolm("room-1")
	require.NoError(t, err)
	assert.Equal(t, sess.Export(), restored.Export())
}

func TestInboundMegolmSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	out, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	kd := out.Distribute()
	in := megolm.NewInboundSession(kd)

	sessionID := in.SessionID()
	require.NoError(t, store.SaveInboundMegolm("room-1", "alice", "primary", in))

	restored, err := store.LoadInboundMegolm("room-1", "alice", "primary", sessionID)
	require.NoError(t, err)
	assert.Equal(t, in.Export(), restored.Export())
}
