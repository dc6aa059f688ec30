package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX25519KeyExchangeAgrees(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	bob, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	aliceShared, err := X25519(alice.Private, bob.Public)
	require.NoError(t, err)
	bobShared, err := X25519(bob.Private, alice.Public)
	require.NoError(t, err)

	assert.Equal(t, aliceShared, bobShared)
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	require.NoError(t, err)

	msg := []byte("identity-bound prekey")
	sig := Sign(kp.Private, msg)
	assert.True(t, Verify(kp.Public, msg, sig))
	assert.False(t, Verify(kp.Public, []byte("tampered"), sig))
}

func TestAESGCMRoundTrip(t *testing.T) {
	var key [KeySize]byte
	require.NoError(t, FillRandom(key[:]))

	aad := []byte("header-bound-aad")
	plaintext := []byte("the ratchet must advance")

	ct, err := SealAESGCM(key, aad, plaintext)
	require.NoError(t, err)

	pt, err := OpenAESGCM(key, aad, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestAESGCMRejectsWrongAAD(t *testing.T) {
	var key [KeySize]byte
	require.NoError(t, FillRandom(key[:]))

	ct, err := SealAESGCM(key, []byte("aad-a"), []byte("secret"))
	require.NoError(t, err)

	_, err = OpenAESGCM(key, []byte("aad-b"), ct)
	assert.Error(t, err)
}

func TestAESGCMRejectsTamperedCiphertext(t *testing.T) {
	var key [KeySize]byte
	require.NoError(t, FillRandom(key[:]))

	ct, err := SealAESGCM(key, nil, []byte("secret"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = OpenAESGCM(key, nil, ct)
	assert.Error(t, err)
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("input-key-material")
	salt := []byte("salt")
	a, err := HKDF(ikm, salt, []byte("info"), 32)
	require.NoError(t, err)
	b, err := HKDF(ikm, salt, []byte("info"), 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HKDF(ikm, salt, []byte("other-info"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
}
