// Package identity implements account provisioning and prekey lifecycle
// management (spec §4.2 IDK): the long-term identity keypair, the rotating
// signed prekey, and the pool of one-time prekeys a peer consumes during
// X3DH.
package identity

import (
	"time"

	"github.com/efsecnet/efsec/internal/crypto"
	"github.com/efsecnet/efsec/internal/keystore"
)

// DefaultOneTimeKeyPoolSize is how many one-time prekeys PublishBundle
// generates for a brand new account.
const DefaultOneTimeKeyPoolSize = 50

// DefaultSignedPreKeyGraceWindow is how long a retired signed prekey's
// private half stays available locally so in-flight X3DH handshakes against
// it still complete (Open Question 4).
const DefaultSignedPreKeyGraceWindow = 7 * 24 * time.Hour

// Account is a local identity backed by a keystore.
type Account struct {
	UserID string
	store  *keystore.Store

	identityEd      crypto.Ed25519KeyPair
	identityX25519  crypto.X25519KeyPair
	signedPreKeyID  uint32
	signedPreKey    crypto.X25519KeyPair
	signedPreKeySig []byte
	since           time.Time
}

// NewAccount provisions a brand new identity: a Curve25519 identity keypair,
// an Ed25519 signing keypair, and an initial signed prekey, all persisted to
// store before returning.
func NewAccount(userID string, store *keystore.Store) (*Account, error) {
	identityX25519, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	identityEd, err := crypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, err
	}
	spk, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sig := crypto.Sign(identityEd.Private, spk.Public[:])

	a := &Account{
		UserID:          userID,
		store:           store,
		identityEd:      identityEd,
		identityX25519:  identityX25519,
		signedPreKeyID:  1,
		signedPreKey:    spk,
		signedPreKeySig: sig,
		since:           time.Now(),
	}

	if err := a.persist(); err != nil {
		return nil, err
	}
	if err := store.PutSignedPreKeyPrivate(a.signedPreKeyID, spk.Private, spk.Public, a.since); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadAccount restores a previously provisioned identity from store.
func LoadAccount(store *keystore.Store) (*Account, error) {
	rec, err := store.LoadAccount()
	if err != nil {
		return nil, err
	}
	return &Account{
		UserID: rec.UserID,
		store:  store,
		identityEd: crypto.Ed25519KeyPair{
			Private: rec.IdentityEdPriv,
			Public:  rec.IdentityEdPub,
		},
		identityX25519:  crypto.X25519KeyPair{Private: rec.IdentityX25519Priv, Public: rec.IdentityX25519Pub},
		signedPreKeyID:  rec.SignedPreKeyID,
		signedPreKey:    crypto.X25519KeyPair{Public: rec.SignedPreKeyPub},
		signedPreKeySig: rec.SignedPreKeySig,
		since:           rec.SignedPreKeySince,
	}, nil
}

func (a *Account) persist() error {
	return a.store.SaveAccount(keystore.AccountRecord{
		UserID:             a.UserID,
		IdentityEdPub:      a.identityEd.Public,
		IdentityEdPriv:     a.identityEd.Private,
		IdentityX25519Pub:  a.identityX25519.Public,
		IdentityX25519Priv: a.identityX25519.Private,
		SignedPreKeyID:     a.signedPreKeyID,
		SignedPreKeyPub:    a.signedPreKey.Public,
		SignedPreKeySig:    a.signedPreKeySig,
		SignedPreKeySince:  a.since,
	})
}

// Bundle is the public material this account publishes to the server for
// other users' X3DH handshakes (spec §3 PreKeyBundle).
type Bundle struct {
	IdentityEdPub   []byte
	IdentityX25519  [crypto.KeySize]byte
	SignedPreKeyID  uint32
	SignedPreKeyPub [crypto.KeySize]byte
	SignedPreKeySig []byte
	OneTimeKeys     []OneTimeKey
}

// OneTimeKey is the public half of a one-time prekey offered to the server.
type OneTimeKey struct {
	KeyID     uint32
	PublicKey [crypto.KeySize]byte
}

// PublishBundle generates a fresh pool of one-time prekeys and returns the
// public bundle to upload to the server key registry.
func (a *Account) PublishBundle(poolSize int) (Bundle, error) {
	if poolSize <= 0 {
		poolSize = DefaultOneTimeKeyPoolSize
	}
	keys, err := a.generateOneTimeKeys(poolSize)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		IdentityEdPub:   a.identityEd.Public,
		IdentityX25519:  a.identityX25519.Public,
		SignedPreKeyID:  a.signedPreKeyID,
		SignedPreKeyPub: a.signedPreKey.Public,
		SignedPreKeySig: a.signedPreKeySig,
		OneTimeKeys:     keys,
	}, nil
}

// ReplenishOneTimeKeys generates n additional one-time prekeys for upload,
// used when the server reports the remaining pool has run low.
func (a *Account) ReplenishOneTimeKeys(n int) ([]OneTimeKey, error) {
	return a.generateOneTimeKeys(n)
}

func (a *Account) generateOneTimeKeys(n int) ([]OneTimeKey, error) {
	keys := make([]OneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		keyID, err := a.nextOneTimeKeyID()
		if err != nil {
			return nil, err
		}
		if err := a.store.PutOneTimePrivate(keyID, kp.Private, kp.Public); err != nil {
			return nil, err
		}
		keys = append(keys, OneTimeKey{KeyID: keyID, PublicKey: kp.Public})
	}
	return keys, nil
}

// nextOneTimeKeyID derives a fresh key identifier. Identifiers only need to
// be unique per account, so a random 32-bit space with retry-on-write-error
// is sufficient without a dedicated sequence table.
func (a *Account) nextOneTimeKeyID() (uint32, error) {
	var buf [4]byte
	if err := crypto.FillRandom(buf[:]); err != nil {
		return 0, err
	}
	id := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	if id == 0 {
		id = 1
	}
	return id, nil
}

// ConsumeOneTimePrivate resolves and atomically consumes a one-time prekey
// private half this account previously published, for use on the responder
// side of an X3DH handshake.
func (a *Account) ConsumeOneTimePrivate(keyID uint32) ([crypto.KeySize]byte, error) {
	return a.store.ConsumeOneTimePrivate(keyID)
}

// RotateSignedPreKey generates a new signed prekey, retires the previous one
// after graceWindow instead of deleting it immediately, and persists both.
func (a *Account) RotateSignedPreKey(graceWindow time.Duration) error {
	if graceWindow <= 0 {
		graceWindow = DefaultSignedPreKeyGraceWindow
	}
	newSPK, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	sig := crypto.Sign(a.identityEd.Private, newSPK.Public[:])

	oldID, oldSince := a.signedPreKeyID, a.since
	newID := oldID + 1
	now := time.Now()

	if err := a.store.PutSignedPreKeyPrivate(newID, newSPK.Private, newSPK.Public, now); err != nil {
		return err
	}

	a.signedPreKeyID = newID
	a.signedPreKey = newSPK
	a.signedPreKeySig = sig
	a.since = now
	if err := a.persist(); err != nil {
		return err
	}

	retireAt := oldSince.Add(graceWindow)
	if retireAt.Before(now) {
		retireAt = now
	}
	return a.store.RetireSignedPreKeyPrivate(oldID, retireAt)
}

// SignedPreKeyPrivate resolves the private half of a signed prekey by ID, for
// the responder side of X3DH. Succeeds for a retired-but-not-yet-expired key
// so in-flight handshakes against it still complete.
func (a *Account) SignedPreKeyPrivate(keyID uint32) ([crypto.KeySize]byte, error) {
	if keyID == a.signedPreKeyID {
		return a.signedPreKey.Private, nil
	}
	return a.store.GetSignedPreKeyPrivate(keyID)
}

// IdentityKeyPair exposes the account's Curve25519 identity keypair.
func (a *Account) IdentityKeyPair() crypto.X25519KeyPair { return a.identityX25519 }

// IdentitySigningKeyPair exposes the account's Ed25519 identity signing keypair.
func (a *Account) IdentitySigningKeyPair() crypto.Ed25519KeyPair { return a.identityEd }

// LowOnOneTimeKeys reports whether the account's published one-time prekey
// pool is running low and should be replenished (spec §4.2 policy).
func (a *Account) LowOnOneTimeKeys(threshold int) (bool, error) {
	n, err := a.store.UnconsumedOneTimeCount()
	if err != nil {
		return false, err
	}
	return n < threshold, nil
}
