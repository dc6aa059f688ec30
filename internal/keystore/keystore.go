// Package keystore is the client-side persistent store (spec §4.5 KS): one
// sqlite file per user, holding account material, consumable one-time
// prekeys, pairwise ratchet sessions, and Megolm group sessions. All
// multi-row mutations that must be atomic (a ratchet step plus its skipped-key
// cache update) run inside a single transaction.
package keystore

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"time"

	_ "github.com/mattn/go-sqlite3"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
	"github.com/efsecnet/efsec/internal/megolm"
	"github.com/efsecnet/efsec/internal/ratchet"
)

// Store wraps a per-user sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite file at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "open keystore")
	}
	db.SetMaxOpenConns(1) // sqlite: avoid cross-connection locking surprises
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "apply keystore schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AccountRecord is the persisted identity and current signed prekey.
type AccountRecord struct {
	UserID             string
	IdentityEdPub      []byte
	IdentityEdPriv     []byte
	IdentityX25519Pub  [32]byte
	IdentityX25519Priv [32]byte
	SignedPreKeyID     uint32
	SignedPreKeyPub    [32]byte
	SignedPreKeySig    []byte
	SignedPreKeySince  time.Time
}

// SaveAccount upserts the single account row.
func (s *Store) SaveAccount(a AccountRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO account (user_id, identity_ed_pub, identity_ed_priv, identity_x25519_pub,
			identity_x25519_priv, signed_prekey_id, signed_prekey_pub, signed_prekey_sig, signed_prekey_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			signed_prekey_id=excluded.signed_prekey_id,
			signed_prekey_pub=excluded.signed_prekey_pub,
			signed_prekey_sig=excluded.signed_prekey_sig,
			signed_prekey_since=excluded.signed_prekey_since`,
		a.UserID, a.IdentityEdPub, a.IdentityEdPriv, a.IdentityX25519Pub[:], a.IdentityX25519Priv[:],
		a.SignedPreKeyID, a.SignedPreKeyPub[:], a.SignedPreKeySig, a.SignedPreKeySince)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "save account")
	}
	return nil
}

// LoadAccount fetches the single account row.
func (s *Store) LoadAccount() (AccountRecord, error) {
	var a AccountRecord
	var idX25519Pub, idX25519Priv, spkPub []byte
	row := s.db.QueryRow(`SELECT user_id, identity_ed_pub, identity_ed_priv, identity_x25519_pub,
		identity_x25519_priv, signed_prekey_id, signed_prekey_pub, signed_prekey_sig, signed_prekey_since
		FROM account LIMIT 1`)
	if err := row.Scan(&a.UserID, &a.IdentityEdPub, &a.IdentityEdPriv, &idX25519Pub, &idX25519Priv,
		&a.SignedPreKeyID, &spkPub, &a.SignedPreKeySig, &a.SignedPreKeySince); err != nil {
		if err == sql.ErrNoRows {
			return a, e2eerrors.New(e2eerrors.UnknownSession, "no account provisioned")
		}
		return a, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load account")
	}
	copy(a.IdentityX25519Pub[:], idX25519Pub)
	copy(a.IdentityX25519Priv[:], idX25519Priv)
	copy(a.SignedPreKeyPub[:], spkPub)
	return a, nil
}

// PutOneTimePrivate stores a freshly generated one-time prekey private half.
func (s *Store) PutOneTimePrivate(keyID uint32, priv, pub [32]byte) error {
	_, err := s.db.Exec(`INSERT INTO one_time_privates (key_id, private, public, consumed) VALUES (?, ?, ?, 0)`,
		keyID, priv[:], pub[:])
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "store one-time private")
	}
	return nil
}

// ConsumeOneTimePrivate atomically marks a one-time prekey used and returns
// its private half. A second call for the same keyID returns UnknownPreKey.
func (s *Store) ConsumeOneTimePrivate(keyID uint32) ([32]byte, error) {
	var out [32]byte
	tx, err := s.db.Begin()
	if err != nil {
		return out, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "begin consume-prekey tx")
	}
	defer tx.Rollback()

	var priv []byte
	var consumed int
	row := tx.QueryRow(`SELECT private, consumed FROM one_time_privates WHERE key_id = ?`, keyID)
	if err := row.Scan(&priv, &consumed); err != nil {
		if err == sql.ErrNoRows {
			return out, e2eerrors.New(e2eerrors.UnknownPreKey, "one-time prekey not held locally")
		}
		return out, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load one-time private")
	}
	if consumed != 0 {
		return out, e2eerrors.New(e2eerrors.UnknownPreKey, "one-time prekey already consumed")
	}
	if _, err := tx.Exec(`UPDATE one_time_privates SET consumed = 1 WHERE key_id = ?`, keyID); err != nil {
		return out, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "mark one-time prekey consumed")
	}
	if err := tx.Commit(); err != nil {
		return out, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "commit consume-prekey tx")
	}
	copy(out[:], priv)
	return out, nil
}

// UnconsumedOneTimeCount reports how many one-time prekeys remain available,
// for the local replenishment policy.
func (s *Store) UnconsumedOneTimeCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM one_time_privates WHERE consumed = 0`).Scan(&n); err != nil {
		return 0, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "count unconsumed one-time prekeys")
	}
	return n, nil
}

// PutSignedPreKeyPrivate stores a signed prekey's private half, keyed by its
// public key ID, and retires any prior active one.
func (s *Store) PutSignedPreKeyPrivate(keyID uint32, priv, pub [32]byte, createdAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO signed_prekey_privates (key_id, private, public, created_at, retired_at)
		VALUES (?, ?, ?, ?, NULL)`, keyID, priv[:], pub[:], createdAt)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "store signed prekey private")
	}
	return nil
}

// RetireSignedPreKeyPrivate marks a signed prekey retired after its grace
// window, without deleting it (old sessions mid-handshake may still need it).
func (s *Store) RetireSignedPreKeyPrivate(keyID uint32, retiredAt time.Time) error {
	_, err := s.db.Exec(`UPDATE signed_prekey_privates SET retired_at = ? WHERE key_id = ?`, retiredAt, keyID)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "retire signed prekey private")
	}
	return nil
}

// GetSignedPreKeyPrivate fetches a signed prekey private half by key ID,
// regardless of retirement, so late X3DH handshakes against a rotated-out key
// still succeed within the grace window the caller enforces.
func (s *Store) GetSignedPreKeyPrivate(keyID uint32) ([32]byte, error) {
	var out [32]byte
	var priv []byte
	err := s.db.QueryRow(`SELECT private FROM signed_prekey_privates WHERE key_id = ?`, keyID).Scan(&priv)
	if err != nil {
		if err == sql.ErrNoRows {
			return out, e2eerrors.New(e2eerrors.UnknownPreKey, "signed prekey not held locally")
		}
		return out, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load signed prekey private")
	}
	copy(out[:], priv)
	return out, nil
}

// SaveSession upserts the serialized ratchet state for one peer device.
func (s *Store) SaveSession(peerUserID, peerDeviceID string, sess *ratchet.Session) error {
	blob, err := encodeGob(sess.Export())
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "encode session")
	}
	_, err = s.db.Exec(`
		INSERT INTO pairwise_sessions (peer_user_id, peer_device_id, session_blob, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_user_id, peer_device_id) DO UPDATE SET
			session_blob=excluded.session_blob, updated_at=excluded.updated_at`,
		peerUserID, peerDeviceID, blob, time.Now())
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "save session")
	}
	return nil
}

// LoadSession restores the ratchet state for one peer device.
func (s *Store) LoadSession(peerUserID, peerDeviceID string) (*ratchet.Session, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT session_blob FROM pairwise_sessions WHERE peer_user_id = ? AND peer_device_id = ?`,
		peerUserID, peerDeviceID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, e2eerrors.New(e2eerrors.UnknownSession, "no pairwise session for peer device")
		}
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load session")
	}
	var st ratchet.State
	if err := decodeGob(blob, &st); err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "decode session")
	}
	return ratchet.Restore(st), nil
}

// SaveOutboundMegolm upserts the serialized outbound group-chain state for a
// room this device is the sender for.
func (s *Store) SaveOutboundMegolm(roomID string, sess *megolm.OutboundSession) error {
	st := sess.Export()
	_, err := s.db.Exec(`
		INSERT INTO megolm_outbound (room_id, session_id, chain_key, chain_index, signing_priv, signing_pub)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			session_id=excluded.session_id, chain_key=excluded.chain_key, chain_index=excluded.chain_index,
			signing_priv=excluded.signing_priv, signing_pub=excluded.signing_pub`,
		roomID, st.SessionID[:], st.ChainKey[:], st.ChainIndex, []byte(st.SigningPriv), []byte(st.SigningPub))
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "save outbound megolm session")
	}
	return nil
}

// LoadOutboundMegolm restores the outbound group-chain state for a room.
func (s *Store) LoadOutboundMegolm(roomID string) (*megolm.OutboundSession, error) {
	var sessionID, chainKey, signingPriv, signingPub []byte
	var chainIndex uint32
	err := s.db.QueryRow(`SELECT session_id, chain_key, chain_index, signing_priv, signing_pub
		FROM megolm_outbound WHERE room_id = ?`, roomID).Scan(&sessionID, &chainKey, &chainIndex, &signingPriv, &signingPub)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, e2eerrors.New(e2eerrors.UnknownSession, "no outbound group session for room")
		}
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load outbound megolm session")
	}
	var st megolm.OutboundState
	copy(st.SessionID[:], sessionID)
	copy(st.ChainKey[:], chainKey)
	st.ChainIndex = chainIndex
	st.SigningPriv = signingPriv
	st.SigningPub = signingPub
	return megolm.RestoreOutbound(st), nil
}

// SaveInboundMegolm upserts the serialized inbound group-chain state tracked
// for one sender device within a room.
func (s *Store) SaveInboundMegolm(roomID, senderUserID, senderDeviceID string, sess *megolm.InboundSession) error {
	st := sess.Export()
	skipBlob, err := encodeGob(st.Skipped)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "encode inbound megolm skipped cache")
	}
	_, err = s.db.Exec(`
		INSERT INTO megolm_inbound (room_id, sender_user_id, sender_device_id, session_id, first_known_index, chain_key, chain_index, signing_pub, skipped_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, sender_user_id, sender_device_id, session_id) DO UPDATE SET
			chain_key=excluded.chain_key, chain_index=excluded.chain_index, skipped_blob=excluded.skipped_blob`,
		roomID, senderUserID, senderDeviceID, st.SessionID[:], st.FirstKnownIndex, st.ChainKey[:], st.ChainIndex, []byte(st.SigningPub), skipBlob)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "save inbound megolm session")
	}
	return nil
}

// LoadInboundMegolm restores the inbound group-chain state tracked for one
// sender device's session within a room.
func (s *Store) LoadInboundMegolm(roomID, senderUserID, senderDeviceID string, sessionID [16]byte) (*megolm.InboundSession, error) {
	var chainKey, signingPub, skipBlob []byte
	var chainIndex, firstKnownIndex uint32
	err := s.db.QueryRow(`SELECT chain_key, chain_index, signing_pub, skipped_blob, first_known_index FROM megolm_inbound
		WHERE room_id = ? AND sender_user_id = ? AND sender_device_id = ? AND session_id = ?`,
		roomID, senderUserID, senderDeviceID, sessionID[:]).Scan(&chainKey, &chainIndex, &signingPub, &skipBlob, &firstKnownIndex)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, e2eerrors.New(e2eerrors.UnknownSession, "no inbound group session for sender device")
		}
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load inbound megolm session")
	}
	var st megolm.InboundState
	st.SessionID = sessionID
	st.FirstKnownIndex = firstKnownIndex
	copy(st.ChainKey[:], chainKey)
	st.ChainIndex = chainIndex
	st.SigningPub = signingPub
	if len(skipBlob) > 0 {
		if err := decodeGob(skipBlob, &st.Skipped); err != nil {
			return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "decode inbound megolm skipped cache")
		}
	}
	return megolm.RestoreInbound(st), nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
