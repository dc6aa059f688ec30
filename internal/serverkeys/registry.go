// Package serverkeys implements the server key registry (spec §4.7 SKR): the
// zero-knowledge inventory of public identity keys, signed prekeys, and
// one-time prekey pools the server holds on behalf of every user. It never
// sees a private key. The critical correctness property is the one-time-key
// claim in GetBundle: under concurrent callers, no two callers are ever
// handed the same key id, enforced with a `SELECT ... FOR UPDATE SKIP LOCKED`
// claim query in the style of the teacher's `GetUserKeys` prekey lookup.
package serverkeys

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

var logger = log.New(log.Writer(), "[serverkeys] ", log.LstdFlags|log.LUTC)

// Registry wraps a Postgres connection holding the server's key inventory.
type Registry struct {
	db *sql.DB
}

// Open connects to Postgres at connStr and ensures the schema exists.
func Open(connStr string) (*Registry, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "open serverkeys database")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "ping serverkeys database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "apply serverkeys schema")
	}
	return &Registry{db: db}, nil
}

// NewWithDB wraps an already-open database handle (used by tests against an
// in-memory or ephemeral Postgres instance).
func NewWithDB(db *sql.DB) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "apply serverkeys schema")
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error { return r.db.Close() }

// SignedPreKeyUpload is the signed prekey half of an upload_bundle request.
type SignedPreKeyUpload struct {
	KeyID     uint32
	Public    [32]byte
	Signature []byte
}

// OneTimeKeyUpload is one one-time prekey public half offered for upload.
type OneTimeKeyUpload struct {
	KeyID  uint32
	Public [32]byte
}

// UploadBundle stores or updates a user's identity, inserts a new signed
// prekey (retiring any prior one after a grace window rather than deleting
// it outright, per spec §3's `SignedPreKey` lifecycle), and inserts a batch
// of fresh one-time prekeys.
func (r *Registry) UploadBundle(ctx context.Context, userID string, identityEdPub, identityX25519Pub [32]byte, spk SignedPreKeyUpload, oneTime []OneTimeKeyUpload, retirementGrace time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "begin upload_bundle tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identity_keys (user_id, identity_ed_pub, identity_x25519_pub)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, identityEdPub[:], identityX25519Pub[:]); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "upsert identity key")
	}

	if retirementGrace <= 0 {
		retirementGrace = 7 * 24 * time.Hour
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE signed_prekeys SET pending_delete_at = $3
		WHERE user_id = $1 AND pending_delete_at IS NULL AND key_id <> $2`,
		userID, spk.KeyID, time.Now().Add(retirementGrace)); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "retire prior signed prekey")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO signed_prekeys (user_id, key_id, pub, signature)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, key_id) DO UPDATE SET pub = excluded.pub, signature = excluded.signature`,
		userID, spk.KeyID, spk.Public[:], spk.Signature); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "insert signed prekey")
	}

	for _, k := range oneTime {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO one_time_prekeys (user_id, key_id, pub, used)
			VALUES ($1, $2, $3, false)
			ON CONFLICT (user_id, key_id) DO NOTHING`,
			userID, k.KeyID, k.Public[:]); err != nil {
			return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "insert one-time prekey")
		}
	}

	if err := r.appendTransparencyLog(ctx, tx, userID, "upload_bundle", identityEdPub, identityX25519Pub, spk); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "commit upload_bundle tx")
	}
	return nil
}

// Bundle is the public material served to an initiator fetching a peer's
// prekey bundle (spec §3 PreKeyBundle).
type Bundle struct {
	UserID           string
	IdentityEdPub    []byte
	IdentityX25519   [32]byte
	SignedPreKeyID   uint32
	SignedPreKeyPub  [32]byte
	SignedPreKeySig  []byte
	OneTimePreKeyID  *uint32
	OneTimePreKeyPub *[32]byte
}

// GetBundle returns user's identity and current signed prekey, atomically
// claiming one unused one-time prekey if any remain. The claim query uses
// `FOR UPDATE SKIP LOCKED` so concurrent callers never race on the same row
// and a claimed key is marked used before the transaction commits — the
// invariant spec §4.7 calls out: each one-time key id is returned at most
// once, even across server restarts.
func (r *Registry) GetBundle(ctx context.Context, userID string) (Bundle, error) {
	var b Bundle
	b.UserID = userID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return b, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "begin get_bundle tx")
	}
	defer tx.Rollback()

	var identityEdPub, identityX25519Pub []byte
	if err := tx.QueryRowContext(ctx, `
		SELECT identity_ed_pub, identity_x25519_pub FROM identity_keys WHERE user_id = $1`, userID,
	).Scan(&identityEdPub, &identityX25519Pub); err != nil {
		if err == sql.ErrNoRows {
			return b, e2eerrors.New(e2eerrors.UnknownSession, "no identity published for user")
		}
		return b, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load identity key")
	}
	b.IdentityEdPub = identityEdPub
	copy(b.IdentityX25519[:], identityX25519Pub)

	var spkID int64
	var spkPub, spkSig []byte
	if err := tx.QueryRowContext(ctx, `
		SELECT key_id, pub, signature FROM signed_prekeys
		WHERE user_id = $1 AND pending_delete_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&spkID, &spkPub, &spkSig); err != nil {
		if err == sql.ErrNoRows {
			return b, e2eerrors.New(e2eerrors.UnknownSession, "no signed prekey published for user")
		}
		return b, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load signed prekey")
	}
	b.SignedPreKeyID = uint32(spkID)
	copy(b.SignedPreKeyPub[:], spkPub)
	b.SignedPreKeySig = spkSig

	var otID int64
	var otPub []byte
	err = tx.QueryRowContext(ctx, `
		UPDATE one_time_prekeys SET used = true, used_at = now()
		WHERE (user_id, key_id) = (
			SELECT user_id, key_id FROM one_time_prekeys
			WHERE user_id = $1 AND used = false
			ORDER BY key_id LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING key_id, pub`, userID,
	).Scan(&otID, &otPub)
	switch {
	case err == nil:
		id := uint32(otID)
		var pub [32]byte
		copy(pub[:], otPub)
		b.OneTimePreKeyID = &id
		b.OneTimePreKeyPub = &pub
	case err == sql.ErrNoRows:
		logger.Printf("no one-time prekeys remaining for user=%s; x3dh will run without one", userID)
	default:
		return b, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "claim one-time prekey")
	}

	if err := tx.Commit(); err != nil {
		return b, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "commit get_bundle tx")
	}
	return b, nil
}

// ReplenishOneTime appends a freshly generated batch of one-time prekey
// publics to the user's pool.
func (r *Registry) ReplenishOneTime(ctx context.Context, userID string, keys []OneTimeKeyUpload) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "begin replenish tx")
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO one_time_prekeys (user_id, key_id, pub, used)
			VALUES ($1, $2, $3, false)
			ON CONFLICT (user_id, key_id) DO NOTHING`,
			userID, k.KeyID, k.Public[:]); err != nil {
			return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "insert replenished one-time prekey")
		}
	}
	if err := tx.Commit(); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "commit replenish tx")
	}
	return nil
}

// KeyStatus reports the number of unused one-time prekeys remaining for a
// user, so the client can decide whether to replenish.
func (r *Registry) KeyStatus(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND used = false`, userID).Scan(&n)
	if err != nil {
		return 0, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "count unused one-time prekeys")
	}
	return n, nil
}

// appendTransparencyLog appends a hash-chained entry recording an identity
// or signed-prekey change, so a client can later audit that the server never
// silently substituted different key material for a peer (SPEC_FULL §15
// supplemented feature, grounded in the teacher's key transparency log).
func (r *Registry) appendTransparencyLog(ctx context.Context, tx *sql.Tx, userID, eventKind string, identityEdPub, identityX25519Pub [32]byte, spk SignedPreKeyUpload) error {
	h := sha256.New()
	h.Write(identityEdPub[:])
	h.Write(identityX25519Pub[:])
	h.Write(spk.Public[:])
	material := h.Sum(nil)

	var prevHash []byte
	err := tx.QueryRowContext(ctx, `
		SELECT entry_hash FROM key_transparency_log WHERE user_id = $1 ORDER BY seq DESC LIMIT 1`, userID,
	).Scan(&prevHash)
	if err == sql.ErrNoRows {
		prevHash = make([]byte, 32)
	} else if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load prior transparency log entry")
	}

	chain := sha256.New()
	chain.Write(prevHash)
	chain.Write(material)
	entryHash := chain.Sum(nil)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO key_transparency_log (user_id, event_kind, key_material_hash, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5)`, userID, eventKind, material, prevHash, entryHash)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "append transparency log entry")
	}
	return nil
}

// TransparencyEntry is one hash-chained audit entry for a user's key history.
type TransparencyEntry struct {
	Seq        int64
	EventKind  string
	EntryHash  []byte
	PrevHash   []byte
	CreatedAt  time.Time
}

// TransparencyLog returns the full hash-chained history of key changes for a
// user, oldest first, so a client library can independently verify the chain
// has not been tampered with or rewritten.
func (r *Registry) TransparencyLog(ctx context.Context, userID string) ([]TransparencyEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, event_kind, entry_hash, prev_hash, created_at
		FROM key_transparency_log WHERE user_id = $1 ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "query transparency log")
	}
	defer rows.Close()

	var out []TransparencyEntry
	for rows.Next() {
		var e TransparencyEntry
		if err := rows.Scan(&e.Seq, &e.EventKind, &e.EntryHash, &e.PrevHash, &e.CreatedAt); err != nil {
			return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "scan transparency log entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
