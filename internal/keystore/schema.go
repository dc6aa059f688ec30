package keystore

const schema = `
CREATE TABLE IF NOT EXISTS account (
	user_id              TEXT PRIMARY KEY,
	identity_ed_pub      BLOB NOT NULL,
	identity_ed_priv     BLOB NOT NULL,
	identity_x25519_pub  BLOB NOT NULL,
	identity_x25519_priv BLOB NOT NULL,
	signed_prekey_id     INTEGER NOT NULL,
	signed_prekey_pub    BLOB NOT NULL,
	signed_prekey_sig    BLOB NOT NULL,
	signed_prekey_since  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS one_time_privates (
	key_id     INTEGER PRIMARY KEY,
	private    BLOB NOT NULL,
	public     BLOB NOT NULL,
	consumed   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS signed_prekey_privates (
	key_id     INTEGER PRIMARY KEY,
	private    BLOB NOT NULL,
	public     BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	retired_at DATETIME
);

CREATE TABLE IF NOT EXISTS pairwise_sessions (
	peer_user_id   TEXT NOT NULL,
	peer_device_id TEXT NOT NULL,
	session_blob   BLOB NOT NULL,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (peer_user_id, peer_device_id)
);

CREATE TABLE IF NOT EXISTS megolm_outbound (
	room_id      TEXT PRIMARY KEY,
	session_id   BLOB NOT NULL,
	chain_key    BLOB NOT NULL,
	chain_index  INTEGER NOT NULL,
	signing_priv BLOB NOT NULL,
	signing_pub  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS megolm_inbound (
	room_id           TEXT NOT NULL,
	sender_user_id    TEXT NOT NULL,
	sender_device_id  TEXT NOT NULL,
	session_id        BLOB NOT NULL,
	first_known_index INTEGER NOT NULL,
	chain_key         BLOB NOT NULL,
	chain_index       INTEGER NOT NULL,
	signing_pub       BLOB NOT NULL,
	skipped_blob      BLOB,
	PRIMARY KEY (room_id, sender_user_id, sender_device_id, session_id)
);
`
