package serverkeys

const schema = `
CREATE TABLE IF NOT EXISTS identity_keys (
	user_id            TEXT PRIMARY KEY,
	identity_ed_pub     BYTEA NOT NULL,
	identity_x25519_pub BYTEA NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS signed_prekeys (
	user_id          TEXT NOT NULL,
	key_id           BIGINT NOT NULL,
	device_id        TEXT NOT NULL DEFAULT '',
	pub              BYTEA NOT NULL,
	signature        BYTEA NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	pending_delete_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, key_id)
);

CREATE TABLE IF NOT EXISTS one_time_prekeys (
	user_id  TEXT NOT NULL,
	key_id   BIGINT NOT NULL,
	pub      BYTEA NOT NULL,
	used     BOOLEAN NOT NULL DEFAULT false,
	used_at  TIMESTAMPTZ,
	PRIMARY KEY (user_id, key_id)
);

CREATE INDEX IF NOT EXISTS one_time_prekeys_unused_idx ON one_time_prekeys (user_id) WHERE used = false;

CREATE TABLE IF NOT EXISTS key_transparency_log (
	seq              BIGSERIAL PRIMARY KEY,
	user_id          TEXT NOT NULL,
	event_kind       TEXT NOT NULL,
	key_material_hash BYTEA NOT NULL,
	prev_hash        BYTEA NOT NULL,
	entry_hash       BYTEA NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS key_transparency_log_user_idx ON key_transparency_log (user_id, seq);
`
