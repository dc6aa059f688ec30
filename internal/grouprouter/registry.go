// Package grouprouter implements the server group registry (spec §4.8 SGR):
// room membership and a monotone key_version counter, with no key material
// of any kind. Grounded in the teacher's `CreateGroup`/`AddGroupMember`/
// `RemoveGroupMember` transaction style in internal/db/postgres.go.
package grouprouter

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	group_id   TEXT PRIMARY KEY,
	created_by TEXT NOT NULL,
	key_version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id  TEXT NOT NULL REFERENCES groups(group_id),
	user_id   TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (group_id, user_id)
);
`

// Registry wraps a Postgres connection holding group membership state.
type Registry struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(connStr string) (*Registry, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "open grouprouter database")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "ping grouprouter database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "apply grouprouter schema")
	}
	return &Registry{db: db}, nil
}

// NewWithDB wraps an already-open database handle.
func NewWithDB(db *sql.DB) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "apply grouprouter schema")
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error { return r.db.Close() }

// CreateGroup registers a new group with its creator as the first member.
func (r *Registry) CreateGroup(ctx context.Context, groupID, creator string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "begin create_group tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO groups (group_id, created_by, key_version) VALUES ($1, $2, 1)`,
		groupID, creator); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "insert group")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)`,
		groupID, creator); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "insert creator membership")
	}
	if err := tx.Commit(); err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "commit create_group tx")
	}
	return nil
}

// AddMember admits a user to a group. Membership changes alone do not bump
// key_version — a newly admitted member simply receives the current Megolm
// chain position, preserving forward secrecy with respect to prior traffic
// (spec §4.4 rekey-on-leave note).
func (r *Registry) AddMember(ctx context.Context, groupID, user string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT (group_id, user_id) DO NOTHING`, groupID, user)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "add group member")
	}
	return nil
}

// RemoveMember evicts a user from a group and atomically bumps key_version in
// the same transaction, so no concurrent send can observe the old version
// after a removal has been acknowledged (spec §5 concurrency model).
func (r *Registry) RemoveMember(ctx context.Context, groupID, user string) (newKeyVersion uint32, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "begin remove_member tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, user); err != nil {
		return 0, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "delete group member")
	}

	var version int
	if err := tx.QueryRowContext(ctx, `
		UPDATE groups SET key_version = key_version + 1 WHERE group_id = $1
		RETURNING key_version`, groupID).Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, e2eerrors.New(e2eerrors.UnknownSession, "group does not exist")
		}
		return 0, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "increment key_version")
	}

	if err := tx.Commit(); err != nil {
		return 0, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "commit remove_member tx")
	}
	return uint32(version), nil
}

// ListMembers returns the current membership of a group.
func (r *Registry) ListMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY joined_at ASC`, groupID)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "list group members")
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "scan group member")
		}
		members = append(members, u)
	}
	return members, rows.Err()
}

// KeyVersion returns the group's current rekey counter.
func (r *Registry) KeyVersion(ctx context.Context, groupID string) (uint32, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `SELECT key_version FROM groups WHERE group_id = $1`, groupID).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, e2eerrors.New(e2eerrors.UnknownSession, "group does not exist")
		}
		return 0, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "load key_version")
	}
	return uint32(version), nil
}
