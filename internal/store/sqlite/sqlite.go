// Package sqlite is the reference implementation of store.Store, backed by
// modernc.org/sqlite (a pure-Go driver, no cgo). Schema is fixed to exactly
// the records the mesh core's Store interface needs; unlike the generic
// dynamic-table system this is adapted from, there is no user-defined table
// surface here.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/vince0028/gitchat-mesh/internal/model"
	"github.com/vince0028/gitchat-mesh/internal/store"
)

// DB is a SQLite-backed store.Store.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// Open opens or creates the database file at path, applying the same
// WAL/busy-timeout configuration the rest of the ecosystem uses for a
// single-writer, many-reader local database.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: configure: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			from_name    TEXT NOT NULL,
			to_name      TEXT NOT NULL,
			body         TEXT NOT NULL,
			timestamp    INTEGER NOT NULL,
			ttl          INTEGER NOT NULL,
			group_id     TEXT NOT NULL DEFAULT '',
			is_relayed   INTEGER NOT NULL DEFAULT 0,
			is_edited    INTEGER NOT NULL DEFAULT 0,
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			message_type TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			created_by    TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			symmetric_key TEXT NOT NULL,
			password      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			name     TEXT NOT NULL,
			PRIMARY KEY (group_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error { return d.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveMessage inserts or replaces a message row.
func (d *DB) SaveMessage(m model.ChatMessage) error {
	_, err := d.db.Exec(`
		INSERT INTO messages (id, from_name, to_name, body, timestamp, ttl, group_id, is_relayed, is_edited, is_deleted, message_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			from_name=excluded.from_name, to_name=excluded.to_name, body=excluded.body,
			timestamp=excluded.timestamp, ttl=excluded.ttl, group_id=excluded.group_id,
			is_relayed=excluded.is_relayed, is_edited=excluded.is_edited,
			is_deleted=excluded.is_deleted, message_type=excluded.message_type
	`, m.ID, m.From, m.To, m.Body, m.Timestamp, m.TTL, m.GroupID,
		boolToInt(m.IsRelayed), boolToInt(m.IsEdited), boolToInt(m.IsDeleted), string(m.MessageType))
	if err != nil {
		return fmt.Errorf("sqlite: save message: %w", err)
	}
	return nil
}

// HasMessage reports whether id is already stored.
func (d *DB) HasMessage(id string) (bool, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: has message: %w", err)
	}
	return n > 0, nil
}

// EditMessage sets a message's body and marks it edited. Silent if id is
// unknown, per §4.4.
func (d *DB) EditMessage(id, body string) error {
	_, err := d.db.Exec(`UPDATE messages SET body = ?, is_edited = 1 WHERE id = ?`, body, id)
	if err != nil {
		return fmt.Errorf("sqlite: edit message: %w", err)
	}
	return nil
}

// DeleteMessage marks a message deleted. Terminal; silent if id is unknown.
func (d *DB) DeleteMessage(id string) error {
	_, err := d.db.Exec(`UPDATE messages SET is_deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete message: %w", err)
	}
	return nil
}

// GetMessages returns messages for groupID, or broadcast messages if
// groupID is empty, oldest first.
func (d *DB) GetMessages(groupID string) ([]model.ChatMessage, error) {
	rows, err := d.db.Query(`
		SELECT id, from_name, to_name, body, timestamp, ttl, group_id, is_relayed, is_edited, is_deleted, message_type
		FROM messages WHERE group_id = ? ORDER BY timestamp ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get messages: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var relayed, edited, deleted int
		var msgType string
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Body, &m.Timestamp, &m.TTL, &m.GroupID, &relayed, &edited, &deleted, &msgType); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.IsRelayed, m.IsEdited, m.IsDeleted = relayed != 0, edited != 0, deleted != 0
		m.MessageType = model.MessageType(msgType)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearGroupMessages deletes all messages for a group.
func (d *DB) ClearGroupMessages(groupID string) error {
	_, err := d.db.Exec(`DELETE FROM messages WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("sqlite: clear group messages: %w", err)
	}
	return nil
}

// ClearBroadcastMessages deletes all broadcast (group_id = '') messages.
func (d *DB) ClearBroadcastMessages() error {
	_, err := d.db.Exec(`DELETE FROM messages WHERE group_id = ''`)
	if err != nil {
		return fmt.Errorf("sqlite: clear broadcast messages: %w", err)
	}
	return nil
}

// SaveGroup inserts or replaces a group row and its member list.
func (d *DB) SaveGroup(g model.MeshGroup) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: save group: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO groups (id, name, created_by, created_at, symmetric_key, password)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, password=excluded.password
	`, g.ID, g.Name, g.CreatedBy, g.CreatedAt, g.SymmetricKey, g.Password); err != nil {
		return fmt.Errorf("sqlite: save group: %w", err)
	}
	for _, m := range g.Members {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO group_members (group_id, name) VALUES (?, ?)`, g.ID, m); err != nil {
			return fmt.Errorf("sqlite: save group member: %w", err)
		}
	}
	return tx.Commit()
}

func (d *DB) loadMembers(id string) ([]string, error) {
	rows, err := d.db.Query(`SELECT name FROM group_members WHERE group_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load members: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GetGroup returns a group by id.
func (d *DB) GetGroup(id string) (model.MeshGroup, bool, error) {
	var g model.MeshGroup
	err := d.db.QueryRow(`SELECT id, name, created_by, created_at, symmetric_key, password FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt, &g.SymmetricKey, &g.Password)
	if err == sql.ErrNoRows {
		return model.MeshGroup{}, false, nil
	}
	if err != nil {
		return model.MeshGroup{}, false, fmt.Errorf("sqlite: get group: %w", err)
	}
	members, err := d.loadMembers(id)
	if err != nil {
		return model.MeshGroup{}, false, err
	}
	g.Members = members
	return g, true, nil
}

// GetGroups returns every known group.
func (d *DB) GetGroups() ([]model.MeshGroup, error) {
	rows, err := d.db.Query(`SELECT id FROM groups`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get groups: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]model.MeshGroup, 0, len(ids))
	for _, id := range ids {
		g, ok, err := d.GetGroup(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, g)
		}
	}
	return out, nil
}

// IsGroupMember reports whether name is a member of group id.
func (d *DB) IsGroupMember(id, name string) (bool, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(1) FROM group_members WHERE group_id = ? AND name = ?`, id, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: is group member: %w", err)
	}
	return n > 0, nil
}

// AddMemberToGroup inserts a member, idempotent.
func (d *DB) AddMemberToGroup(id, name string) error {
	_, err := d.db.Exec(`INSERT OR IGNORE INTO group_members (group_id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		return fmt.Errorf("sqlite: add member: %w", err)
	}
	return nil
}

// RemoveMemberFromGroup removes a member from a group.
func (d *DB) RemoveMemberFromGroup(id, name string) error {
	_, err := d.db.Exec(`DELETE FROM group_members WHERE group_id = ? AND name = ?`, id, name)
	if err != nil {
		return fmt.Errorf("sqlite: remove member: %w", err)
	}
	return nil
}

// RenameGroup updates a group's display name.
func (d *DB) RenameGroup(id, newName string) error {
	_, err := d.db.Exec(`UPDATE groups SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		return fmt.Errorf("sqlite: rename group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group, its members, and its messages.
func (d *DB) DeleteGroup(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: delete group: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM group_members WHERE group_id = ?`,
		`DELETE FROM messages WHERE group_id = ?`,
		`DELETE FROM groups WHERE id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("sqlite: delete group: %w", err)
		}
	}
	return tx.Commit()
}

// GetUsername returns the locally saved username, if any.
func (d *DB) GetUsername() (string, bool, error) {
	var name string
	err := d.db.QueryRow(`SELECT value FROM meta WHERE key = 'username'`).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: get username: %w", err)
	}
	return name, true, nil
}

// SaveUsername persists the local username.
func (d *DB) SaveUsername(name string) error {
	_, err := d.db.Exec(`
		INSERT INTO meta (key, value) VALUES ('username', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, name)
	if err != nil {
		return fmt.Errorf("sqlite: save username: %w", err)
	}
	return nil
}
