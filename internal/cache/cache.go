// Package cache is the client's durable store: users, messages, contacts,
// groups, and auth tokens in an embedded sqlite database. All writes are
// keyed upserts, message reads are conversation-scoped and paginated, and
// ClearAll wipes every table in one transaction on logout.
//
// A cache can also be deliberately unavailable (no durable store in the
// current runtime); every method then fails with ErrUnavailable so callers
// can fall back to ephemeral in-memory sessions.
package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cereals/chat-client/internal/model"
)

// ErrUnavailable is returned by every method of a cache that has no durable
// store behind it.
var ErrUnavailable = errors.New("cache: store unavailable")

// ErrNotFound is returned by single-row reads that match nothing.
var ErrNotFound = errors.New("cache: not found")

//go:embed migrations/*.sql
var migrationFS embed.FS

// Cache is the durable store handle. The zero value (and Unavailable()) is
// a valid cache whose every operation fails with ErrUnavailable.
type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and brings the schema
// up to date.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Unavailable returns a cache with no store behind it, for constrained
// runtimes where sqlite cannot be opened.
func Unavailable() *Cache { return &Cache{} }

// Available reports whether a durable store is backing this cache.
func (c *Cache) Available() bool { return c != nil && c.db != nil }

// Close closes the underlying database.
func (c *Cache) Close() error {
	if !c.Available() {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) ready() error {
	if !c.Available() {
		return ErrUnavailable
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("cache: load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("cache: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("cache: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("cache: migrate: %w", err)
	}
	return nil
}

// fmtTime and parseTime fix the timestamp text format so rows written and
// read by different code paths always agree.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// UpsertUser inserts or overwrites a user row keyed by ID.
func (c *Cache) UpsertUser(u model.User) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`
		INSERT INTO users (id, username, avatar_url, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			avatar_url = excluded.avatar_url,
			status = excluded.status`,
		u.ID, u.Username, u.AvatarURL, string(u.Status), fmtTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("cache: upsert user: %w", err)
	}
	return nil
}

// User reads one user by ID.
func (c *Cache) User(id int64) (model.User, error) {
	if err := c.ready(); err != nil {
		return model.User{}, err
	}
	var (
		u         model.User
		status    string
		createdAt string
	)
	err := c.db.QueryRow(`
		SELECT id, username, COALESCE(avatar_url, ''), COALESCE(status, 'offline'), created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.AvatarURL, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("cache: read user: %w", err)
	}
	u.Status = model.Presence(status)
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// SetUserStatus updates only the presence column of a user row. Unknown
// users are ignored; a presence event may arrive before the profile.
func (c *Cache) SetUserStatus(id int64, status model.Presence) error {
	if err := c.ready(); err != nil {
		return err
	}
	if _, err := c.db.Exec(`UPDATE users SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("cache: set user status: %w", err)
	}
	return nil
}

// DeleteUser removes a user row.
func (c *Cache) DeleteUser(id int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	if _, err := c.db.Exec(`DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cache: delete user: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// UpsertMessage inserts or overwrites a message keyed by (target, id).
// Re-inserting the same message is a no-op overwrite, never a duplicate.
func (c *Cache) UpsertMessage(m model.Message) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`
		INSERT INTO messages (id, local_id, sender_id, target_kind, target_id, content, message_type, timestamp, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_kind, target_id, id) DO UPDATE SET
			local_id = excluded.local_id,
			content = excluded.content,
			message_type = excluded.message_type,
			timestamp = excluded.timestamp,
			is_read = excluded.is_read`,
		m.ID, m.LocalID, m.SenderID, m.Target.Kind.String(), m.Target.ID,
		m.Body, string(m.Kind), fmtTime(m.Timestamp), m.Read)
	if err != nil {
		return fmt.Errorf("cache: upsert message: %w", err)
	}
	return nil
}

// MessagesPage reads one page of a conversation's messages ordered by
// timestamp descending (newest first) with a (limit, offset) window.
func (c *Cache) MessagesPage(target model.Target, limit, offset int) ([]model.Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	rows, err := c.db.Query(`
		SELECT id, COALESCE(local_id, ''), sender_id, content, message_type, timestamp, is_read
		FROM messages
		WHERE target_kind = ? AND target_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`,
		target.Kind.String(), target.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("cache: read messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m    model.Message
			kind string
			ts   string
		)
		if err := rows.Scan(&m.ID, &m.LocalID, &m.SenderID, &m.Body, &kind, &ts, &m.Read); err != nil {
			return nil, fmt.Errorf("cache: scan message: %w", err)
		}
		m.Target = target
		m.Kind = model.ContentKind(kind)
		m.Timestamp = parseTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadCount recomputes a conversation's unread count from the stored
// rows: messages not yet read and not authored by self.
func (c *Cache) UnreadCount(target model.Target, selfID int64) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	var n int
	err := c.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE target_kind = ? AND target_id = ? AND is_read = 0 AND sender_id != ?`,
		target.Kind.String(), target.ID, selfID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cache: unread count: %w", err)
	}
	return n, nil
}

// MarkRead flips one message's read flag.
func (c *Cache) MarkRead(target model.Target, messageID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE target_kind = ? AND target_id = ? AND id = ?`,
		target.Kind.String(), target.ID, messageID)
	if err != nil {
		return fmt.Errorf("cache: mark read: %w", err)
	}
	return nil
}

// MarkAllRead flips every message in a conversation to read.
func (c *Cache) MarkAllRead(target model.Target) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE target_kind = ? AND target_id = ?`,
		target.Kind.String(), target.ID)
	if err != nil {
		return fmt.Errorf("cache: mark all read: %w", err)
	}
	return nil
}

// DeleteMessage removes one message row.
func (c *Cache) DeleteMessage(target model.Target, messageID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`
		DELETE FROM messages WHERE target_kind = ? AND target_id = ? AND id = ?`,
		target.Kind.String(), target.ID, messageID)
	if err != nil {
		return fmt.Errorf("cache: delete message: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Contacts
// ---------------------------------------------------------------------------

// UpsertContact stores the contact edge and the peer snapshot in one
// transaction. The peer's user row is the denormalized display snapshot.
func (c *Cache) UpsertContact(ct model.Contact) error {
	if err := c.ready(); err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: upsert contact: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO users (id, username, avatar_url, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			avatar_url = excluded.avatar_url,
			status = excluded.status`,
		ct.Peer.ID, ct.Peer.Username, ct.Peer.AvatarURL, string(ct.Peer.Status), fmtTime(ct.Peer.CreatedAt))
	if err != nil {
		return fmt.Errorf("cache: upsert contact peer: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO contacts (user_id, contact_id, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, contact_id) DO UPDATE SET added_at = excluded.added_at`,
		ct.OwnerID, ct.Peer.ID, fmtTime(ct.AddedAt))
	if err != nil {
		return fmt.Errorf("cache: upsert contact edge: %w", err)
	}
	return tx.Commit()
}

// Contacts reads the owner's contact list with peer snapshots.
func (c *Cache) Contacts(ownerID int64) ([]model.Contact, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	rows, err := c.db.Query(`
		SELECT ct.user_id, ct.added_at,
		       u.id, u.username, COALESCE(u.avatar_url, ''), COALESCE(u.status, 'offline'), u.created_at
		FROM contacts ct
		JOIN users u ON u.id = ct.contact_id
		WHERE ct.user_id = ?
		ORDER BY u.username`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("cache: read contacts: %w", err)
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var (
			ct            model.Contact
			addedAt       string
			status        string
			peerCreatedAt string
		)
		if err := rows.Scan(&ct.OwnerID, &addedAt,
			&ct.Peer.ID, &ct.Peer.Username, &ct.Peer.AvatarURL, &status, &peerCreatedAt); err != nil {
			return nil, fmt.Errorf("cache: scan contact: %w", err)
		}
		ct.AddedAt = parseTime(addedAt)
		ct.Peer.Status = model.Presence(status)
		ct.Peer.CreatedAt = parseTime(peerCreatedAt)
		out = append(out, ct)
	}
	return out, rows.Err()
}

// DeleteContact removes a contact edge. The peer user row stays; it may
// still be referenced by messages.
func (c *Cache) DeleteContact(ownerID, peerID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`DELETE FROM contacts WHERE user_id = ? AND contact_id = ?`, ownerID, peerID)
	if err != nil {
		return fmt.Errorf("cache: delete contact: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

// UpsertGroup inserts or overwrites a group row.
func (c *Cache) UpsertGroup(g model.Group) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`
		INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		g.ID, g.Name, fmtTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("cache: upsert group: %w", err)
	}
	return nil
}

// Group reads one group by ID.
func (c *Cache) Group(id int64) (model.Group, error) {
	if err := c.ready(); err != nil {
		return model.Group{}, err
	}
	var (
		g         model.Group
		createdAt string
	)
	err := c.db.QueryRow(`SELECT id, name, created_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, ErrNotFound
	}
	if err != nil {
		return model.Group{}, fmt.Errorf("cache: read group: %w", err)
	}
	g.CreatedAt = parseTime(createdAt)
	return g, nil
}

// Groups reads every cached group.
func (c *Cache) Groups() ([]model.Group, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	rows, err := c.db.Query(`SELECT id, name, created_at FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("cache: read groups: %w", err)
	}
	defer rows.Close()

	var out []model.Group
	for rows.Next() {
		var (
			g         model.Group
			createdAt string
		)
		if err := rows.Scan(&g.ID, &g.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("cache: scan group: %w", err)
		}
		g.CreatedAt = parseTime(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertGroupMember records a membership edge.
func (c *Cache) UpsertGroupMember(m model.GroupMember) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.db.Exec(`
		INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET joined_at = excluded.joined_at`,
		m.GroupID, m.UserID, fmtTime(m.JoinedAt))
	if err != nil {
		return fmt.Errorf("cache: upsert group member: %w", err)
	}
	return nil
}

// GroupMembers reads a group's membership.
func (c *Cache) GroupMembers(groupID int64) ([]model.GroupMember, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	rows, err := c.db.Query(`
		SELECT group_id, user_id, joined_at FROM group_members WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("cache: read group members: %w", err)
	}
	defer rows.Close()

	var out []model.GroupMember
	for rows.Next() {
		var (
			m        model.GroupMember
			joinedAt string
		)
		if err := rows.Scan(&m.GroupID, &m.UserID, &joinedAt); err != nil {
			return nil, fmt.Errorf("cache: scan group member: %w", err)
		}
		m.JoinedAt = parseTime(joinedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteGroup removes a group and its membership edges.
func (c *Cache) DeleteGroup(id int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: delete group: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("cache: delete group members: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cache: delete group: %w", err)
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Auth session
// ---------------------------------------------------------------------------

// SaveAuthSession stores the signed-in session, superseding any previous
// one: there is at most one auth_tokens row at a time.
func (c *Cache) SaveAuthSession(s model.AuthSession) error {
	if err := c.ready(); err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: save auth session: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM auth_tokens`); err != nil {
		return fmt.Errorf("cache: supersede auth session: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO auth_tokens (user_id, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?)`,
		s.UserID, s.AccessToken, s.RefreshToken, fmtTime(s.ExpiresAt))
	if err != nil {
		return fmt.Errorf("cache: save auth session: %w", err)
	}
	return tx.Commit()
}

// AuthSession reads the stored session, if any.
func (c *Cache) AuthSession() (model.AuthSession, error) {
	if err := c.ready(); err != nil {
		return model.AuthSession{}, err
	}
	var (
		s         model.AuthSession
		expiresAt string
	)
	err := c.db.QueryRow(`
		SELECT user_id, access_token, COALESCE(refresh_token, ''), expires_at
		FROM auth_tokens ORDER BY id DESC LIMIT 1`).
		Scan(&s.UserID, &s.AccessToken, &s.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuthSession{}, ErrNotFound
	}
	if err != nil {
		return model.AuthSession{}, fmt.Errorf("cache: read auth session: %w", err)
	}
	s.ExpiresAt = parseTime(expiresAt)
	return s, nil
}

// DeleteAuthSession erases the stored session.
func (c *Cache) DeleteAuthSession() error {
	if err := c.ready(); err != nil {
		return err
	}
	if _, err := c.db.Exec(`DELETE FROM auth_tokens`); err != nil {
		return fmt.Errorf("cache: delete auth session: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ClearAll
// ---------------------------------------------------------------------------

// ClearAll removes every entity in one transaction, so no concurrent reader
// observes a partially-cleared store. Used on logout and session
// invalidation.
func (c *Cache) ClearAll() error {
	if err := c.ready(); err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: clear all: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "contacts", "group_members", "groups", "auth_tokens", "users"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("cache: clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
