package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cereals/chat-client/internal/model"
)

// setupTestCache opens a cache over a throwaway on-disk database.
func setupTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertUser_Idempotent(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	u := model.User{ID: 7, Username: "ada", Status: model.PresenceOnline, CreatedAt: time.Now()}
	req.NoError(c.UpsertUser(u))
	req.NoError(c.UpsertUser(u))

	got, err := c.User(7)
	req.NoError(err)
	req.Equal("ada", got.Username)

	// The second upsert with changed fields overwrites, it does not duplicate.
	u.Username = "ada-l"
	u.Status = model.PresenceAway
	req.NoError(c.UpsertUser(u))

	got, err = c.User(7)
	req.NoError(err)
	req.Equal("ada-l", got.Username)
	req.Equal(model.PresenceAway, got.Status)
}

func TestUpsertMessage_Idempotent(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	target := model.UserTarget(42)
	m := model.Message{
		ID:        1001,
		SenderID:  7,
		Target:    target,
		Body:      "hello",
		Kind:      model.ContentText,
		Timestamp: time.Now(),
	}
	req.NoError(c.UpsertMessage(m))
	req.NoError(c.UpsertMessage(m))

	page, err := c.MessagesPage(target, 10, 0)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal(int64(1001), page[0].ID)
	req.Equal("hello", page[0].Body)
}

func TestMessageID_UniquePerConversation(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	// The same server ID in two different conversations is two rows.
	base := time.Now()
	req.NoError(c.UpsertMessage(model.Message{
		ID: 5, SenderID: 1, Target: model.UserTarget(2), Body: "dm", Kind: model.ContentText, Timestamp: base,
	}))
	req.NoError(c.UpsertMessage(model.Message{
		ID: 5, SenderID: 1, Target: model.GroupTarget(2), Body: "group", Kind: model.ContentText, Timestamp: base,
	}))

	dm, err := c.MessagesPage(model.UserTarget(2), 10, 0)
	req.NoError(err)
	req.Len(dm, 1)
	req.Equal("dm", dm[0].Body)

	grp, err := c.MessagesPage(model.GroupTarget(2), 10, 0)
	req.NoError(err)
	req.Len(grp, 1)
	req.Equal("group", grp[0].Body)
}

func TestMessagesPage_OrderAndWindow(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	target := model.GroupTarget(7)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		req.NoError(c.UpsertMessage(model.Message{
			ID:        int64(i),
			SenderID:  1,
			Target:    target,
			Body:      "msg",
			Kind:      model.ContentText,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// Newest first.
	page, err := c.MessagesPage(target, 2, 0)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(int64(5), page[0].ID)
	req.Equal(int64(4), page[1].ID)

	// Offset window.
	page, err = c.MessagesPage(target, 2, 2)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(int64(3), page[0].ID)
	req.Equal(int64(2), page[1].ID)
}

func TestUnreadCount(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	const self = int64(1)
	target := model.UserTarget(2)
	now := time.Now()

	// Two unread from the peer, one unread from self, one read from the peer.
	req.NoError(c.UpsertMessage(model.Message{ID: 1, SenderID: 2, Target: target, Body: "a", Kind: model.ContentText, Timestamp: now}))
	req.NoError(c.UpsertMessage(model.Message{ID: 2, SenderID: 2, Target: target, Body: "b", Kind: model.ContentText, Timestamp: now}))
	req.NoError(c.UpsertMessage(model.Message{ID: 3, SenderID: self, Target: target, Body: "c", Kind: model.ContentText, Timestamp: now}))
	req.NoError(c.UpsertMessage(model.Message{ID: 4, SenderID: 2, Target: target, Body: "d", Kind: model.ContentText, Timestamp: now, Read: true}))

	n, err := c.UnreadCount(target, self)
	req.NoError(err)
	req.Equal(2, n)

	req.NoError(c.MarkAllRead(target))
	n, err = c.UnreadCount(target, self)
	req.NoError(err)
	req.Equal(0, n)
}

func TestContacts_Snapshot(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	ct := model.Contact{
		OwnerID: 1,
		Peer:    model.User{ID: 9, Username: "bo", Status: model.PresenceOffline, CreatedAt: time.Now()},
		AddedAt: time.Now(),
	}
	req.NoError(c.UpsertContact(ct))
	req.NoError(c.UpsertContact(ct)) // idempotent

	list, err := c.Contacts(1)
	req.NoError(err)
	req.Len(list, 1)
	req.Equal("bo", list[0].Peer.Username)

	// A presence update is visible through the snapshot.
	req.NoError(c.SetUserStatus(9, model.PresenceOnline))
	list, err = c.Contacts(1)
	req.NoError(err)
	req.Equal(model.PresenceOnline, list[0].Peer.Status)
}

func TestGroups(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	req.NoError(c.UpsertGroup(model.Group{ID: 3, Name: "plans", CreatedAt: time.Now()}))
	req.NoError(c.UpsertGroupMember(model.GroupMember{GroupID: 3, UserID: 1, JoinedAt: time.Now()}))
	req.NoError(c.UpsertGroupMember(model.GroupMember{GroupID: 3, UserID: 2, JoinedAt: time.Now()}))

	g, err := c.Group(3)
	req.NoError(err)
	req.Equal("plans", g.Name)

	members, err := c.GroupMembers(3)
	req.NoError(err)
	req.Len(members, 2)

	req.NoError(c.DeleteGroup(3))
	_, err = c.Group(3)
	req.ErrorIs(err, ErrNotFound)
}

func TestAuthSession_Superseded(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	first := model.AuthSession{UserID: 1, AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)}
	req.NoError(c.SaveAuthSession(first))

	second := model.AuthSession{UserID: 1, AccessToken: "a2", RefreshToken: "r2", ExpiresAt: time.Now().Add(2 * time.Hour)}
	req.NoError(c.SaveAuthSession(second))

	got, err := c.AuthSession()
	req.NoError(err)
	req.Equal("a2", got.AccessToken)

	req.NoError(c.DeleteAuthSession())
	_, err = c.AuthSession()
	req.ErrorIs(err, ErrNotFound)
}

func TestClearAll(t *testing.T) {
	req := require.New(t)
	c := setupTestCache(t)

	req.NoError(c.UpsertUser(model.User{ID: 1, Username: "me", CreatedAt: time.Now()}))
	req.NoError(c.UpsertMessage(model.Message{ID: 1, SenderID: 1, Target: model.UserTarget(2), Body: "x", Kind: model.ContentText, Timestamp: time.Now()}))
	req.NoError(c.SaveAuthSession(model.AuthSession{UserID: 1, AccessToken: "t", ExpiresAt: time.Now()}))

	req.NoError(c.ClearAll())

	_, err := c.User(1)
	req.ErrorIs(err, ErrNotFound)
	page, err := c.MessagesPage(model.UserTarget(2), 10, 0)
	req.NoError(err)
	req.Empty(page)
	_, err = c.AuthSession()
	req.ErrorIs(err, ErrNotFound)
}

func TestUnavailableCache(t *testing.T) {
	req := require.New(t)
	c := Unavailable()

	req.False(c.Available())
	req.ErrorIs(c.UpsertUser(model.User{}), ErrUnavailable)
	_, err := c.MessagesPage(model.UserTarget(1), 10, 0)
	req.ErrorIs(err, ErrUnavailable)
	req.ErrorIs(c.ClearAll(), ErrUnavailable)
	_, err = c.AuthSession()
	req.ErrorIs(err, ErrUnavailable)
	req.NoError(c.Close())
}
