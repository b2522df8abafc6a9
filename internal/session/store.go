// Package session holds the client's live, observable conversation state:
// per-conversation message lists, unread counters, typing flags, presence,
// the active conversation, and the connectivity flag. Nothing here is
// persisted; a conversation exists only once the coordinator hydrates it.
//
// One mutex serializes every mutation, so the store has a single logical
// owner and no invariant is ever observable mid-update. Each mutation bumps
// a version and fires the optional change callback outside the lock.
package session

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cereals/chat-client/internal/model"
)

// Conversation is the in-memory view of one chat. Messages are kept in
// arrival order; the store never re-sorts them, so two messages with equal
// timestamps stay in the order the coordinator delivered them.
type Conversation struct {
	Target      model.Target
	Messages    []model.Message
	Unread      int
	Typing      bool
	PeerStatus  model.Presence // direct conversations only
	LastMessage *model.Message
}

// Store is the session state container.
type Store struct {
	mu        sync.Mutex
	selfID    int64
	convs     map[string]*Conversation
	active    model.Target
	connected bool
	version   uint64
	onChange  func(version uint64)
}

// NewStore creates an empty store for the given local identity.
func NewStore(selfID int64) *Store {
	return &Store{
		selfID: selfID,
		convs:  make(map[string]*Conversation),
	}
}

// SelfID returns the local user identity.
func (s *Store) SelfID() int64 { return s.selfID }

// OnChange registers the observer invoked after every mutation with the new
// state version. The callback runs outside the store lock; it must not
// mutate the store.
func (s *Store) OnChange(fn func(version uint64)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Version returns the current state version.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// bump must be called with the lock held; it returns the function the
// caller runs after unlocking.
func (s *Store) bump() func() {
	s.version++
	v := s.version
	cb := s.onChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(v) }
}

// ---------------------------------------------------------------------------
// Connectivity and active conversation
// ---------------------------------------------------------------------------

// SetConnected updates the connectivity flag.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	notify := s.bump()
	s.mu.Unlock()
	notify()
}

// Connected reports the connectivity flag.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetActive marks the given conversation active.
func (s *Store) SetActive(target model.Target) {
	s.mu.Lock()
	s.active = target
	notify := s.bump()
	s.mu.Unlock()
	notify()
}

// ClearActive clears the active conversation.
func (s *Store) ClearActive() {
	s.mu.Lock()
	s.active = model.Target{}
	notify := s.bump()
	s.mu.Unlock()
	notify()
}

// Active returns the active conversation target, if any.
func (s *Store) Active() (model.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, !s.active.IsZero()
}

// ---------------------------------------------------------------------------
// Conversation lifecycle
// ---------------------------------------------------------------------------

// Has reports whether a conversation session exists for the target.
func (s *Store) Has(target model.Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[target.Key()]
	return ok
}

// Hydrate creates the conversation session with the given messages (oldest
// first) and returns its snapshot. If the session already exists it is
// returned unchanged: there is never more than one session per target, and
// hydrating twice must not produce a second divergent cache.
func (s *Store) Hydrate(target model.Target, msgs []model.Message) Conversation {
	s.mu.Lock()
	if conv, ok := s.convs[target.Key()]; ok {
		snap := snapshot(conv)
		s.mu.Unlock()
		return snap
	}

	conv := &Conversation{
		Target:   target,
		Messages: append([]model.Message(nil), msgs...),
	}
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if !m.Read && m.SenderID != s.selfID {
			conv.Unread++
		}
	}
	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		conv.LastMessage = &last
	}
	s.convs[target.Key()] = conv
	snap := snapshot(conv)
	notify := s.bump()
	s.mu.Unlock()
	notify()
	return snap
}

// Snapshot returns a copy of the conversation state, or false if no session
// exists for the target.
func (s *Store) Snapshot(target model.Target) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[target.Key()]
	if !ok {
		return Conversation{}, false
	}
	return snapshot(conv), true
}

// Reset drops every session, the active conversation, and the connectivity
// flag. Used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.convs = make(map[string]*Conversation)
	s.active = model.Target{}
	s.connected = false
	notify := s.bump()
	s.mu.Unlock()
	notify()
}

// snapshot copies a conversation so callers never share the store's slices.
func snapshot(conv *Conversation) Conversation {
	out := *conv
	out.Messages = append([]model.Message(nil), conv.Messages...)
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		out.LastMessage = &last
	}
	return out
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// AppendMessage appends a message to its conversation in arrival order.
// When no session exists for the target the call is a no-op and returns
// false: sessions are hydrated on demand, not eagerly for every inbound
// message. Unread grows only for messages not authored by self.
func (s *Store) AppendMessage(m model.Message) bool {
	s.mu.Lock()
	conv, ok := s.convs[m.Target.Key()]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if m.ID != 0 {
		for i := range conv.Messages {
			if conv.Messages[i].ID == m.ID {
				// Redelivered frame; the entry is already present.
				s.mu.Unlock()
				return true
			}
		}
	}
	conv.Messages = append(conv.Messages, m)
	last := m
	conv.LastMessage = &last
	if !m.Read && m.SenderID != s.selfID {
		conv.Unread++
	}
	notify := s.bump()
	s.mu.Unlock()
	notify()
	return true
}

// RebindMessage atomically replaces a provisional entry's local identifier
// with the server-assigned one. The entry keeps its position; from an
// observer's point of view there is never a duplicate or a missing entry
// during the swap. Returns false when no entry carries the local ID.
func (s *Store) RebindMessage(target model.Target, localID string, serverID int64, ts time.Time) bool {
	s.mu.Lock()
	conv, ok := s.convs[target.Key()]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.LocalID != localID {
			continue
		}
		m.ID = serverID
		m.Pending = false
		if !ts.IsZero() {
			m.Timestamp = ts
		}
		if conv.LastMessage != nil && conv.LastMessage.LocalID == localID {
			last := *m
			conv.LastMessage = &last
		}
		notify := s.bump()
		s.mu.Unlock()
		notify()
		return true
	}
	s.mu.Unlock()
	return false
}

// RemoveLocal removes a provisional entry after a failed send and returns
// it so the caller can hand the content back to the input layer.
func (s *Store) RemoveLocal(target model.Target, localID string) (model.Message, bool) {
	s.mu.Lock()
	conv, ok := s.convs[target.Key()]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, false
	}
	for i := range conv.Messages {
		if conv.Messages[i].LocalID != localID {
			continue
		}
		removed := conv.Messages[i]
		conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
		if n := len(conv.Messages); n > 0 {
			last := conv.Messages[n-1]
			conv.LastMessage = &last
		} else {
			conv.LastMessage = nil
		}
		notify := s.bump()
		s.mu.Unlock()
		notify()
		return removed, true
	}
	s.mu.Unlock()
	return model.Message{}, false
}

// MarkRead flips one message's read flag and decrements unread by the
// delta actually applied: never below zero, and never for self-authored
// messages, which were not counted in the first place.
func (s *Store) MarkRead(target model.Target, messageID int64) bool {
	s.mu.Lock()
	conv, ok := s.convs[target.Key()]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.ID != messageID {
			continue
		}
		if m.Read {
			s.mu.Unlock()
			return true
		}
		m.Read = true
		if m.SenderID != s.selfID && conv.Unread > 0 {
			conv.Unread--
		}
		notify := s.bump()
		s.mu.Unlock()
		notify()
		return true
	}
	s.mu.Unlock()
	return false
}

// MarkAllRead flips every message in the conversation to read and resets
// unread to zero.
func (s *Store) MarkAllRead(target model.Target) {
	s.mu.Lock()
	conv, ok := s.convs[target.Key()]
	if !ok {
		s.mu.Unlock()
		return
	}
	for i := range conv.Messages {
		conv.Messages[i].Read = true
	}
	conv.Unread = 0
	notify := s.bump()
	s.mu.Unlock()
	notify()
}

// SetTyping sets the typing flag for a conversation. Idempotent; last
// value wins.
func (s *Store) SetTyping(target model.Target, typing bool) {
	s.mu.Lock()
	conv, ok := s.convs[target.Key()]
	if !ok || conv.Typing == typing {
		s.mu.Unlock()
		return
	}
	conv.Typing = typing
	notify := s.bump()
	s.mu.Unlock()
	notify()
}

// SetPresence updates the displayed presence on every open direct
// conversation whose peer is the given user. Idempotent.
func (s *Store) SetPresence(userID int64, status model.Presence) {
	s.mu.Lock()
	changed := false
	for _, conv := range s.convs {
		if conv.Target.Kind == model.TargetUser && conv.Target.ID == userID && conv.PeerStatus != status {
			conv.PeerStatus = status
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	notify := s.bump()
	s.mu.Unlock()
	notify()
}

// ---------------------------------------------------------------------------
// Aggregates
// ---------------------------------------------------------------------------

// TotalUnread recomputes the unread sum across all open sessions on every
// call. It is deliberately not cached incrementally, so it cannot drift
// from the per-conversation counters.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SumBy(lo.Values(s.convs), func(c *Conversation) int { return c.Unread })
}

// Targets returns the targets of every open session.
func (s *Store) Targets() []model.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(lo.Values(s.convs), func(c *Conversation, _ int) model.Target { return c.Target })
}
