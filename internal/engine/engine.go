// Package engine is the sync coordinator. It sits between the realtime
// link, the REST client, the durable cache, and the session store, and
// keeps them consistent: inbound frames are classified and applied in
// arrival order, conversation opens hydrate from the network with a cache
// fallback, and sends are optimistic with an atomic identifier rebind on
// confirmation. The server is authoritative; whatever it says last wins.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cereals/chat-client/internal/api"
	"github.com/cereals/chat-client/internal/cache"
	"github.com/cereals/chat-client/internal/metrics"
	"github.com/cereals/chat-client/internal/model"
	"github.com/cereals/chat-client/internal/notify"
	"github.com/cereals/chat-client/internal/protocol"
	"github.com/cereals/chat-client/internal/session"
	"github.com/cereals/chat-client/internal/transport"
)

// ---------------------------------------------------------------------------
// Send errors
// ---------------------------------------------------------------------------

// SendReason classifies why a send failed.
type SendReason int

const (
	// SendTimeout: no confirmation arrived within the send budget.
	SendTimeout SendReason = iota + 1
	// SendRejected: the server refused the message.
	SendRejected
)

// String returns a short name for the reason.
func (r SendReason) String() string {
	switch r {
	case SendTimeout:
		return "timeout"
	case SendRejected:
		return "rejected"
	default:
		return fmt.Sprintf("SendReason(%d)", int(r))
	}
}

// SendError reports a failed send. It carries the original content so the
// caller can offer a retry without the user retyping anything; the
// provisional entry has already been removed from the session by the time
// this error is returned.
type SendError struct {
	Reason SendReason
	Target model.Target
	Body   string
	Err    error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("engine: send to %s failed (%s): %v", e.Target.Key(), e.Reason, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SendError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// API is the slice of the REST client the engine uses.
type API interface {
	FetchContacts(ctx context.Context) ([]model.Contact, error)
	FetchGroups(ctx context.Context) ([]model.Group, error)
	FetchConversationPage(ctx context.Context, target model.Target, page, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, target model.Target, body string, kind model.ContentKind, localID string) (model.Message, error)
	MarkRead(ctx context.Context, messageID int64) error
	MarkAllRead(ctx context.Context, target model.Target) error
	UpdatePresence(ctx context.Context, status model.Presence) error
}

// Link is the slice of the transport link the engine uses.
type Link interface {
	Send(frame []byte) error
	Events() <-chan transport.Event
	Disconnect()
}

// Auth is the slice of the auth manager the engine uses.
type Auth interface {
	Refresh(ctx context.Context) error
	Logout(ctx context.Context)
}

// Config holds engine tuning parameters.
type Config struct {
	SendTimeout time.Duration // budget for one send round trip
	PageSize    int           // messages per hydration page
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine is the sync coordinator.
type Engine struct {
	store    *session.Store
	cache    *cache.Cache
	api      API
	link     Link
	auth     Auth
	notifier notify.Notifier
	cfg      Config
}

// New creates an engine over the given collaborators.
func New(store *session.Store, c *cache.Cache, a API, l Link, auth Auth, n notify.Notifier, cfg Config) *Engine {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Engine{
		store:    store,
		cache:    c,
		api:      a,
		link:     l,
		auth:     auth,
		notifier: n,
		cfg:      cfg,
	}
}

// Run consumes the link's event stream until the context is canceled.
// Frames are applied one at a time on this goroutine, so two frames with
// the same timestamp land in the order the socket delivered them.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.link.Events():
			switch ev.Kind {
			case transport.EventFrame:
				e.handleFrame(ev.Frame)
			case transport.EventState:
				e.store.SetConnected(ev.State == transport.StateOpen)
			case transport.EventClosed:
				// State events carry the consequences; nothing to do here.
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

// handleFrame classifies one inbound frame and applies it to the session
// store and the cache.
func (e *Engine) handleFrame(frame []byte) {
	frameType, payload, err := protocol.ParseServerFrame(frame)
	if err != nil {
		log.Printf("engine: dropping frame: %v", err)
		return
	}
	metrics.InboundFrames.WithLabelValues(frameType).Inc()

	switch d := payload.(type) {
	case protocol.MessageData:
		e.applyMessage(d)
	case protocol.TypingData:
		e.store.SetTyping(d.Target, d.IsTyping)
	case protocol.ReadReceiptData:
		e.store.MarkRead(d.Target, d.MessageID)
		if err := e.cache.MarkRead(d.Target, d.MessageID); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			log.Printf("engine: failed to persist read receipt: %v", err)
		}
		metrics.UnreadTotal.Set(float64(e.store.TotalUnread()))
	case protocol.UserStatusData:
		e.store.SetPresence(d.UserID, d.Status)
		if err := e.cache.SetUserStatus(d.UserID, d.Status); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			log.Printf("engine: failed to persist presence: %v", err)
		}
	case protocol.PongData:
		// Heartbeat reply; liveness is handled at the transport.
	}
}

// applyMessage handles one inbound chat message. A self-authored frame
// carrying a local ID is the echo of an in-flight send and rebinds the
// provisional entry instead of appending; everything else is appended to
// the session (when one is open) and always written to the cache, so a
// conversation hydrated later still sees messages that arrived while it
// had no session.
func (e *Engine) applyMessage(d protocol.MessageData) {
	m := d.Message()
	self := m.SenderID == e.store.SelfID()

	if self && m.LocalID != "" {
		if e.store.RebindMessage(m.Target, m.LocalID, m.ID, m.Timestamp) {
			e.persistMessage(m)
			return
		}
	}
	if self {
		m.Read = true
	}

	e.store.AppendMessage(m)
	e.persistMessage(m)

	if !self && e.notifier != nil {
		sender := model.User{ID: m.SenderID}
		if u, err := e.cache.User(m.SenderID); err == nil {
			sender = u
		}
		e.notifier.Notify(sender, m)
	}
	metrics.UnreadTotal.Set(float64(e.store.TotalUnread()))
}

// persistMessage writes one message to the cache, tolerating degraded mode.
func (e *Engine) persistMessage(m model.Message) {
	if err := e.cache.UpsertMessage(m); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		log.Printf("engine: failed to persist message %d: %v", m.ID, err)
	}
}

// ---------------------------------------------------------------------------
// Conversation open and hydration
// ---------------------------------------------------------------------------

// SetActiveConversation marks a conversation active, hydrating it first if
// no session exists. Opening a direct conversation marks it fully read
// locally, in the cache, and on the server.
func (e *Engine) SetActiveConversation(ctx context.Context, target model.Target) (session.Conversation, error) {
	conv, ok := e.store.Snapshot(target)
	if !ok {
		var err error
		conv, err = e.hydrate(ctx, target)
		if err != nil {
			return session.Conversation{}, err
		}
	}
	e.store.SetActive(target)

	if target.Kind == model.TargetUser {
		e.store.MarkAllRead(target)
		if err := e.cache.MarkAllRead(target); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			log.Printf("engine: failed to persist mark-all-read: %v", err)
		}
		if err := e.withAuthRetry(ctx, func() error { return e.api.MarkAllRead(ctx, target) }); err != nil {
			log.Printf("engine: failed to report mark-all-read: %v", err)
		}
		metrics.UnreadTotal.Set(float64(e.store.TotalUnread()))
		conv, _ = e.store.Snapshot(target)
	}
	return conv, nil
}

// hydrate builds the session for a conversation: the network page is the
// source of truth, the cache stands in when the network fails, and a
// degraded client still gets a valid empty session. Fetched pages are
// persisted so the cache converges on the server's view.
func (e *Engine) hydrate(ctx context.Context, target model.Target) (session.Conversation, error) {
	var msgs []model.Message
	err := e.withAuthRetry(ctx, func() error {
		var ferr error
		msgs, ferr = e.api.FetchConversationPage(ctx, target, 1, e.cfg.PageSize)
		return ferr
	})
	if err == nil {
		for _, m := range msgs {
			e.persistMessage(m)
		}
		metrics.HydrationsTotal.WithLabelValues("network").Inc()
		return e.store.Hydrate(target, reverse(msgs)), nil
	}
	if errors.Is(err, api.ErrAuthExpired) {
		return session.Conversation{}, err
	}
	log.Printf("engine: network hydration for %s failed, trying cache: %v", target.Key(), err)

	cached, cerr := e.cache.MessagesPage(target, e.cfg.PageSize, 0)
	if cerr == nil {
		metrics.HydrationsTotal.WithLabelValues("cache").Inc()
		return e.store.Hydrate(target, reverse(cached)), nil
	}
	if !errors.Is(cerr, cache.ErrUnavailable) {
		log.Printf("engine: cache hydration for %s failed: %v", target.Key(), cerr)
	}

	metrics.HydrationsTotal.WithLabelValues("empty").Inc()
	return e.store.Hydrate(target, nil), nil
}

// reverse flips a newest-first page into the oldest-first order the
// session store keeps.
func reverse(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// ---------------------------------------------------------------------------
// Outbound sends
// ---------------------------------------------------------------------------

// Send submits a message optimistically: a provisional entry appears in
// the session immediately and is atomically rebound to the server
// identifier on confirmation. On failure the provisional entry is removed
// and the returned *SendError carries the content for retry.
func (e *Engine) Send(ctx context.Context, target model.Target, body string, kind model.ContentKind) error {
	if kind == "" {
		kind = model.ContentText
	}
	localID := uuid.NewString()
	provisional := model.Message{
		LocalID:   localID,
		SenderID:  e.store.SelfID(),
		Target:    target,
		Body:      body,
		Kind:      kind,
		Timestamp: time.Now(),
		Read:      true,
		Pending:   true,
	}
	// A blind send still hydrates the conversation for real; an empty
	// placeholder session would block every later hydration of its history.
	if !e.store.Has(target) {
		if _, err := e.hydrate(ctx, target); err != nil {
			return err
		}
	}
	e.store.AppendMessage(provisional)

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	var confirmed model.Message
	err := e.withAuthRetry(sendCtx, func() error {
		var serr error
		confirmed, serr = e.api.SendMessage(sendCtx, target, body, kind, localID)
		return serr
	})
	if err != nil {
		removed, _ := e.store.RemoveLocal(target, localID)
		reason := SendRejected
		if errors.Is(err, context.DeadlineExceeded) {
			reason = SendTimeout
		}
		metrics.SendsTotal.WithLabelValues(reason.String()).Inc()
		if removed.Body == "" {
			removed.Body = body
		}
		return &SendError{Reason: reason, Target: target, Body: removed.Body, Err: err}
	}

	// The confirmation may already have landed through the socket echo; the
	// rebind is idempotent either way.
	e.store.RebindMessage(target, localID, confirmed.ID, confirmed.Timestamp)
	confirmed.LocalID = localID
	confirmed.Read = true
	e.persistMessage(confirmed)
	metrics.SendsTotal.WithLabelValues("confirmed").Inc()
	return nil
}

// ---------------------------------------------------------------------------
// Read state and presence
// ---------------------------------------------------------------------------

// MarkRead marks one message read locally, in the cache, and on the server.
func (e *Engine) MarkRead(ctx context.Context, target model.Target, messageID int64) error {
	e.store.MarkRead(target, messageID)
	if err := e.cache.MarkRead(target, messageID); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		log.Printf("engine: failed to persist read flag: %v", err)
	}
	metrics.UnreadTotal.Set(float64(e.store.TotalUnread()))
	return e.withAuthRetry(ctx, func() error { return e.api.MarkRead(ctx, messageID) })
}

// MarkAllRead marks a conversation read locally, in the cache, and on the
// server.
func (e *Engine) MarkAllRead(ctx context.Context, target model.Target) error {
	e.store.MarkAllRead(target)
	if err := e.cache.MarkAllRead(target); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		log.Printf("engine: failed to persist mark-all-read: %v", err)
	}
	metrics.UnreadTotal.Set(float64(e.store.TotalUnread()))
	return e.withAuthRetry(ctx, func() error { return e.api.MarkAllRead(ctx, target) })
}

// SetTyping tells the server the local user's typing state. Best effort;
// a closed socket is not an error worth surfacing.
func (e *Engine) SetTyping(target model.Target, typing bool) {
	frame, err := protocol.NewClientFrame(protocol.TypeTyping, protocol.ClientTypingData{
		Target:   target,
		IsTyping: typing,
	})
	if err != nil {
		log.Printf("engine: failed to build typing frame: %v", err)
		return
	}
	if err := e.link.Send(frame); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		log.Printf("engine: failed to send typing frame: %v", err)
	}
}

// UpdatePresence publishes the local user's presence.
func (e *Engine) UpdatePresence(ctx context.Context, status model.Presence) error {
	return e.withAuthRetry(ctx, func() error { return e.api.UpdatePresence(ctx, status) })
}

// ---------------------------------------------------------------------------
// Directory refresh
// ---------------------------------------------------------------------------

// RefreshContacts fetches the contact list, persists it, and applies the
// server's presence view to open conversations. Remote state wins over
// whatever the client believed.
func (e *Engine) RefreshContacts(ctx context.Context) ([]model.Contact, error) {
	var contacts []model.Contact
	err := e.withAuthRetry(ctx, func() error {
		var ferr error
		contacts, ferr = e.api.FetchContacts(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	for _, ct := range contacts {
		if cerr := e.cache.UpsertContact(ct); cerr != nil && !errors.Is(cerr, cache.ErrUnavailable) {
			log.Printf("engine: failed to persist contact %d: %v", ct.Peer.ID, cerr)
		}
		e.store.SetPresence(ct.Peer.ID, ct.Peer.Status)
	}
	return contacts, nil
}

// RefreshGroups fetches and persists the group list.
func (e *Engine) RefreshGroups(ctx context.Context) ([]model.Group, error) {
	var groups []model.Group
	err := e.withAuthRetry(ctx, func() error {
		var ferr error
		groups, ferr = e.api.FetchGroups(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if cerr := e.cache.UpsertGroup(g); cerr != nil && !errors.Is(cerr, cache.ErrUnavailable) {
			log.Printf("engine: failed to persist group %d: %v", g.ID, cerr)
		}
	}
	return groups, nil
}

// ---------------------------------------------------------------------------
// Auth recovery
// ---------------------------------------------------------------------------

// withAuthRetry runs fn and, when it fails with an expired credential,
// performs exactly one token refresh and one retry. A failed refresh signs
// the client out fail-closed and returns the original error.
func (e *Engine) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, api.ErrAuthExpired) {
		return err
	}
	if rerr := e.auth.Refresh(ctx); rerr != nil {
		log.Printf("engine: token refresh failed, signing out: %v", rerr)
		e.Logout(ctx)
		return err
	}
	return fn()
}

// Logout signs the client out fail-closed: the socket drops, the auth
// session and cache are erased, and the in-memory session state resets.
func (e *Engine) Logout(ctx context.Context) {
	e.link.Disconnect()
	e.auth.Logout(ctx)
	e.store.Reset()
	metrics.UnreadTotal.Set(0)
}
