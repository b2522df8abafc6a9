// Package transport owns the single bidirectional socket to the chat server.
// It handles connect/disconnect, an application-level heartbeat, and
// exponential-backoff reconnection after abnormal closes, and delivers
// inbound frames and lifecycle events on one channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cereals/chat-client/internal/metrics"
	"github.com/cereals/chat-client/internal/protocol"
)

// ---------------------------------------------------------------------------
// States and events
// ---------------------------------------------------------------------------

// State is the link's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	// StateFailed is terminal: the reconnection attempt cap was exhausted
	// and the caller must initiate a fresh Connect.
	StateFailed
)

// String returns a short name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind discriminates the events the link emits.
type EventKind int

const (
	// EventFrame carries one inbound frame.
	EventFrame EventKind = iota + 1
	// EventClosed reports that the socket closed, with code and reason.
	EventClosed
	// EventState reports a state transition.
	EventState
)

// Event is one item on the link's event stream.
type Event struct {
	Kind   EventKind
	Frame  []byte
	Code   int
	Reason string
	State  State
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds link tuning parameters.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration // how often to send a ping frame
	BackoffBase          time.Duration // first reconnect delay
	MaxReconnectAttempts int           // reconnects before StateFailed
	DialTimeout          time.Duration
}

// DefaultConfig returns sensible defaults for the link.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		BackoffBase:          1 * time.Second,
		MaxReconnectAttempts: 5,
		DialTimeout:          10 * time.Second,
	}
}

// Dialer establishes the socket. The returned net.Conn must already have
// completed the upgrade handshake. Replaceable for tests.
type Dialer func(ctx context.Context, rawURL, credential string) (net.Conn, error)

// defaultDialer dials with gobwas/ws, passing the credential as a token
// query parameter.
func defaultDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, rawURL, credential string) (net.Conn, error) {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		d := ws.Dialer{Timeout: timeout}
		conn, _, _, err := d.Dial(ctx, rawURL+sep+"token="+url.QueryEscape(credential))
		return conn, err
	}
}

// ---------------------------------------------------------------------------
// Link
// ---------------------------------------------------------------------------

// Link is the client's one socket connection to the server.
//
// State machine: Idle -> Connecting -> Open -> (Closing | Reconnecting)
// -> Idle | Open, with terminal Failed after the reconnect cap. Only one
// connect attempt is ever in flight; Connect while connecting or open is a
// no-op. Disconnect is idempotent and cancels heartbeat and backoff timers
// before returning.
type Link struct {
	cfg    Config
	dialer Dialer
	events chan Event

	mu             sync.Mutex
	state          State
	conn           net.Conn
	gen            uint64 // connection generation, guards stale read loops
	credential     string
	closeRequested bool
	recon          *backoff
	backoffTimer   *time.Timer
	hbStop         chan struct{}

	writeMu sync.Mutex // serializes outbound frames
}

// NewLink creates a link for the given config. No connection is made until
// Connect is called.
func NewLink(cfg Config) *Link {
	return &Link{
		cfg:    cfg,
		dialer: defaultDialer(cfg.DialTimeout),
		events: make(chan Event, 256),
		recon:  newBackoff(cfg.BackoffBase, cfg.MaxReconnectAttempts),
	}
}

// SetDialer replaces the dial function. Must be called before Connect.
func (l *Link) SetDialer(d Dialer) { l.dialer = d }

// Events returns the inbound event stream. The channel is never closed;
// consumers stop by their own lifecycle.
func (l *Link) Events() <-chan Event { return l.events }

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect establishes the socket using the given credential. It refuses
// with ConnectError{ReasonNoCredential} when the credential is empty, and
// is a no-op when a connect is already in flight or the link is open.
func (l *Link) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return &ConnectError{Reason: ReasonNoCredential}
	}

	l.mu.Lock()
	if l.state == StateConnecting || l.state == StateOpen || l.state == StateReconnecting {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.closeRequested = false
	l.credential = credential
	l.recon.reset()
	l.mu.Unlock()
	l.emitState(StateConnecting)

	if err := l.dial(ctx); err != nil {
		l.setState(StateIdle)
		return err
	}
	return nil
}

// dial performs one connection attempt using the stored credential and, on
// success, starts the read loop and heartbeat for the new connection.
func (l *Link) dial(ctx context.Context) error {
	l.mu.Lock()
	cred := l.credential
	l.mu.Unlock()

	conn, err := l.dialer(ctx, l.cfg.URL, cred)
	if err != nil {
		var se ws.StatusError
		if errors.As(err, &se) {
			return &ConnectError{Reason: ReasonHandshakeRejected, Err: err}
		}
		return &ConnectError{Reason: ReasonNetworkUnreachable, Err: err}
	}

	l.mu.Lock()
	// A Disconnect issued while the dial was in flight wins: the late
	// connection is discarded, never installed.
	if l.closeRequested {
		l.mu.Unlock()
		conn.Close()
		return nil
	}
	l.gen++
	gen := l.gen
	l.conn = conn
	l.state = StateOpen
	l.recon.reset()
	hbStop := make(chan struct{})
	l.hbStop = hbStop
	l.mu.Unlock()

	metrics.Connects.Inc()
	l.emitState(StateOpen)

	go l.readLoop(conn, gen)
	go l.heartbeat(conn, hbStop)
	return nil
}

// Send writes one frame to the socket. The write mutex ensures concurrent
// senders do not interleave frame bytes.
func (l *Link) Send(frame []byte) error {
	l.mu.Lock()
	conn := l.conn
	open := l.state == StateOpen
	l.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, frame); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	metrics.FramesSent.Inc()
	return nil
}

// Disconnect closes the link. It passes through Closing during teardown,
// always ends in Idle, cancels any pending heartbeat or backoff timer
// before returning, and is safe to call repeatedly and from any state.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.closeRequested = true
	if l.backoffTimer != nil {
		l.backoffTimer.Stop()
		l.backoffTimer = nil
	}
	if l.hbStop != nil {
		close(l.hbStop)
		l.hbStop = nil
	}
	conn := l.conn
	l.conn = nil
	prev := l.state
	if prev == StateIdle || prev == StateClosing {
		l.recon.reset()
		l.mu.Unlock()
		return
	}
	l.state = StateClosing
	l.recon.reset()
	l.mu.Unlock()

	l.emitState(StateClosing)
	if conn != nil {
		l.writeMu.Lock()
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		l.writeMu.Unlock()
		conn.Close()
	}
	l.setState(StateIdle)
}

// ---------------------------------------------------------------------------
// Read loop and close handling
// ---------------------------------------------------------------------------

// readLoop reads frames from one connection until it fails, then hands the
// failure to close handling. The generation check keeps a stale loop from a
// replaced connection from interfering with the current one.
func (l *Link) readLoop(conn net.Conn, gen uint64) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			code, reason := closeInfo(err)
			l.handleClose(conn, gen, code, reason)
			return
		}
		metrics.FramesReceived.Inc()
		l.emit(Event{Kind: EventFrame, Frame: data})
	}
}

// closeInfo extracts the close code and reason from a read error. Plain
// network errors carry no code and are treated as abnormal closes.
func closeInfo(err error) (int, string) {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return 0, err.Error()
}

// handleClose runs once per connection teardown. A close the caller asked
// for, or a normal-closure code from the server, ends in Idle; anything
// else schedules a reconnect.
func (l *Link) handleClose(conn net.Conn, gen uint64, code int, reason string) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	if l.hbStop != nil {
		close(l.hbStop)
		l.hbStop = nil
	}
	requested := l.closeRequested
	l.mu.Unlock()
	conn.Close()

	l.emit(Event{Kind: EventClosed, Code: code, Reason: reason})

	if requested || code == int(ws.StatusNormalClosure) {
		l.setState(StateIdle)
		return
	}

	log.Printf("transport: abnormal close code=%d reason=%q", code, reason)
	l.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or moves
// the link to the terminal Failed state when the cap is exhausted.
func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	if l.closeRequested {
		l.mu.Unlock()
		return
	}
	delay, ok := l.recon.next()
	if !ok {
		l.state = StateFailed
		l.mu.Unlock()
		log.Printf("transport: reconnect attempts exhausted (%d), giving up", l.cfg.MaxReconnectAttempts)
		l.emitState(StateFailed)
		return
	}
	attempt := l.recon.current()
	l.state = StateReconnecting
	l.backoffTimer = time.AfterFunc(delay, l.retry)
	l.mu.Unlock()

	metrics.Reconnects.Inc()
	log.Printf("transport: reconnect attempt %d/%d in %s", attempt, l.cfg.MaxReconnectAttempts, delay)
	l.emitState(StateReconnecting)
}

// retry is the backoff timer callback: it performs one reconnect attempt
// and, on failure, schedules the next.
func (l *Link) retry() {
	l.mu.Lock()
	if l.closeRequested || l.state != StateReconnecting {
		l.mu.Unlock()
		return
	}
	l.backoffTimer = nil
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DialTimeout)
	defer cancel()
	if err := l.dial(ctx); err != nil {
		log.Printf("transport: reconnect failed: %v", err)
		l.scheduleReconnect()
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

// heartbeat sends a ping frame at the configured interval. Pong absence is
// not enforced here (liveness is server-driven); a send failure forces the
// connection closed so the read loop runs the usual close handling.
func (l *Link) heartbeat(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, err := protocol.NewClientFrame(protocol.TypePing, nil)
			if err != nil {
				log.Printf("transport: failed to build ping: %v", err)
				continue
			}
			if err := l.Send(frame); err != nil {
				log.Printf("transport: heartbeat send failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Event emission
// ---------------------------------------------------------------------------

// emit delivers an event without blocking the socket goroutines. A full
// buffer drops the event; the engine drains continuously so this only
// happens when the consumer is gone.
func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		log.Printf("transport: event buffer full, dropping %d", ev.Kind)
	}
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed {
		l.emitState(s)
	}
}

func (l *Link) emitState(s State) {
	l.emit(Event{Kind: EventState, State: s})
}
