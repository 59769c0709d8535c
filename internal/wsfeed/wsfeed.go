// Package wsfeed implements the WS session manager (C5): connect,
// (re)subscribe, heartbeat/pong, reconnect with backoff, and emission of
// typed stream events. It reuses the teacher's two-feed split (market
// channel unauthenticated by asset id, user channel authenticated by
// condition id) and its exponential-backoff reconnect loop, but routes
// every inbound frame through internal/decode against a shared
// internal/registry rather than unmarshaling into per-event-type structs
// and fanning out over typed channels.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polybook/internal/decode"
	"polybook/pkg/types"
)

const (
	baseBackoff      = time.Second      // initial reconnect delay
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout     = 10 * time.Second // deadline for outgoing frames
	eventBufferSize  = 4096             // Events channel depth
)

// ErrTransport wraps dial/read/write failures that trigger a reconnect.
var ErrTransport = errors.New("wsfeed: transport error")

// ChannelType selects which Polymarket WS channel a Session drives.
type ChannelType int

const (
	// ChannelMarket is the public channel: subscribes by asset (token) id,
	// carries book snapshots and price-change deltas.
	ChannelMarket ChannelType = iota
	// ChannelUser is the authenticated channel: subscribes by condition id,
	// carries trade fills and order lifecycle events.
	ChannelUser
)

func (c ChannelType) String() string {
	if c == ChannelUser {
		return "user"
	}
	return "market"
}

// State is the session's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Handshaking
	Streaming
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Streaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Authenticator supplies the L2 credentials used to authenticate the user
// channel's subscribe frame. internal/exchange.Auth satisfies this.
type Authenticator interface {
	WSAuthPayload() *types.WSAuth
}

// BookPrefetcher fetches a REST order-book snapshot for a single asset.
// internal/exchange.Client satisfies this. The market-channel session uses
// it to prefetch a starting book on (re)connect, before the server's first
// WS snapshot for that asset arrives.
type BookPrefetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// Session owns one WebSocket connection to a Polymarket data channel. It
// reconnects with exponential backoff, replays its full subscription set
// on every (re)connect, and decodes every inbound frame through its own
// decode.Decoder, publishing the resulting events on Events().
type Session struct {
	url     string
	channel ChannelType
	auth    Authenticator // nil for ChannelMarket
	decoder *decode.Decoder
	logger  *slog.Logger

	prefetcher BookPrefetcher // nil disables the reconnect book prefetch

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu  sync.RWMutex
	wanted map[string]struct{} // asset ids (market) or condition ids (user)

	pongMu         sync.Mutex
	pendingPong    []byte
	needsPongFlush atomic.Bool

	events chan decode.Event

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	errorsCount      atomic.Uint64
	reconnectCount   atomic.Uint64
	lastMessageTime  atomic.Int64 // unix micros
	connectedAt      atomic.Int64 // unix micros, 0 when not connected
}

// New creates a session for the market channel.
func New(wsURL string, decoder *decode.Decoder, logger *slog.Logger) *Session {
	return &Session{
		url:     wsURL,
		channel: ChannelMarket,
		decoder: decoder,
		wanted:  make(map[string]struct{}),
		events:  make(chan decode.Event, eventBufferSize),
		logger:  logger.With("component", "wsfeed", "channel", ChannelMarket.String()),
	}
}

// NewUserSession creates a session for the authenticated user channel.
func NewUserSession(wsURL string, auth Authenticator, decoder *decode.Decoder, logger *slog.Logger) *Session {
	return &Session{
		url:     wsURL,
		channel: ChannelUser,
		auth:    auth,
		decoder: decoder,
		wanted:  make(map[string]struct{}),
		events:  make(chan decode.Event, eventBufferSize),
		logger:  logger.With("component", "wsfeed", "channel", ChannelUser.String()),
	}
}

// SetBookPrefetcher installs a REST book prefetcher, used on the market
// channel only: after each (re)connect and subscribe, the session fetches a
// REST snapshot for every wanted asset id before processing server-sent WS
// messages for it, so a reconnect is never left with an empty book while
// waiting on the server's own first snapshot. A nil prefetcher (the
// default) disables this step.
func (s *Session) SetBookPrefetcher(p BookPrefetcher) {
	s.prefetcher = p
}

// Events returns the channel of decoded stream events. Consumers should
// drain it continuously: once the buffer is full, further events are
// dropped (and logged) rather than blocking the session's read loop.
func (s *Session) Events() <-chan decode.Event { return s.events }

// State returns the session's current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run connects and maintains the connection with auto-reconnect, replaying
// subscriptions on every (re)connect. It blocks until ctx is cancelled,
// which is not itself reported as an error.
func (s *Session) Run(ctx context.Context) error {
	backoff := baseBackoff

	for {
		err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			s.state.Store(int32(Disconnected))
			return nil
		}

		s.state.Store(int32(Disconnected))
		s.connectedAt.Store(0)
		s.errorsCount.Add(1)
		s.reconnectCount.Add(1)
		s.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles cur, capped at maxReconnectWait: 1s, 2s, 4s, ..., 30s.
func nextBackoff(cur time.Duration) time.Duration {
	cur *= 2
	if cur > maxReconnectWait {
		return maxReconnectWait
	}
	return cur
}

// Subscribe adds ids (asset ids for the market channel, condition ids for
// the user channel) to the wanted set and, if connected, sends a
// subscribe frame immediately. Subscribing is idempotent: an id already
// wanted is left out of the frame, and no frame is sent when every id is
// already wanted.
func (s *Session) Subscribe(ids []string) error {
	s.subMu.Lock()
	fresh := ids[:0:0]
	for _, id := range ids {
		if _, ok := s.wanted[id]; !ok {
			fresh = append(fresh, id)
		}
		s.wanted[id] = struct{}{}
	}
	s.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return s.sendFrame("subscribe", fresh)
}

// Unsubscribe removes ids from the wanted set and, if connected, sends an
// unsubscribe frame.
func (s *Session) Unsubscribe(ids []string) error {
	s.subMu.Lock()
	for _, id := range ids {
		delete(s.wanted, id)
	}
	s.subMu.Unlock()

	return s.sendFrame("unsubscribe", ids)
}

// WantedIDs returns the current subscription set (asset ids or condition
// ids, depending on the channel), replayed in full on every reconnect.
func (s *Session) WantedIDs() []string {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	ids := make([]string, 0, len(s.wanted))
	for id := range s.wanted {
		ids = append(ids, id)
	}
	return ids
}

// Counters is a point-in-time snapshot of the session's monotonic counters.
// Every field wraps arithmetically like its underlying atomic; consumers
// sample deltas rather than treating any single reading as absolute.
type Counters struct {
	MessagesReceived uint64
	MessagesSent     uint64
	Errors           uint64
	ReconnectCount   uint64
	LastMessageTime  int64
	ConnectionUptime time.Duration
}

// Counters returns a snapshot of the session's observability counters.
func (s *Session) Counters() Counters {
	c := Counters{
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		Errors:           s.errorsCount.Load(),
		ReconnectCount:   s.reconnectCount.Load(),
		LastMessageTime:  s.lastMessageTime.Load(),
	}
	if at := s.connectedAt.Load(); at != 0 {
		c.ConnectionUptime = time.Since(time.UnixMicro(at))
	}
	return c
}

// Close closes the underlying connection, if any, unblocking the current
// read and causing Run's loop to attempt a reconnect (or exit, if ctx is
// already cancelled).
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Session) connectAndStream(ctx context.Context) error {
	s.state.Store(int32(Handshaking))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.state.Store(int32(Disconnected))
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	conn.SetPingHandler(s.handlePing)

	if err := s.replaySubscriptions(); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrTransport, err)
	}

	if s.channel == ChannelMarket && s.prefetcher != nil {
		s.prefetchBooks(ctx)
	}

	s.connectedAt.Store(time.Now().UnixMicro())
	s.state.Store(int32(Streaming))
	s.logger.Info("websocket connected", "channel", s.channel.String())

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Retry any pong that could not be flushed inline from the ping
		// handler before blocking on the next read, per the pong policy:
		// queue-then-retry-flush-on-next-poll.
		s.flushPendingPong()

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}

		s.messagesReceived.Add(1)
		s.lastMessageTime.Store(time.Now().UnixMicro())

		events, _, err := s.decoder.Decode(msg)
		if err != nil {
			s.errorsCount.Add(1)
			if errors.Is(err, decode.ErrSemantic) {
				s.logger.Debug("decode error", "error", err, "preview", previewBytes(msg))
			} else {
				s.logger.Warn("decode error", "error", err, "preview", previewBytes(msg))
			}
			// A single bad message never tears down the session: emit a
			// heartbeat so downstream consumers still see forward progress.
			s.publish(decode.Event{Kind: decode.EventHeartbeat})
			continue
		}
		for _, ev := range events {
			s.publish(ev)
		}
	}
}

// prefetchBooks fetches a REST snapshot for every wanted asset id so the
// registry starts populated even if the server's first WS snapshot is
// delayed or dropped during the reconnect window. A per-asset failure is
// logged and skipped; the WS stream still catches that asset up once the
// server sends its own snapshot or deltas.
func (s *Session) prefetchBooks(ctx context.Context) {
	s.subMu.RLock()
	ids := make([]string, 0, len(s.wanted))
	for id := range s.wanted {
		ids = append(ids, id)
	}
	s.subMu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		resp, err := s.prefetcher.GetOrderBook(ctx, id)
		if err != nil {
			s.logger.Warn("book prefetch failed", "asset_id", id, "error", err)
			continue
		}
		if _, err := s.decoder.ApplyBookResponse(resp); err != nil {
			s.logger.Warn("book prefetch apply failed", "asset_id", id, "error", err)
		}
	}
}

func (s *Session) publish(ev decode.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("events channel full, dropping event", "kind", ev.Kind)
	}
}

// handlePing is installed as the gorilla/websocket PingHandler. It attempts
// to send the pong immediately; if the write would block or fails
// transiently, it queues the payload so the read loop retries the flush on
// its next poll rather than dropping the pong or blocking the receive path.
func (s *Session) handlePing(appData string) error {
	payload := []byte(appData)
	s.messagesReceived.Add(1)
	s.lastMessageTime.Store(time.Now().UnixMicro())

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteControl(websocket.PongMessage, payload, time.Now().Add(writeTimeout)); err != nil {
		s.pongMu.Lock()
		s.pendingPong = payload
		s.pongMu.Unlock()
		s.needsPongFlush.Store(true)
		return nil
	}
	return nil
}

func (s *Session) flushPendingPong() {
	if !s.needsPongFlush.Load() {
		return
	}

	s.pongMu.Lock()
	payload := s.pendingPong
	s.pongMu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteControl(websocket.PongMessage, payload, time.Now().Add(writeTimeout)); err != nil {
		s.logger.Warn("pong flush retry failed", "error", err)
		return
	}
	s.needsPongFlush.Store(false)
}

func (s *Session) replaySubscriptions() error {
	s.subMu.RLock()
	ids := make([]string, 0, len(s.wanted))
	for id := range s.wanted {
		ids = append(ids, id)
	}
	s.subMu.RUnlock()

	frame := types.SubscribeFrame{
		Type:        s.channel.String(),
		Operation:   "subscribe",
		InitialDump: true,
	}
	if s.channel == ChannelMarket {
		frame.AssetIDs = ids
	} else {
		frame.Markets = ids
		if s.auth != nil {
			frame.Auth = s.auth.WSAuthPayload()
		}
	}
	return s.writeJSON(frame)
}

func (s *Session) sendFrame(operation string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	frame := types.SubscribeFrame{
		Type:      s.channel.String(),
		Operation: operation,
	}
	if s.channel == ChannelMarket {
		frame.AssetIDs = ids
	} else {
		frame.Markets = ids
	}

	s.connMu.Lock()
	connected := s.conn != nil
	s.connMu.Unlock()
	if !connected {
		// Nothing to flush now; replaySubscriptions picks up the wanted
		// set (already updated by the caller) on the next connect.
		return nil
	}
	return s.writeJSON(frame)
}

func (s *Session) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return err
	}
	s.messagesSent.Add(1)
	return nil
}

func previewBytes(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}
