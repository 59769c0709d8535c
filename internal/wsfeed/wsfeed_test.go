package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polybook/internal/decode"
	"polybook/internal/registry"
	"polybook/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestSession(t *testing.T, url string) (*Session, *registry.Registry) {
	t.Helper()
	reg := registry.New(0)
	d := decode.New(reg)
	return New(url, d, discardLogger()), reg
}

func TestSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, "ws://unused.invalid")
	if err := s.Subscribe([]string{"1", "2"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Subscribe([]string{"2", "3"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ids := s.WantedIDs()
	want := map[string]bool{"1": true, "2": true, "3": true}
	if len(ids) != len(want) {
		t.Fatalf("WantedIDs() = %v, want 3 entries", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected wanted id %q", id)
		}
	}
}

func TestUnsubscribeRemovesFromWantedSet(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, "ws://unused.invalid")
	s.Subscribe([]string{"1", "2", "3"})
	s.Unsubscribe([]string{"2"})

	ids := s.WantedIDs()
	for _, id := range ids {
		if id == "2" {
			t.Fatal("asset 2 should have been removed from the wanted set")
		}
	}
	if len(ids) != 2 {
		t.Fatalf("len(WantedIDs()) = %d, want 2", len(ids))
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	cur := baseBackoff
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, maxReconnectWait, maxReconnectWait}
	for i, w := range want {
		cur = nextBackoff(cur)
		if cur != w {
			t.Fatalf("step %d: nextBackoff = %v, want %v", i, cur, w)
		}
	}
}

func TestConnectFailureReturnsTransportError(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, "ws://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.connectAndStream(ctx)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want an ErrTransport dial error against an unreachable address", err)
	}
	if s.State() != Disconnected {
		t.Errorf("State() = %v, want Disconnected after a failed connect", s.State())
	}
}

// mockServer upgrades every incoming request and hands the server-side
// connection to handler, run in its own goroutine.
func mockServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Scenario 6: 1000 book deltas followed by a ping. All 1000 are applied in
// order, the pong is flushed, and messages_received ends at 1001.
func TestPingPongDuringBurst(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	wg.Add(1)
	srv := mockServer(t, func(conn *websocket.Conn) {
		defer wg.Done()
		defer conn.Close()

		// Seed a snapshot so subsequent deltas resolve against an existing
		// book, then stream 999 more deltas at increasing sequence/price.
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"event_type":"book","asset_id":"123","timestamp":"1","bids":[{"price":"0.5000","size":"1"}]}`))
		for i := 2; i <= 1000; i++ {
			msg := fmt.Sprintf(
				`{"event_type":"price_change","asset_id":"123","timestamp":"%d","changes":[{"price":"0.5000","side":"BUY","size":"%d"}]}`,
				i, i)
			conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))

		// Drain the pong from the client so the handshake completes
		// cleanly, then idle until the test cancels the context.
		conn.SetPongHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, reg := newTestSession(t, wsURL(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		for range s.Events() {
		}
	}()

	done := make(chan struct{})
	go func() {
		s.connectAndStream(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		b, ok := reg.Get("123")
		if ok && b.Sequence() == 1000 {
			break
		}
		select {
		case <-deadline:
			seq := uint64(0)
			if b != nil {
				seq = b.Sequence()
			}
			t.Fatalf("book did not reach sequence 1000 in time (got %d)", seq)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The ping is a control frame gorilla/websocket dispatches internally
	// rather than returning from ReadMessage; it still counts as a received
	// message, bringing the total to 1000 deltas + 1 ping = 1001.
	var counters Counters
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); {
		counters = s.Counters()
		if counters.MessagesReceived == 1001 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if counters.MessagesReceived != 1001 {
		t.Errorf("MessagesReceived = %d, want 1001", counters.MessagesReceived)
	}

	cancel()
	s.Close()
	<-done
	wg.Wait()
}

// fakePrefetcher serves a fixed book snapshot for any requested asset id.
type fakePrefetcher struct {
	resp *types.BookResponse
	got  chan string
}

func (f *fakePrefetcher) GetOrderBook(_ context.Context, tokenID string) (*types.BookResponse, error) {
	f.got <- tokenID
	r := *f.resp
	r.AssetID = tokenID
	return &r, nil
}

// A reconnecting market-channel session with a BookPrefetcher installed
// populates the registry from the REST snapshot before the server sends
// anything over the WS connection itself.
func TestPrefetchesBookOnConnectBeforeServerSnapshot(t *testing.T) {
	t.Parallel()

	srv := mockServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, reg := newTestSession(t, wsURL(srv))
	s.Subscribe([]string{"123"})

	fp := &fakePrefetcher{
		got: make(chan string, 1),
		resp: &types.BookResponse{
			Timestamp: "7",
			Hash:      "prefetched",
			Bids:      []types.PriceLevel{{Price: "0.4000", Size: "10"}},
			Asks:      []types.PriceLevel{{Price: "0.6000", Size: "10"}},
		},
	}
	s.SetBookPrefetcher(fp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.connectAndStream(ctx)
		close(done)
	}()

	select {
	case tokenID := <-fp.got:
		if tokenID != "123" {
			t.Errorf("prefetched asset id = %q, want 123", tokenID)
		}
	case <-time.After(time.Second):
		t.Fatal("prefetcher was never called")
	}

	deadline := time.After(time.Second)
	for {
		if b, ok := reg.Get("123"); ok && b.Hash() == "prefetched" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("registry was not populated from the prefetched book")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	s.Close()
	<-done
}

func TestClosedSessionStopsStreaming(t *testing.T) {
	t.Parallel()

	srv := mockServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, _ := newTestSession(t, wsURL(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.connectAndStream(ctx) }()

	// Give the dial/handshake a moment before closing.
	time.Sleep(100 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected connectAndStream to return an error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connectAndStream did not return after Close")
	}
}
