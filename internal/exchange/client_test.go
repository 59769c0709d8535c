package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"polybook/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := config.Config{API: config.APIConfig{CLOBBaseURL: baseURL}}
	auth, err := NewAuth(testAuthConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return NewClient(cfg, auth, testLogger())
}

func TestGetOrderBook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token_id") != "tok1" {
			t.Errorf("token_id query param = %q, want tok1", r.URL.Query().Get("token_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"market": "0xabc", "asset_id": "tok1",
			"bids": [{"price":"0.4000","size":"10"}],
			"asks": [{"price":"0.6000","size":"10"}],
			"hash": "h1", "timestamp": "1700000000000"
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	book, err := c.GetOrderBook(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if book.AssetID != "tok1" || len(book.Bids) != 1 || book.Bids[0].Price != "0.4000" {
		t.Errorf("book = %+v", book)
	}
}

func TestGetOrderBookNon200IsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.http.SetRetryCount(0)
	if _, err := c.GetOrderBook(context.Background(), "tok1"); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestGetServerTime(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1700000000")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ts, err := c.GetServerTime(context.Background())
	if err != nil {
		t.Fatalf("GetServerTime: %v", err)
	}
	if ts != 1700000000 {
		t.Errorf("GetServerTime() = %d, want 1700000000", ts)
	}
}

func TestDeriveAPIKeySetsCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("POLY_ADDRESS") == "" {
			t.Error("expected L1 POLY_ADDRESS header on derive-api-key request")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"apiKey":"derived-key","secret":"derived-secret","passphrase":"derived-pass"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	creds, err := c.DeriveAPIKey(context.Background())
	if err != nil {
		t.Fatalf("DeriveAPIKey: %v", err)
	}
	if creds.ApiKey != "derived-key" {
		t.Errorf("ApiKey = %q, want derived-key", creds.ApiKey)
	}
	if c.auth.WSAuthPayload().APIKey != "derived-key" {
		t.Error("DeriveAPIKey should update auth's credentials used for WSAuthPayload")
	}
}
