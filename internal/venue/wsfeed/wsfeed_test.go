package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func feedServer(t *testing.T, ctx context.Context, payloads []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for _, payload := range payloads {
			if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
}

func TestFeedEmitsFills(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	server := feedServer(t, ctx, []string{
		`{"type":"fill","order_id":"o-1","quantity":"0.1","price":"50000"}`,
		`{"type":"heartbeat"}`,
		`{"type":"fill","order_id":"o-2","quantity":"not a number"}`,
		`{"type":"fill","order_id":"o-3","quantity":"0.2","price":"50001"}`,
	})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := New("mkr", wsURL, 10*time.Millisecond, 0, zap.NewNop())
	go func() { _ = feed.Run(ctx) }()

	first := <-feed.Fills()
	if first.OrderID != "o-1" || !first.Quantity.Equal(decimal.NewFromFloat(0.1)) || first.Venue != "mkr" {
		t.Fatalf("unexpected fill %+v", first)
	}
	// Heartbeats and malformed fills are skipped.
	second := <-feed.Fills()
	if second.OrderID != "o-3" {
		t.Fatalf("expected o-3 next, got %+v", second)
	}
}

func TestFeedSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pinged := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if strings.Contains(string(data), "ping") {
				select {
				case pinged <- struct{}{}:
				default:
				}
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := New("mkr", wsURL, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	go func() { _ = feed.Run(ctx) }()

	select {
	case <-pinged:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
}
