// Package wsfeed streams fill notifications from a venue's websocket into
// the executor's fill channel. The stream is advisory; order status polling
// remains the source of truth when the socket lags or drops.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const fillBuffer = 64

type fillMessage struct {
	Type     string `json:"type"`
	OrderID  string `json:"order_id"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

type Feed struct {
	venueName      string
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	fills chan venue.Fill
}

func New(venueName, url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Feed {
	return &Feed{
		venueName:      venueName,
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log.With(zap.String("venue", venueName)),
		fills:          make(chan venue.Fill, fillBuffer),
	}
}

func (f *Feed) Fills() <-chan venue.Fill { return f.fills }

// Run reads the stream until the context ends, reconnecting after errors.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("feed connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn("feed read loop ended, reconnecting", zap.Error(err))
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var msg fillMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Debug("unparseable feed message", zap.Error(err))
		return
	}
	if msg.Type != "fill" || msg.OrderID == "" {
		return
	}
	quantity, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		f.log.Debug("bad fill quantity", zap.String("quantity", msg.Quantity))
		return
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		price = decimal.Zero
	}
	fill := venue.Fill{Venue: f.venueName, OrderID: msg.OrderID, Quantity: quantity, Price: price}
	select {
	case f.fills <- fill:
	default:
		f.log.Warn("fill channel full, dropping notification", zap.String("order_id", msg.OrderID))
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

var pingMessage = []byte(`{"method":"ping"}`)

// Client decorates a venue adapter with the feed's push notifications so the
// executor can race them against status polls.
type Client struct {
	venue.Client
	feed *Feed
}

func Wrap(client venue.Client, feed *Feed) *Client {
	return &Client{Client: client, feed: feed}
}

func (c *Client) Fills() <-chan venue.Fill { return c.feed.Fills() }
