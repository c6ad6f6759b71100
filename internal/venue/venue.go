// Package venue defines the contract every exchange adapter must satisfy.
// The hedge engine never talks to an exchange except through this interface;
// the exchange is always the source of truth for positions and order state.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrOrderNotFound = errors.New("order not found")

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether an order can no longer change state.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderAck is the immediate response to a placement request.
type OrderAck struct {
	OrderID string
	Price   decimal.Decimal
}

type OrderInfo struct {
	OrderID  string
	Side     OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Status   OrderStatus
}

// Fill is a push notification for an executed (partial) fill.
type Fill struct {
	Venue    string
	OrderID  string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Client is the per-venue adapter contract. Implementations own their
// connection exclusively; the executor serializes order placement on top.
type Client interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// PlaceMakerOrder submits a post-only limit order at the given price.
	PlaceMakerOrder(ctx context.Context, side OrderSide, quantity, price decimal.Decimal) (OrderAck, error)
	// PlaceTakerOrder submits an aggressively priced order expected to fill
	// immediately.
	PlaceTakerOrder(ctx context.Context, side OrderSide, quantity decimal.Decimal) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	CancelAllOrders(ctx context.Context) (int, error)

	ActiveOrders(ctx context.Context) ([]OrderInfo, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	// AccountPosition returns the signed position size: positive long,
	// negative short.
	AccountPosition(ctx context.Context) (decimal.Decimal, error)
	BestBidAsk(ctx context.Context) (bid, ask decimal.Decimal, err error)

	FundingRate(ctx context.Context) (decimal.Decimal, error)
	FundingIntervalHours() int
	TickSize() decimal.Decimal
}

// FillSource is implemented by venues that push fill notifications. The
// executor treats the stream as a hint only and always keeps status polling
// as the fallback.
type FillSource interface {
	Fills() <-chan Fill
}
