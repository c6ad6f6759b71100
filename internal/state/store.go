// Package state persists the minimal engine state that must survive a
// restart. Positions are never persisted; the venues are the source of truth
// and the engine re-derives its phase from live positions, using the saved
// snapshot only to restore cycle accounting.
package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
