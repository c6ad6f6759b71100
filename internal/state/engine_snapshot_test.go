package state

import (
	"context"
	"errors"
	"testing"
)

type memStore struct {
	data map[string]string
	err  error
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestEngineSnapshotRoundTrip(t *testing.T) {
	store := newMemStore()
	snap := EngineSnapshot{
		Instance:      "btc-carry",
		Phase:         "HOLDING",
		Cycle:         2,
		Direction:     "long",
		MakerPosition: "-0.5",
		TakerPosition: "0.5",
		SafetyLevel:   "NORMAL",
		UpdatedAtMS:   1700000000000,
	}
	if err := SaveEngineSnapshot(context.Background(), store, snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, ok, err := LoadEngineSnapshot(context.Background(), store, "btc-carry")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if got != snap {
		t.Fatalf("round trip mismatch: %+v != %+v", got, snap)
	}
}

func TestEngineSnapshotMissing(t *testing.T) {
	_, ok, err := LoadEngineSnapshot(context.Background(), newMemStore(), "btc-carry")
	if err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestEngineSnapshotNilStore(t *testing.T) {
	if err := SaveEngineSnapshot(context.Background(), nil, EngineSnapshot{Instance: "a"}); err != nil {
		t.Fatalf("nil store save must be a no-op, got %v", err)
	}
	_, ok, err := LoadEngineSnapshot(context.Background(), nil, "a")
	if err != nil || ok {
		t.Fatalf("nil store load must miss cleanly, got ok=%v err=%v", ok, err)
	}
}

func TestEngineSnapshotStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk gone")
	if _, _, err := LoadEngineSnapshot(context.Background(), store, "a"); err == nil {
		t.Fatalf("expected store error to propagate")
	}
}

func TestEngineSnapshotCorruptPayload(t *testing.T) {
	store := newMemStore()
	store.data[engineSnapshotKey("a")] = "{not json"
	if _, _, err := LoadEngineSnapshot(context.Background(), store, "a"); err == nil {
		t.Fatalf("expected unmarshal error for corrupt payload")
	}
}

func TestDeleteEngineSnapshot(t *testing.T) {
	store := newMemStore()
	if err := SaveEngineSnapshot(context.Background(), store, EngineSnapshot{Instance: "a"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := DeleteEngineSnapshot(context.Background(), store, "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := LoadEngineSnapshot(context.Background(), store, "a"); ok {
		t.Fatalf("expected snapshot to be gone")
	}
}
