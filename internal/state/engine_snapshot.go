package state

import (
	"context"
	"encoding/json"
	"strings"
)

func engineSnapshotKey(instance string) string {
	return "engine:" + instance + ":snapshot"
}

// EngineSnapshot records where one instance's trading loop last stood.
type EngineSnapshot struct {
	Instance      string `json:"instance"`
	Phase         string `json:"phase"`
	Cycle         int    `json:"cycle"`
	Direction     string `json:"direction"`
	MakerPosition string `json:"maker_position"`
	TakerPosition string `json:"taker_position"`
	SafetyLevel   string `json:"safety_level"`
	UpdatedAtMS   int64  `json:"updated_at_ms"`
}

func LoadEngineSnapshot(ctx context.Context, store Store, instance string) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, engineSnapshotKey(instance))
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, engineSnapshotKey(snapshot.Instance), string(payload))
}

func DeleteEngineSnapshot(ctx context.Context, store Store, instance string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, engineSnapshotKey(instance))
}
