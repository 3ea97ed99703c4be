package session

import (
	"context"
	"encoding/json"
	"testing"
)

func TestLoadedEntityStartsClean(t *testing.T) {
	store := newFakeStore()
	store.seed("users/1", `{"name":"Ada","tags":["math","computing"]}`, nil)
	sess := New(store, DefaultOptions())

	entity, err := sess.Load(context.Background(), "users/1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	changed, err := sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if changed {
		t.Fatal("freshly loaded entity must be clean")
	}
	if has, _ := sess.HasChanges(); has {
		t.Fatal("session must report no pending work")
	}
}

func TestMutationMarksEntityDirty(t *testing.T) {
	store := newFakeStore()
	store.seed("users/1", `{"name":"Ada"}`, nil)
	sess := New(store, DefaultOptions())

	entity, err := sess.Load(context.Background(), "users/1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	doc := entity.(map[string]any)
	doc["name"] = "Grace"

	changed, err := sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if !changed {
		t.Fatal("mutated entity must be dirty")
	}
	if has, _ := sess.HasChanges(); !has {
		t.Fatal("session must report pending work")
	}

	// Reverting the edit restores structural equality with the baseline.
	doc["name"] = "Ada"
	changed, err = sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed after revert: %v", err)
	}
	if changed {
		t.Fatal("reverted entity must be clean again")
	}
}

func TestComparisonIgnoresObjectKeyOrder(t *testing.T) {
	sess := New(nil, DefaultOptions())
	// Baseline serialized with one key order, entity map iterated in another.
	entity, err := sess.Track("users/1", json.RawMessage(`{"b":2,"a":1,"nested":{"y":"z","x":"w"}}`), nil)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	changed, err := sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if changed {
		t.Fatal("object key order must not affect structural equality")
	}
}

func TestComparisonIsArrayOrderSensitive(t *testing.T) {
	sess := New(nil, DefaultOptions())
	entity, err := sess.Track("users/1", json.RawMessage(`{"tags":["a","b"]}`), nil)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	doc := entity.(map[string]any)
	doc["tags"] = []any{"b", "a"}

	changed, err := sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if !changed {
		t.Fatal("array element order is significant")
	}
}

func TestMetadataEditMarksEntityDirty(t *testing.T) {
	store := newFakeStore()
	store.seed("users/1", `{"name":"Ada"}`, map[string]any{"owner": "platform"})
	sess := New(store, DefaultOptions())

	entity, err := sess.Load(context.Background(), "users/1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	metadata, err := sess.MetadataFor(context.Background(), entity)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	metadata["owner"] = "search"

	changed, err := sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if !changed {
		t.Fatal("metadata edits must mark the entity dirty")
	}
}

func TestStoredEntityIsDirtyUntilSaved(t *testing.T) {
	sess := New(newFakeStore(), DefaultOptions())
	entity := map[string]any{"id": "users/1", "name": "Ada"}
	if err := sess.Store(entity); err != nil {
		t.Fatalf("store: %v", err)
	}
	changed, err := sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if !changed {
		t.Fatal("a stored entity has no baseline and must be dirty")
	}
}

func TestUntrackedEntityIsNeverChanged(t *testing.T) {
	sess := New(nil, DefaultOptions())
	changed, err := sess.Changed(map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if changed {
		t.Fatal("untracked entity must report clean")
	}
}

func TestConvertListenerRunsBeforeComparison(t *testing.T) {
	sess := New(nil, DefaultOptions())
	entity, err := sess.Track("users/1", json.RawMessage(`{"name":"Ada","rev":1}`), nil)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	// An idempotent listener that normalizes a derived field keeps the
	// entity clean even though the live map disagrees with the baseline.
	doc := entity.(map[string]any)
	doc["rev"] = 99.0
	sess.OnConvert(func(_ string, body map[string]any, _ map[string]any) error {
		body["rev"] = 1.0
		return nil
	})

	changed, err := sess.Changed(entity)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if changed {
		t.Fatal("listener-normalized entity must compare clean")
	}
}
