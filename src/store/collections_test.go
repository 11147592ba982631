package store

import (
	encjson "encoding/json"
	"testing"
)

func TestCollectionStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewCollectionStore(dir, "favorites.json")
	if err != nil {
		t.Fatalf("NewCollectionStore: %v", err)
	}

	if got := cs.Get(); len(got.Items) != 0 || got.Items == nil {
		t.Errorf("expected empty non-nil items, got %+v", got.Items)
	}

	items := []encjson.RawMessage{
		encjson.RawMessage(`{"label":"build","command":"make"}`),
		encjson.RawMessage(`{"label":"test","command":"make test"}`),
	}
	file, err := cs.SetItems(items)
	if err != nil {
		t.Fatalf("SetItems: %v", err)
	}
	if len(file.Items) != 2 {
		t.Errorf("item count = %d", len(file.Items))
	}
	if file.LastModified == 0 {
		t.Error("lastModified not stamped")
	}

	reopened, err := NewCollectionStore(dir, "favorites.json")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Get()
	if len(got.Items) != 2 {
		t.Fatalf("reopened item count = %d", len(got.Items))
	}

	var item struct {
		Label string `json:"label"`
	}
	if err := encjson.Unmarshal(got.Items[0], &item); err != nil || item.Label != "build" {
		t.Errorf("item content lost: %v %+v", err, item)
	}
}

func TestCollectionStoreNilItems(t *testing.T) {
	cs, err := NewCollectionStore(t.TempDir(), "commands.json")
	if err != nil {
		t.Fatalf("NewCollectionStore: %v", err)
	}
	file, err := cs.SetItems(nil)
	if err != nil {
		t.Fatalf("SetItems(nil): %v", err)
	}
	if file.Items == nil {
		t.Error("nil items stored as nil instead of empty list")
	}
}

func TestCollectionStoreMonotonicLastModified(t *testing.T) {
	cs, err := NewCollectionStore(t.TempDir(), "commands.json")
	if err != nil {
		t.Fatalf("NewCollectionStore: %v", err)
	}
	prev := int64(0)
	for i := 0; i < 5; i++ {
		file, err := cs.SetItems([]encjson.RawMessage{encjson.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("SetItems: %v", err)
		}
		if file.LastModified <= prev {
			t.Errorf("lastModified not strictly increasing: %d -> %d", prev, file.LastModified)
		}
		prev = file.LastModified
	}
}
