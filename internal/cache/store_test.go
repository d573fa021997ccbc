package cache

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	return store
}

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Version: "shell-v1", Key: "/index.html"}

	snapshot := Snapshot{
		Status:      200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte("<html>shell</html>"),
	}
	if err := store.Put(context.Background(), locator, snapshot); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Status != 200 {
		t.Fatalf("status mismatch: %d", got.Status)
	}
	if got.ContentType != snapshot.ContentType {
		t.Fatalf("content type mismatch: %s", got.ContentType)
	}
	if string(got.Body) != string(snapshot.Body) {
		t.Fatalf("cached payload mismatch: %s", string(got.Body))
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), Locator{Version: "shell-v1", Key: "/missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreOverwrite(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Version: "shell-v1", Key: "/app.js"}

	if err := store.Put(context.Background(), locator, Snapshot{Status: 200, Body: []byte("v1")}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Put(context.Background(), locator, Snapshot{Status: 200, Body: []byte("v2")}); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}

	got, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(got.Body) != "v2" {
		t.Fatalf("expected overwritten body, got %s", string(got.Body))
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Version: "shell-v1", Key: "/remove-me"}
	if err := store.Put(context.Background(), locator, Snapshot{Status: 200, Body: []byte("data")}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("repeated remove should be a no-op: %v", err)
	}
}

func TestStoreListAndRemoveVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, version := range []string{"shell-v1", "shell-v2", "shell-v3"} {
		locator := Locator{Version: version, Key: "/index.html"}
		if err := store.Put(ctx, locator, Snapshot{Status: 200, Body: []byte(version)}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	versions, err := store.ListVersions(ctx)
	if err != nil {
		t.Fatalf("list versions error: %v", err)
	}
	sort.Strings(versions)
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %v", versions)
	}

	if err := store.RemoveVersion(ctx, "shell-v1"); err != nil {
		t.Fatalf("remove version error: %v", err)
	}
	if _, err := store.Get(ctx, Locator{Version: "shell-v1", Key: "/index.html"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after version removal, got %v", err)
	}

	versions, err = store.ListVersions(ctx)
	if err != nil {
		t.Fatalf("list versions error: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions after removal, got %v", versions)
	}
}

func TestStoreRejectsTraversalVersion(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Version: "../escape", Key: "/index.html"}
	if err := store.Put(context.Background(), locator, Snapshot{Status: 200, Body: []byte("x")}); err == nil {
		t.Fatalf("期望拒绝路径穿越的版本标签")
	}
}
