package cache

import (
	"context"
	"errors"
	"testing"
)

// countingStore 记录底层调用次数，用于验证内存层的短路行为。
type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, locator Locator) (*Snapshot, error) {
	c.gets++
	return c.Store.Get(ctx, locator)
}

func TestMemoryFrontShortCircuitsRepeatedReads(t *testing.T) {
	inner := &countingStore{Store: newTestStore(t)}
	front := WithMemoryFront(inner, 1024*1024)
	ctx := context.Background()
	locator := Locator{Version: "shell-v1", Key: "/index.html"}

	if err := front.Put(ctx, locator, Snapshot{Status: 200, Body: []byte("shell")}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := front.Get(ctx, locator); err != nil {
			t.Fatalf("get error: %v", err)
		}
	}
	if inner.gets != 0 {
		t.Fatalf("Put 之后的读取应命中内存层，底层 Get 次数: %d", inner.gets)
	}
}

func TestMemoryFrontSkipsOversizedBodies(t *testing.T) {
	inner := &countingStore{Store: newTestStore(t)}
	front := WithMemoryFront(inner, 8)
	ctx := context.Background()
	locator := Locator{Version: "shell-v1", Key: "/big"}

	if err := front.Put(ctx, locator, Snapshot{Status: 200, Body: []byte("0123456789")}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	if _, err := front.Get(ctx, locator); err != nil {
		t.Fatalf("get error: %v", err)
	}
	if inner.gets != 1 {
		t.Fatalf("超出预算的条目应绕过内存层，底层 Get 次数: %d", inner.gets)
	}
}

func TestMemoryFrontInvalidatesOnVersionRemoval(t *testing.T) {
	inner := &countingStore{Store: newTestStore(t)}
	front := WithMemoryFront(inner, 1024)
	ctx := context.Background()
	locator := Locator{Version: "shell-v1", Key: "/index.html"}

	if err := front.Put(ctx, locator, Snapshot{Status: 200, Body: []byte("shell")}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := front.RemoveVersion(ctx, "shell-v1"); err != nil {
		t.Fatalf("remove version error: %v", err)
	}

	if _, err := front.Get(ctx, locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("版本删除后内存层必须同步失效, got %v", err)
	}
}

func TestMemoryFrontDisabledWithoutBudget(t *testing.T) {
	inner := newTestStore(t)
	if front := WithMemoryFront(inner, 0); front != inner {
		t.Fatalf("零预算时应直接返回底层 Store")
	}
}
