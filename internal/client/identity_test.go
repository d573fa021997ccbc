package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadIdentityCreatesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "identity.json")

	first, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("load identity error: %v", err)
	}
	if first == "" {
		t.Fatalf("身份令牌不应为空")
	}

	second, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("load identity error: %v", err)
	}
	if second != first {
		t.Fatalf("身份令牌必须跨加载复用: %s vs %s", first, second)
	}
}

func TestLoadIdentityRebuildsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	id, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("load identity error: %v", err)
	}
	if id == "" {
		t.Fatalf("损坏文件应被重建而非报错")
	}

	again, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("load identity error: %v", err)
	}
	if again != id {
		t.Fatalf("重建后的令牌应持久化: %s vs %s", id, again)
	}
}
