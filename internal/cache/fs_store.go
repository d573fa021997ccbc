package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 持久化快照的非正文属性，与 .body 文件成对存在。
type entryMeta struct {
	Key         string `json:"key"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, metaPath, err := s.entryPaths(locator)
	if err != nil {
		return nil, err
	}

	rawMeta, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var meta entryMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Snapshot{
		Status:      meta.Status,
		ContentType: meta.ContentType,
		Body:        body,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, snapshot Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(locator)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return err
	}

	rawMeta, err := json.Marshal(entryMeta{
		Key:         locator.Key,
		Status:      snapshot.Status,
		ContentType: snapshot.ContentType,
	})
	if err != nil {
		return err
	}

	if err := writeAtomic(bodyPath, snapshot.Body); err != nil {
		return err
	}
	if err := writeAtomic(metaPath, rawMeta); err != nil {
		os.Remove(bodyPath)
		return err
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{bodyPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) ListVersions(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	return versions, nil
}

func (s *fileStore) RemoveVersion(ctx context.Context, version string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dir, err := s.versionDir(version)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// writeAtomic 先写临时文件再 rename，失败时清理临时文件。
func writeAtomic(target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) versionDir(version string) (string, error) {
	if version == "" {
		return "", errors.New("version required")
	}
	dir := filepath.Join(s.basePath, version)
	if !strings.HasPrefix(dir, s.basePath+string(os.PathSeparator)) {
		return "", errors.New("invalid cache version")
	}
	return dir, nil
}

// entryPaths 以请求键的 sha1 摘要作为文件名，避免路径穿越与超长文件名。
func (s *fileStore) entryPaths(locator Locator) (string, string, error) {
	dir, err := s.versionDir(locator.Version)
	if err != nil {
		return "", "", err
	}
	if locator.Key == "" {
		return "", "", errors.New("cache key required")
	}
	sum := sha1.Sum([]byte(locator.Key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(dir, name+".body"), filepath.Join(dir, name+".meta"), nil
}

func locatorKey(locator Locator) string {
	return locator.Version + "::" + locator.Key
}
