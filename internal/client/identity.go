package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// identityRecord 是身份令牌的持久化形态，固定键名存储。
type identityRecord struct {
	ClientID string `json:"clientId"`
}

// LoadIdentity 读取持久化身份令牌；不存在时生成一次并落盘，此后跨会话
// 复用，除非文件被显式清除，否则绝不重新生成。
func LoadIdentity(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var record identityRecord
		if jsonErr := json.Unmarshal(raw, &record); jsonErr == nil && record.ClientID != "" {
			return record.ClientID, nil
		}
		// 文件损坏时重建，等同被清除。
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read identity: %w", err)
	}

	record := identityRecord{ClientID: uuid.NewString()}
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("persist identity: %w", err)
	}
	return record.ClientID, nil
}
