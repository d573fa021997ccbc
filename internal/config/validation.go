package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxMemoryCache <= 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if strings.TrimSpace(c.Cache.Version) == "" {
		return newFieldError("Cache.Version", "不能为空")
	}
	if len(c.Cache.Assets) == 0 {
		return newFieldError("Cache.Assets", "至少需要一个清单条目")
	}
	for i, asset := range c.Cache.Assets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(assetField(i), "必须以 / 开头")
		}
		if strings.Contains(asset, " ") {
			return newFieldError(assetField(i), "不允许包含空格")
		}
	}

	if err := validateOrigin(c.Relay.Origin); err != nil {
		return fmt.Errorf("Relay.Origin: %w", err)
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		return newFieldError("Relay.Path", "必须以 / 开头")
	}
	if c.Relay.ReconnectDelay.DurationValue() <= 0 {
		return newFieldError("Relay.ReconnectDelay", "必须大于 0")
	}
	if c.Relay.PingInterval.DurationValue() <= 0 {
		return newFieldError("Relay.PingInterval", "必须大于 0")
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// RootDocument 返回导航回退使用的根文档键，始终为清单首项。
func (c *Config) RootDocument() string {
	if len(c.Cache.Assets) == 0 {
		return "/"
	}
	return c.Cache.Assets[0]
}
