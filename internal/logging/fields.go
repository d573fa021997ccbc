package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ServeFields 提供拦截请求日志的公共字段，供网络中介复用。
func ServeFields(path string, cacheHit bool, status int) logrus.Fields {
	return logrus.Fields{
		"action":    "serve",
		"path":      path,
		"cache_hit": cacheHit,
		"status":    status,
	}
}

// RelayFields 提供中继连接状态日志的公共字段。
func RelayFields(action, state string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"state":  state,
	}
}

// CommandFields 提供命令分发日志的公共字段，记录来源上下文与类型。
func CommandFields(commandType, clientID string) logrus.Fields {
	return logrus.Fields{
		"action":       "dispatch",
		"command_type": commandType,
		"client_id":    clientID,
	}
}
