package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// InterceptHandler describes the component resolving intercepted requests
// against the cache. It allows injecting fake handlers during tests.
type InterceptHandler interface {
	Handle(fiber.Ctx) error
}

// InterceptHandlerFunc adapts a function to the InterceptHandler interface.
type InterceptHandlerFunc func(fiber.Ctx) error

// Handle makes InterceptHandlerFunc satisfy InterceptHandler.
func (f InterceptHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// Diagnostics 汇总 /-/ 诊断路由所需的只读探针。
type Diagnostics struct {
	RelayState func() string
	Versions   func(ctx context.Context) ([]string, error)
	Active     func() string
	Clients    func() int
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger      *logrus.Logger
	Intercept   InterceptHandler
	Diagnostics Diagnostics
	ListenPort  int
}

const contextKeyRequestID = "_offlinehub_request_id"

// NewApp builds a Fiber application with request-ID middleware, diagnostics
// routes and the intercept route.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Intercept == nil {
		return nil, errors.New("intercept handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	registerDiagnostics(app, opts)

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Intercept.Handle(c)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 uuid 并透传到响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// registerDiagnostics 挂载 /-/ 下的只读探针路由。
func registerDiagnostics(app *fiber.App, opts AppOptions) {
	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/-/relay", func(c fiber.Ctx) error {
		state := "unknown"
		if opts.Diagnostics.RelayState != nil {
			state = opts.Diagnostics.RelayState()
		}
		clients := 0
		if opts.Diagnostics.Clients != nil {
			clients = opts.Diagnostics.Clients()
		}
		return c.JSON(fiber.Map{"state": state, "clients": clients})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		active := ""
		if opts.Diagnostics.Active != nil {
			active = opts.Diagnostics.Active()
		}
		var versions []string
		if opts.Diagnostics.Versions != nil {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			listed, err := opts.Diagnostics.Versions(ctx)
			if err != nil {
				opts.Logger.WithError(err).WithFields(logrus.Fields{
					"action": "diagnostics",
				}).Warn("cache_versions_failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
			}
			versions = listed
		}
		return c.JSON(fiber.Map{"active": active, "versions": versions})
	})
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
