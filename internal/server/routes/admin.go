package routes

import (
	"context"
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/mirror-cache/internal/engine"
	"github.com/any-hub/mirror-cache/internal/server"
	"github.com/any-hub/mirror-cache/internal/version"
)

// CacheAdmin 是诊断路由依赖的引擎能力子集，测试中可注入假实现。
type CacheAdmin interface {
	Stats() engine.Stats
	Clear(ctx context.Context) (int, error)
}

// RegisterAdminRoutes 暴露 /-/status 与 /-/cache 诊断接口，供 SRE 查询 Origin 绑定与下载并发状态。
func RegisterAdminRoutes(app *fiber.App, registry *server.OriginRegistry, admin CacheAdmin) {
	if app == nil || registry == nil || admin == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Version: version.Full(),
			Origins: encodeOriginBindings(registry.List()),
			Engine:  admin.Stats(),
		})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		removed, err := admin.Clear(ctx)
		// 清理结果由引擎记录日志，这里只负责响应。
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "cache_clear_failed",
				"removed": removed,
			})
		}
		return c.JSON(fiber.Map{"removed": removed})
	})
}

type statusPayload struct {
	Version string                 `json:"version"`
	Origins []originBindingPayload `json:"origins"`
	Engine  engine.Stats           `json:"engine"`
}

type originBindingPayload struct {
	Name     string `json:"name"`
	Upstream string `json:"upstream"`
	Domain   string `json:"domain,omitempty"`
	Port     int    `json:"port"`
}

func encodeOriginBindings(routes []server.OriginRoute) []originBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]originBindingPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originBindingPayload{
			Name:     route.Config.Name,
			Upstream: route.UpstreamURL.String(),
			Domain:   route.Config.Domain,
			Port:     route.ListenPort,
		})
	}
	return result
}
