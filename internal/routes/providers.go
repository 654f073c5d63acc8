package routes

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
)

func registerProviderRoutes(g *router.RouterGroup[*core.RequestEvent]) {
	g.GET("/providers", handleListProviders)
}

func handleListProviders(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]any{
		"providers": deps.Registry.Providers(),
	})
}
