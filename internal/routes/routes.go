// Package routes registers the vmgate API on the PocketBase router.
//
// Route groups:
//   - /api/vmgate/providers    — provider catalog
//   - /api/vmgate/connections  — connection lifecycle, server tree, power
//   - /api/vmgate/sessions     — console WebSockets, displays, SFTP
//   - /api/vmgate/quickconnect — URI / .rdp / .vv intake
package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/vmgate/vmgate/internal/adapter"
	"github.com/vmgate/vmgate/internal/config"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

// Deps are the shared backend services the handlers operate on.
type Deps struct {
	Cfg      *config.Config
	Registry *connection.Registry
	Manager  *connection.Manager
	Creds    *secrets.Manager
	Sessions *adapter.Registry
	Tasks    *asynq.Client
}

var deps *Deps

// Register mounts all vmgate route groups on the PocketBase router.
func Register(se *core.ServeEvent, d *Deps) {
	deps = d

	g := se.Router.Group("/api/vmgate")
	g.Bind(wsTokenAuth())
	g.Bind(apis.RequireAuth())

	registerProviderRoutes(g)
	registerConnectionRoutes(g)
	registerSessionRoutes(g)
	registerQuickConnectRoutes(g)
}

// apiError renders a taxonomy error as JSON. Auth failures carry the
// credential prompt so clients can render it directly.
func apiError(e *core.RequestEvent, err error) error {
	kind := connection.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case connection.KindValidation:
		status = http.StatusBadRequest
	case connection.KindAuthFailed:
		status = http.StatusUnauthorized
	case connection.KindUnreachable, connection.KindProtocolRejected:
		status = http.StatusBadGateway
	}

	body := map[string]any{
		"kind":    string(kind),
		"message": userMessage(err),
	}
	if req := connection.AuthRequirementOf(err); req != nil {
		body["auth"] = req
	}
	return e.JSON(status, body)
}

// userMessage prefers the curated title over the raw diagnostic chain.
func userMessage(err error) string {
	var ce *connection.Error
	if errors.As(err, &ce) && ce.Title != "" {
		return ce.Title
	}
	return err.Error()
}

// contextWithOpenTimeout bounds session establishment so a stuck backend
// cannot hold the request forever.
func contextWithOpenTimeout(e *core.RequestEvent) (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.Request.Context(), deps.Cfg.OpenTimeout)
}

func clientInfo(e *core.RequestEvent) (userID, userEmail, ip string) {
	if e.Auth != nil {
		userID = e.Auth.Id
		userEmail = e.Auth.GetString("email")
	}
	return userID, userEmail, e.RealIP()
}
