package routes

import (
	"encoding/json"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/vmgate/vmgate/internal/audit"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/quickconnect"
	"github.com/vmgate/vmgate/internal/secrets"
)

func registerQuickConnectRoutes(g *router.RouterGroup[*core.RequestEvent]) {
	q := g.Group("/quickconnect")
	q.POST("/uri", handleQuickConnectURI)
	q.POST("/rdp-file", handleQuickConnectRDPFile)
	q.POST("/vv-file", handleQuickConnectVVFile)
}

func handleQuickConnectURI(e *core.RequestEvent) error {
	var body struct {
		URI  string `json:"uri"`
		Save bool   `json:"save"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil {
		return apiError(e, connection.NewValidation("invalid request body", err))
	}
	target, err := quickconnect.ParseURI(body.URI)
	if err != nil {
		return apiError(e, err)
	}
	return openQuickConnection(e, target, "quickconnect.uri", body.Save)
}

func handleQuickConnectRDPFile(e *core.RequestEvent) error {
	var body struct {
		Content string `json:"content"`
		Save    bool   `json:"save"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil {
		return apiError(e, connection.NewValidation("invalid request body", err))
	}
	target, err := quickconnect.ParseRDPFile([]byte(body.Content))
	if err != nil {
		return apiError(e, err)
	}
	return openQuickConnection(e, target, "quickconnect.rdp_file", body.Save)
}

func handleQuickConnectVVFile(e *core.RequestEvent) error {
	var body struct {
		Content string `json:"content"`
		Save    bool   `json:"save"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil {
		return apiError(e, connection.NewValidation("invalid request body", err))
	}
	target, _, err := quickconnect.ParseVVFile([]byte(body.Content))
	if err != nil {
		return apiError(e, err)
	}
	return openQuickConnection(e, target, "quickconnect.vv_file", body.Save)
}

// openQuickConnection hands the parsed target to the generic provider as a
// transient configuration: nothing touches the connections collection unless
// the caller explicitly asked to save. An embedded password goes into the
// session credential scope, never into stored settings.
func openQuickConnection(e *core.RequestEvent, target *quickconnect.Target, action string, save bool) error {
	settings := target.Settings()
	cfg := connection.NewConfiguration("generic", target.Title(), settings)
	if err := deps.Registry.ValidateUpdate(cfg); err != nil {
		return apiError(e, err)
	}
	if save {
		return saveQuickConnection(e, target, settings, action)
	}

	if target.Password != "" {
		if err := deps.Creds.Set(e.Request.Context(), cfg.ID, "password",
			[]byte(target.Password), secrets.SavePolicyAskEveryTime); err != nil {
			return apiError(e, connection.NewInternal("storing credential failed", err))
		}
	}

	inst, err := deps.Manager.Instance(cfg)
	if err != nil {
		return apiError(e, err)
	}
	if err := inst.Load(e.Request.Context()); err != nil {
		deps.Manager.Unload(e.Request.Context(), cfg.ID)
		return apiError(e, err)
	}

	userID, userEmail, ip := clientInfo(e)
	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action: action, ResourceType: "connection",
		ResourceID: cfg.ID, ResourceName: target.Title(),
		Status: audit.StatusSuccess, IP: ip,
		Detail: map[string]any{"protocol": string(target.Kind), "transient": true},
	})
	return e.JSON(http.StatusOK, map[string]any{
		"connection_id": cfg.ID,
		"title":         target.Title(),
		"protocol":      string(target.Kind),
		"transient":     true,
		"state":         inst.State().String(),
	})
}

// saveQuickConnection persists the target as a regular generic connection.
func saveQuickConnection(e *core.RequestEvent, target *quickconnect.Target, settings map[string]any, action string) error {
	col, err := e.App.FindCollectionByNameOrId("connections")
	if err != nil {
		return apiError(e, connection.NewInternal("connections collection missing", err))
	}
	rec := core.NewRecord(col)
	rec.Set("provider_tag", "generic")
	rec.Set("title", target.Title())
	rec.Set("settings", settings)
	if err := e.App.Save(rec); err != nil {
		return apiError(e, connection.NewInternal("saving connection failed", err))
	}

	if target.Password != "" {
		if err := deps.Creds.Set(e.Request.Context(), rec.Id, "password",
			[]byte(target.Password), secrets.SavePolicyAskEveryTime); err != nil {
			return apiError(e, connection.NewInternal("storing credential failed", err))
		}
	}

	userID, userEmail, ip := clientInfo(e)
	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action: action, ResourceType: "connection",
		ResourceID: rec.Id, ResourceName: target.Title(),
		Status: audit.StatusSuccess, IP: ip,
		Detail: map[string]any{"protocol": string(target.Kind)},
	})
	return e.JSON(http.StatusCreated, map[string]any{
		"connection_id": rec.Id,
		"title":         target.Title(),
		"protocol":      string(target.Kind),
	})
}
