package routes

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/vmgate/vmgate/internal/audit"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
	"github.com/vmgate/vmgate/internal/worker"
)

func registerConnectionRoutes(g *router.RouterGroup[*core.RequestEvent]) {
	c := g.Group("/connections/{connectionId}")
	c.GET("/state", handleConnectionState)
	c.POST("/load", handleConnectionLoad)
	c.POST("/reload", handleConnectionReload)
	c.POST("/authenticate", handleConnectionAuthenticate)
	c.POST("/unload", handleConnectionUnload)
	c.GET("/tree", handleConnectionTree)
	c.POST("/power", handleConnectionPower)
}

// configFromRecord maps a connections record onto a stored configuration.
func configFromRecord(rec *core.Record) (*connection.Configuration, error) {
	settings := map[string]any{}
	if raw := rec.GetString("settings"); raw != "" {
		if err := rec.UnmarshalJSONField("settings", &settings); err != nil {
			return nil, connection.NewInternal("corrupt stored settings", err)
		}
	}
	return &connection.Configuration{
		ID:          rec.Id,
		ProviderTag: rec.GetString("provider_tag"),
		Title:       rec.GetString("title"),
		Settings:    settings,
	}, nil
}

// resolveInstance returns the live instance behind {connectionId}. A live
// instance (including transient quick-connect ones that have no record) wins
// over a record lookup.
func resolveInstance(e *core.RequestEvent) (*connection.Instance, error) {
	id := e.Request.PathValue("connectionId")
	if inst, ok := deps.Manager.Get(id); ok {
		return inst, nil
	}
	rec, err := e.App.FindRecordById("connections", id)
	if err != nil {
		return nil, connection.NewValidation("connection not found: "+id, err)
	}
	cfg, err := configFromRecord(rec)
	if err != nil {
		return nil, err
	}
	return deps.Manager.Instance(cfg)
}

// statePayload is the uniform lifecycle response.
func statePayload(inst *connection.Instance) map[string]any {
	body := map[string]any{
		"state": inst.State().String(),
	}
	if err := inst.Err(); err != nil {
		body["error"] = map[string]any{
			"kind":    string(connection.KindOf(err)),
			"message": userMessage(err),
		}
	}
	if req := inst.AuthRequirement(); req != nil {
		body["auth"] = req
	}
	return body
}

func handleConnectionState(e *core.RequestEvent) error {
	inst, err := resolveInstance(e)
	if err != nil {
		return apiError(e, err)
	}
	return e.JSON(http.StatusOK, statePayload(inst))
}

func auditConnectionOp(e *core.RequestEvent, inst *connection.Instance, action string, opErr error) {
	cfg := inst.Configuration()
	userID, userEmail, ip := clientInfo(e)
	status := audit.StatusSuccess
	detail := map[string]any{}
	if opErr != nil {
		status = audit.StatusFailed
		detail["kind"] = string(connection.KindOf(opErr))
	}
	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action: action, ResourceType: "connection",
		ResourceID: cfg.ID, ResourceName: cfg.Title,
		Status: status, IP: ip, Detail: detail,
	})
}

func handleConnectionLoad(e *core.RequestEvent) error {
	inst, err := resolveInstance(e)
	if err != nil {
		return apiError(e, err)
	}
	loadErr := inst.Load(e.Request.Context())
	auditConnectionOp(e, inst, "connection.load", loadErr)
	// The resulting state (including auth_required and error) is a valid
	// outcome, not a transport failure.
	return e.JSON(http.StatusOK, statePayload(inst))
}

func handleConnectionReload(e *core.RequestEvent) error {
	inst, err := resolveInstance(e)
	if err != nil {
		return apiError(e, err)
	}
	reloadErr := inst.Reload(e.Request.Context())
	auditConnectionOp(e, inst, "connection.reload", reloadErr)
	return e.JSON(http.StatusOK, statePayload(inst))
}

func handleConnectionAuthenticate(e *core.RequestEvent) error {
	inst, err := resolveInstance(e)
	if err != nil {
		return apiError(e, err)
	}
	var body struct {
		Values     map[string]string `json:"values"`
		SavePolicy string            `json:"save_policy"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil {
		return apiError(e, connection.NewValidation("invalid request body", err))
	}
	policy := secrets.SavePolicy(body.SavePolicy)
	if policy == "" {
		policy = secrets.SavePolicyAskEveryTime
	}
	if policy != secrets.SavePolicyAskEveryTime && policy != secrets.SavePolicyRemember {
		return apiError(e, connection.NewValidation("invalid save policy: "+body.SavePolicy, nil))
	}

	// Credential values stay out of logs and audit detail.
	authErr := inst.Authenticate(e.Request.Context(), body.Values, policy)
	auditConnectionOp(e, inst, "connection.authenticate", authErr)
	if authErr != nil && connection.KindOf(authErr) == connection.KindValidation {
		return apiError(e, authErr)
	}
	return e.JSON(http.StatusOK, statePayload(inst))
}

func handleConnectionUnload(e *core.RequestEvent) error {
	inst, err := resolveInstance(e)
	if err != nil {
		return apiError(e, err)
	}
	deps.Manager.Unload(e.Request.Context(), inst.Configuration().ID)
	auditConnectionOp(e, inst, "connection.unload", nil)
	return e.JSON(http.StatusOK, map[string]any{"state": connection.StateUnloaded.String()})
}

// treeNode is one rendered server in the tree response.
type treeNode struct {
	Metadata connection.ServerMetadata `json:"metadata"`
	Adapters []connection.AdapterKind  `json:"adapters"`
	Power    []connection.PowerAction  `json:"power_actions"`
	Children []treeNode                `json:"children,omitempty"`
}

const maxTreeDepth = 8

func buildTree(ctx context.Context, servers []connection.Server, depth int) ([]treeNode, error) {
	if depth >= maxTreeDepth {
		return nil, connection.NewInternal("server tree too deep", nil)
	}
	out := make([]treeNode, 0, len(servers))
	for _, s := range servers {
		children, err := s.Servers(ctx)
		if err != nil {
			return nil, err
		}
		node := treeNode{
			Metadata: s.Metadata(),
			Adapters: s.Adapters(),
			Power:    s.PowerActions(),
		}
		if len(children) > 0 {
			node.Children, err = buildTree(ctx, children, depth+1)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, node)
	}
	return out, nil
}

func handleConnectionTree(e *core.RequestEvent) error {
	inst, err := resolveInstance(e)
	if err != nil {
		return apiError(e, err)
	}
	if inst.State() != connection.StateReady {
		return apiError(e, connection.NewValidation("connection is not ready", nil))
	}
	ctx, cancel := context.WithTimeout(e.Request.Context(), deps.Cfg.LoadTimeout)
	defer cancel()
	nodes, err := buildTree(ctx, inst.Servers(), 0)
	if err != nil {
		return apiError(e, err)
	}
	conn := inst.Connection()
	return e.JSON(http.StatusOK, map[string]any{
		"connection": conn.Metadata(),
		"servers":    nodes,
	})
}

// handleConnectionPower enqueues a power action for async execution and
// returns immediately. The worker writes the outcome to the audit log.
func handleConnectionPower(e *core.RequestEvent) error {
	inst, err := resolveInstance(e)
	if err != nil {
		return apiError(e, err)
	}
	var body struct {
		ServerPath []string `json:"server_path"`
		Action     string   `json:"action"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil {
		return apiError(e, connection.NewValidation("invalid request body", err))
	}
	if len(body.ServerPath) == 0 {
		return apiError(e, connection.NewValidation("server_path is required", nil))
	}
	// Fail fast on unknown targets and unsupported actions before queueing.
	srv, err := inst.FindServer(e.Request.Context(), body.ServerPath)
	if err != nil {
		return apiError(e, err)
	}
	action := connection.PowerAction(body.Action)
	supported := false
	for _, a := range srv.PowerActions() {
		if a == action {
			supported = true
			break
		}
	}
	if !supported {
		return apiError(e, connection.NewValidation("power action not supported: "+body.Action, nil))
	}

	userID, userEmail, ip := clientInfo(e)
	task, err := worker.NewPowerTask(worker.PowerPayload{
		ConnectionID: inst.Configuration().ID,
		ServerPath:   body.ServerPath,
		Action:       string(action),
		UserID:       userID,
		UserEmail:    userEmail,
	})
	if err != nil {
		return apiError(e, connection.NewInternal("building power task failed", err))
	}
	info, err := deps.Tasks.Enqueue(task)
	if err != nil {
		return apiError(e, connection.NewInternal("enqueueing power task failed", err))
	}

	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action: "power." + string(action), ResourceType: "server",
		ResourceID: inst.Configuration().ID + "/" + body.ServerPath[len(body.ServerPath)-1],
		Status:     audit.StatusPending, IP: ip,
		Detail: map[string]any{"task_id": info.ID},
	})
	return e.JSON(http.StatusAccepted, map[string]any{"task_id": info.ID})
}
