package routes

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/vmgate/vmgate/internal/adapter"
	"github.com/vmgate/vmgate/internal/audit"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/ptydriver"
)

var wsUpgrader = websocket.Upgrader{
	// Authentication is enforced via JWT before the upgrade, so a
	// permissive origin policy is acceptable for this deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTokenAuth authenticates WebSocket upgrade requests using a "token"
// query parameter. Browsers cannot set custom headers on WS upgrade, so the
// frontend sends the JWT as ?token=.
func wsTokenAuth() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "wsTokenAuth",
		// Must run AFTER loadAuthToken (-1020) but BEFORE RequireAuth (0).
		Priority: -1019,
		Func: func(e *core.RequestEvent) error {
			if e.Auth != nil {
				return e.Next()
			}
			tok := e.Request.URL.Query().Get("token")
			if tok == "" {
				return e.Next()
			}
			record, err := e.App.FindAuthRecordByToken(tok, core.TokenTypeAuth)
			if err == nil && record != nil {
				e.Auth = record
			}
			return e.Next()
		},
	}
}

func registerSessionRoutes(g *router.RouterGroup[*core.RequestEvent]) {
	c := g.Group("/connections/{connectionId}")
	c.GET("/console", handleConsoleSocket)
	c.POST("/display", handleDisplayOpen)

	sftp := c.Group("/sftp")
	sftp.GET("/list", handleSFTPList)
	sftp.GET("/download", handleSFTPDownload)
	sftp.POST("/upload", handleSFTPUpload)
	sftp.POST("/rename", handleSFTPRename)
	sftp.DELETE("/delete", handleSFTPDelete)

	g.GET("/sessions/{sessionId}/stream", handleDisplayStream)
	g.DELETE("/sessions/{sessionId}", handleSessionClose)
}

// serverPathParam parses ?path=a/b/c into a server path.
func serverPathParam(e *core.RequestEvent) ([]string, error) {
	raw := e.Request.URL.Query().Get("path")
	if raw == "" {
		return nil, connection.NewValidation("path query parameter is required", nil)
	}
	return strings.Split(raw, "/"), nil
}

// resolveServer resolves the connection instance plus the addressed server.
func resolveServer(e *core.RequestEvent, path []string) (*connection.Instance, connection.Server, error) {
	inst, err := resolveInstance(e)
	if err != nil {
		return nil, nil, err
	}
	srv, err := inst.FindServer(e.Request.Context(), path)
	if err != nil {
		return nil, nil, err
	}
	return inst, srv, nil
}

// handleConsoleSocket bridges a console session with a WebSocket. Binary
// frames are the byte stream; text frames (or a 0x00 prefix) carry JSON
// control messages, currently only resize.
func handleConsoleSocket(e *core.RequestEvent) error {
	path, err := serverPathParam(e)
	if err != nil {
		return apiError(e, err)
	}
	kind := connection.AdapterKind(e.Request.URL.Query().Get("kind"))
	if kind == "" {
		kind = connection.AdapterConsole
	}
	if kind != connection.AdapterConsole && kind != connection.AdapterSSH {
		return apiError(e, connection.NewValidation("not a console adapter: "+string(kind), nil))
	}

	inst, srv, err := resolveServer(e, path)
	if err != nil {
		return apiError(e, err)
	}

	conn, err := wsUpgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		return nil // Upgrade already wrote the response
	}
	defer conn.Close()

	openCtx, cancel := contextWithOpenTimeout(e)
	sess, err := srv.OpenAdapter(openCtx, kind)
	cancel()
	if err != nil {
		_ = writeWSControl(conn, "error", userMessage(err))
		return nil
	}
	console, ok := sess.(connection.ConsoleSession)
	if !ok {
		_ = sess.Close()
		_ = writeWSControl(conn, "error", "adapter did not produce a console")
		return nil
	}

	connID := inst.Configuration().ID
	sessionID := deps.Sessions.Track(connID, console)
	userID, userEmail, ip := clientInfo(e)
	startedAt := time.Now().UTC()

	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action: "session.console.open", ResourceType: "server",
		ResourceID: connID + "/" + strings.Join(path, "/"),
		Status:     audit.StatusSuccess, IP: ip,
		Detail: map[string]any{"session_id": sessionID, "kind": string(kind)},
	})
	var endErr error
	defer func() {
		deps.Sessions.Close(sessionID)
		status := audit.StatusSuccess
		detail := map[string]any{
			"session_id": sessionID,
			"started_at": startedAt.Format(time.RFC3339),
			"ended_at":   time.Now().UTC().Format(time.RFC3339),
		}
		if endErr != nil {
			status = audit.StatusFailed
			detail["outcome"] = string(connection.KindOf(endErr))
		}
		audit.Write(e.App, audit.Entry{
			UserID: userID, UserEmail: userEmail,
			Action: "session.console.close", ResourceType: "server",
			ResourceID: connID + "/" + strings.Join(path, "/"),
			Status:     status, IP: ip,
			Detail: detail,
		})
	}()

	done := make(chan struct{})

	// Console → WebSocket
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := console.Read(buf)
			if n > 0 {
				if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// WebSocket → console (+ control frames)
	go func() {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				_ = console.Close()
				return
			}
			deps.Sessions.Touch(sessionID)

			if mt == websocket.TextMessage || (len(msg) > 0 && msg[0] == 0x00) {
				handleControlFrame(console, msg)
				continue
			}
			if _, err := console.Write(msg); err != nil {
				return
			}
		}
	}()

	<-done
	endErr = sessionOutcome(console)
	if endErr != nil {
		_ = writeWSControl(conn, "error", userMessage(endErr))
	} else {
		_ = writeWSControl(conn, "closed", "session closed")
	}
	return nil
}

// sessionOutcome reaps a process-backed console and classifies how it
// ended. A PTY
// EOF alone is ambiguous: the helper's exit code tells a clean close apart
// from a rejected or broken session.
func sessionOutcome(console connection.ConsoleSession) error {
	w, ok := console.(interface{ Wait() error })
	if !ok {
		return nil
	}
	// Terminate first so Wait cannot block on a helper that outlived the
	// relay (for example after a client-side disconnect).
	_ = console.Close()
	if err := w.Wait(); !ptydriver.IsCleanExit(err) {
		return err
	}
	return nil
}

// handleControlFrame parses JSON control messages (resize).
func handleControlFrame(console connection.ConsoleSession, raw []byte) {
	if len(raw) > 0 && raw[0] == 0x00 {
		raw = raw[1:]
	}
	var msg struct {
		Resize *struct {
			Rows uint16 `json:"rows"`
			Cols uint16 `json:"cols"`
		} `json:"resize"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Resize == nil {
		return
	}
	_ = console.Resize(msg.Resize.Rows, msg.Resize.Cols)
}

func writeWSControl(conn *websocket.Conn, kind, message string) error {
	payload, _ := json.Marshal(map[string]string{"type": kind, "message": message})
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// handleDisplayOpen opens a display adapter. Transport sessions are tracked
// and answered with a stream endpoint; document sessions (SPICE .vv) return
// the document inline.
func handleDisplayOpen(e *core.RequestEvent) error {
	var body struct {
		ServerPath []string `json:"server_path"`
		Kind       string   `json:"kind"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil {
		return apiError(e, connection.NewValidation("invalid request body", err))
	}
	kind := connection.AdapterKind(body.Kind)
	switch kind {
	case connection.AdapterRDP, connection.AdapterVNC, connection.AdapterSPICE:
	default:
		return apiError(e, connection.NewValidation("not a display adapter: "+body.Kind, nil))
	}

	inst, srv, err := resolveServer(e, body.ServerPath)
	if err != nil {
		return apiError(e, err)
	}
	openCtx, cancel := contextWithOpenTimeout(e)
	defer cancel()
	sess, err := srv.OpenAdapter(openCtx, kind)
	if err != nil {
		return apiError(e, err)
	}

	connID := inst.Configuration().ID
	userID, userEmail, ip := clientInfo(e)
	auditOpen := func(detail map[string]any) {
		audit.Write(e.App, audit.Entry{
			UserID: userID, UserEmail: userEmail,
			Action: "session.display.open", ResourceType: "server",
			ResourceID: connID + "/" + strings.Join(body.ServerPath, "/"),
			Status:     audit.StatusSuccess, IP: ip, Detail: detail,
		})
	}

	if doc, ok := sess.(connection.DocumentSession); ok {
		name, content := doc.Document()
		_ = doc.Close()
		auditOpen(map[string]any{"kind": body.Kind, "document": name})
		return e.JSON(http.StatusOK, map[string]any{
			"kind":     body.Kind,
			"document": map[string]any{
				"filename": name,
				"content":  base64.StdEncoding.EncodeToString(content),
			},
		})
	}

	sessionID := deps.Sessions.Track(connID, sess)
	auditOpen(map[string]any{"kind": body.Kind, "session_id": sessionID})
	return e.JSON(http.StatusOK, map[string]any{
		"kind":       body.Kind,
		"session_id": sessionID,
		"stream":     "/api/vmgate/sessions/" + sessionID + "/stream",
	})
}

// handleDisplayStream relays the raw display transport over a WebSocket.
func handleDisplayStream(e *core.RequestEvent) error {
	sessionID := e.Request.PathValue("sessionId")
	sess, ok := deps.Sessions.Get(sessionID)
	if !ok {
		return apiError(e, connection.NewValidation("unknown session: "+sessionID, nil))
	}
	display, ok := sess.(connection.DisplaySession)
	if !ok {
		return apiError(e, connection.NewValidation("session is not a display transport", nil))
	}

	ws, err := wsUpgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		return nil
	}
	defer ws.Close()
	defer deps.Sessions.Close(sessionID)

	raw := display.Conn()
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 32<<10)
		for {
			n, err := raw.Read(buf)
			if n > 0 {
				if err := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				_ = raw.Close()
				return
			}
			deps.Sessions.Touch(sessionID)
			if _, err := raw.Write(msg); err != nil {
				return
			}
		}
	}()

	<-done
	return nil
}

func handleSessionClose(e *core.RequestEvent) error {
	sessionID := e.Request.PathValue("sessionId")
	if _, ok := deps.Sessions.Get(sessionID); !ok {
		return apiError(e, connection.NewValidation("unknown session: "+sessionID, nil))
	}
	deps.Sessions.Close(sessionID)
	return e.JSON(http.StatusOK, map[string]any{"closed": sessionID})
}

// withSFTP opens a short-lived SFTP session for one request.
func withSFTP(e *core.RequestEvent, fn func(s *adapter.SFTPSession) error) error {
	path, err := serverPathParam(e)
	if err != nil {
		return apiError(e, err)
	}
	_, srv, err := resolveServer(e, path)
	if err != nil {
		return apiError(e, err)
	}
	openCtx, cancel := contextWithOpenTimeout(e)
	defer cancel()
	sess, err := srv.OpenAdapter(openCtx, connection.AdapterSFTP)
	if err != nil {
		return apiError(e, err)
	}
	sftp, ok := sess.(*adapter.SFTPSession)
	if !ok {
		_ = sess.Close()
		return apiError(e, connection.NewInternal("adapter did not produce an sftp session", nil))
	}
	defer sftp.Close()
	return fn(sftp)
}

func handleSFTPList(e *core.RequestEvent) error {
	return withSFTP(e, func(s *adapter.SFTPSession) error {
		dir := e.Request.URL.Query().Get("dir")
		if dir == "" {
			dir = "."
		}
		entries, err := s.ListDir(dir)
		if err != nil {
			return apiError(e, err)
		}
		return e.JSON(http.StatusOK, map[string]any{"entries": entries})
	})
}

func handleSFTPDownload(e *core.RequestEvent) error {
	return withSFTP(e, func(s *adapter.SFTPSession) error {
		file := e.Request.URL.Query().Get("file")
		if file == "" {
			return apiError(e, connection.NewValidation("file query parameter is required", nil))
		}
		e.Response.Header().Set("Content-Type", "application/octet-stream")
		_, err := s.Download(file, e.Response)
		return err
	})
}

func handleSFTPUpload(e *core.RequestEvent) error {
	return withSFTP(e, func(s *adapter.SFTPSession) error {
		file := e.Request.URL.Query().Get("file")
		if file == "" {
			return apiError(e, connection.NewValidation("file query parameter is required", nil))
		}
		n, err := s.Upload(file, e.Request.Body)
		if err != nil {
			return apiError(e, err)
		}
		return e.JSON(http.StatusOK, map[string]any{"written": n})
	})
}

func handleSFTPRename(e *core.RequestEvent) error {
	return withSFTP(e, func(s *adapter.SFTPSession) error {
		var body struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil || body.From == "" || body.To == "" {
			return apiError(e, connection.NewValidation("from and to are required", err))
		}
		if err := s.Rename(body.From, body.To); err != nil {
			return apiError(e, err)
		}
		return e.JSON(http.StatusOK, map[string]any{"renamed": body.To})
	})
}

func handleSFTPDelete(e *core.RequestEvent) error {
	return withSFTP(e, func(s *adapter.SFTPSession) error {
		file := e.Request.URL.Query().Get("file")
		if file == "" {
			return apiError(e, connection.NewValidation("file query parameter is required", nil))
		}
		if err := s.Remove(file); err != nil {
			return apiError(e, err)
		}
		return e.JSON(http.StatusOK, map[string]any{"deleted": file})
	})
}
