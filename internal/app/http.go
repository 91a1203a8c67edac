package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"studiodesk/api/internal/auth"
	"studiodesk/api/internal/authpw"
	"studiodesk/api/internal/rbac"
	"studiodesk/api/internal/report"
	"studiodesk/api/internal/search"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/workspace"
)

// maxUploadSize bounds multipart uploads.
const maxUploadSize = 25 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "configured": s.service.Configured()})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if !s.service.Configured() {
		s.fail(w, errBackendMissing)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Name     string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, profile, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.Name)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(sess, profile))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, profile, err := s.service.SignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sess, profile))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "phase": s.service.Workspace().Phase()})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "phase": s.service.Workspace().Phase()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        sess.UserID,
			"email":         sess.Email,
			"phase":         s.service.Workspace().Phase(),
			"expiresAt":     sess.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		sess := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				sess = parsed
			}
		}
		s.service.SignOut(r.Context(), sess)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	ws := s.service.Workspace()

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.serveStream(w, r, ws)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/state" {
		writeJSON(w, http.StatusOK, ws.Snapshot())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/password" {
		var body struct {
			Current string `json:"current"`
			Next    string `json:"next"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), sess, body.Current, body.Next); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{
			Text:            query.Get("q"),
			FilterType:      search.ResultType(query.Get("type")),
			FilterChannelID: query.Get("channel"),
			Limit:           limit,
			Offset:          offset,
		}))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "notifications":
		s.handleNotifications(w, r, ws, parts[2:])
	case "profile":
		s.handleProfile(w, r, ws, parts[2:])
	case "users":
		s.handleUsers(w, r, ws, parts[2:])
	case "clients":
		s.handleClients(w, r, ws, parts[2:])
	case "tasks":
		s.handleTasks(w, r, ws, parts[2:])
	case "channels":
		s.handleChannels(w, r, ws, parts[2:])
	case "files":
		s.handleFiles(w, r, ws, parts[2:])
	case "reports":
		s.handleReports(w, r, ws, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func sessionPayload(sess Session, profile store.User) map[string]any {
	return map[string]any{
		"accessToken": sess.Token,
		"userId":      sess.UserID,
		"email":       sess.Email,
		"expiresAt":   sess.ExpiresAt.Unix(),
		"profile":     profile,
	}
}

// allow writes a 403 unless the signed-in user may perform action.
func allow(w http.ResponseWriter, ws *workspace.Workspace, action rbac.Action) bool {
	if ws.Allowed(action) {
		return true
	}
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
	return false
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	if r.Method == http.MethodGet && len(parts) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"notifications": ws.Notifications().List()})
		return
	}
	if r.Method == http.MethodDelete && len(parts) == 1 {
		if !ws.Notifications().Dismiss(parts[0]) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Notification not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 0:
		profile, _ := ws.Profile()
		writeJSON(w, http.StatusOK, profile)
	case r.Method == http.MethodPut && len(parts) == 0:
		var body workspace.ProfileInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		profile, err := ws.UpdateProfile(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "changes":
		changes, err := ws.ProfileChanges(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	if r.Method == http.MethodGet && len(parts) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"users": ws.Users(), "online": ws.Online()})
		return
	}
	if !allow(w, ws, rbac.ActionManageUsers) {
		return
	}
	switch {
	case r.Method == http.MethodPost && len(parts) == 0:
		var body workspace.UserInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := ws.AddUser(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	case r.Method == http.MethodPut && len(parts) == 1:
		var body workspace.UserInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := ws.UpdateUser(r.Context(), parts[0], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := ws.RemoveUser(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleClients(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	if r.Method == http.MethodGet && len(parts) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"clients": ws.Clients()})
		return
	}
	if !allow(w, ws, rbac.ActionManageClients) {
		return
	}
	switch {
	case r.Method == http.MethodPost && len(parts) == 0:
		var body workspace.ClientInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		client, err := ws.AddClient(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, client)
	case r.Method == http.MethodPut && len(parts) == 1:
		var body workspace.ClientInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		client, err := ws.UpdateClient(r.Context(), parts[0], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, client)
	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := ws.DeleteClient(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	if r.Method == http.MethodGet && len(parts) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": ws.Tasks()})
		return
	}
	if r.Method == http.MethodGet && len(parts) == 1 {
		task, ok := ws.Task(parts[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	// Comments are conversation, open to everyone who can chat.
	if len(parts) >= 2 && parts[1] == "comments" {
		if !allow(w, ws, rbac.ActionChat) {
			return
		}
		s.handleComments(w, r, ws, parts[0], parts[2:])
		return
	}

	if !allow(w, ws, rbac.ActionManageTasks) {
		return
	}
	switch {
	case r.Method == http.MethodPost && len(parts) == 0:
		var body workspace.TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := ws.CreateTask(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case r.Method == http.MethodPut && len(parts) == 1:
		var body workspace.TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := ws.UpdateTask(r.Context(), parts[0], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case r.Method == http.MethodPut && len(parts) == 2 && parts[1] == "status":
		var body struct {
			Status store.TaskStatus `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ws.SetTaskStatus(r.Context(), parts[0], body.Status); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := ws.DeleteTask(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "subtasks":
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		subtask, err := ws.AddSubtask(r.Context(), parts[0], body.Title)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, subtask)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "subtasks" && parts[3] == "toggle":
		if err := ws.ToggleSubtask(r.Context(), parts[0], parts[2]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "subtasks":
		if err := ws.DeleteSubtask(r.Context(), parts[0], parts[2]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, taskID string, parts []string) {
	switch {
	case r.Method == http.MethodPost && len(parts) == 0:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := ws.AddComment(r.Context(), taskID, body.Text)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)
	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := ws.DeleteComment(r.Context(), taskID, parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleChannels(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 0:
		writeJSON(w, http.StatusOK, map[string]any{"channels": ws.Channels(), "current": ws.CurrentChannel()})
	case r.Method == http.MethodPost && len(parts) == 0:
		if !allow(w, ws, rbac.ActionManageChannels) {
			return
		}
		var body workspace.ChannelInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		channel, err := ws.AddChannel(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, channel)
	case r.Method == http.MethodDelete && len(parts) == 1:
		if !allow(w, ws, rbac.ActionManageChannels) {
			return
		}
		if err := ws.DeleteChannel(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "select":
		if err := ws.SelectChannel(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "read":
		if err := ws.MarkChannelRead(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "messages":
		writeJSON(w, http.StatusOK, map[string]any{"messages": ws.Messages(parts[0])})
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "messages":
		if !allow(w, ws, rbac.ActionChat) {
			return
		}
		var body struct {
			Text        string   `json:"text"`
			Attachments []string `json:"attachments"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		message, err := ws.SendMessage(r.Context(), parts[0], body.Text, body.Attachments)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, message)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 0:
		writeJSON(w, http.StatusOK, map[string]any{"files": ws.Files()})
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "links":
		var body struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		link, err := ws.AddFileLink(r.Context(), body.Name, body.URL)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "upload":
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field \"file\" is required", nil)
			return
		}
		defer file.Close()
		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		link, err := ws.UploadFile(r.Context(), name, header.Header.Get("Content-Type"), file, header.Size)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)
	case r.Method == http.MethodDelete && len(parts) == 0:
		// Refs contain '|' separators, so they travel as a query parameter.
		ref, err := workspace.ParseFileRef(r.URL.Query().Get("ref"))
		if err != nil {
			s.fail(w, err)
			return
		}
		if err := ws.DeleteFile(r.Context(), ref); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReports(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, parts []string) {
	if r.Method != http.MethodGet || len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if !allow(w, ws, rbac.ActionViewReports) {
		return
	}
	withInsight := r.URL.Query().Get("insight") == "true"

	switch parts[0] {
	case "summary":
		summary, err := ws.Report(time.Now())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case "insight":
		text, err := ws.Insight(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"insight": text})
	case "html":
		html, err := s.service.ReportHTML(r.Context(), withInsight)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(html))
	case "pdf":
		result, err := s.service.ReportPDF(r.Context(), withInsight)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		// Browsers cannot set headers on a WebSocket handshake.
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, err)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Printf("app: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes WebSocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var writeErr *workspace.WriteError
	switch {
	case errors.As(err, &writeErr):
		return http.StatusBadGateway, "WRITE_FAILED", workspace.Describe(writeErr.Err), map[string]any{"action": writeErr.Action}
	case errors.Is(err, workspace.ErrInvalidInput), errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrInvalidEmail):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, workspace.ErrInvalidFileRef):
		return http.StatusBadRequest, "INVALID_FILE_REF", err.Error(), nil
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, workspace.ErrUnknownChannel), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, workspace.ErrNotSignedIn):
		return http.StatusUnauthorized, "NOT_SIGNED_IN", "Not signed in", nil
	case errors.Is(err, workspace.ErrProfileLoading):
		return http.StatusConflict, "PROFILE_LOADING", "The profile is still loading", nil
	case errors.Is(err, workspace.ErrStaleSession):
		return http.StatusConflict, "SESSION_ENDED", "The session ended before the request finished", nil
	case errors.Is(err, workspace.ErrUploadsDisabled), errors.Is(err, report.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
