package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"studiodesk/api/internal/auth"
	"studiodesk/api/internal/authpw"
	"studiodesk/api/internal/report"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/workspace"
)

func (e *testEnv) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response for %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func TestSignInReturnsSession(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := env.do(t, http.MethodPost, "/api/auth/signin", "", `{"email":"ana.lopez@studio.test","password":"correct horse"}`)
	expectStatus(t, rr, http.StatusOK)

	token, _ := payload["accessToken"].(string)
	if token == "" {
		t.Fatalf("expected accessToken, got %v", payload)
	}
	if payload["userId"] != adminAccount.UserID {
		t.Fatalf("userId = %v, want %s", payload["userId"], adminAccount.UserID)
	}
	claims, err := auth.ParseToken([]byte("test-secret"), token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != adminAccount.UserID {
		t.Fatalf("claims.Sub = %q", claims.Sub)
	}
	if !env.redis.Exists("session:" + auth.HashToken(token)) {
		t.Fatalf("expected session to be stored in redis, keys=%v", env.redis.Keys())
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := env.do(t, http.MethodPost, "/api/auth/signin", "", `{"email":"nobody@studio.test","password":"x"}`)
	expectStatus(t, rr, http.StatusUnauthorized)
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %v", payload["code"])
	}
	if phase := env.service.Workspace().Phase(); phase != workspace.PhaseUnauthenticated {
		t.Fatalf("phase = %s, want unauthenticated", phase)
	}
}

func TestSignInRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := env.do(t, http.MethodPost, "/api/auth/signin", "", `{"email":`)
	expectStatus(t, rr, http.StatusBadRequest)
	if payload["code"] != "INVALID_BODY" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestSignUpErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "taken", err: authpw.ErrEmailTaken, wantCode: http.StatusConflict},
		{name: "weak password", err: authpw.ErrWeakPassword, wantCode: http.StatusUnprocessableEntity},
		{name: "bad email", err: authpw.ErrInvalidEmail, wantCode: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.accounts.signUpFn = func(context.Context, authpw.SignUpRequest) (authpw.Account, error) {
				return authpw.Account{}, tt.err
			}
			rr, _ := env.do(t, http.MethodPost, "/api/auth/signup", "", `{"email":"a@b.test","password":"pw","name":"A"}`)
			expectStatus(t, rr, tt.wantCode)
		})
	}
}

func TestSignUpStartsSession(t *testing.T) {
	env := newTestEnv(t)
	var got authpw.SignUpRequest
	env.accounts.signUpFn = func(_ context.Context, req authpw.SignUpRequest) (authpw.Account, error) {
		got = req
		return authpw.Account{UserID: "u_new", Email: req.Email}, nil
	}

	rr, payload := env.do(t, http.MethodPost, "/api/auth/signup", "", `{"email":"new@studio.test","password":"long enough","name":"New Person"}`)
	expectStatus(t, rr, http.StatusCreated)
	if got.Name != "New Person" || got.Password != "long enough" {
		t.Fatalf("SignUp request = %+v", got)
	}
	if payload["userId"] != "u_new" {
		t.Fatalf("userId = %v", payload["userId"])
	}
	if identity := env.service.Workspace().Identity(); identity.UserID != "u_new" {
		t.Fatalf("workspace identity = %+v", identity)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/state", "/api/tasks", "/api/search?q=x"} {
		rr, payload := env.do(t, http.MethodGet, path, "", "")
		expectStatus(t, rr, http.StatusUnauthorized)
		if payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: code = %v", path, payload["code"])
		}
	}

	rr, _ := env.do(t, http.MethodGet, "/api/state", "not-a-token", "")
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestStateReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, payload := env.do(t, http.MethodGet, "/api/state", token, "")
	expectStatus(t, rr, http.StatusOK)
	if payload["phase"] != string(workspace.PhaseLoaded) {
		t.Fatalf("phase = %v", payload["phase"])
	}
	profile, _ := payload["profile"].(map[string]any)
	if profile["id"] != adminAccount.UserID || profile["role"] != store.RoleAdmin {
		t.Fatalf("profile = %v", profile)
	}
}

func TestSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := env.do(t, http.MethodGet, "/api/session", "", "")
	expectStatus(t, rr, http.StatusOK)
	if payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated session, got %v", payload)
	}

	token := env.signIn(t, adminAccount)
	_, payload = env.do(t, http.MethodGet, "/api/session", token, "")
	if payload["authenticated"] != true || payload["userId"] != adminAccount.UserID {
		t.Fatalf("session = %v", payload)
	}
}

func TestSignOutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, _ := env.do(t, http.MethodPost, "/api/auth/signout", token, "")
	expectStatus(t, rr, http.StatusOK)
	if phase := env.service.Workspace().Phase(); phase != workspace.PhaseUnauthenticated {
		t.Fatalf("phase = %s, want unauthenticated", phase)
	}

	rr, _ = env.do(t, http.MethodGet, "/api/state", token, "")
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestTokenRestoresSessionAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)
	env.service.Workspace().SignOut(context.Background())

	rr, _ := env.do(t, http.MethodGet, "/api/state", token, "")
	expectStatus(t, rr, http.StatusOK)
	if identity := env.service.Workspace().Identity(); identity.UserID != adminAccount.UserID {
		t.Fatalf("identity = %+v, want restored admin", identity)
	}
}

func TestTokenForOtherUserConflicts(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.signIn(t, adminAccount)
	env.signIn(t, memberAccount)

	rr, payload := env.do(t, http.MethodGet, "/api/state", adminToken, "")
	expectStatus(t, rr, http.StatusConflict)
	if payload["code"] != "SESSION_CONFLICT" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, task := env.do(t, http.MethodPost, "/api/tasks", token, `{"title":"Brand refresh","priority":"high"}`)
	expectStatus(t, rr, http.StatusCreated)
	taskID, _ := task["id"].(string)
	if taskID == "" || task["status"] != string(store.StatusTodo) {
		t.Fatalf("created task = %v", task)
	}

	rr, _ = env.do(t, http.MethodPut, "/api/tasks/"+taskID+"/status", token, `{"status":"in_progress"}`)
	expectStatus(t, rr, http.StatusOK)

	rr, got := env.do(t, http.MethodGet, "/api/tasks/"+taskID, token, "")
	expectStatus(t, rr, http.StatusOK)
	if got["status"] != string(store.StatusInProgress) {
		t.Fatalf("status = %v", got["status"])
	}

	rr, subtask := env.do(t, http.MethodPost, "/api/tasks/"+taskID+"/subtasks", token, `{"title":"Moodboard"}`)
	expectStatus(t, rr, http.StatusCreated)
	subtaskID, _ := subtask["id"].(string)

	rr, _ = env.do(t, http.MethodPost, "/api/tasks/"+taskID+"/subtasks/"+subtaskID+"/toggle", token, "")
	expectStatus(t, rr, http.StatusOK)

	rr, _ = env.do(t, http.MethodPost, "/api/tasks/"+taskID+"/comments", token, `{"text":"Looks good"}`)
	expectStatus(t, rr, http.StatusCreated)

	rr, _ = env.do(t, http.MethodDelete, "/api/tasks/"+taskID, token, "")
	expectStatus(t, rr, http.StatusOK)

	rr, _ = env.do(t, http.MethodGet, "/api/tasks/"+taskID, token, "")
	expectStatus(t, rr, http.StatusNotFound)
}

func TestTaskErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, payload := env.do(t, http.MethodPost, "/api/tasks", token, `{"title":"   "}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", payload["code"])
	}

	rr, _ = env.do(t, http.MethodPut, "/api/tasks/missing", token, `{"title":"x"}`)
	expectStatus(t, rr, http.StatusNotFound)

	env.backend.mu.Lock()
	env.backend.writeErr = errors.New("connection reset")
	env.backend.mu.Unlock()

	rr, payload = env.do(t, http.MethodPost, "/api/tasks", token, `{"title":"Will fail"}`)
	expectStatus(t, rr, http.StatusBadGateway)
	if payload["code"] != "WRITE_FAILED" {
		t.Fatalf("code = %v", payload["code"])
	}
	if tasks := env.service.Workspace().Tasks(); len(tasks) != 0 {
		t.Fatalf("expected failed task to be rolled back, got %v", tasks)
	}
}

func TestMemberPermissions(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, memberAccount)

	forbidden := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/channels", `{"name":"design","kind":"project"}`},
		{http.MethodPost, "/api/users", `{"name":"X","email":"x@studio.test"}`},
		{http.MethodPost, "/api/clients", `{"name":"Acme"}`},
		{http.MethodGet, "/api/reports/summary", ""},
	}
	for _, tc := range forbidden {
		rr, payload := env.do(t, tc.method, tc.path, token, tc.body)
		expectStatus(t, rr, http.StatusForbidden)
		if payload["code"] != "FORBIDDEN" {
			t.Fatalf("%s %s: code = %v", tc.method, tc.path, payload["code"])
		}
	}

	rr, message := env.do(t, http.MethodPost, "/api/channels/default/messages", token, `{"text":"hello team"}`)
	expectStatus(t, rr, http.StatusCreated)
	channelID, _ := message["channel_id"].(string)
	if channelID == "" {
		t.Fatalf("message = %v", message)
	}

	rr, payload := env.do(t, http.MethodGet, "/api/channels/"+channelID+"/messages", token, "")
	expectStatus(t, rr, http.StatusOK)
	if messages, _ := payload["messages"].([]any); len(messages) != 1 {
		t.Fatalf("messages = %v", payload["messages"])
	}
}

func TestClientsAndUsers(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, client := env.do(t, http.MethodPost, "/api/clients", token, `{"name":"Acme","status":"active"}`)
	expectStatus(t, rr, http.StatusCreated)
	clientID, _ := client["id"].(string)

	rr, client = env.do(t, http.MethodPut, "/api/clients/"+clientID, token, `{"name":"Acme Studio","status":"active"}`)
	expectStatus(t, rr, http.StatusOK)
	if client["name"] != "Acme Studio" {
		t.Fatalf("client = %v", client)
	}

	rr, _ = env.do(t, http.MethodPost, "/api/clients", token, `{"name":"Acme","status":"archived"}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, user := env.do(t, http.MethodPost, "/api/users", token, `{"name":"Cara","email":"cara@studio.test","role":"analyst"}`)
	expectStatus(t, rr, http.StatusCreated)
	if user["status"] != store.UserPending {
		t.Fatalf("user = %v", user)
	}
}

func TestChannelRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, channel := env.do(t, http.MethodPost, "/api/channels", token, `{"name":"design","kind":"project"}`)
	expectStatus(t, rr, http.StatusCreated)
	channelID, _ := channel["id"].(string)

	rr, _ = env.do(t, http.MethodPost, "/api/channels/"+channelID+"/select", token, "")
	expectStatus(t, rr, http.StatusOK)
	if current := env.service.Workspace().CurrentChannel(); current != channelID {
		t.Fatalf("CurrentChannel() = %q, want %q", current, channelID)
	}

	rr, _ = env.do(t, http.MethodPost, "/api/channels/"+channelID+"/read", token, "")
	expectStatus(t, rr, http.StatusOK)

	rr, _ = env.do(t, http.MethodPost, "/api/channels/missing/messages", token, `{"text":"hi"}`)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestFileRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, link := env.do(t, http.MethodPost, "/api/files/links", token, `{"name":"Brief","url":"https://docs.studio.test/brief"}`)
	expectStatus(t, rr, http.StatusCreated)
	linkID, _ := link["id"].(string)

	rr, payload := env.do(t, http.MethodGet, "/api/files", token, "")
	expectStatus(t, rr, http.StatusOK)
	if files, _ := payload["files"].([]any); len(files) != 1 {
		t.Fatalf("files = %v", payload["files"])
	}

	rr, _ = env.do(t, http.MethodDelete, "/api/files?ref=bogus", token, "")
	expectStatus(t, rr, http.StatusBadRequest)

	rr, _ = env.do(t, http.MethodDelete, "/api/files?ref=link%7C"+linkID, token, "")
	expectStatus(t, rr, http.StatusOK)
	if links := env.service.Workspace().FileLinks(); len(links) != 0 {
		t.Fatalf("FileLinks() = %v", links)
	}
}

func TestUploadWithoutStorage(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "logo.png")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write([]byte("png"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)

	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestProfileRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, profile := env.do(t, http.MethodPut, "/api/profile", token, `{"phone":"+34 600 000 000"}`)
	expectStatus(t, rr, http.StatusOK)
	if profile["phone"] != "+34 600 000 000" {
		t.Fatalf("profile = %v", profile)
	}

	rr, _ = env.do(t, http.MethodGet, "/api/profile", token, "")
	expectStatus(t, rr, http.StatusOK)

	var gotEmail, gotNext string
	env.accounts.changePasswordFn = func(_ context.Context, email, _, next string) error {
		gotEmail, gotNext = email, next
		return nil
	}
	rr, _ = env.do(t, http.MethodPost, "/api/auth/password", token, `{"current":"old password","next":"new password"}`)
	expectStatus(t, rr, http.StatusOK)
	if gotEmail != adminAccount.Email || gotNext != "new password" {
		t.Fatalf("ChangePassword got email=%q next=%q", gotEmail, gotNext)
	}
}

func TestNotificationRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)
	entry := env.service.Workspace().Notifications().Push("Heads up", "something happened", workspace.SeverityInfo)

	rr, payload := env.do(t, http.MethodGet, "/api/notifications", token, "")
	expectStatus(t, rr, http.StatusOK)
	if list, _ := payload["notifications"].([]any); len(list) == 0 {
		t.Fatalf("notifications = %v", payload)
	}

	rr, _ = env.do(t, http.MethodDelete, "/api/notifications/"+entry.ID, token, "")
	expectStatus(t, rr, http.StatusOK)

	rr, _ = env.do(t, http.MethodDelete, "/api/notifications/"+entry.ID, token, "")
	expectStatus(t, rr, http.StatusNotFound)
}

func TestReportRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	var gotTitle string
	env.service.exportPDF = func(_ context.Context, html, title string) (*report.Result, error) {
		gotTitle = title
		return &report.Result{Data: []byte("%PDF"), Filename: "report.pdf", MimeType: "application/pdf"}, nil
	}

	rr, summary := env.do(t, http.MethodGet, "/api/reports/summary", token, "")
	expectStatus(t, rr, http.StatusOK)
	if len(summary) == 0 {
		t.Fatalf("expected summary payload")
	}

	rr, _ = env.do(t, http.MethodGet, "/api/reports/html", token, "")
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}

	rr, _ = env.do(t, http.MethodGet, "/api/reports/pdf", token, "")
	expectStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "%PDF" || !strings.HasPrefix(gotTitle, "Workspace report ") {
		t.Fatalf("pdf body=%q title=%q", rr.Body.String(), gotTitle)
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename="report.pdf"` {
		t.Fatalf("Content-Disposition = %q", got)
	}

	rr, payload := env.do(t, http.MethodGet, "/api/reports/insight", token, "")
	expectStatus(t, rr, http.StatusOK)
	if payload["insight"] != workspace.InsightFallback {
		t.Fatalf("insight = %v", payload["insight"])
	}

	env.service.exportPDF = func(context.Context, string, string) (*report.Result, error) {
		return nil, report.ErrPDFDependencyMissing
	}
	rr, _ = env.do(t, http.MethodGet, "/api/reports/pdf", token, "")
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestSearchWithoutBackend(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, adminAccount)

	rr, payload := env.do(t, http.MethodGet, "/api/search?q=%20brand%20", token, "")
	expectStatus(t, rr, http.StatusOK)
	if payload["query"] != "brand" {
		t.Fatalf("query = %v", payload["query"])
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{workspace.ErrNotSignedIn, http.StatusUnauthorized, "NOT_SIGNED_IN"},
		{fmt.Errorf("%w: c_1", workspace.ErrUnknownChannel), http.StatusNotFound, "NOT_FOUND"},
		{sql.ErrNoRows, http.StatusNotFound, "NOT_FOUND"},
		{workspace.ErrInvalidFileRef, http.StatusBadRequest, "INVALID_FILE_REF"},
		{workspace.ErrStaleSession, http.StatusConflict, "SESSION_ENDED"},
		{workspace.ErrUploadsDisabled, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{&workspace.WriteError{Action: "add task", Err: errors.New("boom")}, http.StatusBadGateway, "WRITE_FAILED"},
		{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot, "TEAPOT"},
		{errors.New("unexpected"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		status, code, _, _ := mapError(tt.err)
		if status != tt.wantStatus || code != tt.wantCode {
			t.Errorf("mapError(%v) = %d %s, want %d %s", tt.err, status, code, tt.wantStatus, tt.wantCode)
		}
	}
}
