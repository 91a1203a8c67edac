package app

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"studiodesk/api/internal/authpw"
	"studiodesk/api/internal/config"
	"studiodesk/api/internal/realtime"
	"studiodesk/api/internal/session"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/workspace"
)

// memBackend is a row store that accepts every write unless writeErr is set.
type memBackend struct {
	mu       sync.Mutex
	profiles map[string]store.User
	tasks    []store.Task
	channels []store.Channel
	writeErr error
}

func newMemBackend() *memBackend {
	return &memBackend{profiles: map[string]store.User{}}
}

func (b *memBackend) write() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeErr
}

func (b *memBackend) GetUser(_ context.Context, userID string) (store.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.profiles[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (b *memBackend) ListUsers(context.Context) ([]store.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	users := make([]store.User, 0, len(b.profiles))
	for _, user := range b.profiles {
		users = append(users, user)
	}
	return users, nil
}

func (b *memBackend) InsertUser(_ context.Context, user store.User) error {
	if err := b.write(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[user.ID] = user
	return nil
}

func (b *memBackend) UpdateUser(context.Context, store.User) error          { return b.write() }
func (b *memBackend) DeleteUser(context.Context, string) error              { return b.write() }
func (b *memBackend) TouchLastSeen(context.Context, string, time.Time) error { return nil }

func (b *memBackend) ListClients(context.Context) ([]store.Client, error) { return nil, nil }
func (b *memBackend) InsertClient(context.Context, store.Client) error    { return b.write() }
func (b *memBackend) UpdateClient(context.Context, store.Client) error    { return b.write() }
func (b *memBackend) DeleteClient(context.Context, string) error          { return b.write() }

func (b *memBackend) ListTasks(context.Context) ([]store.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Task(nil), b.tasks...), nil
}

func (b *memBackend) InsertTask(context.Context, store.Task) error { return b.write() }
func (b *memBackend) UpdateTask(context.Context, store.Task) error { return b.write() }
func (b *memBackend) UpdateTaskStatus(context.Context, string, store.TaskStatus) error {
	return b.write()
}
func (b *memBackend) DeleteTask(context.Context, string) error { return b.write() }

func (b *memBackend) ListSubtasks(context.Context) ([]store.Subtask, error)  { return nil, nil }
func (b *memBackend) InsertSubtask(context.Context, store.Subtask) error     { return b.write() }
func (b *memBackend) SetSubtaskDone(context.Context, string, bool) error     { return b.write() }
func (b *memBackend) DeleteSubtask(context.Context, string) error            { return b.write() }
func (b *memBackend) ListComments(context.Context) ([]store.Comment, error)  { return nil, nil }
func (b *memBackend) InsertComments(context.Context, []store.Comment) error  { return b.write() }
func (b *memBackend) UpdateCommentText(context.Context, string, string) error { return b.write() }
func (b *memBackend) DeleteComment(context.Context, string) error            { return b.write() }
func (b *memBackend) ListMessages(context.Context) ([]store.Message, error)  { return nil, nil }
func (b *memBackend) InsertMessage(context.Context, store.Message) error     { return b.write() }
func (b *memBackend) ListFileLinks(context.Context) ([]store.FileLink, error) { return nil, nil }
func (b *memBackend) InsertFileLink(context.Context, store.FileLink) error   { return b.write() }
func (b *memBackend) DeleteFileLink(context.Context, string) error           { return b.write() }

func (b *memBackend) RemoveMessageAttachment(context.Context, string, string) error {
	return b.write()
}

func (b *memBackend) ListChannels(context.Context) ([]store.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Channel(nil), b.channels...), nil
}

func (b *memBackend) InsertChannel(_ context.Context, item store.Channel) error {
	if err := b.write(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, item)
	return nil
}

func (b *memBackend) DeleteChannel(context.Context, string) error { return b.write() }

type fakeAccounts struct {
	signUpFn         func(context.Context, authpw.SignUpRequest) (authpw.Account, error)
	signInFn         func(context.Context, string, string) (authpw.Account, error)
	changePasswordFn func(context.Context, string, string, string) error
}

func (f *fakeAccounts) SignUp(ctx context.Context, req authpw.SignUpRequest) (authpw.Account, error) {
	if f.signUpFn != nil {
		return f.signUpFn(ctx, req)
	}
	return authpw.Account{}, authpw.ErrEmailTaken
}

func (f *fakeAccounts) SignIn(ctx context.Context, email, password string) (authpw.Account, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, email, password)
	}
	return authpw.Account{}, authpw.ErrInvalidCredentials
}

func (f *fakeAccounts) ChangePassword(ctx context.Context, email, current, next string) error {
	if f.changePasswordFn != nil {
		return f.changePasswordFn(ctx, email, current, next)
	}
	return nil
}

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

var (
	adminAccount  = authpw.Account{UserID: "u_ana", Email: "ana.lopez@studio.test"}
	memberAccount = authpw.Account{UserID: "u_ben", Email: "ben.ode@studio.test"}
)

type testEnv struct {
	service  *Service
	server   *HTTPServer
	backend  *memBackend
	accounts *fakeAccounts
	redis    *miniredis.Miniredis
}

// newTestEnv wires a configured service over an in-memory backend with an
// admin and a member profile. Any password signs in either account.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := newMemBackend()
	backend.profiles[adminAccount.UserID] = store.User{ID: adminAccount.UserID, Name: "Ana Lopez", Email: adminAccount.Email, Role: store.RoleAdmin, Status: store.UserActive}
	backend.profiles[memberAccount.UserID] = store.User{ID: memberAccount.UserID, Name: "Ben Ode", Email: memberAccount.Email, Role: store.RoleMember, Status: store.UserActive}

	accounts := &fakeAccounts{
		signInFn: func(_ context.Context, email, _ string) (authpw.Account, error) {
			switch email {
			case adminAccount.Email:
				return adminAccount, nil
			case memberAccount.Email:
				return memberAccount, nil
			}
			return authpw.Account{}, authpw.ErrInvalidCredentials
		},
	}

	ws := workspace.New(workspace.Deps{Backend: backend, Feed: realtime.NewHub()}, workspace.Options{NotificationTTL: time.Minute})
	t.Cleanup(ws.Close)

	cfg := config.Config{TokenSecret: "test-secret", SessionTTL: time.Hour}
	svc := New(cfg, Deps{
		Workspace: ws,
		Accounts:  accounts,
		Sessions:  session.NewRedisStoreWithClient(client),
		DB:        fakePinger{},
	})
	return &testEnv{
		service:  svc,
		server:   NewHTTPServer(svc, "*"),
		backend:  backend,
		accounts: accounts,
		redis:    mr,
	}
}

// signIn signs account in and waits until its profile is loaded.
func (e *testEnv) signIn(t *testing.T, account authpw.Account) string {
	t.Helper()
	sess, _, err := e.service.SignIn(context.Background(), account.Email, "correct horse")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	waitFor(t, "profile load", func() bool {
		return e.service.Workspace().Phase() == workspace.PhaseLoaded
	})
	return sess.Token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
