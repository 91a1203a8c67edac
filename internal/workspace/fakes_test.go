package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"studiodesk/api/internal/prefs"
	"studiodesk/api/internal/realtime"
	"studiodesk/api/internal/store"
)

// fakeBackend keeps rows in memory. Writes are recorded by method name and
// fail with the error registered in fail, if any.
type fakeBackend struct {
	mu sync.Mutex

	profiles map[string]store.User
	users    []store.User
	clients  []store.Client
	tasks    []store.Task
	subtasks []store.Subtask
	comments []store.Comment
	channels []store.Channel
	messages []store.Message
	links    []store.FileLink

	fail    map[string]error
	writes  []string
	touches int

	getUserFn        func(context.Context, string) (store.User, error)
	listChannelsFn   func(context.Context) ([]store.Channel, error)
	insertChannelFn  func(context.Context, store.Channel) error
	insertCommentsFn func(context.Context, []store.Comment) error
	insertTaskFn     func(context.Context, store.Task) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{profiles: map[string]store.User{}, fail: map[string]error{}}
}

func (b *fakeBackend) failOn(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[method] = err
}

func (b *fakeBackend) write(method string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := method
	for _, arg := range args {
		entry += fmt.Sprintf(" %v", arg)
	}
	b.writes = append(b.writes, entry)
	return b.fail[method]
}

func (b *fakeBackend) recordedWrites() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.writes...)
}

func (b *fakeBackend) resetWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = nil
}

func (b *fakeBackend) GetUser(ctx context.Context, userID string) (store.User, error) {
	if b.getUserFn != nil {
		return b.getUserFn(ctx, userID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.profiles[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (b *fakeBackend) ListUsers(context.Context) ([]store.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.User(nil), b.users...), nil
}

func (b *fakeBackend) InsertUser(_ context.Context, user store.User) error {
	return b.write("InsertUser", user.ID)
}

func (b *fakeBackend) UpdateUser(_ context.Context, user store.User) error {
	return b.write("UpdateUser", user.ID)
}

func (b *fakeBackend) DeleteUser(_ context.Context, userID string) error {
	return b.write("DeleteUser", userID)
}

func (b *fakeBackend) TouchLastSeen(context.Context, string, time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touches++
	return nil
}

func (b *fakeBackend) touchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.touches
}

func (b *fakeBackend) ListClients(context.Context) ([]store.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Client(nil), b.clients...), nil
}

func (b *fakeBackend) InsertClient(_ context.Context, item store.Client) error {
	return b.write("InsertClient", item.ID)
}

func (b *fakeBackend) UpdateClient(_ context.Context, item store.Client) error {
	return b.write("UpdateClient", item.ID)
}

func (b *fakeBackend) DeleteClient(_ context.Context, clientID string) error {
	return b.write("DeleteClient", clientID)
}

func (b *fakeBackend) ListTasks(context.Context) ([]store.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Task(nil), b.tasks...), nil
}

func (b *fakeBackend) InsertTask(ctx context.Context, item store.Task) error {
	if b.insertTaskFn != nil {
		if err := b.insertTaskFn(ctx, item); err != nil {
			return err
		}
	}
	if err := b.write("InsertTask", item.ID); err != nil {
		return err
	}
	b.mu.Lock()
	b.tasks = append(b.tasks, item)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) UpdateTask(_ context.Context, item store.Task) error {
	return b.write("UpdateTask", item.ID)
}

func (b *fakeBackend) UpdateTaskStatus(_ context.Context, taskID string, status store.TaskStatus) error {
	return b.write("UpdateTaskStatus", taskID, status)
}

func (b *fakeBackend) DeleteTask(_ context.Context, taskID string) error {
	return b.write("DeleteTask", taskID)
}

func (b *fakeBackend) ListSubtasks(context.Context) ([]store.Subtask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Subtask(nil), b.subtasks...), nil
}

func (b *fakeBackend) InsertSubtask(_ context.Context, item store.Subtask) error {
	return b.write("InsertSubtask", item.ID)
}

func (b *fakeBackend) SetSubtaskDone(_ context.Context, subtaskID string, done bool) error {
	return b.write("SetSubtaskDone", subtaskID, done)
}

func (b *fakeBackend) DeleteSubtask(_ context.Context, subtaskID string) error {
	return b.write("DeleteSubtask", subtaskID)
}

func (b *fakeBackend) ListComments(context.Context) ([]store.Comment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Comment(nil), b.comments...), nil
}

func (b *fakeBackend) InsertComments(ctx context.Context, items []store.Comment) error {
	if b.insertCommentsFn != nil {
		return b.insertCommentsFn(ctx, items)
	}
	return b.write("InsertComments", len(items))
}

func (b *fakeBackend) UpdateCommentText(_ context.Context, commentID, text string) error {
	return b.write("UpdateCommentText", commentID, text)
}

func (b *fakeBackend) DeleteComment(_ context.Context, commentID string) error {
	return b.write("DeleteComment", commentID)
}

func (b *fakeBackend) ListChannels(ctx context.Context) ([]store.Channel, error) {
	if b.listChannelsFn != nil {
		return b.listChannelsFn(ctx)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Channel(nil), b.channels...), nil
}

func (b *fakeBackend) InsertChannel(ctx context.Context, item store.Channel) error {
	if b.insertChannelFn != nil {
		if err := b.insertChannelFn(ctx, item); err != nil {
			return err
		}
	}
	if err := b.write("InsertChannel", item.Name); err != nil {
		return err
	}
	b.mu.Lock()
	b.channels = append(b.channels, item)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) DeleteChannel(_ context.Context, channelID string) error {
	return b.write("DeleteChannel", channelID)
}

func (b *fakeBackend) ListMessages(context.Context) ([]store.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Message(nil), b.messages...), nil
}

func (b *fakeBackend) InsertMessage(_ context.Context, item store.Message) error {
	return b.write("InsertMessage", item.ChannelID)
}

func (b *fakeBackend) RemoveMessageAttachment(_ context.Context, messageID, name string) error {
	return b.write("RemoveMessageAttachment", messageID, name)
}

func (b *fakeBackend) ListFileLinks(context.Context) ([]store.FileLink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.FileLink(nil), b.links...), nil
}

func (b *fakeBackend) InsertFileLink(_ context.Context, item store.FileLink) error {
	return b.write("InsertFileLink", item.URL)
}

func (b *fakeBackend) DeleteFileLink(_ context.Context, linkID string) error {
	return b.write("DeleteFileLink", linkID)
}

type fakePrefs struct {
	mu       sync.Mutex
	lastRead map[string]map[string]time.Time
	changes  map[string][]prefs.ProfileChange
	setErr   error
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{lastRead: map[string]map[string]time.Time{}, changes: map[string][]prefs.ProfileChange{}}
}

func (p *fakePrefs) LastRead(_ context.Context, userID string) (map[string]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]time.Time{}
	for channelID, at := range p.lastRead[userID] {
		out[channelID] = at
	}
	return out, nil
}

func (p *fakePrefs) SetLastRead(_ context.Context, userID, channelID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setErr != nil {
		return p.setErr
	}
	if p.lastRead[userID] == nil {
		p.lastRead[userID] = map[string]time.Time{}
	}
	p.lastRead[userID][channelID] = at
	return nil
}

func (p *fakePrefs) AppendProfileChange(_ context.Context, userID string, change prefs.ProfileChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes[userID] = append([]prefs.ProfileChange{change}, p.changes[userID]...)
	return nil
}

func (p *fakePrefs) ProfileChanges(_ context.Context, userID string) ([]prefs.ProfileChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]prefs.ProfileChange(nil), p.changes[userID]...), nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
}

func (f *fakeIndexer) add(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, entry)
}

func (f *fakeIndexer) IndexTask(task store.Task)          { f.add("task " + task.ID) }
func (f *fakeIndexer) IndexMessage(message store.Message) { f.add("message " + message.ID) }
func (f *fakeIndexer) IndexFileLink(link store.FileLink)  { f.add("link " + link.ID) }
func (f *fakeIndexer) DeleteTask(id string)               { f.add("-task " + id) }
func (f *fakeIndexer) DeleteFileLink(id string)           { f.add("-link " + id) }

func (f *fakeIndexer) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.indexed...)
}

type fakeUploader struct {
	uploadFn func(context.Context, string, string, io.Reader, int64) (string, error)
}

func (f fakeUploader) Upload(ctx context.Context, name, contentType string, body io.Reader, size int64) (string, error) {
	return f.uploadFn(ctx, name, contentType, body, size)
}

type fakeInviter struct {
	sendFn func(to, name, invitedBy string) error
}

func (f fakeInviter) SendInvitation(to, name, invitedBy string) error {
	return f.sendFn(to, name, invitedBy)
}

type fakeGenerator struct {
	generateFn func(context.Context, string) (string, error)
}

func (f fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return f.generateFn(ctx, prompt)
}

var testIdentity = Identity{UserID: "u_ana", Email: "ana.lopez@studio.test"}

type harness struct {
	ws      *Workspace
	backend *fakeBackend
	prefs   *fakePrefs
	hub     *realtime.Hub
	index   *fakeIndexer
}

func newHarness(t *testing.T, backend *fakeBackend, configure func(*Deps)) *harness {
	t.Helper()
	if backend == nil {
		backend = newFakeBackend()
	}
	h := &harness{backend: backend, prefs: newFakePrefs(), hub: realtime.NewHub(), index: &fakeIndexer{}}
	deps := Deps{Backend: backend, Feed: h.hub, Prefs: h.prefs, Search: h.index}
	if configure != nil {
		configure(&deps)
	}
	h.ws = New(deps, Options{RefetchDebounce: 10 * time.Millisecond, NotificationTTL: time.Minute})
	t.Cleanup(h.ws.Close)
	return h
}

// signIn signs in as testIdentity and waits for the bulk load.
func (h *harness) signIn(t *testing.T) {
	t.Helper()
	h.backend.mu.Lock()
	if _, ok := h.backend.profiles[testIdentity.UserID]; !ok {
		h.backend.profiles[testIdentity.UserID] = store.User{ID: testIdentity.UserID, Name: "Ana Lopez", Email: testIdentity.Email, Role: store.RoleAdmin}
	}
	h.backend.mu.Unlock()

	if _, err := h.ws.SignIn(context.Background(), testIdentity); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	waitFor(t, "bulk load", func() bool { return h.ws.Phase() == PhaseLoaded })
	h.backend.resetWrites()
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

func hasNotification(w *Workspace, title string, severity Severity) bool {
	for _, entry := range w.Notifications().List() {
		if entry.Title == title && entry.Severity == severity {
			return true
		}
	}
	return false
}

// cacheView is every cache, for before/after comparisons.
type cacheView struct {
	Users     []store.User
	Clients   []store.Client
	Tasks     []store.Task
	Channels  []store.Channel
	Messages  []store.Message
	FileLinks []store.FileLink
	Current   string
}

func viewOf(w *Workspace) cacheView {
	state := w.Snapshot()
	return cacheView{
		Users:     state.Users,
		Clients:   state.Clients,
		Tasks:     state.Tasks,
		Channels:  state.Channels,
		Messages:  state.Messages,
		FileLinks: state.FileLinks,
		Current:   state.CurrentChannel,
	}
}
