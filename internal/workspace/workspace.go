// Package workspace is the synchronized in-memory view of one signed-in
// session: entity caches fed by optimistic local writes and by the realtime
// change feed, unread tracking, and the notification bus.
//
// All state is guarded by a single lock. Remote calls are never made while
// holding it; every asynchronous completion re-checks the session generation
// it was started under and is dropped if that session has ended.
package workspace

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"studiodesk/api/internal/prefs"
	"studiodesk/api/internal/realtime"
	"studiodesk/api/internal/store"
)

// Backend is the row store. Insert methods must keep the caller's id: ids
// are generated here and echoes from the change feed are matched by id.
type Backend interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	InsertUser(ctx context.Context, user store.User) error
	UpdateUser(ctx context.Context, user store.User) error
	DeleteUser(ctx context.Context, userID string) error
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error

	ListClients(ctx context.Context) ([]store.Client, error)
	InsertClient(ctx context.Context, item store.Client) error
	UpdateClient(ctx context.Context, item store.Client) error
	DeleteClient(ctx context.Context, clientID string) error

	ListTasks(ctx context.Context) ([]store.Task, error)
	InsertTask(ctx context.Context, item store.Task) error
	UpdateTask(ctx context.Context, item store.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status store.TaskStatus) error
	DeleteTask(ctx context.Context, taskID string) error

	ListSubtasks(ctx context.Context) ([]store.Subtask, error)
	InsertSubtask(ctx context.Context, item store.Subtask) error
	SetSubtaskDone(ctx context.Context, subtaskID string, done bool) error
	DeleteSubtask(ctx context.Context, subtaskID string) error

	ListComments(ctx context.Context) ([]store.Comment, error)
	InsertComments(ctx context.Context, items []store.Comment) error
	UpdateCommentText(ctx context.Context, commentID, text string) error
	DeleteComment(ctx context.Context, commentID string) error

	ListChannels(ctx context.Context) ([]store.Channel, error)
	InsertChannel(ctx context.Context, item store.Channel) error
	DeleteChannel(ctx context.Context, channelID string) error

	ListMessages(ctx context.Context) ([]store.Message, error)
	InsertMessage(ctx context.Context, item store.Message) error
	RemoveMessageAttachment(ctx context.Context, messageID, name string) error

	ListFileLinks(ctx context.Context) ([]store.FileLink, error)
	InsertFileLink(ctx context.Context, item store.FileLink) error
	DeleteFileLink(ctx context.Context, linkID string) error
}

// ChangeFeed hands out one subscription per watched table.
type ChangeFeed interface {
	Subscribe(table string) *realtime.Subscription
}

type PresenceService interface {
	Track(ctx context.Context, room, userID string) error
	Leave(ctx context.Context, room, userID string) error
	Watch(ctx context.Context, room string) (*realtime.PresenceWatch, error)
}

// Prefs is the per-user client state: read checkpoints and the profile log.
type Prefs interface {
	LastRead(ctx context.Context, userID string) (map[string]time.Time, error)
	SetLastRead(ctx context.Context, userID, channelID string, at time.Time) error
	AppendProfileChange(ctx context.Context, userID string, change prefs.ProfileChange) error
	ProfileChanges(ctx context.Context, userID string) ([]prefs.ProfileChange, error)
}

// Indexer receives confirmed writes for search.
type Indexer interface {
	IndexTask(task store.Task)
	IndexMessage(message store.Message)
	IndexFileLink(link store.FileLink)
	DeleteTask(id string)
	DeleteFileLink(id string)
}

type Uploader interface {
	Upload(ctx context.Context, name, contentType string, body io.Reader, size int64) (string, error)
}

type Inviter interface {
	SendInvitation(to, name, invitedBy string) error
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Deps are the collaborators. Backend and Feed are required; the rest may be
// nil and the matching feature degrades.
type Deps struct {
	Backend  Backend
	Feed     ChangeFeed
	Presence PresenceService
	Prefs    Prefs
	Search   Indexer
	Uploader Uploader
	Inviter  Inviter
	Insight  Generator
}

type Options struct {
	HeartbeatInterval time.Duration
	RefetchDebounce   time.Duration
	NotificationTTL   time.Duration
	PresenceRoom      string
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Minute
	}
	if o.RefetchDebounce <= 0 {
		o.RefetchDebounce = 300 * time.Millisecond
	}
	if o.NotificationTTL <= 0 {
		o.NotificationTTL = DefaultNotificationTTL
	}
	if o.PresenceRoom == "" {
		o.PresenceRoom = "workspace"
	}
	return o
}

type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseAuthenticating  Phase = "authenticating"
	PhaseOptimistic      Phase = "optimistic"
	PhaseLoaded          Phase = "loaded"
)

// Identity is what the auth provider knows about a signed-in user.
type Identity struct {
	UserID string
	Email  string
}

type Workspace struct {
	deps Deps
	opts Options
	bus  *Bus

	mu       sync.Mutex
	gen      uint64
	phase    Phase
	identity Identity
	profile  store.User
	sessCtx  context.Context
	cancel   context.CancelFunc
	subs     []*realtime.Subscription
	presence *realtime.PresenceWatch
	refetch  *time.Timer

	// pendingTasks counts writes in flight per task id. tasksHeld records
	// that a re-fetch kept a local view because of one.
	pendingTasks map[string]int
	tasksHeld    bool

	users     *Cache[store.User]
	clients   *Cache[store.Client]
	tasks     *Cache[store.Task]
	channels  *Cache[store.Channel]
	messages  *Cache[store.Message]
	fileLinks *Cache[store.FileLink]

	checkpoints      map[string]time.Time
	online           []string
	currentChannel   string
	defaultChannelID string

	resolve singleflight.Group
	wg      sync.WaitGroup

	watchMu  sync.Mutex
	version  uint64
	watchers map[int]chan uint64
	nextW    int
}

func New(deps Deps, opts Options) *Workspace {
	opts = opts.withDefaults()
	w := &Workspace{
		deps:      deps,
		opts:      opts,
		bus:       NewBus(opts.NotificationTTL),
		phase:     PhaseUnauthenticated,
		users:     NewCache(func(u store.User) string { return u.ID }),
		clients:   NewCache(func(c store.Client) string { return c.ID }),
		tasks:     NewCache(func(t store.Task) string { return t.ID }),
		channels:  NewCache(func(c store.Channel) string { return c.ID }),
		messages:  NewCache(func(m store.Message) string { return m.ID }),
		fileLinks: NewCache(func(f store.FileLink) string { return f.ID }),
		watchers:  make(map[int]chan uint64),

		pendingTasks: make(map[string]int),
	}
	w.bus.setOnChange(w.changed)
	return w
}

func (w *Workspace) Notifications() *Bus {
	return w.bus
}

// BeginAuth marks a credential check in progress. It only applies while
// nobody is signed in.
func (w *Workspace) BeginAuth() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase == PhaseUnauthenticated {
		w.phase = PhaseAuthenticating
		w.changed()
	}
}

// AuthFailed reports a rejected sign-in. The session stays signed out. A
// failed attempt made while someone is signed in is not shown to them.
func (w *Workspace) AuthFailed(err error) {
	w.mu.Lock()
	attempting := w.phase == PhaseAuthenticating
	if attempting {
		w.phase = PhaseUnauthenticated
		w.changed()
	}
	w.mu.Unlock()
	if attempting {
		w.bus.Push("Sign-in failed", err, SeverityUrgent)
	}
}

// SignIn starts a session for id. It publishes an optimistic profile at
// once and loads the real profile and all data in the background. Signing in
// as someone else first ends the current session.
func (w *Workspace) SignIn(ctx context.Context, id Identity) (store.User, error) {
	id.UserID = strings.TrimSpace(id.UserID)
	id.Email = strings.TrimSpace(id.Email)
	if id.UserID == "" || id.Email == "" {
		return store.User{}, invalid("identity requires user id and email")
	}

	w.mu.Lock()
	if w.phase == PhaseOptimistic || w.phase == PhaseLoaded {
		if w.identity.UserID == id.UserID {
			profile := w.profile
			w.mu.Unlock()
			return profile, nil
		}
		previous := w.identity.UserID
		w.teardownLocked()
		w.leaveAsync(previous)
	}

	w.gen++
	gen := w.gen
	w.identity = id
	w.profile = optimisticProfile(id)
	w.phase = PhaseOptimistic
	w.sessCtx, w.cancel = context.WithCancel(context.Background())
	sessCtx := w.sessCtx
	w.subscribeLocked(sessCtx, gen)
	profile := w.profile
	w.changed()
	w.mu.Unlock()

	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.load(sessCtx, gen, id)
	}()
	go func() {
		defer w.wg.Done()
		w.heartbeat(sessCtx, id.UserID)
	}()
	go func() {
		defer w.wg.Done()
		w.watchPresence(sessCtx, gen, id.UserID)
	}()
	return profile, nil
}

// SignOut ends the session. Identity, caches and subscriptions are gone when
// it returns; late responses from the old session are discarded.
func (w *Workspace) SignOut(ctx context.Context) {
	w.mu.Lock()
	if w.phase == PhaseUnauthenticated {
		w.mu.Unlock()
		return
	}
	userID := w.identity.UserID
	w.teardownLocked()
	w.mu.Unlock()

	if w.deps.Presence != nil && userID != "" {
		if err := w.deps.Presence.Leave(ctx, w.opts.PresenceRoom, userID); err != nil {
			log.Printf("workspace: leave presence: %v", err)
		}
	}
}

// Close signs out and waits for background work to stop.
func (w *Workspace) Close() {
	w.SignOut(context.Background())
	w.wg.Wait()
	w.bus.Close()
}

func (w *Workspace) teardownLocked() {
	w.gen++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.sessCtx = nil
	for _, sub := range w.subs {
		sub.Close()
	}
	w.subs = nil
	if w.presence != nil {
		w.presence.Close()
		w.presence = nil
	}
	if w.refetch != nil {
		w.refetch.Stop()
		w.refetch = nil
	}
	w.pendingTasks = make(map[string]int)
	w.tasksHeld = false

	w.users.Clear()
	w.clients.Clear()
	w.tasks.Clear()
	w.channels.Clear()
	w.messages.Clear()
	w.fileLinks.Clear()
	w.checkpoints = nil
	w.online = nil
	w.currentChannel = ""
	w.defaultChannelID = ""
	w.identity = Identity{}
	w.profile = store.User{}
	w.phase = PhaseUnauthenticated
	w.changed()
}

func (w *Workspace) leaveAsync(userID string) {
	if w.deps.Presence == nil || userID == "" {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.deps.Presence.Leave(ctx, w.opts.PresenceRoom, userID); err != nil {
			log.Printf("workspace: leave presence: %v", err)
		}
	}()
}

// current returns the generation and user of the active session.
func (w *Workspace) currentLocked() (uint64, string, error) {
	if w.phase != PhaseOptimistic && w.phase != PhaseLoaded {
		return 0, "", ErrNotSignedIn
	}
	return w.gen, w.identity.UserID, nil
}

func (w *Workspace) isActiveLocked(gen uint64) bool {
	return w.gen == gen && (w.phase == PhaseOptimistic || w.phase == PhaseLoaded)
}

// optimisticProfile is shown until the profile row arrives.
func optimisticProfile(id Identity) store.User {
	name := displayNameFromEmail(id.Email)
	return store.User{
		ID:               id.UserID,
		Name:             name,
		Email:            id.Email,
		AvatarURL:        PlaceholderAvatar(name),
		Role:             store.RoleMember,
		NotificationPref: store.NotifyAll,
		Status:           store.UserActive,
		CreatedAt:        time.Now().UTC(),
	}
}

func displayNameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, part := range parts {
		first, size := utf8.DecodeRuneInString(part)
		parts[i] = string(unicode.ToUpper(first)) + part[size:]
	}
	if len(parts) == 0 {
		return "New user"
	}
	return strings.Join(parts, " ")
}

// PlaceholderAvatar is a generated initials avatar.
func PlaceholderAvatar(name string) string {
	return "https://ui-avatars.com/api/?background=random&name=" + strings.ReplaceAll(strings.TrimSpace(name), " ", "+")
}

// load fetches the authoritative profile and every table. Failures are
// logged and leave the caches as they are.
func (w *Workspace) load(ctx context.Context, gen uint64, id Identity) {
	b := w.deps.Backend

	profile, err := b.GetUser(ctx, id.UserID)
	profileLoaded := err == nil
	if store.IsNotFound(err) {
		// First sign-in of a fresh account: persist the optimistic profile.
		profile = optimisticProfile(id)
		if err := b.InsertUser(ctx, profile); err != nil {
			log.Printf("workspace: create profile for %s: %v", id.UserID, err)
		} else {
			profileLoaded = true
		}
	} else if err != nil {
		log.Printf("workspace: load profile for %s: %v", id.UserID, err)
	}

	users, err := b.ListUsers(ctx)
	logReadError("users", err)
	clients, err := b.ListClients(ctx)
	logReadError("clients", err)
	channels, err := b.ListChannels(ctx)
	logReadError("channels", err)
	messages, err := b.ListMessages(ctx)
	logReadError("messages", err)
	links, err := b.ListFileLinks(ctx)
	logReadError("file links", err)
	tasks, taskErr := w.fetchTasks(ctx)
	logReadError("tasks", taskErr)

	var checkpoints map[string]time.Time
	if w.deps.Prefs != nil {
		checkpoints, err = w.deps.Prefs.LastRead(ctx, id.UserID)
		logReadError("read checkpoints", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isActiveLocked(gen) {
		return
	}
	if profileLoaded {
		w.profile = profile
		w.users.Put(profile)
		w.phase = PhaseLoaded
	}
	for _, item := range users {
		w.users.Insert(item)
	}
	for _, item := range clients {
		w.clients.Insert(item)
	}
	for _, item := range channels {
		w.channels.Insert(item)
	}
	for _, item := range messages {
		w.messages.Insert(item)
	}
	for _, item := range links {
		w.fileLinks.Insert(item)
	}
	if taskErr == nil {
		for _, item := range tasks {
			w.tasks.Insert(item)
		}
	}
	if w.checkpoints == nil {
		w.checkpoints = make(map[string]time.Time, len(checkpoints))
	}
	for channelID, at := range checkpoints {
		if at.After(w.checkpoints[channelID]) {
			w.checkpoints[channelID] = at
		}
	}
	w.changed()
}

func (w *Workspace) fetchTasks(ctx context.Context) ([]store.Task, error) {
	b := w.deps.Backend
	tasks, err := b.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	subtasks, err := b.ListSubtasks(ctx)
	if err != nil {
		return nil, err
	}
	comments, err := b.ListComments(ctx)
	if err != nil {
		return nil, err
	}
	return joinTasks(tasks, subtasks, comments), nil
}

func logReadError(what string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("workspace: load %s: %v", what, err)
	}
}

// heartbeat stamps last-seen and refreshes presence until ctx ends.
func (w *Workspace) heartbeat(ctx context.Context, userID string) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := w.deps.Backend.TouchLastSeen(ctx, userID, time.Now().UTC()); err != nil && ctx.Err() == nil {
			log.Printf("workspace: heartbeat for %s: %v", userID, err)
		}
		if w.deps.Presence != nil {
			if err := w.deps.Presence.Track(ctx, w.opts.PresenceRoom, userID); err != nil && ctx.Err() == nil {
				log.Printf("workspace: track presence for %s: %v", userID, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchPresence replaces the online set with every snapshot received.
func (w *Workspace) watchPresence(ctx context.Context, gen uint64, userID string) {
	if w.deps.Presence == nil {
		return
	}
	watch, err := w.deps.Presence.Watch(ctx, w.opts.PresenceRoom)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("workspace: watch presence: %v", err)
		}
		return
	}

	w.mu.Lock()
	if !w.isActiveLocked(gen) {
		w.mu.Unlock()
		watch.Close()
		return
	}
	w.presence = watch
	w.mu.Unlock()

	for members := range watch.Snapshots() {
		online := append([]string(nil), members...)
		sort.Strings(online)

		w.mu.Lock()
		if !w.isActiveLocked(gen) {
			w.mu.Unlock()
			return
		}
		w.online = online
		w.changed()
		w.mu.Unlock()
	}
}

// Subscribe returns a channel that receives the state version after every
// change. Only the latest version is kept for a slow reader.
func (w *Workspace) Subscribe() (<-chan uint64, func()) {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	w.nextW++
	id := w.nextW
	ch := make(chan uint64, 1)
	w.watchers[id] = ch
	return ch, func() {
		w.watchMu.Lock()
		defer w.watchMu.Unlock()
		if _, ok := w.watchers[id]; ok {
			delete(w.watchers, id)
			close(ch)
		}
	}
}

func (w *Workspace) changed() {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	w.version++
	for _, ch := range w.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- w.version
	}
}
