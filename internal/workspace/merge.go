package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"studiodesk/api/internal/realtime"
	"studiodesk/api/internal/store"
)

var watchedTables = []string{
	store.TableUsers,
	store.TableClients,
	store.TableTasks,
	store.TableComments,
	store.TableSubtasks,
	store.TableChannels,
	store.TableMessages,
	store.TableFileLinks,
}

// entityChange is a decoded row change ready to be merged into the caches.
// merge runs with the workspace lock held.
type entityChange interface {
	merge(w *Workspace)
}

// rowChange patches one flat cache by id.
type rowChange[T any] struct {
	kind  realtime.Kind
	id    string
	row   T
	cache func(*Workspace) *Cache[T]
	after func(w *Workspace, kind realtime.Kind, id string, row T)
}

func (c rowChange[T]) merge(w *Workspace) {
	cache := c.cache(w)
	switch c.kind {
	case realtime.Insert:
		// An echo of a local optimistic insert, or a row the bulk load
		// already brought in, is a no-op.
		cache.Insert(c.row)
	case realtime.Update:
		cache.Put(c.row)
	case realtime.Delete:
		cache.Delete(c.id)
	}
	if c.after != nil {
		c.after(w, c.kind, c.id, c.row)
	}
}

// rowRead is a change announced by id only. The row is read back from the
// store and merged like a full change; a row that is gone by then is
// merged as a delete.
type rowRead[T any] struct {
	kind  realtime.Kind
	id    string
	read  func(ctx context.Context, b Backend, id string) ([]T, error)
	cache func(*Workspace) *Cache[T]
	after func(w *Workspace, kind realtime.Kind, id string, row T)
}

func (c rowRead[T]) merge(w *Workspace) {
	gen, ctx := w.gen, w.sessCtx
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		rows, err := c.read(ctx, w.deps.Backend, c.id)
		if err != nil {
			logReadError("changed row "+c.id, err)
			return
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.isActiveLocked(gen) {
			return
		}
		key := c.cache(w).key
		change := rowChange[T]{kind: realtime.Delete, id: c.id, cache: c.cache, after: c.after}
		for _, row := range rows {
			if key(row) == c.id {
				change.kind, change.row = c.kind, row
				break
			}
		}
		change.merge(w)
		w.changed()
	}()
}

// taskGraphChange touches tasks, subtasks or comments. The joined task view
// and its derived attachments are rebuilt from a full re-fetch.
type taskGraphChange struct{}

func (taskGraphChange) merge(w *Workspace) {
	w.scheduleRefetchLocked()
}

func decodeChange(change realtime.Change) (entityChange, error) {
	switch change.Table {
	case store.TableTasks, store.TableSubtasks, store.TableComments:
		return taskGraphChange{}, nil
	case store.TableUsers:
		return decodeRow(change, func(w *Workspace) *Cache[store.User] { return w.users }, readUser, syncProfile)
	case store.TableClients:
		return decodeRow(change, func(w *Workspace) *Cache[store.Client] { return w.clients }, readAll(Backend.ListClients), nil)
	case store.TableChannels:
		return decodeRow(change, func(w *Workspace) *Cache[store.Channel] { return w.channels }, readAll(Backend.ListChannels), dropChannel)
	case store.TableMessages:
		return decodeRow(change, func(w *Workspace) *Cache[store.Message] { return w.messages }, readAll(Backend.ListMessages), nil)
	case store.TableFileLinks:
		return decodeRow(change, func(w *Workspace) *Cache[store.FileLink] { return w.fileLinks }, readAll(Backend.ListFileLinks), nil)
	default:
		return nil, fmt.Errorf("unwatched table %q", change.Table)
	}
}

func decodeRow[T any](
	change realtime.Change,
	cache func(*Workspace) *Cache[T],
	read func(context.Context, Backend, string) ([]T, error),
	after func(*Workspace, realtime.Kind, string, T),
) (entityChange, error) {
	id := change.RowID()
	if change.Truncated() {
		if change.Kind == realtime.Delete {
			return rowChange[T]{kind: change.Kind, id: id, cache: cache, after: after}, nil
		}
		return rowRead[T]{kind: change.Kind, id: id, read: read, cache: cache, after: after}, nil
	}

	image := change.Record
	if change.Kind == realtime.Delete {
		image = change.OldRecord
	}
	var row T
	if err := json.Unmarshal(image, &row); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", change.Table, err)
	}
	return rowChange[T]{kind: change.Kind, id: id, row: row, cache: cache, after: after}, nil
}

func readUser(ctx context.Context, b Backend, id string) ([]store.User, error) {
	user, err := b.GetUser(ctx, id)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []store.User{user}, nil
}

// readAll adapts a table listing for rowRead. Only the rarely used
// oversized rows go through it.
func readAll[T any](list func(Backend, context.Context) ([]T, error)) func(context.Context, Backend, string) ([]T, error) {
	return func(ctx context.Context, b Backend, _ string) ([]T, error) {
		return list(b, ctx)
	}
}

// syncProfile keeps the signed-in user's profile in step with its row.
func syncProfile(w *Workspace, kind realtime.Kind, id string, row store.User) {
	if kind == realtime.Update && id == w.identity.UserID {
		w.profile = row
	}
}

func dropChannel(w *Workspace, kind realtime.Kind, id string, _ store.Channel) {
	if kind != realtime.Delete {
		return
	}
	if w.currentChannel == id {
		w.currentChannel = ""
	}
	if w.defaultChannelID == id {
		w.defaultChannelID = ""
	}
}

func (w *Workspace) subscribeLocked(ctx context.Context, gen uint64) {
	for _, table := range watchedTables {
		sub := w.deps.Feed.Subscribe(table)
		w.subs = append(w.subs, sub)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consume(ctx, gen, sub)
		}()
	}
}

func (w *Workspace) consume(ctx context.Context, gen uint64, sub *realtime.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case change := <-sub.Changes():
			w.applyChange(gen, change)
		}
	}
}

func (w *Workspace) applyChange(gen uint64, change realtime.Change) {
	decoded, err := decodeChange(change)
	if err != nil {
		log.Printf("workspace: skip %s change: %v", change.Kind, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isActiveLocked(gen) {
		return
	}
	decoded.merge(w)
	w.changed()
}

// scheduleRefetchLocked debounces bursts of task graph changes into one
// re-fetch.
func (w *Workspace) scheduleRefetchLocked() {
	if w.refetch != nil {
		w.refetch.Stop()
	}
	gen := w.gen
	w.refetch = time.AfterFunc(w.opts.RefetchDebounce, func() { w.refetchTasks(gen) })
}

func (w *Workspace) refetchTasks(gen uint64) {
	w.mu.Lock()
	if !w.isActiveLocked(gen) {
		w.mu.Unlock()
		return
	}
	w.refetch = nil
	ctx := w.sessCtx
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	tasks, err := w.fetchTasks(ctx)
	if err != nil {
		logReadError("tasks after change", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isActiveLocked(gen) {
		return
	}
	w.mergeFetchedTasksLocked(tasks)
	w.changed()
}

// mergeFetchedTasksLocked replaces the task views with fetched, except for
// tasks with a write in flight: those keep their local view, including a
// local delete or a local insert the fetch does not show yet.
func (w *Workspace) mergeFetchedTasksLocked(fetched []store.Task) {
	if len(w.pendingTasks) == 0 {
		w.tasks.Replace(fetched)
		return
	}
	merged := make([]store.Task, 0, len(fetched))
	seen := make(map[string]bool, len(fetched))
	for _, task := range fetched {
		seen[task.ID] = true
		if w.pendingTasks[task.ID] > 0 {
			local, ok := w.tasks.Get(task.ID)
			if !ok {
				continue
			}
			task = local
		}
		merged = append(merged, task)
	}
	for _, task := range w.tasks.List() {
		if !seen[task.ID] && w.pendingTasks[task.ID] > 0 {
			merged = append(merged, task)
		}
	}
	w.tasksHeld = true
	w.tasks.Replace(merged)
}
