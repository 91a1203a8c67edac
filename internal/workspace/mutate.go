package workspace

import (
	"context"
	"log"
	"time"

	"studiodesk/api/internal/store"
)

// mutation is one optimistic write: apply changes the caches (under the
// lock) and returns how to undo it; write performs the remote call; done
// runs after a confirmed write. task names the task whose view the write
// touches, if any, so task re-fetches leave that view alone until the write
// settles.
type mutation struct {
	action string
	task   string
	apply  func() (undo func(), err error)
	write  func(ctx context.Context) error
	done   func()
}

// run applies m locally, then writes it remotely. A failed write is undone
// and reported as an urgent notification, unless the session that issued it
// has ended in the meantime.
func (w *Workspace) run(ctx context.Context, m mutation) error {
	w.mu.Lock()
	gen, _, err := w.currentLocked()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	var undo func()
	if m.apply != nil {
		undo, err = m.apply()
		if err != nil {
			w.mu.Unlock()
			return err
		}
	}
	if m.task != "" {
		w.holdTaskLocked(m.task)
	}
	w.changed()
	w.mu.Unlock()

	err = m.write(ctx)

	w.mu.Lock()
	active := w.isActiveLocked(gen)
	if active && err != nil && undo != nil {
		undo()
		w.changed()
	}
	if active && m.task != "" {
		w.releaseTaskLocked(m.task)
	}
	w.mu.Unlock()

	if err != nil {
		log.Printf("workspace: %s: %v", m.action, err)
		if active {
			w.bus.Push("Could not "+m.action, err, SeverityUrgent)
		}
		return &WriteError{Action: m.action, Err: err}
	}
	if m.done != nil {
		m.done()
	}
	return nil
}

// holdTaskLocked marks a write in flight for taskID.
func (w *Workspace) holdTaskLocked(taskID string) {
	w.pendingTasks[taskID]++
}

// releaseTaskLocked settles one write for taskID. Once nothing is in flight
// any more, a re-fetch that had to keep local views is repeated so the
// cache converges on the stored rows.
func (w *Workspace) releaseTaskLocked(taskID string) {
	if w.pendingTasks[taskID] > 1 {
		w.pendingTasks[taskID]--
		return
	}
	delete(w.pendingTasks, taskID)
	if len(w.pendingTasks) == 0 && w.tasksHeld {
		w.tasksHeld = false
		w.scheduleRefetchLocked()
	}
}

// patchTaskLocked replaces a task view with patch(task) and returns the undo.
func (w *Workspace) patchTaskLocked(taskID string, patch func(store.Task) (store.Task, error)) (func(), error) {
	prev, ok := w.tasks.Get(taskID)
	if !ok {
		return nil, ErrNotFound
	}
	next, err := patch(prev)
	if err != nil {
		return nil, err
	}
	w.tasks.Put(next)
	return func() {
		if _, ok := w.tasks.Get(taskID); ok {
			w.tasks.Put(prev)
		}
	}, nil
}

func insertUndo[T any](cache *Cache[T], item T, id string) (func(), error) {
	if !cache.Insert(item) {
		return nil, invalid("duplicate id %s", id)
	}
	return func() { cache.Delete(id) }, nil
}

func deleteUndo[T any](cache *Cache[T], id string) (func(), error) {
	prev, index, ok := cache.Delete(id)
	if !ok {
		return nil, ErrNotFound
	}
	return func() { cache.restore(prev, index) }, nil
}

func putUndo[T any](cache *Cache[T], id string, next T) (func(), error) {
	prev, ok := cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	cache.Put(next)
	return func() {
		if _, ok := cache.Get(id); ok {
			cache.Put(prev)
		}
	}, nil
}

func (w *Workspace) index(fn func(Indexer)) {
	if w.deps.Search != nil {
		fn(w.deps.Search)
	}
}

func humanTime(at time.Time) string {
	return at.Local().Format("Jan 2, 2006 3:04 PM")
}
