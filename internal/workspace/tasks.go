package workspace

import (
	"context"
	"log"
	"strings"
	"time"

	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
)

type TaskInput struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	AssigneeID  string           `json:"assignee_id"`
	ClientID    string           `json:"client_id"`
	DueDate     string           `json:"due_date"`
	Status      store.TaskStatus `json:"status"`
	Category    string           `json:"category"`
	Priority    string           `json:"priority"`
	Price       *float64         `json:"price"`
	// Attachments are URLs turned into marker comments once the task exists.
	Attachments []string `json:"attachments,omitempty"`
}

func (in TaskInput) apply(task store.Task) (store.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return task, invalid("task title is required")
	}
	status := in.Status
	if status == "" {
		status = store.StatusTodo
	}
	if !status.Valid() {
		return task, invalid("unknown task status %q", in.Status)
	}
	switch in.Priority {
	case "", store.PriorityLow, store.PriorityMedium, store.PriorityHigh:
	default:
		return task, invalid("unknown priority %q", in.Priority)
	}
	if in.Price != nil && *in.Price < 0 {
		return task, invalid("price must not be negative")
	}

	task.Title = title
	task.Description = in.Description
	task.AssigneeID = in.AssigneeID
	task.ClientID = in.ClientID
	task.DueDate = in.DueDate
	task.Status = status
	task.Category = in.Category
	task.Priority = in.Priority
	task.Price = in.Price
	return task, nil
}

// CreateTask inserts a task optimistically. Attachment URLs are stored as
// marker comments after the task itself is confirmed; if that second write
// fails the task stays and only an attention notice is raised.
func (w *Workspace) CreateTask(ctx context.Context, in TaskInput) (store.Task, error) {
	task, err := in.apply(store.Task{ID: util.NewID("tsk"), CreatedAt: time.Now().UTC()})
	if err != nil {
		return store.Task{}, err
	}

	err = w.run(ctx, mutation{
		action: "create task",
		task:   task.ID,
		apply:  func() (func(), error) { return insertUndo(w.tasks, task, task.ID) },
		write:  func(ctx context.Context) error { return w.deps.Backend.InsertTask(ctx, task) },
		done:   func() { w.index(func(ix Indexer) { ix.IndexTask(task) }) },
	})
	if err != nil {
		return store.Task{}, err
	}

	if urls := cleanURLs(in.Attachments); len(urls) > 0 {
		w.attachToTask(ctx, task.ID, urls)
	}
	return w.taskOr(task), nil
}

func (w *Workspace) attachToTask(ctx context.Context, taskID string, urls []string) {
	w.mu.Lock()
	gen, userID, err := w.currentLocked()
	if err != nil {
		w.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	comments := make([]store.Comment, 0, len(urls))
	for i, url := range urls {
		at := now.Add(time.Duration(i) * time.Microsecond)
		comments = append(comments, store.Comment{
			ID:        util.NewID("cmt"),
			TaskID:    taskID,
			AuthorID:  userID,
			Text:      AttachmentMarker + url,
			Timestamp: humanTime(at),
			CreatedAt: at,
		})
	}
	undo, err := w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
		return withComments(task, appendCopy(task.Comments, comments...)), nil
	})
	if err == nil {
		w.changed()
	}
	w.holdTaskLocked(taskID)
	w.mu.Unlock()

	err = w.deps.Backend.InsertComments(ctx, comments)

	w.mu.Lock()
	active := w.isActiveLocked(gen)
	if active && err != nil && undo != nil {
		undo()
		w.changed()
	}
	if active {
		w.releaseTaskLocked(taskID)
	}
	w.mu.Unlock()

	if err != nil {
		log.Printf("workspace: attach files to task %s: %v", taskID, err)
		if active {
			w.bus.Push("Task created, attachments missing", err, SeverityAttention)
		}
	}
}

// UpdateTask replaces the editable fields of a task. Comments, subtasks and
// attachments are untouched.
func (w *Workspace) UpdateTask(ctx context.Context, taskID string, in TaskInput) (store.Task, error) {
	var next store.Task
	err := w.run(ctx, mutation{
		action: "update task",
		task:   taskID,
		apply: func() (func(), error) {
			return w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
				updated, err := in.apply(task)
				next = updated
				return updated, err
			})
		},
		write: func(ctx context.Context) error { return w.deps.Backend.UpdateTask(ctx, next) },
		done:  func() { w.index(func(ix Indexer) { ix.IndexTask(next) }) },
	})
	if err != nil {
		return store.Task{}, err
	}
	return w.taskOr(next), nil
}

func (w *Workspace) SetTaskStatus(ctx context.Context, taskID string, status store.TaskStatus) error {
	if !status.Valid() {
		return invalid("unknown task status %q", status)
	}
	var next store.Task
	return w.run(ctx, mutation{
		action: "change task status",
		task:   taskID,
		apply: func() (func(), error) {
			return w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
				task.Status = status
				next = task
				return task, nil
			})
		},
		write: func(ctx context.Context) error { return w.deps.Backend.UpdateTaskStatus(ctx, taskID, status) },
		done:  func() { w.index(func(ix Indexer) { ix.IndexTask(next) }) },
	})
}

func (w *Workspace) DeleteTask(ctx context.Context, taskID string) error {
	return w.run(ctx, mutation{
		action: "delete task",
		task:   taskID,
		apply:  func() (func(), error) { return deleteUndo(w.tasks, taskID) },
		write:  func(ctx context.Context) error { return w.deps.Backend.DeleteTask(ctx, taskID) },
		done:   func() { w.index(func(ix Indexer) { ix.DeleteTask(taskID) }) },
	})
}

func (w *Workspace) AddSubtask(ctx context.Context, taskID, title string) (store.Subtask, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Subtask{}, invalid("subtask title is required")
	}
	subtask := store.Subtask{ID: util.NewID("sub"), TaskID: taskID, Title: title, CreatedAt: time.Now().UTC()}
	err := w.run(ctx, mutation{
		action: "add subtask",
		task:   taskID,
		apply: func() (func(), error) {
			return w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
				task.Subtasks = appendCopy(task.Subtasks, subtask)
				return task, nil
			})
		},
		write: func(ctx context.Context) error { return w.deps.Backend.InsertSubtask(ctx, subtask) },
	})
	if err != nil {
		return store.Subtask{}, err
	}
	return subtask, nil
}

func (w *Workspace) ToggleSubtask(ctx context.Context, taskID, subtaskID string) error {
	var done bool
	return w.run(ctx, mutation{
		action: "update subtask",
		task:   taskID,
		apply: func() (func(), error) {
			return w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
				subtasks := appendCopy[store.Subtask](nil, task.Subtasks...)
				for i := range subtasks {
					if subtasks[i].ID == subtaskID {
						subtasks[i].Done = !subtasks[i].Done
						done = subtasks[i].Done
						task.Subtasks = subtasks
						return task, nil
					}
				}
				return task, ErrNotFound
			})
		},
		write: func(ctx context.Context) error { return w.deps.Backend.SetSubtaskDone(ctx, subtaskID, done) },
	})
}

func (w *Workspace) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	return w.run(ctx, mutation{
		action: "delete subtask",
		task:   taskID,
		apply: func() (func(), error) {
			return w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
				remaining, removed := without(task.Subtasks, func(s store.Subtask) bool { return s.ID == subtaskID })
				if !removed {
					return task, ErrNotFound
				}
				task.Subtasks = remaining
				return task, nil
			})
		},
		write: func(ctx context.Context) error { return w.deps.Backend.DeleteSubtask(ctx, subtaskID) },
	})
}

func (w *Workspace) AddComment(ctx context.Context, taskID, text string) (store.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return store.Comment{}, invalid("comment text is required")
	}
	now := time.Now().UTC()
	comment := store.Comment{ID: util.NewID("cmt"), TaskID: taskID, Text: text, Timestamp: humanTime(now), CreatedAt: now}
	err := w.run(ctx, mutation{
		action: "add comment",
		task:   taskID,
		apply: func() (func(), error) {
			comment.AuthorID = w.identity.UserID
			return w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
				return withComments(task, appendCopy(task.Comments, comment)), nil
			})
		},
		write: func(ctx context.Context) error {
			return w.deps.Backend.InsertComments(ctx, []store.Comment{comment})
		},
	})
	if err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

func (w *Workspace) DeleteComment(ctx context.Context, taskID, commentID string) error {
	return w.run(ctx, mutation{
		action: "delete comment",
		task:   taskID,
		apply: func() (func(), error) {
			return w.patchTaskLocked(taskID, func(task store.Task) (store.Task, error) {
				remaining, removed := without(task.Comments, func(c store.Comment) bool { return c.ID == commentID })
				if !removed {
					return task, ErrNotFound
				}
				return withComments(task, remaining), nil
			})
		},
		write: func(ctx context.Context) error { return w.deps.Backend.DeleteComment(ctx, commentID) },
	})
}

// taskOr returns the cached view of fallback's task, or fallback itself.
func (w *Workspace) taskOr(fallback store.Task) store.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if task, ok := w.tasks.Get(fallback.ID); ok {
		return task
	}
	return fallback
}

func cleanURLs(values []string) []string {
	urls := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		urls = append(urls, value)
	}
	return urls
}

// appendCopy never writes into the backing array of items, so views handed
// out earlier stay unchanged.
func appendCopy[T any](items []T, extra ...T) []T {
	out := make([]T, 0, len(items)+len(extra))
	out = append(out, items...)
	return append(out, extra...)
}

func without[T any](items []T, match func(T) bool) ([]T, bool) {
	out := make([]T, 0, len(items))
	removed := false
	for _, item := range items {
		if match(item) {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return out, removed
}
