package workspace

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
)

func (w *Workspace) AddFileLink(ctx context.Context, name, url string) (store.FileLink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return store.FileLink{}, invalid("file url is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = attachmentName(url)
	}
	link := store.FileLink{ID: util.NewID("fl"), Name: name, URL: url, CreatedAt: time.Now().UTC()}
	err := w.run(ctx, mutation{
		action: "add file",
		apply: func() (func(), error) {
			link.CreatedBy = w.identity.UserID
			return insertUndo(w.fileLinks, link, link.ID)
		},
		write: func(ctx context.Context) error { return w.deps.Backend.InsertFileLink(ctx, link) },
		done:  func() { w.index(func(ix Indexer) { ix.IndexFileLink(link) }) },
	})
	if err != nil {
		return store.FileLink{}, err
	}
	return link, nil
}

func (w *Workspace) DeleteFileLink(ctx context.Context, linkID string) error {
	return w.run(ctx, mutation{
		action: "delete file",
		apply:  func() (func(), error) { return deleteUndo(w.fileLinks, linkID) },
		write:  func(ctx context.Context) error { return w.deps.Backend.DeleteFileLink(ctx, linkID) },
		done:   func() { w.index(func(ix Indexer) { ix.DeleteFileLink(linkID) }) },
	})
}

// UploadFile stores body in object storage and records the resulting URL as
// a file link. Nothing is cached until the upload has succeeded.
func (w *Workspace) UploadFile(ctx context.Context, name, contentType string, body io.Reader, size int64) (store.FileLink, error) {
	if w.deps.Uploader == nil {
		return store.FileLink{}, ErrUploadsDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.FileLink{}, invalid("file name is required")
	}
	w.mu.Lock()
	gen, _, err := w.currentLocked()
	w.mu.Unlock()
	if err != nil {
		return store.FileLink{}, err
	}

	url, err := w.deps.Uploader.Upload(ctx, name, contentType, body, size)
	if err != nil {
		w.mu.Lock()
		active := w.isActiveLocked(gen)
		w.mu.Unlock()
		if active {
			w.bus.Push("Upload failed", err, SeverityUrgent)
		}
		return store.FileLink{}, fmt.Errorf("upload %s: %w", name, err)
	}

	w.mu.Lock()
	active := w.isActiveLocked(gen)
	w.mu.Unlock()
	if !active {
		return store.FileLink{}, ErrStaleSession
	}
	return w.AddFileLink(ctx, name, url)
}

// Files is the unified view over file links, task attachments and chat
// attachments, newest first.
func (w *Workspace) Files() []FileEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var entries []FileEntry
	for _, link := range w.fileLinks.List() {
		entries = append(entries, FileEntry{
			Ref:       LinkRef{LinkID: link.ID}.String(),
			Source:    SourceLink,
			Name:      link.Name,
			URL:       link.URL,
			CreatedBy: link.CreatedBy,
			CreatedAt: link.CreatedAt,
		})
	}
	for _, task := range w.tasks.List() {
		for _, comment := range task.Comments {
			for _, url := range ExtractURLs(comment.Text) {
				entries = append(entries, FileEntry{
					Ref:       TaskAttachmentRef{TaskID: task.ID, CommentID: comment.ID, URL: url}.String(),
					Source:    SourceTask,
					Name:      attachmentName(url),
					URL:       url,
					CreatedBy: comment.AuthorID,
					CreatedAt: comment.CreatedAt,
					Context:   task.Title,
				})
			}
		}
	}
	channelNames := make(map[string]string)
	for _, channel := range w.channels.List() {
		channelNames[channel.ID] = channel.Name
	}
	for _, message := range w.messages.List() {
		for _, attachment := range message.Attachments {
			entry := FileEntry{
				Ref:       ChatAttachmentRef{MessageID: message.ID, Name: attachment}.String(),
				Source:    SourceChat,
				Name:      attachmentName(attachment),
				CreatedBy: message.AuthorID,
				CreatedAt: message.CreatedAt,
				Context:   channelNames[message.ChannelID],
			}
			if strings.HasPrefix(attachment, "http://") || strings.HasPrefix(attachment, "https://") {
				entry.URL = attachment
			}
			entries = append(entries, entry)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries
}

// DeleteFile removes one entry of the files view. Each kind of reference maps
// to its own remote write: a file link row, one URL of a task comment, or one
// name from a message's attachment list.
func (w *Workspace) DeleteFile(ctx context.Context, ref FileRef) error {
	switch r := ref.(type) {
	case LinkRef:
		return w.DeleteFileLink(ctx, r.LinkID)
	case TaskAttachmentRef:
		return w.removeTaskAttachment(ctx, r)
	case ChatAttachmentRef:
		return w.removeChatAttachment(ctx, r.MessageID, r.Name)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidFileRef, ref)
	}
}

// removeTaskAttachment cuts one URL out of a comment. A comment left with
// nothing but the attachment marker is deleted instead.
func (w *Workspace) removeTaskAttachment(ctx context.Context, ref TaskAttachmentRef) error {
	var text string
	return w.run(ctx, mutation{
		action: "delete file",
		task:   ref.TaskID,
		apply: func() (func(), error) {
			return w.patchTaskLocked(ref.TaskID, func(task store.Task) (store.Task, error) {
				comments := appendCopy[store.Comment](nil, task.Comments...)
				for i, comment := range comments {
					if comment.ID != ref.CommentID {
						continue
					}
					if !slices.Contains(ExtractURLs(comment.Text), ref.URL) {
						return task, ErrNotFound
					}
					text = removeURL(comment.Text, ref.URL)
					if text == "" || text == strings.TrimSpace(AttachmentMarker) {
						text = ""
						return withComments(task, slices.Delete(comments, i, i+1)), nil
					}
					comments[i].Text = text
					return withComments(task, comments), nil
				}
				return task, ErrNotFound
			})
		},
		write: func(ctx context.Context) error {
			if text == "" {
				return w.deps.Backend.DeleteComment(ctx, ref.CommentID)
			}
			return w.deps.Backend.UpdateCommentText(ctx, ref.CommentID, text)
		},
	})
}

func (w *Workspace) removeChatAttachment(ctx context.Context, messageID, name string) error {
	return w.run(ctx, mutation{
		action: "delete file",
		apply: func() (func(), error) {
			message, ok := w.messages.Get(messageID)
			if !ok {
				return nil, ErrNotFound
			}
			remaining, removed := without(message.Attachments, func(a string) bool { return a == name })
			if !removed {
				return nil, ErrNotFound
			}
			message.Attachments = remaining
			return putUndo(w.messages, messageID, message)
		},
		write: func(ctx context.Context) error {
			return w.deps.Backend.RemoveMessageAttachment(ctx, messageID, name)
		},
	})
}
