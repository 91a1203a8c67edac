package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidFileRef = errors.New("invalid file reference")

// FileRef identifies one entry of the unified files view. It is one of
// LinkRef, TaskAttachmentRef or ChatAttachmentRef.
type FileRef interface {
	// String is the wire form used by clients.
	String() string
	fileRef()
}

// LinkRef is a standalone file link row.
type LinkRef struct {
	LinkID string
}

// TaskAttachmentRef is one URL carried by a task comment. A comment may
// carry several.
type TaskAttachmentRef struct {
	TaskID    string
	CommentID string
	URL       string
}

// ChatAttachmentRef is one named attachment of a chat message.
type ChatAttachmentRef struct {
	MessageID string
	Name      string
}

func (r LinkRef) String() string           { return "link|" + r.LinkID }
func (r TaskAttachmentRef) String() string {
	return "task|" + r.TaskID + "|" + r.CommentID + "|" + r.URL
}
func (r ChatAttachmentRef) String() string { return "chat|" + r.MessageID + "|" + r.Name }

func (LinkRef) fileRef()           {}
func (TaskAttachmentRef) fileRef() {}
func (ChatAttachmentRef) fileRef() {}

// ParseFileRef decodes the wire form. Attachment names and URLs may
// themselves contain the separator, so the last field takes the rest.
func ParseFileRef(raw string) (FileRef, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(raw), "|")
	if !ok || rest == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileRef, raw)
	}
	switch kind {
	case "link":
		if strings.Contains(rest, "|") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFileRef, raw)
		}
		return LinkRef{LinkID: rest}, nil
	case "task":
		parts := strings.SplitN(rest, "|", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFileRef, raw)
		}
		return TaskAttachmentRef{TaskID: parts[0], CommentID: parts[1], URL: parts[2]}, nil
	case "chat":
		messageID, name, ok := strings.Cut(rest, "|")
		if !ok || messageID == "" || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFileRef, raw)
		}
		return ChatAttachmentRef{MessageID: messageID, Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFileRef, kind)
	}
}

type FileSource string

const (
	SourceLink FileSource = "link"
	SourceTask FileSource = "task"
	SourceChat FileSource = "chat"
)

// FileEntry is one row of the unified files view.
type FileEntry struct {
	Ref       string     `json:"ref"`
	Source    FileSource `json:"source"`
	Name      string     `json:"name"`
	URL       string     `json:"url,omitempty"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	// Context names the task or channel the attachment lives in.
	Context string `json:"context,omitempty"`
}
