package store

import "time"

// Table names as exposed by the change feed.
const (
	TableUsers     = "users"
	TableClients   = "clients"
	TableTasks     = "tasks"
	TableComments  = "task_comments"
	TableSubtasks  = "subtasks"
	TableChannels  = "channels"
	TableMessages  = "messages"
	TableFileLinks = "file_links"
)

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusDone       TaskStatus = "done"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusBlocked, StatusDone:
		return true
	default:
		return false
	}
}

// Row structs carry json tags matching column names so change-feed row
// images (row_to_json) decode straight into them.

type User struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Email            string          `json:"email"`
	AvatarURL        string          `json:"avatar_url"`
	Role             string          `json:"role"`
	Phone            string          `json:"phone,omitempty"`
	NotificationPref string          `json:"notification_pref"`
	Status           string          `json:"status"`
	Permissions      map[string]bool `json:"permissions,omitempty"`
	LastSeen         *time.Time      `json:"last_seen,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

const (
	UserActive  = "active"
	UserPending = "pending"
)

const (
	RoleAdmin            = "admin"
	RoleMember           = "member"
	RoleProjectManager   = "project_manager"
	RoleCommunityManager = "community_manager"
	RoleAnalyst          = "analyst"
)

const (
	NotifyAll      = "all"
	NotifyMentions = "mentions"
	NotifyNone     = "none"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

const (
	ClientLead     = "lead"
	ClientActive   = "active"
	ClientInactive = "inactive"
)

type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Company   string    `json:"company"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the joined view: the tasks row plus its comments and subtasks.
// Attachments is derived from comment text and never stored.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssigneeID  string     `json:"assignee_id"`
	ClientID    string     `json:"client_id,omitempty"`
	DueDate     string     `json:"due_date"`
	Status      TaskStatus `json:"status"`
	Category    string     `json:"category"`
	Priority    string     `json:"priority,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Comments    []Comment  `json:"comments,omitempty"`
	Subtasks    []Subtask  `json:"subtasks,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
}

type Subtask struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment keeps both a display timestamp and the sortable original.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	Timestamp string    `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ChannelGlobal  = "global"
	ChannelProject = "project"
)

type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	MemberIDs []string  `json:"member_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Unread is recomputed on every read and never persisted.
	Unread int `json:"unread"`
}

type Message struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	AuthorID    string    `json:"author_id"`
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments,omitempty"`
	Timestamp   string    `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
}

type FileLink struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is the auth-side record for a user and never leaves the backend.
type Credential struct {
	UserID       string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
