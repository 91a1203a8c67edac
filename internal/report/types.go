// Package report turns the workspace caches into a status summary, renders
// it as HTML and exports it to PDF.
package report

import (
	"errors"
	"time"

	"studiodesk/api/internal/store"
)

// Summary is a point-in-time digest of tasks, people and clients.
type Summary struct {
	GeneratedAt time.Time      `json:"generated_at"`
	TotalTasks  int            `json:"total_tasks"`
	ByStatus    []StatusCount  `json:"by_status"`
	Assignees   []AssigneeLoad `json:"assignees"`
	Overdue     []TaskRef      `json:"overdue"`
	Blocked     []TaskRef      `json:"blocked"`
	Clients     []ClientValue  `json:"clients"`
	// OpenValue is the summed price of every task not done.
	OpenValue float64 `json:"open_value"`
}

type StatusCount struct {
	Status store.TaskStatus `json:"status"`
	Count  int              `json:"count"`
}

type AssigneeLoad struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Open   int    `json:"open"`
	Done   int    `json:"done"`
}

type TaskRef struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	DueDate  string `json:"due_date,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

type ClientValue struct {
	ClientID  string  `json:"client_id"`
	Name      string  `json:"name"`
	OpenTasks int     `json:"open_tasks"`
	OpenValue float64 `json:"open_value"`
}

// Result is an exported file.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("report pdf dependency missing")
)
