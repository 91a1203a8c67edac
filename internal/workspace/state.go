package workspace

import (
	"context"
	"log"
	"strings"
	"time"

	"studiodesk/api/internal/report"
	"studiodesk/api/internal/store"
)

// InsightFallback is shown whenever the generator cannot answer.
const InsightFallback = "Insights are unavailable right now. Review overdue and blocked tasks first, then rebalance open work across the team."

// State is a consistent copy of everything a view renders.
type State struct {
	Version        uint64           `json:"version"`
	Phase          Phase            `json:"phase"`
	Profile        *store.User      `json:"profile,omitempty"`
	Users          []store.User     `json:"users"`
	Clients        []store.Client   `json:"clients"`
	Tasks          []store.Task     `json:"tasks"`
	Channels       []store.Channel  `json:"channels"`
	CurrentChannel string           `json:"current_channel,omitempty"`
	Messages       []store.Message  `json:"messages"`
	FileLinks      []store.FileLink `json:"file_links"`
	Online         []string         `json:"online"`
	Notifications  []Notification   `json:"notifications"`
}

func (w *Workspace) Snapshot() State {
	w.mu.Lock()
	state := State{
		Phase:          w.phase,
		Users:          w.users.List(),
		Clients:        w.clients.List(),
		Tasks:          w.tasks.List(),
		Channels:       w.channelsLocked(),
		CurrentChannel: w.currentChannel,
		Messages:       w.messages.List(),
		FileLinks:      w.fileLinks.List(),
		Online:         append([]string{}, w.online...),
	}
	if w.phase == PhaseOptimistic || w.phase == PhaseLoaded {
		profile := w.profile
		state.Profile = &profile
	}
	w.mu.Unlock()

	w.watchMu.Lock()
	state.Version = w.version
	w.watchMu.Unlock()
	state.Notifications = w.bus.List()
	return state
}

func (w *Workspace) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Profile returns the signed-in user's profile, optimistic or loaded.
func (w *Workspace) Profile() (store.User, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, _, err := w.currentLocked(); err != nil {
		return store.User{}, false
	}
	return w.profile, true
}

func (w *Workspace) Identity() Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

func (w *Workspace) Tasks() []store.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasks.List()
}

func (w *Workspace) Task(taskID string) (store.Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasks.Get(taskID)
}

func (w *Workspace) Users() []store.User {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.users.List()
}

func (w *Workspace) Clients() []store.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clients.List()
}

func (w *Workspace) FileLinks() []store.FileLink {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fileLinks.List()
}

func (w *Workspace) Online() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.online...)
}

// Report summarizes the cached tasks as of now.
func (w *Workspace) Report(now time.Time) (report.Summary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, _, err := w.currentLocked(); err != nil {
		return report.Summary{}, err
	}
	return report.Build(w.tasks.List(), w.users.List(), w.clients.List(), now), nil
}

// Insight asks the generator for recommendations on the current report. It
// always returns displayable text; any failure yields InsightFallback.
func (w *Workspace) Insight(ctx context.Context) (string, error) {
	summary, err := w.Report(time.Now())
	if err != nil {
		return "", err
	}
	if w.deps.Insight == nil {
		return InsightFallback, nil
	}
	text, err := w.deps.Insight.Generate(ctx, report.Prompt(summary))
	if err != nil {
		log.Printf("workspace: generate insight: %v", err)
		return InsightFallback, nil
	}
	if strings.TrimSpace(text) == "" {
		return InsightFallback, nil
	}
	return text, nil
}
