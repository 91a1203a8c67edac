package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"studiodesk/api/internal/util"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityUrgent  Severity = "urgent"
	// SeverityAttention marks a degraded success: the main write landed but a
	// dependent one did not.
	SeverityAttention Severity = "attention"
)

// DefaultNotificationTTL is how long an entry stays visible.
const DefaultNotificationTTL = 5 * time.Second

const fallbackMessage = "Something went wrong. Please try again."

type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Bus is the ordered list of transient alerts shown to the user. Entries
// expire on their own after the TTL or when dismissed.
type Bus struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  []Notification
	timers   map[string]*time.Timer
	onChange func()
}

func NewBus(ttl time.Duration) *Bus {
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	return &Bus{ttl: ttl, timers: make(map[string]*time.Timer)}
}

// Push appends a notification. message may be anything: a string, an error,
// a decoded backend error body. It is turned into text without failing.
func (b *Bus) Push(title string, message any, severity Severity) Notification {
	entry := Notification{
		ID:        util.NewID("ntf"),
		Title:     title,
		Message:   Describe(message),
		Severity:  severity,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	b.timers[entry.ID] = time.AfterFunc(b.ttl, func() { b.Dismiss(entry.ID) })
	onChange := b.onChange
	b.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return entry
}

// Dismiss removes an entry early. Unknown ids are ignored.
func (b *Bus) Dismiss(id string) bool {
	b.mu.Lock()
	removed := false
	for i, entry := range b.entries {
		if entry.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			removed = true
			break
		}
	}
	if timer, ok := b.timers[id]; ok {
		timer.Stop()
		delete(b.timers, id)
	}
	onChange := b.onChange
	b.mu.Unlock()

	if removed && onChange != nil {
		onChange()
	}
	return removed
}

func (b *Bus) List() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.entries...)
}

// Close stops every pending expiry timer.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
}

func (b *Bus) setOnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Describe renders a value of unknown shape as display text. It never
// panics: a value whose own formatting panics yields the generic fallback.
func Describe(value any) (text string) {
	defer func() {
		if recover() != nil {
			text = fallbackMessage
		}
	}()

	switch v := value.(type) {
	case nil:
		return fallbackMessage
	case string:
		return nonEmpty(v)
	case []byte:
		return nonEmpty(string(v))
	case error:
		var pgErr *pgconn.PgError
		if errors.As(v, &pgErr) && pgErr.Message != "" {
			return pgErr.Message
		}
		return nonEmpty(v.Error())
	case fmt.Stringer:
		return nonEmpty(v.String())
	case map[string]any:
		for _, key := range []string{"message", "error_description", "error", "msg", "details"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}

	encoded, err := json.Marshal(value)
	if err != nil || string(encoded) == "null" || string(encoded) == "{}" {
		return nonEmpty(fmt.Sprintf("%v", value))
	}
	return string(encoded)
}

func nonEmpty(value string) string {
	if strings.TrimSpace(value) == "" {
		return fallbackMessage
	}
	return value
}
