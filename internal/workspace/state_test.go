package workspace

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"studiodesk/api/internal/store"
)

func TestInsight(t *testing.T) {
	tests := []struct {
		name      string
		generator Generator
		want      string
	}{
		{name: "no generator", want: InsightFallback},
		{
			name: "generator error",
			generator: fakeGenerator{generateFn: func(context.Context, string) (string, error) {
				return "", errors.New("rate limited")
			}},
			want: InsightFallback,
		},
		{
			name: "blank answer",
			generator: fakeGenerator{generateFn: func(context.Context, string) (string, error) {
				return "  ", nil
			}},
			want: InsightFallback,
		},
		{
			name: "answer",
			generator: fakeGenerator{generateFn: func(_ context.Context, prompt string) (string, error) {
				if !strings.Contains(prompt, "Tasks: 2 total.") {
					return "", errors.New("unexpected prompt: " + prompt)
				}
				return "- Unblock the website", nil
			}},
			want: "- Unblock the website",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, seededTasks(), func(d *Deps) { d.Insight = tt.generator })
			h.signIn(t)

			got, err := h.ws.Insight(context.Background())
			if err != nil {
				t.Fatalf("Insight() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Insight() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInsightRequiresSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	if _, err := h.ws.Insight(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("Insight() error = %v, want ErrNotSignedIn", err)
	}
}

func TestReport(t *testing.T) {
	h := newHarness(t, seededTasks(), nil)
	h.signIn(t)

	summary, err := h.ws.Report(time.Now())
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if summary.TotalTasks != 2 {
		t.Fatalf("TotalTasks = %d, want 2", summary.TotalTasks)
	}
}

func TestSnapshot(t *testing.T) {
	backend := newFakeBackend()
	backend.channels = []store.Channel{{ID: "c1", Name: "general"}}
	backend.messages = []store.Message{{ID: "m1", ChannelID: "c1", AuthorID: "u_bob", CreatedAt: time.Now().UTC()}}
	h := newHarness(t, backend, nil)
	h.signIn(t)
	h.ws.Notifications().Push("Hello", "world", SeverityInfo)

	state := h.ws.Snapshot()
	if state.Phase != PhaseLoaded || state.Profile == nil || state.Profile.ID != testIdentity.UserID {
		t.Fatalf("Snapshot() phase=%q profile=%v", state.Phase, state.Profile)
	}
	if len(state.Channels) != 1 || state.Channels[0].Unread != 1 {
		t.Fatalf("Channels = %+v, want one unread", state.Channels)
	}
	if len(state.Notifications) != 1 || state.Version == 0 {
		t.Fatalf("Notifications = %+v version = %d", state.Notifications, state.Version)
	}
}
