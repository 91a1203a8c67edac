package workspace

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
)

const (
	// DefaultChannel is the logical id clients send to when they have not
	// resolved a concrete channel yet.
	DefaultChannel = "default"
	// DefaultChannelName is the channel DefaultChannel resolves to.
	DefaultChannelName = "general"
)

type ChannelInput struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	MemberIDs []string `json:"member_ids,omitempty"`
}

// SendMessage posts text to channelID. An empty id or DefaultChannel is
// resolved to the "general" channel first, creating it if needed; if that
// fails nothing is sent.
func (w *Workspace) SendMessage(ctx context.Context, channelID, text string, attachments []string) (store.Message, error) {
	attachments = cleanURLs(attachments)
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return store.Message{}, invalid("message is empty")
	}

	if channelID == "" || channelID == DefaultChannel {
		resolved, err := w.resolveDefaultChannel(ctx)
		if err != nil {
			log.Printf("workspace: resolve default channel: %v", err)
			w.bus.Push("Message not sent", err, SeverityUrgent)
			return store.Message{}, err
		}
		channelID = resolved
	}

	now := time.Now().UTC()
	message := store.Message{
		ID:          util.NewID("msg"),
		ChannelID:   channelID,
		Text:        text,
		Attachments: attachments,
		Timestamp:   humanTime(now),
		CreatedAt:   now,
	}
	err := w.run(ctx, mutation{
		action: "send message",
		apply: func() (func(), error) {
			if _, ok := w.channels.Get(channelID); !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
			}
			message.AuthorID = w.identity.UserID
			return insertUndo(w.messages, message, message.ID)
		},
		write: func(ctx context.Context) error { return w.deps.Backend.InsertMessage(ctx, message) },
		done:  func() { w.index(func(ix Indexer) { ix.IndexMessage(message) }) },
	})
	if err != nil {
		return store.Message{}, err
	}
	return message, nil
}

// resolveDefaultChannel finds the "general" channel by name, locally and
// then on the backend, and creates it when it does not exist. Concurrent
// callers share one resolution. The result becomes the current channel.
func (w *Workspace) resolveDefaultChannel(ctx context.Context) (string, error) {
	w.mu.Lock()
	gen, _, err := w.currentLocked()
	if err != nil {
		w.mu.Unlock()
		return "", err
	}
	if id, ok := w.findDefaultChannelLocked(); ok {
		w.selectDefaultLocked(id)
		w.mu.Unlock()
		return id, nil
	}
	w.mu.Unlock()

	result, err, _ := w.resolve.Do(fmt.Sprintf("default-channel:%d", gen), func() (any, error) {
		w.mu.Lock()
		if !w.isActiveLocked(gen) {
			w.mu.Unlock()
			return "", ErrStaleSession
		}
		if id, ok := w.findDefaultChannelLocked(); ok {
			w.selectDefaultLocked(id)
			w.mu.Unlock()
			return id, nil
		}
		w.mu.Unlock()

		existing, err := w.deps.Backend.ListChannels(ctx)
		if err != nil {
			return "", fmt.Errorf("look up %s channel: %w", DefaultChannelName, err)
		}
		channel, found := findChannelByName(existing, DefaultChannelName)
		if !found {
			channel = store.Channel{
				ID:        util.NewID("ch"),
				Name:      DefaultChannelName,
				Kind:      store.ChannelGlobal,
				CreatedAt: time.Now().UTC(),
			}
			if err := w.deps.Backend.InsertChannel(ctx, channel); err != nil {
				return "", fmt.Errorf("create %s channel: %w", DefaultChannelName, err)
			}
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.isActiveLocked(gen) {
			return "", ErrStaleSession
		}
		w.channels.Insert(channel)
		w.selectDefaultLocked(channel.ID)
		return channel.ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (w *Workspace) findDefaultChannelLocked() (string, bool) {
	if w.defaultChannelID != "" {
		if _, ok := w.channels.Get(w.defaultChannelID); ok {
			return w.defaultChannelID, true
		}
	}
	channel, ok := findChannelByName(w.channels.List(), DefaultChannelName)
	return channel.ID, ok
}

func (w *Workspace) selectDefaultLocked(channelID string) {
	w.defaultChannelID = channelID
	if w.currentChannel == "" || w.currentChannel == DefaultChannel {
		w.currentChannel = channelID
	}
	w.changed()
}

func findChannelByName(channels []store.Channel, name string) (store.Channel, bool) {
	for _, channel := range channels {
		if strings.EqualFold(strings.TrimSpace(channel.Name), name) {
			return channel, true
		}
	}
	return store.Channel{}, false
}

func (w *Workspace) AddChannel(ctx context.Context, in ChannelInput) (store.Channel, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Channel{}, invalid("channel name is required")
	}
	kind := in.Kind
	if kind == "" {
		kind = store.ChannelGlobal
	}
	if kind != store.ChannelGlobal && kind != store.ChannelProject {
		return store.Channel{}, invalid("unknown channel kind %q", in.Kind)
	}
	channel := store.Channel{
		ID:        util.NewID("ch"),
		Name:      name,
		Kind:      kind,
		MemberIDs: cleanURLs(in.MemberIDs),
		CreatedAt: time.Now().UTC(),
	}
	err := w.run(ctx, mutation{
		action: "create channel",
		apply:  func() (func(), error) { return insertUndo(w.channels, channel, channel.ID) },
		write:  func(ctx context.Context) error { return w.deps.Backend.InsertChannel(ctx, channel) },
	})
	if err != nil {
		return store.Channel{}, err
	}
	return channel, nil
}

// DeleteChannel removes the channel and, locally, its messages; the backend
// cascades the same way.
func (w *Workspace) DeleteChannel(ctx context.Context, channelID string) error {
	return w.run(ctx, mutation{
		action: "delete channel",
		apply: func() (func(), error) {
			undoChannel, err := deleteUndo(w.channels, channelID)
			if err != nil {
				return nil, err
			}
			type removed struct {
				message store.Message
				index   int
			}
			var messages []removed
			for _, message := range w.messages.List() {
				if message.ChannelID != channelID {
					continue
				}
				prev, index, _ := w.messages.Delete(message.ID)
				messages = append(messages, removed{prev, index})
			}
			current, defaultID := w.currentChannel, w.defaultChannelID
			if w.currentChannel == channelID {
				w.currentChannel = ""
			}
			if w.defaultChannelID == channelID {
				w.defaultChannelID = ""
			}
			return func() {
				for i := len(messages) - 1; i >= 0; i-- {
					w.messages.restore(messages[i].message, messages[i].index)
				}
				undoChannel()
				w.currentChannel, w.defaultChannelID = current, defaultID
			}, nil
		},
		write: func(ctx context.Context) error { return w.deps.Backend.DeleteChannel(ctx, channelID) },
	})
}

// SelectChannel makes channelID current and marks it read.
func (w *Workspace) SelectChannel(ctx context.Context, channelID string) error {
	w.mu.Lock()
	if _, _, err := w.currentLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	if _, ok := w.channels.Get(channelID); !ok {
		w.mu.Unlock()
		return ErrNotFound
	}
	w.currentChannel = channelID
	w.changed()
	w.mu.Unlock()

	return w.MarkChannelRead(ctx, channelID)
}

// MarkChannelRead moves the channel's checkpoint to now. Persisting it is
// best-effort; the in-memory checkpoint applies either way.
func (w *Workspace) MarkChannelRead(ctx context.Context, channelID string) error {
	now := time.Now().UTC()

	w.mu.Lock()
	_, userID, err := w.currentLocked()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if w.checkpoints == nil {
		w.checkpoints = make(map[string]time.Time)
	}
	w.checkpoints[channelID] = now
	w.changed()
	w.mu.Unlock()

	if w.deps.Prefs != nil {
		if err := w.deps.Prefs.SetLastRead(ctx, userID, channelID, now); err != nil {
			log.Printf("workspace: save read checkpoint for %s: %v", channelID, err)
		}
	}
	return nil
}

func (w *Workspace) CurrentChannel() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentChannel
}

// Channels lists channels with freshly computed unread counters.
func (w *Workspace) Channels() []store.Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channelsLocked()
}

func (w *Workspace) channelsLocked() []store.Channel {
	channels := w.channels.List()
	counts := unreadCounts(channels, w.messages.List(), w.identity.UserID, w.checkpoints)
	for i := range channels {
		channels[i].Unread = counts[channels[i].ID]
	}
	return channels
}

// Messages lists the messages of one channel, or all when channelID is empty.
func (w *Workspace) Messages(channelID string) []store.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	all := w.messages.List()
	if channelID == "" {
		return all
	}
	out := make([]store.Message, 0, len(all))
	for _, message := range all {
		if message.ChannelID == channelID {
			out = append(out, message)
		}
	}
	return out
}
