package workspace

import (
	"time"

	"studiodesk/api/internal/store"
)

// UnreadCount counts messages in channelID written by someone other than
// self after the checkpoint. A zero checkpoint means "never read".
func UnreadCount(messages []store.Message, channelID, self string, checkpoint time.Time) int {
	count := 0
	for _, message := range messages {
		if message.ChannelID != channelID || message.AuthorID == self {
			continue
		}
		if message.CreatedAt.After(checkpoint) {
			count++
		}
	}
	return count
}

// unreadCounts computes every channel's counter in one pass.
func unreadCounts(channels []store.Channel, messages []store.Message, self string, checkpoints map[string]time.Time) map[string]int {
	counts := make(map[string]int, len(channels))
	for _, channel := range channels {
		counts[channel.ID] = 0
	}
	for _, message := range messages {
		if message.AuthorID == self {
			continue
		}
		if _, ok := counts[message.ChannelID]; !ok {
			continue
		}
		if message.CreatedAt.After(checkpoints[message.ChannelID]) {
			counts[message.ChannelID]++
		}
	}
	return counts
}
