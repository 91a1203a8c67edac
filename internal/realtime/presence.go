package realtime

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence tracks who is connected to a room. Members heartbeat into a
// sorted set scored by last-seen time; entries older than the TTL count as
// gone. Every change is announced on a pub/sub channel and watchers answer
// each announcement with a full membership snapshot.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Presence{client: client, ttl: ttl, now: time.Now}
}

func roomKey(room string) string {
	return "presence:" + room
}

func (p *Presence) Track(ctx context.Context, room, userID string) error {
	key := roomKey(room)
	score := float64(p.now().UnixMilli())
	if err := p.client.ZAdd(ctx, key, redis.Z{Score: score, Member: userID}).Err(); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return p.client.Publish(ctx, key, "track:"+userID).Err()
}

func (p *Presence) Leave(ctx context.Context, room, userID string) error {
	key := roomKey(room)
	if err := p.client.ZRem(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return p.client.Publish(ctx, key, "leave:"+userID).Err()
}

// Snapshot returns the ids of every live member, expiring stale ones.
func (p *Presence) Snapshot(ctx context.Context, room string) ([]string, error) {
	key := roomKey(room)
	cutoff := p.now().Add(-p.ttl).UnixMilli()
	if err := p.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("expire presence: %w", err)
	}
	members, err := p.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	return members, nil
}

// PresenceWatch delivers one snapshot right away and another after every
// announcement in the room.
type PresenceWatch struct {
	pubsub    *redis.PubSub
	snapshots chan []string
	cancel    context.CancelFunc
	once      sync.Once
}

func (w *PresenceWatch) Snapshots() <-chan []string {
	return w.snapshots
}

func (w *PresenceWatch) Close() {
	w.once.Do(func() {
		w.cancel()
		_ = w.pubsub.Close()
	})
}

func (p *Presence) Watch(ctx context.Context, room string) (*PresenceWatch, error) {
	pubsub := p.client.Subscribe(ctx, roomKey(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watch := &PresenceWatch{
		pubsub:    pubsub,
		snapshots: make(chan []string, 1),
		cancel:    cancel,
	}
	go p.forward(watchCtx, room, watch)
	return watch, nil
}

func (p *Presence) forward(ctx context.Context, room string, watch *PresenceWatch) {
	defer close(watch.snapshots)

	messages := watch.pubsub.Channel()
	send := func() bool {
		members, err := p.Snapshot(ctx, room)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("realtime: presence snapshot for %s: %v", room, err)
			}
			return ctx.Err() == nil
		}
		// Only the latest snapshot matters; replace any unread one.
		select {
		case <-watch.snapshots:
		default:
		}
		select {
		case watch.snapshots <- members:
		case <-ctx.Done():
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			if !send() {
				return
			}
		}
	}
}
