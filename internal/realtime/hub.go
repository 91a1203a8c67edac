package realtime

import (
	"context"
	"sync"
)

// Hub fans changes out to per-table subscribers. Publish blocks on a slow
// subscriber until it drains or closes, so no change is dropped.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*Subscription
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]*Subscription{}}
}

type Subscription struct {
	hub   *Hub
	table string
	id    int
	ch    chan Change
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) Changes() <-chan Change {
	return s.ch
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs[s.table], s.id)
		s.hub.mu.Unlock()
		close(s.done)
	})
}

func (h *Hub) Subscribe(table string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		hub:   h,
		table: table,
		id:    h.nextID,
		ch:    make(chan Change, 64),
		done:  make(chan struct{}),
	}
	if h.subs[table] == nil {
		h.subs[table] = map[int]*Subscription{}
	}
	h.subs[table][sub.id] = sub
	return sub
}

func (h *Hub) Publish(ctx context.Context, change Change) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[change.Table]))
	for _, sub := range h.subs[change.Table] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- change:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) Subscribers(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[table])
}
