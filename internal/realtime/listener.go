package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// Channel is the NOTIFY channel written by the row triggers.
const Channel = "workspace_changes"

// Listener holds one dedicated connection on LISTEN and republishes every
// notification into the hub. It reconnects with backoff until ctx ends.
type Listener struct {
	databaseURL string
	hub         *Hub
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

func NewListener(databaseURL string, hub *Hub) *Listener {
	return &Listener{
		databaseURL: databaseURL,
		hub:         hub,
		minBackoff:  time.Second,
		maxBackoff:  30 * time.Second,
	}
}

func (l *Listener) Run(ctx context.Context) {
	backoff := l.minBackoff
	for {
		started := time.Now()
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > l.maxBackoff {
			backoff = l.minBackoff
		}
		log.Printf("realtime: listener stopped: %v; retrying in %s", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Printf("realtime: listening on %s", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		change, err := Decode([]byte(notification.Payload))
		if err != nil {
			log.Printf("realtime: dropping notification: %v", err)
			continue
		}
		l.hub.Publish(ctx, change)
	}
}
