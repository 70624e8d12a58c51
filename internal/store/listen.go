package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const notifyChannel = "docdraft_sessions"

type subscription struct {
	branch string
	fn     func(Event)
}

// Listener fans the sessions_notify trigger out to per-branch subscribers over
// a single dedicated LISTEN connection.
type Listener struct {
	databaseURL string
	retry       time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
}

func NewListener(databaseURL string) *Listener {
	return &Listener{
		databaseURL: databaseURL,
		retry:       2 * time.Second,
		subs:        make(map[int]subscription),
	}
}

// Subscribe registers fn for events on branch. Events are delivered from the
// Run goroutine, in notification order.
func (l *Listener) Subscribe(_ context.Context, branch string, fn func(Event)) (func(), error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = subscription{branch: branch, fn: fn}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}, nil
}

// Run keeps a LISTEN connection open until ctx is done, reconnecting after
// failures.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("store: listener disconnected, retrying in %s: %v", l.retry, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch([]byte(notification.Payload))
	}
}

func (l *Listener) dispatch(payload []byte) {
	event, err := DecodeEvent(payload)
	if err != nil {
		log.Printf("store: drop notification: %v", err)
		return
	}

	l.mu.Lock()
	targets := make([]func(Event), 0, len(l.subs))
	for _, sub := range l.subs {
		if sub.branch == event.Row.BranchName {
			targets = append(targets, sub.fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
}
