// Package realtime applies session-store change events for the client's
// current branch to its branch cache and its view of who holds which lease.
package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"docdraft/internal/branchcache"
	"docdraft/internal/store"
)

type Feed interface {
	Subscribe(ctx context.Context, branch string, fn func(store.Event)) (func(), error)
}

type Lister interface {
	ListByBranch(ctx context.Context, branch string) ([]store.Row, error)
}

type LeaseObserver interface {
	Observe(row store.Row)
}

type Config struct {
	Feed     Feed
	Lister   Lister
	Self     string
	Cache    *branchcache.Cache
	Observer LeaseObserver
	TTL      time.Duration
	Now      func() time.Time
	// OnEvent, if set, runs after an event has been applied.
	OnEvent func(store.Event)
}

type Listener struct {
	cfg  Config
	view *LeaseView

	enterMu sync.Mutex
	cancel  func()

	mu     sync.Mutex
	branch string
}

func NewListener(cfg Config) *Listener {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Listener{cfg: cfg, view: newLeaseView(cfg.TTL, cfg.Now)}
}

func (l *Listener) View() *LeaseView {
	return l.view
}

func (l *Listener) Branch() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.branch
}

// Enter moves the listener to branch: it drops the old subscription,
// subscribes to the new branch and hydrates the cache and lease view from
// the rows already stored there.
func (l *Listener) Enter(ctx context.Context, branch string) error {
	l.enterMu.Lock()
	defer l.enterMu.Unlock()

	l.unsubscribeLocked()
	l.mu.Lock()
	l.branch = branch
	l.mu.Unlock()
	l.view.reset()

	cancel, err := l.cfg.Feed.Subscribe(ctx, branch, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", branch, err)
	}
	l.cancel = cancel

	rows, err := l.cfg.Lister.ListByBranch(ctx, branch)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", branch, err)
	}
	for _, row := range rows {
		l.view.set(row, true)
		if row.Content != nil {
			l.cacheIfNewer(row)
		}
	}
	return nil
}

// Close stops delivery of events.
func (l *Listener) Close() {
	l.enterMu.Lock()
	defer l.enterMu.Unlock()
	l.unsubscribeLocked()
}

func (l *Listener) unsubscribeLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *Listener) handle(event store.Event) {
	row := event.Row
	if row.BranchName != l.Branch() {
		return
	}

	if event.Kind == store.EventDelete {
		l.view.remove(row.FilePath)
		l.invalidate(row)
	} else {
		l.view.set(row, false)
		switch {
		case row.UserID == l.cfg.Self:
			// own write echoed back
		case event.ContentOmitted:
			l.invalidate(row)
		case row.Content != nil:
			l.cacheIfNewer(row)
		}
	}

	if l.cfg.Observer != nil {
		l.cfg.Observer.Observe(row)
	}
	if l.cfg.OnEvent != nil {
		l.cfg.OnEvent(event)
	}
}

func (l *Listener) cacheIfNewer(row store.Row) {
	if l.cfg.Cache == nil {
		return
	}
	if _, err := l.cfg.Cache.SetIfNewer(row.Key(), *row.Content, row.UpdatedAt); err != nil {
		log.Printf("realtime: cache %s: %v", row.Key(), err)
	}
}

func (l *Listener) invalidate(row store.Row) {
	if l.cfg.Cache == nil {
		return
	}
	if _, err := l.cfg.Cache.InvalidateIfOlder(row.Key(), row.UpdatedAt); err != nil {
		log.Printf("realtime: invalidate %s: %v", row.Key(), err)
	}
}
