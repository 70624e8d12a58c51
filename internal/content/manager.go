// Package content resolves what text an editor shows for a (file, branch)
// pair and where its edits are written.
package content

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"docdraft/internal/branchcache"
	"docdraft/internal/metrics"
	"docdraft/internal/published"
	"docdraft/internal/store"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned by Load when the session store cannot be read.
var ErrUnavailable = errors.New("content unavailable")

var ErrClosed = errors.New("content manager closed")

const (
	saveTimeout = 10 * time.Second
	loadTimeout = 10 * time.Second
)

type Store interface {
	GetByKey(ctx context.Context, key store.Key) (store.Row, bool, error)
	UpsertContent(ctx context.Context, key store.Key, content, userID string) (bool, error)
}

type LeaseChecker interface {
	Holds(key store.Key) bool
}

// Origin names the source a load was answered from.
type Origin string

const (
	OriginCache     Origin = "cache"
	OriginStore     Origin = "store"
	OriginPublished Origin = "published"
	OriginSkeleton  Origin = "skeleton"
)

type Loaded struct {
	Text   string `json:"text"`
	Origin Origin `json:"source"`
}

type pendingSave struct {
	key  store.Key
	text string
	seq  uint64
}

type Manager struct {
	store     Store
	leases    LeaseChecker
	cache     *branchcache.Cache
	published published.Source
	writer    string
	debounce  time.Duration

	loads singleflight.Group

	mu      sync.Mutex
	seq     uint64
	pending *pendingSave
	timer   *time.Timer
	closed  bool
	flushes sync.WaitGroup

	// writeMu keeps one store write in flight; written records the newest
	// save sequence persisted per key so an older save never lands last.
	writeMu sync.Mutex
	written map[store.Key]uint64
}

// NewManager wires a content manager. cache, leases and source may be nil
// for read-only use; without leases every save is refused.
func NewManager(st Store, leases LeaseChecker, cache *branchcache.Cache, source published.Source, writer string, debounce time.Duration) *Manager {
	return &Manager{
		store:     st,
		leases:    leases,
		cache:     cache,
		published: source,
		writer:    writer,
		debounce:  debounce,
		written:   make(map[store.Key]uint64),
	}
}

// Load returns the first of: the local cache entry, the live content in the
// session store, the published copy, a generated skeleton.
func (m *Manager) Load(ctx context.Context, key store.Key) (Loaded, error) {
	if m.cache != nil {
		if text, ok := m.cache.GetContent(key); ok {
			return Loaded{Text: text, Origin: OriginCache}, nil
		}
	}

	// The shared load outlives any one caller; each caller still stops
	// waiting when its own ctx ends.
	loads := m.loads.DoChan(key.String(), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return m.loadRemote(loadCtx, key)
	})
	select {
	case <-ctx.Done():
		return Loaded{}, ctx.Err()
	case res := <-loads:
		if res.Err != nil {
			return Loaded{}, res.Err
		}
		return res.Val.(Loaded), nil
	}
}

func (m *Manager) loadRemote(ctx context.Context, key store.Key) (Loaded, error) {
	row, found, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return Loaded{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}
	if found && row.Content != nil {
		return Loaded{Text: *row.Content, Origin: OriginStore}, nil
	}

	if m.published != nil {
		text, ok, err := m.published.Published(ctx, key.FilePath)
		if err != nil {
			log.Printf("content: published copy of %s unavailable: %v", key.FilePath, err)
		} else if ok {
			return Loaded{Text: text, Origin: OriginPublished}, nil
		}
	}
	return Loaded{Text: Skeleton(key.FilePath), Origin: OriginSkeleton}, nil
}

// Save writes text for key if this client holds the lease. An immediate save
// goes to the store before Save returns; otherwise the write is debounced and
// only the last text within the window is sent. A false result without error
// means the lease is not held.
func (m *Manager) Save(ctx context.Context, key store.Key, text string, immediate bool) (bool, error) {
	mode := "debounced"
	if immediate {
		mode = "immediate"
	}
	if m.leases == nil || !m.leases.Holds(key) {
		metrics.ContentSave.WithLabelValues(mode, "refused").Inc()
		return false, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	m.seq++
	seq := m.seq

	if immediate {
		if m.pending != nil && m.pending.key == key {
			m.stopTimerLocked()
			m.pending = nil
		}
		m.mu.Unlock()
		return m.persist(ctx, pendingSave{key: key, text: text, seq: seq}, mode)
	}

	if m.pending != nil && m.pending.key != key {
		m.flushInBackgroundLocked(*m.pending)
	}
	m.pending = &pendingSave{key: key, text: text, seq: seq}
	m.stopTimerLocked()
	m.timer = time.AfterFunc(m.debounce, func() { m.fire(seq) })
	m.mu.Unlock()
	return true, nil
}

// Pending reports whether a debounced save is waiting for its timer.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Flush sends the pending debounced save now. It returns true when there was
// nothing to send or the write succeeded.
func (m *Manager) Flush(ctx context.Context) (bool, error) {
	m.mu.Lock()
	p := m.takePendingLocked()
	m.mu.Unlock()
	if p == nil {
		return true, nil
	}
	return m.persist(ctx, *p, "debounced")
}

// Close flushes the pending save, refuses further saves and waits for
// background writes to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	p := m.takePendingLocked()
	m.mu.Unlock()

	var err error
	if p != nil {
		_, err = m.persist(ctx, *p, "debounced")
	}
	m.flushes.Wait()
	return err
}

func (m *Manager) fire(seq uint64) {
	m.mu.Lock()
	if m.pending == nil || m.pending.seq != seq {
		m.mu.Unlock()
		return
	}
	p := *m.pending
	m.pending = nil
	m.timer = nil
	m.flushes.Add(1)
	m.mu.Unlock()

	defer m.flushes.Done()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	_, _ = m.persist(ctx, p, "debounced")
}

func (m *Manager) flushInBackgroundLocked(p pendingSave) {
	m.stopTimerLocked()
	m.pending = nil
	m.flushes.Add(1)
	go func() {
		defer m.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		_, _ = m.persist(ctx, p, "debounced")
	}()
}

func (m *Manager) takePendingLocked() *pendingSave {
	p := m.pending
	m.pending = nil
	m.stopTimerLocked()
	return p
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) persist(ctx context.Context, p pendingSave, mode string) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if p.seq <= m.written[p.key] {
		return true, nil
	}
	if !m.leases.Holds(p.key) {
		metrics.ContentSave.WithLabelValues(mode, "refused").Inc()
		log.Printf("content: dropped %s save of %s, lease not held", mode, p.key)
		return false, nil
	}

	if _, err := m.store.UpsertContent(ctx, p.key, p.text, m.writer); err != nil {
		metrics.ContentSave.WithLabelValues(mode, "error").Inc()
		log.Printf("content: %s save of %s failed: %v", mode, p.key, err)
		return false, fmt.Errorf("save content: %w", err)
	}
	metrics.ContentSave.WithLabelValues(mode, "saved").Inc()
	m.written[p.key] = p.seq

	if m.cache != nil {
		if err := m.cache.SetContent(p.key, p.text); err != nil {
			log.Printf("content: cache %s: %v", p.key, err)
		}
	}
	return true, nil
}
