// Package lease implements the single-writer lease protocol for one client:
// acquire, heartbeat and release of (file, branch) leases in a shared session
// store. A client holds at most one lease at a time.
package lease

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"docdraft/internal/metrics"
	"docdraft/internal/opqueue"
	"docdraft/internal/store"
)

// Store is the subset of the session store the lease protocol needs.
type Store interface {
	Acquire(ctx context.Context, key store.Key, holder string) (bool, error)
	Release(ctx context.Context, key store.Key, holder string) (bool, error)
	ReleaseAll(ctx context.Context, holder string) ([]store.Key, error)
	Heartbeat(ctx context.Context, key store.Key, holder string) (bool, error)
	GetByKey(ctx context.Context, key store.Key) (store.Row, bool, error)
}

// Transferer is implemented by stores that can drop a holder's other leases
// and acquire a new one in a single atomic step.
type Transferer interface {
	Transfer(ctx context.Context, key store.Key, holder string) (bool, []store.Key, error)
}

type State string

const (
	StateUnlocked  State = "UNLOCKED"
	StateAcquiring State = "ACQUIRING"
	StateHeld      State = "HELD"
	StateReleasing State = "RELEASING"
)

type Config struct {
	TTL                  time.Duration
	HeartbeatInterval    time.Duration
	MaxHeartbeatFailures int
	PropagationDelay     time.Duration
	AtomicTransfer       bool
	Now                  func() time.Time
}

func DefaultConfig() Config {
	return Config{
		TTL:                  30 * time.Minute,
		HeartbeatInterval:    10 * time.Second,
		MaxHeartbeatFailures: 3,
		PropagationDelay:     200 * time.Millisecond,
		AtomicTransfer:       true,
		Now:                  time.Now,
	}
}

type Snapshot struct {
	Holder     string     `json:"holderId"`
	Branch     string     `json:"branch"`
	State      State      `json:"leaseState"`
	Held       *store.Key `json:"heldLease,omitempty"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
	Pending    bool       `json:"pendingOperation"`
}

// Manager owns the client's active session state. Every mutation of that
// state runs on its operation queue; heartbeats and reads do not.
type Manager struct {
	holder   string
	store    Store
	transfer Transferer
	queue    *opqueue.Queue
	cfg      Config

	mu         sync.Mutex
	branch     string
	held       *store.Key
	acquiredAt time.Time
	gen        uint64
	state      State
	failures   int

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

func NewManager(holder, branch string, st Store, cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxHeartbeatFailures <= 0 {
		cfg.MaxHeartbeatFailures = 1
	}
	m := &Manager{
		holder: holder,
		store:  st,
		queue:  opqueue.New(),
		cfg:    cfg,
		branch: branch,
		state:  StateUnlocked,
	}
	if cfg.AtomicTransfer {
		if t, ok := st.(Transferer); ok {
			m.transfer = t
		}
	}
	return m
}

func (m *Manager) HolderID() string {
	return m.holder
}

// Atomic reports whether acquires use the store's atomic transfer instead of
// release, propagation delay and acquire.
func (m *Manager) Atomic() bool {
	return m.transfer != nil
}

func (m *Manager) Branch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branch
}

// Holds reports whether this client believes it holds the lease on key.
func (m *Manager) Holds(key store.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held != nil && *m.held == key
}

func (m *Manager) HeldKey() (store.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return store.Key{}, false
	}
	return *m.held, true
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Holder:  m.holder,
		Branch:  m.branch,
		State:   m.state,
		Pending: m.queue.Pending(),
	}
	if m.held != nil {
		held := *m.held
		at := m.acquiredAt
		snap.Held = &held
		snap.AcquiredAt = &at
	}
	return snap
}

// SetBranch records the client's current branch.
func (m *Manager) SetBranch(ctx context.Context, branch string) error {
	normalized, err := store.NormalizeBranch(branch)
	if err != nil {
		return err
	}
	return m.queue.Do(ctx, func(context.Context) error {
		m.mu.Lock()
		m.branch = normalized
		m.mu.Unlock()
		return nil
	})
}

// AcquireLock gives up every lease this client holds and then tries to take
// key. It returns false without error when another live holder has key.
func (m *Manager) AcquireLock(ctx context.Context, key store.Key) (bool, error) {
	return opqueue.Run(ctx, m.queue, func(ctx context.Context) (bool, error) {
		return m.acquire(ctx, key)
	})
}

// SwitchToFile moves the client's lease to filePath on the current branch.
// Afterwards the client holds either the new key or nothing.
func (m *Manager) SwitchToFile(ctx context.Context, filePath string) (bool, error) {
	return opqueue.Run(ctx, m.queue, func(ctx context.Context) (bool, error) {
		key, err := store.NewKey(filePath, m.Branch())
		if err != nil {
			return false, err
		}
		return m.acquire(ctx, key)
	})
}

func (m *Manager) acquire(ctx context.Context, key store.Key) (bool, error) {
	if m.transfer == nil {
		// The old lease stays ours until the store confirms the release.
		released, err := m.store.ReleaseAll(ctx, m.holder)
		if err != nil {
			metrics.LeaseAcquire.WithLabelValues("error").Inc()
			log.Printf("lease: release before acquiring %s for %s failed: %v", key, m.holder, err)
			return false, fmt.Errorf("release held leases: %w", err)
		}
		metrics.LeaseRelease.Add(float64(len(released)))
	}

	m.mu.Lock()
	m.held = nil
	m.gen++
	m.failures = 0
	m.state = StateAcquiring
	m.mu.Unlock()

	var (
		ok  bool
		err error
	)
	if m.transfer != nil {
		ok, err = m.acquireAtomic(ctx, key)
	} else {
		ok, err = m.acquireDelayed(ctx, key)
	}

	switch {
	case err != nil:
		metrics.LeaseAcquire.WithLabelValues("error").Inc()
		log.Printf("lease: acquire %s for %s failed: %v", key, m.holder, err)
		m.setUnlocked()
		return false, err
	case !ok:
		metrics.LeaseAcquire.WithLabelValues("contended").Inc()
		m.setUnlocked()
		return false, nil
	}

	metrics.LeaseAcquire.WithLabelValues("acquired").Inc()
	m.mu.Lock()
	held := key
	m.held = &held
	m.acquiredAt = m.cfg.Now()
	m.state = StateHeld
	m.mu.Unlock()
	return true, nil
}

func (m *Manager) acquireAtomic(ctx context.Context, key store.Key) (bool, error) {
	ok, released, err := m.transfer.Transfer(ctx, key, m.holder)
	if err != nil {
		if _, releaseErr := m.store.ReleaseAll(ctx, m.holder); releaseErr != nil {
			log.Printf("lease: release after failed transfer for %s: %v", m.holder, releaseErr)
		}
		return false, fmt.Errorf("transfer lease: %w", err)
	}
	metrics.LeaseRelease.Add(float64(len(released)))
	return ok, nil
}

// acquireDelayed runs after the holder's leases were released.
func (m *Manager) acquireDelayed(ctx context.Context, key store.Key) (bool, error) {
	if err := sleep(ctx, m.cfg.PropagationDelay); err != nil {
		return false, err
	}

	row, found, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read lease: %w", err)
	}
	if found {
		if other, live := row.LiveHolder(m.cfg.Now(), m.cfg.TTL); live && other != m.holder {
			return false, nil
		}
	}

	ok, err := m.store.Acquire(ctx, key, m.holder)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// ReleaseLock clears the lease on key if this client holds it. It reports
// whether the client is free of key afterwards, so releasing a lease that is
// not held succeeds.
func (m *Manager) ReleaseLock(ctx context.Context, key store.Key) (bool, error) {
	return opqueue.Run(ctx, m.queue, func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		mine := m.held != nil && *m.held == key
		if mine {
			m.state = StateReleasing
		}
		m.mu.Unlock()

		released, err := m.store.Release(ctx, key, m.holder)
		if err != nil {
			if mine {
				m.mu.Lock()
				m.state = StateHeld
				m.mu.Unlock()
			}
			return false, fmt.Errorf("release lease: %w", err)
		}
		if released {
			metrics.LeaseRelease.Inc()
		}
		if mine {
			m.setUnlocked()
		}
		return true, nil
	})
}

// ForceReleaseAll clears every lease this client holds, on any key, in one
// store operation.
func (m *Manager) ForceReleaseAll(ctx context.Context) (bool, error) {
	return opqueue.Run(ctx, m.queue, func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		prev := m.state
		m.state = StateReleasing
		m.mu.Unlock()

		released, err := m.store.ReleaseAll(ctx, m.holder)
		if err != nil {
			m.mu.Lock()
			m.state = prev
			m.mu.Unlock()
			return false, fmt.Errorf("release all leases: %w", err)
		}
		metrics.LeaseRelease.Add(float64(len(released)))
		m.setUnlocked()
		return true, nil
	})
}

// Holder reads the lease on key and applies the expiry rule.
func (m *Manager) Holder(ctx context.Context, key store.Key) (string, bool, error) {
	row, found, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("read lease: %w", err)
	}
	if !found {
		return "", false, nil
	}
	holder, live := row.LiveHolder(m.cfg.Now(), m.cfg.TTL)
	return holder, live, nil
}

// Observe applies a row seen on the change feed. Another holder taking our
// key after we acquired it means the lease was lost.
func (m *Manager) Observe(row store.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil || *m.held != row.Key() {
		return
	}
	if row.LockedBy == "" || row.LockedBy == m.holder || row.LockedAt == nil {
		return
	}
	if !row.LockedAt.After(m.acquiredAt) {
		return
	}
	m.revokeLocked(fmt.Sprintf("taken over by %s", row.LockedBy))
}

// Start runs the heartbeat loop until Stop is called or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopLoop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stopLoop = cancel
	m.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.heartbeat(loopCtx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.stopLoop, m.loopDone
	m.stopLoop, m.loopDone = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Shutdown stops heartbeats and makes a best-effort attempt to release every
// lease before ctx ends. Leases left behind expire after the TTL.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()
	if _, err := m.ForceReleaseAll(ctx); err != nil {
		return fmt.Errorf("shutdown release: %w", err)
	}
	return nil
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.mu.Lock()
	if m.held == nil {
		m.mu.Unlock()
		return
	}
	key, gen := *m.held, m.gen
	m.mu.Unlock()

	ok, err := m.store.Heartbeat(ctx, key, m.holder)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	switch {
	case err != nil:
		metrics.Heartbeat.WithLabelValues("error").Inc()
		m.failures++
		log.Printf("lease: heartbeat %s failed (%d/%d): %v", key, m.failures, m.cfg.MaxHeartbeatFailures, err)
		if m.failures >= m.cfg.MaxHeartbeatFailures {
			m.revokeLocked("heartbeat failures")
		}
	case !ok:
		metrics.Heartbeat.WithLabelValues("lost").Inc()
		m.revokeLocked("store reports another holder")
	default:
		metrics.Heartbeat.WithLabelValues("ok").Inc()
		m.failures = 0
	}
}

func (m *Manager) revokeLocked(reason string) {
	log.Printf("lease: %s no longer holds %s: %s", m.holder, m.held, reason)
	m.held = nil
	m.gen++
	m.failures = 0
	m.state = StateUnlocked
}

func (m *Manager) setUnlocked() {
	m.mu.Lock()
	m.held = nil
	m.failures = 0
	m.state = StateUnlocked
	m.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
