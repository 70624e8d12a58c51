// Package editor holds the per-editor session actor. A Session owns one open
// file and its buffer, and sequences file opens, edits and branch switches
// over the lease, content and realtime layers.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"docdraft/internal/branchcache"
	"docdraft/internal/content"
	"docdraft/internal/lease"
	"docdraft/internal/metrics"
	"docdraft/internal/published"
	"docdraft/internal/realtime"
	"docdraft/internal/store"
)

const refreshTimeout = 5 * time.Second

var (
	ErrNoFile = errors.New("no file is open")
	ErrClosed = errors.New("editor session closed")
)

// Store is everything a session needs from the shared session store.
type Store interface {
	lease.Store
	content.Store
	realtime.Lister
}

type Config struct {
	Lease              lease.Config
	Autosave           time.Duration
	SwitchAcquireDelay time.Duration
}

type Deps struct {
	Store     Store
	Feed      realtime.Feed
	Cache     *branchcache.Cache
	Published published.Source
}

type OpenResult struct {
	Path     string         `json:"path"`
	Branch   string         `json:"branch"`
	Text     string         `json:"text"`
	Source   content.Origin `json:"source"`
	Editable bool           `json:"editable"`
	LockedBy string         `json:"lockedBy,omitempty"`
}

type State struct {
	SessionID  string         `json:"sessionId"`
	HolderID   string         `json:"holderId"`
	Branch     string         `json:"branch"`
	Path       string         `json:"path,omitempty"`
	Text       string         `json:"text"`
	Source     content.Origin `json:"source,omitempty"`
	Editable   bool           `json:"editable"`
	LockedBy   string         `json:"lockedBy,omitempty"`
	LeaseState lease.State    `json:"leaseState"`
	Pending    bool           `json:"pendingOperation"`
	LocalDraft bool           `json:"localDraft"`
}

type Session struct {
	id       string
	holder   string
	cfg      Config
	store    Store
	leases   *lease.Manager
	content  *content.Manager
	cache    *branchcache.Cache
	listener *realtime.Listener

	// opMu serialises the actor's operations; stateMu guards the fields
	// below and is also taken by change-feed callbacks.
	opMu    sync.Mutex
	stateMu sync.Mutex
	file    string
	buffer  string
	origin  content.Origin
	draft   bool // buffer holds edits the store refused
	closed  bool
}

func NewSession(id, holder, branch string, deps Deps, cfg Config) (*Session, error) {
	normalized, err := store.NormalizeBranch(branch)
	if err != nil {
		return nil, err
	}
	if deps.Cache == nil {
		deps.Cache = branchcache.New()
	}
	if cfg.Lease.Now == nil {
		cfg.Lease.Now = time.Now
	}

	s := &Session{id: id, holder: holder, cfg: cfg, store: deps.Store, cache: deps.Cache}
	s.leases = lease.NewManager(holder, normalized, deps.Store, cfg.Lease)
	s.content = content.NewManager(deps.Store, s.leases, deps.Cache, deps.Published, holder, cfg.Autosave)
	s.listener = realtime.NewListener(realtime.Config{
		Feed:     deps.Feed,
		Lister:   deps.Store,
		Self:     holder,
		Cache:    deps.Cache,
		Observer: s.leases,
		TTL:      cfg.Lease.TTL,
		Now:      cfg.Lease.Now,
		OnEvent:  s.onEvent,
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) HolderID() string { return s.holder }

// Start subscribes to the session's branch and starts heartbeats.
func (s *Session) Start(ctx context.Context) error {
	if err := s.listener.Enter(ctx, s.leases.Branch()); err != nil {
		return fmt.Errorf("enter branch: %w", err)
	}
	s.leases.Start(context.Background())
	return nil
}

// Open makes filePath the session's open file on the current branch: the
// lease moves to it and its content is loaded. A file whose lease is held
// elsewhere opens read-only.
func (s *Session) Open(ctx context.Context, filePath string) (OpenResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return OpenResult{}, ErrClosed
	}

	key, err := store.NewKey(filePath, s.leases.Branch())
	if err != nil {
		return OpenResult{}, err
	}

	if prev, buffer, ok := s.openKey(); ok && prev != key {
		s.capture(prev, buffer)
		if _, err := s.content.Flush(ctx); err != nil {
			log.Printf("editor: flush %s before opening %s: %v", prev, key, err)
		}
	}

	acquired, err := s.leases.SwitchToFile(ctx, key.FilePath)
	if err != nil {
		log.Printf("editor: lease on %s unavailable, opening read-only: %v", key, err)
	}

	loaded, err := s.content.Load(ctx, key)
	if err != nil {
		return OpenResult{}, err
	}

	s.stateMu.Lock()
	s.file = key.FilePath
	s.buffer = loaded.Text
	s.origin = loaded.Origin
	s.draft = false
	s.stateMu.Unlock()

	result := OpenResult{
		Path:     key.FilePath,
		Branch:   key.Branch,
		Text:     loaded.Text,
		Source:   loaded.Origin,
		Editable: acquired,
	}
	if !acquired {
		result.LockedBy = s.lockedBy(ctx, key)
	}
	return result, nil
}

// Edit replaces the buffer and schedules a debounced save. The buffer is
// kept even when the save is refused.
func (s *Session) Edit(ctx context.Context, text string) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return false, ErrClosed
	}
	key, _, ok := s.openKey()
	if !ok {
		return false, ErrNoFile
	}

	saved, err := s.content.Save(ctx, key, text, false)
	s.stateMu.Lock()
	s.buffer = text
	s.draft = !saved
	s.stateMu.Unlock()
	return saved, err
}

// Save writes the buffer to the session store now.
func (s *Session) Save(ctx context.Context) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return false, ErrClosed
	}
	key, buffer, ok := s.openKey()
	if !ok {
		return false, ErrNoFile
	}
	saved, err := s.content.Save(ctx, key, buffer, true)
	if saved && err == nil {
		s.markClean(buffer)
	}
	return saved, err
}

// Acquire retries taking the lease on the open file.
func (s *Session) Acquire(ctx context.Context) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return false, ErrClosed
	}
	key, _, ok := s.openKey()
	if !ok {
		return false, ErrNoFile
	}
	return s.leases.AcquireLock(ctx, key)
}

// LockedBy returns the live holder of the open file's lease when it is
// another client.
func (s *Session) LockedBy(ctx context.Context) string {
	key, _, ok := s.openKey()
	if !ok {
		return ""
	}
	return s.lockedBy(ctx, key)
}

// SwitchBranch leaves the current branch for branch. The open buffer is
// captured locally and saved if possible, every lease is released, the file
// is reloaded on the new branch and its lease requested there. Failures of
// the save or the new lease do not stop the switch.
func (s *Session) SwitchBranch(ctx context.Context, branch string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}

	next, err := store.NormalizeBranch(branch)
	if err != nil {
		return err
	}
	if next == s.leases.Branch() {
		return nil
	}

	oldKey, buffer, open := s.openKey()
	if open {
		s.capture(oldKey, buffer)
		if s.leases.Holds(oldKey) {
			if saved, err := s.content.Save(ctx, oldKey, buffer, true); err != nil || !saved {
				log.Printf("editor: save %s before switching to %s failed (saved=%v): %v", oldKey, next, saved, err)
			}
		}
	}

	if _, err := s.leases.ForceReleaseAll(ctx); err != nil {
		log.Printf("editor: release leases before switching to %s: %v", next, err)
	}
	if err := s.leases.SetBranch(ctx, next); err != nil {
		return fmt.Errorf("set branch: %w", err)
	}
	if err := s.listener.Enter(ctx, next); err != nil {
		log.Printf("editor: subscribe to %s: %v", next, err)
	}
	metrics.BranchSwitch.Inc()

	if !open {
		return nil
	}

	newKey := store.Key{FilePath: oldKey.FilePath, Branch: next}
	loaded, err := s.content.Load(ctx, newKey)
	if err != nil {
		log.Printf("editor: load %s after switch, keeping buffer: %v", newKey, err)
	} else {
		s.stateMu.Lock()
		branchSpecific := loaded.Origin == content.OriginCache || loaded.Origin == content.OriginStore
		if branchSpecific || strings.TrimSpace(s.buffer) == "" {
			s.buffer = loaded.Text
			s.origin = loaded.Origin
			s.draft = false
		}
		s.stateMu.Unlock()
	}

	if !s.leases.Atomic() {
		if err := sleep(ctx, s.cfg.SwitchAcquireDelay); err != nil {
			return fmt.Errorf("switched to %s without a lease: %w", next, err)
		}
	}
	if ok, err := s.leases.AcquireLock(ctx, newKey); err != nil {
		log.Printf("editor: lease on %s after switch: %v", newKey, err)
	} else if !ok {
		log.Printf("editor: %s is locked elsewhere, open read-only", newKey)
	}
	return nil
}

func (s *Session) State() State {
	s.stateMu.Lock()
	state := State{
		SessionID:  s.id,
		HolderID:   s.holder,
		Path:       s.file,
		Text:       s.buffer,
		Source:     s.origin,
		LocalDraft: s.draft,
	}
	s.stateMu.Unlock()

	snap := s.leases.Snapshot()
	state.Branch = snap.Branch
	state.LeaseState = snap.State
	state.Pending = snap.Pending || s.content.Pending()
	if state.Path != "" {
		key := store.Key{FilePath: state.Path, Branch: snap.Branch}
		state.Editable = s.leases.Holds(key)
		if !state.Editable {
			if holder, live := s.listener.View().Holder(state.Path); live && holder != s.holder {
				state.LockedBy = holder
			}
		}
	}
	return state
}

// Close flushes pending edits, stops listening and heartbeats and releases
// the session's leases. The release is best effort within ctx.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()

	if key, buffer, ok := s.openKey(); ok {
		s.capture(key, buffer)
	}
	if err := s.content.Close(ctx); err != nil {
		log.Printf("editor: flush on close of %s: %v", s.id, err)
	}
	s.listener.Close()
	if err := s.leases.Shutdown(ctx); err != nil {
		log.Printf("editor: release on close of %s: %v", s.id, err)
		return err
	}
	return nil
}

// onEvent refreshes a read-only buffer when another writer saves the open
// file. Feeds that omit content get the row re-read from the store.
func (s *Session) onEvent(event store.Event) {
	row := event.Row
	if event.Kind == store.EventDelete || row.UserID == s.holder {
		return
	}
	if row.Content == nil && !event.ContentOmitted {
		return
	}
	key := row.Key()
	if s.leases.Holds(key) || key.Branch != s.leases.Branch() || !s.isFollowing(key) {
		return
	}

	text := row.Content
	if text == nil {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		fresh, found, err := s.store.GetByKey(ctx, key)
		cancel()
		if err != nil {
			log.Printf("editor: refresh %s: %v", key, err)
			return
		}
		if !found || fresh.Content == nil {
			return
		}
		text = fresh.Content
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.following(key) {
		s.buffer = *text
		s.origin = content.OriginStore
	}
}

func (s *Session) openKey() (store.Key, string, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.file == "" {
		return store.Key{}, "", false
	}
	return store.Key{FilePath: s.file, Branch: s.leases.Branch()}, s.buffer, true
}

func (s *Session) capture(key store.Key, buffer string) {
	if _, err := s.cache.CaptureCurrentContent(key, buffer); err != nil {
		log.Printf("editor: capture %s: %v", key, err)
	}
}

func (s *Session) markClean(saved string) {
	s.stateMu.Lock()
	if s.buffer == saved {
		s.draft = false
	}
	s.stateMu.Unlock()
}

func (s *Session) lockedBy(ctx context.Context, key store.Key) string {
	holder, live, err := s.leases.Holder(ctx, key)
	if err != nil {
		log.Printf("editor: read lease on %s: %v", key, err)
		return ""
	}
	if !live || holder == s.holder {
		return ""
	}
	return holder
}

// following reports whether key is the open file and the buffer holds no
// refused edits. Callers hold stateMu.
func (s *Session) following(key store.Key) bool {
	return !s.closed && s.file == key.FilePath && !s.draft
}

func (s *Session) isFollowing(key store.Key) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.following(key)
}

func (s *Session) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
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
