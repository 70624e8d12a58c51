package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"docdraft/internal/branchcache"
	"docdraft/internal/config"
	"docdraft/internal/content"
	"docdraft/internal/editor"
	"docdraft/internal/lease"
	"docdraft/internal/metrics"
	"docdraft/internal/published"
	"docdraft/internal/realtime"
	"docdraft/internal/store"
	"docdraft/internal/util"
)

const (
	defaultBranch = "main"
	closeTimeout  = 5 * time.Second
)

// Store is the session store as the service uses it: lease and content
// operations, the change feed and a health check.
type Store interface {
	editor.Store
	realtime.Feed
	Ping(ctx context.Context) error
}

type SessionInfo struct {
	SessionID string `json:"sessionId"`
	HolderID  string `json:"holderId"`
	Branch    string `json:"branch"`
}

// FileView is a read-only load of a file outside any session.
type FileView struct {
	Path     string         `json:"path"`
	Branch   string         `json:"branch"`
	Text     string         `json:"text"`
	Source   content.Origin `json:"source"`
	LockedBy string         `json:"lockedBy,omitempty"`
}

type Service struct {
	cfg       config.Config
	store     Store
	caches    *branchcache.DB
	published published.Source
	reader    *content.Manager

	// createMu serialises session creation so a holder never has two.
	createMu sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*editor.Session
	holders  map[string]string // holderID -> sessionID
}

// New builds the service. caches may be nil, in which case every session
// keeps its branch cache in memory only.
func New(cfg config.Config, st Store, caches *branchcache.DB, source published.Source) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		caches:    caches,
		published: source,
		reader:    content.NewManager(st, nil, nil, source, "", 0),
		sessions:  make(map[string]*editor.Session),
		holders:   make(map[string]string),
	}
}

func sessionConfig(cfg config.Config) editor.Config {
	return editor.Config{
		Lease: lease.Config{
			TTL:                  cfg.LeaseTTL,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			MaxHeartbeatFailures: cfg.HeartbeatMaxFailures,
			PropagationDelay:     cfg.PropagationDelay,
			AtomicTransfer:       cfg.AtomicTransfer,
			Now:                  time.Now,
		},
		Autosave:           cfg.AutosaveDelay,
		SwitchAcquireDelay: cfg.SwitchAcquireDelay,
	}
}

// CreateSession starts an editor session on branch. A returning client
// passes its previous holderID to get its branch cache back; a session that
// holder still has open is closed first, so only the newest one can edit.
func (s *Service) CreateSession(ctx context.Context, holderID, branch string) (SessionInfo, error) {
	holderID = strings.TrimSpace(holderID)
	if holderID == "" {
		holderID = util.NewID("client")
	}
	if strings.ContainsAny(holderID, "/:") {
		return SessionInfo{}, domainError(http.StatusBadRequest, "INVALID_HOLDER", "holderId must not contain '/' or ':'", nil)
	}
	if strings.TrimSpace(branch) == "" {
		branch = defaultBranch
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.RLock()
	previous, taken := s.holders[holderID]
	s.mu.RUnlock()
	if taken {
		log.Printf("app: holder %s reconnected, closing session %s", holderID, previous)
		if err := s.CloseSession(ctx, previous); err != nil {
			log.Printf("app: close session %s: %v", previous, err)
		}
	}

	cache := branchcache.New()
	if s.caches != nil {
		var err error
		cache, err = s.caches.Cache(holderID)
		if err != nil {
			return SessionInfo{}, fmt.Errorf("open branch cache: %w", err)
		}
	}

	id := util.NewID("sess")
	session, err := editor.NewSession(id, holderID, branch, editor.Deps{
		Store:     s.store,
		Feed:      s.store,
		Cache:     cache,
		Published: s.published,
	}, sessionConfig(s.cfg))
	if err != nil {
		return SessionInfo{}, err
	}
	if err := session.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = session.Close(closeCtx)
		return SessionInfo{}, fmt.Errorf("start session: %w", err)
	}

	s.mu.Lock()
	s.sessions[id] = session
	s.holders[holderID] = id
	s.mu.Unlock()
	metrics.SessionsActive.Inc()

	state := session.State()
	return SessionInfo{SessionID: id, HolderID: holderID, Branch: state.Branch}, nil
}

func (s *Service) Session(id string) (*editor.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", map[string]any{"sessionId": id})
	}
	return session, nil
}

// SessionIDs lists open sessions in a stable order.
func (s *Service) SessionIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseSession removes the session and releases its leases. The release is
// bounded by closeTimeout; an expired release is left to the lease TTL.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	if ok && s.holders[session.HolderID()] == id {
		delete(s.holders, session.HolderID())
	}
	s.mu.Unlock()
	if !ok {
		return domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", map[string]any{"sessionId": id})
	}
	metrics.SessionsActive.Dec()

	closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		log.Printf("app: close session %s: %v", id, err)
	}
	return nil
}

// CloseAll closes every session concurrently.
func (s *Service) CloseAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range s.SessionIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.CloseSession(ctx, id); err != nil {
				log.Printf("app: close session %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// LoadFile reads a file the way an editor would, without taking a lease.
func (s *Service) LoadFile(ctx context.Context, filePath, branch string) (FileView, error) {
	if strings.TrimSpace(branch) == "" {
		branch = defaultBranch
	}
	key, err := store.NewKey(filePath, branch)
	if err != nil {
		return FileView{}, err
	}
	loaded, err := s.reader.Load(ctx, key)
	if err != nil {
		return FileView{}, err
	}

	view := FileView{Path: key.FilePath, Branch: key.Branch, Text: loaded.Text, Source: loaded.Origin}
	row, found, err := s.store.GetByKey(ctx, key)
	if err != nil {
		log.Printf("app: lease lookup for %s: %v", key, err)
	} else if found {
		if holder, live := row.LiveHolder(time.Now(), s.cfg.LeaseTTL); live {
			view.LockedBy = holder
		}
	}
	return view, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func isClosedSession(err error) bool {
	return errors.Is(err, editor.ErrClosed) || errors.Is(err, content.ErrClosed)
}
