package editor

import (
	"context"
	"testing"
	"time"

	"docdraft/internal/branchcache"
	"docdraft/internal/content"
	"docdraft/internal/lease"
	"docdraft/internal/realtime"
	"docdraft/internal/session"
	"docdraft/internal/store"

	"github.com/alicebob/miniredis/v2"
)

func newRedis(t *testing.T) *session.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := session.NewRedisStore("redis://"+mr.Addr(), 30*time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func testConfig() Config {
	leases := lease.DefaultConfig()
	leases.PropagationDelay = time.Millisecond
	leases.HeartbeatInterval = time.Hour
	return Config{
		Lease:              leases,
		Autosave:           20 * time.Millisecond,
		SwitchAcquireDelay: time.Millisecond,
	}
}

func newSession(t *testing.T, rs *session.RedisStore, holder, branch string) *Session {
	t.Helper()
	s, err := NewSession("session-"+holder, holder, branch, Deps{
		Store: rs,
		Feed:  rs,
		Cache: branchcache.New(),
	}, testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func storedContent(t *testing.T, rs *session.RedisStore, key store.Key) string {
	t.Helper()
	row, found, err := rs.GetByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if !found || row.Content == nil {
		return ""
	}
	return *row.Content
}

func liveHolder(t *testing.T, rs *session.RedisStore, key store.Key) (string, bool) {
	t.Helper()
	row, found, err := rs.GetByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if !found {
		return "", false
	}
	return row.LiveHolder(time.Now(), 30*time.Minute)
}

func TestAutosaveVisibleToSecondClient(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	a := newSession(t, rs, "client-a", "main")
	b := newSession(t, rs, "client-b", "main")

	opened, err := a.Open(ctx, "guide.md")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !opened.Editable || opened.Source != content.OriginSkeleton {
		t.Fatalf("Open() = %+v, want editable skeleton", opened)
	}

	if ok, err := a.Edit(ctx, "# Hello"); err != nil || !ok {
		t.Fatalf("Edit() = %v, %v", ok, err)
	}
	guide := store.Key{FilePath: "guide.md", Branch: "main"}
	eventually(t, "autosave", func() bool { return storedContent(t, rs, guide) == "# Hello" })

	seen, err := b.Open(ctx, "guide.md")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if seen.Text != "# Hello" {
		t.Fatalf("Text = %q, want %q", seen.Text, "# Hello")
	}
	if seen.Editable || seen.LockedBy != "client-a" {
		t.Fatalf("Open() = %+v, want read-only locked by client-a", seen)
	}
}

func TestContentionThenRetry(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	a := newSession(t, rs, "client-a", "main")
	b := newSession(t, rs, "client-b", "main")

	if opened, err := a.Open(ctx, "guide.md"); err != nil || !opened.Editable {
		t.Fatalf("a.Open() = %+v, %v", opened, err)
	}
	if opened, err := b.Open(ctx, "guide.md"); err != nil || opened.Editable {
		t.Fatalf("b.Open() = %+v, %v", opened, err)
	}
	if ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("b.Acquire() = %v, %v, want false while a holds it", ok, err)
	}
	if ok, _ := b.Edit(ctx, "rejected"); ok {
		t.Fatal("Edit() saved without the lease")
	}
	if state := b.State(); !state.LocalDraft || state.Text != "rejected" {
		t.Fatalf("State() = %+v, want the refused edit kept as a draft", state)
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("a.Close() error = %v", err)
	}
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("b.Acquire() = %v, %v, want true after release", ok, err)
	}
	if !b.State().Editable {
		t.Fatal("State().Editable = false after acquiring")
	}
}

func TestDraftSurvivesBranchRoundTrip(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	owner := newSession(t, rs, "client-b", "feature-x")
	if opened, err := owner.Open(ctx, "guide.md"); err != nil || !opened.Editable {
		t.Fatalf("owner.Open() = %+v, %v", opened, err)
	}

	a := newSession(t, rs, "client-a", "feature-x")
	if _, err := a.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if ok, _ := a.Edit(ctx, "draft text"); ok {
		t.Fatal("Edit() saved while another client holds the lease")
	}

	if err := a.SwitchBranch(ctx, "main"); err != nil {
		t.Fatalf("SwitchBranch(main) error = %v", err)
	}
	if state := a.State(); state.Branch != "main" {
		t.Fatalf("Branch = %q, want main", state.Branch)
	}
	if err := a.SwitchBranch(ctx, "feature-x"); err != nil {
		t.Fatalf("SwitchBranch(feature-x) error = %v", err)
	}

	state := a.State()
	if state.Text != "draft text" || state.Source != content.OriginCache {
		t.Fatalf("State() = %+v, want cached draft restored", state)
	}
}

func TestSwitchBranchMovesLease(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	a := newSession(t, rs, "client-a", "main")

	if _, err := a.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := a.Edit(ctx, "main text"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if err := a.SwitchBranch(ctx, "feature-x"); err != nil {
		t.Fatalf("SwitchBranch() error = %v", err)
	}

	mainKey := store.Key{FilePath: "guide.md", Branch: "main"}
	if got := storedContent(t, rs, mainKey); got != "main text" {
		t.Fatalf("main content = %q, want the buffer saved before leaving", got)
	}
	row, _, err := rs.GetByKey(ctx, mainKey)
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if row.LockedBy != "" {
		t.Fatalf("main lease still held by %q", row.LockedBy)
	}

	featureKey := store.Key{FilePath: "guide.md", Branch: "feature-x"}
	holder, live := liveHolder(t, rs, featureKey)
	if !live || holder != "client-a" {
		t.Fatalf("feature-x holder = %q (live %v), want client-a", holder, live)
	}

	// Nothing was stored for feature-x, so the buffer carries over.
	if state := a.State(); state.Text != "main text" || !state.Editable {
		t.Fatalf("State() = %+v", state)
	}
}

func TestSwitchToSameBranchIsNoop(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	a := newSession(t, rs, "client-a", "main")
	if _, err := a.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.SwitchBranch(ctx, "main"); err != nil {
		t.Fatalf("SwitchBranch() error = %v", err)
	}
	if !a.State().Editable {
		t.Fatal("same-branch switch dropped the lease")
	}
	if err := a.SwitchBranch(ctx, "bad..branch"); err == nil {
		t.Fatal("SwitchBranch() accepted an invalid branch")
	}
}

func TestReadOnlyBufferFollowsRemoteSaves(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	a := newSession(t, rs, "client-a", "main")
	b := newSession(t, rs, "client-b", "main")

	if _, err := a.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("a.Open() error = %v", err)
	}
	if _, err := b.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("b.Open() error = %v", err)
	}
	if _, err := a.Edit(ctx, "v2"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if ok, err := a.Save(ctx); err != nil || !ok {
		t.Fatalf("Save() = %v, %v", ok, err)
	}

	eventually(t, "remote save", func() bool { return b.State().Text == "v2" })
	if state := b.State(); state.LockedBy != "client-a" || state.Editable {
		t.Fatalf("State() = %+v, want read-only locked by client-a", state)
	}
}

func TestOperationsNeedOpenFile(t *testing.T) {
	ctx := context.Background()
	a := newSession(t, newRedis(t), "client-a", "main")

	if _, err := a.Edit(ctx, "x"); err != ErrNoFile {
		t.Fatalf("Edit() error = %v, want ErrNoFile", err)
	}
	if _, err := a.Save(ctx); err != ErrNoFile {
		t.Fatalf("Save() error = %v, want ErrNoFile", err)
	}
	if _, err := a.Acquire(ctx); err != ErrNoFile {
		t.Fatalf("Acquire() error = %v, want ErrNoFile", err)
	}
	if _, err := a.Open(ctx, "../secret.md"); err == nil {
		t.Fatal("Open() accepted a path outside the docs tree")
	}
	if err := a.SwitchBranch(ctx, "feature-x"); err != nil {
		t.Fatalf("SwitchBranch() without a file error = %v", err)
	}
}

func TestCloseFlushesAndReleases(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	s, err := NewSession("s1", "client-a", "main", Deps{Store: rs, Feed: rs}, testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := s.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.Edit(ctx, "last words"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	key := store.Key{FilePath: "guide.md", Branch: "main"}
	if got := storedContent(t, rs, key); got != "last words" {
		t.Fatalf("content = %q, want pending edit flushed on close", got)
	}
	if _, live := liveHolder(t, rs, key); live {
		t.Fatal("lease still held after Close()")
	}
	if _, err := s.Open(ctx, "guide.md"); err != ErrClosed {
		t.Fatalf("Open() after Close error = %v, want ErrClosed", err)
	}
}

func TestSavingClearsRefusedDraft(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	a := newSession(t, rs, "client-a", "main")
	b := newSession(t, rs, "client-b", "main")

	if _, err := a.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("a.Open() error = %v", err)
	}
	if _, err := b.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("b.Open() error = %v", err)
	}
	if ok, _ := b.Edit(ctx, "kept"); ok {
		t.Fatal("Edit() saved without the lease")
	}
	if !b.State().LocalDraft {
		t.Fatal("LocalDraft = false after a refused edit")
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("a.Close() error = %v", err)
	}
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("b.Acquire() = %v, %v", ok, err)
	}
	if ok, err := b.Save(ctx); err != nil || !ok {
		t.Fatalf("b.Save() = %v, %v", ok, err)
	}
	if state := b.State(); state.LocalDraft || state.Text != "kept" {
		t.Fatalf("State() = %+v, want the saved draft cleared", state)
	}
	guide := store.Key{FilePath: "guide.md", Branch: "main"}
	if got := storedContent(t, rs, guide); got != "kept" {
		t.Fatalf("content = %q, want %q", got, "kept")
	}
}

// omittingFeed drops row content from every event, the way the Postgres
// feed does for large rows.
type omittingFeed struct {
	inner realtime.Feed
}

func (f omittingFeed) Subscribe(ctx context.Context, branch string, fn func(store.Event)) (func(), error) {
	return f.inner.Subscribe(ctx, branch, func(event store.Event) {
		if event.Kind != store.EventDelete {
			event.Row.Content = nil
			event.ContentOmitted = true
		}
		fn(event)
	})
}

func TestReadOnlyBufferRefetchesOmittedContent(t *testing.T) {
	ctx := context.Background()
	rs := newRedis(t)
	a := newSession(t, rs, "client-a", "main")
	b, err := NewSession("session-client-b", "client-b", "main", Deps{
		Store: rs,
		Feed:  omittingFeed{inner: rs},
		Cache: branchcache.New(),
	}, testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	if _, err := a.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("a.Open() error = %v", err)
	}
	if _, err := b.Open(ctx, "guide.md"); err != nil {
		t.Fatalf("b.Open() error = %v", err)
	}
	if _, err := a.Edit(ctx, "v2"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if ok, err := a.Save(ctx); err != nil || !ok {
		t.Fatalf("Save() = %v, %v", ok, err)
	}

	eventually(t, "refetched save", func() bool { return b.State().Text == "v2" })
	if state := b.State(); state.Source != content.OriginStore || state.Editable {
		t.Fatalf("State() = %+v, want read-only store content", state)
	}
}
