package published

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"guide.md":         "guide.md",
		"/docs/guide.md":   "docs/guide.md",
		"docs/../guide.md": "guide.md",
		`docs\guide.md`:    "docs/guide.md",
	}
	for input, want := range cases {
		got, err := CleanPath(input)
		if err != nil {
			t.Fatalf("CleanPath(%q) error = %v", input, err)
		}
		if got != want {
			t.Fatalf("CleanPath(%q) = %q, want %q", input, got, want)
		}
	}
	for _, input := range []string{"", "/", "..", "../secret.md", "docs/../../x"} {
		if _, err := CleanPath(input); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("CleanPath(%q) error = %v, want ErrInvalidPath", input, err)
		}
	}
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "docs", "guide.md"), []byte("# Guide"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewDirSource(root)
	ctx := context.Background()

	text, found, err := src.Published(ctx, "/docs/guide.md")
	if err != nil || !found || text != "# Guide" {
		t.Fatalf("Published() = %q, %v, %v", text, found, err)
	}
	for _, name := range []string{"docs/missing.md", "docs", "../outside.md"} {
		if _, found, err := src.Published(ctx, name); err != nil || found {
			t.Fatalf("Published(%q) = %v, %v", name, found, err)
		}
	}
}

type fakeSource struct {
	PublishedFn func(ctx context.Context, filePath string) (string, bool, error)
	calls       int
}

func (f *fakeSource) Published(ctx context.Context, filePath string) (string, bool, error) {
	f.calls++
	return f.PublishedFn(ctx, filePath)
}

func TestChainFirstHitWins(t *testing.T) {
	failing := &fakeSource{PublishedFn: func(context.Context, string) (string, bool, error) {
		return "", false, errors.New("boom")
	}}
	missing := &fakeSource{PublishedFn: func(context.Context, string) (string, bool, error) {
		return "", false, nil
	}}
	hit := &fakeSource{PublishedFn: func(context.Context, string) (string, bool, error) {
		return "from hit", true, nil
	}}
	never := &fakeSource{PublishedFn: func(context.Context, string) (string, bool, error) {
		return "unused", true, nil
	}}

	chain := NewChain(failing, nil, missing, hit, never)
	if chain.Len() != 4 {
		t.Fatalf("expected nil source dropped, got %d", chain.Len())
	}
	text, found, err := chain.Published(context.Background(), "guide.md")
	if err != nil || !found || text != "from hit" {
		t.Fatalf("Published() = %q, %v, %v", text, found, err)
	}
	if never.calls != 0 {
		t.Fatal("sources after the first hit must not be consulted")
	}
}

func TestChainAllMiss(t *testing.T) {
	chain := NewChain()
	if _, found, err := chain.Published(context.Background(), "guide.md"); err != nil || found {
		t.Fatalf("Published() = %v, %v", found, err)
	}
}
