// Package published resolves the last-committed version of a document from
// read-only sources: a directory, a git repository or an object store bucket.
package published

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrInvalidPath = errors.New("invalid published path")

// Source returns the published text of a file, or found=false when the
// source has no copy of it.
type Source interface {
	Published(ctx context.Context, filePath string) (text string, found bool, err error)
}

// CleanPath turns a document path into a slash-separated path relative to a
// source root. Paths that leave the root are rejected.
func CleanPath(name string) (string, error) {
	clean := path.Clean(strings.TrimLeft(strings.ReplaceAll(name, `\`, "/"), "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return clean, nil
}

// DirSource reads static copies below a root directory.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (d *DirSource) Published(ctx context.Context, filePath string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	clean, err := CleanPath(filePath)
	if err != nil {
		return "", false, nil
	}
	full := filepath.Join(d.root, filepath.FromSlash(clean))
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		if info, statErr := os.Stat(full); statErr == nil && info.IsDir() {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read published %s: %w", clean, err)
	}
	return string(data), true, nil
}

// Chain consults its sources in order. The first hit wins; a failing source
// is logged and skipped.
type Chain struct {
	sources []Source
}

func NewChain(sources ...Source) *Chain {
	kept := make([]Source, 0, len(sources))
	for _, source := range sources {
		if source != nil {
			kept = append(kept, source)
		}
	}
	return &Chain{sources: kept}
}

func (c *Chain) Len() int {
	return len(c.sources)
}

func (c *Chain) Published(ctx context.Context, filePath string) (string, bool, error) {
	for i, source := range c.sources {
		text, found, err := source.Published(ctx, filePath)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			log.Printf("published: source %d failed for %s, trying next: %v", i, filePath, err)
			continue
		}
		if found {
			return text, true, nil
		}
	}
	return "", false, nil
}
