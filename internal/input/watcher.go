package input

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// Watcher lists documents under Dir matching any of Patterns. Patterns use
// doublestar syntax relative to Dir, e.g. "**/*.pdf".
type Watcher struct {
	Dir      string
	Patterns []string
}

// Validate checks every pattern is well formed.
func (w Watcher) Validate() error {
	for _, p := range w.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid watch pattern %q", p)
		}
	}
	return nil
}

// Scan returns absolute paths of matching regular files in lexical order.
// A missing directory yields no matches.
func (w Watcher) Scan() ([]string, error) {
	if w.Dir == "" {
		return nil, nil
	}
	root, err := filepath.Abs(w.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch dir: %w", err)
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var out []string
	for _, p := range w.Patterns {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			if info, err := fs.Stat(fsys, m); err != nil || !info.Mode().IsRegular() {
				continue
			}
			out = append(out, filepath.Join(root, filepath.FromSlash(m)))
		}
	}
	slices.Sort(out)
	return out, nil
}
