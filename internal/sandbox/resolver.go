// Package sandbox confines file and process operations requested by a
// model to a single workspace directory.
//
// Every path-taking operation goes through [Root.Resolve]. Commands run
// only when their executable is allow-listed and the raw string carries
// no shell metacharacters. Denials are reported as [*DeniedError] so
// callers can render them as ordinary tool results.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DeniedError reports a request refused by a sandbox policy.
type DeniedError struct {
	Op     string
	Target string
	Reason string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("Access denied: %s %s: %s", e.Op, e.Target, e.Reason)
}

// IsDenied reports whether err is (or wraps) a sandbox denial.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// Root is a workspace directory fixed at construction.
type Root struct {
	path string
}

// NewRoot creates dir if needed and pins it as an absolute,
// symlink-free path.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	return &Root{path: real}, nil
}

// Path returns the absolute root directory.
func (r *Root) Path() string {
	return r.path
}

// Resolve maps a caller-supplied path to an absolute path inside the
// root. Relative paths are joined to the root; absolute paths are
// accepted only when they already lie inside it. Symlinks along the
// existing portion of the path are evaluated, so a link pointing out of
// the workspace is refused just like "../".
func (r *Root) Resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "."
	}
	if strings.ContainsRune(p, 0) {
		return "", &DeniedError{Op: "resolve", Target: p, Reason: "path contains NUL byte"}
	}

	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(r.path, p)
		if !r.contains(abs) {
			return "", &DeniedError{Op: "resolve", Target: p, Reason: "path escapes workspace"}
		}
	}

	real, err := evalExisting(abs)
	if err != nil {
		return "", &DeniedError{Op: "resolve", Target: p, Reason: err.Error()}
	}
	if !r.contains(real) {
		return "", &DeniedError{Op: "resolve", Target: p, Reason: "path escapes workspace"}
	}
	return real, nil
}

// Rel returns abs relative to the root, for display.
func (r *Root) Rel(abs string) string {
	rel, err := filepath.Rel(r.path, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (r *Root) contains(p string) bool {
	rel, err := filepath.Rel(r.path, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// evalExisting evaluates symlinks on the longest existing prefix of p
// and re-appends the missing tail. A dangling symlink anywhere on the
// path is an error, since writing through it would create its target.
func evalExisting(p string) (string, error) {
	cur := p
	var tail []string
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{real}, reverse(tail)...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", errors.New("dangling symlink")
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func reverse(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
