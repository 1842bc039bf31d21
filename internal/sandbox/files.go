package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// File operation limits.
const (
	MaxReadBytes  = 1024 * 1024
	MaxFindHits   = 200
	MaxSearchHits = 100
	// maxSearchFileBytes skips large files during content search.
	maxSearchFileBytes = 2 * 1024 * 1024
)

// Files performs file operations confined to a Root.
type Files struct {
	root *Root
}

// NewFiles returns file operations bound to root.
func NewFiles(root *Root) *Files {
	return &Files{root: root}
}

// Root returns the workspace the operations are confined to.
func (f *Files) Root() *Root {
	return f.root
}

// Read returns the file contents, truncated at MaxReadBytes.
func (f *Files) Read(ctx context.Context, path string) (string, error) {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return "", err
	}

	fh, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	defer fh.Close()

	if fi, err := fh.Stat(); err == nil && fi.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	data, err := io.ReadAll(io.LimitReader(fh, MaxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > MaxReadBytes {
		return string(data[:MaxReadBytes]) + "\n\n[... truncated at 1MB ...]", nil
	}
	return string(data), nil
}

// Write replaces the file contents, creating parent directories.
func (f *Files) Write(ctx context.Context, path, content string) error {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return err
	}
	if abs == f.root.Path() {
		return &DeniedError{Op: "write", Target: path, Reason: "cannot write the workspace root"}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Append adds content to the end of the file, creating it if needed.
func (f *Files) Append(ctx context.Context, path, content string) error {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	fh, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := fh.WriteString(content); err != nil {
		fh.Close()
		return fmt.Errorf("append file: %w", err)
	}
	return fh.Close()
}

// List returns directory entries, with a trailing "/" on directories.
func (f *Files) List(ctx context.Context, path string) ([]string, error) {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	return out, nil
}

// Delete removes a single file. Directories and the root are refused.
func (f *Files) Delete(ctx context.Context, path string) error {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return err
	}
	if abs == f.root.Path() {
		return &DeniedError{Op: "delete", Target: path, Reason: "cannot delete the workspace root"}
	}

	fi, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory; only files can be deleted", path)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Find returns workspace-relative paths whose relative path or base
// name matches the glob pattern.
func (f *Files) Find(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var hits []string
	err := filepath.WalkDir(f.root.Path(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == f.root.Path() {
			return nil
		}
		rel := f.root.Rel(p)
		relMatch, _ := filepath.Match(pattern, rel)
		baseMatch, _ := filepath.Match(pattern, d.Name())
		if relMatch || baseMatch {
			if d.IsDir() {
				rel += "/"
			}
			hits = append(hits, rel)
			if len(hits) >= MaxFindHits {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(hits)
	return hits, nil
}

// Match is a single content search hit.
type Match struct {
	Path string
	Line int
	Text string
}

// String renders the hit as path:line: text.
func (m Match) String() string {
	return fmt.Sprintf("%s:%d: %s", m.Path, m.Line, m.Text)
}

// Search scans files whose base name matches filePattern for lines
// matching the regular expression pattern.
func (f *Files) Search(ctx context.Context, pattern, filePattern string) ([]Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	if filePattern == "" {
		filePattern = "*"
	}
	if _, err := filepath.Match(filePattern, ""); err != nil {
		return nil, fmt.Errorf("invalid file pattern %q: %w", filePattern, err)
	}

	var hits []Match
	err = filepath.WalkDir(f.root.Path(), func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if ok, _ := filepath.Match(filePattern, d.Name()); !ok {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSearchFileBytes {
			return nil
		}

		found, err := searchFile(p, f.root.Rel(p), re, MaxSearchHits-len(hits))
		if err != nil {
			return nil
		}
		hits = append(hits, found...)
		if len(hits) >= MaxSearchHits {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func searchFile(abs, rel string, re *regexp.Regexp, limit int) ([]Match, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, nil // binary
	}

	var out []Match
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxSearchFileBytes)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if re.MatchString(text) {
			out = append(out, Match{Path: rel, Line: line, Text: strings.TrimSpace(text)})
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Edit replaces oldText with newText. Unless replaceAll is set, oldText
// must occur exactly once. Returns the number of replacements made.
func (f *Files) Edit(ctx context.Context, path, oldText, newText string, replaceAll bool) (int, error) {
	if oldText == "" {
		return 0, fmt.Errorf("old_text is required")
	}
	abs, err := f.root.Resolve(path)
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("file not found: %s", path)
		}
		return 0, fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	count := strings.Count(content, oldText)
	switch {
	case count == 0:
		if len(oldText) > 100 {
			return 0, fmt.Errorf("old text not found in file (first 100 chars: %q...)", oldText[:100])
		}
		return 0, fmt.Errorf("old text not found in file: %q", oldText)
	case count > 1 && !replaceAll:
		return 0, fmt.Errorf("old text appears %d times in file; must be unique unless replace_all is set", count)
	}

	n := 1
	if replaceAll {
		n = -1
	}
	updated := strings.Replace(content, oldText, newText, n)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return 0, fmt.Errorf("write file: %w", err)
	}
	if replaceAll {
		return count, nil
	}
	return 1, nil
}
