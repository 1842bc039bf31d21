// Package fetch retrieves web pages on behalf of an agent and reduces
// them to readable text. Only http and https URLs are accepted, and the
// response size is bounded both by the declared Content-Length and by
// the bytes actually read.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/pantheon/internal/httpkit"
	"github.com/nugget/pantheon/internal/sandbox"
)

// Defaults.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxBytes int64 = 1024 * 1024
	DefaultMaxChars       = 10000
)

// Config configures a Fetcher.
type Config struct {
	MaxBytes int64
	MaxChars int
	// Timeout bounds the whole request. Dial and header timeouts come
	// from httpkit.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
	logger   *slog.Logger
}

// New creates a Fetcher. Zero config fields take the package defaults.
func New(cfg Config) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithDialTimeout(10*time.Second),
		),
		maxBytes: cfg.MaxBytes,
		maxChars: cfg.MaxChars,
		logger:   cfg.Logger,
	}
}

// MaxBytes returns the response size ceiling.
func (f *Fetcher) MaxBytes() int64 {
	return f.maxBytes
}

func checkURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		scheme := u.Scheme
		if scheme == "" {
			scheme = "(none)"
		}
		return nil, &sandbox.DeniedError{
			Op:     "fetch",
			Target: rawURL,
			Reason: fmt.Sprintf("scheme %s not allowed; only http and https", scheme),
		}
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url: missing host")
	}
	return u, nil
}

// Fetch downloads rawURL and extracts its readable text. A declared
// Content-Length above the ceiling is refused before the body is read.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := checkURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	// Close without draining: an oversized body must not be read.
	defer resp.Body.Close()

	if resp.ContentLength > f.maxBytes {
		f.logger.Warn("fetch refused by declared size",
			"url", u.String(),
			"content_length", resp.ContentLength,
			"max_bytes", f.maxBytes,
		)
		return nil, &sandbox.DeniedError{
			Op:     "fetch",
			Target: u.String(),
			Reason: fmt.Sprintf("content length %d exceeds limit of %d bytes", resp.ContentLength, f.maxBytes),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &sandbox.DeniedError{
			Op:     "fetch",
			Target: u.String(),
			Reason: fmt.Sprintf("response exceeds limit of %d bytes", f.maxBytes),
		}
	}

	contentType := resp.Header.Get("Content-Type")

	var title, content string
	switch {
	case isHTML(contentType):
		title, content = extractHTML(string(body))
	case isPlainText(contentType), utf8.Valid(body):
		content = string(body)
	default:
		return &Result{
			URL:         u.String(),
			ContentType: contentType,
			StatusCode:  resp.StatusCode,
			Content:     fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body)),
			Length:      len(body),
		}, nil
	}

	truncated := false
	if utf8.RuneCountInString(content) > f.maxChars {
		content = truncateUTF8(content, f.maxChars)
		truncated = true
	}

	return &Result{
		URL:         u.String(),
		Title:       title,
		Content:     content,
		ContentType: contentType,
		Truncated:   truncated,
		Length:      len(content),
		StatusCode:  resp.StatusCode,
	}, nil
}

// Format renders the result as tool output text.
func (r *Result) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nStatus: %d\n", r.URL, r.StatusCode)
	if r.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", r.Title)
	}
	b.WriteString("\n")
	b.WriteString(r.Content)
	if r.Truncated {
		b.WriteString("\n\n[... content truncated ...]")
	}
	return b.String()
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.HasPrefix(strings.ToLower(ct), "text/")
}

// truncateUTF8 cuts s to at most maxChars runes.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
