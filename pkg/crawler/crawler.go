// Copyright 2024-2026 Bacchist

// Package crawler fetches shared links and archives their readable content
// as markdown files.
package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 5 << 20 // 5 MB
	defaultUserAgent    = "multiverse-matrix-bot/0.1 (+https://github.com/bacchist/multiverse-matrix-bot)"
)

// Config holds crawler settings.
type Config struct {
	ArchiveDir     string `yaml:"archive_dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	UserAgent      string `yaml:"user_agent"`
}

// Crawler fetches pages and writes markdown archives of them.
type Crawler struct {
	cfg    Config
	client *http.Client
	conv   *md.Converter
	log    zerolog.Logger
}

// New creates a crawler and its archive directory.
func New(cfg Config, log zerolog.Logger) (*Crawler, error) {
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = "./archive"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = int(defaultTimeout / time.Second)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Crawler{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		conv:   md.NewConverter("", true, nil),
		log:    log.With().Str("component", "crawler").Logger(),
	}, nil
}

// ProcessURL fetches the page at rawURL, converts its readable content to
// markdown, and writes it to the archive directory.
func (c *Crawler) ProcessURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return fmt.Errorf("unsupported content type %q", contentType)
	}

	body := io.LimitReader(resp.Body, c.cfg.MaxBodyBytes)
	title, markdown, err := c.extract(body)
	if err != nil {
		return err
	}

	path := filepath.Join(c.cfg.ArchiveDir, archiveFilename(parsed, rawURL))
	if err := c.writeArchive(path, title, rawURL, markdown); err != nil {
		return err
	}

	c.log.Info().
		Str("url", rawURL).
		Str("title", title).
		Str("path", path).
		Msg("Archived page")
	return nil
}

// extract parses an HTML document and returns its title and the markdown
// rendering of its body, with non-content elements stripped.
func (c *Crawler) extract(r io.Reader) (title, markdown string, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, iframe, nav, header, footer").Remove()

	bodyHTML, err := doc.Find("body").Html()
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize body: %w", err)
	}
	markdown, err = c.conv.ConvertString(bodyHTML)
	if err != nil {
		return "", "", fmt.Errorf("markdown conversion failed: %w", err)
	}
	return title, strings.TrimSpace(markdown), nil
}

func (c *Crawler) writeArchive(path, title, sourceURL, markdown string) error {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	fmt.Fprintf(&b, "Source: %s\nFetched: %s\n\n", sourceURL, time.Now().UTC().Format(time.RFC3339))
	b.WriteString(markdown)
	b.WriteString("\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	return nil
}

// archiveFilename builds a stable filename from the URL host and a short
// hash of the full URL, so the same link always lands in the same file.
func archiveFilename(parsed *url.URL, rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	host := strings.ReplaceAll(parsed.Hostname(), ".", "_")
	if host == "" {
		host = "page"
	}
	return fmt.Sprintf("%s_%s.md", host, hex.EncodeToString(sum[:5]))
}
