// Copyright 2024-2026 Bacchist

// Package arxiv discovers recently submitted arXiv papers and posts the
// highest-scoring ones to a Matrix room on a daily budget.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQueryURL is the public arXiv query API endpoint.
const DefaultQueryURL = "https://export.arxiv.org/api/query"

const maxFeedBytes = 10 << 20

// Paper is a single arXiv submission.
type Paper struct {
	ID         string    `json:"id"` // bare arXiv ID, e.g. "2406.01234"
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	Link       string    `json:"link"`
	Authors    []string  `json:"authors"`
	Categories []string  `json:"categories"`
	Published  time.Time `json:"published"`
}

// Client queries the arXiv Atom API.
type Client struct {
	http    *http.Client
	baseURL string
	log     zerolog.Logger
}

// NewClient creates an arXiv API client against the public endpoint.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: DefaultQueryURL,
		log:     log.With().Str("component", "arxiv_client").Logger(),
	}
}

// Search runs an arXiv API query (e.g. "cat:cs.LG") and returns up to
// maxResults papers, newest submissions first.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]Paper, error) {
	params := url.Values{
		"search_query": {query},
		"start":        {"0"},
		"max_results":  {strconv.Itoa(maxResults)},
		"sortBy":       {"submittedDate"},
		"sortOrder":    {"descending"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build arXiv request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arXiv query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arXiv query returned status %d", resp.StatusCode)
	}

	papers, err := parseFeed(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("query", query).Int("results", len(papers)).Msg("arXiv query complete")
	return papers, nil
}

// Atom feed shapes for the arXiv query API.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID         string `xml:"id"`
	Title      string `xml:"title"`
	Summary    string `xml:"summary"`
	Published  string `xml:"published"`
	Authors    []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

func parseFeed(r io.Reader) ([]Paper, error) {
	var feed atomFeed
	if err := xml.NewDecoder(r).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to parse arXiv feed: %w", err)
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		p := Paper{
			ID:      normalizeID(entry.ID),
			Title:   collapseWhitespace(entry.Title),
			Summary: collapseWhitespace(entry.Summary),
		}
		if p.ID == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, entry.Published); err == nil {
			p.Published = ts
		}
		for _, a := range entry.Authors {
			if a.Name != "" {
				p.Authors = append(p.Authors, a.Name)
			}
		}
		for _, cat := range entry.Categories {
			if cat.Term != "" {
				p.Categories = append(p.Categories, cat.Term)
			}
		}
		for _, link := range entry.Links {
			if link.Rel == "alternate" || link.Rel == "" {
				p.Link = link.Href
				break
			}
		}
		if p.Link == "" {
			p.Link = "https://arxiv.org/abs/" + p.ID
		}
		papers = append(papers, p)
	}
	return papers, nil
}

// normalizeID strips the abs URL prefix and version suffix from an Atom
// entry ID: "http://arxiv.org/abs/2406.01234v2" -> "2406.01234".
func normalizeID(raw string) string {
	id := raw
	if idx := strings.Index(id, "/abs/"); idx >= 0 {
		id = id[idx+len("/abs/"):]
	}
	if idx := strings.LastIndex(id, "v"); idx > 0 {
		if _, err := strconv.Atoi(id[idx+1:]); err == nil {
			id = id[:idx]
		}
	}
	return strings.TrimSpace(id)
}

// collapseWhitespace normalizes the newline-wrapped text arXiv returns in
// title and summary fields.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
