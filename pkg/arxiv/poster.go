// Copyright 2024-2026 Bacchist

package arxiv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Defaults match the production deployment: a few posts per day, paced
// hours apart, with hourly discovery.
const (
	DefaultMaxPostsPerDay           = 3
	DefaultPostingIntervalHours     = 8
	DefaultDiscoveryIntervalMinutes = 60
	DefaultMinScore                 = 100.0

	resultsPerCategory = 25
	summaryLimit       = 500
)

// Config holds auto-poster settings.
type Config struct {
	Enabled                  bool     `yaml:"enabled"`
	TargetRoom               string   `yaml:"target_room"`
	Categories               []string `yaml:"categories"`
	Keywords                 []string `yaml:"keywords"`
	MaxPostsPerDay           int      `yaml:"max_posts_per_day"`
	PostingIntervalHours     int      `yaml:"posting_interval_hours"`
	DiscoveryIntervalMinutes int      `yaml:"discovery_interval_minutes"`
	MinScore                 float64  `yaml:"min_score"`
	StateFile                string   `yaml:"state_file"`
}

func (c *Config) applyDefaults() {
	if len(c.Categories) == 0 {
		c.Categories = []string{"cs.AI", "cs.LG", "cs.CL"}
	}
	if c.MaxPostsPerDay <= 0 {
		c.MaxPostsPerDay = DefaultMaxPostsPerDay
	}
	if c.PostingIntervalHours <= 0 {
		c.PostingIntervalHours = DefaultPostingIntervalHours
	}
	if c.DiscoveryIntervalMinutes <= 0 {
		c.DiscoveryIntervalMinutes = DefaultDiscoveryIntervalMinutes
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	if c.StateFile == "" {
		c.StateFile = "./arxiv_poster_state.json"
	}
}

// Sender delivers a rendered announcement to a Matrix room.
type Sender interface {
	SendMarkdown(ctx context.Context, roomID id.RoomID, markdown string) error
}

// searcher is the query seam; the production implementation is *Client.
type searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Paper, error)
}

type queuedPaper struct {
	Paper
	Score float64 `json:"score"`
}

// state is the persisted poster state. Posted IDs are kept so restarts
// never repost the same paper.
type state struct {
	Posted        map[string]time.Time `json:"posted"`
	Queue         []queuedPaper        `json:"queue"`
	LastDiscovery time.Time            `json:"last_discovery"`
	LastPost      time.Time            `json:"last_post"`
	PostsToday    int                  `json:"posts_today"`
	PostsDay      string               `json:"posts_day"`
}

// Poster discovers and announces papers on a fixed cadence. All methods are
// safe for concurrent use, though in practice only the maintenance loop and
// the !papers command touch it.
type Poster struct {
	cfg    Config
	search searcher
	sender Sender
	log    zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
	st state
}

// NewPoster creates a poster posting to sender. State is loaded from the
// configured state file if it exists.
func NewPoster(cfg Config, sender Sender, log zerolog.Logger) *Poster {
	cfg.applyDefaults()
	p := &Poster{
		cfg:    cfg,
		search: NewClient(log),
		sender: sender,
		log:    log.With().Str("component", "arxiv_poster").Logger(),
		now:    time.Now,
		st:     state{Posted: make(map[string]time.Time)},
	}
	if err := p.loadState(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to load poster state, starting fresh")
	}
	return p
}

// Enabled reports whether the poster is configured to run.
func (p *Poster) Enabled() bool {
	return p.cfg.Enabled && p.cfg.TargetRoom != ""
}

// RunMaintenanceCycle performs one discovery pass and/or one post if their
// respective intervals have elapsed, then persists state.
func (p *Poster) RunMaintenanceCycle(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.rollDay(now)

	var firstErr error
	if now.Sub(p.st.LastDiscovery) >= time.Duration(p.cfg.DiscoveryIntervalMinutes)*time.Minute {
		if err := p.discover(ctx, now); err != nil {
			firstErr = err
			p.log.Error().Err(err).Msg("Discovery pass failed")
		}
	}

	if p.postDue(now) {
		if err := p.postNext(ctx, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.log.Error().Err(err).Msg("Posting failed")
		}
	}

	if err := p.saveState(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to save poster state")
	}
	return firstErr
}

// Status returns a short human-readable summary for the !papers command.
func (p *Poster) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("queue: %d, posted today: %d/%d, posted total: %d",
		len(p.st.Queue), p.st.PostsToday, p.cfg.MaxPostsPerDay, len(p.st.Posted))
}

func (p *Poster) postDue(now time.Time) bool {
	if len(p.st.Queue) == 0 || p.st.PostsToday >= p.cfg.MaxPostsPerDay {
		return false
	}
	return now.Sub(p.st.LastPost) >= time.Duration(p.cfg.PostingIntervalHours)*time.Hour
}

// rollDay resets the daily quota counter when the UTC date changes.
func (p *Poster) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if p.st.PostsDay != day {
		p.st.PostsDay = day
		p.st.PostsToday = 0
	}
}

// discover queries each configured category and queues papers that clear
// the score threshold and have not been posted or queued before.
func (p *Poster) discover(ctx context.Context, now time.Time) error {
	queued := make(map[string]bool, len(p.st.Queue))
	for _, q := range p.st.Queue {
		queued[q.ID] = true
	}

	var firstErr error
	added := 0
	for _, cat := range p.cfg.Categories {
		papers, err := p.search.Search(ctx, "cat:"+cat, resultsPerCategory)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("category %s: %w", cat, err)
			}
			continue
		}
		for _, paper := range papers {
			if _, posted := p.st.Posted[paper.ID]; posted || queued[paper.ID] {
				continue
			}
			score := p.scorePaper(paper, now)
			if score < p.cfg.MinScore {
				continue
			}
			p.st.Queue = append(p.st.Queue, queuedPaper{Paper: paper, Score: score})
			queued[paper.ID] = true
			added++
		}
	}

	sort.SliceStable(p.st.Queue, func(i, j int) bool {
		return p.st.Queue[i].Score > p.st.Queue[j].Score
	})
	p.st.LastDiscovery = now

	p.log.Info().
		Int("added", added).
		Int("queue", len(p.st.Queue)).
		Msg("Discovery pass complete")
	return firstErr
}

// scorePaper assigns a priority score: a base for matching a watched
// category, keyword boosts (title hits weigh more than abstract hits), and
// a recency bonus that decays to zero over 48 hours.
func (p *Poster) scorePaper(paper Paper, now time.Time) float64 {
	score := 0.0
	for _, cat := range paper.Categories {
		if containsFold(p.cfg.Categories, cat) {
			score += 60
			break
		}
	}

	title := strings.ToLower(paper.Title)
	summary := strings.ToLower(paper.Summary)
	for _, kw := range p.cfg.Keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(title, kw) {
			score += 40
		} else if strings.Contains(summary, kw) {
			score += 15
		}
	}

	if !paper.Published.IsZero() {
		age := now.Sub(paper.Published)
		if age < 0 {
			age = 0
		}
		const recencyWindow = 48 * time.Hour
		if age < recencyWindow {
			score += 40 * (1 - float64(age)/float64(recencyWindow))
		}
	}
	return score
}

// postNext announces the highest-scoring queued paper.
func (p *Poster) postNext(ctx context.Context, now time.Time) error {
	next := p.st.Queue[0]
	markdown := formatAnnouncement(next.Paper)
	if err := p.sender.SendMarkdown(ctx, id.RoomID(p.cfg.TargetRoom), markdown); err != nil {
		return fmt.Errorf("failed to post paper %s: %w", next.ID, err)
	}

	p.st.Queue = p.st.Queue[1:]
	p.st.Posted[next.ID] = now
	p.st.LastPost = now
	p.st.PostsToday++

	p.log.Info().
		Str("paper_id", next.ID).
		Float64("score", next.Score).
		Int("posts_today", p.st.PostsToday).
		Msg("Posted paper")
	return nil
}

func formatAnnouncement(paper Paper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 **%s**\n\n", paper.Title)
	if len(paper.Authors) > 0 {
		authors := paper.Authors
		extra := ""
		if len(authors) > 3 {
			extra = fmt.Sprintf(" (+%d more)", len(authors)-3)
			authors = authors[:3]
		}
		fmt.Fprintf(&b, "*%s%s*\n\n", strings.Join(authors, ", "), extra)
	}
	summary := paper.Summary
	if len(summary) > summaryLimit {
		cut := summaryLimit
		// Back off to a rune boundary so the cut never splits a rune.
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut] + "…"
	}
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	b.WriteString(paper.Link)
	return b.String()
}

func (p *Poster) loadState() error {
	data, err := os.ReadFile(p.cfg.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("corrupt state file: %w", err)
	}
	if st.Posted == nil {
		st.Posted = make(map[string]time.Time)
	}
	p.st = st
	return nil
}

func (p *Poster) saveState() error {
	data, err := json.MarshalIndent(&p.st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.cfg.StateFile, data, 0o644)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
