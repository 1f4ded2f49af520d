package airadar

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"
)

const (
	rssSummaryText  = 300
	rssFeedParallel = 5
)

// DefaultRSSKeywords are used when a feed pipeline configures no keywords.
var DefaultRSSKeywords = []string{
	"AI", "artificial intelligence", "machine learning", "deep learning",
	"LLM", "GPT", "Claude", "Gemini", "OpenAI", "Anthropic", "DeepMind",
	"neural network", "transformer", "diffusion", "generative",
	"chatbot", "copilot", "agent", "AGI", "foundation model",
	"NVIDIA", "GPU", "chip", "semiconductor", "robotics", "autonomous",
	"hugging face", "fine-tuning", "RAG", "DeepSeek", "Qwen", "Llama", "Mistral",
	"人工智能", "大模型", "机器学习", "深度学习", "智能体", "芯片", "算力", "英伟达",
	"自动驾驶", "机器人", "具身智能", "开源", "模型",
}

// RSSCollector fetches news from RSS and Atom feeds.
type RSSCollector struct {
	Feeds    []FeedSettings
	Keywords []string
	Window   time.Duration

	Client *http.Client
	Now    func() time.Time
}

// NewRSSCollector returns a collector for the feeds described by src.
func NewRSSCollector(src SourceSettings, window time.Duration) *RSSCollector {
	keywords := src.Keywords
	if len(keywords) == 0 {
		keywords = DefaultRSSKeywords
	}
	return &RSSCollector{
		Feeds:    src.Feeds,
		Keywords: keywords,
		Window:   window,
		Client:   httpClient,
		Now:      time.Now,
	}
}

type feedEntry struct {
	SourceItem
	aiSpecific bool
}

// Collect fetches all feeds concurrently. A failing feed is logged and skipped.
func (c *RSSCollector) Collect(ctx context.Context) ([]SourceItem, CollectStats, error) {
	log.Info("📥 fetching rss feeds", "feeds", len(c.Feeds))

	perFeed := make([][]feedEntry, len(c.Feeds))
	var mu sync.Mutex
	parseErrors := 0

	var g errgroup.Group
	g.SetLimit(rssFeedParallel)
	for i, feed := range c.Feeds {
		g.Go(func() error {
			entries, filtered, err := c.fetchFeed(ctx, feed)
			if err != nil {
				log.Warn("rss feed failed", "feed", feed.Name, "err", err)
				mu.Lock()
				parseErrors++
				mu.Unlock()
				return nil
			}
			log.Debug("rss feed fetched", "feed", feed.Name, "items", len(entries), "old", filtered)
			perFeed[i] = entries
			return nil
		})
	}
	_ = g.Wait()

	var stats CollectStats
	stats.ParseErrors = parseErrors
	var relevant []SourceItem
	for _, entries := range perFeed {
		stats.Returned += len(entries)
		for _, e := range entries {
			if e.aiSpecific || c.matches(e.Text) {
				relevant = append(relevant, e.SourceItem)
			}
		}
	}
	stats.AfterFilter = len(relevant)

	items := dedupByTitle(relevant)
	stats.DedupRemoved = stats.AfterFilter - len(items)
	stats.Final = len(items)

	log.Info("collected rss items", "raw", stats.Returned, "relevant", stats.AfterFilter, "final", stats.Final)
	return items, stats, nil
}

func (c *RSSCollector) fetchFeed(ctx context.Context, feed FeedSettings) ([]feedEntry, int, error) {
	parser := gofeed.NewParser()
	parser.Client = c.Client
	parsed, err := parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, 0, err
	}

	cutoff := c.Now().Add(-c.Window)
	var entries []feedEntry
	filtered := 0
	for _, entry := range parsed.Items {
		published := entry.PublishedParsed
		if published == nil {
			published = entry.UpdatedParsed
		}
		if published != nil && c.Window > 0 && published.Before(cutoff) {
			filtered++
			continue
		}

		title := strings.TrimSpace(entry.Title)
		if title == "" {
			continue
		}
		text := title
		if summary := truncateRunes(htmlText(entry.Description), rssSummaryText); summary != "" {
			text += "\n" + summary
		}
		id := entry.GUID
		if id == "" {
			id = entry.Link
		}

		item := SourceItem{
			ID:     id,
			Author: feed.Name,
			Text:   text,
			URL:    entry.Link,
			Source: feed.Name,
		}
		if published != nil {
			item.CreatedAt = NewTimestamp(*published)
		}
		entries = append(entries, feedEntry{SourceItem: item, aiSpecific: feed.AISpecific})
	}
	return entries, filtered, nil
}

func (c *RSSCollector) matches(text string) bool {
	text = strings.ToLower(text)
	for _, kw := range c.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// htmlText returns the visible text of an HTML fragment.
func htmlText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// dedupByTitle keeps the first item of each whitespace-normalized,
// lower-cased title (the first line of the text).
func dedupByTitle(items []SourceItem) []SourceItem {
	seen := make(map[string]struct{}, len(items))
	var unique []SourceItem
	for _, item := range items {
		title, _, _ := strings.Cut(item.Text, "\n")
		key := whitespaceRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), " ")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}
