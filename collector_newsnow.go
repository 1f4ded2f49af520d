package airadar

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const newsnowAPIURL = "https://newsnow.busiyi.world/api"

// DefaultTrendingKeywords are used when the trending pipeline configures no keywords.
var DefaultTrendingKeywords = []string{"AI", "人工智能", "大模型", "芯片", "GPU", "算力", "机器人"}

// NewsnowCollector fetches trending topics from a newsnow aggregator and
// keeps the ones matching a keyword.
type NewsnowCollector struct {
	URL      string
	Keywords []string
	Client   *http.Client
	Retry    RetryPolicy

	pattern *regexp.Regexp
}

// NewNewsnowCollector returns a collector for src. An empty URL means the public API.
func NewNewsnowCollector(src SourceSettings) *NewsnowCollector {
	keywords := src.Keywords
	if len(keywords) == 0 {
		keywords = DefaultTrendingKeywords
	}
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return &NewsnowCollector{
		URL:      strings.TrimSuffix(cmp.Or(src.URL, newsnowAPIURL), "/"),
		Keywords: keywords,
		Client:   &http.Client{Timeout: 30 * time.Second},
		Retry:    RetryPolicy{Attempts: 1},
		pattern:  regexp.MustCompile("(?i)" + strings.Join(quoted, "|")),
	}
}

// Collect returns the matching trending items. When the main endpoint fails
// the /hot endpoint is tried once.
func (c *NewsnowCollector) Collect(ctx context.Context) ([]TrendingItem, error) {
	log.Info("📥 fetching trending topics", "url", c.URL)

	all, err := c.fetch(ctx, c.URL)
	if err != nil {
		log.Error("failed to fetch newsnow api, trying fallback", "err", err)
		all, err = c.fetch(ctx, c.URL+"/hot")
		if err != nil {
			return nil, fmt.Errorf("newsnow fallback also failed: %w", err)
		}
	}

	var filtered []TrendingItem
	for _, item := range all {
		if c.pattern.MatchString(item.Title) {
			filtered = append(filtered, item)
		}
	}
	log.Info("filtered trending items", "matched", len(filtered), "total", len(all))
	return filtered, nil
}

func (c *NewsnowCollector) fetch(ctx context.Context, url string) ([]TrendingItem, error) {
	var items []TrendingItem
	err := c.Retry.Do(ctx, "newsnow", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return permanent(err)
		}
		body, err := doHTTP(c.Client, req)
		if err != nil {
			return err
		}
		items, err = ParseTrending(body)
		return err
	})
	return items, err
}

// ParseTrending flattens the response shapes of newsnow endpoints: a bare
// list, an object with a "data" or "items" list, or an object whose "data"
// maps platform names to lists.
func ParseTrending(body []byte) ([]TrendingItem, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode trending response: %w", err)
	}

	var entries []any
	switch v := data.(type) {
	case []any:
		entries = v
	case map[string]any:
		inner, ok := v["data"]
		if !ok {
			inner = v["items"]
		}
		switch inner := inner.(type) {
		case []any:
			entries = inner
		case map[string]any:
			platforms := make([]string, 0, len(inner))
			for platform := range inner {
				platforms = append(platforms, platform)
			}
			sort.Strings(platforms)
			for _, platform := range platforms {
				list, ok := inner[platform].([]any)
				if !ok {
					continue
				}
				for _, e := range list {
					if m, ok := e.(map[string]any); ok {
						if _, ok := m["platform"]; !ok {
							m["platform"] = platform
						}
						entries = append(entries, m)
					}
				}
			}
		}
	default:
		return nil, nil
	}

	var items []TrendingItem
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		title := firstString(m, "title", "name")
		if title == "" {
			continue
		}
		items = append(items, TrendingItem{
			Title:       title,
			URL:         firstString(m, "url", "link"),
			Platform:    firstString(m, "platform", "source"),
			Rank:        int(firstNumber(m, "rank", "index")),
			HotValue:    firstNumber(m, "hotValue", "hot"),
			PublishedAt: ParseTimestamp(firstString(m, "pubDate", "time")),
		})
	}
	return items, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}
