package airadar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	apifyBaseURL = "https://api.apify.com/v2"
	apifyActor   = "apidojo~twitter-list-scraper"
)

// CollectStats counts what happened to the raw items of one collection.
type CollectStats struct {
	MaxItems         int `json:"max_items"`
	Returned         int `json:"returned"`
	FilteredByWindow int `json:"filtered_by_window"`
	FilteredByLength int `json:"filtered_by_min_length"`
	ParseErrors      int `json:"parse_errors"`
	AfterFilter      int `json:"after_basic_filter"`
	DedupRemoved     int `json:"dedup_removed"`
	Final            int `json:"final"`
}

// ApifyCollector fetches the timeline of a Twitter list through an Apify actor.
type ApifyCollector struct {
	Token         string
	ListID        string
	MaxItems      int
	Window        time.Duration
	MinTextLength int

	BaseURL string
	Client  *http.Client
	Retry   RetryPolicy
	Now     func() time.Time
}

// NewApifyCollector returns a collector for the list described by src.
func NewApifyCollector(token string, src SourceSettings, window time.Duration) *ApifyCollector {
	return &ApifyCollector{
		Token:         token,
		ListID:        src.ListID,
		MaxItems:      src.MaxItems,
		Window:        window,
		MinTextLength: src.MinTextLength,
		BaseURL:       apifyBaseURL,
		Client:        httpClient,
		Retry:         RetryPolicy{Attempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 120 * time.Second, Exponential: true},
		Now:           time.Now,
	}
}

// Collect runs the actor synchronously and returns the filtered, deduplicated items.
func (c *ApifyCollector) Collect(ctx context.Context) ([]SourceItem, CollectStats, error) {
	stats := CollectStats{MaxItems: c.MaxItems}
	if c.Token == "" {
		return nil, stats, fmt.Errorf("apify token is not set")
	}
	if c.ListID == "" {
		return nil, stats, fmt.Errorf("apify list id is not set")
	}
	log.Info("📥 running apify list scraper", "list", c.ListID, "max_items", c.MaxItems)

	raw, err := c.fetch(ctx)
	if err != nil {
		return nil, stats, err
	}
	stats.Returned = len(raw)

	cutoff := c.Now().Add(-c.Window)
	var items []SourceItem
	for _, r := range raw {
		item, err := parseApifyTweet(r)
		if err != nil {
			stats.ParseErrors++
			log.Warn("failed to parse tweet item", "err", err)
			continue
		}
		if c.Window > 0 && item.HasTime() && item.CreatedAt.Before(cutoff) {
			stats.FilteredByWindow++
			continue
		}
		if len([]rune(strings.TrimSpace(item.Text))) < c.MinTextLength {
			stats.FilteredByLength++
			continue
		}
		items = append(items, item)
	}
	stats.AfterFilter = len(items)

	items = DeduplicateRecent(items)
	stats.DedupRemoved = stats.AfterFilter - len(items)
	stats.Final = len(items)

	log.Info("collected tweets",
		"returned", stats.Returned,
		"window", -stats.FilteredByWindow,
		"length", -stats.FilteredByLength,
		"dedup", -stats.DedupRemoved,
		"final", stats.Final)
	return items, stats, nil
}

func (c *ApifyCollector) fetch(ctx context.Context) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/acts/%s/run-sync-get-dataset-items?token=%s",
		strings.TrimSuffix(c.BaseURL, "/"), apifyActor, url.QueryEscape(c.Token))
	input, err := json.Marshal(map[string]any{
		"listIds":  []string{c.ListID},
		"maxItems": c.MaxItems,
	})
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	err = c.Retry.Do(ctx, "apify", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		body, err := doHTTP(c.Client, req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return permanent(fmt.Errorf("failed to decode dataset items: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apify actor run failed: %w", err)
	}
	return raw, nil
}

// flexString decodes from a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(n.String())
	return nil
}

type apifyAuthor struct {
	UserName string `json:"userName"`
	Name     string `json:"name"`
}

// apifyTweet covers the field names used by the list scraper and the
// older Twitter API shape.
type apifyTweet struct {
	ID            flexString      `json:"id"`
	TweetID       flexString      `json:"tweetId"`
	Author        json.RawMessage `json:"author"`
	AuthorHandle  string          `json:"authorHandle"`
	AuthorName    string          `json:"authorName"`
	Text          string          `json:"text"`
	FullText      string          `json:"full_text"`
	CreatedAt     string          `json:"createdAt"`
	CreatedAtAlt  string          `json:"created_at"`
	URL           string          `json:"url"`
	RetweetCount  int             `json:"retweetCount"`
	LikeCount     *int            `json:"likeCount"`
	FavoriteCount int             `json:"favoriteCount"`
	ReplyCount    int             `json:"replyCount"`
	QuoteCount    int             `json:"quoteCount"`
}

func parseApifyTweet(raw json.RawMessage) (SourceItem, error) {
	var t apifyTweet
	if err := json.Unmarshal(raw, &t); err != nil {
		return SourceItem{}, err
	}

	handle, name := t.AuthorHandle, t.AuthorName
	var author apifyAuthor
	if len(t.Author) > 0 && json.Unmarshal(t.Author, &author) == nil {
		handle, name = author.UserName, author.Name
	}

	likes := t.FavoriteCount
	if t.LikeCount != nil {
		likes = *t.LikeCount
	}
	if t.RetweetCount < 0 || likes < 0 || t.ReplyCount < 0 || t.QuoteCount < 0 {
		return SourceItem{}, fmt.Errorf("negative counts on tweet %s", t.ID)
	}

	item := SourceItem{
		ID:         string(t.ID),
		Author:     handle,
		AuthorName: name,
		Text:       t.Text,
		URL:        t.URL,
		Source:     "twitter",
		CreatedAt:  ParseTimestamp(t.CreatedAt),
		Likes:      likes,
		Retweets:   t.RetweetCount,
		Replies:    t.ReplyCount,
		Quotes:     t.QuoteCount,
	}
	if item.ID == "" {
		item.ID = string(t.TweetID)
	}
	if item.Text == "" {
		item.Text = t.FullText
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = ParseTimestamp(t.CreatedAtAlt)
	}
	if item.URL == "" && handle != "" && item.ID != "" {
		item.URL = fmt.Sprintf("https://x.com/%s/status/%s", handle, item.ID)
	}
	item.Engagement = item.Likes + item.Retweets + item.Replies + item.Quotes
	return item, nil
}
