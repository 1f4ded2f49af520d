package airadar

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Timestamp is a point in time that decodes leniently from JSON.
// Values that cannot be parsed decode as the zero time, which means "absent".
type Timestamp struct {
	time.Time
}

// NewTimestamp returns a Timestamp for t in UTC.
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{t.UTC()}
}

// ParseTimestamp parses s in any of the common layouts used by the collectors
// (RFC 3339, Twitter's "Mon Jan 02 15:04:05 -0700 2006", RFC 1123, ...).
// An empty or unparseable value yields the zero Timestamp.
func ParseTimestamp(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return Timestamp{}
	}
	return NewTimestamp(t)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null, numbers and other garbage all mean "no timestamp"
		t.Time = time.Time{}
		return nil
	}
	*t = ParseTimestamp(s)
	return nil
}

// SourceItem is a normalized short text (a post or a headline) collected from a source.
type SourceItem struct {
	ID         string    `json:"id"`
	Author     string    `json:"author"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
	URL        string    `json:"url,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  Timestamp `json:"created_at,omitzero"`
	Engagement int       `json:"engagement"`
	Likes      int       `json:"likes,omitempty"`
	Retweets   int       `json:"retweets,omitempty"`
	Replies    int       `json:"replies,omitempty"`
	Quotes     int       `json:"quotes,omitempty"`
}

// HasTime reports whether the item carries a timestamp.
func (s SourceItem) HasTime() bool {
	return !s.CreatedAt.IsZero()
}

// EmbeddedItem is a SourceItem with its embedding vector and cluster label.
// ClusterID is -1 for noise or items that were not clustered yet.
type EmbeddedItem struct {
	SourceItem
	Embedding []float64 `json:"embedding"`
	ClusterID int       `json:"cluster_id"`
}

// Category classifies an event.
type Category string

const (
	CategoryProductLaunch Category = "product_launch"
	CategoryResearch      Category = "research"
	CategoryFunding       Category = "funding"
	CategoryChipHardware  Category = "chip_hardware"
	CategoryPolicy        Category = "policy"
	CategoryPartnership   Category = "partnership"
	CategoryOpenSource    Category = "open_source"
	CategoryMarket        Category = "market"
	CategoryOther         Category = "other"
)

var categories = []Category{
	CategoryProductLaunch,
	CategoryResearch,
	CategoryFunding,
	CategoryChipHardware,
	CategoryPolicy,
	CategoryPartnership,
	CategoryOpenSource,
	CategoryMarket,
	CategoryOther,
}

// ParseCategory returns the category named s, or CategoryOther.
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range categories {
		if string(c) == s {
			return c
		}
	}
	return CategoryOther
}

// EventSource attributes an event to one of the items it was built from.
type EventSource struct {
	Author     string `json:"author"`
	Text       string `json:"text"`
	Engagement int    `json:"engagement"`
	URL        string `json:"url"`
}

// Event is the structured summary built from one final cluster.
type Event struct {
	EventID      string        `json:"event_id"`
	Title        string        `json:"title"`
	Category     Category      `json:"category"`
	Importance   float64       `json:"importance"`
	Sources      []EventSource `json:"sources"`
	KeyFacts     []string      `json:"key_facts"`
	AnalystAngle string        `json:"analyst_angle"`
	ClusterSize  int           `json:"cluster_size"`
	EventTime    Timestamp     `json:"event_time,omitzero"`
	EventType    string        `json:"event_type"`
}

// TrendingItem is a single entry from a trending-topics aggregator.
type TrendingItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Rank        int       `json:"rank"`
	HotValue    float64   `json:"hot_value,omitempty"`
	PublishedAt Timestamp `json:"published_at,omitzero"`
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
