package airadar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var collectNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const apifyDataset = `[
	{"id": "1", "author": {"userName": "sama", "name": "Sam"}, "text": "GPT-5 is rolling out to everyone today",
	 "createdAt": "Tue Mar 10 09:00:00 +0000 2026", "likeCount": 100, "retweetCount": 20, "replyCount": 5, "quoteCount": 1},
	{"tweetId": 2, "authorHandle": "karpathy", "authorName": "Andrej", "full_text": "A long thread about tokenizers and why they matter",
	 "created_at": "2026-03-10T10:00:00Z", "favoriteCount": 50},
	{"id": "3", "author": {"userName": "old"}, "text": "This happened two days ago, far too old",
	 "createdAt": "2026-03-08T10:00:00Z"},
	{"id": "4", "author": {"userName": "short"}, "text": "  too short  ", "createdAt": "2026-03-10T10:00:00Z"},
	{"id": "5", "author": {"userName": "rt"}, "text": "RT @sama: GPT-5 is rolling out to everyone today", "createdAt": "2026-03-10T10:00:00Z"},
	{"id": {"bad": true}, "text": "unparseable id field in this record"},
	{"id": "7", "author": {"userName": "untimed"}, "text": "no timestamp on this one but long enough"}
]`

func TestApifyCollector(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/acts/apidojo~twitter-list-scraper/run-sync-get-dataset-items", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("token"))

		var input struct {
			ListIDs  []string `json:"listIds"`
			MaxItems int      `json:"maxItems"`
		}
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &input))
		assert.Equal(t, []string{"12345"}, input.ListIDs)
		assert.Equal(t, 500, input.MaxItems)

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, apifyDataset)
	}))
	defer server.Close()

	c := NewApifyCollector("secret", SourceSettings{ListID: "12345", MaxItems: 500, MinTextLength: 20}, 24*time.Hour)
	c.BaseURL = server.URL
	c.Retry.BaseDelay = time.Millisecond
	c.Now = func() time.Time { return collectNow }

	items, stats, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	assert.Equal(t, CollectStats{
		MaxItems:         500,
		Returned:         7,
		FilteredByWindow: 1,
		FilteredByLength: 1,
		ParseErrors:      1,
		AfterFilter:      4,
		DedupRemoved:     1,
		Final:            3,
	}, stats)

	require.Len(t, items, 3)
	byID := map[string]SourceItem{}
	for _, item := range items {
		byID[item.ID] = item
	}

	sama := byID["1"]
	assert.Equal(t, "sama", sama.Author)
	assert.Equal(t, "Sam", sama.AuthorName)
	assert.Equal(t, 126, sama.Engagement)
	assert.Equal(t, "https://x.com/sama/status/1", sama.URL)
	assert.True(t, sama.CreatedAt.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))

	karpathy := byID["2"]
	assert.Equal(t, "karpathy", karpathy.Author)
	assert.Equal(t, "A long thread about tokenizers and why they matter", karpathy.Text)
	assert.Equal(t, 50, karpathy.Likes)
	assert.True(t, karpathy.HasTime())

	assert.False(t, byID["7"].HasTime())
}

func TestApifyCollectorRequiresToken(t *testing.T) {
	_, _, err := NewApifyCollector("", SourceSettings{ListID: "1"}, time.Hour).Collect(context.Background())
	assert.Error(t, err)
}

func TestApifyCollectorClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewApifyCollector("secret", SourceSettings{ListID: "1", MaxItems: 10}, time.Hour)
	c.BaseURL = server.URL
	_, _, err := c.Collect(context.Background())

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Tech</title>
<item><title>OpenAI ships a new model</title><link>https://tech.example/1</link>
  <description>&lt;p&gt;The &lt;b&gt;model&lt;/b&gt; is out.&lt;/p&gt;</description>
  <pubDate>Tue, 10 Mar 2026 09:00:00 +0000</pubDate></item>
<item><title>openai   ships a NEW model</title><link>https://tech.example/1b</link>
  <pubDate>Tue, 10 Mar 2026 09:30:00 +0000</pubDate></item>
<item><title>Gardening tips for spring</title><link>https://tech.example/2</link>
  <description>Tomatoes and peppers.</description>
  <pubDate>Tue, 10 Mar 2026 08:00:00 +0000</pubDate></item>
<item><title>Old AI news</title><link>https://tech.example/3</link>
  <pubDate>Sat, 07 Mar 2026 08:00:00 +0000</pubDate></item>
</channel></rss>`

const aiFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Lab</title>
<item><title>Quarterly update</title><link>https://lab.example/q</link>
  <pubDate>Tue, 10 Mar 2026 07:00:00 +0000</pubDate></item>
</channel></rss>`

func TestRSSCollector(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, rssFeed)
	})
	mux.HandleFunc("/lab", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, aiFeed)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewRSSCollector(SourceSettings{
		Keywords: []string{"OpenAI", "model"},
		Feeds: []FeedSettings{
			{Name: "Tech", URL: server.URL + "/tech"},
			{Name: "Broken", URL: server.URL + "/broken"},
			{Name: "Lab", URL: server.URL + "/lab", AISpecific: true},
		},
	}, 24*time.Hour)
	c.Now = func() time.Time { return collectNow }

	items, stats, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ParseErrors)
	assert.Equal(t, 4, stats.Returned)
	assert.Equal(t, 3, stats.AfterFilter)
	assert.Equal(t, 1, stats.DedupRemoved)

	require.Len(t, items, 2)
	assert.Equal(t, "OpenAI ships a new model\nThe model is out.", items[0].Text)
	assert.Equal(t, "Tech", items[0].Author)
	assert.Equal(t, "https://tech.example/1", items[0].URL)
	assert.True(t, items[0].HasTime())

	assert.Equal(t, "Quarterly update", items[1].Text)
	assert.Equal(t, "Lab", items[1].Source)
}

func TestHTMLText(t *testing.T) {
	assert.Equal(t, "Hello world !", htmlText("<div><p>Hello</p>\n<p><i>world</i> !</p></div>"))
	assert.Equal(t, "plain text", htmlText("  plain text "))
}

func TestParseTrendingShapes(t *testing.T) {
	list, err := ParseTrending([]byte(`[{"title": "AI 芯片", "url": "u", "platform": "weibo", "rank": 1, "hotValue": 99.5}]`))
	require.NoError(t, err)
	assert.Equal(t, []TrendingItem{{Title: "AI 芯片", URL: "u", Platform: "weibo", Rank: 1, HotValue: 99.5}}, list)

	items, err := ParseTrending([]byte(`{"items": [{"name": "大模型", "link": "l", "source": "zhihu", "index": "3", "hot": "120"}, {"title": ""}]}`))
	require.NoError(t, err)
	assert.Equal(t, []TrendingItem{{Title: "大模型", URL: "l", Platform: "zhihu", Rank: 3, HotValue: 120}}, items)

	nested, err := ParseTrending([]byte(`{"data": {"weibo": [{"title": "b"}], "baidu": [{"title": "a", "platform": "own"}], "bad": 1}}`))
	require.NoError(t, err)
	require.Len(t, nested, 2)
	assert.Equal(t, TrendingItem{Title: "a", Platform: "own"}, nested[0])
	assert.Equal(t, TrendingItem{Title: "b", Platform: "weibo"}, nested[1])

	_, err = ParseTrending([]byte(`<html>`))
	assert.Error(t, err)
}

func TestNewsnowCollectorFallsBackToHot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	mux.HandleFunc("/api/hot", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data": [
			{"title": "新款 GPU 发布", "platform": "weibo", "rank": 1},
			{"title": "明星八卦", "platform": "weibo", "rank": 2},
			{"title": "OpenAI ai agents", "platform": "hn", "rank": 3}
		]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewNewsnowCollector(SourceSettings{URL: server.URL + "/api/"})
	items, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "新款 GPU 发布", items[0].Title)
	assert.Equal(t, "OpenAI ai agents", items[1].Title)
}

func TestNewsnowCollectorBothEndpointsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewNewsnowCollector(SourceSettings{URL: server.URL}).Collect(context.Background())
	assert.Error(t, err)
}
