package airadar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var buildDate = time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

func testBuilder(model ChatModel, concurrency int) *EventBuilder {
	b := NewEventBuilder(model, concurrency)
	b.Limiter = rate.NewLimiter(rate.Inf, 1)
	return b
}

func groupOf(id int, items ...EmbeddedItem) Group {
	return Group{ID: id, Kind: GroupCluster, Items: items}
}

func tweet(id, author, text string, engagement int, at time.Time) EmbeddedItem {
	return EmbeddedItem{SourceItem: SourceItem{
		ID:         id,
		Author:     author,
		Text:       text,
		URL:        "https://x.com/" + author + "/status/" + id,
		CreatedAt:  NewTimestamp(at),
		Engagement: engagement,
		Likes:      engagement,
	}}
}

func TestBuildEventsFromModel(t *testing.T) {
	model := answer(`{
		"title": "🚀 OpenAI 发布 GPT-5",
		"category": "product_launch",
		"importance": 9.5,
		"type": "news",
		"key_facts": ["GPT-5 上线"],
		"analyst_angle": "竞争加剧"
	}`)
	var items []EmbeddedItem
	for i := range 7 {
		items = append(items, tweet(fmt.Sprint(i), "@user"+fmt.Sprint(i), "GPT-5 text "+fmt.Sprint(i), i*10, buildDate.Add(time.Duration(7-i)*time.Hour)))
	}

	events := testBuilder(model, 5).BuildEvents(context.Background(), []Group{groupOf(4, items...)}, buildDate)

	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "evt_20260402_004", e.EventID)
	assert.Equal(t, "🚀 OpenAI 发布 GPT-5", e.Title)
	assert.Equal(t, CategoryProductLaunch, e.Category)
	assert.Equal(t, 9.5, e.Importance)
	assert.Equal(t, []string{"GPT-5 上线"}, e.KeyFacts)
	assert.Equal(t, "竞争加剧", e.AnalystAngle)
	assert.Equal(t, 7, e.ClusterSize)
	assert.Equal(t, "news", e.EventType)
	assert.True(t, e.EventTime.Equal(buildDate.Add(time.Hour)), "earliest member time")

	require.Len(t, e.Sources, 5)
	assert.Equal(t, "user6", e.Sources[0].Author)
	assert.Equal(t, 60, e.Sources[0].Engagement)
	assert.Equal(t, "user2", e.Sources[4].Author)

	require.Equal(t, 1, model.calls())
	prompt := model.requests[0].User
	assert.Contains(t, prompt, "@user6 (04-02 01:00 UTC): GPT-5 text 6 [likes:60 RT:0]")
	assert.NotContains(t, prompt, "@user1 ")
}

func TestBuildEventsDefaultsAndUnknownCategory(t *testing.T) {
	model := answer(`{"title": "", "category": "gossip", "importance": 0, "type": "Opinion", "key_facts": null, "analyst_angle": ""}`)
	events := testBuilder(model, 1).BuildEvents(context.Background(),
		[]Group{groupOf(0, tweet("1", "a", "hello world", 1, time.Time{}))}, buildDate)

	require.Len(t, events, 1)
	assert.Equal(t, "未知事件", events[0].Title)
	assert.Equal(t, CategoryOther, events[0].Category)
	assert.Equal(t, 5.0, events[0].Importance)
	assert.Equal(t, "opinion", events[0].EventType)
	assert.NotNil(t, events[0].KeyFacts)
	assert.True(t, events[0].EventTime.IsZero())
}

func TestBuildEventsFallbackDoesNotAbortSiblings(t *testing.T) {
	model := &fakeChat{respond: func(req ChatRequest) (string, error) {
		if strings.Contains(req.User, "broken") {
			return "", errors.New("upstream 500")
		}
		return `{"title":"ok","category":"research","importance":6,"type":"news","key_facts":[],"analyst_angle":""}`, nil
	}}
	long := "broken " + strings.Repeat("长", 250)
	groups := []Group{
		groupOf(0, tweet("a", "alice", "fine", 3, buildDate)),
		groupOf(1,
			tweet("b", "@bob", long, 50, buildDate.Add(2*time.Hour)),
			tweet("c", "carol", "broken too", 10, buildDate.Add(time.Hour)),
		),
		groupOf(2, tweet("d", "dave", "also fine", 1, buildDate)),
	}

	events := testBuilder(model, 2).BuildEvents(context.Background(), groups, buildDate)

	require.Len(t, events, 3)
	assert.Equal(t, "ok", events[0].Title)
	assert.Equal(t, "ok", events[2].Title)

	fb := events[1]
	assert.Equal(t, "evt_20260402_001", fb.EventID)
	assert.Equal(t, "📌 "+truncateRunes(long, 80), fb.Title)
	assert.Equal(t, CategoryOther, fb.Category)
	assert.Equal(t, 3.0, fb.Importance)
	assert.Equal(t, 2, fb.ClusterSize)
	assert.Equal(t, "news", fb.EventType)
	assert.True(t, fb.EventTime.Equal(buildDate.Add(time.Hour)))
	require.Len(t, fb.Sources, 1)
	assert.Equal(t, "bob", fb.Sources[0].Author)
	assert.Equal(t, 200, len([]rune(fb.Sources[0].Text)))
}

type countingChat struct {
	active, peak atomic.Int32
}

func (c *countingChat) Complete(ctx context.Context, _ ChatRequest) (string, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return `{"title":"t","category":"other","importance":4,"type":"news","key_facts":[],"analyst_angle":""}`, nil
}

func TestBuildEventsBoundsConcurrency(t *testing.T) {
	model := &countingChat{}
	var groups []Group
	for i := range 12 {
		groups = append(groups, groupOf(i, tweet(fmt.Sprint(i), "a", "text", 1, buildDate)))
	}
	events := testBuilder(model, 3).BuildEvents(context.Background(), groups, buildDate)

	assert.Len(t, events, 12)
	assert.LessOrEqual(t, model.peak.Load(), int32(3))
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("evt_20260402_%03d", i), e.EventID)
	}
}

func TestBuildEventsWithoutModelFallsBack(t *testing.T) {
	events := testBuilder(nil, 5).BuildEvents(context.Background(),
		[]Group{groupOf(3, tweet("1", "a", "only item", 1, buildDate))}, buildDate)
	require.Len(t, events, 1)
	assert.Equal(t, "📌 only item", events[0].Title)
}
