package airadar

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	eventEvidenceItems = 5
	eventSourceText    = 200
	fallbackTitleText  = 80
	fallbackImportance = 3.0
	defaultImportance  = 5.0
)

const eventCardSystemPrompt = `你是一个 AI 行业情报分析助手。给定一组讨论同一事件的推文，提取结构化的 Event Card。

字段说明：
- title: 事件标题（中文，保留专有名词英文，标题前加合适的 emoji）
- category: product_launch|research|funding|chip_hardware|policy|partnership|open_source|market|other
- importance: 1-10 的浮点数
- type: news 或 opinion（news=产品发布/融资/技术突破等客观事件；opinion=专家个人观点/评论/分析/预测）
- key_facts: 关键事实列表
- analyst_angle: 这对行业意味着什么（一句话分析师视角）

title 的 emoji 规则：product_launch → 🚀, research → 🔬, funding → 💰, chip_hardware → 🔧,
policy → 📜, partnership → 🤝, open_source → 🌐, market → 📊, opinion → 💡, other → 📌

评分标准：
- 9-10: 行业格局改变（大模型发布、重大融资、芯片突破）
- 7-8: 重要产品更新、有影响力的研究成果
- 5-6: 值得关注的动态
- 3-4: 一般信息
- 1-2: 噪声`

// EventCardResponse is the structured answer of the event model.
type EventCardResponse struct {
	Title        string   `json:"title" jsonschema:"description=Event headline with a leading emoji"`
	Category     string   `json:"category" jsonschema:"enum=product_launch,enum=research,enum=funding,enum=chip_hardware,enum=policy,enum=partnership,enum=open_source,enum=market,enum=other"`
	Importance   float64  `json:"importance" jsonschema:"description=Importance from 1 to 10"`
	Type         string   `json:"type" jsonschema:"enum=news,enum=opinion"`
	KeyFacts     []string `json:"key_facts"`
	AnalystAngle string   `json:"analyst_angle"`
}

// EventBuilder turns final groups into events with one model call per group.
type EventBuilder struct {
	Model       ChatModel
	Concurrency int
	Timeout     time.Duration
	Limiter     *rate.Limiter
}

// NewEventBuilder returns a builder running at most concurrency calls at once.
func NewEventBuilder(model ChatModel, concurrency int) *EventBuilder {
	return &EventBuilder{
		Model:       model,
		Concurrency: concurrency,
		Timeout:     30 * time.Second,
		Limiter:     rate.NewLimiter(rate.Every(500*time.Millisecond), concurrency),
	}
}

// BuildEvents returns one event per group, in group order. A group whose
// model call fails gets a fallback event built from its top item.
func (b *EventBuilder) BuildEvents(ctx context.Context, groups []Group, date time.Time) []Event {
	log.Info("📰 building event cards", "clusters", len(groups), "concurrency", b.Concurrency)

	events := make([]Event, len(groups))
	var g errgroup.Group
	g.SetLimit(max(1, b.Concurrency))
	for i, group := range groups {
		g.Go(func() error {
			event, err := b.buildEvent(ctx, group, date)
			if err != nil {
				log.Warn("failed to build event, using fallback", "cluster", group.ID, "err", err)
				event = FallbackEvent(group, date)
			}
			events[i] = event
			return nil
		})
	}
	// failed calls became fallback events, so Wait has nothing to report
	g.Wait()

	log.Info("built event cards", "events", len(events))
	return events
}

func (b *EventBuilder) buildEvent(ctx context.Context, group Group, date time.Time) (Event, error) {
	if len(group.Items) == 0 {
		return Event{}, fmt.Errorf("cluster %d is empty", group.ID)
	}
	if b.Model == nil {
		return Event{}, fmt.Errorf("no event model configured")
	}
	if b.Limiter != nil {
		if err := b.Limiter.Wait(ctx); err != nil {
			return Event{}, err
		}
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	top := topByEngagement(group.Items, eventEvidenceItems)
	content, err := b.Model.Complete(ctx, ChatRequest{
		System:      eventCardSystemPrompt,
		User:        "以下推文讨论同一事件，请提取 Event Card：\n\n" + evidenceText(top),
		Temperature: 0.3,
		SchemaName:  "event_card",
		Schema:      &EventCardResponse{},
	})
	if err != nil {
		return Event{}, err
	}
	var card EventCardResponse
	if err := decodeJSONContent(content, &card); err != nil {
		return Event{}, err
	}

	event := Event{
		EventID:      eventID(date, group.ID),
		Title:        strings.TrimSpace(card.Title),
		Category:     ParseCategory(card.Category),
		Importance:   card.Importance,
		Sources:      make([]EventSource, 0, len(top)),
		KeyFacts:     card.KeyFacts,
		AnalystAngle: card.AnalystAngle,
		ClusterSize:  len(group.Items),
		EventTime:    earliestTime(group.Items),
		EventType:    parseEventType(card.Type),
	}
	if event.Title == "" {
		event.Title = "未知事件"
	}
	if event.Importance <= 0 {
		event.Importance = defaultImportance
	}
	if event.KeyFacts == nil {
		event.KeyFacts = []string{}
	}
	for _, item := range top {
		event.Sources = append(event.Sources, eventSource(item))
	}
	return event, nil
}

// FallbackEvent is the minimal event for a group whose model call failed.
func FallbackEvent(group Group, date time.Time) Event {
	event := Event{
		EventID:     eventID(date, group.ID),
		Title:       "📌",
		Category:    CategoryOther,
		Importance:  fallbackImportance,
		Sources:     []EventSource{},
		KeyFacts:    []string{},
		ClusterSize: len(group.Items),
		EventTime:   earliestTime(group.Items),
		EventType:   "news",
	}
	if top := topByEngagement(group.Items, 1); len(top) > 0 {
		event.Title = "📌 " + truncateRunes(top[0].Text, fallbackTitleText)
		event.Sources = append(event.Sources, eventSource(top[0]))
	}
	return event
}

func eventID(date time.Time, clusterID int) string {
	return fmt.Sprintf("evt_%s_%03d", date.Format("20060102"), clusterID)
}

func eventSource(item EmbeddedItem) EventSource {
	return EventSource{
		Author:     strings.TrimPrefix(item.Author, "@"),
		Text:       truncateRunes(item.Text, eventSourceText),
		Engagement: item.Engagement,
		URL:        item.URL,
	}
}

func evidenceText(items []EmbeddedItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		when := "unknown"
		if item.HasTime() {
			when = item.CreatedAt.UTC().Format("01-02 15:04 UTC")
		}
		parts[i] = fmt.Sprintf("@%s (%s): %s [likes:%d RT:%d]",
			strings.TrimPrefix(item.Author, "@"), when, item.Text, item.Likes, item.Retweets)
	}
	return strings.Join(parts, "\n\n")
}

// topByEngagement returns the n most engaging items, keeping input order on ties.
func topByEngagement(items []EmbeddedItem, n int) []EmbeddedItem {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b EmbeddedItem) int {
		return b.Engagement - a.Engagement
	})
	return sorted[:min(n, len(sorted))]
}

func earliestTime(items []EmbeddedItem) Timestamp {
	var earliest Timestamp
	for _, item := range items {
		if item.HasTime() && (earliest.IsZero() || item.CreatedAt.Before(earliest.Time)) {
			earliest = item.CreatedAt
		}
	}
	return earliest
}

func parseEventType(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), "opinion") {
		return "opinion"
	}
	return "news"
}
