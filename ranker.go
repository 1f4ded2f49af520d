package airadar

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const rankerSystemPrompt = `你是 AI 行业情报精排助手。给定一批 Event Card 摘要，重新排序并筛选出最重要的 25-35 条。

评判标准：
1. 行业影响力（是否改变竞争格局）
2. 时效性（是否刚发生）
3. 信息密度（是否有实质性内容而非PR话术）
4. 受众价值（技术决策者和投资团队是否关心）

只返回排序后的 event_id 列表，最多 %d 条。`

// RankingResponse is the structured answer of the ranking model.
type RankingResponse struct {
	RankedIDs []string `json:"ranked_ids" jsonschema:"description=Event ids ordered from most to least important"`
}

// Ranker orders events by importance and keeps the top ones.
type Ranker struct {
	Model   ChatModel // optional; without it ranking is always deterministic
	TopN    int
	Timeout time.Duration
}

// NewRanker returns a ranker keeping topN events.
func NewRanker(model ChatModel, topN int) *Ranker {
	return &Ranker{Model: model, TopN: topN, Timeout: 45 * time.Second}
}

// Rank returns at most TopN events, most important first. Small batches are
// sorted by importance. Larger ones are ranked by the model, falling back to
// FallbackScore when the model fails.
func (r *Ranker) Rank(ctx context.Context, events []Event) []Event {
	if len(events) <= r.TopN {
		return sortByImportance(events)
	}
	if r.Model != nil {
		ranked, err := r.rankWithModel(ctx, events)
		if err == nil {
			return ranked
		}
		log.Warn("LLM ranking failed, falling back to score sort", "err", err)
	}
	return r.rankByScore(events)
}

func (r *Ranker) rankWithModel(ctx context.Context, events []Event) ([]Event, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "- %s: [%g] %s\n", e.EventID, e.Importance, e.Title)
	}
	content, err := r.Model.Complete(ctx, ChatRequest{
		System:      fmt.Sprintf(rankerSystemPrompt, r.TopN),
		User:        fmt.Sprintf("请精排以下 %d 条事件：\n\n%s", len(events), b.String()),
		Temperature: 0.1,
		SchemaName:  "event_ranking",
		Schema:      &RankingResponse{},
	})
	if err != nil {
		return nil, err
	}
	var resp RankingResponse
	if err := decodeJSONContent(content, &resp); err != nil {
		return nil, err
	}
	return r.applyRanking(events, resp.RankedIDs), nil
}

// applyRanking orders events by ids. Unknown and repeated ids are ignored;
// events the ranking does not mention follow by importance.
func (r *Ranker) applyRanking(events []Event, ids []string) []Event {
	byID := make(map[string]Event, len(events))
	for _, e := range events {
		byID[e.EventID] = e
	}

	ranked := make([]Event, 0, len(events))
	used := make(map[string]bool)
	for _, id := range ids {
		e, ok := byID[id]
		if !ok || used[id] {
			continue
		}
		used[id] = true
		ranked = append(ranked, e)
	}

	var rest []Event
	for _, e := range events {
		if !used[e.EventID] {
			rest = append(rest, e)
		}
	}
	ranked = append(ranked, sortByImportance(rest)...)
	return ranked[:min(len(ranked), r.TopN)]
}

func (r *Ranker) rankByScore(events []Event) []Event {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b Event) int {
		return cmp.Compare(FallbackScore(b), FallbackScore(a))
	})
	return sorted[:min(len(sorted), r.TopN)]
}

// FallbackScore boosts importance by up to 40% for events corroborated by
// many items: importance × (1 + min(size/3, 2) × 0.2).
func FallbackScore(e Event) float64 {
	boost := min(float64(e.ClusterSize)/3, 2.0)
	return e.Importance * (1 + boost*0.2)
}

func sortByImportance(events []Event) []Event {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b Event) int {
		return cmp.Compare(b.Importance, a.Importance)
	})
	return sorted
}
