package airadar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	systemMarker  = "---SYSTEM---"
	oneShotMarker = "---ONESHOT---"

	defaultReportSystemPrompt = "你是「全球 AI 行业情报分析师」，每日为技术决策者和投资团队生成 AI 行业日报。"
)

// Prompt is a system prompt plus a one-shot example report.
type Prompt struct {
	System  string
	OneShot string
}

// ParsePrompt splits content on the ---SYSTEM--- and ---ONESHOT--- markers.
// Content without both markers is a one-shot example for the default system prompt.
func ParsePrompt(content string) Prompt {
	if strings.Contains(content, systemMarker) && strings.Contains(content, oneShotMarker) {
		system, oneShot, _ := strings.Cut(content, oneShotMarker)
		return Prompt{
			System:  strings.TrimSpace(strings.Replace(system, systemMarker, "", 1)),
			OneShot: strings.TrimSpace(oneShot),
		}
	}
	return Prompt{System: defaultReportSystemPrompt, OneShot: content}
}

// LoadPrompt reads and parses a prompt file.
func LoadPrompt(path string) (Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to read prompt file: %w", err)
	}
	return ParsePrompt(string(data)), nil
}

// ReportWriter generates markdown reports with a chat model.
type ReportWriter struct {
	Model ChatModel
}

// reportEvent is an Event without the cluster size, which the report does not need.
type reportEvent struct {
	EventID      string        `json:"event_id"`
	Title        string        `json:"title"`
	Category     Category      `json:"category"`
	Importance   float64       `json:"importance"`
	Sources      []EventSource `json:"sources"`
	KeyFacts     []string      `json:"key_facts"`
	AnalystAngle string        `json:"analyst_angle"`
	EventTime    Timestamp     `json:"event_time,omitzero"`
	EventType    string        `json:"event_type"`
}

// EventReport writes the daily report for ranked events.
func (w *ReportWriter) EventReport(ctx context.Context, prompt Prompt, events []Event, date time.Time) (string, error) {
	payload := make([]reportEvent, len(events))
	for i, e := range events {
		payload[i] = reportEvent{
			EventID:      e.EventID,
			Title:        e.Title,
			Category:     e.Category,
			Importance:   e.Importance,
			Sources:      e.Sources,
			KeyFacts:     e.KeyFacts,
			AnalystAngle: e.AnalystAngle,
			EventTime:    e.EventTime,
			EventType:    e.EventType,
		}
	}
	eventsJSON, err := marshalIndent(payload)
	if err != nil {
		return "", err
	}

	user := fmt.Sprintf(`以下是一份高质量 AI 日报范例，请严格学习其风格和结构：

%s

---

现在，请基于以下今日数据（%d 个 Event Cards），生成同样风格的日报。
日期：%s

%s`, prompt.OneShot, len(events), date.Format(time.DateOnly), eventsJSON)

	return w.generate(ctx, prompt.System, user, 8192)
}

// TrendingReport writes the trending digest.
func (w *ReportWriter) TrendingReport(ctx context.Context, prompt Prompt, items []TrendingItem, date time.Time) (string, error) {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("- [%s] %s (热度排名: %d)", item.Platform, item.Title, item.Rank)
	}

	user := fmt.Sprintf(`以下是一份高质量热搜速递范例，请严格学习其风格和结构：

%s

---

现在，请基于以下今日热搜数据（%d 条），生成同样风格的热搜速递。
日期：%s

%s`, prompt.OneShot, len(items), date.Format(time.DateOnly), strings.Join(lines, "\n"))

	return w.generate(ctx, prompt.System, user, 4096)
}

func (w *ReportWriter) generate(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if w.Model == nil {
		return "", fmt.Errorf("no report model configured")
	}
	log.Info("🤖 generating report", "prompt_chars", len([]rune(user)))
	report, err := w.Model.Complete(ctx, ChatRequest{
		System:      system,
		User:        user,
		Temperature: 0.5,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}
	return strings.TrimSpace(report), nil
}

func marshalIndent(v any) (string, error) {
	var sb strings.Builder
	encoder := json.NewEncoder(&sb)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("failed to marshal report data: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
