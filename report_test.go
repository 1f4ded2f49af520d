package airadar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrompt(t *testing.T) {
	p := ParsePrompt("---SYSTEM---\nYou are an analyst.\n---ONESHOT---\n# Example\n\nbody\n")
	assert.Equal(t, "You are an analyst.", p.System)
	assert.Equal(t, "# Example\n\nbody", p.OneShot)

	plain := ParsePrompt("# Just an example")
	assert.Equal(t, defaultReportSystemPrompt, plain.System)
	assert.Equal(t, "# Just an example", plain.OneShot)

	onlySystem := ParsePrompt("---SYSTEM---\nno example marker")
	assert.Equal(t, defaultReportSystemPrompt, onlySystem.System)
}

func TestLoadPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.txt")
	require.NoError(t, os.WriteFile(path, []byte("---SYSTEM---\nsys\n---ONESHOT---\nshot"), 0644))
	p, err := LoadPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, Prompt{System: "sys", OneShot: "shot"}, p)

	_, err = LoadPrompt(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestEventReport(t *testing.T) {
	model := answer("  # 日报\n\n内容 \n")
	w := &ReportWriter{Model: model}
	events := []Event{{
		EventID:     "evt_20260402_000",
		Title:       "🚀 <GPT-5> & more",
		Category:    CategoryProductLaunch,
		Importance:  9,
		Sources:     []EventSource{},
		KeyFacts:    []string{"fact"},
		ClusterSize: 12,
		EventType:   "news",
	}}

	report, err := w.EventReport(context.Background(), Prompt{System: "sys", OneShot: "EXAMPLE"}, events, buildDate)
	require.NoError(t, err)
	assert.Equal(t, "# 日报\n\n内容", report)

	require.Equal(t, 1, model.calls())
	req := model.requests[0]
	assert.Equal(t, "sys", req.System)
	assert.Equal(t, 8192, req.MaxTokens)
	assert.Contains(t, req.User, "EXAMPLE")
	assert.Contains(t, req.User, "1 个 Event Cards")
	assert.Contains(t, req.User, "日期：2026-04-02")
	assert.Contains(t, req.User, `"title": "🚀 <GPT-5> & more"`)
	assert.NotContains(t, req.User, "cluster_size")
}

func TestTrendingReport(t *testing.T) {
	model := answer("热搜")
	w := &ReportWriter{Model: model}
	items := []TrendingItem{{Title: "AI 芯片", Platform: "weibo", Rank: 3}}

	report, err := w.TrendingReport(context.Background(), Prompt{System: "s", OneShot: "o"}, items, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "热搜", report)
	assert.Contains(t, model.requests[0].User, "- [weibo] AI 芯片 (热度排名: 3)")
	assert.Equal(t, 4096, model.requests[0].MaxTokens)
}

func TestReportWriterErrors(t *testing.T) {
	_, err := (&ReportWriter{}).TrendingReport(context.Background(), Prompt{}, nil, buildDate)
	assert.Error(t, err)

	_, err = (&ReportWriter{Model: failing("all providers down")}).EventReport(context.Background(), Prompt{}, nil, buildDate)
	assert.ErrorContains(t, err, "all providers down")
}
