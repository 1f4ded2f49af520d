package airadar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunksShortText(t *testing.T) {
	assert.Equal(t, []string{"# title\n\nbody"}, SplitChunks("# title\n\nbody", 100))
}

func TestSplitChunksOnSections(t *testing.T) {
	text := "# 日报\n\nintro\n## 一\n" + strings.Repeat("甲", 30) + "\n## 二\n" + strings.Repeat("乙", 30) + "\n## 三\nend"
	chunks := SplitChunks(text, 50)

	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0], "# 日报\n\nintro\n## 一\n"))
	assert.True(t, strings.HasPrefix(chunks[1], "## 二\n"))
	assert.True(t, strings.HasSuffix(chunks[1], "\n## 三\nend"))
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 50)
	}
}

func TestSplitChunksHardSplit(t *testing.T) {
	line := strings.Repeat("x", 30)
	text := "## big\n" + line + "\n" + line + "\n" + line
	chunks := SplitChunks(text, 40)

	assert.Equal(t, []string{"## big\n" + line, line, line}, chunks)

	noNewline := strings.Repeat("字", 25)
	assert.Equal(t, []string{strings.Repeat("字", 10), strings.Repeat("字", 10), strings.Repeat("字", 5)}, SplitChunks(noNewline, 10))
}

func TestCoreJudgment(t *testing.T) {
	md := "# 日报\n\n## 🔴 核心判断\n\n第一句。\n第二句。\n\n## 详细\n别的"
	assert.Equal(t, "第一句。 第二句。", CoreJudgment(md))
	assert.Equal(t, "", CoreJudgment("# nothing"))

	long := "## 核心判断\n" + strings.Repeat("长", 250)
	got := CoreJudgment(long)
	assert.Equal(t, 203, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}

type dingTalkServer struct {
	mu       sync.Mutex
	payloads []map[string]any
	fail     int
}

func (s *dingTalkServer) handler(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		_, _ = io.WriteString(w, `{"errcode": 130101, "errmsg": "send too fast"}`)
		return
	}
	s.payloads = append(s.payloads, payload)
	_, _ = io.WriteString(w, `{"errcode": 0, "errmsg": "ok"}`)
}

func testDingTalk(t *testing.T, webhooks string) *DingTalkPusher {
	p, err := NewDingTalkPusher(webhooks)
	require.NoError(t, err)
	p.Pause = 0
	p.Retry.BaseDelay = time.Millisecond
	return p
}

func TestNewDingTalkPusherSplitsWebhooks(t *testing.T) {
	p, err := NewDingTalkPusher(" https://a/robot?x=1 ,\nhttps://b/robot?x=2\r\n,")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a/robot?x=1", "https://b/robot?x=2"}, p.Webhooks)

	_, err = NewDingTalkPusher(" , \n")
	assert.Error(t, err)
}

func TestDingTalkPushChunksWithRetry(t *testing.T) {
	s := &dingTalkServer{fail: 1}
	server := httptest.NewServer(http.HandlerFunc(s.handler))
	defer server.Close()

	p := testDingTalk(t, server.URL+"/one,"+server.URL+"/two")
	md := "# 日报\n## 一\n" + strings.Repeat("a", 4000) + "\n## 二\n" + strings.Repeat("b", 4000)

	require.NoError(t, p.Push(context.Background(), "AI 日报", md, ""))

	require.Len(t, s.payloads, 4)
	first := s.payloads[0]
	assert.Equal(t, "markdown", first["msgtype"])
	markdown := first["markdown"].(map[string]any)
	assert.Equal(t, "AI 日报 (1/2)", markdown["title"])
	assert.Equal(t, "AI 日报 (2/2)", s.payloads[1]["markdown"].(map[string]any)["title"])
}

func TestDingTalkPushActionCard(t *testing.T) {
	s := &dingTalkServer{}
	server := httptest.NewServer(http.HandlerFunc(s.handler))
	defer server.Close()

	md := "## 核心判断\n算力竞赛升级。\n## 事件\n🚀 **GPT-5 发布**\n💰 **融资**\n"
	require.NoError(t, testDingTalk(t, server.URL).Push(context.Background(), "AI 日报", md, "https://example.com/r.html"))

	require.Len(t, s.payloads, 1)
	assert.Equal(t, "actionCard", s.payloads[0]["msgtype"])
	card := s.payloads[0]["actionCard"].(map[string]any)
	assert.Equal(t, "https://example.com/r.html", card["singleURL"])
	assert.Equal(t, "## AI 日报\n\n算力竞赛升级。\n\n📊 共 2 条事件", card["text"])
}

func TestDingTalkPushGivesUp(t *testing.T) {
	s := &dingTalkServer{fail: 10}
	server := httptest.NewServer(http.HandlerFunc(s.handler))
	defer server.Close()

	err := testDingTalk(t, server.URL).Push(context.Background(), "t", "short", "")
	assert.ErrorContains(t, err, "send too fast")
	assert.Equal(t, 7, s.fail, "three attempts")
}

func TestServerChanPush(t *testing.T) {
	var form map[string][]string
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		_, _ = io.WriteString(w, `{"code": 0, "message": ""}`)
	}))
	defer server.Close()

	p, err := NewServerChanPusher("SCT123")
	require.NoError(t, err)
	p.BaseURL = server.URL

	require.NoError(t, p.Push(context.Background(), "热搜", "body", "https://example.com/x.html"))
	assert.Equal(t, "/SCT123.send", path)
	assert.Equal(t, []string{"热搜"}, form["title"])
	assert.Equal(t, []string{"body\n\n---\n[阅读完整报告](https://example.com/x.html)"}, form["desp"])
}

func TestServerChanPushAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code": 40001, "message": "bad key"}`)
	}))
	defer server.Close()

	p, err := NewServerChanPusher("k")
	require.NoError(t, err)
	p.BaseURL = server.URL
	p.Retry = RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}

	assert.ErrorContains(t, p.Push(context.Background(), "t", "b", ""), "bad key")

	_, err = NewServerChanPusher("  ")
	assert.Error(t, err)
}
