package airadar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
)

// MaxChunkSize is the longest markdown message sent to a webhook, in characters.
const MaxChunkSize = 6000

// Pusher delivers a finished report. reportURL links to the HTML version
// and may be empty.
type Pusher interface {
	Push(ctx context.Context, title, markdown, reportURL string) error
}

// DingTalkPusher posts markdown messages to one or more DingTalk robot webhooks.
type DingTalkPusher struct {
	Webhooks []string
	Client   *http.Client
	Retry    RetryPolicy
	Pause    time.Duration
}

var webhookSepRE = regexp.MustCompile(`[,\n\r]+`)

// NewDingTalkPusher returns a pusher for a comma or newline separated webhook list.
func NewDingTalkPusher(webhooks string) (*DingTalkPusher, error) {
	var urls []string
	for _, u := range webhookSepRE.Split(webhooks, -1) {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("no dingtalk webhook configured")
	}
	return &DingTalkPusher{
		Webhooks: urls,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Retry:    RetryPolicy{Attempts: 3, BaseDelay: 5 * time.Second},
		Pause:    2 * time.Second,
	}, nil
}

// Push sends the report to every webhook. With a reportURL an action card
// linking to it is sent instead of the full text.
func (p *DingTalkPusher) Push(ctx context.Context, title, markdown, reportURL string) error {
	var errs []error
	for i, webhook := range p.Webhooks {
		if i > 0 {
			if err := sleep(ctx, p.Pause); err != nil {
				return err
			}
		}
		var err error
		if reportURL != "" {
			err = p.pushActionCard(ctx, webhook, title, markdown, reportURL)
		} else {
			err = p.pushChunks(ctx, webhook, title, markdown)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", maskWebhook(webhook), err))
		}
	}
	return errors.Join(errs...)
}

func (p *DingTalkPusher) pushChunks(ctx context.Context, webhook, title, markdown string) error {
	chunks := SplitChunks(markdown, MaxChunkSize)
	log.Info("📤 pushing to dingtalk", "title", title, "chunks", len(chunks), "webhook", maskWebhook(webhook))

	var errs []error
	for i, chunk := range chunks {
		chunkTitle := title
		if len(chunks) > 1 {
			chunkTitle = fmt.Sprintf("%s (%d/%d)", title, i+1, len(chunks))
		}
		payload := map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]string{"title": chunkTitle, "text": chunk},
		}
		if err := p.send(ctx, webhook, payload); err != nil {
			log.Error("failed to push chunk", "chunk", i+1, "of", len(chunks), "err", err)
			errs = append(errs, err)
		}
		if i < len(chunks)-1 {
			if err := sleep(ctx, p.Pause); err != nil {
				return err
			}
		}
	}
	return errors.Join(errs...)
}

var eventLineRE = regexp.MustCompile(`(?m)^[🔴🚀🔬💰🔧🤝🌐📜📊📌💡]\s*\*\*`)

func (p *DingTalkPusher) pushActionCard(ctx context.Context, webhook, title, markdown, reportURL string) error {
	events := len(eventLineRE.FindAllString(markdown, -1))
	text := fmt.Sprintf("## %s\n\n%s\n\n📊 共 %d 条事件", title, CoreJudgment(markdown), events)
	payload := map[string]any{
		"msgtype": "actionCard",
		"actionCard": map[string]string{
			"title":          title,
			"text":           text,
			"btnOrientation": "0",
			"singleTitle":    "阅读完整报告 →",
			"singleURL":      reportURL,
		},
	}
	log.Info("📤 pushing action card to dingtalk", "title", title, "url", reportURL)
	return p.send(ctx, webhook, payload)
}

func (p *DingTalkPusher) send(ctx context.Context, webhook string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Retry.Do(ctx, "dingtalk", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		data, err := doHTTP(p.Client, req)
		if err != nil {
			return err
		}
		var result struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("failed to decode dingtalk response: %w", err)
		}
		if result.ErrCode != 0 {
			return fmt.Errorf("dingtalk API error %d: %s", result.ErrCode, result.ErrMsg)
		}
		return nil
	})
}

// CoreJudgment returns the paragraph following the 核心判断 heading, at most
// 200 characters.
func CoreJudgment(markdown string) string {
	var parts []string
	capture := false
	for line := range strings.SplitSeq(markdown, "\n") {
		line = strings.TrimSpace(line)
		if !capture {
			capture = strings.Contains(line, "核心判断")
			continue
		}
		if strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "# ") {
			break
		}
		if line != "" {
			parts = append(parts, line)
		}
	}
	text := strings.Join(parts, " ")
	if utf8.RuneCountInString(text) > 200 {
		return truncateRunes(text, 200) + "..."
	}
	return text
}

// SplitChunks splits markdown into pieces of at most maxSize characters,
// cutting at "## " section boundaries. A single section that is still too
// long is cut at its last newline before the limit.
func SplitChunks(text string, maxSize int) []string {
	if utf8.RuneCountInString(text) <= maxSize {
		return []string{text}
	}

	var chunks []string
	current := ""
	for i, section := range strings.Split(text, "\n## ") {
		piece := section
		if i > 0 {
			piece = "## " + section
		}
		if utf8.RuneCountInString(current)+utf8.RuneCountInString(piece)+1 > maxSize {
			if current != "" {
				chunks = append(chunks, strings.TrimSpace(current))
			}
			current = piece
		} else if current != "" {
			current += "\n" + piece
		} else {
			current = piece
		}
	}
	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}

	var final []string
	for _, chunk := range chunks {
		for utf8.RuneCountInString(chunk) > maxSize {
			head := truncateRunes(chunk, maxSize)
			cut := strings.LastIndex(head, "\n")
			if cut <= 0 {
				cut = len(head)
			}
			final = append(final, chunk[:cut])
			chunk = strings.TrimLeft(chunk[cut:], "\n")
		}
		if chunk != "" {
			final = append(final, chunk)
		}
	}
	return final
}

const serverChanURL = "https://sctapi.ftqq.com"

// ServerChanPusher sends reports to WeChat through ServerChan.
type ServerChanPusher struct {
	Key     string
	BaseURL string
	Client  *http.Client
	Retry   RetryPolicy
}

// NewServerChanPusher returns a pusher for the given send key.
func NewServerChanPusher(key string) (*ServerChanPusher, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("serverchan key is empty")
	}
	return &ServerChanPusher{
		Key:     strings.TrimSpace(key),
		BaseURL: serverChanURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Retry:   RetryPolicy{Attempts: 3, BaseDelay: 5 * time.Second},
	}, nil
}

func (p *ServerChanPusher) Push(ctx context.Context, title, markdown, reportURL string) error {
	desp := markdown
	if reportURL != "" {
		desp += fmt.Sprintf("\n\n---\n[阅读完整报告](%s)", reportURL)
	}
	form := url.Values{"title": {title}, "desp": {desp}}
	endpoint := fmt.Sprintf("%s/%s.send", strings.TrimSuffix(p.BaseURL, "/"), url.PathEscape(p.Key))

	err := p.Retry.Do(ctx, "serverchan", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		data, err := doHTTP(p.Client, req)
		if err != nil {
			return err
		}
		var result struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("failed to decode serverchan response: %w", err)
		}
		if result.Code != 0 {
			return fmt.Errorf("serverchan API error %d: %s", result.Code, result.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("📤 serverchan push succeeded", "title", title)
	return nil
}

// maskWebhook shortens a webhook URL so its access token is not logged.
func maskWebhook(u string) string {
	if len(u) <= 58 {
		return u
	}
	return u[:50] + "..." + u[len(u)-8:]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
