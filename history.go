package airadar

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/go-ego/gse"
	"golang.org/x/text/width"
)

var emojiRE = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{2702}-\x{27B0}\x{231A}-\x{2B55}\x{FE0F}]+\s*`)

// Stopwords is a set of words ignored during keyword extraction.
// Lookups are case-insensitive.
type Stopwords map[string]struct{}

// NewStopwords returns a set containing words.
func NewStopwords(words ...string) Stopwords {
	s := make(Stopwords, len(words))
	for _, w := range words {
		s[strings.ToLower(w)] = struct{}{}
	}
	return s
}

// Contains reports whether w is a stopword.
func (s Stopwords) Contains(w string) bool {
	_, ok := s[strings.ToLower(w)]
	return ok
}

// DefaultStopwords returns the connective and industry filler words that say
// nothing about which event a headline is about.
func DefaultStopwords() Stopwords {
	return NewStopwords(
		"的", "了", "在", "是", "和", "与", "对", "于", "将", "为", "被",
		"AI", "人工智能", "大模型", "LLM", "发布", "宣布", "推出",
		"表示", "称", "说", "指出", "认为", "公司", "技术", "平台",
		"全球", "中国", "新", "正式", "重大", "最新",
		"the", "and", "for", "with", "from", "into", "that", "this", "its",
		"are", "was", "were", "has", "have", "had", "will", "new", "now", "just",
		"about", "after", "over", "via", "of", "to", "in", "on", "at", "by",
		"an", "as", "is", "it", "be", "or", "announces", "launches", "releases", "says",
	)
}

// ExtractKeywords returns the sorted, unique substantive keywords of text.
//
// Emoji are removed and full-width forms folded. Latin words and numbers are
// lower-cased. Runs of Han characters are segmented into dictionary words.
// Words shorter than two characters and stopwords are dropped.
func ExtractKeywords(text string, stopwords Stopwords) []string {
	set := keywordSet(text, stopwords)
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

func keywordSet(text string, stopwords Stopwords) map[string]struct{} {
	clean := width.Fold.String(emojiRE.ReplaceAllString(text, " "))
	set := make(map[string]struct{})
	add := func(w string) {
		if utf8.RuneCountInString(w) >= 2 && !stopwords.Contains(w) {
			set[w] = struct{}{}
		}
	}

	var run []rune
	runHan := false
	flush := func() {
		if len(run) == 0 {
			return
		}
		if runHan {
			for _, w := range segmentHan(string(run)) {
				add(w)
			}
		} else {
			add(strings.ToLower(string(run)))
		}
		run = run[:0]
	}

	for _, r := range clean {
		switch {
		case unicode.Is(unicode.Han, r):
			if !runHan {
				flush()
				runHan = true
			}
			run = append(run, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if runHan {
				flush()
				runHan = false
			}
			run = append(run, r)
		default:
			flush()
		}
	}
	flush()
	return set
}

// domainWords are added to the segmenter dictionary so that company, product
// and market names of the AI industry stay whole.
var domainWords = []string{
	"英伟达", "阿里", "阿里巴巴", "阿里云", "腾讯", "百度", "字节跳动", "华为", "小米",
	"通义千问", "文心一言", "智谱", "月之暗面", "豆包", "混元", "深度求索", "商汤", "寒武纪",
	"大模型", "机器人", "具身智能", "智能体", "芯片", "算力", "开源", "财报", "融资", "估值",
}

var loadSegmenter = sync.OnceValues(func() (*gse.Segmenter, error) {
	seg := &gse.Segmenter{SkipLog: true}
	if err := seg.LoadDictEmbed(); err != nil {
		return nil, fmt.Errorf("failed to load segmenter dictionary: %w", err)
	}
	for _, w := range domainWords {
		if err := seg.AddToken(w, 100000); err != nil {
			return nil, fmt.Errorf("failed to add %s to dictionary: %w", w, err)
		}
	}
	return seg, nil
})

// segmentHan cuts a run of Han characters into words. Without a dictionary
// the run is one word.
func segmentHan(run string) []string {
	seg, err := loadSegmenter()
	if err != nil {
		log.Warn("word segmentation unavailable, using whole runs", "err", err)
		return []string{run}
	}
	return seg.Cut(run, true)
}

// EventStore is the record of events published by earlier runs.
type EventStore interface {
	// Titles returns the event titles published for pipeline on date.
	// A date without a record returns an error wrapping fs.ErrNotExist.
	Titles(pipeline string, date time.Time) ([]string, error)
}

// FileEventStore keeps one JSON file of events per pipeline and day under Dir.
type FileEventStore struct {
	Dir string
}

// Path returns the events file for pipeline on date.
func (s FileEventStore) Path(pipeline string, date time.Time) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s_events.json", date.Format(time.DateOnly), pipeline))
}

// Load reads the events published for pipeline on date.
func (s FileEventStore) Load(pipeline string, date time.Time) ([]Event, error) {
	var events []Event
	if err := readJSON(s.Path(pipeline, date), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Save writes events as the record for pipeline on date, replacing any previous one.
func (s FileEventStore) Save(pipeline string, date time.Time, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	return writeJSON(s.Path(pipeline, date), events)
}

func (s FileEventStore) Titles(pipeline string, date time.Time) ([]string, error) {
	data, err := os.ReadFile(s.Path(pipeline, date))
	if err != nil {
		return nil, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(s.Path(pipeline, date)), err)
	}
	var titles []string
	for _, raw := range records {
		var record struct {
			Title string `json:"title"`
		}
		if json.Unmarshal(raw, &record) == nil && record.Title != "" {
			titles = append(titles, record.Title)
		}
	}
	return titles, nil
}

// HistoryDeduplicator drops events whose titles restate an event published
// during the previous days. Two titles match when they share at least
// Threshold keywords.
type HistoryDeduplicator struct {
	Store     EventStore
	Lookback  int // days
	Threshold int
	Stopwords Stopwords
}

// NewHistoryDeduplicator returns a deduplicator using the default stopwords.
func NewHistoryDeduplicator(store EventStore, lookbackDays, threshold int) *HistoryDeduplicator {
	return &HistoryDeduplicator{
		Store:     store,
		Lookback:  lookbackDays,
		Threshold: threshold,
		Stopwords: DefaultStopwords(),
	}
}

// Deduplicate returns the events of pipeline on asOf that do not repeat recent history.
func (d *HistoryDeduplicator) Deduplicate(events []Event, pipeline string, asOf time.Time) []Event {
	return filterHistory(d, events, func(e Event) string { return e.Title }, pipeline, asOf)
}

// DeduplicateTitles is Deduplicate for bare titles.
func (d *HistoryDeduplicator) DeduplicateTitles(titles []string, pipeline string, asOf time.Time) []string {
	return filterHistory(d, titles, func(t string) string { return t }, pipeline, asOf)
}

func filterHistory[T any](d *HistoryDeduplicator, candidates []T, title func(T) string, pipeline string, asOf time.Time) []T {
	history := d.history(pipeline, asOf)
	if len(history) == 0 {
		log.Info("history dedup: no historical events, skipping", "pipeline", pipeline)
		return candidates
	}

	kept := make([]T, 0, len(candidates))
	removed := 0
	for _, c := range candidates {
		if d.matchesAny(keywordSet(title(c), d.Stopwords), history) {
			removed++
			log.Debug("history dedup: removed", "title", title(c))
			continue
		}
		kept = append(kept, c)
	}
	log.Info("history dedup", "pipeline", pipeline, "before", len(candidates), "after", len(kept), "removed", removed)
	return kept
}

func (d *HistoryDeduplicator) matchesAny(keywords map[string]struct{}, history []map[string]struct{}) bool {
	for _, h := range history {
		shared := 0
		for w := range keywords {
			if _, ok := h[w]; ok {
				shared++
			}
		}
		if shared >= d.Threshold {
			return true
		}
	}
	return false
}

// history loads keyword sets of the titles published 1..Lookback days before asOf.
// Missing and unreadable days are skipped.
func (d *HistoryDeduplicator) history(pipeline string, asOf time.Time) []map[string]struct{} {
	if d.Store == nil {
		return nil
	}
	var sets []map[string]struct{}
	for daysAgo := 1; daysAgo <= d.Lookback; daysAgo++ {
		date := asOf.AddDate(0, 0, -daysAgo)
		titles, err := d.Store.Titles(pipeline, date)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			log.Warn("failed to load historical events", "pipeline", pipeline, "date", date.Format(time.DateOnly), "err", err)
			continue
		}
		log.Debug("loaded historical events", "pipeline", pipeline, "date", date.Format(time.DateOnly), "count", len(titles))
		for _, t := range titles {
			sets = append(sets, keywordSet(t, d.Stopwords))
		}
	}
	return sets
}
