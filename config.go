package airadar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/sosodev/duration"
	"gopkg.in/yaml.v3"
)

// Config holds all environment variables
var Config struct {
	DashScopeAPIKey string
	ApifyToken      string
	AnthropicAPIKey string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	OpenAIAPIKey    string

	DataDir   string
	ConfigDir string
	DocsDir   string
	SiteURL   string
}

// Source types.
const (
	SourceApifyList = "apify_list"
	SourceRSS       = "rss"
	SourceNewsnow   = "newsnow_api"
)

// Settings is the file based configuration of all pipelines.
type Settings struct {
	Schedule     ScheduleSettings             `yaml:"schedule"`
	PushInterval string                       `yaml:"push_interval"`
	Pipelines    map[string]*PipelineSettings `yaml:"pipelines"`
	Models       ModelsSettings               `yaml:"-"`
}

type ScheduleSettings struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// PipelineSettings configures one named pipeline.
type PipelineSettings struct {
	Title      string             `yaml:"title"`
	Source     SourceSettings     `yaml:"source"`
	Processing ProcessingSettings `yaml:"processing"`
	Generation GenerationSettings `yaml:"generation"`
	Push       PushSettings       `yaml:"push"`
}

type SourceSettings struct {
	Type          string         `yaml:"type"`
	ListID        string         `yaml:"list_id"`
	MaxItems      int            `yaml:"max_items"`
	Window        string         `yaml:"window"`
	MinTextLength int            `yaml:"min_text_length"`
	Keywords      []string       `yaml:"keywords"`
	Feeds         []FeedSettings `yaml:"feeds"`
	URL           string         `yaml:"url"`
}

type FeedSettings struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	AISpecific bool   `yaml:"ai_specific"`
}

type ProcessingSettings struct {
	ClusterThreshold float64 `yaml:"cluster_threshold"`
	MinClusterSize   int     `yaml:"min_cluster_size"`
	MaxClusterSize   int     `yaml:"max_cluster_size"`
	NoiseTopK        int     `yaml:"noise_top_k"`
	NoiseBatchSize   int     `yaml:"noise_batch_size"`
	HistoryLookback  string  `yaml:"history_lookback"`
	HistoryThreshold int     `yaml:"history_threshold"`
	TopN             int     `yaml:"top_n"`
	EventConcurrency int     `yaml:"event_concurrency"`
}

type GenerationSettings struct {
	PromptFile string `yaml:"prompt_file"`
}

type PushSettings struct {
	WebhookEnv    string `yaml:"webhook_env"`
	ServerChanEnv string `yaml:"serverchan_env"`
}

// ModelsSettings is the content of models.yaml.
type ModelsSettings struct {
	ReportGeneration []ModelSettings   `yaml:"report_generation"`
	Embedding        EmbeddingSettings `yaml:"embedding"`
	Processing       ModelSettings     `yaml:"processing"`
}

type ModelSettings struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	Priority       int    `yaml:"priority"`
	TimeoutSeconds int    `yaml:"timeout"`
}

type EmbeddingSettings struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
}

// LoadSettings reads pipeline.yaml and models.yaml from dir, resolves
// ${ENV} references, applies defaults and validates the result.
func LoadSettings(dir string) (*Settings, error) {
	var s Settings
	if err := readYAML(filepath.Join(dir, "pipeline.yaml"), &s); err != nil {
		return nil, err
	}
	if err := readYAML(filepath.Join(dir, "models.yaml"), &s.Models); err != nil {
		return nil, err
	}

	s.resolveEnv()
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

var envRefRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnvRefs replaces ${NAME} with the value of the environment variable
// NAME. References to unset variables are kept verbatim.
func resolveEnvRefs(s string) string {
	return envRefRE.ReplaceAllStringFunc(s, func(ref string) string {
		if v, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
			return v
		}
		return ref
	})
}

func (s *Settings) resolveEnv() {
	for _, p := range s.Pipelines {
		if p == nil {
			continue
		}
		p.Source.ListID = resolveEnvRefs(p.Source.ListID)
		p.Source.URL = resolveEnvRefs(p.Source.URL)
		p.Push.WebhookEnv = resolveEnvRefs(p.Push.WebhookEnv)
		p.Push.ServerChanEnv = resolveEnvRefs(p.Push.ServerChanEnv)
		for i := range p.Source.Feeds {
			p.Source.Feeds[i].URL = resolveEnvRefs(p.Source.Feeds[i].URL)
		}
	}
}

func (s *Settings) applyDefaults() {
	if s.Schedule.Cron == "" {
		s.Schedule.Cron = "0 8 * * *"
	}
	if s.Schedule.Timezone == "" {
		s.Schedule.Timezone = "Asia/Shanghai"
	}
	if s.PushInterval == "" {
		s.PushInterval = "PT30S"
	}
	for name, p := range s.Pipelines {
		if p == nil {
			p = &PipelineSettings{}
			s.Pipelines[name] = p
		}
		p.applyDefaults(name)
	}

	m := &s.Models
	if m.Embedding.Provider == "" {
		m.Embedding.Provider = "dashscope"
	}
	if m.Embedding.Model == "" {
		m.Embedding.Model = "text-embedding-v3"
	}
	if m.Embedding.Dimensions == 0 {
		m.Embedding.Dimensions = 1024
	}
	if m.Embedding.BatchSize == 0 {
		m.Embedding.BatchSize = 10
	}
	if m.Processing.Provider == "" {
		m.Processing.Provider = "dashscope"
	}
	if m.Processing.Model == "" {
		m.Processing.Model = "qwen-plus"
	}
	if m.Processing.TimeoutSeconds == 0 {
		m.Processing.TimeoutSeconds = 30
	}
	for i := range m.ReportGeneration {
		if m.ReportGeneration[i].Priority == 0 {
			m.ReportGeneration[i].Priority = 1
		}
		if m.ReportGeneration[i].TimeoutSeconds == 0 {
			m.ReportGeneration[i].TimeoutSeconds = 60
		}
	}
}

func (p *PipelineSettings) applyDefaults(name string) {
	if p.Title == "" {
		p.Title = name
	}
	src := &p.Source
	if src.MaxItems == 0 {
		src.MaxItems = 500
	}
	if src.Window == "" {
		src.Window = "PT24H"
	}
	if src.MinTextLength == 0 {
		src.MinTextLength = 20
	}

	d := DefaultClusterOptions()
	proc := &p.Processing
	if proc.ClusterThreshold == 0 {
		proc.ClusterThreshold = d.Threshold
	}
	if proc.MinClusterSize == 0 {
		proc.MinClusterSize = d.MinClusterSize
	}
	if proc.MaxClusterSize == 0 {
		proc.MaxClusterSize = d.MaxClusterSize
	}
	if proc.NoiseTopK == 0 {
		proc.NoiseTopK = d.NoiseTopK
	}
	if proc.NoiseBatchSize == 0 {
		proc.NoiseBatchSize = d.NoiseBatchSize
	}
	if proc.HistoryLookback == "" {
		proc.HistoryLookback = "P3D"
	}
	if proc.HistoryThreshold == 0 {
		proc.HistoryThreshold = 2
	}
	if proc.TopN == 0 {
		proc.TopN = 35
	}
	if proc.EventConcurrency == 0 {
		proc.EventConcurrency = 5
	}
}

// Validate checks the settings for correctness.
func (s *Settings) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(s.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone: %w", err))
	}
	if _, err := isoDuration(s.PushInterval); err != nil {
		errs = append(errs, fmt.Errorf("push_interval: %w", err))
	}
	if len(s.Pipelines) == 0 {
		errs = append(errs, errors.New("no pipelines configured"))
	}
	for _, name := range s.PipelineNames() {
		if err := s.Pipelines[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", name, err))
		}
	}
	if len(s.Models.ReportGeneration) == 0 {
		errs = append(errs, errors.New("report_generation needs at least one model"))
	}
	for i, m := range s.Models.ReportGeneration {
		if _, ok := providerBaseURLs[m.Provider]; !ok {
			errs = append(errs, fmt.Errorf("report_generation[%d]: unknown provider %q", i, m.Provider))
		}
	}
	if _, ok := providerBaseURLs[s.Models.Processing.Provider]; !ok {
		errs = append(errs, fmt.Errorf("processing: unknown provider %q", s.Models.Processing.Provider))
	}
	if _, ok := providerBaseURLs[s.Models.Embedding.Provider]; !ok {
		errs = append(errs, fmt.Errorf("embedding: unknown provider %q", s.Models.Embedding.Provider))
	}
	return errors.Join(errs...)
}

func (p *PipelineSettings) validate() error {
	switch p.Source.Type {
	case SourceApifyList, SourceRSS, SourceNewsnow:
	default:
		return fmt.Errorf("unknown source type %q", p.Source.Type)
	}
	if p.Source.Type == SourceRSS && len(p.Source.Feeds) == 0 {
		return errors.New("rss source needs at least one feed")
	}
	if _, err := isoDuration(p.Source.Window); err != nil {
		return fmt.Errorf("window: %w", err)
	}
	if _, err := isoDuration(p.Processing.HistoryLookback); err != nil {
		return fmt.Errorf("history_lookback: %w", err)
	}
	proc := p.Processing
	if proc.ClusterThreshold <= 0 || proc.ClusterThreshold >= 1 {
		return fmt.Errorf("cluster_threshold must be in (0, 1), got %v", proc.ClusterThreshold)
	}
	if proc.MinClusterSize < 1 || proc.MaxClusterSize < 1 || proc.NoiseTopK < 1 || proc.NoiseBatchSize < 1 {
		return errors.New("cluster sizes must be positive")
	}
	if proc.HistoryThreshold < 1 || proc.TopN < 1 || proc.EventConcurrency < 1 {
		return errors.New("history_threshold, top_n and event_concurrency must be positive")
	}
	if p.Generation.PromptFile == "" {
		return errors.New("generation.prompt_file is required")
	}
	return nil
}

// PipelineNames returns the configured pipelines in execution order:
// global_ai, china_ai and trending first, then the others alphabetically.
func (s *Settings) PipelineNames() []string {
	return orderPipelines(s.Pipelines)
}

var pipelineOrder = []string{"global_ai", "china_ai", "trending"}

func orderPipelines[V any](pipelines map[string]V) []string {
	var names []string
	for _, name := range pipelineOrder {
		if _, ok := pipelines[name]; ok {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range pipelines {
		if !slices.Contains(pipelineOrder, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}

// IsItemPipeline reports whether the pipeline clusters collected items into
// events, as opposed to reporting a trending list directly.
func (p *PipelineSettings) IsItemPipeline() bool {
	return p.Source.Type != SourceNewsnow
}

// ClusterOptions returns the clustering parameters of the pipeline.
func (p *PipelineSettings) ClusterOptions() ClusterOptions {
	return ClusterOptions{
		Threshold:      p.Processing.ClusterThreshold,
		MinClusterSize: p.Processing.MinClusterSize,
		MaxClusterSize: p.Processing.MaxClusterSize,
		NoiseTopK:      p.Processing.NoiseTopK,
		NoiseBatchSize: p.Processing.NoiseBatchSize,
	}
}

// CollectionWindow returns how far back items are collected.
func (p *PipelineSettings) CollectionWindow() time.Duration {
	d, _ := isoDuration(p.Source.Window)
	return d
}

// LookbackDays returns the history lookback in whole days, at least one.
func (p *PipelineSettings) LookbackDays() int {
	d, _ := isoDuration(p.Processing.HistoryLookback)
	return max(1, int(d/(24*time.Hour)))
}

// PushDelay returns the pause between pipelines.
func (s *Settings) PushDelay() time.Duration {
	d, _ := isoDuration(s.PushInterval)
	return d
}

func isoDuration(s string) (time.Duration, error) {
	d, err := duration.Parse(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
	}
	return d.ToTimeDuration(), nil
}
