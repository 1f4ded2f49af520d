package airadar

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Pipeline runs the stages of one configured pipeline for one date.
// Every stage reads the artefact of the previous one from the data directory,
// so stages can also be run one at a time.
type Pipeline struct {
	Name     string
	Settings *PipelineSettings
	Models   ModelsSettings
	Date     time.Time

	// Collaborators built from configuration when nil.
	Embedder    Embedder
	EventModel  ChatModel
	ReportModel ChatModel
	Pushers     []Pusher
}

// NewPipeline returns the pipeline called name for date.
func NewPipeline(name string, settings *Settings, date time.Time) (*Pipeline, error) {
	p, ok := settings.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q not found, available pipelines: %s", name, strings.Join(settings.PipelineNames(), ", "))
	}
	return &Pipeline{Name: name, Settings: p, Models: settings.Models, Date: date}, nil
}

type stage struct {
	name string
	run  func(*Pipeline, context.Context) error
}

func (p *Pipeline) stages() []stage {
	if !p.Settings.IsItemPipeline() {
		return []stage{
			{"collect", (*Pipeline).Collect},
			{"report", (*Pipeline).GenerateReport},
			{"html", (*Pipeline).GenerateHTML},
			{"push", (*Pipeline).Push},
		}
	}
	return []stage{
		{"collect", (*Pipeline).Collect},
		{"embed", (*Pipeline).Embed},
		{"cluster", (*Pipeline).Cluster},
		{"build-events", (*Pipeline).BuildEvents},
		{"rank", (*Pipeline).Rank},
		{"report", (*Pipeline).GenerateReport},
		{"html", (*Pipeline).GenerateHTML},
		{"push", (*Pipeline).Push},
	}
}

// Run runs every stage of the pipeline, stopping at the first failure.
func (p *Pipeline) Run(ctx context.Context) error {
	start := time.Now()
	log.Info("▶️ running pipeline", "pipeline", p.Name, "date", p.Date.Format(time.DateOnly))
	for _, s := range p.stages() {
		if err := s.run(p, ctx); err != nil {
			return fmt.Errorf("%s stage failed: %w", s.name, err)
		}
	}
	log.Info("pipeline complete", "pipeline", p.Name, "took", time.Since(start).Round(time.Second))
	return nil
}

// RunPipelines runs the named pipelines in order, pausing the push interval
// between them. A failing pipeline is logged and the next one still runs.
func RunPipelines(ctx context.Context, settings *Settings, names []string, date time.Time) error {
	if len(names) == 0 {
		names = settings.PipelineNames()
	}
	var errs []error
	for i, name := range names {
		if i > 0 {
			if err := sleep(ctx, settings.PushDelay()); err != nil {
				return err
			}
		}
		p, err := NewPipeline(name, settings, date)
		if err == nil {
			err = p.Run(ctx)
		}
		if err != nil {
			log.Error("pipeline failed", "pipeline", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// LoadConfiguredSettings loads the settings from the configured directory.
func LoadConfiguredSettings() (*Settings, error) {
	return LoadSettings(configDir())
}

// runStage runs stage for every pipeline named in args, or for every
// pipeline the stage applies to when args is empty.
func runStage(cmd *cobra.Command, args []string, itemOnly bool, stage func(*Pipeline, context.Context) error) {
	settings, err := LoadSettings(configDir())
	if err != nil {
		log.Error("failed to load settings", "err", err)
		return
	}
	date, err := RunDate(cmd)
	if err != nil {
		log.Error("invalid date", "err", err)
		return
	}

	names := args
	if len(names) == 0 {
		names = settings.PipelineNames()
	}
	for _, name := range names {
		p, err := NewPipeline(name, settings, date)
		if err != nil {
			log.Error(err)
			continue
		}
		if itemOnly && !p.Settings.IsItemPipeline() {
			if len(args) > 0 {
				log.Warn("stage does not apply to pipeline", "stage", cmd.Name(), "pipeline", name)
			}
			continue
		}
		if err := stage(p, cmd.Context()); err != nil {
			log.Error("stage failed", "stage", cmd.Name(), "pipeline", name, "err", err)
		}
	}
}

// RunDate returns the date given with the --date flag, or today in UTC.
func RunDate(cmd *cobra.Command) (time.Time, error) {
	value, _ := cmd.Flags().GetString("date")
	return ParseDate(value)
}

// ParseDate parses a YYYY-MM-DD date. An empty value means today in UTC.
func ParseDate(value string) (time.Time, error) {
	if value == "" {
		return Today(time.UTC), nil
	}
	date, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return date, nil
}

// Today returns midnight of the current day in loc, as a UTC date.
func Today(loc *time.Location) time.Time {
	y, m, d := time.Now().In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (p *Pipeline) path(dir, ext string) string {
	return artefactPath(dir, p.Name, p.Date, ext)
}

func (p *Pipeline) embedder() (Embedder, func(), error) {
	if p.Embedder != nil {
		return p.Embedder, func() {}, nil
	}
	m := p.Models.Embedding
	key := providerAPIKey(m.Provider)
	if key == "" {
		return nil, nil, fmt.Errorf("no API key for embedding provider %s", m.Provider)
	}
	remote, err := NewOpenAIEmbedder(m.Provider, m.Model, key, m.Dimensions, m.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	cache, err := OpenEmbeddingCache(filepath.Join(dataDir(), "embeddings.db"), remote, m.Model, m.Dimensions)
	if err != nil {
		return nil, nil, err
	}
	closeCache := func() {
		if err := cache.Close(); err != nil {
			log.Warn("failed to close embedding cache", "err", err)
		}
	}
	return cache, closeCache, nil
}

// eventModel returns the model used for event cards and ranking, or nil
// when none is usable, in which case both stages use their fallbacks.
func (p *Pipeline) eventModel() ChatModel {
	if p.EventModel != nil {
		return p.EventModel
	}
	m := p.Models.Processing
	key := providerAPIKey(m.Provider)
	if key == "" {
		log.Warn("no API key for processing model, using fallbacks", "provider", m.Provider)
		return nil
	}
	chat, err := NewOpenAIChat(m.Provider, m.Model, key)
	if err != nil {
		log.Warn("failed to create processing model, using fallbacks", "err", err)
		return nil
	}
	return chat
}

func (p *Pipeline) reportModel() (ChatModel, error) {
	if p.ReportModel != nil {
		return p.ReportModel, nil
	}
	return NewChainFromConfig(p.Models.ReportGeneration)
}
