package airadar

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Collected is the raw artefact of the collect stage.
type Collected[T any] struct {
	Pipeline string       `json:"pipeline"`
	Date     string       `json:"date"`
	Source   string       `json:"source"`
	Stats    CollectStats `json:"stats"`
	Items    []T          `json:"items"`
}

// CollectItemsCmd: collects items for each pipeline, saves data/raw/{date}_{pipeline}.json
var CollectItemsCmd = &cobra.Command{
	Use:   "collect-items [pipeline...]",
	Short: "Collect posts, feed entries or trending topics for pipelines",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, false, (*Pipeline).Collect)
	},
}

// Collect fetches the source of the pipeline and writes the raw artefact.
func (p *Pipeline) Collect(ctx context.Context) error {
	src := p.Settings.Source
	window := p.Settings.CollectionWindow()

	switch src.Type {
	case SourceApifyList:
		items, stats, err := NewApifyCollector(Config.ApifyToken, src, window).Collect(ctx)
		if err != nil {
			return err
		}
		return saveCollected(p, stats, items)
	case SourceRSS:
		items, stats, err := NewRSSCollector(src, window).Collect(ctx)
		if err != nil {
			return err
		}
		return saveCollected(p, stats, items)
	case SourceNewsnow:
		items, err := NewNewsnowCollector(src).Collect(ctx)
		if err != nil {
			return err
		}
		returned := len(items)
		items = p.dropRepeatedTrending(items)
		stats := CollectStats{Returned: returned, DedupRemoved: returned - len(items), Final: len(items)}
		return saveCollected(p, stats, items)
	}
	return fmt.Errorf("unknown source type %q", src.Type)
}

func saveCollected[T any](p *Pipeline, stats CollectStats, items []T) error {
	if items == nil {
		items = []T{}
	}
	path := p.path(RawDir, ".json")
	err := writeJSON(path, Collected[T]{
		Pipeline: p.Name,
		Date:     p.Date.Format(time.DateOnly),
		Source:   p.Settings.Source.Type,
		Stats:    stats,
		Items:    items,
	})
	if err != nil {
		return err
	}
	log.Info("💾 saved collected items", "pipeline", p.Name, "items", len(items), "path", path)
	return nil
}

// dropRepeatedTrending removes topics that were already reported during the
// history lookback and records the remaining titles as today's history.
func (p *Pipeline) dropRepeatedTrending(items []TrendingItem) []TrendingItem {
	store := eventStore()
	dedup := NewHistoryDeduplicator(store, p.Settings.LookbackDays(), p.Settings.Processing.HistoryThreshold)

	titles := make([]string, len(items))
	for i, item := range items {
		titles[i] = item.Title
	}
	fresh := make(map[string]bool)
	for _, title := range dedup.DeduplicateTitles(titles, p.Name, p.Date) {
		fresh[title] = true
	}

	var kept []TrendingItem
	history := []Event{}
	for _, item := range items {
		if fresh[item.Title] {
			kept = append(kept, item)
			history = append(history, Event{Title: item.Title, Category: CategoryOther, EventType: "news"})
		}
	}
	if removed := len(items) - len(kept); removed > 0 {
		log.Info("dropped repeated trending topics", "removed", removed, "kept", len(kept))
	}
	if err := store.Save(p.Name, p.Date, history); err != nil {
		log.Warn("failed to record trending history", "err", err)
	}
	return kept
}

func loadCollected[T any](p *Pipeline) (Collected[T], error) {
	var c Collected[T]
	if err := readJSON(p.path(RawDir, ".json"), &c); err != nil {
		return c, fmt.Errorf("failed to load collected items, run collect-items first: %w", err)
	}
	return c, nil
}
