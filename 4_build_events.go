package airadar

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// BuildEventsCmd: reads data/clusters, saves data/events/{date}_{pipeline}_events.json
var BuildEventsCmd = &cobra.Command{
	Use:   "build-events [pipeline...]",
	Short: "Build event cards from clusters and drop events seen in recent days",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, true, (*Pipeline).BuildEvents)
	},
}

// BuildEvents turns the final groups into events, removes the ones already
// published during the history lookback and records the rest.
func (p *Pipeline) BuildEvents(ctx context.Context) error {
	var checkpoint ClusterCheckpoint
	if err := readJSON(p.path(ClustersDir, ".json"), &checkpoint); err != nil {
		return fmt.Errorf("failed to load clusters, run cluster-items first: %w", err)
	}

	builder := NewEventBuilder(p.eventModel(), p.Settings.Processing.EventConcurrency)
	if seconds := p.Models.Processing.TimeoutSeconds; seconds > 0 {
		builder.Timeout = time.Duration(seconds) * time.Second
	}
	events := builder.BuildEvents(ctx, checkpoint.Groups, p.Date)

	store := eventStore()
	dedup := NewHistoryDeduplicator(store, p.Settings.LookbackDays(), p.Settings.Processing.HistoryThreshold)
	fresh := dedup.Deduplicate(events, p.Name, p.Date)
	log.Info("📰 events after history dedup", "pipeline", p.Name, "built", len(events), "kept", len(fresh))

	if err := store.Save(p.Name, p.Date, fresh); err != nil {
		return err
	}
	log.Info("💾 saved events", "path", store.Path(p.Name, p.Date))
	return nil
}
