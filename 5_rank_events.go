package airadar

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// RankEventsCmd: reads data/events, saves data/ranked/{date}_{pipeline}.json
var RankEventsCmd = &cobra.Command{
	Use:   "rank-events [pipeline...]",
	Short: "Rank events and keep the most important ones",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, true, (*Pipeline).Rank)
	},
}

// Rank orders the day's events and writes the top of the list.
func (p *Pipeline) Rank(ctx context.Context) error {
	events, err := eventStore().Load(p.Name, p.Date)
	if err != nil {
		return fmt.Errorf("failed to load events, run build-events first: %w", err)
	}

	ranked := NewRanker(p.eventModel(), p.Settings.Processing.TopN).Rank(ctx, events)
	if ranked == nil {
		ranked = []Event{}
	}

	path := p.path(RankedDir, ".json")
	if err := writeJSON(path, ranked); err != nil {
		return err
	}
	log.Info("💾 saved ranked events", "pipeline", p.Name, "events", len(ranked), "path", path)
	return nil
}
