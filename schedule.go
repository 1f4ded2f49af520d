package airadar

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// Serve runs every pipeline on the configured cron schedule until ctx is
// cancelled. A run that is still going when the next one is due is skipped.
func Serve(ctx context.Context, settings *Settings) error {
	loc, err := time.LoadLocation(settings.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	logger := cron.PrintfLogger(log.Default())
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err = c.AddFunc(settings.Schedule.Cron, func() {
		if err := RunPipelines(ctx, settings, nil, Today(loc)); err != nil {
			log.Error("scheduled run finished with errors", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", settings.Schedule.Cron, err)
	}

	c.Start()
	next := c.Entries()[0].Next
	log.Info("⏰ scheduler started", "cron", settings.Schedule.Cron, "timezone", loc, "next", next.Format(time.DateTime))

	<-ctx.Done()
	log.Info("stopping scheduler, waiting for running pipelines")
	<-c.Stop().Done()
	return nil
}
