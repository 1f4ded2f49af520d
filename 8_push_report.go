package airadar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// PushReportCmd: reads data/reports, sends them to DingTalk and ServerChan
var PushReportCmd = &cobra.Command{
	Use:   "push-report [pipeline...]",
	Short: "Push reports to the configured webhooks",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, false, (*Pipeline).Push)
	},
}

// Push delivers the report to every pusher configured for the pipeline.
// A failing pusher does not stop the others.
func (p *Pipeline) Push(ctx context.Context) error {
	report, err := p.loadReport()
	if err != nil {
		return err
	}
	pushers := p.pushers()
	if len(pushers) == 0 {
		log.Warn("no push target configured, skipping", "pipeline", p.Name)
		return nil
	}

	title := fmt.Sprintf("%s %s", p.Settings.Title, p.Date.Format(time.DateOnly))
	reportURL := ReportURL(Config.SiteURL, p.Name, p.Date)

	var errs []error
	for _, pusher := range pushers {
		if err := pusher.Push(ctx, title, report, reportURL); err != nil {
			log.Error("push failed", "pipeline", p.Name, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) pushers() []Pusher {
	if p.Pushers != nil {
		return p.Pushers
	}
	var pushers []Pusher
	if env := p.Settings.Push.WebhookEnv; env != "" {
		dingtalk, err := NewDingTalkPusher(os.Getenv(env))
		if err != nil {
			log.Warn("dingtalk push disabled", "env", env, "err", err)
		} else {
			pushers = append(pushers, dingtalk)
		}
	}
	if env := p.Settings.Push.ServerChanEnv; env != "" {
		serverChan, err := NewServerChanPusher(os.Getenv(env))
		if err != nil {
			log.Warn("serverchan push disabled", "env", env, "err", err)
		} else {
			pushers = append(pushers, serverChan)
		}
	}
	return pushers
}
