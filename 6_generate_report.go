package airadar

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// GenerateReportCmd: reads data/ranked (or data/raw for trending), saves data/reports/{date}_{pipeline}.md
var GenerateReportCmd = &cobra.Command{
	Use:   "generate-report [pipeline...]",
	Short: "Generate the markdown report of pipelines",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, false, (*Pipeline).GenerateReport)
	},
}

// GenerateReport writes the markdown report of the pipeline.
func (p *Pipeline) GenerateReport(ctx context.Context) error {
	prompt, err := LoadPrompt(p.Settings.Generation.PromptFile)
	if err != nil {
		return err
	}
	model, err := p.reportModel()
	if err != nil {
		return err
	}
	writer := &ReportWriter{Model: model}

	var report string
	if p.Settings.IsItemPipeline() {
		var events []Event
		if err := readJSON(p.path(RankedDir, ".json"), &events); err != nil {
			return fmt.Errorf("failed to load ranked events, run rank-events first: %w", err)
		}
		if len(events) == 0 {
			return errors.New("no events to report")
		}
		report, err = writer.EventReport(ctx, prompt, events, p.Date)
	} else {
		collected, loadErr := loadCollected[TrendingItem](p)
		if loadErr != nil {
			return loadErr
		}
		if len(collected.Items) == 0 {
			return errors.New("no trending items to report")
		}
		report, err = writer.TrendingReport(ctx, prompt, collected.Items, p.Date)
	}
	if err != nil {
		return err
	}

	path := p.path(ReportsDir, ".md")
	if err := writeFile(path, []byte(report+"\n")); err != nil {
		return err
	}
	log.Info("📝 report generated", "pipeline", p.Name, "chars", len([]rune(report)), "path", path)
	return nil
}

func (p *Pipeline) loadReport() (string, error) {
	data, err := os.ReadFile(p.path(ReportsDir, ".md"))
	if err != nil {
		return "", fmt.Errorf("failed to read report, run generate-report first: %w", err)
	}
	return string(data), nil
}
