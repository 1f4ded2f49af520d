package airadar

import (
	"context"

	"github.com/spf13/cobra"
)

// GenerateHTMLCmd: reads data/reports, saves docs/reports/{date}_{pipeline}.html and docs/index.html
var GenerateHTMLCmd = &cobra.Command{
	Use:   "generate-html [pipeline...]",
	Short: "Generate HTML versions of reports and the archive index",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, false, (*Pipeline).GenerateHTML)
	},
}

// GenerateHTML publishes the report into the HTML archive.
func (p *Pipeline) GenerateHTML(_ context.Context) error {
	report, err := p.loadReport()
	if err != nil {
		return err
	}
	_, err = HTMLPublisher{Dir: docsDir()}.Publish(p.Name, p.Settings.Title, p.Date, report)
	return err
}
