package airadar

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// SetupLogging configures the package-level logger for command line use.
func SetupLogging(debug bool) {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           log.InfoLevel,
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	log.SetDefault(logger)
}
