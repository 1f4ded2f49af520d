package airadar

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// Artefact directories under the data directory.
const (
	RawDir      = "raw"
	EmbeddedDir = "embedded"
	ClustersDir = "clusters"
	EventsDir   = "events"
	RankedDir   = "ranked"
	ReportsDir  = "reports"
)

// dataDir returns the configured data directory.
func dataDir() string {
	return cmp.Or(Config.DataDir, "data")
}

// docsDir returns the configured HTML archive directory.
func docsDir() string {
	return cmp.Or(Config.DocsDir, "docs")
}

// configDir returns the configured settings directory.
func configDir() string {
	return cmp.Or(Config.ConfigDir, "config")
}

// artefactPath returns data/{dir}/{date}_{pipeline}{ext}.
func artefactPath(dir, pipeline string, date time.Time, ext string) string {
	return filepath.Join(dataDir(), dir, fmt.Sprintf("%s_%s%s", date.Format(time.DateOnly), pipeline, ext))
}

// eventStore returns the historical event store in the data directory.
func eventStore() FileEventStore {
	return FileEventStore{Dir: filepath.Join(dataDir(), EventsDir)}
}

// writeJSON writes v to path as indented JSON without HTML escaping,
// creating parent directories as needed.
func writeJSON(path string, v any) error {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, buffer.Bytes())
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON decodes the JSON file at path into v. A missing file returns an
// error wrapping fs.ErrNotExist.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// CleanArtefacts removes the intermediate artefacts of every pipeline.
// Events and reports are kept, since history dedup and the archive read them.
func CleanArtefacts() error {
	var removed int
	for _, dir := range []string{RawDir, EmbeddedDir, ClustersDir, RankedDir} {
		path := filepath.Join(dataDir(), dir)
		files, err := os.ReadDir(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(path, file.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", file.Name(), err)
			}
			removed++
		}
	}
	log.Info("🧹 cleaned intermediate artefacts", "files", removed)
	return nil
}
