package airadar

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed templates/report.html
var reportTemplateText string

//go:embed templates/index.html
var indexTemplateText string

//go:embed templates/styles.css
var cssStyles string

var (
	reportTemplate = template.Must(template.New("report").Parse(reportTemplateText))
	indexTemplate  = template.Must(template.New("index").Parse(indexTemplateText))
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Table,
		extension.Linkify,
		extension.Strikethrough,
	),
	goldmark.WithParserOptions(
		parser.WithAutoHeadingID(),
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
		html.WithXHTML(),
		html.WithUnsafe(),
	),
)

var chineseWeekdays = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// ChineseDate formats date as "2026年4月2日 · 星期四".
func ChineseDate(date time.Time) string {
	return fmt.Sprintf("%d年%d月%d日 · %s", date.Year(), int(date.Month()), date.Day(), chineseWeekdays[date.Weekday()])
}

// RenderReport converts a markdown report into a complete HTML page.
// A leading level-one heading is dropped since the page header shows the title.
func RenderReport(title string, date time.Time, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(dropLeadingHeading(md)), &body); err != nil {
		return nil, fmt.Errorf("failed to convert markdown to HTML: %w", err)
	}

	data := struct {
		Title       string
		Date        string
		DateDisplay string
		Body        template.HTML
		CSS         template.CSS
	}{
		Title:       title,
		Date:        date.Format(time.DateOnly),
		DateDisplay: ChineseDate(date),
		Body:        template.HTML(body.String()),
		CSS:         template.CSS(cssStyles),
	}

	var result bytes.Buffer
	if err := reportTemplate.Execute(&result, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return result.Bytes(), nil
}

func dropLeadingHeading(md string) string {
	md = strings.TrimLeft(md, "\n")
	first, rest, _ := strings.Cut(md, "\n")
	if strings.HasPrefix(first, "# ") {
		return strings.TrimLeft(rest, "\n")
	}
	return md
}

// HTMLPublisher maintains the static HTML archive of reports.
type HTMLPublisher struct {
	Dir string
}

// ReportPath returns the archive path of the report of pipeline on date.
func (p HTMLPublisher) ReportPath(pipeline string, date time.Time) string {
	return filepath.Join(p.Dir, "reports", fmt.Sprintf("%s_%s.html", date.Format(time.DateOnly), pipeline))
}

// Publish renders a report into the archive and refreshes the index.
func (p HTMLPublisher) Publish(pipeline, title string, date time.Time, md string) (string, error) {
	page, err := RenderReport(title, date, md)
	if err != nil {
		return "", err
	}
	path := p.ReportPath(pipeline, date)
	if err := writeFile(path, page); err != nil {
		return "", err
	}
	log.Info("published HTML report", "path", path)

	if err := p.WriteIndex(); err != nil {
		return path, err
	}
	return path, nil
}

type archiveEntry struct {
	File string
	Name string
}

// WriteIndex lists every archived report, newest first.
func (p HTMLPublisher) WriteIndex() error {
	files, err := os.ReadDir(filepath.Join(p.Dir, "reports"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read reports directory: %w", err)
	}

	var reports []archiveEntry
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".html") {
			continue
		}
		reports = append(reports, archiveEntry{
			File: file.Name(),
			Name: strings.TrimSuffix(file.Name(), ".html"),
		})
	}
	slices.SortFunc(reports, func(a, b archiveEntry) int { return strings.Compare(b.File, a.File) })

	var result bytes.Buffer
	data := struct {
		Reports []archiveEntry
		CSS     template.CSS
	}{reports, template.CSS(cssStyles)}
	if err := indexTemplate.Execute(&result, data); err != nil {
		return fmt.Errorf("failed to execute index template: %w", err)
	}
	return writeFile(filepath.Join(p.Dir, "index.html"), result.Bytes())
}

// ReportURL returns the public URL of an archived report under siteURL,
// or "" when no site is configured.
func ReportURL(siteURL, pipeline string, date time.Time) string {
	if siteURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/reports/%s_%s.html", strings.TrimSuffix(siteURL, "/"), date.Format(time.DateOnly), pipeline)
}
