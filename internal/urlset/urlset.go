// Package urlset turns a URL source into the canonical, deduplicated URL sequence.
package urlset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aktagon/article-archiver/internal/logger"
)

// ErrDuplicate is returned by Append when the URL is already listed.
var ErrDuplicate = errors.New("url already listed")

// IsURL reports whether s looks like an absolute http(s) URL.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Parse resolves source into an ordered URL list. source is either a single
// http(s) URL or a path to a list file (plain text or .csv).
func Parse(source string, log logger.Logger) ([]string, error) {
	source = strings.TrimSpace(source)
	if IsURL(source) {
		return []string{source}, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("opening url list: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(source), ".csv") {
		return ParseCSV(f, log)
	}
	return ParseLines(f, log)
}

// ParseLines reads one URL per line. Blank lines and '#' comments are
// ignored, non-URL lines are skipped with a warning and duplicates keep
// their first position.
func ParseLines(r io.Reader, log logger.Logger) ([]string, error) {
	b := newBuilder(log)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b.add(line, lineNum)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading url list: %w", err)
	}
	return b.urls, nil
}

// ParseCSV reads URLs from the first column of a CSV document. A header row
// whose first cell is "url" is skipped.
func ParseCSV(r io.Reader, log logger.Logger) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}

	startIdx := 0
	if len(records) > 0 && len(records[0]) > 0 && strings.EqualFold(strings.TrimSpace(records[0][0]), "url") {
		startIdx = 1
	}

	b := newBuilder(log)
	for i := startIdx; i < len(records); i++ {
		row := records[i]
		if len(row) == 0 {
			continue
		}
		cell := strings.TrimSpace(row[0])
		if cell == "" || strings.HasPrefix(cell, "#") {
			continue
		}
		b.add(cell, i+1)
	}
	return b.urls, nil
}

type builder struct {
	urls []string
	seen map[string]struct{}
	log  logger.Logger
}

func newBuilder(log logger.Logger) *builder {
	if log == nil {
		log = logger.NewNop()
	}
	return &builder{seen: make(map[string]struct{}), log: log}
}

func (b *builder) add(candidate string, lineNum int) {
	if !IsURL(candidate) {
		preview := candidate
		if len(preview) > 60 {
			preview = preview[:60]
		}
		b.log.Warn("Skipping non-URL line", logger.Int("line", lineNum), logger.String("value", preview))
		return
	}
	if _, ok := b.seen[candidate]; ok {
		return
	}
	b.seen[candidate] = struct{}{}
	b.urls = append(b.urls, candidate)
}

// Append adds url to the plain-text list at path, creating the file and its
// directory when missing.
func Append(path, url string) error {
	url = strings.TrimSpace(url)
	if !IsURL(url) {
		return fmt.Errorf("invalid URL format: %s (must start with http:// or https://)", url)
	}

	var existing []string
	prefix := ""
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		existing, err = ParseLines(strings.NewReader(string(data)), nil)
		if err != nil {
			return err
		}
		if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
			prefix = "\n"
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("reading url list: %w", err)
	}

	for _, u := range existing {
		if u == url {
			return fmt.Errorf("%w: %s", ErrDuplicate, u)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating list directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening url list: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(prefix + url + "\n"); err != nil {
		return fmt.Errorf("writing url list: %w", err)
	}
	return nil
}
