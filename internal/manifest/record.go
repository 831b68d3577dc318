// Package manifest holds the persisted, mergeable crawl state: one record
// per article URL, in canonical URL order.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Status is the crawl state of one article.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDownloaded Status = "downloaded"
	StatusExtracted  Status = "extracted"
	StatusFailed     Status = "failed"
)

// Done reports whether s is a terminal-success state.
func (s Status) Done() bool {
	return s == StatusDownloaded || s == StatusExtracted
}

// Record is the crawl state of a single article. Extra carries
// provider-specific keys verbatim so they survive a load/save cycle.
type Record struct {
	Seq         int      `json:"seq"`
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Status      Status   `json:"status"`
	DirName     string   `json:"dir_name"`
	Errors      []string `json:"errors"`
	Author      string   `json:"author,omitempty"`
	PublishTime string   `json:"publish_time,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// NewRecord returns a pending record for url.
func NewRecord(seq int, url string) *Record {
	return &Record{
		Seq:    seq,
		URL:    url,
		Status: StatusPending,
		Errors: []string{},
	}
}

// Outcome is what a successful processing pass learned about an article.
type Outcome struct {
	Title       string
	DirName     string
	Author      string
	PublishTime string
	Errors      []string
}

// MarkExtracted records a successful pass. The pass's non-fatal errors
// replace any earlier ones, so a clean pass leaves none.
func (r *Record) MarkExtracted(o Outcome) {
	r.Status = StatusExtracted
	if o.Title != "" {
		r.Title = o.Title
	}
	r.DirName = o.DirName
	r.Author = o.Author
	r.PublishTime = o.PublishTime
	r.Errors = append([]string{}, o.Errors...)
}

// MarkFailed moves the record to failed and appends msg.
func (r *Record) MarkFailed(msg string) {
	r.Status = StatusFailed
	r.AddError(msg)
}

// AddError appends msg without changing the status.
func (r *Record) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// Reset moves a failed record back to pending and clears its errors.
func (r *Record) Reset() {
	r.Status = StatusPending
	r.Errors = []string{}
}

// ExtraString returns the provider-specific key as a string, if present.
func (r *Record) ExtraString(key string) (string, bool) {
	raw, ok := r.Extra[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// SetExtra stores a provider-specific key.
func (r *Record) SetExtra(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding extra %q: %w", key, err)
	}
	if r.Extra == nil {
		r.Extra = make(map[string]json.RawMessage)
	}
	r.Extra[key] = raw
	return nil
}

// Label is a short human name for log lines and reports.
func (r *Record) Label() string {
	if r.Title != "" {
		return r.Title
	}
	if len(r.URL) > 60 {
		return r.URL[:60]
	}
	return r.URL
}

type recordFields Record

var knownKeys = map[string]struct{}{
	"seq": {}, "url": {}, "title": {}, "status": {}, "dir_name": {},
	"errors": {}, "author": {}, "publish_time": {},
}

// MarshalJSON writes the known fields first, then extras in key order.
func (r Record) MarshalJSON() ([]byte, error) {
	fields := recordFields(r)
	if fields.Errors == nil {
		fields.Errors = []string{}
	}
	base, err := marshalNoEscape(fields)
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		if _, known := knownKeys[k]; !known {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	for _, k := range keys {
		key, err := marshalNoEscape(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(r.Extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the known fields and keeps every other key in Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields recordFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if _, known := knownKeys[k]; known {
			continue
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]json.RawMessage)
		}
		fields.Extra[k] = v
	}
	if fields.Status == "" {
		fields.Status = StatusPending
	}
	if fields.Errors == nil {
		fields.Errors = []string{}
	}
	*r = Record(fields)
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
