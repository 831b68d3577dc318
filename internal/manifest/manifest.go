package manifest

// Manifest is the ordered record list plus a URL index for O(1) lookup.
// Records without a URL are kept in order but never indexed or queued.
type Manifest struct {
	records []*Record
	byURL   map[string]*Record
}

// New builds a Manifest over records. Later duplicates of a URL are dropped.
func New(records []*Record) *Manifest {
	m := &Manifest{byURL: make(map[string]*Record, len(records))}
	for _, r := range records {
		if r == nil {
			continue
		}
		if r.URL != "" {
			if _, dup := m.byURL[r.URL]; dup {
				continue
			}
			m.byURL[r.URL] = r
		}
		m.records = append(m.records, r)
	}
	return m
}

// Records returns the records in manifest order.
func (m *Manifest) Records() []*Record {
	return m.records
}

// Len returns the number of records.
func (m *Manifest) Len() int {
	return len(m.records)
}

// Get looks a record up by URL.
func (m *Manifest) Get(url string) (*Record, bool) {
	r, ok := m.byURL[url]
	return r, ok
}

// Merge rebuilds the manifest from a fresh canonical URL sequence. Existing
// records keep every field except Seq; unseen URLs become pending records.
// Records whose URL is absent from urls are dropped.
func (m *Manifest) Merge(urls []string) *Manifest {
	merged := make([]*Record, 0, len(urls))
	for idx, url := range urls {
		seq := idx + 1
		if existing, ok := m.byURL[url]; ok {
			existing.Seq = seq
			merged = append(merged, existing)
			continue
		}
		merged = append(merged, NewRecord(seq, url))
	}
	return New(merged)
}

// Queue returns the records to process: those with a URL whose status is
// not terminal-success (unless force), capped to limit when limit > 0.
func (m *Manifest) Queue(force bool, limit int) []*Record {
	var queue []*Record
	for _, r := range m.records {
		if r.URL == "" {
			continue
		}
		if !force && r.Status.Done() {
			continue
		}
		queue = append(queue, r)
		if limit > 0 && len(queue) == limit {
			break
		}
	}
	return queue
}

// ResetFailed moves every failed record back to pending and returns how many
// were reset.
func (m *Manifest) ResetFailed() int {
	n := 0
	for _, r := range m.records {
		if r.Status == StatusFailed {
			r.Reset()
			n++
		}
	}
	return n
}

// Failed returns the failed records in manifest order.
func (m *Manifest) Failed() []*Record {
	var failed []*Record
	for _, r := range m.records {
		if r.Status == StatusFailed {
			failed = append(failed, r)
		}
	}
	return failed
}

// WithErrors returns the records carrying at least one error string.
func (m *Manifest) WithErrors() []*Record {
	var out []*Record
	for _, r := range m.records {
		if len(r.Errors) > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Counts tallies records by status.
func (m *Manifest) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts
}

// Done counts terminal-success records.
func (m *Manifest) Done() int {
	n := 0
	for _, r := range m.records {
		if r.Status.Done() {
			n++
		}
	}
	return n
}
