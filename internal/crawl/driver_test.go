package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher returns the queued results for each URL in order, then
// succeeds.
type scriptedFetcher struct {
	script map[string][]error
	calls  map[string]int
	checks int
	check  error
}

func newScriptedFetcher(script map[string][]error) *scriptedFetcher {
	return &scriptedFetcher{script: script, calls: make(map[string]int)}
}

func (f *scriptedFetcher) Fetch(_ context.Context, url string) (string, error) {
	n := f.calls[url]
	f.calls[url]++
	if steps := f.script[url]; n < len(steps) && steps[n] != nil {
		return "", steps[n]
	}
	return "<html>" + url + "</html>", nil
}

func (f *scriptedFetcher) Check(context.Context) error {
	f.checks++
	return f.check
}

type countingStore struct {
	saves int
	err   error
	seen  [][]manifest.Status
}

func (s *countingStore) Save(m *manifest.Manifest) error {
	s.saves++
	var statuses []manifest.Status
	for _, r := range m.Records() {
		statuses = append(statuses, r.Status)
	}
	s.seen = append(s.seen, statuses)
	return s.err
}

type sleepLog struct {
	waits []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func okProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, rec *manifest.Record, raw string) (manifest.Outcome, error) {
		return manifest.Outcome{Title: "T" + rec.URL[len(rec.URL)-1:], DirName: fmt.Sprintf("%04d_T", rec.Seq)}, nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DelayMin = 2 * time.Second
	cfg.DelayMax = 4 * time.Second
	return cfg
}

func newTestDriver(f Fetcher, p Processor, s Saver, cfg Config, sl *sleepLog) *Driver {
	return NewDriver(f, p, s, cfg, logger.NewNop(),
		WithSleep(sl.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
}

func manifestOf(urls ...string) *manifest.Manifest {
	return manifest.New(nil).Merge(urls)
}

func TestRunBacksOffThenSucceeds(t *testing.T) {
	f := newScriptedFetcher(map[string][]error{
		"https://a/1": {ErrTimeout, ErrTransport, ErrTooShort},
	})
	sl := &sleepLog{}
	m := manifestOf("https://a/1")

	summary, err := newTestDriver(f, okProcessor(), &countingStore{}, testConfig(), sl).Run(context.Background(), m)

	require.NoError(t, err)
	rec, _ := m.Get("https://a/1")
	assert.Equal(t, manifest.StatusExtracted, rec.Status)
	assert.Empty(t, rec.Errors)
	assert.Equal(t, 4, f.calls["https://a/1"])
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}, sl.waits)
	assert.Equal(t, 1, summary.OK)
}

func TestRunFailsAfterRetryCap(t *testing.T) {
	f := newScriptedFetcher(map[string][]error{
		"https://a/1": {ErrTimeout, ErrTimeout, ErrTimeout, ErrTimeout},
	})
	m := manifestOf("https://a/1", "https://a/2")
	sl := &sleepLog{}

	summary, err := newTestDriver(f, okProcessor(), &countingStore{}, testConfig(), sl).Run(context.Background(), m)

	require.NoError(t, err)
	rec, _ := m.Get("https://a/1")
	assert.Equal(t, manifest.StatusFailed, rec.Status)
	require.Len(t, rec.Errors, 1)
	assert.Contains(t, rec.Errors[0], "giving up after 3 retries")
	assert.Equal(t, 4, f.calls["https://a/1"])

	next, _ := m.Get("https://a/2")
	assert.Equal(t, manifest.StatusExtracted, next.Status, "batch continues past a failure")
	assert.Equal(t, 1, summary.OK)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []*manifest.Record{rec}, summary.Failures)
}

func TestRunAntiBotDoesNotConsumeRetries(t *testing.T) {
	f := newScriptedFetcher(map[string][]error{
		"https://a/1": {ErrAntiBot, ErrTimeout, ErrAntiBot, ErrAntiBot, ErrTimeout, ErrTimeout},
	})
	m := manifestOf("https://a/1")
	sl := &sleepLog{}

	_, err := newTestDriver(f, okProcessor(), &countingStore{}, testConfig(), sl).Run(context.Background(), m)

	require.NoError(t, err)
	rec, _ := m.Get("https://a/1")
	assert.Equal(t, manifest.StatusExtracted, rec.Status)
	assert.Equal(t, 7, f.calls["https://a/1"])
	assert.Equal(t, []time.Duration{
		60 * time.Second,
		5 * time.Second,
		60 * time.Second,
		60 * time.Second,
		15 * time.Second,
		45 * time.Second,
	}, sl.waits)
}

func TestRunAntiBotCooldownsAreCapped(t *testing.T) {
	steps := make([]error, 20)
	for i := range steps {
		steps[i] = ErrAntiBot
	}
	f := newScriptedFetcher(map[string][]error{"https://a/1": steps})
	cfg := testConfig()
	cfg.MaxCooldowns = 2
	m := manifestOf("https://a/1")

	_, err := newTestDriver(f, okProcessor(), &countingStore{}, cfg, &sleepLog{}).Run(context.Background(), m)

	require.NoError(t, err)
	rec, _ := m.Get("https://a/1")
	assert.Equal(t, manifest.StatusFailed, rec.Status)
	assert.Equal(t, []string{"download failed: anti-bot page persisted after 2 cooldowns"}, rec.Errors)
	assert.Equal(t, 3, f.calls["https://a/1"])
}

func TestRunIsolatesProcessorFailures(t *testing.T) {
	f := newScriptedFetcher(nil)
	p := ProcessorFunc(func(_ context.Context, rec *manifest.Record, _ string) (manifest.Outcome, error) {
		switch rec.URL {
		case "https://a/1":
			return manifest.Outcome{}, errors.New("render failed")
		case "https://a/2":
			panic("nil tree")
		}
		return manifest.Outcome{Title: "fine", Errors: []string{"content extraction: note"}}, nil
	})
	m := manifestOf("https://a/1", "https://a/2", "https://a/3")

	summary, err := newTestDriver(f, p, &countingStore{}, testConfig(), &sleepLog{}).Run(context.Background(), m)

	require.NoError(t, err)
	r1, _ := m.Get("https://a/1")
	assert.Equal(t, []string{"render failed"}, r1.Errors)
	r2, _ := m.Get("https://a/2")
	assert.Equal(t, manifest.StatusFailed, r2.Status)
	require.Len(t, r2.Errors, 1)
	assert.True(t, strings.HasPrefix(r2.Errors[0], "panic during processing: nil tree"))
	r3, _ := m.Get("https://a/3")
	assert.Equal(t, manifest.StatusExtracted, r3.Status)
	assert.Equal(t, []string{"content extraction: note"}, r3.Errors)
	assert.Equal(t, 2, summary.Failed)
}

func TestRunCheckpointsAfterEveryRecord(t *testing.T) {
	f := newScriptedFetcher(map[string][]error{
		"https://a/2": {ErrTimeout, ErrTimeout, ErrTimeout, ErrTimeout},
	})
	store := &countingStore{}
	m := manifestOf("https://a/1", "https://a/2", "https://a/3")

	_, err := newTestDriver(f, okProcessor(), store, testConfig(), &sleepLog{}).Run(context.Background(), m)

	require.NoError(t, err)
	assert.Equal(t, [][]manifest.Status{
		{manifest.StatusExtracted, manifest.StatusPending, manifest.StatusPending},
		{manifest.StatusExtracted, manifest.StatusFailed, manifest.StatusPending},
		{manifest.StatusExtracted, manifest.StatusFailed, manifest.StatusExtracted},
	}, store.seen)
}

func TestRunRecordsSaveErrors(t *testing.T) {
	store := &countingStore{err: errors.New("disk full")}
	m := manifestOf("https://a/1")

	_, err := newTestDriver(newScriptedFetcher(nil), okProcessor(), store, testConfig(), &sleepLog{}).Run(context.Background(), m)

	require.NoError(t, err)
	rec, _ := m.Get("https://a/1")
	assert.Equal(t, manifest.StatusExtracted, rec.Status)
	assert.Equal(t, []string{"manifest save failed: disk full"}, rec.Errors)
}

func TestRunResumesOnlyUnfinishedRecords(t *testing.T) {
	m := manifestOf("https://a/1", "https://a/2", "https://a/3", "https://a/4")
	r1, _ := m.Get("https://a/1")
	r1.MarkExtracted(manifest.Outcome{Title: "one"})
	r2, _ := m.Get("https://a/2")
	r2.Status = manifest.StatusDownloaded
	r3, _ := m.Get("https://a/3")
	r3.MarkFailed("download failed")
	f := newScriptedFetcher(nil)

	summary, err := newTestDriver(f, okProcessor(), &countingStore{}, testConfig(), &sleepLog{}).Run(context.Background(), m)

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"https://a/3": 1, "https://a/4": 1}, f.calls)
	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 2, summary.Done)
}

func TestRunForceAndLimit(t *testing.T) {
	m := manifestOf("https://a/1", "https://a/2", "https://a/3")
	r1, _ := m.Get("https://a/1")
	r1.MarkExtracted(manifest.Outcome{Title: "one"})
	cfg := testConfig()
	cfg.Force = true
	cfg.Limit = 2
	f := newScriptedFetcher(nil)

	summary, err := newTestDriver(f, okProcessor(), &countingStore{}, cfg, &sleepLog{}).Run(context.Background(), m)

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"https://a/1": 1, "https://a/2": 1}, f.calls)
	assert.Equal(t, 2, summary.Processed)
}

func TestRunPacing(t *testing.T) {
	cfg := testConfig()
	cfg.PauseEvery = 2
	cfg.PauseDuration = 20 * time.Second
	m := manifestOf("https://a/1", "https://a/2", "https://a/3")
	sl := &sleepLog{}

	_, err := newTestDriver(newScriptedFetcher(nil), okProcessor(), &countingStore{}, cfg, sl).Run(context.Background(), m)

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		3 * time.Second,
		3 * time.Second,
		20 * time.Second,
	}, sl.waits)
}

func TestRunUnreachableEndpointIsFatal(t *testing.T) {
	f := newScriptedFetcher(nil)
	f.check = errors.New("connection refused")
	store := &countingStore{}
	m := manifestOf("https://a/1")

	_, err := newTestDriver(f, okProcessor(), store, testConfig(), &sleepLog{}).Run(context.Background(), m)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch endpoint not reachable")
	assert.Empty(t, f.calls)
	assert.Zero(t, store.saves)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := manifestOf("https://a/1", "https://a/2", "https://a/3")
	p := ProcessorFunc(func(_ context.Context, rec *manifest.Record, _ string) (manifest.Outcome, error) {
		if rec.Seq == 2 {
			cancel()
		}
		return manifest.Outcome{Title: "x"}, nil
	})
	d := newTestDriver(newScriptedFetcher(nil), p, &countingStore{}, testConfig(), &sleepLog{})

	summary, err := d.Run(ctx, m)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, manifest.StatusExtracted, mustGet(t, m, "https://a/1").Status)
	assert.Equal(t, manifest.StatusPending, mustGet(t, m, "https://a/2").Status)
	assert.Equal(t, manifest.StatusPending, mustGet(t, m, "https://a/3").Status)
}

func TestRunLeavesInterruptedRecordPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := manifestOf("https://a/1", "https://a/2")
	// the processor swallows the cancellation, as the image pipeline does
	// for per-image failures, and still reports a result
	p := ProcessorFunc(func(_ context.Context, rec *manifest.Record, _ string) (manifest.Outcome, error) {
		cancel()
		return manifest.Outcome{Title: "half done", DirName: "0001_half_done"}, nil
	})
	store := &countingStore{}
	d := newTestDriver(newScriptedFetcher(nil), p, store, testConfig(), &sleepLog{})

	summary, err := d.Run(ctx, m)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, summary.OK)
	r1 := mustGet(t, m, "https://a/1")
	assert.Equal(t, manifest.StatusPending, r1.Status)
	assert.Empty(t, r1.Title)
	assert.Empty(t, r1.Errors)
	assert.Equal(t, []*manifest.Record{r1, mustGet(t, m, "https://a/2")}, m.Queue(false, 0))
}

func TestRunLeavesRecordPendingWhenCancelledDuringFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := manifestOf("https://a/1")
	f := fetcherFunc(func(context.Context, string) (string, error) {
		cancel()
		return "", fmt.Errorf("%w: connection reset", ErrTransport)
	})
	d := newTestDriver(f, okProcessor(), &countingStore{}, testConfig(), &sleepLog{})

	_, err := d.Run(ctx, m)

	require.ErrorIs(t, err, context.Canceled)
	r1, _ := m.Get("https://a/1")
	assert.Equal(t, manifest.StatusPending, r1.Status)
	assert.Empty(t, r1.Errors)
}

type fetcherFunc func(ctx context.Context, url string) (string, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) (string, error) { return f(ctx, url) }

func mustGet(t *testing.T, m *manifest.Manifest, url string) *manifest.Record {
	t.Helper()
	r, ok := m.Get(url)
	require.True(t, ok)
	return r
}

func TestRetryResetsFailed(t *testing.T) {
	m := manifestOf("https://a/1", "https://a/2")
	r1, _ := m.Get("https://a/1")
	r1.MarkFailed("download failed")
	r2, _ := m.Get("https://a/2")
	r2.MarkExtracted(manifest.Outcome{Title: "two"})
	f := newScriptedFetcher(nil)
	store := &countingStore{}

	summary, err := newTestDriver(f, okProcessor(), store, testConfig(), &sleepLog{}).Retry(context.Background(), m)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reset)
	assert.Equal(t, manifest.StatusExtracted, r1.Status)
	assert.Empty(t, r1.Errors)
	assert.Equal(t, map[string]int{"https://a/1": 1}, f.calls)
	assert.Equal(t, manifest.StatusPending, store.seen[0][0])
}

func TestRetryWithNothingFailed(t *testing.T) {
	m := manifestOf("https://a/1")
	f := newScriptedFetcher(nil)
	store := &countingStore{}

	summary, err := newTestDriver(f, okProcessor(), store, testConfig(), &sleepLog{}).Retry(context.Background(), m)

	require.NoError(t, err)
	assert.Zero(t, summary.Reset)
	assert.Empty(t, f.calls)
	assert.Zero(t, store.saves)
}

func TestClassify(t *testing.T) {
	long := strings.Repeat("x", 1200)

	assert.NoError(t, Classify(long, 1000, "环境异常"))
	assert.ErrorIs(t, Classify("short", 1000, "环境异常"), ErrTooShort)
	assert.ErrorIs(t, Classify("<p>环境异常</p>"+long, 1000, "环境异常"), ErrAntiBot)
	assert.NoError(t, Classify(strings.Repeat("y", 3000)+"环境异常", 1000, "环境异常"), "marker beyond the prefix window is ignored")
	assert.NoError(t, Classify(long, 1000, ""))
}
