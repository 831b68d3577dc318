package crawl

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/manifest"
	"github.com/cenkalti/backoff/v4"
)

// Fetcher retrieves the raw markup of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Checker is implemented by fetchers that can probe their endpoint before
// a run.
type Checker interface {
	Check(ctx context.Context) error
}

// Processor turns fetched markup into an article on disk.
type Processor interface {
	Process(ctx context.Context, rec *manifest.Record, raw string) (manifest.Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, rec *manifest.Record, raw string) (manifest.Outcome, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, rec *manifest.Record, raw string) (manifest.Outcome, error) {
	return f(ctx, rec, raw)
}

// Saver persists the manifest. *manifest.Store implements it.
type Saver interface {
	Save(m *manifest.Manifest) error
}

// Config tunes pacing and retries.
type Config struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffFactor   float64
	AntiBotCooldown time.Duration
	MaxCooldowns    int
	DelayMin        time.Duration
	DelayMax        time.Duration
	PauseEvery      int
	PauseDuration   time.Duration
	Force           bool
	Limit           int
}

// DefaultConfig returns the pacing WeChat tolerates.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BackoffBase:     5 * time.Second,
		BackoffFactor:   3,
		AntiBotCooldown: 60 * time.Second,
		MaxCooldowns:    10,
		DelayMin:        2 * time.Second,
		DelayMax:        5 * time.Second,
		PauseEvery:      200,
		PauseDuration:   20 * time.Second,
	}
}

// Summary reports one run.
type Summary struct {
	Total     int
	Done      int
	Reset     int
	Queued    int
	Processed int
	OK        int
	Failed    int
	Elapsed   time.Duration
	Failures  []*manifest.Record
}

// Driver processes queued records sequentially, checkpointing the manifest
// after each one.
type Driver struct {
	fetcher   Fetcher
	processor Processor
	store     Saver
	cfg       Config
	log       logger.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
	now       func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithSleep replaces every wait the driver makes.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = fn }
}

// WithRand replaces the source of the random pacing delay. fn returns a
// value in [0, 1).
func WithRand(fn func() float64) Option {
	return func(d *Driver) { d.randFloat = fn }
}

// WithClock replaces the clock used for elapsed time.
func WithClock(fn func() time.Time) Option {
	return func(d *Driver) { d.now = fn }
}

// NewDriver creates a Driver.
func NewDriver(fetcher Fetcher, processor Processor, store Saver, cfg Config, log logger.Logger, opts ...Option) *Driver {
	d := &Driver{
		fetcher:   fetcher,
		processor: processor,
		store:     store,
		cfg:       cfg,
		log:       log,
		sleep:     sleep,
		randFloat: rand.Float64,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes the queue built from m. An unreachable fetch endpoint is
// returned before any record is touched; every per-record failure is
// recorded on the record instead. A cancelled context stops the run after
// the current record's checkpoint.
func (d *Driver) Run(ctx context.Context, m *manifest.Manifest) (Summary, error) {
	start := d.now()
	summary := Summary{Total: m.Len(), Done: m.Done()}

	if c, ok := d.fetcher.(Checker); ok {
		if err := c.Check(ctx); err != nil {
			return summary, fmt.Errorf("fetch endpoint not reachable: %w", err)
		}
	}

	queue := m.Queue(d.cfg.Force, d.cfg.Limit)
	summary.Queued = len(queue)
	d.log.Info("Starting crawl",
		logger.Int("total", summary.Total),
		logger.Int("done", summary.Done),
		logger.Int("queued", summary.Queued),
	)

	var runErr error
	for idx, rec := range queue {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if idx > 0 && d.cfg.PauseEvery > 0 && idx%d.cfg.PauseEvery == 0 {
			d.log.Info("Pausing", logger.Int("after", idx), logger.Duration("duration", d.cfg.PauseDuration))
			if err := d.sleep(ctx, d.cfg.PauseDuration); err != nil {
				runErr = err
				break
			}
		}

		log := d.log.With(logger.Int("seq", rec.Seq), logger.String("url", rec.URL))
		log.Info("Processing article", logger.Int("index", idx+1), logger.Int("of", len(queue)))

		ok, err := d.processRecord(ctx, rec, log)
		if err != nil {
			runErr = err
			break
		}
		summary.Processed++
		if ok {
			summary.OK++
		} else {
			summary.Failed++
		}

		if err := d.store.Save(m); err != nil {
			log.Error("Failed to save manifest", logger.Error(err))
			rec.AddError(fmt.Sprintf("manifest save failed: %v", err))
		}

		if idx < len(queue)-1 {
			if err := d.sleep(ctx, d.delay()); err != nil {
				runErr = err
				break
			}
		}
	}

	summary.Elapsed = d.now().Sub(start)
	summary.Failures = m.Failed()
	d.log.Info("Crawl complete",
		logger.Int("processed", summary.Processed),
		logger.Int("ok", summary.OK),
		logger.Int("failed", summary.Failed),
		logger.Duration("elapsed", summary.Elapsed),
	)
	return summary, runErr
}

// Retry resets failed records to pending, saves, and runs the queue.
func (d *Driver) Retry(ctx context.Context, m *manifest.Manifest) (Summary, error) {
	n := m.ResetFailed()
	if n == 0 {
		return Summary{Total: m.Len(), Done: m.Done()}, nil
	}
	if err := d.store.Save(m); err != nil {
		return Summary{}, fmt.Errorf("saving manifest: %w", err)
	}
	d.log.Info("Reset failed articles", logger.Int("count", n))

	summary, err := d.Run(ctx, m)
	summary.Reset = n
	return summary, err
}

// processRecord reports whether rec was extracted. A cancelled context
// leaves rec untouched and is returned as the error, so an interrupted
// record is queued again on resume.
func (d *Driver) processRecord(ctx context.Context, rec *manifest.Record, log logger.Logger) (bool, error) {
	raw, err := d.fetch(ctx, rec.URL, log)
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("Interrupted during download, leaving article pending")
		return false, ctxErr
	}
	if err != nil {
		log.Warn("Download failed", logger.Error(err))
		rec.MarkFailed(fmt.Sprintf("download failed: %v", err))
		return false, nil
	}

	outcome, err := d.process(ctx, rec, raw)
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("Interrupted during processing, leaving article pending")
		return false, ctxErr
	}
	if err != nil {
		log.Warn("Extraction failed", logger.Error(err))
		rec.MarkFailed(err.Error())
		return false, nil
	}
	rec.MarkExtracted(outcome)
	log.Info("Article extracted", logger.String("title", rec.Title), logger.String("dir", rec.DirName))
	return true, nil
}

func (d *Driver) process(ctx context.Context, rec *manifest.Record, raw string) (outcome manifest.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
	}()
	return d.processor.Process(ctx, rec, raw)
}

// fetch retries transient failures on an exponential schedule. Anti-bot
// pages trigger a cooldown that does not count against the retry budget.
func (d *Driver) fetch(ctx context.Context, url string, log logger.Logger) (string, error) {
	bo := d.newBackOff()
	cooldowns := 0
	for {
		raw, err := d.fetcher.Fetch(ctx, url)
		if err == nil {
			return raw, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		if errors.Is(err, ErrAntiBot) {
			if d.cfg.MaxCooldowns > 0 && cooldowns >= d.cfg.MaxCooldowns {
				return "", fmt.Errorf("anti-bot page persisted after %d cooldowns", cooldowns)
			}
			cooldowns++
			log.Warn("Anti-bot page detected, cooling down", logger.Duration("cooldown", d.cfg.AntiBotCooldown))
			if err := d.sleep(ctx, d.cfg.AntiBotCooldown); err != nil {
				return "", err
			}
			continue
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return "", fmt.Errorf("giving up after %d retries: %w", d.cfg.MaxRetries, err)
		}
		log.Warn("Fetch failed, backing off", logger.Error(err), logger.Duration("wait", wait))
		if err := d.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

func (d *Driver) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.BackoffBase
	exp.Multiplier = d.cfg.BackoffFactor
	exp.RandomizationFactor = 0
	exp.MaxInterval = 24 * time.Hour
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(max(d.cfg.MaxRetries, 0)))
}

// delay is uniform in [DelayMin, DelayMax].
func (d *Driver) delay() time.Duration {
	lo, hi := d.cfg.DelayMin, d.cfg.DelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(d.randFloat()*float64(hi-lo))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
