package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fetch modes
const (
	fetchModeCDP  = "cdp"
	fetchModeHTTP = "http"
)

// RunOptions carries command-line overrides for a crawl or retry run
type RunOptions struct {
	OutputDir string
	CDPPort   string
	Delay     string
	Limit     int
	NoImages  bool
	Force     bool
}

// apply overlays the non-zero options on settings
func (o RunOptions) apply(s *Settings) error {
	if o.OutputDir != "" {
		s.OutputDirectory = o.OutputDir
	}
	if o.CDPPort != "" {
		if _, err := strconv.Atoi(o.CDPPort); err != nil {
			return fmt.Errorf("invalid --cdp-port %q", o.CDPPort)
		}
		s.Fetch.CDPURL = "http://127.0.0.1:" + o.CDPPort
	}
	if o.Delay != "" {
		if _, _, err := parseDelay(o.Delay); err != nil {
			return fmt.Errorf("invalid --delay: %w", err)
		}
		s.Crawl.Delay = o.Delay
	}
	if o.NoImages {
		s.Images.Enabled = false
	}
	return nil
}

// parseDelay parses "2-5" or "3" (seconds) into a delay window
func parseDelay(delay string) (time.Duration, time.Duration, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(delay), "-")
	minSec, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing %q: %w", delay, err)
	}
	maxSec := minSec
	if found {
		maxSec, err = strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing %q: %w", delay, err)
		}
	}
	if minSec < 0 || maxSec < minSec {
		return 0, 0, fmt.Errorf("delay window %q must satisfy 0 <= min <= max", delay)
	}
	return seconds(minSec), seconds(maxSec), nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
