// Package crawl drives fetch, extraction and checkpointing over the pending
// records of a manifest, one record at a time.
package crawl

import (
	"errors"
	"fmt"
	"strings"
)

// Fetch failures. Fetchers wrap one of these so the driver can pick a retry
// policy with errors.Is.
var (
	ErrTimeout   = errors.New("fetch timed out")
	ErrTransport = errors.New("transport error")
	ErrTooShort  = errors.New("content too short")
	ErrAntiBot   = errors.New("anti-bot page detected")
)

// markerWindow is how much of the page prefix is searched for the anti-bot
// marker.
const markerWindow = 3000

// Classify checks fetched markup against the anti-bot marker and the
// minimum acceptable length.
func Classify(html string, minBytes int, marker string) error {
	if marker != "" {
		prefix := html
		if len(prefix) > markerWindow {
			prefix = prefix[:markerWindow]
		}
		if strings.Contains(prefix, marker) {
			return ErrAntiBot
		}
	}
	if len(html) < minBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooShort, len(html))
	}
	return nil
}
