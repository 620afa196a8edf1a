// Package timesync computes countdowns against the server's clock.
//
// Frames that carry server_time_epoch let the client measure how far its
// own clock is from the server's. Every countdown then uses local now plus
// that offset, so a skewed device still shows the auction end the server
// enforces. Epochs are Unix seconds and may be fractional.
package timesync

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrNoEndTime is returned when neither an end epoch nor an end time is known.
var ErrNoEndTime = errors.New("no end time")

// Offset is server time minus local time.
type Offset struct {
	d     time.Duration
	known bool
}

// NewOffset measures the offset from a server epoch observed at localNow.
func NewOffset(serverEpoch float64, localNow time.Time) Offset {
	return Offset{d: EpochToTime(serverEpoch).Sub(localNow), known: true}
}

// Duration returns the offset; zero when unknown.
func (o Offset) Duration() time.Duration {
	return o.d
}

// Seconds returns the offset in (fractional) seconds.
func (o Offset) Seconds() float64 {
	return o.d.Seconds()
}

// Known reports whether the offset was measured.
func (o Offset) Known() bool {
	return o.known
}

// Apply converts a local instant to server time.
func (o Offset) Apply(local time.Time) time.Time {
	return local.Add(o.d)
}

// EpochToTime converts Unix seconds (fractional allowed) to a time.
func EpochToTime(epoch float64) time.Time {
	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// TimeToEpoch converts a time to Unix seconds.
func TimeToEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Remaining returns end minus server-now, floored at zero.
func Remaining(end time.Time, offset Offset, localNow time.Time) time.Duration {
	d := end.Sub(offset.Apply(localNow))
	if d < 0 {
		return 0
	}
	return d
}

// RemainingEpoch is Remaining for an end given in Unix seconds.
func RemainingEpoch(endEpoch float64, offset Offset, localNow time.Time) time.Duration {
	return Remaining(EpochToTime(endEpoch), offset, localNow)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseEndTime parses an ISO-8601 end time. Strings without a zone are
// taken as UTC.
func ParseEndTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrNoEndTime
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse end time %q: unrecognised format", s)
}

// Source is a clock corrected by the last measured server offset. It is
// safe for concurrent use.
type Source struct {
	clock clock.Clock

	mu     sync.RWMutex
	offset Offset
}

// NewSource creates a Source; nil uses the wall clock.
func NewSource(clk clock.Clock) *Source {
	if clk == nil {
		clk = clock.New()
	}
	return &Source{clock: clk}
}

// Observe records a server epoch and returns the new offset.
func (s *Source) Observe(serverEpoch float64) Offset {
	o := NewOffset(serverEpoch, s.clock.Now())
	s.mu.Lock()
	s.offset = o
	s.mu.Unlock()
	return o
}

// Offset returns the current offset.
func (s *Source) Offset() Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Now returns the local time corrected to server time.
func (s *Source) Now() time.Time {
	return s.Offset().Apply(s.clock.Now())
}

// Remaining returns the countdown to end.
func (s *Source) Remaining(end time.Time) time.Duration {
	return Remaining(end, s.Offset(), s.clock.Now())
}

// RemainingEpoch returns the countdown to an end epoch.
func (s *Source) RemainingEpoch(endEpoch float64) time.Duration {
	return RemainingEpoch(endEpoch, s.Offset(), s.clock.Now())
}

// Countdown is a remaining duration split for display.
type Countdown struct {
	Days    int
	Hours   int
	Minutes int
	Seconds int
	Ended   bool
}

// Split breaks d into whole days, hours, minutes and seconds.
func Split(d time.Duration) Countdown {
	if d <= 0 {
		return Countdown{Ended: true}
	}
	total := int(d / time.Second)
	return Countdown{
		Days:    total / 86400,
		Hours:   total % 86400 / 3600,
		Minutes: total % 3600 / 60,
		Seconds: total % 60,
	}
}

// String renders the countdown compactly, e.g. "2d 03h 04m 05s".
func (c Countdown) String() string {
	if c.Ended {
		return "ended"
	}
	if c.Days > 0 {
		return fmt.Sprintf("%dd %02dh %02dm %02ds", c.Days, c.Hours, c.Minutes, c.Seconds)
	}
	if c.Hours > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", c.Hours, c.Minutes, c.Seconds)
	}
	return fmt.Sprintf("%dm %02ds", c.Minutes, c.Seconds)
}
