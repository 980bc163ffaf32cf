// Package discovery partitions a date range into windows and fetches the
// listing pages of each window through the page driver.
package discovery

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ceagles/receipt-tracker/internal/model"
)

// Range is an inclusive span of calendar days.
type Range struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Validate checks that the range is ordered and bounded.
func (r Range) Validate() error {
	if r.Since.IsZero() || r.Until.IsZero() {
		return eris.New("discovery: range requires since and until")
	}
	if Day(r.Until).Before(Day(r.Since)) {
		return eris.Errorf("discovery: range until %s is before since %s",
			r.Until.Format(model.DateLayout), r.Since.Format(model.DateLayout))
	}
	return nil
}

func (r Range) String() string {
	return r.Since.Format(model.DateLayout) + ".." + r.Until.Format(model.DateLayout)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Presets lists the names accepted by ParsePreset besides four-digit years.
var Presets = []string{"last-3-months", "last-6-months", "last-12-months"}

// ParsePreset resolves a named range relative to now. Besides the rolling
// presets it accepts a calendar year such as "2023"; the current year is
// clipped at today.
func ParsePreset(name string, now time.Time) (Range, error) {
	today := Day(now)
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "last-3-months":
		return Range{Since: today.AddDate(0, -3, 0), Until: today}, nil
	case "last-6-months":
		return Range{Since: today.AddDate(0, -6, 0), Until: today}, nil
	case "last-12-months":
		return Range{Since: today.AddDate(-1, 0, 0), Until: today}, nil
	}
	if len(name) == 4 {
		if year, err := strconv.Atoi(name); err == nil && year > 1900 {
			if year > today.Year() {
				return Range{}, eris.Errorf("discovery: preset year %d is in the future", year)
			}
			r := Range{
				Since: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
				Until: time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
			}
			if r.Until.After(today) {
				r.Until = today
			}
			return r, nil
		}
	}
	return Range{}, eris.Errorf("discovery: unknown preset %q (want one of %s or a year)", name, strings.Join(Presets, ", "))
}

// Windows partitions r into windows of days calendar days, most recent
// first. The oldest window is clipped at r.Since.
func Windows(r Range, days int) iter.Seq[model.Window] {
	if days <= 0 {
		days = 1
	}
	since, until := Day(r.Since), Day(r.Until)
	return func(yield func(model.Window) bool) {
		for upper := until; !upper.Before(since); {
			lower := upper.AddDate(0, 0, -(days - 1))
			if lower.Before(since) {
				lower = since
			}
			if !yield(model.Window{Lower: lower, Upper: upper}) {
				return
			}
			upper = lower.AddDate(0, 0, -1)
		}
	}
}

// Kind classifies a fetch failure.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindAuthExpired    Kind = "auth_expired"
	KindTransientFetch Kind = "transient_fetch"
	KindBlocked        Kind = "blocked"
)

// FetchError is a classified window fetch failure.
type FetchError struct {
	Kind   Kind
	Window model.Window
	// Rule names the signal rule that produced the classification, if any.
	Rule string
	Err  error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("discovery: fetch %s: %s", e.Window.Key(), e.Kind)
	if e.Rule != "" {
		msg += " (" + e.Rule + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// DeferReason maps the failure kind to the reason recorded for a deferred
// window.
func (e *FetchError) DeferReason() model.DeferReason {
	switch e.Kind {
	case KindBlocked:
		return model.DeferBlocked
	case KindAuthExpired:
		return model.DeferAuthExpired
	default:
		return model.DeferTransientFetch
	}
}

// KindOf returns the kind of a *FetchError anywhere in err's chain, or "".
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
