package model

import (
	"time"
)

// DateLayout is the calendar-day format used for window keys and URLs.
const DateLayout = "2006-01-02"

// Window is a bounded slice of the record space, processed as one unit.
// Lower and Upper are inclusive calendar days.
type Window struct {
	Lower    time.Time `json:"lower"`
	Upper    time.Time `json:"upper"`
	Cursor   string    `json:"cursor,omitempty"`
	Page     int       `json:"page,omitempty"`
	Complete bool      `json:"complete"`
}

// Key identifies the window independently of cursor and completion state.
func (w Window) Key() string {
	return w.Lower.Format(DateLayout) + ".." + w.Upper.Format(DateLayout)
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	day := t.Truncate(24 * time.Hour)
	return !day.Before(w.Lower) && !day.After(w.Upper)
}

// Days returns the number of calendar days covered.
func (w Window) Days() int {
	return int(w.Upper.Sub(w.Lower).Hours()/24) + 1
}

// ParseWindowKey reverses Key.
func ParseWindowKey(key string) (Window, bool) {
	if len(key) != 2*len(DateLayout)+2 || key[len(DateLayout):len(DateLayout)+2] != ".." {
		return Window{}, false
	}
	lower, err := time.Parse(DateLayout, key[:len(DateLayout)])
	if err != nil {
		return Window{}, false
	}
	upper, err := time.Parse(DateLayout, key[len(DateLayout)+2:])
	if err != nil || upper.Before(lower) {
		return Window{}, false
	}
	return Window{Lower: lower, Upper: upper}, true
}

// Page is one fetched listing page of a window.
type Page struct {
	Number    int       `json:"number"`
	URL       string    `json:"url"`
	HTML      string    `json:"-"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RawContent is everything fetched for a window. NotFound marks a window the
// target reports as empty; it is a successful fetch with no pages to parse.
type RawContent struct {
	Window   Window `json:"window"`
	Pages    []Page `json:"pages"`
	NotFound bool   `json:"not_found"`
}

// DeferReason explains why a window was not completed.
type DeferReason string

const (
	DeferBlocked        DeferReason = "blocked"
	DeferTransientFetch DeferReason = "transient_fetch"
	DeferAuthExpired    DeferReason = "auth_expired"
	DeferStorage        DeferReason = "storage_failure"
	DeferCancelled      DeferReason = "cancelled"
)

// Deferral records a window that must be retried by a later pass.
type Deferral struct {
	Identity  string      `json:"identity"`
	WindowKey string      `json:"window"`
	Lower     time.Time   `json:"lower"`
	Upper     time.Time   `json:"upper"`
	Reason    DeferReason `json:"reason"`
	Detail    string      `json:"detail,omitempty"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Window rebuilds the deferred window.
func (d Deferral) Window() Window {
	return Window{Lower: d.Lower, Upper: d.Upper}
}

// Checkpoint is the oldest boundary of the contiguous run of completed
// windows, counted from the most recent one.
type Checkpoint struct {
	Identity  string    `json:"identity"`
	Boundary  time.Time `json:"boundary"`
	UpdatedAt time.Time `json:"updated_at"`
}
