// Package driver abstracts the interactive session with the provider's web
// property. A Driver navigates, fills forms, clicks, reads page content and
// exports or restores opaque session state. Two implementations exist: a
// headless/headful Chromium driver built on rod and a plain HTTP driver built
// on resty for providers that do not require script execution.
package driver

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// ErrClosed is returned by any operation on a closed driver.
var ErrClosed = eris.New("driver: closed")

// Snapshot is the observable state of the current page after an action.
type Snapshot struct {
	URL       string
	Status    int
	Header    http.Header
	HTML      string
	FetchedAt time.Time
}

// Field is a single form input. Selectors are tried in order; the first one
// present on the page receives Value.
type Field struct {
	Name      string
	Selectors []string
	Value     string
	// Secret values are never logged or echoed in errors.
	Secret bool
}

// Form describes a login-style form submission.
type Form struct {
	FormSelector string
	Fields       []Field
	// Submit selectors are clicked in order; when none matches, Enter is
	// pressed in the last field.
	Submit []string
}

// Pacer supplies human-like delays between keystrokes and interactions.
type Pacer interface {
	KeystrokeDelay() time.Duration
	InteractionDelay() time.Duration
}

// Driver is the single exclusive browsing session used by a run.
// Implementations serialize their own access; callers never share one driver
// between runs.
type Driver interface {
	// Navigate loads url in the current session and returns the settled page.
	Navigate(ctx context.Context, url string) (*Snapshot, error)
	// Content returns the current page without navigating.
	Content(ctx context.Context) (*Snapshot, error)
	// SubmitForm fills and submits form, pacing input with p when non-nil.
	SubmitForm(ctx context.Context, form Form, p Pacer) (*Snapshot, error)
	// WaitFor polls the current page until cond matches or timeout elapses.
	WaitFor(ctx context.Context, cond Condition, timeout time.Duration) (bool, error)
	// Click activates the first element matching any of selectors. It
	// reports false when nothing matched.
	Click(ctx context.Context, selectors []string, p Pacer) (bool, error)
	// SessionBlob exports the session (cookies and storage) as an opaque blob.
	SessionBlob(ctx context.Context) ([]byte, error)
	// RestoreSession installs a blob produced by SessionBlob.
	RestoreSession(ctx context.Context, blob []byte) error
	// ClearSession drops every cookie and stored value so the next request
	// starts unauthenticated.
	ClearSession(ctx context.Context) error
	Close() error
}

// Options are shared by both driver implementations.
type Options struct {
	Headless    bool
	ControlURL  string
	Proxy       string
	UserAgents  []string
	Viewports   []Viewport
	Timezones   []string
	NavTimeout  time.Duration
	PollEvery   time.Duration
	BlockAssets bool
}

// Viewport is a browser window size.
type Viewport struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// DefaultUserAgents is the user-agent pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15",
}

// DefaultViewports is the viewport pool used when none is configured.
var DefaultViewports = []Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1366, Height: 768},
}

func (o Options) withDefaults() Options {
	if len(o.UserAgents) == 0 {
		o.UserAgents = DefaultUserAgents
	}
	if len(o.Viewports) == 0 {
		o.Viewports = DefaultViewports
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = 45 * time.Second
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 250 * time.Millisecond
	}
	return o
}

func keystroke(p Pacer) time.Duration {
	if p == nil {
		return 0
	}
	return p.KeystrokeDelay()
}

func interaction(p Pacer) time.Duration {
	if p == nil {
		return 0
	}
	return p.InteractionDelay()
}

// pause blocks for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
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
