package discovery

import (
	"context"
	"crypto/sha256"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
	"github.com/ceagles/receipt-tracker/internal/resilience"
	"github.com/ceagles/receipt-tracker/internal/signal"
)

// Config shapes window enumeration and listing fetches.
type Config struct {
	// WindowDays is the width of each window. Default: 90.
	WindowDays int `mapstructure:"window_days" yaml:"window_days"`
	// ListingURL is the receipts listing. {from}, {to} and {page} are
	// replaced with the window bounds and the 1-based page number.
	ListingURL string `mapstructure:"listing_url" yaml:"listing_url"`
	// DateFormat formats {from} and {to}. Default: 2006-01-02.
	DateFormat string `mapstructure:"date_format" yaml:"date_format"`
	// NextSelectors locate the next-page control. Without {page} in the
	// listing URL the control is clicked; with it, its presence means more
	// pages exist.
	NextSelectors []string `mapstructure:"next_selectors" yaml:"next_selectors"`
	// ReadySelectors signal that the listing has rendered.
	ReadySelectors []string      `mapstructure:"ready_selectors" yaml:"ready_selectors"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	// MaxPages bounds pagination per window. Default: 20.
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages"`
	// FetchRetries is the number of attempts for a transient failure.
	// Default: 3.
	FetchRetries int `mapstructure:"fetch_retries" yaml:"fetch_retries"`
}

// DefaultConfig returns the listing layout of the warehouse club orders page.
func DefaultConfig() Config {
	return Config{
		WindowDays: 90,
		ListingURL: "https://www.costco.com/myaccount/#/app/4900eb1f-0c10-4bd9-99c3-c59e6c1ecebf/ordersandpurchases",
		DateFormat: model.DateLayout,
		NextSelectors: []string{
			`button[aria-label*="next" i]`,
			`a[aria-label*="next" i]`,
			`.pagination-next`,
			`.next-page`,
		},
		ReadySelectors: []string{
			`.receipt`,
			`.transaction`,
			`.order-item`,
			`.purchase-item`,
			`[data-testid*="receipt"]`,
			`[data-testid*="order"]`,
			`.order-row`,
			`.transaction-row`,
		},
		ReadyTimeout: 15 * time.Second,
		MaxPages:     20,
		FetchRetries: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowDays <= 0 {
		c.WindowDays = def.WindowDays
	}
	if c.ListingURL == "" {
		c.ListingURL = def.ListingURL
	}
	if c.DateFormat == "" {
		c.DateFormat = def.DateFormat
	}
	if len(c.NextSelectors) == 0 {
		c.NextSelectors = def.NextSelectors
	}
	if len(c.ReadySelectors) == 0 {
		c.ReadySelectors = def.ReadySelectors
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	if c.FetchRetries <= 0 {
		c.FetchRetries = def.FetchRetries
	}
	return c
}

// Engine enumerates windows and fetches their listing pages. It shares the
// page driver with the authenticator and must not be used concurrently.
type Engine struct {
	drv        driver.Driver
	rc         *ratecontrol.Controller
	classifier *signal.Classifier
	cfg        Config
	sleep      ratecontrol.Sleeper
	log        *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSleeper replaces the pacing and backoff sleeper.
func WithSleeper(s ratecontrol.Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithClassifier replaces the default signal classifier.
func WithClassifier(c *signal.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// New creates an Engine.
func New(drv driver.Driver, rc *ratecontrol.Controller, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		drv:        drv,
		rc:         rc,
		classifier: signal.NewClassifier(),
		cfg:        cfg.withDefaults(),
		sleep:      ratecontrol.Sleep,
		log:        zap.L().With(zap.String("component", "discovery.engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enumerate yields the windows of r, most recent first.
func (e *Engine) Enumerate(r Range) iter.Seq[model.Window] {
	return Windows(r, e.cfg.WindowDays)
}

// Fetch retrieves every listing page of w. A window the target reports as
// empty comes back with NotFound set and a nil error. Failures are
// *FetchError; transient ones are retried with rate-controlled backoff
// before being returned.
func (e *Engine) Fetch(ctx context.Context, w model.Window) (*model.RawContent, error) {
	retry := resilience.RetryConfig{
		MaxAttempts: e.cfg.FetchRetries,
		Backoff:     e.rc.Backoff,
		Sleep:       e.sleep,
		ShouldRetry: func(err error) bool { return KindOf(err) == KindTransientFetch },
		OnRetry:     resilience.RetryLogger("discovery.engine", "fetch "+w.Key()),
	}
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.RawContent, error) {
		return e.fetchOnce(ctx, w)
	})
}

func (e *Engine) fetchOnce(ctx context.Context, w model.Window) (*model.RawContent, error) {
	log := e.log.With(zap.String("window", w.Key()))
	raw := &model.RawContent{Window: w}
	templated := strings.Contains(e.cfg.ListingURL, "{page}")
	seen := make(map[[sha256.Size]byte]bool)

	for n := 1; n <= e.cfg.MaxPages; n++ {
		snap, more, err := e.load(ctx, w, n, templated)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}

		m := e.classifier.Classify(signal.PageOf(snap))
		switch {
		case m.Is(signal.ClassBlocked):
			e.rc.RecordOutcome(ratecontrol.ActionFetch, false, ratecontrol.SignalDetection)
			return nil, &FetchError{Kind: KindBlocked, Window: w, Rule: m.Rule}
		case m.Is(signal.ClassThrottled):
			e.rc.RecordOutcome(ratecontrol.ActionFetch, false, ratecontrol.SignalThrottle)
			return nil, &FetchError{Kind: KindTransientFetch, Window: w, Rule: m.Rule}
		case m.Is(signal.ClassAuthExpired), m.Is(signal.ClassChallenge):
			e.rc.RecordOutcome(ratecontrol.ActionFetch, true, ratecontrol.SignalNone)
			return nil, &FetchError{Kind: KindAuthExpired, Window: w, Rule: m.Rule}
		case snap.Status >= http.StatusInternalServerError:
			e.rc.RecordOutcome(ratecontrol.ActionFetch, false, ratecontrol.SignalNone)
			return nil, &FetchError{Kind: KindTransientFetch, Window: w,
				Err: resilience.NewTransientError(eris.Errorf("status %d", snap.Status), snap.Status)}
		}
		e.rc.RecordOutcome(ratecontrol.ActionFetch, true, ratecontrol.SignalNone)

		if m.Is(signal.ClassEmpty) || snap.Status == http.StatusNotFound {
			if n == 1 {
				log.Info("discovery: window has no receipts", zap.String("rule", m.Rule))
				return &model.RawContent{Window: w, NotFound: true}, nil
			}
			break
		}

		sum := sha256.Sum256([]byte(snap.HTML))
		if seen[sum] {
			log.Debug("discovery: page repeated, stopping pagination", zap.Int("page", n))
			break
		}
		seen[sum] = true
		raw.Pages = append(raw.Pages, model.Page{
			Number:    n,
			URL:       snap.URL,
			HTML:      snap.HTML,
			FetchedAt: snap.FetchedAt,
		})

		if driver.FirstMatch(snap.HTML, e.cfg.NextSelectors) == "" {
			break
		}
		if n == e.cfg.MaxPages {
			log.Warn("discovery: page limit reached", zap.Int("max_pages", e.cfg.MaxPages))
		}
	}

	log.Info("discovery: window fetched", zap.Int("pages", len(raw.Pages)))
	return raw, nil
}

// load brings page n of w into view. more is false when a click-paginated
// listing has no next control left.
func (e *Engine) load(ctx context.Context, w model.Window, n int, templated bool) (*driver.Snapshot, bool, error) {
	var (
		snap *driver.Snapshot
		err  error
	)
	if err := e.pace(ctx, ratecontrol.ActionNavigate); err != nil {
		return nil, false, err
	}
	if n == 1 || templated {
		snap, err = e.drv.Navigate(ctx, e.PageURL(w, n))
	} else {
		var clicked bool
		clicked, err = e.drv.Click(ctx, e.cfg.NextSelectors, e.rc)
		if err == nil && !clicked {
			return nil, false, nil
		}
		if err == nil {
			snap, err = e.drv.Content(ctx)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		e.rc.RecordOutcome(ratecontrol.ActionFetch, false, ratecontrol.SignalNone)
		return nil, false, &FetchError{Kind: KindTransientFetch, Window: w, Err: err}
	}

	if len(e.cfg.ReadySelectors) > 0 && e.cfg.ReadyTimeout > 0 {
		ready, werr := e.drv.WaitFor(ctx, driver.Condition{Selectors: e.cfg.ReadySelectors}, e.cfg.ReadyTimeout)
		switch {
		case werr != nil:
			e.log.Debug("discovery: ready wait failed", zap.Error(werr))
		case ready:
			if cur, cerr := e.drv.Content(ctx); cerr == nil {
				snap = cur
			}
		default:
			e.log.Debug("discovery: no receipt elements rendered, proceeding", zap.Int("page", n))
		}
	}
	return snap, true, nil
}

// PageURL expands the listing template for page n of w.
func (e *Engine) PageURL(w model.Window, n int) string {
	return strings.NewReplacer(
		"{from}", url.QueryEscape(w.Lower.Format(e.cfg.DateFormat)),
		"{to}", url.QueryEscape(w.Upper.Format(e.cfg.DateFormat)),
		"{page}", strconv.Itoa(n),
	).Replace(e.cfg.ListingURL)
}

func (e *Engine) pace(ctx context.Context, class ratecontrol.ActionClass) error {
	return e.sleep(ctx, e.rc.BeforeAction(class))
}
