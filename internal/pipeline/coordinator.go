// Package pipeline runs one retrieval pass for an account: authenticate,
// walk the discovery windows, extract receipts and store them, deferring
// windows that cannot be completed.
package pipeline

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/auth"
	"github.com/ceagles/receipt-tracker/internal/discovery"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/monitoring"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
	"github.com/ceagles/receipt-tracker/internal/resilience"
	"github.com/ceagles/receipt-tracker/internal/store"
)

// Authenticator yields a validated session.
type Authenticator interface {
	Authenticate(ctx context.Context, cred model.Credential, prior *model.SessionState) (*auth.Session, error)
}

// Sessions loads the stored session for an identity.
type Sessions interface {
	Load(ctx context.Context, identity string) (*model.SessionState, bool)
}

// Discoverer enumerates and fetches windows.
type Discoverer interface {
	Enumerate(r discovery.Range) iter.Seq[model.Window]
	Fetch(ctx context.Context, w model.Window) (*model.RawContent, error)
}

// Extractor turns fetched content into receipts.
type Extractor interface {
	Extract(raw *model.RawContent) iter.Seq[model.Receipt]
}

// Guard is consulted before every window.
type Guard interface {
	Check(ctx context.Context) error
}

// Config tunes the coordinator.
type Config struct {
	// WindowTimeout bounds fetch, extraction and storage of one window.
	WindowTimeout time.Duration `mapstructure:"window_timeout" yaml:"window_timeout"`
	// StoreRetries is the number of attempts to store a whole window.
	StoreRetries int `mapstructure:"store_retries" yaml:"store_retries"`
	// LockoutThreshold is the number of consecutive blocked windows that
	// ends the run with a detection lockout.
	LockoutThreshold int `mapstructure:"lockout_threshold" yaml:"lockout_threshold"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		WindowTimeout:    10 * time.Minute,
		StoreRetries:     3,
		LockoutThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowTimeout <= 0 {
		c.WindowTimeout = def.WindowTimeout
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = def.StoreRetries
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = def.LockoutThreshold
	}
	return c
}

// Request describes one run.
type Request struct {
	Credential model.Credential
	Range      discovery.Range
	// Resume continues below the stored checkpoint instead of starting at
	// Range.Until.
	Resume bool
	// RetryDeferred processes previously deferred windows before the range.
	RetryDeferred bool
}

// Coordinator owns the driver session, rate state and storage for one
// account. It is not safe for concurrent runs.
type Coordinator struct {
	auth     Authenticator
	sessions Sessions
	disc     Discoverer
	ext      Extractor
	store    store.Store
	guard    Guard
	cfg      Config
	sleep    ratecontrol.Sleeper
	log      *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithGuard installs a resource guard.
func WithGuard(g Guard) Option {
	return func(c *Coordinator) { c.guard = g }
}

// WithSleeper replaces the storage retry sleeper.
func WithSleeper(s ratecontrol.Sleeper) Option {
	return func(c *Coordinator) { c.sleep = s }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.nowFunc = now }
}

// New creates a Coordinator.
func New(a Authenticator, sessions Sessions, disc Discoverer, ext Extractor, st store.Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		auth:     a,
		sessions: sessions,
		disc:     disc,
		ext:      ext,
		store:    st,
		cfg:      cfg.withDefaults(),
		sleep:    ratecontrol.Sleep,
		log:      zap.L().With(zap.String("component", "pipeline.coordinator")),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pass is the mutable state of one Run call.
type pass struct {
	req     Request
	report  *model.RunReport
	breaker *resilience.CircuitBreaker
	log     *zap.Logger

	// broken is set once a range window fails; the checkpoint no longer
	// moves after that.
	broken bool
}

func (p *pass) terminate(reason model.TerminalReason, msg string) {
	if p.report.Terminal == model.TerminalNone {
		p.report.Terminal = reason
		p.report.Message = msg
	}
}

func (p *pass) stopped() bool { return p.report.Terminal != model.TerminalNone }

// Run executes one retrieval pass. The returned report is always non-nil
// once the run row exists; terminal outcomes are reported through
// RunReport.Terminal, not as errors.
func (c *Coordinator) Run(ctx context.Context, req Request) (*model.RunReport, error) {
	if err := req.Range.Validate(); err != nil {
		return nil, eris.Wrap(err, "pipeline: invalid range")
	}
	if !req.Credential.Valid() {
		return nil, eris.New("pipeline: credential requires identity and secret")
	}
	identity := req.Credential.Identity

	run, err := c.store.CreateRun(ctx, identity)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	p := &pass{
		req: req,
		report: &model.RunReport{
			RunID:     run.ID,
			Identity:  identity,
			StartedAt: c.nowFunc().UTC(),
		},
		log: c.log.With(zap.String("run_id", run.ID), zap.Object("credential", req.Credential)),
	}
	p.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: c.cfg.LockoutThreshold,
		// A lockout ends the run, so the breaker never half-opens within it.
		ResetTimeout:  24 * time.Hour,
		ShouldTrip:    func(err error) bool { return discovery.KindOf(err) == discovery.KindBlocked },
		OnStateChange: resilience.BreakerLogger("pipeline.fetch"),
	})
	p.log.Info("run started",
		zap.Stringer("range", req.Range),
		zap.Bool("resume", req.Resume),
		zap.Bool("retry_deferred", req.RetryDeferred),
	)

	// The final bookkeeping must land even when ctx is cancelled.
	defer c.finish(context.WithoutCancel(ctx), p)

	prior, _ := c.sessions.Load(ctx, identity)
	sess, err := c.auth.Authenticate(ctx, req.Credential, prior)
	if err != nil {
		c.authFailed(ctx, p, err)
		return p.report, nil
	}
	p.report.Restored = sess.Restored

	done := make(map[string]model.WindowResult)
	for w, fromRange := range c.plan(ctx, p) {
		if prev, ok := done[w.Key()]; ok {
			// A deferred window retried earlier in this pass.
			if fromRange {
				c.advance(ctx, p, w, prev)
			}
			continue
		}
		if ctx.Err() != nil {
			p.terminate(model.TerminalCancelled, "run cancelled; continue with --resume")
			break
		}
		if c.guard != nil {
			if gerr := c.guard.Check(ctx); gerr != nil {
				c.guardStopped(p, gerr)
				break
			}
		}

		res := c.window(ctx, p, w)
		done[w.Key()] = res
		p.report.Windows = append(p.report.Windows, res)
		if fromRange {
			c.advance(ctx, p, w, res)
		}
		if p.stopped() {
			break
		}
	}
	return p.report, nil
}

func (c *Coordinator) authFailed(ctx context.Context, p *pass, err error) {
	var f *auth.Failure
	if errors.As(err, &f) {
		p.terminate(f.Terminal(), f.Message())
	} else if ctx.Err() != nil {
		p.terminate(model.TerminalCancelled, "run cancelled during login")
	} else {
		p.terminate(model.TerminalAuthExhausted, err.Error())
	}
	p.log.Error("authentication failed",
		zap.String("terminal", string(p.report.Terminal)),
		zap.Error(err),
	)
}

func (c *Coordinator) guardStopped(p *pass, err error) {
	switch {
	case errors.Is(err, monitoring.ErrEmergencyStop):
		p.terminate(model.TerminalEmergencyStop, "emergency stop file present; remove it and run with --resume")
	case errors.Is(err, monitoring.ErrResourceExhausted):
		p.terminate(model.TerminalResourceExhausted, "host memory exhausted; free memory and run with --resume")
	default:
		p.terminate(model.TerminalResourceExhausted, err.Error())
	}
	p.log.Warn("resource guard stopped the run", zap.Error(err))
}

// plan yields deferred windows first, when requested, then the range
// windows most recent first. The bool is true for range windows. A window
// may appear in both groups.
func (c *Coordinator) plan(ctx context.Context, p *pass) iter.Seq2[model.Window, bool] {
	identity := p.req.Credential.Identity
	r := p.req.Range

	var deferred []model.Window
	if p.req.RetryDeferred {
		ds, err := c.store.ListDeferred(ctx, identity)
		if err != nil {
			p.log.Warn("could not list deferred windows", zap.Error(err))
		}
		for _, d := range ds {
			deferred = append(deferred, d.Window())
		}
	}

	skipRange := false
	if p.req.Resume {
		cp, err := c.store.GetCheckpoint(ctx, identity)
		switch {
		case err != nil:
			p.log.Warn("could not load checkpoint; starting at the top of the range", zap.Error(err))
		case cp != nil && !cp.Boundary.After(r.Until) && cp.Boundary.After(r.Since):
			r.Until = cp.Boundary.AddDate(0, 0, -1)
			p.log.Info("resuming below checkpoint", zap.Time("boundary", cp.Boundary))
		case cp != nil && !cp.Boundary.After(r.Since):
			skipRange = true
			p.log.Info("checkpoint already covers the range", zap.Time("boundary", cp.Boundary))
		}
	}

	return func(yield func(model.Window, bool) bool) {
		for _, w := range deferred {
			if !yield(w, false) {
				return
			}
		}
		if skipRange {
			return
		}
		for w := range c.disc.Enumerate(r) {
			if !yield(w, true) {
				return
			}
		}
	}
}

// window processes one window to completion or deferral. In-flight work is
// detached from ctx so a cancellation never leaves a window half-stored.
func (c *Coordinator) window(ctx context.Context, p *pass, w model.Window) model.WindowResult {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WindowTimeout)
	defer cancel()

	log := p.log.With(zap.String("window", w.Key()))
	res := model.WindowResult{Window: w.Key()}

	raw, err := c.fetch(wctx, p, w, log)
	if err != nil {
		return c.deferFetch(wctx, p, w, res, err, log)
	}
	res.Pages = len(raw.Pages)
	res.NotFound = raw.NotFound

	receipts := slices.Collect(c.ext.Extract(raw))
	inserted, updated, err := c.storeWindow(wctx, receipts, log)
	if err != nil {
		log.Error("storage failed; deferring window", zap.Error(err))
		p.terminate(model.TerminalStorageUnavailable, "the record store is unavailable; fix it and run with --retry-deferred")
		return c.deferWindow(wctx, p, w, res, model.DeferStorage, err.Error())
	}

	res.Status = model.WindowComplete
	res.Records = len(receipts)
	p.report.Inserted += inserted
	p.report.Updated += updated
	for _, r := range receipts {
		if r.Completeness() == model.Partial {
			p.report.Partial++
		}
		if r.Flagged() {
			p.report.Flagged++
		}
	}
	if err := c.store.ResolveDeferred(wctx, p.req.Credential.Identity, w.Key()); err != nil {
		log.Warn("could not resolve deferral", zap.Error(err))
	}
	log.Info("window complete",
		zap.Int("pages", res.Pages),
		zap.Int("receipts", res.Records),
		zap.Int("inserted", inserted),
		zap.Int("updated", updated),
		zap.Bool("not_found", res.NotFound),
	)
	return res
}

// fetch runs the window fetch through the lockout breaker, re-authenticating
// once when the session has expired.
func (c *Coordinator) fetch(ctx context.Context, p *pass, w model.Window, log *zap.Logger) (*model.RawContent, error) {
	fetch := func(ctx context.Context) (*model.RawContent, error) { return c.disc.Fetch(ctx, w) }

	raw, err := resilience.ExecuteVal(ctx, p.breaker, fetch)
	if discovery.KindOf(err) != discovery.KindAuthExpired {
		return raw, err
	}

	log.Info("session expired; re-authenticating", zap.Error(err))
	if _, aerr := c.auth.Authenticate(ctx, p.req.Credential, nil); aerr != nil {
		c.authFailed(ctx, p, aerr)
		return nil, err
	}
	return resilience.ExecuteVal(ctx, p.breaker, fetch)
}

func (c *Coordinator) deferFetch(ctx context.Context, p *pass, w model.Window, res model.WindowResult, err error, log *zap.Logger) model.WindowResult {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		p.terminate(model.TerminalDetectionLockout, "the provider keeps flagging automated access; wait before running again")
		return c.deferWindow(ctx, p, w, res, model.DeferBlocked, "detection lockout")
	}

	reason := model.DeferTransientFetch
	var fe *discovery.FetchError
	if errors.As(err, &fe) {
		reason = fe.DeferReason()
	}
	log.Warn("fetch failed; deferring window", zap.String("reason", string(reason)), zap.Error(err))
	res = c.deferWindow(ctx, p, w, res, reason, err.Error())

	if reason == model.DeferBlocked && p.breaker.State() == resilience.CircuitOpen {
		p.terminate(model.TerminalDetectionLockout, "the provider keeps flagging automated access; wait before running again")
	}
	return res
}

func (c *Coordinator) deferWindow(ctx context.Context, p *pass, w model.Window, res model.WindowResult, reason model.DeferReason, detail string) model.WindowResult {
	now := c.nowFunc().UTC()
	d := model.Deferral{
		Identity:  p.req.Credential.Identity,
		WindowKey: w.Key(),
		Lower:     w.Lower,
		Upper:     w.Upper,
		Reason:    reason,
		Detail:    detail,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.AddDeferred(ctx, d); err != nil {
		p.log.Warn("could not persist deferral", zap.String("window", d.WindowKey), zap.Error(err))
	}
	p.report.Deferred = append(p.report.Deferred, d)

	res.Status = model.WindowDeferred
	res.Reason = reason
	res.Detail = detail
	return res
}

// storeWindow upserts every receipt, retrying the whole window. Existence
// is checked once per key so retries do not turn inserts into updates.
func (c *Coordinator) storeWindow(ctx context.Context, receipts []model.Receipt, log *zap.Logger) (inserted, updated int, err error) {
	existed := make(map[string]bool, len(receipts))
	err = resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts:    c.cfg.StoreRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Sleep:          c.sleep,
		ShouldRetry:    func(error) bool { return ctx.Err() == nil },
		OnRetry: func(attempt int, err error) {
			log.Warn("retrying window storage", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, func(ctx context.Context) error {
		for _, r := range receipts {
			if _, ok := existed[r.NaturalKey]; !ok {
				found, err := c.store.ReceiptExists(ctx, r.NaturalKey)
				if err != nil {
					return eris.Wrapf(err, "pipeline: check %s", r.NaturalKey)
				}
				existed[r.NaturalKey] = found
			}
			if err := c.store.UpsertReceipt(ctx, r); err != nil {
				return eris.Wrapf(err, "pipeline: upsert %s", r.NaturalKey)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	for _, r := range receipts {
		if existed[r.NaturalKey] {
			updated++
		} else {
			inserted++
		}
	}
	return inserted, updated, nil
}

// advance moves the checkpoint across the contiguous completed prefix of
// range windows.
func (c *Coordinator) advance(ctx context.Context, p *pass, w model.Window, res model.WindowResult) {
	if p.broken {
		return
	}
	if res.Status != model.WindowComplete {
		p.broken = true
		return
	}
	cp := model.Checkpoint{Identity: p.req.Credential.Identity, Boundary: w.Lower, UpdatedAt: c.nowFunc().UTC()}
	if err := c.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		p.log.Warn("could not save checkpoint", zap.Error(err))
		return
	}
	boundary := w.Lower
	p.report.Checkpoint = &boundary
}

func (c *Coordinator) finish(ctx context.Context, p *pass) {
	p.report.FinishedAt = c.nowFunc().UTC()
	if err := c.store.FinishRun(ctx, p.report.RunID, p.report); err != nil {
		p.log.Error("could not record run result", zap.Error(err))
	}
	p.log.Info("run finished",
		zap.String("status", string(p.report.Status())),
		zap.String("terminal", string(p.report.Terminal)),
		zap.Int("windows", len(p.report.Windows)),
		zap.Int("completed", p.report.Completed()),
		zap.Int("inserted", p.report.Inserted),
		zap.Int("updated", p.report.Updated),
		zap.Int("deferred", len(p.report.Deferred)),
	)
}
