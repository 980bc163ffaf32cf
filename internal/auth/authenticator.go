package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
	"github.com/ceagles/receipt-tracker/internal/signal"
)

// SessionStore is the subset of the session store the authenticator writes.
type SessionStore interface {
	Persist(ctx context.Context, state model.SessionState) error
	Invalidate(ctx context.Context, identity string) error
}

// Authenticator drives the login state machine for one account.
type Authenticator struct {
	drv        driver.Driver
	sessions   SessionStore
	rc         *ratecontrol.Controller
	classifier *signal.Classifier
	target     Target
	cfg        Config
	sleep      ratecontrol.Sleeper
	log        *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s ratecontrol.Sleeper) Option {
	return func(a *Authenticator) { a.sleep = s }
}

// WithClassifier replaces the default signal classifier.
func WithClassifier(c *signal.Classifier) Option {
	return func(a *Authenticator) { a.classifier = c }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.nowFunc = now }
}

// New creates an Authenticator.
func New(drv driver.Driver, sessions SessionStore, rc *ratecontrol.Controller, target Target, cfg Config, opts ...Option) *Authenticator {
	a := &Authenticator{
		drv:        drv,
		sessions:   sessions,
		rc:         rc,
		classifier: signal.NewClassifier(),
		target:     target,
		cfg:        cfg.withDefaults(),
		sleep:      ratecontrol.Sleep,
		log:        zap.L().With(zap.String("component", "auth.authenticator")),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// run accumulates the trace and attempts of one Authenticate call.
type run struct {
	trace    []State
	attempts []Attempt
}

func (r *run) enter(s State) { r.trace = append(r.trace, s) }

func (r *run) fail(reason, err error) *Failure {
	r.enter(StateFailed)
	return &Failure{Reason: reason, Attempts: r.attempts, Trace: r.trace, Err: err}
}

// Authenticate returns a validated session for cred. A prior session is
// restored and probed first; credentials are submitted only when it is
// absent or fails the probe. Terminal failures are returned as *Failure.
func (a *Authenticator) Authenticate(ctx context.Context, cred model.Credential, prior *model.SessionState) (*Session, error) {
	if !cred.Valid() {
		return nil, eris.New("auth: credential requires identity and secret")
	}
	log := a.log.With(zap.Object("credential", cred))
	r := &run{}
	r.enter(StateStart)

	if prior != nil && len(prior.Blob) > 0 {
		r.enter(StateRestoreAttempted)
		log.Info("auth: restoring stored session",
			zap.Time("captured_at", prior.CapturedAt),
			zap.Bool("fresh", prior.Fresh(a.nowFunc())),
		)
		ok, err := a.restore(ctx, prior)
		if err != nil && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "auth: cancelled during restore")
		}
		if ok {
			r.enter(StateSessionValid)
			r.enter(StateAuthenticated)
			log.Info("auth: stored session accepted")
			return &Session{Identity: cred.Identity, State: *prior, Restored: true, Trace: r.trace}, nil
		}
		r.enter(StateSessionInvalid)
		log.Info("auth: stored session rejected by probe", zap.Error(err))
		if err := a.sessions.Invalidate(ctx, cred.Identity); err != nil {
			log.Warn("auth: invalidate stale session", zap.Error(err))
		}
		if err := a.drv.ClearSession(ctx); err != nil {
			log.Warn("auth: clear stale session from driver", zap.Error(err))
		}
	}

	var lastErr error
	for n := 1; n <= a.cfg.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "auth: cancelled")
		}
		att := Attempt{Number: n, At: a.nowFunc().UTC()}
		outcome, detail, err := a.attempt(ctx, cred, r)
		att.Outcome, att.Detail = outcome, detail
		log.Info("auth: attempt classified",
			zap.Int("attempt", n),
			zap.Int("max_attempts", a.cfg.MaxRetries),
			zap.String("outcome", string(outcome)),
			zap.String("detail", detail),
		)

		switch outcome {
		case OutcomeSuccess:
			r.attempts = append(r.attempts, att)
			r.enter(StateLoginSucceeded)
			return a.established(ctx, cred, r)

		case OutcomeRejected:
			r.attempts = append(r.attempts, att)
			r.enter(StateLoginRejected)
			return nil, r.fail(ErrCredentialsRejected, eris.New(detail))

		case OutcomeChallenge:
			r.attempts = append(r.attempts, att)
			r.enter(StateChallengeDetected)
			if resolved := a.awaitHuman(ctx, r); resolved {
				return a.established(ctx, cred, r)
			}
			return nil, r.fail(ErrChallengeRequiresHuman, eris.New(detail))
		}

		lastErr = err
		if lastErr == nil {
			lastErr = eris.Wrap(ErrTransientAuth, detail)
		}
		if n < a.cfg.MaxRetries {
			att.Backoff = a.rc.Backoff(n)
			r.attempts = append(r.attempts, att)
			if err := a.sleep(ctx, att.Backoff); err != nil {
				return nil, eris.Wrap(err, "auth: cancelled during backoff")
			}
			continue
		}
		r.attempts = append(r.attempts, att)
	}
	log.Error("auth: retries exhausted", zap.Int("attempts", a.cfg.MaxRetries), zap.Error(lastErr))
	return nil, r.fail(ErrRetriesExhausted, lastErr)
}

// established captures and persists the new session exactly once.
func (a *Authenticator) established(ctx context.Context, cred model.Credential, r *run) (*Session, error) {
	blob, err := a.drv.SessionBlob(ctx)
	if err != nil {
		return nil, r.fail(ErrSessionCapture, eris.Wrap(err, "auth: capture session"))
	}
	state := model.SessionState{
		Identity:   cred.Identity,
		Blob:       blob,
		CapturedAt: a.nowFunc().UTC(),
		Validity:   a.cfg.Validity,
	}
	if err := a.sessions.Persist(ctx, state); err != nil {
		a.log.Warn("auth: persist session failed, continuing with live session", zap.Error(err))
	}
	r.enter(StateAuthenticated)
	return &Session{Identity: cred.Identity, State: state, Attempts: r.attempts, Trace: r.trace}, nil
}

// restore installs prior and probes it. The error explains a false result.
func (a *Authenticator) restore(ctx context.Context, prior *model.SessionState) (bool, error) {
	if err := a.drv.RestoreSession(ctx, prior.Blob); err != nil {
		return false, eris.Wrap(err, "auth: restore session")
	}
	if err := a.pace(ctx, ratecontrol.ActionNavigate); err != nil {
		return false, err
	}
	snap, err := a.drv.Navigate(ctx, a.target.ProbeURL)
	if err != nil {
		a.rc.RecordOutcome(ratecontrol.ActionNavigate, false, ratecontrol.SignalNone)
		return false, eris.Wrap(err, "auth: probe")
	}
	m := a.classifier.Classify(signal.PageOf(snap))
	switch m.Class {
	case signal.ClassBlocked, signal.ClassThrottled:
		a.rc.RecordOutcome(ratecontrol.ActionNavigate, false, m.RateSignal())
		return false, eris.Errorf("auth: probe hit %s (%s)", m.Class, m.Rule)
	case signal.ClassChallenge, signal.ClassAuthExpired:
		a.rc.RecordOutcome(ratecontrol.ActionNavigate, true, ratecontrol.SignalNone)
		return false, eris.Errorf("auth: probe landed on %s (%s)", m.Class, m.Rule)
	}
	a.rc.RecordOutcome(ratecontrol.ActionNavigate, true, ratecontrol.SignalNone)
	if a.onLoginPage(snap) {
		return false, eris.New("auth: probe redirected to login")
	}
	return true, nil
}

// attempt performs one fresh navigation, form fill and classification.
func (a *Authenticator) attempt(ctx context.Context, cred model.Credential, r *run) (Outcome, string, error) {
	if err := a.pace(ctx, ratecontrol.ActionNavigate); err != nil {
		return OutcomeTransient, "cancelled", err
	}
	snap, err := a.drv.Navigate(ctx, a.target.LoginURL)
	if err != nil {
		a.rc.RecordOutcome(ratecontrol.ActionNavigate, false, ratecontrol.SignalNone)
		return OutcomeTransient, "login page unavailable", eris.Wrap(err, "auth: open login page")
	}
	if m := a.classifier.Classify(signal.PageOf(snap)); m.Is(signal.ClassBlocked) || m.Is(signal.ClassThrottled) {
		a.rc.RecordOutcome(ratecontrol.ActionNavigate, false, m.RateSignal())
		return OutcomeTransient, "login page " + string(m.Class) + ": " + m.Rule, nil
	}
	a.rc.RecordOutcome(ratecontrol.ActionNavigate, true, ratecontrol.SignalNone)

	if a.alreadyLoggedIn(snap) {
		return OutcomeSuccess, "already logged in", nil
	}
	a.dismissPopups(ctx)

	form := driver.Form{
		FormSelector: a.target.FormSelector,
		Fields: []driver.Field{
			{Name: "identity", Selectors: a.target.IdentitySelectors, Value: cred.Identity},
			{Name: "secret", Selectors: a.target.SecretSelectors, Value: cred.Secret, Secret: true},
		},
		Submit: a.target.SubmitSelectors,
	}
	if err := a.pace(ctx, ratecontrol.ActionSubmit); err != nil {
		return OutcomeTransient, "cancelled", err
	}
	snap, err = a.drv.SubmitForm(ctx, form, a.rc)
	if err != nil {
		a.rc.RecordOutcome(ratecontrol.ActionSubmit, false, ratecontrol.SignalNone)
		return OutcomeTransient, "submit failed", eris.Wrap(err, "auth: submit credentials")
	}
	r.enter(StateCredentialSubmitted)

	if a.cfg.SettleTimeout > 0 {
		if _, err := a.drv.WaitFor(ctx, a.target.settledCondition(), a.cfg.SettleTimeout); err == nil {
			if cur, err := a.drv.Content(ctx); err == nil {
				snap = cur
			}
		}
	}
	outcome, detail, sig := a.classify(snap)
	a.rc.RecordOutcome(ratecontrol.ActionSubmit, outcome != OutcomeTransient, sig)
	return outcome, detail, nil
}

// classify maps a post-submit page to an outcome: detection signals first,
// then challenges, explicit errors and success markers.
func (a *Authenticator) classify(snap *driver.Snapshot) (Outcome, string, ratecontrol.Signal) {
	m := a.classifier.Classify(signal.PageOf(snap))
	switch m.Class {
	case signal.ClassBlocked, signal.ClassThrottled:
		return OutcomeTransient, string(m.Class) + ": " + m.Rule, m.RateSignal()
	case signal.ClassChallenge:
		return OutcomeChallenge, "verification required: " + m.Rule, ratecontrol.SignalNone
	}
	if a.target.challengeCondition().Matches(snap) {
		return OutcomeChallenge, "verification required", ratecontrol.SignalNone
	}
	if msg := errorText(snap.HTML, a.target.ErrorSelectors); msg != "" {
		return OutcomeRejected, msg, ratecontrol.SignalNone
	}
	if snap.Status == http.StatusUnauthorized {
		return OutcomeRejected, "status 401", ratecontrol.SignalNone
	}
	if a.target.successCondition().Matches(snap) && !a.hasSecretField(snap) {
		return OutcomeSuccess, "success marker", ratecontrol.SignalNone
	}
	if !a.onLoginPage(snap) {
		return OutcomeSuccess, "left login page", ratecontrol.SignalNone
	}
	return OutcomeTransient, "login status unclear", ratecontrol.SignalNone
}

// awaitHuman hands a challenge to the operator when the browser is visible.
func (a *Authenticator) awaitHuman(ctx context.Context, r *run) bool {
	if a.cfg.ChallengeWait <= 0 || !a.cfg.Interactive {
		return false
	}
	r.enter(StateChallengePending)
	a.log.Warn("auth: verification required, complete it in the browser window",
		zap.Duration("wait", a.cfg.ChallengeWait))
	ok, err := a.drv.WaitFor(ctx, a.target.successCondition(), a.cfg.ChallengeWait)
	if err != nil || !ok {
		r.enter(StateChallengeTimedOut)
		return false
	}
	r.enter(StateChallengeResolved)
	return true
}

func (a *Authenticator) alreadyLoggedIn(snap *driver.Snapshot) bool {
	return !a.hasSecretField(snap) && a.target.successCondition().Matches(snap)
}

func (a *Authenticator) dismissPopups(ctx context.Context) {
	for _, sel := range a.target.PopupSelectors {
		clicked, err := a.drv.Click(ctx, []string{sel}, a.rc)
		if err != nil {
			a.log.Debug("auth: popup dismiss failed", zap.String("selector", sel), zap.Error(err))
			continue
		}
		if clicked {
			a.log.Debug("auth: dismissed popup", zap.String("selector", sel))
		}
	}
}

func (a *Authenticator) hasSecretField(snap *driver.Snapshot) bool {
	return driver.FirstMatch(snap.HTML, a.target.SecretSelectors) != ""
}

func (a *Authenticator) onLoginPage(snap *driver.Snapshot) bool {
	u := strings.ToLower(snap.URL)
	for _, m := range a.target.LoginURLMarkers {
		if m != "" && strings.Contains(u, strings.ToLower(m)) {
			return true
		}
	}
	return a.hasSecretField(snap)
}

func (a *Authenticator) pace(ctx context.Context, class ratecontrol.ActionClass) error {
	return a.sleep(ctx, a.rc.BeforeAction(class))
}

// errorText returns the first non-empty text among selectors, truncated.
func errorText(html string, selectors []string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range selectors {
		var msg string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			msg = strings.Join(strings.Fields(s.Text()), " ")
			return msg == ""
		})
		if msg != "" {
			if r := []rune(msg); len(r) > 200 {
				msg = string(r[:200])
			}
			return msg
		}
	}
	return ""
}
