// Package auth establishes an authenticated session with the provider. It
// prefers restoring a stored session and proving it with a live probe, and
// falls back to a paced credential submission whose outcome is classified
// as success, rejection, challenge or transient failure.
package auth

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/model"
)

// Sentinel reasons carried by *Failure.
var (
	ErrCredentialsRejected    = eris.New("auth: credentials rejected")
	ErrChallengeRequiresHuman = eris.New("auth: challenge requires human")
	ErrTransientAuth          = eris.New("auth: transient failure")
	ErrRetriesExhausted       = eris.New("auth: retries exhausted")
	ErrSessionCapture         = eris.New("auth: session capture failed")
)

// State is a node of the login state machine.
type State string

const (
	StateStart               State = "start"
	StateRestoreAttempted    State = "session_restore_attempted"
	StateSessionValid        State = "session_valid"
	StateSessionInvalid      State = "session_invalid"
	StateCredentialSubmitted State = "credential_submitted"
	StateChallengeDetected   State = "challenge_detected"
	StateLoginSucceeded      State = "login_succeeded"
	StateLoginRejected       State = "login_rejected"
	StateChallengePending    State = "challenge_resolution_pending"
	StateChallengeResolved   State = "challenge_resolved"
	StateChallengeTimedOut   State = "challenge_timed_out"
	StateAuthenticated       State = "authenticated"
	StateFailed              State = "failed"
)

// Outcome classifies one credential attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRejected  Outcome = "rejected"
	OutcomeChallenge Outcome = "challenge"
	OutcomeTransient Outcome = "transient"
)

// Attempt records one credential submission. Attempts live only as long as
// the Authenticate call that produced them.
type Attempt struct {
	Number  int           `json:"number"`
	Outcome Outcome       `json:"outcome"`
	At      time.Time     `json:"at"`
	Backoff time.Duration `json:"backoff,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

// Session is a validated, ready-to-use authenticated session.
type Session struct {
	Identity string
	State    model.SessionState
	// Restored is true when a stored session passed the live probe and no
	// credentials were submitted.
	Restored bool
	Attempts []Attempt
	Trace    []State
}

// Failure is a terminal authentication failure. Reason is one of the
// package sentinels and Err the last underlying cause, if any.
type Failure struct {
	Reason   error
	Attempts []Attempt
	Trace    []State
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Reason.Error() + ": " + f.Err.Error()
	}
	return f.Reason.Error()
}

// Unwrap exposes both the reason and the cause to errors.Is and errors.As.
func (f *Failure) Unwrap() []error {
	if f.Err != nil {
		return []error{f.Reason, f.Err}
	}
	return []error{f.Reason}
}

// Terminal maps the failure to the run's terminal reason.
func (f *Failure) Terminal() model.TerminalReason {
	switch f.Reason {
	case ErrCredentialsRejected:
		return model.TerminalCredentialsRejected
	case ErrChallengeRequiresHuman:
		return model.TerminalRequiresHuman
	case ErrSessionCapture:
		return model.TerminalSessionCapture
	default:
		return model.TerminalAuthExhausted
	}
}

// Message is the actionable text shown to the operator.
func (f *Failure) Message() string {
	switch f.Reason {
	case ErrCredentialsRejected:
		return "the provider rejected the credentials; update account.identity / account.secret"
	case ErrChallengeRequiresHuman:
		return "the provider requires a verification step; run once with browser.mode=headful and auth.challenge_wait set, then complete it by hand"
	case ErrSessionCapture:
		return "login succeeded but the session could not be read back from the browser; check the browser process and run again"
	default:
		return "login kept failing transiently; try again later"
	}
}

// Target describes the provider's login surface. Selector lists are tried
// in order.
type Target struct {
	LoginURL           string   `mapstructure:"login_url" yaml:"login_url"`
	ProbeURL           string   `mapstructure:"probe_url" yaml:"probe_url"`
	FormSelector       string   `mapstructure:"form_selector" yaml:"form_selector"`
	IdentitySelectors  []string `mapstructure:"identity_selectors" yaml:"identity_selectors"`
	SecretSelectors    []string `mapstructure:"secret_selectors" yaml:"secret_selectors"`
	SubmitSelectors    []string `mapstructure:"submit_selectors" yaml:"submit_selectors"`
	ErrorSelectors     []string `mapstructure:"error_selectors" yaml:"error_selectors"`
	ChallengeSelectors []string `mapstructure:"challenge_selectors" yaml:"challenge_selectors"`
	ChallengeText      []string `mapstructure:"challenge_text" yaml:"challenge_text"`
	SuccessSelectors   []string `mapstructure:"success_selectors" yaml:"success_selectors"`
	SuccessText        []string `mapstructure:"success_text" yaml:"success_text"`
	LoginURLMarkers    []string `mapstructure:"login_url_markers" yaml:"login_url_markers"`
	PopupSelectors     []string `mapstructure:"popup_selectors" yaml:"popup_selectors"`
}

// DefaultTarget returns the warehouse club account pages.
func DefaultTarget() Target {
	return Target{
		LoginURL: "https://www.costco.com/LogonForm",
		ProbeURL: "https://www.costco.com/myaccount/#/app/4900eb1f-0c10-4bd9-99c3-c59e6c1ecebf/ordersandpurchases",
		IdentitySelectors: []string{
			`input[type="email"]`,
			`input[name="logonId"]`,
			`input[id="signInName"]`,
			`input[autocomplete="email"]`,
			`input[autocomplete="username"]`,
			`input[placeholder*="email" i]`,
			`input[placeholder*="username" i]`,
		},
		SecretSelectors: []string{
			`input[type="password"]`,
			`input[name="password"]`,
			`input[id="password"]`,
			`input[autocomplete="current-password"]`,
		},
		SubmitSelectors: []string{
			`button[type="submit"]`,
			`input[type="submit"]`,
			`.signin-button`,
			`#signInBtn`,
		},
		ErrorSelectors: []string{
			`.error`,
			`.alert-danger`,
			`.field-validation-error`,
			`[role="alert"]`,
			`.invalid-feedback`,
		},
		ChallengeSelectors: []string{
			`input[placeholder*="code" i]`,
			`input[placeholder*="verification" i]`,
		},
		ChallengeText:    []string{"verification code", "two-factor", "authenticator"},
		SuccessSelectors: []string{`.user-info`, `.account-info`},
		SuccessText:      []string{"sign out", "my account", "logout"},
		LoginURLMarkers:  []string{"login", "signin", "logon"},
		PopupSelectors: []string{
			`.modal-close`,
			`.popup-close`,
			`[aria-label="Close"]`,
			`button.close`,
		},
	}
}

func (t Target) successCondition() driver.Condition {
	return driver.Condition{Selectors: t.SuccessSelectors, TextContains: t.SuccessText}
}

func (t Target) challengeCondition() driver.Condition {
	return driver.Condition{Selectors: t.ChallengeSelectors, TextContains: t.ChallengeText}
}

// settledCondition matches any page the login flow can classify.
func (t Target) settledCondition() driver.Condition {
	var c driver.Condition
	c.Selectors = append(c.Selectors, t.SuccessSelectors...)
	c.Selectors = append(c.Selectors, t.ErrorSelectors...)
	c.Selectors = append(c.Selectors, t.ChallengeSelectors...)
	c.TextContains = append(c.TextContains, t.SuccessText...)
	c.TextContains = append(c.TextContains, t.ChallengeText...)
	return c
}

// Config tunes the login flow.
type Config struct {
	// MaxRetries bounds credential attempts. Default: 3.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// SettleTimeout bounds the wait for a classifiable post-submit page.
	SettleTimeout time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	// ChallengeWait is how long to wait for a human to finish a
	// verification step in a visible browser. Zero disables the hand-off.
	ChallengeWait time.Duration `mapstructure:"challenge_wait" yaml:"challenge_wait"`
	// Interactive is true when the browser window is visible.
	Interactive bool `mapstructure:"-" yaml:"-"`
	// Validity is the advisory lifetime recorded with new sessions.
	Validity time.Duration `mapstructure:"validity" yaml:"validity"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Validity <= 0 {
		c.Validity = 24 * time.Hour
	}
	return c
}
