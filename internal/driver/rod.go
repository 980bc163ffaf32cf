package driver

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/resilience"
)

// Rod drives a real Chromium instance over CDP.
type Rod struct {
	opts     Options
	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	status   int
	header   http.Header
	pending  []OriginStorage
	closed   bool
}

// NewRod launches (or connects to, when ControlURL is set) a Chromium browser
// and opens one stealth page with a randomized fingerprint.
func NewRod(ctx context.Context, opts Options) (*Rod, error) {
	opts = opts.withDefaults()
	d := &Rod{opts: opts}

	controlURL := opts.ControlURL
	var proxyUser *url.Userinfo
	if controlURL == "" {
		l := launcher.New().
			Headless(opts.Headless).
			Set("disable-blink-features", "AutomationControlled")
		if opts.Proxy != "" {
			pu, err := url.Parse(opts.Proxy)
			if err != nil {
				return nil, eris.Wrap(err, "driver: parse proxy url")
			}
			proxyUser = pu.User
			l = l.Proxy(pu.Host)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, eris.Wrap(err, "driver: launch chromium")
		}
		d.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		d.cleanupLauncher()
		return nil, eris.Wrap(err, "driver: connect to browser")
	}
	d.browser = b

	if proxyUser != nil {
		pass, _ := proxyUser.Password()
		wait := b.HandleAuth(proxyUser.Username(), pass)
		go func() { _ = wait() }()
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = d.Close()
		return nil, eris.Wrap(err, "driver: open stealth page")
	}
	d.page = page

	if err := d.applyFingerprint(); err != nil {
		_ = d.Close()
		return nil, err
	}
	if opts.BlockAssets {
		router := page.HijackRequests()
		router.MustAdd("*", func(h *rod.Hijack) {
			switch h.Request.Type() {
			case proto.NetworkResourceTypeImage, proto.NetworkResourceTypeFont, proto.NetworkResourceTypeMedia:
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			default:
				h.ContinueRequest(&proto.FetchContinueRequest{})
			}
		})
		go router.Run()
	}

	zap.L().Info("driver: browser ready",
		zap.Bool("headless", opts.Headless),
		zap.Bool("remote", opts.ControlURL != ""),
	)
	return d, nil
}

func (d *Rod) applyFingerprint() error {
	ua := d.opts.UserAgents[rand.IntN(len(d.opts.UserAgents))]
	vp := d.opts.Viewports[rand.IntN(len(d.opts.Viewports))]

	if err := d.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      ua,
		AcceptLanguage: "en-US,en;q=0.9",
	}); err != nil {
		return eris.Wrap(err, "driver: set user agent")
	}
	if err := d.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return eris.Wrap(err, "driver: set viewport")
	}
	if len(d.opts.Timezones) > 0 {
		tz := d.opts.Timezones[rand.IntN(len(d.opts.Timezones))]
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: tz}).Call(d.page); err != nil {
			return eris.Wrap(err, "driver: set timezone")
		}
	}
	return nil
}

// Navigate implements Driver.
func (d *Rod) Navigate(ctx context.Context, target string) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	navCtx, cancel := context.WithTimeout(ctx, d.opts.NavTimeout)
	defer cancel()
	p := d.page.Context(navCtx)

	d.status, d.header = 0, nil
	var respMu sync.Mutex
	listen := p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		h := make(http.Header, len(e.Response.Headers))
		for k, v := range e.Response.Headers {
			h.Set(k, v.String())
		}
		respMu.Lock()
		d.status, d.header = e.Response.Status, h
		respMu.Unlock()
		return true
	})
	go listen()

	if err := p.Navigate(target); err != nil {
		return nil, navError(navCtx, err, "driver: navigate")
	}
	if err := p.WaitLoad(); err != nil {
		return nil, navError(navCtx, err, "driver: wait load")
	}
	if err := d.applyPendingStorage(p); err != nil {
		zap.L().Warn("driver: restore local storage", zap.Error(err))
	}

	respMu.Lock()
	defer respMu.Unlock()
	return d.snapshot(p)
}

// Content implements Driver.
func (d *Rod) Content(ctx context.Context) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.snapshot(d.page.Context(ctx))
}

func (d *Rod) snapshot(p *rod.Page) (*Snapshot, error) {
	info, err := p.Info()
	if err != nil {
		return nil, eris.Wrap(err, "driver: page info")
	}
	html, err := p.HTML()
	if err != nil {
		return nil, eris.Wrap(err, "driver: read html")
	}
	return &Snapshot{
		URL:       info.URL,
		Status:    d.status,
		Header:    d.header.Clone(),
		HTML:      html,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// SubmitForm implements Driver.
func (d *Rod) SubmitForm(ctx context.Context, form Form, pc Pacer) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	navCtx, cancel := context.WithTimeout(ctx, d.opts.NavTimeout)
	defer cancel()
	p := d.page.Context(navCtx)

	scope := func(sel string) string {
		if form.FormSelector == "" {
			return sel
		}
		return form.FormSelector + " " + sel
	}

	var last *rod.Element
	for _, f := range form.Fields {
		el, err := firstElement(p, f.Selectors, scope)
		if err != nil {
			return nil, navError(navCtx, err, "driver: locate field "+f.Name)
		}
		if el == nil {
			return nil, eris.Errorf("driver: field %q not found", f.Name)
		}
		if err := pause(ctx, interaction(pc)); err != nil {
			return nil, err
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, eris.Wrapf(err, "driver: focus field %s", f.Name)
		}
		if err := el.SelectAllText(); err != nil {
			return nil, eris.Wrapf(err, "driver: clear field %s", f.Name)
		}
		for _, r := range f.Value {
			if err := p.InsertText(string(r)); err != nil {
				// The value itself is never included.
				return nil, eris.Wrapf(err, "driver: type into field %s", f.Name)
			}
			if err := pause(ctx, keystroke(pc)); err != nil {
				return nil, err
			}
		}
		last = el
	}

	if err := pause(ctx, interaction(pc)); err != nil {
		return nil, err
	}
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	submit, err := firstElement(p, form.Submit, scope)
	if err != nil {
		return nil, navError(navCtx, err, "driver: locate submit")
	}
	switch {
	case submit != nil:
		if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, eris.Wrap(err, "driver: click submit")
		}
	case last != nil:
		if err := p.Keyboard.Press(input.Enter); err != nil {
			return nil, eris.Wrap(err, "driver: press enter")
		}
	default:
		return nil, eris.New("driver: form has no fields and no submit control")
	}
	wait()
	return d.snapshot(p)
}

// WaitFor implements Driver.
func (d *Rod) WaitFor(ctx context.Context, cond Condition, timeout time.Duration) (bool, error) {
	return Poll(ctx, d.Content, cond, timeout, d.opts.PollEvery)
}

// Click implements Driver.
func (d *Rod) Click(ctx context.Context, selectors []string, pc Pacer) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	p := d.page.Context(ctx)
	el, err := firstElement(p, selectors, nil)
	if err != nil || el == nil {
		return false, err
	}
	if err := pause(ctx, interaction(pc)); err != nil {
		return false, err
	}
	visible, err := el.Visible()
	if err != nil || !visible {
		return false, nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, eris.Wrap(err, "driver: click")
	}
	return true, nil
}

// SessionBlob implements Driver.
func (d *Rod) SessionBlob(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	p := d.page.Context(ctx)

	raw, err := d.browser.GetCookies()
	if err != nil {
		return nil, eris.Wrap(err, "driver: read cookies")
	}
	state := StorageState{Cookies: make([]Cookie, 0, len(raw))}
	for _, c := range raw {
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			ck.Expires = c.Expires.Time().UTC()
		}
		state.Cookies = append(state.Cookies, ck)
	}

	if info, err := p.Info(); err == nil {
		if origin := originOf(info.URL); origin != "" {
			obj, err := p.Eval(`() => JSON.stringify(Object.assign({}, window.localStorage))`)
			if err == nil {
				var ls map[string]string
				if json.Unmarshal([]byte(obj.Value.Str()), &ls) == nil && len(ls) > 0 {
					state.Origins = append(state.Origins, OriginStorage{Origin: origin, LocalStorage: ls})
				}
			}
		}
	}
	return state.Encode()
}

// RestoreSession implements Driver. Cookies are installed immediately;
// localStorage is applied the next time the page lands on its origin.
func (d *Rod) RestoreSession(ctx context.Context, blob []byte) error {
	state, err := DecodeStorageState(blob)
	if err != nil {
		return err
	}
	state = state.Live(time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(float64(c.Expires.UnixNano()) / float64(time.Second))
		}
		params = append(params, p)
	}
	if err := d.browser.Context(ctx).SetCookies(params); err != nil {
		return eris.Wrap(err, "driver: set cookies")
	}
	d.pending = state.Origins
	return nil
}

// ClearSession implements Driver. It drops all browser cookies, the current
// origin's storage and any storage still waiting to be restored.
func (d *Rod) ClearSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.browser.Context(ctx).SetCookies(nil); err != nil {
		return eris.Wrap(err, "driver: clear cookies")
	}
	d.pending = nil
	if _, err := d.page.Context(ctx).Eval(`() => { try { localStorage.clear(); sessionStorage.clear() } catch (e) {} }`); err != nil {
		return eris.Wrap(err, "driver: clear storage")
	}
	return nil
}

func (d *Rod) applyPendingStorage(p *rod.Page) error {
	if len(d.pending) == 0 {
		return nil
	}
	info, err := p.Info()
	if err != nil {
		return eris.Wrap(err, "driver: page info")
	}
	origin := originOf(info.URL)
	rest := d.pending[:0]
	for _, o := range d.pending {
		if o.Origin != origin {
			rest = append(rest, o)
			continue
		}
		if _, err := p.Eval(`(items) => { for (const [k, v] of Object.entries(items)) localStorage.setItem(k, v) }`, o.LocalStorage); err != nil {
			return eris.Wrap(err, "driver: set local storage")
		}
	}
	d.pending = rest
	return nil
}

// Close implements Driver.
func (d *Rod) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var err error
	if d.page != nil {
		_ = d.page.Close()
	}
	if d.browser != nil {
		if cerr := d.browser.Close(); cerr != nil {
			err = eris.Wrap(cerr, "driver: close browser")
		}
	}
	d.cleanupLauncher()
	return err
}

func (d *Rod) cleanupLauncher() {
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
}

// firstElement returns the first element present for any selector without
// waiting, or nil.
func firstElement(p *rod.Page, selectors []string, scope func(string) string) (*rod.Element, error) {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if scope != nil {
			sel = scope(sel)
		}
		has, el, err := p.Has(sel)
		if err != nil {
			return nil, err
		}
		if has {
			return el, nil
		}
	}
	return nil, nil
}

func navError(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil || strings.Contains(err.Error(), "net::ERR_") {
		return resilience.NewTransientError(eris.Wrap(err, msg), 0)
	}
	return eris.Wrap(err, msg)
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
