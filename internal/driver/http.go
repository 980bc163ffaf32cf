package driver

import (
	"context"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/ceagles/receipt-tracker/internal/resilience"
)

// maxRedirects bounds the hops followed for one request.
const maxRedirects = 10

// HTTP is a script-less driver. Forms are parsed from the served markup and
// posted directly; clicks follow links. Redirects are followed one hop at a
// time so every hop reads its cookies from the jar as it stands after the
// previous response.
type HTTP struct {
	opts    Options
	mu      sync.Mutex
	client  *resty.Client
	jar     *cookiejar.Jar
	current *Snapshot
	visited map[string]*url.URL
	// scopes remembers where each cookie was set. The jar only hands back
	// name and value.
	scopes map[scopeKey]cookieScope
	closed bool
}

type scopeKey struct {
	host, domain, path, name string
}

type cookieScope struct {
	expires  time.Time
	secure   bool
	httpOnly bool
	sameSite string
}

// NewHTTP builds an HTTP driver with its own cookie jar.
func NewHTTP(opts Options) (*HTTP, error) {
	opts = opts.withDefaults()
	jar, err := newJar()
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("User-Agent", opts.UserAgents[rand.IntN(len(opts.UserAgents))])
	client.SetHeader("Accept-Language", "en-US,en;q=0.9")
	client.SetTimeout(opts.NavTimeout)
	client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}

	zap.L().Info("driver: http client ready", zap.Bool("proxy", opts.Proxy != ""))
	return &HTTP{
		opts:    opts,
		client:  client,
		jar:     jar,
		visited: make(map[string]*url.URL),
		scopes:  make(map[scopeKey]cookieScope),
	}, nil
}

func newJar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, eris.Wrap(err, "driver: create cookie jar")
	}
	return jar, nil
}

// Navigate implements Driver.
func (d *HTTP) Navigate(ctx context.Context, target string) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	resp, err := d.do(ctx, http.MethodGet, target, nil)
	return d.record(resp, err, "driver: get")
}

// Content implements Driver.
func (d *HTTP) Content(_ context.Context) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.current == nil {
		return &Snapshot{FetchedAt: time.Now().UTC()}, nil
	}
	cp := *d.current
	return &cp, nil
}

// SubmitForm implements Driver.
func (d *HTTP) SubmitForm(ctx context.Context, form Form, p Pacer) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.current == nil {
		return nil, eris.New("driver: no page loaded")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.current.HTML))
	if err != nil {
		return nil, eris.Wrap(err, "driver: parse page")
	}

	formSel := locateForm(doc, form)
	if formSel == nil {
		return nil, eris.New("driver: form not found")
	}
	values := defaultFormValues(formSel)

	var typing time.Duration
	for _, f := range form.Fields {
		el := firstSelection(formSel, f.Selectors)
		if el == nil {
			return nil, eris.Errorf("driver: field %q not found", f.Name)
		}
		name := el.AttrOr("name", f.Name)
		values.Set(name, f.Value)
		typing += interaction(p)
		for range f.Value {
			typing += keystroke(p)
		}
	}
	if btn := firstSelection(formSel, form.Submit); btn != nil {
		if name, ok := btn.Attr("name"); ok && name != "" {
			values.Set(name, btn.AttrOr("value", ""))
		}
	}
	typing += interaction(p)
	if err := pause(ctx, typing); err != nil {
		return nil, err
	}

	action, err := resolve(d.current.URL, formSel.AttrOr("action", ""))
	if err != nil {
		return nil, err
	}
	var resp *resty.Response
	if strings.EqualFold(formSel.AttrOr("method", "get"), "post") {
		resp, err = d.do(ctx, http.MethodPost, action, values)
	} else {
		u, perr := url.Parse(action)
		if perr != nil {
			return nil, eris.Wrap(perr, "driver: parse form action")
		}
		u.RawQuery = values.Encode()
		resp, err = d.do(ctx, http.MethodGet, u.String(), nil)
	}
	return d.record(resp, err, "driver: submit form")
}

// WaitFor implements Driver. Served pages never change without a request,
// so a single evaluation decides the result.
func (d *HTTP) WaitFor(ctx context.Context, cond Condition, _ time.Duration) (bool, error) {
	snap, err := d.Content(ctx)
	if err != nil {
		return false, err
	}
	return cond.Matches(snap), nil
}

// Click implements Driver. Only links can be followed.
func (d *HTTP) Click(ctx context.Context, selectors []string, p Pacer) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	if d.current == nil {
		return false, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.current.HTML))
	if err != nil {
		return false, eris.Wrap(err, "driver: parse page")
	}
	el := firstSelection(doc.Selection, selectors)
	if el == nil {
		return false, nil
	}
	href, ok := el.Attr("href")
	if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return false, nil
	}
	target, err := resolve(d.current.URL, href)
	if err != nil {
		return false, err
	}
	if err := pause(ctx, interaction(p)); err != nil {
		return false, err
	}
	resp, err := d.do(ctx, http.MethodGet, target, nil)
	if _, err := d.record(resp, err, "driver: follow link"); err != nil {
		return false, err
	}
	return true, nil
}

// SessionBlob implements Driver. Cookies keep the domain and path they were
// set with; cookies of unknown scope are exported host-only at the root.
func (d *HTTP) SessionBlob(_ context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	state := StorageState{Cookies: []Cookie{}}
	seen := make(map[scopeKey]bool)
	for k, sc := range d.scopes {
		u := &url.URL{Scheme: "http", Host: k.host, Path: k.path}
		if sc.secure {
			u.Scheme = "https"
		}
		c := findCookie(d.jar.Cookies(u), k.name)
		if c == nil {
			continue
		}
		domain := k.domain
		if domain == "" {
			domain = k.host
		}
		exported := scopeKey{host: domain, path: k.path, name: k.name}
		if seen[exported] {
			continue
		}
		seen[exported] = true
		state.Cookies = append(state.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     k.path,
			Expires:  sc.expires,
			Secure:   sc.secure,
			HTTPOnly: sc.httpOnly,
			SameSite: sc.sameSite,
		})
	}
	for host, u := range d.visited {
		for _, c := range d.jar.Cookies(u) {
			key := scopeKey{host: host, path: "/", name: c.Name}
			if seen[key] || d.scoped(host, c.Name) {
				continue
			}
			seen[key] = true
			state.Cookies = append(state.Cookies, Cookie{
				Name:   c.Name,
				Value:  c.Value,
				Domain: host,
				Path:   "/",
				Secure: u.Scheme == "https",
			})
		}
	}
	return state.Encode()
}

// scoped reports whether a cookie named name visible on host has a known scope.
func (d *HTTP) scoped(host, name string) bool {
	for k := range d.scopes {
		if k.name != name {
			continue
		}
		if k.host == host || (k.domain != "" && domainMatch(host, k.domain)) {
			return true
		}
	}
	return false
}

// RestoreSession implements Driver.
func (d *HTTP) RestoreSession(_ context.Context, blob []byte) error {
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
	for _, c := range state.Cookies {
		host := hostOnly(strings.TrimPrefix(c.Domain, "."))
		if host == "" {
			continue
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{Scheme: scheme, Host: host, Path: path}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			Expires:  c.Expires,
		}
		domain := ""
		if strings.HasPrefix(c.Domain, ".") {
			domain = "." + host
			hc.Domain = domain
		}
		d.jar.SetCookies(u, []*http.Cookie{hc})
		d.scopes[scopeKey{host: host, domain: domain, path: path, name: c.Name}] = cookieScope{
			expires:  c.Expires,
			secure:   c.Secure,
			httpOnly: c.HTTPOnly,
			sameSite: c.SameSite,
		}
		d.visited[host] = &url.URL{Scheme: scheme, Host: host, Path: "/"}
	}
	return nil
}

// ClearSession implements Driver. The jar is replaced, so no cookie from
// before the call can be sent again.
func (d *HTTP) ClearSession(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	jar, err := newJar()
	if err != nil {
		return err
	}
	d.jar = jar
	d.client.SetCookieJar(jar)
	d.visited = make(map[string]*url.URL)
	d.scopes = make(map[scopeKey]cookieScope)
	return nil
}

// do issues one request and follows redirects itself. 301, 302 and 303
// turn into a GET without a body; 307 and 308 repeat the method and form.
func (d *HTTP) do(ctx context.Context, method, target string, form url.Values) (*resty.Response, error) {
	for hops := 0; ; hops++ {
		req := d.client.R().SetContext(ctx)
		if form != nil {
			req.SetFormDataFromValues(form)
		}
		resp, err := req.Execute(method, target)
		if err != nil {
			return resp, err
		}
		d.noteCookies(resp)

		loc := resp.Header().Get("Location")
		if !isRedirect(resp.StatusCode()) || loc == "" {
			return resp, nil
		}
		if hops >= maxRedirects {
			return nil, eris.Errorf("driver: stopped after %d redirects", maxRedirects)
		}
		base := target
		if resp.RawResponse != nil && resp.RawResponse.Request != nil {
			base = resp.RawResponse.Request.URL.String()
		}
		next, err := resolve(base, loc)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode() {
		case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			method, form = http.MethodGet, nil
		}
		target = next
	}
}

// noteCookies records the scope of every cookie set by resp. The jar has
// already stored the values.
func (d *HTTP) noteCookies(resp *resty.Response) {
	if resp.RawResponse == nil || resp.RawResponse.Request == nil {
		return
	}
	reqURL := resp.RawResponse.Request.URL
	host := reqURL.Hostname()
	now := time.Now()
	for _, c := range resp.Cookies() {
		path := c.Path
		if path == "" || !strings.HasPrefix(path, "/") {
			path = defaultCookiePath(reqURL.Path)
		}
		domain := ""
		if c.Domain != "" {
			domain = "." + strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		}
		key := scopeKey{host: host, domain: domain, path: path, name: c.Name}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			delete(d.scopes, key)
			continue
		}
		sc := cookieScope{
			expires:  c.Expires,
			secure:   c.Secure,
			httpOnly: c.HttpOnly,
			sameSite: sameSiteName(c.SameSite),
		}
		if c.MaxAge > 0 {
			sc.expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		d.scopes[key] = sc
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// defaultCookiePath is the directory of the request path (RFC 6265 5.1.4).
func defaultCookiePath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func domainMatch(host, domain string) bool {
	d := strings.TrimPrefix(domain, ".")
	return host == d || strings.HasSuffix(host, "."+d)
}

// hostOnly strips a port from host.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func sameSiteName(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	}
	return ""
}

// Close implements Driver.
func (d *HTTP) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.current = nil
	return nil
}

func (d *HTTP) record(resp *resty.Response, err error, msg string) (*Snapshot, error) {
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(eris.Wrap(err, msg), 0)
		}
		return nil, eris.Wrap(err, msg)
	}
	final := resp.Request.URL
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		u := resp.RawResponse.Request.URL
		final = u.String()
		d.visited[u.Hostname()] = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	}
	snap := &Snapshot{
		URL:       final,
		Status:    resp.StatusCode(),
		Header:    resp.Header().Clone(),
		HTML:      string(resp.Body()),
		FetchedAt: time.Now().UTC(),
	}
	d.current = snap
	cp := *snap
	return &cp, nil
}

func locateForm(doc *goquery.Document, form Form) *goquery.Selection {
	if form.FormSelector != "" {
		if s := doc.Find(form.FormSelector).First(); s.Length() > 0 {
			return s
		}
		return nil
	}
	for _, f := range form.Fields {
		if el := firstSelection(doc.Selection, f.Selectors); el != nil {
			if parent := el.Closest("form"); parent.Length() > 0 {
				return parent
			}
		}
	}
	if s := doc.Find("form").First(); s.Length() > 0 {
		return s
	}
	return nil
}

func defaultFormValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input[name]").Each(func(_ int, s *goquery.Selection) {
		typ := strings.ToLower(s.AttrOr("type", "text"))
		switch typ {
		case "submit", "button", "image", "reset", "file":
			return
		case "checkbox", "radio":
			if _, checked := s.Attr("checked"); !checked {
				return
			}
		}
		values.Add(s.AttrOr("name", ""), s.AttrOr("value", ""))
	})
	return values
}

func firstSelection(root *goquery.Selection, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if s := root.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", eris.Wrap(err, "driver: parse base url")
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", eris.Wrap(err, "driver: parse reference url")
	}
	return b.ResolveReference(r).String(), nil
}
