package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceagles/receipt-tracker/internal/auth"
	"github.com/ceagles/receipt-tracker/internal/discovery"
	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/extract"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
	"github.com/ceagles/receipt-tracker/internal/session"
	"github.com/ceagles/receipt-tracker/internal/store"
)

var cred = model.Credential{Identity: "member@example.com", Secret: "hunter2"}

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

const (
	loginHTML = `<html><body><form method="post" action="/login">
<input type="email" name="logonId"><input type="password" name="password">
<button type="submit">Sign In</button></form></body></html>`
	accountHTML = `<html><body><div class="user-info">Hi</div><a href="/logout">Sign Out</a></body></html>`
	emptyHTML   = `<html><body><div class="empty-state">No receipts found for this period.</div></body></html>`
	deniedHTML  = `<html><body><h1>Access Denied</h1></body></html>`
)

type siteReceipt struct {
	id    string
	date  string
	total string
}

// site is a fake warehouse club account: a login form, an account page and
// a date-filtered receipt listing guarded by a session cookie.
type site struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	receipts []siteReceipt
	blocked  map[string]bool // listing "from" values answered with a block page
	posts    int
	listings int
}

func newSite(t *testing.T, receipts ...siteReceipt) *site {
	s := &site{t: t, receipts: receipts, blocked: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", s.login)
	mux.HandleFunc("/account", s.guarded(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, accountHTML)
	}))
	mux.HandleFunc("/orders", s.guarded(s.orders))
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) login(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprint(w, loginHTML)
		return
	}
	s.mu.Lock()
	s.posts++
	s.mu.Unlock()
	if err := r.ParseForm(); err != nil || r.PostForm.Get("logonId") != cred.Identity || r.PostForm.Get("password") != cred.Secret {
		fmt.Fprint(w, `<html><body><div class="error">Your password is incorrect.</div></body></html>`)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "sid", Value: "live", Path: "/"})
	http.Redirect(w, r, "/account", http.StatusFound)
}

func (s *site) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "live" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next(w, r)
	}
}

func (s *site) orders(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings++

	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if s.blocked[from] {
		fmt.Fprint(w, deniedHTML)
		return
	}
	var b strings.Builder
	for _, rc := range s.receipts {
		if rc.date < from || rc.date > to {
			continue
		}
		d := day(rc.date)
		fmt.Fprintf(&b, `<div class="receipt" data-receipt-id="%s"><span class="date">%s</span>
<span class="location">Costco Issaquah</span><span class="total">$%s</span></div>`, rc.id, d.Format("01/02/2006"), rc.total)
	}
	if b.Len() == 0 {
		fmt.Fprint(w, emptyHTML)
		return
	}
	fmt.Fprintf(w, `<html><body><div class="receipts-list">%s</div></body></html>`, b.String())
}

func (s *site) block(from string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[from] = true
}

func (s *site) counts() (posts, listings int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts, s.listings
}

// sessionBlob builds a session blob carrying the given sid cookie.
func (s *site) sessionBlob(sid string) []byte {
	u, err := url.Parse(s.srv.URL)
	require.NoError(s.t, err)
	blob, err := driver.StorageState{Cookies: []driver.Cookie{{Name: "sid", Value: sid, Domain: u.Host, Path: "/"}}}.Encode()
	require.NoError(s.t, err)
	return blob
}

// countingBackend records session writes on top of the SQL store.
type countingBackend struct {
	session.Backend
	mu    sync.Mutex
	saves int
}

func (b *countingBackend) SaveSession(ctx context.Context, identity string, data []byte, expiresAt time.Time) error {
	b.mu.Lock()
	b.saves++
	b.mu.Unlock()
	return b.Backend.SaveSession(ctx, identity, data, expiresAt)
}

func (b *countingBackend) saved() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// stack is the full component graph wired against a site.
type stack struct {
	coord    *Coordinator
	store    *store.SQLiteStore
	sessions *session.Store
	backend  *countingBackend
	rc       *ratecontrol.Controller
}

func newStack(t *testing.T, s *site, windowDays int) *stack {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	backend := &countingBackend{Backend: st}
	sessions, err := session.New(backend, session.WithCache(0, 0))
	require.NoError(t, err)

	drv, err := driver.NewHTTP(driver.Options{NavTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })

	rc := ratecontrol.New(ratecontrol.Config{})

	target := auth.DefaultTarget()
	target.LoginURL = s.srv.URL + "/login"
	target.ProbeURL = s.srv.URL + "/account"
	authn := auth.New(drv, sessions, rc, target, auth.Config{}, auth.WithSleeper(ratecontrol.NoSleep))

	disc := discovery.New(drv, rc, discovery.Config{
		WindowDays: windowDays,
		ListingURL: s.srv.URL + "/orders?from={from}&to={to}",
		DateFormat: model.DateLayout,
	}, discovery.WithSleeper(ratecontrol.NoSleep))

	coord := New(authn, sessions, disc, extract.New(extract.Config{}), st, Config{}, WithSleeper(ratecontrol.NoSleep))
	return &stack{coord: coord, store: st, sessions: sessions, backend: backend, rc: rc}
}

func (k *stack) seedSession(t *testing.T, blob []byte) {
	t.Helper()
	require.NoError(t, k.sessions.Persist(context.Background(), model.SessionState{
		Identity:   cred.Identity,
		Blob:       blob,
		CapturedAt: time.Now().UTC(),
		Validity:   24 * time.Hour,
	}))
}
