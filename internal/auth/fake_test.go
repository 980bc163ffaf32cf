package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/model"
)

// mockSessions records persist and invalidate calls.
type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Persist(ctx context.Context, state model.SessionState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *mockSessions) Invalidate(ctx context.Context, identity string) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

// scriptedDriver serves pages by URL and answers submits from a queue.
type scriptedDriver struct {
	mu       sync.Mutex
	pages    map[string]*driver.Snapshot
	navErr   map[string][]error
	submits  []*driver.Snapshot
	waitHit  bool
	current  *driver.Snapshot
	restored [][]byte
	forms    []driver.Form
	navs     []string
	blob     []byte
	blobErr  error
	cleared  int
}

func newScriptedDriver() *scriptedDriver {
	return &scriptedDriver{
		pages:  make(map[string]*driver.Snapshot),
		navErr: make(map[string][]error),
		blob:   []byte(`{"cookies":[{"name":"sid","value":"new"}]}`),
	}
}

func page(url, html string) *driver.Snapshot {
	return &driver.Snapshot{URL: url, Status: 200, HTML: html, FetchedAt: time.Now()}
}

func (d *scriptedDriver) Navigate(_ context.Context, url string) (*driver.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navs = append(d.navs, url)
	if errs := d.navErr[url]; len(errs) > 0 {
		d.navErr[url] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	snap, ok := d.pages[url]
	if !ok {
		return nil, eris.Errorf("no page for %s", url)
	}
	d.current = snap
	cp := *snap
	return &cp, nil
}

func (d *scriptedDriver) Content(context.Context) (*driver.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *d.current
	return &cp, nil
}

func (d *scriptedDriver) SubmitForm(_ context.Context, form driver.Form, _ driver.Pacer) (*driver.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forms = append(d.forms, form)
	if len(d.submits) == 0 {
		return nil, eris.New("no scripted submit")
	}
	snap := d.submits[0]
	d.submits = d.submits[1:]
	d.current = snap
	cp := *snap
	return &cp, nil
}

func (d *scriptedDriver) WaitFor(_ context.Context, cond driver.Condition, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waitHit {
		return true, nil
	}
	return cond.Matches(d.current), nil
}

func (d *scriptedDriver) Click(context.Context, []string, driver.Pacer) (bool, error) {
	return false, nil
}

func (d *scriptedDriver) SessionBlob(context.Context) ([]byte, error) {
	if d.blobErr != nil {
		return nil, d.blobErr
	}
	return d.blob, nil
}

func (d *scriptedDriver) RestoreSession(_ context.Context, blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restored = append(d.restored, blob)
	return nil
}

func (d *scriptedDriver) ClearSession(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared++
	return nil
}

func (d *scriptedDriver) Close() error { return nil }

func (d *scriptedDriver) submitted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.forms)
}

func (d *scriptedDriver) navigations(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, u := range d.navs {
		if strings.HasPrefix(u, prefix) {
			n++
		}
	}
	return n
}
