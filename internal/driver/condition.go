package driver

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Condition matches a page when ANY of its clauses holds.
type Condition struct {
	Selectors    []string
	URLContains  []string
	TextContains []string
}

// Empty reports whether the condition has no clauses.
func (c Condition) Empty() bool {
	return len(c.Selectors) == 0 && len(c.URLContains) == 0 && len(c.TextContains) == 0
}

// Matches evaluates the condition against a snapshot. An empty condition
// always matches.
func (c Condition) Matches(s *Snapshot) bool {
	if s == nil {
		return false
	}
	if c.Empty() {
		return true
	}
	lowerURL := strings.ToLower(s.URL)
	for _, u := range c.URLContains {
		if u != "" && strings.Contains(lowerURL, strings.ToLower(u)) {
			return true
		}
	}
	if len(c.Selectors) == 0 && len(c.TextContains) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s.HTML))
	if err != nil {
		return false
	}
	for _, sel := range c.Selectors {
		if sel != "" && doc.Find(sel).Length() > 0 {
			return true
		}
	}
	if len(c.TextContains) > 0 {
		text := strings.ToLower(VisibleText(doc))
		for _, t := range c.TextContains {
			if t != "" && strings.Contains(text, strings.ToLower(t)) {
				return true
			}
		}
	}
	return false
}

// VisibleText returns the document body text with script, style and
// noscript content removed and whitespace collapsed.
func VisibleText(doc *goquery.Document) string {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body = body.Clone()
	body.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(body.Text()), " ")
}

// FirstMatch returns the first selector present in html, or "".
func FirstMatch(html string, selectors []string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range selectors {
		if sel != "" && doc.Find(sel).Length() > 0 {
			return sel
		}
	}
	return ""
}

// Poll fetches snapshots with get every interval until cond matches, the
// timeout elapses or ctx is done. It reports whether cond matched.
func Poll(ctx context.Context, get func(context.Context) (*Snapshot, error), cond Condition, timeout, every time.Duration) (bool, error) {
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		snap, err := get(ctx)
		if err != nil {
			return false, eris.Wrap(err, "driver: poll")
		}
		if cond.Matches(snap) {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := pause(ctx, every); err != nil {
			return false, err
		}
	}
}
