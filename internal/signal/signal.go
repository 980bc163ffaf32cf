// Package signal classifies fetched pages into detection signals: anti-bot
// blocks, throttling, verification challenges, expired sessions and empty
// result pages. Classification is pattern matching over status, headers,
// URL, visible text, raw markup and CSS selectors. Rules are data; operators
// extend or override the defaults with a YAML rules file.
package signal

import (
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
)

// Class is the category of a detected signal.
type Class string

const (
	ClassNone        Class = "none"
	ClassBlocked     Class = "blocked"
	ClassThrottled   Class = "throttled"
	ClassChallenge   Class = "challenge"
	ClassAuthExpired Class = "auth_expired"
	ClassEmpty       Class = "empty"
)

func (c Class) valid() bool {
	switch c {
	case ClassBlocked, ClassThrottled, ClassChallenge, ClassAuthExpired, ClassEmpty:
		return true
	}
	return false
}

// Rule matches a page when any of its matchers hits. When Status is set
// together with other matchers it acts as a gate: the status must be listed
// and at least one other matcher must hit. Status alone matches on the code.
type Rule struct {
	Name  string `yaml:"name"`
	Class Class  `yaml:"class"`
	// Status codes.
	Status []int `yaml:"status"`
	// Headers maps a header name to a lowercase substring of its value. An
	// empty value matches on presence.
	Headers map[string]string `yaml:"headers"`
	// Text is matched against visible text with scripts and styles removed.
	Text []string `yaml:"text"`
	// HTML is matched against the raw markup.
	HTML      []string `yaml:"html"`
	URL       []string `yaml:"url"`
	Selectors []string `yaml:"selectors"`
}

func (r Rule) hasContentMatchers() bool {
	return len(r.Headers) > 0 || len(r.Text) > 0 || len(r.HTML) > 0 || len(r.URL) > 0 || len(r.Selectors) > 0
}

// Page is the classifier input.
type Page struct {
	URL    string
	Status int
	Header http.Header
	HTML   string
}

// PageOf adapts a driver snapshot.
func PageOf(s *driver.Snapshot) Page {
	if s == nil {
		return Page{}
	}
	return Page{URL: s.URL, Status: s.Status, Header: s.Header, HTML: s.HTML}
}

// Match is the classification result.
type Match struct {
	Class Class
	Rule  string
	// Evidence is the matcher that hit, for logs.
	Evidence string
}

// Is reports whether the match is of class c.
func (m Match) Is(c Class) bool { return m.Class == c }

// RateSignal maps the match onto the rate controller's signal taxonomy.
func (m Match) RateSignal() ratecontrol.Signal {
	switch m.Class {
	case ClassBlocked:
		return ratecontrol.SignalDetection
	case ClassThrottled:
		return ratecontrol.SignalThrottle
	default:
		return ratecontrol.SignalNone
	}
}

// Classifier evaluates rules in order and returns the first hit.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier with extra rules evaluated before the
// defaults.
func NewClassifier(extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+len(DefaultRules))
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules...)
	return &Classifier{rules: rules}
}

// Rules returns the evaluation order.
func (c *Classifier) Rules() []Rule { return slices.Clone(c.rules) }

// Classify returns the first matching rule's class, or ClassNone.
func (c *Classifier) Classify(p Page) Match {
	lowerHTML := strings.ToLower(p.HTML)
	lowerURL := strings.ToLower(p.URL)

	var (
		doc     *goquery.Document
		text    string
		textSet bool
	)
	parsed := func() *goquery.Document {
		if doc == nil {
			d, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
			if err != nil {
				return nil
			}
			doc = d
		}
		return doc
	}
	visible := func() string {
		if !textSet {
			textSet = true
			if d := parsed(); d != nil {
				text = strings.ToLower(driver.VisibleText(d))
			}
		}
		return text
	}

	for _, r := range c.rules {
		statusHit := len(r.Status) > 0 && slices.Contains(r.Status, p.Status)
		if len(r.Status) > 0 && !statusHit {
			continue
		}
		if !r.hasContentMatchers() {
			if statusHit {
				return Match{Class: r.Class, Rule: r.Name, Evidence: "status"}
			}
			continue
		}
		if ev, ok := matchContent(r, p, lowerURL, lowerHTML, visible, parsed); ok {
			return Match{Class: r.Class, Rule: r.Name, Evidence: ev}
		}
	}
	return Match{Class: ClassNone}
}

func matchContent(r Rule, p Page, lowerURL, lowerHTML string, visible func() string, parsed func() *goquery.Document) (string, bool) {
	for name, want := range r.Headers {
		v := p.Header.Get(name)
		if v == "" {
			continue
		}
		if want == "" || strings.Contains(strings.ToLower(v), strings.ToLower(want)) {
			return "header:" + strings.ToLower(name), true
		}
	}
	for _, u := range r.URL {
		if u != "" && strings.Contains(lowerURL, strings.ToLower(u)) {
			return "url:" + u, true
		}
	}
	for _, h := range r.HTML {
		if h != "" && strings.Contains(lowerHTML, strings.ToLower(h)) {
			return "html:" + h, true
		}
	}
	if len(r.Text) > 0 && p.HTML != "" {
		t := visible()
		for _, phrase := range r.Text {
			if phrase != "" && strings.Contains(t, strings.ToLower(phrase)) {
				return "text:" + phrase, true
			}
		}
	}
	if len(r.Selectors) > 0 && p.HTML != "" {
		if d := parsed(); d != nil {
			for _, sel := range r.Selectors {
				if sel != "" && d.Find(sel).Length() > 0 {
					return "selector:" + sel, true
				}
			}
		}
	}
	return "", false
}

// ruleFile is the on-disk shape of a rules file.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "signal: read rules %s", path)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates YAML rules.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "signal: parse rules")
	}
	for i, r := range f.Rules {
		if !r.Class.valid() {
			return nil, eris.Errorf("signal: rule %d (%s): unknown class %q", i, r.Name, r.Class)
		}
		if len(r.Status) == 0 && !r.hasContentMatchers() {
			return nil, eris.Errorf("signal: rule %d (%s): no matchers", i, r.Name)
		}
		if r.Name == "" {
			f.Rules[i].Name = "custom_" + string(r.Class)
		}
	}
	return f.Rules, nil
}
