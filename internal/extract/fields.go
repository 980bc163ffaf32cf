package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ceagles/receipt-tracker/internal/model"
)

// datePattern pairs a regex with the layouts its match may be parsed with.
type datePattern struct {
	re      *regexp.Regexp
	layouts []string
}

var datePatterns = []datePattern{
	{regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`), []string{"1/2/2006"}},
	{regexp.MustCompile(`\b\d{1,2}-\d{1,2}-\d{4}\b`), []string{"1-2-2006"}},
	{regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b`), []string{"2006-1-2"}},
	{regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2}\b`), []string{"1/2/06"}},
	{regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2}),?\s+(\d{4})\b`), nil},
}

// parseDate returns the first date found in s, as a UTC calendar day.
func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, p := range datePatterns {
		for _, m := range p.re.FindAllStringSubmatch(s, -1) {
			if p.layouts == nil {
				norm := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:]) + " " + m[2] + " " + m[3]
				if t, err := time.Parse("Jan 2 2006", norm); err == nil {
					return t.UTC(), true
				}
				continue
			}
			for _, layout := range p.layouts {
				if t, err := time.Parse(layout, m[0]); err == nil {
					return t.UTC(), true
				}
			}
		}
	}
	return time.Time{}, false
}

var (
	dollarAmount = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+(?:\.\d{2})?)`)
	plainAmount  = regexp.MustCompile(`\b(\d+\.\d{2})\b`)
)

// firstAmount returns the first dollar amount in s, falling back to the
// first bare decimal amount.
func firstAmount(s string) *model.Cents {
	if s == "" {
		return nil
	}
	for _, re := range []*regexp.Regexp{dollarAmount, plainAmount} {
		if m := re.FindStringSubmatch(s); m != nil {
			if c, err := model.ParseCents(m[1]); err == nil {
				return &c
			}
		}
	}
	return nil
}

type patternFunc func(text string) *model.Cents

func labelledAmount(re *regexp.Regexp) patternFunc {
	return func(text string) *model.Cents {
		if v := submatch(re, text); v != "" {
			if c, err := model.ParseCents(v); err == nil {
				return &c
			}
		}
		return nil
	}
}

// "Subtotal" has no word boundary before "total", so the total pattern
// never reads the subtotal line.
var (
	totalPattern    = labelledAmount(regexp.MustCompile(`(?i)\b(?:grand\s+)?total\b[:\s]*\$?\s*([\d,]+\.\d{2})`))
	subtotalPattern = labelledAmount(regexp.MustCompile(`(?i)\bsub-?\s?total\b[:\s]*\$?\s*([\d,]+\.\d{2})`))
	taxPattern      = labelledAmount(regexp.MustCompile(`(?i)\b(?:sales\s+)?tax\b[:\s]*\$?\s*([\d,]+\.\d{2})`))

	receiptNumberPattern = regexp.MustCompile(`(?i)\breceipt\s*(?:#|no\.?|number)\s*:?\s*([A-Z0-9][A-Z0-9-]{3,})`)
	memberNumberPattern  = regexp.MustCompile(`(?i)\bmember(?:ship)?\s*(?:#|no\.?|number)?\s*:?\s*(\d{6,})`)
)

var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcostco\s+([^,\n]+)`),
	regexp.MustCompile(`(?i)\bstore[:\s]+([^,\n]+)`),
	regexp.MustCompile(`(?i)\blocation[:\s]+([^,\n]+)`),
	regexp.MustCompile(`(?i)\bwarehouse[:\s]+([^,\n]+)`),
}

// findLocation applies the location patterns to line-separated text.
func findLocation(text string) string {
	for _, re := range locationPatterns {
		if v := submatch(re, text); v != "" {
			return v
		}
	}
	return ""
}

var (
	retailerPrefix = regexp.MustCompile(`(?i)^(costco\s*wholesale\s*|costco\s*)`)
	retailerSuffix = regexp.MustCompile(`(?i)\s*\b(warehouse|store)\s*$`)
)

// cleanLocation collapses whitespace, strips retailer prefixes and
// suffixes, and title-cases the remainder.
func cleanLocation(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = retailerPrefix.ReplaceAllString(s, "")
	s = retailerSuffix.ReplaceAllString(s, "")
	s = strings.Trim(s, " -:#")
	if s == "" {
		return ""
	}
	return cases.Title(language.AmericanEnglish).String(s)
}

func submatch(re *regexp.Regexp, text string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// firstText returns the collapsed text of the first selector with
// non-empty content inside root.
func firstText(root *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		var out string
		root.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, ok := s.Attr("datetime"); ok && strings.TrimSpace(v) != "" {
				out = strings.TrimSpace(v)
				return false
			}
			out = strings.Join(strings.Fields(s.Text()), " ")
			return out == ""
		})
		if out != "" {
			return out
		}
	}
	return ""
}

// containerText renders each text node on its own line so that line-bound
// patterns do not run across fields.
func containerText(s *goquery.Selection) string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				lines = append(lines, t)
			}
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

var quantityPattern = regexp.MustCompile(`\d+`)

// parseQuantity reads the first integer in s; anything unreadable counts
// as one.
func parseQuantity(s string) int {
	if m := quantityPattern.FindString(s); m != "" {
		if q, err := strconv.Atoi(m); err == nil && q > 0 {
			return q
		}
	}
	return 1
}
