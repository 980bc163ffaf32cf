// Package extract turns fetched listing pages into receipt candidates.
//
// Extraction is a pure function of its input: the same RawContent always
// yields the same receipts in the same order. Fields that cannot be read
// are reported in Receipt.Missing instead of failing the page.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/ceagles/receipt-tracker/internal/model"
)

// Config lists the selectors tried for each field, in order. Regex
// fallbacks over the container text apply when no selector yields a value.
type Config struct {
	ContainerSelectors     []string `mapstructure:"container_selectors" yaml:"container_selectors"`
	DateSelectors          []string `mapstructure:"date_selectors" yaml:"date_selectors"`
	TotalSelectors         []string `mapstructure:"total_selectors" yaml:"total_selectors"`
	SubtotalSelectors      []string `mapstructure:"subtotal_selectors" yaml:"subtotal_selectors"`
	TaxSelectors           []string `mapstructure:"tax_selectors" yaml:"tax_selectors"`
	LocationSelectors      []string `mapstructure:"location_selectors" yaml:"location_selectors"`
	ReceiptNumberSelectors []string `mapstructure:"receipt_number_selectors" yaml:"receipt_number_selectors"`
	MemberNumberSelectors  []string `mapstructure:"member_number_selectors" yaml:"member_number_selectors"`
	ItemSelectors          []string `mapstructure:"item_selectors" yaml:"item_selectors"`
	ItemNameSelectors      []string `mapstructure:"item_name_selectors" yaml:"item_name_selectors"`
	ItemPriceSelectors     []string `mapstructure:"item_price_selectors" yaml:"item_price_selectors"`
	ItemQuantitySelectors  []string `mapstructure:"item_quantity_selectors" yaml:"item_quantity_selectors"`
	ItemNumberSelectors    []string `mapstructure:"item_number_selectors" yaml:"item_number_selectors"`
	// ToleranceCents is the rounding slack for cross-field checks.
	ToleranceCents int64  `mapstructure:"tolerance_cents" yaml:"tolerance_cents"`
	Currency       string `mapstructure:"currency" yaml:"currency"`
	// SnippetRunes bounds the text kept as the raw-content reference.
	SnippetRunes int `mapstructure:"snippet_runes" yaml:"snippet_runes"`
}

// DefaultConfig returns selectors for the warehouse club receipts listing.
func DefaultConfig() Config {
	return Config{
		ContainerSelectors: []string{
			`.receipt`,
			`.transaction`,
			`.order-item`,
			`.purchase-item`,
			`[data-testid*="receipt"]`,
			`[data-testid*="order"]`,
			`.order-row`,
			`[data-receipt-id]`,
			`[data-order-id]`,
			`[data-transaction-id]`,
			`[class*="order"]`,
			`[class*="receipt"]`,
		},
		DateSelectors:          []string{`.receipt-date`, `.date`, `time`, `[data-field="date"]`},
		TotalSelectors:         []string{`.receipt-total`, `.total`, `.amount`, `[data-field="total"]`},
		SubtotalSelectors:      []string{`.subtotal`, `[data-field="subtotal"]`},
		TaxSelectors:           []string{`.tax`, `[data-field="tax"]`},
		LocationSelectors:      []string{`.warehouse`, `.location`, `.store`, `[data-field="location"]`},
		ReceiptNumberSelectors: []string{`.receipt-number`, `[data-field="receipt_number"]`},
		MemberNumberSelectors:  []string{`.member-number`, `[data-field="member_number"]`},
		ItemSelectors:          []string{`.line-item`, `.item`, `[data-field="item"]`},
		ItemNameSelectors:      []string{`.item-name`, `.name`, `.description`},
		ItemPriceSelectors:     []string{`.item-price`, `.price`},
		ItemQuantitySelectors:  []string{`.item-qty`, `.qty`, `.quantity`},
		ItemNumberSelectors:    []string{`.item-number`, `.sku`},
		ToleranceCents:         2,
		Currency:               "USD",
		SnippetRunes:           1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.ContainerSelectors) == 0 {
		c.ContainerSelectors = def.ContainerSelectors
	}
	if len(c.DateSelectors) == 0 {
		c.DateSelectors = def.DateSelectors
	}
	if len(c.TotalSelectors) == 0 {
		c.TotalSelectors = def.TotalSelectors
	}
	if len(c.SubtotalSelectors) == 0 {
		c.SubtotalSelectors = def.SubtotalSelectors
	}
	if len(c.TaxSelectors) == 0 {
		c.TaxSelectors = def.TaxSelectors
	}
	if len(c.LocationSelectors) == 0 {
		c.LocationSelectors = def.LocationSelectors
	}
	if len(c.ReceiptNumberSelectors) == 0 {
		c.ReceiptNumberSelectors = def.ReceiptNumberSelectors
	}
	if len(c.MemberNumberSelectors) == 0 {
		c.MemberNumberSelectors = def.MemberNumberSelectors
	}
	if len(c.ItemSelectors) == 0 {
		c.ItemSelectors = def.ItemSelectors
	}
	if len(c.ItemNameSelectors) == 0 {
		c.ItemNameSelectors = def.ItemNameSelectors
	}
	if len(c.ItemPriceSelectors) == 0 {
		c.ItemPriceSelectors = def.ItemPriceSelectors
	}
	if len(c.ItemQuantitySelectors) == 0 {
		c.ItemQuantitySelectors = def.ItemQuantitySelectors
	}
	if len(c.ItemNumberSelectors) == 0 {
		c.ItemNumberSelectors = def.ItemNumberSelectors
	}
	if c.ToleranceCents <= 0 {
		c.ToleranceCents = def.ToleranceCents
	}
	if c.Currency == "" {
		c.Currency = def.Currency
	}
	if c.SnippetRunes <= 0 {
		c.SnippetRunes = def.SnippetRunes
	}
	return c
}

// Extractor parses receipts out of listing pages. It holds no mutable
// state and is safe for concurrent use.
type Extractor struct {
	cfg    Config
	policy *bluemonday.Policy
	log    *zap.Logger
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{
		cfg:    cfg.withDefaults(),
		policy: bluemonday.StrictPolicy(),
		log:    zap.L().With(zap.String("component", "extract.extractor")),
	}
}

// Extract yields the receipts found in raw, page by page in document
// order. A receipt whose natural key was already yielded for raw is
// skipped. The sequence can be ranged over any number of times.
func (e *Extractor) Extract(raw *model.RawContent) iter.Seq[model.Receipt] {
	return func(yield func(model.Receipt) bool) {
		if raw == nil || raw.NotFound {
			return
		}
		seen := make(map[string]bool)
		for _, page := range raw.Pages {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
			if err != nil {
				e.log.Warn("extract: unparseable page",
					zap.String("window", raw.Window.Key()),
					zap.Int("page", page.Number),
					zap.Error(err),
				)
				continue
			}
			ref := model.RawRef{PageURL: page.URL, PageHash: hashHex(page.HTML)}
			for i, c := range e.containers(doc) {
				ref.Index = i
				r := e.receipt(c, ref, raw.Window.Key())
				if seen[r.NaturalKey] {
					continue
				}
				seen[r.NaturalKey] = true
				if !yield(r) {
					return
				}
			}
		}
	}
}

// Collect drains Extract into a slice.
func (e *Extractor) Collect(raw *model.RawContent) []model.Receipt {
	var out []model.Receipt
	for r := range e.Extract(raw) {
		out = append(out, r)
	}
	return out
}

// containers returns the elements matched by the first container selector
// that matches anything, keeping only the outermost ones, in document
// order. Broad selectors listed last never override specific ones.
func (e *Extractor) containers(doc *goquery.Document) []*goquery.Selection {
	for _, sel := range nonEmpty(e.cfg.ContainerSelectors) {
		all := doc.Find(sel)
		if all.Length() == 0 {
			continue
		}
		matched := make(map[*html.Node]bool, all.Length())
		all.Each(func(_ int, s *goquery.Selection) {
			matched[s.Get(0)] = true
		})
		var out []*goquery.Selection
		all.Each(func(_ int, s *goquery.Selection) {
			for p := s.Get(0).Parent; p != nil; p = p.Parent {
				if matched[p] {
					return
				}
			}
			out = append(out, s)
		})
		return out
	}
	return nil
}

// receipt reads one container. It never fails: unreadable fields are
// listed in Missing.
func (e *Extractor) receipt(c *goquery.Selection, ref model.RawRef, window string) model.Receipt {
	text := containerText(c)
	r := model.Receipt{
		ProviderID:   providerID(c),
		Currency:     e.cfg.Currency,
		SourceWindow: window,
	}

	if d, ok := parseDate(firstText(c, e.cfg.DateSelectors)); ok {
		r.Date = d
	} else if d, ok := parseDate(text); ok {
		r.Date = d
	} else {
		r.Missing = append(r.Missing, model.FieldDate)
	}

	if loc := cleanLocation(firstText(c, e.cfg.LocationSelectors)); loc != "" {
		r.Location = loc
	} else if loc := cleanLocation(findLocation(text)); loc != "" {
		r.Location = loc
	} else {
		r.Missing = append(r.Missing, model.FieldLocation)
	}

	r.Total = e.amount(c, e.cfg.TotalSelectors, text, totalPattern)
	if r.Total == nil {
		r.Total = firstAmount(text)
	}
	if r.Total == nil {
		r.Missing = append(r.Missing, model.FieldTotal)
	}
	r.Subtotal = e.amount(c, e.cfg.SubtotalSelectors, text, subtotalPattern)
	r.Tax = e.amount(c, e.cfg.TaxSelectors, text, taxPattern)

	r.ReceiptNumber = firstText(c, e.cfg.ReceiptNumberSelectors)
	if r.ReceiptNumber == "" {
		r.ReceiptNumber = submatch(receiptNumberPattern, text)
	}
	r.MemberNumber = firstText(c, e.cfg.MemberNumberSelectors)
	if r.MemberNumber == "" {
		r.MemberNumber = submatch(memberNumberPattern, text)
	}

	items, malformed := e.items(c)
	r.Items = items
	if malformed {
		r.Missing = append(r.Missing, model.FieldItems)
	}

	r.Flags = validate(r, model.Cents(e.cfg.ToleranceCents))
	r.NaturalKey = naturalKey(r, text)

	outer, _ := goquery.OuterHtml(c)
	ref.Snippet = e.snippet(outer)
	r.Raw = ref
	return r
}

// amount reads a labelled amount from the selectors, then from the
// container text.
func (e *Extractor) amount(c *goquery.Selection, selectors []string, text string, labelled patternFunc) *model.Cents {
	if v := firstAmount(firstText(c, selectors)); v != nil {
		return v
	}
	return labelled(text)
}

// items reads line items. malformed is true when item rows exist but none
// of them could be read.
func (e *Extractor) items(c *goquery.Selection) ([]model.LineItem, bool) {
	rows := c.Find(strings.Join(nonEmpty(e.cfg.ItemSelectors), ", "))
	if rows.Length() == 0 {
		return nil, false
	}
	var items []model.LineItem
	rows.Each(func(_ int, row *goquery.Selection) {
		price := firstAmount(firstText(row, e.cfg.ItemPriceSelectors))
		if price == nil {
			return
		}
		name := firstText(row, e.cfg.ItemNameSelectors)
		if name == "" {
			name = firstLine(containerText(row))
		}
		items = append(items, model.LineItem{
			Name:       name,
			ItemNumber: firstText(row, e.cfg.ItemNumberSelectors),
			Price:      *price,
			Quantity:   parseQuantity(firstText(row, e.cfg.ItemQuantitySelectors)),
		})
	})
	return items, len(items) == 0
}

// snippet strips markup and truncates to the configured rune count.
func (e *Extractor) snippet(outer string) string {
	text := strings.Join(strings.Fields(e.policy.Sanitize(outer)), " ")
	if r := []rune(text); len(r) > e.cfg.SnippetRunes {
		text = string(r[:e.cfg.SnippetRunes])
	}
	return text
}

// validate cross-checks redundant amounts. Mismatches are flagged, never
// rejected.
func validate(r model.Receipt, tol model.Cents) []string {
	var flags []string
	if len(r.Items) > 0 && r.Subtotal != nil && abs(r.ItemsSum()-*r.Subtotal) > tol {
		flags = append(flags, model.FlagItemsSubtotalMismatch)
	}
	if r.Subtotal != nil && r.Tax != nil && r.Total != nil && abs(*r.Subtotal+*r.Tax-*r.Total) > tol {
		flags = append(flags, model.FlagSubtotalTaxTotalMismatch)
	}
	return flags
}

// naturalKey prefers the provider's identifier. Without one it hashes the
// normalized identifying fields, or the container text when those are
// incomplete.
func naturalKey(r model.Receipt, text string) string {
	if r.ProviderID != "" {
		return "rcpt:" + r.ProviderID
	}
	var basis string
	if !r.Date.IsZero() && r.Total != nil {
		basis = strings.Join([]string{
			r.Date.Format(model.DateLayout),
			strings.ToLower(r.Location),
			r.Total.String(),
			r.ReceiptNumber,
			r.MemberNumber,
		}, "|")
	} else {
		basis = "text|" + strings.ToLower(strings.Join(strings.Fields(text), " "))
	}
	return "h:" + hashHex(basis)[:32]
}

var providerAttrs = []string{"data-receipt-id", "data-order-id", "data-transaction-id", "data-id", "id"}

func providerID(c *goquery.Selection) string {
	for _, attr := range providerAttrs {
		if v, ok := c.Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func abs(c model.Cents) model.Cents {
	if c < 0 {
		return -c
	}
	return c
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
