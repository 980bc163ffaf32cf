package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Cents is a monetary amount in minor units.
type Cents int64

// String formats the amount with two decimals, e.g. "1234.50".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Float returns the amount in major units.
func (c Cents) Float() float64 {
	return float64(c) / 100
}

// ParseCents parses "$1,234.56", "1234.5" or "12" into minor units.
func ParseCents(s string) (Cents, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "$")
	clean = strings.ReplaceAll(clean, ",", "")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return 0, eris.New("model: empty amount")
	}
	neg := false
	if strings.HasPrefix(clean, "-") {
		neg = true
		clean = clean[1:]
	}
	whole, frac, _ := strings.Cut(clean, ".")
	if len(frac) > 2 {
		return 0, eris.Errorf("model: too many decimals in %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse amount %q", s)
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return Cents(v), nil
}

// Amount returns a pointer to c, for optional amount fields.
func Amount(c Cents) *Cents {
	return &c
}

// Field names reported in Receipt.Missing.
const (
	FieldDate     = "date"
	FieldLocation = "location"
	FieldTotal    = "total"
	FieldSubtotal = "subtotal"
	FieldTax      = "tax"
	FieldItems    = "items"
)

// Validation flags reported in Receipt.Flags.
const (
	FlagItemsSubtotalMismatch    = "items_subtotal_mismatch"
	FlagSubtotalTaxTotalMismatch = "subtotal_tax_total_mismatch"
)

// Completeness tags a receipt as complete or partial.
type Completeness string

const (
	Complete Completeness = "complete"
	Partial  Completeness = "partial"
)

// LineItem is one purchased article on a receipt.
type LineItem struct {
	Name       string `json:"name"`
	ItemNumber string `json:"item_number,omitempty"`
	Department string `json:"department,omitempty"`
	Price      Cents  `json:"price"`
	Quantity   int    `json:"quantity"`
}

// Extended returns price times quantity.
func (li LineItem) Extended() Cents {
	q := li.Quantity
	if q <= 0 {
		q = 1
	}
	return li.Price * Cents(q)
}

// RawRef points back at the content a receipt was extracted from.
type RawRef struct {
	PageURL  string `json:"page_url,omitempty"`
	PageHash string `json:"page_hash"`
	Index    int    `json:"index"`
	Snippet  string `json:"snippet,omitempty"`
}

// Receipt is a record candidate produced by extraction and stored by natural key.
type Receipt struct {
	NaturalKey    string     `json:"natural_key"`
	ProviderID    string     `json:"provider_id,omitempty"`
	Date          time.Time  `json:"date"`
	Location      string     `json:"location,omitempty"`
	Currency      string     `json:"currency"`
	Total         *Cents     `json:"total,omitempty"`
	Subtotal      *Cents     `json:"subtotal,omitempty"`
	Tax           *Cents     `json:"tax,omitempty"`
	ReceiptNumber string     `json:"receipt_number,omitempty"`
	MemberNumber  string     `json:"member_number,omitempty"`
	Items         []LineItem `json:"items,omitempty"`
	Missing       []string   `json:"missing,omitempty"`
	Flags         []string   `json:"flags,omitempty"`
	SourceWindow  string     `json:"source_window"`
	Raw           RawRef     `json:"raw"`
	CreatedAt     time.Time  `json:"created_at,omitzero"`
	UpdatedAt     time.Time  `json:"updated_at,omitzero"`
}

// Completeness reports Partial when any expected field could not be read.
func (r Receipt) Completeness() Completeness {
	if len(r.Missing) > 0 {
		return Partial
	}
	return Complete
}

// ItemsSum totals the extended price of all line items.
func (r Receipt) ItemsSum() Cents {
	var sum Cents
	for _, li := range r.Items {
		sum += li.Extended()
	}
	return sum
}

// Flagged reports whether any validation flag was raised.
func (r Receipt) Flagged() bool {
	return len(r.Flags) > 0
}
