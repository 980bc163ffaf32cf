package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Cents
	}{
		{"$12.34", 1234},
		{"1,234.56", 123456},
		{"$1,234.5", 123450},
		{"7", 700},
		{" $0.99 ", 99},
		{"-3.10", -310},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCents(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCents_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "$", "abc", "1.234", "1.x"} {
		_, err := ParseCents(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestCentsString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "12.34", Cents(1234).String())
	assert.Equal(t, "0.05", Cents(5).String())
	assert.Equal(t, "-1.50", Cents(-150).String())
}

func TestReceiptCompleteness(t *testing.T) {
	t.Parallel()

	r := Receipt{NaturalKey: "rcpt:1"}
	assert.Equal(t, Complete, r.Completeness())

	r.Missing = []string{FieldTotal}
	assert.Equal(t, Partial, r.Completeness())
}

func TestReceiptItemsSum(t *testing.T) {
	t.Parallel()

	r := Receipt{Items: []LineItem{
		{Name: "milk", Price: 399, Quantity: 2},
		{Name: "bread", Price: 250},
	}}
	assert.Equal(t, Cents(1048), r.ItemsSum())
}

func TestWindowKeyRoundTrip(t *testing.T) {
	t.Parallel()

	w := Window{
		Lower: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Upper: time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "2024-01-01..2024-03-30", w.Key())
	assert.Equal(t, 90, w.Days())

	parsed, ok := ParseWindowKey(w.Key())
	require.True(t, ok)
	assert.True(t, parsed.Lower.Equal(w.Lower))
	assert.True(t, parsed.Upper.Equal(w.Upper))

	_, ok = ParseWindowKey("2024-03-30..2024-01-01")
	assert.False(t, ok)
	_, ok = ParseWindowKey("garbage")
	assert.False(t, ok)
}

func TestWindowContains(t *testing.T) {
	t.Parallel()

	w := Window{
		Lower: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Upper: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, w.Contains(time.Date(2024, 1, 31, 18, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSessionStateFresh(t *testing.T) {
	t.Parallel()

	captured := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	s := SessionState{Identity: "a@example.com", CapturedAt: captured, Validity: time.Hour}

	assert.True(t, s.Fresh(captured.Add(30*time.Minute)))
	assert.False(t, s.Fresh(captured.Add(2*time.Hour)))
	assert.False(t, SessionState{CapturedAt: captured}.Fresh(captured))
}

func TestCredentialRedacts(t *testing.T) {
	t.Parallel()

	c := Credential{Identity: "a@example.com", Secret: "hunter2"}
	assert.NotContains(t, c.String(), "hunter2")
	assert.True(t, c.Valid())
	assert.False(t, Credential{Identity: "a"}.Valid())
}

func TestRunReportStatus(t *testing.T) {
	t.Parallel()

	r := &RunReport{}
	assert.Equal(t, RunStatusComplete, r.Status())

	r.Deferred = []Deferral{{WindowKey: "k", Reason: DeferBlocked}}
	assert.Equal(t, RunStatusPartial, r.Status())

	r.Terminal = TerminalDetectionLockout
	assert.Equal(t, RunStatusFailed, r.Status())
}
