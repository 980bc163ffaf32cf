package discovery

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceagles/receipt-tracker/internal/model"
)

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func keys(seq func(func(model.Window) bool)) []string {
	var out []string
	for w := range seq {
		out = append(out, w.Key())
	}
	return out
}

func TestWindows_MostRecentFirstAndClipped(t *testing.T) {
	r := Range{Since: day("2024-01-01"), Until: day("2024-03-15")}
	got := keys(Windows(r, 30))
	assert.Equal(t, []string{
		"2024-02-15..2024-03-15",
		"2024-01-16..2024-02-14",
		"2024-01-01..2024-01-15",
	}, got)
}

func TestWindows_CoverRangeWithoutGaps(t *testing.T) {
	r := Range{Since: day("2023-02-11"), Until: day("2024-07-04")}
	var ws []model.Window
	for w := range Windows(r, 45) {
		ws = append(ws, w)
	}
	require.NotEmpty(t, ws)
	assert.Equal(t, day("2024-07-04"), ws[0].Upper)
	assert.Equal(t, day("2023-02-11"), ws[len(ws)-1].Lower)
	total := 0
	for i, w := range ws {
		assert.LessOrEqual(t, w.Days(), 45)
		total += w.Days()
		if i > 0 {
			assert.Equal(t, ws[i-1].Lower.AddDate(0, 0, -1), w.Upper, "windows must be adjacent")
		}
	}
	assert.Equal(t, int(day("2024-07-04").Sub(day("2023-02-11")).Hours()/24)+1, total)
}

func TestWindows_SingleDay(t *testing.T) {
	r := Range{Since: day("2024-05-01"), Until: day("2024-05-01")}
	assert.Equal(t, []string{"2024-05-01..2024-05-01"}, keys(Windows(r, 90)))
}

func TestWindows_EmptyWhenInverted(t *testing.T) {
	r := Range{Since: day("2024-05-02"), Until: day("2024-05-01")}
	assert.Empty(t, keys(Windows(r, 90)))
}

func TestWindows_StopEarly(t *testing.T) {
	r := Range{Since: day("2020-01-01"), Until: day("2024-01-01")}
	n := 0
	for range Windows(r, 10) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestWindows_Deterministic(t *testing.T) {
	r := Range{Since: day("2022-01-01"), Until: day("2024-01-01")}
	assert.True(t, slices.Equal(keys(Windows(r, 90)), keys(Windows(r, 90))))
}

func TestParsePreset(t *testing.T) {
	now := time.Date(2024, 6, 15, 18, 30, 0, 0, time.UTC)
	tests := []struct {
		name  string
		since string
		until string
	}{
		{"last-3-months", "2024-03-15", "2024-06-15"},
		{"last-6-months", "2023-12-15", "2024-06-15"},
		{"Last-12-Months", "2023-06-15", "2024-06-15"},
		{"2023", "2023-01-01", "2023-12-31"},
		{"2024", "2024-01-01", "2024-06-15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParsePreset(tt.name, now)
			require.NoError(t, err)
			assert.Equal(t, day(tt.since), r.Since)
			assert.Equal(t, day(tt.until), r.Until)
			assert.NoError(t, r.Validate())
		})
	}
}

func TestParsePreset_Invalid(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	for _, name := range []string{"", "yesterday", "2031", "99"} {
		_, err := ParsePreset(name, now)
		assert.Error(t, err, name)
	}
}

func TestRange_Validate(t *testing.T) {
	assert.Error(t, Range{}.Validate())
	assert.Error(t, Range{Since: day("2024-02-01"), Until: day("2024-01-01")}.Validate())
	assert.NoError(t, Range{Since: day("2024-01-01"), Until: day("2024-01-01")}.Validate())
}

func TestFetchError(t *testing.T) {
	w := model.Window{Lower: day("2024-01-01"), Upper: day("2024-01-31")}
	cause := errors.New("timeout")
	err := &FetchError{Kind: KindBlocked, Window: w, Rule: "bot_detection", Err: cause}

	assert.Equal(t, "discovery: fetch 2024-01-01..2024-01-31: blocked (bot_detection): timeout", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindBlocked, KindOf(err))
	assert.Equal(t, model.DeferBlocked, err.DeferReason())
	assert.Equal(t, model.DeferAuthExpired, (&FetchError{Kind: KindAuthExpired}).DeferReason())
	assert.Equal(t, model.DeferTransientFetch, (&FetchError{Kind: KindTransientFetch}).DeferReason())
	assert.Equal(t, Kind(""), KindOf(cause))
}
