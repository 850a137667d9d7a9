package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCurrency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want *float64
	}{
		{name: "formatted dollars", in: "$1,234.56", want: floatPtr(1234.56)},
		{name: "zero string", in: "0", want: floatPtr(0)},
		{name: "empty string", in: "", want: nil},
		{name: "null", in: nil, want: nil},
		{name: "only symbols", in: "$ -", want: nil},
		{name: "json number", in: json.Number("250000"), want: floatPtr(250000)},
		{name: "negative", in: "-$12.50", want: floatPtr(-12.5)},
		{name: "garbage after strip", in: "1.2.3", want: nil},
		{name: "bool", in: true, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ParseCurrency(tc.in)
			if tc.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.InDelta(t, *tc.want, *got, 1e-9)
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	iso := ParseDate("03/15/2024")
	require.NotNil(t, iso)
	require.Equal(t, "2024-03-15", iso.Format(time.DateOnly))

	require.Nil(t, ParseDate("not-a-date"))
	require.Nil(t, ParseDate("02/30/2024"))
	require.Nil(t, ParseDate(""))
	require.Nil(t, ParseDate(nil))

	short := ParseDate("3/5/2019")
	require.NotNil(t, short)
	require.Equal(t, "2019-03-05", short.Format(time.DateOnly))
}

func TestParseIntAndNumber(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1954, *ParseInt("1954"))
	require.Equal(t, 2, *ParseInt(json.Number("2.0")))
	require.Equal(t, 3, *ParseInt(" 3 "))
	require.Nil(t, ParseInt("N/A"))
	require.Nil(t, ParseInt(""))
	require.InDelta(t, 1.5, *ParseNumber("1.5"), 1e-9)
	require.Nil(t, ParseNumber(map[string]any{}))
}

func TestParseYearAreaAndFlags(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2024, *ParseYear("07/01/2024"))
	require.Equal(t, 2023, *ParseYear("2023"))
	require.Nil(t, ParseYear("12"))

	require.Equal(t, 1850, *ParseArea("1,850 sqft"))
	require.Equal(t, 900, *ParseArea(json.Number("900")))
	require.Nil(t, ParseArea("unknown"))

	require.True(t, *ParseYesNo("Yes"))
	require.False(t, *ParseYesNo("no"))
	require.Nil(t, ParseYesNo("maybe"))
}

func TestSplitMailingAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		street string
		city   string
		state  string
		zip    string
	}{
		{
			name: "comma separated", in: "123 MAIN ST, NORFOLK, VA 23510",
			street: "123 MAIN ST", city: "NORFOLK", state: "VA", zip: "23510",
		},
		{
			name: "newline with zip plus four", in: "PO BOX 1\nVIRGINIA BEACH va 23451-1234",
			street: "PO BOX 1", city: "VIRGINIA BEACH", state: "VA", zip: "23451-1234",
		},
		{
			name: "single line", in: "400 GRANBY ST VA 23510",
			street: "400 GRANBY ST", state: "VA", zip: "23510",
		},
		{
			name: "no state tail", in: "C/O TRUST DEPT",
			street: "C/O TRUST DEPT",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SplitMailingAddress(tc.in)
			require.Equal(t, tc.street, deref(got.Street))
			require.Equal(t, tc.city, deref(got.City))
			require.Equal(t, tc.state, deref(got.State))
			require.Equal(t, tc.zip, deref(got.Zip))
		})
	}

	require.Equal(t, MailingParts{}, SplitMailingAddress("  "))
}

func floatPtr(f float64) *float64 {
	return &f
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
