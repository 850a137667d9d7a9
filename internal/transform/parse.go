package transform

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const upstreamDateLayout = "1/2/2006"

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// ParseCurrency strips everything but digits, '.' and '-' and parses the rest.
// Empty or unparsable input yields nil, never zero.
func ParseCurrency(v any) *float64 {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return &x
	case json.Number:
		return ParseCurrency(x.String())
	case string:
		cleaned := nonNumeric.ReplaceAllString(x, "")
		if cleaned == "" {
			return nil
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// ParseNumber accepts JSON numbers or numeric strings without stripping.
func ParseNumber(v any) *float64 {
	var raw string
	switch x := v.(type) {
	case float64:
		return &x
	case json.Number:
		raw = x.String()
	case string:
		raw = strings.TrimSpace(x)
	default:
		return nil
	}
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseInt is ParseNumber truncated toward zero.
func ParseInt(v any) *int {
	f := ParseNumber(v)
	if f == nil {
		return nil
	}
	i := int(math.Trunc(*f))
	return &i
}

// ParseDate reads an upstream MM/DD/YYYY date. Anything else yields nil.
func ParseDate(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(upstreamDateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// ParseYear takes the year from an MM/DD/YYYY date or a bare four digit year.
func ParseYear(v any) *int {
	if t := ParseDate(v); t != nil {
		y := t.Year()
		return &y
	}
	y := ParseInt(v)
	if y == nil || *y < 1000 || *y > 9999 {
		return nil
	}
	return y
}

// ParseArea reads values like "1,850 sqft".
func ParseArea(v any) *int {
	s, ok := v.(string)
	if !ok {
		return ParseInt(v)
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(strings.TrimSpace(s), "sqft")
	return ParseInt(strings.TrimSpace(s))
}

// ParseYesNo maps Yes/No flags.
func ParseYesNo(v any) *bool {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	var b bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y":
		b = true
	case "no", "n":
		b = false
	default:
		return nil
	}
	return &b
}
