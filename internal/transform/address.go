package transform

import (
	"regexp"
	"strings"
)

var cityStateZip = regexp.MustCompile(`^(?:(.*?)\s+)?([A-Za-z]{2})\s+(\d{5}(?:-\d{4})?)$`)

// MailingParts are the components split out of a free-form mailing address.
type MailingParts struct {
	Street *string
	City   *string
	State  *string
	Zip    *string
}

// SplitMailingAddress breaks "STREET, CITY, ST 12345" style addresses apart.
// Newlines count as separators. When no state/zip tail is found the whole
// address is returned as the street.
func SplitMailingAddress(raw string) MailingParts {
	normalized := strings.NewReplacer("\r\n", ",", "\n", ",").Replace(raw)
	var parts []string
	for _, p := range strings.Split(normalized, ",") {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return MailingParts{}
	}

	last := parts[len(parts)-1]
	m := cityStateZip.FindStringSubmatch(last)
	if m == nil {
		return MailingParts{Street: strPtr(strings.Join(parts, ", "))}
	}
	out := MailingParts{
		State: strPtr(strings.ToUpper(m[2])),
		Zip:   strPtr(m[3]),
	}
	head := parts[:len(parts)-1]
	city := m[1]
	switch {
	case len(head) == 0:
		// single line: everything before the state is the street
		if city != "" {
			out.Street = strPtr(city)
		}
		return out
	case city == "" && len(head) >= 2:
		city = head[len(head)-1]
		head = head[:len(head)-1]
	}
	if city != "" {
		out.City = strPtr(city)
	}
	if len(head) > 0 {
		out.Street = strPtr(strings.Join(head, ", "))
	}
	return out
}

func strPtr(s string) *string {
	return &s
}
