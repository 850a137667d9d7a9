package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Node is an optional view into a decoded JSON document. Lookups on a missing
// node yield another missing node, so chained paths never fail.
type Node struct {
	value any
	ok    bool
}

// Decode parses body with json.Number preserved and returns the root node.
func Decode(body []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Node{}, fmt.Errorf("decode record card: %w", err)
	}
	return Node{value: doc, ok: true}, nil
}

// Root wraps an already decoded value.
func Root(v any) Node {
	return Node{value: v, ok: true}
}

// Get walks keys in order. Objects are indexed by key; arrays accept numeric
// string indices so "0" works against both shapes the upstream emits.
func (n Node) Get(keys ...string) Node {
	cur := n
	for _, key := range keys {
		if !cur.ok {
			return Node{}
		}
		switch v := cur.value.(type) {
		case map[string]any:
			next, ok := v[key]
			cur = Node{value: next, ok: ok}
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return Node{}
			}
			cur = Node{value: v[idx], ok: true}
		default:
			return Node{}
		}
	}
	return cur
}

// Exists reports whether the path resolved to a non-null value.
func (n Node) Exists() bool {
	return n.ok && n.value != nil
}

// IsObject reports whether the node holds an object or an array.
func (n Node) IsObject() bool {
	switch n.value.(type) {
	case map[string]any, []any:
		return n.ok
	default:
		return false
	}
}

// Value returns the raw decoded value, or nil when missing.
func (n Node) Value() any {
	if !n.ok {
		return nil
	}
	return n.value
}

// Text renders scalars as a string; objects, arrays and null yield nil.
func (n Node) Text() *string {
	if !n.ok {
		return nil
	}
	var s string
	switch v := n.value.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case bool:
		s = strconv.FormatBool(v)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return nil
	}
	return &s
}

// TrimmedText is Text with surrounding whitespace removed; blank becomes nil.
func (n Node) TrimmedText() *string {
	s := n.Text()
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// Bool interprets JSON booleans and common string spellings.
func (n Node) Bool() (bool, bool) {
	if !n.Exists() {
		return false, false
	}
	switch v := n.value.(type) {
	case bool:
		return v, true
	case json.Number:
		return v.String() != "0", true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}
