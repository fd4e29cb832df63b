// Copyright (c) 2025 NSVK

package internal

import (
	"sort"
	"strconv"
	"strings"
)

// Params holds request parameters destined for the query string or the JSON
// body. Values must be strings or booleans; amounts are always transmitted
// as decimal strings to avoid floating-point drift on the wire.
type Params map[string]any

// Canonical flattens params for signing. Booleans serialize as the literals
// "true"/"false", matching their JSON form in the request body.
func (p Params) Canonical() map[string]string {
	m := make(map[string]string, len(p))
	for k, v := range p {
		switch t := v.(type) {
		case string:
			m[k] = t
		case bool:
			m[k] = strconv.FormatBool(t)
		}
	}
	return m
}

// SigningString builds the canonical byte string the exchange verifies: all
// parameters sorted by key, then timestamp and window appended, prefixed
// with the instruction name when one applies. The result is deterministic
// for a given input.
func SigningString(instruction string, params map[string]string, timestamp, window string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	if instruction != "" {
		sb.WriteString("instruction=")
		sb.WriteString(instruction)
		sb.WriteByte('&')
	}
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}
	sb.WriteString("timestamp=")
	sb.WriteString(timestamp)
	sb.WriteString("&window=")
	sb.WriteString(window)
	return sb.String()
}
