/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// HTTPHeader is a single header line.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered list of HTTP headers with case-insensitive name
// lookups. The zero value is an empty header list.
type Headers struct {
	entries []HTTPHeader
}

// NewHeaders returns headers holding the given entries in order.
func NewHeaders(entries ...HTTPHeader) Headers {
	h := Headers{entries: make([]HTTPHeader, len(entries))}
	copy(h.entries, entries)
	return h
}

// headersFromNetwork converts protocol headers. The protocol sends them as
// an object, so the original order is lost: entries are sorted by name to
// keep the result stable. Values joined with a newline are split into
// separate entries.
func headersFromNetwork(nh network.Headers) Headers {
	names := make([]string, 0, len(nh))
	for n := range nh {
		names = append(names, n)
	}
	sort.Strings(names)

	var h Headers
	for _, n := range names {
		var v string
		switch tv := nh[n].(type) {
		case string:
			v = tv
		case nil:
			continue
		default:
			v = fmt.Sprint(tv)
		}
		for _, line := range strings.Split(v, "\n") {
			h.entries = append(h.entries, HTTPHeader{Name: n, Value: line})
		}
	}
	return h
}

// Len returns the number of header lines.
func (h Headers) Len() int { return len(h.entries) }

// Get returns the first value of the header called name.
func (h Headers) Get(name string) (string, bool) {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}
	return "", false
}

// Values returns every value of the header called name.
func (h Headers) Values(name string) []string {
	var vv []string
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			vv = append(vv, e.Value)
		}
	}
	return vv
}

// Entries returns a copy of the header lines in order.
func (h Headers) Entries() []HTTPHeader {
	out := make([]HTTPHeader, len(h.entries))
	copy(out, h.entries)
	return out
}

// Clone returns an independent copy of h.
func (h Headers) Clone() Headers {
	return Headers{entries: h.Entries()}
}

// Add appends a header line.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, HTTPHeader{Name: name, Value: value})
}

// Set replaces every line of the header called name with a single one,
// kept at the position of the first replaced line.
func (h *Headers) Set(name, value string) {
	at := -1
	out := h.entries[:0:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.Name, name) {
			out = append(out, e)
			continue
		}
		if at < 0 {
			at = len(out)
			out = append(out, HTTPHeader{Name: name, Value: value})
		}
	}
	if at < 0 {
		out = append(out, HTTPHeader{Name: name, Value: value})
	}
	h.entries = out
}

// Del removes every line of the header called name.
func (h *Headers) Del(name string) {
	out := h.entries[:0:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.Name, name) {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Map returns the headers keyed by lower-cased name. Repeated headers are
// joined with ", ".
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		k := strings.ToLower(e.Name)
		if v, ok := m[k]; ok {
			m[k] = v + ", " + e.Value
			continue
		}
		m[k] = e.Value
	}
	return m
}

func (h Headers) toNetwork() network.Headers {
	nh := make(network.Headers, len(h.entries))
	for k, v := range h.Map() {
		nh[k] = v
	}
	return nh
}

func (h Headers) toFetch() []*fetch.HeaderEntry {
	out := make([]*fetch.HeaderEntry, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, &fetch.HeaderEntry{Name: e.Name, Value: e.Value})
	}
	return out
}
