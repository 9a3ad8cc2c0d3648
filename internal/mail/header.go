package mail

import (
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
)

// Header is an ordered, case-insensitive multimap of message header fields.
// Names keep the spelling of their first occurrence; values are decoded and
// unfolded.
type Header struct {
	names  []string
	values map[string][]string
}

var foldedWhitespace = regexp.MustCompile(`\r?\n[ \t]+`)

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{values: make(map[string][]string)}
}

func headerFromEntity(h gomessage.Header) *Header {
	out := NewHeader()
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out.Add(fields.Key(), value)
	}
	return out
}

// Add appends a value for name.
func (h *Header) Add(name, value string) {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, name)
	}
	value = foldedWhitespace.ReplaceAllString(value, " ")
	h.values[key] = append(h.values[key], strings.TrimSpace(value))
}

// Get returns the first value for name, or "" when absent.
func (h *Header) Get(name string) string {
	if h == nil {
		return ""
	}
	vals := h.values[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Values returns every value for name in message order.
func (h *Header) Values(name string) []string {
	if h == nil {
		return nil
	}
	return h.values[strings.ToLower(name)]
}

// Has reports whether name carries a non-empty value.
func (h *Header) Has(name string) bool {
	return h.Get(name) != ""
}

// Contains reports whether name is present at all, even with an empty value.
func (h *Header) Contains(name string) bool {
	if h == nil {
		return false
	}
	return len(h.values[strings.ToLower(name)]) > 0
}

// Names returns header names in order of first appearance.
func (h *Header) Names() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.names...)
}

// Len returns the number of distinct header names.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.names)
}
