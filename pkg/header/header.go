// Package header provides the ordered header list shared by all three
// protocol engines, together with the validation rules the wire formats
// demand: token-restricted names, CR/LF/NUL-free values, pseudo-header
// ordering on HTTP/2 and HTTP/3, and canonical HTTP/1.1 serialization.
package header

import (
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/GhostKellz/zhttp/pkg/errors"
)

// EntryOverhead is the per-entry size overhead used for dynamic-table and
// field-section size accounting (RFC 7541 Section 4.1; reused by RFC 9204).
const EntryOverhead = 32

// Field is a single header field. Name comparisons are case-insensitive;
// the zero Field is valid and empty.
type Field struct {
	Name  string
	Value string
}

// Size returns the field's size for table accounting purposes.
func (f Field) Size() int {
	return len(f.Name) + len(f.Value) + EntryOverhead
}

// IsPseudo reports whether the field is a pseudo-header (":"-prefixed).
func (f Field) IsPseudo() bool {
	return len(f.Name) > 0 && f.Name[0] == ':'
}

// List is an ordered list of header fields. Order is preserved through
// encode/decode round trips on every engine.
type List []Field

// Add appends a field.
func (l *List) Add(name, value string) {
	*l = append(*l, Field{Name: name, Value: value})
}

// Get returns the first value for name, matching case-insensitively.
func (l List) Get(name string) string {
	for _, f := range l {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name, in order.
func (l List) Values(name string) []string {
	var vals []string
	for _, f := range l {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether at least one field with the given name exists.
func (l List) Has(name string) bool {
	for _, f := range l {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces every field named name with a single field holding value,
// appending if none exists.
func (l *List) Set(name, value string) {
	l.Del(name)
	l.Add(name, value)
}

// Del removes every field with the given name.
func (l *List) Del(name string) {
	out := (*l)[:0]
	for _, f := range *l {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*l = out
}

// Clone returns a deep copy of the list.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	copy(out, l)
	return out
}

// Size returns the field-section size of the list (name + value + overhead
// per field), the quantity SETTINGS_MAX_HEADER_LIST_SIZE bounds.
func (l List) Size() int {
	n := 0
	for _, f := range l {
		n += f.Size()
	}
	return n
}

// connection-specific fields must not appear on HTTP/2 or HTTP/3
// (RFC 9113 Section 8.2.2, RFC 9114 Section 4.2).
var connectionSpecific = [...]string{
	"connection",
	"keep-alive",
	"proxy-connection",
	"transfer-encoding",
	"upgrade",
}

// IsConnectionSpecific reports whether name is forbidden on H2/H3.
// The "te" field is allowed only with the value "trailers" and is checked
// separately by the engines.
func IsConnectionSpecific(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range connectionSpecific {
		if lower == h {
			return true
		}
	}
	return false
}

// ValidName reports whether name is a valid field name per the token ABNF.
// Pseudo-header names are validated against the known set elsewhere.
func ValidName(name string) bool {
	return name != "" && httpguts.ValidHeaderFieldName(name)
}

// ValidValue reports whether value is a legal field value: an opaque byte
// sequence excluding raw CR, LF and NUL.
func ValidValue(value string) bool {
	return httpguts.ValidHeaderFieldValue(value)
}

// requestPseudo and responsePseudo are the pseudo-header names defined by
// RFC 9113 Section 8.3 / RFC 9114 Section 4.3.
var requestPseudo = map[string]bool{
	":method":    true,
	":path":      true,
	":scheme":    true,
	":authority": true,
}

var responsePseudo = map[string]bool{
	":status": true,
}

// CheckEncodable validates a list before HPACK/QPACK encoding: names and
// values must be well formed, names lower-case, and no connection-specific
// fields present.
func CheckEncodable(l List) error {
	for _, f := range l {
		if f.IsPseudo() {
			if !requestPseudo[f.Name] && !responsePseudo[f.Name] {
				return malformed("unknown pseudo header " + f.Name)
			}
			continue
		}
		if !ValidName(f.Name) {
			return malformed("invalid header field name " + quote(f.Name))
		}
		if strings.ToLower(f.Name) != f.Name {
			return malformed("header field name not lower-case: " + f.Name)
		}
		if IsConnectionSpecific(f.Name) {
			return malformed("connection-specific header field " + f.Name)
		}
		if !ValidValue(f.Value) {
			return malformed("invalid value for header field " + f.Name)
		}
	}
	return nil
}

// CheckDecoded validates a decoded H2/H3 field section: pseudo-headers must
// precede regular fields, appear at most once each, and match the message
// direction. isTrailer forbids pseudo-headers entirely.
func CheckDecoded(l List, isRequest, isTrailer bool) error {
	seen := map[string]bool{}
	sawRegular := false
	for _, f := range l {
		if f.IsPseudo() {
			if isTrailer {
				return malformed("pseudo header " + f.Name + " in trailers")
			}
			if sawRegular {
				return malformed("pseudo header " + f.Name + " after regular header field")
			}
			if seen[f.Name] {
				return malformed("duplicate pseudo header " + f.Name)
			}
			seen[f.Name] = true
			if isRequest && !requestPseudo[f.Name] {
				return malformed("invalid request pseudo header " + f.Name)
			}
			if !isRequest && !responsePseudo[f.Name] {
				return malformed("invalid response pseudo header " + f.Name)
			}
			continue
		}
		sawRegular = true
		if !ValidName(f.Name) || strings.ToLower(f.Name) != f.Name {
			return malformed("invalid header field name " + quote(f.Name))
		}
		if IsConnectionSpecific(f.Name) {
			return malformed("connection-specific header field " + f.Name)
		}
		if strings.ToLower(f.Name) == "te" && f.Value != "trailers" {
			return malformed("invalid TE header field value " + quote(f.Value))
		}
		if !ValidValue(f.Value) {
			return malformed("invalid value for header field " + f.Name)
		}
	}
	return nil
}

// SynthesizeHost returns the list with a Host field derived from :authority,
// the form HTTP/1.1 consumers expect after an H2/H3 decode. Pseudo-headers
// are stripped.
func SynthesizeHost(l List) List {
	out := make(List, 0, len(l)+1)
	if auth := l.Get(":authority"); auth != "" {
		out = append(out, Field{Name: "host", Value: auth})
	}
	for _, f := range l {
		if !f.IsPseudo() {
			out = append(out, f)
		}
	}
	return out
}

// Canonical returns the canonical HTTP/1.1 display form of a field name
// (e.g. "content-length" -> "Content-Length").
func Canonical(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// LowerAll returns a copy of the list with every name lower-cased, the form
// required on the H2/H3 wire.
func LowerAll(l List) List {
	out := make(List, len(l))
	for i, f := range l {
		out[i] = Field{Name: strings.ToLower(f.Name), Value: f.Value}
	}
	return out
}

func malformed(msg string) error {
	return errors.NewProtocolErrorTag(errors.TagMalformedMessage, "header", msg)
}

func quote(s string) string {
	return `"` + s + `"`
}
