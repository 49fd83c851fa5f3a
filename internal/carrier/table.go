package carrier

import (
	"sort"
	"strings"
)

// DefaultID is the generic GSM entry used when a carrier is unknown.
const DefaultID = "default"

const numberPlaceholder = "{NUMBER}"

// Entry holds the dial strings that enable and disable unconditional call
// forwarding toward the inbound-answering number.
type Entry struct {
	CarrierID   string
	EnableCode  string
	DisableCode string
	DisplayName string
}

// GSM MMI codes (**21*N# / ##21#) for most networks; CDMA-heritage carriers use
// the vertical service codes *72N / *73.
var templates = []Entry{
	{CarrierID: DefaultID, EnableCode: "**21*{NUMBER}#", DisableCode: "##21#", DisplayName: "Default (GSM)"},
	{CarrierID: "att", EnableCode: "*21*{NUMBER}#", DisableCode: "#21#", DisplayName: "AT&T"},
	{CarrierID: "tmobile", EnableCode: "**21*{NUMBER}#", DisableCode: "##21#", DisplayName: "T-Mobile"},
	{CarrierID: "verizon", EnableCode: "*72{NUMBER}", DisableCode: "*73", DisplayName: "Verizon"},
	{CarrierID: "uscellular", EnableCode: "*72{NUMBER}", DisableCode: "*720", DisplayName: "US Cellular"},
	{CarrierID: "sprint", EnableCode: "*72{NUMBER}", DisableCode: "*720", DisplayName: "Sprint"},
}

// Table maps carrier identifiers to forwarding codes. It is immutable after
// NewTable returns and safe for concurrent use.
type Table struct {
	number  string
	entries map[string]Entry
}

// NewTable renders the built-in code templates for the given destination
// number. Formatting characters in number are stripped; a leading + is kept.
func NewTable(number string) *Table {
	n := normalizeNumber(number)
	t := &Table{number: n, entries: make(map[string]Entry, len(templates))}
	for _, tpl := range templates {
		e := tpl
		e.EnableCode = strings.ReplaceAll(e.EnableCode, numberPlaceholder, n)
		e.DisableCode = strings.ReplaceAll(e.DisableCode, numberPlaceholder, n)
		t.entries[e.CarrierID] = e
	}
	return t
}

// Number returns the normalized forwarding destination.
func (t *Table) Number() string {
	return t.number
}

// Lookup returns the entry for carrierID, falling back to the default entry.
// The boolean reports whether carrierID itself was known.
func (t *Table) Lookup(carrierID string) (Entry, bool) {
	id := strings.ToLower(strings.TrimSpace(carrierID))
	if e, ok := t.entries[id]; ok {
		return e, true
	}
	return t.entries[DefaultID], false
}

// Resolve returns the dial string to enable or disable forwarding.
func (t *Table) Resolve(carrierID string, enabling bool) string {
	e, _ := t.Lookup(carrierID)
	if enabling {
		return e.EnableCode
	}
	return e.DisableCode
}

// Carriers lists every entry, default first and the rest by display name.
func (t *Table) Carriers() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CarrierID == DefaultID {
			return true
		}
		if out[j].CarrierID == DefaultID {
			return false
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func normalizeNumber(number string) string {
	number = strings.TrimSpace(number)
	var b strings.Builder
	for i, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
