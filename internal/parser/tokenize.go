// Package parser implements the Unit Parser of spec.md §4.1: reading INI-
// style unit files from the search-path directories, applying drop-ins,
// instantiating templates, and resolving symlink aliases.
//
// Section/key tokenization is delegated to coreos/go-systemd/unit, the same
// scanner systemd-aware Go tools have used for years to turn a unit file
// into an ordered []*unit.UnitOption{Section, Name, Value} list; it already
// implements the comment (#, ;), blank-line, CRLF, and trailing-backslash-
// continuation rules spec.md §4.1 calls for, so this package only adds the
// systemd-rs-specific folding on top: list-valued keys, octal/bool/duration
// parsing, drop-in merge, template instantiation, and alias resolution.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	sdunit "github.com/coreos/go-systemd/unit"

	"github.com/hashicorp/go-hclog"
)

// knownSections is the set of [SectionName] headers this engine understands
// (spec.md §6).
var knownSections = map[string]bool{
	"Unit":    true,
	"Install": true,
	"Service": true,
	"Socket":  true,
	"Target":  true,
	"Slice":   true,
	"Timer":   true,
	"Mount":   true,
}

// RawEntry is one Key=Value pair with the section it appeared in.
type RawEntry struct {
	Section string
	Key     string
	Value   string
}

// RawFile is the tokenized, section-filtered, but not-yet-folded contents
// of one unit file.
type RawFile struct {
	Entries []RawEntry
}

// Tokenize reads r and returns every recognized-section entry in line
// order. Unknown, non-"X-"-prefixed sections are logged at warn level and
// dropped; "[X-*]" vendor sections are dropped silently (spec.md §4.1).
func Tokenize(log hclog.Logger, sourceName string, r io.Reader) (*RawFile, error) {
	opts, err := sdunit.Deserialize(r)
	if err != nil {
		return nil, fmt.Errorf("tokenizing %s: %w", sourceName, err)
	}
	rf := &RawFile{}
	seenUnknown := map[string]bool{}
	for _, o := range opts {
		if o.Section == "" {
			continue
		}
		if strings.HasPrefix(o.Section, "X-") {
			continue
		}
		if !knownSections[o.Section] {
			if !seenUnknown[o.Section] {
				log.Warn("unrecognized unit-file section, ignoring", "file", sourceName, "section", o.Section)
				seenUnknown[o.Section] = true
			}
			continue
		}
		rf.Entries = append(rf.Entries, RawEntry{Section: o.Section, Key: o.Name, Value: o.Value})
	}
	return rf, nil
}

// Serialize turns a RawFile back into unit-file text, round-tripping
// through the same coreos/go-systemd/unit option type Tokenize produced
// (spec.md §8: "Parsing -> serializing -> parsing a unit file yields the
// same in-memory model").
func Serialize(rf *RawFile) string {
	opts := make([]*sdunit.UnitOption, 0, len(rf.Entries))
	for _, e := range rf.Entries {
		opts = append(opts, &sdunit.UnitOption{Section: e.Section, Name: e.Key, Value: e.Value})
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(sdunit.Serialize(opts))
	return buf.String()
}

// Append merges another RawFile's entries after this one's, in file order —
// the drop-in merge step of spec.md §4.1 ("the effective unit is reparsed
// with the drop-in content appended in alphabetical order after the main
// file").
func (rf *RawFile) Append(other *RawFile) {
	rf.Entries = append(rf.Entries, other.Entries...)
}

// Section returns every entry for one section, in file order.
func (rf *RawFile) Section(name string) []RawEntry {
	var out []RawEntry
	for _, e := range rf.Entries {
		if e.Section == name {
			out = append(out, e)
		}
	}
	return out
}
