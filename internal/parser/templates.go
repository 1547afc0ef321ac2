package parser

import "strings"

// expandSpecifiers substitutes the %i/%I specifiers spec.md §4.1 calls out
// for template units: "%i" is the raw instance string, "%I" is the same
// string with "-" unescaped back to "/" (systemd's path-escaping
// convention for instance names derived from a filesystem path).
func expandSpecifiers(s, instance string) string {
	if !strings.Contains(s, "%i") && !strings.Contains(s, "%I") {
		return s
	}
	unescaped := strings.ReplaceAll(instance, "-", "/")
	s = strings.ReplaceAll(s, "%I", unescaped)
	s = strings.ReplaceAll(s, "%i", instance)
	return s
}

// expandEntries returns a copy of entries with every value specifier-
// expanded for the given instance. Used when materializing a template
// instance from its "foo@.service" RawFile (spec.md §4.1).
func expandEntries(entries []RawEntry, instance string) []RawEntry {
	out := make([]RawEntry, len(entries))
	for i, e := range entries {
		out[i] = RawEntry{
			Section: e.Section,
			Key:     e.Key,
			Value:   expandSpecifiers(e.Value, instance),
		}
	}
	return out
}

// Instantiate builds the RawFile for "name@instance.kind" from the parsed
// template "name@.kind", substituting %i/%I in every value.
func Instantiate(templateRF *RawFile, instance string) *RawFile {
	return &RawFile{Entries: expandEntries(templateRF.Entries, instance)}
}
