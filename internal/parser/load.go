// Package parser's entrypoint: LoadDirs turns a priority-ordered list of
// search directories into the fully-built, template-expanded unit table
// the dependency engine consumes (spec.md §4.1, §4.2).
package parser

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// LoadResult is the outcome of one LoadDirs pass.
type LoadResult struct {
	Units map[unit.ID]*unit.Unit
	// ConfigHash is a content hash of the merged, pre-fold RawFile per unit,
	// keyed by id; Loader.LoadAllNew (reload.go) compares this against
	// the previous pass to decide which units actually changed (spec.md
	// §9: "reload re-parses and diffs against the in-memory config").
	ConfigHash map[unit.ID]uint64
}

// LoadDirs parses every unit file reachable from dirs: tokenizing, merging
// drop-ins, instantiating templates referenced by a discovered instance
// file or by another unit's dependency list, and folding the result into
// *unit.Unit values.
func LoadDirs(log hclog.Logger, dirs []string, instanceRefs []unit.ID) (*LoadResult, error) {
	discovered, err := Discover(log, dirs)
	if err != nil {
		return nil, err
	}

	rawByID := map[unit.ID]*RawFile{}
	for id, df := range discovered {
		rf, err := readMerged(log, df)
		if err != nil {
			log.Warn("failed to parse unit file, skipping", "unit", id, "err", err)
			continue
		}
		rawByID[id] = rf
	}

	// Materialize template instances that only exist because something
	// else references them (e.g. "getty@tty1.service" via a Wants= line,
	// with only "getty@.service" on disk).
	refs := append([]unit.ID{}, instanceRefs...)
	for id, rf := range rawByID {
		if df, ok := discovered[id]; ok {
			refs = append(append(refs, df.wants...), df.requires...)
		}
		for _, e := range rf.Section("Unit") {
			if e.Key == "Wants" || e.Key == "Requires" || e.Key == "BindsTo" {
				for _, name := range splitList(e.Value) {
					if ref, err := parseIDOrDefault(name, id.Kind); err == nil {
						refs = append(refs, ref)
					}
				}
			}
		}
	}
	for _, ref := range refs {
		if !ref.IsInstance() {
			continue
		}
		if _, ok := rawByID[ref]; ok {
			continue
		}
		tmplID := ref.TemplateID()
		tmplRF, ok := rawByID[tmplID]
		if !ok {
			continue
		}
		rawByID[ref] = Instantiate(tmplRF, ref.Instance())
	}

	units := map[unit.ID]*unit.Unit{}
	hashes := map[unit.ID]uint64{}
	for id, rf := range rawByID {
		if id.IsTemplate() {
			continue // templates aren't activatable units themselves
		}
		u, err := Build(id, rf)
		if err != nil {
			log.Warn("failed to build unit, skipping", "unit", id, "err", err)
			continue
		}
		if df, ok := discovered[id]; ok {
			u.Dependencies.Wants = mergeUnique(u.Dependencies.Wants, df.wants)
			u.Dependencies.Requires = mergeUnique(u.Dependencies.Requires, df.requires)
		}
		units[id] = u

		h, err := hashstructure.Hash(rf.Entries, nil)
		if err == nil {
			hashes[id] = h
		}
	}

	return &LoadResult{Units: units, ConfigHash: hashes}, nil
}

// readMerged tokenizes df's main file and every drop-in, in merge order.
func readMerged(log hclog.Logger, df *discoveredFile) (*RawFile, error) {
	f, err := os.Open(df.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", df.path, err)
	}
	defer f.Close()

	rf, err := Tokenize(log, df.path, f)
	if err != nil {
		return nil, err
	}

	for _, dropIn := range df.dropIns {
		df, err := os.Open(dropIn)
		if err != nil {
			log.Warn("cannot open drop-in, skipping", "file", dropIn, "err", err)
			continue
		}
		drf, err := Tokenize(log, dropIn, df)
		df.Close()
		if err != nil {
			log.Warn("cannot parse drop-in, skipping", "file", dropIn, "err", err)
			continue
		}
		rf.Append(drf)
	}
	return rf, nil
}

func mergeUnique(a, b []unit.ID) []unit.ID {
	seen := map[unit.ID]bool{}
	for _, x := range a {
		seen[x] = true
	}
	out := append([]unit.ID{}, a...)
	for _, x := range b {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

// GenerateGettyUnits synthesizes "getty@ttyN.service" activation references
// for the console ttys named in activeConsoles, the Go-side equivalent of
// systemd's getty generator (supplementing spec.md's distilled scope with
// the console-autospawn behavior original_source implements directly
// against a fixed getty@.service template rather than a generator binary).
func GenerateGettyUnits(activeConsoles []string) []unit.ID {
	var out []unit.ID
	for _, tty := range activeConsoles {
		tty = strings.TrimPrefix(tty, "/dev/")
		out = append(out, unit.ID{Kind: unit.KindService, Name: "getty@" + tty})
	}
	return out
}
