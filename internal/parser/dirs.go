package parser

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// discoveredFile is one on-disk unit file found while walking the search
// path, plus the .wants/.requires directory entries and .d/ drop-ins that
// apply to it.
type discoveredFile struct {
	id       unit.ID
	path     string  // the winning file, first-dir-wins (spec.md §6)
	symlink  bool    // true if path is itself a symlink (alias)
	dropIns  []string // .conf files under <name>.d/, sorted
	wants    []unit.ID
	requires []unit.ID
}

// Discover walks every dir in dirs (priority order, first occurrence of a
// name wins) and returns one discoveredFile per distinct concrete or
// template unit name found (spec.md §4.1, §6). Alias names (a symlinked
// unit file naming another unit) get no entry of their own; they only add
// their .wants/.requires entries to the real unit's discoveredFile.
func Discover(log hclog.Logger, dirs []string) (map[unit.ID]*discoveredFile, error) {
	found := map[unit.ID]*discoveredFile{}
	aliasTargets := map[unit.ID]unit.ID{} // alias id -> real id

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn("cannot read unit directory", "dir", dir, "err", err)
			continue
		}
		for _, ent := range entries {
			name := ent.Name()
			if ent.IsDir() {
				continue
			}
			id, err := unit.ParseID(name)
			if err != nil {
				continue // not a recognized unit file suffix
			}
			full := filepath.Join(dir, name)
			if _, already := found[id]; already {
				continue // earlier (higher-priority) dir already won
			}

			info, err := os.Lstat(full)
			if err != nil {
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				target, err := os.Readlink(full)
				if err == nil {
					realID, err := unit.ParseID(filepath.Base(target))
					if err == nil && realID != id {
						aliasTargets[id] = realID
						continue
					}
				}
			}

			df := &discoveredFile{id: id, path: full, symlink: info.Mode()&os.ModeSymlink != 0}
			df.dropIns = findDropIns(dir, name)
			df.wants = findDirDeps(dir, name, ".wants")
			df.requires = findDirDeps(dir, name, ".requires")
			found[id] = df
		}
	}

	// Resolve aliases: an alias contributes its WantedBy/RequiredBy-driven
	// .wants/.requires entries to the real unit, same as systemd treats a
	// unit-file symlink as another name for the same unit.
	for aliasID, realID := range aliasTargets {
		real, ok := found[realID]
		if !ok {
			continue
		}
		real.wants = append(real.wants, findDirDepsAnyDir(dirs, aliasID.String(), ".wants")...)
		real.requires = append(real.requires, findDirDepsAnyDir(dirs, aliasID.String(), ".requires")...)
	}

	return found, nil
}

// findDropIns returns the sorted .conf files under "<name>.d/" in dir,
// merged in alphabetical order after the main file (spec.md §4.1).
func findDropIns(dir, name string) []string {
	dropDir := filepath.Join(dir, name+".d")
	entries, err := os.ReadDir(dropDir)
	if err != nil {
		return nil
	}
	var confs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
			confs = append(confs, filepath.Join(dropDir, e.Name()))
		}
	}
	sort.Strings(confs)
	return confs
}

// findDirDeps lists the units symlinked into "<name>.wants/" or
// "<name>.requires/" next to the unit file itself (spec.md §4.1's
// directory-dependency rule, folded into Requires/Wants by the dependency
// engine in internal/depgraph).
func findDirDeps(dir, name, suffix string) []unit.ID {
	depDir := filepath.Join(dir, name+suffix)
	entries, err := os.ReadDir(depDir)
	if err != nil {
		return nil
	}
	var out []unit.ID
	for _, e := range entries {
		id, err := unit.ParseID(e.Name())
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func findDirDepsAnyDir(dirs []string, name, suffix string) []unit.ID {
	var out []unit.ID
	for _, dir := range dirs {
		out = append(out, findDirDeps(dir, name, suffix)...)
	}
	return out
}
