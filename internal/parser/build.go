package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// listValuedKeys is the set of Key= assignments that accumulate across
// repeated lines instead of last-value-wins, and whose list is reset by a
// bare "Key=" with an empty value (spec.md §4.1).
var listValuedKeys = map[string]bool{
	"Documentation":          true,
	"Before":                 true,
	"After":                  true,
	"Requires":               true,
	"Wants":                  true,
	"BindsTo":                true,
	"PartOf":                 true,
	"Conflicts":              true,
	"ExecStartPre":           true,
	"ExecStartPost":          true,
	"ExecStop":               true,
	"ExecStopPost":           true,
	"ExecReload":             true,
	"Environment":            true,
	"EnvironmentFile":        true,
	"ListenStream":           true,
	"ListenDatagram":         true,
	"ListenSequentialPacket": true,
	"ListenFIFO":             true,
	"ListenNetlink":          true,
	"ListenSpecial":          true,
	"OnCalendar":             true,
	"StateDirectory":         true,
	"RuntimeDirectory":       true,
	"SupplementaryGroups":    true,
}

// fold walks a section's entries applying the list-accumulate / empty-resets
// / last-value-wins rule uniformly, handing each resolved Key, Value pair to
// apply.
func fold(entries []RawEntry, apply func(key, value string, isReset bool)) {
	lists := map[string][]string{}
	for _, e := range entries {
		if !listValuedKeys[e.Key] {
			apply(e.Key, e.Value, false)
			continue
		}
		if e.Value == "" {
			lists[e.Key] = nil
			apply(e.Key, "", true)
			continue
		}
		lists[e.Key] = append(lists[e.Key], e.Value)
		apply(e.Key, e.Value, false)
	}
}

// Build folds a merged RawFile (main file plus any drop-ins, in append
// order) into a *unit.Unit. id must already reflect template instantiation
// (i.e. be the concrete or template ID the file was loaded for).
func Build(id unit.ID, rf *RawFile) (*unit.Unit, error) {
	u := unit.New(id)

	if err := buildUnitSection(u, rf.Section("Unit")); err != nil {
		return nil, fmt.Errorf("building %s: %w", id, err)
	}
	if err := buildInstallSection(u, rf.Section("Install")); err != nil {
		return nil, fmt.Errorf("building %s: %w", id, err)
	}

	var err error
	switch id.Kind {
	case unit.KindService:
		err = buildService(u, rf.Section("Service"))
	case unit.KindSocket:
		err = buildSocket(u, rf.Section("Socket"))
	case unit.KindTarget:
		// no type-specific section
	case unit.KindSlice:
		err = buildSlice(u, rf.Section("Slice"))
	case unit.KindTimer:
		err = buildTimer(u, rf.Section("Timer"))
	case unit.KindMount:
		err = buildMount(u, rf.Section("Mount"))
	}
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", id, err)
	}
	return u, nil
}

func buildUnitSection(u *unit.Unit, entries []RawEntry) error {
	var docs []string
	var before, after, requires, wants, bindsTo, partOf, conflicts []string

	fold(entries, func(key, value string, isReset bool) {
		switch key {
		case "Description":
			u.Config.Description = value
		case "Documentation":
			appendOrReset(&docs, value, isReset)
		case "Before":
			appendOrReset(&before, value, isReset)
		case "After":
			appendOrReset(&after, value, isReset)
		case "Requires":
			appendOrReset(&requires, value, isReset)
		case "Wants":
			appendOrReset(&wants, value, isReset)
		case "BindsTo":
			appendOrReset(&bindsTo, value, isReset)
		case "PartOf":
			appendOrReset(&partOf, value, isReset)
		case "Conflicts":
			appendOrReset(&conflicts, value, isReset)
		case "RefuseManualStart":
			u.Config.RefusesManualStart = parseBool(value)
		case "ConditionPathExists", "ConditionPathIsDirectory", "ConditionFileNotEmpty":
			cond := unit.Condition{Kind: key, Arg: value}
			if strings.HasPrefix(value, "!") {
				cond.Negate = true
				cond.Arg = value[1:]
			}
			u.Config.Conditions = append(u.Config.Conditions, cond)
		}
	})

	u.Config.Documentation = docs
	ids, err := parseIDList(before, u.ID.Kind)
	if err != nil {
		return err
	}
	u.Dependencies.Before = ids
	if ids, err = parseIDList(after, u.ID.Kind); err != nil {
		return err
	}
	u.Dependencies.After = ids
	if ids, err = parseIDList(requires, u.ID.Kind); err != nil {
		return err
	}
	u.Dependencies.Requires = ids
	if ids, err = parseIDList(wants, u.ID.Kind); err != nil {
		return err
	}
	u.Dependencies.Wants = ids
	if ids, err = parseIDList(bindsTo, u.ID.Kind); err != nil {
		return err
	}
	u.Dependencies.BindsTo = ids
	if ids, err = parseIDList(partOf, u.ID.Kind); err != nil {
		return err
	}
	u.Dependencies.PartOf = ids
	if ids, err = parseIDList(conflicts, u.ID.Kind); err != nil {
		return err
	}
	u.Dependencies.Conflicts = ids
	return nil
}

func buildInstallSection(u *unit.Unit, entries []RawEntry) error {
	var wantedBy, requiredBy []string
	fold(entries, func(key, value string, isReset bool) {
		switch key {
		case "WantedBy":
			appendOrReset(&wantedBy, value, isReset)
		case "RequiredBy":
			appendOrReset(&requiredBy, value, isReset)
		case "Alias":
			if id, err := unit.ParseID(value); err == nil {
				u.Config.Aliases = append(u.Config.Aliases, id)
			}
		case "DefaultInstance":
			u.Config.DefaultInst = value
		}
	})
	ids, err := parseIDList(wantedBy, u.ID.Kind)
	if err != nil {
		return err
	}
	u.Dependencies.WantedBy = ids
	if ids, err = parseIDList(requiredBy, u.ID.Kind); err != nil {
		return err
	}
	u.Dependencies.RequiredBy = ids
	return nil
}

func buildService(u *unit.Unit, entries []RawEntry) error {
	svc := u.Service()
	var execStartPre, execStartPost, execStop, execStopPost, execReload []string
	var env, envFiles, stateDirs, runtimeDirs, supGroups []string
	var parseErr error

	fold(entries, func(key, value string, isReset bool) {
		if parseErr != nil {
			return
		}
		switch key {
		case "Type":
			svc.Type = unit.ServiceType(value)
		case "ExecStart":
			path, args, ignore := parseExecLine(value)
			svc.ExecStart = unit.ExecCommand{Path: path, Args: args, IgnoreError: ignore}
		case "ExecStartPre":
			appendOrReset(&execStartPre, value, isReset)
		case "ExecStartPost":
			appendOrReset(&execStartPost, value, isReset)
		case "ExecStop":
			appendOrReset(&execStop, value, isReset)
		case "ExecStopPost":
			appendOrReset(&execStopPost, value, isReset)
		case "ExecReload":
			appendOrReset(&execReload, value, isReset)
		case "Restart":
			svc.RestartPolicy = unit.RestartPolicy(value)
		case "RestartSec":
			svc.RestartSec, parseErr = parseDuration(value)
		case "TimeoutStartSec":
			svc.TimeoutStartSec, parseErr = parseDuration(value)
		case "TimeoutStopSec":
			svc.TimeoutStopSec, parseErr = parseDuration(value)
		case "WatchdogSec":
			svc.WatchdogSec, parseErr = parseDuration(value)
		case "RemainAfterExit":
			svc.RemainAfterExit = parseBool(value)
		case "PIDFile":
			svc.PIDFile = value
		case "BusName":
			svc.BusName = value
		case "KillMode":
			svc.KillMode = unit.KillMode(value)
		case "KillSignal":
			svc.KillSignal = value
		case "FileDescriptorStoreMax":
			n, err := strconv.Atoi(value)
			if err != nil {
				parseErr = fmt.Errorf("FileDescriptorStoreMax=%q: %w", value, err)
				return
			}
			svc.FileDescriptorStoreMax = n
		case "SuccessExitStatus":
			for _, f := range splitList(value) {
				n, err := strconv.Atoi(f)
				if err != nil {
					parseErr = fmt.Errorf("SuccessExitStatus=%q: %w", value, err)
					return
				}
				svc.SuccessExitCodes = append(svc.SuccessExitCodes, n)
			}
		case "User":
			svc.Isolation.User = value
		case "Group":
			svc.Isolation.Group = value
		case "SupplementaryGroups":
			appendOrReset(&supGroups, value, isReset)
		case "Environment":
			appendOrReset(&env, value, isReset)
		case "EnvironmentFile":
			appendOrReset(&envFiles, value, isReset)
		case "WorkingDirectory":
			svc.Isolation.WorkingDirectory = value
		case "StateDirectory":
			appendOrReset(&stateDirs, value, isReset)
		case "RuntimeDirectory":
			appendOrReset(&runtimeDirs, value, isReset)
		case "CPUAffinity", "Capabilities":
			// accepted, not yet enforced by the exec helper (spec.md §4.4 Open Questions)
		case "NoNewPrivileges":
			svc.Isolation.NoNewPrivileges = parseBool(value)
		case "OOMScoreAdjust":
			n, err := strconv.Atoi(value)
			if err != nil {
				parseErr = fmt.Errorf("OOMScoreAdjust=%q: %w", value, err)
				return
			}
			svc.Isolation.OOMScoreAdjust = &n
		default:
			if limit, ok := rlimitName(key); ok {
				rl, err := parseRLimit(value)
				if err != nil {
					parseErr = fmt.Errorf("%s=%q: %w", key, value, err)
					return
				}
				if svc.Isolation.RLimits == nil {
					svc.Isolation.RLimits = map[string]unit.RLimit{}
				}
				svc.Isolation.RLimits[limit] = rl
			}
		}
	})
	if parseErr != nil {
		return parseErr
	}

	for _, s := range execStartPre {
		p, a, ig := parseExecLine(s)
		svc.ExecStartPre = append(svc.ExecStartPre, unit.ExecCommand{Path: p, Args: a, IgnoreError: ig})
	}
	for _, s := range execStartPost {
		p, a, ig := parseExecLine(s)
		svc.ExecStartPost = append(svc.ExecStartPost, unit.ExecCommand{Path: p, Args: a, IgnoreError: ig})
	}
	for _, s := range execStop {
		p, a, ig := parseExecLine(s)
		svc.ExecStop = append(svc.ExecStop, unit.ExecCommand{Path: p, Args: a, IgnoreError: ig})
	}
	for _, s := range execStopPost {
		p, a, ig := parseExecLine(s)
		svc.ExecStopPost = append(svc.ExecStopPost, unit.ExecCommand{Path: p, Args: a, IgnoreError: ig})
	}
	for _, s := range execReload {
		p, a, ig := parseExecLine(s)
		svc.ExecReload = append(svc.ExecReload, unit.ExecCommand{Path: p, Args: a, IgnoreError: ig})
	}
	svc.Isolation.Environment = env
	svc.Isolation.EnvironmentFiles = envFiles
	svc.Isolation.StateDirectory = stateDirs
	svc.Isolation.RuntimeDirectory = runtimeDirs
	svc.Isolation.SupplementaryGrp = supGroups

	if svc.KillMode == "" {
		svc.KillMode = unit.KillControlGroup
	}
	if svc.Type == "" {
		svc.Type = unit.ServiceSimple
	}
	return nil
}

// rlimitName maps an "LimitNOFILE" style key to the resource name "NOFILE".
func rlimitName(key string) (string, bool) {
	const prefix = "Limit"
	if !strings.HasPrefix(key, prefix) || len(key) <= len(prefix) {
		return "", false
	}
	return strings.ToUpper(key[len(prefix):]), true
}

// parseRLimit accepts "N", "N:M" (soft:hard), or "infinity" on either side.
func parseRLimit(value string) (unit.RLimit, error) {
	parts := strings.SplitN(value, ":", 2)
	soft, err := parseRLimitValue(parts[0])
	if err != nil {
		return unit.RLimit{}, err
	}
	if len(parts) == 1 {
		return unit.RLimit{Soft: soft, Hard: soft}, nil
	}
	hard, err := parseRLimitValue(parts[1])
	if err != nil {
		return unit.RLimit{}, err
	}
	return unit.RLimit{Soft: soft, Hard: hard}, nil
}

func parseRLimitValue(s string) (int64, error) {
	if s == "infinity" || s == "" {
		return -1, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func buildSocket(u *unit.Unit, entries []RawEntry) error {
	sock := u.Socket()
	var stream, datagram, seq, fifo, netlink, special []string
	var writable bool
	var parseErr error

	fold(entries, func(key, value string, isReset bool) {
		if parseErr != nil {
			return
		}
		switch key {
		case "ListenStream":
			appendOrReset(&stream, value, isReset)
		case "ListenDatagram":
			appendOrReset(&datagram, value, isReset)
		case "ListenSequentialPacket":
			appendOrReset(&seq, value, isReset)
		case "ListenFIFO":
			appendOrReset(&fifo, value, isReset)
		case "ListenNetlink":
			appendOrReset(&netlink, value, isReset)
		case "ListenSpecial":
			appendOrReset(&special, value, isReset)
		case "Writable":
			writable = parseBool(value)
		case "FileDescriptorName":
			sock.FileDescriptorName = value
		case "Service":
			id, err := unit.ParseID(value)
			if err != nil {
				parseErr = err
				return
			}
			sock.Service = id
		case "Accept":
			sock.Accept = parseBool(value)
		case "MaxConnections":
			n, err := strconv.Atoi(value)
			if err != nil {
				parseErr = err
				return
			}
			sock.MaxConnections = n
		case "MaxConnectionsPerSource":
			n, err := strconv.Atoi(value)
			if err != nil {
				parseErr = err
				return
			}
			sock.MaxConnectionsPerSrc = n
		case "SocketMode":
			m, err := parseOctal(value)
			if err != nil {
				parseErr = err
				return
			}
			sock.SocketMode = m
		case "DirectoryMode":
			m, err := parseOctal(value)
			if err != nil {
				parseErr = err
				return
			}
			sock.DirectoryMode = m
		}
	})
	if parseErr != nil {
		return fmt.Errorf("socket section: %w", parseErr)
	}

	addEndpoints(sock, unit.EndpointStream, stream)
	addEndpoints(sock, unit.EndpointDatagram, datagram)
	addEndpoints(sock, unit.EndpointSeqpacket, seq)
	addEndpoints(sock, unit.EndpointFIFO, fifo)
	addEndpoints(sock, unit.EndpointNetlink, netlink)
	for _, a := range special {
		sock.Listen = append(sock.Listen, unit.ListenEndpoint{Kind: unit.EndpointSpecial, Address: a, Writable: writable})
	}
	if sock.SocketMode == 0 {
		sock.SocketMode = 0o666
	}
	if sock.DirectoryMode == 0 {
		sock.DirectoryMode = 0o755
	}
	return nil
}

func addEndpoints(sock *unit.SocketSpecific, kind unit.EndpointKind, addrs []string) {
	for _, a := range addrs {
		k := kind
		if (kind == unit.EndpointStream || kind == unit.EndpointDatagram) && strings.Contains(a, ":") && !strings.HasPrefix(a, "@") && a[0] != '/' {
			if kind == unit.EndpointStream {
				k = unit.EndpointTCP
			} else {
				k = unit.EndpointUDP
			}
		}
		sock.Listen = append(sock.Listen, unit.ListenEndpoint{Kind: k, Address: a})
	}
}

func buildSlice(u *unit.Unit, entries []RawEntry) error {
	slice := u.Specific.(*unit.SliceSpecific)
	var parseErr error
	fold(entries, func(key, value string, isReset bool) {
		if parseErr != nil {
			return
		}
		switch key {
		case "CPUWeight":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				parseErr = err
				return
			}
			slice.CPUWeight = &n
		case "MemoryMax":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				parseErr = err
				return
			}
			slice.MemoryMax = &n
		case "TasksMax":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				parseErr = err
				return
			}
			slice.TasksMax = &n
		}
	})
	return parseErr
}

func buildTimer(u *unit.Unit, entries []RawEntry) error {
	timer := u.Timer()
	var onCalendar []string
	var parseErr error
	fold(entries, func(key, value string, isReset bool) {
		if parseErr != nil {
			return
		}
		switch key {
		case "OnCalendar":
			appendOrReset(&onCalendar, value, isReset)
		case "OnBootSec":
			timer.OnBootSec, parseErr = parseDuration(value)
		case "OnUnitActiveSec":
			timer.OnUnitActive, parseErr = parseDuration(value)
		case "Unit":
			id, err := unit.ParseID(value)
			if err != nil {
				parseErr = err
				return
			}
			timer.Unit = id
		}
	})
	timer.OnCalendar = onCalendar
	return parseErr
}

func buildMount(u *unit.Unit, entries []RawEntry) error {
	mnt := u.Specific.(*unit.MountSpecific)
	var opts []string
	fold(entries, func(key, value string, isReset bool) {
		switch key {
		case "What":
			mnt.What = value
		case "Where":
			mnt.Where = value
		case "Type":
			mnt.Type = value
		case "Options":
			appendOrReset(&opts, value, isReset)
		}
	})
	mnt.Options = opts
	return nil
}

func appendOrReset(list *[]string, value string, isReset bool) {
	if isReset {
		*list = nil
		return
	}
	*list = append(*list, value)
}

// parseIDList parses a space-separated list of unit names, defaulting a
// bare name with no "." suffix to the referencing unit's own kind (spec.md
// §4.1, following systemd's same-type-inference rule for dependency lists).
func parseIDList(names []string, defaultKind unit.Kind) ([]unit.ID, error) {
	var out []unit.ID
	for _, group := range names {
		for _, name := range splitList(group) {
			id, err := parseIDOrDefault(name, defaultKind)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
	}
	return out, nil
}

func parseIDOrDefault(name string, defaultKind unit.Kind) (unit.ID, error) {
	if strings.Contains(name, ".") {
		return unit.ParseID(name)
	}
	return unit.ID{Kind: defaultKind, Name: name}, nil
}
