// Package unit holds the core data model shared by every other package:
// unit identity, the dependency graph edges, and the per-kind specifics
// (service, socket, target, slice, timer, mount).
package unit

import (
	"fmt"
	"sync"
	"time"
)

// Kind is the type suffix carried by every unit name ("foo.service").
type Kind string

const (
	KindService Kind = "service"
	KindSocket  Kind = "socket"
	KindTarget  Kind = "target"
	KindSlice   Kind = "slice"
	KindTimer   Kind = "timer"
	KindMount   Kind = "mount"
)

// ID identifies a unit uniquely by kind and name. Two units are equal iff
// both fields match.
type ID struct {
	Kind Kind
	Name string
}

func (id ID) String() string {
	return fmt.Sprintf("%s.%s", id.Name, id.Kind)
}

// ParseID splits a full unit file name ("foo.service") into an ID.
func ParseID(fullName string) (ID, error) {
	for i := len(fullName) - 1; i >= 0; i-- {
		if fullName[i] == '.' {
			k := Kind(fullName[i+1:])
			if !k.valid() {
				break
			}
			return ID{Kind: k, Name: fullName[:i]}, nil
		}
	}
	return ID{}, fmt.Errorf("unit: %q has no recognized type suffix", fullName)
}

func (k Kind) valid() bool {
	switch k {
	case KindService, KindSocket, KindTarget, KindSlice, KindTimer, KindMount:
		return true
	}
	return false
}

// IsTemplate reports whether the name is of the form "prefix@.suffix" — a
// template that is never activated directly.
func (id ID) IsTemplate() bool {
	return len(id.Name) > 0 && id.Name[len(id.Name)-1] == '@'
}

// IsInstance reports whether the name is of the form "prefix@instance".
func (id ID) IsInstance() bool {
	i := indexByte(id.Name, '@')
	return i >= 0 && i < len(id.Name)-1
}

// TemplateID returns the template this instance was materialized from, e.g.
// "getty@tty1" -> "getty@".
func (id ID) TemplateID() ID {
	i := indexByte(id.Name, '@')
	if i < 0 {
		return id
	}
	return ID{Kind: id.Kind, Name: id.Name[:i+1]}
}

// Instance returns the "%i" portion of an instantiated unit name.
func (id ID) Instance() string {
	i := indexByte(id.Name, '@')
	if i < 0 || i == len(id.Name)-1 {
		return ""
	}
	return id.Name[i+1:]
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Status is the unit's runtime state (spec.md §3).
type Status int

const (
	NeverStarted Status = iota
	Starting
	Running
	WaitingForSocket
	Stopping
	Restarting
	Stopped
)

func (s Status) String() string {
	switch s {
	case NeverStarted:
		return "NeverStarted"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case WaitingForSocket:
		return "WaitingForSocket"
	case Stopping:
		return "Stopping"
	case Restarting:
		return "Restarting"
	case Stopped:
		return "Stopped"
	}
	return "Unknown"
}

// StopKind distinguishes a clean stop from a failed one, carried alongside
// Status == Stopped.
type StopKind int

const (
	StopFinal StopKind = iota
	StopUnexpected
)

func (k StopKind) String() string {
	if k == StopFinal {
		return "Final"
	}
	return "Unexpected"
}

// StatusCell is the per-unit reader/writer lock wrapper from spec.md §3
// ("status: cell<UnitStatus> protected by a per-unit reader/writer lock").
type StatusCell struct {
	mu     sync.RWMutex
	status Status
	kind   StopKind
	errs   []error
}

func (c *StatusCell) Get() (Status, StopKind, []error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.kind, c.errs
}

// Set records s. The caller holds the cell's write lock (Lock/Unlock).
func (c *StatusCell) Set(s Status) {
	c.status = s
	if s != Stopped {
		c.kind = 0
		c.errs = nil
	}
}

// SetStopped records Stopped with kind and errs. The caller holds the
// cell's write lock (Lock/Unlock).
func (c *StatusCell) SetStopped(kind StopKind, errs []error) {
	c.status = Stopped
	c.kind = kind
	c.errs = errs
}

// IsTerminalForBoot matches spec.md §3: Running, WaitingForSocket, or a
// clean Stopped(Final, []) are terminal states for a boot sequence.
func (c *StatusCell) IsTerminalForBoot() bool {
	s, k, errs := c.Get()
	switch s {
	case Running, WaitingForSocket:
		return true
	case Stopped:
		return k == StopFinal && len(errs) == 0
	}
	return false
}

// Failed reports a Stopped state with recorded errors.
func (c *StatusCell) Failed() bool {
	s, k, errs := c.Get()
	return s == Stopped && (k == StopUnexpected || len(errs) > 0)
}

// RLock/RUnlock/Lock/Unlock expose the cell's lock directly: the activation
// engine holds the write lock around Set/SetStopped and around mutations of
// a service's Runtime, one unit's lock at a time.
func (c *StatusCell) RLock()   { c.mu.RLock() }
func (c *StatusCell) RUnlock() { c.mu.RUnlock() }
func (c *StatusCell) Lock()    { c.mu.Lock() }
func (c *StatusCell) Unlock()  { c.mu.Unlock() }

// Dependencies holds every relation a unit can carry, all ordered (spec.md §3).
type Dependencies struct {
	Before []ID
	After  []ID

	Requires   []ID
	RequiredBy []ID
	BindsTo    []ID
	BoundBy    []ID

	Wants    []ID
	WantedBy []ID

	PartOf   []ID
	PartOfBy []ID

	Conflicts     []ID
	ConflictedBy []ID
}

func appendUnique(list []ID, id ID) []ID {
	for _, x := range list {
		if x == id {
			return list
		}
	}
	return append(list, id)
}

func removeID(list []ID, id ID) []ID {
	out := list[:0:0]
	for _, x := range list {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Config carries [Unit]/[Install]-section settings common to every kind.
type Config struct {
	Description   string
	Documentation []string
	Aliases       []ID
	DefaultInst   string
	AllowIsolate  bool
	Conditions    []Condition
	RefusesManualStart bool
}

// Condition is a parsed ConditionXxx= assertion. Conditions are parsed and
// stored only; the activation engine does not evaluate them.
type Condition struct {
	Kind    string
	Negate  bool
	Arg     string
}

// Unit is the shared skeleton for every kind; Specific carries the
// kind-dependent payload.
type Unit struct {
	ID           ID
	Status       StatusCell
	Config       Config
	Dependencies Dependencies

	Specific any // *ServiceSpecific | *SocketSpecific | *TargetSpecific | *SliceSpecific | *TimerSpecific | *MountSpecific
}

func New(id ID) *Unit {
	u := &Unit{ID: id}
	switch id.Kind {
	case KindService:
		u.Specific = &ServiceSpecific{Type: ServiceSimple, RestartPolicy: RestartNo}
	case KindSocket:
		u.Specific = &SocketSpecific{}
	case KindTarget:
		u.Specific = &TargetSpecific{}
	case KindSlice:
		u.Specific = &SliceSpecific{}
	case KindTimer:
		u.Specific = &TimerSpecific{}
	case KindMount:
		u.Specific = &MountSpecific{}
	}
	return u
}

// Service returns the ServiceSpecific payload, or nil if this isn't a service.
func (u *Unit) Service() *ServiceSpecific {
	s, _ := u.Specific.(*ServiceSpecific)
	return s
}

// Socket returns the SocketSpecific payload, or nil if this isn't a socket.
func (u *Unit) Socket() *SocketSpecific {
	s, _ := u.Specific.(*SocketSpecific)
	return s
}

// Timer returns the TimerSpecific payload, or nil if this isn't a timer.
func (u *Unit) Timer() *TimerSpecific {
	s, _ := u.Specific.(*TimerSpecific)
	return s
}

// ServiceType enumerates the supported Type= values.
type ServiceType string

const (
	ServiceSimple  ServiceType = "simple"
	ServiceForking ServiceType = "forking"
	ServiceOneshot ServiceType = "oneshot"
	ServiceNotify  ServiceType = "notify"
	ServiceDBus    ServiceType = "dbus"
	ServiceIdle    ServiceType = "idle"
)

// RestartPolicy enumerates Restart= values.
type RestartPolicy string

const (
	RestartNo         RestartPolicy = "no"
	RestartAlways     RestartPolicy = "always"
	RestartOnSuccess  RestartPolicy = "on-success"
	RestartOnFailure  RestartPolicy = "on-failure"
	RestartOnAbnormal RestartPolicy = "on-abnormal"
	RestartOnWatchdog RestartPolicy = "on-watchdog"
	RestartOnAbort    RestartPolicy = "on-abort"
)

// KillMode enumerates KillMode= values.
type KillMode string

const (
	KillControlGroup KillMode = "control-group"
	KillProcess      KillMode = "process"
	KillMixed        KillMode = "mixed"
	KillNone         KillMode = "none"
)

// ExecIsolation groups the process-isolation knobs the exec helper applies
// between fork and execve (spec.md §4.4).
type ExecIsolation struct {
	User             string
	Group            string
	SupplementaryGrp []string
	EnvironmentFiles []string
	Environment      []string
	WorkingDirectory string
	StateDirectory   []string
	RuntimeDirectory []string
	RLimits          map[string]RLimit
	CGroupPath       string
	NoNewPrivileges  bool
	OOMScoreAdjust   *int
}

// RLimit is a SOFT:HARD resource-limit pair.
type RLimit struct {
	Soft int64
	Hard int64
}

// ServiceSpecific is the [Service] section payload (spec.md §3).
type ServiceSpecific struct {
	Type ServiceType

	ExecStartPre  []ExecCommand
	ExecStart     ExecCommand
	ExecStartPost []ExecCommand
	ExecReload    []ExecCommand
	ExecStop      []ExecCommand
	ExecStopPost  []ExecCommand

	RestartPolicy    RestartPolicy
	RestartSec       time.Duration
	SuccessExitCodes []int

	TimeoutStartSec time.Duration
	TimeoutStopSec  time.Duration
	WatchdogSec     time.Duration

	RemainAfterExit bool
	PIDFile         string
	BusName         string

	KillMode   KillMode
	KillSignal string

	FileDescriptorStoreMax int

	Isolation ExecIsolation

	// Runtime state, protected by the owning Unit's Status lock.
	Runtime ServiceRuntime
}

// ExecCommand is one entry of an Exec* list. A "-" prefix means failures are
// ignored (spec.md §4.3).
type ExecCommand struct {
	Path        string
	Args        []string
	IgnoreError bool
}

// ServiceRuntime is mutated only while the unit's status write-lock is held.
type ServiceRuntime struct {
	PID            int
	ProcessGroup   int
	SignaledReady  bool
	StatusMsgs     []string
	NotifySockPath string
	InvocationID   string
	StartedAt      time.Time
}

// SocketSpecific is the [Socket] section payload (spec.md §3, §4.5).
type SocketSpecific struct {
	Listen               []ListenEndpoint
	FileDescriptorName   string
	Service              ID // bound service unit, empty if implicit (same basename)
	Accept               bool
	MaxConnections       int
	MaxConnectionsPerSrc int
	SocketMode           uint32
	DirectoryMode        uint32
}

// EndpointKind enumerates the listening-endpoint transports (spec.md §4.5).
type EndpointKind string

const (
	EndpointStream    EndpointKind = "stream"
	EndpointDatagram  EndpointKind = "datagram"
	EndpointSeqpacket EndpointKind = "seqpacket"
	EndpointFIFO      EndpointKind = "fifo"
	EndpointTCP       EndpointKind = "tcp"
	EndpointUDP       EndpointKind = "udp"
	EndpointNetlink   EndpointKind = "netlink"
	EndpointSpecial   EndpointKind = "special"
)

// ListenEndpoint is one Listen*= line.
type ListenEndpoint struct {
	Kind      EndpointKind
	Address   string // path, "@name" abstract socket, "host:port", or netlink family
	Writable  bool   // ListenSpecial= Writable=yes (optional, see Open Questions)
}

// TargetSpecific is the [Target] section payload — a synchronization point
// with no process of its own.
type TargetSpecific struct{}

// SliceSpecific is the [Slice] section payload — cgroup resource grouping.
type SliceSpecific struct {
	CPUWeight   *uint64
	MemoryMax   *int64
	TasksMax    *uint64
}

// TimerSpecific is the [Timer] section payload.
type TimerSpecific struct {
	OnCalendar   []string
	OnBootSec    time.Duration
	OnUnitActive time.Duration
	Unit         ID // unit to activate, defaults to same-basename .service

	NextElapse time.Time
}

// MountSpecific is the [Mount] section payload.
type MountSpecific struct {
	What    string
	Where   string
	Type    string
	Options []string
}
