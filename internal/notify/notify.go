// Package notify implements the Notification & Stdio Multiplexer of
// spec.md §4.6: the sd_notify datagram socket each notify-type service
// gets, its KEY=VALUE wire format, and the stdout/stderr drain threads
// that tag and forward a service's output to the journal sink.
package notify

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/journal"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// Message is one parsed sd_notify datagram (spec.md §4.6).
type Message struct {
	Ready     bool
	Stopping  bool
	Reloading bool
	Status    string
	MainPID   int
	Watchdog  bool
	ErrNo     int
	BusError  string
	FDStore   bool
	FDName    string
}

// Parse decodes a raw NOTIFY_SOCKET datagram payload (newline-separated
// KEY=VALUE pairs; unknown keys are ignored per the sd_notify contract).
func Parse(payload []byte) Message {
	var m Message
	scanner := bufio.NewScanner(strings.NewReader(string(payload)))
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch k {
		case "READY":
			m.Ready = v == "1"
		case "STOPPING":
			m.Stopping = v == "1"
		case "RELOADING":
			m.Reloading = v == "1"
		case "STATUS":
			m.Status = v
		case "MAINPID":
			if n, err := strconv.Atoi(v); err == nil {
				m.MainPID = n
			}
		case "WATCHDOG":
			m.Watchdog = v == "1"
		case "ERRNO":
			if n, err := strconv.Atoi(v); err == nil {
				m.ErrNo = n
			}
		case "BUSERROR":
			m.BusError = v
		case "FDSTORE":
			m.FDStore = v == "1"
		case "FDNAME":
			m.FDName = v
		}
	}
	return m
}

// NewInvocationID generates the INVOCATION_ID spec.md §4.4/§4.6 assigns to
// every service activation, using the same RFC-4122 generator hashicorp's
// own tooling standardizes on.
func NewInvocationID() (string, error) {
	return uuid.GenerateUUID()
}

// SocketPath returns an abstract-namespace UNIX datagram socket path
// unique to one service activation (spec.md §4.6: "a fresh NOTIFY_SOCKET
// per activation, not a shared manager-wide socket").
func SocketPath(id unit.ID, invocationID string) string {
	return "@systemd-rs-notify/" + id.String() + "/" + invocationID
}

// Listen opens the abstract-namespace datagram socket a service's
// NOTIFY_SOCKET= will point at.
func Listen(path string) (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: "\x00" + strings.TrimPrefix(path, "@"), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on notify socket %s: %w", path, err)
	}
	return conn, nil
}

// Sink forwards one line of stdout/stderr to the journal, tagged with the
// owning unit and stream, mirroring spec.md §4.6's "stdio is captured and
// forwarded to the platform's log sink" behavior. coreos/go-systemd/journal
// writes the native journald wire protocol when /run/systemd/journal/socket
// exists; when journald is unavailable (e.g. in a container) journal.Send
// returns an error and the line is logged through hclog instead, so
// callers don't need a platform capability check.
func Sink(log hclog.Logger, id unit.ID, stream string, line string) {
	priority := journal.PriInfo
	if stream == "stderr" {
		priority = journal.PriErr
	}
	if err := journal.Send(line, priority, map[string]string{
		"SYSTEMD_RS_UNIT":   id.String(),
		"SYSTEMD_RS_STREAM": stream,
	}); err != nil {
		log.Trace("journal forwarding unavailable, logging locally", "unit", id, "err", err)
		log.Info(line, "unit", id, "stream", stream)
	}
}
