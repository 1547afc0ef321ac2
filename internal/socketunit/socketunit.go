// Package socketunit implements the Socket Activation component of
// spec.md §4.5: creating the listening endpoints a .socket unit declares,
// handing accept-mode connections off to per-connection instances, and
// waking the bound service when traffic first arrives.
package socketunit

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/systemd-rs-go/manager/internal/fdstore"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// Open creates every listening endpoint in sock, all-or-nothing: a failure
// partway through closes everything already opened (spec.md §4.5 "atomic
// open-or-rollback-all"). Each fd is close-on-exec until the exec helper
// explicitly clears it for the unit being activated.
func Open(log hclog.Logger, id unit.ID, sock *unit.SocketSpecific) ([]fdstore.NamedFD, error) {
	var opened []fdstore.NamedFD
	rollback := func() {
		for _, nfd := range opened {
			nfd.File.Close()
		}
	}

	for _, ep := range sock.Listen {
		f, err := openEndpoint(ep, sock)
		if err != nil {
			log.Error("opening listen endpoint failed, rolling back", "unit", id, "endpoint", ep, "err", err)
			rollback()
			return nil, fmt.Errorf("opening %s for %s: %w", ep.Address, id, err)
		}
		name := sock.FileDescriptorName
		if name == "" {
			name = id.Name
		}
		opened = append(opened, fdstore.NamedFD{Name: name, File: f})
	}
	return opened, nil
}

func openEndpoint(ep unit.ListenEndpoint, sock *unit.SocketSpecific) (*os.File, error) {
	switch ep.Kind {
	case unit.EndpointStream, unit.EndpointSeqpacket:
		return openUnixOrTCP(ep, sock, true)
	case unit.EndpointDatagram:
		return openUnixOrTCP(ep, sock, false)
	case unit.EndpointTCP:
		return openTCPLike(ep, "tcp")
	case unit.EndpointUDP:
		return openTCPLike(ep, "udp")
	case unit.EndpointFIFO:
		return openFIFO(ep, sock)
	case unit.EndpointNetlink:
		return openNetlink(ep)
	case unit.EndpointSpecial:
		return openSpecial(ep)
	default:
		return nil, fmt.Errorf("unknown listen endpoint kind %q", ep.Kind)
	}
}

func openUnixOrTCP(ep unit.ListenEndpoint, sock *unit.SocketSpecific, stream bool) (*os.File, error) {
	addr := ep.Address
	if strings.Contains(addr, ":") && !strings.HasPrefix(addr, "@") && !strings.HasPrefix(addr, "/") {
		if stream {
			return openTCPLike(ep, "tcp")
		}
		return openTCPLike(ep, "udp")
	}
	return openUnixSocket(addr, sock, stream)
}

func openUnixSocket(addr string, sock *unit.SocketSpecific, stream bool) (*os.File, error) {
	network := "unixgram"
	if stream {
		network = "unix"
	}

	abstract := strings.HasPrefix(addr, "@")
	laddr := addr
	if abstract {
		laddr = "@" + addr[1:] // Go's net package uses the same "@name" convention
	} else {
		os.Remove(addr) // stale socket file from a prior unclean shutdown
	}

	var (
		f   *os.File
		err error
	)
	if stream {
		l, lerr := net.Listen(network, laddr)
		err = lerr
		if err == nil {
			f, err = listenerFile(l)
		}
	} else {
		c, cerr := net.ListenPacket(network, laddr)
		err = cerr
		if err == nil {
			f, err = packetConnFile(c)
		}
	}
	if err != nil {
		return nil, err
	}
	if !abstract {
		os.Chmod(addr, os.FileMode(sock.SocketMode))
	}
	return f, nil
}

func openTCPLike(ep unit.ListenEndpoint, network string) (*os.File, error) {
	if network == "tcp" {
		l, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return nil, err
		}
		return listenerFile(l)
	}
	c, err := net.ListenPacket("udp", ep.Address)
	if err != nil {
		return nil, err
	}
	return packetConnFile(c)
}

func openFIFO(ep unit.ListenEndpoint, sock *unit.SocketSpecific) (*os.File, error) {
	if err := syscall.Mkfifo(ep.Address, sock.SocketMode); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("mkfifo %s: %w", ep.Address, err)
	}
	// O_RDWR so the fifo has at least one reader-equivalent end open at all
	// times and doesn't immediately EOF before a reader attaches.
	return os.OpenFile(ep.Address, os.O_RDWR, 0)
}

// openSpecial opens an already-existing special file (spec.md §4.5
// ListenSpecial=), read-only unless the endpoint was marked Writable.
func openSpecial(ep unit.ListenEndpoint) (*os.File, error) {
	flag := os.O_RDONLY
	if ep.Writable {
		flag = os.O_RDWR
	}
	return os.OpenFile(ep.Address, flag, 0)
}

// netlinkFamilies maps ListenNetlink= family names to their NETLINK_*
// protocol numbers.
var netlinkFamilies = map[string]int{
	"route":          unix.NETLINK_ROUTE,
	"usersock":       unix.NETLINK_USERSOCK,
	"firewall":       unix.NETLINK_FIREWALL,
	"sock-diag":      unix.NETLINK_SOCK_DIAG,
	"inet-diag":      unix.NETLINK_SOCK_DIAG,
	"nflog":          unix.NETLINK_NFLOG,
	"xfrm":           unix.NETLINK_XFRM,
	"selinux":        unix.NETLINK_SELINUX,
	"iscsi":          unix.NETLINK_ISCSI,
	"audit":          unix.NETLINK_AUDIT,
	"fib-lookup":     unix.NETLINK_FIB_LOOKUP,
	"connector":      unix.NETLINK_CONNECTOR,
	"netfilter":      unix.NETLINK_NETFILTER,
	"ip6-fw":         unix.NETLINK_IP6_FW,
	"dnrtmsg":        unix.NETLINK_DNRTMSG,
	"kobject-uevent": unix.NETLINK_KOBJECT_UEVENT,
	"generic":        unix.NETLINK_GENERIC,
	"scsitransport":  unix.NETLINK_SCSITRANSPORT,
	"ecryptfs":       unix.NETLINK_ECRYPTFS,
	"rdma":           unix.NETLINK_RDMA,
	"crypto":         unix.NETLINK_CRYPTO,
}

// parseNetlinkAddress parses a ListenNetlink= value of "<family> [group]",
// where family is a name from netlinkFamilies or a raw protocol number and
// group, if present, is numeric. A mixed or malformed specification (more
// than two tokens, or a non-numeric group) is rejected rather than guessed
// at.
func parseNetlinkAddress(addr string) (int, uint32, error) {
	fields := strings.Fields(addr)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, fmt.Errorf("invalid ListenNetlink= value %q", addr)
	}

	family, ok := netlinkFamilies[fields[0]]
	if !ok {
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, 0, fmt.Errorf("unknown netlink family %q", fields[0])
		}
		family = n
	}

	if len(fields) == 1 {
		return family, 0, nil
	}
	group, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("netlink multicast group must be numeric, got %q: %w", fields[1], err)
	}
	return family, uint32(group), nil
}

// openNetlink binds an AF_NETLINK/SOCK_DGRAM socket to the family and
// multicast group ListenNetlink= names.
func openNetlink(ep unit.ListenEndpoint) (*os.File, error) {
	family, group, err := parseNetlinkAddress(ep.Address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, family)
	if err != nil {
		return nil, fmt.Errorf("socket AF_NETLINK family %d: %w", family, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: group}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind netlink socket family %d: %w", family, err)
	}
	return os.NewFile(uintptr(fd), "netlink:"+ep.Address), nil
}

// ConnFile dup's conn's fd into a new *os.File and closes conn, the same
// ownership-transfer idiom listenerFile/packetConnFile use for listening
// sockets; the returned file keeps the connection alive after conn.Close().
func ConnFile(conn net.Conn) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fl, ok := conn.(filer)
	if !ok {
		return nil, fmt.Errorf("conn type %T does not support File()", conn)
	}
	f, err := fl.File()
	if err != nil {
		return nil, err
	}
	conn.Close()
	return f, nil
}

func listenerFile(l net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fl, ok := l.(filer)
	if !ok {
		return nil, fmt.Errorf("listener type %T does not support File()", l)
	}
	f, err := fl.File()
	if err != nil {
		return nil, err
	}
	l.Close() // the dup'd fd in f keeps the socket alive
	return f, nil
}

func packetConnFile(c net.PacketConn) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fl, ok := c.(filer)
	if !ok {
		return nil, fmt.Errorf("packet conn type %T does not support File()", c)
	}
	f, err := fl.File()
	if err != nil {
		return nil, err
	}
	c.Close()
	return f, nil
}

// FDNames returns the LISTEN_FDNAMES-ordered name list for a slice of
// stored fds.
func FDNames(fds []fdstore.NamedFD) []string {
	names := make([]string, len(fds))
	for i, f := range fds {
		names[i] = f.Name
	}
	return names
}

// ParseMaxConnections clamps a configured accept-mode connection count to a
// sane floor, used when MaxConnections= is left at its zero value.
func ParseMaxConnections(sock *unit.SocketSpecific) int {
	if sock.MaxConnections > 0 {
		return sock.MaxConnections
	}
	return 64
}
