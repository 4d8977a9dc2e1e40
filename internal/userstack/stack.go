package userstack

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/network/ipv4"
	"github.com/google/netstack/tcpip/network/ipv6"
	"github.com/google/netstack/tcpip/stack"
	"github.com/google/netstack/tcpip/transport/tcp"

	"socks5tun/internal/reactor"
)

// nicID is the single NIC this proxy ever creates. There is exactly one
// TUN device and one stack instance for the lifetime of the process, per
// spec §9's "global state, init-once, no-teardown" note.
const nicID tcpip.NICID = 1

const tickInterval = 100 * time.Millisecond

// Config configures stack bring-up, mirroring spec §6's external interface
// table.
type Config struct {
	TunName string
	Addr    string // e.g. "10.0.0.100"
	Mask    string // e.g. "255.0.0.0"
	Gateway string // e.g. "10.0.0.1"
}

// Stack owns the embedded TCP/IP stack, its TUN-backed NIC, and the
// periodic StackTicker. It is a process-lifetime singleton: there is no
// Close, matching the teacher's own initialize_backend, which never tears
// the stack down either.
type Stack struct {
	ns     *stack.Stack
	shim   *Shim
	re     *reactor.Reactor
	log    *slog.Logger
	ticker *reactor.Timer

	sessionCount int
}

// New brings up the embedded stack: opens the TUN device, creates the NIC,
// assigns the configured address, installs the default route through the
// gateway, and starts the 100ms StackTicker.
func New(re *reactor.Reactor, log *slog.Logger, cfg Config) (*Stack, error) {
	shim, err := NewShim(re, log, cfg.TunName)
	if err != nil {
		return nil, err
	}

	ns := stack.New([]string{ipv4.ProtocolName, ipv6.ProtocolName}, []string{tcp.ProtocolName})

	if err := ns.CreateNIC(nicID, shim); err != nil {
		return nil, fmt.Errorf("userstack: create nic: %v", err)
	}
	ns.SetPromiscuousMode(nicID, true)

	addr, err := parseIPv4(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("userstack: parsing interface address %q: %w", cfg.Addr, err)
	}
	if err := ns.AddAddress(nicID, ipv4.ProtocolNumber, addr); err != nil {
		return nil, fmt.Errorf("userstack: add address: %v", err)
	}

	mask, err := parseIPv4(cfg.Mask)
	if err != nil {
		return nil, fmt.Errorf("userstack: parsing netmask %q: %w", cfg.Mask, err)
	}
	gw, err := parseIPv4(cfg.Gateway)
	if err != nil {
		return nil, fmt.Errorf("userstack: parsing gateway %q: %w", cfg.Gateway, err)
	}

	// The interface's own subnet is on-link; everything else leaves through
	// the gateway by the default route.
	onLink := make([]byte, len(addr))
	for i := range onLink {
		onLink[i] = addr[i] & mask[i]
	}
	local, err := tcpip.NewSubnet(tcpip.Address(onLink), tcpip.AddressMask(mask))
	if err != nil {
		return nil, fmt.Errorf("userstack: constructing interface subnet: %v", err)
	}
	subnet, err := tcpip.NewSubnet(tcpip.Address(make([]byte, 4)), tcpip.AddressMask(make([]byte, 4)))
	if err != nil {
		return nil, fmt.Errorf("userstack: constructing default subnet: %v", err)
	}
	ns.SetRouteTable([]tcpip.Route{
		{Destination: local, NIC: nicID},
		{Destination: subnet, Gateway: gw, NIC: nicID},
	})

	st := &Stack{ns: ns, shim: shim, re: re, log: log}

	// netstack runs its own TCP retransmission and keepalive timers
	// internally (goroutine-driven), unlike the lwIP stack this design
	// was modeled on, which needs an explicit periodic
	// sys_check_timeouts() call pumped from the reactor. The StackTicker
	// is kept as a reactor-driven heartbeat that logs session-count
	// bookkeeping instead of literal timer servicing, preserving the
	// spec's "periodic reactor tick drives the stack" shape without
	// inventing a call the embedded stack doesn't expose.
	st.ticker = re.PostEvery(tickInterval, st.tick)

	return st, nil
}

func (s *Stack) tick() {
	s.log.Debug("stack tick", "active_sessions", s.sessionCount)
}

// NICID returns the NIC all endpoints dial through.
func (s *Stack) NICID() tcpip.NICID { return nicID }

// IncSession and DecSession let callers keep the StackTicker's heartbeat
// log line honest about how many PCBs are currently live. They are cheap
// bookkeeping, not a correctness mechanism.
func (s *Stack) IncSession() { s.sessionCount++ }
func (s *Stack) DecSession() { s.sessionCount-- }

// underlying returns the raw netstack stack.Stack for endpoint creation in
// package userstack's own PCB constructor. It is unexported from the
// proxy's perspective -- callers outside this package use DialTCP.
func (s *Stack) underlying() *stack.Stack { return s.ns }

func parseIPv4(s string) (tcpip.Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return "", fmt.Errorf("invalid IPv4 address")
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("not an IPv4 address")
	}
	return tcpip.Address(v4), nil
}
