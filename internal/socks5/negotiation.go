package socks5

import (
	"fmt"
	"log/slog"
	"net"

	"socks5tun/internal/netio"
	"socks5tun/internal/proxyerr"
	"socks5tun/internal/reactor"
)

// Phase tags the point the negotiation has reached, per spec §4.3.
type Phase int

const (
	PhaseHello Phase = iota
	PhaseMethods
	PhaseCmdHead
	PhaseCmdTail
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseHello:
		return "HELLO"
	case PhaseMethods:
		return "METHODS"
	case PhaseCmdHead:
		return "CMD_HEAD"
	case PhaseCmdTail:
		return "CMD_TAIL"
	case PhaseDone:
		return "DONE"
	default:
		return "unknown"
	}
}

// Target is the CONNECT destination parsed out of CMD_TAIL.
type Target struct {
	Atyp   byte
	IP     net.IP // set when Atyp is IPv4 or IPv6
	Domain string // set when Atyp is AddrTypeDomainName
	Port   uint16
}

func (t Target) String() string {
	if t.Domain != "" {
		return fmt.Sprintf("%s:%d", t.Domain, t.Port)
	}
	return fmt.Sprintf("%s:%d", t.IP, t.Port)
}

// FSM drives one client connection's SOCKS5 greeting and CONNECT request to
// completion. It owns no socket lifetime decisions beyond its own phases --
// on success it calls OnConnect exactly once and stops touching the
// connection; on any protocol violation it calls OnAbort exactly once and
// likewise stops. The caller (ClientSession) is responsible for acting on
// those calls.
type FSM struct {
	re  *reactor.Reactor
	fd  int
	log *slog.Logger
	buf []byte // the session's shared 64 KiB receive buffer

	phase Phase

	atyp      byte
	domainLen byte

	OnConnect func(Target)
	OnAbort   func(err error)
}

// New constructs a negotiation FSM over fd, reading into buf (which must be
// at least 64 KiB per spec §3 and must outlive the FSM -- it is reused
// as-is by the connection pump once negotiation completes).
func New(re *reactor.Reactor, fd int, buf []byte, log *slog.Logger) *FSM {
	return &FSM{re: re, fd: fd, buf: buf, log: log}
}

// Start posts the first read (the 2-byte HELLO header).
func (f *FSM) Start() {
	f.phase = PhaseHello
	netio.ReadFull(f.re, f.fd, f.buf[:2], f.onHello)
}

// abortIO tags a failure in the underlying I/O (a read/write that errored
// out, or a short read that should be impossible given how it was issued) as
// proxyerr.ErrAborted: the client isn't necessarily misbehaving, the
// connection just can't continue.
func (f *FSM) abortIO(reason string, cause error) {
	f.log.Warn("socks5 negotiation aborted", "phase", f.phase.String(), "kind", "io", "reason", reason)
	if f.OnAbort != nil {
		f.OnAbort(proxyerr.Abort(reason, cause))
	}
}

// abortProtocol tags a failure as proxyerr.ErrProtocolReject: the bytes the
// client sent do not form a request this proxy understands or is willing to
// serve (bad version, no acceptable auth method, unsupported ATYP/CMD), as
// opposed to an I/O failure reading or writing them.
func (f *FSM) abortProtocol(reason string) {
	f.log.Warn("socks5 negotiation aborted", "phase", f.phase.String(), "kind", "protocol", "reason", reason)
	if f.OnAbort != nil {
		f.OnAbort(proxyerr.Reject(reason))
	}
}

func (f *FSM) onHello(n int, err error) {
	if err != nil {
		f.abortIO("reading hello", err)
		return
	}
	version, methodCount := f.buf[0], f.buf[1]
	if version != Version5 {
		f.abortProtocol(fmt.Sprintf("unsupported socks version %d", version))
		return
	}
	f.phase = PhaseMethods
	netio.ReadFull(f.re, f.fd, f.buf[2:2+int(methodCount)], func(n int, err error) {
		f.onMethods(methodCount, n, err)
	})
}

func (f *FSM) onMethods(methodCount byte, n int, err error) {
	if err != nil {
		f.abortIO("reading auth methods", err)
		return
	}
	// The CHECK_EQ in the reference source compares the declared method
	// count against the number of bytes actually read; that only ever
	// holds because ReadFull was asked to read exactly methodCount bytes.
	// Made explicit here rather than left as an accidental invariant.
	if n != int(methodCount) {
		f.abortIO("short read of auth methods", nil)
		return
	}
	methods := f.buf[2 : 2+int(methodCount)]
	found := false
	for _, m := range methods {
		if m == MethodNoAuth {
			found = true
			break
		}
	}
	if !found {
		f.abortProtocol("no acceptable auth method offered")
		return
	}

	copy(f.buf[:2], GreetingReply[:])
	netio.WriteFull(f.re, f.fd, f.buf[:2], f.onGreetingWritten)
}

func (f *FSM) onGreetingWritten(err error) {
	if err != nil {
		f.abortIO("writing greeting reply", err)
		return
	}
	f.phase = PhaseCmdHead
	netio.ReadFull(f.re, f.fd, f.buf[:initialCommandBytes], f.onCmdHead)
}

func (f *FSM) onCmdHead(n int, err error) {
	if err != nil {
		f.abortIO("reading command header", err)
		return
	}
	version := f.buf[0]
	if version != Version5 {
		f.abortProtocol(fmt.Sprintf("unsupported socks version %d in command", version))
		return
	}

	f.atyp = f.buf[3]
	f.domainLen = f.buf[4]

	remaining, ok := CmdTailLen(f.atyp, f.domainLen)
	if !ok {
		f.abortProtocol(fmt.Sprintf("unsupported address type %d", f.atyp))
		return
	}
	if initialCommandBytes+remaining > len(f.buf) {
		f.abortProtocol("command packet too large for receive buffer")
		return
	}

	f.phase = PhaseCmdTail
	netio.ReadFull(f.re, f.fd, f.buf[initialCommandBytes:initialCommandBytes+remaining], f.onCmdTail)
}

func (f *FSM) onCmdTail(n int, err error) {
	if err != nil {
		f.abortIO("reading command tail", err)
		return
	}

	cmd := f.buf[1]
	if cmd != CmdConnect {
		f.abortProtocol(fmt.Sprintf("unsupported command %s", CommandString(cmd)))
		return
	}
	if f.atyp == AddrTypeIPv6 {
		// IPv6 egress is a non-goal; the tail has already been drained so
		// the client's framing stays intact up to the point of rejection.
		f.abortProtocol("ipv6 connect targets are not supported")
		return
	}

	target, err := f.parseTarget()
	if err != nil {
		f.abortProtocol(fmt.Sprintf("parsing connect target: %v", err))
		return
	}

	f.phase = PhaseDone
	f.log.Info("socks5 CONNECT parsed", "target", target.String())
	if f.OnConnect != nil {
		f.OnConnect(target)
	}
}

func (f *FSM) parseTarget() (Target, error) {
	switch f.atyp {
	case AddrTypeIPv4:
		addr := f.buf[4:8]
		port := uint16(f.buf[8])<<8 | uint16(f.buf[9])
		return Target{Atyp: f.atyp, IP: net.IPv4(addr[0], addr[1], addr[2], addr[3]), Port: port}, nil
	case AddrTypeDomainName:
		name := string(f.buf[5 : 5+int(f.domainLen)])
		portOff := 5 + int(f.domainLen)
		port := uint16(f.buf[portOff])<<8 | uint16(f.buf[portOff+1])
		return Target{Atyp: f.atyp, Domain: name, Port: port}, nil
	case AddrTypeIPv6:
		addr := make(net.IP, net.IPv6len)
		copy(addr, f.buf[4:20])
		port := uint16(f.buf[20])<<8 | uint16(f.buf[21])
		return Target{Atyp: f.atyp, IP: addr, Port: port}, nil
	default:
		return Target{}, fmt.Errorf("unreachable address type %d", f.atyp)
	}
}
