package session

import (
	"errors"
	"log/slog"

	"github.com/google/netstack/tcpip"
	"golang.org/x/sys/unix"

	"socks5tun/internal/netio"
	"socks5tun/internal/proxyerr"
	"socks5tun/internal/reactor"
	"socks5tun/internal/resolver"
	"socks5tun/internal/socks5"
	"socks5tun/internal/userstack"
)

// recvBufSize is the shared per-session buffer size used for both the
// negotiation FSM's reads and the connection pump's client->remote leg,
// per spec §3 ("each session owns one reusable 64 KiB buffer").
const recvBufSize = 64 * 1024

// Session is the ClientSession: the object that owns one accepted OS socket
// from accept() through teardown, driving it first through SOCKS5
// negotiation and then, on a successful CONNECT, through a ConnectionPump
// bridging it to a dialed stack PCB.
type Session struct {
	re       *reactor.Reactor
	log      *slog.Logger
	fd       int
	st       *userstack.Stack
	resolver *resolver.Resolver

	buf []byte

	fsm  *socks5.FSM
	pump *Pump

	// OnDone is invoked exactly once, when the session's OS socket and (if
	// one was ever dialed) stack PCB have both been torn down. The
	// acceptor uses this to drop the session from its table.
	OnDone func()
}

// New constructs a Session over an accepted client fd. Start must be called
// to begin negotiation.
func New(re *reactor.Reactor, log *slog.Logger, fd int, st *userstack.Stack, res *resolver.Resolver) *Session {
	return &Session{
		re:       re,
		log:      log.With("client_fd", fd),
		fd:       fd,
		st:       st,
		resolver: res,
		buf:      make([]byte, recvBufSize),
	}
}

// Start registers the client fd with the reactor and begins the SOCKS5
// negotiation.
func (s *Session) Start() error {
	if err := s.re.Register(s.fd); err != nil {
		return err
	}
	s.fsm = socks5.New(s.re, s.fd, s.buf, s.log)
	s.fsm.OnConnect = s.onConnect
	s.fsm.OnAbort = s.onNegotiationAbort
	s.fsm.Start()
	return nil
}

// onNegotiationAbort implements the drop-session disposition for every
// negotiation failure: regardless of cause, the session is torn down the
// same way. The two sentinel error types still get different log
// treatment -- a protocol reject is the client's fault and expected
// traffic on an open listener, an aborted I/O failure is worth a louder
// line since it points at the OS socket or the client's network path.
func (s *Session) onNegotiationAbort(err error) {
	if errors.Is(err, proxyerr.ErrProtocolReject) {
		s.log.Debug("session ending: client sent a protocol violation", "error", err)
	} else {
		s.log.Warn("session ending: negotiation aborted", "error", err)
	}
	s.closeSocketOnly()
}

// onConnect implements the CONNECT dispatch: domain-name targets go through
// the resolver first, IPv4 targets are dialed directly. IPv6 targets are
// already rejected inside the negotiation FSM.
func (s *Session) onConnect(target socks5.Target) {
	if target.Domain != "" {
		s.resolver.Resolve(target.Domain, func(ip [4]byte, err error) {
			if err != nil {
				s.log.Warn("session: resolving connect target failed", "domain", target.Domain, "error", err)
				s.closeSocketOnly()
				return
			}
			s.dial(ip, target.Port)
		})
		return
	}

	v4 := target.IP.To4()
	if v4 == nil {
		s.log.Warn("session: connect target has no usable ipv4 address", "target", target.String())
		s.closeSocketOnly()
		return
	}
	var ip [4]byte
	copy(ip[:], v4)
	s.dial(ip, target.Port)
}

func (s *Session) dial(ip [4]byte, port uint16) {
	addr := tcpip.FullAddress{
		Addr: tcpip.Address(ip[:]),
		Port: port,
		NIC:  s.st.NICID(),
	}
	pcb, err := userstack.DialTCP(s.re, s.st, s.log, addr)
	if err != nil {
		s.log.Warn("session: dial failed", "error", err)
		s.closeSocketOnly()
		return
	}
	s.st.IncSession()

	pcb.OnConnected(func(err error) {
		if err != nil {
			s.log.Warn("session: connect to remote failed", "error", err)
			pcb.Abort()
			s.st.DecSession()
			s.closeSocketOnly()
			return
		}
		s.onRemoteConnected(pcb)
	})
	pcb.OnError(func(err error) {
		s.log.Warn("session: remote pcb error before connect completed", "error", err)
		s.st.DecSession()
		s.closeSocketOnly()
	})
}

// onRemoteConnected writes the SOCKS5 success reply and, once it lands,
// hands the connection off to a ConnectionPump.
func (s *Session) onRemoteConnected(pcb *userstack.PCB) {
	copy(s.buf[:len(socks5.SuccessReply)], socks5.SuccessReply[:])
	netio.WriteFull(s.re, s.fd, s.buf[:len(socks5.SuccessReply)], func(err error) {
		if err != nil {
			s.log.Warn("session: writing success reply failed", "error", err)
			pcb.Abort()
			s.st.DecSession()
			s.closeSocketOnly()
			return
		}
		s.startPump(pcb)
	})
}

func (s *Session) startPump(pcb *userstack.PCB) {
	s.pump = New(s.re, s.log, s.fd, pcb, s.buf)
	s.pump.OnDone = func() {
		s.st.DecSession()
		if s.OnDone != nil {
			s.OnDone()
		}
	}
	s.pump.Start()
}

// closeSocketOnly is used for every pre-pump failure path: the client fd is
// closed directly since no pump has taken ownership of its teardown yet.
func (s *Session) closeSocketOnly() {
	s.re.CancelAll(s.fd)
	s.re.Unregister(s.fd)
	unix.Close(s.fd)
	if s.OnDone != nil {
		s.OnDone()
	}
}
