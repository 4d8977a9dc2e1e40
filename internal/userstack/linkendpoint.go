// Package userstack wires a TUN character device to an embedded,
// single-threaded user-space TCP/IP stack (google/netstack) and exposes a
// small PCB-shaped dialing API to the rest of the proxy. Everything in this
// package that touches the TUN fd or the stack's entry points is invoked
// exclusively from the reactor goroutine passed to New, per spec §5.
package userstack

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/network/ipv4"
	"github.com/google/netstack/tcpip/network/ipv6"
	"github.com/google/netstack/tcpip/stack"

	"socks5tun/internal/netio"
	"socks5tun/internal/reactor"
)

const (
	tunDevicePath = "/dev/net/tun"
	ifNameSize    = unix.IFNAMSIZ

	// Linux ioctl request and flag constants for TUN/TAP, matching
	// linux/if_tun.h. These are not exposed by golang.org/x/sys/unix for
	// the TUN-specific IFF_* bits, so they are named here the way
	// original_source/tun.cpp and abb3rrant-HolePunch/cmd/client/tun_linux.go
	// both hard-code them.
	iffTUN     = 0x0001
	iffNoPI    = 0x1000
	tunSetIFF  = 0x400454ca
	packetMTU  = 1500
)

// ifreqFlags mirrors struct ifreq's TUNSETIFF-relevant layout: a 16-byte
// interface name followed by a two-byte flags field, padded to the
// kernel's expected struct size.
type ifreqFlags struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// openTun opens /dev/net/tun and binds it to a TUN interface named name in
// IFF_TUN|IFF_NO_PI mode, returning a non-blocking fd.
func openTun(name string) (int, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("userstack: open %s: %w", tunDevicePath, err)
	}

	var req ifreqFlags
	copy(req.name[:], name)
	req.flags = iffTUN | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), tunSetIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("userstack: ioctl TUNSETIFF on %s: %w", name, errno)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("userstack: set nonblocking: %w", err)
	}

	return fd, nil
}

// packetChain is a small reference-counted wrapper around the byte
// segments of one outbound packet. netstack's buffer.VectorisedView is
// already GC-managed and needs no manual lifetime tracking to be memory
// safe, but the spec's invariant ("every packet-buffer chain passed to the
// TUN output path has its reference count net-decremented exactly once per
// output attempt") is preserved literally here: Pin before the async
// writev, Release in its completion handler, so the accounting is
// verifiable independent of the garbage collector.
type packetChain struct {
	segments [][]byte
	refs     int32
}

func newPacketChain(v buffer.VectorisedView) *packetChain {
	views := v.Views()
	segs := make([][]byte, len(views))
	for i, view := range views {
		segs[i] = []byte(view)
	}
	return &packetChain{segments: segs, refs: 1}
}

func (c *packetChain) Pin() { atomic.AddInt32(&c.refs, 1) }

// Release decrements the reference count and reports whether this call
// brought it to zero.
func (c *packetChain) Release() bool {
	return atomic.AddInt32(&c.refs, -1) == 0
}

// Shim is the TunShim: a process-lifetime netstack stack.LinkEndpoint bound
// to a single TUN fd, read and written exclusively from the reactor thread
// it was constructed with.
type Shim struct {
	fd  int
	re  *reactor.Reactor
	log *slog.Logger
	mtu uint32

	dispatcher stack.NetworkDispatcher
	inbound    [packetMTU]byte

	// allocLimiter stands in for the spec's packet-buffer pool: when the
	// rate of inbound packets outstrips what the rest of the pipeline can
	// absorb, further packets are dropped and logged rather than
	// buffered without bound, matching the "resource pressure" error
	// disposition in spec §7.
	allocLimiter     *rate.Limiter
	consecutiveDrops int
}

// NewShim opens the named TUN device and returns a Shim ready to be handed
// to stack.Stack.CreateNIC. It does not start reading until Attach is
// called by the stack during NIC bring-up.
func NewShim(re *reactor.Reactor, log *slog.Logger, tunName string) (*Shim, error) {
	fd, err := openTun(tunName)
	if err != nil {
		return nil, err
	}
	if err := re.Register(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("userstack: registering tun fd: %w", err)
	}
	return &Shim{
		fd:           fd,
		re:           re,
		log:          log,
		mtu:          packetMTU,
		allocLimiter: rate.NewLimiter(rate.Limit(20000), 2000),
	}, nil
}

// MTU implements stack.LinkEndpoint.
func (s *Shim) MTU() uint32 { return s.mtu }

// Capabilities implements stack.LinkEndpoint. This link has none of the
// optional hardware offloads netstack knows how to ask for.
func (s *Shim) Capabilities() stack.LinkEndpointCapabilities { return 0 }

// MaxHeaderLength implements stack.LinkEndpoint. A TUN device in
// IFF_NO_PI mode carries a bare IP packet with no link-layer header to
// reserve space for.
func (s *Shim) MaxHeaderLength() uint16 { return 0 }

// LinkAddress implements stack.LinkEndpoint. TUN devices have no link
// layer address.
func (s *Shim) LinkAddress() tcpip.LinkAddress { return "" }

// IsAttached implements stack.LinkEndpoint.
func (s *Shim) IsAttached() bool { return s.dispatcher != nil }

// Attach implements stack.LinkEndpoint. It records the stack's dispatcher
// and starts (and forever keeps reposting) the inbound read loop.
func (s *Shim) Attach(dispatcher stack.NetworkDispatcher) {
	s.dispatcher = dispatcher
	s.postRead()
}

func (s *Shim) postRead() {
	if err := netio.ReadSome(s.re, s.fd, s.inbound[:], s.onRead); err != nil {
		s.log.Error("tun shim: fatal error reposting read, shim is dead", "error", err)
	}
}

func (s *Shim) onRead(n int, err error) {
	if err != nil {
		// TUN fd errors are the one class of runtime failure this shim
		// treats as fatal to itself, per spec §7 ("the TunShim ... are
		// process-fatal only on unrecoverable TUN fd errors"); it simply
		// stops reposting reads rather than calling os.Exit itself, since
		// only main owns process lifetime decisions.
		s.log.Error("tun shim: read failed, no longer reading from tun", "error", err)
		return
	}

	if !s.allocLimiter.Allow() {
		s.consecutiveDrops++
		s.log.Warn("tun shim: dropped inbound packet under resource pressure", "consecutive_drops", s.consecutiveDrops)
		s.postRead()
		return
	}
	s.consecutiveDrops = 0

	// Copy the staging buffer into a fresh view before handing it to the
	// stack: the staging buffer is reused by the very next posted read.
	payload := make([]byte, n)
	copy(payload, s.inbound[:n])
	vv := buffer.NewVectorisedView(n, []buffer.View{buffer.View(payload)})

	proto := ipVersionProtocol(payload)
	if proto != 0 && s.dispatcher != nil {
		s.dispatcher.DeliverNetworkPacket(s, "", "", proto, vv)
	}

	s.postRead()
}

// ipVersionProtocol inspects the top nibble of an IP packet to pick the
// network protocol number to dispatch it under, since IFF_NO_PI strips any
// framing that would otherwise carry this.
func ipVersionProtocol(packet []byte) tcpip.NetworkProtocolNumber {
	if len(packet) == 0 {
		return 0
	}
	switch packet[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber
	case 6:
		return ipv6.ProtocolNumber
	default:
		return 0
	}
}

// WritePacket implements stack.LinkEndpoint: the stack hands us a header
// and payload to deliver out the TUN device. The chain is pinned before the
// asynchronous writev and released in its completion handler so it outlives
// the stack's synchronous call into this method, per spec §4.2's outbound
// contract. The stack calls this from its own goroutines, so the write is
// posted onto the reactor thread rather than issued here.
func (s *Shim) WritePacket(r *stack.Route, hdr buffer.Prependable, payload buffer.VectorisedView, protocol tcpip.NetworkProtocolNumber) *tcpip.Error {
	views := make([]buffer.View, 0, 1+len(payload.Views()))
	views = append(views, hdr.View())
	views = append(views, payload.Views()...)
	full := buffer.NewVectorisedView(hdr.UsedLength()+payload.Size(), views)

	chain := newPacketChain(full)
	chain.Pin()

	s.re.Post(func() {
		if err := netio.WritevFull(s.re, s.fd, chain.segments, func(err error) {
			if err != nil {
				s.log.Warn("tun shim: outbound write failed, dropping", "error", err)
			}
			chain.Release()
		}); err != nil {
			s.log.Warn("tun shim: could not schedule outbound write", "error", err)
			chain.Release()
		}
	})

	// The stack's outbound contract is best-effort: write errors are
	// logged, never propagated back up into the stack.
	return nil
}

