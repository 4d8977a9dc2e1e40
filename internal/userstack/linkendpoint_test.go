package userstack

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/network/ipv4"
	"github.com/google/netstack/tcpip/network/ipv6"
	"github.com/google/netstack/tcpip/stack"

	"socks5tun/internal/reactor"
)

func TestIPVersionProtocol(t *testing.T) {
	cases := []struct {
		name string
		b0   byte
		want interface{}
	}{
		{"ipv4", 0x45, ipv4.ProtocolNumber},
		{"ipv6", 0x60, ipv6.ProtocolNumber},
		{"unknown", 0x00, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ipVersionProtocol([]byte{c.b0, 0, 0, 0})
			if c.want == nil {
				if got != 0 {
					t.Fatalf("got %v, want 0", got)
				}
				return
			}
			if got != c.want {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestIPVersionProtocolEmptyPacket(t *testing.T) {
	if got := ipVersionProtocol(nil); got != 0 {
		t.Fatalf("got %v, want 0 for empty packet", got)
	}
}

func TestPacketChainRefcounting(t *testing.T) {
	vv := buffer.NewVectorisedView(3, []buffer.View{buffer.View([]byte{1, 2, 3})})
	chain := newPacketChain(vv)

	if len(chain.segments) != 1 || len(chain.segments[0]) != 3 {
		t.Fatalf("unexpected segments: %+v", chain.segments)
	}

	chain.Pin()
	if chain.Release() {
		t.Fatal("chain should still have a live reference after one Pin and one Release")
	}
	if !chain.Release() {
		t.Fatal("second Release should have brought the refcount to zero")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tunSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("setnonblock: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// fakeDispatcher records the arguments of the one DeliverNetworkPacket call
// the shim's inbound path is expected to make per packet.
type fakeDispatcher struct {
	mu       sync.Mutex
	delivers int
	linkEP   stack.LinkEndpoint
	proto    tcpip.NetworkProtocolNumber
	payload  []byte
}

func (d *fakeDispatcher) DeliverNetworkPacket(linkEP stack.LinkEndpoint, remote, local tcpip.LinkAddress, protocol tcpip.NetworkProtocolNumber, vv buffer.VectorisedView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivers++
	d.linkEP = linkEP
	d.proto = protocol
	d.payload = append([]byte(nil), []byte(vv.ToView())...)
}

func (d *fakeDispatcher) snapshot() (int, tcpip.NetworkProtocolNumber, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivers, d.proto, d.payload
}

// TestShimDeliversInboundPacketToDispatcher exercises the TUN-inbound half
// of the round trip: a crafted IPv4 packet written to the fd standing in for
// the TUN read side must reach the attached dispatcher with the right
// protocol number and payload bytes.
func TestShimDeliversInboundPacketToDispatcher(t *testing.T) {
	tunFD, peerFD := tunSocketpair(t)
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	if err := re.Register(tunFD); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := &Shim{fd: tunFD, re: re, log: discardLogger(), mtu: packetMTU, allocLimiter: rate.NewLimiter(rate.Limit(20000), 2000)}
	disp := &fakeDispatcher{}
	s.Attach(disp)

	runErr := make(chan error, 1)
	go func() { runErr <- re.Run() }()

	packet := append([]byte{0x45, 0x00, 0x00, 0x1c}, bytes.Repeat([]byte{0xAB}, 24)...)
	if _, err := unix.Write(peerFD, packet); err != nil {
		re.Stop()
		<-runErr
		t.Fatalf("write crafted packet: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var n int
	var proto tcpip.NetworkProtocolNumber
	var payload []byte
	for {
		n, proto, payload = disp.snapshot()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			re.Stop()
			<-runErr
			t.Fatal("timed out waiting for DeliverNetworkPacket")
		}
		time.Sleep(5 * time.Millisecond)
	}

	re.Stop()
	<-runErr

	if n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
	if proto != ipv4.ProtocolNumber {
		t.Fatalf("expected ipv4 protocol number, got %v", proto)
	}
	if !bytes.Equal(payload, packet) {
		t.Fatalf("delivered payload does not match the crafted packet:\n got  %x\n want %x", payload, packet)
	}
}

// TestShimWritePacketWritesHeaderAndPayload exercises the TUN-outbound half
// of the round trip: WritePacket must scatter-gather the header and payload
// segments out the fd, concatenated in order, with nothing lost or
// reordered.
func TestShimWritePacketWritesHeaderAndPayload(t *testing.T) {
	tunFD, peerFD := tunSocketpair(t)
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	if err := re.Register(tunFD); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := &Shim{fd: tunFD, re: re, log: discardLogger(), mtu: packetMTU, allocLimiter: rate.NewLimiter(rate.Limit(20000), 2000)}

	hdrBytes := []byte{0x45, 0x00, 0x00, 0x1c, 0x00, 0x00, 0x40, 0x00, 0x40, 0x06}
	hdr := buffer.NewPrependable(len(hdrBytes))
	copy(hdr.Prepend(len(hdrBytes)), hdrBytes)

	payloadBytes := bytes.Repeat([]byte{0xCD}, 16)
	payload := buffer.NewVectorisedView(len(payloadBytes), []buffer.View{buffer.View(payloadBytes)})

	want := append(append([]byte(nil), hdrBytes...), payloadBytes...)

	// WritePacket posts its WritevFull onto the reactor, so the write is
	// issued on the loop goroutine once Run starts.
	if cerr := s.WritePacket(nil, hdr, payload, ipv4.ProtocolNumber); cerr != nil {
		t.Fatalf("WritePacket returned an error: %v", cerr)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- re.Run() }()

	got := make([]byte, len(want))
	off := 0
	deadline := time.Now().Add(2 * time.Second)
	for off < len(got) {
		n, err := unix.Read(peerFD, got[off:])
		if err != nil {
			if err == unix.EAGAIN {
				if time.Now().After(deadline) {
					re.Stop()
					<-runErr
					t.Fatalf("timed out reading written packet, got %d/%d bytes", off, len(got))
				}
				time.Sleep(5 * time.Millisecond)
				continue
			}
			re.Stop()
			<-runErr
			t.Fatalf("read from peer fd: %v", err)
		}
		off += n
	}

	re.Stop()
	<-runErr

	if !bytes.Equal(got, want) {
		t.Fatalf("written bytes do not match header+payload concatenation:\n got  %x\n want %x", got, want)
	}
}
