package userstack

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/network/ipv4"
	"github.com/google/netstack/tcpip/transport/tcp"
	"github.com/google/netstack/waiter"
)

// Endpoint is the PCB-shaped interface the connection pump drives. It is
// deliberately narrow -- everything the pump needs and nothing about how
// the embedded stack implements it -- so the pump can be exercised against
// a fake in tests without a real TUN device or netstack instance.
type Endpoint interface {
	// SndBuf reports the PCB's currently available outbound buffer
	// space. The pump must never read more from the OS socket than this.
	SndBuf() int
	// Write hands len(p) bytes to the stack for transmission, copying
	// them (the caller's buffer may be reused immediately after Write
	// returns).
	Write(p []byte) (int, error)
	// Read returns the next chunk of data the remote has sent, or an
	// error. A nil slice with a nil error never happens; callers should
	// treat ErrWouldBlock as "nothing to read yet" and ErrClosedForReceive
	// as the remote's half of the connection reaching EOF.
	Read() ([]byte, error)
	// Abort hard-aborts the PCB (RST), for the hard-abort disposition.
	Abort()
	// Close requests a graceful close of the PCB, for the EOF-driven
	// close disposition.
	Close()

	// OnConnected, OnError, OnSent and OnReadable register the PCB's
	// callback surface. Passing nil detaches a callback, matching the
	// spec's "replace with nulls" teardown step.
	OnConnected(func(err error))
	OnError(func(err error))
	OnSent(func())
	OnReadable(func())
}

// PCB is the netstack-backed implementation of Endpoint.
type PCB struct {
	ep tcpip.Endpoint
	wq *waiter.Queue

	waitEntry waiter.Entry
	notifyCh  chan struct{}

	re notifier

	connectNotified bool

	closeOnce sync.Once

	onConnected func(err error)
	onError     func(err error)
	onSent      func()
	onReadable  func()
}

// notifier is the minimal surface PCB needs from the reactor: posting a
// function to run on the reactor thread. Defined locally so this file
// doesn't need to import package reactor's concrete type just to accept
// it as a constructor argument in tests.
type notifier interface {
	Post(fn func())
}

// DialTCP creates a new PCB on st and begins an asynchronous connect to
// target. The returned PCB's OnConnected callback fires (with a nil error)
// once the connect succeeds; a failed connect is reported through OnError
// instead. Until one of the two fires, OnSent and OnReadable should not be
// relied upon to fire.
func DialTCP(re notifier, st *Stack, log *slog.Logger, target tcpip.FullAddress) (*PCB, error) {
	var wq waiter.Queue
	ep, err := st.underlying().NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return nil, fmt.Errorf("userstack: new endpoint: %v", err)
	}

	p := &PCB{ep: ep, wq: &wq, re: re}
	p.waitEntry, p.notifyCh = waiter.NewChannelEntry(nil)
	wq.EventRegister(&p.waitEntry, waiter.EventIn|waiter.EventOut|waiter.EventErr|waiter.EventHUp)

	go p.notifyLoop()

	if cerr := ep.Connect(target); cerr != nil && cerr != tcpip.ErrConnectStarted {
		p.teardown()
		return nil, fmt.Errorf("userstack: connect: %v", cerr)
	}

	return p, nil
}

// notifyLoop is the one goroutine in this package not running on the
// reactor thread: it exists purely to translate netstack's own
// channel-based readiness notification into a Post onto the designated
// single thread, per spec §9 ("if the host reactor is multi-threaded,
// serialize all stack entry points onto one designated thread"). It never
// calls into the stack itself -- dispatch does that, on the reactor.
func (p *PCB) notifyLoop() {
	for range p.notifyCh {
		p.re.Post(p.dispatch)
	}
}

// dispatch runs on the reactor thread and translates current endpoint
// readiness into the PCB's callback surface.
func (p *PCB) dispatch() {
	mask := p.ep.Readiness(waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHUp)

	if !p.connectNotified && mask&(waiter.EventOut|waiter.EventErr) != 0 {
		p.connectNotified = true
		sockErr := p.ep.GetSockOpt(&tcpip.ErrorOption{})
		if mask&waiter.EventErr != 0 || sockErr != nil {
			if p.onError != nil {
				p.onError(connectError(sockErr))
			}
			return
		}
		if p.onConnected != nil {
			p.onConnected(nil)
		}
		return
	}

	if mask&waiter.EventErr != 0 {
		if p.onError != nil {
			p.onError(fmt.Errorf("userstack: pcb error"))
		}
		return
	}
	if mask&(waiter.EventIn|waiter.EventHUp) != 0 && p.onReadable != nil {
		p.onReadable()
	}
	if mask&waiter.EventOut != 0 && p.onSent != nil {
		p.onSent()
	}
}

func connectError(e *tcpip.Error) error {
	if e == nil {
		return fmt.Errorf("userstack: connect failed")
	}
	return fmt.Errorf("userstack: connect failed: %v", e)
}

// SndBuf implements Endpoint. netstack does not expose a live
// currently-available-window counter the way lwIP's tcp_sndbuf() macro
// does; the configured send buffer size is only an upper bound on how much
// the pump is allowed to read ahead of the remote acking anything. The
// actual backpressure signal is Write returning ErrWouldBlock once the real
// buffer fills, which callers must pause on rather than treat as a fatal
// error.
func (p *PCB) SndBuf() int {
	v, err := p.ep.GetSockOptInt(tcpip.SendBufferSizeOption)
	if err != nil {
		return 0
	}
	return v
}

// Write implements Endpoint. A full send buffer surfaces as ErrWouldBlock,
// the same sentinel Read uses for "nothing to do right now" -- callers must
// not treat it as a hard failure, only as a signal to wait for OnSent.
func (p *PCB) Write(b []byte) (int, error) {
	n, _, err := p.ep.Write(tcpip.SlicePayload(b), tcpip.WriteOptions{})
	if err != nil {
		if err == tcpip.ErrWouldBlock {
			return int(n), ErrWouldBlock
		}
		return int(n), fmt.Errorf("userstack: write: %v", err)
	}
	return int(n), nil
}

// Read implements Endpoint.
func (p *PCB) Read() ([]byte, error) {
	v, err := p.ep.Read(nil)
	if err != nil {
		if err == tcpip.ErrWouldBlock {
			return nil, ErrWouldBlock
		}
		if err == tcpip.ErrClosedForReceive {
			return nil, ErrClosedForReceive
		}
		return nil, fmt.Errorf("userstack: read: %v", err)
	}
	return []byte(v), nil
}

// Abort implements Endpoint: hard-aborts the PCB (sends RST) and releases
// this proxy's reference to it.
func (p *PCB) Abort() {
	p.closeOnce.Do(func() {
		p.ep.Abort()
		p.teardown()
	})
}

// Close implements Endpoint: requests a graceful close and releases this
// proxy's reference to it.
func (p *PCB) Close() {
	p.closeOnce.Do(func() {
		p.ep.Shutdown(tcpip.ShutdownWrite | tcpip.ShutdownRead)
		p.ep.Close()
		p.teardown()
	})
}

func (p *PCB) teardown() {
	p.wq.EventUnregister(&p.waitEntry)
	close(p.notifyCh)
}

// OnConnected, OnError, OnSent and OnReadable must only be called from the
// reactor thread, same as every other PCB method -- no locking, per the
// single-thread invariant in spec §5.
func (p *PCB) OnConnected(f func(err error)) { p.onConnected = f }
func (p *PCB) OnError(f func(err error))     { p.onError = f }
func (p *PCB) OnSent(f func())               { p.onSent = f }
func (p *PCB) OnReadable(f func())           { p.onReadable = f }

// ErrWouldBlock and ErrClosedForReceive are the two Read() outcomes the
// pump must tell apart from a hard error: the first means "nothing to do
// right now", the second means the remote has finished sending and the
// pump should shut the OS socket's write half down rather than aborting.
var (
	ErrWouldBlock       = fmt.Errorf("userstack: read would block")
	ErrClosedForReceive = fmt.Errorf("userstack: remote closed for receive")
)
