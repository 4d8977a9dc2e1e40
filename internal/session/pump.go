// Package session implements ClientSession: the per-connection object that
// owns a SOCKS5 negotiation followed by a bidirectional byte pump between
// the OS socket and a user-space stack PCB, per spec §4.4.
package session

import (
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"socks5tun/internal/netio"
	"socks5tun/internal/reactor"
	"socks5tun/internal/userstack"
)

// Pump is the ConnectionPump: it relays bytes between an OS-level TCP
// socket and a stack PCB in both directions, respecting each side's flow
// control, and owns the teardown decision once either side fails.
type Pump struct {
	re  *reactor.Reactor
	log *slog.Logger
	fd  int
	pcb userstack.Endpoint

	clientBuf []byte // client -> remote staging buffer
	remoteBuf []byte // remote -> client staging buffer, filled by pcb.Read

	// pendingClientWrite holds bytes already read from the client but not
	// yet accepted by pcb.Write, because the PCB's real send buffer was
	// full (ErrWouldBlock). It aliases clientBuf, so no further client
	// reads are issued while it is set -- otherwise the next read would
	// overwrite data still waiting to be retried.
	pendingClientWrite []byte

	readInFlight        bool
	clientWriteInFlight bool
	closeInitiated      bool
	done                bool

	// OnDone is called exactly once, when the pump has finished tearing
	// down both sides of the connection (spec §3: the session is only
	// released once the OS socket is closed AND the stack has released
	// its reference).
	OnDone func()
}

// New constructs a Pump over an already-connected PCB. Start arms the
// OnSent/OnReadable/OnError callbacks and enters the pump loop; it must be
// called after the SOCKS success reply has been written to the client,
// per spec §4.4 step 1.
func New(re *reactor.Reactor, log *slog.Logger, fd int, pcb userstack.Endpoint, buf []byte) *Pump {
	return &Pump{re: re, log: log, fd: fd, pcb: pcb, clientBuf: buf}
}

// Start begins the bidirectional pump.
func (p *Pump) Start() {
	p.pcb.OnSent(p.onSent)
	p.pcb.OnReadable(p.onReadable)
	p.pcb.OnError(p.onPCBError)
	p.pumpToRemote()
	p.onReadable() // drain anything already buffered on the PCB
}

// pumpToRemote implements spec §4.4's send-path pump loop (step 2): read at
// most min(len(buf), sndbuf) bytes from the OS socket, or do nothing if the
// PCB currently has no send window.
func (p *Pump) pumpToRemote() {
	if p.closeInitiated || p.done || p.readInFlight || p.pendingClientWrite != nil {
		return
	}
	n := p.pcb.SndBuf()
	if n <= 0 {
		return
	}
	if n > len(p.clientBuf) {
		n = len(p.clientBuf)
	}
	p.readInFlight = true
	if err := netio.ReadSome(p.re, p.fd, p.clientBuf[:n], p.onClientRead); err != nil {
		p.readInFlight = false
		p.handleClientIOError(err)
	}
}

// onSent implements spec §4.4 step 4: the remote ACKed bytes, so more send
// window may be available. A write that previously blocked on a full send
// buffer is retried first, since it holds a claim on clientBuf that must be
// resolved before any further client read can be issued; only once there is
// no pending write do we fall back to resuming the read loop.
func (p *Pump) onSent() {
	if p.pendingClientWrite != nil {
		p.writeToRemote(p.pendingClientWrite)
		return
	}
	if !p.readInFlight {
		p.pumpToRemote()
	}
}

// onClientRead implements spec §4.4 step 3.
func (p *Pump) onClientRead(n int, err error) {
	p.readInFlight = false
	if err != nil {
		p.handleClientIOError(err)
		return
	}
	if n > 0 {
		p.writeToRemote(p.clientBuf[:n])
		return
	}
	p.pumpToRemote()
}

// writeToRemote hands data to the PCB. A full send buffer (ErrWouldBlock)
// is ordinary backpressure, not a failure: spec §8 scenario 5's flow
// control means this must pause the client read loop and retry once OnSent
// signals the remote has drained some of the backlog, never abort a
// healthy connection over it.
func (p *Pump) writeToRemote(data []byte) {
	if _, err := p.pcb.Write(data); err != nil {
		if err == userstack.ErrWouldBlock {
			p.pendingClientWrite = data
			return
		}
		p.hardAbort(err)
		return
	}
	p.pendingClientWrite = nil
	p.pumpToRemote()
}

func (p *Pump) handleClientIOError(err error) {
	if p.done || p.closeInitiated {
		return
	}
	if errors.Is(err, netio.ErrCancelled) {
		return // benign cancellation during teardown already in progress
	}
	if errors.Is(err, io.EOF) {
		p.gracefulClose()
		return
	}
	p.hardAbort(err)
}

// onReadable implements the client-bound receive path (spec §4.4's
// incompletely-specified half, resolved in SPEC_FULL.md): drain whatever
// the remote has sent and write it to the OS socket, one write at a time.
func (p *Pump) onReadable() {
	if p.done || p.closeInitiated || p.clientWriteInFlight {
		return
	}
	data, err := p.pcb.Read()
	if err != nil {
		if err == userstack.ErrWouldBlock {
			return
		}
		if err == userstack.ErrClosedForReceive {
			p.halfCloseClientWrite()
			return
		}
		p.hardAbort(err)
		return
	}
	if len(data) == 0 {
		return
	}
	p.remoteBuf = data
	p.clientWriteInFlight = true
	if err := netio.WriteFull(p.re, p.fd, p.remoteBuf, p.onClientWriteDone); err != nil {
		p.clientWriteInFlight = false
		p.onClientWriteDone(err)
	}
}

func (p *Pump) onClientWriteDone(err error) {
	p.clientWriteInFlight = false
	p.remoteBuf = nil
	if err != nil {
		if errors.Is(err, netio.ErrCancelled) {
			return
		}
		p.hardAbort(err)
		return
	}
	p.onReadable()
}

// halfCloseClientWrite implements SPEC_FULL.md's half-close decision: the
// remote is done sending, so the OS socket's write half is shut down while
// the client→remote direction keeps draining, rather than closing the
// socket outright.
func (p *Pump) halfCloseClientWrite() {
	p.log.Debug("remote half-closed, shutting down client write side", "fd", p.fd)
	unix.Shutdown(p.fd, unix.SHUT_WR)
}

// gracefulClose implements spec §4.4's EOF policy: detach all PCB
// callbacks, request a graceful close, cancel outstanding socket ops, close
// the socket.
func (p *Pump) gracefulClose() {
	if p.closeInitiated || p.done {
		return
	}
	p.closeInitiated = true
	p.done = true
	p.pcb.OnConnected(nil)
	p.pcb.OnError(nil)
	p.pcb.OnSent(nil)
	p.pcb.OnReadable(nil)
	p.pcb.Close()
	p.finishTeardown()
}

// hardAbort implements spec §4.4's non-EOF error policy: close the OS
// socket with cancel, instruct the stack to abort the PCB, drop the
// back-reference.
func (p *Pump) hardAbort(cause error) {
	if p.done {
		return
	}
	p.done = true
	p.log.Warn("connection pump: hard abort", "fd", p.fd, "cause", cause)
	p.pcb.OnConnected(nil)
	p.pcb.OnError(nil)
	p.pcb.OnSent(nil)
	p.pcb.OnReadable(nil)
	p.pcb.Abort()
	p.finishTeardown()
}

// AbortFromStackError implements spec §4.4's "stack error callback" policy:
// the PCB is already gone from the stack's perspective (netstack tore it
// down before invoking our error callback), so only the OS socket needs
// tearing down -- calling Abort again here would be the double-free the
// design notes warn about.
func (p *Pump) AbortFromStackError(cause error) {
	if p.done {
		return
	}
	p.done = true
	p.log.Warn("connection pump: hard abort from stack error", "fd", p.fd, "cause", cause)
	p.finishTeardown()
}

func (p *Pump) finishTeardown() {
	p.re.CancelAll(p.fd)
	p.re.Unregister(p.fd)
	unix.Shutdown(p.fd, unix.SHUT_RDWR)
	unix.Close(p.fd)
	if p.OnDone != nil {
		p.OnDone()
	}
}

func (p *Pump) onPCBError(err error) {
	p.AbortFromStackError(err)
}
