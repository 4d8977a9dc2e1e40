// Package netio layers asio-style async_read/async_read_some/async_write
// helpers on top of reactor.Reactor's one-shot readable/writable
// notifications. Every exported function here issues at most one
// outstanding reactor operation per fd at a time and resumes the loop
// itself on EAGAIN, so callers never see a partial result for the "full"
// variants and never need to re-issue reads themselves.
package netio

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"socks5tun/internal/reactor"
)

// ErrCancelled is returned to a completion callback when the kernel reports
// ECANCELED for the operation. reactor.CancelAll does not produce it: that
// drops the pending callback without invoking it. This mirrors asio's
// operation_aborted and should be treated as a no-op by callers already
// tearing down.
var ErrCancelled = errors.New("netio: operation cancelled")

// ReadFull reads exactly len(buf) bytes from fd, looping across as many
// readiness notifications as needed, and invokes done with the total bytes
// read (always len(buf) on success) and any error. A zero-length read with
// no error reported by the kernel is surfaced as io.EOF.
func ReadFull(re *reactor.Reactor, fd int, buf []byte, done func(n int, err error)) error {
	if len(buf) == 0 {
		done(0, nil)
		return nil
	}
	off := 0
	var step func()
	step = func() {
		n, err := unix.Read(fd, buf[off:])
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if arm := re.ReadAsync(fd, step); arm != nil {
				done(off, arm)
			}
			return
		case err != nil:
			done(off, classify(err))
			return
		case n == 0:
			done(off, io.EOF)
			return
		}
		off += n
		if off == len(buf) {
			done(off, nil)
			return
		}
		if arm := re.ReadAsync(fd, step); arm != nil {
			done(off, arm)
		}
	}
	return re.ReadAsync(fd, step)
}

// ReadSome issues a single non-blocking read attempt once fd becomes
// readable and invokes done with however many bytes came back (1..len(buf))
// or an error. Unlike ReadFull it never loops to fill the buffer -- this is
// the primitive the connection pump uses, since the spec only ever wants
// "whatever is available, up to n".
func ReadSome(re *reactor.Reactor, fd int, buf []byte, done func(n int, err error)) error {
	var step func()
	step = func() {
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if arm := re.ReadAsync(fd, step); arm != nil {
				done(0, arm)
			}
			return
		case err != nil:
			done(0, classify(err))
			return
		case n == 0:
			done(0, io.EOF)
			return
		}
		done(n, nil)
	}
	return re.ReadAsync(fd, step)
}

// WriteFull writes all of buf to fd, looping across partial writes, and
// invokes done once every byte has been accepted by the kernel or an error
// occurs.
func WriteFull(re *reactor.Reactor, fd int, buf []byte, done func(err error)) error {
	if len(buf) == 0 {
		done(nil)
		return nil
	}
	off := 0
	var step func()
	step = func() {
		n, err := unix.Write(fd, buf[off:])
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if arm := re.WriteAsync(fd, step); arm != nil {
				done(arm)
			}
			return
		case err != nil:
			done(classify(err))
			return
		}
		off += n
		if off == len(buf) {
			done(nil)
			return
		}
		if arm := re.WriteAsync(fd, step); arm != nil {
			done(arm)
		}
	}
	return re.WriteAsync(fd, step)
}

// WritevFull issues a scatter-gather write of every buffer in bufs, looping
// as needed across partial writes (which require re-slicing the remaining
// iovecs). It is used by the TUN shim's outbound path to write a
// packet-buffer chain's segments without first copying them into one
// contiguous buffer.
func WritevFull(re *reactor.Reactor, fd int, bufs [][]byte, done func(err error)) error {
	// Drop any already-empty leading segments so a chain whose first link
	// is zero-length doesn't stall the loop below.
	for len(bufs) > 0 && len(bufs[0]) == 0 {
		bufs = bufs[1:]
	}
	if len(bufs) == 0 {
		done(nil)
		return nil
	}
	var step func()
	step = func() {
		n, err := unix.Writev(fd, bufs)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if arm := re.WriteAsync(fd, step); arm != nil {
				done(arm)
			}
			return
		case err != nil:
			done(classify(err))
			return
		}
		bufs = advance(bufs, n)
		if len(bufs) == 0 {
			done(nil)
			return
		}
		if arm := re.WriteAsync(fd, step); arm != nil {
			done(arm)
		}
	}
	return re.WriteAsync(fd, step)
}

// advance drops the first n written bytes from a list of iovecs, splitting
// the segment that straddles the boundary.
func advance(bufs [][]byte, n int) [][]byte {
	for n > 0 && len(bufs) > 0 {
		if n < len(bufs[0]) {
			bufs[0] = bufs[0][n:]
			return bufs
		}
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	return bufs
}

func classify(err error) error {
	if errors.Is(err, unix.ECANCELED) {
		return ErrCancelled
	}
	return err
}
