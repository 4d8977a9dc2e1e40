// Package reactor implements the single-threaded, cooperative event loop
// that drives every OS-facing I/O completion, the TUN shim, the embedded
// stack's entry points and the stack ticker in this proxy. It is the Go
// analogue of an asio::io_service run from one thread: callers register a
// file descriptor once, then ask for a one-shot readable or writable
// notification at a time; the loop goroutine is the only goroutine that
// ever calls back into application code for fd and timer events.
//
// Work originating on other goroutines (the embedded stack's own
// notification plumbing in package userstack) is marshalled onto the loop
// goroutine with Post, so callers never need locks to touch reactor-owned
// state.
package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Reactor is a single-threaded epoll-based event loop. The zero value is
// not usable; construct with New.
type Reactor struct {
	epfd int

	// wake is the read end of a pipe used to interrupt EpollWait when work
	// is posted from another goroutine.
	wakeR, wakeW int

	fds map[int]*fdState

	timers timerHeap

	postMu sync.Mutex
	posted []func()

	stop chan struct{}
}

type fdState struct {
	fd         int
	wantRead   bool
	wantWrite  bool
	onReadable func()
	onWritable func()
}

// New creates a Reactor backed by a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	fds := [2]int{}
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}

	r := &Reactor{
		epfd:  epfd,
		wakeR: fds[0],
		wakeW: fds[1],
		fds:   make(map[int]*fdState),
		stop:  make(chan struct{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.wakeR),
	}); err != nil {
		r.closeFDs()
		return nil, fmt.Errorf("reactor: registering wake pipe: %w", err)
	}

	return r, nil
}

func (r *Reactor) closeFDs() {
	unix.Close(r.epfd)
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
}

// Register adds fd to the epoll set with no armed interest. It must be
// called once per fd before ReadAsync/WriteAsync. fd must be non-blocking.
func (r *Reactor) Register(fd int) error {
	if _, ok := r.fds[fd]; ok {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	st := &fdState{fd: fd}
	r.fds[fd] = st
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}); err != nil {
		delete(r.fds, fd)
		return fmt.Errorf("reactor: epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the epoll set and drops its pending callbacks.
// It does not close fd.
func (r *Reactor) Unregister(fd int) {
	st, ok := r.fds[fd]
	if !ok {
		return
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	st.onReadable, st.onWritable = nil, nil
	delete(r.fds, fd)
}

// CancelAll clears any outstanding read/write interest on fd without
// removing it from the epoll set. Pending callbacks are dropped silently;
// this is the benign-cancellation path used during session teardown.
func (r *Reactor) CancelAll(fd int) {
	st, ok := r.fds[fd]
	if !ok {
		return
	}
	st.wantRead, st.wantWrite = false, false
	st.onReadable, st.onWritable = nil, nil
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: unix.EPOLLONESHOT,
		Fd:     int32(fd),
	})
}

// ReadAsync arms a single readable notification on fd. cb is invoked
// exactly once, on the reactor thread, the next time fd is readable (or
// never, if the fd is unregistered or cancelled first). Only one read may
// be outstanding per fd at a time.
func (r *Reactor) ReadAsync(fd int, cb func()) error {
	st, ok := r.fds[fd]
	if !ok {
		return fmt.Errorf("reactor: ReadAsync on unregistered fd %d", fd)
	}
	if st.wantRead {
		return fmt.Errorf("reactor: read already in flight on fd %d", fd)
	}
	st.wantRead = true
	st.onReadable = cb
	return r.rearm(st)
}

// WriteAsync arms a single writable notification on fd, analogous to
// ReadAsync.
func (r *Reactor) WriteAsync(fd int, cb func()) error {
	st, ok := r.fds[fd]
	if !ok {
		return fmt.Errorf("reactor: WriteAsync on unregistered fd %d", fd)
	}
	if st.wantWrite {
		return fmt.Errorf("reactor: write already in flight on fd %d", fd)
	}
	st.wantWrite = true
	st.onWritable = cb
	return r.rearm(st)
}

func (r *Reactor) rearm(st *fdState) error {
	var mask uint32 = unix.EPOLLONESHOT
	if st.wantRead {
		mask |= unix.EPOLLIN
	}
	if st.wantWrite {
		mask |= unix.EPOLLOUT
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, st.fd, &unix.EpollEvent{
		Events: mask,
		Fd:     int32(st.fd),
	})
}

// PostDelayed schedules cb to run on the reactor thread after d has
// elapsed. It returns a cancellation token; cancelling after the timer has
// already fired is a no-op.
func (r *Reactor) PostDelayed(d time.Duration, cb func()) *Timer {
	t := &Timer{deadline: time.Now().Add(d), cb: cb}
	heap.Push(&r.timers, t)
	return t
}

// PostEvery schedules cb to run repeatedly every d, starting after the
// first interval elapses, until the returned Timer is cancelled. There is
// no guarantee of exact periodicity; each firing reschedules relative to
// when it actually ran.
func (r *Reactor) PostEvery(d time.Duration, cb func()) *Timer {
	var t *Timer
	var tick func()
	tick = func() {
		cb()
		if t.cancelled {
			return
		}
		t.deadline = time.Now().Add(d)
		t.cb = tick
		heap.Push(&r.timers, t)
	}
	t = &Timer{deadline: time.Now().Add(d), cb: tick}
	heap.Push(&r.timers, t)
	return t
}

// Post schedules fn to run on the reactor thread as soon as possible. It is
// the only Reactor method safe to call from a goroutine other than the one
// running Run; it is how asynchronous completions originating in the
// embedded TCP/IP stack's own notification goroutines are serialized back
// onto the single designated thread.
func (r *Reactor) Post(fn func()) {
	r.postMu.Lock()
	r.posted = append(r.posted, fn)
	r.postMu.Unlock()
	var b [1]byte
	unix.Write(r.wakeW, b[:])
}

func (r *Reactor) drainPosted() {
	r.postMu.Lock()
	work := r.posted
	r.posted = nil
	r.postMu.Unlock()
	for _, fn := range work {
		fn()
	}
}

// Run blocks, servicing epoll readiness, timers and posted work until Stop
// is called. It must be invoked from the single thread that owns the
// embedded stack; every callback it invokes runs on that same thread.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-r.stop:
			return nil
		default:
		}

		timeout := -1
		if r.timers.Len() > 0 {
			d := time.Until(r.timers[0].deadline)
			if d < 0 {
				d = 0
			}
			timeout = int(d.Milliseconds())
		}

		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		now := time.Now()
		for r.timers.Len() > 0 && !r.timers[0].deadline.After(now) {
			t := heap.Pop(&r.timers).(*Timer)
			if t.cancelled {
				continue
			}
			t.cb()
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.wakeR {
				var buf [64]byte
				for {
					if _, err := unix.Read(r.wakeR, buf[:]); err != nil {
						break
					}
				}
				r.drainPosted()
				continue
			}

			st, ok := r.fds[fd]
			if !ok {
				continue
			}

			var readCB, writeCB func()
			if ev.Events&unix.EPOLLIN != 0 && st.wantRead {
				st.wantRead = false
				readCB, st.onReadable = st.onReadable, nil
			}
			if (ev.Events&unix.EPOLLOUT != 0 || ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0) && st.wantWrite {
				st.wantWrite = false
				writeCB, st.onWritable = st.onWritable, nil
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && st.wantRead && readCB == nil {
				st.wantRead = false
				readCB, st.onReadable = st.onReadable, nil
			}

			// Re-arm the fd for whatever interest is still outstanding
			// (EPOLLONESHOT disarms on every delivery).
			r.rearm(st)

			if readCB != nil {
				readCB()
			}
			if writeCB != nil {
				writeCB()
			}
		}
	}
}

// Stop requests that Run return once its current iteration completes.
func (r *Reactor) Stop() {
	close(r.stop)
	var b [1]byte
	unix.Write(r.wakeW, b[:])
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	deadline  time.Time
	cb        func()
	cancelled bool
	index     int
}

// Cancel prevents a pending Timer from firing. Safe to call more than once.
func (t *Timer) Cancel() {
	t.cancelled = true
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
