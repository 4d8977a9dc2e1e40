package session

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"socks5tun/internal/reactor"
	"socks5tun/internal/userstack"
)

// fakeEndpoint is a userstack.Endpoint test double driven entirely from the
// reactor thread, same as the real PCB -- the only synchronization it needs
// is for the handful of fields the test goroutine peeks at concurrently.
type fakeEndpoint struct {
	sndBuf     int32 // atomic
	blockWrite int32 // atomic bool: next Write(s) return ErrWouldBlock

	mu          sync.Mutex
	written     bytes.Buffer
	blockedCall int
	readOut     [][]byte
	aborted     bool
	closed      bool

	onSent      func()
	onReadable  func()
	onConnected func(error)
	onError     func(error)
}

func (f *fakeEndpoint) SndBuf() int { return int(atomic.LoadInt32(&f.sndBuf)) }

func (f *fakeEndpoint) Write(p []byte) (int, error) {
	if atomic.LoadInt32(&f.blockWrite) != 0 {
		f.mu.Lock()
		f.blockedCall++
		f.mu.Unlock()
		return 0, userstack.ErrWouldBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written.Write(p)
	return len(p), nil
}

func (f *fakeEndpoint) setBlockWrite(block bool) {
	var v int32
	if block {
		v = 1
	}
	atomic.StoreInt32(&f.blockWrite, v)
}

func (f *fakeEndpoint) blockedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockedCall
}

func (f *fakeEndpoint) Read() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readOut) == 0 {
		return nil, userstack.ErrWouldBlock
	}
	out := f.readOut[0]
	f.readOut = f.readOut[1:]
	if out == nil {
		return nil, userstack.ErrClosedForReceive
	}
	return out, nil
}

func (f *fakeEndpoint) queueRead(p []byte) {
	f.mu.Lock()
	f.readOut = append(f.readOut, p)
	f.mu.Unlock()
}

func (f *fakeEndpoint) writtenLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Len()
}

func (f *fakeEndpoint) Abort() { f.mu.Lock(); f.aborted = true; f.mu.Unlock() }
func (f *fakeEndpoint) Close() { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func (f *fakeEndpoint) OnConnected(cb func(error)) { f.onConnected = cb }
func (f *fakeEndpoint) OnError(cb func(error))     { f.onError = cb }
func (f *fakeEndpoint) OnSent(cb func())           { f.onSent = cb }
func (f *fakeEndpoint) OnReadable(cb func())       { f.onReadable = cb }

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeClient(t *testing.T, fd int, p []byte) {
	t.Helper()
	off := 0
	for off < len(p) {
		n, err := unix.Write(fd, p[off:])
		if err != nil {
			if err == unix.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("client write: %v", err)
		}
		off += n
	}
}

// TestPumpGatesOnSndBuf verifies spec §8 scenario 5: while the PCB reports
// no send window, the pump must never read from the client socket; once
// OnSent fires with a nonzero window, the pump resumes and drains what was
// queued.
func TestPumpGatesOnSndBuf(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	if err := re.Register(serverFD); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fake := &fakeEndpoint{}
	p := New(re, discardLogger(), serverFD, fake, make([]byte, 8192))
	p.Start()

	payload := bytes.Repeat([]byte{'z'}, 4096)
	go writeClient(t, clientFD, payload)

	runErr := make(chan error, 1)
	go func() { runErr <- re.Run() }()

	time.Sleep(50 * time.Millisecond)
	gateChecked := make(chan struct{})
	re.Post(func() {
		if n := fake.writtenLen(); n != 0 {
			t.Errorf("expected no bytes pumped while sndbuf==0, got %d", n)
		}
		atomic.StoreInt32(&fake.sndBuf, 4096)
		if fake.onSent != nil {
			fake.onSent()
		}
		close(gateChecked)
	})
	<-gateChecked

	deadline := time.Now().Add(2 * time.Second)
	for fake.writtenLen() < len(payload) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for pumped bytes, got %d/%d", fake.writtenLen(), len(payload))
		}
		time.Sleep(5 * time.Millisecond)
	}

	re.Stop()
	<-runErr

	fake.mu.Lock()
	got := fake.written.Bytes()
	fake.mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("pumped bytes do not match payload (got %d bytes)", len(got))
	}
}

// TestPumpPausesOnWriteWouldBlock verifies spec §8 scenario 5's other half:
// SndBuf() reporting room available does not guarantee the write actually
// lands, since netstack's real send buffer can still fill between the
// SndBuf check and the Write call. When Write returns ErrWouldBlock the
// pump must pause and retry on the next OnSent, not abort a healthy
// connection.
func TestPumpPausesOnWriteWouldBlock(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	if err := re.Register(serverFD); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fake := &fakeEndpoint{}
	atomic.StoreInt32(&fake.sndBuf, 4096)
	fake.setBlockWrite(true)
	p := New(re, discardLogger(), serverFD, fake, make([]byte, 4096))
	p.Start()

	payload := []byte("hello remote, please wait")
	go writeClient(t, clientFD, payload)

	runErr := make(chan error, 1)
	go func() { runErr <- re.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for fake.blockedCalls() == 0 {
		if time.Now().After(deadline) {
			re.Stop()
			<-runErr
			t.Fatal("timed out waiting for Write to be attempted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The blocked write must not have aborted or closed the PCB.
	fake.mu.Lock()
	aborted, closed := fake.aborted, fake.closed
	fake.mu.Unlock()
	if aborted || closed {
		t.Fatalf("pump tore down the PCB on ErrWouldBlock (aborted=%v closed=%v)", aborted, closed)
	}
	if n := fake.writtenLen(); n != 0 {
		t.Fatalf("expected no bytes accepted while Write blocks, got %d", n)
	}

	// Unblock the write and fire OnSent, as the stack would once the remote
	// acks and drains some of its backlog.
	fake.setBlockWrite(false)
	done := make(chan struct{})
	re.Post(func() {
		fake.onSent()
		close(done)
	})
	<-done

	deadline = time.Now().Add(2 * time.Second)
	for fake.writtenLen() < len(payload) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the retried write, got %d/%d", fake.writtenLen(), len(payload))
		}
		time.Sleep(5 * time.Millisecond)
	}

	re.Stop()
	<-runErr

	fake.mu.Lock()
	got := fake.written.Bytes()
	aborted, closed = fake.aborted, fake.closed
	fake.mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("retried write does not match payload (got %d bytes)", len(got))
	}
	if aborted || closed {
		t.Fatalf("pump tore down the PCB after a successful retry (aborted=%v closed=%v)", aborted, closed)
	}
}

// TestPumpSingleOutstandingRead verifies the pump never issues a second
// client-socket read while one is already in flight.
func TestPumpSingleOutstandingRead(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	_ = clientFD
	re, _ := reactor.New()
	re.Register(serverFD)

	fake := &fakeEndpoint{}
	atomic.StoreInt32(&fake.sndBuf, 4096)
	p := New(re, discardLogger(), serverFD, fake, make([]byte, 4096))

	p.pumpToRemote()
	if !p.readInFlight {
		t.Fatal("expected a read to be in flight after pumpToRemote")
	}
	p.pumpToRemote() // must be a no-op
	if !p.readInFlight {
		t.Fatal("readInFlight flag was cleared by the second call")
	}
}

// TestPumpReceivePath verifies the stack->client direction: data queued on
// the PCB is written to the OS socket.
func TestPumpReceivePath(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	re.Register(serverFD)

	fake := &fakeEndpoint{}
	p := New(re, discardLogger(), serverFD, fake, make([]byte, 4096))
	p.Start()

	fake.queueRead([]byte("hello from remote"))

	runErr := make(chan error, 1)
	go func() { runErr <- re.Run() }()
	re.Post(func() { fake.onReadable() })

	buf := make([]byte, len("hello from remote"))
	deadline := time.Now().Add(2 * time.Second)
	off := 0
	for off < len(buf) {
		n, err := unix.Read(clientFD, buf[off:])
		if err != nil {
			if err == unix.EAGAIN {
				if time.Now().After(deadline) {
					t.Fatalf("timed out reading from client, got %d/%d", off, len(buf))
				}
				time.Sleep(5 * time.Millisecond)
				continue
			}
			t.Fatalf("client read: %v", err)
		}
		off += n
	}

	re.Stop()
	<-runErr

	if string(buf) != "hello from remote" {
		t.Fatalf("unexpected data relayed to client: %q", buf)
	}
}

// TestPumpGracefulCloseOnClientEOF verifies that a client-side EOF (the
// client closing its end of the OS socket) results in a graceful PCB close,
// not an abort.
func TestPumpGracefulCloseOnClientEOF(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	re.Register(serverFD)

	fake := &fakeEndpoint{}
	atomic.StoreInt32(&fake.sndBuf, 4096)
	p := New(re, discardLogger(), serverFD, fake, make([]byte, 4096))

	done := make(chan struct{})
	p.OnDone = func() { close(done) }
	p.Start()

	unix.Close(clientFD)

	runErr := make(chan error, 1)
	go func() { runErr <- re.Run() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		re.Stop()
		t.Fatal("pump never called OnDone after client EOF")
	}
	re.Stop()
	<-runErr

	fake.mu.Lock()
	closed, aborted := fake.closed, fake.aborted
	fake.mu.Unlock()
	if !closed {
		t.Error("expected pcb.Close to be called on client EOF")
	}
	if aborted {
		t.Error("expected a graceful close, not an abort, on client EOF")
	}
}

// TestPumpHalfCloseOnRemoteEOF verifies that ErrClosedForReceive from the
// PCB shuts down only the client socket's write half, leaving the socket
// itself open for the client->remote direction to keep draining.
func TestPumpHalfCloseOnRemoteEOF(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	re.Register(serverFD)

	fake := &fakeEndpoint{}
	p := New(re, discardLogger(), serverFD, fake, make([]byte, 4096))
	p.Start()

	fake.queueRead(nil) // nil signals ErrClosedForReceive from the fake

	runErr := make(chan error, 1)
	go func() { runErr <- re.Run() }()
	re.Post(func() { fake.onReadable() })

	// Shutting down serverFD's write half should surface as EOF on clientFD.
	deadline := time.Now().Add(2 * time.Second)
	var b [1]byte
	for {
		n, err := unix.Read(clientFD, b[:])
		if n == 0 && err == nil {
			break // EOF
		}
		if err == unix.EAGAIN {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for half-close to surface as client EOF")
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
	}

	re.Stop()
	<-runErr
}
