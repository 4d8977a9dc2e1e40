// Package acceptor implements the Acceptor: binds the proxy's listening
// TCP port and spins up a fresh ClientSession for every accepted
// connection, reposting the next accept immediately so one slow or failed
// accept never stalls the others.
package acceptor

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"socks5tun/internal/reactor"
	"socks5tun/internal/resolver"
	"socks5tun/internal/session"
	"socks5tun/internal/userstack"
)

// Acceptor owns the listening socket and the table of in-flight sessions.
type Acceptor struct {
	re       *reactor.Reactor
	log      *slog.Logger
	st       *userstack.Stack
	resolver *resolver.Resolver

	fd int

	sessions map[*session.Session]struct{}
}

// Listen binds and listens on port (all interfaces) and returns an Acceptor
// ready to Start.
func Listen(re *reactor.Reactor, log *slog.Logger, st *userstack.Stack, res *resolver.Resolver, port int) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("acceptor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: set nonblocking: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: listen: %w", err)
	}
	if err := re.Register(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: register listening fd: %w", err)
	}

	return &Acceptor{
		re:       re,
		log:      log,
		st:       st,
		resolver: res,
		fd:       fd,
		sessions: make(map[*session.Session]struct{}),
	}, nil
}

// Start posts the first accept.
func (a *Acceptor) Start() {
	a.postAccept()
}

func (a *Acceptor) postAccept() {
	if err := a.re.ReadAsync(a.fd, a.onAcceptable); err != nil {
		a.log.Error("acceptor: could not arm accept, no longer accepting connections", "error", err)
	}
}

func (a *Acceptor) onAcceptable() {
	// Drain every connection the kernel already has queued before
	// re-arming, since EPOLLONESHOT only delivers one readiness
	// notification per arm and a burst of SYNs should not each wait a
	// full repost round trip.
	for {
		clientFD, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			a.log.Warn("acceptor: accept failed", "error", err)
			break
		}
		a.spawn(clientFD)
	}
	a.postAccept()
}

func (a *Acceptor) spawn(clientFD int) {
	sess := session.New(a.re, a.log, clientFD, a.st, a.resolver)
	a.sessions[sess] = struct{}{}
	sess.OnDone = func() {
		delete(a.sessions, sess)
	}
	if err := sess.Start(); err != nil {
		a.log.Warn("acceptor: session failed to start", "error", err)
		delete(a.sessions, sess)
		unix.Close(clientFD)
	}
}

// ActiveSessions reports how many sessions are currently live, for the
// process's own diagnostics.
func (a *Acceptor) ActiveSessions() int { return len(a.sessions) }
