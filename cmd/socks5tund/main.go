// Command socks5tund runs the SOCKS5 proxy: it brings up an embedded
// TCP/IP stack over a TUN device and accepts SOCKS5 CONNECT clients on a
// TCP listener, bridging each accepted connection to a stack-dialed PCB.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"socks5tun/internal/acceptor"
	"socks5tun/internal/reactor"
	"socks5tun/internal/resolver"
	"socks5tun/internal/userstack"
	"socks5tun/pkg/logger"
)

func main() {
	var (
		listen     = flag.String("listen", ":8080", "SOCKS5 listen address (only the port is used; binds all IPv4 interfaces)")
		tunName    = flag.String("tun", "lwip0", "TUN interface name")
		tunAddr    = flag.String("tun-addr", "10.0.0.100", "TUN-side interface address")
		tunMask    = flag.String("tun-mask", "255.0.0.0", "TUN-side interface netmask")
		tunGW      = flag.String("tun-gw", "10.0.0.1", "TUN-side default gateway")
		dnsServer  = flag.String("dns", "8.8.8.8:53", "upstream resolver for domain-name CONNECT targets")
		dnsTimeout = flag.Duration("dns-timeout", 5*time.Second, "DNS resolution timeout")
		pprofAddr  = flag.String("pprof", "", "optional net/http/pprof listen address, disabled if empty")
		smoketest  = flag.Bool("smoketest", false, "after startup, dial the listener through a SOCKS5 client as a self-check")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := logger.Setup(*debug)

	if *pprofAddr != "" {
		go func() {
			log.Error("pprof listener exited", "error", http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	re, err := reactor.New()
	if err != nil {
		log.Error("creating reactor", "error", err)
		os.Exit(1)
	}

	st, err := userstack.New(re, log, userstack.Config{
		TunName: *tunName,
		Addr:    *tunAddr,
		Mask:    *tunMask,
		Gateway: *tunGW,
	})
	if err != nil {
		log.Error("bringing up embedded stack", "error", err)
		os.Exit(1)
	}

	resCfg, err := parseResolverConfig(*dnsServer, *dnsTimeout)
	if err != nil {
		log.Error("parsing -dns", "error", err)
		os.Exit(1)
	}
	res := resolver.New(re, log, resCfg)

	port, err := parseListenPort(*listen)
	if err != nil {
		log.Error("parsing -listen", "error", err)
		os.Exit(1)
	}
	acc, err := acceptor.Listen(re, log, st, res, port)
	if err != nil {
		log.Error("starting acceptor", "error", err)
		os.Exit(1)
	}
	acc.Start()

	log.Info("socks5tund started", "listen", *listen, "tun", *tunName)

	if *smoketest {
		go runSmokeTest(log, *listen)
	}

	if err := re.Run(); err != nil {
		log.Error("reactor exited", "error", err)
		os.Exit(1)
	}
}

func parseListenPort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("invalid -listen %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid -listen port %q: %w", portStr, err)
	}
	return port, nil
}

func parseResolverConfig(dnsServer string, timeout time.Duration) (resolver.Config, error) {
	host, portStr, err := net.SplitHostPort(dnsServer)
	if err != nil {
		return resolver.Config{}, fmt.Errorf("invalid -dns %q: %w", dnsServer, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return resolver.Config{}, fmt.Errorf("invalid -dns port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return resolver.Config{}, fmt.Errorf("invalid -dns address %q", host)
	}
	v4 := ip.To4()
	if v4 == nil {
		return resolver.Config{}, fmt.Errorf("-dns address %q is not IPv4", host)
	}
	var addr [4]byte
	copy(addr[:], v4)
	return resolver.Config{ServerAddr4: addr, ServerPort: port, Timeout: timeout}, nil
}

// runSmokeTest dials the proxy's own listener through a standard SOCKS5
// client (golang.org/x/net/proxy, the same RFC 1928 client implementation
// nsecgo-gotun2io's cmd/main.go used on its outbound leg) and attempts a
// CONNECT to a well-known address, purely as an operator-facing startup
// self-check -- it never blocks normal operation and its failure is only
// logged, never fatal.
func runSmokeTest(log *slog.Logger, listen string) {
	time.Sleep(200 * time.Millisecond)

	addr := listen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		log.Warn("smoketest: building socks5 dialer failed", "error", err)
		return
	}

	conn, err := dialer.Dial("tcp", "10.0.0.1:7")
	if err != nil {
		log.Warn("smoketest: connect through proxy failed", "error", err)
		return
	}
	conn.Close()
	log.Info("smoketest: proxy accepted a CONNECT round trip")
}
