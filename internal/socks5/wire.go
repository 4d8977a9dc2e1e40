// Package socks5 implements the wire-level subset of RFC 1928 this proxy
// speaks: no-auth greeting and CONNECT only, bit-exact with
// golang.org/x/net/proxy's client-side encoding of the same messages.
package socks5

const (
	Version5 = 0x05

	MethodNoAuth          = 0x00
	MethodNoAcceptable    = 0xFF
	CmdConnect            = 0x01
	CmdBind               = 0x02
	CmdUDPAssociate       = 0x03
	AddrTypeIPv4          = 0x01
	AddrTypeDomainName    = 0x03
	AddrTypeIPv6          = 0x04
	initialCommandBytes   = 5
	successReplyLen       = 10
)

// SuccessReply is the fixed 10-byte CONNECT success reply. The bound
// address/port are always reported as zero; this proxy never binds a
// distinct local address worth advertising to the client.
var SuccessReply = [successReplyLen]byte{Version5, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// GreetingReply is sent once a no-auth method has been selected.
var GreetingReply = [2]byte{Version5, MethodNoAuth}

// AddressTypeString names an ATYP value, for logging.
func AddressTypeString(t byte) string {
	switch t {
	case AddrTypeIPv4:
		return "ipv4"
	case AddrTypeDomainName:
		return "domain"
	case AddrTypeIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// CommandString names a CMD value, for logging.
func CommandString(c byte) string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP_ASSOCIATE"
	default:
		return "unknown"
	}
}

// CmdTailLen returns the number of bytes still needed after the initial
// 5-byte CMD_HEAD ([VER][CMD][RSV][ATYP][first length/address byte]) to
// have a complete CONNECT request, given the address type found at byte 3
// and, for domain names, the length byte found at byte 4. ok is false for
// an address type this proxy does not understand; no tail length can be
// inferred then, so callers should treat !ok as an immediate
// protocol-reject with no further read.
func CmdTailLen(atyp byte, domainLen byte) (remaining int, ok bool) {
	switch atyp {
	case AddrTypeIPv4:
		// 3 more address bytes (1 already read in CMD_HEAD) + 2 port bytes.
		return 3 + 2, true
	case AddrTypeDomainName:
		// domainLen bytes of name (the length byte itself was the 5th
		// CMD_HEAD byte, already consumed) + 2 port bytes.
		return int(domainLen) + 2, true
	case AddrTypeIPv6:
		// 15 more address bytes + 2 port bytes.
		return 15 + 2, true
	default:
		return 0, false
	}
}
