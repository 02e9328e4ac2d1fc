package socks

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/thinkgos/go-socks5/statute"
)

// Protocol versions.
const (
	Version4 byte = 0x04
	Version5 byte = statute.VersionSocks5
)

// Commands shared by both versions.
const (
	CommandConnect   = statute.CommandConnect
	CommandBind      = statute.CommandBind
	CommandAssociate = statute.CommandAssociate
)

// SOCKS4 reply codes. The protocol has a single failure code for every
// rejection reason the proxy can produce.
const (
	Rep4Granted  byte = 0x5a
	Rep4Rejected byte = 0x5b
)

// Kind classifies an upstream connect error.
type Kind int

const (
	KindOther Kind = iota
	KindHostUnreachable
	KindConnectionRefused
	KindNetworkUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindHostUnreachable:
		return "host unreachable"
	case KindConnectionRefused:
		return "connection refused"
	case KindNetworkUnreachable:
		return "network unreachable"
	default:
		return "other"
	}
}

// KindOf maps a dial error to its Kind.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, syscall.EHOSTUNREACH):
		return KindHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return KindNetworkUnreachable
	default:
		return KindOther
	}
}

// Success returns the "request granted" code.
func Success(version byte) byte {
	if version == Version5 {
		return statute.RepSuccess
	}
	return Rep4Granted
}

// UnsupportedCommand returns the "command not supported" code.
func UnsupportedCommand(version byte) byte {
	if version == Version5 {
		return statute.RepCommandNotSupported
	}
	return Rep4Rejected
}

// ConnectError returns the failure code for a connect error of kind k.
func ConnectError(version byte, k Kind) byte {
	if version != Version5 {
		return Rep4Rejected
	}
	switch k {
	case KindHostUnreachable:
		return statute.RepHostUnreachable
	case KindConnectionRefused:
		return statute.RepConnectionRefused
	case KindNetworkUnreachable:
		return statute.RepNetworkUnreachable
	default:
		return statute.RepServerFailure
	}
}

// StatusText names a reply code for logging.
func StatusText(version byte, code byte) string {
	if version != Version5 {
		switch code {
		case Rep4Granted:
			return "GRANTED"
		case Rep4Rejected:
			return "REJECTED"
		}
		return fmt.Sprintf("0x%02x", code)
	}
	switch code {
	case statute.RepSuccess:
		return "SUCCESS"
	case statute.RepServerFailure:
		return "SERVER_FAILURE"
	case statute.RepNetworkUnreachable:
		return "NETWORK_UNREACHABLE"
	case statute.RepHostUnreachable:
		return "HOST_UNREACHABLE"
	case statute.RepConnectionRefused:
		return "CONNECTION_REFUSED"
	case statute.RepCommandNotSupported:
		return "COMMAND_NOT_SUPPORTED"
	}
	return fmt.Sprintf("0x%02x", code)
}

// ErrAlreadyReplied is returned by Replier.Send after the first reply.
var ErrAlreadyReplied = errors.New("socks: reply already sent")

// ReplyFunc writes a status code to the client. bind is the address
// reported in the reply and may be nil.
type ReplyFunc func(code byte, bind net.Addr) error

// Replier is a one-shot reply token: only the first Send reaches the client.
type Replier struct {
	version byte
	send    ReplyFunc

	mu   sync.Mutex
	sent bool
	code byte
}

// NewReplier wraps send for a request of the given version.
func NewReplier(version byte, send ReplyFunc) *Replier {
	return &Replier{version: version, send: send}
}

// Version returns the protocol version replies are encoded for.
func (r *Replier) Version() byte {
	return r.version
}

// Send delivers code to the client once. Later calls return
// ErrAlreadyReplied and write nothing.
func (r *Replier) Send(code byte, bind net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return ErrAlreadyReplied
	}
	r.sent = true
	r.code = code
	return r.send(code, bind)
}

// Sent reports whether a reply went out and which code it carried.
func (r *Replier) Sent() (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.sent
}
