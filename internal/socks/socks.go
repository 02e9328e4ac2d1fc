// Package socks accepts SOCKS4/4a and SOCKS5 clients and hands the parsed
// request, together with a one-shot reply token, to a Handler.
package socks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/thinkgos/go-socks5"
)

// HandshakeTimeout bounds the time a client has to send its request.
const HandshakeTimeout = 30 * time.Second

// ErrUnsupportedVersion is returned for a first byte that is neither 4 nor 5.
var ErrUnsupportedVersion = errors.New("socks: unsupported version")

// Request is a parsed client request.
type Request struct {
	Version byte
	Command byte
	Host    string
	Port    int
}

// Address returns host:port.
func (r Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Client is the accepted client stream once the handshake is over.
type Client interface {
	io.ReadWriteCloser
}

// HangupWatcher is implemented by clients that can report a disconnect
// before relaying starts. WatchHangup calls onHangup if the client goes away
// and returns a stop function that ends the watch without consuming data.
type HangupWatcher interface {
	WatchHangup(onHangup func()) (stop func())
}

// Handler processes one request. It must send exactly one reply through
// reply and owns client until it returns.
type Handler interface {
	Handle(ctx context.Context, client Client, req Request, reply *Replier) error
}

// Server dispatches accepted connections by protocol version.
type Server struct {
	handler Handler
	v5      *socks5.Server
	log     zerolog.Logger
}

// NewServer creates a Server that routes every request to handler.
func NewServer(handler Handler, log zerolog.Logger) *Server {
	s := &Server{handler: handler, log: log}
	s.v5 = socks5.NewServer(
		socks5.WithLogger(errorLogger{log}),
		socks5.WithResolver(keepHostname{}),
		socks5.WithConnectHandle(s.handle5),
		socks5.WithBindHandle(s.handle5),
		socks5.WithAssociateHandle(s.handle5),
	)
	return s
}

// Serve accepts connections on l until ctx is done or l fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func(c net.Conn) {
			if err := s.ServeConn(ctx, c); err != nil {
				s.log.Debug().Err(err).Str("client", c.RemoteAddr().String()).Msg("Connection closed with error")
			}
		}(conn)
	}
}

// ServeConn runs the handshake on conn and then the handler. conn is closed
// on return or when ctx is done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	br := bufio.NewReader(conn)
	ver, err := br.Peek(1)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}

	switch ver[0] {
	case Version4:
		return s.serve4(ctx, conn, br)
	case Version5:
		return s.v5.ServeConn(&bufferedConn{Conn: conn, r: br, ctx: ctx})
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver[0])
	}
}

func (s *Server) handle5(ctx context.Context, w io.Writer, r *socks5.Request) error {
	// go-socks5 does not carry the caller's context through ServeConn.
	bc, _ := w.(*bufferedConn)
	if bc != nil {
		bc.SetReadDeadline(time.Time{})
		if bc.ctx != nil {
			ctx = bc.ctx
		}
	}
	host := r.DestAddr.FQDN
	if host == "" {
		host = r.DestAddr.IP.String()
	}
	req := Request{
		Version: Version5,
		Command: r.Command,
		Host:    host,
		Port:    r.DestAddr.Port,
	}

	client := &conn5{Reader: r.Reader, Writer: w, conn: bc}
	if c, ok := w.(io.Closer); ok {
		client.Closer = c
	}
	reply := NewReplier(Version5, func(code byte, bind net.Addr) error {
		return socks5.SendReply(w, code, bind)
	})
	return s.handler.Handle(ctx, client, req, reply)
}

type conn5 struct {
	io.Reader
	io.Writer
	io.Closer
	conn *bufferedConn
}

// WatchHangup peeks the connection below go-socks5's reader. Bytes peeked
// there are still delivered through Reader.
func (c *conn5) WatchHangup(onHangup func()) func() {
	if c.conn == nil {
		return func() {}
	}
	return c.conn.WatchHangup(onHangup)
}

func (c *conn5) Close() error {
	if c.Closer == nil {
		return nil
	}
	return c.Closer.Close()
}

// bufferedConn replays the bytes peeked while detecting the version.
type bufferedConn struct {
	net.Conn
	r   *bufio.Reader
	ctx context.Context
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// WatchHangup waits for the client to send data or hang up. Peeked data
// stays buffered for the relay.
func (c *bufferedConn) WatchHangup(onHangup func()) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.r.Peek(1)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			onHangup()
		}
	}()
	return func() {
		c.SetReadDeadline(time.Now())
		<-done
		c.SetReadDeadline(time.Time{})
	}
}

// keepHostname leaves FQDN destinations unresolved so that rules can match
// the requested hostname and the dialer resolves it.
type keepHostname struct{}

func (keepHostname) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

type errorLogger struct {
	log zerolog.Logger
}

func (l errorLogger) Errorf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
