package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/anton-dessiatov/throttleproxy/internal/config"
)

type staticResolver map[string][]net.IP

func (r staticResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if ips, ok := r[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func echoUpstream(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func loopback(addr net.Addr) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.(*net.TCPAddr).Port))
}

func startServer(t *testing.T, cfg config.Config, opts ...Option) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	srv, err := New(ctx, cfg, zerolog.Nop(), opts...)
	if err != nil {
		cancel()
		t.Fatalf("new: %v", err)
	}
	if err := srv.Listen(); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func TestServerRelaysThroughSOCKS5(t *testing.T) {
	upstream := echoUpstream(t)
	cfg := config.Default()
	cfg.Port = 0
	srv := startServer(t, cfg)

	dialer, err := proxy.SOCKS5("tcp", loopback(srv.Addr()), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("socks5 dialer: %v", err)
	}
	conn, err := dialer.Dial("tcp", upstream)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	msg := bytes.Repeat([]byte("0123456789"), 1000)
	go conn.Write(msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("relayed data corrupted")
	}
}

func TestServerConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := l.Addr().(*net.TCPAddr)
	l.Close()

	cfg := config.Default()
	cfg.Port = 0
	srv := startServer(t, cfg)

	conn, err := net.Dial("tcp", loopback(srv.Addr()))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("read method: %v", err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(closed.Port >> 8), byte(closed.Port)}
	conn.Write(req)
	rep := make([]byte, 2)
	if _, err := io.ReadFull(conn, rep); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if rep[1] != 0x05 {
		t.Fatalf("reply = 0x%02x, want CONNECTION_REFUSED", rep[1])
	}
}

func TestServerSelectsRuleChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.IncomingSpeed = 100000
	cfg.URLsConfig = []config.URLConfig{
		{URL: "http://example.com", IncomingSpeed: 2048, OutgoingSpeed: 4096},
	}
	res := staticResolver{"example.com": {net.ParseIP("93.184.216.34")}}

	srv, err := New(context.Background(), cfg, zerolog.Nop(), WithResolver(res))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rates := srv.Registry().Rates()
	want := map[int64]bool{0: true, 2048: true, 4096: true, 100000: true}
	if len(rates) != len(want) {
		t.Fatalf("rates = %v", rates)
	}
	for _, r := range rates {
		if !want[int64(r)] {
			t.Errorf("unexpected rate %v", r)
		}
	}

	rule := srv.Rules().Match("93.184.216.34", 80)
	if rule.IsZero() || rule.IncomingSpeed != 2048 {
		t.Fatalf("rule for resolved IP not found: %+v", rule)
	}
}

func TestServerThrottlesByIPLiteralRule(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	upstream := echoUpstream(t)
	host, port, _ := net.SplitHostPort(upstream)
	cfg := config.Default()
	cfg.Port = 0
	// The upstream listens on 127.0.0.1, so a rule resolving to that address
	// applies to it. The implied port is replaced by dialing a fixed upstream.
	cfg.URLsConfig = []config.URLConfig{{URL: "http://throttled.test", IncomingSpeed: 20000}}
	res := staticResolver{"throttled.test": {net.ParseIP(host)}}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(host, port))
	}
	srv := startServer(t, cfg, WithResolver(res), WithDial(dial))

	dialer, err := proxy.SOCKS5("tcp", loopback(srv.Addr()), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("socks5 dialer: %v", err)
	}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(host, "80"))
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	msg := bytes.Repeat([]byte{'a'}, 10000)
	start := time.Now()
	go conn.Write(msg)
	if _, err := io.ReadFull(conn, make([]byte, len(msg))); err != nil {
		t.Fatalf("read: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 350*time.Millisecond {
		t.Errorf("incoming rule not applied, 10000 bytes took %v", elapsed)
	}
}

func TestServerPAC(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.PACPort = freePort(t)
	srv := startServer(t, cfg)

	if srv.PACAddr() == nil {
		t.Fatal("PAC listener not started")
	}
	resp, err := http.Get("http://" + loopback(srv.PACAddr()) + "/proxy.pac")
	if err != nil {
		t.Fatalf("get pac: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	socksPort := strconv.Itoa(srv.Addr().(*net.TCPAddr).Port)
	if !strings.Contains(string(body), ":"+socksPort) {
		t.Errorf("PAC %q does not point at port %s", body, socksPort)
	}
}

func TestServeBeforeListen(t *testing.T) {
	srv, err := New(context.Background(), config.Default(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{name: "port too large", modify: func(c *config.Config) { c.Port = 70000 }},
		{name: "negative port", modify: func(c *config.Config) { c.Port = -1 }},
		{name: "negative PAC port", modify: func(c *config.Config) { c.PACPort = -1 }},
		{name: "PAC port equals SOCKS port", modify: func(c *config.Config) { c.PACPort = c.Port }},
		{name: "negative delay", modify: func(c *config.Config) { c.Delay = -time.Second }},
		{name: "negative connect timeout", modify: func(c *config.Config) { c.ConnectTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(&cfg)
			if srv, err := New(context.Background(), cfg, zerolog.Nop()); err == nil || srv != nil {
				t.Fatalf("New = %v, %v, want error", srv, err)
			}
		})
	}
}

func TestServerSkipsDialForDepartedClient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	var accepts atomic.Int32
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			c.Close()
		}
	}()
	upstreamPort := l.Addr().(*net.TCPAddr).Port

	cfg := config.Default()
	cfg.Port = 0
	cfg.Delay = 500 * time.Millisecond
	srv := startServer(t, cfg)

	conn, err := net.Dial("tcp", loopback(srv.Addr()))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write methods: %v", err)
	}
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(upstreamPort >> 8), byte(upstreamPort)}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	conn.Close()

	time.Sleep(cfg.Delay + 300*time.Millisecond)
	if n := accepts.Load(); n != 0 {
		t.Fatalf("upstream accepted %d connections after the client left", n)
	}
}
