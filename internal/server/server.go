// Package server owns the proxy state: the rule set, the channel registry and
// the listeners, including the optional proxy auto-config responder.
// Everything is built once in New and released by Close.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/anton-dessiatov/throttleproxy/internal/bandwidth"
	"github.com/anton-dessiatov/throttleproxy/internal/config"
	"github.com/anton-dessiatov/throttleproxy/internal/proxy"
	"github.com/anton-dessiatov/throttleproxy/internal/rules"
	"github.com/anton-dessiatov/throttleproxy/internal/socks"
)

// Server is a running throttling proxy.
type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	rules    *rules.Set
	registry *bandwidth.Registry
	handler  *proxy.Handler
	socks    *socks.Server

	mu       sync.Mutex
	listener net.Listener
	pacLn    net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option customises a Server.
type Option func(*options)

type options struct {
	resolver rules.Resolver
	dial     proxy.DialFunc
}

// WithResolver replaces the DNS resolver used for rule hosts.
func WithResolver(r rules.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithDial replaces the upstream dialer.
func WithDial(d proxy.DialFunc) Option {
	return func(o *options) { o.dial = d }
}

// New validates cfg, resolves the rules and creates the channels.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...Option) (*Server, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	o := options{resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(&o)
	}

	set := rules.Build(ctx, cfg.URLsConfig, o.resolver, rules.DefaultResolveTimeout,
		log.With().Str("component", "rules").Logger())

	rates := append([]bandwidth.Rate{cfg.IncomingSpeed, cfg.OutgoingSpeed}, set.Rates()...)
	registry := bandwidth.NewRegistry(log.With().Str("component", "bandwidth").Logger(), rates...)

	handler := &proxy.Handler{
		Registry: registry,
		Rules:    set,
		Defaults: proxy.Speeds{
			Incoming: cfg.IncomingSpeed,
			Outgoing: cfg.OutgoingSpeed,
		},
		Dial:           o.dial,
		ConnectTimeout: cfg.ConnectTimeout,
		Delay:          cfg.Delay,
		Log:            log.With().Str("component", "proxy").Logger(),
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		rules:    set,
		registry: registry,
		handler:  handler,
		socks:    socks.NewServer(handler, log.With().Str("component", "socks").Logger()),
	}
	log.Info().
		Int("rules", set.Len()).
		Stringer("incoming", cfg.IncomingSpeed).
		Stringer("outgoing", cfg.OutgoingSpeed).
		Int("channels", len(registry.Rates())).
		Msg("Proxy configured")
	return s, nil
}

func validate(cfg config.Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.PACPort < 0 || cfg.PACPort > 65535 {
		return fmt.Errorf("invalid PAC port %d", cfg.PACPort)
	}
	if cfg.PACPort != 0 && cfg.PACPort == cfg.Port {
		return fmt.Errorf("PAC port %d is the SOCKS port", cfg.PACPort)
	}
	if cfg.Delay < 0 {
		return fmt.Errorf("negative delay %s", cfg.Delay)
	}
	if cfg.ConnectTimeout < 0 {
		return fmt.Errorf("negative connect timeout %s", cfg.ConnectTimeout)
	}
	return nil
}

// Rules returns the resolved rule set.
func (s *Server) Rules() *rules.Set {
	return s.rules
}

// Registry returns the channel registry.
func (s *Server) Registry() *bandwidth.Registry {
	return s.registry
}

// Listen binds the SOCKS port and, when configured, the PAC port.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = l

	if s.cfg.PACPort > 0 {
		pl, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.PACPort)))
		if err != nil {
			l.Close()
			return fmt.Errorf("listen on PAC port %d: %w", s.cfg.PACPort, err)
		}
		s.pacLn = pl
	}
	return nil
}

// Addr returns the SOCKS listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// PACAddr returns the PAC listener address, nil when PAC is disabled.
func (s *Server) PACAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacLn == nil {
		return nil
	}
	return s.pacLn.Addr()
}

// Serve accepts clients until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return errors.New("server: Serve called before Listen")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	l, pl := s.listener, s.pacLn
	s.mu.Unlock()
	defer cancel()

	if pl != nil {
		socksPort := l.Addr().(*net.TCPAddr).Port
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log := s.log.With().Str("component", "pac").Logger()
			log.Info().Str("addr", pl.Addr().String()).Msg("PAC server listening")
			if err := servePAC(ctx, pl, PACHandler("", socksPort, log)); err != nil {
				log.Error().Err(err).Msg("PAC server stopped")
			}
		}()
	}

	s.log.Info().Str("addr", l.Addr().String()).Msg("SOCKS proxy listening")
	err := s.socks.Serve(ctx, l)
	cancel()
	s.wg.Wait()
	return err
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting clients and aborts running sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.pacLn != nil {
		s.pacLn.Close()
	}
	return err
}
