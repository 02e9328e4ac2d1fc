package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/anton-dessiatov/throttleproxy/internal/config"
	"github.com/anton-dessiatov/throttleproxy/internal/server"
)

// flags shared by the root and the rules command.
type flags struct {
	cfg      config.Config
	urlsPath string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{cfg: config.Default()}

	root := &cobra.Command{
		Use:   "throttleproxy",
		Short: "Bandwidth-throttling SOCKS4/5 proxy.",
		Long: `throttleproxy relays SOCKS4/4a and SOCKS5 CONNECT requests and limits the
bandwidth of every destination. Speeds accept a number of bytes per second or
<number><unit> with units GBps, Gbps, MBps, Mbps, KBps, Kbps, Bps, bps.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(f.logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.urlsPath, "urls-config", "c", "", "JSON or YAML file with per-URL speeds")
	pf.StringVar(&f.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.VarP(&f.cfg.IncomingSpeed, "incoming-speed", "i", "Default incoming speed")
	pf.VarP(&f.cfg.OutgoingSpeed, "outgoing-speed", "o", "Default outgoing speed")

	fl := root.Flags()
	fl.IntVarP(&f.cfg.Port, "port", "p", config.DefaultPort, "SOCKS listening port")
	fl.IntVar(&f.cfg.PACPort, "pac-port", 0, "Serve a proxy auto-config file on this port (0 disables)")
	fl.DurationVarP(&f.cfg.Delay, "delay", "d", 0, "Delay before connecting upstream")
	fl.DurationVar(&f.cfg.ConnectTimeout, "connect-timeout", config.DefaultConnectTimeout, "Upstream connect timeout")

	root.AddCommand(newRulesCmd(f))
	return root
}

// configureLogging sets up zerolog with a console writer on stderr.
func configureLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func serve(ctx context.Context, f *flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := f.cfg
	cfg.URLsConfig = config.LoadURLs(f.urlsPath, log.Logger)

	srv, err := server.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()

	err = srv.Serve(ctx)
	log.Info().Msg("Proxy stopped")
	return err
}
