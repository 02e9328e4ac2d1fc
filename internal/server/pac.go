package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

// PACContentType is the MIME type browsers expect for PAC files.
const PACContentType = "application/x-ns-proxy-autoconfig"

var pacScript = template.Must(template.New("pac").Parse(`function FindProxyForURL(url, host) {
  return "SOCKS5 {{.}}; SOCKS {{.}}";
}
`))

// PACHandler returns the proxy auto-config script for a SOCKS proxy on socksPort. When host is
// empty the host the client used to reach the PAC server is advertised.
func PACHandler(host string, socksPort int, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := host
		if h == "" {
			h = r.Host
			if hh, _, err := net.SplitHostPort(r.Host); err == nil {
				h = hh
			}
		}
		addr := net.JoinHostPort(h, strconv.Itoa(socksPort))

		w.Header().Set("Content-Type", PACContentType)
		if err := pacScript.Execute(w, addr); err != nil {
			log.Warn().Err(err).Msg("Failed to write PAC")
			return
		}
		log.Debug().Str("client", r.RemoteAddr).Str("proxy", addr).Msg("PAC served")
	})
}

// servePAC runs an HTTP server for handler on l until ctx is done.
func servePAC(ctx context.Context, l net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("pac: %w", err)
	}
	return nil
}
