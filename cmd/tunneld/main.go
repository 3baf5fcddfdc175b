package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"cftunnel"
)

// tunneld is a thin demo binary: construct a Config, open a session, and
// wait for SIGINT/SIGTERM — the graceful-shutdown skeleton follows the
// teacher's main.go (signal.Notify + a blocking <-quit), with the Gin HTTP server and Docker/MySQL wiring it drove
// replaced by a single CreateSession call, since spec.md §1 scopes the
// HTTP/CLI surface out of this core entirely.
func main() {
	port := flag.Int("port", 8080, "local port to expose")
	hostname := flag.String("hostname", "", "public hostname to route (empty falls back to a quick tunnel)")
	proxied := flag.Bool("proxied", true, "whether the DNS record should be Cloudflare-proxied")
	flag.Parse()

	log := tunnel.NewDefaultLogger()
	cfg := tunnel.ConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var session *tunnel.TunnelSession
	var err error

	if *hostname == "" {
		session, err = tunnel.CreateQuickSession(ctx, cfg, *port, log)
	} else {
		session, err = tunnel.CreateSession(ctx, cfg, tunnel.CreateSessionOptions{
			LocalPort: *port,
			Hostname:  *hostname,
			Proxied:   *proxied,
			Logger:    log,
		})
		if err != nil && tunnel.NeedsInteractiveLogin(err) {
			log.Error().Msg("no origin certificate found; run `cloudflared tunnel login` or omit --hostname for a quick tunnel")
			os.Exit(1)
		}
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start tunnel session")
	}

	log.Info().Str("public_url", session.PublicURL).Msg("tunnel is live")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit
	log.Info().Msg("shutting down...")

	session.Close()
	log.Info().Msg("stopped cleanly")
}
