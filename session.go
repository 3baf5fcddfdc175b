package tunnel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// TunnelSession is the caller-facing handle spec.md §6 defines: everything
// a caller needs to know about a committed tunnel, plus the means to tear
// it down and observe its health.
type TunnelSession struct {
	PublicURL string
	TunnelID  string
	LocalPort int

	coordinator *Coordinator
	health      *HealthMonitor
	healthDone  context.CancelFunc
}

// Close tears the session down: stops the Health Monitor, stops the
// cloudflared process, and leaves DNS/tunnel resources in place (spec.md
// §6 — Close is a local stop, not a destroy; the companion teardown call
// is Destroy).
func (s *TunnelSession) Close() {
	if s.health != nil {
		s.health.Stop()
	}
	if s.healthDone != nil {
		s.healthDone()
	}
	if s.coordinator.running != nil {
		s.coordinator.running.Stop()
	}
}

// Destroy stops the process and removes the tunnel and DNS record
// permanently (spec.md §6's explicit teardown operation, distinct from
// Close).
func (s *TunnelSession) Destroy(ctx context.Context) error {
	s.Close()
	return s.coordinator.destroy(ctx, s)
}

// OnHealth registers callbacks on the session's Health Monitor. The monitor
// loop is already running when CreateSession returns, so this must be called
// before its first tick (one HealthInterval later), since callbacks are not
// safe to swap concurrently with tick().
func (s *TunnelSession) OnHealth(cb HealthCallbacks) {
	if s.health != nil {
		s.health.callbacks = cb
	}
}

// CreateSessionOptions configures one named-tunnel lifecycle transaction
// (spec.md §6's CreateSession operation).
type CreateSessionOptions struct {
	LocalPort int
	Hostname  string // empty => fall back to an anonymous quick tunnel
	Proxied   bool
	Logger    zerolog.Logger
}

// CreateSession runs the full transactional lifecycle described in
// spec.md §4.6 end to end: auth check, tunnel create, config write, DNS
// reconcile, propagation verify, agent run, commit. On any failure it
// rolls back everything performed so far and returns the failing step's
// error: a *LifecycleError for every step except the config write, whose
// filesystem error is returned as is. An empty Hostname starts a quick
// tunnel through CreateQuickSession instead.
func CreateSession(ctx context.Context, cfg Config, opts CreateSessionOptions) (*TunnelSession, error) {
	log := opts.Logger
	if (log == zerolog.Logger{}) {
		log = defaultLogger()
	}
	if opts.Hostname == "" {
		return CreateQuickSession(ctx, cfg, opts.LocalPort, log)
	}
	coord, err := newCoordinator(cfg, log)
	if err != nil {
		return nil, err
	}
	return coord.createSession(ctx, opts)
}

// needsInteractiveLogin classifies an error as the fallback signal
// spec.md §4.6 describes: the caller has no usable origin certificate, so
// the Coordinator cannot create a named tunnel at all and the caller
// should either run `cloudflared tunnel login` or accept an anonymous quick
// tunnel via CreateQuickSession.
func needsInteractiveLogin(err error) bool {
	return KindOf(err) == AuthMissingCert
}

// NeedsInteractiveLogin is the exported form of needsInteractiveLogin, for
// callers deciding whether to fall back to CreateQuickSession.
func NeedsInteractiveLogin(err error) bool {
	return needsInteractiveLogin(err)
}

// CreateQuickSession starts an anonymous quick tunnel (spec.md §4.6 / §8
// scenario S6): no DNS, no named tunnel, just `cloudflared tunnel --url`
// and a scraped *.trycloudflare.com hostname. No rollback stack is needed
// since there is exactly one step.
func CreateQuickSession(ctx context.Context, cfg Config, localPort int, log zerolog.Logger) (*TunnelSession, error) {
	agent := newAgentDriver(cfg, log)
	localService := fmt.Sprintf("http://localhost:%d", localPort)

	running, hostname, err := agent.runQuickTunnel(ctx, localService)
	if err != nil {
		return nil, err
	}

	coord := &Coordinator{cfg: cfg, log: log, agent: agent, running: running}
	session := &TunnelSession{
		PublicURL:   "https://" + hostname,
		TunnelID:    "",
		LocalPort:   localPort,
		coordinator: coord,
	}
	return session, nil
}
