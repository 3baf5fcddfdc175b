package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// TunnelProvider is the seam spec.md §1/§6 reserves for alternative tunnel
// backends: the Coordinator depends on this interface, not the concrete
// AgentDriver, so a future non-cloudflared provider could be substituted
// without touching the state machine. AgentDriver is the only
// implementation this core ships.
type TunnelProvider interface {
	CreateNamed(ctx context.Context, name string) (*tunnelCreateResult, error)
	RouteDNS(ctx context.Context, tunnelName, hostname string) error
	Run(ctx context.Context, tunnelID, configPath string) (*runningAgent, error)
	Delete(tunnelID string)
}

// AgentDriver wraps the cloudflared subprocess: tunnel creation/deletion via
// one-shot invocations, and long-running `tunnel run` supervision with
// stdout/stderr log scraping (spec.md §4.1). The one-shot half follows the
// teacher's AddRoute — exec.Command + CombinedOutput + substring matching
// on known-benign error text; the long-running half follows
// KudcraftsHQ-conductor's StartTunnel — StdoutPipe/StderrPipe drained by a
// scanner goroutine apiece into a shared sink.
type AgentDriver struct {
	cfg Config
	log zerolog.Logger
}

func newAgentDriver(cfg Config, log zerolog.Logger) *AgentDriver {
	return &AgentDriver{cfg: cfg, log: componentLogger(log, "agent")}
}

var _ TunnelProvider = (*AgentDriver)(nil)

func (a *AgentDriver) binary() string {
	if a.cfg.AgentBinary == "" {
		return "cloudflared"
	}
	return a.cfg.AgentBinary
}

// verifyAuth checks that an origin certificate is present, classifying its
// absence as AUTH_MISSING_CERT per spec.md §4.1/§7 rather than letting the
// later `tunnel create` invocation fail with an opaque CLI error.
func (a *AgentDriver) verifyAuth() error {
	if _, err := exec.LookPath(a.binary()); err != nil {
		return newLifecycleError(AgentNotAvailable, "agent.verifyAuth", err)
	}
	if _, err := os.Stat(a.cfg.OriginCertPath); err != nil {
		return newLifecycleError(AuthMissingCert, "agent.verifyAuth", err)
	}
	return nil
}

// tunnelCreateResult captures what `cloudflared tunnel create` hands back:
// the generated tunnel ID and the path it wrote the credentials JSON to.
type tunnelCreateResult struct {
	TunnelID        string
	CredentialsFile string
}

var tunnelIDPattern = regexp.MustCompile(`Created tunnel [^\s]+ with id ([0-9a-fA-F-]{36})`)

// CreateNamed runs `cloudflared tunnel create <name>` and parses the tunnel ID
// out of its combined output — cloudflared does not offer a machine
// readable create response on older CLI versions, so scraping stdout is
// the same approach the teacher takes for route-dns's "already exists"
// detection in AddRoute.
func (a *AgentDriver) CreateNamed(ctx context.Context, name string) (*tunnelCreateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.AgentCreateTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.binary(), "tunnel", "create", "--credentials-file", a.credentialsPathFor(name), name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newLifecycleError(AgentTimeout, "agent.create", err)
		}
		return nil, newLifecycleError(AgentNotAvailable, "agent.create", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
	}

	match := tunnelIDPattern.FindStringSubmatch(string(out))
	if match == nil {
		return nil, newLifecycleError(AgentNotAvailable, "agent.create", fmt.Errorf("could not parse tunnel id from output: %s", strings.TrimSpace(string(out))))
	}

	a.log.Info().Str("tunnel_id", match[1]).Str("name", name).Msg("tunnel created")
	return &tunnelCreateResult{
		TunnelID:        match[1],
		CredentialsFile: a.credentialsPathFor(name),
	}, nil
}

func (a *AgentDriver) credentialsPathFor(name string) string {
	return a.cfg.ConfigDir + "/" + name + "-creds.json"
}

// RouteDNS runs `cloudflared tunnel route dns`, the CLI-side alternative
// to reconciler.go's direct Cloudflare API calls — kept as a TunnelProvider
// method because it is literally the teacher's AddRoute (exec.Command +
// CombinedOutput + substring match on "already exists"), unmodified in
// approach. The Coordinator does not call this: it reconciles DNS through
// dnsclient.go instead, since spec.md §4.4 needs the full create/unchanged/
// updated/replaced table the CLI's idempotent-create can't express. This
// method exists so TunnelProvider has a real, working implementation for
// the legacy/CLI-only path an alternative caller might still want.
func (a *AgentDriver) RouteDNS(ctx context.Context, tunnelName, hostname string) error {
	cmd := exec.CommandContext(ctx, a.binary(), "tunnel", "route", "dns", tunnelName, hostname)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "already exists") {
			a.log.Info().Str("hostname", hostname).Msg("dns route already exists, skipping")
			return nil
		}
		return newLifecycleError(DNSConflict, "agent.RouteDNS", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
	}
	a.log.Info().Str("hostname", hostname).Msg("dns route added via cloudflared cli")
	return nil
}

// Delete runs `cloudflared tunnel delete` as the TUNNEL_CREATED
// compensating action. Idempotent: "not found" is treated as success,
// mirroring the teacher's "already exists" idempotence on the create side.
func (a *AgentDriver) Delete(tunnelID string) {
	cmd := exec.Command(a.binary(), "tunnel", "delete", "-f", tunnelID)
	out, err := cmd.CombinedOutput()
	if err != nil && !strings.Contains(string(out), "not found") {
		a.log.Warn().Err(err).Str("tunnel_id", tunnelID).Str("output", strings.TrimSpace(string(out))).Msg("tunnel delete failed during rollback")
		return
	}
	a.log.Info().Str("tunnel_id", tunnelID).Msg("tunnel deleted")
}

// runOutcome is the result of racing the three signals described in
// spec.md §4.1/§4.6/§9: a connection-registered log line, an
// unexpected process exit, or a start-up timeout. Exactly one of these
// ever resolves a given Run() call.
type runOutcome int

const (
	outcomeConnected runOutcome = iota
	outcomeExited
	outcomeTimedOut
)

// runningAgent is the handle returned once cloudflared's startup race has
// resolved in the agent's favor (outcomeConnected); it lets the Health
// Monitor and the final shutdown path observe and stop the process.
type runningAgent struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{} // closed when the process has exited
	exitMu sync.Mutex
	exitErr error
}

// Alive reports whether the process has not yet exited.
func (r *runningAgent) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM and waits up to 5 s for the process to exit; if it is
// still running after that, it cancels the run context, which makes
// exec.CommandContext kill it (SIGKILL), and waits for the exit.
func (r *runningAgent) Stop() {
	_ = r.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		r.cancel()
		<-r.done
	}
	r.cancel()
}

var connectedPattern = regexp.MustCompile(`(?i)connection [a-z0-9]+ registered|registered tunnel connection`)

// Run starts `cloudflared tunnel run <tunnelID>` against the materialized
// config and races three outcomes exactly once, using a sync.Once guard
// around a one-slot result channel so that whichever of "saw the connected log line", "process
// exited", or "timeout elapsed" happens first is the only one that
// resolves the call (spec.md §4.6's three-way race).
func (a *AgentDriver) Run(ctx context.Context, tunnelID, configPath string) (*runningAgent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, a.binary(), "tunnel", "--config", configPath, "run", tunnelID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, newLifecycleError(AgentNotAvailable, "agent.run", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, newLifecycleError(AgentNotAvailable, "agent.run", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, newLifecycleError(AgentNotAvailable, "agent.run", err)
	}

	ra := &runningAgent{cmd: cmd, cancel: cancel, done: make(chan struct{})}

	var resolveOnce sync.Once
	resolved := make(chan runOutcome, 1)
	resolve := func(o runOutcome) {
		resolveOnce.Do(func() { resolved <- o })
	}

	scrape := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			a.log.Debug().Str("tunnel_id", tunnelID).Msg(line)
			if connectedPattern.MatchString(line) {
				resolve(outcomeConnected)
			}
		}
	}
	go scrape(stdout)
	go scrape(stderr)

	go func() {
		waitErr := cmd.Wait()
		ra.exitMu.Lock()
		ra.exitErr = waitErr
		ra.exitMu.Unlock()
		close(ra.done)
		resolve(outcomeExited)
	}()

	go func() {
		select {
		case <-time.After(a.cfg.AgentRunTimeout):
			resolve(outcomeTimedOut)
		case <-runCtx.Done():
		}
	}()

	switch <-resolved {
	case outcomeConnected:
		a.log.Info().Str("tunnel_id", tunnelID).Msg("agent connected")
		return ra, nil
	case outcomeExited:
		ra.exitMu.Lock()
		exitErr := ra.exitErr
		ra.exitMu.Unlock()
		cancel()
		return nil, newLifecycleError(AgentUnexpectedExit, "agent.run", exitErr)
	default: // outcomeTimedOut
		cancel()
		<-ra.done
		return nil, newLifecycleError(AgentTimeout, "agent.run", fmt.Errorf("no connection established within %s", a.cfg.AgentRunTimeout))
	}
}

// runQuickTunnel starts cloudflared in anonymous (--url) mode and scrapes
// the randomly assigned trycloudflare.com hostname from its log output,
// the fallback path spec.md §4.6 calls needsInteractiveLogin.
var quickTunnelPattern = regexp.MustCompile(`https://([a-zA-Z0-9-]+\.trycloudflare\.com)`)

func (a *AgentDriver) runQuickTunnel(ctx context.Context, localService string) (*runningAgent, string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, a.binary(), "tunnel", "--url", localService)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, "", newLifecycleError(AgentNotAvailable, "agent.runQuickTunnel", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, "", newLifecycleError(AgentNotAvailable, "agent.runQuickTunnel", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, "", newLifecycleError(AgentNotAvailable, "agent.runQuickTunnel", err)
	}

	ra := &runningAgent{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		waitErr := cmd.Wait()
		ra.exitMu.Lock()
		ra.exitErr = waitErr
		ra.exitMu.Unlock()
		close(ra.done)
	}()

	type found struct {
		host string
	}
	hostCh := make(chan found, 1)
	var once sync.Once
	scrape := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			a.log.Debug().Msg(line)
			if m := quickTunnelPattern.FindStringSubmatch(line); m != nil {
				once.Do(func() { hostCh <- found{host: m[1]} })
			}
		}
	}
	go scrape(stdout)
	go scrape(stderr)

	select {
	case f := <-hostCh:
		return ra, f.host, nil
	case <-ra.done:
		cancel()
		ra.exitMu.Lock()
		exitErr := ra.exitErr
		ra.exitMu.Unlock()
		return nil, "", newLifecycleError(AgentUnexpectedExit, "agent.runQuickTunnel", exitErr)
	case <-time.After(a.cfg.AgentRunTimeout):
		cancel()
		<-ra.done
		return nil, "", newLifecycleError(AgentTimeout, "agent.runQuickTunnel", fmt.Errorf("no trycloudflare hostname observed within %s", a.cfg.AgentRunTimeout))
	}
}
