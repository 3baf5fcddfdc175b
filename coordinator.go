package tunnel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Coordinator is the Lifecycle Coordinator (spec.md §4.6): it owns the
// transaction state machine and sequences every other component. It plays
// the role the teacher's Provisioner plays in provisioner.go — a single
// function driving a sequence of steps, each pushing a compensating
// closure before moving on, `return rollback(err)` on any failure — except
// generalized from four fixed booleans to the ordered Transaction stack in
// transaction.go, since this lifecycle has a data-dependent step count
// (the DNS Reconciler's replace path deletes a variable number of records).
type Coordinator struct {
	cfg Config
	log zerolog.Logger

	agent        *AgentDriver  // concrete handle, needed for verifyAuth (not part of TunnelProvider)
	provider     TunnelProvider // same underlying AgentDriver, referenced through the substitutable seam
	materializer *ConfigMaterializer
	dns          *ZoneDNSClient
	reconciler   *DNSReconciler
	verifier     *PropagationVerifier

	mu      sync.Mutex
	running *runningAgent
}

func newCoordinator(cfg Config, log zerolog.Logger) (*Coordinator, error) {
	dns, err := newZoneDNSClient(cfg, log)
	if err != nil {
		return nil, err
	}
	agent := newAgentDriver(cfg, log)
	return &Coordinator{
		cfg:          cfg,
		log:          log,
		agent:        agent,
		provider:     agent,
		materializer: newConfigMaterializer(cfg, log),
		dns:          dns,
		reconciler:   newDNSReconciler(dns, log),
		verifier:     newPropagationVerifier(cfg, log),
	}, nil
}

// createSession runs the INIT -> COMMITTED path of spec.md §4.6.
func (c *Coordinator) createSession(ctx context.Context, opts CreateSessionOptions) (*TunnelSession, error) {
	if err := ValidateHostnameFormat(opts.Hostname); err != nil {
		return nil, newLifecycleError(AgentNotAvailable, "coordinator.createSession", err)
	}

	txn := newTransaction(c.log)

	// INIT -> AUTH_VERIFIED
	if err := c.dns.verifyToken(ctx); err != nil {
		return nil, c.fail(txn, err)
	}
	if err := c.agent.verifyAuth(); err != nil {
		if needsInteractiveLogin(err) {
			return nil, err // caller should fall back to CreateQuickSession
		}
		return nil, c.fail(txn, err)
	}
	txn.transition(StateAuthVerified)

	// AUTH_VERIFIED -> TUNNEL_CREATED
	name := TunnelDisplayName(opts.Hostname)
	created, err := c.provider.CreateNamed(ctx, name)
	if err != nil {
		return nil, c.fail(txn, err)
	}
	tunnelID := created.TunnelID
	txn.pushCompensation("delete tunnel", func() { c.provider.Delete(tunnelID) })
	txn.transition(StateTunnelCreated)

	// TUNNEL_CREATED -> CONFIG_WRITTEN
	localService := fmt.Sprintf("http://localhost:%d", opts.LocalPort)
	configPath, err := c.materializer.write(tunnelID, opts.Hostname, localService, created.CredentialsFile)
	if err != nil {
		txn.rollback(err)
		return nil, err
	}
	txn.pushCompensation("remove config", func() { c.materializer.remove(tunnelID) })
	txn.transition(StateConfigWritten)

	// CONFIG_WRITTEN -> DNS_RECONCILED
	target := CfargotunnelTarget(tunnelID)
	rr, err := c.reconciler.reconcile(ctx, opts.Hostname, target, opts.Proxied)
	if err != nil {
		txn.rollback(err)
		return nil, err
	}
	if rr.Outcome == outcomeCreated || rr.Outcome == outcomeReplaced {
		zoneID, recordID := rr.ZoneID, rr.RecordID
		txn.pushCompensation("remove dns record", func() { c.reconciler.remove(ctx, zoneID, recordID) })
	}
	txn.transition(StateDNSReconciled)

	// DNS_RECONCILED -> DNS_VERIFIED
	if err := c.verifier.verify(ctx, opts.Hostname); err != nil {
		txn.rollback(err)
		return nil, err
	}
	txn.transition(StateDNSVerified)

	// DNS_VERIFIED -> AGENT_RUNNING
	running, err := c.provider.Run(ctx, tunnelID, configPath)
	if err != nil {
		txn.rollback(err)
		return nil, err
	}
	txn.pushCompensation("stop agent", func() { running.Stop() })
	txn.transition(StateAgentRunning)

	// AGENT_RUNNING -> COMMITTED. The sync.Once is local to this call, so it
	// only ensures this call commits once; the single-resolution guard for
	// the agent's three-way start-up race lives inside AgentDriver.Run.
	var commitOnce sync.Once
	commitOnce.Do(func() { txn.commit() })

	c.mu.Lock()
	c.running = running
	c.mu.Unlock()

	publicURL := "https://" + opts.Hostname
	session := &TunnelSession{
		PublicURL:   publicURL,
		TunnelID:    tunnelID,
		LocalPort:   opts.LocalPort,
		coordinator: c,
	}

	recoverFn := func(recoverCtx context.Context) error {
		return c.recover(recoverCtx, tunnelID, opts, configPath)
	}
	session.health = newHealthMonitor(c.cfg, c.log, opts.LocalPort, publicURL, recoverFn, HealthCallbacks{})

	healthCtx, cancel := context.WithCancel(context.Background())
	session.healthDone = cancel
	go session.health.Start(healthCtx)

	// Post-commit verification pass (spec.md §4.6): check that the process
	// is still alive and that the hostname still answers a CNAME query on the
	// first resolver (the answer is not compared with the target), since
	// COMMITTED only means "every step up to here succeeded," not "nothing
	// changed in the instant since."
	c.postCommitVerify(ctx, running, opts.Hostname)

	return session, nil
}

// postCommitVerify performs a best-effort confirmation pass and only logs
// discrepancies — by spec.md §7, once COMMITTED, failures are the Health
// Monitor's responsibility, not grounds to unwind the transaction.
func (c *Coordinator) postCommitVerify(ctx context.Context, running *runningAgent, hostname string) {
	if !running.Alive() {
		c.log.Warn().Str("hostname", hostname).Msg("post-commit check: agent process not alive")
	}
	if _, err := c.verifier.resolvers[0].lookupCNAME(ctx, hostname); err != nil {
		c.log.Warn().Err(err).Str("hostname", hostname).Msg("post-commit check: dns lookup failed")
	}
}

// recover re-enters the lifecycle at TUNNEL_CREATED (the agent's existing
// tunnel and DNS record are assumed intact; only the process needs a
// fresh run()). This is the Health Monitor's bounded auto-recovery path
// (spec.md §4.7).
func (c *Coordinator) recover(ctx context.Context, tunnelID string, opts CreateSessionOptions, configPath string) error {
	c.mu.Lock()
	if c.running != nil {
		c.running.Stop()
	}
	c.mu.Unlock()

	running, err := c.provider.Run(ctx, tunnelID, configPath)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
	return nil
}

// destroy tears a committed session down permanently: stops the process
// (already done by Close), deletes the DNS record, deletes the tunnel.
// Best-effort — a partial failure is logged, not escalated, since the
// transaction already committed and there is no longer a rollback stack
// to unwind.
func (c *Coordinator) destroy(ctx context.Context, s *TunnelSession) error {
	hostname := hostnameFromPublicURL(s.PublicURL)
	if hostname != "" {
		zone, err := c.dns.zoneForHostname(ctx, hostname)
		if err == nil {
			recs, err := c.dns.existingRecordsAt(ctx, zone.ID, hostname)
			if err == nil {
				for _, rec := range recs {
					if err := c.dns.deleteRecord(ctx, zone.ID, rec.ID); err != nil {
						c.log.Warn().Err(err).Str("hostname", hostname).Msg("destroy: failed to delete dns record")
					}
				}
			}
		}
	}
	if s.TunnelID != "" {
		c.provider.Delete(s.TunnelID)
		c.materializer.remove(s.TunnelID)
	}
	return nil
}

func hostnameFromPublicURL(url string) string {
	const prefix = "https://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return ""
}

// fail rolls back a transaction, returning err unchanged, before its first
// compensating action would have been pushed — i.e. a failure during the
// AUTH_VERIFIED step, where there is nothing yet to unwind but the
// transaction's state still needs to land on ROLLED_BACK for callers
// inspecting txn.State().
func (c *Coordinator) fail(txn *Transaction, err error) error {
	txn.rollback(err)
	return err
}
