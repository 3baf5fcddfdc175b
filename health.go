package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthCallbacks lets a caller observe the Health Monitor's state machine
// (spec.md §4.7) without polling it. All callbacks are optional; nil
// entries are simply skipped.
type HealthCallbacks struct {
	OnHealthy          func()
	OnUnhealthy        func(consecutiveDown int)
	OnRecovering       func(attempt int)
	OnRecovered        func()
	OnMaxRetriesReached func(err error)
}

// HealthMonitor polls a committed tunnel's liveness on a fixed interval and
// drives bounded auto-recovery, generalizing the teacher's Worker ticker
// loop (worker.go's `for range ticker.C { w.processNext() }`) from a
// DB-backed job queue to a single in-memory session.
type HealthMonitor struct {
	cfg       Config
	log       zerolog.Logger
	callbacks HealthCallbacks

	localPort    int
	publicURL    string
	recoverFn    func(ctx context.Context) error // re-enters the coordinator at TUNNEL_CREATED

	mu              sync.Mutex
	consecutiveDown int
	recoveryAttempt int
	exhausted       bool // OnMaxRetriesReached already fired for the current down streak
	stopCh          chan struct{}
	stopped         bool
}

func newHealthMonitor(cfg Config, log zerolog.Logger, localPort int, publicURL string, recoverFn func(ctx context.Context) error, cb HealthCallbacks) *HealthMonitor {
	return &HealthMonitor{
		cfg:       cfg,
		log:       componentLogger(log, "health"),
		callbacks: cb,
		localPort: localPort,
		publicURL: publicURL,
		recoverFn: recoverFn,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the ticker loop until Stop is called. Meant to be run in its
// own goroutine by the Coordinator once a transaction commits.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.log.Info().Dur("interval", h.cfg.HealthInterval).Msg("health monitor starting")
	ticker := time.NewTicker(h.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// Stop halts the monitor. Idempotent.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopCh)
}

func (h *HealthMonitor) tick(ctx context.Context) {
	if h.probe(ctx) {
		h.onUp()
		return
	}
	h.onDown(ctx)
}

// probe checks both halves of the path spec.md §4.7 requires: the local
// origin port must accept a connection, and the public hostname must
// answer over HTTPS. Both must succeed for the tunnel to count as healthy.
func (h *HealthMonitor) probe(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: h.cfg.HealthProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", localAddr(h.localPort))
	if err != nil {
		h.log.Debug().Err(err).Msg("local port probe failed")
		return false
	}
	conn.Close()

	if h.publicURL == "" {
		return true
	}

	client := &http.Client{Timeout: h.cfg.HealthProbeTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.publicURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		h.log.Debug().Err(err).Msg("public url probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func localAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func (h *HealthMonitor) onUp() {
	h.mu.Lock()
	wasRecovering := h.recoveryAttempt > 0
	h.consecutiveDown = 0
	h.recoveryAttempt = 0
	h.exhausted = false
	h.mu.Unlock()

	if wasRecovering && h.callbacks.OnRecovered != nil {
		h.callbacks.OnRecovered()
	}
	if h.callbacks.OnHealthy != nil {
		h.callbacks.OnHealthy()
	}
}

func (h *HealthMonitor) onDown(ctx context.Context) {
	h.mu.Lock()
	h.consecutiveDown++
	down := h.consecutiveDown
	h.mu.Unlock()

	if h.callbacks.OnUnhealthy != nil {
		h.callbacks.OnUnhealthy(down)
	}

	if down < h.cfg.HealthDownThreshold {
		return
	}

	h.mu.Lock()
	if h.recoveryAttempt >= h.cfg.MaxRecoveryRetries {
		alreadyNotified := h.exhausted
		h.exhausted = true
		h.mu.Unlock()
		// Exhaustion must be surfaced regardless of why recovery never
		// stuck: recoverFn can keep succeeding at restarting the process
		// while the local port stays down (e.g. the origin service itself
		// is the thing that's broken), and that is still RECOVERY_EXHAUSTED
		// once every retry is spent, not just an explicit recoverFn error.
		if !alreadyNotified && h.callbacks.OnMaxRetriesReached != nil {
			h.callbacks.OnMaxRetriesReached(newLifecycleError(RecoveryExhausted, "health.recover", fmt.Errorf("origin still unhealthy after %d recovery attempts", h.cfg.MaxRecoveryRetries)))
		}
		return
	}
	h.recoveryAttempt++
	attempt := h.recoveryAttempt
	h.mu.Unlock()

	if h.callbacks.OnRecovering != nil {
		h.callbacks.OnRecovering(attempt)
	}

	h.log.Warn().Int("attempt", attempt).Int("max", h.cfg.MaxRecoveryRetries).Msg("attempting auto-recovery")
	if err := h.recoverFn(ctx); err != nil {
		h.log.Error().Err(err).Int("attempt", attempt).Msg("auto-recovery attempt failed")
		if attempt >= h.cfg.MaxRecoveryRetries {
			h.mu.Lock()
			h.exhausted = true
			h.mu.Unlock()
			if h.callbacks.OnMaxRetriesReached != nil {
				h.callbacks.OnMaxRetriesReached(newLifecycleError(RecoveryExhausted, "health.recover", err))
			}
		}
		return
	}

	h.mu.Lock()
	h.consecutiveDown = 0
	h.mu.Unlock()
}
