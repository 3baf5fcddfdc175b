package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenOnFreePort opens a TCP listener the Health Monitor's probe can
// dial, standing in for the local origin service.
func listenOnFreePort(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	return port, func() { ln.Close() }
}

func TestHealthMonitorReportsHealthyWhenPortIsUp(t *testing.T) {
	port, closeFn := listenOnFreePort(t)
	defer closeFn()

	cfg := DefaultConfig()
	cfg.HealthProbeTimeout = 200 * time.Millisecond

	var mu sync.Mutex
	healthyCount := 0
	h := newHealthMonitor(cfg, zerolog.Nop(), port, "", nil, HealthCallbacks{
		OnHealthy: func() { mu.Lock(); healthyCount++; mu.Unlock() },
	})

	h.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, healthyCount)
}

func TestHealthMonitorTriggersRecoveryAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthDownThreshold = 2
	cfg.MaxRecoveryRetries = 3
	cfg.HealthProbeTimeout = 50 * time.Millisecond

	var mu sync.Mutex
	recoverCalls := 0
	recoverFn := func(ctx context.Context) error {
		mu.Lock()
		recoverCalls++
		mu.Unlock()
		return nil
	}

	unreachablePort := 1 // reserved, nothing listens here
	h := newHealthMonitor(cfg, zerolog.Nop(), unreachablePort, "", recoverFn, HealthCallbacks{})

	ctx := context.Background()
	h.tick(ctx) // down 1, below threshold
	h.tick(ctx) // down 2, hits threshold, triggers recovery

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, recoverCalls)
}

func TestHealthMonitorStopsAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthDownThreshold = 1
	cfg.MaxRecoveryRetries = 2
	cfg.HealthProbeTimeout = 50 * time.Millisecond

	var mu sync.Mutex
	recoverCalls := 0
	maxReached := false
	recoverFn := func(ctx context.Context) error {
		mu.Lock()
		recoverCalls++
		mu.Unlock()
		return fmt.Errorf("origin still down")
	}

	h := newHealthMonitor(cfg, zerolog.Nop(), 1, "", recoverFn, HealthCallbacks{
		OnMaxRetriesReached: func(err error) { maxReached = true },
	})

	ctx := context.Background()
	h.tick(ctx)
	h.tick(ctx)
	h.tick(ctx) // a third down-tick must not exceed MaxRecoveryRetries=2

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, recoverCalls)
	assert.True(t, maxReached)
}

// TestHealthMonitorSurfacesExhaustionEvenWhenRecoverFnSucceeds covers the
// case where restarting the agent process always succeeds but the origin
// port never comes back up (the process restart isn't what's broken) —
// RECOVERY_EXHAUSTED must still fire once retries run out, not only on an
// explicit recoverFn error.
func TestHealthMonitorSurfacesExhaustionEvenWhenRecoverFnSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthDownThreshold = 1
	cfg.MaxRecoveryRetries = 2
	cfg.HealthProbeTimeout = 50 * time.Millisecond

	var mu sync.Mutex
	recoverCalls := 0
	maxReached := false
	recoverFn := func(ctx context.Context) error {
		mu.Lock()
		recoverCalls++
		mu.Unlock()
		return nil // restart "succeeds" every time; the port stays down regardless
	}

	h := newHealthMonitor(cfg, zerolog.Nop(), 1, "", recoverFn, HealthCallbacks{
		OnMaxRetriesReached: func(err error) { maxReached = true },
	})

	ctx := context.Background()
	h.tick(ctx) // down 1, attempt 1, recoverFn succeeds -> consecutiveDown reset
	h.tick(ctx) // down 1 again, attempt 2, recoverFn succeeds -> consecutiveDown reset
	h.tick(ctx) // down 1 again, recoveryAttempt already at cap -> must fire exhaustion

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, recoverCalls)
	assert.True(t, maxReached)
}
