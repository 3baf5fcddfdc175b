package tunnel

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTransactionCommitDiscardsCompensations(t *testing.T) {
	txn := newTransaction(zerolog.Nop())
	ran := false
	txn.pushCompensation("noop", func() { ran = true })

	txn.commit()

	assert.Equal(t, StateCommitted, txn.State())
	assert.False(t, ran, "commit must not run compensating actions")
}

func TestTransactionRollbackRunsActionsInLIFOOrder(t *testing.T) {
	txn := newTransaction(zerolog.Nop())
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		txn.pushCompensation(fmt.Sprintf("step-%d", i), func() { order = append(order, i) })
	}

	txn.rollback(fmt.Errorf("boom"))

	assert.Equal(t, StateRolledBack, txn.State())
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestTransactionTransitionPanicsOnIllegalEdge(t *testing.T) {
	txn := newTransaction(zerolog.Nop())
	assert.Panics(t, func() {
		txn.transition(StateCommitted) // INIT cannot jump straight to COMMITTED
	})
}

func TestTransitionTableMatchesStateDiagram(t *testing.T) {
	path := []TransactionState{
		StateInit, StateAuthVerified, StateTunnelCreated, StateConfigWritten,
		StateDNSReconciled, StateDNSVerified, StateAgentRunning, StateCommitted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransitionTo(path[i+1]), "%s -> %s should be allowed", path[i], path[i+1])
	}
	assert.True(t, StateCommitted.IsTerminal())
	assert.True(t, StateRolledBack.IsTerminal())
	assert.False(t, StateAgentRunning.IsTerminal())
}
