package tunnel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// compensatingAction is one entry on a Transaction's rollback stack: a
// closure capturing whatever it needs to undo a single forward step. This
// generalizes the teacher's rollback pattern in provisioner.go — there,
// four fixed booleans (dbCreated, volCreated, containerCreated,
// caddyWritten) gate a hand-written reverse sequence; here, because the
// engine has a variable number of forward steps across §4.4's reconciler
// outcomes (create vs. replace-N-conflicts), the gates themselves become a
// stack of closures instead of fixed flags.
type compensatingAction struct {
	name string
	run  func()
}

// Transaction is the ephemeral, in-memory record of one in-progress
// lifecycle operation (spec.md §3 "Transaction"). While Status is active,
// compensating actions are pushed monotonically; on rollback they are
// popped and executed LIFO; on commit the list is discarded.
type Transaction struct {
	ID        string
	StartedAt time.Time

	mu      sync.Mutex
	state   TransactionState
	actions []compensatingAction
	log     zerolog.Logger
}

func newTransaction(log zerolog.Logger) *Transaction {
	id := NewTransactionID()
	return &Transaction{
		ID:        id,
		StartedAt: time.Now(),
		state:     StateInit,
		log:       componentLogger(log, "transaction").With().Str("txn", id).Logger(),
	}
}

// State returns the transaction's current state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transition moves the transaction to `to`, failing loudly if the edge is
// not in allowedTransitions — a coding mistake here must not silently
// corrupt the rollback stack's ordering guarantee.
func (t *Transaction) transition(to TransactionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.CanTransitionTo(to) {
		panic("cftunnel: illegal transaction transition " + string(t.state) + " -> " + string(to))
	}
	t.log.Debug().Str("from", string(t.state)).Str("to", string(to)).Msg("transition")
	t.state = to
}

// pushCompensation records a compensating action. Per spec.md §3's
// invariant, this must happen *before* the forward step's success is
// reported to the caller, so that a crash between the real side effect and
// the bookkeeping can never lose a rollback step.
func (t *Transaction) pushCompensation(name string, run func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = append(t.actions, compensatingAction{name: name, run: run})
}

// rollback pops and runs every compensating action in LIFO order, then
// marks the transaction ROLLED_BACK. Errors from individual compensations
// are swallowed (best-effort, matching the teacher's rollback closures,
// which log-and-continue rather than abort mid-unwind) because a partial
// unwind is still better than stopping at the first failure.
func (t *Transaction) rollback(reason error) {
	t.mu.Lock()
	t.state = StateRollingBack
	actions := t.actions
	t.actions = nil
	t.mu.Unlock()

	t.log.Warn().Err(reason).Int("steps", len(actions)).Msg("rolling back")
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		t.log.Info().Str("step", a.name).Msg("compensating")
		a.run()
	}

	t.mu.Lock()
	t.state = StateRolledBack
	t.mu.Unlock()
}

// commit discards the rollback stack without running it. Past this point
// failures are the Health Monitor's responsibility, never the
// transaction's (spec.md §7 "Once COMMITTED, failures do not unwind").
func (t *Transaction) commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = nil
	t.state = StateCommitted
}
