package tunnel

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// TransactionState is the lifecycle state of a named-tunnel transaction
// (spec.md §4.6). Transactions move through defined states via explicit,
// validated transitions — the same discipline the teacher applies to site
// lifecycle state (CREATED → PROVISIONING → ACTIVE → …), generalized to
// the state diagram in spec.md §4.6.
type TransactionState string

const (
	StateInit          TransactionState = "INIT"
	StateAuthVerified  TransactionState = "AUTH_VERIFIED"
	StateTunnelCreated TransactionState = "TUNNEL_CREATED"
	StateConfigWritten TransactionState = "CONFIG_WRITTEN"
	StateDNSReconciled TransactionState = "DNS_RECONCILED"
	StateDNSVerified   TransactionState = "DNS_VERIFIED"
	StateAgentRunning  TransactionState = "AGENT_RUNNING"
	StateCommitted     TransactionState = "COMMITTED"
	StateRollingBack   TransactionState = "ROLLING_BACK"
	StateRolledBack    TransactionState = "ROLLED_BACK"
)

// allowedTransitions defines the legal state machine edges. No transition
// outside this map is permitted; the Coordinator consults it before every
// move so that a coding mistake fails loudly instead of corrupting the
// transaction's rollback stack.
var allowedTransitions = map[TransactionState][]TransactionState{
	StateInit:          {StateAuthVerified, StateRollingBack},
	StateAuthVerified:  {StateTunnelCreated, StateRollingBack},
	StateTunnelCreated: {StateConfigWritten, StateRollingBack},
	StateConfigWritten: {StateDNSReconciled, StateRollingBack},
	StateDNSReconciled: {StateDNSVerified, StateRollingBack},
	StateDNSVerified:   {StateAgentRunning, StateRollingBack},
	StateAgentRunning:  {StateCommitted, StateRollingBack},
	StateCommitted:     {}, // terminal: post-commit failures are the Health Monitor's job, not the state machine's
	StateRollingBack:   {StateRolledBack},
	StateRolledBack:    {},
}

// CanTransitionTo reports whether a transition from this state to the
// target is allowed.
func (from TransactionState) CanTransitionTo(to TransactionState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s TransactionState) String() string {
	return string(s)
}

// IsTerminal reports whether this state requires no further transitions.
func (s TransactionState) IsTerminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// ── Hostname validation ─────────────────────────────────────────────────

var hostnameRegexp = regexp.MustCompile(
	`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`,
)

// ValidateHostnameFormat checks basic hostname format validity before any
// network call is made.
func ValidateHostnameFormat(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}
	if len(hostname) > 253 {
		return fmt.Errorf("hostname too long (max 253 characters)")
	}
	if strings.HasPrefix(hostname, "*.") {
		return fmt.Errorf("wildcard hostnames are not supported")
	}
	if !hostnameRegexp.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format: %s", hostname)
	}
	return nil
}

// apex returns the registrable zone apex for a hostname: the rightmost two
// labels (e.g. "app.example.com" → "example.com"). spec.md §4.3 and §9
// flag this as a known limitation for multi-label public suffixes
// (co.uk, etc.) — a production implementation would consult the public
// suffix list; this core intentionally keeps the documented simplification.
func apex(hostname string) string {
	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return hostname
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// lookupHost is a small seam over net.LookupHost. The Propagation
// Verifier's system-default resolver uses it; the verifier's other two
// resolvers query their nameservers directly via miekg/dns.
func lookupHost(hostname string) ([]string, error) {
	return net.LookupHost(hostname)
}
