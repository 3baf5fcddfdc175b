package tunnel

import (
	"fmt"

	"github.com/google/uuid"
)

// Centralized naming conventions for the resources this engine creates.
// Callers should use these functions instead of inline string formatting so
// that a convention change is a single-point edit.

// CfargotunnelTarget returns the CNAME content a tunnel's DNS record must
// carry (spec.md §6, "CNAME target format"). The `cfargotunnel.com` domain
// is assumed stable per spec.md §9 ("Open: credential-file location").
func CfargotunnelTarget(tunnelID string) string {
	return fmt.Sprintf("%s.cfargotunnel.com", tunnelID)
}

// NewTransactionID returns a fresh identifier for a lifecycle transaction.
func NewTransactionID() string {
	return uuid.New().String()
}

// CredentialsFileName returns the per-tunnel credentials JSON filename
// cloudflared writes on `tunnel create` (spec.md §6).
func CredentialsFileName(tunnelID string) string {
	return tunnelID + ".json"
}

// TunnelDisplayName derives a human-readable tunnel name from the session's
// hostname, since `cloudflared tunnel create` requires a name argument.
func TunnelDisplayName(hostname string) string {
	if hostname == "" {
		return "cftunnel-" + uuid.New().String()[:8]
	}
	return "cftunnel-" + hostname
}
