package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/rs/zerolog"
)

// reconcileOutcome classifies how the Reconciler resolved a hostname's
// CNAME record against the desired tunnel target (spec.md §4.4).
type reconcileOutcome string

const (
	outcomeCreated   reconcileOutcome = "created"
	outcomeUnchanged reconcileOutcome = "unchanged"
	outcomeUpdated   reconcileOutcome = "updated"
	outcomeReplaced  reconcileOutcome = "replaced"
)

type reconcileResult struct {
	Outcome  reconcileOutcome
	RecordID string
	ZoneID   string
}

// DNSReconciler implements the 7-step created/unchanged/updated/replaced
// algorithm of spec.md §4.4, built directly on cseelhoff's upsertTunnelDNS
// list-then-decide shape but generalized from "always overwrite" to the
// full four-way outcome table the spec requires, including the
// poll-until-empty replace path.
type DNSReconciler struct {
	dns *ZoneDNSClient
	log zerolog.Logger

	replacePollAttempts int
	replacePollInterval time.Duration
}

func newDNSReconciler(dns *ZoneDNSClient, log zerolog.Logger) *DNSReconciler {
	return &DNSReconciler{
		dns:                 dns,
		log:                 componentLogger(log, "reconciler"),
		replacePollAttempts: 5,
		replacePollInterval: time.Second,
	}
}

// reconcile is the Coordinator's single DNS_RECONCILED-step entry point.
//
// Algorithm (spec.md §4.4):
//  1. Resolve the hostname's zone.
//  2. List every existing record at hostname, of any type — a type filter
//     here would hide an A/AAAA record sitting on the same name, which is
//     exactly the conflict step 6 needs to see (scenario S2).
//  3. No records            -> create, outcome=created.
//  4. One CNAME record, same target -> outcome=unchanged, no write.
//  5. One CNAME record, different target -> update in place,
//     outcome=updated.
//  6. One record of any other type, or more than one record -> outcome=
//     replaced: delete every existing record, poll until the list is
//     empty (bounded retries), then create fresh.
//  7. Any API failure classifies as DNSConflict or DNSZoneNotFound and
//     aborts the transaction for the Coordinator to roll back.
func (r *DNSReconciler) reconcile(ctx context.Context, hostname, target string, proxied bool) (*reconcileResult, error) {
	zone, err := r.dns.zoneForHostname(ctx, hostname)
	if err != nil {
		return nil, err
	}

	existing, err := r.dns.existingRecordsAt(ctx, zone.ID, hostname)
	if err != nil {
		return nil, err
	}

	switch {
	case len(existing) == 0:
		rec, err := r.dns.createCNAME(ctx, zone.ID, hostname, target, proxied)
		if err != nil {
			return nil, err
		}
		r.log.Info().Str("hostname", hostname).Msg("dns record created")
		return &reconcileResult{Outcome: outcomeCreated, RecordID: rec.ID, ZoneID: zone.ID}, nil

	case len(existing) == 1 && existing[0].Type == "CNAME" && existing[0].Content == target:
		r.log.Debug().Str("hostname", hostname).Msg("dns record already correct")
		return &reconcileResult{Outcome: outcomeUnchanged, RecordID: existing[0].ID, ZoneID: zone.ID}, nil

	case len(existing) == 1 && existing[0].Type == "CNAME":
		if err := r.dns.updateCNAME(ctx, zone.ID, existing[0].ID, hostname, target, proxied); err != nil {
			return nil, err
		}
		r.log.Info().Str("hostname", hostname).Str("previous_target", existing[0].Content).Msg("dns record updated")
		return &reconcileResult{Outcome: outcomeUpdated, RecordID: existing[0].ID, ZoneID: zone.ID}, nil

	default:
		return r.replace(ctx, zone.ID, hostname, target, proxied, existing)
	}
}

// replace deletes every conflicting record, polls until the list is
// confirmed empty (Cloudflare's API is eventually consistent across
// nearby edge PoPs, so a create immediately after delete can race a
// still-visible stale record), then creates the fresh record.
func (r *DNSReconciler) replace(ctx context.Context, zoneID, hostname, target string, proxied bool, existing []cloudflare.DNSRecord) (*reconcileResult, error) {
	for _, rec := range existing {
		if err := r.dns.deleteRecord(ctx, zoneID, rec.ID); err != nil {
			return nil, err
		}
	}

	for attempt := 0; attempt < r.replacePollAttempts; attempt++ {
		remaining, err := r.dns.existingRecordsAt(ctx, zoneID, hostname)
		if err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			rec, err := r.dns.createCNAME(ctx, zoneID, hostname, target, proxied)
			if err != nil {
				return nil, err
			}
			r.log.Info().Str("hostname", hostname).Int("conflicts_removed", len(existing)).Msg("dns record replaced")
			return &reconcileResult{Outcome: outcomeReplaced, RecordID: rec.ID, ZoneID: zoneID}, nil
		}
		select {
		case <-ctx.Done():
			return nil, newLifecycleError(DNSConflict, "reconciler.replace", ctx.Err())
		case <-time.After(r.replacePollInterval):
		}
	}

	return nil, newLifecycleError(DNSConflict, "reconciler.replace", fmt.Errorf("conflicting records for %s still present after %d polls", hostname, r.replacePollAttempts))
}

// remove deletes a hostname's CNAME record; it is the DNS_RECONCILED
// compensating action.
func (r *DNSReconciler) remove(ctx context.Context, zoneID, recordID string) {
	if err := r.dns.deleteRecord(ctx, zoneID, recordID); err != nil {
		r.log.Warn().Err(err).Str("record_id", recordID).Msg("failed to remove dns record during rollback")
	}
}
