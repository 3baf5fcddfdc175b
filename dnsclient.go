package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/rs/zerolog"
)

// zoneDNSAPI is the seam over cloudflare-go this core depends on, mirroring
// walnuts1018-external-dns's CloudFlareAPIClient interface (spec.md §8) —
// against the v0.115 SDK surface (*cloudflare.ResourceContainer + typed
// Params structs, not the pre-v0.79 DNSRecord-as-filter shape).
type zoneDNSAPI interface {
	ListZones(ctx context.Context, z ...string) ([]cloudflare.Zone, error)
	ListDNSRecords(ctx context.Context, rc *cloudflare.ResourceContainer, rp cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, *cloudflare.ResultInfo, error)
	CreateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, rp cloudflare.CreateDNSRecordParams) (cloudflare.DNSRecord, error)
	UpdateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, rp cloudflare.UpdateDNSRecordParams) (cloudflare.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, recordID string) error
	UserDetails(ctx context.Context) (cloudflare.User, error)
}

// ZoneDNSClient is the Zone/DNS Client component (spec.md §4.3): it owns
// all outbound Cloudflare API calls and hides the account's zone topology
// behind hostname-keyed lookups. Constructed around the official
// cloudflare-go SDK, the way tunnelman's CloudflareClient and cseelhoff's
// TunnelSyncer both are, rather than hand-rolling the `{success,result,
// errors[]}` REST envelope.
type ZoneDNSClient struct {
	api zoneDNSAPI
	log zerolog.Logger

	cacheTTL time.Duration
	mu       sync.Mutex
	cachedOK bool
	cachedAt time.Time
}

func newZoneDNSClient(cfg Config, log zerolog.Logger) (*ZoneDNSClient, error) {
	api, err := cloudflare.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, newLifecycleError(AuthBadToken, "dnsclient.new", err)
	}
	return &ZoneDNSClient{api: api, log: componentLogger(log, "dnsclient"), cacheTTL: cfg.TokenCacheTTL}, nil
}

func newZoneDNSClientWithAPI(api zoneDNSAPI, cacheTTL time.Duration, log zerolog.Logger) *ZoneDNSClient {
	return &ZoneDNSClient{api: api, log: componentLogger(log, "dnsclient"), cacheTTL: cacheTTL}
}

// verifyToken confirms the configured API token authenticates, caching a
// positive result for cacheTTL (spec.md §4.3's "30s cache") so repeated
// transactions in quick succession don't re-spend a UserDetails call each
// time.
func (c *ZoneDNSClient) verifyToken(ctx context.Context) error {
	c.mu.Lock()
	if c.cachedOK && time.Since(c.cachedAt) < c.cacheTTL {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.api.UserDetails(ctx); err != nil {
		return newLifecycleError(AuthBadToken, "dnsclient.verifyToken", err)
	}

	c.mu.Lock()
	c.cachedOK = true
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// zoneForHostname resolves the zone owning a hostname by listing zones
// filtered by the apex name and taking the first zone returned — the same
// exact-match-over-ListZones(ctx, domain) approach tunnelman's
// CloudflareClient uses, simpler than cseelhoff's best-suffix-match table
// since this client only ever needs the exact apex, not arbitrary
// subdomain-to-zone mapping across many configured zones.
func (c *ZoneDNSClient) zoneForHostname(ctx context.Context, hostname string) (cloudflare.Zone, error) {
	domain := apex(hostname)
	zones, err := c.api.ListZones(ctx, domain)
	if err != nil {
		return cloudflare.Zone{}, newLifecycleError(DNSZoneNotFound, "dnsclient.zoneForHostname", err)
	}
	if len(zones) == 0 {
		return cloudflare.Zone{}, newLifecycleError(DNSZoneNotFound, "dnsclient.zoneForHostname", fmt.Errorf("no zone found for %s", domain))
	}
	return zones[0], nil
}

// existingRecordsAt lists every record at hostname within its zone,
// regardless of type — the list-before-write half of cseelhoff's
// upsertTunnelDNS, split out so the Reconciler (spec.md §4.4) can inspect
// the full set before deciding created/unchanged/updated/replaced. This
// must NOT filter by Type: a pre-existing A record at the hostname is
// exactly the conflict step 6 of §4.4 needs to see in order to return
// replaced instead of handing Cloudflare a CNAME-next-to-A create that it
// will simply reject.
func (c *ZoneDNSClient) existingRecordsAt(ctx context.Context, zoneID, hostname string) ([]cloudflare.DNSRecord, error) {
	recs, _, err := c.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{Name: hostname})
	if err != nil {
		return nil, newLifecycleError(DNSConflict, "dnsclient.existingRecordsAt", err)
	}
	return recs, nil
}

func (c *ZoneDNSClient) createCNAME(ctx context.Context, zoneID, hostname, target string, proxied bool) (cloudflare.DNSRecord, error) {
	rec, err := c.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.CreateDNSRecordParams{
		Type:    "CNAME",
		Name:    hostname,
		Content: target,
		Proxied: &proxied,
		TTL:     1,
	})
	if err != nil {
		return cloudflare.DNSRecord{}, newLifecycleError(DNSConflict, "dnsclient.createCNAME", err)
	}
	return rec, nil
}

func (c *ZoneDNSClient) updateCNAME(ctx context.Context, zoneID, recordID, hostname, target string, proxied bool) error {
	_, err := c.api.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.UpdateDNSRecordParams{
		ID:      recordID,
		Type:    "CNAME",
		Name:    hostname,
		Content: target,
		Proxied: &proxied,
		TTL:     1,
	})
	if err != nil {
		return newLifecycleError(DNSConflict, "dnsclient.updateCNAME", err)
	}
	return nil
}

func (c *ZoneDNSClient) deleteRecord(ctx context.Context, zoneID, recordID string) error {
	if err := c.api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), recordID); err != nil {
		return newLifecycleError(DNSConflict, "dnsclient.deleteRecord", err)
	}
	return nil
}
