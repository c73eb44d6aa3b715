// Package auth implements the peer authorisation gate. Peers are identified
// through the local node-identity daemon (tailscaled) and checked against a
// configured allowlist. An empty allowlist disables the gate entirely;
// loopback peers are always allowed.
package auth

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/voxd/voxd/internal/common/logger"
)

// Outcome is the result of a peer verification.
type Outcome int

const (
	// OutcomeUnknown means the peer's identity could not be resolved.
	OutcomeUnknown Outcome = iota
	// OutcomeAllow admits the peer.
	OutcomeAllow
	// OutcomeDeny rejects the peer.
	OutcomeDeny
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// WhoisFunc resolves the node identity behind an IP address.
type WhoisFunc func(ctx context.Context, ip string) (string, error)

type cacheEntry struct {
	outcome   Outcome
	identity  string
	expiresAt time.Time
}

// Verifier gates peers against the allowlist with a TTL cache over whois
// lookups. Positive and negative outcomes are cached alike; eviction is
// purely time-based.
type Verifier struct {
	allowed  map[string]struct{}
	whois    WhoisFunc
	cacheTTL time.Duration
	logger   *logger.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group

	now func() time.Time
}

// NewVerifier creates a verifier for the given lowercase allowlist. A nil or
// empty allowlist disables verification.
func NewVerifier(allowed map[string]struct{}, whois WhoisFunc, cacheTTL time.Duration, log *logger.Logger) *Verifier {
	return &Verifier{
		allowed:  allowed,
		whois:    whois,
		cacheTTL: cacheTTL,
		logger:   log.WithFields(zap.String("component", "peer-auth")),
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Enabled reports whether the gate is active.
func (v *Verifier) Enabled() bool {
	return len(v.allowed) > 0
}

// Verify decides whether the peer behind peerAddr may use the relay.
// peerAddr may be a bare IP or an ip:port pair.
func (v *Verifier) Verify(ctx context.Context, peerAddr string) Outcome {
	if !v.Enabled() {
		return OutcomeAllow
	}

	ip := peerIP(peerAddr)
	if ip == "" {
		v.logger.Warn("unparseable peer address", zap.String("peer_addr", peerAddr))
		return OutcomeDeny
	}

	if parsed := net.ParseIP(ip); parsed != nil && parsed.IsLoopback() {
		return OutcomeAllow
	}

	if outcome, ok := v.cached(ip); ok {
		return outcome
	}

	// Collapse concurrent lookups for the same peer into one whois call.
	result, _, _ := v.group.Do(ip, func() (any, error) {
		return v.resolve(ctx, ip), nil
	})
	return result.(Outcome)
}

func (v *Verifier) cached(ip string) (Outcome, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.cache[ip]
	if !ok || v.now().After(entry.expiresAt) {
		return OutcomeUnknown, false
	}
	return entry.outcome, true
}

func (v *Verifier) store(ip, identity string, outcome Outcome) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[ip] = cacheEntry{
		outcome:   outcome,
		identity:  identity,
		expiresAt: v.now().Add(v.cacheTTL),
	}
}

func (v *Verifier) resolve(ctx context.Context, ip string) Outcome {
	identity, err := v.whois(ctx, ip)
	if err != nil {
		// Fail closed while the gate is enabled: an unreachable daemon or an
		// unidentifiable peer is denied, and the denial is cached.
		v.store(ip, "", OutcomeDeny)
		v.logger.Warn("peer denied, identity unresolved",
			zap.String("peer_ip", ip),
			zap.Error(err))
		return OutcomeDeny
	}

	identity = strings.ToLower(identity)
	outcome := OutcomeDeny
	if _, ok := v.allowed[identity]; ok {
		outcome = OutcomeAllow
	}
	v.store(ip, identity, outcome)

	if outcome == OutcomeAllow {
		v.logger.Info("peer allowed",
			zap.String("peer_ip", ip),
			zap.String("node", identity))
	} else {
		v.logger.Warn("peer denied, node not in allowlist",
			zap.String("peer_ip", ip),
			zap.String("node", identity))
	}
	return outcome
}

// peerIP extracts the bare IP from peerAddr, tolerating ip:port pairs and
// bracketed IPv6 literals.
func peerIP(peerAddr string) string {
	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		return host
	}
	return strings.Trim(peerAddr, "[]")
}
