// Package dns implements the proxy's optional upstream DNS resolver.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"forward-proxy/internal/config"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueryTimeout     = 5 * time.Second
	defaultCacheSize        = 1024
	minDNSCacheTTL          = 5 * time.Second
	maxDNSCacheTTL          = 1 * time.Hour
	maxCNAMEDepth           = 10
	roundRobinStrategy      = "round_robin"
	randomStrategy          = "random"
	defaultUpstreamStrategy = roundRobinStrategy
)

// Resolver answers A/AAAA lookups from custom records, a TTL cache, or the
// configured upstream servers. Without upstream servers, names that are not
// custom records go to the system resolver. It is safe for concurrent use.
type Resolver struct {
	upstreamServers        []string
	upstreamServerStrategy string
	upstreamServerIndex    int
	queryTimeout           time.Duration
	customRecords          map[string]netip.Addr
	cacheSize              int
	cache                  map[cacheKey]dnsCacheEntry
	cacheMu                sync.Mutex
	mu                     sync.Mutex
}

type cacheKey struct {
	fqdn  string
	qtype uint16
}

type dnsCacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// NewResolver creates a new DNS resolver from the provided configuration.
func NewResolver(cfg config.DNSConfig) (*Resolver, error) {
	queryTimeout := cfg.QueryTimeout.Std()
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	strategy := strings.ToLower(cfg.UpstreamServerStrategy)
	if strategy == "" {
		strategy = defaultUpstreamStrategy
	}
	if strategy != roundRobinStrategy && strategy != randomStrategy {
		log.Warn().Str("strategy", cfg.UpstreamServerStrategy).Msg("Invalid upstream_server_strategy, defaulting to round_robin")
		strategy = defaultUpstreamStrategy
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	r := &Resolver{
		upstreamServers:        append([]string(nil), cfg.UpstreamServers...),
		upstreamServerStrategy: strategy,
		queryTimeout:           queryTimeout,
		customRecords:          make(map[string]netip.Addr),
		cacheSize:              cacheSize,
		cache:                  make(map[cacheKey]dnsCacheEntry),
	}

	for i, server := range r.upstreamServers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			r.upstreamServers[i] = net.JoinHostPort(server, "53")
		}
	}

	for host, ipStr := range cfg.CustomRecords {
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("invalid IP for custom_record '%s': %w", host, err)
		}
		r.customRecords[dns.Fqdn(strings.ToLower(host))] = ip.Unmap()
	}

	return r, nil
}

// getUpstreamServer selects an upstream server based on the configured strategy.
func (r *Resolver) getUpstreamServer() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	numServers := len(r.upstreamServers)
	if numServers == 0 {
		return "", errors.New("no upstream DNS servers configured")
	}

	switch r.upstreamServerStrategy {
	case randomStrategy:
		return r.upstreamServers[rand.Intn(numServers)], nil
	default:
		server := r.upstreamServers[r.upstreamServerIndex]
		r.upstreamServerIndex = (r.upstreamServerIndex + 1) % numServers
		return server, nil
	}
}

// LookupNetIP returns the addresses of host for network "ip4" or "ip6".
func (r *Resolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var qtype uint16
	switch network {
	case "ip4":
		qtype = dns.TypeA
	case "ip6":
		qtype = dns.TypeAAAA
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	return r.resolve(ctx, strings.ToLower(host), qtype, 0)
}

func (r *Resolver) resolve(ctx context.Context, name string, qtype uint16, depth int) ([]netip.Addr, error) {
	if depth > maxCNAMEDepth {
		return nil, fmt.Errorf("DNS resolution for %s exceeded max depth of %d", name, maxCNAMEDepth)
	}
	fqdn := dns.Fqdn(name)

	if ip, ok := r.customRecords[fqdn]; ok {
		if (qtype == dns.TypeA) == ip.Is4() {
			log.Debug().Str("domain", name).Str("ip", ip.String()).Msg("DNS resolver: answered from custom records")
			return []netip.Addr{ip}, nil
		}
		return nil, fmt.Errorf("no %s record for %s", dns.TypeToString[qtype], name)
	}

	if len(r.upstreamServers) == 0 {
		network := "ip4"
		if qtype == dns.TypeAAAA {
			network = "ip6"
		}
		return net.DefaultResolver.LookupNetIP(ctx, network, name)
	}

	key := cacheKey{fqdn: fqdn, qtype: qtype}
	if addrs, ok := r.cacheGet(key); ok {
		log.Debug().Str("domain", name).Msg("DNS resolver: answered from cache")
		return addrs, nil
	}

	addrs, ttl, cname, err := r.lookupUpstream(ctx, fqdn, qtype)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 && cname != "" {
		log.Debug().Str("domain", name).Str("cname", cname).Msg("DNS resolver: found CNAME, resolving recursively")
		return r.resolve(ctx, strings.TrimSuffix(cname, "."), qtype, depth+1)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no %s records found for %s", dns.TypeToString[qtype], name)
	}
	r.cachePut(key, addrs, ttl)
	return addrs, nil
}

// lookupUpstream sends one query and returns the addresses, the smallest TTL
// among them, and a CNAME target when the answer carried no addresses.
func (r *Resolver) lookupUpstream(ctx context.Context, fqdn string, qtype uint16) ([]netip.Addr, time.Duration, string, error) {
	upstreamServer, err := r.getUpstreamServer()
	if err != nil {
		return nil, 0, "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)

	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	client := new(dns.Client)
	resp, _, err := client.ExchangeContext(queryCtx, msg, upstreamServer)
	if err != nil {
		return nil, 0, "", fmt.Errorf("upstream DNS query for %s [%s] failed: %w", fqdn, dns.TypeToString[qtype], err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, "", fmt.Errorf("upstream DNS query for %s [%s] failed: %s", fqdn, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	var cname string
	ttl := maxDNSCacheTTL
	for _, answer := range resp.Answer {
		var ip net.IP
		switch v := answer.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		case *dns.CNAME:
			cname = v.Target
			continue
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap())
		if recTTL := time.Duration(answer.Header().Ttl) * time.Second; recTTL < ttl {
			ttl = recTTL
		}
	}
	if ttl < minDNSCacheTTL {
		ttl = minDNSCacheTTL
	}
	log.Debug().Str("domain", fqdn).Int("answers", len(addrs)).Str("server", upstreamServer).Msg("DNS resolver: answered from upstream")
	return addrs, ttl, cname, nil
}

func (r *Resolver) cacheGet(key cacheKey) ([]netip.Addr, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(r.cache, key)
		return nil, false
	}
	return entry.addrs, true
}

func (r *Resolver) cachePut(key cacheKey, addrs []netip.Addr, ttl time.Duration) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if len(r.cache) >= r.cacheSize {
		now := time.Now()
		for k, e := range r.cache {
			if now.After(e.expires) {
				delete(r.cache, k)
			}
		}
		if len(r.cache) >= r.cacheSize {
			return
		}
	}
	r.cache[key] = dnsCacheEntry{addrs: addrs, expires: time.Now().Add(ttl)}
}
