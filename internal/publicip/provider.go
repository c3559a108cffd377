// Package publicip implements the subordinate "what is my public IPv4"
// discovery client: a periodic HTTP poll over a plain net/http.Client,
// the way a connectivity-check provider would be built.
package publicip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/langyo/CNCOnlineForwarder/internal/corelog"
)

const component = "ProxyAddressTranslator"

// DefaultEndpoint is the "what is my IP" service this relay polls
// (api.ipify.org, path "/", plain HTTP).
const DefaultEndpoint = "http://api.ipify.org/"

// DefaultInterval is how often the address is refreshed.
const DefaultInterval = time.Minute

// Provider holds the most recently observed public IPv4 address and
// refreshes it periodically. The read path is a single mutex around an
// address-sized value: the hot read is small and callable from any strand,
// so a plain RWMutex is simpler than routing it through the strand
// scheduler.
type Provider struct {
	endpoint string
	interval time.Duration
	client   *http.Client
	log      *corelog.Logger

	mu      sync.RWMutex
	address net.IP // starts as the unspecified address, 0.0.0.0
}

// New creates a Provider with the unspecified address until the first
// successful fetch.
func New(endpoint string, interval time.Duration, log *corelog.Logger) *Provider {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Provider{
		endpoint: endpoint,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		address:  net.IPv4zero,
	}
}

// Current returns the most recently observed public IPv4 address.
func (p *Provider) Current() net.IP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// RewriteEndpoint returns an endpoint with the same port as addr but the
// address replaced by the current public address.
func (p *Provider) RewriteEndpoint(addr *net.UDPAddr) *net.UDPAddr {
	return &net.UDPAddr{IP: p.Current(), Port: addr.Port}
}

// Run refreshes the address every interval until ctx is cancelled. The
// first fetch happens immediately so the proxy isn't stuck advertising
// 0.0.0.0 for a full interval after startup.
func (p *Provider) Run(ctx context.Context) {
	p.refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Provider) refresh(ctx context.Context) {
	ip, err := p.fetch(ctx)
	if err != nil {
		// On parse or HTTP failure, log and retain the previous value;
		// the periodic task reschedules unconditionally regardless.
		p.log.Errorf(component, "failed to refresh public address: %v", err)
		return
	}

	p.mu.Lock()
	p.address = ip
	p.mu.Unlock()
	p.log.Infof(component, "public address updated to %s", ip)
}

func (p *Provider) fetch(ctx context.Context) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "CNCOnlineForwarder")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", p.endpoint, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	text := strings.TrimSpace(string(body))
	ip := net.ParseIP(text)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("response %q is not an IPv4 literal", text)
	}

	return ip.To4(), nil
}
