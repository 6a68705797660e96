package k8s

import (
	"fmt"
	"net/netip"
	"sync"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// IPPools tracks Multus addresses handed out on every cluster. One instance is
// shared by all Kubernetes providers of the process so two blueprints never
// receive the same address.
type IPPools struct {
	mu sync.Mutex
	// pool key -> address -> owning blueprint
	used map[string]map[netip.Addr]string
}

// NewIPPools creates an empty pool set.
func NewIPPools() *IPPools {
	return &IPPools{used: make(map[string]map[netip.Addr]string)}
}

func poolKey(cluster, network string) string {
	return cluster + "/" + network
}

func (p *IPPools) pool(cluster, network string) map[netip.Addr]string {
	key := poolKey(cluster, network)
	m, ok := p.used[key]
	if !ok {
		m = make(map[netip.Addr]string)
		p.used[key] = m
	}
	return m
}

// Reserve hands out the lowest free address of network to owner.
func (p *IPPools) Reserve(cluster string, network domain.MultusNetwork, owner string) (netip.Addr, error) {
	start, err := netip.ParseAddr(network.IPStart)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("multus network %s ip_start: %w", network.Name, err)
	}
	end, err := netip.ParseAddr(network.IPEnd)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("multus network %s ip_end: %w", network.Name, err)
	}
	if start.BitLen() != end.BitLen() || end.Less(start) {
		return netip.Addr{}, fmt.Errorf("multus network %s has an invalid range %s-%s", network.Name, start, end)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	used := p.pool(cluster, network.Name)
	for addr := start; addr.IsValid() && !end.Less(addr); addr = addr.Next() {
		if _, taken := used[addr]; !taken {
			used[addr] = owner
			return addr, nil
		}
	}
	return netip.Addr{}, apperrors.MultusPoolExhausted(cluster, network.Name)
}

// Claim marks ip as held by owner. It is used when provider data is restored
// and fails if another owner holds the address.
func (p *IPPools) Claim(cluster, network, ip, owner string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("claim multus ip %q: %w", ip, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	used := p.pool(cluster, network)
	if holder, taken := used[addr]; taken && holder != owner {
		return fmt.Errorf("claim multus ip %s on %s: held by blueprint %s: %w", ip, network, holder, apperrors.ErrConflict)
	}
	used[addr] = owner
	return nil
}

// Release frees ip if owner holds it.
func (p *IPPools) Release(cluster, network, ip, owner string) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	used := p.pool(cluster, network)
	if used[addr] == owner {
		delete(used, addr)
	}
}
