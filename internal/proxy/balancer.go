// internal/proxy/balancer.go
package proxy

import (
	"fmt"
	"sort"
	"sync"
)

// LoadInfo is the current load of one proxy.
type LoadInfo struct {
	ProxyID  string  `json:"proxy_id"`
	Load     int     `json:"load"`
	Capacity int     `json:"capacity"`
	Ratio    float64 `json:"ratio"`
}

// LoadBalancer tracks in-flight leases per proxy against declared capacity.
// Every Allocate is paired with a Release keyed by the same lease id, so a
// lease is counted once and load never drops below zero.
type LoadBalancer struct {
	mu       sync.Mutex
	capacity map[string]int
	load     map[string]int
	leases   map[string]string
}

// NewLoadBalancer registers the given proxies.
func NewLoadBalancer(proxies []Proxy) *LoadBalancer {
	lb := &LoadBalancer{
		capacity: make(map[string]int, len(proxies)),
		load:     make(map[string]int, len(proxies)),
		leases:   make(map[string]string),
	}
	for _, p := range proxies {
		lb.capacity[p.ID()] = p.Capacity()
	}
	return lb
}

// Allocate records leaseID against proxyID. Allocating the same lease twice
// to the same proxy is a no-op.
func (lb *LoadBalancer) Allocate(proxyID, leaseID string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.allocateLocked(proxyID, leaseID)
}

func (lb *LoadBalancer) allocateLocked(proxyID, leaseID string) error {
	capacity, ok := lb.capacity[proxyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, proxyID)
	}
	if held, exists := lb.leases[leaseID]; exists {
		if held == proxyID {
			return nil
		}
		return fmt.Errorf("%w: lease %s holds %s", ErrLeaseInUse, leaseID, held)
	}
	if lb.load[proxyID] >= capacity {
		return fmt.Errorf("%w: %s (%d/%d)", ErrAtCapacity, proxyID, lb.load[proxyID], capacity)
	}
	lb.load[proxyID]++
	lb.leases[leaseID] = proxyID
	return nil
}

// Release frees a lease. Unknown leases are ignored, so release is safe to
// call from every exit path.
func (lb *LoadBalancer) Release(leaseID string) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	proxyID, ok := lb.leases[leaseID]
	if !ok {
		return false
	}
	delete(lb.leases, leaseID)
	if lb.load[proxyID] > 0 {
		lb.load[proxyID]--
	}
	return true
}

// LeastLoaded returns the candidate with the lowest load/capacity ratio,
// skipping proxies at capacity. ok is false when every candidate is full.
func (lb *LoadBalancer) LeastLoaded(candidates []string) (string, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.leastLoadedLocked(candidates)
}

func (lb *LoadBalancer) leastLoadedLocked(candidates []string) (string, bool) {
	best := ""
	bestRatio := 2.0
	for _, id := range candidates {
		capacity, ok := lb.capacity[id]
		if !ok || capacity <= 0 {
			continue
		}
		load := lb.load[id]
		if load >= capacity {
			continue
		}
		ratio := float64(load) / float64(capacity)
		// Candidates arrive ranked by health, so ties keep the healthier one.
		if ratio < bestRatio {
			best, bestRatio = id, ratio
		}
	}
	return best, best != ""
}

// AllocateLeastLoaded picks the least-loaded candidate and allocates the
// lease on it atomically.
func (lb *LoadBalancer) AllocateLeastLoaded(candidates []string, leaseID string) (string, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	id, ok := lb.leastLoadedLocked(candidates)
	if !ok {
		return "", ErrAtCapacity
	}
	if err := lb.allocateLocked(id, leaseID); err != nil {
		return "", err
	}
	return id, nil
}

// Load returns the current lease count of a proxy.
func (lb *LoadBalancer) Load(proxyID string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.load[proxyID]
}

// Holder returns the proxy a lease is allocated to.
func (lb *LoadBalancer) Holder(leaseID string) (string, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	id, ok := lb.leases[leaseID]
	return id, ok
}

// Snapshot returns the load of every proxy ordered by id.
func (lb *LoadBalancer) Snapshot() []LoadInfo {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make([]LoadInfo, 0, len(lb.capacity))
	for id, capacity := range lb.capacity {
		load := lb.load[id]
		out = append(out, LoadInfo{
			ProxyID:  id,
			Load:     load,
			Capacity: capacity,
			Ratio:    float64(load) / float64(capacity),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProxyID < out[j].ProxyID })
	return out
}
