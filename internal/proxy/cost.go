// internal/proxy/cost.go
package proxy

import (
	"sort"
	"sync"
	"time"
)

const bytesPerGB = 1 << 30

// DailyCost is the usage and spend of one proxy on one day.
type DailyCost struct {
	ProxyID  string  `json:"proxy_id"`
	Day      string  `json:"day"`
	Requests int64   `json:"requests"`
	DataMB   float64 `json:"data_mb"`
	Cost     float64 `json:"cost"`
}

// CostTracker accumulates per-proxy traffic and cost by UTC day. Cost is
// traffic times the per-GB price plus the monthly fee prorated over 30 days.
type CostTracker struct {
	mu    sync.Mutex
	days  map[string]map[string]*DailyCost
	price map[string]Proxy
}

// NewCostTracker creates a tracker for the given pool.
func NewCostTracker(proxies []Proxy) *CostTracker {
	ct := &CostTracker{
		days:  make(map[string]map[string]*DailyCost),
		price: make(map[string]Proxy, len(proxies)),
	}
	for _, p := range proxies {
		ct.price[p.ID()] = p
	}
	return ct
}

// RecordUsage adds one request of the given size.
func (ct *CostTracker) RecordUsage(proxyID string, bytes int64, at time.Time) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	p, ok := ct.price[proxyID]
	if !ok {
		return
	}

	day := at.UTC().Format("2006-01-02")
	perDay, ok := ct.days[day]
	if !ok {
		perDay = make(map[string]*DailyCost)
		ct.days[day] = perDay
	}
	dc, ok := perDay[proxyID]
	if !ok {
		dc = &DailyCost{ProxyID: proxyID, Day: day, Cost: p.MonthlyCost / 30}
		perDay[proxyID] = dc
	}

	dc.Requests++
	dc.DataMB += float64(bytes) / (1 << 20)
	dc.Cost += float64(bytes) / bytesPerGB * p.CostPerGB
}

// Day returns the costs of every proxy used on the given day.
func (ct *CostTracker) Day(at time.Time) []DailyCost {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	perDay := ct.days[at.UTC().Format("2006-01-02")]
	out := make([]DailyCost, 0, len(perDay))
	for _, dc := range perDay {
		out = append(out, *dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out
}

// Total returns the spend of all proxies on the given day.
func (ct *CostTracker) Total(at time.Time) float64 {
	total := 0.0
	for _, dc := range ct.Day(at) {
		total += dc.Cost
	}
	return total
}
