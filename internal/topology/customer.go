package topology

import (
	"sync"

	"pollingserver/internal/ids"
)

// MinPollingIntervalSeconds is the minimum permitted polling interval
// (spec.md §3).
const MinPollingIntervalSeconds = 20

// StructureHooks lets a Customer forward host-scheme membership changes to
// its owning worker (spec.md §4.4 host_scheme_added /
// host_scheme_about_to_be_removed), without the topology package needing
// to import the worker package.
type StructureHooks interface {
	HostSchemeAdded(hs *HostScheme)
	HostSchemeAboutToBeRemoved(hs *HostScheme)
}

// Customer groups host-schemes for one subscriber (spec.md §3, §4.3).
type Customer struct {
	id ids.CustomerID

	pingTesting     bool
	sslExpiryCheck  bool
	latencyMeasure  bool
	multiRegion     bool
	pollingInterval int

	hooksMu sync.RWMutex
	hooks   StructureHooks

	mu          sync.RWMutex
	paused      bool
	hostSchemes map[ids.HostSchemeID]*HostScheme
	monitors    map[ids.MonitorID]*Monitor
}

// NewCustomer constructs a Customer. pollingInterval is clamped up to
// MinPollingIntervalSeconds if given a smaller value.
func NewCustomer(id ids.CustomerID, pingTesting, sslExpiryCheck, latencyMeasure, multiRegion bool, pollingInterval int) *Customer {
	if pollingInterval < MinPollingIntervalSeconds {
		pollingInterval = MinPollingIntervalSeconds
	}
	return &Customer{
		id:              id,
		pingTesting:     pingTesting,
		sslExpiryCheck:  sslExpiryCheck,
		latencyMeasure:  latencyMeasure,
		multiRegion:     multiRegion,
		pollingInterval: pollingInterval,
		hostSchemes:     map[ids.HostSchemeID]*HostScheme{},
		monitors:        map[ids.MonitorID]*Monitor{},
	}
}

func (c *Customer) ID() ids.CustomerID          { return c.id }
func (c *Customer) PingTesting() bool           { return c.pingTesting }
func (c *Customer) SSLExpiryChecking() bool     { return c.sslExpiryCheck }
func (c *Customer) LatencyEnabled() bool        { return c.latencyMeasure }
func (c *Customer) MultiRegion() bool           { return c.multiRegion }
func (c *Customer) PollingIntervalSeconds() int { return c.pollingInterval }

// Paused reports whether probe emission is currently suppressed. Pausing
// does not suppress schedule ticking (spec.md §3).
func (c *Customer) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// SetPaused toggles the paused flag.
func (c *Customer) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// SetStructureHooks wires the owning worker's membership-change callbacks.
func (c *Customer) SetStructureHooks(hooks StructureHooks) {
	c.hooksMu.Lock()
	c.hooks = hooks
	c.hooksMu.Unlock()
}

func (c *Customer) hooksSnapshot() StructureHooks {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.hooks
}

// AddHostScheme attaches hs to this customer and notifies the owning
// worker's hooks, if set.
func (c *Customer) AddHostScheme(hs *HostScheme) {
	hs.customer = c

	c.mu.Lock()
	c.hostSchemes[hs.id] = hs
	for id, m := range hs.monitors {
		c.monitors[id] = m
	}
	c.mu.Unlock()

	if hooks := c.hooksSnapshot(); hooks != nil {
		hooks.HostSchemeAdded(hs)
	}
}

// RemoveHostScheme detaches and destroys the host-scheme with the given
// id, cascading to its monitors.
func (c *Customer) RemoveHostScheme(id ids.HostSchemeID) {
	c.mu.Lock()
	hs, ok := c.hostSchemes[id]
	if ok {
		delete(c.hostSchemes, id)
		for monitorID := range hs.monitors {
			delete(c.monitors, monitorID)
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if hooks := c.hooksSnapshot(); hooks != nil {
		hooks.HostSchemeAboutToBeRemoved(hs)
	}
}

// GetHostScheme looks up a host-scheme by id.
func (c *Customer) GetHostScheme(id ids.HostSchemeID) (*HostScheme, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hs, ok := c.hostSchemes[id]
	return hs, ok
}

// HostSchemes returns a snapshot slice of all owned host-schemes.
func (c *Customer) HostSchemes() []*HostScheme {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*HostScheme, 0, len(c.hostSchemes))
	for _, hs := range c.hostSchemes {
		out = append(out, hs)
	}
	return out
}

// GetMonitor is the flattened O(1) monitor lookup across all host-schemes
// (spec.md §3).
func (c *Customer) GetMonitor(id ids.MonitorID) (*Monitor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[id]
	return m, ok
}

// MonitorCount returns the total number of monitors under this customer.
func (c *Customer) MonitorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.monitors)
}
