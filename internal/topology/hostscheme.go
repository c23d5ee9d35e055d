package topology

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"pollingserver/internal/ids"
)

// idCursor is the cursor abstraction from spec.md §9: instead of keeping a
// live iterator across mutating map operations, it stores the last
// visited key and finds the next greater key (wrapping to the smallest)
// on each advance. Removal needs no special surgery: the stored key
// simply may no longer exist, which next() handles transparently.
type idCursor struct {
	lastKey ids.MonitorID
	hasLast bool
}

// next advances the cursor over the sorted keys slice, returning the next
// key and true, or (0, false) if keys is empty.
func (c *idCursor) next(keys []ids.MonitorID) (ids.MonitorID, bool) {
	if len(keys) == 0 {
		c.hasLast = false
		return 0, false
	}
	if !c.hasLast {
		c.lastKey = keys[0]
		c.hasLast = true
		return c.lastKey, true
	}
	idx := sort.Search(len(keys), func(i int) bool { return keys[i] > c.lastKey })
	if idx >= len(keys) {
		idx = 0
	}
	c.lastKey = keys[idx]
	return c.lastKey, true
}

func (c *idCursor) reset() {
	c.hasLast = false
}

// HostScheme groups monitors sharing a scheme+host+port origin (spec.md
// §3, §4.2).
type HostScheme struct {
	id      ids.HostSchemeID
	baseURL *url.URL

	customer *Customer

	networkDoer NetworkDoer
	aggregator  AggregatorSink
	active      bool

	mu           sync.Mutex
	expiryUnix   int64
	monitors     map[ids.MonitorID]*Monitor
	order        []ids.MonitorID
	suspect      map[ids.MonitorID]*Monitor
	suspectOrder []ids.MonitorID
	cursor       idCursor
	suspectCursor idCursor
}

// NewHostScheme constructs a HostScheme for baseURL (scheme+host+port;
// path/query are ignored).
func NewHostScheme(id ids.HostSchemeID, baseURL *url.URL, doer NetworkDoer, sink AggregatorSink) *HostScheme {
	trimmed := *baseURL
	trimmed.Path = ""
	trimmed.RawQuery = ""
	return &HostScheme{
		id:          id,
		baseURL:     &trimmed,
		networkDoer: doer,
		aggregator:  sink,
		active:      true,
		monitors:    map[ids.MonitorID]*Monitor{},
		suspect:     map[ids.MonitorID]*Monitor{},
	}
}

func (hs *HostScheme) ID() ids.HostSchemeID { return hs.id }

// BaseURL returns a copy of the scheme+host+port base URL.
func (hs *HostScheme) BaseURL() *url.URL {
	u := *hs.baseURL
	return &u
}

func (hs *HostScheme) Customer() *Customer          { return hs.customer }
func (hs *HostScheme) NetworkDoer() NetworkDoer      { return hs.networkDoer }
func (hs *HostScheme) Aggregator() AggregatorSink    { return hs.aggregator }
func (hs *HostScheme) SetNetworkDoer(d NetworkDoer)  { hs.networkDoer = d }

// Reachable reports whether this host-scheme currently has a network pool
// to dispatch through; a monitor's StartCheck gate fails if not.
func (hs *HostScheme) Reachable() bool {
	return hs.active && hs.networkDoer != nil
}

// SetActive toggles reachability. The worker's go_active/go_inactive
// fan-out toggles its wheels and does not call this.
func (hs *HostScheme) SetActive(active bool) { hs.active = active }

func (hs *HostScheme) Expiry() int64        { return hs.expiryUnix }
func (hs *HostScheme) SetExpiry(unix int64) { hs.expiryUnix = unix }

func insertSorted(order []ids.MonitorID, id ids.MonitorID) []ids.MonitorID {
	idx := sort.Search(len(order), func(i int) bool { return order[i] >= id })
	if idx < len(order) && order[idx] == id {
		return order
	}
	order = append(order, 0)
	copy(order[idx+1:], order[idx:])
	order[idx] = id
	return order
}

func removeSorted(order []ids.MonitorID, id ids.MonitorID) []ids.MonitorID {
	idx := sort.Search(len(order), func(i int) bool { return order[i] >= id })
	if idx < len(order) && order[idx] == id {
		order = append(order[:idx], order[idx+1:]...)
	}
	return order
}

// AddMonitor attaches m to this host-scheme. Per spec.md §9, a newly added
// monitor is unconditionally inserted into the suspect set (treated as
// UNKNOWN) even though its status starts UNKNOWN rather than FAILED.
func (hs *HostScheme) AddMonitor(m *Monitor) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	m.hostScheme = hs
	hs.monitors[m.id] = m
	hs.order = insertSorted(hs.order, m.id)
	if len(hs.order) == 1 {
		hs.cursor.reset()
	}

	hs.suspect[m.id] = m
	hs.suspectOrder = insertSorted(hs.suspectOrder, m.id)
	if len(hs.suspectOrder) == 1 {
		hs.suspectCursor.reset()
	}
}

// RemoveMonitor detaches the monitor with the given id, if present.
func (hs *HostScheme) RemoveMonitor(id ids.MonitorID) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	delete(hs.monitors, id)
	hs.order = removeSorted(hs.order, id)
	delete(hs.suspect, id)
	hs.suspectOrder = removeSorted(hs.suspectOrder, id)
}

// GetMonitor looks up a monitor by id.
func (hs *HostScheme) GetMonitor(id ids.MonitorID) (*Monitor, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	m, ok := hs.monitors[id]
	return m, ok
}

// MonitorCount reports the number of monitors owned by this host-scheme.
func (hs *HostScheme) MonitorCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.monitors)
}

// MonitorNonResponsive adds m to the suspect set, reseating the suspect
// cursor if the set was previously empty.
func (hs *HostScheme) MonitorNonResponsive(m *Monitor) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if _, ok := hs.suspect[m.id]; ok {
		return
	}
	hs.suspect[m.id] = m
	hs.suspectOrder = insertSorted(hs.suspectOrder, m.id)
	if len(hs.suspectOrder) == 1 {
		hs.suspectCursor.reset()
	}
}

// MonitorNowResponsive removes m from the suspect set.
func (hs *HostScheme) MonitorNowResponsive(m *Monitor) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	delete(hs.suspect, m.id)
	hs.suspectOrder = removeSorted(hs.suspectOrder, m.id)
}

// ServiceNextMonitor is the wheel's one-call-per-tick fire policy
// (spec.md §4.2). The host-scheme mutex is held only while mutating
// cursors; it is released before calling into a monitor.
func (hs *HostScheme) ServiceNextMonitor(ctx context.Context) {
	hs.mu.Lock()
	if len(hs.order) == 0 {
		hs.mu.Unlock()
		return
	}

	nextID, _ := hs.cursor.next(hs.order)

	var suspectID ids.MonitorID
	haveSuspect := false
	if len(hs.suspectOrder) > 0 {
		suspectID, haveSuspect = hs.suspectCursor.next(hs.suspectOrder)
	}

	mNext := hs.monitors[nextID]
	var mSuspect *Monitor
	if haveSuspect {
		mSuspect = hs.monitors[suspectID]
	}
	hs.mu.Unlock()

	if mNext != nil {
		mNext.StartCheck(ctx)
	}
	if mSuspect != nil && (mNext == nil || mSuspect.id != mNext.id) {
		mSuspect.StartCheck(ctx)
	}
}
