// Package worker implements HttpServiceThread (spec.md §4.4): a single
// polling worker owning a set of customers and a map of timing wheels
// keyed by signed polling interval. Structural mutations — placing or
// removing a customer, wiring a new host-scheme into its wheel, toggling
// active/inactive — are serialized onto the worker's own command channel,
// the Go re-expression of spec.md §9's "per-loop inbound channel of
// command messages" for the thread-affinity rule in spec.md §5. Hot-path
// probe dispatch is NOT funneled through this channel: each wheel ticks
// on its own goroutine and HostScheme/Monitor guard their own state with
// mutexes (spec.md §5's lock table), since serializing every probe behind
// one channel would defeat the fan-out StartCheck already relies on.
package worker

import (
	"context"
	"sync"

	"pollingserver/internal/ids"
	"pollingserver/internal/pollog"
	"pollingserver/internal/topology"
	"pollingserver/internal/wheel"
)

// NetworkDoer is the shared connection pool handed to every host-scheme
// this worker owns.
type NetworkDoer = topology.NetworkDoer

type wheelEntry struct {
	w      *wheel.Wheel
	cancel context.CancelFunc
}

// hostSchemeIndex resolves HostSchemeID -> live *topology.HostScheme for
// the wheel's weak-reference lookups (spec.md §3, §9).
type hostSchemeIndex struct {
	mu    sync.RWMutex
	table map[ids.HostSchemeID]*topology.HostScheme
}

func newHostSchemeIndex() *hostSchemeIndex {
	return &hostSchemeIndex{table: map[ids.HostSchemeID]*topology.HostScheme{}}
}

func (idx *hostSchemeIndex) put(hs *topology.HostScheme) {
	idx.mu.Lock()
	idx.table[hs.ID()] = hs
	idx.mu.Unlock()
}

func (idx *hostSchemeIndex) remove(id ids.HostSchemeID) {
	idx.mu.Lock()
	delete(idx.table, id)
	idx.mu.Unlock()
}

func (idx *hostSchemeIndex) Resolve(id ids.HostSchemeID) (wheel.Dispatchable, bool) {
	idx.mu.RLock()
	hs, ok := idx.table[id]
	idx.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return hs, true
}

func (idx *hostSchemeIndex) get(id ids.HostSchemeID) (*topology.HostScheme, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	hs, ok := idx.table[id]
	return hs, ok
}

// Worker is HttpServiceThread: one event loop, one shared network pool,
// a set of customers, and a map of timing wheels keyed by signed
// interval (positive = multi-region, negative = single-region, matching
// spec.md §4.3).
type Worker struct {
	id      int
	doer    NetworkDoer
	sink    topology.AggregatorSink
	logger  *pollog.Logger
	index   *hostSchemeIndex
	cmds    chan func()
	done    chan struct{}

	customers     map[ids.CustomerID]*topology.Customer
	wheels        map[int64]*wheelEntry
	active        bool
	regionIndex   uint32
	numberRegions uint32
}

// New constructs an idle Worker; call Run in its own goroutine before
// submitting commands.
func New(id int, doer NetworkDoer, sink topology.AggregatorSink, logger *pollog.Logger) *Worker {
	return &Worker{
		id:            id,
		doer:          doer,
		sink:          sink,
		logger:        logger.With("worker"),
		index:         newHostSchemeIndex(),
		cmds:          make(chan func(), 64),
		done:          make(chan struct{}),
		customers:     map[ids.CustomerID]*topology.Customer{},
		wheels:        map[int64]*wheelEntry{},
		active:        true,
		numberRegions: 1,
	}
}

// Run is the worker's event loop: it drains the command channel until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(w.done)
			return
		case cmd := <-w.cmds:
			cmd()
		}
	}
}

func (w *Worker) submit(fn func()) {
	done := make(chan struct{})
	w.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

func signedWheelKey(cust *topology.Customer) int64 {
	key := int64(cust.PollingIntervalSeconds())
	if !cust.MultiRegion() {
		key = -key
	}
	return key
}

// MonitorsPerSecond sums every wheel's current service rate, the figure
// the outbound latency header reports (spec.md §6).
func (w *Worker) MonitorsPerSecond() float64 {
	var entries []*wheelEntry
	w.submit(func() {
		entries = make([]*wheelEntry, 0, len(w.wheels))
		for _, e := range w.wheels {
			entries = append(entries, e)
		}
	})

	var total float64
	for _, e := range entries {
		total += e.w.MonitorsPerSecond()
	}
	return total
}

// WheelLoadings returns the most recent loading snapshot of every wheel
// this worker owns, keyed by the same signed interval used internally
// (positive = multi-region, negative = single-region), for the
// /loading/get endpoint (spec.md §6).
func (w *Worker) WheelLoadings() map[int64]wheel.LoadingSnapshot {
	var entries map[int64]*wheelEntry
	w.submit(func() {
		entries = make(map[int64]*wheelEntry, len(w.wheels))
		for k, e := range w.wheels {
			entries[k] = e
		}
	})

	out := make(map[int64]wheel.LoadingSnapshot, len(entries))
	for k, e := range entries {
		out[k] = e.w.Loading()
	}
	return out
}

// wheelFor must only be called from inside the worker's own event loop
// (i.e. from within a submit closure) — it touches w.wheels without a
// mutex, relying on that serialization.
func (w *Worker) wheelFor(ctx context.Context, cust *topology.Customer) *wheelEntry {
	key := signedWheelKey(cust)
	if e, ok := w.wheels[key]; ok {
		return e
	}
	wctx, cancel := context.WithCancel(ctx)
	newWheel := wheel.NewWheel(cust.PollingIntervalSeconds(), cust.MultiRegion(), w.regionIndex, w.numberRegions, w.index)
	newWheel.SetActive(w.active)
	e := &wheelEntry{w: newWheel, cancel: cancel}
	w.wheels[key] = e
	go newWheel.Run(wctx)
	return e
}

// HostSchemeAdded implements topology.StructureHooks: attaches hs to its
// customer's wheel and the resolver index (spec.md §4.4).
func (w *Worker) HostSchemeAdded(hs *topology.HostScheme) {
	w.submit(func() {
		cust := hs.Customer()
		if cust == nil {
			return
		}
		w.index.put(hs)
		e := w.wheelFor(context.Background(), cust)
		e.w.AddHostScheme(hs.ID())
	})
}

// HostSchemeAboutToBeRemoved implements topology.StructureHooks: detaches
// hs from its wheel (the wheel itself is not destroyed — spec.md §4.4
// notes this is deliberate, to avoid churn on quick re-add).
func (w *Worker) HostSchemeAboutToBeRemoved(hs *topology.HostScheme) {
	w.submit(func() {
		cust := hs.Customer()
		if cust != nil {
			key := signedWheelKey(cust)
			if e, ok := w.wheels[key]; ok {
				e.w.RemoveHostScheme(hs.ID())
			}
		}
		w.index.remove(hs.ID())
	})
}

// AddCustomer places cust on this worker: wires the structure hooks and
// attaches any host-schemes it already owns.
func (w *Worker) AddCustomer(cust *topology.Customer) {
	w.submit(func() {
		w.customers[cust.ID()] = cust
	})
	cust.SetStructureHooks(w)
	for _, hs := range cust.HostSchemes() {
		w.HostSchemeAdded(hs)
	}
}

// RemoveCustomer detaches cust and every one of its host-schemes from
// this worker's wheels.
func (w *Worker) RemoveCustomer(id ids.CustomerID) bool {
	var cust *topology.Customer
	var ok bool
	w.submit(func() {
		cust, ok = w.customers[id]
		if ok {
			delete(w.customers, id)
		}
	})
	if !ok {
		return false
	}
	for _, hs := range cust.HostSchemes() {
		w.HostSchemeAboutToBeRemoved(hs)
	}
	return true
}

// HasCustomer reports whether this worker currently owns the customer.
func (w *Worker) HasCustomer(id ids.CustomerID) bool {
	var ok bool
	w.submit(func() {
		_, ok = w.customers[id]
	})
	return ok
}

// GoActive / GoInactive fan out to every wheel (spec.md §4.4); inactive
// wheels stop firing but keep membership.
func (w *Worker) GoActive() {
	w.submit(func() {
		w.active = true
		for _, e := range w.wheels {
			e.w.SetActive(true)
		}
	})
}

func (w *Worker) GoInactive() {
	w.submit(func() {
		w.active = false
		for _, e := range w.wheels {
			e.w.SetActive(false)
		}
	})
}

// UpdateRegionData propagates a region membership change to every wheel.
func (w *Worker) UpdateRegionData(regionIndex, numberRegions uint32) {
	w.submit(func() {
		w.regionIndex = regionIndex
		w.numberRegions = numberRegions
		for _, e := range w.wheels {
			e.w.UpdateRegionData(regionIndex, numberRegions)
		}
	})
}

// ID returns the worker's index within the tracker's pool.
func (w *Worker) ID() int { return w.id }

// Doer returns the shared network pool new host-schemes placed on this
// worker should dispatch through.
func (w *Worker) Doer() NetworkDoer { return w.doer }

// Sink returns the aggregator every host-scheme placed on this worker
// should report to.
func (w *Worker) Sink() topology.AggregatorSink { return w.sink }

// Done reports when the worker's event loop has exited after ctx
// cancellation.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// CheckNow dispatches a single immediate service_next_monitor for the
// named host-scheme, callable from any goroutine (spec.md §4.4).
func (w *Worker) CheckNow(ctx context.Context, id ids.HostSchemeID) bool {
	hs, ok := w.index.get(id)
	if !ok {
		return false
	}
	hs.ServiceNextMonitor(ctx)
	return true
}
