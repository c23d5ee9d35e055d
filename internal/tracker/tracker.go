// Package tracker implements ServiceThreadTracker (spec.md §4.7): the
// supervisor that places customers onto the least-loaded worker, routes
// removal across the worker pool, and tracks the coarse server status
// state machine that the latency header reports.
package tracker

import (
	"context"
	"strconv"
	"sync"

	"pollingserver/internal/ids"
	"pollingserver/internal/pollog"
	"pollingserver/internal/topology"
	"pollingserver/internal/wheel"
	"pollingserver/internal/wire"
)

// Status is the coarse server status spec.md §4.7 and §6 describe.
type Status int

const (
	StatusAllUnknown Status = iota
	StatusActive
	StatusInactive
	StatusDefunct
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusInactive:
		return "INACTIVE"
	case StatusDefunct:
		return "DEFUNCT"
	default:
		return "ALL_UNKNOWN"
	}
}

func (s Status) wireCode() wire.ServerStatus {
	switch s {
	case StatusActive:
		return wire.StatusActive
	case StatusInactive:
		return wire.StatusInactive
	case StatusDefunct:
		return wire.StatusDefunct
	default:
		return wire.StatusAllUnknown
	}
}

// Worker is the narrow view of worker.Worker the tracker needs; kept as
// an interface so tests can substitute a fake worker pool.
type Worker interface {
	AddCustomer(cust *topology.Customer)
	RemoveCustomer(id ids.CustomerID) bool
	HasCustomer(id ids.CustomerID) bool
	MonitorsPerSecond() float64
	GoActive()
	GoInactive()
	UpdateRegionData(regionIndex, numberRegions uint32)
	CheckNow(ctx context.Context, id ids.HostSchemeID) bool
	WheelLoadings() map[int64]wheel.LoadingSnapshot
}

// Pinger is the narrow view of pingclient.Client the tracker needs for
// placement/removal ping fan-out (spec.md §4.7).
type Pinger interface {
	Add(id ids.HostSchemeID, hostname string)
	Remove(id ids.HostSchemeID)
}

// Flusher lets the tracker force a synthetic aggregator flush on every
// status transition (spec.md §4.7), without importing the aggregator
// package directly.
type Flusher interface {
	FlushNow()
}

// Tracker is ServiceThreadTracker.
type Tracker struct {
	workers []Worker
	pinger  Pinger
	flusher Flusher
	logger  *pollog.Logger

	mu            sync.RWMutex
	status        Status
	regionIndex   uint32
	numberRegions uint32
}

// New constructs a Tracker over a fixed worker pool (one per logical
// core, per spec.md §5, sized by the caller).
func New(workers []Worker, pinger Pinger, flusher Flusher, logger *pollog.Logger) *Tracker {
	return &Tracker{
		workers:       workers,
		pinger:        pinger,
		flusher:       flusher,
		logger:        logger.With("tracker"),
		status:        StatusAllUnknown,
		numberRegions: 1,
	}
}

// AddCustomer places cust on the worker with the lowest current
// monitors_per_second, then, if ping-testing is enabled, enqueues an `A`
// command per host-scheme on the pinger (spec.md §4.7).
func (t *Tracker) AddCustomer(cust *topology.Customer) {
	if len(t.workers) == 0 {
		t.logger.Error("add_customer with an empty worker pool; customer %d dropped", cust.ID())
		return
	}

	chosen := t.workers[0]
	lowest := chosen.MonitorsPerSecond()
	for _, w := range t.workers[1:] {
		if rate := w.MonitorsPerSecond(); rate < lowest {
			lowest = rate
			chosen = w
		}
	}
	chosen.AddCustomer(cust)

	if cust.PingTesting() {
		for _, hs := range cust.HostSchemes() {
			t.pinger.Add(hs.ID(), hs.BaseURL().Hostname())
		}
	}
}

// RemoveCustomer probes each worker in turn; the first that claims the id
// removes it, and `R` pinger commands are issued for its host-schemes.
func (t *Tracker) RemoveCustomer(cust *topology.Customer) bool {
	for _, w := range t.workers {
		if !w.HasCustomer(cust.ID()) {
			continue
		}
		w.RemoveCustomer(cust.ID())
		for _, hs := range cust.HostSchemes() {
			t.pinger.Remove(hs.ID())
		}
		return true
	}
	return false
}

// CheckNow tries every worker in turn, same fan-out discipline as
// RemoveCustomer, for callers (e.g. pingclient's NOPING forwarding) that
// only know a host-scheme id, not which worker owns it.
func (t *Tracker) CheckNow(ctx context.Context, id ids.HostSchemeID) bool {
	for _, w := range t.workers {
		if w.CheckNow(ctx, id) {
			return true
		}
	}
	return false
}

// MonitorsPerSecond sums every worker's rate, for the /loading/get
// endpoint and the latency header.
func (t *Tracker) MonitorsPerSecond() float64 {
	var total float64
	for _, w := range t.workers {
		total += w.MonitorsPerSecond()
	}
	return total
}

// WheelLoading is one wheel's entry in the /loading/get response
// (spec.md §6): polled_host_schemes, missed_timing_marks,
// average_timing_error.
type WheelLoading struct {
	PolledHostSchemes int     `json:"polled_host_schemes"`
	MissedTimingMarks int     `json:"missed_timing_marks"`
	AverageTimingError float64 `json:"average_timing_error"`
}

// LoadingSnapshots merges every worker's wheel loadings into the
// single_region / multi_region buckets the /loading/get response wants,
// keyed by stringified unsigned polling interval (wheel keys are signed
// internally: negative = single-region, positive = multi-region).
func (t *Tracker) LoadingSnapshots() (singleRegion, multiRegion map[string][]WheelLoading) {
	singleRegion = map[string][]WheelLoading{}
	multiRegion = map[string][]WheelLoading{}

	for _, w := range t.workers {
		for signedInterval, snap := range w.WheelLoadings() {
			entry := WheelLoading{
				PolledHostSchemes:  snap.HostSchemeCount,
				MissedTimingMarks:  snap.MissedWindows,
				AverageTimingError: snap.MeanMissSeconds,
			}
			if signedInterval < 0 {
				key := strconv.FormatInt(-signedInterval, 10)
				singleRegion[key] = append(singleRegion[key], entry)
			} else {
				key := strconv.FormatInt(signedInterval, 10)
				multiRegion[key] = append(multiRegion[key], entry)
			}
		}
	}
	return singleRegion, multiRegion
}

func (t *Tracker) setStatus(s Status) {
	t.mu.Lock()
	changed := t.status != s
	t.status = s
	t.mu.Unlock()
	if changed {
		t.flusher.FlushNow()
	}
}

// GoActive transitions every worker to active and the tracker to
// StatusActive.
func (t *Tracker) GoActive() {
	for _, w := range t.workers {
		w.GoActive()
	}
	t.setStatus(StatusActive)
}

// GoInactive transitions every worker to inactive and the tracker to
// StatusInactive.
func (t *Tracker) GoInactive() {
	for _, w := range t.workers {
		w.GoInactive()
	}
	t.setStatus(StatusInactive)
}

// UpdateRegionData propagates a region membership change to every
// worker's wheels.
func (t *Tracker) UpdateRegionData(regionIndex, numberRegions uint32) {
	t.mu.Lock()
	t.regionIndex = regionIndex
	t.numberRegions = numberRegions
	t.mu.Unlock()
	for _, w := range t.workers {
		w.UpdateRegionData(regionIndex, numberRegions)
	}
}

// Status reports the current coarse server status.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// ServerStatus implements aggregator.HeaderSource's status field.
func (t *Tracker) ServerStatus() wire.ServerStatus {
	return t.Status().wireCode()
}
