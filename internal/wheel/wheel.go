// Package wheel implements the per-(interval, region-mode) timing wheel
// that fires one host-scheme per tick, spread uniformly over the polling
// period using bit-reversed host-scheme IDs (spec.md §4.3, grounded on
// original_source/ps/source/host_scheme_timer.cpp).
//
// The wheel holds only host-scheme IDs, never pointers — callers resolve
// through a Resolver at fire time, giving the weak-reference semantics
// spec.md §3 requires (a wheel must never keep a host-scheme alive).
package wheel

import (
	"context"
	"sort"
	"sync"
	"time"

	"pollingserver/internal/ids"
)

// missedTimingMarkResetIntervalMs is how often the loading snapshot is
// refreshed and the miss counters reset (spec.md §4.3).
const missedTimingMarkResetIntervalMs = 2 * 60 * 60 * 1000

// Dispatchable is the narrow view of a HostScheme the wheel needs: fire
// one probe cycle on it.
type Dispatchable interface {
	ServiceNextMonitor(ctx context.Context)
}

// Resolver turns a host-scheme ID back into a live Dispatchable, or
// reports false if the host-scheme no longer exists. It is how the wheel
// gets weak-reference semantics without importing the topology package.
type Resolver interface {
	Resolve(id ids.HostSchemeID) (Dispatchable, bool)
}

// LoadingSnapshot is the wheel's periodic self-report (spec.md §3).
type LoadingSnapshot struct {
	HostSchemeCount int
	MissedWindows   int
	MeanMissSeconds float64
}

type entry struct {
	key uint32
	id  ids.HostSchemeID
}

func insertEntry(entries []entry, e entry) []entry {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].key >= e.key })
	if idx < len(entries) && entries[idx].key == e.key {
		entries[idx] = e
		return entries
	}
	entries = append(entries, entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

func removeEntry(entries []entry, key uint32) []entry {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	if idx < len(entries) && entries[idx].key == key {
		entries = append(entries[:idx], entries[idx+1:]...)
	}
	return entries
}

// searchNext returns the first entry with a key strictly greater than
// afterKey, wrapping to the smallest key if none exists. It needs no
// special handling when afterKey has since been removed — the search
// degrades gracefully to "next key after where it used to be", the same
// cursor discipline topology.idCursor uses.
func searchNext(entries []entry, afterKey uint32) (entry, bool) {
	if len(entries) == 0 {
		return entry{}, false
	}
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].key > afterKey })
	wrapped := idx >= len(entries)
	if wrapped {
		idx = 0
	}
	return entries[idx], wrapped
}

func entryForKey(entries []entry, key uint32) (ids.HostSchemeID, bool) {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	if idx < len(entries) && entries[idx].key == key {
		return entries[idx].id, true
	}
	return 0, false
}

// bitReverse32 reverses the bits of x, turning adjacent controller-
// allocated IDs into maximally separated positions on [0, 2^32) (spec.md
// §4.3, §9 — deterministic spreading, never a hash).
func bitReverse32(x uint32) uint32 {
	x = (x>>1)&0x55555555 | (x&0x55555555)<<1
	x = (x>>2)&0x33333333 | (x&0x33333333)<<2
	x = (x>>4)&0x0F0F0F0F | (x&0x0F0F0F0F)<<4
	x = (x>>8)&0x00FF00FF | (x&0x00FF00FF)<<8
	x = x>>16 | x<<16
	return x
}

// Wheel is one HostSchemeTimer: all host-schemes sharing a
// (polling_interval, multi_region) pair on a single worker (spec.md §4.3).
type Wheel struct {
	resolver Resolver

	mu            sync.Mutex
	multiRegion   bool
	periodSeconds int
	regionIndex   uint32
	numberRegions uint32
	periodMs      int64
	regionOffset  int64

	active      bool
	forceResync bool

	entries    []entry
	currentKey uint32
	hasCurrent bool

	cycleStartMs int64

	missedWindows int
	missTotalMs   int64
	nextSnapshot  int64
	snapshot      LoadingSnapshot

	wake chan struct{}
}

// NewWheel constructs a Wheel for the given polling interval and region
// mode. The wheel starts active; call SetActive(false) to start idle.
func NewWheel(periodSeconds int, multiRegion bool, regionIndex, numberRegions uint32, resolver Resolver) *Wheel {
	w := &Wheel{
		resolver:      resolver,
		multiRegion:   multiRegion,
		periodSeconds: periodSeconds,
		regionIndex:   regionIndex,
		numberRegions: numberRegions,
		active:        true,
		wake:          make(chan struct{}, 1),
	}
	w.recomputePeriodLocked()
	return w
}

func (w *Wheel) recomputePeriodLocked() {
	periodMs := int64(w.periodSeconds) * 1000
	if w.multiRegion {
		periodMs *= int64(w.numberRegions)
	}
	w.periodMs = periodMs
	if w.numberRegions == 0 || periodMs == 0 {
		w.regionOffset = 0
		return
	}
	w.regionOffset = (periodMs * int64(w.regionIndex)) / int64(w.numberRegions)
}

func (w *Wheel) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// AddHostScheme attaches a host-scheme by ID, inserted at the position
// given by the bit-reversal of its ID.
func (w *Wheel) AddHostScheme(id ids.HostSchemeID) {
	w.mu.Lock()
	w.entries = insertEntry(w.entries, entry{key: bitReverse32(uint32(id)), id: id})
	if len(w.entries) == 1 {
		w.hasCurrent = false
	}
	w.mu.Unlock()
	w.signal()
}

// RemoveHostScheme detaches the host-scheme with the given ID. No cursor
// surgery is required: searchNext tolerates a vanished key (spec.md §9).
func (w *Wheel) RemoveHostScheme(id ids.HostSchemeID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	before := len(w.entries)
	w.entries = removeEntry(w.entries, bitReverse32(uint32(id)))
	return len(w.entries) != before
}

// MonitorsPerSecond reports the wheel's current service rate.
func (w *Wheel) MonitorsPerSecond() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.periodMs == 0 {
		return 0
	}
	return (1000.0 * float64(len(w.entries))) / float64(w.periodMs)
}

// Loading returns the most recently published loading snapshot.
func (w *Wheel) Loading() LoadingSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot
}

// SetActive toggles firing. Inactive wheels stop firing but keep
// membership (spec.md §4.4); reactivating resets the miss counters and
// forces a cycle restart on the next Advance.
func (w *Wheel) SetActive(active bool) {
	w.mu.Lock()
	wasActive := w.active
	w.active = active
	if active && !wasActive {
		w.missedWindows = 0
		w.missTotalMs = 0
		w.nextSnapshot = 0
		w.hasCurrent = false
		w.forceResync = false
	}
	w.mu.Unlock()
	if active {
		w.signal()
	}
}

// UpdateRegionData changes the region membership, recomputing the
// effective period and offset, and forces a resync on the next tick if
// the wheel is currently active and has work (spec.md §4.3 "Region
// change").
func (w *Wheel) UpdateRegionData(regionIndex, numberRegions uint32) {
	w.mu.Lock()
	w.regionIndex = regionIndex
	w.numberRegions = numberRegions
	w.recomputePeriodLocked()
	if w.active && len(w.entries) > 0 {
		w.forceResync = true
	}
	w.mu.Unlock()
	w.signal()
}

func (w *Wheel) restartCycleLocked(now int64) {
	w.currentKey = w.entries[0].key
	w.hasCurrent = true
	cycleIndex := now / w.periodMs
	w.cycleStartMs = w.periodMs*(cycleIndex+1) + w.regionOffset
}

func (w *Wheel) scheduleLocked(now int64) int64 {
	frac := float64(w.currentKey) / 4294967296.0
	offset := int64(float64(w.periodMs)*frac + 0.5)
	nextEvent := w.cycleStartMs + offset

	if nextEvent <= now {
		missedBy := now - nextEvent
		if missedBy > 1 {
			w.missedWindows++
			w.missTotalMs += missedBy
		}
	}

	if w.nextSnapshot == 0 {
		w.nextSnapshot = now + missedTimingMarkResetIntervalMs
	} else if now > w.nextSnapshot {
		mean := 0.0
		if w.missedWindows > 0 {
			mean = float64(w.missTotalMs) / (1000.0 * float64(w.missedWindows))
		}
		w.snapshot = LoadingSnapshot{
			HostSchemeCount: len(w.entries),
			MissedWindows:   w.missedWindows,
			MeanMissSeconds: mean,
		}
		w.missedWindows = 0
		w.missTotalMs = 0
		w.nextSnapshot += missedTimingMarkResetIntervalMs
	}

	return nextEvent
}

// Advance performs exactly one scheduling step as of simulated/wall time
// now (milliseconds since Unix epoch), returning the time of the next
// step and whether the wheel has work to do at all. If due, the
// previously-scheduled host-scheme is dispatched (resolver lookup +
// ServiceNextMonitor) with the wheel mutex released, mirroring spec.md
// §4.2's "release before calling into any monitor" discipline one level
// up.
func (w *Wheel) Advance(ctx context.Context, now int64) (nextAt int64, active bool) {
	w.mu.Lock()
	if !w.active || len(w.entries) == 0 {
		w.mu.Unlock()
		return 0, false
	}

	if !w.hasCurrent || w.forceResync {
		w.forceResync = false
		w.restartCycleLocked(now)
		nextAt = w.scheduleLocked(now)
		w.mu.Unlock()
		return nextAt, true
	}

	dueAt := w.cycleStartMs + int64(float64(w.periodMs)*(float64(w.currentKey)/4294967296.0)+0.5)
	if now < dueAt {
		w.mu.Unlock()
		return dueAt, true
	}

	targetID, ok := entryForKey(w.entries, w.currentKey)
	next, wrapped := searchNext(w.entries, w.currentKey)
	w.currentKey = next.key
	w.mu.Unlock()

	if ok {
		w.dispatch(ctx, targetID)
	}

	w.mu.Lock()
	if wrapped {
		if len(w.entries) == 0 {
			w.hasCurrent = false
			w.mu.Unlock()
			return 0, false
		}
		w.restartCycleLocked(now)
	}
	nextAt = w.scheduleLocked(now)
	w.mu.Unlock()
	return nextAt, true
}

func (w *Wheel) dispatch(ctx context.Context, id ids.HostSchemeID) {
	target, ok := w.resolver.Resolve(id)
	if !ok {
		return
	}
	target.ServiceNextMonitor(ctx)
}

// Run drives the wheel against the real wall clock until ctx is
// cancelled. Structural mutations (AddHostScheme, SetActive, ...) wake
// the loop early via the internal signal channel so a newly active or
// newly populated wheel does not wait out a stale idle poll.
func (w *Wheel) Run(ctx context.Context) {
	for {
		now := time.Now().UnixMilli()
		nextAt, active := w.Advance(ctx, now)
		if !active {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			case <-time.After(time.Second):
			}
			continue
		}

		delay := time.Duration(nextAt-now) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}
	}
}
