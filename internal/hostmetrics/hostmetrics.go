// Package hostmetrics samples host-wide CPU and memory loading for the
// latency-record header's cpu_loading/memory_loading fields (spec.md §6).
// No library in the retrieved example pack reads host metrics without
// talking to a separate agent process (the teacher's resources.Client
// calls out to a running Glances instance) — running and depending on an
// external agent is out of scope for a self-contained polling core, so
// this one piece reads /proc directly instead of adopting that pattern.
package hostmetrics

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sampler tracks host loading, refreshed on demand with a short internal
// cache so a burst of header-building calls does not reread /proc/stat
// per sample.
type Sampler struct {
	mu         sync.Mutex
	lastSample time.Time
	cpuFrac    float64
	memFrac    float64

	prevIdle  uint64
	prevTotal uint64
	havePrev  bool
}

// New constructs a Sampler.
func New() *Sampler { return &Sampler{} }

const cacheFor = time.Second

// refresh re-samples /proc/stat and /proc/meminfo if the cache is stale.
// Parse failures (non-Linux hosts, restricted containers) leave the
// previous sample in place rather than erroring — loading fields are
// best-effort telemetry, not correctness-critical.
func (s *Sampler) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastSample) < cacheFor {
		return
	}
	s.lastSample = time.Now()

	if idle, total, ok := readProcStat(); ok {
		if s.havePrev {
			idleDelta := idle - s.prevIdle
			totalDelta := total - s.prevTotal
			if totalDelta > 0 {
				s.cpuFrac = 1.0 - float64(idleDelta)/float64(totalDelta)
			}
		}
		s.prevIdle, s.prevTotal = idle, total
		s.havePrev = true
	}

	if frac, ok := readMemInfo(); ok {
		s.memFrac = frac
	}
}

// CPULoading returns the 16-bit-scaled value spec.md §6 wants: 0 = 0%,
// 65535 = 1600% (16 cores saturated). A single fully-loaded core reports
// 1/16th of the scale.
func (s *Sampler) CPULoading() uint16 {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	return scaleFraction(s.cpuFrac * float64(runtime.NumCPU()) / 16.0)
}

// MemoryLoading returns 0 = 0%, 65535 = 100% used.
func (s *Sampler) MemoryLoading() uint16 {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	return scaleFraction(s.memFrac)
}

func scaleFraction(f float64) uint16 {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return uint16(f*65535.0 + 0.5)
}

func readProcStat() (idle, total uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	var sum uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		sum += v
		if i == 3 { // idle is the 4th field
			idle = v
		}
	}
	return idle, sum, true
}

func readMemInfo() (fraction float64, ok bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMemInfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMemInfoKB(line)
		}
	}
	if total == 0 {
		return 0, false
	}
	return 1.0 - float64(available)/float64(total), true
}

func parseMemInfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
