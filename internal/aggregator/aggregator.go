// Package aggregator implements DataAggregator (spec.md §4.5): the single
// funnel between every probe in the process and the controller's three
// outbound endpoints. It batches latency samples into the packed-binary
// format from internal/wire, delivers events through a strictly-ordered
// JSON FIFO, and fire-and-forgets certificate changes with their own
// per-event retry loop (grounded on
// original_source/ps/source/data_aggregator.cpp and certificate_reporter.cpp).
package aggregator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pollingserver/internal/ids"
	"pollingserver/internal/pollog"
	"pollingserver/internal/topology"
	"pollingserver/internal/wire"
)

const latencyBatchCap = 1000

// flushInterval and retryInterval are vars, not consts, so package tests
// can shrink them rather than block on the real 60-second cadence
// (spec.md §4.5).
var (
	flushInterval = 60 * time.Second
	retryInterval = 60 * time.Second
)

// Transport is the outbound surface the aggregator needs; internal/controllerapi
// implements it against the three controller endpoints (spec.md §6).
type Transport interface {
	PostLatencyBatch(ctx context.Context, payload []byte) error
	PostEvent(ctx context.Context, payload []byte) error
	PostCertificate(ctx context.Context, payload []byte) error
}

// HeaderSource supplies the five fields of the latency-record header that
// only the process as a whole (not the aggregator) can compute: the
// collective service rate and machine loading (spec.md §6).
type HeaderSource interface {
	ServerIdentifier() string
	MonitorsPerSecond() float64
	CPULoading() uint16
	MemoryLoading() uint16
	ServerStatus() wire.ServerStatus
}

// eventWire is the /event/report JSON body (spec.md §6).
type eventWire struct {
	MonitorID     uint32 `json:"monitor_id"`
	TimestampUnix int64  `json:"timestamp"`
	EventType     string `json:"event_type"`
	MonitorStatus string `json:"monitor_status"`
	Hash          string `json:"hash,omitempty"`
	Message       string `json:"message,omitempty"`
}

// certWire is the /host_scheme/certificate JSON body (spec.md §6).
type certWire struct {
	MonitorID            uint32 `json:"monitor_id"`
	HostSchemeID         uint32 `json:"host_scheme_id"`
	ExpirationTimestamp  int64  `json:"expiration_timestamp"`
}

// Aggregator is DataAggregator. It implements topology.AggregatorSink, so
// any Monitor can hold it behind that interface without importing this
// package.
type Aggregator struct {
	transport Transport
	header    HeaderSource
	logger    *pollog.Logger

	cmds chan func(context.Context)

	latencyMu       sync.Mutex
	current         []wire.Entry
	inFlightPayload []byte
	flushArmed      bool

	eventMu      sync.Mutex
	eventQueue   []topology.Event
	eventSending bool
}

// New constructs an Aggregator. Call Run in its own goroutine before any
// RecordLatency/ReportEvent traffic arrives.
func New(transport Transport, header HeaderSource, logger *pollog.Logger) *Aggregator {
	return &Aggregator{
		transport: transport,
		header:    header,
		logger:    logger.With("aggregator"),
		cmds:      make(chan func(context.Context), 256),
	}
}

// Run drains the aggregator's own command loop until ctx is cancelled.
// RecordLatency/ReportEvent/ReportCertificate are safe to call from any
// goroutine (spec.md §5's one documented exception to thread affinity) —
// they do their own locking. Latency and event POSTs hop onto this loop;
// each certificate report is POSTed, and retried, on its own goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmds:
			cmd(ctx)
		}
	}
}

func (a *Aggregator) post(fn func(ctx context.Context)) {
	select {
	case a.cmds <- fn:
	default:
		// Loop is saturated; run inline rather than drop a flush/retry tick.
		fn(context.Background())
	}
}

// RecordLatency implements topology.AggregatorSink.
func (a *Aggregator) RecordLatency(monitorID ids.MonitorID, timestamp ids.ZoranTime, latencyMicroseconds uint32) {
	a.latencyMu.Lock()
	a.current = append(a.current, wire.Entry{
		MonitorID:           monitorID,
		ZoranTimestamp:       timestamp,
		LatencyMicroseconds: latencyMicroseconds,
	})
	noInFlight := a.inFlightPayload == nil
	saturated := len(a.current) >= latencyBatchCap

	flushNow := noInFlight && saturated
	armTimer := false
	if !flushNow && !a.flushArmed {
		a.flushArmed = true
		armTimer = true
	}
	a.latencyMu.Unlock()

	switch {
	case flushNow:
		a.triggerFlush()
	case armTimer:
		a.scheduleFlush(flushInterval)
	}
}

func (a *Aggregator) triggerFlush() {
	a.post(func(ctx context.Context) { a.doFlush(ctx) })
}

func (a *Aggregator) scheduleFlush(d time.Duration) {
	time.AfterFunc(d, a.triggerFlush)
}

// doFlush is called only on the aggregator's own loop goroutine, so at
// most one batch is ever in flight at a time (spec.md §8 Property 5).
func (a *Aggregator) doFlush(ctx context.Context) {
	a.latencyMu.Lock()
	if a.inFlightPayload == nil {
		if len(a.current) == 0 {
			a.flushArmed = false
			a.latencyMu.Unlock()
			return
		}
		header := wire.Header{
			Version:           0,
			Identifier:        a.header.ServerIdentifier(),
			MonitorsPerSecond: wire.EncodeMonitorsPerSecond(a.header.MonitorsPerSecond()),
			CPULoading:        a.header.CPULoading(),
			MemoryLoading:     a.header.MemoryLoading(),
			ServerStatusCode:  a.header.ServerStatus(),
		}
		a.inFlightPayload = wire.EncodeBatch(header, a.current)
		a.current = make([]wire.Entry, 0, len(a.current))
	}
	payload := a.inFlightPayload
	a.flushArmed = false
	a.latencyMu.Unlock()

	err := a.transport.PostLatencyBatch(ctx, payload)
	if err != nil {
		a.logger.Warn("latency batch POST failed (%s, %d bytes): %v; retrying in %s",
			humanize.Bytes(uint64(len(payload))), len(payload), err, retryInterval)
		a.latencyMu.Lock()
		a.flushArmed = true
		a.latencyMu.Unlock()
		a.scheduleFlush(retryInterval)
		return
	}

	a.latencyMu.Lock()
	a.inFlightPayload = nil
	saturated := len(a.current) >= latencyBatchCap
	hasMore := len(a.current) > 0
	if hasMore && !saturated {
		a.flushArmed = true
	}
	a.latencyMu.Unlock()

	switch {
	case saturated:
		a.triggerFlush()
	case hasMore:
		a.scheduleFlush(flushInterval)
	}
}

// ReportEvent implements topology.AggregatorSink. Events are delivered in
// order, one in flight at a time, retried on the same message until
// accepted (spec.md §4.5, §8 Property 6).
func (a *Aggregator) ReportEvent(ev topology.Event) {
	a.eventMu.Lock()
	a.eventQueue = append(a.eventQueue, ev)
	start := !a.eventSending
	if start {
		a.eventSending = true
	}
	a.eventMu.Unlock()

	if start {
		a.post(func(ctx context.Context) { a.sendNextEvent(ctx) })
	}
}

func (a *Aggregator) sendNextEvent(ctx context.Context) {
	a.eventMu.Lock()
	if len(a.eventQueue) == 0 {
		a.eventSending = false
		a.eventMu.Unlock()
		return
	}
	ev := a.eventQueue[0]
	a.eventMu.Unlock()

	payload, err := json.Marshal(eventWire{
		MonitorID:     uint32(ev.MonitorID),
		TimestampUnix: ev.TimestampUnix,
		EventType:     ev.Type.String(),
		MonitorStatus: ev.Status.String(),
		Hash:          base64.StdEncoding.EncodeToString(ev.Hash),
		Message:       ev.Message,
	})
	if err != nil {
		a.logger.Error("event marshal failed, dropping: %v", err)
		a.eventMu.Lock()
		a.eventQueue = a.eventQueue[1:]
		a.eventMu.Unlock()
		a.post(func(ctx context.Context) { a.sendNextEvent(ctx) })
		return
	}

	if err := a.transport.PostEvent(ctx, payload); err != nil {
		a.logger.Warn("event POST failed: %v; retrying in %s", err, retryInterval)
		time.AfterFunc(retryInterval, func() {
			a.post(func(ctx context.Context) { a.sendNextEvent(ctx) })
		})
		return
	}

	a.eventMu.Lock()
	a.eventQueue = a.eventQueue[1:]
	a.eventMu.Unlock()
	a.post(func(ctx context.Context) { a.sendNextEvent(ctx) })
}

// ReportCertificate implements topology.AggregatorSink. Each change is a
// detached fire-and-forget: its own goroutine, its own retry timer, one
// POST away from self-destructing (grounded on certificate_reporter.cpp).
func (a *Aggregator) ReportCertificate(monitorID ids.MonitorID, hostSchemeID ids.HostSchemeID, expirationUnix int64) {
	payload, err := json.Marshal(certWire{
		MonitorID:           uint32(monitorID),
		HostSchemeID:        uint32(hostSchemeID),
		ExpirationTimestamp: expirationUnix,
	})
	if err != nil {
		a.logger.Error("certificate marshal failed, dropping: %v", err)
		return
	}
	go a.retryCertificate(payload)
}

func (a *Aggregator) retryCertificate(payload []byte) {
	ctx := context.Background()
	for {
		if err := a.transport.PostCertificate(ctx, payload); err == nil {
			return
		} else {
			a.logger.Warn("certificate POST failed: %v; retrying in %s", err, retryInterval)
		}
		time.Sleep(retryInterval)
	}
}

// FlushNow forces an immediate latency flush regardless of batch size or
// timer state, used by tracker.Tracker to emit a synthetic batch on every
// server status transition (spec.md §4.7).
func (a *Aggregator) FlushNow() {
	a.triggerFlush()
}
