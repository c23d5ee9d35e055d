// Package topology implements the Customer -> HostScheme -> Monitor
// ownership hierarchy (spec.md §3, §4.1-§4.3): the probe/response state
// machine, the per-origin dispatcher with its round-robin and suspect
// cursors, and the customer-level subscription flags. The three types
// live in one package because of the tight, mutually-referencing
// ownership spec.md describes (a monitor reaches back to its host-scheme,
// which reaches back to its customer) — splitting them across packages
// would force an artificial interface boundary where the original design
// has a simple parent pointer.
package topology

import "pollingserver/internal/ids"

// EventType enumerates the event kinds the aggregator accepts (spec.md §6).
type EventType int

const (
	EventWorking EventType = iota
	EventNoResponse
	EventContentChanged
	EventKeywords
	EventSSLCertificate
)

func (t EventType) String() string {
	switch t {
	case EventWorking:
		return "WORKING"
	case EventNoResponse:
		return "NO_RESPONSE"
	case EventContentChanged:
		return "CONTENT_CHANGED"
	case EventKeywords:
		return "KEYWORDS"
	case EventSSLCertificate:
		return "SSL_CERTIFICATE"
	default:
		return "UNKNOWN"
	}
}

// Event is the value-typed payload handed to the aggregator. The
// aggregator holds no references back into the topology (spec.md §3).
type Event struct {
	MonitorID     ids.MonitorID
	TimestampUnix int64
	Type          EventType
	Status        MonitorStatus
	Hash          []byte
	Message       string
}

// AggregatorSink is the narrow interface Monitor depends on to report
// latency samples, events, and certificate changes. DataAggregator
// (package aggregator) implements it; tests use a fake.
type AggregatorSink interface {
	RecordLatency(monitorID ids.MonitorID, timestamp ids.ZoranTime, latencyMicroseconds uint32)
	ReportEvent(ev Event)
	ReportCertificate(monitorID ids.MonitorID, hostSchemeID ids.HostSchemeID, expirationUnix int64)
}
