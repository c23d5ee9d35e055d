package topology

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pollingserver/internal/ids"
)

// Method is the HTTP method a monitor probes with.
type Method int

const (
	MethodGET Method = iota
	MethodHEAD
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodOPTIONS
	MethodPATCH
)

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodHEAD:
		return "HEAD"
	case MethodPOST:
		return "POST"
	case MethodPUT:
		return "PUT"
	case MethodDELETE:
		return "DELETE"
	case MethodOPTIONS:
		return "OPTIONS"
	case MethodPATCH:
		return "PATCH"
	default:
		return "GET"
	}
}

// bodyBearing reports whether the method carries a request body.
func (m Method) bodyBearing() bool {
	return m == MethodPOST || m == MethodPUT || m == MethodPATCH
}

// ContentCheckMode selects the content-integrity policy run after a
// successful probe (spec.md §4.1).
type ContentCheckMode int

const (
	NoCheck ContentCheckMode = iota
	ContentMatch
	AnyKeywords
	AllKeywords
	SmartContentMatch
)

// ContentType is the POST/PUT/PATCH body's content type.
type ContentType int

const (
	ContentText ContentType = iota
	ContentJSON
	ContentXML
)

func (c ContentType) mimeType() string {
	switch c {
	case ContentJSON:
		return "application/json"
	case ContentXML:
		return "application/xml"
	default:
		return "text/plain"
	}
}

// MonitorStatus is the probe state machine's observable status.
type MonitorStatus int

const (
	StatusUnknown MonitorStatus = iota
	StatusWorking
	StatusFailed
)

func (s MonitorStatus) String() string {
	switch s {
	case StatusWorking:
		return "WORKING"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// NetworkDoer dispatches an HTTP request. *http.Client satisfies it; tests
// substitute a stub so probe dispatch is deterministic.
type NetworkDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SmartHasher is the black-box "smart HTML scrubber" hashing routine
// (spec.md §1). The default implementation applies the same
// domain-separated SHA-256 as ContentMatch, since the real scrubber's
// internals are out of scope; it exists as an interface so a real
// implementation can be substituted without touching Monitor.
type SmartHasher interface {
	Hash(monitorID ids.MonitorID, body []byte) [32]byte
}

type defaultSmartHasher struct{}

func (defaultSmartHasher) Hash(monitorID ids.MonitorID, body []byte) [32]byte {
	return hashContent(monitorID, body)
}

// defaultUserAgent is the process default, overridable via
// SetDefaultHeaders or per-monitor UserAgent.
const defaultUserAgent = "pollingserver/1.0"

const probeTimeout = 60 * time.Second

var (
	defaultHeadersMu sync.RWMutex
	defaultHeaders   = map[string]string{}
)

// SetDefaultHeaders replaces the process-wide default header set merged
// into every outgoing probe request (spec.md §4.1 step 3).
func SetDefaultHeaders(headers map[string]string) {
	copyOf := make(map[string]string, len(headers))
	for k, v := range headers {
		copyOf[k] = v
	}
	defaultHeadersMu.Lock()
	defaultHeaders = copyOf
	defaultHeadersMu.Unlock()
}

func snapshotDefaultHeaders() map[string]string {
	defaultHeadersMu.RLock()
	defer defaultHeadersMu.RUnlock()
	out := make(map[string]string, len(defaultHeaders))
	for k, v := range defaultHeaders {
		out[k] = v
	}
	return out
}

// Monitor is a single probe target: URL path + method + content-check
// policy. At most one request may be in flight at a time.
type Monitor struct {
	id               ids.MonitorID
	path             string
	method           Method
	contentCheckMode ContentCheckMode
	keywords         [][]byte
	contentType      ContentType
	userAgent        string
	postBody         []byte
	smartHasher      SmartHasher

	hostScheme *HostScheme

	mu            sync.Mutex
	status        MonitorStatus
	pending       bool
	cancelInFlight context.CancelFunc
	storedHash    [32]byte
	hashSet       bool
}

// NewMonitor constructs a Monitor. It is not yet attached to a HostScheme;
// call HostScheme.AddMonitor to attach it.
func NewMonitor(id ids.MonitorID, path string, method Method, mode ContentCheckMode, keywords [][]byte, contentType ContentType, userAgent string, postBody []byte) *Monitor {
	return &Monitor{
		id:               id,
		path:             path,
		method:           method,
		contentCheckMode: mode,
		keywords:         keywords,
		contentType:      contentType,
		userAgent:        userAgent,
		postBody:         postBody,
		smartHasher:      defaultSmartHasher{},
		status:           StatusUnknown,
	}
}

func (m *Monitor) ID() ids.MonitorID { return m.id }

func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) setStatus(s MonitorStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Monitor) Path() string               { return m.path }
func (m *Monitor) SetPath(p string)            { m.path = p }
func (m *Monitor) Method() Method              { return m.method }
func (m *Monitor) SetMethod(mm Method)         { m.method = mm }
func (m *Monitor) ContentCheckMode() ContentCheckMode { return m.contentCheckMode }
func (m *Monitor) SetContentCheckMode(c ContentCheckMode) { m.contentCheckMode = c }
func (m *Monitor) Keywords() [][]byte          { return m.keywords }
func (m *Monitor) SetKeywords(k [][]byte)      { m.keywords = k }
func (m *Monitor) ContentType() ContentType    { return m.contentType }
func (m *Monitor) SetContentType(c ContentType) { m.contentType = c }
func (m *Monitor) UserAgent() string           { return m.userAgent }
func (m *Monitor) SetUserAgent(u string)       { m.userAgent = u }
func (m *Monitor) PostContent() []byte         { return m.postBody }
func (m *Monitor) SetPostContent(b []byte)     { m.postBody = b }
func (m *Monitor) SetSmartHasher(h SmartHasher) { m.smartHasher = h }

// Abort discards the in-flight request handle, if any, and returns the
// monitor to Idle/UNKNOWN. No event is emitted (spec.md §4.1).
func (m *Monitor) Abort() {
	m.mu.Lock()
	cancel := m.cancelInFlight
	m.pending = false
	m.cancelInFlight = nil
	m.status = StatusUnknown
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StartCheck attempts to enter InFlight. Entry is gated on the
// pending-reply slot being empty, the owning customer not being paused,
// and the owning host-scheme being reachable; any gate failure makes this
// call a no-op (spec.md §4.1).
func (m *Monitor) StartCheck(ctx context.Context) {
	hs := m.hostScheme
	if hs == nil {
		return
	}
	customer := hs.Customer()
	if customer != nil && customer.Paused() {
		return
	}
	if !hs.Reachable() {
		return
	}

	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	m.pending = true
	m.cancelInFlight = cancel
	m.mu.Unlock()

	go m.run(reqCtx, cancel, hs, customer)
}

func (m *Monitor) run(ctx context.Context, cancel context.CancelFunc, hs *HostScheme, customer *Customer) {
	defer cancel()

	req, err := m.buildRequest(ctx, hs)
	if err != nil {
		m.handleTransportError(hs, err.Error())
		m.finishPending()
		return
	}

	start := time.Now()
	startUnix := start.Unix()
	resp, err := hs.NetworkDoer().Do(req)
	elapsed := time.Since(start)

	if ctx.Err() == context.Canceled {
		// Abort() was called: no event, state already reset to UNKNOWN.
		if err == nil {
			resp.Body.Close()
		}
		return
	}
	if err != nil {
		m.handleTransportError(hs, err.Error())
		m.finishPending()
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var certExpiry int64
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		certExpiry = resp.TLS.PeerCertificates[0].NotAfter.Unix()
	}

	m.handleTransportSuccess(hs, customer, body, elapsed, startUnix, certExpiry)
	m.finishPending()
}

func (m *Monitor) finishPending() {
	m.mu.Lock()
	m.pending = false
	m.cancelInFlight = nil
	m.mu.Unlock()
}

func (m *Monitor) buildRequest(ctx context.Context, hs *HostScheme) (*http.Request, error) {
	u := hs.BaseURL()
	u.Path = m.path

	var bodyReader io.Reader
	var bodyLen int
	if m.method.bodyBearing() {
		bodyReader = bytes.NewReader(m.postBody)
		bodyLen = len(m.postBody)
	}

	req, err := http.NewRequestWithContext(ctx, m.method.String(), u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	headers := snapshotDefaultHeaders()
	userAgent := defaultUserAgent
	if ua, ok := headers["user-agent"]; ok {
		userAgent = ua
	}
	for k, v := range headers {
		if k == "user-agent" {
			continue
		}
		req.Header.Set(k, v)
	}
	if m.method.bodyBearing() && m.userAgent != "" {
		userAgent = m.userAgent
	}
	req.Header.Set("User-Agent", userAgent)

	if m.method.bodyBearing() {
		req.Header.Set("Content-Type", m.contentType.mimeType())
		req.Header.Set("Content-Length", strconv.Itoa(bodyLen))
	}

	return req, nil
}

func (m *Monitor) handleTransportError(hs *HostScheme, message string) {
	prev := m.Status()
	if prev != StatusFailed {
		hs.Aggregator().ReportEvent(Event{
			MonitorID:     m.id,
			TimestampUnix: time.Now().Unix(),
			Type:          EventNoResponse,
			Status:        prev,
			Message:       message,
		})
		hs.MonitorNonResponsive(m)
	}
	m.setStatus(StatusFailed)
}

const maxLatencyMicroseconds = 60_000_000

func (m *Monitor) handleTransportSuccess(hs *HostScheme, customer *Customer, body []byte, elapsed time.Duration, startUnix int64, certExpiryUnix int64) {
	prev := m.Status()
	if prev != StatusWorking {
		hs.Aggregator().ReportEvent(Event{
			MonitorID:     m.id,
			TimestampUnix: time.Now().Unix(),
			Type:          EventWorking,
			Status:        prev,
		})
		hs.MonitorNowResponsive(m)
	}
	m.setStatus(StatusWorking)

	if m.contentCheckMode != NoCheck {
		m.runContentCheck(hs, body)
	}

	if customer != nil && customer.LatencyEnabled() {
		micros := (elapsed.Nanoseconds() + 500) / 1000
		if micros <= maxLatencyMicroseconds && micros >= 0 {
			hs.Aggregator().RecordLatency(m.id, ids.FromUnix(startUnix), uint32(micros))
		}
	}

	if certExpiryUnix != 0 {
		if hs.Expiry() != certExpiryUnix {
			hs.SetExpiry(certExpiryUnix)
			hs.Aggregator().ReportCertificate(m.id, hs.ID(), certExpiryUnix)
		}
	}
}

// hashContent computes SHA-256(monitorID as 4 little-endian bytes ‖ body),
// the domain separation used by every content-check policy.
func hashContent(monitorID ids.MonitorID, body []byte) [32]byte {
	h := sha256.New()
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(monitorID))
	h.Write(idBytes[:])
	h.Write(body)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (m *Monitor) runContentCheck(hs *HostScheme, body []byte) {
	switch m.contentCheckMode {
	case ContentMatch:
		m.checkContentMatch(hs, body, hashContent)
	case SmartContentMatch:
		m.checkContentMatch(hs, body, m.smartHasher.Hash)
	case AnyKeywords:
		m.checkAnyKeywords(hs, body)
	case AllKeywords:
		m.checkAllKeywords(hs, body)
	}
}

func (m *Monitor) checkContentMatch(hs *HostScheme, body []byte, hashFn func(ids.MonitorID, []byte) [32]byte) {
	newHash := hashFn(m.id, body)

	m.mu.Lock()
	hadHash := m.hashSet
	oldHash := m.storedHash
	m.storedHash = newHash
	m.hashSet = true
	m.mu.Unlock()

	if !hadHash {
		return
	}
	if newHash != oldHash {
		hs.Aggregator().ReportEvent(Event{
			MonitorID:     m.id,
			TimestampUnix: time.Now().Unix(),
			Type:          EventContentChanged,
			Status:        m.Status(),
			Hash:          newHash[:],
		})
	}
}

func (m *Monitor) checkAnyKeywords(hs *HostScheme, body []byte) {
	h := sha256.New()
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(m.id))
	h.Write(idBytes[:])
	h.Write(body)

	found := false
	for _, kw := range m.keywords {
		if bytes.Contains(body, kw) {
			h.Write(kw)
			found = true
			break
		}
	}
	var newHash [32]byte
	copy(newHash[:], h.Sum(nil))

	m.mu.Lock()
	oldHash := m.storedHash
	m.storedHash = newHash
	m.hashSet = true
	m.mu.Unlock()

	if !found && newHash != oldHash {
		hs.Aggregator().ReportEvent(Event{
			MonitorID:     m.id,
			TimestampUnix: time.Now().Unix(),
			Type:          EventKeywords,
			Status:        m.Status(),
			Hash:          newHash[:],
			Message:       "no keywords matched",
		})
	}
}

func (m *Monitor) checkAllKeywords(hs *HostScheme, body []byte) {
	h := sha256.New()
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(m.id))
	h.Write(idBytes[:])
	h.Write(body)

	var missing []byte
	for _, kw := range m.keywords {
		if !bytes.Contains(body, kw) {
			missing = kw
			break
		}
		h.Write(kw)
	}
	var newHash [32]byte
	copy(newHash[:], h.Sum(nil))

	m.mu.Lock()
	oldHash := m.storedHash
	m.storedHash = newHash
	m.hashSet = true
	m.mu.Unlock()

	if missing != nil && newHash != oldHash {
		hs.Aggregator().ReportEvent(Event{
			MonitorID:     m.id,
			TimestampUnix: time.Now().Unix(),
			Type:          EventKeywords,
			Status:        m.Status(),
			Hash:          newHash[:],
			Message:       fmt.Sprintf("Missing keyword %q", string(missing)),
		})
	}
}
