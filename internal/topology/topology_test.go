package topology

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pollingserver/internal/ids"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) RecordLatency(ids.MonitorID, ids.ZoranTime, uint32) {}
func (f *fakeSink) ReportCertificate(ids.MonitorID, ids.HostSchemeID, int64) {}
func (f *fakeSink) ReportEvent(ev Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeSink) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

// blockingDoer blocks on a channel until released, counting concurrent
// in-flight calls so Property 2 can assert at most one ever overlaps.
type blockingDoer struct {
	release     chan struct{}
	inFlight    int32
	maxInFlight int32
	status      int
}

func (d *blockingDoer) Do(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&d.inFlight, 1)
	for {
		old := atomic.LoadInt32(&d.maxInFlight)
		if n <= old || atomic.CompareAndSwapInt32(&d.maxInFlight, old, n) {
			break
		}
	}
	<-d.release
	atomic.AddInt32(&d.inFlight, -1)
	return &http.Response{StatusCode: d.status, Body: http.NoBody}, nil
}

func newHostScheme(t *testing.T, doer NetworkDoer, sink AggregatorSink) *HostScheme {
	t.Helper()
	u, err := url.Parse("http://example.test/")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return NewHostScheme(1, u, doer, sink)
}

// TestAtMostOneInFlightPerMonitor is spec.md §8 Property 2.
func TestAtMostOneInFlightPerMonitor(t *testing.T) {
	doer := &blockingDoer{release: make(chan struct{}), status: 200}
	sink := &fakeSink{}
	hs := newHostScheme(t, doer, sink)
	cust := NewCustomer(1, false, false, false, false, 20)
	cust.AddHostScheme(hs)

	m := NewMonitor(1, "/", MethodGET, NoCheck, nil, ContentText, "", nil)
	hs.AddMonitor(m)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		m.StartCheck(ctx)
	}
	time.Sleep(50 * time.Millisecond)
	close(doer.release)
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&doer.maxInFlight); got > 1 {
		t.Fatalf("observed %d concurrent in-flight requests for one monitor, want <= 1", got)
	}
}

// TestSuspectAmplification is spec.md §8 Property 3: a failing monitor is
// serviced at least once per tick regardless of healthy-peer count, while
// each healthy monitor is serviced exactly once per tick.
func TestSuspectAmplification(t *testing.T) {
	doer := &stubDoer{}
	sink := &fakeSink{}
	hs := newHostScheme(t, doer, sink)
	cust := NewCustomer(1, false, false, false, false, 20)
	cust.AddHostScheme(hs)

	const healthyCount = 100
	healthyCalls := map[ids.MonitorID]*int32{}
	for i := 1; i <= healthyCount; i++ {
		m := NewMonitor(ids.MonitorID(i), fmt.Sprintf("/%d", i), MethodGET, NoCheck, nil, ContentText, "", nil)
		hs.AddMonitor(m)
		m.setStatus(StatusWorking)
		hs.MonitorNowResponsive(m)
		var n int32
		healthyCalls[m.id] = &n
	}
	failing := NewMonitor(9999, "/9999", MethodGET, NoCheck, nil, ContentText, "", nil)
	hs.AddMonitor(failing)
	failing.setStatus(StatusFailed)

	var failingCalls int32
	counter := &countingDoer{
		base:   doer,
		failID: failing.id,
		onCall: func(id ids.MonitorID) {
			if id == failing.id {
				atomic.AddInt32(&failingCalls, 1)
			} else if n, ok := healthyCalls[id]; ok {
				atomic.AddInt32(n, 1)
			}
		},
	}
	hs.SetNetworkDoer(counter)

	ctx := context.Background()
	for tick := 0; tick < 100; tick++ {
		hs.ServiceNextMonitor(ctx)
		waitForPendingClear(t, failing)
	}
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&failingCalls); got < 100 {
		t.Errorf("failing monitor received %d probes over 100 ticks, want >= 100", got)
	}
	for id, n := range healthyCalls {
		if got := atomic.LoadInt32(n); got != 1 {
			t.Errorf("healthy monitor %d received %d probes over 100 ticks, want exactly 1", id, got)
		}
	}
}

type stubDoer struct{ status int }

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	status := d.status
	if status == 0 {
		status = 200
	}
	return &http.Response{StatusCode: status, Body: http.NoBody}, nil
}

// countingDoer records which monitor a request targeted (encoded as the
// request path "/<id>" by the test) before passing through to the
// embedded doer. Requests for failID are refused, so that monitor keeps
// failing.
type countingDoer struct {
	base   NetworkDoer
	failID ids.MonitorID
	onCall func(ids.MonitorID)
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	if n, err := strconv.Atoi(strings.TrimPrefix(req.URL.Path, "/")); err == nil {
		d.onCall(ids.MonitorID(n))
		if d.failID != 0 && ids.MonitorID(n) == d.failID {
			return nil, errConnectionRefused{}
		}
	}
	return d.base.Do(req)
}

// TestFailureAndRecovery is spec.md §8 Scenario B.
func TestFailureAndRecovery(t *testing.T) {
	errDoer := &erroringDoer{}
	sink := &fakeSink{}
	hs := newHostScheme(t, errDoer, sink)
	cust := NewCustomer(1, false, false, false, false, 20)
	cust.AddHostScheme(hs)

	m := NewMonitor(1, "/", MethodGET, NoCheck, nil, ContentText, "", nil)
	hs.AddMonitor(m)

	ctx := context.Background()
	m.StartCheck(ctx)
	waitForPendingClear(t, m)

	events := sink.snapshot()
	if len(events) != 1 || events[0].Type != EventNoResponse {
		t.Fatalf("expected single NO_RESPONSE event, got %+v", events)
	}
	if m.Status() != StatusFailed {
		t.Fatalf("status = %v, want StatusFailed", m.Status())
	}

	hs.SetNetworkDoer(&stubDoer{status: 200})
	hs.ServiceNextMonitor(ctx)
	waitForPendingClear(t, m)

	events = sink.snapshot()
	if len(events) != 2 || events[1].Type != EventWorking {
		t.Fatalf("expected WORKING recovery event, got %+v", events)
	}
	if m.Status() != StatusWorking {
		t.Fatalf("status = %v, want StatusWorking", m.Status())
	}
}

type erroringDoer struct{}

func (erroringDoer) Do(req *http.Request) (*http.Response, error) {
	return nil, errConnectionRefused{}
}

type errConnectionRefused struct{}

func (errConnectionRefused) Error() string { return "connection refused" }

// TestContentChangeSequence is spec.md §8 Scenario C.
func TestContentChangeSequence(t *testing.T) {
	doer := &scriptedBodyDoer{}
	sink := &fakeSink{}
	hs := newHostScheme(t, doer, sink)
	cust := NewCustomer(1, false, false, false, false, 20)
	cust.AddHostScheme(hs)

	m := NewMonitor(1, "/", MethodGET, ContentMatch, nil, ContentText, "", nil)
	hs.AddMonitor(m)

	ctx := context.Background()
	bodies := [][]byte{[]byte("A"), []byte("A"), []byte("B"), []byte("B")}
	for _, b := range bodies {
		doer.set(b)
		m.StartCheck(ctx)
		waitForPendingClear(t, m)
	}

	events := sink.snapshot()
	var changed []Event
	for _, ev := range events {
		if ev.Type == EventContentChanged {
			changed = append(changed, ev)
		}
	}
	if len(changed) != 1 {
		t.Fatalf("expected exactly one CONTENT_CHANGED event, got %d: %+v", len(changed), changed)
	}
}

// TestAllKeywordsMissingThenPresent is spec.md §8 Scenario D.
func TestAllKeywordsMissingThenPresent(t *testing.T) {
	doer := &scriptedBodyDoer{}
	sink := &fakeSink{}
	hs := newHostScheme(t, doer, sink)
	cust := NewCustomer(1, false, false, false, false, 20)
	cust.AddHostScheme(hs)

	m := NewMonitor(1, "/", MethodGET, AllKeywords, [][]byte{[]byte("alpha"), []byte("beta")}, ContentText, "", nil)
	hs.AddMonitor(m)

	ctx := context.Background()

	doer.set([]byte("alpha only"))
	m.StartCheck(ctx)
	waitForPendingClear(t, m)

	doer.set([]byte("alpha and beta"))
	m.StartCheck(ctx)
	waitForPendingClear(t, m)

	doer.set([]byte("alpha only"))
	m.StartCheck(ctx)
	waitForPendingClear(t, m)

	events := sink.snapshot()
	var keywordEvents []Event
	for _, ev := range events {
		if ev.Type == EventKeywords {
			keywordEvents = append(keywordEvents, ev)
		}
	}
	if len(keywordEvents) != 2 {
		t.Fatalf("expected exactly two KEYWORDS events, got %d: %+v", len(keywordEvents), keywordEvents)
	}
	if keywordEvents[0].Message != `Missing keyword "beta"` {
		t.Errorf("first KEYWORDS message = %q, want Missing keyword \"beta\"", keywordEvents[0].Message)
	}
}

// TestAnyKeywordsBodyChangeWithoutMatchStillFires covers the case the
// ANY_KEYWORDS check exists for: the page keeps changing while the
// keyword never appears, and each distinct body should still produce a
// fresh KEYWORDS event (the hash must fold in the body, not just the
// monitor id and whichever keyword matched).
func TestAnyKeywordsBodyChangeWithoutMatchStillFires(t *testing.T) {
	doer := &scriptedBodyDoer{}
	sink := &fakeSink{}
	hs := newHostScheme(t, doer, sink)
	cust := NewCustomer(1, false, false, false, false, 20)
	cust.AddHostScheme(hs)

	m := NewMonitor(1, "/", MethodGET, AnyKeywords, [][]byte{[]byte("alpha")}, ContentText, "", nil)
	hs.AddMonitor(m)

	ctx := context.Background()

	doer.set([]byte("body one"))
	m.StartCheck(ctx)
	waitForPendingClear(t, m)

	doer.set([]byte("body two"))
	m.StartCheck(ctx)
	waitForPendingClear(t, m)

	events := sink.snapshot()
	var keywordEvents []Event
	for _, ev := range events {
		if ev.Type == EventKeywords {
			keywordEvents = append(keywordEvents, ev)
		}
	}
	if len(keywordEvents) != 2 {
		t.Fatalf("expected a KEYWORDS event for each distinct body with no match, got %d: %+v", len(keywordEvents), keywordEvents)
	}
}

// TestAbortProducesNoEvent checks spec.md §4.1: a request aborted via
// Abort() produces no event and leaves status UNKNOWN.
func TestAbortProducesNoEvent(t *testing.T) {
	doer := &blockingDoer{release: make(chan struct{}), status: 200}
	sink := &fakeSink{}
	hs := newHostScheme(t, doer, sink)
	cust := NewCustomer(1, false, false, false, false, 20)
	cust.AddHostScheme(hs)

	m := NewMonitor(1, "/", MethodGET, NoCheck, nil, ContentText, "", nil)
	hs.AddMonitor(m)

	m.StartCheck(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Abort()
	close(doer.release)
	time.Sleep(20 * time.Millisecond)

	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no events after abort, got %+v", sink.snapshot())
	}
	if m.Status() != StatusUnknown {
		t.Fatalf("status = %v, want StatusUnknown after abort", m.Status())
	}
}

type scriptedBodyDoer struct {
	mu   sync.Mutex
	body []byte
}

func (d *scriptedBodyDoer) set(b []byte) {
	d.mu.Lock()
	d.body = b
	d.mu.Unlock()
}

func (d *scriptedBodyDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	b := append([]byte(nil), d.body...)
	d.mu.Unlock()
	return &http.Response{
		StatusCode: 200,
		Body:       newReadCloser(b),
		Header:     make(http.Header),
	}, nil
}

func newReadCloser(b []byte) *readCloser {
	return &readCloser{Reader: bytes.NewReader(b)}
}

type readCloser struct {
	*bytes.Reader
}

func (readCloser) Close() error { return nil }

func waitForPendingClear(t *testing.T, m *Monitor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		pending := m.pending
		m.mu.Unlock()
		if !pending {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("monitor still pending after deadline")
}
