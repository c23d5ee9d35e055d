package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNetworkPoolBoundsConcurrency(t *testing.T) {
	var inFlight, maxSeen int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
	}))
	defer srv.Close()

	pool := NewNetworkPool(srv.Client(), 2)

	const totalRequests = 5
	done := make(chan struct{}, totalRequests)
	for i := 0; i < totalRequests; i++ {
		go func() {
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
			resp, err := pool.Do(req)
			if err == nil {
				resp.Body.Close()
			}
			done <- struct{}{}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&maxSeen); got > 2 {
		t.Errorf("max concurrent in-flight = %d, want <= 2", got)
	}
	close(release)
	for i := 0; i < totalRequests; i++ {
		<-done
	}
}
