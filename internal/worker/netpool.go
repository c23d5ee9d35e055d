package worker

import (
	"net/http"

	"golang.org/x/sync/semaphore"
)

// defaultMaxInFlightProbes bounds how many probes one worker's network
// pool will dispatch concurrently (spec.md §4.4's "shared network-access
// pool"). An unbounded goroutine-per-probe model lets one slow-to-connect
// host-scheme starve file descriptors for the rest of the worker's
// customers; capping it with a weighted semaphore keeps that bounded
// without needing a separate connection-pool implementation per
// host-scheme.
const defaultMaxInFlightProbes = 256

// NetworkPool wraps an *http.Client with a semaphore.Weighted bound on
// concurrently in-flight requests, implementing topology.NetworkDoer.
type NetworkPool struct {
	client *http.Client
	sem    *semaphore.Weighted
}

// NewNetworkPool constructs a NetworkPool with the given concurrency cap.
// A cap of 0 falls back to defaultMaxInFlightProbes.
func NewNetworkPool(client *http.Client, maxInFlight int64) *NetworkPool {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlightProbes
	}
	return &NetworkPool{client: client, sem: semaphore.NewWeighted(maxInFlight)}
}

// Do blocks until a slot is free (or the request's context is cancelled),
// then dispatches through the underlying client.
func (p *NetworkPool) Do(req *http.Request) (*http.Response, error) {
	if err := p.sem.Acquire(req.Context(), 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return p.client.Do(req)
}
