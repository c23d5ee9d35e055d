// Command polling_server is the regional HTTP polling/monitoring server's
// CLI entrypoint (spec.md §6): polling_server <configuration_file>. Exit
// code 0 on clean shutdown, 1 on configuration error, matching the
// teacher's fail-fast main() shape (load config, wire collaborators, run
// until signalled).
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"pollingserver/internal/aggregator"
	"pollingserver/internal/config"
	"pollingserver/internal/controlapi"
	"pollingserver/internal/controllerapi"
	"pollingserver/internal/historystore"
	"pollingserver/internal/hostmetrics"
	"pollingserver/internal/ids"
	"pollingserver/internal/pingclient"
	"pollingserver/internal/pollog"
	"pollingserver/internal/topology"
	"pollingserver/internal/tracker"
	"pollingserver/internal/transportauth"
	"pollingserver/internal/wire"
	"pollingserver/internal/worker"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: polling_server <configuration_file>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		pollog.Default.Error("fatal: %v", err)
		os.Exit(1)
	}
}

// headerAdapter supplies aggregator.HeaderSource from the pieces of
// process state only main.go has all of: the configured identifier, the
// host loading sampler, and (wired in once constructed) the tracker.
type headerAdapter struct {
	identifier string
	metrics    *hostmetrics.Sampler
	trk        *tracker.Tracker
}

func (h *headerAdapter) ServerIdentifier() string { return h.identifier }

func (h *headerAdapter) MonitorsPerSecond() float64 {
	if h.trk == nil {
		return 0
	}
	return h.trk.MonitorsPerSecond()
}

func (h *headerAdapter) CPULoading() uint16    { return h.metrics.CPULoading() }
func (h *headerAdapter) MemoryLoading() uint16 { return h.metrics.MemoryLoading() }

func (h *headerAdapter) ServerStatus() wire.ServerStatus {
	if h.trk == nil {
		return wire.StatusAllUnknown
	}
	return h.trk.ServerStatus()
}

func parsePinger(spec string) (pingclient.NetDialer, error) {
	network, address, ok := strings.Cut(spec, ":")
	if !ok {
		return pingclient.NetDialer{}, fmt.Errorf("pinger: expected \"network:address\", got %q", spec)
	}
	return pingclient.NetDialer{Network: network, Address: address}, nil
}

func run(configPath string) error {
	logger := pollog.Default
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	topology.SetDefaultHeaders(cfg.Headers)

	// historystore is purely-local operational introspection (loading
	// snapshots, status transitions) — it lives alongside the
	// configuration file, not at the controller's database_server URL.
	historyPath := filepath.Join(filepath.Dir(configPath), "pollingserver-history.sqlite")
	store, err := historystore.Open(historyPath)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	metrics := hostmetrics.New()
	outboundKey := base64.StdEncoding.EncodeToString(cfg.OutboundAPIKey)
	transport := controllerapi.New(cfg.DatabaseServer, outboundKey)

	header := &headerAdapter{identifier: cfg.ServerIdentifier, metrics: metrics}
	agg := aggregator.New(transport, header, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	numWorkers := runtime.NumCPU()
	if numWorkers < 1 {
		numWorkers = 1
	}
	workers := make([]*worker.Worker, numWorkers)
	workerIfaces := make([]tracker.Worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := worker.New(i, worker.NewNetworkPool(&http.Client{}, 0), agg, logger)
		workers[i] = w
		workerIfaces[i] = w
		go w.Run(ctx)
	}

	var pinger *pingclient.Client
	var pingerIface tracker.Pinger = nopPinger{}
	if cfg.Pinger != "" {
		dialer, err := parsePinger(cfg.Pinger)
		if err != nil {
			return err
		}
		pinger = pingclient.New(dialer, nil, logger)
		pingerIface = pinger
	}

	trk := tracker.New(workerIfaces, pingerIface, agg, logger)
	header.trk = trk

	if pinger != nil {
		pinger.SetResolver(trk)
		go pinger.Run(ctx)
	}

	go recordHistoryPeriodically(ctx, store, workers, trk, logger)

	controlSrv := controlapi.New(trk, metrics, logger)
	handler := transportauth.RequireSharedSecret(cfg.InboundAPIKey, controlSrv.Mux())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.InboundPort),
		Handler: handler,
	}

	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()
	go watcher.Run(func(reloaded *config.Config) {
		topology.SetDefaultHeaders(reloaded.Headers)
		logger.Info("configuration reloaded")
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("inbound server: %w", err)
		}
	case <-sig:
		logger.Info("shutting down")
		_ = httpSrv.Shutdown(context.Background())
		cancel()
	}
	return nil
}

// loadingSnapshotPeriod matches spec.md §3's "refreshed every 2 hours of
// wall time" for the loading snapshot.
const loadingSnapshotPeriod = 2 * time.Hour

// recordHistoryPeriodically persists loading snapshots and the current
// server status to the local history store, purely for operational
// introspection across restarts (historystore's package doc).
func recordHistoryPeriodically(ctx context.Context, store *historystore.Store, workers []*worker.Worker, trk *tracker.Tracker, logger *pollog.Logger) {
	ticker := time.NewTicker(loadingSnapshotPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range workers {
				for signedInterval, snap := range w.WheelLoadings() {
					if err := store.RecordLoadingSnapshot(signedInterval, snap.HostSchemeCount, snap.MissedWindows, snap.MeanMissSeconds); err != nil {
						logger.Warn("recording loading snapshot: %v", err)
					}
				}
			}
			if err := store.RecordStatusTransition(trk.Status().String()); err != nil {
				logger.Warn("recording status transition: %v", err)
			}
		}
	}
}

// nopPinger stands in for the pinger when the configuration file's
// pinger field is empty (ping-testing disabled process-wide).
type nopPinger struct{}

func (nopPinger) Add(id ids.HostSchemeID, hostname string) {}
func (nopPinger) Remove(id ids.HostSchemeID)               {}
