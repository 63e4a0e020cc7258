// Package metrics bridges kernel/src/stats's counters into Prometheus
// for the host test harness (SPEC_FULL.md §B) — the kernel itself
// never imports this package, consistent with spec.md's
// no-networking Non-goal; only the host-side programs cmd/kernel and
// cmd/bench do. Grounded on ffromani-dra-driver-memory's
// pkg/command/daemon.go, which registers a promhttp.Handler() on a
// plain http.ServeMux the same way.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stats"
)

// Register exposes every stats.Kernel counter as a Prometheus gauge on
// reg, reading through Counter_t.Load() on every scrape rather than
// mirroring the value into a second storage location.
func Register(reg *prometheus.Registry) {
	gauge := func(name, help string, load func() int64) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "kernel",
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(load()) },
		))
	}

	k := stats.Kernel
	gauge("buf_hits_total", "buffer cache reads satisfied from cache", k.BufHits.Load)
	gauge("buf_misses_total", "buffer cache reads that issued a disk read", k.BufMisses.Load)
	gauge("log_commits_total", "completed write-ahead log group commits", k.LogCommits.Load)
	gauge("log_active", "outstanding log transactions right now", k.LogActive.Load)
	gauge("run_queue", "runnable processes right now", k.RunQueue.Load)
}

// Serve starts an HTTP server exposing /metrics on addr and blocks
// until ctx is cancelled or the server fails. stats.Enabled is turned
// on for the lifetime of the call, since counters left disabled would
// always scrape as zero.
func Serve(ctx context.Context, addr string) error {
	prev := stats.Enabled
	stats.Enabled = true
	defer func() { stats.Enabled = prev }()

	reg := prometheus.NewRegistry()
	Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
