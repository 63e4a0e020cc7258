// Command bench drives synthetic filesystem load against a freshly
// built disk image, exposes the run's kernel/src/stats counters over
// Prometheus the same way cmd/kernel does, and writes a CPU profile of
// the run for offline analysis — the host-side benchmark harness
// SPEC_FULL.md §B describes, continuing the teacher's own practice of
// profiling the kernel under synthetic load (biscuit's perfsetup/
// intelprof_t) now that there is no bare-metal kernel to attach a
// profiler to, only this hosted harness.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/pprof/profile"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fs"
	"metrics"
	"ufs"
)

// Config is the benchmark's boot configuration (SPEC_FULL.md §A: "the
// harness and CLI tools... take a boot configuration"), parsed from a
// small TOML document named by the --config flag; no other flag
// overrides its fields.
type Config struct {
	Image       string `toml:"image"`
	TotalBlocks int    `toml:"total_blocks"`
	InodeBlocks int    `toml:"inode_blocks"`
	LogBlocks   int    `toml:"log_blocks"`
	Workers     int    `toml:"workers"`
	Iterations  int    `toml:"iterations"`
	MetricsAddr string `toml:"metrics_addr"`
	Profile     string `toml:"profile"`
	Verbosity   int    `toml:"verbosity"`
}

const (
	defaultLogBlocks   = 30
	defaultInodeBlocks = 200
	defaultDataBlocks  = 40000
)

func defaultConfig() Config {
	total := 2 + defaultLogBlocks + defaultInodeBlocks + defaultDataBlocks/8/fs.BSIZE + defaultDataBlocks
	return Config{
		Image:       "bench.img",
		TotalBlocks: total,
		InodeBlocks: defaultInodeBlocks,
		LogBlocks:   defaultLogBlocks,
		Workers:     4,
		Iterations:  200,
		MetricsAddr: ":9100",
		Profile:     "bench.pprof",
		Verbosity:   0,
	}
}

// loadConfig starts from defaultConfig and, if path is non-empty,
// unmarshals the TOML document over it — present keys override the
// default, absent keys keep it, matching the pattern
// ffromani-dra-driver-memory's config/containerd/setup.go uses for
// toml.Unmarshal into an already-populated struct.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "drive synthetic filesystem load and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "TOML boot configuration (defaults used if empty)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))
	stdr.SetVerbosity(cfg.Verbosity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsErr := make(chan error, 1)
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
			metricsErr <- err
		}
	}()
	logger.Info("metrics server started", "addr", cfg.MetricsAddr)

	os.Remove(cfg.Image)
	u := ufs.MkDisk(cfg.Image, cfg.TotalBlocks, cfg.InodeBlocks, cfg.LogBlocks)
	defer u.Shutdown()
	logger.Info("disk image built", "image", cfg.Image, "total_blocks", cfg.TotalBlocks)

	var profBuf bytes.Buffer
	if err := pprof.StartCPUProfile(&profBuf); err != nil {
		return fmt.Errorf("start cpu profile: %w", err)
	}

	start := time.Now()
	eg, _ := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		w := w
		eg.Go(func() error {
			return worker(u, logger.WithValues("worker", w), w, cfg.Iterations)
		})
	}
	runErr := eg.Wait()
	elapsed := time.Since(start)

	pprof.StopCPUProfile()

	select {
	case err := <-metricsErr:
		return fmt.Errorf("metrics server: %w", err)
	default:
	}
	if runErr != nil {
		return runErr
	}

	total := cfg.Workers * cfg.Iterations
	logger.Info("run complete",
		"ops", total,
		"elapsed", elapsed.String(),
		"ops_per_sec", float64(total)/elapsed.Seconds(),
	)

	return writeProfile(logger, cfg.Profile, profBuf.Bytes())
}

// worker repeatedly creates, appends to, stats, reads and unlinks its
// own file — fs's own log/inode locking (not this package) is what
// makes Workers > 1 concurrently safe against the same Ufs_t, exactly
// as multiple processes issuing concurrent syscalls would be on the
// real kernel.
func worker(u *ufs.Ufs_t, logger logr.Logger, id, iterations int) error {
	name := fmt.Sprintf("/bench.%d", id)
	payload := bytes.Repeat([]byte{byte(id)}, fs.BSIZE)

	for i := 0; i < iterations; i++ {
		if err := u.MkFile(name, nil); err != 0 {
			return fmt.Errorf("worker %d: mkfile: err %d", id, err)
		}
		if err := u.Append(name, payload); err != 0 {
			return fmt.Errorf("worker %d: append: err %d", id, err)
		}
		if _, err := u.Stat(name); err != 0 {
			return fmt.Errorf("worker %d: stat: err %d", id, err)
		}
		if _, err := u.Read(name); err != 0 {
			return fmt.Errorf("worker %d: read: err %d", id, err)
		}
		if err := u.Unlink(name); err != 0 {
			return fmt.Errorf("worker %d: unlink: err %d", id, err)
		}
	}
	logger.V(1).Info("worker done", "iterations", iterations)
	return nil
}

// writeProfile parses the captured CPU profile through
// github.com/google/pprof/profile (the same profile.proto parser the
// pprof tool itself uses) to report its sample count and duration,
// then writes it back out to path so an operator can inspect it with
// `go tool pprof`.
func writeProfile(logger logr.Logger, path string, raw []byte) error {
	if len(raw) == 0 {
		logger.Info("no cpu samples captured, skipping profile")
		return nil
	}
	prof, err := profile.Parse(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse cpu profile: %w", err)
	}
	logger.Info("cpu profile captured",
		"samples", len(prof.Sample),
		"duration", time.Duration(prof.DurationNanos).String(),
	)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile file: %w", err)
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		return fmt.Errorf("write profile file: %w", err)
	}
	logger.Info("cpu profile written", "path", path)
	return nil
}
