// Package stats holds the kernel's lightweight runtime counters: the
// ones spec.md's design notes call out explicitly (buffer-cache hit
// rate, log commit count, active-transaction gauge, scheduler run-queue
// length) plus the Counter_t/Cycles_t primitives used to build them.
// kernel/src/metrics bridges these into Prometheus for the host harness
// (SPEC_FULL.md §B) — the kernel itself never imports a metrics
// library, consistent with the no-networking Non-goal.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Enabled gates whether counters actually update; off by default so
// accounting never costs a cache miss on the hot path unless a caller
// (typically the host harness) opts in.
var Enabled = false

// Counter_t is a statistical counter.
type Counter_t int64

// Cycles_t holds an elapsed-cycle accumulation.
type Cycles_t int64

// Inc increments the counter when counting is enabled.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add adds n to the counter when counting is enabled.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Set stores an absolute gauge value (e.g. "active transactions right
// now"), always, regardless of Enabled — gauges reflect current state
// rather than accumulate, so suppressing them would make them lie.
func (c *Counter_t) Set(n int64) {
	atomic.StoreInt64((*int64)(c), n)
}

// Load reads the counter's current value.
func (c *Counter_t) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Add accumulates elapsed cycles when timing is enabled.
func (c *Cycles_t) Add(delta uint64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), int64(delta))
	}
}

// Kernel is the singleton counter block the buffer cache, log and
// scheduler increment directly.
var Kernel = &KernelStats_t{}

type KernelStats_t struct {
	BufHits    Counter_t // bread() calls satisfied from cache
	BufMisses  Counter_t // bread() calls that issued a disk read
	LogCommits Counter_t // completed group commits
	LogActive  Counter_t // outstanding transactions right now (gauge)
	RunQueue   Counter_t // runnable processes right now (gauge)
}

// Stats2String converts a struct of counters to a printable diagnostic
// string, e.g. for a panic-path dump.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
