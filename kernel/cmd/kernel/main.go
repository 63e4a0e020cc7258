// Command kernel boots the monolithic kernel: brings up the UART and
// virtio-blk driver, mounts the root filesystem and recovers its log,
// wires the trap/interrupt dispatch table, starts init, and runs the
// scheduler loop (spec.md §4.4-§4.6, §4.12, §4.14).
package main

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"console"
	"fs"
	"mem"
	"metrics"
	"proc"
	"scall"
	"trap"
	"uart"
	"virtio"
	"vm"

	"buddy"
)

// nHarts is pinned at 1: proc.Mycpu() resolves the running hart
// through one global atomic (proc/cpu.go's documented limitation —
// this hosted build has no per-OS-thread hart pinning to key off of),
// so more than one concurrently running Scheduler loop would corrupt
// that shared state. main starts exactly one Scheduler loop, on hart 0;
// nHarts records that count and nothing reads it.
const nHarts = 1

// physmem backs vm.Pages for the lifetime of the process: a real
// host-allocated arena standing in for the [end-of-kernel-image,
// PHYSTOP) region a boot loader hands the buddy allocator on real
// hardware (spec.md §4.2, mem.PhysMemSize). Held in a package variable
// so the garbage collector never reclaims it out from under the
// physical addresses buddy.Init hands out.
var physmem []byte

// initPages carves physmem out of the host heap and gives it to the
// buddy allocator; every page table and process allocation ultimately
// comes from here (vm.Pages's doc comment: "injected once at boot
// rather than reached through a bare global").
func initPages() {
	physmem = make([]byte, mem.PhysMemSize)
	base := uintptr(unsafe.Pointer(&physmem[0]))
	vm.Pages = buddy.Init(base, base+uintptr(len(physmem)))
}

func main() {
	fmt.Println("booting")

	initPages()
	virtio.Init()
	uart.Init()
	console.Init()
	trap.Init()
	trap.InitHart(0)
	trap.Wire(console.Intr)

	fs.MountRoot(fs.ROOTDEV)

	init_ := proc.Userinit()
	scall.InitProc = init_

	go tick()
	go serveMetrics()

	proc.Scheduler(0)
}

// serveMetrics exposes the kernel's counters (spec.md's design notes;
// kernel/src/stats) on :9100 for the host operator, same host-only
// surface original_source has no equivalent of — this is purely a
// test/tooling addition outside the kernel's own no-networking
// boundary.
func serveMetrics() {
	if err := metrics.Serve(context.Background(), ":9100"); err != nil {
		fmt.Println("metrics server exited:", err)
	}
}

// tick drives scall.Tick on a wall-clock interval, standing in for the
// M-mode timer interrupt forwarded to hart 0 in spec.md §4.4's
// supervisor-software-interrupt case — there is no real CLINT to
// program on a hosted build.
func tick() {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for range t.C {
		trap.TimerIntr(0)
	}
}
